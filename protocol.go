// Package usbip implements the server side of the USB/IP protocol: the
// management plane that exports devices to remote clients and, once a
// device is attached, the per-connection session engine that multiplexes
// URBs between the TCP stream and the USB monitor driver.
package usbip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Protocol version spoken on the management plane.
const Version = uint16(0x0111)

// Management-plane operation codes.
const (
	OpReqDevlist = uint16(0x8005)
	OpRepDevlist = uint16(0x0005)
	OpReqImport  = uint16(0x8003)
	OpRepImport  = uint16(0x0003)
)

// Command and reply codes of the attached-device plane.
const (
	CmdSubmitCode = uint32(0x0001)
	CmdUnlinkCode = uint32(0x0002)
	RetSubmitCode = uint32(0x0003)
	RetUnlinkCode = uint32(0x0004)
)

// Direction field values.
const (
	DirOut = uint32(0)
	DirIn  = uint32(1)
)

// Transfer flags of CMD_SUBMIT understood by the core.
const (
	// TransferFlagShortNotOk makes a short IN completion an error.
	TransferFlagShortNotOk = uint32(0x0001)
)

const (
	// HeaderSize is the fixed size of every command and reply header.
	HeaderSize = 48

	// IsoDescriptorSize is the wire size of one iso packet descriptor.
	IsoDescriptorSize = 16

	setupOffset = 40
)

var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrDuplicateSeqnum   = errors.New("duplicate sequence number")
	ErrIsoPacketTooLarge = errors.New("iso packet larger than 65535 bytes")
	ErrIsoLengthMismatch = errors.New("iso packet lengths do not sum to transfer length")
	ErrIsoPacketCount    = errors.New("bad iso packet count")
)

// Header is one decoded 48-byte command header. The submit and unlink
// overlays share the same bytes; only the one selected by Command is
// populated.
type Header struct {
	Command   uint32
	Seqnum    uint32
	Devid     uint32
	Direction uint32
	Endpoint  uint32

	// CMD_SUBMIT overlay.
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           int32
	NumberOfPackets      int32
	Interval             int32
	Setup                [8]byte

	// CMD_UNLINK overlay.
	UnlinkSeqnum uint32
}

// EndpointNumber is the endpoint number with the direction bit stripped.
func (h *Header) EndpointNumber() uint8 {
	return uint8(h.Endpoint & 0x0F)
}

// In reports whether the transfer moves device-to-host.
func (h *Header) In() bool {
	return h.Direction == DirIn
}

// ReadExactly fills buf from r or fails.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// ReadHeader reads and decodes exactly one command header. Commands other
// than CMD_SUBMIT and CMD_UNLINK are a protocol violation.
func ReadHeader(r io.Reader) (*Header, error) {
	var raw [HeaderSize]byte
	if err := ReadExactly(r, raw[:]); err != nil {
		return nil, err
	}
	hdr := &Header{
		Command:   binary.BigEndian.Uint32(raw[0:4]),
		Seqnum:    binary.BigEndian.Uint32(raw[4:8]),
		Devid:     binary.BigEndian.Uint32(raw[8:12]),
		Direction: binary.BigEndian.Uint32(raw[12:16]),
		Endpoint:  binary.BigEndian.Uint32(raw[16:20]),
	}
	switch hdr.Command {
	case CmdSubmitCode:
		hdr.TransferFlags = binary.BigEndian.Uint32(raw[20:24])
		hdr.TransferBufferLength = binary.BigEndian.Uint32(raw[24:28])
		hdr.StartFrame = int32(binary.BigEndian.Uint32(raw[28:32]))
		hdr.NumberOfPackets = int32(binary.BigEndian.Uint32(raw[32:36]))
		hdr.Interval = int32(binary.BigEndian.Uint32(raw[36:40]))
		copy(hdr.Setup[:], raw[setupOffset:HeaderSize])
	case CmdUnlinkCode:
		hdr.UnlinkSeqnum = binary.BigEndian.Uint32(raw[20:24])
	default:
		return nil, fmt.Errorf("%w: 0x%.4X", ErrUnknownCommand, hdr.Command)
	}
	return hdr, nil
}

// RetSubmit is the completion reply of one CMD_SUBMIT.
type RetSubmit struct {
	Seqnum          uint32
	Status          int32
	ActualLength    uint32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
}

// AppendTo appends the encoded 48-byte reply header to buf. The devid,
// direction and endpoint fields of a reply are always zero.
func (r *RetSubmit) AppendTo(buf []byte) []byte {
	var raw [HeaderSize]byte
	binary.BigEndian.PutUint32(raw[0:4], RetSubmitCode)
	binary.BigEndian.PutUint32(raw[4:8], r.Seqnum)
	binary.BigEndian.PutUint32(raw[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(raw[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(raw[28:32], uint32(r.StartFrame))
	binary.BigEndian.PutUint32(raw[32:36], uint32(r.NumberOfPackets))
	binary.BigEndian.PutUint32(raw[36:40], uint32(r.ErrorCount))
	return append(buf, raw[:]...)
}

// RetUnlink is the reply of one CMD_UNLINK.
type RetUnlink struct {
	Seqnum uint32
	Status int32
}

func (r *RetUnlink) AppendTo(buf []byte) []byte {
	var raw [HeaderSize]byte
	binary.BigEndian.PutUint32(raw[0:4], RetUnlinkCode)
	binary.BigEndian.PutUint32(raw[4:8], r.Seqnum)
	binary.BigEndian.PutUint32(raw[20:24], uint32(r.Status))
	return append(buf, raw[:]...)
}

// IsoPacketDescriptor is the 16-byte per-packet record exchanged after
// iso payloads; big-endian like the headers.
type IsoPacketDescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// ReadIsoDescriptors reads exactly n descriptors.
func ReadIsoDescriptors(r io.Reader, n int) ([]IsoPacketDescriptor, error) {
	raw := make([]byte, n*IsoDescriptorSize)
	if err := ReadExactly(r, raw); err != nil {
		return nil, err
	}
	pkts := make([]IsoPacketDescriptor, n)
	for i := range pkts {
		base := i * IsoDescriptorSize
		pkts[i] = IsoPacketDescriptor{
			Offset:       binary.BigEndian.Uint32(raw[base : base+4]),
			Length:       binary.BigEndian.Uint32(raw[base+4 : base+8]),
			ActualLength: binary.BigEndian.Uint32(raw[base+8 : base+12]),
			Status:       int32(binary.BigEndian.Uint32(raw[base+12 : base+16])),
		}
	}
	return pkts, nil
}

// AppendIsoDescriptors appends the encoded descriptor array to buf.
func AppendIsoDescriptors(buf []byte, pkts []IsoPacketDescriptor) []byte {
	var raw [IsoDescriptorSize]byte
	for i := range pkts {
		binary.BigEndian.PutUint32(raw[0:4], pkts[i].Offset)
		binary.BigEndian.PutUint32(raw[4:8], pkts[i].Length)
		binary.BigEndian.PutUint32(raw[8:12], pkts[i].ActualLength)
		binary.BigEndian.PutUint32(raw[12:16], uint32(pkts[i].Status))
		buf = append(buf, raw[:]...)
	}
	return buf
}
