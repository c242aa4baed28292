package usbmon

// Ioctl surface of the VirtualBox-derived USB monitor driver. Records are
// little-endian fixed-size structs matching the driver ABI and are passed
// by pointer, the same way usbfs structs are.

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

var (
	ctl_usbmon_get_version      = ioctl.IOW('v', 0, unsafe.Sizeof(usbmon_version{}))
	ctl_usbmon_claim_device     = ioctl.IO('v', 1)
	ctl_usbmon_release_device   = ioctl.IO('v', 2)
	ctl_usbmon_send_urb         = ioctl.IOWR('v', 3, unsafe.Sizeof(Urb{}))
	ctl_usbmon_set_config       = ioctl.IOR('v', 4, unsafe.Sizeof(uint32(0)))
	ctl_usbmon_select_interface = ioctl.IOR('v', 5, unsafe.Sizeof(usbmon_selectinterface{}))
	ctl_usbmon_clear_endpoint   = ioctl.IOR('v', 6, unsafe.Sizeof(uint32(0)))
	ctl_usbmon_abort_endpoint   = ioctl.IOR('v', 7, unsafe.Sizeof(uint32(0)))
)

type (
	usbmon_version struct {
		Major uint32
		Minor uint32
	}

	usbmon_selectinterface struct {
		Interface  uint32
		AltSetting uint32
	}
)

// XferType selects the driver-side pipe type of a URB.
type XferType uint8

const (
	XferTypeControl = XferType(iota)
	XferTypeIsochronous
	XferTypeBulk
	XferTypeInterrupt
)

// Dir is the driver-side transfer direction.
type Dir uint8

const (
	DirIn = Dir(iota)
	DirOut
)

// XferStatus is the driver completion code of a URB or of a single iso
// packet. Anything but XferOK describes a transfer-level failure; it does
// not indicate an ioctl failure.
type XferStatus int32

const (
	XferOK = XferStatus(iota)
	XferStall
	XferDNR
	XferCRC
	XferDataOverrun
	XferDataUnderrun
	XferDisconnected
)

func (s XferStatus) String() string {
	switch s {
	case XferOK:
		return "ok"
	case XferStall:
		return "stall"
	case XferDNR:
		return "device-not-ready"
	case XferCRC:
		return "crc"
	case XferDataOverrun:
		return "data-overrun"
	case XferDataUnderrun:
		return "data-underrun"
	case XferDisconnected:
		return "disconnected"
	}
	return "unknown"
}

const (
	// UrbFlagShortOk permits short reads on IN transfers.
	UrbFlagShortOk = uint32(0x0001)
)

// MaxIsoPackets is the driver's per-URB iso packet limit.
const MaxIsoPackets = 8

// IsoPacket is one in-URB iso packet slot. Offset is relative to the URB
// buffer; both Offset and Length are 16-bit in the ABI, which bounds a
// single URB's iso payload to 65535 bytes. On completion the driver
// rewrites Length with the actual packet length and fills Status.
type IsoPacket struct {
	Length uint16
	Offset uint16
	Status XferStatus
}

// Urb is the driver URB record, input and output of SEND_URB. The driver
// writes Error, Len and the iso slots back into the same record on
// completion. Buffer must stay valid from submission until the ioctl
// returns.
type Urb struct {
	Endpoint      uint8 // endpoint number, direction bit stripped
	Type          XferType
	Dir           Dir
	_             uint8
	Flags         uint32
	Error         XferStatus
	_             uint32
	Len           uint64
	Buffer        uint64
	NumIsoPackets uint32
	IsoPackets    [MaxIsoPackets]IsoPacket
}

// SetBuffer points the URB at data and sets its length. data must be
// non-empty unless the transfer carries no payload.
func (u *Urb) SetBuffer(data []byte) {
	u.Len = uint64(len(data))
	if len(data) > 0 {
		u.Buffer = uint64(uintptr(unsafe.Pointer(&data[0])))
	} else {
		u.Buffer = 0
	}
}
