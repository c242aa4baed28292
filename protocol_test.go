package usbip

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawSubmitHeader(seq, devid, dir, ep, flags, length uint32, numPkts int32, setup [8]byte) [HeaderSize]byte {
	var raw [HeaderSize]byte
	binary.BigEndian.PutUint32(raw[0:4], CmdSubmitCode)
	binary.BigEndian.PutUint32(raw[4:8], seq)
	binary.BigEndian.PutUint32(raw[8:12], devid)
	binary.BigEndian.PutUint32(raw[12:16], dir)
	binary.BigEndian.PutUint32(raw[16:20], ep)
	binary.BigEndian.PutUint32(raw[20:24], flags)
	binary.BigEndian.PutUint32(raw[24:28], length)
	binary.BigEndian.PutUint32(raw[32:36], uint32(numPkts))
	copy(raw[40:48], setup[:])
	return raw
}

func rawUnlinkHeader(seq, target uint32) [HeaderSize]byte {
	var raw [HeaderSize]byte
	binary.BigEndian.PutUint32(raw[0:4], CmdUnlinkCode)
	binary.BigEndian.PutUint32(raw[4:8], seq)
	binary.BigEndian.PutUint32(raw[20:24], target)
	return raw
}

func TestReadHeaderSubmit(t *testing.T) {
	setup := [8]byte{0x00, 0x09, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00}
	raw := rawSubmitHeader(7, 0x00010002, DirIn, 0x81, TransferFlagShortNotOk, 512, 0, setup)

	hdr, err := ReadHeader(bytes.NewReader(raw[:]))
	require.NoError(t, err)
	assert.Equal(t, CmdSubmitCode, hdr.Command)
	assert.Equal(t, uint32(7), hdr.Seqnum)
	assert.Equal(t, uint32(0x00010002), hdr.Devid)
	assert.True(t, hdr.In())
	assert.Equal(t, uint8(1), hdr.EndpointNumber())
	assert.Equal(t, TransferFlagShortNotOk, hdr.TransferFlags)
	assert.Equal(t, uint32(512), hdr.TransferBufferLength)
	assert.Equal(t, setup, hdr.Setup)
}

func TestReadHeaderUnlink(t *testing.T) {
	raw := rawUnlinkHeader(9, 3)
	hdr, err := ReadHeader(bytes.NewReader(raw[:]))
	require.NoError(t, err)
	assert.Equal(t, CmdUnlinkCode, hdr.Command)
	assert.Equal(t, uint32(9), hdr.Seqnum)
	assert.Equal(t, uint32(3), hdr.UnlinkSeqnum)
}

func TestReadHeaderUnknownCommand(t *testing.T) {
	var raw [HeaderSize]byte
	binary.BigEndian.PutUint32(raw[0:4], RetSubmitCode)
	_, err := ReadHeader(bytes.NewReader(raw[:]))
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRetSubmitEncoding(t *testing.T) {
	ret := RetSubmit{
		Seqnum:          2,
		Status:          -32,
		ActualLength:    64,
		StartFrame:      5,
		NumberOfPackets: 3,
		ErrorCount:      1,
	}
	raw := ret.AppendTo(nil)
	require.Len(t, raw, HeaderSize)
	assert.Equal(t, RetSubmitCode, binary.BigEndian.Uint32(raw[0:4]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(raw[4:8]))
	// devid, direction and endpoint stay zero in replies.
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(raw[8:12]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(raw[12:16]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(raw[16:20]))
	assert.Equal(t, int32(-32), int32(binary.BigEndian.Uint32(raw[20:24])))
	assert.Equal(t, uint32(64), binary.BigEndian.Uint32(raw[24:28]))
	assert.Equal(t, int32(5), int32(binary.BigEndian.Uint32(raw[28:32])))
	assert.Equal(t, int32(3), int32(binary.BigEndian.Uint32(raw[32:36])))
	assert.Equal(t, int32(1), int32(binary.BigEndian.Uint32(raw[36:40])))
}

func TestRetUnlinkEncoding(t *testing.T) {
	ret := RetUnlink{Seqnum: 11, Status: StatusConnReset}
	raw := ret.AppendTo(nil)
	require.Len(t, raw, HeaderSize)
	assert.Equal(t, RetUnlinkCode, binary.BigEndian.Uint32(raw[0:4]))
	assert.Equal(t, uint32(11), binary.BigEndian.Uint32(raw[4:8]))
	assert.Equal(t, int32(-104), int32(binary.BigEndian.Uint32(raw[20:24])))
}

func TestIsoDescriptorRoundTrip(t *testing.T) {
	pkts := []IsoPacketDescriptor{
		{Offset: 0, Length: 100, ActualLength: 100, Status: 0},
		{Offset: 100, Length: 100, ActualLength: 50, Status: -84},
	}
	raw := AppendIsoDescriptors(nil, pkts)
	require.Len(t, raw, 2*IsoDescriptorSize)

	back, err := ReadIsoDescriptors(bytes.NewReader(raw), 2)
	require.NoError(t, err)
	assert.Equal(t, pkts, back)
}
