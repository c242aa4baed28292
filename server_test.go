package usbip

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daedaluz/gousbip/usb"
)

type fakeExporter struct {
	devices  []*usb.Device
	channel  DeviceChannel
	attached []*usb.Device
}

func (e *fakeExporter) Devices() ([]*usb.Device, error) {
	return e.devices, nil
}

func (e *fakeExporter) Attach(dev *usb.Device) (DeviceChannel, error) {
	e.attached = append(e.attached, dev)
	return e.channel, nil
}

func testDevice() *usb.Device {
	return &usb.Device{
		Name:         "1-2",
		BusNumber:    1,
		DeviceNumber: 2,
		Speed:        usb.SpeedHigh,
		Descriptors:  testDescriptors(),
	}
}

func startConn(t *testing.T, exporter Exporter) (net.Conn, chan error) {
	t.Helper()
	server, client := net.Pipe()
	s := &Server{
		Exporter: exporter,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	done := make(chan error, 1)
	go func() { done <- s.handleConn(context.Background(), server) }()
	t.Cleanup(func() { _ = client.Close() })
	return client, done
}

func opHeader(code uint16) []byte {
	var raw [8]byte
	binary.BigEndian.PutUint16(raw[0:2], Version)
	binary.BigEndian.PutUint16(raw[2:4], code)
	return raw[:]
}

func TestDevlist(t *testing.T) {
	exporter := &fakeExporter{devices: []*usb.Device{testDevice()}}
	client, done := startConn(t, exporter)

	writeAll(t, client, opHeader(OpReqDevlist))

	hdr := readAll(t, client, 12)
	assert.Equal(t, Version, binary.BigEndian.Uint16(hdr[0:2]))
	assert.Equal(t, OpRepDevlist, binary.BigEndian.Uint16(hdr[2:4]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(hdr[4:8]))
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(hdr[8:12]))

	record := readAll(t, client, deviceRecordSize)
	assert.Equal(t, "/sys/bus/usb/devices/1-2", cString(record[0:256]))
	assert.Equal(t, "1-2", cString(record[256:288]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(record[288:292]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(record[292:296]))
	assert.Equal(t, uint32(usb.SpeedHigh), binary.BigEndian.Uint32(record[296:300]))
	assert.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(record[300:302]))
	assert.Equal(t, uint16(0x5678), binary.BigEndian.Uint16(record[302:304]))
	assert.Equal(t, uint8(1), record[309], "bConfigurationValue")
	assert.Equal(t, uint8(2), record[310], "bNumConfigurations")
	require.Equal(t, uint8(2), record[311], "bNumInterfaces")

	ifaces := readAll(t, client, 2*4)
	assert.Equal(t, uint8(usb.ClassCodeVendorSpecific), ifaces[0])

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
	}
}

func TestImportUnknownBusID(t *testing.T) {
	exporter := &fakeExporter{devices: []*usb.Device{testDevice()}}
	client, done := startConn(t, exporter)

	var busid [busIDSize]byte
	copy(busid[:], "9-9")
	writeAll(t, client, append(opHeader(OpReqImport), busid[:]...))

	hdr := readAll(t, client, 8)
	assert.Equal(t, OpRepImport, binary.BigEndian.Uint16(hdr[2:4]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(hdr[4:8]))
	assert.Empty(t, exporter.attached)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
	}
}

// TestImportAttachesSession drives the full path: import reply, then the
// same connection becomes a URB stream served by a Session.
func TestImportAttachesSession(t *testing.T) {
	ch := newFakeChannel()
	exporter := &fakeExporter{devices: []*usb.Device{testDevice()}, channel: ch}
	client, done := startConn(t, exporter)

	var busid [busIDSize]byte
	copy(busid[:], "1-2")
	writeAll(t, client, append(opHeader(OpReqImport), busid[:]...))

	hdr := readAll(t, client, 8)
	assert.Equal(t, OpRepImport, binary.BigEndian.Uint16(hdr[2:4]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(hdr[4:8]))
	record := readAll(t, client, deviceRecordSize)
	assert.Equal(t, "1-2", cString(record[256:288]))
	require.Len(t, exporter.attached, 1)

	// The connection now carries USB/IP commands.
	setup := [8]byte{0x00, 0x09, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	writeAll(t, client, submitBytes(1, DirOut, 0, 0, 0, 0, setup))
	ret := readRet(t, client)
	assert.Equal(t, RetSubmitCode, ret.command)
	assert.Equal(t, int32(0), ret.status)
	assert.Equal(t, []uint8{1}, ch.setConfigs)

	require.NoError(t, client.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestUnsupportedVersion(t *testing.T) {
	client, done := startConn(t, &fakeExporter{})

	var raw [8]byte
	binary.BigEndian.PutUint16(raw[0:2], 0x0100)
	binary.BigEndian.PutUint16(raw[2:4], OpReqDevlist)
	writeAll(t, client, raw[:])

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
	}
}
