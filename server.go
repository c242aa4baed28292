package usbip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/daedaluz/gousbip/usb"
)

const (
	busIDSize        = 32
	devicePathSize   = 256
	deviceRecordSize = 312
)

// An Exporter supplies the devices a Server offers and claims one when a
// client imports it. Attach fails when the device is gone or already
// attached elsewhere.
type Exporter interface {
	Devices() ([]*usb.Device, error)
	Attach(dev *usb.Device) (DeviceChannel, error)
}

// Server speaks the USB/IP management plane on a TCP listener: it answers
// device lists and turns a successful import into a running Session.
type Server struct {
	Addr     string
	Exporter Exporter
	Log      *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// ListenAndServe accepts connections until the context is cancelled or
// the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log := s.logger()
	log.Info("usbip server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info("usbip server stopped")
				return nil
			}
			return err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		log.Info("client connected", "remote", conn.RemoteAddr())
		go func() {
			err := s.handleConn(ctx, conn)
			switch {
			case err == nil || isClientDisconnect(err):
				log.Info("client disconnected", "remote", conn.RemoteAddr())
			default:
				log.Error("connection failed", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// Close stops the listener; running sessions keep going until their
// context or stream ends.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	var hdr [8]byte
	if err := ReadExactly(conn, hdr[:]); err != nil {
		return fmt.Errorf("read op header: %w", err)
	}
	version := binary.BigEndian.Uint16(hdr[0:2])
	code := binary.BigEndian.Uint16(hdr[2:4])
	if version != Version {
		return fmt.Errorf("unsupported protocol version 0x%.4X", version)
	}

	switch code {
	case OpReqDevlist:
		return s.handleDevlist(conn)
	case OpReqImport:
		return s.handleImport(ctx, conn)
	}
	return fmt.Errorf("unsupported op 0x%.4X", code)
}

func (s *Server) handleDevlist(conn net.Conn) error {
	devices, err := s.Exporter.Devices()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	s.logger().Info("OP_REQ_DEVLIST", "devices", len(devices))

	out := appendOpHeader(nil, OpRepDevlist, 0)
	out = binary.BigEndian.AppendUint32(out, uint32(len(devices)))
	for _, dev := range devices {
		out = appendDeviceRecord(out, dev)
		for _, iface := range dev.InterfaceDescriptors() {
			out = append(out,
				uint8(iface.BInterfaceClass),
				uint8(iface.BInterfaceSubClass),
				iface.BInterfaceProtocol,
				0)
		}
	}
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) handleImport(ctx context.Context, conn net.Conn) error {
	var busid [busIDSize]byte
	if err := ReadExactly(conn, busid[:]); err != nil {
		return fmt.Errorf("read import busid: %w", err)
	}
	requested := cString(busid[:])
	log := s.logger().With("busid", requested)
	log.Info("OP_REQ_IMPORT")

	devices, err := s.Exporter.Devices()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	var chosen *usb.Device
	for _, dev := range devices {
		if dev.Name == requested {
			chosen = dev
			break
		}
	}
	if chosen == nil {
		log.Warn("import of unknown busid")
		return writeImportError(conn)
	}

	channel, err := s.Exporter.Attach(chosen)
	if err != nil {
		log.Warn("attach failed", "error", err)
		return writeImportError(conn)
	}

	out := appendOpHeader(nil, OpRepImport, 0)
	out = appendDeviceRecord(out, chosen)
	if _, err := conn.Write(out); err != nil {
		if closer, ok := channel.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("write import reply: %w", err)
	}

	log.Info("device attached")
	return NewSession(conn, channel, chosen.Descriptors, log).Run(ctx)
}

func appendOpHeader(buf []byte, code uint16, status uint32) []byte {
	buf = binary.BigEndian.AppendUint16(buf, Version)
	buf = binary.BigEndian.AppendUint16(buf, code)
	return binary.BigEndian.AppendUint32(buf, status)
}

func writeImportError(conn net.Conn) error {
	if _, err := conn.Write(appendOpHeader(nil, OpRepImport, 1)); err != nil {
		return fmt.Errorf("write import reply: %w", err)
	}
	return nil
}

// appendDeviceRecord encodes the 312-byte exported-device record shared
// by the devlist and import replies (the interface list is appended
// separately, devlist only).
func appendDeviceRecord(buf []byte, dev *usb.Device) []byte {
	var path [devicePathSize]byte
	copy(path[:], "/sys/bus/usb/devices/"+dev.Name)
	var busid [busIDSize]byte
	copy(busid[:], dev.Name)

	buf = append(buf, path[:]...)
	buf = append(buf, busid[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(dev.BusNumber))
	buf = binary.BigEndian.AppendUint32(buf, uint32(dev.DeviceNumber))
	buf = binary.BigEndian.AppendUint32(buf, uint32(dev.Speed))

	desc := dev.GetDeviceDescriptor()
	interfaces := dev.InterfaceDescriptors()
	if desc != nil {
		buf = binary.BigEndian.AppendUint16(buf, desc.IDVendor)
		buf = binary.BigEndian.AppendUint16(buf, desc.IDProduct)
		buf = binary.BigEndian.AppendUint16(buf, desc.BcdDevice)
		buf = append(buf,
			uint8(desc.BDeviceClass),
			uint8(desc.BDeviceSubClass),
			desc.BDeviceProtocol)
	} else {
		buf = append(buf, make([]byte, 9)...)
	}
	buf = append(buf, configurationValue(dev))
	if desc != nil {
		buf = append(buf, desc.BNumConfigurations)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, uint8(len(interfaces)))
}

func configurationValue(dev *usb.Device) uint8 {
	for _, desc := range dev.Descriptors {
		if cfg, ok := desc.(*usb.ConfigurationDescriptor); ok {
			return cfg.BConfigurationValue
		}
	}
	return 0
}

func cString(raw []byte) string {
	if end := strings.IndexByte(string(raw), 0); end >= 0 {
		return string(raw[:end])
	}
	return string(raw)
}

func isClientDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
