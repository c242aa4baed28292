package usbip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/daedaluz/gousbip/usb"
	"github.com/daedaluz/gousbip/usbmon"
)

// DeviceChannel is the driver surface a session drives. usbmon.Device
// implements it; tests substitute their own.
type DeviceChannel interface {
	// SendURB blocks until the driver completes the URB and writes the
	// result back into it. Any number of calls may be in flight at once.
	SendURB(u *usbmon.Urb) error
	SetConfig(value uint8) error
	SelectInterface(iface, altSetting uint8) error
	ClearEndpoint(endpoint uint8) error
	AbortEndpoint(endpoint uint8) error
}

// Session is one attached client: a connected stream on one side, a
// claimed device on the other. It lives from a successful import until
// either side goes away or the client violates the protocol.
type Session struct {
	conn net.Conn
	dev  DeviceChannel
	cls  *endpointClassifier
	pend *pendingTable
	gate *replyGate
	log  *slog.Logger

	ctx       context.Context
	cancel    context.CancelCauseFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession wraps an attached connection. descriptors is the claimed
// device's parsed descriptor blob, used to classify endpoints.
func NewSession(conn net.Conn, dev DeviceChannel, descriptors []usb.Descriptor, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn: conn,
		dev:  dev,
		cls:  newEndpointClassifier(descriptors),
		pend: newPendingTable(),
		gate: newReplyGate(),
		log:  logger,
	}
}

// Run reads commands until the stream ends, the context is cancelled or a
// protocol violation occurs, then drains in-flight work. A clean client
// disconnect returns nil. Run closes the connection; if the device
// channel is an io.Closer it is closed too, which faults any URBs the
// driver still holds.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	s.ctx = runCtx
	s.cancel = cancel
	defer cancel(nil)

	go func() {
		<-runCtx.Done()
		s.teardown()
	}()

	var err error
loop:
	for {
		var hdr *Header
		hdr, err = ReadHeader(s.conn)
		if err != nil {
			break
		}
		switch hdr.Command {
		case CmdSubmitCode:
			err = s.handleSubmit(hdr)
		case CmdUnlinkCode:
			err = s.handleUnlink(hdr)
		}
		if err != nil {
			break
		}
		select {
		case <-runCtx.Done():
			err = context.Cause(runCtx)
			break loop
		default:
		}
	}
	cancel(err)
	s.wg.Wait()

	if cause := context.Cause(runCtx); cause != nil {
		err = cause
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// fail ends the session from a completion goroutine. The first cause
// wins; teardown unblocks the reader.
func (s *Session) fail(err error) {
	s.cancel(err)
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		if closer, ok := s.dev.(io.Closer); ok {
			_ = closer.Close()
		}
	})
}

func (s *Session) handleSubmit(hdr *Header) error {
	in := hdr.In()
	epNum := hdr.EndpointNumber()
	xfer := s.cls.EndpointType(epNum, in)
	s.log.Debug("CMD_SUBMIT",
		"seq", hdr.Seqnum,
		"ep", epNum,
		"in", in,
		"type", xfer.String(),
		"len", hdr.TransferBufferLength)

	if xfer == usb.TransferTypeIsochronous {
		return s.submitIso(hdr, in, epNum)
	}
	return s.submitURB(hdr, in, epNum, xfer)
}

// submitURB is the control/bulk/interrupt path. The payload read and any
// trapped request happen here, on the receive path, before the next
// command is parsed; everything after SEND_URB submission is
// asynchronous.
func (s *Session) submitURB(hdr *Header, in bool, epNum uint8, xfer usb.TransferType) error {
	payloadOffset := 0
	if xfer == usb.TransferTypeControl {
		payloadOffset = 8
	}
	buf := make([]byte, payloadOffset+int(hdr.TransferBufferLength))
	if payloadOffset > 0 {
		copy(buf[:8], hdr.Setup[:])
	}
	if !in && hdr.TransferBufferLength > 0 {
		if err := ReadExactly(s.conn, buf[payloadOffset:]); err != nil {
			return fmt.Errorf("read OUT payload: %w", err)
		}
	}

	if epNum == 0 {
		handled, err := s.trapSetup(hdr)
		if handled || err != nil {
			return err
		}
	}

	if err := s.pend.insert(hdr.Seqnum, usb.EndpointAddress(epNum, in)); err != nil {
		return err
	}

	urb := &usbmon.Urb{
		Endpoint: epNum,
		Type:     monXferType(xfer),
		Dir:      monDir(in),
	}
	if in && hdr.TransferFlags&TransferFlagShortNotOk == 0 {
		urb.Flags |= usbmon.UrbFlagShortOk
	}
	urb.SetBuffer(buf)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.dev.SendURB(urb)
		runtime.KeepAlive(buf)
		if err != nil {
			s.fail(fmt.Errorf("send urb seq %d: %w", hdr.Seqnum, err))
			return
		}
		s.completeURB(hdr, urb, buf, payloadOffset, in)
	}()
	return nil
}

// trapSetup intercepts the standard requests the driver must observe.
// Trapped requests run to completion on the receive path, never get a
// pending entry, and deliberately stall the pipeline: the classifier
// state they change must be settled before the next submit is classified.
func (s *Session) trapSetup(hdr *Header) (bool, error) {
	setup := usb.DecodeSetupPacket(hdr.Setup[:])
	if !setup.IsStandardOut() {
		return false, nil
	}
	switch {
	case setup.Recipient() == usb.RequestRecipientDevice && setup.Request == usb.ReqSetConfiguration:
		value := uint8(setup.Value)
		s.log.Debug("trapped SET_CONFIGURATION", "seq", hdr.Seqnum, "value", value)
		s.cls.SetConfiguration(value)
		if err := s.dev.SetConfig(value); err != nil {
			return true, fmt.Errorf("set config %d: %w", value, err)
		}
	case setup.Recipient() == usb.RequestRecipientInterface && setup.Request == usb.ReqSetInterface:
		iface, alt := uint8(setup.Index), uint8(setup.Value)
		s.log.Debug("trapped SET_INTERFACE", "seq", hdr.Seqnum, "iface", iface, "alt", alt)
		s.cls.SetInterface(iface, alt)
		if err := s.dev.SelectInterface(iface, alt); err != nil {
			return true, fmt.Errorf("select interface %d alt %d: %w", iface, alt, err)
		}
	case setup.Recipient() == usb.RequestRecipientEndpoint && setup.Request == usb.ReqClearFeature &&
		usb.Feature(setup.Value) == usb.FeatureEndpointHalt:
		endpoint := uint8(setup.Index)
		s.log.Debug("trapped CLEAR_FEATURE(ENDPOINT_HALT)", "seq", hdr.Seqnum, "ep", endpoint)
		if err := s.dev.ClearEndpoint(endpoint); err != nil {
			return true, fmt.Errorf("clear endpoint 0x%.2X: %w", endpoint, err)
		}
	default:
		return false, nil
	}

	ret := RetSubmit{Seqnum: hdr.Seqnum}
	return true, s.writeReply(ret.AppendTo(nil))
}

// completeURB runs when the driver finishes a non-iso URB. Losing the
// pending entry to an unlink means the reply is already spoken for.
func (s *Session) completeURB(hdr *Header, urb *usbmon.Urb, buf []byte, payloadOffset int, in bool) {
	actual := int(urb.Len) - payloadOffset
	if actual < 0 {
		actual = 0
	}
	if err := s.gate.acquire(s.ctx); err != nil {
		return
	}
	defer s.gate.release()
	if _, ok := s.pend.remove(hdr.Seqnum); !ok {
		s.log.Debug("dropping completion of unlinked submit", "seq", hdr.Seqnum)
		return
	}

	ret := RetSubmit{
		Seqnum:       hdr.Seqnum,
		Status:       statusFromXfer(urb.Error),
		ActualLength: uint32(actual),
	}
	out := ret.AppendTo(nil)
	if in && actual > 0 {
		out = append(out, buf[payloadOffset:payloadOffset+actual]...)
	}
	if err := s.write(out); err != nil {
		s.fail(err)
	}
}

// submitIso reads, validates and splits an isochronous submit into URBs
// the driver can take, fans them out, and schedules the single combined
// reply.
func (s *Session) submitIso(hdr *Header, in bool, epNum uint8) error {
	n := int(hdr.NumberOfPackets)
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrIsoPacketCount, n)
	}
	buf := make([]byte, hdr.TransferBufferLength)
	if !in && len(buf) > 0 {
		if err := ReadExactly(s.conn, buf); err != nil {
			return fmt.Errorf("read OUT payload: %w", err)
		}
	}
	pkts, err := ReadIsoDescriptors(s.conn, n)
	if err != nil {
		return fmt.Errorf("read iso descriptors: %w", err)
	}
	total := 0
	for i := range pkts {
		if pkts[i].Length > 0xFFFF {
			return fmt.Errorf("%w: packet %d length %d", ErrIsoPacketTooLarge, i, pkts[i].Length)
		}
		total += int(pkts[i].Length)
	}
	if total != int(hdr.TransferBufferLength) {
		return fmt.Errorf("%w: %d != %d", ErrIsoLengthMismatch, total, hdr.TransferBufferLength)
	}

	if err := s.pend.insert(hdr.Seqnum, usb.EndpointAddress(epNum, in)); err != nil {
		return err
	}

	chunks := splitIso(pkts)
	urbs := make([]*usbmon.Urb, len(chunks))
	for i, c := range chunks {
		urb := &usbmon.Urb{
			Endpoint:      epNum,
			Type:          usbmon.XferTypeIsochronous,
			Dir:           monDir(in),
			NumIsoPackets: uint32(c.count),
		}
		urb.SetBuffer(buf[c.bufOffset : c.bufOffset+c.length])
		rel := 0
		for j := 0; j < c.count; j++ {
			urb.IsoPackets[j] = usbmon.IsoPacket{
				Length: uint16(pkts[c.first+j].Length),
				Offset: uint16(rel),
			}
			rel += int(pkts[c.first+j].Length)
		}
		urbs[i] = urb
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var g errgroup.Group
		for i := range chunks {
			c, urb := chunks[i], urbs[i]
			g.Go(func() error {
				if err := s.dev.SendURB(urb); err != nil {
					return err
				}
				for j := 0; j < c.count; j++ {
					pkts[c.first+j].ActualLength = uint32(urb.IsoPackets[j].Length)
					pkts[c.first+j].Status = statusFromXfer(urb.IsoPackets[j].Status)
				}
				return nil
			})
		}
		err := g.Wait()
		runtime.KeepAlive(buf)
		if err != nil {
			s.fail(fmt.Errorf("send iso urb seq %d: %w", hdr.Seqnum, err))
			return
		}
		s.completeIso(hdr, pkts, buf, in)
	}()
	return nil
}

// isoChunk is one driver URB's worth of iso packets: at most 8 of them,
// and never more than 65535 payload bytes, so every in-URB offset fits
// the 16-bit slot.
type isoChunk struct {
	first     int
	count     int
	bufOffset int
	length    int
}

func splitIso(pkts []IsoPacketDescriptor) []isoChunk {
	chunks := make([]isoChunk, 0, (len(pkts)+usbmon.MaxIsoPackets-1)/usbmon.MaxIsoPackets)
	cur := isoChunk{}
	for i := range pkts {
		length := int(pkts[i].Length)
		if cur.count == usbmon.MaxIsoPackets || cur.length+length > 0xFFFF {
			chunks = append(chunks, cur)
			cur = isoChunk{first: i, bufOffset: cur.bufOffset + cur.length}
		}
		cur.count++
		cur.length += length
	}
	return append(chunks, cur)
}

// completeIso emits the combined reply once every split URB is back.
func (s *Session) completeIso(hdr *Header, pkts []IsoPacketDescriptor, buf []byte, in bool) {
	actual := 0
	errorCount := 0
	for i := range pkts {
		actual += int(pkts[i].ActualLength)
		if pkts[i].Status != StatusSuccess {
			errorCount++
		}
	}

	if err := s.gate.acquire(s.ctx); err != nil {
		return
	}
	defer s.gate.release()
	if _, ok := s.pend.remove(hdr.Seqnum); !ok {
		s.log.Debug("dropping completion of unlinked iso submit", "seq", hdr.Seqnum)
		return
	}

	ret := RetSubmit{
		Seqnum:          hdr.Seqnum,
		ActualLength:    uint32(actual),
		StartFrame:      hdr.StartFrame,
		NumberOfPackets: hdr.NumberOfPackets,
		ErrorCount:      int32(errorCount),
	}
	out := ret.AppendTo(nil)
	if in {
		if actual < len(buf) {
			// Short packets leave gaps at their allocated positions;
			// the wire carries the packet payloads back to back.
			pos := 0
			for i := range pkts {
				out = append(out, buf[pos:pos+int(pkts[i].ActualLength)]...)
				pos += int(pkts[i].Length)
			}
		} else {
			out = append(out, buf...)
		}
	}
	out = AppendIsoDescriptors(out, pkts)
	if err := s.write(out); err != nil {
		s.fail(err)
	}
}

// handleUnlink cancels a pending submit by aborting its pipe. Whoever
// removes the pending entry first — this path or the completion — sends
// the only reply for that seqnum; an unlink that finds nothing replies
// with status 0.
func (s *Session) handleUnlink(hdr *Header) error {
	endpoint, cancelled := s.pend.remove(hdr.UnlinkSeqnum)
	s.log.Debug("CMD_UNLINK",
		"seq", hdr.Seqnum,
		"unlink", hdr.UnlinkSeqnum,
		"cancelled", cancelled)
	if cancelled {
		if err := s.dev.AbortEndpoint(endpoint); err != nil {
			return fmt.Errorf("abort endpoint 0x%.2X: %w", endpoint, err)
		}
	}
	status := StatusSuccess
	if cancelled {
		status = StatusConnReset
	}
	ret := RetUnlink{Seqnum: hdr.Seqnum, Status: status}
	return s.writeReply(ret.AppendTo(nil))
}

// writeReply acquires the gate around one whole reply.
func (s *Session) writeReply(out []byte) error {
	if err := s.gate.acquire(s.ctx); err != nil {
		return err
	}
	defer s.gate.release()
	return s.write(out)
}

// write sends one fully assembled reply. Callers hold the gate.
func (s *Session) write(out []byte) error {
	if _, err := s.conn.Write(out); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func monXferType(t usb.TransferType) usbmon.XferType {
	switch t {
	case usb.TransferTypeControl:
		return usbmon.XferTypeControl
	case usb.TransferTypeIsochronous:
		return usbmon.XferTypeIsochronous
	case usb.TransferTypeInterrupt:
		return usbmon.XferTypeInterrupt
	}
	return usbmon.XferTypeBulk
}

func monDir(in bool) usbmon.Dir {
	if in {
		return usbmon.DirIn
	}
	return usbmon.DirOut
}
