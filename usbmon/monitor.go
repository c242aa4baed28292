package usbmon

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/daedaluz/fdev/poll"
	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"
)

const (
	usbDevPath     = "/dev/vboxusb"
	usbMonitorPath = "/dev/vboxusbmon"
)

// Device is a claimed handle on one exported USB device. Any number of
// SEND_URB ioctls may be in flight on it concurrently; each blocks its
// calling goroutine until the driver completes the transfer and writes
// the result back into the submitted record.
type Device struct {
	fd           int
	closed       atomic.Bool
	BusNumber    int
	DeviceNumber int
}

// OpenDevice opens the monitor node of the given device and claims it,
// detaching it from its host-side driver until Close.
func OpenDevice(busNumber, deviceNumber int) (*Device, error) {
	devPath := fmt.Sprintf("%s/%.3d/%.3d", usbDevPath, busNumber, deviceNumber)
	fd, err := syscall.Open(devPath, syscall.O_RDWR, 0)
	if err != nil {
		return nil, wrapErr("open "+devPath, err)
	}
	if err := ioctl.Ioctl(uintptr(fd), ctl_usbmon_claim_device, 0); err != nil {
		_ = syscall.Close(fd)
		return nil, wrapErr("claim device", err)
	}
	return &Device{
		fd:           fd,
		BusNumber:    busNumber,
		DeviceNumber: deviceNumber,
	}, nil
}

// SendURB submits one URB and blocks until the driver completes it. On
// return the driver has rewritten u.Error, u.Len and, for isochronous
// URBs, the iso packet slots. The buffer u points at must stay alive for
// the whole call; the caller keeps it pinned.
//
// An error return means the ioctl itself failed and the channel is dead;
// transfer-level failures land in u.Error instead.
func (d *Device) SendURB(u *Urb) error {
	if d.closed.Load() {
		return ErrClosed
	}
	r, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), ctl_usbmon_send_urb, uintptr(unsafe.Pointer(u)))
	if e != 0 {
		return wrapErr("send urb", e)
	}
	if r != uintptr(unsafe.Sizeof(Urb{})) {
		return ErrShortCompletion
	}
	return nil
}

// SetConfig issues USB_SET_CONFIG for the given configuration value.
func (d *Device) SetConfig(value uint8) error {
	if d.closed.Load() {
		return ErrClosed
	}
	cfg := uint32(value)
	return wrapErr("set config", ioctl.Ioctl(uintptr(d.fd), ctl_usbmon_set_config, uintptr(unsafe.Pointer(&cfg))))
}

// SelectInterface issues USB_SELECT_INTERFACE.
func (d *Device) SelectInterface(iface, altSetting uint8) error {
	if d.closed.Load() {
		return ErrClosed
	}
	data := usbmon_selectinterface{
		Interface:  uint32(iface),
		AltSetting: uint32(altSetting),
	}
	return wrapErr("select interface", ioctl.Ioctl(uintptr(d.fd), ctl_usbmon_select_interface, uintptr(unsafe.Pointer(&data))))
}

// ClearEndpoint issues USB_CLEAR_ENDPOINT, clearing a halt condition on
// the endpoint with the given raw address.
func (d *Device) ClearEndpoint(endpoint uint8) error {
	if d.closed.Load() {
		return ErrClosed
	}
	ep := uint32(endpoint)
	return wrapErr("clear endpoint", ioctl.Ioctl(uintptr(d.fd), ctl_usbmon_clear_endpoint, uintptr(unsafe.Pointer(&ep))))
}

// AbortEndpoint issues USB_ABORT_ENDPOINT, faulting every URB in flight
// on the pipe with the given raw endpoint address.
func (d *Device) AbortEndpoint(endpoint uint8) error {
	if d.closed.Load() {
		return ErrClosed
	}
	ep := uint32(endpoint)
	return wrapErr("abort endpoint", ioctl.Ioctl(uintptr(d.fd), ctl_usbmon_abort_endpoint, uintptr(unsafe.Pointer(&ep))))
}

// Close releases the claim and closes the handle. URBs still in flight
// are faulted by the driver when the handle goes away.
func (d *Device) Close() error {
	if !d.closed.Swap(true) {
		fd := d.fd
		d.fd = -1
		_ = ioctl.Ioctl(uintptr(fd), ctl_usbmon_release_device, 0)
		return syscall.Close(fd)
	}
	return ErrClosed
}

// Monitor is the driver's global node. It becomes readable whenever the
// set of monitored devices changes.
type Monitor struct {
	fd     int
	closed atomic.Bool
}

func OpenMonitor() (*Monitor, error) {
	fd, err := syscall.Open(usbMonitorPath, syscall.O_RDONLY, 0)
	if err != nil {
		return nil, wrapErr("open "+usbMonitorPath, err)
	}
	return &Monitor{fd: fd}, nil
}

// Version reports the driver ABI version.
func (m *Monitor) Version() (uint32, uint32, error) {
	if m.closed.Load() {
		return 0, 0, ErrClosed
	}
	v := usbmon_version{}
	if err := ioctl.Ioctl(uintptr(m.fd), ctl_usbmon_get_version, uintptr(unsafe.Pointer(&v))); err != nil {
		return 0, 0, wrapErr("get version", err)
	}
	return v.Major, v.Minor, nil
}

// WaitEvent blocks until a device-change event is pending or the timeout
// elapses.
func (m *Monitor) WaitEvent(timeout time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return poll.WaitInput(m.fd, timeout)
}

func (m *Monitor) Close() error {
	if !m.closed.Swap(true) {
		fd := m.fd
		m.fd = -1
		return syscall.Close(fd)
	}
	return ErrClosed
}
