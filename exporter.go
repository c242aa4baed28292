package usbip

import (
	"fmt"
	"sync"

	"github.com/daedaluz/gousbip/usb"
	"github.com/daedaluz/gousbip/usbmon"
)

// MonitorExporter exports sysfs-enumerated devices through the USB
// monitor driver. Enumeration is fresh on every call, so devices plugged
// between requests show up without restarting the server.
type MonitorExporter struct {
	allowed map[string]bool

	mu   sync.Mutex
	busy map[string]bool
}

// NewMonitorExporter exports the devices named in allowed (sysfs busids);
// an empty list exports every device on the host.
func NewMonitorExporter(allowed []string) *MonitorExporter {
	e := &MonitorExporter{
		busy: make(map[string]bool),
	}
	if len(allowed) > 0 {
		e.allowed = make(map[string]bool, len(allowed))
		for _, busid := range allowed {
			e.allowed[busid] = true
		}
	}
	return e
}

func (e *MonitorExporter) Devices() ([]*usb.Device, error) {
	return usb.FindDevices(func(dev *usb.Device) bool {
		return e.allowed == nil || e.allowed[dev.Name]
	})
}

// Attach claims the device through the monitor driver. One client per
// device; a second import fails until the first session releases it.
func (e *MonitorExporter) Attach(dev *usb.Device) (DeviceChannel, error) {
	e.mu.Lock()
	if e.busy[dev.Name] {
		e.mu.Unlock()
		return nil, fmt.Errorf("device %s already attached", dev.Name)
	}
	e.busy[dev.Name] = true
	e.mu.Unlock()

	mon, err := usbmon.OpenDevice(dev.BusNumber, dev.DeviceNumber)
	if err != nil {
		e.release(dev.Name)
		return nil, err
	}
	return &attachedDevice{Device: mon, release: func() { e.release(dev.Name) }}, nil
}

func (e *MonitorExporter) release(name string) {
	e.mu.Lock()
	delete(e.busy, name)
	e.mu.Unlock()
}

// attachedDevice ties the claim's lifetime to the session: closing the
// channel releases both the driver handle and the busy mark.
type attachedDevice struct {
	*usbmon.Device
	release   func()
	closeOnce sync.Once
}

func (d *attachedDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.Device.Close()
		d.release()
	})
	return err
}
