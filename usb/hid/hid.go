// Package hid teaches the descriptor parser about the HID class
// descriptor, so configuration blobs of keyboards, mice and similar
// devices decode fully typed instead of falling back to
// usb.UnknownDescriptor. Import for side effects when exporting such
// devices.
package hid

import (
	"github.com/daedaluz/gousbip/usb"
)

type Descriptor struct {
	usb.DescriptorHeader
	BcdHID                   uint16
	CountryCode              uint8
	NumDescriptors           uint8
	ReportDescriptorType     uint8
	ReportDescriptorLength   uint16
	OptionalDescriptorType   uint8
	OptionalDescriptorLength uint16
}

const (
	DescriptorTypeHID      = usb.DescriptorType(0x21)
	DescriptorTypeReport   = usb.DescriptorType(0x22)
	DescriptorTypePhysical = usb.DescriptorType(0x23)
)

// Class-specific request codes.
const (
	GetReport   = 0x01
	GetIdle     = 0x02
	GetProtocol = 0x03
	SetReport   = 0x09
	SetIdle     = 0x0A
	SetProtocol = 0x0B
)

func init() {
	usb.RegisterDescriptorType(DescriptorTypeHID, Descriptor{})
}

// FindDescriptor returns the HID descriptor of the interface numbered
// ifaceNum, or nil when the device has none.
func FindDescriptor(dev *usb.Device, ifaceNum uint8) *Descriptor {
	current := -1
	for _, desc := range dev.Descriptors {
		switch d := desc.(type) {
		case *usb.InterfaceDescriptor:
			current = int(d.BInterfaceNumber)
		case *Descriptor:
			if current == int(ifaceNum) {
				return d
			}
		}
	}
	return nil
}
