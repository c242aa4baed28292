package usbip

import (
	"github.com/daedaluz/gousbip/usb"
)

// endpointClassifier answers what transfer type an endpoint address
// carries under the device's current configuration and interface
// alt-settings. It is written and read only on the session's receive
// path, so it needs no lock.
type endpointClassifier struct {
	descriptors []usb.Descriptor
	config      uint8
	altSettings map[uint8]uint8
	types       map[uint8]usb.TransferType
}

// newEndpointClassifier starts from the device's first configuration with
// every interface on alternate setting zero, which is where an attached
// device sits before the client re-selects anything.
func newEndpointClassifier(descriptors []usb.Descriptor) *endpointClassifier {
	c := &endpointClassifier{
		descriptors: descriptors,
		altSettings: make(map[uint8]uint8),
	}
	for _, desc := range descriptors {
		if cfg, ok := desc.(*usb.ConfigurationDescriptor); ok {
			c.config = cfg.BConfigurationValue
			break
		}
	}
	c.rebuild()
	return c
}

// EndpointType classifies one endpoint. Endpoint 0 is always control. An
// address the current configuration does not describe classifies as bulk;
// the driver will fault the transfer in-band if the client made it up.
func (c *endpointClassifier) EndpointType(number uint8, in bool) usb.TransferType {
	if number == 0 {
		return usb.TransferTypeControl
	}
	if typ, ok := c.types[usb.EndpointAddress(number, in)]; ok {
		return typ
	}
	return usb.TransferTypeBulk
}

// SetConfiguration tracks a trapped SET_CONFIGURATION. Interface
// alt-settings reset to zero, as the device's do.
func (c *endpointClassifier) SetConfiguration(value uint8) {
	c.config = value
	c.altSettings = make(map[uint8]uint8)
	c.rebuild()
}

// SetInterface tracks a trapped SET_INTERFACE.
func (c *endpointClassifier) SetInterface(iface, altSetting uint8) {
	c.altSettings[iface] = altSetting
	c.rebuild()
}

func (c *endpointClassifier) rebuild() {
	c.types = make(map[uint8]usb.TransferType)
	inConfig := false
	selected := false
	for _, desc := range c.descriptors {
		switch d := desc.(type) {
		case *usb.ConfigurationDescriptor:
			inConfig = d.BConfigurationValue == c.config
			selected = false
		case *usb.InterfaceDescriptor:
			selected = inConfig && d.BAlternateSetting == c.altSettings[d.BInterfaceNumber]
		case *usb.EndpointDescriptor:
			if selected {
				c.types[d.BEndpointAddress] = d.TransferType()
			}
		}
	}
}
