package usbip

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/daedaluz/gousbip/usb"
)

// testDescriptors builds a two-configuration device:
//
//	config 1: iface 0 alt 0 — 0x81 bulk IN, 0x02 bulk OUT, 0x83 iso IN,
//	          0x03 iso OUT, 0x84 interrupt IN
//	          iface 1 alt 0 — no endpoints; alt 1 — 0x85 iso IN
//	config 2: iface 0 alt 0 — 0x81 bulk IN
func testDescriptors() []usb.Descriptor {
	endpoint := func(addr, attrs uint8) *usb.EndpointDescriptor {
		return &usb.EndpointDescriptor{
			DescriptorHeader: usb.DescriptorHeader{Length: 7, DescriptorType: usb.DescriptorTypeEndpoint},
			BEndpointAddress: addr,
			BmAttributes:     attrs,
			WMaxPacketSize:   512,
		}
	}
	iface := func(num, alt, numEps uint8) *usb.InterfaceDescriptor {
		return &usb.InterfaceDescriptor{
			DescriptorHeader: usb.DescriptorHeader{Length: 9, DescriptorType: usb.DescriptorTypeInterface},
			BInterfaceNumber: num, BAlternateSetting: alt, BNumEndpoints: numEps,
			BInterfaceClass: usb.ClassCodeVendorSpecific,
		}
	}
	config := func(value, numIfaces uint8) *usb.ConfigurationDescriptor {
		return &usb.ConfigurationDescriptor{
			DescriptorHeader:    usb.DescriptorHeader{Length: 9, DescriptorType: usb.DescriptorTypeConfig},
			BConfigurationValue: value,
			BNumInterfaces:      numIfaces,
		}
	}
	return []usb.Descriptor{
		&usb.DeviceDescriptor{
			DescriptorHeader:   usb.DescriptorHeader{Length: 18, DescriptorType: usb.DescriptorTypeDevice},
			IDVendor:           0x1234,
			IDProduct:          0x5678,
			BNumConfigurations: 2,
		},
		config(1, 2),
		iface(0, 0, 5),
		endpoint(0x81, 0x02),
		endpoint(0x02, 0x02),
		endpoint(0x83, 0x01),
		endpoint(0x03, 0x01),
		endpoint(0x84, 0x03),
		iface(1, 0, 0),
		iface(1, 1, 1),
		endpoint(0x85, 0x01),
		config(2, 1),
		iface(0, 0, 1),
		endpoint(0x81, 0x02),
	}
}

func TestClassifierEndpointZeroAlwaysControl(t *testing.T) {
	cls := newEndpointClassifier(nil)
	assert.Equal(t, usb.TransferTypeControl, cls.EndpointType(0, true))
	assert.Equal(t, usb.TransferTypeControl, cls.EndpointType(0, false))

	cls = newEndpointClassifier(testDescriptors())
	cls.SetConfiguration(2)
	assert.Equal(t, usb.TransferTypeControl, cls.EndpointType(0, false))
}

func TestClassifierDefaultsToFirstConfiguration(t *testing.T) {
	cls := newEndpointClassifier(testDescriptors())
	assert.Equal(t, usb.TransferTypeBulk, cls.EndpointType(1, true))
	assert.Equal(t, usb.TransferTypeBulk, cls.EndpointType(2, false))
	assert.Equal(t, usb.TransferTypeIsochronous, cls.EndpointType(3, true))
	assert.Equal(t, usb.TransferTypeIsochronous, cls.EndpointType(3, false))
	assert.Equal(t, usb.TransferTypeInterrupt, cls.EndpointType(4, true))
}

func TestClassifierSetConfiguration(t *testing.T) {
	cls := newEndpointClassifier(testDescriptors())
	cls.SetConfiguration(2)
	assert.Equal(t, usb.TransferTypeBulk, cls.EndpointType(1, true))
	// Endpoints of config 1 are gone; unknown addresses fall back to bulk.
	assert.Equal(t, usb.TransferTypeBulk, cls.EndpointType(3, true))
}

func TestClassifierSetInterface(t *testing.T) {
	cls := newEndpointClassifier(testDescriptors())
	// Alt 0 of interface 1 has no endpoints.
	assert.Equal(t, usb.TransferTypeBulk, cls.EndpointType(5, true))
	cls.SetInterface(1, 1)
	assert.Equal(t, usb.TransferTypeIsochronous, cls.EndpointType(5, true))

	// Selecting a configuration resets alt settings.
	cls.SetConfiguration(1)
	assert.Equal(t, usb.TransferTypeBulk, cls.EndpointType(5, true))
}
