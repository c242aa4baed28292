package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
)

type (
	DescriptorType uint8

	Descriptor interface {
		Type() DescriptorType
	}

	DescriptorHeader struct {
		Length         uint8
		DescriptorType DescriptorType
	}

	UnknownDescriptor struct {
		DescriptorHeader
		Data []byte
	}

	DescriptorParser interface {
		ReadUSBDescriptor(hdr DescriptorHeader, i io.Reader) error
	}
)

const (
	DescriptorTypeDevice = DescriptorType(iota + 1)
	DescriptorTypeConfig
	DescriptorTypeString
	DescriptorTypeInterface
	DescriptorTypeEndpoint
)

var (
	descriptorMap = map[DescriptorType]reflect.Type{
		DescriptorTypeDevice:    reflect.TypeOf(DeviceDescriptor{}),
		DescriptorTypeConfig:    reflect.TypeOf(ConfigurationDescriptor{}),
		DescriptorTypeInterface: reflect.TypeOf(InterfaceDescriptor{}),
		DescriptorTypeEndpoint:  reflect.TypeOf(EndpointDescriptor{}),
		DescriptorTypeString:    reflect.TypeOf(StringDescriptor{}),
	}
)

func (h DescriptorHeader) Type() DescriptorType {
	return h.DescriptorType
}

func (t DescriptorType) String() string {
	if typ, exist := descriptorMap[t]; exist {
		return typ.String()
	}
	return fmt.Sprintf("Unknown(0x%.2X)", uint8(t))
}

type (
	// DeviceDescriptor describes general information about a device.
	// It includes information that applies globally to the device and all of
	// the devices configurations. A device has only one DeviceDescriptor.
	DeviceDescriptor struct {
		DescriptorHeader
		// The bcdUSB field contains a BCD version number, 0xJJMN for
		// version JJ.M.N.
		BcdUSB uint16

		// BDeviceClass is a class code assigned by the USB-IF.
		// If this field is reset to zero, each interface within a
		// configuration specifies its own class information
		// and the various interfaces operate independently.
		BDeviceClass ClassCode

		// BDeviceSubClass is a subclass code assigned by the USB-IF,
		// qualified by the value of the bDeviceClass field.
		BDeviceSubClass SubClass

		// BDeviceProtocol (assigned by the USB-IF), qualified by the
		// bDeviceClass and bDeviceSubClass fields.
		BDeviceProtocol uint8

		// BMaxPacketSize0 Maximum packet size for endpoint zero.
		BMaxPacketSize0 uint8

		// Vendor ID assigned by the USB-IF.
		IDVendor uint16

		// Product ID assigned by the manufacturer.
		IDProduct uint16

		// BcdDevice release number in binary-coded decimal.
		BcdDevice uint16

		// IManufacturer Index of string descriptor describing manufacturer
		IManufacturer uint8

		// IProduct Index of string descriptor describing product.
		IProduct uint8

		// ISerialNumber Index of string descriptor describing the devices serial number
		ISerialNumber uint8

		// BNumConfigurations indicates the number of configurations at the
		// current operating speed.
		BNumConfigurations uint8
	}

	// ConfigurationDescriptor describes information about a specific device
	// configuration. The descriptor contains a BConfigurationValue field
	// with a value that, when used as a parameter to a SetConfiguration()
	// request, causes the device to assume the described configuration.
	//
	// When the host requests the configuration descriptor, all related
	// interface and endpoint descriptors are returned after it.
	ConfigurationDescriptor struct {
		DescriptorHeader
		// WTotalLength Total length of data returned for this configuration,
		// including all interface, endpoint and class descriptors.
		WTotalLength uint16

		// BNumInterfaces represents the number of interfaces supported by this configuration.
		BNumInterfaces uint8

		// BConfigurationValue Value to use as an argument to the SetConfiguration() request.
		BConfigurationValue uint8

		// IConfiguration Index of string descriptor describing this configuration.
		IConfiguration uint8

		// BmAttributes Configuration characteristics (self-powered, remote wakeup).
		BmAttributes uint8

		// BMaxPower is the maximum power consumption of the device from the
		// bus in this specific configuration, in 2 mA units.
		BMaxPower uint8
	}

	// InterfaceDescriptor describes a specific interface within a
	// configuration. An interface may include alternate settings that allow
	// the endpoints and/or their characteristics to be varied after the
	// device has been configured; the default setting is always alternate
	// setting zero and SetInterface() selects among them.
	InterfaceDescriptor struct {
		DescriptorHeader
		// BInterfaceNumber Number of this interface.
		BInterfaceNumber uint8

		// BAlternateSetting Value used to select this alternate setting.
		BAlternateSetting uint8

		// BNumEndpoints Number of endpoints used by this interface
		// (excluding the Default Control Pipe).
		BNumEndpoints uint8

		// BInterfaceClass Class code (assigned by the USB-IF).
		BInterfaceClass ClassCode

		// BInterfaceSubClass Subclass code (assigned by the USB-IF).
		BInterfaceSubClass SubClass

		// BInterfaceProtocol Protocol code (assigned by the USB).
		BInterfaceProtocol uint8

		// IInterface Index of string descriptor describing this interface.
		IInterface uint8
	}

	// EndpointDescriptor contains the information required by the host to
	// determine the bandwidth requirements of each endpoint.
	// There is never an endpoint descriptor for endpoint zero.
	EndpointDescriptor struct {
		DescriptorHeader
		// BEndpointAddress The address of the endpoint on the device.
		// Bits 3:0 are the endpoint number, bit 7 the direction
		// (1 - IN, 0 - OUT; ignored for control endpoints).
		BEndpointAddress uint8

		// BmAttributes describes the endpoint's attributes when it is
		// configured using the BConfigurationValue. Bits 1:0 are the
		// transfer type (00 control, 01 isochronous, 10 bulk, 11 interrupt).
		BmAttributes uint8

		// WMaxPacketSize Maximum packet size this endpoint is capable of
		// sending or receiving when this configuration is selected.
		WMaxPacketSize uint16

		// BInterval for servicing the endpoint for data transfers,
		// expressed in 125 µs units.
		BInterval uint8
	}

	// StringDescriptor are optional. String descriptors use UNICODE UTF16LE
	// encodings. String index zero returns an array of 2-byte LANGID codes
	// supported by the device.
	StringDescriptor struct {
		DescriptorHeader
		// If langID is zero, this field contains an array of []uint16 of supported languages.
		// else, this field contains the string of specified language.
		Data []byte
	}
)

// RegisterDescriptorType lets class packages add their own descriptor
// types to the parser (see the hid package).
func RegisterDescriptorType(typ DescriptorType, desc Descriptor) {
	descriptorMap[typ] = reflect.TypeOf(desc)
}

func readDescriptorHeader(i io.Reader) (DescriptorHeader, error) {
	header := DescriptorHeader{
		Length:         0,
		DescriptorType: 0,
	}
	err := binary.Read(i, binary.BigEndian, &header)
	return header, err
}

func newDescriptor(hdr DescriptorHeader) (any, reflect.Value) {
	if descriptor, exist := descriptorMap[hdr.DescriptorType]; exist {
		x := reflect.New(descriptor)
		x.Elem().Field(0).Set(reflect.ValueOf(hdr))
		return x.Interface(), x
	}
	x := reflect.New(reflect.TypeOf(UnknownDescriptor{}))
	x.Elem().Field(0).Set(reflect.ValueOf(hdr))
	return x.Interface(), x
}

func readDescriptor(hdr DescriptorHeader, i io.Reader) (Descriptor, error) {
	descriptor, ptrVal := newDescriptor(hdr)
	if customReader, implements := descriptor.(DescriptorParser); implements {
		if err := customReader.ReadUSBDescriptor(hdr, i); err != nil {
			return nil, err
		}
		return descriptor.(Descriptor), nil
	}
	elem := ptrVal.Elem()

loop:
	for elemIndex := 1; elemIndex < elem.NumField(); elemIndex++ {
		field := elem.Field(elemIndex)
		dest := field.Addr().Interface()

		switch field.Kind() {
		case reflect.Slice:
			switch field.Type() {
			case reflect.TypeOf([]uint8{}):
				excessiveData, err := io.ReadAll(i)
				field.Set(reflect.ValueOf(excessiveData))
				if err != nil {
					return nil, err
				}
			default:
				if err := binary.Read(i, binary.LittleEndian, dest); err != nil {
					break loop
				}
			}
		default:
			if err := binary.Read(i, binary.LittleEndian, dest); err != nil {
				break loop
			}
		}
	}
	return descriptor.(Descriptor), nil
}

// ParseDescriptors decodes a concatenated descriptor blob, such as the
// sysfs "descriptors" attribute or a GetDescriptor(Configuration) reply.
// Each descriptor is decoded within its own length boundary; descriptors
// of unregistered types come back as UnknownDescriptor.
func ParseDescriptors(i io.Reader) ([]Descriptor, error) {
	var hdr DescriptorHeader
	var err error
	res := make([]Descriptor, 0, 10)
	for hdr, err = readDescriptorHeader(i); err == nil; hdr, err = readDescriptorHeader(i) {
		if hdr.Length < 2 {
			return nil, fmt.Errorf("descriptor type 0x%.2X: bad bLength %d", uint8(hdr.DescriptorType), hdr.Length)
		}
		descriptorData := make([]byte, hdr.Length-2)
		if _, err := io.ReadFull(i, descriptorData); err != nil {
			return nil, fmt.Errorf("descriptor type 0x%.2X: %w", uint8(hdr.DescriptorType), err)
		}
		desc, descErr := readDescriptor(hdr, bytes.NewReader(descriptorData))
		if descErr != nil {
			return nil, descErr
		}
		res = append(res, desc)
	}
	if err != io.EOF {
		return nil, err
	}
	return res, nil
}
