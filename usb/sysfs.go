package usb

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	sysfsDeviceDir = "/sys/bus/usb/devices"
)

type Speed uint32

// Speed codes as exchanged over USB/IP and shown by the kernel.
const (
	SpeedUnknown   = Speed(0)
	SpeedLow       = Speed(1)
	SpeedFull      = Speed(2)
	SpeedHigh      = Speed(3)
	SpeedWireless  = Speed(4)
	SpeedSuper     = Speed(5)
	SpeedSuperPlus = Speed(6)
)

// Device is one enumerated USB device: its sysfs name (the busid), the
// bus address used to open it, and the descriptor blob already parsed.
type Device struct {
	Name         string
	BusNumber    int
	DeviceNumber int
	Speed        Speed
	Descriptors  []Descriptor
}

func (d *Device) GetDeviceDescriptor() *DeviceDescriptor {
	if len(d.Descriptors) == 0 {
		return nil
	}
	desc, ok := d.Descriptors[0].(*DeviceDescriptor)
	if !ok {
		return nil
	}
	return desc
}

// InterfaceDescriptors returns the first configuration's alt-setting-zero
// interface descriptors in descriptor order.
func (d *Device) InterfaceDescriptors() []*InterfaceDescriptor {
	res := make([]*InterfaceDescriptor, 0, 4)
	configs := 0
	for _, desc := range d.Descriptors {
		switch iface := desc.(type) {
		case *ConfigurationDescriptor:
			configs++
			if configs > 1 {
				return res
			}
		case *InterfaceDescriptor:
			if configs == 1 && iface.BAlternateSetting == 0 {
				res = append(res, iface)
			}
		}
	}
	return res
}

func readSysfsAttr(devName, attrName string) (string, error) {
	fileName := fmt.Sprintf("%s/%s/%s", sysfsDeviceDir, devName, attrName)
	data, err := os.ReadFile(fileName)
	if err != nil {
		return "", err
	}
	return strings.Trim(string(data), "\n"), nil
}

func readSysfsAttrInt(devName, attrName string) (int, error) {
	strData, err := readSysfsAttr(devName, attrName)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(strData, 10, 64)
	if err != nil {
		return 0, err
	}
	return int(value), nil
}

func getDeviceAddress(devName string) (int, int, error) {
	busNum, err := readSysfsAttrInt(devName, "busnum")
	if err != nil {
		return 0, 0, err
	}
	devNum, err := readSysfsAttrInt(devName, "devnum")
	if err != nil {
		return 0, 0, err
	}
	return busNum, devNum, nil
}

func getDeviceSpeed(devName string) Speed {
	strData, err := readSysfsAttr(devName, "speed")
	if err != nil {
		return SpeedUnknown
	}
	switch strData {
	case "1.5":
		return SpeedLow
	case "12":
		return SpeedFull
	case "480":
		return SpeedHigh
	case "5000":
		return SpeedSuper
	case "10000", "20000":
		return SpeedSuperPlus
	}
	return SpeedUnknown
}

func parseDeviceDescriptors(devName string) ([]Descriptor, error) {
	fileName := fmt.Sprintf("%s/%s/%s", sysfsDeviceDir, devName, "descriptors")
	x, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer x.Close()
	return ParseDescriptors(x)
}

// EnumerateDevices walks sysfs and returns every USB device (root hubs and
// interface nodes excluded) with its descriptors parsed.
func EnumerateDevices() ([]*Device, error) {
	dirs, err := os.ReadDir(sysfsDeviceDir)
	if err != nil {
		return nil, err
	}

	res := make([]*Device, 0, 10)

	for _, dir := range dirs {
		name := dir.Name()
		if strings.HasPrefix(name, "usb") ||
			strings.Contains(name, ":") {
			continue
		}
		descriptors, err := parseDeviceDescriptors(name)
		if err != nil {
			return nil, err
		}
		busNum, devNum, err := getDeviceAddress(name)
		if err != nil {
			return nil, err
		}
		device := &Device{
			Name:         name,
			BusNumber:    busNum,
			DeviceNumber: devNum,
			Speed:        getDeviceSpeed(name),
			Descriptors:  descriptors,
		}
		res = append(res, device)
	}
	return res, nil
}

func FindDevices(filter func(device *Device) bool) ([]*Device, error) {
	allDevices, err := EnumerateDevices()
	if err != nil {
		return nil, err
	}
	res := make([]*Device, 0, len(allDevices))
	for _, dev := range allDevices {
		if filter(dev) {
			res = append(res, dev)
		}
	}
	return res, nil
}
