package usbip

import "fmt"

// Speed mirrors the USBIP_SPEED_* wire values.
type Speed uint32

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
)

// Interface is one interface descriptor of an exported device.
type Interface struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// Device is the decoded, Go-native form of one usbip ExportedDevice
// record plus its interfaces.
type Device struct {
	// Address is the VUSB address, usbip://host:port:busid.
	Address string

	BusID string
	Path  string

	BusNum uint32
	DevNum uint32
	Speed  Speed

	VendorID  uint16
	ProductID uint16
	BcdDevice uint16

	DeviceClass    uint8
	DeviceSubClass uint8
	DeviceProtocol uint8

	ConfigurationValue uint8
	NumConfigurations  uint8

	Interfaces []Interface
}

// deviceAddress builds the usbip://host:port:busid VUSB address.
func deviceAddress(host string, port int, busID string) string {
	return fmt.Sprintf("usbip://%s:%d:%s", host, port, busID)
}

func newDevice(host string, port int, d wireExportedDevice) Device {
	busID := cString(d.BusID[:])
	return Device{
		Address:            deviceAddress(host, port, busID),
		BusID:              busID,
		Path:               cString(d.Path[:]),
		BusNum:             d.BusNum,
		DevNum:             d.DevNum,
		Speed:              Speed(d.Speed),
		VendorID:           d.VendorID,
		ProductID:          d.ProductID,
		BcdDevice:          d.BcdDevice,
		DeviceClass:        d.DeviceClass,
		DeviceSubClass:     d.DeviceSubClass,
		DeviceProtocol:     d.DeviceProtocol,
		ConfigurationValue: d.ConfigurationValue,
		NumConfigurations:  d.NumConfigurations,
	}
}

// cloneDevices deep-copies a device list so callers can never observe
// mutation of the client's live snapshot.
func cloneDevices(devices []Device) []Device {
	if devices == nil {
		return nil
	}
	out := make([]Device, len(devices))
	for i, d := range devices {
		out[i] = d
		out[i].Interfaces = append([]Interface(nil), d.Interfaces...)
	}
	return out
}
