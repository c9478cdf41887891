// Package usbip implements a USB/IP client: it periodically queries a
// remote usbip server's exported device list over TCP and publishes a
// decoded snapshot for the proxy layer to poll.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// protocolVersion is the USB/IP wire protocol version this client
	// speaks.
	protocolVersion = 0x0111

	// reqIndicator marks a command code as a request rather than a
	// reply (high bit set).
	reqIndicator = 0x8000

	// opDevList is the device-list command code; ORed with
	// reqIndicator on the wire for the request, bare for the reply.
	opDevList = 0x0005

	cmdReqDevList = reqIndicator | opDevList // 0x8005
	cmdRetDevList = opDevList                // 0x0005

	statusSuccess = 0

	pathLen  = 256
	busIDLen = 32

	// exportedDeviceSize is the wire size of exportedDevice:
	// path(256) + busid(32) + 3×uint32 + 3×uint16 + 6×uint8.
	exportedDeviceSize = pathLen + busIDLen + 3*4 + 3*2 + 6

	retDevListHdrSize = 2 + 2 + 4 + 4 // version, cmd, status, n_devices
)

// reqDevList is the OP_REQ_DEVLIST request.
type reqDevList struct {
	Version uint16
	Cmd     uint16
	Status  int32
}

func (r reqDevList) marshal() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, r)
	return buf.Bytes()
}

// retDevListHdr is the fixed header of the OP_RET_DEVLIST reply, ahead of
// the n_devices × exportedDevice records.
type retDevListHdr struct {
	Version    uint16
	Cmd        uint16
	Status     int32
	NumDevices uint32
}

func unmarshalRetDevListHdr(buf []byte) retDevListHdr {
	var h retDevListHdr
	r := bytes.NewReader(buf)
	binary.Read(r, binary.BigEndian, &h)
	return h
}

func (h retDevListHdr) validate() error {
	if h.Version != protocolVersion {
		return fmt.Errorf("usbip: unexpected protocol version %#x", h.Version)
	}
	if h.Cmd != cmdRetDevList {
		return fmt.Errorf("usbip: unexpected reply command %#x", h.Cmd)
	}
	if h.Status != statusSuccess {
		return fmt.Errorf("usbip: server reported status %d", h.Status)
	}
	return nil
}

// wireExportedDevice is the 312-byte on-the-wire record. Every multibyte
// field is network byte order.
type wireExportedDevice struct {
	Path               [pathLen]byte
	BusID              [busIDLen]byte
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	VendorID           uint16
	ProductID          uint16
	BcdDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
}

func unmarshalExportedDevice(buf []byte) wireExportedDevice {
	var d wireExportedDevice
	r := bytes.NewReader(buf)
	binary.Read(r, binary.BigEndian, &d)
	return d
}

// wireDeviceInterface is the 4-byte per-interface record following each
// exported device.
type wireDeviceInterface struct {
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	padding           uint8
}

func unmarshalDeviceInterface(buf []byte) wireDeviceInterface {
	return wireDeviceInterface{
		InterfaceClass:    buf[0],
		InterfaceSubClass: buf[1],
		InterfaceProtocol: buf[2],
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
