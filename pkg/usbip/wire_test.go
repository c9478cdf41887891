package usbip

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestReqDevListMarshalMatchesWireLayout(t *testing.T) {
	buf := reqDevList{Version: protocolVersion, Cmd: cmdReqDevList, Status: 0}.marshal()
	if len(buf) != 8 {
		t.Fatalf("len = %d, want 8", len(buf))
	}
	if got := binary.BigEndian.Uint16(buf[0:2]); got != protocolVersion {
		t.Fatalf("version = %#x, want %#x", got, protocolVersion)
	}
	if got := binary.BigEndian.Uint16(buf[2:4]); got != cmdReqDevList {
		t.Fatalf("cmd = %#x, want %#x", got, cmdReqDevList)
	}
}

func TestRetDevListHdrRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(protocolVersion))
	binary.Write(&buf, binary.BigEndian, uint16(cmdRetDevList))
	binary.Write(&buf, binary.BigEndian, int32(0))
	binary.Write(&buf, binary.BigEndian, uint32(2))

	h := unmarshalRetDevListHdr(buf.Bytes())
	if h.Version != protocolVersion || h.Cmd != cmdRetDevList || h.Status != 0 || h.NumDevices != 2 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if err := h.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestRetDevListHdrValidateRejectsBadVersion(t *testing.T) {
	h := retDevListHdr{Version: 0x0999, Cmd: cmdRetDevList}
	if err := h.validate(); err == nil {
		t.Fatalf("expected error for mismatched version")
	}
}

func TestRetDevListHdrValidateRejectsErrorStatus(t *testing.T) {
	h := retDevListHdr{Version: protocolVersion, Cmd: cmdRetDevList, Status: -1}
	if err := h.validate(); err == nil {
		t.Fatalf("expected error for non-zero status")
	}
}

func marshalExportedDeviceForTest(t *testing.T, path, busID string, busNum, devNum, speed uint32, vid, pid, bcd uint16, class, subclass, proto, cfgval, ncfg, nif uint8) []byte {
	t.Helper()
	var d wireExportedDevice
	copy(d.Path[:], path)
	copy(d.BusID[:], busID)
	d.BusNum = busNum
	d.DevNum = devNum
	d.Speed = speed
	d.VendorID = vid
	d.ProductID = pid
	d.BcdDevice = bcd
	d.DeviceClass = class
	d.DeviceSubClass = subclass
	d.DeviceProtocol = proto
	d.ConfigurationValue = cfgval
	d.NumConfigurations = ncfg
	d.NumInterfaces = nif

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, d); err != nil {
		t.Fatalf("marshal exported device: %v", err)
	}
	if buf.Len() != exportedDeviceSize {
		t.Fatalf("marshaled size = %d, want %d", buf.Len(), exportedDeviceSize)
	}
	return buf.Bytes()
}

func TestExportedDeviceSizeIs312Bytes(t *testing.T) {
	if exportedDeviceSize != 312 {
		t.Fatalf("exportedDeviceSize = %d, want 312", exportedDeviceSize)
	}
}

func TestExportedDeviceRoundTrip(t *testing.T) {
	buf := marshalExportedDeviceForTest(t, "/sys/devices/usb1", "1-1", 1, 2, uint32(SpeedHigh), 0x1234, 0x5678, 0x0100, 9, 0, 1, 1, 1, 1)

	d := unmarshalExportedDevice(buf)
	if cString(d.Path[:]) != "/sys/devices/usb1" {
		t.Fatalf("path = %q", cString(d.Path[:]))
	}
	if cString(d.BusID[:]) != "1-1" {
		t.Fatalf("busid = %q", cString(d.BusID[:]))
	}
	if d.VendorID != 0x1234 || d.ProductID != 0x5678 {
		t.Fatalf("vid/pid = %#x/%#x", d.VendorID, d.ProductID)
	}
	if d.NumInterfaces != 1 {
		t.Fatalf("n_if = %d, want 1", d.NumInterfaces)
	}
}
