package ehci

import (
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/roothub"
)

// roothubBinding maps the generic roothub.Machine port state onto EHCI's
// PORTSC bit layout.
type roothubBinding struct {
	m *roothub.Machine
}

func newRoothubBinding(numPorts int) *roothubBinding {
	return &roothubBinding{m: roothub.New(numPorts)}
}

func (b *roothubBinding) readPortSC(port int) uint32 {
	p, ok := b.m.Port(port)
	if !ok {
		return 0
	}
	var v uint32
	bitSetTo(&v, portCCS, p.CurrentConnectStatus)
	bitSetTo(&v, portCSC, p.ConnectStatusChange)
	bitSetTo(&v, portPED, p.Enabled)
	bitSetTo(&v, portPEDC, p.EnableStatusChange)
	bitSetTo(&v, portSuspend, p.Suspended)
	bitSetTo(&v, portReset, p.Resetting)
	bitSetTo(&v, portPower, p.Powered)
	if p.LowSpeed {
		fieldSet(&v, portLineStatus, 0x3, 0x1) // K-state: low-speed device detected
	}
	return v
}

// EHCI write semantics for PORTSC differ from OHCI's dedicated
// set/clear-bit registers: most fields are plain read/write, with CSC
// and PEDC (and OCC, unused here) write-one-to-clear, and writing PR
// (Port Reset) starts an asynchronous reset exactly as OHCI's PRS does.
func (b *roothubBinding) writePortSC(port int, val uint32) {
	if bitTest(&val, portCSC) {
		b.m.ClearChangeBits(port, true, false, false, false, false)
	}
	if bitTest(&val, portPEDC) {
		b.m.ClearChangeBits(port, false, true, false, false, false)
	}

	if !bitTest(&val, portPED) {
		b.m.ClearEnable(port)
	}

	if bitTest(&val, portPower) {
		b.m.PowerOn(port)
	} else {
		b.m.PowerOff(port)
	}

	if bitTest(&val, portSuspend) {
		b.m.RequestSuspend(port)
	}

	if bitTest(&val, portReset) {
		b.m.RequestReset(port)
	}
}
