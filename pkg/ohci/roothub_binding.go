package ohci

import (
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/roothub"
)

// HcRhPortStatus write-side bit positions. These name *actions*, distinct
// from the read-side status bits at the same register offset: writing a 1
// to one of these bits requests the named operation rather than
// reflecting current state.
const (
	writeClearPortEnable = 0 // CLRPE
	writeSetPortEnable   = 1 // PES
	writeSetPortSuspend  = 2 // PSS
	writeClearSuspend    = 3 // resume (best-effort)
	writeSetPortReset    = 4 // PRS
	writeSetPortPower    = 8 // PPS
	writeClearPortPower  = 9 // CLRPP
	writeClearCSC        = 16
	writeClearPESC       = 17
	writeClearPSSC       = 18
	writeClearOCIC       = 19
	writeClearPRSC       = 20
)

// roothubBinding maps the generic roothub.Machine port state onto OHCI's
// HcRhPortStatus bit layout.
type roothubBinding struct {
	m *roothub.Machine
}

func newRoothubBinding(numPorts int) *roothubBinding {
	return &roothubBinding{m: roothub.New(numPorts)}
}

func (b *roothubBinding) readPortStatus(port int) uint32 {
	p, ok := b.m.Port(port)
	if !ok {
		return 0
	}
	var v uint32
	bitSetTo(&v, portCCS, p.CurrentConnectStatus)
	bitSetTo(&v, portPES, p.Enabled)
	bitSetTo(&v, portPSS, p.Suspended)
	bitSetTo(&v, portPRS, p.Resetting)
	bitSetTo(&v, portPPS, p.Powered)
	bitSetTo(&v, portLSDA, p.LowSpeed)
	bitSetTo(&v, portCSC, p.ConnectStatusChange)
	bitSetTo(&v, portPESC, p.EnableStatusChange)
	bitSetTo(&v, portPSSC, p.SuspendStatusChange)
	bitSetTo(&v, portOCIC, p.OverCurrentChange)
	bitSetTo(&v, portPRSC, p.ResetStatusChange)
	return v
}

// writePortStatus applies a guest write to HcRhPortStatus for port:
// write-one-to-clear for the change bits, CCS-gated requests for
// PES/PSS/PRS, and unconditional power control.
func (b *roothubBinding) writePortStatus(port int, val uint32) {
	if bitTest(&val, writeClearCSC) || bitTest(&val, writeClearPESC) ||
		bitTest(&val, writeClearPSSC) || bitTest(&val, writeClearOCIC) ||
		bitTest(&val, writeClearPRSC) {
		b.m.ClearChangeBits(port,
			bitTest(&val, writeClearCSC),
			bitTest(&val, writeClearPESC),
			bitTest(&val, writeClearPSSC),
			bitTest(&val, writeClearOCIC),
			bitTest(&val, writeClearPRSC),
		)
	}

	if bitTest(&val, writeClearPortEnable) {
		b.m.ClearEnable(port)
	}
	if bitTest(&val, writeSetPortEnable) {
		b.m.RequestEnable(port)
	}
	if bitTest(&val, writeSetPortSuspend) {
		b.m.RequestSuspend(port)
	}
	if bitTest(&val, writeSetPortReset) {
		b.m.RequestReset(port)
	}
	if bitTest(&val, writeSetPortPower) {
		b.m.PowerOn(port)
	}
	if bitTest(&val, writeClearPortPower) {
		b.m.PowerOff(port)
	}
}
