// Package roothub implements the per-port root-hub state machine shared
// conceptually by the OHCI and EHCI cores. Each controller's register
// file (ohci.Registers / ehci.Registers) maps
// its own bit layout onto this generic port state and reacts to the
// InterruptPort callback to raise its own status-change interrupt.
package roothub

import "sync"

// Port holds the generic port-status bits CCS/PES/PSS/PRS/PPS plus their
// change-bit counterparts.
type Port struct {
	CurrentConnectStatus bool // CCS
	Enabled              bool // PES
	Suspended            bool // PSS
	Resetting            bool // PRS
	Powered              bool // PPS
	LowSpeed             bool // LSDA (OHCI) / matching speed bit (EHCI)

	ConnectStatusChange bool // CSC
	EnableStatusChange  bool // PESC
	SuspendStatusChange bool // PSSC
	OverCurrentChange   bool // OCIC
	ResetStatusChange   bool // PRSC

	attached bool
}

// ResetFunc asynchronously resets a downstream port via the external VUSB
// connector; completion is signaled later via Machine.CompleteReset.
type ResetFunc func(port int)

// Machine is the root-hub state machine for one controller instance, up
// to 15 ports.
type Machine struct {
	mu    sync.Mutex
	ports []Port
	reset ResetFunc

	// InterruptPort is invoked (outside the lock) whenever a port's
	// change bits transition from all-clear to at least one set, so the
	// owning register file can raise its status-change interrupt.
	// Callers must only observe the change bits as already set by the
	// time this fires.
	InterruptPort func(port int)
}

// New returns a Machine with the given number of ports (1..15).
func New(numPorts int) *Machine {
	if numPorts < 1 || numPorts > 15 {
		panic("roothub: port count out of range 1..15")
	}
	return &Machine{ports: make([]Port, numPorts)}
}

// SetResetFunc installs the callback used by Reset to ask the external
// connector to perform the actual downstream reset.
func (m *Machine) SetResetFunc(f ResetFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset = f
}

// NumPorts returns the number of ports this machine manages.
func (m *Machine) NumPorts() int {
	return len(m.ports)
}

func (m *Machine) valid(port int) bool {
	return port >= 1 && port <= len(m.ports)
}

// Port returns a copy of port's state (1-indexed). ok is false for port 0
// or port > NumPorts().
func (m *Machine) Port(port int) (p Port, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid(port) {
		return Port{}, false
	}
	return m.ports[port-1], true
}

// fireIfChanged is called with m.mu held; it releases the lock around the
// InterruptPort call. Every caller unlocks right after it returns.
func (m *Machine) fireIfChanged(port int, before Port) {
	after := m.ports[port-1]
	hadChange := before.ConnectStatusChange || before.EnableStatusChange || before.SuspendStatusChange || before.OverCurrentChange || before.ResetStatusChange
	hasChange := after.ConnectStatusChange || after.EnableStatusChange || after.SuspendStatusChange || after.OverCurrentChange || after.ResetStatusChange
	if !hadChange && hasChange && m.InterruptPort != nil {
		cb := m.InterruptPort
		m.mu.Unlock()
		cb(port)
		m.mu.Lock()
	}
}

// Attach marks port as newly connected: it sets CCS and CSC and records
// the device speed. It does not touch PPS and sends no power-on request
// to the downstream device.
func (m *Machine) Attach(port int, lowSpeed bool) {
	m.mu.Lock()
	if !m.valid(port) {
		m.mu.Unlock()
		return
	}
	before := m.ports[port-1]
	p := &m.ports[port-1]
	p.attached = true
	p.CurrentConnectStatus = true
	p.ConnectStatusChange = true
	p.LowSpeed = lowSpeed
	m.fireIfChanged(port, before)
	m.mu.Unlock()
}

// Detach marks port as disconnected.
func (m *Machine) Detach(port int) {
	m.mu.Lock()
	if !m.valid(port) {
		m.mu.Unlock()
		return
	}
	before := m.ports[port-1]
	p := &m.ports[port-1]
	p.attached = false
	p.CurrentConnectStatus = false
	p.ConnectStatusChange = true
	if p.Enabled {
		p.Enabled = false
		p.EnableStatusChange = true
	}
	m.fireIfChanged(port, before)
	m.mu.Unlock()
}

// Reset begins an asynchronous port reset if the port is currently
// connected; it is a no-op otherwise (mirroring the CCS-gating rule for
// PRS writes below).
func (m *Machine) Reset(port int) {
	m.mu.Lock()
	if !m.valid(port) || !m.ports[port-1].CurrentConnectStatus {
		m.mu.Unlock()
		return
	}
	m.ports[port-1].Resetting = true
	resetFn := m.reset
	m.mu.Unlock()

	if resetFn != nil {
		resetFn(port)
	} else {
		// No connector wired (e.g. unit tests): complete synchronously.
		m.CompleteReset(port)
	}
}

// CompleteReset is invoked by the external connector once a reset it was
// asked to perform (via ResetFunc) has finished.
func (m *Machine) CompleteReset(port int) {
	m.mu.Lock()
	if !m.valid(port) {
		m.mu.Unlock()
		return
	}
	before := m.ports[port-1]
	p := &m.ports[port-1]
	p.Resetting = false
	p.Suspended = false
	p.Enabled = true
	p.ResetStatusChange = true
	m.fireIfChanged(port, before)
	m.mu.Unlock()
}

// WriteResult reports whether a port-register write should trigger
// anything beyond the state already mutated (currently unused, reserved
// for parity with the register file's dispatch pattern).
type WriteResult struct{}

// ClearChangeBits applies a write-one-to-clear mask to port's change
// bits. Each boolean clears its corresponding bit when true.
func (m *Machine) ClearChangeBits(port int, csc, pesc, pssc, ocic, prsc bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid(port) {
		return
	}
	p := &m.ports[port-1]
	if csc {
		p.ConnectStatusChange = false
	}
	if pesc {
		p.EnableStatusChange = false
	}
	if pssc {
		p.SuspendStatusChange = false
	}
	if ocic {
		p.OverCurrentChange = false
	}
	if prsc {
		p.ResetStatusChange = false
	}
}

// ClearEnable implements a CLRPE write: clears PES silently, without
// setting PESC.
func (m *Machine) ClearEnable(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid(port) {
		return
	}
	m.ports[port-1].Enabled = false
}

// RequestEnable implements a PES write: effective only if CCS is set;
// otherwise it instead sets CSC to force the HCD to reevaluate.
func (m *Machine) RequestEnable(port int) {
	m.requestGated(port, func(p *Port) { p.Enabled = true })
}

// RequestSuspend implements a PSS write, gated the same way as PES.
func (m *Machine) RequestSuspend(port int) {
	m.requestGated(port, func(p *Port) { p.Suspended = true })
}

// RequestReset implements a PRS write: starts Reset if CCS is set,
// otherwise forces CSC like the other gated writes.
func (m *Machine) RequestReset(port int) {
	m.mu.Lock()
	if !m.valid(port) {
		m.mu.Unlock()
		return
	}
	if !m.ports[port-1].CurrentConnectStatus {
		before := m.ports[port-1]
		m.ports[port-1].ConnectStatusChange = true
		m.fireIfChanged(port, before)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.Reset(port)
}

func (m *Machine) requestGated(port int, mutate func(*Port)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid(port) {
		return
	}
	before := m.ports[port-1]
	p := &m.ports[port-1]
	if p.CurrentConnectStatus {
		mutate(p)
	} else {
		p.ConnectStatusChange = true
	}
	m.fireIfChanged(port, before)
}

// PowerOff implements a CLRPP write: clears PPS, PES, PSS, PRS.
func (m *Machine) PowerOff(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid(port) {
		return
	}
	p := &m.ports[port-1]
	p.Powered = false
	p.Enabled = false
	p.Suspended = false
	p.Resetting = false
}

// PowerOn implements a PPS write: it sets PPS only. No power-on request
// is sent to an attached downstream device.
func (m *Machine) PowerOn(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid(port) {
		return
	}
	m.ports[port-1].Powered = true
}

// Export returns a copy of every port's state, for the saved-state codec.
func (m *Machine) Export() []Port {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Port, len(m.ports))
	copy(out, m.ports)
	return out
}

// Import restores port state from a saved-state snapshot. Older
// snapshots with fewer ports are accepted: ports beyond len(ports) keep
// their zero-value defaults.
func (m *Machine) Import(ports []Port) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(ports)
	if n > len(m.ports) {
		n = len(m.ports)
	}
	copy(m.ports[:n], ports[:n])
}
