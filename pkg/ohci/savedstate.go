package ohci

import "github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/roothub"

// stateVersion is bumped whenever State's field set changes in a way that
// isn't backward compatible by simple zero-extension.
const stateVersion = 2

// State is the enumerated snapshot of a Controller's operational register
// values, frame-clock position and per-port state. It intentionally
// mirrors Registers' structured fields rather than the typed accessors'
// derivations (e.g. HCFS is read back out of Control, not stored
// separately). Ports is a slice, so Load tolerates a snapshot saved with
// fewer ports than the running configuration: roothub.Machine.Import
// copies as many as are present and leaves the rest at their
// reset-state defaults.
type State struct {
	Version int

	Control         uint32
	CommandStatus   uint32
	InterruptStatus uint32
	InterruptEnable uint32

	HCCA             uint32
	PeriodCurrentED  uint32
	ControlHeadED    uint32
	ControlCurrentED uint32
	BulkHeadED       uint32
	BulkCurrentED    uint32
	DoneHead         uint32

	FmInterval    uint32
	FmNumber      uint32
	FmRemaining   uint32
	PeriodicStart uint32
	LSThreshold   uint32

	RhDescriptorA uint32
	RhDescriptorB uint32
	RhStatus      uint32

	Ports []roothub.Port

	Done uint32
	DQIC int

	// WasRunning records HCFS == Operational at save time, so the frame
	// clock is rearmed at restore-complete rather than at load-exec time.
	WasRunning bool
}

// Save enumerates the current controller state.
func (c *Controller) Save() State {
	c.lock()
	defer c.unlock()

	r := c.regs
	return State{
		Version: stateVersion,

		Control:         r.Control,
		CommandStatus:   r.CommandStatus,
		InterruptStatus: r.InterruptStatus,
		InterruptEnable: r.InterruptEnable,

		HCCA:             r.HCCA,
		PeriodCurrentED:  r.PeriodCurrentED,
		ControlHeadED:    r.ControlHeadED,
		ControlCurrentED: r.ControlCurrentED,
		BulkHeadED:       r.BulkHeadED,
		BulkCurrentED:    r.BulkCurrentED,
		DoneHead:         r.DoneHead,

		FmInterval:    r.FmInterval,
		FmNumber:      r.FmNumber,
		FmRemaining:   r.FmRemaining,
		PeriodicStart: r.PeriodicStart,
		LSThreshold:   r.LSThreshold,

		RhDescriptorA: r.RhDescriptorA,
		RhDescriptorB: r.RhDescriptorB,
		RhStatus:      r.RhStatus,

		Ports: c.rh.m.Export(),

		Done: c.done,
		DQIC: c.dqic,

		WasRunning: r.HCFS() == HCFSOperational,
	}
}

// Load restores controller state from a snapshot. Fields absent from an
// older-version snapshot (e.g. fewer ports) default sensibly: Ports beyond
// the snapshot's length are left at their current reset-state defaults.
// The frame clock is rearmed by the caller once the whole saved-state unit
// has finished loading.
func (c *Controller) Load(s State) {
	c.lock()
	defer c.unlock()

	r := c.regs
	r.Control = s.Control
	r.CommandStatus = s.CommandStatus
	r.InterruptStatus = s.InterruptStatus
	r.InterruptEnable = s.InterruptEnable

	r.HCCA = s.HCCA
	r.PeriodCurrentED = s.PeriodCurrentED
	r.ControlHeadED = s.ControlHeadED
	r.ControlCurrentED = s.ControlCurrentED
	r.BulkHeadED = s.BulkHeadED
	r.BulkCurrentED = s.BulkCurrentED
	r.DoneHead = s.DoneHead

	r.FmInterval = s.FmInterval
	r.FmNumber = s.FmNumber
	r.FmRemaining = s.FmRemaining
	r.PeriodicStart = s.PeriodicStart
	r.LSThreshold = s.LSThreshold

	r.RhDescriptorA = s.RhDescriptorA
	r.RhDescriptorB = s.RhDescriptorB
	r.RhStatus = s.RhStatus

	c.rh.m.Import(s.Ports)

	c.done = s.Done
	c.dqic = s.DQIC
	if c.dqic == 0 {
		c.dqic = 7
	}

	c.running = s.WasRunning
}

// RearmAfterLoad restarts the frame clock if the saved state recorded the
// bus as running. Call this once after every saved-state unit in the
// snapshot has finished loading, not from inside Load itself: rearming
// must happen at restore-complete, not at load-exec time.
func (c *Controller) RearmAfterLoad() {
	if c.running {
		c.clock.start()
	}
}
