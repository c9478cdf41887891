package ehci

import "github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/roothub"

// stateVersion is bumped whenever State's field set changes in a way that
// isn't backward compatible by simple zero-extension.
const stateVersion = 1

// State is the enumerated snapshot of a Controller's operational register
// values, micro-frame position and per-port state. Ports is a slice, so
// Load tolerates a snapshot saved with fewer ports than the running
// configuration: roothub.Machine.Import copies as many as are present
// and leaves the rest at their reset-state defaults.
type State struct {
	Version int

	USBCmd  uint32
	USBSts  uint32
	USBIntr uint32
	FrIndex uint32

	CtrlDSSeg        uint32
	PeriodicListBase uint32
	AsyncListAddr    uint32
	ConfigFlag       uint32

	Ports []roothub.Port

	AsyncAdvancePending bool

	// WasRunning records USBCMD.RS at save time, so the frame clock is
	// rearmed at restore-complete rather than at load-exec time.
	WasRunning bool
}

// Save enumerates the current controller state.
func (c *Controller) Save() State {
	c.lock()
	defer c.unlock()

	r := c.regs
	return State{
		Version: stateVersion,

		USBCmd:  r.USBCmd,
		USBSts:  r.USBSts,
		USBIntr: r.USBIntr,
		FrIndex: r.FrIndex,

		CtrlDSSeg:        r.CtrlDSSeg,
		PeriodicListBase: r.PeriodicListBase,
		AsyncListAddr:    r.AsyncListAddr,
		ConfigFlag:       r.ConfigFlag,

		Ports: c.rh.m.Export(),

		AsyncAdvancePending: c.asyncAdvancePending,

		WasRunning: r.Running(),
	}
}

// Load restores controller state from a snapshot. The frame clock is
// rearmed by the caller once the whole saved-state unit has finished
// loading.
func (c *Controller) Load(s State) {
	c.lock()
	defer c.unlock()

	r := c.regs
	r.USBCmd = s.USBCmd
	r.USBSts = s.USBSts
	r.USBIntr = s.USBIntr
	r.FrIndex = s.FrIndex

	r.CtrlDSSeg = s.CtrlDSSeg
	r.PeriodicListBase = s.PeriodicListBase
	r.AsyncListAddr = s.AsyncListAddr
	r.ConfigFlag = s.ConfigFlag

	c.rh.m.Import(s.Ports)

	c.asyncAdvancePending = s.AsyncAdvancePending

	c.running = s.WasRunning
}

// RearmAfterLoad restarts the frame clock if the saved state recorded the
// bus as running. Call this once after every saved-state unit in the
// snapshot has finished loading, not from inside Load itself.
func (c *Controller) RearmAfterLoad() {
	if c.running {
		c.clock.start()
	}
}
