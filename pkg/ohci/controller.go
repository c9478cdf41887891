// Package ohci implements the OHCI (USB 1.1) host-controller core:
// register file and interrupt logic, root-hub state machine, descriptor
// walkers, URB assembler/submitter, completion retirer, error retry
// policy, frame clock, and saved-state codec.
package ohci

import (
	"sync"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/guestmem"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/inflight"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

// inFlightCapacity matches the real controller's fixed 257-entry table.
const inFlightCapacity = 257

// Config holds the controller's tunable parameters.
type Config struct {
	// Ports is the number of downstream ports, 1..15. Defaults to 12.
	Ports int
	// DefaultFrameRateKHz is the base frame-timer rate in kHz; New
	// defaults it to 1. The frame clock does not read it and always
	// starts at 1000 Hz.
	DefaultFrameRateKHz int
}

// DefaultConfig returns the controller's default configuration.
func DefaultConfig() Config {
	return Config{Ports: 12, DefaultFrameRateKHz: 1}
}

// Controller is one emulated OHCI host-controller instance.
type Controller struct {
	// deviceLock is the outer critical section: it serializes register
	// writes, frame-tick work and completion callbacks against each
	// other.
	deviceLock sync.Mutex

	cfg  Config
	regs *Registers
	rh   *roothubBinding

	mem       *guestmem.Accessor
	pageCache guestmem.PageCache

	inFlight *inflight.Table
	bus      vusb.Connector

	raiseIRQ func()

	// done is the internal accumulation of retired TDs awaiting
	// HCCA writeback; dqic is the done-queue interrupt counter.
	done uint32
	dqic int

	// running mirrors HCFS == Operational, used to gate URB submission
	// and frame-clock scheduling.
	running bool

	errLog *rateLogger

	clock *frameClock

	// asyncReclamation tracks the "empty schedule" detection state used
	// by the async-ring walk.
	asyncReclamationPending bool
}

// New constructs a Controller. prim is the external guest-physical-memory
// collaborator; bus is the external VUSB connector.
func New(cfg Config, prim guestmem.Primitive, bus vusb.Connector, raiseIRQ func()) *Controller {
	if cfg.Ports <= 0 {
		cfg.Ports = 12
	}
	if cfg.DefaultFrameRateKHz <= 0 {
		cfg.DefaultFrameRateKHz = 1
	}

	c := &Controller{
		cfg:      cfg,
		regs:     NewRegisters(cfg.Ports),
		rh:       newRoothubBinding(cfg.Ports),
		inFlight: inflight.New(inFlightCapacity),
		bus:      bus,
		raiseIRQ: raiseIRQ,
		dqic:     7,
		errLog:   newRateLogger("ohci: "),
	}
	c.mem = guestmem.New(prim, &c.pageCache)
	c.regs.RaiseLine = func(asserted bool) {
		if asserted && c.raiseIRQ != nil {
			c.raiseIRQ()
		}
	}
	c.rh.m.InterruptPort = func(port int) {
		c.lock()
		defer c.unlock()
		c.regs.RaiseInterrupt(IntRHSC)
	}
	c.rh.m.SetResetFunc(func(port int) {
		c.bus.ResetPort(port)
	})
	c.clock = newFrameClock(c)
	return c
}

// lock/unlock implement the device critical section and invalidate the
// single-page read cache on both acquire and release: a cache must
// never be served across a window in which another thread could have
// mutated guest memory.
func (c *Controller) lock() {
	c.deviceLock.Lock()
	c.pageCache.Invalidate()
}

func (c *Controller) unlock() {
	c.pageCache.Invalidate()
	c.deviceLock.Unlock()
}

// ReadMMIO implements the guest-facing typed register read. offset must
// be 4-byte aligned; non-conforming accesses are the embedder's
// responsibility to reject before calling in (they read as all-ones,
// which ReadRegister's default case already produces for any offset it
// does not recognize).
func (c *Controller) ReadMMIO(offset uint32) uint32 {
	c.lock()
	defer c.unlock()
	return c.regs.ReadRegister(offset, c.rh).Value
}

// WriteMMIO implements the guest-facing typed register write. The
// frame-clock start/stop calls happen after the device lock is released:
// stop() blocks until any in-flight tick finishes, and a tick itself needs
// the device lock, so calling it while still holding that lock would
// deadlock.
func (c *Controller) WriteMMIO(offset uint32, val uint32) {
	c.lock()
	wasRunning := c.regs.HCFS() == HCFSOperational
	c.regs.WriteRegister(offset, val, c.rh)
	isRunning := c.regs.HCFS() == HCFSOperational
	c.running = isRunning
	c.unlock()

	if !wasRunning && isRunning {
		c.clock.start()
	} else if wasRunning && !isRunning {
		c.clock.stop()
	}
}

// Attach signals a new device connected to port (an external event).
func (c *Controller) Attach(port int, lowSpeed bool) {
	c.rh.m.Attach(port, lowSpeed)
}

// Detach signals a device disconnected from port.
func (c *Controller) Detach(port int) {
	c.rh.m.Detach(port)
}

// CompleteReset is invoked by the external VUSB connector once an
// asynchronous ResetPort it was asked to perform has finished.
func (c *Controller) CompleteReset(port int) {
	c.rh.m.CompleteReset(port)
}

// Complete is the VUSB completion callback; comp.Handle must be the
// same *urb.URB pointer originally passed to vusb.Connector.SubmitURB via
// Request.Handle.
func (c *Controller) Complete(comp vusb.Completion) {
	c.lock()
	defer c.unlock()
	c.retire(comp)
}

// Shutdown stops the frame clock; the controller must not be used
// afterwards.
func (c *Controller) Shutdown() {
	c.clock.stop()
}
