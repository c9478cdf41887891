// Package ehci implements the EHCI (USB 2.0) host-controller core:
// capability/operational register file and interrupt logic, root-hub
// state machine, async-ring and periodic-list walkers, qTD/iTD
// assembler/submitter, completion retirer, error handling, frame clock
// with micro-frame support, and saved-state codec.
package ehci

import (
	"sync"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/guestmem"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/inflight"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

// inFlightCapacity matches OHCI's fixed 257-entry table.
const inFlightCapacity = 257

// Config holds the controller's tunable parameters.
type Config struct {
	// Ports is the number of downstream ports, 1..15. Defaults to 6.
	Ports int
	// UFramesPerTimerCall lets one timer callback service several
	// micro-frames at once; defaults to 8 (1 ms callback period at the
	// nominal 8 kHz micro-frame rate).
	UFramesPerTimerCall int
	// HighSpeed defaults to true. The controller does not read it: the
	// async walk services at most one qTD per QH on each pass and never
	// calls Registers.AsyncParkCount.
	HighSpeed bool
}

// DefaultConfig returns the controller's default configuration.
func DefaultConfig() Config {
	return Config{Ports: 6, UFramesPerTimerCall: 8, HighSpeed: true}
}

// Controller is one emulated EHCI host-controller instance.
type Controller struct {
	deviceLock sync.Mutex

	cfg  Config
	regs *Registers
	rh   *roothubBinding

	mem       *guestmem.Accessor
	pageCache guestmem.PageCache

	inFlight *inflight.Table
	bus      vusb.Connector

	raiseIRQ func()

	running bool

	errLog *rateLogger

	clock *frameClock

	// asyncAdvancePending tracks a pending doorbell request (USBCMD.IAAD)
	// serviced at the next empty-schedule detection.
	asyncAdvancePending bool
}

// New constructs a Controller. prim is the external guest-physical-memory
// collaborator; bus is the external VUSB connector.
func New(cfg Config, prim guestmem.Primitive, bus vusb.Connector, raiseIRQ func()) *Controller {
	if cfg.Ports <= 0 {
		cfg.Ports = 6
	}
	if cfg.UFramesPerTimerCall <= 0 {
		cfg.UFramesPerTimerCall = 8
	}

	c := &Controller{
		cfg:      cfg,
		regs:     NewRegisters(cfg.Ports),
		rh:       newRoothubBinding(cfg.Ports),
		inFlight: inflight.New(inFlightCapacity),
		bus:      bus,
		raiseIRQ: raiseIRQ,
		errLog:   newRateLogger("ehci: "),
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
		c.regs.RaiseInterrupt(StsPortChange)
	}
	c.rh.m.SetResetFunc(func(port int) {
		c.bus.ResetPort(port)
	})
	c.clock = newFrameClock(c)
	return c
}

// lock/unlock implement the device critical section and invalidate the
// single-page read cache on both acquire and release.
func (c *Controller) lock() {
	c.deviceLock.Lock()
	c.pageCache.Invalidate()
}

func (c *Controller) unlock() {
	c.pageCache.Invalidate()
	c.deviceLock.Unlock()
}

// ReadMMIO implements the guest-facing typed register read.
func (c *Controller) ReadMMIO(offset uint32) uint32 {
	c.lock()
	defer c.unlock()
	return c.regs.ReadMMIO(offset, c.rh).Value
}

// WriteMMIO implements the guest-facing typed register write. As with
// ohci.Controller.WriteMMIO, the frame-clock start/stop calls happen
// after the device lock is released to avoid the same stop()-waits-for-
// in-flight-tick deadlock.
func (c *Controller) WriteMMIO(offset uint32, val uint32) {
	c.lock()
	wasRunning := c.regs.Running()
	c.regs.WriteMMIO(offset, val, c.rh)
	if offset == RegUSBCmd && val&(1<<6) != 0 {
		c.asyncAdvancePending = true
	}
	isRunning := c.regs.Running()
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

// Complete is the VUSB completion callback.
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
