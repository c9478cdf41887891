package ohci

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
)

const (
	defaultFrameRateHz = 1000
	minFrameRateHz     = 50
	frameRateStepHz    = 500
)

// frameClock drives the per-frame schedule service at a configurable
// rate, throttling down to a 50 Hz floor after sustained idle periods
// and restoring the default rate as soon as any schedule finds work
// again.
type frameClock struct {
	c *Controller

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	rateHz   int
	idleRuns int
}

func newFrameClock(c *Controller) *frameClock {
	return &frameClock{c: c, rateHz: defaultFrameRateHz}
}

func (f *frameClock) start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.rateHz = defaultFrameRateHz
	f.idleRuns = 0
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.run(f.stopCh, f.doneCh)
}

func (f *frameClock) stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	stopCh, doneCh := f.stopCh, f.doneCh
	f.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (f *frameClock) currentRateHz() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rateHz
}

func (f *frameClock) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(time.Second / time.Duration(f.currentRateHz()))
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			f.tick()

			newRate := f.currentRateHz()
			ticker.Stop()
			ticker = time.NewTicker(time.Second / time.Duration(newRate))
		}
	}
}

// tick runs one 1 ms frame's worth of work: advance FmNumber, age the
// done-queue interrupt counter, cancel orphaned URBs, publish the HCCA
// frame number, flush the done queue, and service each enabled
// schedule.
func (f *frameClock) tick() {
	c := f.c
	c.lock()
	defer c.unlock()

	c.regs.FmNumber++
	if c.regs.FmNumber&0xffff == 0 {
		c.regs.RaiseInterrupt(IntFNO)
	}

	if c.dqic > 0 && c.dqic < 7 {
		c.dqic--
	}

	c.cancelOrphanedURBs()

	c.writeHCCAFrameNumber()
	c.maybeWritebackDoneQueue()

	c.regs.RaiseInterrupt(IntSF)

	idle := true
	if c.regs.PeriodicListEnabled() {
		before := c.inFlight.Len()
		c.servicePeriodicList()
		if c.inFlight.Len() != before {
			idle = false
		}
	}
	if c.regs.ControlListEnabled() && c.regs.ControlListFilled() {
		before := c.inFlight.Len()
		c.serviceControlList()
		if c.inFlight.Len() != before {
			idle = false
		}
	}
	if c.regs.BulkListEnabled() && c.regs.BulkListFilled() {
		before := c.inFlight.Len()
		c.serviceBulkList()
		if c.inFlight.Len() != before {
			idle = false
		}
	}

	f.recordIdle(idle)
}

// recordIdle implements the frame clock's idle-rate throttling metric.
func (f *frameClock) recordIdle(idle bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !idle {
		f.idleRuns = 0
		f.rateHz = defaultFrameRateHz
		return
	}

	f.idleRuns++
	threshold := 2 * f.rateHz
	if f.idleRuns >= threshold {
		f.idleRuns = 0
		if f.rateHz > minFrameRateHz {
			f.rateHz -= frameRateStepHz
			if f.rateHz < minFrameRateHz {
				f.rateHz = minFrameRateHz
			}
		}
	}
}

// writeHCCAFrameNumber publishes the low 16 bits of HcFmNumber into the
// HCCA.
func (c *Controller) writeHCCAFrameNumber() {
	if c.regs.HCCA == 0 {
		return
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(c.regs.FmNumber))
	const hccaFrameNumberOffset = 32 * 4
	c.mem.WriteMeta(uint64(c.regs.HCCA)+hccaFrameNumberOffset, buf[:])
}

// cancelOrphanedURBs walks all three schedules to find which in-flight
// URBs still have their owning ED linking to one of their TDs; every
// in-flight URB not found is presumed orphaned and canceled, except
// control-type URBs.
func (c *Controller) cancelOrphanedURBs() {
	linked := make(map[*urb.URB]bool)

	mark := func(headAddr uint64) {
		c.walkAsync(headAddr, func(_ uint64, ed ED) {
			if u := c.inFlight.Find(uint64(ed.HeadPtr())); u != nil {
				linked[u] = true
			}
		})
	}

	mark(uint64(c.regs.ControlHeadED))
	mark(uint64(c.regs.BulkHeadED))

	if c.regs.HCCA != 0 {
		for slot := 0; slot < 32; slot++ {
			buf := make([]byte, 4)
			if err := c.mem.ReadMeta(uint64(c.regs.HCCA)+uint64(slot)*4, buf); err != nil {
				continue
			}
			mark(uint64(binary.LittleEndian.Uint32(buf) &^ 0xf))
		}
	}

	var orphaned []*urb.URB
	c.inFlight.ForEachURB(func(u *urb.URB) {
		if linked[u] || u.Type == urb.TypeControl {
			return
		}
		orphaned = append(orphaned, u)
	})

	for _, u := range orphaned {
		c.bus.CancelURBsForEndpoint(u.DeviceAddress, u.EndpointNumber, int(u.Direction))
		c.inFlight.RemoveURB(u, c.regs.FmNumber)
	}
}
