package ehci

import (
	"encoding/binary"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
)

// asyncWalkBudget bounds one schedule walk's iteration count, matching
// OHCI's fixed-budget approach: no hardware guarantees the async ring is
// acyclic either, so a guest-corrupted ring must not hang the walk.
const asyncWalkBudget = 128

// periodicWalkBudget bounds one frame's periodic-list walk, tolerating a
// long chain of descriptors without hanging on a corrupted list.
const periodicWalkBudget = 2048

func (c *Controller) readQH(addr uint64) (QH, error) {
	buf := make([]byte, QHSize)
	if err := c.mem.ReadMeta(addr, buf); err != nil {
		return QH{}, err
	}
	return unmarshalQH(buf), nil
}

// inferType infers a QH's transfer type from its endpoint/speed/S-mask
// fields, since EHCI QHs don't carry an explicit type field.
func inferType(q QH) urb.Type {
	switch {
	case q.EndpointNumber() == 0:
		return urb.TypeControl
	case q.SMask() != 0:
		return urb.TypeInterrupt
	case q.Speed() != SpeedHigh && q.ControlEndpoint():
		return urb.TypeControl
	case q.MaxPacketSize() == 64:
		return urb.TypeInterrupt
	default:
		return urb.TypeBulk
	}
}

// walkAsync walks the EHCI async ring once. It stops on the fixed
// iteration budget, on a terminating link, when it comes back to the QH
// it started from (a cycle), or when it observes the reclamation-head QH
// for the second time in one pass with no new URB submitted since the
// first encounter (empty-schedule detection, checked before the cycle
// stop).
func (c *Controller) walkAsync() {
	headAddr := uint64(c.regs.AsyncListAddr)
	if headAddr == 0 {
		return
	}

	addr := headAddr
	seenReclaimHead := false
	inFlightAtHead := 0
	for i := 0; i < asyncWalkBudget; i++ {
		q, err := c.readQH(addr)
		if err != nil {
			return
		}

		if q.Head() {
			if seenReclaimHead && c.inFlight.Len() == inFlightAtHead {
				// Completed a full ring pass without new work: the
				// schedule is empty this frame.
				c.onAsyncScheduleEmpty()
				return
			}
			seenReclaimHead = true
			inFlightAtHead = c.inFlight.Len()
		}
		if i > 0 && addr == headAddr {
			return
		}

		if q.Ready(false) {
			c.serviceQTD(addr, q)
		} else if q.Overlay.Halted() {
			c.cancelForQH(addr, q)
		}

		next := q.HeadLink()
		if next.Terminate || next.Addr == 0 {
			return
		}
		addr = uint64(next.Addr)
	}
}

func (c *Controller) onAsyncScheduleEmpty() {
	if c.asyncAdvancePending {
		c.asyncAdvancePending = false
		c.regs.RaiseInterrupt(StsAsyncAdvance)
		c.regs.ClearAsyncAdvanceDoorbell()
	}
}

func (c *Controller) cancelForQH(qhAddr uint64, q QH) {
	c.bus.CancelURBsForEndpoint(int(q.DeviceAddress()), int(q.EndpointNumber()), 0)
}

// walkPeriodic walks the EHCI periodic list for one frame: read the
// tagged pointer at the current frame's slot, then follow each
// descriptor kind's own next-link, dispatching iTDs/QHs for service and
// ignoring FSTNs. Inactive sITDs are skipped; an active sITD is logged,
// raises the host-system-error status and ends this frame's periodic walk.
func (c *Controller) walkPeriodic(frameIndex uint32) {
	if c.regs.PeriodicListBase == 0 {
		return
	}

	slot := uint64(c.regs.PeriodicListBase) + uint64(frameIndex%1024)*4
	buf := make([]byte, 4)
	if err := c.mem.ReadMeta(slot, buf); err != nil {
		return
	}
	ptr := unmarshalLinkPointer(binary.LittleEndian.Uint32(buf))

	for i := 0; i < periodicWalkBudget && !ptr.Terminate && ptr.Addr != 0; i++ {
		addr := uint64(ptr.Addr)

		switch ptr.Type {
		case PointerQH:
			q, err := c.readQH(addr)
			if err != nil {
				return
			}
			if q.Ready(true) {
				c.serviceQTD(addr, q)
			} else if q.Overlay.Halted() {
				c.cancelForQH(addr, q)
			}
			ptr = q.HeadLink()

		case PointerITD:
			buf := make([]byte, ITDSize)
			if err := c.mem.ReadMeta(addr, buf); err != nil {
				return
			}
			it := unmarshalITD(buf)
			c.serviceITD(addr, it)
			ptr = unmarshalLinkPointer(it.NextLink)

		case PointerSITD:
			buf := make([]byte, SITDSize)
			if err := c.mem.ReadMeta(addr, buf); err != nil {
				return
			}
			s := unmarshalSITD(buf)
			if s.Active() {
				c.errLog.Printf("sITD at %#x is active: split transactions are not emulated", addr)
				c.regs.RaiseInterrupt(StsHostError)
				return
			}
			ptr = unmarshalLinkPointer(s.NextLink)

		case PointerFSTN:
			buf := make([]byte, FSTNSize)
			if err := c.mem.ReadMeta(addr, buf); err != nil {
				return
			}
			f := unmarshalFSTN(buf)
			ptr = unmarshalLinkPointer(f.NextLink)

		default:
			return
		}
	}
}

// serviceFrame runs the periodic-then-async schedule service for one
// frame, called once per 1 ms frame boundary.
func (c *Controller) serviceFrame(frameIndex uint32) {
	if c.regs.PeriodicEnabled() {
		c.walkPeriodic(frameIndex)
	}
	if c.regs.AsyncEnabled() {
		c.walkAsync()
	}
}
