package ohci

import (
	"encoding/binary"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
)

// walkBudget bounds every schedule walk at 128 EDs.
const walkBudget = 128

func (c *Controller) readED(addr uint64) (ED, error) {
	buf := make([]byte, EDSize)
	if err := c.mem.ReadMeta(addr, buf); err != nil {
		return ED{}, err
	}
	return unmarshalED(buf), nil
}

// cancelForED cancels any in-flight URB pinned by ed's head TD, used when
// the walk observes an ED that has gone skipped or halted since the
// previous frame.
func (c *Controller) cancelForED(ed ED) {
	c.bus.CancelURBsForEndpoint(int(ed.FunctionAddress()), int(ed.EndpointNumber()), int(ed.DirectionHint()))
}

// walkAsync walks the singly-linked ED chain starting at headAddr,
// servicing each ready ED via service and canceling any in-flight URB
// pinned by an ED that is present but skipped or halted. It stops on a
// null/terminate next pointer, a cycle back to headAddr, or walkBudget
// entries. The head-reclamation case is the caller's responsibility:
// OHCI does not tag async-ring nodes the way EHCI does, so the caller
// tracks reclamation via the list-filled bits instead (see
// serviceControlList/serviceBulkList).
func (c *Controller) walkAsync(headAddr uint64, service func(edAddr uint64, ed ED)) {
	addr := headAddr
	for i := 0; i < walkBudget && addr != 0; i++ {
		ed, err := c.readED(addr)
		if err != nil {
			return
		}

		if ed.Skip() || ed.Halted() {
			c.cancelForED(ed)
		} else if ed.Ready() {
			service(addr, ed)
		}

		next := uint64(ed.NextED) &^ 0xf
		if next == 0 || next == headAddr {
			return
		}
		addr = next
	}
}

// serviceControlList walks HcControlHeadED, servicing each ready ED's
// single head TD: the control list processes exactly one TD per ED per
// frame since control-transfer stages must serialize.
func (c *Controller) serviceControlList() {
	if !c.regs.ControlListEnabled() {
		return
	}
	c.walkAsync(uint64(c.regs.ControlHeadED), func(edAddr uint64, ed ED) {
		c.serviceTd(edAddr, ed)
	})
}

// serviceBulkList walks HcBulkHeadED, combining consecutive whole-page TDs
// of a ready ED into one URB until it reaches an already in-flight TD or
// the end of that ED's queue.
func (c *Controller) serviceBulkList() {
	if !c.regs.BulkListEnabled() {
		return
	}
	c.walkAsync(uint64(c.regs.BulkHeadED), func(edAddr uint64, ed ED) {
		c.serviceTdMultiple(edAddr, ed, urb.TypeBulk)
	})
}

// servicePeriodicList indexes HcFmNumber mod 32 into the HCCA
// interrupt-head array and walks that ED chain. Isochronous EDs dispatch
// to the isochronous-TD assembler; all others are interrupt-type general
// TDs serviced via the combining assembler.
func (c *Controller) servicePeriodicList() {
	if !c.regs.PeriodicListEnabled() {
		return
	}
	if c.regs.HCCA == 0 {
		return
	}

	slot := c.regs.FmNumber % 32
	headBuf := make([]byte, 4)
	headAddr := uint64(c.regs.HCCA) + uint64(slot)*4
	if err := c.mem.ReadMeta(headAddr, headBuf); err != nil {
		return
	}
	head := uint64(binary.LittleEndian.Uint32(headBuf)) &^ 0xf

	isoEnabled := c.regs.IsochronousEnabled()

	c.walkAsync(head, func(edAddr uint64, ed ED) {
		if ed.IsIsochronous() {
			if isoEnabled {
				c.serviceIsochronousTd(edAddr, ed)
			}
			return
		}
		c.serviceTdMultiple(edAddr, ed, urb.TypeInterrupt)
	})
}

// serviceFrame runs one full schedule pass: periodic, then control, then
// bulk, the per-frame ordering the frame clock's tick handler uses.
func (c *Controller) serviceFrame() {
	c.servicePeriodicList()
	c.serviceControlList()
	c.serviceBulkList()
}
