package ohci

import "encoding/binary"

// tdNextTDOffset is the byte offset of the NextTD field shared by the
// general-TD and isochronous-TD layouts: both put Word0 at offset 0 and
// NextTD at offset 8, which is what lets the done chain link either kind
// through the same field.
const tdNextTDOffset = 8

// pushDone links the descriptor at addr onto the internal done chain and
// writes its final Word0 back to guest memory. The guest reads the
// chain by following NextTD starting at HCCA.DoneHead once the done
// queue is written back for the frame.
func (c *Controller) pushDone(addr uint64, word0 uint32) error {
	var w0 [4]byte
	binary.LittleEndian.PutUint32(w0[:], word0)
	if err := c.mem.WriteMeta(addr, w0[:]); err != nil {
		return err
	}

	var next [4]byte
	binary.LittleEndian.PutUint32(next[:], c.done)
	if err := c.mem.WriteMeta(addr+tdNextTDOffset, next[:]); err != nil {
		return err
	}

	c.done = uint32(addr)
	return nil
}

// maybeWritebackDoneQueue runs the per-frame done-queue writeback: once
// dqic reaches 0 and WRITE_DONE_HEAD is not already pending, the
// accumulated done chain is published to the HCCA and the internal
// chain is reset.
func (c *Controller) maybeWritebackDoneQueue() {
	if c.dqic != 0 {
		return
	}
	if c.regs.InterruptStatus&(1<<IntWDH) != 0 {
		return
	}
	if c.done == 0 {
		c.dqic = 7
		return
	}
	if c.regs.HCCA == 0 {
		c.dqic = 7
		return
	}

	otherPending := (c.regs.InterruptStatus &^ ((1 << IntWDH) | (1 << IntOC))) != 0

	value := c.done
	if otherPending {
		value |= 1
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	// HCCA.DoneHead sits after the 32-entry interrupt table plus the
	// 16-bit frame number and its pad.
	const hccaDoneOffset = 32*4 + 2 + 2
	_ = c.mem.WriteMeta(uint64(c.regs.HCCA)+hccaDoneOffset, buf[:])

	c.done = 0
	c.dqic = 7
	c.regs.RaiseInterrupt(IntWDH)
}
