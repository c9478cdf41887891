package ehci

import (
	"bytes"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/guestmem"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

// retire processes one VUSB completion against the in-flight table and
// the issuing QH/qTD or iTD. The caller (Controller.Complete) already
// holds the device lock and has invalidated the page cache.
func (c *Controller) retire(comp vusb.Completion) {
	u, ok := comp.Handle.(*urb.URB)
	if !ok || u == nil {
		return
	}

	age := c.inFlight.Remove(u.FirstTD().Addr, c.regs.FrIndex)
	c.inFlight.RemoveURB(u, c.regs.FrIndex)

	if u.Unlinked {
		return
	}
	u.Unlinked = true

	if u.Type == urb.TypeIsochronous {
		c.retireIsochronous(u, comp)
		return
	}

	qh, err := c.readQH(u.HeadAddr)
	if err != nil {
		return
	}

	if c.cancellationDetected(u, qh, age) {
		// Cancellation: update the overlay's active bit to 0 and write it
		// back without touching data or the toggle.
		overlay := qh.Overlay
		overlay.SetActive(false)
		c.writeOverlay(u.HeadAddr, qh.CurrentQTD, overlay)
		return
	}

	c.retireGeneral(u, qh, comp)
}

// cancellationDetected mirrors ohci's cancellation check, adapted to the
// QH/qTD shape: byte-compare the frozen qTD snapshot against the QH's
// live overlay, ignoring the Next/AltNext pointer words (the first 8
// bytes) except for the URB's last (and in this model, only) TD.
func (c *Controller) cancellationDetected(u *urb.URB, qh QH, age int) bool {
	if age < 0 {
		return true
	}
	if qh.Overlay.Halted() {
		return true
	}

	first := u.FirstTD()
	live := marshalQTD(qh.Overlay)

	isLast := len(u.TDs) == 1
	if !bytes.Equal(maskNextPointers(live, isLast), maskNextPointers(first.Snapshot, isLast)) {
		return true
	}

	if qh.CurrentQTD&^0x1f != uint32(first.Addr) {
		return true
	}

	return false
}

func maskNextPointers(buf []byte, keep bool) []byte {
	if keep || len(buf) < 8 {
		return buf
	}
	out := append([]byte(nil), buf...)
	for i := 0; i < 8; i++ {
		out[i] = 0
	}
	return out
}

// tokenBitsForStatus maps a VUSB completion status onto the EHCI token
// error bits.
func tokenBitsForStatus(s vusb.Status) uint32 {
	switch s {
	case vusb.StatusOK:
		return 0
	case vusb.StatusStall:
		return 1 << StatusHalted
	case vusb.StatusCRC:
		return 1 << StatusXactErr
	case vusb.StatusDataUnderrun, vusb.StatusDataOverrun:
		return 1 << StatusDataBufErr
	case vusb.StatusDNR:
		return 1 << StatusXactErr
	default:
		return 1 << StatusXactErr
	}
}

// retireGeneral retires qTD-based (control, bulk, interrupt) transfers:
// write back IN data, update the overlay's status/toggle/length, and
// either advance to the next qTD or halt with an error raised.
func (c *Controller) retireGeneral(u *urb.URB, qh QH, comp vusb.Completion) {
	first := u.FirstTD()
	submitted := unmarshalQTD(first.Snapshot)

	overlay := qh.Overlay

	if u.Direction == urb.DirIn && comp.Status == vusb.StatusOK {
		c.writeBackInData(submitted, comp.Data)
	}

	if comp.Status == vusb.StatusOK {
		overlay.SetStatus(0)
		overlay.SetActive(false)
		overlay.SetTotalBytes(submitted.TotalBytes() - uint32(len(comp.Data)))

		next := submitted.NextLink()
		newCurrent := qh.CurrentQTD
		if !next.Terminate {
			newCurrent = next.Addr
		}
		c.writeOverlay(u.HeadAddr, newCurrent, overlay)

		if submitted.IOC() || (u.Direction == urb.DirIn && len(comp.Data) < int(submitted.TotalBytes())) {
			c.regs.RaiseInterrupt(StsIntOnCompletion)
		}
		return
	}

	overlay.Token |= tokenBitsForStatus(comp.Status)
	retry, newCerr := shouldRetry(u, comp, false, submitted.Cerr())
	if retry {
		overlay.SetCerr(newCerr)
		// Leave Active set: the qTD stays in place for the device-model's
		// own hardware-style retry on the next async/periodic pass.
		c.writeOverlay(u.HeadAddr, qh.CurrentQTD, overlay)
		return
	}

	overlay.SetCerr(newCerr)
	overlay.SetActive(false)
	overlay.SetHalted(true)
	c.writeOverlay(u.HeadAddr, qh.CurrentQTD, overlay)
	c.regs.RaiseInterrupt(StsError)
}

// writeBackInData splits the URB buffer over the qTD's up-to-five buffer
// pages and writes back the received bytes, clamped to the actual count.
func (c *Controller) writeBackInData(qtd QTD, received []byte) {
	c.copyQTDData(qtd, len(received), guestmem.HostToGuest, received)
}

// retireIsochronous writes back per-transaction status/length into the
// iTD's transaction table.
func (c *Controller) retireIsochronous(u *urb.URB, comp vusb.Completion) {
	td := u.FirstTD()
	it := unmarshalITD(td.Snapshot)

	for i, p := range comp.IsoResults {
		if i >= len(u.IsoPackets) {
			break
		}
		idx := isoTransactionIndex(u, i)
		if idx < 0 {
			continue
		}
		it.SetTxLength(idx, uint32(p.Length))
		if p.Status != vusb.StatusOK {
			it.SetTxStatus(idx, itdXactErr)
		} else {
			it.SetTxStatus(idx, 0)
		}
	}

	c.mem.WriteMeta(td.Addr, marshalITD(it))
}

// isoTransactionIndex maps comp.IsoResults[i] back to its iTD transaction
// slot (recorded implicitly by submission order: only active transactions
// were packaged into IsoPackets, in ascending slot order).
func isoTransactionIndex(u *urb.URB, packetIdx int) int {
	if packetIdx < 0 || packetIdx >= len(u.IsoPackets) {
		return -1
	}
	it := unmarshalITD(u.FirstTD().Snapshot)
	n := 0
	for slot := 0; slot < 8; slot++ {
		if !it.TxActive(slot) {
			continue
		}
		if n == packetIdx {
			return slot
		}
		n++
	}
	return -1
}
