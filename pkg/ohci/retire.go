package ohci

import (
	"bytes"
	"encoding/binary"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/guestmem"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

// ccForStatus maps a VUSB completion status to an OHCI condition code.
func ccForStatus(s vusb.Status) ConditionCode {
	switch s {
	case vusb.StatusOK:
		return CCNoError
	case vusb.StatusStall:
		return CCStall
	case vusb.StatusCRC:
		return CCCRC
	case vusb.StatusDataUnderrun:
		return CCDataUnderrun
	case vusb.StatusDataOverrun:
		return CCDataOverrun
	case vusb.StatusDNR:
		return CCDeviceNotResponding
	case vusb.StatusNotAccessed:
		return CCNotAccessed1
	default:
		return CCDeviceNotResponding
	}
}

// retire handles one VUSB completion callback. The caller
// (Controller.Complete) already holds the device lock and has invalidated
// the page cache.
func (c *Controller) retire(comp vusb.Completion) {
	u, ok := comp.Handle.(*urb.URB)
	if !ok || u == nil {
		return
	}

	age := c.inFlight.Remove(u.FirstTD().Addr, c.regs.FmNumber)
	c.inFlight.RemoveURB(u, c.regs.FmNumber)

	if u.Unlinked {
		return
	}
	u.Unlinked = true

	ed, err := c.readED(u.HeadAddr)
	if err != nil {
		return
	}

	if c.cancellationDetected(u, ed, age) {
		c.errLog.Printf("dropping canceled URB at ED %#x", u.HeadAddr)
		return
	}

	if u.Type == urb.TypeIsochronous {
		c.retireIsochronous(u, comp)
		return
	}

	c.retireGeneral(u, ed, comp)
}

// cancellationDetected reports whether a URB should be dropped (no data
// write-back, no toggle advance): it aged out before being serviced, its
// first TD's bytes changed since submission, or the owning ED has since
// gone halted/skipped or had its head pointer diverge.
func (c *Controller) cancellationDetected(u *urb.URB, ed ED, age int) bool {
	if age < 0 {
		return true
	}
	if ed.Halted() || ed.Skip() {
		return true
	}

	first := u.FirstTD()
	buf := make([]byte, len(first.Snapshot))
	if err := c.mem.ReadMeta(first.Addr, buf); err != nil {
		return true
	}

	// Ignore the NextTD word (offset 8..11) when comparing, except for the
	// URB's last TD.
	isLast := len(u.TDs) == 1
	if !bytes.Equal(maskNextTD(buf, isLast), maskNextTD(first.Snapshot, isLast)) {
		return true
	}

	if ed.HeadPtr() != uint32(first.Addr) {
		return true
	}

	return false
}

func maskNextTD(buf []byte, keep bool) []byte {
	if keep || len(buf) < tdNextTDOffset+4 {
		return buf
	}
	out := append([]byte(nil), buf...)
	for i := tdNextTDOffset; i < tdNextTDOffset+4; i++ {
		out[i] = 0
	}
	return out
}

// retireGeneral handles completion retirement for general (control,
// bulk, interrupt) TDs.
func (c *Controller) retireGeneral(u *urb.URB, ed ED, comp vusb.Completion) {
	cc := ccForStatus(comp.Status)

	if u.Direction == urb.DirIn && cc == CCNoError {
		c.writeBackInData(u, comp.Data)
	}

	pos := 0
	var firstFinal TD
	for i, td := range u.TDs {
		t := unmarshalTD(td.Snapshot)

		received := 0
		if cc == CCNoError {
			length := t.TransferLength()
			if pos < len(comp.Data) {
				received = length
				if pos+received > len(comp.Data) {
					received = len(comp.Data) - pos
				}
			}
			pos += length
		}
		advanceTDBuffer(&t, received)

		t.SetConditionCode(cc)
		if cc == CCNoError {
			t.SetDataToggle(t.DataToggle() ^ 1)
		}

		if err := c.mem.WriteMeta(td.Addr, marshalTD(t)[:8]); err != nil { // Word0 and CBP
			return
		}
		if i == 0 {
			firstFinal = t
		}

		if cc != CCNoError {
			if shouldRetry(u, comp, false) {
				// Leave the ED unhalted and HeadP unmoved so the next
				// schedule walk re-services this same TD; only the
				// frozen error counter advances.
				t.SetErrorCount(uint32(u.ErrorCount))
				c.mem.WriteMeta(td.Addr, marshalTDWord0(t))
				return
			}

			// Retire: halt the ED in place (head stays pointing at the
			// failed TD) and stop unlinking further TDs.
			c.setEDHalted(u.HeadAddr)
			c.dqic = 0
			c.pushDone(td.Addr, t.Word0)
			return
		}

		c.unlinkEDHead(u.HeadAddr, t.NextTD)
	}

	// Only the first TD of a combined transfer is pushed onto the done
	// chain; the rest were already unlinked above. firstFinal carries the
	// CC/toggle/CBP already written back above, not the pre-completion
	// snapshot.
	c.pushDone(u.FirstTD().Addr, firstFinal.Word0)
}

// advanceTDBuffer sets CBP to 0 once all bytes have been consumed, or
// advances it by the number of bytes transferred otherwise.
func advanceTDBuffer(t *TD, received int) {
	length := t.TransferLength()
	if received >= length {
		t.CBP = 0
		return
	}
	t.CBP += uint32(received)
}

// writeBackInData splits the URB buffer over the TD chain's (up to
// two-page) spans and writes back the received bytes, clamped to the
// actual count.
func (c *Controller) writeBackInData(u *urb.URB, received []byte) {
	pos := 0
	for _, td := range u.TDs {
		t := unmarshalTD(td.Snapshot)
		b1, b2, off, length, ok := tdDataSpan(t)
		if !ok {
			continue
		}
		if pos >= len(received) {
			break
		}
		n := length
		if pos+n > len(received) {
			n = len(received) - pos
		}
		c.mem.CopyAcrossPages(b1, b2, off, n, guestmem.HostToGuest, received[pos:pos+n])
		pos += n
	}
}

// unlinkEDHead advances the ED's HeadP field to newHead, preserving the
// halted/carry low bits already present.
func (c *Controller) unlinkEDHead(edAddr uint64, newHead uint32) {
	ed, err := c.readED(edAddr)
	if err != nil {
		return
	}
	low := ed.HeadP & 0x3
	c.writeEDHeadP(edAddr, (newHead&edPtrMask)|low)
}

// setEDHalted sets the HeadP halted bit without moving HeadP itself.
func (c *Controller) setEDHalted(edAddr uint64) {
	ed, err := c.readED(edAddr)
	if err != nil {
		return
	}
	c.writeEDHeadP(edAddr, ed.HeadP|(1<<edHeadHalted))
}

// writeEDHeadP overwrites the ED's HeadP field (Word0, TailP, HeadP,
// NextED — HeadP is the third dword, at byte offset 8).
func (c *Controller) writeEDHeadP(edAddr uint64, headP uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], headP)
	c.mem.WriteMeta(edAddr+8, buf[:])
}

// retireIsochronous writes back per-packet status/length into the iTD's
// packet-status-word table (the PSW CC/Size union documented on
// ITD.PSWSize).
func (c *Controller) retireIsochronous(u *urb.URB, comp vusb.Completion) {
	td := u.FirstTD()
	buf := append([]byte(nil), td.Snapshot...)
	it := unmarshalITD(buf)

	overallCC := CCNoError
	if len(comp.IsoResults) == 0 {
		overallCC = ccForStatus(comp.Status)
	}

	for i, pr := range comp.IsoResults {
		if i >= len(it.PSW) {
			break
		}
		cc := ccForStatus(pr.Status)
		it.PSW[i] = uint16(cc)<<12 | (uint16(pr.Length) & 0x0fff)
	}
	it.SetConditionCode(overallCC)

	if u.Direction == urb.DirIn {
		c.writeBackIsoInData(u, it, comp.Data)
	}

	c.pushDone(td.Addr, it.Word0)
	itBuf := marshalITD(it)
	const pswOffset = 16 // Word0, BP0, NextTD, BE, then PSW[8]
	c.mem.WriteMeta(td.Addr+pswOffset, itBuf[pswOffset:])
}

func (c *Controller) writeBackIsoInData(u *urb.URB, it ITD, received []byte) {
	bp0Page := uint64(it.BP0) &^ 0xfff
	base2 := bp0Page + 0x1000
	for _, p := range u.IsoPackets {
		if p.Offset >= len(received) {
			break
		}
		n := p.Length
		if p.Offset+n > len(received) {
			n = len(received) - p.Offset
		}
		if n <= 0 {
			continue
		}
		c.mem.CopyAcrossPages(bp0Page, base2, p.Offset, n, guestmem.HostToGuest, received[p.Offset:p.Offset+n])
	}
}
