package ohci

import (
	"context"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/guestmem"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

const maxCombinedTDs = 128

func (c *Controller) readTD(addr uint64) (TD, []byte, error) {
	buf := make([]byte, TDSize)
	if err := c.mem.ReadMeta(addr, buf); err != nil {
		return TD{}, nil, err
	}
	return unmarshalTD(buf), buf, nil
}

func tdDirection(pid uint32) urb.Direction {
	switch pid {
	case 0:
		return urb.DirSetup
	case 1:
		return urb.DirOut
	case 2:
		return urb.DirIn
	default:
		return urb.DirSetup
	}
}

// tdDataSpan returns the two page bases and offset describing td's data
// buffer, or ok=false if the TD carries no data (CBP==0 && BE==0).
func tdDataSpan(td TD) (base1, base2 uint64, offset, length int, ok bool) {
	length = td.TransferLength()
	if length == 0 {
		return 0, 0, 0, 0, false
	}
	base1 = uint64(td.CBP) &^ 0xfff
	offset = int(td.CBP & 0xfff)
	base2 = base1 + guestmem.PageSize
	return base1, base2, offset, length, true
}

// serviceTd is the single-TD assembly variant used for control
// endpoints.
func (c *Controller) serviceTd(edAddr uint64, ed ED) {
	c.serviceTdCombine(edAddr, ed, false, urb.TypeControl)
}

// serviceTdMultiple combines consecutive whole-page TDs of matching
// direction into one URB. typ is decided by which schedule the ED was
// serviced from (bulk list vs. periodic/interrupt schedule), matching
// real OHCI's endpoint-type field.
func (c *Controller) serviceTdMultiple(edAddr uint64, ed ED, typ urb.Type) {
	c.serviceTdCombine(edAddr, ed, true, typ)
}

func (c *Controller) serviceTdCombine(edAddr uint64, ed ED, combine bool, typ urb.Type) {
	headAddr := uint64(ed.HeadPtr())
	if c.inFlight.Find(headAddr) != nil {
		// Already in flight: bulk processing stops at the first
		// in-flight TD.
		return
	}

	first, firstBuf, err := c.readTD(headAddr)
	if err != nil {
		return
	}

	tds := []TD{first}
	bufs := [][]byte{firstBuf}
	addrs := []uint64{headAddr}

	if combine {
		cur := first
		for len(tds) < maxCombinedTDs {
			span := cur.BE - cur.CBP + 1
			if cur.CBP == 0 || (span != 0x1000 && span != 0x2000) {
				break
			}
			if cur.Rounding() {
				break
			}
			next := cur.NextTD
			if next == ed.TailPtr() || next == 0 {
				break
			}
			nt, nb, err := c.readTD(uint64(next))
			if err != nil {
				break
			}
			if nt.DirectionPID() != first.DirectionPID() {
				break
			}
			tds = append(tds, nt)
			bufs = append(bufs, nb)
			addrs = append(addrs, uint64(next))
			cur = nt
		}
	}

	type dataSpan struct {
		base1, base2   uint64
		offset, length int
		ok             bool
	}

	totalLen := 0
	spans := make([]dataSpan, len(tds))
	for i, t := range tds {
		b1, b2, off, ln, ok := tdDataSpan(t)
		spans[i] = dataSpan{b1, b2, off, ln, ok}
		if ok {
			totalLen += ln
		}
	}

	dir := tdDirection(first.DirectionPID())

	data := make([]byte, totalLen)
	if dir == urb.DirOut || dir == urb.DirSetup {
		pos := 0
		for _, s := range spans {
			if !s.ok {
				continue
			}
			if err := c.mem.CopyAcrossPages(s.base1, s.base2, s.offset, s.length, guestmem.GuestToHost, data[pos:pos+s.length]); err != nil {
				return
			}
			pos += s.length
		}
	}

	u := &urb.URB{
		HeadAddr:       edAddr,
		Direction:      dir,
		Type:           typ,
		EndpointNumber: int(ed.EndpointNumber()),
		DeviceAddress:  int(ed.FunctionAddress()),
		Data:           data,
		SubmitFrame:    c.regs.FmNumber,
	}
	for i := range tds {
		u.TDs = append(u.TDs, urb.TD{Addr: addrs[i], Kind: urb.KindGeneralTD, Snapshot: append([]byte(nil), bufs[i]...)})
	}

	req := vusb.Request{
		Handle:         u,
		DeviceAddress:  u.DeviceAddress,
		EndpointNumber: u.EndpointNumber,
		Direction:      int(u.Direction),
		Type:           int(u.Type),
		Data:           u.Data,
		ShortNotOK:     !first.Rounding(),
	}

	for _, a := range addrs {
		c.inFlight.Add(a, u.SubmitFrame, u)
	}

	if err := c.bus.SubmitURB(context.Background(), req); err != nil {
		c.inFlight.RemoveURB(u, c.regs.FmNumber)
	}
}
