package ohci

import (
	"context"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/guestmem"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

// serviceIsochronousTd services the head iTD of an isochronous ED reached
// from the periodic schedule.
func (c *Controller) serviceIsochronousTd(edAddr uint64, ed ED) {
	headAddr := uint64(ed.HeadPtr())
	if c.inFlight.Find(headAddr) != nil {
		return
	}

	buf := make([]byte, ITDSize)
	if err := c.mem.ReadMeta(headAddr, buf); err != nil {
		return
	}
	it := unmarshalITD(buf)

	cur16 := uint16(c.regs.FmNumber)
	r := int(int16(cur16 - uint16(it.StartingFrame())))
	cFrames := int(it.FrameCount()) + 1

	switch {
	case r < 0:
		// Ahead of schedule: not yet time to launch this iTD.
		return
	case r >= cFrames:
		// Launch window has passed without the iTD being serviced: a
		// scheduling overrun.
		it.SetConditionCode(CCDataOverrun)
		if err := c.pushDone(headAddr, it.Word0); err == nil {
			c.dqic = 0
		}
		return
	}

	numPackets := cFrames - r
	if numPackets <= 0 {
		return
	}

	offsets := make([]int, numPackets)
	lengths := make([]int, numPackets)
	for i := 0; i < numPackets; i++ {
		idx := r + i
		offsets[i] = int(it.PSWOffset(idx))
	}
	for i := 0; i < numPackets-1; i++ {
		lengths[i] = offsets[i+1] - offsets[i]
	}

	bp0Page := uint64(it.BP0) &^ 0xfff
	bePage := uint64(it.BE) &^ 0xfff
	extra := 0
	if bePage != bp0Page {
		extra = guestmem.PageSize
	}
	lengths[numPackets-1] = int(it.BE&0xfff) + extra + 1 - offsets[numPackets-1]

	totalLen := 0
	for _, l := range lengths {
		if l > 0 {
			totalLen += l
		}
	}

	dir := urb.DirOut
	if ed.DirectionHint() == 2 {
		dir = urb.DirIn
	}

	data := make([]byte, totalLen)
	base1 := bp0Page
	base2 := bp0Page + guestmem.PageSize

	if dir == urb.DirOut {
		pos := 0
		for i, l := range lengths {
			if l <= 0 {
				continue
			}
			if err := c.mem.CopyAcrossPages(base1, base2, offsets[i], l, guestmem.GuestToHost, data[pos:pos+l]); err != nil {
				return
			}
			pos += l
		}
	}

	isoPackets := make([]urb.IsoPacket, numPackets)
	pos := 0
	for i, l := range lengths {
		if l < 0 {
			l = 0
		}
		isoPackets[i] = urb.IsoPacket{Offset: pos, Length: l}
		pos += l
	}

	u := &urb.URB{
		HeadAddr:       edAddr,
		Direction:      dir,
		Type:           urb.TypeIsochronous,
		EndpointNumber: int(ed.EndpointNumber()),
		DeviceAddress:  int(ed.FunctionAddress()),
		Data:           data,
		IsoPackets:     isoPackets,
		SubmitFrame:    c.regs.FmNumber,
	}
	u.TDs = append(u.TDs, urb.TD{Addr: headAddr, Kind: urb.KindIsochronousTD, Snapshot: append([]byte(nil), buf...)})

	isoLengths := make([]int, numPackets)
	for i, p := range isoPackets {
		isoLengths[i] = p.Length
	}

	req := vusb.Request{
		Handle:         u,
		DeviceAddress:  u.DeviceAddress,
		EndpointNumber: u.EndpointNumber,
		Direction:      int(u.Direction),
		Type:           int(u.Type),
		Data:           u.Data,
		IsoLengths:     isoLengths,
	}

	c.inFlight.Add(headAddr, u.SubmitFrame, u)

	if err := c.bus.SubmitURB(context.Background(), req); err != nil {
		c.inFlight.RemoveURB(u, c.regs.FmNumber)
	}
}
