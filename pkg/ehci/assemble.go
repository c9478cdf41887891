package ehci

import (
	"context"
	"encoding/binary"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/guestmem"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

// qtdPageAddr returns buffer page index page's base address, picked from
// the qTD's five buffer-page pointers.
func qtdPageAddr(q QTD, page int) uint64 {
	if page == 0 {
		return uint64(q.Buffers[0]) &^ 0xfff
	}
	if page < 0 || page > 4 {
		return 0
	}
	return uint64(q.Buffers[page]) &^ 0xfff
}

// copyQTDData copies length bytes between guest memory (starting at
// CPage's buffer page, offset by BufferOffset) and host, spanning as many
// of the 5 buffer pages as needed.
func (c *Controller) copyQTDData(q QTD, length int, dir guestmem.Direction, host []byte) error {
	if length == 0 {
		return nil
	}
	page := int(q.CPage())
	offset := int(q.BufferOffset())
	pos := 0
	for pos < length && page <= 4 {
		base := qtdPageAddr(q, page)
		n := guestmem.PageSize - offset
		if pos+n > length {
			n = length - pos
		}
		var err error
		switch dir {
		case guestmem.GuestToHost:
			err = c.mem.Read(base+uint64(offset), host[pos:pos+n])
		case guestmem.HostToGuest:
			err = c.mem.Write(base+uint64(offset), host[pos:pos+n])
		}
		if err != nil {
			return err
		}
		pos += n
		offset = 0
		page++
	}
	return nil
}

// applyOverlay copies the qTD's token/buffers into the QH overlay region,
// preserving the toggle bit already tracked by the QH when the endpoint
// doesn't delegate toggle control to software (DTC clear).
func applyOverlay(q QH, qtd QTD) QTD {
	overlay := qtd
	if !q.DataToggleControl() {
		overlay.SetDataToggle(q.Overlay.DataToggle())
	}
	return overlay
}

func (c *Controller) writeOverlay(qhAddr uint64, currentQTD uint32, overlay QTD) {
	var buf [4]byte
	const currentQTDOffset = 12 // HorizLink, Chars, Caps, then CurrentQTD
	binary.LittleEndian.PutUint32(buf[:], currentQTD)
	c.mem.WriteMeta(qhAddr+currentQTDOffset, buf[:])

	const overlayOffset = 16
	c.mem.WriteMeta(qhAddr+overlayOffset, marshalQTD(overlay))
}

// serviceQTD picks the qTD the QH should run next, sets up the overlay,
// and assembles and submits a URB for it.
func (c *Controller) serviceQTD(qhAddr uint64, q QH) {
	qtdAddr := uint64(q.CurrentQTD) &^ 0x1f
	if qtdAddr == 0 {
		next := q.Overlay.NextLink()
		if next.Terminate || next.Addr == 0 {
			return
		}
		qtdAddr = uint64(next.Addr)
	}

	if c.inFlight.Find(qtdAddr) != nil {
		return
	}

	buf := make([]byte, QTDSize)
	if err := c.mem.ReadMeta(qtdAddr, buf); err != nil {
		return
	}
	qtd := unmarshalQTD(buf)
	if !qtd.Active() {
		return
	}

	overlay := applyOverlay(q, qtd)
	c.writeOverlay(qhAddr, uint32(qtdAddr), overlay)

	length := int(qtd.TotalBytes())

	var dir urb.Direction
	switch qtd.PID() {
	case PIDSetup:
		dir = urb.DirSetup
	case PIDIn:
		dir = urb.DirIn
	default:
		dir = urb.DirOut
	}

	data := make([]byte, length)
	if dir != urb.DirIn && length > 0 {
		if err := c.copyQTDData(qtd, length, guestmem.GuestToHost, data); err != nil {
			return
		}
	}

	typ := inferType(q)

	u := &urb.URB{
		HeadAddr:       qhAddr,
		Direction:      dir,
		Type:           typ,
		EndpointNumber: int(q.EndpointNumber()),
		DeviceAddress:  int(q.DeviceAddress()),
		Data:           data,
		SubmitFrame:    c.regs.FrIndex,
	}
	u.TDs = append(u.TDs, urb.TD{Addr: qtdAddr, Kind: urb.KindQueueElementTD, Snapshot: append([]byte(nil), buf...)})

	req := vusb.Request{
		Handle:         u,
		DeviceAddress:  u.DeviceAddress,
		EndpointNumber: u.EndpointNumber,
		Direction:      int(u.Direction),
		Type:           int(u.Type),
		Data:           u.Data,
		ShortNotOK:     dir != urb.DirIn,
	}

	c.inFlight.Add(qtdAddr, u.SubmitFrame, u)

	if err := c.bus.SubmitURB(context.Background(), req); err != nil {
		c.inFlight.RemoveURB(u, c.regs.FrIndex)
	}
}

// serviceITD assembles and submits a URB for one isochronous TD's active
// transactions: eight transactions per iTD, up to 7 buffer pages, each
// transaction independently active/inactive.
func (c *Controller) serviceITD(addr uint64, it ITD) {
	if c.inFlight.Find(addr) != nil {
		return
	}

	var packets []urb.IsoPacket
	var data []byte
	var active []int

	for i := 0; i < 8; i++ {
		if !it.TxActive(i) {
			continue
		}
		active = append(active, i)
		length := int(it.TxLength(i))
		offset := int(it.TxOffset(i))
		base := it.BufferPage(i)

		buf := make([]byte, length)
		if length > 0 {
			if err := c.mem.Read(base+uint64(offset), buf); err != nil {
				return
			}
		}
		packets = append(packets, urb.IsoPacket{Offset: len(data), Length: length})
		data = append(data, buf...)
	}

	if len(active) == 0 {
		return
	}

	u := &urb.URB{
		HeadAddr:    addr,
		Direction:   urb.DirOut,
		Type:        urb.TypeIsochronous,
		Data:        data,
		IsoPackets:  packets,
		SubmitFrame: c.regs.FrIndex,
	}
	u.TDs = append(u.TDs, urb.TD{Addr: addr, Kind: urb.KindIsochronousTD, Snapshot: marshalITD(it)})

	isoLengths := make([]int, len(packets))
	for i, p := range packets {
		isoLengths[i] = p.Length
	}

	req := vusb.Request{
		Handle:     u,
		Type:       int(u.Type),
		Data:       u.Data,
		IsoLengths: isoLengths,
	}

	c.inFlight.Add(addr, u.SubmitFrame, u)
	if err := c.bus.SubmitURB(context.Background(), req); err != nil {
		c.inFlight.RemoveURB(u, c.regs.FrIndex)
	}
}
