package ehci

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestInferTypeControlEndpointZero(t *testing.T) {
	var q QH
	// EndpointNumber defaults to 0.
	if got := inferType(q); got.String() != "CONTROL" {
		t.Fatalf("inferType = %s, want CONTROL", got.String())
	}
}

func TestInferTypeInterruptFromSMask(t *testing.T) {
	var q QH
	q.Chars = 1 << chEndpoint // endpoint 1, non-zero
	q.Caps = 0x1              // non-zero S-mask
	if got := inferType(q); got.String() != "INTERRUPT" {
		t.Fatalf("inferType = %s, want INTERRUPT", got.String())
	}
}

func TestInferTypeLowSpeedControlEndpointFlag(t *testing.T) {
	var q QH
	q.Chars = 1 << chEndpoint
	q.Chars |= uint32(SpeedLow) << chSpeed
	q.Chars |= 1 << chControlEP
	if got := inferType(q); got.String() != "CONTROL" {
		t.Fatalf("inferType = %s, want CONTROL", got.String())
	}
}

func TestInferTypeBulkByDefault(t *testing.T) {
	var q QH
	q.Chars = 1 << chEndpoint
	q.Chars |= uint32(SpeedHigh) << chSpeed
	if got := inferType(q); got.String() != "BULK" {
		t.Fatalf("inferType = %s, want BULK", got.String())
	}
}

func TestInferTypeInterruptFrom64ByteMPS(t *testing.T) {
	var q QH
	q.Chars = 1 << chEndpoint
	q.Chars |= uint32(SpeedHigh) << chSpeed
	q.Chars |= 64 << chMPS
	if got := inferType(q); got.String() != "INTERRUPT" {
		t.Fatalf("inferType = %s, want INTERRUPT", got.String())
	}
}

func TestWalkAsyncServicesReadyQHAndStopsOnCycle(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const qhAddr = 0x1000
	const qtdAddr = 0x2000

	var qtd QTD
	qtd.SetActive(true)
	qtd.SetTotalBytes(8)
	qtd.Buffers[0] = 0x3000
	mem.putQTD(qtdAddr, qtd)

	var qh QH
	qh.Chars = 1 << chEndpoint // endpoint 1
	qh.CurrentQTD = qtdAddr
	link := LinkPointer{Terminate: false, Type: PointerQH, Addr: qhAddr}
	qh.HorizLink = link.marshal() // self-link: cycle back to start
	mem.putQH(qhAddr, qh)

	c.regs.AsyncListAddr = qhAddr
	c.walkAsync()

	if len(bus.submitted) != 1 {
		t.Fatalf("expected 1 submitted request, got %d", len(bus.submitted))
	}
}

func TestWalkAsyncEmptyScheduleFiresDoorbell(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const qhAddr = 0x1000
	var qh QH
	qh.Chars = 1 << chHead // reclamation head
	qh.Overlay.SetActive(false)
	link := LinkPointer{Terminate: false, Type: PointerQH, Addr: qhAddr}
	qh.HorizLink = link.marshal()
	mem.putQH(qhAddr, qh)

	c.regs.AsyncListAddr = qhAddr
	c.asyncAdvancePending = true
	c.walkAsync()

	if c.asyncAdvancePending {
		t.Fatalf("expected asyncAdvancePending cleared after empty-schedule detection")
	}
	if c.regs.USBSts&(1<<StsAsyncAdvance) == 0 {
		t.Fatalf("expected StsAsyncAdvance raised")
	}
}

func TestWalkPeriodicDispatchesITD(t *testing.T) {
	mem := newFakeMem(0x20000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const listBase = 0x1000
	const itdAddr = 0x4000

	var it ITD
	it.SetTxLength(0, 4)
	it.SetTxStatus(0, itdActive)
	it.Buffers[0] = 0x5000
	itLink := LinkPointer{Terminate: true}
	it.NextLink = itLink.marshal()
	mem.putITD(itdAddr, it)

	ptr := LinkPointer{Terminate: false, Type: PointerITD, Addr: itdAddr}
	mem.putU32(listBase, ptr.marshal())

	c.regs.PeriodicListBase = listBase
	c.walkPeriodic(0)

	if len(bus.submitted) != 1 {
		t.Fatalf("expected 1 submitted isochronous request, got %d", len(bus.submitted))
	}
}

func TestWalkPeriodicSkipsActiveSITD(t *testing.T) {
	mem := newFakeMem(0x20000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const listBase = 0x1000
	const sitdAddr = 0x6000

	sLink := LinkPointer{Terminate: true}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &SITD{
		NextLink: sLink.marshal(),
		State:    1 << 31, // active
	})
	copy(mem.mem[sitdAddr:], buf.Bytes())

	ptr := LinkPointer{Terminate: false, Type: PointerSITD, Addr: sitdAddr}
	mem.putU32(listBase, ptr.marshal())

	c.regs.PeriodicListBase = listBase
	c.walkPeriodic(0) // must not panic or submit anything

	if len(bus.submitted) != 0 {
		t.Fatalf("expected no submissions for an sITD-only frame, got %d", len(bus.submitted))
	}
}
