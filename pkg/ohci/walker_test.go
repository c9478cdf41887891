package ohci

import (
	"encoding/binary"
	"testing"
)

func TestServiceControlListAssemblesURB(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const edAddr, tdAddr, dataAddr = 0x1000, 0x2000, 0x3000

	ed := ED{}
	ed.Word0 = 5<<7 | 3 // endpoint 5, device 3
	ed.HeadP = tdAddr
	ed.TailP = tdAddr + TDSize // HeadP != TailP: ready
	mem.putED(edAddr, ed)

	setupData := []byte{0x80, 0x06, 0, 1, 0, 0, 8, 0}
	copy(mem.mem[dataAddr:], setupData)

	td := TD{}
	td.Word0 = 0 << 19 // SETUP PID
	td.CBP = dataAddr
	td.BE = dataAddr + uint32(len(setupData)) - 1
	mem.putTD(tdAddr, td)

	c.regs.ControlHeadED = edAddr
	c.regs.Control |= 1 << ctlCLE

	c.serviceControlList()

	req, ok := bus.lastRequest()
	if !ok {
		t.Fatal("expected a submitted request")
	}
	if req.DeviceAddress != 3 || req.EndpointNumber != 5 {
		t.Fatalf("got dev=%d ep=%d", req.DeviceAddress, req.EndpointNumber)
	}
	if string(req.Data) != string(setupData) {
		t.Fatalf("got data %x want %x", req.Data, setupData)
	}

	if c.inFlight.Find(tdAddr) == nil {
		t.Fatal("expected TD to be recorded in-flight")
	}
}

func TestWalkAsyncCancelsSkippedED(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const edAddr = 0x1000

	ed := ED{}
	ed.Word0 = (1 << 14) | (2 << 7) | 1 // Skip set, endpoint 2, device 1
	mem.putED(edAddr, ed)

	c.walkAsync(edAddr, func(_ uint64, _ ED) {
		t.Fatal("skipped ED must not be serviced")
	})

	if len(bus.canceled) != 1 {
		t.Fatalf("expected one cancellation, got %d", len(bus.canceled))
	}
	if bus.canceled[0].dev != 1 || bus.canceled[0].ep != 2 {
		t.Fatalf("got %+v", bus.canceled[0])
	}
}

func TestWalkAsyncStopsOnCycle(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const edAddr = 0x1000

	ed := ED{}
	ed.HeadP = 0
	ed.TailP = 0 // not ready: HeadP == TailP
	ed.NextED = edAddr
	mem.putED(edAddr, ed)

	calls := 0
	c.walkAsync(edAddr, func(_ uint64, _ ED) { calls++ })
	if calls != 0 {
		t.Fatalf("expected no service calls for a not-ready ED, got %d", calls)
	}
}

func TestServicePeriodicListDispatchesInterruptTD(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const hccaAddr, edAddr, tdAddr, dataAddr = 0x100, 0x1000, 0x2000, 0x3000

	c.regs.HCCA = hccaAddr
	c.regs.Control |= 1 << ctlPLE
	c.regs.FmNumber = 64 // slot 0

	ed := ED{}
	ed.Word0 = 1 << 7 // endpoint 1
	ed.HeadP = tdAddr
	ed.TailP = tdAddr + TDSize
	mem.putED(edAddr, ed)

	td := TD{}
	td.Word0 = 2 << 19 // IN
	td.CBP = dataAddr
	td.BE = dataAddr + 15
	mem.putTD(tdAddr, td)

	// slot 0's interrupt-head entry points at edAddr.
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, edAddr)
	copy(mem.mem[hccaAddr:], buf)

	c.servicePeriodicList()

	req, ok := bus.lastRequest()
	if !ok {
		t.Fatal("expected interrupt TD to be submitted")
	}
	if req.Type != int(2) { // urb.TypeInterrupt
		t.Fatalf("got type %d", req.Type)
	}
}
