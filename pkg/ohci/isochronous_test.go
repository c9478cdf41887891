package ohci

import (
	"testing"
)

func putITD(mem *fakeMem, addr uint64, it ITD) {
	copy(mem.mem[addr:], marshalITD(it))
}

func newIsoED(funcAddr, ep uint32, headAddr uint64, dirHint uint32) ED {
	ed := ED{}
	ed.Word0 = funcAddr | ep<<7 | 1<<15 // isochronous bit set
	fieldSet(&ed.Word0, 11, 0x3, dirHint)
	ed.HeadP = uint32(headAddr)
	ed.TailP = uint32(headAddr + ITDSize)
	return ed
}

func TestServiceIsochronousTdAheadOfScheduleDoesNothing(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const edAddr, itdAddr = 0x1000, 0x2000

	ed := newIsoED(3, 5, itdAddr, 1)
	mem.putED(edAddr, ed)

	it := ITD{}
	it.Word0 = 100 // StartingFrame = 100, FrameCount = 0
	putITD(mem, itdAddr, it)

	c.regs.FmNumber = 50 // r = 50 - 100 < 0

	c.serviceIsochronousTd(edAddr, ed)

	if _, ok := bus.lastRequest(); ok {
		t.Fatal("an iTD ahead of schedule must not be submitted")
	}
	if c.done != 0 {
		t.Fatal("an iTD ahead of schedule must not be pushed onto the done chain")
	}
}

func TestServiceIsochronousTdOverrunSetsDataOverrun(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const edAddr, itdAddr = 0x1000, 0x2000

	ed := newIsoED(3, 5, itdAddr, 1)
	mem.putED(edAddr, ed)

	it := ITD{}
	it.Word0 = 10 // StartingFrame = 10, FrameCount = 0 -> cFrames = 1
	putITD(mem, itdAddr, it)

	c.regs.FmNumber = 20 // r = 10, r >= cFrames(1): overrun
	c.dqic = 7

	c.serviceIsochronousTd(edAddr, ed)

	if _, ok := bus.lastRequest(); ok {
		t.Fatal("an overrun iTD must not be submitted")
	}
	got := unmarshalITD(mem.mem[itdAddr : itdAddr+ITDSize])
	if got.ConditionCode() != CCDataOverrun {
		t.Fatalf("got CC %v, want CCDataOverrun", got.ConditionCode())
	}
	if c.done != itdAddr {
		t.Fatalf("got done chain head %#x, want %#x", c.done, itdAddr)
	}
	if c.dqic != 0 {
		t.Fatalf("got dqic %d, want 0 (forced for retirement)", c.dqic)
	}
}

func TestServiceIsochronousTdAssemblesOutPacket(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	const edAddr, itdAddr, dataAddr = 0x1000, 0x2000, 0x4000

	ed := newIsoED(3, 5, itdAddr, 1) // dirHint 1: OUT
	mem.putED(edAddr, ed)

	payload := []byte("ISODATA!")
	copy(mem.mem[dataAddr:], payload)

	it := ITD{}
	it.Word0 = 10 // StartingFrame = 10, FrameCount = 0 -> cFrames = 1
	it.BP0 = dataAddr
	it.BE = dataAddr + uint32(len(payload)) - 1
	it.PSW[0] = 0 // offset 0, CC/size written back later
	putITD(mem, itdAddr, it)

	c.regs.FmNumber = 10 // r = 0: in window

	c.serviceIsochronousTd(edAddr, ed)

	req, ok := bus.lastRequest()
	if !ok {
		t.Fatal("expected the in-window iTD to be submitted")
	}
	if string(req.Data) != string(payload) {
		t.Fatalf("got data %q, want %q", req.Data, payload)
	}
	if len(req.IsoLengths) != 1 || req.IsoLengths[0] != len(payload) {
		t.Fatalf("got IsoLengths %v, want [%d]", req.IsoLengths, len(payload))
	}
	if c.inFlight.Find(itdAddr) == nil {
		t.Fatal("expected the iTD to be recorded in-flight")
	}
}
