package ehci

import (
	"bytes"
	"testing"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

const (
	testQHAddr   = 0x1000
	testQTDAddr  = 0x2000
	testDataAddr = 0x3000
	testNextQTD  = 0x4000
)

func setupQHWithQTD(mem *fakeMem, dir uint32, length int, cerr uint32) (QH, QTD) {
	var qtd QTD
	qtd.SetActive(true)
	qtd.SetTotalBytes(uint32(length))
	qtd.SetCerr(cerr)
	qtd.Buffers[0] = testDataAddr
	// PID field
	const tokPIDShift = 8
	qtd.Token |= dir << tokPIDShift
	next := LinkPointer{Terminate: false, Type: PointerQH, Addr: testNextQTD}
	qtd.Next = next.marshal()

	var qh QH
	qh.Chars = 1 << chEndpoint
	qh.CurrentQTD = testQTDAddr
	qh.Overlay = qtd

	mem.putQH(testQHAddr, qh)
	return qh, qtd
}

func newTestURB(qh QH, qtd QTD, dir urb.Direction) *urb.URB {
	return &urb.URB{
		HeadAddr:  testQHAddr,
		Direction: dir,
		Type:      urb.TypeBulk,
		TDs: []urb.TD{{
			Addr:     testQTDAddr,
			Kind:     urb.KindQueueElementTD,
			Snapshot: marshalQTD(qtd),
		}},
	}
}

func TestRetireGeneralSuccessWritesBackINDataAndAdvancesQH(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	qh, qtd := setupQHWithQTD(mem, PIDIn, 4, 3)
	u := newTestURB(qh, qtd, urb.DirIn)
	c.inFlight.Add(testQTDAddr, 0, u)

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	c.retire(vusb.Completion{Handle: u, Status: vusb.StatusOK, Data: payload})

	got := mem.mem[testDataAddr : testDataAddr+4]
	if !bytes.Equal(got, payload) {
		t.Fatalf("written-back data = %v, want %v", got, payload)
	}

	updated := mem.getQH(testQHAddr)
	if updated.Overlay.Active() {
		t.Fatalf("expected overlay Active cleared on success")
	}
	if updated.CurrentQTD != testNextQTD {
		t.Fatalf("CurrentQTD = %#x, want %#x", updated.CurrentQTD, testNextQTD)
	}
	if !u.Unlinked {
		t.Fatalf("expected URB marked Unlinked")
	}
}

func TestRetireGeneralStallHaltsWithoutRetry(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	qh, qtd := setupQHWithQTD(mem, PIDOut, 4, 3)
	u := newTestURB(qh, qtd, urb.DirOut)
	c.inFlight.Add(testQTDAddr, 0, u)

	c.retire(vusb.Completion{Handle: u, Status: vusb.StatusStall})

	updated := mem.getQH(testQHAddr)
	if !updated.Overlay.Halted() {
		t.Fatalf("expected overlay Halted set on STALL")
	}
	if updated.Overlay.Active() {
		t.Fatalf("expected overlay Active cleared on STALL")
	}
	if c.regs.USBSts&(1<<StsError) == 0 {
		t.Fatalf("expected StsError raised")
	}
}

func TestRetireGeneralCRCRetriesWithoutHalting(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	qh, qtd := setupQHWithQTD(mem, PIDOut, 4, 2)
	u := newTestURB(qh, qtd, urb.DirOut)
	c.inFlight.Add(testQTDAddr, 0, u)

	c.retire(vusb.Completion{Handle: u, Status: vusb.StatusCRC})

	updated := mem.getQH(testQHAddr)
	if updated.Overlay.Halted() {
		t.Fatalf("expected overlay not halted while Cerr still has retries left")
	}
	if updated.Overlay.Cerr() != 1 {
		t.Fatalf("Cerr = %d, want 1 after first retry", updated.Overlay.Cerr())
	}
}

func TestCancellationDetectedDropsURBWithoutDataWriteBack(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	qh, qtd := setupQHWithQTD(mem, PIDIn, 4, 3)
	qh.Overlay.SetHalted(true)
	mem.putQH(testQHAddr, qh)

	u := newTestURB(qh, qtd, urb.DirIn)
	c.inFlight.Add(testQTDAddr, 0, u)

	payload := []byte{1, 2, 3, 4}
	c.retire(vusb.Completion{Handle: u, Status: vusb.StatusOK, Data: payload})

	got := mem.mem[testDataAddr : testDataAddr+4]
	if bytes.Equal(got, payload) {
		t.Fatalf("expected no data write-back for a canceled URB")
	}
}

func TestRetireIsUnlinkIdempotent(t *testing.T) {
	mem := newFakeMem(0x10000)
	bus := newFakeBus()
	c := newTestController(mem, bus)

	qh, qtd := setupQHWithQTD(mem, PIDOut, 4, 3)
	u := newTestURB(qh, qtd, urb.DirOut)
	c.inFlight.Add(testQTDAddr, 0, u)

	c.retire(vusb.Completion{Handle: u, Status: vusb.StatusOK})
	firstQH := mem.getQH(testQHAddr)

	// A duplicate completion callback for the same URB must be a no-op.
	c.retire(vusb.Completion{Handle: u, Status: vusb.StatusOK})
	secondQH := mem.getQH(testQHAddr)

	if firstQH.CurrentQTD != secondQH.CurrentQTD {
		t.Fatalf("expected second retire() to be a no-op: %#x vs %#x", firstQH.CurrentQTD, secondQH.CurrentQTD)
	}
}
