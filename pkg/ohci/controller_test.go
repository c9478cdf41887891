package ohci

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/vusb"
)

// fakeMem is a flat byte-slice guest-physical-memory double shared by this
// package's tests.
type fakeMem struct {
	mem []byte
}

func newFakeMem(size int) *fakeMem {
	return &fakeMem{mem: make([]byte, size)}
}

func (f *fakeMem) ReadPhys(gpa uint64, buf []byte) error      { copy(buf, f.mem[gpa:]); return nil }
func (f *fakeMem) WritePhys(gpa uint64, buf []byte) error     { copy(f.mem[gpa:], buf); return nil }
func (f *fakeMem) ReadPhysMeta(gpa uint64, buf []byte) error  { return f.ReadPhys(gpa, buf) }
func (f *fakeMem) WritePhysMeta(gpa uint64, buf []byte) error { return f.WritePhys(gpa, buf) }

func (f *fakeMem) putED(addr uint64, ed ED) {
	binary.LittleEndian.PutUint32(f.mem[addr:], ed.Word0)
	binary.LittleEndian.PutUint32(f.mem[addr+4:], ed.TailP)
	binary.LittleEndian.PutUint32(f.mem[addr+8:], ed.HeadP)
	binary.LittleEndian.PutUint32(f.mem[addr+12:], ed.NextED)
}

func (f *fakeMem) getED(addr uint64) ED {
	return unmarshalED(f.mem[addr : addr+EDSize])
}

func (f *fakeMem) putTD(addr uint64, td TD) {
	binary.LittleEndian.PutUint32(f.mem[addr:], td.Word0)
	binary.LittleEndian.PutUint32(f.mem[addr+4:], td.CBP)
	binary.LittleEndian.PutUint32(f.mem[addr+8:], td.NextTD)
	binary.LittleEndian.PutUint32(f.mem[addr+12:], td.BE)
}

func (f *fakeMem) getTD(addr uint64) TD {
	return unmarshalTD(f.mem[addr : addr+TDSize])
}

// fakeBus is a minimal vusb.Connector double that records submitted
// requests and lets the test deliver a completion synchronously.
type fakeBus struct {
	mu        sync.Mutex
	submitted []vusb.Request
	canceled  []canceledEndpoint
	speeds    map[int]vusb.Speed
}

type canceledEndpoint struct {
	dev, ep, dir int
}

func newFakeBus() *fakeBus {
	return &fakeBus{speeds: map[int]vusb.Speed{}}
}

func (b *fakeBus) SubmitURB(ctx context.Context, req vusb.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, req)
	return nil
}

func (b *fakeBus) CancelURBsForEndpoint(dev, ep, dir int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = append(b.canceled, canceledEndpoint{dev, ep, dir})
}

func (b *fakeBus) ResetPort(port int) {}

func (b *fakeBus) PortSpeed(port int) (vusb.Speed, bool) {
	s, ok := b.speeds[port]
	return s, ok
}

func (b *fakeBus) lastRequest() (vusb.Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.submitted) == 0 {
		return vusb.Request{}, false
	}
	return b.submitted[len(b.submitted)-1], true
}

func newTestController(mem *fakeMem, bus *fakeBus) *Controller {
	return New(DefaultConfig(), mem, bus, func() {})
}
