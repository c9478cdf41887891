package ehci

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

func (f *fakeMem) putQH(addr uint64, q QH) {
	copy(f.mem[addr:], marshalQH(q))
}

func (f *fakeMem) getQH(addr uint64) QH {
	return unmarshalQH(f.mem[addr : addr+QHSize])
}

func (f *fakeMem) putQTD(addr uint64, q QTD) {
	copy(f.mem[addr:], marshalQTD(q))
}

func (f *fakeMem) getQTD(addr uint64) QTD {
	return unmarshalQTD(f.mem[addr : addr+QTDSize])
}

func (f *fakeMem) putITD(addr uint64, it ITD) {
	copy(f.mem[addr:], marshalITD(it))
}

func (f *fakeMem) getITD(addr uint64) ITD {
	return unmarshalITD(f.mem[addr : addr+ITDSize])
}

func (f *fakeMem) putU32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(f.mem[addr:], v)
}

func (f *fakeMem) getU32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(f.mem[addr:])
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
