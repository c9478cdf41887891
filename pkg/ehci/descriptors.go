package ehci

import (
	"bytes"
	"encoding/binary"
)

// Descriptor sizes and pointer-field bit layouts. This core models the
// 32-bit (non-64-bit-extension) descriptor shapes: no ExtBufferPointer
// dwords, matching the common embedded-hypervisor subset of the EHCI
// descriptor formats.
const (
	QHSize   = 48
	QTDSize  = 32
	ITDSize  = 64
	SITDSize = 28
	FSTNSize = 8

	ptrTerminate = 1 << 0
	ptrTypeMask  = 0x3 << 1
	ptrAddrMask  = ^uint32(0x1f)
)

// PointerType is the tagged-pointer type discriminator used throughout
// the periodic frame list and the QH/qTD next-pointer fields.
type PointerType int

const (
	PointerITD PointerType = iota
	PointerQH
	PointerSITD
	PointerFSTN
)

// LinkPointer decodes one 32-bit tagged pointer: terminate bit, 2-bit
// type, and the 5-bit-aligned address.
type LinkPointer struct {
	Terminate bool
	Type      PointerType
	Addr      uint32
}

func unmarshalLinkPointer(v uint32) LinkPointer {
	return LinkPointer{
		Terminate: v&ptrTerminate != 0,
		Type:      PointerType((v & ptrTypeMask) >> 1),
		Addr:      v & ptrAddrMask,
	}
}

func (p LinkPointer) marshal() uint32 {
	v := p.Addr & ptrAddrMask
	v |= uint32(p.Type) << 1
	if p.Terminate {
		v |= ptrTerminate
	}
	return v
}

// qTD token bits (also embedded in the QH overlay).
const (
	tokStatusShift = 0
	tokStatusMask  = 0xff
	tokPID         = 8  // 2 bits
	tokCerr        = 10 // 2 bits
	tokCPage       = 12 // 3 bits
	tokIOC         = 15
	tokTotalBytes  = 16 // 15 bits
	tokDataToggle  = 31
)

// qTD status bits (token byte 0).
const (
	StatusPingState   = 0
	StatusSplitXState = 1
	StatusMissedMicro = 2
	StatusXactErr     = 3
	StatusBabble      = 4
	StatusDataBufErr  = 5
	StatusHalted      = 6
	StatusActive      = 7
)

// PID codes for the qTD token's PID field.
const (
	PIDOut   = 0
	PIDIn    = 1
	PIDSetup = 2
)

// QTD is the 32-byte Queue Element TD.
type QTD struct {
	Next    uint32 // tagged pointer, low bits reused as Terminate
	AltNext uint32
	Token   uint32
	Buffers [5]uint32 // buffer page pointers; low 12 bits of Buffers[0] is the byte offset
}

func (q QTD) Status() uint32     { return fieldGet(&q.Token, tokStatusShift, tokStatusMask) }
func (q QTD) Active() bool       { return bitTest(&q.Token, tokStatusShift+StatusActive) }
func (q QTD) Halted() bool       { return bitTest(&q.Token, tokStatusShift+StatusHalted) }
func (q QTD) PID() uint32        { return fieldGet(&q.Token, tokPID, 0x3) }
func (q QTD) Cerr() uint32       { return fieldGet(&q.Token, tokCerr, 0x3) }
func (q QTD) CPage() uint32      { return fieldGet(&q.Token, tokCPage, 0x7) }
func (q QTD) IOC() bool          { return bitTest(&q.Token, tokIOC) }
func (q QTD) TotalBytes() uint32 { return fieldGet(&q.Token, tokTotalBytes, 0x7fff) }
func (q QTD) DataToggle() uint32 { return fieldGet(&q.Token, tokDataToggle, 0x1) }

func (q *QTD) SetStatus(v uint32)     { fieldSet(&q.Token, tokStatusShift, tokStatusMask, v) }
func (q *QTD) SetActive(v bool)       { bitSetTo(&q.Token, tokStatusShift+StatusActive, v) }
func (q *QTD) SetHalted(v bool)       { bitSetTo(&q.Token, tokStatusShift+StatusHalted, v) }
func (q *QTD) SetCerr(v uint32)       { fieldSet(&q.Token, tokCerr, 0x3, v) }
func (q *QTD) SetTotalBytes(v uint32) { fieldSet(&q.Token, tokTotalBytes, 0x7fff, v) }
func (q *QTD) SetDataToggle(v uint32) { fieldSet(&q.Token, tokDataToggle, 0x1, v) }

// NextLink/AltNextLink decode the tagged next-pointer fields (qTDs only
// ever point at other qTDs, but the terminate bit is still meaningful).
func (q QTD) NextLink() LinkPointer    { return unmarshalLinkPointer(q.Next) }
func (q QTD) AltNextLink() LinkPointer { return unmarshalLinkPointer(q.AltNext) }

// BufferOffset returns the byte offset into the first buffer page (the
// low 12 bits of Buffers[0]); the remaining four buffer pointers are
// page-aligned per EHCI's C_Page indexing.
func (q QTD) BufferOffset() uint32 { return q.Buffers[0] & 0xfff }

// BufferPage returns buffer page i's page-aligned base address. For i==0
// the byte offset is masked off here as well; BufferOffset returns it.
func (q QTD) BufferPage(i int) uint64 {
	if i < 0 || i > 4 {
		return 0
	}
	return uint64(q.Buffers[i]) &^ 0xfff
}

func unmarshalQTD(buf []byte) (q QTD) {
	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &q)
	return
}

func marshalQTD(q QTD) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, &q)
	return b.Bytes()
}

// marshalQTDToken re-encodes only the token dword, since a running
// controller is only ever permitted to write that dword (plus the
// current-qTD / overlay pointers, handled separately) back to guest
// memory for a non-overlay qTD.
func marshalQTDToken(q QTD) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, q.Token)
	return buf
}

// QH is the 48-byte Queue Head: link pointer, endpoint
// characteristics/capabilities, current-qTD pointer, and an overlay
// region shaped exactly like a qTD.
type QH struct {
	HorizLink uint32

	Chars uint32 // device addr, inactive-next, endpoint num, speed, DTC, H, MPS, C, RL
	Caps  uint32 // S-mask, C-mask, hub addr, port number, mult

	CurrentQTD uint32

	Overlay QTD
}

// QH Chars (endpoint characteristics) bit layout.
const (
	chDeviceAddr = 0 // 7 bits
	chInactive   = 7
	chEndpoint   = 8  // 4 bits
	chSpeed      = 12 // 2 bits
	chDTC        = 14
	chHead       = 15
	chMPS        = 16 // 11 bits
	chControlEP  = 27
	chNakReload  = 28 // 4 bits
)

// Speed values for the QH Chars EPS field.
const (
	SpeedFull = 0
	SpeedLow  = 1
	SpeedHigh = 2
)

func (q QH) DeviceAddress() uint32   { return fieldGet(&q.Chars, chDeviceAddr, 0x7f) }
func (q QH) EndpointNumber() uint32  { return fieldGet(&q.Chars, chEndpoint, 0xf) }
func (q QH) Speed() uint32           { return fieldGet(&q.Chars, chSpeed, 0x3) }
func (q QH) DataToggleControl() bool { return bitTest(&q.Chars, chDTC) }
func (q QH) Head() bool              { return bitTest(&q.Chars, chHead) }
func (q QH) MaxPacketSize() uint32   { return fieldGet(&q.Chars, chMPS, 0x7ff) }
func (q QH) ControlEndpoint() bool   { return bitTest(&q.Chars, chControlEP) }

func (q QH) SMask() uint32 { return fieldGet(&q.Caps, 0, 0xff) }
func (q QH) CMask() uint32 { return fieldGet(&q.Caps, 8, 0xff) }

// HeadLink returns the QH's horizontal tagged link pointer.
func (q QH) HeadLink() LinkPointer { return unmarshalLinkPointer(q.HorizLink) }

// Ready reports whether the QH should be serviced: its transfer overlay
// isn't active with a matching halted/skip condition and, for periodic
// QHs, it carries a non-zero S-mask (real interrupt QHs vs. dummy head
// sentinels some guests link in).
func (q QH) Ready(periodic bool) bool {
	if q.Overlay.Halted() {
		return false
	}
	if periodic && q.SMask() == 0 {
		return false
	}
	return q.CurrentQTD&^0xf != 0 || !q.Overlay.Active()
}

func unmarshalQH(buf []byte) (q QH) {
	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &q)
	return
}

func marshalQH(q QH) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, &q)
	return b.Bytes()
}

// ITD is the 64-byte Isochronous TD: 8 transactions plus 7 buffer-page
// pointers. An illegal PG==7 transaction reference is tolerated by
// synthesizing a safe (zero) address rather than indexing out of range.
type ITD struct {
	NextLink     uint32
	Transactions [8]uint32
	Buffers      [7]uint32
}

// ITD transaction-status bit layout.
const (
	txOffset = 0  // 12 bits
	txPage   = 12 // 3 bits
	txIOC    = 15
	txLength = 16 // 12 bits
	txStatus = 28 // 4 bits (active, buf-err, babble, xact-err)
)

const (
	itdActive  = 1 << 3
	itdBufErr  = 1 << 2
	itdBabble  = 1 << 1
	itdXactErr = 1 << 0
)

func (it ITD) TxOffset(i int) uint32 { return fieldGet(&it.Transactions[i], txOffset, 0xfff) }
func (it ITD) TxPage(i int) uint32   { return fieldGet(&it.Transactions[i], txPage, 0x7) }
func (it ITD) TxIOC(i int) bool      { return bitTest(&it.Transactions[i], txIOC) }
func (it ITD) TxLength(i int) uint32 { return fieldGet(&it.Transactions[i], txLength, 0xfff) }
func (it ITD) TxStatus(i int) uint32 { return fieldGet(&it.Transactions[i], txStatus, 0xf) }
func (it ITD) TxActive(i int) bool   { return it.TxStatus(i)&itdActive != 0 }

func (it *ITD) SetTxLength(i int, v uint32) { fieldSet(&it.Transactions[i], txLength, 0xfff, v) }
func (it *ITD) SetTxStatus(i int, v uint32) { fieldSet(&it.Transactions[i], txStatus, 0xf, v) }

// BufferPage returns transaction i's buffer page base, synthesizing a
// safe (zero) address when PG==7 is presented rather than indexing
// out of range.
func (it ITD) BufferPage(i int) uint64 {
	pg := it.TxPage(i)
	if pg > 6 {
		return 0
	}
	return uint64(it.Buffers[pg]) &^ 0xfff
}

func unmarshalITD(buf []byte) (it ITD) {
	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &it)
	return
}

func marshalITD(it ITD) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, &it)
	return b.Bytes()
}

// SITD is the 28-byte Split-transaction iTD. This core refuses to
// service split transactions: an active sITD is logged and treated as
// unrecoverable.
type SITD struct {
	NextLink uint32
	EPCaps1  uint32
	EPCaps2  uint32
	State    uint32 // Active bit, split masks, bytes-to-transfer
	Buffer0  uint32
	Buffer1  uint32
	BackLink uint32
}

func (s SITD) Active() bool { return bitTest(&s.State, 31) }

func unmarshalSITD(buf []byte) (s SITD) {
	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &s)
	return
}

// FSTN is the 8-byte Frame Span Traversal Node: parsed and ignored.
type FSTN struct {
	NextLink uint32
	BackLink uint32
}

func unmarshalFSTN(buf []byte) (f FSTN) {
	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &f)
	return
}
