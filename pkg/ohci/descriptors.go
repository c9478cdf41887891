package ohci

import (
	"bytes"
	"encoding/binary"
)

// Descriptor sizes and pointer-field bit layouts.
const (
	EDSize   = 16
	TDSize   = 16
	ITDSize  = 32
	HCCASize = 256

	// ED head-pointer low bits.
	edHeadHalted = 0
	edHeadCarry  = 1
	edPtrMask    = ^uint32(0xf)

	tdErrorsMax = 4 // TD_ERRORS_MAX; retire once the counter reaches 3.
)

// OHCI condition codes (HcTD.CC / HcITD.CC).
type ConditionCode int

const (
	CCNoError ConditionCode = iota
	CCCRC
	CCBitStuffing
	CCDataToggleMismatch
	CCStall
	CCDeviceNotResponding
	CCPIDCheckFailure
	CCUnexpectedPID
	CCDataOverrun
	CCDataUnderrun
	_
	_
	CCBufferOverrun
	CCBufferUnderrun
	CCNotAccessed1
	CCNotAccessed2
)

// ED is the 16-byte Endpoint Descriptor.
type ED struct {
	Word0  uint32 // function/endpoint addr, direction, speed, skip, format, MPS
	TailP  uint32
	HeadP  uint32 // head pointer | halted | carry, low 4 bits
	NextED uint32
}

func (e ED) FunctionAddress() uint32 { return fieldGet(&e.Word0, 0, 0x7f) }
func (e ED) EndpointNumber() uint32  { return fieldGet(&e.Word0, 7, 0xf) }
func (e ED) DirectionHint() uint32   { return fieldGet(&e.Word0, 11, 0x3) }
func (e ED) LowSpeed() bool          { return bitTest(&e.Word0, 13) }
func (e ED) Skip() bool              { return bitTest(&e.Word0, 14) }
func (e ED) IsIsochronous() bool     { return bitTest(&e.Word0, 15) }
func (e ED) MaxPacketSize() uint32   { return fieldGet(&e.Word0, 16, 0x7ff) }

func (e ED) HeadPtr() uint32 { return e.HeadP & edPtrMask }
func (e ED) Halted() bool    { return bitTest(&e.HeadP, edHeadHalted) }
func (e ED) Carry() bool     { return bitTest(&e.HeadP, edHeadCarry) }
func (e ED) TailPtr() uint32 { return e.TailP & edPtrMask }

// Ready reports whether the ED is ready for service: HeadP != TailP,
// not halted, not skipped.
func (e ED) Ready() bool {
	return e.HeadPtr() != e.TailPtr() && !e.Halted() && !e.Skip()
}

func unmarshalED(buf []byte) (e ED) {
	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &e)
	return
}

func marshalED(e ED) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, &e)
	return b.Bytes()
}

// TD is the 16-byte General Transfer Descriptor. On completion the
// controller writes back Word0 (toggle, error count, CC) and CBP, and
// pushDone links NextTD into the done chain; BE is never written.
type TD struct {
	Word0  uint32 // rounding, direction/PID, IOC, toggle, error count, CC
	CBP    uint32 // current buffer pointer
	NextTD uint32
	BE     uint32 // buffer end
}

func (t TD) Rounding() bool         { return bitTest(&t.Word0, 18) }
func (t TD) DirectionPID() uint32   { return fieldGet(&t.Word0, 19, 0x3) }
func (t TD) DelayInterrupt() uint32 { return fieldGet(&t.Word0, 21, 0x7) }
func (t TD) DataToggle() uint32     { return fieldGet(&t.Word0, 24, 0x3) }
func (t TD) ErrorCount() uint32     { return fieldGet(&t.Word0, 26, 0x3) }
func (t TD) ConditionCode() ConditionCode {
	return ConditionCode(fieldGet(&t.Word0, 28, 0xf))
}

func (t *TD) SetErrorCount(v uint32) { fieldSet(&t.Word0, 26, 0x3, v) }
func (t *TD) SetConditionCode(cc ConditionCode) {
	fieldSet(&t.Word0, 28, 0xf, uint32(cc))
}
func (t *TD) SetDataToggle(v uint32) { fieldSet(&t.Word0, 24, 0x3, v) }

// TransferLength returns the number of bytes still described by CBP/BE,
// honoring the "cbp==0 && be==0 means zero length" edge case.
func (t TD) TransferLength() int {
	if t.CBP == 0 && t.BE == 0 {
		return 0
	}
	if t.CBP == 0 {
		return 0
	}
	// Same-page or cross-page length, depending on whether CBP and BE
	// fall in the same 4K page.
	if (t.CBP &^ 0xfff) == (t.BE &^ 0xfff) {
		return int(t.BE-t.CBP) + 1
	}
	firstPage := int(0x1000 - (t.CBP & 0xfff))
	secondPage := int(t.BE&0xfff) + 1
	return firstPage + secondPage
}

func unmarshalTD(buf []byte) (t TD) {
	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &t)
	return
}

func marshalTD(t TD) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, &t)
	return b.Bytes()
}

// marshalTDWord0 re-encodes only the first word, for write-backs that
// leave the rest of the TD untouched.
func marshalTDWord0(t TD) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, t.Word0)
	return buf
}

// ITD is the 32-byte Isochronous Transfer Descriptor.
type ITD struct {
	Word0  uint32 // starting frame, delay interrupt, frame count, CC
	BP0    uint32 // buffer page 0
	NextTD uint32
	BE     uint32 // buffer end
	PSW    [8]uint16
}

func (it ITD) StartingFrame() uint32  { return fieldGet(&it.Word0, 0, 0xffff) }
func (it ITD) DelayInterrupt() uint32 { return fieldGet(&it.Word0, 21, 0x7) }
func (it ITD) FrameCount() uint32     { return fieldGet(&it.Word0, 24, 0x7) }
func (it ITD) ConditionCode() ConditionCode {
	return ConditionCode(fieldGet(&it.Word0, 28, 0xf))
}
func (it *ITD) SetConditionCode(cc ConditionCode) {
	fieldSet(&it.Word0, 28, 0xf, uint32(cc))
}

// PSWOffset returns packet i's 12-bit offset field.
func (it ITD) PSWOffset(i int) uint32 { return uint32(it.PSW[i]) & 0x0fff }

// PSWConditionCode returns packet i's condition code field.
func (it ITD) PSWConditionCode(i int) ConditionCode {
	return ConditionCode((it.PSW[i] >> 12) & 0xf)
}

// PSWSize returns packet i's size field (only meaningful once retired:
// the CC/Size union is written back by the completion retirer).
func (it ITD) PSWSize(i int) uint16 { return it.PSW[i] & 0x0fff }

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

// HCCA is the 256-byte Host Controller Communication Area.
type HCCA struct {
	InterruptTable [32]uint32
	FrameNumber    uint16
	Pad            uint16
	DoneHead       uint32
	Reserved       [120]byte
}

func unmarshalHCCA(buf []byte) (h HCCA) {
	r := bytes.NewReader(buf)
	binary.Read(r, binary.LittleEndian, &h)
	return
}

func marshalHCCA(h HCCA) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, &h)
	return b.Bytes()
}
