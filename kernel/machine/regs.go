package machine

import "encoding/binary"

// Registers is the part of the register file a context switch preserves:
// the flags word and the callee-saved general registers.
type Registers struct {
	RFLAGS uint64
	RBX    uint64
	RBP    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
}

const (
	// FlagReserved is RFLAGS bit 1, which always reads as one.
	FlagReserved uint64 = 1 << 1
	// FlagIF is the interrupt-enable flag.
	FlagIF uint64 = 1 << 9

	kernelCS = 0x08
)

// SavedRegisters is the number of words a switch pushes for Registers.
const SavedRegisters = 7

// FXAreaSize is the size of an FXSAVE image.
const FXAreaSize = 512

// FXAreaAlign is the alignment FXSAVE requires of its operand.
const FXAreaAlign = 16

const (
	fxFCW   = 0
	fxMXCSR = 24
	fxXMM   = 160

	defaultFCW   = 0x037F
	defaultMXCSR = 0x1F80
)

// FPUState is the x87/SSE state of a core in FXSAVE layout.
type FPUState [FXAreaSize]byte

// reset puts the unit in the state FNINIT leaves it in, with MXCSR at its
// power-on value.
func (f *FPUState) reset() {
	*f = FPUState{}
	binary.LittleEndian.PutUint16(f[fxFCW:], defaultFCW)
	binary.LittleEndian.PutUint32(f[fxMXCSR:], defaultMXCSR)
}

// ControlWord returns the x87 control word.
func (f *FPUState) ControlWord() uint16 { return binary.LittleEndian.Uint16(f[fxFCW:]) }

// SetControlWord loads the x87 control word.
func (f *FPUState) SetControlWord(v uint16) { binary.LittleEndian.PutUint16(f[fxFCW:], v) }

// MXCSR returns the SSE control/status register.
func (f *FPUState) MXCSR() uint32 { return binary.LittleEndian.Uint32(f[fxMXCSR:]) }

// XMM returns register xmm<n>.
func (f *FPUState) XMM(n int) [16]byte {
	var v [16]byte
	copy(v[:], f[fxXMM+16*n:])
	return v
}

// SetXMM loads register xmm<n>.
func (f *FPUState) SetXMM(n int, v [16]byte) {
	copy(f[fxXMM+16*n:fxXMM+16*n+16], v[:])
}

// Clean reports whether the unit is in its freshly initialized state.
func (f *FPUState) Clean() bool {
	var want FPUState
	want.reset()
	return *f == want
}
