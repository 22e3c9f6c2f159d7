package machine

import (
	"encoding/binary"
	"fmt"
)

const (
	// WordSize is the width of a stack slot.
	WordSize = 8
	// InterruptFrameWords is the size of an interrupt-return frame (RIP, CS, RFLAGS, RSP).
	InterruptFrameWords = 4
	// BootstrapStackWords is the size of the stack a core boots on.
	BootstrapStackWords = 512

	// minStackWords leaves room for the fresh frame plus the top guard word.
	minStackWords = SavedRegisters + 1 + InterruptFrameWords + 2
)

// Stack is a downward-growing stack of little-endian words at a fixed address.
// sp indexes the last pushed word; an empty stack has sp == Words().
type Stack struct {
	buf  []byte
	base uintptr
	sp   int
}

// NewStack lays out a never-entered stack over buf, which lives at base.
//
// The word below the top is the trampoline slot holding entry; above it sits an
// interrupt-return frame resuming at entry, and below it a zeroed register image.
// A zero entry produces a stack that cannot be switched to.
func NewStack(buf []byte, base uintptr, entry uintptr) *Stack {
	s := &Stack{buf: buf[:len(buf)&^(WordSize-1)], base: base}
	words := s.Words()
	if words < minStackWords {
		panic(fmt.Sprintf("machine: stack of %d words is too small", words))
	}
	clear(s.buf)

	top := s.topIndex()
	tramp := s.trampolineIndex()
	s.put(tramp, uint64(entry))
	s.put(top-3, uint64(entry))
	s.put(top-2, kernelCS)
	s.put(top-1, FlagReserved)
	s.put(top, uint64(s.addr(top)))

	s.sp = top - SavedRegisters - InterruptFrameWords
	s.put(tramp-1, FlagReserved) // RFLAGS slot of the register image
	return s
}

func newBootstrapStack(buf []byte, base uintptr) *Stack {
	s := &Stack{buf: buf[:len(buf)&^(WordSize-1)], base: base}
	s.sp = s.Words()
	return s
}

func (s *Stack) Words() int { return len(s.buf) / WordSize }

func (s *Stack) topIndex() int        { return s.Words() - 2 }
func (s *Stack) trampolineIndex() int { return s.topIndex() - InterruptFrameWords }

func (s *Stack) addr(i int) uintptr { return s.base + uintptr(i*WordSize) }

func (s *Stack) word(i int) uint64 {
	return binary.LittleEndian.Uint64(s.buf[i*WordSize:])
}

func (s *Stack) put(i int, v uint64) {
	binary.LittleEndian.PutUint64(s.buf[i*WordSize:], v)
}

// HasEntry reports whether the trampoline slot holds an entry address.
func (s *Stack) HasEntry() bool { return s.Words() >= minStackWords && s.word(s.trampolineIndex()) != 0 }

// Entry returns the address in the trampoline slot.
func (s *Stack) Entry() uintptr { return uintptr(s.word(s.trampolineIndex())) }

// SP returns the saved stack pointer.
func (s *Stack) SP() uintptr { return s.addr(s.sp) }

// Base returns the lowest address of the stack memory.
func (s *Stack) Base() uintptr { return s.base }

// Top returns the address just past the stack memory.
func (s *Stack) Top() uintptr { return s.base + uintptr(len(s.buf)) }

// Push stores v below the stack pointer.
func (s *Stack) Push(v uint64) {
	if s.sp == 0 {
		panic(fmt.Sprintf("machine: stack overflow at %#x", s.base))
	}
	s.sp--
	s.put(s.sp, v)
}

// Pop removes and returns the word at the stack pointer.
func (s *Stack) Pop() uint64 {
	if s.sp >= s.Words() {
		panic(fmt.Sprintf("machine: stack underflow at %#x", s.Top()))
	}
	v := s.word(s.sp)
	s.sp++
	return v
}
