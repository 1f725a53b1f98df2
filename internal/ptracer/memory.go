package ptracer

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

var nativeEndian = binary.LittleEndian //nolint:gochecknoglobals

// WordIO is the single fallible primitive the memory transport is built on:
// transfer of exactly one machine word between the tracer and a tracee
// address. Having it as an interface keeps the over-read and partial-write
// logic testable without a live tracee.
type WordIO interface {
	PeekWord(addr uintptr) (uint64, errors.E)
	PokeWord(addr uintptr, word uint64) errors.E
}

type ptraceWordIO struct {
	tid int
}

func (p ptraceWordIO) PeekWord(addr uintptr) (uint64, errors.E) {
	var word [wordSize]byte
	_, err := unix.PtracePeekData(p.tid, addr, word[:])
	if err != nil {
		return 0, errors.Errorf("ptrace peekdata tid %d addr %#x: %w", p.tid, addr, err)
	}
	return nativeEndian.Uint64(word[:]), nil
}

func (p ptraceWordIO) PokeWord(addr uintptr, word uint64) errors.E {
	var buf [wordSize]byte
	nativeEndian.PutUint64(buf[:], word)
	_, err := unix.PtracePokeData(p.tid, addr, buf[:])
	if err != nil {
		return errors.Errorf("ptrace pokedata tid %d addr %#x: %w", p.tid, addr, err)
	}
	return nil
}

// Memory reads and writes arbitrary spans of a tracee's memory through the
// word transfer primitive. These are the only operations which touch tracee
// memory; every higher component routes through them.
type Memory struct {
	io WordIO
}

// NewMemory returns a Memory on top of an arbitrary word transfer
// primitive.
func NewMemory(io WordIO) *Memory {
	return &Memory{io: io}
}

// Memory returns the tracee's memory, backed by ptrace peek/poke against
// this thread.
func (t *Tracee) Memory() *Memory {
	return NewMemory(ptraceWordIO{tid: t.Tid})
}

// ReadBytes reads length bytes starting at addr. The final word transfer
// may read past addr+length in the tracee, but only the remaining bytes are
// copied out so the over-read never reaches the returned buffer.
func (m *Memory) ReadBytes(addr uintptr, length int) ([]byte, errors.E) {
	data := make([]byte, length)
	var word [wordSize]byte
	for transferred := 0; transferred < length; transferred += wordSize {
		w, err := m.io.PeekWord(addr + uintptr(transferred))
		if err != nil {
			return nil, err
		}
		nativeEndian.PutUint64(word[:], w)
		copy(data[transferred:], word[:])
	}
	return data, nil
}

// WriteBytes writes data starting at addr. Full words are transferred
// directly. A final partial word is merged with the existing tracee memory
// first: the word is read back, the leading bytes are spliced in, and the
// merged word is written, so bytes past addr+len(data) are never clobbered.
func (m *Memory) WriteBytes(addr uintptr, data []byte) errors.E {
	transferred := 0
	for ; len(data)-transferred >= wordSize; transferred += wordSize {
		word := nativeEndian.Uint64(data[transferred:])
		err := m.io.PokeWord(addr+uintptr(transferred), word)
		if err != nil {
			return err
		}
	}

	rest := len(data) - transferred
	if rest == 0 {
		return nil
	}

	wordAddr := addr + uintptr(transferred)
	existing, err := m.io.PeekWord(wordAddr)
	if err != nil {
		return err
	}
	var word [wordSize]byte
	nativeEndian.PutUint64(word[:], existing)
	copy(word[:rest], data[transferred:])
	return m.io.PokeWord(wordAddr, nativeEndian.Uint64(word[:]))
}

// ReadCString reads successive words starting at addr until the first zero
// byte and returns everything before it. The zero byte need not be word
// aligned. If the address does not point at a null-terminated string this
// keeps reading until the transport fails; that is the caller's bug.
func (m *Memory) ReadCString(addr uintptr) (string, errors.E) {
	var str []byte
	var word [wordSize]byte
	for {
		w, err := m.io.PeekWord(addr + uintptr(len(str)))
		if err != nil {
			return "", err
		}
		nativeEndian.PutUint64(word[:], w)
		if i := bytes.IndexByte(word[:], 0); i >= 0 {
			return string(append(str, word[:i]...)), nil
		}
		str = append(str, word[:]...)
	}
}

// Read reads a value of type T from the tracee at addr. Pointers inside T
// still point into the tracee's address space and have to be fetched
// separately.
func Read[T any](m *Memory, addr uintptr) (T, errors.E) {
	var value T
	data, err := m.ReadBytes(addr, int(unsafe.Sizeof(value)))
	if err != nil {
		return value, err
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&value)), len(data)), data)
	return value, nil
}

// Write writes a value of type T to the tracee at addr.
func Write[T any](m *Memory, addr uintptr, value T) errors.E {
	data := unsafe.Slice((*byte)(unsafe.Pointer(&value)), unsafe.Sizeof(value))
	return m.WriteBytes(addr, data)
}
