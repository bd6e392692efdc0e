package mmio

import (
	"encoding/binary"
	"sync"
)

// Sim is a Region backed by plain memory with optional read and write hooks,
// used by tests and bring-up tooling to model register side effects such as
// destructive reads from hardware queues or write-to-clear status bits.
//
// A hook that returns handled=true fully services the access; otherwise the
// access falls through to the backing memory. All accesses are little-endian,
// matching the AM335x interconnect.
type Sim struct {
	mu  sync.Mutex
	mem []byte

	// ReadHook, if set, intercepts register reads. width is 1, 2, or 4.
	ReadHook func(offset uint32, width int) (value uint32, handled bool)

	// WriteHook, if set, intercepts register writes. width is 1, 2, or 4.
	WriteHook func(offset uint32, width int, value uint32) (handled bool)
}

// NewSim creates a simulated register region of the given size.
func NewSim(size uint32) *Sim {
	return &Sim{mem: make([]byte, size)}
}

func (s *Sim) read(offset uint32, width int) uint32 {
	s.mu.Lock()
	hook := s.ReadHook
	s.mu.Unlock()
	if hook != nil {
		if v, ok := hook(offset, width); ok {
			return v
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch width {
	case 1:
		return uint32(s.mem[offset])
	case 2:
		return uint32(binary.LittleEndian.Uint16(s.mem[offset:]))
	default:
		return binary.LittleEndian.Uint32(s.mem[offset:])
	}
}

func (s *Sim) write(offset uint32, width int, value uint32) {
	s.mu.Lock()
	hook := s.WriteHook
	s.mu.Unlock()
	if hook != nil {
		if hook(offset, width, value) {
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch width {
	case 1:
		s.mem[offset] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(s.mem[offset:], uint16(value))
	default:
		binary.LittleEndian.PutUint32(s.mem[offset:], value)
	}
}

// Read8 reads a byte register.
func (s *Sim) Read8(offset uint32) uint8 { return uint8(s.read(offset, 1)) }

// Write8 writes a byte register.
func (s *Sim) Write8(offset uint32, value uint8) { s.write(offset, 1, uint32(value)) }

// Read16 reads a halfword register.
func (s *Sim) Read16(offset uint32) uint16 { return uint16(s.read(offset, 2)) }

// Write16 writes a halfword register.
func (s *Sim) Write16(offset uint32, value uint16) { s.write(offset, 2, uint32(value)) }

// Read32 reads a word register.
func (s *Sim) Read32(offset uint32) uint32 { return s.read(offset, 4) }

// Write32 writes a word register.
func (s *Sim) Write32(offset uint32, value uint32) { s.write(offset, 4, value) }

// Set stores a word directly in backing memory, bypassing hooks. Tests use
// this to stage register state.
func (s *Sim) Set(offset uint32, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	binary.LittleEndian.PutUint32(s.mem[offset:], value)
}

// Get loads a word directly from backing memory, bypassing hooks.
func (s *Sim) Get(offset uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return binary.LittleEndian.Uint32(s.mem[offset:])
}
