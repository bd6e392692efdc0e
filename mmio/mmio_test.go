package mmio

import (
	"testing"
)

// =============================================================================
// Mem Tests
// =============================================================================

func TestMem_WidthsAndOffsets(t *testing.T) {
	m := NewMem(make([]byte, 64))

	m.Write8(1, 0xAB)
	if got := m.Read8(1); got != 0xAB {
		t.Errorf("Read8(1) = %#x, want 0xAB", got)
	}

	m.Write16(2, 0x1234)
	if got := m.Read16(2); got != 0x1234 {
		t.Errorf("Read16(2) = %#x, want 0x1234", got)
	}

	m.Write32(4, 0xDEADBEEF)
	if got := m.Read32(4); got != 0xDEADBEEF {
		t.Errorf("Read32(4) = %#x, want 0xDEADBEEF", got)
	}

	// A word write is observable through narrower reads (little endian).
	if got := m.Read8(4); got != 0xEF {
		t.Errorf("Read8(4) = %#x, want 0xEF", got)
	}
	if got := m.Read16(6); got != 0xDEAD {
		t.Errorf("Read16(6) = %#x, want 0xDEAD", got)
	}
}

// =============================================================================
// Window Tests
// =============================================================================

func TestWindow_Offsets(t *testing.T) {
	m := NewMem(make([]byte, 0x100))
	w := Window(m, 0x40)

	w.Write32(0x10, 0xCAFEF00D)
	if got := m.Read32(0x50); got != 0xCAFEF00D {
		t.Errorf("parent Read32(0x50) = %#x, want 0xCAFEF00D", got)
	}
	if got := w.Read32(0x10); got != 0xCAFEF00D {
		t.Errorf("window Read32(0x10) = %#x, want 0xCAFEF00D", got)
	}
}

func TestWindow_Nested(t *testing.T) {
	m := NewMem(make([]byte, 0x100))
	outer := Window(m, 0x20)
	inner := Window(outer, 0x10)

	inner.Write16(4, 0xBEEF)
	if got := m.Read16(0x34); got != 0xBEEF {
		t.Errorf("parent Read16(0x34) = %#x, want 0xBEEF", got)
	}

	// Nested windows collapse to a single indirection.
	if w, ok := inner.(*window); !ok || w.parent != m {
		t.Error("nested window did not collapse to root parent")
	}
}

// =============================================================================
// Sim Tests
// =============================================================================

func TestSim_BackingMemory(t *testing.T) {
	s := NewSim(0x100)
	s.Write32(0x10, 0x11223344)
	if got := s.Read32(0x10); got != 0x11223344 {
		t.Errorf("Read32(0x10) = %#x, want 0x11223344", got)
	}
	if got := s.Get(0x10); got != 0x11223344 {
		t.Errorf("Get(0x10) = %#x, want 0x11223344", got)
	}
}

func TestSim_ReadHook(t *testing.T) {
	s := NewSim(0x100)
	s.Set(0x20, 0x5555)
	s.ReadHook = func(offset uint32, width int) (uint32, bool) {
		if offset == 0x20 {
			return 0xAAAA, true
		}
		return 0, false
	}

	if got := s.Read32(0x20); got != 0xAAAA {
		t.Errorf("hooked Read32(0x20) = %#x, want 0xAAAA", got)
	}
	if got := s.Read32(0x24); got != 0 {
		t.Errorf("unhooked Read32(0x24) = %#x, want 0", got)
	}
}

func TestSim_WriteHook(t *testing.T) {
	s := NewSim(0x100)
	var log []uint32
	s.WriteHook = func(offset uint32, width int, value uint32) bool {
		log = append(log, value)
		return offset == 0x30 // swallow writes to 0x30 only
	}

	s.Write32(0x30, 1)
	s.Write32(0x34, 2)

	if len(log) != 2 || log[0] != 1 || log[1] != 2 {
		t.Errorf("write log = %v, want [1 2]", log)
	}
	if got := s.Get(0x30); got != 0 {
		t.Errorf("swallowed write landed: Get(0x30) = %#x", got)
	}
	if got := s.Get(0x34); got != 2 {
		t.Errorf("Get(0x34) = %#x, want 2", got)
	}
}
