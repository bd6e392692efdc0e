package mmio

import "unsafe"

// Region is a window of memory-mapped device registers addressed by byte
// offset. Implementations must tolerate 8-, 16-, and 32-bit accesses at any
// naturally aligned offset within the window.
type Region interface {
	Read8(offset uint32) uint8
	Write8(offset uint32, value uint8)
	Read16(offset uint32) uint16
	Write16(offset uint32, value uint16)
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// Mem is a Region backed by a byte slice, typically a /dev/mem or UIO
// mapping. Accesses go through unsafe pointers so the compiler emits real
// loads and stores of the requested width rather than byte-wise copies.
type Mem struct {
	buf []byte
}

// NewMem wraps the given byte slice as a register region.
func NewMem(buf []byte) *Mem {
	return &Mem{buf: buf}
}

// Size returns the size of the region in bytes.
func (m *Mem) Size() uint32 {
	return uint32(len(m.buf))
}

// Read8 reads a byte register.
func (m *Mem) Read8(offset uint32) uint8 {
	return *(*uint8)(unsafe.Pointer(&m.buf[offset]))
}

// Write8 writes a byte register.
func (m *Mem) Write8(offset uint32, value uint8) {
	*(*uint8)(unsafe.Pointer(&m.buf[offset])) = value
}

// Read16 reads a halfword register.
func (m *Mem) Read16(offset uint32) uint16 {
	return *(*uint16)(unsafe.Pointer(&m.buf[offset]))
}

// Write16 writes a halfword register.
func (m *Mem) Write16(offset uint32, value uint16) {
	*(*uint16)(unsafe.Pointer(&m.buf[offset])) = value
}

// Read32 reads a word register.
func (m *Mem) Read32(offset uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(&m.buf[offset]))
}

// Write32 writes a word register.
func (m *Mem) Write32(offset uint32, value uint32) {
	*(*uint32)(unsafe.Pointer(&m.buf[offset])) = value
}

// window is a sub-range of a parent region at a fixed base offset.
type window struct {
	parent Region
	base   uint32
}

// Window returns a Region whose offset 0 corresponds to base within the
// parent region. Windows may be nested.
func Window(parent Region, base uint32) Region {
	if w, ok := parent.(*window); ok {
		return &window{parent: w.parent, base: w.base + base}
	}
	return &window{parent: parent, base: base}
}

func (w *window) Read8(offset uint32) uint8          { return w.parent.Read8(w.base + offset) }
func (w *window) Write8(offset uint32, value uint8)  { w.parent.Write8(w.base+offset, value) }
func (w *window) Read16(offset uint32) uint16        { return w.parent.Read16(w.base + offset) }
func (w *window) Write16(offset uint32, value uint16) { w.parent.Write16(w.base+offset, value) }
func (w *window) Read32(offset uint32) uint32        { return w.parent.Read32(w.base + offset) }
func (w *window) Write32(offset uint32, value uint32) { w.parent.Write32(w.base+offset, value) }
