package cppi

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/ardnew/am3usb/pkg"
)

// MaxDescriptors bounds the descriptor pool capacity. The queue manager's
// memory region register encodes the region size as a power of two, so the
// pool never grows after initialization.
var MaxDescriptors = 1024

// DescriptorSize is the hardware descriptor size in bytes. Descriptors must
// be aligned to their own size.
const DescriptorSize = 32

// Packet descriptor word offsets. The buffer length and pointer words are
// overwritten by hardware on reception; the original copies are not.
const (
	descControl        = 0
	descTag            = 4
	descStatus         = 8
	descBufferLength   = 12
	descBufferPointer  = 16
	descNext           = 20
	descOriginalLength = 24
	descOriginalPtr    = 28
)

// Packet descriptor control word bits.
const (
	packetControlType = 0x10 << 27
	packetLengthMask  = 0x001FFFFF
)

// Tag word: the source port occupies the top five bits.
const tagPortShift = 27

// Status word bits. The low bits carry the completion queue ID.
const (
	statusTypeUSB    = 0x5 << 26
	statusZeroLength = 1 << 19
	statusOnChip     = 1 << 14
)

// Teardown descriptor control word.
const teardownControlType = 0x13 << 27

// Descriptor is the software handle around one hardware descriptor slot.
// The submitted flag is set exactly while hardware may observe the slot
// through a submit or completion queue.
type Descriptor struct {
	mem       []byte
	physical  uint32
	index     int
	instance  int
	endpoint  int
	transmit  bool
	submitted atomic.Bool
}

// Physical returns the descriptor's physical address.
func (d *Descriptor) Physical() uint32 {
	return d.physical
}

// Submitted reports whether hardware may currently observe the descriptor.
func (d *Descriptor) Submitted() bool {
	return d.submitted.Load()
}

func (d *Descriptor) writeWord(offset int, value uint32) {
	binary.LittleEndian.PutUint32(d.mem[offset:], value)
}

func (d *Descriptor) readWord(offset int) uint32 {
	return binary.LittleEndian.Uint32(d.mem[offset:])
}

// pool hands out fixed-size descriptor slots from one physically contiguous
// region. Slots have stable physical addresses for their whole life.
type pool struct {
	mu       sync.Mutex
	mem      []byte
	physical uint32
	count    int
	free     []int
}

func newPool(mem []byte, physical uint32) (*pool, error) {
	if physical%DescriptorSize != 0 {
		return nil, fmt.Errorf("%w: descriptor region not %d-byte aligned",
			pkg.ErrInvalidConfiguration, DescriptorSize)
	}

	capacity := len(mem) / DescriptorSize
	if capacity > MaxDescriptors {
		capacity = MaxDescriptors
	}
	if capacity == 0 {
		return nil, fmt.Errorf("%w: descriptor region too small",
			pkg.ErrInvalidConfiguration)
	}

	// The memory region register encodes the region size as a power of two,
	// so excess slots beyond the largest power of two are unusable.
	capacity = 1 << (bits.Len(uint(capacity)) - 1)

	p := &pool{
		mem:      mem,
		physical: physical,
		count:    capacity,
		free:     make([]int, capacity),
	}

	for i := range p.free {
		p.free[i] = capacity - 1 - i
	}

	return p, nil
}

func (p *pool) capacity() int {
	return p.count
}

// allocate returns a free slot's memory view and physical address.
func (p *pool) allocate() ([]byte, uint32, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: descriptor pool exhausted",
			pkg.ErrResourceExhausted)
	}

	index := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	offset := index * DescriptorSize
	mem := p.mem[offset : offset+DescriptorSize]
	return mem, p.physical + uint32(offset), index, nil
}

// release returns a slot to the pool.
func (p *pool) release(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, index)
}
