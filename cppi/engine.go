package cppi

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/ardnew/am3usb/mmio"
	"github.com/ardnew/am3usb/pkg"
)

// Timeouts for hardware responses. A timeout indicates a hardware fault and
// is fatal to the transfer.
var (
	ReapTimeout     = time.Second
	TeardownTimeout = 5 * time.Second
)

// CompletionFunc is invoked from interrupt dispatch when a channel's
// completion queue goes non-empty. The endpoint index is zero based (USB
// endpoint minus one).
type CompletionFunc func(dmaEndpoint int, transmit bool)

// TeardownRequestFunc asks the USB OTG control module to assert the
// per-endpoint teardown bit while a channel teardown is in progress.
type TeardownRequestFunc func(instance, endpoint int, transmit bool)

// Config carries the resources the engine needs. The descriptor and link
// regions must be physically contiguous, non-cached, and addressable by the
// 32-bit DMA engine.
type Config struct {
	Regs mmio.Region // CPPI register window

	DescriptorMem  []byte
	DescriptorPhys uint32

	LinkMem  []byte
	LinkPhys uint32
}

// Engine is the CPPI 4.1 DMA controller shared by both MUSB instances.
type Engine struct {
	regs      mmio.Region
	scheduler mmio.Region
	queue     mmio.Region
	linkPhys  uint32
	pool      *pool

	// teardownMu serializes channel teardown. Teardown rewrites per-channel
	// control registers and shares the single teardown queue.
	teardownMu sync.Mutex

	completions     [InstanceCount]CompletionFunc
	requestTeardown TeardownRequestFunc
}

// NewEngine creates the engine state over the given register window and DMA
// memory. It does not touch hardware; call Reset to program the controller.
func NewEngine(config Config) (*Engine, error) {
	if config.Regs == nil {
		return nil, fmt.Errorf("%w: nil register window",
			pkg.ErrInvalidConfiguration)
	}

	pool, err := newPool(config.DescriptorMem, config.DescriptorPhys)
	if err != nil {
		return nil, err
	}

	if len(config.LinkMem) < pool.capacity()*4 {
		return nil, fmt.Errorf("%w: link region too small for %d descriptors",
			pkg.ErrInvalidConfiguration, pool.capacity())
	}

	engine := &Engine{
		regs:      config.Regs,
		scheduler: mmio.Window(config.Regs, schedulerOffset),
		queue:     mmio.Window(config.Regs, queueOffset),
		linkPhys:  config.LinkPhys,
		pool:      pool,
	}

	return engine, nil
}

// RegisterCompletion installs the completion callback for one MUSB instance.
func (e *Engine) RegisterCompletion(instance int, fn CompletionFunc) {
	e.completions[instance] = fn
}

// SetTeardownRequester installs the USB OTG control module hook used during
// channel teardown.
func (e *Engine) SetTeardownRequester(fn TeardownRequestFunc) {
	e.requestTeardown = fn
}

// Reset programs the queue manager, the per-channel configuration, and the
// scheduler. The controller is ready to move packets afterwards.
func (e *Engine) Reset() {
	capacity := e.pool.capacity()

	// Linking RAM region 0 must cover the whole descriptor region. If it
	// does not, the controller silently spills into the unprogrammed link
	// RAM 1.
	e.queue.Write32(regQueueLinkRam0Base, e.linkPhys)
	e.queue.Write32(regQueueLinkRam0Size, uint32(capacity*4))
	e.queue.Write32(regQueueLinkRam1Base, 0)

	// Descriptor memory region 0. Sizes are encoded as 2^(5 + value).
	e.queue.Write32(regQueueMemoryBase0, e.pool.physical)
	descBits := uint32(bits.TrailingZeros32(DescriptorSize))
	regionBits := uint32(bits.TrailingZeros32(uint32(capacity * DescriptorSize)))
	e.queue.Write32(regQueueMemoryControl,
		(descBits-5)<<8|(regionBits-5))

	for instance := 0; instance < InstanceCount; instance++ {
		for endpoint := 0; endpoint < EndpointCount; endpoint++ {
			p := port(instance, endpoint)

			free := uint32(freeQueue(instance, endpoint))
			free |= free << 16
			e.regs.Write32(portRegister(regRxChannelA0, p), free)
			e.regs.Write32(portRegister(regRxChannelB0, p), free)

			e.regs.Write32(portRegister(regRxControl0, p),
				e.rxControl(instance, endpoint))

			e.regs.Write32(portRegister(regTxControl0, p),
				e.txControl(instance, endpoint))
		}
	}

	e.regs.Write32(regTeardownFreeQ, teardownQueue)

	// Equal-weight round robin schedule: every TX and RX channel of both
	// instances gets one slot.
	for index := 0; index < schedulerEntryCount/16; index++ {
		word := uint32(0x03020100 + 0x04040404*index)
		base := regSchedulerWord0 + uint32(index*16)
		e.scheduler.Write32(base, word)
		e.scheduler.Write32(base+4, word|scheduleWordReadMask)
		word |= 0x10101010
		e.scheduler.Write32(base+8, word)
		e.scheduler.Write32(base+12, word|scheduleWordReadMask)
	}

	e.scheduler.Write32(regSchedulerControl,
		schedulerControlEnable|(schedulerEntryCount-1))

	pkg.LogDebug(pkg.ComponentCPPI, "engine reset",
		"descriptors", capacity)
}

// rxControl builds the full RX channel control word. The register is mostly
// write-only, so every write carries the complete configuration.
func (e *Engine) rxControl(instance, endpoint int) uint32 {
	return uint32(rxCompletionQueue(instance, endpoint)) |
		rxControlEnable | rxControlErrorHandling | rxControlDescriptorHost
}

// txControl builds the full TX channel control word.
func (e *Engine) txControl(instance, endpoint int) uint32 {
	return uint32(txCompletionQueue(instance, endpoint)) | txControlEnable
}

// CreateDescriptor allocates a descriptor slot for an instance and returns
// its handle with the immutable members filled in.
func (e *Engine) CreateDescriptor(instance int) (*Descriptor, error) {
	mem, physical, index, err := e.pool.allocate()
	if err != nil {
		return nil, err
	}

	return &Descriptor{
		mem:      mem,
		physical: physical,
		index:    index,
		instance: instance,
	}, nil
}

// InitializeDescriptor fills in the mutable packet fields for one transfer.
// The endpoint index is zero based. A zero-size buffer produces a
// zero-length packet; hardware still requires a non-zero buffer length.
func (e *Engine) InitializeDescriptor(d *Descriptor, dmaEndpoint int, transmit bool, bufferPhysical uint32, bufferSize int) {
	status := uint32(statusTypeUSB | statusOnChip)
	if bufferSize == 0 {
		status |= statusZeroLength
		bufferSize = 1
	}

	if transmit {
		d.writeWord(descControl, packetControlType|uint32(bufferSize))
		status |= uint32(txCompletionQueue(d.instance, dmaEndpoint))
	} else {
		d.writeWord(descControl, packetControlType)
		status |= uint32(rxCompletionQueue(d.instance, dmaEndpoint))
	}

	d.writeWord(descTag, uint32(dmaEndpoint+1)<<tagPortShift)
	d.writeWord(descStatus, status)
	d.writeWord(descNext, 0)
	d.writeWord(descBufferLength, uint32(bufferSize))
	d.writeWord(descBufferPointer, bufferPhysical)
	d.writeWord(descOriginalLength, uint32(bufferSize)|(1<<31)|(1<<30))
	d.writeWord(descOriginalPtr, bufferPhysical)
	d.endpoint = dmaEndpoint
	d.transmit = transmit
}

// SubmitDescriptor pushes the descriptor onto its submit queue: the TX queue
// for transmit, the free queue for receive.
func (e *Engine) SubmitDescriptor(d *Descriptor) {
	var queue int
	if d.transmit {
		queue = txQueue(d.instance, d.endpoint)
	} else {
		queue = freeQueue(d.instance, d.endpoint)
	}

	// The bottom 5 bits encode the descriptor length in 4-byte units,
	// starting at 24.
	value := d.physical | (DescriptorSize-24)/4
	d.submitted.Store(true)
	e.queue.Write32(queueControl(queue), value)
}

// ReapCompletedDescriptor pulls the descriptor off its completion queue and
// returns the completed byte count. The caller knows the transfer finished;
// the pend poll only rides out the small window between the endpoint
// interrupt and the queue update.
func (e *Engine) ReapCompletedDescriptor(d *Descriptor) (int, error) {
	var queue int
	if d.transmit {
		queue = txCompletionQueue(d.instance, d.endpoint)
	} else {
		queue = rxCompletionQueue(d.instance, d.endpoint)
	}

	pendOffset, pendBit := pendRegister(queue)
	var deadline time.Time
	var pend uint32
	for {
		pend = e.queue.Read32(pendOffset)
		if pend&(1<<pendBit) != 0 {
			break
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(ReapTimeout)
		} else if time.Now().After(deadline) {
			break
		}
	}

	if pend&(1<<pendBit) == 0 {
		// The completion queue never went non-empty. Check the submit
		// queue to recover the descriptor if DMA never started it; any
		// other descriptor popped here is lost.
		pkg.LogError(pkg.ComponentCPPI, "descriptor missing from completion queue",
			"queue", queue, "physical", d.physical)

		submitQueue := txQueue(d.instance, d.endpoint)
		popped := e.queue.Read32(queueControl(submitQueue)) & queueAddressMask
		if popped == d.physical {
			d.submitted.Store(false)
		}

		return 0, fmt.Errorf("%w: descriptor 0x%x not on completion queue %d",
			pkg.ErrDeviceIO, d.physical, queue)
	}

	popped := e.queue.Read32(queueControl(queue)) & queueAddressMask
	if popped != d.physical {
		pkg.LogError(pkg.ComponentCPPI, "reaped unexpected descriptor",
			"queue", queue, "popped", popped, "expected", d.physical)

		return 0, fmt.Errorf("%w: unexpected descriptor 0x%x on queue %d",
			pkg.ErrDeviceIO, popped, queue)
	}

	d.submitted.Store(false)
	if d.readWord(descStatus)&statusZeroLength != 0 {
		return 0, nil
	}

	return int(d.readWord(descControl) & packetLengthMask), nil
}

// TearDownDescriptor aborts an in-flight descriptor by flushing its channel
// with a sentinel teardown descriptor. The channel is reprogrammed and ready
// for new submissions on return.
func (e *Engine) TearDownDescriptor(d *Descriptor) error {
	teardown, err := e.CreateDescriptor(d.instance)
	if err != nil {
		return err
	}
	defer e.DestroyDescriptor(teardown)

	e.teardownMu.Lock()
	defer e.teardownMu.Unlock()

	e.submitTeardownDescriptor(teardown)

	instance := d.instance
	endpoint := d.endpoint
	p := port(instance, endpoint)

	var control uint32
	var controlReg uint32
	var queue, submitQueue int
	if d.transmit {
		control = e.txControl(instance, endpoint)
		controlReg = portRegister(regTxControl0, p)
		e.regs.Write32(controlReg, control|txControlTeardown)
		queue = txCompletionQueue(instance, endpoint)
		submitQueue = txQueue(instance, endpoint)
	} else {
		control = e.rxControl(instance, endpoint)
		controlReg = portRegister(regRxControl0, p)
		e.regs.Write32(controlReg, control|rxControlTeardown)
		queue = rxCompletionQueue(instance, endpoint)
		submitQueue = freeQueue(instance, endpoint)
	}

	deadline := time.Now().Add(TeardownTimeout)
	err = nil
	for {
		// The MUSB side holds a teardown bit in the USB OTG control
		// module; keep it asserted until the sentinel comes back.
		if e.requestTeardown != nil {
			e.requestTeardown(instance, endpoint, d.transmit)
		}

		popped := e.queue.Read32(queueControl(queue)) & queueAddressMask
		switch popped {
		case 0:
			if time.Now().After(deadline) {
				pkg.LogError(pkg.ComponentCPPI, "teardown timeout",
					"instance", instance, "endpoint", endpoint,
					"transmit", d.transmit)

				err = fmt.Errorf("%w: teardown timeout on endpoint %d",
					pkg.ErrDeviceIO, endpoint)
			}

		case d.physical:
			// The original descriptor surfaces first.
			d.submitted.Store(false)
			continue

		case teardown.physical:
			teardown.submitted.Store(false)

		default:
			pkg.LogError(pkg.ComponentCPPI, "unexpected descriptor during teardown",
				"popped", popped)

			err = fmt.Errorf("%w: unexpected descriptor 0x%x during teardown",
				pkg.ErrDeviceIO, popped)
		}

		if err != nil || !teardown.submitted.Load() {
			break
		}
	}

	// If the sentinel came through but the original never did, the packet
	// never left the submit queue.
	if err == nil && d.submitted.Load() {
		popped := e.queue.Read32(queueControl(submitQueue)) & queueAddressMask
		if popped == d.physical {
			d.submitted.Store(false)
		} else {
			err = fmt.Errorf("%w: descriptor 0x%x lost during teardown",
				pkg.ErrDeviceIO, d.physical)
		}
	}

	// Put the port back together.
	e.regs.Write32(controlReg, control)
	return err
}

// DestroyDescriptor returns the descriptor slot to the pool. The descriptor
// must not be submitted.
func (e *Engine) DestroyDescriptor(d *Descriptor) {
	if d.submitted.Load() {
		pkg.LogError(pkg.ComponentCPPI, "destroying submitted descriptor",
			"physical", d.physical)
	}

	e.pool.release(d.index)
	d.mem = nil
	d.physical = 0
}

// submitTeardownDescriptor initializes the sentinel and pushes it onto the
// teardown queue.
func (e *Engine) submitTeardownDescriptor(d *Descriptor) {
	d.writeWord(descControl, teardownControlType)
	for offset := 4; offset < DescriptorSize; offset += 4 {
		d.writeWord(offset, 0)
	}

	value := d.physical | (DescriptorSize-24)/4
	d.submitted.Store(true)
	e.queue.Write32(queueControl(teardownQueue), value)
}

// InterruptDispatch scans the pend banks covering the completion queues and
// notifies the owning instance for each non-empty queue. Called at dispatch
// level from the USB subsystem interrupt.
func (e *Engine) InterruptDispatch() {
	for pendIndex := 2; pendIndex < 5; pendIndex++ {
		pend := e.queue.Read32(regQueuePend0 + uint32(pendIndex)*4)
		for pend != 0 {
			bit := bits.TrailingZeros32(pend)
			pend &^= 1 << bit
			queue := pendIndex*32 + bit

			var instance, dmaEndpoint int
			var transmit bool
			switch {
			case queue < txCompletionQueue(0, 0):
				continue
			case queue <= txCompletionQueue(0, EndpointCount):
				instance, transmit = 0, true
				dmaEndpoint = queue - txCompletionQueue(0, 0)
			case queue <= rxCompletionQueue(0, EndpointCount):
				instance, transmit = 0, false
				dmaEndpoint = queue - rxCompletionQueue(0, 0)
			case queue <= txCompletionQueue(1, EndpointCount):
				instance, transmit = 1, true
				dmaEndpoint = queue - txCompletionQueue(1, 0)
			default:
				instance, transmit = 1, false
				dmaEndpoint = queue - rxCompletionQueue(1, 0)
			}

			if fn := e.completions[instance]; fn != nil {
				fn(dmaEndpoint, transmit)
			}
		}
	}
}
