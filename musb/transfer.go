package musb

import (
	"fmt"
	"time"

	"github.com/ardnew/am3usb/cppi"
	"github.com/ardnew/am3usb/pkg"
	"github.com/ardnew/am3usb/usbhost"
)

// FlushTimeout bounds how long FlushEndpoint waits for an endpoint
// interrupt before giving up on the transfer queue.
var FlushTimeout = 10 * time.Second

// packetFlags describe one packet within a transfer set.
type packetFlags uint8

const (
	// packetOut marks a host-to-device packet.
	packetOut packetFlags = 1 << iota

	// packetSetup marks the SETUP packet of a control transfer.
	packetSetup

	// packetStatus marks the status packet of a control transfer.
	packetStatus

	// packetDma marks a packet that moves through the DMA engine rather
	// than programmed FIFO I/O.
	packetDma
)

// packet is one bus packet of a transfer.
type packet struct {
	size           int
	flags          packetFlags
	buffer         []byte
	bufferPhysical uint32
	dma            *cppi.Descriptor
}

// transferSet is the controller's state for one transfer: the packet
// schedule, the hardware endpoint queue linkage, and progress through the
// packets. A set is reusable; each submission reinitializes it.
type transferSet struct {
	usbTransfer  *usbhost.Transfer
	endpoint     *SoftEndpoint
	maxCount     int
	count        int
	currentIndex int
	packets      []packet

	// queued is true while the set sits on a hardware endpoint queue.
	queued bool
}

// HostTransfer marks transferSet as a usbhost transfer handle.
func (*transferSet) HostTransfer() {}

// CreateTransfer allocates a transfer set big enough for maxBufferSize
// bytes of payload, including DMA descriptors for each packet slot when the
// DMA path is active.
func (c *Controller) CreateTransfer(endpoint usbhost.Endpoint, maxBufferSize int, flags usbhost.TransferFlags) (usbhost.TransferHandle, error) {
	softEndpoint := endpoint.(*SoftEndpoint)
	maxPayload := int(softEndpoint.maxPayload)
	forceShort := flags&usbhost.FlagForceShortTransfer != 0

	// Control transfers carry the setup packet in the first eight bytes of
	// the buffer and always need SETUP and STATUS packet slots.
	count := 0
	if softEndpoint.transferType == usbhost.TransferControl {
		maxBufferSize -= usbhost.SetupPacketSize
		count += 2
	}

	if maxBufferSize > 0 {
		count += (maxBufferSize + maxPayload - 1) / maxPayload

		// A forced short transfer on an exact multiple needs a trailing
		// zero-length packet slot.
		if forceShort && maxBufferSize >= maxPayload {
			count++
		}
	} else if forceShort ||
		softEndpoint.transferType != usbhost.TransferControl {

		count++
	}

	set := &transferSet{
		endpoint: softEndpoint,
		maxCount: count,
		packets:  make([]packet, count),
	}

	if softEndpoint.transferType != usbhost.TransferControl &&
		!DisableDMA && c.dma != nil {

		for i := range set.packets {
			descriptor, err := c.dma.CreateDescriptor(c.instance)
			if err != nil {
				for j := 0; j < i; j++ {
					c.dma.DestroyDescriptor(set.packets[j].dma)
				}

				return nil, fmt.Errorf("creating transfer descriptors: %w",
					err)
			}

			set.packets[i].dma = descriptor
		}
	}

	return set, nil
}

// DestroyTransfer releases a transfer set and its DMA descriptors.
func (c *Controller) DestroyTransfer(endpoint usbhost.Endpoint, handle usbhost.TransferHandle) {
	set := handle.(*transferSet)
	for i := range set.packets {
		if set.packets[i].dma != nil {
			c.dma.DestroyDescriptor(set.packets[i].dma)
			set.packets[i].dma = nil
		}
	}
}

// initializeTransfer lays out the packet schedule for one submission of the
// given transfer. Callers hold the controller lock (or own the endpoint
// exclusively on the polled path).
func (c *Controller) initializeTransfer(set *transferSet, transfer *usbhost.Transfer) {
	softEndpoint := set.endpoint
	maxPayload := int(softEndpoint.maxPayload)
	control := softEndpoint.transferType == usbhost.TransferControl
	forceShort := transfer.Flags&usbhost.FlagForceShortTransfer != 0
	transmit := softEndpoint.direction == usbhost.DirectionOut

	dmaEnabled := false
	if transmit {
		dmaEnabled = softEndpoint.control&txControlDmaEnable != 0
	} else {
		dmaEnabled = softEndpoint.control&rxControlDmaEnable != 0
	}

	transfer.Status = nil
	transfer.Error = pkg.TransferErrorNone
	transfer.LengthTransferred = 0
	set.usbTransfer = transfer
	set.currentIndex = 0

	index := 0
	offset := 0
	length := transfer.Length
	shortTransfer := false
	for offset < length ||
		(!shortTransfer && (length == 0 || forceShort)) {

		p := &set.packets[index]
		p.flags = 0
		if index == 0 && control {
			p.size = usbhost.SetupPacketSize
			p.flags |= packetOut | packetSetup
		} else {
			size := length - offset
			if size > maxPayload {
				size = maxPayload
			}

			p.size = size
			if size < maxPayload {
				shortTransfer = true
			}

			// Control endpoints are pinned to the OUT side of the
			// hardware, so the data direction comes from the transfer.
			if transfer.Direction == usbhost.DirectionOut {
				p.flags |= packetOut
			}
		}

		if p.size > 0 {
			p.buffer = transfer.Buffer[offset : offset+p.size]
			p.bufferPhysical = transfer.BufferPhysical + uint32(offset)
		} else {
			p.buffer = nil
			p.bufferPhysical = 0
		}

		if dmaEnabled && p.dma != nil {
			p.flags |= packetDma
			c.dma.InitializeDescriptor(p.dma,
				int(softEndpoint.hardwareIndex)-1, transmit,
				p.bufferPhysical, p.size)
		}

		offset += p.size
		index++
	}

	// The status packet of a control transfer runs opposite the data
	// direction.
	if control {
		p := &set.packets[index]
		p.size = 0
		p.buffer = nil
		p.bufferPhysical = 0
		p.flags = packetStatus
		if transfer.Direction == usbhost.DirectionIn {
			p.flags |= packetOut
		}

		index++
	}

	set.count = index
}

// SubmitTransfer queues a transfer on its endpoint and starts it if the
// endpoint is idle.
func (c *Controller) SubmitTransfer(endpoint usbhost.Endpoint, transfer *usbhost.Transfer, handle usbhost.TransferHandle) error {
	softEndpoint := endpoint.(*SoftEndpoint)
	set := handle.(*transferSet)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("submitting transfer: %w", pkg.ErrNotConnected)
	}

	c.assignEndpoint(softEndpoint)
	c.initializeTransfer(set, transfer)

	// An address change means the hardware channel's setup registers are
	// stale; force a reconfigure.
	if transfer.DeviceAddress != softEndpoint.device {
		softEndpoint.device = transfer.DeviceAddress
		c.endpoints[softEndpoint.hardwareIndex].current = nil
	}

	hardEndpoint := &c.endpoints[softEndpoint.hardwareIndex]
	hardEndpoint.transfers = append(hardEndpoint.transfers, set)
	set.queued = true
	softEndpoint.inFlight++
	if hardEndpoint.transfers[0] == set {
		c.executeNextTransfer(hardEndpoint)
	}

	return nil
}

// SubmitPolledTransfer runs a transfer to completion without interrupts or
// locks. Used when the system cannot take interrupts, such as crash-time
// disk writes over USB storage. The caller must own the controller
// exclusively.
func (c *Controller) SubmitPolledTransfer(endpoint usbhost.Endpoint, transfer *usbhost.Transfer, handle usbhost.TransferHandle) error {
	softEndpoint := endpoint.(*SoftEndpoint)
	set := handle.(*transferSet)

	// The polled path cannot service DMA completions, so force the
	// endpoint onto programmed I/O.
	if softEndpoint.direction == usbhost.DirectionOut {
		softEndpoint.control &^= txControlDmaEnable
	} else {
		softEndpoint.control &^= rxControlDmaEnable
	}

	c.assignEndpoint(softEndpoint)
	c.initializeTransfer(set, transfer)
	softEndpoint.device = transfer.DeviceAddress

	// Jump the queue and force a hardware reconfigure in case the
	// interrupted context had something else on this channel.
	hardEndpoint := &c.endpoints[softEndpoint.hardwareIndex]
	hardEndpoint.transfers = append([]*transferSet{set},
		hardEndpoint.transfers...)

	set.queued = true
	softEndpoint.inFlight++
	hardEndpoint.current = nil
	c.executeNextTransfer(hardEndpoint)

	completed, err := c.FlushEndpoint(endpoint)
	if err != nil {
		return err
	}

	if completed != 1 {
		return fmt.Errorf("polled transfer completed %d sets: %w",
			completed, pkg.ErrDeviceIO)
	}

	return nil
}

// CancelTransfer pulls a transfer off its endpoint queue. If the transfer
// is actively on the hardware it is aborted first. Returns ErrTooLate if
// the transfer already completed.
func (c *Controller) CancelTransfer(endpoint usbhost.Endpoint, transfer *usbhost.Transfer, handle usbhost.TransferHandle) error {
	softEndpoint := endpoint.(*SoftEndpoint)
	set := handle.(*transferSet)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !set.queued {
		return fmt.Errorf("canceling transfer: %w", pkg.ErrTooLate)
	}

	hardEndpoint := &c.endpoints[softEndpoint.hardwareIndex]
	if len(hardEndpoint.transfers) != 0 && hardEndpoint.transfers[0] == set {
		c.abortTransfer(softEndpoint, &set.packets[set.currentIndex])
		c.updateDataToggle(set)
	}

	for i, queued := range hardEndpoint.transfers {
		if queued == set {
			hardEndpoint.transfers = append(hardEndpoint.transfers[:i],
				hardEndpoint.transfers[i+1:]...)

			break
		}
	}

	set.queued = false
	softEndpoint.inFlight--
	if len(hardEndpoint.transfers) != 0 {
		c.executeNextTransfer(hardEndpoint)
	}

	transfer.Status = pkg.ErrCancelled
	transfer.Error = pkg.TransferErrorCancelled
	c.core.ProcessCompletedTransfer(transfer)

	pkg.LogDebug(pkg.ComponentTransfer, "transfer canceled",
		"instance", c.instance, "device", transfer.DeviceAddress,
		"endpoint", transfer.EndpointNumber)

	return nil
}

// FlushEndpoint polls the endpoint's transfer queue to completion without
// relying on interrupt delivery. Returns the number of transfer sets that
// completed. Lockless; the caller must own the controller exclusively.
func (c *Controller) FlushEndpoint(endpoint usbhost.Endpoint) (int, error) {
	softEndpoint := endpoint.(*SoftEndpoint)
	hardEndpoint := &c.endpoints[softEndpoint.hardwareIndex]
	endpointBit := uint16(1) << softEndpoint.hardwareIndex
	completed := 0

	var deadline time.Time
	for len(hardEndpoint.transfers) != 0 {
		status := c.regs.Read16(regInterruptRx) |
			c.regs.Read16(regInterruptTx)

		if status&endpointBit == 0 {
			if deadline.IsZero() {
				deadline = time.Now().Add(FlushTimeout)
			} else if time.Now().After(deadline) {
				return completed, fmt.Errorf("flushing endpoint %d: %w",
					softEndpoint.hardwareIndex, pkg.ErrTimeout)
			}
		}

		// Acknowledge the endpoint's interrupt bits so a later enable
		// does not replay stale completions.
		c.regs.Write8(regInterruptRx, uint8(endpointBit))
		c.regs.Write8(regInterruptTx, uint8(endpointBit))

		set, startNext := c.processCompletedTransfer(softEndpoint.hardwareIndex)
		if set != nil {
			completed++
		}

		if startNext {
			c.executeNextTransfer(hardEndpoint)
		}
	}

	return completed, nil
}

// executeNextTransfer programs the hardware for the current packet of the
// endpoint's head transfer set and kicks it off. Callers hold the
// controller lock (or own the endpoint exclusively on the polled path).
func (c *Controller) executeNextTransfer(hardEndpoint *hardEndpoint) {
	if len(hardEndpoint.transfers) == 0 {
		return
	}

	set := hardEndpoint.transfers[0]
	softEndpoint := set.endpoint
	hardwareIndex := softEndpoint.hardwareIndex
	c.configureHardwareEndpoint(softEndpoint)

	p := &set.packets[set.currentIndex]
	if p.flags&packetDma != 0 {
		c.dma.SubmitDescriptor(p.dma)
	} else if p.flags&packetOut != 0 && p.size > 0 {
		c.writeFifo(hardwareIndex, p.buffer)
	}

	// Endpoint zero signals both directions through the TX interrupt.
	if hardwareIndex == 0 || p.flags&packetOut != 0 {
		c.txInterruptEnable |= 1 << hardwareIndex
		c.regs.Write16(regInterruptTxEn, c.txInterruptEnable)
	} else {
		c.rxInterruptEnable |= 1 << hardwareIndex
		c.regs.Write16(regInterruptRxEn, c.rxInterruptEnable)
	}

	// A transmit DMA descriptor kicks the channel itself.
	if p.flags&packetOut != 0 && p.flags&packetDma != 0 {
		return
	}

	if hardwareIndex == 0 {
		var control uint16
		if p.flags&packetOut != 0 {
			control = ep0ControlTxPacketReady
		} else {
			control = ep0ControlRequestPacket
		}

		if p.flags&packetSetup != 0 {
			control |= ep0ControlSetupPacket
		}

		if p.flags&packetStatus != 0 {
			control |= ep0ControlStatusPacket
		}

		c.regs.Write8(endpointControl(regTxControlStatus, 0), uint8(control))
	} else if p.flags&packetOut != 0 {
		c.regs.Write8(endpointControl(regTxControlStatus, hardwareIndex),
			txControlPacketReady)
	} else {
		c.regs.Write8(endpointControl(regRxControlStatus, hardwareIndex),
			rxControlRequestPacket)
	}
}

// processCompletedTransfer examines the hardware state for the endpoint's
// head transfer set after an endpoint interrupt. It returns the set if the
// whole transfer finished (removed from the queue), and whether the next
// packet or set should be started. Callers hold the controller lock (or
// own the endpoint exclusively on the polled path).
func (c *Controller) processCompletedTransfer(hardwareIndex uint8) (*transferSet, bool) {
	hardEndpoint := &c.endpoints[hardwareIndex]
	set := hardEndpoint.transfers[0]
	softEndpoint := set.endpoint
	transfer := set.usbTransfer
	p := &set.packets[set.currentIndex]
	completeSet := false

	var controlRegister uint32
	switch {
	case hardwareIndex == 0:
		controlRegister = endpointControl(regTxControlStatus, 0)
		hardwareStatus := c.regs.Read16(controlRegister)

		// The interrupt may be stale; if the packet is still in flight,
		// leave it alone.
		if p.flags&packetOut != 0 {
			if hardwareStatus&ep0ControlTxPacketReady != 0 {
				return nil, false
			}
		} else {
			ready := ep0ControlRxPacketReady | uint16(ep0ControlErrorMask)
			if hardwareStatus&ready == 0 {
				return nil, false
			}
		}

		if p.flags&packetOut == 0 &&
			hardwareStatus&ep0ControlRxPacketReady != 0 {

			count := int(c.regs.Read16(endpointControl(regCount, 0)))
			if count > p.size {
				count = p.size
			}

			c.readFifo(0, p.buffer[:count])
			transfer.LengthTransferred += count
			if count < p.size {
				if transfer.Flags&usbhost.FlagNoShortTransfers != 0 &&
					transfer.Status == nil {

					transfer.Status = pkg.ErrShortPacket
					transfer.Error = pkg.TransferErrorShortPacket
				}

				// The device is done sending; jump to the status phase.
				set.currentIndex = set.count - 2
			}
		}

		if hardwareStatus&ep0ControlErrorMask != 0 {
			completeSet = true
			transfer.Status = pkg.ErrDeviceIO

			// Write the status back to clear the error bits, then clean
			// up the FIFO.
			c.regs.Write16(controlRegister, hardwareStatus)
			c.abortTransfer(softEndpoint, p)
			switch {
			case hardwareStatus&ep0ControlError != 0:
				transfer.Error = pkg.TransferErrorCRCOrTimeout
			case hardwareStatus&ep0ControlRxStall != 0:
				transfer.Error = pkg.TransferErrorStalled
			case hardwareStatus&ep0ControlNakTimeout != 0:
				transfer.Error = pkg.TransferErrorNAKReceived
			}
		} else if p.flags&packetOut != 0 {
			transfer.LengthTransferred += p.size
		}

	case p.flags&packetOut != 0:
		controlRegister = endpointControl(regTxControlStatus, hardwareIndex)
		hardwareStatus := c.regs.Read16(controlRegister)

		// On the DMA path the engine may clear the control register
		// before the interrupt lands; the descriptor reap below keeps
		// things in sync.
		if p.flags&packetDma == 0 &&
			hardwareStatus&txControlPacketReady != 0 {

			return nil, false
		}

		if hardwareStatus&txControlErrorMask != 0 {
			completeSet = true
			transfer.Status = pkg.ErrDeviceIO

			// Write the status back to clear the error bits, then clean
			// up the FIFO.
			c.regs.Write16(controlRegister, hardwareStatus)
			c.abortTransfer(softEndpoint, p)
			switch {
			case hardwareStatus&txControlError != 0:
				transfer.Error = pkg.TransferErrorCRCOrTimeout
			case hardwareStatus&txControlRxStall != 0:
				transfer.Error = pkg.TransferErrorStalled
			case hardwareStatus&txControlNakTimeout != 0:
				transfer.Error = pkg.TransferErrorNAKReceived
			}
		} else {
			transfer.LengthTransferred += p.size
			if p.flags&packetDma != 0 {
				if _, err := c.dma.ReapCompletedDescriptor(p.dma); err != nil {
					pkg.LogError(pkg.ComponentTransfer,
						"reaping transmit descriptor", "error", err)
				}
			}
		}

		softEndpoint.control &^= txControlDataToggle
		softEndpoint.control |= hardwareStatus & txControlDataToggle

	default:
		controlRegister = endpointControl(regRxControlStatus, hardwareIndex)
		hardwareStatus := c.regs.Read16(controlRegister)

		// A NAK timeout on an asynchronous endpoint just means the device
		// is not ready yet; clear it and keep waiting.
		if hardwareStatus&rxControlDataErrorNakTimeout != 0 &&
			softEndpoint.transferType != usbhost.TransferIsochronous &&
			softEndpoint.interval == 0 {

			c.regs.Write16(controlRegister,
				hardwareStatus&^uint16(rxControlDataErrorNakTimeout))

			return nil, false
		}

		if hardwareStatus&rxControlErrorMask != 0 {
			completeSet = true
			transfer.Status = pkg.ErrDeviceIO

			// Write the status back to clear the error bits, then clean
			// up the FIFO.
			c.regs.Write16(controlRegister, hardwareStatus)
			c.abortTransfer(softEndpoint, p)
			switch {
			case hardwareStatus&rxControlError != 0:
				transfer.Error = pkg.TransferErrorCRCOrTimeout
			case hardwareStatus&rxControlRxStall != 0:
				transfer.Error = pkg.TransferErrorStalled
			case hardwareStatus&rxControlDataErrorNakTimeout != 0:
				if softEndpoint.transferType == usbhost.TransferIsochronous {
					transfer.Error = pkg.TransferErrorCRCOrTimeout
				} else {
					transfer.Error = pkg.TransferErrorNAKReceived
				}
			}
		} else if hardwareStatus&rxControlRequestPacket == 0 &&
			(p.flags&packetDma != 0 ||
				hardwareStatus&rxControlPacketReady != 0) {

			var count int
			if p.flags&packetDma != 0 {
				reaped, err := c.dma.ReapCompletedDescriptor(p.dma)
				if err != nil {
					pkg.LogError(pkg.ComponentTransfer,
						"reaping receive descriptor", "error", err)
				}

				count = reaped
			} else {
				count = int(c.regs.Read16(
					endpointControl(regCount, hardwareIndex)))

				if count > p.size {
					count = p.size
				}

				c.readFifo(hardwareIndex, p.buffer[:count])
			}

			transfer.LengthTransferred += count
			if count < p.size {
				completeSet = true
				if transfer.Flags&usbhost.FlagNoShortTransfers != 0 &&
					transfer.Status == nil {

					transfer.Status = pkg.ErrShortPacket
					transfer.Error = pkg.TransferErrorShortPacket
				}
			}
		} else {
			return nil, false
		}

		softEndpoint.control &^= rxControlDataToggle
		softEndpoint.control |= hardwareStatus & rxControlDataToggle
	}

	// The packet is consumed either way; clear the channel and advance.
	c.regs.Write16(controlRegister, 0)
	set.currentIndex++
	if set.currentIndex == set.count {
		completeSet = true
	}

	if completeSet {
		hardEndpoint.transfers = hardEndpoint.transfers[1:]
		set.queued = false
		softEndpoint.inFlight--
		return set, true
	}

	return nil, true
}

// failAllTransfers completes every queued transfer with a device-gone
// error. Called on disconnect with the controller lock held.
func (c *Controller) failAllTransfers() {
	for i := range c.endpoints {
		hardEndpoint := &c.endpoints[i]
		if len(hardEndpoint.transfers) == 0 {
			continue
		}

		// The head set may be active on the hardware; stop it before
		// tearing the queue down.
		head := hardEndpoint.transfers[0]
		c.abortTransfer(head.endpoint, &head.packets[head.currentIndex])
		c.updateDataToggle(head)

		for len(hardEndpoint.transfers) != 0 {
			set := hardEndpoint.transfers[0]
			hardEndpoint.transfers = hardEndpoint.transfers[1:]
			set.queued = false
			set.endpoint.inFlight--
			set.usbTransfer.Status = pkg.ErrDeviceIO
			set.usbTransfer.Error = pkg.TransferErrorDeviceNotConnected
			c.core.ProcessCompletedTransfer(set.usbTransfer)
		}
	}
}

// abortTransfer stops the given packet on the hardware, flushing FIFOs and
// tearing down any in-flight DMA descriptor. Callers hold the controller
// lock (or own the endpoint exclusively on the polled path).
func (c *Controller) abortTransfer(softEndpoint *SoftEndpoint, p *packet) {
	hardwareIndex := softEndpoint.hardwareIndex
	if p.flags&packetOut != 0 {
		// Double-buffered FIFOs may hold two packets.
		c.flushFifo(hardwareIndex, true)
		c.flushFifo(hardwareIndex, true)
		if p.flags&packetDma != 0 {
			register := endpointControl(regTxControlStatus, hardwareIndex)
			control := c.regs.Read16(register)
			c.regs.Write16(register, control&^uint16(txControlDmaEnable))
			if err := c.dma.TearDownDescriptor(p.dma); err != nil {
				pkg.LogError(pkg.ComponentTransfer,
					"tearing down transmit descriptor", "error", err)
			}
		}

		return
	}

	var controlRegister uint32
	if hardwareIndex == 0 {
		controlRegister = endpointControl(regTxControlStatus, 0)
	} else {
		controlRegister = endpointControl(regRxControlStatus, hardwareIndex)
	}

	// Knock out auto-request first so clearing the request bit sticks.
	high := c.regs.Read8(controlRegister + 1)
	c.regs.Write8(controlRegister+1, high&^uint8(rxControlAutoRequest>>8))

	if p.flags&packetDma != 0 {
		control := c.regs.Read16(controlRegister)
		control &^= rxControlRequestPacket | rxControlDmaEnable
		c.regs.Write16(controlRegister, control)

		// Give an in-flight packet time to land before flushing.
		time.Sleep(250 * time.Microsecond)
		control = c.regs.Read16(controlRegister)
		if control&rxControlPacketReady != 0 {
			control |= rxControlFlushFifo
		}

		control |= rxControlErrorMask
		c.regs.Write16(controlRegister, control)
		if err := c.dma.TearDownDescriptor(p.dma); err != nil {
			pkg.LogError(pkg.ComponentTransfer,
				"tearing down receive descriptor", "error", err)
		}
	} else {
		low := c.regs.Read8(controlRegister)
		c.regs.Write8(controlRegister, low&^uint8(rxControlRequestPacket))
		time.Sleep(250 * time.Microsecond)
		c.flushFifo(hardwareIndex, false)
		c.flushFifo(hardwareIndex, false)
		c.regs.Write16(controlRegister, 0)
	}
}

// updateDataToggle folds the hardware's current data toggle back into the
// endpoint's control shadow after an abort, so the next transfer resumes
// the sequence correctly.
func (c *Controller) updateDataToggle(set *transferSet) {
	softEndpoint := set.endpoint
	hardwareIndex := softEndpoint.hardwareIndex
	p := &set.packets[set.currentIndex]
	if p.flags&packetOut != 0 {
		// Endpoint zero's toggle is not recoverable from CSR0; control
		// transfers restart from SETUP anyway.
		if hardwareIndex == 0 {
			return
		}

		control := c.regs.Read16(
			endpointControl(regTxControlStatus, hardwareIndex))

		softEndpoint.control &^= txControlDataToggle
		softEndpoint.control |= control & txControlDataToggle
	} else {
		control := c.regs.Read16(
			endpointControl(regRxControlStatus, hardwareIndex))

		softEndpoint.control &^= rxControlDataToggle
		softEndpoint.control |= control & rxControlDataToggle
	}
}

// writeFifo feeds a packet into the endpoint's FIFO one byte at a time.
func (c *Controller) writeFifo(hardwareIndex uint8, data []byte) {
	register := fifoRegister(hardwareIndex)
	for _, value := range data {
		c.regs.Write8(register, value)
	}
}

// readFifo drains a packet from the endpoint's FIFO one byte at a time.
func (c *Controller) readFifo(hardwareIndex uint8, data []byte) {
	register := fifoRegister(hardwareIndex)
	for i := range data {
		data[i] = c.regs.Read8(register)
	}
}

// flushFifo discards any packet sitting in the endpoint's FIFO and
// invalidates the hardware channel's saved configuration.
func (c *Controller) flushFifo(hardwareIndex uint8, hostOut bool) {
	if hardwareIndex == 0 {
		register := endpointControl(regTxControlStatus, 0)
		control := c.regs.Read16(register)
		ready := uint16(ep0ControlRxPacketReady | ep0ControlTxPacketReady)
		if control&ready != 0 {
			c.regs.Write8(register+1, uint8(ep0ControlFlushFifo>>8))
		}
	} else if hostOut {
		register := endpointControl(regTxControlStatus, hardwareIndex)
		control := c.regs.Read16(register)
		if control&txControlPacketReady != 0 {
			c.regs.Write8(register,
				uint8(control|txControlFlushFifo|txControlErrorMask))
		}
	} else {
		register := endpointControl(regRxControlStatus, hardwareIndex)
		control := c.regs.Read16(register)
		if control&rxControlPacketReady != 0 {
			c.regs.Write8(register,
				uint8(control|rxControlFlushFifo|rxControlErrorMask))
		}
	}

	c.endpoints[hardwareIndex].current = nil
}
