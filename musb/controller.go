package musb

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/ardnew/am3usb/cppi"
	"github.com/ardnew/am3usb/mmio"
	"github.com/ardnew/am3usb/pkg"
	"github.com/ardnew/am3usb/usbhost"
)

// DisableDMA turns off the CPPI data path; all transfers then move through
// programmed FIFO I/O. Must be set before any endpoint is created.
var DisableDMA = false

// MaxEndpoints is the number of hardware endpoints the register map can
// address, including endpoint zero.
const MaxEndpoints = 16

// hardEndpoint is one hardware endpoint and its FIFO. Transfer sets queue
// here in submission order; the head set owns the hardware.
type hardEndpoint struct {
	current   *SoftEndpoint
	txFifo    uint16
	rxFifo    uint16
	transfers []*transferSet
}

// Config carries the resources one controller instance needs.
type Config struct {
	Regs         mmio.Region // MUSB core register window
	PhysicalBase uint32
	DMA          *cppi.Engine // optional; nil means FIFO-only operation
	Instance     int          // 0 or 1, the identity used with the shared DMA engine
	Core         usbhost.Core
}

// Controller is one MUSB instance operating in host mode. It implements
// the host controller interface consumed by the USB core.
type Controller struct {
	regs         mmio.Region
	physicalBase uint32
	dma          *cppi.Engine
	instance     int
	core         usbhost.Core

	// mu is the controller lock: it guards the endpoint pool, the
	// hardware-endpoint queues, the interrupt-enable shadows, and endpoint
	// register programming. The interrupt service path never takes it.
	mu sync.Mutex

	endpointCount int
	endpoints     [MaxEndpoints]hardEndpoint

	// currentIndex caches the INDEX register to skip redundant writes.
	currentIndex uint8

	nextAssignment uint8

	usbInterruptEnable uint8
	txInterruptEnable  uint16
	rxInterruptEnable  uint16

	pendingUsbInterrupts      atomic.Uint32
	pendingEndpointInterrupts atomic.Uint32

	connected bool
}

var _ usbhost.HostController = (*Controller)(nil)

// New creates controller state over the given register window. It does not
// touch hardware; call Reset to bring the controller up.
func New(config Config) (*Controller, error) {
	if config.Regs == nil {
		return nil, fmt.Errorf("%w: nil register window",
			pkg.ErrInvalidConfiguration)
	}

	controller := &Controller{
		regs:           config.Regs,
		physicalBase:   config.PhysicalBase,
		dma:            config.DMA,
		instance:       config.Instance,
		core:           config.Core,
		nextAssignment: 1,
	}

	if controller.dma != nil {
		controller.dma.RegisterCompletion(controller.instance,
			controller.onDmaCompletion)
	}

	return controller, nil
}

// Instance returns the controller's instance index on the shared DMA engine.
func (c *Controller) Instance() int {
	return c.instance
}

// Identifier returns the physical base address, used as the controller's
// identity with the USB core.
func (c *Controller) Identifier() uint32 {
	return c.physicalBase
}

// Reset soft-resets the core, discovers the hardware endpoint count, lays
// out the FIFOs, enables interrupts, and starts a session.
func (c *Controller) Reset() error {
	c.regs.Write8(regSoftReset, softResetBit)

	info := c.regs.Read8(regEndpointInfo)
	c.endpointCount = int(info & endpointInfoTxCountMask)
	rxCount := int(info&endpointInfoRxCountMask) >> endpointInfoRxShift
	if rxCount != c.endpointCount {
		return fmt.Errorf("%w: endpoint count mismatch, %d TX %d RX",
			pkg.ErrInvalidConfiguration, c.endpointCount, rxCount)
	}

	// Endpoint 0 always gets the first 64 bytes of FIFO RAM.
	offset := uint32(64)
	for _, layout := range fifoLayout {
		if int(layout.endpoint) < c.endpointCount {
			c.configureFifo(layout, &offset)
		}
	}

	// Enable every endpoint interrupt, and every USB interrupt except
	// start of frame.
	c.regs.Write16(regInterruptTxEn, 0xFFFF)
	c.regs.Write16(regInterruptRxEn, 0xFFFF)
	usbInterrupts := uint8(usbInterruptSuspend | usbInterruptResume |
		usbInterruptResetBabble | usbInterruptConnect |
		usbInterruptDisconnect | usbInterruptSession |
		usbInterruptVbusError)

	c.usbInterruptEnable = usbInterrupts
	c.regs.Write8(regInterruptUsbEn, usbInterrupts)

	control := c.regs.Read8(regDeviceControl)
	c.regs.Write8(regDeviceControl, control|deviceControlSession)

	pkg.LogDebug(pkg.ComponentMUSB, "controller reset",
		"instance", c.instance, "endpoints", c.endpointCount)

	return nil
}

// Register makes the controller available to the USB core for enumeration.
func (c *Controller) Register() error {
	return c.core.RegisterController(c)
}

// InterruptService is the interrupt service routine for the instance's USB
// interrupt line. It only acknowledges hardware and accumulates pending
// status atomically; it never takes the controller lock. Returns true if
// the interrupt was claimed.
func (c *Controller) InterruptService() bool {
	claimed := false

	usbStatus := c.regs.Read8(regInterruptUsb) & c.usbInterruptEnable
	if usbStatus != 0 {
		claimed = true
		c.pendingUsbInterrupts.Or(uint32(usbStatus))

		// Write the status bits back to acknowledge the interrupt.
		c.regs.Write8(regInterruptUsb, usbStatus)
	}

	rxStatus := c.regs.Read16(regInterruptRx)
	txStatus := c.regs.Read16(regInterruptTx)
	endpointStatus := uint32(rxStatus)<<16 | uint32(txStatus)
	if endpointStatus != 0 {
		claimed = true
		c.pendingEndpointInterrupts.Or(endpointStatus)
		if rxStatus != 0 {
			c.regs.Write16(regInterruptRx, rxStatus)
		}
		if txStatus != 0 {
			c.regs.Write16(regInterruptTx, txStatus)
		}
	}

	return claimed
}

// InterruptDispatch drains the pending interrupt masks and processes the
// events. Called at dispatch level after InterruptService claimed work.
// Returns true if anything was pending.
func (c *Controller) InterruptDispatch() bool {
	usbInterrupts := uint8(c.pendingUsbInterrupts.Swap(0))
	endpointInterrupts := c.pendingEndpointInterrupts.Swap(0)
	if usbInterrupts == 0 && endpointInterrupts == 0 {
		return false
	}

	if usbInterrupts != 0 {
		c.processUsbInterrupts(usbInterrupts)
	}

	if endpointInterrupts != 0 {
		c.processEndpointInterrupts(endpointInterrupts)
	}

	return true
}

// processUsbInterrupts handles connect, disconnect, and VBUS events.
func (c *Controller) processUsbInterrupts(usbInterrupts uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if usbInterrupts&usbInterruptDisconnect != 0 {
		pkg.LogInfo(pkg.ComponentMUSB, "device disconnected",
			"instance", c.instance)

		c.connected = false
		c.failAllTransfers()
		c.core.NotifyPortChange(c)
	}

	if usbInterrupts&usbInterruptConnect != 0 {
		pkg.LogInfo(pkg.ComponentMUSB, "device connected",
			"instance", c.instance)

		c.connected = true
		c.core.NotifyPortChange(c)
	}

	// On a VBUS error, just try to power the session back up.
	if usbInterrupts&usbInterruptVbusError != 0 {
		pkg.LogWarn(pkg.ComponentMUSB, "vbus error, restarting session",
			"instance", c.instance)

		control := c.regs.Read8(regDeviceControl)
		c.regs.Write8(regDeviceControl, control|deviceControlSession)
	}
}

// processEndpointInterrupts walks the combined TX and RX endpoint status,
// completing head transfers and pumping the next packet on each endpoint.
func (c *Controller) processEndpointInterrupts(endpointInterrupts uint32) {
	interrupts := uint16(endpointInterrupts>>16) | uint16(endpointInterrupts)

	c.mu.Lock()
	defer c.mu.Unlock()

	for interrupts != 0 {
		hardwareIndex := uint8(bits.TrailingZeros16(interrupts))
		interrupts &^= 1 << hardwareIndex
		hardEndpoint := &c.endpoints[hardwareIndex]
		if len(hardEndpoint.transfers) == 0 {
			continue
		}

		set, startNext := c.processCompletedTransfer(hardwareIndex)
		if set != nil {
			c.core.ProcessCompletedTransfer(set.usbTransfer)
		}

		if startNext {
			c.executeNextTransfer(hardEndpoint)
		}
	}
}

// onDmaCompletion converts a CPPI completion into the equivalent endpoint
// interrupt. Called at dispatch level from the DMA engine.
func (c *Controller) onDmaCompletion(dmaEndpoint int, transmit bool) {
	mask := uint32(1) << (dmaEndpoint + 1)
	if !transmit {
		mask <<= 16
	}

	c.processEndpointInterrupts(mask)
}

// Indexed register access. The INDEX register selects which endpoint's
// banked registers appear; the selection is cached to skip redundant writes.
// Callers hold the controller lock.

func (c *Controller) writeIndexed8(index uint8, register uint32, value uint8) {
	if c.currentIndex != index {
		c.regs.Write8(regIndex, index)
		c.currentIndex = index
	}
	c.regs.Write8(register, value)
}

func (c *Controller) writeIndexed16(index uint8, register uint32, value uint16) {
	if c.currentIndex != index {
		c.regs.Write8(regIndex, index)
		c.currentIndex = index
	}
	c.regs.Write16(register, value)
}
