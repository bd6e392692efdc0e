package usbss

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/am3usb/mmio"
	"github.com/ardnew/am3usb/pkg"
)

// ResetTimeout bounds the wait for the subsystem soft reset to complete.
var ResetTimeout = 100 * time.Millisecond

// USBSS global registers.
const (
	regRevision        = 0x00
	regSysconfig       = 0x10
	regIrqStatusRaw    = 0x24
	regIrqStatus       = 0x28
	regIrqEnableSet    = 0x2C
	regIrqEnableClear  = 0x30
	regIrqDmaEnable0   = 0x34
	regIrqDmaEnable1   = 0x38
	regIrqFrameEnable0 = 0x3C
	regIrqFrameEnable1 = 0x40
)

const sysconfigSoftReset = 1 << 0

// Per-instance USB control module registers.
const (
	regControl         = 0x14
	regStatus          = 0x18
	regIrqMergedStatus = 0x20
	regIrqStatusRaw0   = 0x28
	regIrqStatusRaw1   = 0x2C
	regIrqStatus0      = 0x30
	regIrqStatus1      = 0x34
	regIrqEnableSet0   = 0x38
	regIrqEnableSet1   = 0x3C
	regIrqEnableClear0 = 0x40
	regIrqEnableClear1 = 0x44
	regTeardown        = 0xD8
	regMode            = 0xE8
)

// MODE register: legacy routes endpoint and core interrupts to the Mentor
// registers instead of the generic RNDIS/CDC modes.
const modeInterruptLegacy = 1 << 0

// IRQSTATUS0 carries TX endpoint bits in the low half and RX endpoint bits
// in the high half. IRQSTATUS1 carries the USB core interrupt bits.
const (
	irqUsbMask      = 0x01FF
	teardownRxShift = 16
)

// Wrapper is the global USBSS block shared by both controller instances.
type Wrapper struct {
	regs mmio.Region
}

// NewWrapper creates wrapper state over the given register window.
func NewWrapper(regs mmio.Region) (*Wrapper, error) {
	if regs == nil {
		return nil, fmt.Errorf("%w: nil register window",
			pkg.ErrInvalidConfiguration)
	}

	return &Wrapper{regs: regs}, nil
}

// Reset soft-resets the subsystem and masks the subsystem interrupt line.
// Completion interrupts ride the per-instance lines instead.
func (w *Wrapper) Reset(ctx context.Context) error {
	w.regs.Write32(regSysconfig, sysconfigSoftReset)

	deadline := time.Now().Add(ResetTimeout)
	for w.regs.Read32(regSysconfig)&sysconfigSoftReset != 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: subsystem soft reset did not complete",
				pkg.ErrTimeout)
		}
	}

	// Mask the subsystem line entirely: interrupt enables, DMA completion
	// thresholds, and frame thresholds.
	w.regs.Write32(regIrqEnableClear, 0xFFFFFFFF)
	w.regs.Write32(regIrqDmaEnable0, 0)
	w.regs.Write32(regIrqDmaEnable1, 0)
	w.regs.Write32(regIrqFrameEnable0, 0)
	w.regs.Write32(regIrqFrameEnable1, 0)
	if status := w.regs.Read32(regIrqStatus); status != 0 {
		w.regs.Write32(regIrqStatus, status)
	}

	pkg.LogDebug(pkg.ComponentUSBSS, "subsystem reset complete")
	return nil
}

// Interrupt services the subsystem interrupt line. With every source
// masked it only acknowledges stray status. Returns true if anything was
// pending.
func (w *Wrapper) Interrupt() bool {
	status := w.regs.Read32(regIrqStatus)
	if status == 0 {
		return false
	}

	w.regs.Write32(regIrqStatus, status)
	return true
}

// Servicer is the interrupt service entry of the MUSB instance behind a
// control module.
type Servicer interface {
	InterruptService() bool
}

// Control is one instance's USB control module. It fronts the MUSB core's
// interrupt line and carries the CPPI teardown handshake.
type Control struct {
	regs   mmio.Region
	target Servicer
}

// NewControl creates control module state over the given register window,
// forwarding interrupts to target.
func NewControl(regs mmio.Region, target Servicer) (*Control, error) {
	if regs == nil {
		return nil, fmt.Errorf("%w: nil register window",
			pkg.ErrInvalidConfiguration)
	}

	return &Control{regs: regs, target: target}, nil
}

// EnableInterrupts selects legacy interrupt mode and unmasks every endpoint
// and USB core interrupt. The MUSB core's own enable registers do the
// fine-grained gating.
func (c *Control) EnableInterrupts() {
	// Interrupts do not reach the Mentor status registers until the mode
	// register selects legacy handling.
	c.regs.Write32(regMode, modeInterruptLegacy)
	c.regs.Write32(regIrqEnableSet0, 0xFFFFFFFF)
	c.regs.Write32(regIrqEnableSet1, irqUsbMask)
}

// DisableInterrupts masks every endpoint and USB core interrupt.
func (c *Control) DisableInterrupts() {
	c.regs.Write32(regIrqEnableClear0, 0xFFFFFFFF)
	c.regs.Write32(regIrqEnableClear1, irqUsbMask)
}

// Interrupt services the instance's interrupt line: acknowledge the control
// module's status mirrors, then let the MUSB core read its authoritative
// status. Returns true if the interrupt was claimed.
func (c *Control) Interrupt() bool {
	status0 := c.regs.Read32(regIrqStatus0)
	status1 := c.regs.Read32(regIrqStatus1)
	if status0 != 0 {
		c.regs.Write32(regIrqStatus0, status0)
	}

	if status1 != 0 {
		c.regs.Write32(regIrqStatus1, status1)
	}

	claimed := c.target.InterruptService()
	return claimed || status0 != 0 || status1 != 0
}

// RequestTeardown asserts the teardown bit for a DMA channel. endpoint is
// the zero based DMA endpoint; the register is indexed by hardware endpoint,
// TX in the low half and RX in the high half.
func (c *Control) RequestTeardown(endpoint int, transmit bool) {
	bit := uint32(1) << (endpoint + 1)
	if !transmit {
		bit <<= teardownRxShift
	}

	c.regs.Write32(regTeardown, bit)
}
