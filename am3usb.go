// Package am3usb drives the TI AM335x USB subsystem in host mode. It
// aggregates the USBSS wrapper, the shared CPPI 4.1 DMA engine, and the two
// MUSB OTG instances behind it, carving their register windows out of one
// subsystem MMIO mapping and exposing each instance to the USB core as a
// host controller.
//
// The subsystem layout is fixed by the SoC: the USBSS wrapper sits at the
// base of the window, each instance's USB control module and MUSB core
// follow, and the CPPI DMA controller occupies the top. Bring-up composes
// the pieces in dependency order: DMA engine first, then the wrapper, then
// each MUSB instance in turn.
package am3usb

import (
	"context"
	"fmt"

	"github.com/ardnew/am3usb/cppi"
	"github.com/ardnew/am3usb/mmio"
	"github.com/ardnew/am3usb/musb"
	"github.com/ardnew/am3usb/pkg"
	"github.com/ardnew/am3usb/usbhost"
	"github.com/ardnew/am3usb/usbss"
)

// Register window offsets within the USB subsystem mapping.
const (
	usbssOffset    = 0x0000
	control0Offset = 0x1000
	musb0Offset    = 0x1400
	control1Offset = 0x1800
	musb1Offset    = 0x1C00
	cppiOffset     = 0x2000

	instanceStride = 0x0800
)

// RegionSize is the span of the USB subsystem register window, covering
// the wrapper through the CPPI queue manager.
const RegionSize = 0x8000

// Config carries the resources the subsystem needs: its register window,
// DMA-visible memory for CPPI descriptors and linking RAM, and the USB core
// the controllers report to.
type Config struct {
	Regs         mmio.Region // subsystem register window, RegionSize bytes
	PhysicalBase uint32

	DescriptorMem  []byte
	DescriptorPhys uint32

	LinkMem  []byte
	LinkPhys uint32

	Core usbhost.Core
}

// instance pairs one MUSB core with the USB control module fronting its
// interrupt line.
type instance struct {
	control *usbss.Control
	musb    *musb.Controller
}

// Controller is the aggregate AM335x USB subsystem.
type Controller struct {
	wrapper   *usbss.Wrapper
	engine    *cppi.Engine
	instances [cppi.InstanceCount]instance

	started bool
}

// New composes the subsystem over the given register window. It does not
// touch hardware; call Start to bring the subsystem up.
func New(config Config) (*Controller, error) {
	if config.Regs == nil {
		return nil, fmt.Errorf("%w: nil register window",
			pkg.ErrInvalidConfiguration)
	}

	if config.Core == nil {
		return nil, fmt.Errorf("%w: nil USB core",
			pkg.ErrInvalidConfiguration)
	}

	engine, err := cppi.NewEngine(cppi.Config{
		Regs:           mmio.Window(config.Regs, cppiOffset),
		DescriptorMem:  config.DescriptorMem,
		DescriptorPhys: config.DescriptorPhys,
		LinkMem:        config.LinkMem,
		LinkPhys:       config.LinkPhys,
	})
	if err != nil {
		return nil, err
	}

	wrapper, err := usbss.NewWrapper(mmio.Window(config.Regs, usbssOffset))
	if err != nil {
		return nil, err
	}

	controller := &Controller{
		wrapper: wrapper,
		engine:  engine,
	}

	for i := 0; i < cppi.InstanceCount; i++ {
		stride := uint32(i) * instanceStride
		core, err := musb.New(musb.Config{
			Regs:         mmio.Window(config.Regs, musb0Offset+stride),
			PhysicalBase: config.PhysicalBase + musb0Offset + stride,
			DMA:          engine,
			Instance:     i,
			Core:         config.Core,
		})
		if err != nil {
			return nil, err
		}

		control, err := usbss.NewControl(
			mmio.Window(config.Regs, control0Offset+stride), core)
		if err != nil {
			return nil, err
		}

		controller.instances[i] = instance{control: control, musb: core}
	}

	engine.SetTeardownRequester(
		func(inst, endpoint int, transmit bool) {
			controller.instances[inst].control.RequestTeardown(
				endpoint, transmit)
		})

	return controller, nil
}

// Instance returns one MUSB host controller, for direct access to its
// host-controller interface outside of USB core registration.
func (c *Controller) Instance(index int) *musb.Controller {
	return c.instances[index].musb
}

// Start brings the subsystem up: DMA engine, wrapper, then each MUSB
// instance, registering every instance with the USB core and unmasking its
// interrupt line. On failure everything already enabled is wound back down.
func (c *Controller) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("%w: subsystem already started",
			pkg.ErrInvalidConfiguration)
	}

	c.engine.Reset()

	if err := c.wrapper.Reset(ctx); err != nil {
		return fmt.Errorf("subsystem reset: %w", err)
	}

	for i := range c.instances {
		if err := c.instances[i].musb.Reset(); err != nil {
			c.windDown(i)
			return fmt.Errorf("instance %d reset: %w", i, err)
		}

		if err := c.instances[i].musb.Register(); err != nil {
			c.windDown(i)
			return fmt.Errorf("instance %d registration: %w", i, err)
		}

		c.instances[i].control.EnableInterrupts()
	}

	c.started = true
	pkg.LogInfo(pkg.ComponentController, "subsystem started")
	return nil
}

// Stop masks every interrupt line. Outstanding transfers are not completed;
// the subsystem requires a Start-time reset before reuse.
func (c *Controller) Stop() {
	c.windDown(len(c.instances))
	c.started = false
	pkg.LogInfo(pkg.ComponentController, "subsystem stopped")
}

// windDown masks the interrupt lines of the first count instances, in
// reverse bring-up order.
func (c *Controller) windDown(count int) {
	for i := count - 1; i >= 0; i-- {
		c.instances[i].control.DisableInterrupts()
	}
}

// InterruptService is the interrupt service routine for one instance's USB
// interrupt line. Returns true if the interrupt was claimed; follow a
// claimed interrupt with InterruptDispatch at dispatch level.
func (c *Controller) InterruptService(index int) bool {
	return c.instances[index].control.Interrupt()
}

// InterruptDispatch runs the dispatch-level half of one instance's USB
// interrupt: drain the DMA completion queues first so finished packets are
// accounted before the endpoint interrupt state machine runs.
func (c *Controller) InterruptDispatch(index int) {
	c.engine.InterruptDispatch()
	c.instances[index].musb.InterruptDispatch()
}

// SubsystemInterrupt services the shared USBSS interrupt line. Every source
// on it is masked at Start, so this only acknowledges stray status.
func (c *Controller) SubsystemInterrupt() bool {
	return c.wrapper.Interrupt()
}
