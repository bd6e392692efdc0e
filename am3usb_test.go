package am3usb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/am3usb/mmio"
	"github.com/ardnew/am3usb/pkg"
	"github.com/ardnew/am3usb/usbhost"
	"github.com/ardnew/am3usb/usbss"
)

const testPhysicalBase = 0x4740_0000

// aggregateCore is a minimal USB core recording controller registrations
// and port change notifications.
type aggregateCore struct {
	controllers []usbhost.HostController
	portChanges int
	completed   []*usbhost.Transfer
}

func (c *aggregateCore) RegisterController(hc usbhost.HostController) error {
	c.controllers = append(c.controllers, hc)
	return nil
}

func (c *aggregateCore) NotifyPortChange(usbhost.HostController) {
	c.portChanges++
}

func (c *aggregateCore) ProcessCompletedTransfer(t *usbhost.Transfer) {
	c.completed = append(c.completed, t)
}

// aggregateRig simulates the whole subsystem register window: a wrapper
// soft reset that completes immediately, write-one-to-clear interrupt
// status registers, and the USB interrupt status byte of each MUSB core.
type aggregateRig struct {
	sim  *mmio.Sim
	core *aggregateCore

	// resetSticks keeps the wrapper soft reset bit asserted forever.
	resetSticks bool

	// intrUsb holds each instance's pending USB interrupt status byte.
	intrUsb [2]uint32
}

// MUSB core windows sit at +0x1400 and +0x1C00; the USB interrupt status
// byte is core register 0x0A.
func intrUsbOffset(index int) uint32 {
	return musb0Offset + uint32(index)*instanceStride + 0x0A
}

func newAggregateRig(t *testing.T) (*aggregateRig, *Controller) {
	t.Helper()
	rig := &aggregateRig{
		sim:  mmio.NewSim(RegionSize),
		core: &aggregateCore{},
	}

	// Both instances advertise five TX and five RX endpoints.
	rig.sim.Set(musb0Offset+0x78, 0x55)
	rig.sim.Set(musb1Offset+0x78, 0x55)

	rig.sim.ReadHook = func(offset uint32, width int) (uint32, bool) {
		switch offset {
		case usbssOffset + 0x10:
			// Wrapper SYSCONFIG: soft reset self-completes.
			if rig.resetSticks {
				return 1, true
			}

			return 0, true
		case intrUsbOffset(0):
			return rig.intrUsb[0], true
		case intrUsbOffset(1):
			return rig.intrUsb[1], true
		}

		return 0, false
	}

	rig.sim.WriteHook = func(offset uint32, width int, value uint32) bool {
		switch offset {
		case usbssOffset + 0x28, // wrapper IRQSTATUS
			control0Offset + 0x30, control0Offset + 0x34,
			control1Offset + 0x30, control1Offset + 0x34:
			rig.sim.Set(offset, rig.sim.Get(offset)&^value)
			return true
		case intrUsbOffset(0):
			rig.intrUsb[0] &^= value
			return true
		case intrUsbOffset(1):
			rig.intrUsb[1] &^= value
			return true
		}

		return false
	}

	controller, err := New(Config{
		Regs:           rig.sim,
		PhysicalBase:   testPhysicalBase,
		DescriptorMem:  make([]byte, 2048),
		DescriptorPhys: 0x9000_0000,
		LinkMem:        make([]byte, 256),
		LinkPhys:       0x9001_0000,
		Core:           rig.core,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return rig, controller
}

// ============================================================================
// Composition
// ============================================================================

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Core: &aggregateCore{}})
	if !errors.Is(err, pkg.ErrInvalidConfiguration) {
		t.Errorf("New() without registers: error = %v, "+
			"want ErrInvalidConfiguration", err)
	}

	_, err = New(Config{Regs: mmio.NewSim(RegionSize)})
	if !errors.Is(err, pkg.ErrInvalidConfiguration) {
		t.Errorf("New() without core: error = %v, "+
			"want ErrInvalidConfiguration", err)
	}
}

func TestInstanceIdentity(t *testing.T) {
	_, controller := newAggregateRig(t)
	tests := []struct {
		index int
		want  uint32
	}{
		{0, testPhysicalBase + musb0Offset},
		{1, testPhysicalBase + musb1Offset},
	}

	for _, tt := range tests {
		if got := controller.Instance(tt.index).Identifier(); got != tt.want {
			t.Errorf("Instance(%d).Identifier() = %#x, want %#x",
				tt.index, got, tt.want)
		}
	}
}

// ============================================================================
// Bring-up and teardown
// ============================================================================

func TestStartBringUp(t *testing.T) {
	rig, controller := newAggregateRig(t)
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := len(rig.core.controllers); got != 2 {
		t.Fatalf("registered controllers = %d, want 2", got)
	}

	for i, hc := range rig.core.controllers {
		if hc != controller.Instance(i) {
			t.Errorf("controller %d registered out of order", i)
		}
	}

	// Wrapper interrupt line fully masked; both instance lines unmasked.
	if got := rig.sim.Get(usbssOffset + 0x30); got != 0xFFFFFFFF {
		t.Errorf("wrapper IRQENABLECLR = %#08x, want all masked", got)
	}

	for _, base := range []uint32{control0Offset, control1Offset} {
		if got := rig.sim.Get(base + 0x38); got != 0xFFFFFFFF {
			t.Errorf("IRQENABLESET0 at %#x = %#08x, want all endpoints",
				base, got)
		}

		if got := rig.sim.Get(base + 0x3C); got != 0x01FF {
			t.Errorf("IRQENABLESET1 at %#x = %#08x, want USB core bits",
				base, got)
		}
	}

	if err := controller.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded, want error")
	}
}

func TestStartWrapperResetTimeout(t *testing.T) {
	restore := usbss.ResetTimeout
	usbss.ResetTimeout = time.Millisecond
	defer func() { usbss.ResetTimeout = restore }()

	rig, controller := newAggregateRig(t)
	rig.resetSticks = true

	err := controller.Start(context.Background())
	if !errors.Is(err, pkg.ErrTimeout) {
		t.Fatalf("Start() error = %v, want ErrTimeout", err)
	}

	if got := len(rig.core.controllers); got != 0 {
		t.Errorf("registered controllers = %d, want 0", got)
	}

	if got := rig.sim.Get(control0Offset + 0x38); got != 0 {
		t.Errorf("IRQENABLESET0 = %#08x after failed start, want untouched",
			got)
	}
}

func TestStartInstanceFailureUnwinds(t *testing.T) {
	rig, controller := newAggregateRig(t)

	// Instance 1 advertises mismatched TX and RX endpoint counts, so its
	// reset fails after instance 0 is already up.
	rig.sim.Set(musb1Offset+0x78, 0x45)

	err := controller.Start(context.Background())
	if !errors.Is(err, pkg.ErrInvalidConfiguration) {
		t.Fatalf("Start() error = %v, want ErrInvalidConfiguration", err)
	}

	if got := len(rig.core.controllers); got != 1 {
		t.Errorf("registered controllers = %d, want 1", got)
	}

	// Instance 0's line was unmasked during bring-up and must be masked
	// again by the unwind.
	if got := rig.sim.Get(control0Offset + 0x40); got != 0xFFFFFFFF {
		t.Errorf("IRQENABLECLR0 = %#08x, want all masked", got)
	}

	if got := rig.sim.Get(control0Offset + 0x44); got != 0x01FF {
		t.Errorf("IRQENABLECLR1 = %#08x, want USB core bits", got)
	}
}

func TestStopMasksBothInstances(t *testing.T) {
	rig, controller := newAggregateRig(t)
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	controller.Stop()
	for _, base := range []uint32{control0Offset, control1Offset} {
		if got := rig.sim.Get(base + 0x40); got != 0xFFFFFFFF {
			t.Errorf("IRQENABLECLR0 at %#x = %#08x, want all masked",
				base, got)
		}
	}
}

// ============================================================================
// Interrupt routing
// ============================================================================

func TestConnectInterruptRouting(t *testing.T) {
	rig, controller := newAggregateRig(t)
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Device connect raises instance 1's USB interrupt.
	rig.intrUsb[1] = 0x10
	if !controller.InterruptService(1) {
		t.Fatal("InterruptService(1) = false with connect pending")
	}

	if rig.intrUsb[1] != 0 {
		t.Errorf("interrupt status = %#x after service, want acknowledged",
			rig.intrUsb[1])
	}

	controller.InterruptDispatch(1)
	if rig.core.portChanges != 1 {
		t.Errorf("port changes = %d, want 1", rig.core.portChanges)
	}

	// The other instance saw nothing.
	if controller.InterruptService(0) {
		t.Error("InterruptService(0) = true with nothing pending")
	}
}

func TestSubsystemInterrupt(t *testing.T) {
	rig, controller := newAggregateRig(t)
	if controller.SubsystemInterrupt() {
		t.Error("SubsystemInterrupt() = true with nothing pending")
	}

	rig.sim.Set(usbssOffset+0x28, 0x3)
	if !controller.SubsystemInterrupt() {
		t.Fatal("SubsystemInterrupt() = false with status pending")
	}

	if controller.SubsystemInterrupt() {
		t.Error("SubsystemInterrupt() = true after acknowledge")
	}
}
