package musb

import (
	"errors"
	"testing"

	"github.com/ardnew/am3usb/cppi"
	"github.com/ardnew/am3usb/mmio"
	"github.com/ardnew/am3usb/pkg"
	"github.com/ardnew/am3usb/usbhost"
)

const (
	testPhysicalBase = 0x4740_1400
	testDescPhys     = 0x9000_0000
	testLinkPhys     = 0x9001_0000
	testBufferPhys   = 0xA000_0000
)

// testCore records USB core callbacks.
type testCore struct {
	controllers int
	portChanges int
	completed   []*usbhost.Transfer
}

func (c *testCore) RegisterController(usbhost.HostController) error {
	c.controllers++
	return nil
}

func (c *testCore) NotifyPortChange(usbhost.HostController) {
	c.portChanges++
}

func (c *testCore) ProcessCompletedTransfer(t *usbhost.Transfer) {
	c.completed = append(c.completed, t)
}

// testRig wires a controller to a simulated register window with a minimal
// device model: streaming FIFOs, write-one-to-clear interrupt registers,
// and a scripted control endpoint that answers every kick immediately.
type testRig struct {
	sim  *mmio.Sim
	core *testCore
	c    *Controller

	intrTx  uint16
	intrRx  uint16
	intrUsb uint8

	fifoIn  [MaxEndpoints][]byte
	fifoOut [MaxEndpoints][]byte

	powerWrites []uint8

	// Control endpoint device model.
	ep0CSR      uint16
	ep0Count    uint16
	ep0Response []byte
	ep0Stall    bool

	// DMA engine simulation.
	dmaSim    *mmio.Sim
	engine    *cppi.Engine
	dmaPops   map[int][]uint32
	teardowns int
}

func newTestRig(t *testing.T, withDMA bool) *testRig {
	t.Helper()
	rig := &testRig{
		sim:  mmio.NewSim(0x400),
		core: &testCore{},
	}

	rig.sim.ReadHook = rig.readHook
	rig.sim.WriteHook = rig.writeHook

	// Five hardware endpoints keeps the FIFO map small.
	rig.sim.Set(regEndpointInfo, 0x55)

	var engine *cppi.Engine
	if withDMA {
		rig.dmaSim = mmio.NewSim(0x6000)
		rig.dmaSim.ReadHook = rig.dmaReadHook
		rig.dmaPops = make(map[int][]uint32)

		var err error
		engine, err = cppi.NewEngine(cppi.Config{
			Regs:           rig.dmaSim,
			DescriptorMem:  make([]byte, 64*cppi.DescriptorSize),
			DescriptorPhys: testDescPhys,
			LinkMem:        make([]byte, 64*4),
			LinkPhys:       testLinkPhys,
		})
		if err != nil {
			t.Fatalf("cppi.NewEngine() error = %v", err)
		}

		engine.SetTeardownRequester(func(int, int, bool) {
			rig.teardowns++
		})

		engine.Reset()
		rig.engine = engine
	}

	controller, err := New(Config{
		Regs:         rig.sim,
		PhysicalBase: testPhysicalBase,
		DMA:          engine,
		Instance:     0,
		Core:         rig.core,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := controller.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	controller.connected = true
	rig.c = controller
	return rig
}

func (r *testRig) readHook(offset uint32, width int) (uint32, bool) {
	switch offset {
	case regInterruptTx:
		return uint32(r.intrTx), true
	case regInterruptRx:
		return uint32(r.intrRx), true
	case regInterruptUsb:
		if width == 1 {
			return uint32(r.intrUsb), true
		}
	case endpointControl(regTxControlStatus, 0):
		if width == 1 {
			return uint32(r.ep0CSR & 0xFF), true
		}
		return uint32(r.ep0CSR), true
	case endpointControl(regCount, 0):
		return uint32(r.ep0Count), true
	}

	if width == 1 && offset >= 0x20 && offset < 0x60 && (offset-0x20)%4 == 0 {
		endpoint := (offset - 0x20) / 4
		queue := r.fifoIn[endpoint]
		if len(queue) == 0 {
			return 0, true
		}

		r.fifoIn[endpoint] = queue[1:]
		return uint32(queue[0]), true
	}

	return 0, false
}

func (r *testRig) writeHook(offset uint32, width int, value uint32) bool {
	switch offset {
	case regInterruptTx:
		r.intrTx &^= uint16(value)
		return true
	case regInterruptRx:
		r.intrRx &^= uint16(value)
		return true
	case regInterruptUsb:
		if width == 1 {
			r.intrUsb &^= uint8(value)
			return true
		}
	case regPower:
		if width == 1 {
			r.powerWrites = append(r.powerWrites, uint8(value))
		}
		return false
	case endpointControl(regTxControlStatus, 0):
		r.ep0Write(width, value)
		return true
	}

	if width == 1 && offset >= 0x20 && offset < 0x60 && (offset-0x20)%4 == 0 {
		endpoint := (offset - 0x20) / 4
		r.fifoOut[endpoint] = append(r.fifoOut[endpoint], uint8(value))
		return true
	}

	return false
}

// ep0Write models a device behind hardware endpoint zero. A kick through
// the low byte of CSR0 completes immediately: OUT packets are consumed from
// the FIFO, IN requests are answered from ep0Response.
func (r *testRig) ep0Write(width int, value uint32) {
	if width == 2 {
		r.ep0CSR = uint16(value)
		return
	}

	low := uint16(value)
	kick := ep0ControlTxPacketReady | ep0ControlRequestPacket
	switch {
	case r.ep0Stall && low&uint16(kick) != 0:
		r.ep0CSR = ep0ControlRxStall
		r.intrTx |= 1

	case low&ep0ControlTxPacketReady != 0:
		r.ep0CSR = 0
		r.intrTx |= 1

	case low&ep0ControlRequestPacket != 0:
		size := len(r.ep0Response)
		if size > 64 {
			size = 64
		}

		r.fifoIn[0] = append(r.fifoIn[0], r.ep0Response[:size]...)
		r.ep0Response = r.ep0Response[size:]
		r.ep0Count = uint16(size)
		r.ep0CSR = ep0ControlRxPacketReady
		r.intrTx |= 1

	default:
		r.ep0CSR = low
	}
}

func (r *testRig) dmaReadHook(offset uint32, width int) (uint32, bool) {
	// Queue pop registers read destructively; everything else falls
	// through to backing memory.
	const queueBase = 0x2000 + 0x200C
	if width == 4 && offset >= queueBase && (offset-queueBase)%0x10 == 0 {
		queue := int((offset - queueBase) / 0x10)
		pops := r.dmaPops[queue]
		if len(pops) == 0 {
			return 0, true
		}

		r.dmaPops[queue] = pops[1:]
		return pops[0], true
	}

	return 0, false
}

// completeDma stages a descriptor on a completion queue and raises its
// pend bit.
func (r *testRig) completeDma(queue int, physical uint32) {
	r.dmaPops[queue] = append(r.dmaPops[queue], physical)
	pend := uint32(0x2000 + 0x90 + (queue/32)*4)
	r.dmaSim.Set(pend, r.dmaSim.Get(pend)|1<<uint(queue%32))
}

// interrupt runs one service and dispatch round, as the platform interrupt
// plumbing would.
func (r *testRig) interrupt(t *testing.T) {
	t.Helper()
	if !r.c.InterruptService() {
		t.Fatal("InterruptService() = false, want claimed")
	}

	r.c.InterruptDispatch()
}

func (r *testRig) bulkEndpoint(t *testing.T, number uint8, direction usbhost.Direction) *SoftEndpoint {
	t.Helper()
	endpoint, err := r.c.CreateEndpoint(&usbhost.EndpointConfig{
		Number:        number,
		Type:          usbhost.TransferBulk,
		Direction:     direction,
		Speed:         usbhost.SpeedHigh,
		MaxPacketSize: 512,
	})
	if err != nil {
		t.Fatalf("CreateEndpoint() error = %v", err)
	}

	return endpoint.(*SoftEndpoint)
}

// ============================================================================
// Reset and discovery
// ============================================================================

func TestResetDiscoversEndpoints(t *testing.T) {
	rig := newTestRig(t, false)
	if rig.c.endpointCount != 5 {
		t.Fatalf("endpointCount = %d, want 5", rig.c.endpointCount)
	}

	for endpoint := 1; endpoint < 5; endpoint++ {
		hard := &rig.c.endpoints[endpoint]
		if hard.txFifo != 512 || hard.rxFifo != 512 {
			t.Errorf("endpoint %d FIFO = %d/%d, want 512/512",
				endpoint, hard.txFifo, hard.rxFifo)
		}
	}

	if got := uint16(rig.sim.Get(regInterruptTxEn)); got != 0xFFFF {
		t.Errorf("INTRTXE = %#04x, want 0xFFFF", got)
	}

	wantUsb := uint8(0xFF &^ usbInterruptSof)
	if got := uint8(rig.sim.Get(regInterruptUsbEn)); got != wantUsb {
		t.Errorf("INTRUSBE = %#02x, want %#02x", got, wantUsb)
	}

	if rig.sim.Get(regDeviceControl)&deviceControlSession == 0 {
		t.Error("session bit not set in DEVCTL")
	}
}

func TestResetEndpointCountMismatch(t *testing.T) {
	sim := mmio.NewSim(0x400)
	sim.Set(regEndpointInfo, 0x45)
	controller, err := New(Config{Regs: sim, Core: &testCore{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := controller.Reset(); !errors.Is(err, pkg.ErrInvalidConfiguration) {
		t.Fatalf("Reset() error = %v, want ErrInvalidConfiguration", err)
	}
}

// ============================================================================
// Endpoint creation
// ============================================================================

func TestCreateEndpointInterval(t *testing.T) {
	tests := []struct {
		name     string
		speed    usbhost.Speed
		kind     usbhost.TransferType
		pollRate uint16
		want     uint8
	}{
		{"high speed interrupt", usbhost.SpeedHigh, usbhost.TransferInterrupt, 8, 4},
		{"high speed bulk no nak limit", usbhost.SpeedHigh, usbhost.TransferBulk, 0, 0},
		{"high speed interrupt capped", usbhost.SpeedHigh, usbhost.TransferInterrupt, 0x8000, 16},
		{"full speed interrupt frames", usbhost.SpeedFull, usbhost.TransferInterrupt, 10, 10},
		{"full speed bulk nak limit", usbhost.SpeedFull, usbhost.TransferBulk, 4, 3},
		{"full speed isochronous", usbhost.SpeedFull, usbhost.TransferIsochronous, 8, 4},
		{"low speed interrupt frames", usbhost.SpeedLow, usbhost.TransferInterrupt, 255, 255},
		{"control interval forced zero", usbhost.SpeedHigh, usbhost.TransferControl, 8, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, false)
			endpoint, err := rig.c.CreateEndpoint(&usbhost.EndpointConfig{
				Number:        1,
				Type:          tt.kind,
				Direction:     usbhost.DirectionIn,
				Speed:         tt.speed,
				MaxPacketSize: 64,
				PollRate:      tt.pollRate,
			})
			if err != nil {
				t.Fatalf("CreateEndpoint() error = %v", err)
			}

			if got := endpoint.(*SoftEndpoint).interval; got != tt.want {
				t.Errorf("interval = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCreateEndpointInvalid(t *testing.T) {
	rig := newTestRig(t, false)
	_, err := rig.c.CreateEndpoint(&usbhost.EndpointConfig{
		Number:        1,
		Type:          usbhost.TransferBulk,
		Speed:         usbhost.SpeedUnknown,
		MaxPacketSize: 512,
	})
	if !errors.Is(err, pkg.ErrInvalidConfiguration) {
		t.Errorf("unknown speed error = %v, want ErrInvalidConfiguration", err)
	}

	_, err = rig.c.CreateEndpoint(&usbhost.EndpointConfig{
		Number:        1,
		Type:          usbhost.TransferType(7),
		Speed:         usbhost.SpeedHigh,
		MaxPacketSize: 512,
	})
	if !errors.Is(err, pkg.ErrInvalidConfiguration) {
		t.Errorf("bad type error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestAssignEndpointDistribution(t *testing.T) {
	rig := newTestRig(t, false)

	// Idle channels are handed out round robin; once every channel has
	// been visited the cursor wraps back past endpoint zero.
	want := []uint8{1, 2, 3, 4, 1}
	for i, wantIndex := range want {
		endpoint := rig.bulkEndpoint(t, uint8(i+1), usbhost.DirectionOut)
		if endpoint.hardwareIndex != wantIndex {
			t.Errorf("endpoint %d hardwareIndex = %d, want %d",
				i+1, endpoint.hardwareIndex, wantIndex)
		}
	}
}

func TestControlEndpointPinned(t *testing.T) {
	rig := newTestRig(t, true)
	endpoint, err := rig.c.CreateEndpoint(&usbhost.EndpointConfig{
		Number:        0,
		Type:          usbhost.TransferControl,
		Direction:     usbhost.DirectionIn,
		Speed:         usbhost.SpeedHigh,
		MaxPacketSize: 64,
	})
	if err != nil {
		t.Fatalf("CreateEndpoint() error = %v", err)
	}

	soft := endpoint.(*SoftEndpoint)
	if soft.hardwareIndex != 0 {
		t.Errorf("hardwareIndex = %d, want 0", soft.hardwareIndex)
	}

	if soft.direction != usbhost.DirectionOut {
		t.Errorf("direction = %v, want forced OUT", soft.direction)
	}

	if soft.control != 0 {
		t.Errorf("control shadow = %#04x, want no DMA bits", soft.control)
	}
}

func TestResetEndpointClearsToggle(t *testing.T) {
	rig := newTestRig(t, false)
	endpoint := rig.bulkEndpoint(t, 1, usbhost.DirectionIn)
	endpoint.control |= rxControlDataToggle
	rig.c.endpoints[endpoint.hardwareIndex].current = endpoint

	rig.c.ResetEndpoint(endpoint, 512)
	if endpoint.control&rxControlDataToggle != 0 {
		t.Error("data toggle still set in control shadow")
	}

	register := endpointControl(regRxControlStatus, endpoint.hardwareIndex)
	if got := uint16(rig.sim.Get(register)); got&rxControlClearToggle == 0 {
		t.Errorf("RXCSR = %#04x, want clear-toggle written", got)
	}
}

// ============================================================================
// USB interrupts
// ============================================================================

func TestInterruptServiceIdle(t *testing.T) {
	rig := newTestRig(t, false)
	if rig.c.InterruptService() {
		t.Error("InterruptService() = true with nothing pending")
	}

	if rig.c.InterruptDispatch() {
		t.Error("InterruptDispatch() = true with nothing pending")
	}
}

func TestConnectInterrupt(t *testing.T) {
	rig := newTestRig(t, false)
	rig.c.connected = false

	rig.intrUsb |= usbInterruptConnect
	rig.interrupt(t)

	if !rig.c.connected {
		t.Error("controller not marked connected")
	}

	if rig.core.portChanges != 1 {
		t.Errorf("portChanges = %d, want 1", rig.core.portChanges)
	}

	if rig.intrUsb != 0 {
		t.Errorf("INTRUSB = %#02x, want acknowledged", rig.intrUsb)
	}
}

func TestVbusErrorRestartsSession(t *testing.T) {
	rig := newTestRig(t, false)
	rig.sim.Write8(regDeviceControl, 0)

	rig.intrUsb |= usbInterruptVbusError
	rig.interrupt(t)

	if rig.sim.Get(regDeviceControl)&deviceControlSession == 0 {
		t.Error("session bit not restored in DEVCTL")
	}
}

// ============================================================================
// Root hub
// ============================================================================

func TestRootHubStatus(t *testing.T) {
	tests := []struct {
		name       string
		power      uint8
		devControl uint8
		wantStatus uint16
		wantSpeed  usbhost.Speed
	}{
		{"disconnected", 0, 0, 0, usbhost.SpeedUnknown},
		{
			"high speed", powerHighSpeed, 0,
			usbhost.PortStatusConnected | usbhost.PortStatusEnabled,
			usbhost.SpeedHigh,
		},
		{
			"full speed", 0, deviceControlFullSpeed,
			usbhost.PortStatusConnected | usbhost.PortStatusEnabled,
			usbhost.SpeedFull,
		},
		{
			"low speed", 0, deviceControlLowSpeed,
			usbhost.PortStatusConnected | usbhost.PortStatusEnabled,
			usbhost.SpeedLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, false)
			rig.sim.Write8(regPower, tt.power)
			rig.sim.Write8(regDeviceControl, tt.devControl)

			var status usbhost.HubStatus
			if err := rig.c.RootHubStatus(&status); err != nil {
				t.Fatalf("RootHubStatus() error = %v", err)
			}

			port := &status.Ports[0]
			if port.Status != tt.wantStatus {
				t.Errorf("Status = %#04x, want %#04x",
					port.Status, tt.wantStatus)
			}

			if port.Change != tt.wantStatus {
				t.Errorf("Change = %#04x, want %#04x",
					port.Change, tt.wantStatus)
			}

			if port.Speed != tt.wantSpeed {
				t.Errorf("Speed = %v, want %v", port.Speed, tt.wantSpeed)
			}

			// A second read with no hardware change reports no change.
			port.Change = 0
			if err := rig.c.RootHubStatus(&status); err != nil {
				t.Fatalf("RootHubStatus() error = %v", err)
			}

			if port.Change != 0 {
				t.Errorf("Change after re-read = %#04x, want 0", port.Change)
			}
		})
	}
}

func TestSetRootHubStatusReset(t *testing.T) {
	rig := newTestRig(t, false)
	var status usbhost.HubStatus
	status.Ports[0].Status = usbhost.PortStatusReset
	status.Ports[0].Change = usbhost.PortStatusReset | usbhost.PortStatusEnabled

	if err := rig.c.SetRootHubStatus(&status); err != nil {
		t.Fatalf("SetRootHubStatus() error = %v", err)
	}

	var asserted, released bool
	for _, value := range rig.powerWrites {
		if value&powerReset != 0 {
			asserted = true
		} else if asserted {
			released = true
		}
	}

	if !asserted || !released {
		t.Errorf("POWER writes %#02x: reset not pulsed", rig.powerWrites)
	}

	if status.Ports[0].Change != 0 {
		t.Errorf("Change = %#04x, want all handled", status.Ports[0].Change)
	}
}
