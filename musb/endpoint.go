package musb

import (
	"fmt"
	"math/bits"

	"github.com/ardnew/am3usb/pkg"
	"github.com/ardnew/am3usb/usbhost"
)

// fifoDirection selects which FIFO a layout entry configures.
type fifoDirection uint8

const (
	fifoTx fifoDirection = iota
	fifoRx
)

type fifoConfiguration struct {
	endpoint      uint8
	direction     fifoDirection
	maxPacketSize uint16
}

// fifoLayout is the fixed FIFO RAM map programmed at reset. Endpoints 1-9
// get full 512-byte FIFOs in both directions; the tail endpoints trade
// symmetry for a few large FIFOs.
var fifoLayout = []fifoConfiguration{
	{1, fifoTx, 512}, {1, fifoRx, 512},
	{2, fifoTx, 512}, {2, fifoRx, 512},
	{3, fifoTx, 512}, {3, fifoRx, 512},
	{4, fifoTx, 512}, {4, fifoRx, 512},
	{5, fifoTx, 512}, {5, fifoRx, 512},
	{6, fifoTx, 512}, {6, fifoRx, 512},
	{7, fifoTx, 512}, {7, fifoRx, 512},
	{8, fifoTx, 512}, {8, fifoRx, 512},
	{9, fifoTx, 512}, {9, fifoRx, 512},
	{10, fifoTx, 256}, {10, fifoRx, 64},
	{11, fifoTx, 256}, {11, fifoRx, 64},
	{12, fifoTx, 256}, {12, fifoRx, 64},
	{13, fifoTx, 4096},
	{14, fifoRx, 1024},
	{15, fifoTx, 1024},
}

// configureFifo programs one endpoint FIFO's size and placement and
// advances the FIFO RAM offset.
func (c *Controller) configureFifo(layout fifoConfiguration, offset *uint32) {
	current := *offset
	*offset += uint32(layout.maxPacketSize)

	// The size register is logarithmic: max packet size is 2^(value+3) in
	// single-buffer mode. The address register is in 8-byte units.
	sizeValue := uint8(bits.TrailingZeros16(layout.maxPacketSize)) - 3
	hardEndpoint := &c.endpoints[layout.endpoint]
	if layout.direction == fifoTx {
		hardEndpoint.txFifo = layout.maxPacketSize
		c.writeIndexed8(layout.endpoint, regTxFifoSize, sizeValue)
		c.writeIndexed16(layout.endpoint, regTxFifoAddress, uint16(current>>3))
	} else {
		hardEndpoint.rxFifo = layout.maxPacketSize
		c.writeIndexed8(layout.endpoint, regRxFifoSize, sizeValue)
		c.writeIndexed16(layout.endpoint, regRxFifoAddress, uint16(current>>3))
	}
}

// SoftEndpoint is the controller's state for one USB-core endpoint. It
// migrates between hardware endpoints over its life; control endpoints are
// pinned to hardware endpoint zero.
type SoftEndpoint struct {
	endpointNumber uint8
	device         uint8
	hubAddress     uint8
	hubPort        uint8
	transferType   usbhost.TransferType
	direction      usbhost.Direction
	maxPayload     uint16

	// typeValue is the packed TXTYPE/RXTYPE byte: target endpoint,
	// protocol, and speed.
	typeValue uint8

	// interval is the encoded poll interval, a NAK limit or frame count
	// depending on speed and type.
	interval uint8

	// control shadows the endpoint control register, carrying the DMA
	// enable bits and the cached data toggle.
	control uint16

	hardwareIndex uint8
	inFlight      int
}

// HostEndpoint marks SoftEndpoint as a usbhost endpoint handle.
func (*SoftEndpoint) HostEndpoint() {}

// CreateEndpoint allocates controller state for a newly opened endpoint.
func (c *Controller) CreateEndpoint(config *usbhost.EndpointConfig) (usbhost.Endpoint, error) {
	// For high speed endpoints the hardware interval is 2^(value-1)
	// microframes. The same encoding covers full speed isochronous and
	// bulk (NAK limit). Other full/low speed endpoints use a frame count.
	pollRate := config.PollRate
	if config.Speed == usbhost.SpeedHigh ||
		(config.Speed == usbhost.SpeedFull &&
			(config.Type == usbhost.TransferIsochronous ||
				config.Type == usbhost.TransferBulk)) {

		if pollRate != 0 {
			pollRate = uint16(bits.TrailingZeros16(pollRate)) + 1
			if pollRate > 16 {
				pollRate = 16
			}
		}
	}

	endpoint := &SoftEndpoint{
		endpointNumber: config.Number,
		hubAddress:     config.HubAddress,
		hubPort:        config.HubPort,
		transferType:   config.Type,
		direction:      config.Direction,
		maxPayload:     config.MaxPacketSize,
		interval:       uint8(pollRate),
	}

	typeValue := config.Number & typeTargetEndpointMask
	switch config.Speed {
	case usbhost.SpeedLow:
		typeValue |= typeSpeedLow
	case usbhost.SpeedFull:
		typeValue |= typeSpeedFull
	case usbhost.SpeedHigh:
		typeValue |= typeSpeedHigh
	default:
		return nil, fmt.Errorf("%w: unsupported speed %v",
			pkg.ErrInvalidConfiguration, config.Speed)
	}

	switch config.Type {
	case usbhost.TransferControl:
		typeValue |= typeProtocolControl
		endpoint.hardwareIndex = 0
		endpoint.interval = 0
	case usbhost.TransferInterrupt:
		typeValue |= typeProtocolInterrupt
	case usbhost.TransferBulk:
		typeValue |= typeProtocolBulk
	case usbhost.TransferIsochronous:
		typeValue |= typeProtocolIsochronous
	default:
		return nil, fmt.Errorf("%w: unsupported transfer type %v",
			pkg.ErrInvalidConfiguration, config.Type)
	}

	endpoint.typeValue = typeValue

	if config.Type == usbhost.TransferControl {
		// Control endpoints run through the TX control register at
		// hardware endpoint zero, so treat them as OUT. DMA never
		// applies.
		endpoint.direction = usbhost.DirectionOut
	} else {
		if !DisableDMA && c.dma != nil {
			if config.Direction == usbhost.DirectionOut {
				endpoint.control = txControlDmaEnable | txControlDmaMode
			} else {
				endpoint.control = rxControlDmaEnable
			}
		}

		c.mu.Lock()
		c.assignEndpoint(endpoint)
		c.mu.Unlock()
	}

	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint created",
		"instance", c.instance, "endpoint", config.Number,
		"type", config.Type, "speed", config.Speed)

	return endpoint, nil
}

// ResetEndpoint clears the endpoint's cached data toggle and updates its
// maximum packet size. Only control endpoints change packet sizes.
func (c *Controller) ResetEndpoint(endpoint usbhost.Endpoint, maxPacketSize uint16) {
	softEndpoint := endpoint.(*SoftEndpoint)
	softEndpoint.maxPayload = maxPacketSize

	c.mu.Lock()
	defer c.mu.Unlock()

	if softEndpoint.hardwareIndex == 0 {
		softEndpoint.control &^= ep0ControlDataToggle
	} else if softEndpoint.direction == usbhost.DirectionIn {
		softEndpoint.control &^= rxControlDataToggle
	} else {
		softEndpoint.control &^= txControlDataToggle
	}

	// If this endpoint is currently programmed into its hardware channel,
	// clear the toggle in hardware too.
	hardEndpoint := &c.endpoints[softEndpoint.hardwareIndex]
	if hardEndpoint.current != softEndpoint {
		return
	}

	if softEndpoint.hardwareIndex == 0 {
		register := endpointControl(regTxControlStatus, 0)
		c.regs.Write16(register,
			softEndpoint.control|ep0ControlDataToggleWrite)
		c.regs.Write16(endpointControl(regTxMaxPacketSize, 0),
			softEndpoint.maxPayload)
	} else if softEndpoint.direction == usbhost.DirectionIn {
		register := endpointControl(regRxControlStatus,
			softEndpoint.hardwareIndex)
		c.regs.Write16(register, softEndpoint.control|rxControlClearToggle)
	} else {
		register := endpointControl(regTxControlStatus,
			softEndpoint.hardwareIndex)
		c.regs.Write16(register, softEndpoint.control|txControlClearToggle)
	}
}

// DestroyEndpoint releases controller state for a closed endpoint.
func (c *Controller) DestroyEndpoint(endpoint usbhost.Endpoint) {
	softEndpoint := endpoint.(*SoftEndpoint)
	hardEndpoint := &c.endpoints[softEndpoint.hardwareIndex]
	if hardEndpoint.current == softEndpoint {
		c.mu.Lock()
		if hardEndpoint.current == softEndpoint {
			hardEndpoint.current = nil
		}
		c.mu.Unlock()
	}
}

// assignEndpoint binds a software endpoint to a hardware endpoint. It
// prefers an idle channel with enough FIFO space and avoids moving the
// endpoint when possible. Callers hold the controller lock.
func (c *Controller) assignEndpoint(softEndpoint *SoftEndpoint) {
	// Control endpoints always use hardware endpoint zero, by hardware
	// mandate.
	if softEndpoint.typeValue&typeProtocolMask == typeProtocolControl {
		softEndpoint.hardwareIndex = 0
		return
	}

	// With transfers in flight the endpoint cannot move; that would
	// reorder transfers on the bus.
	if softEndpoint.inFlight != 0 {
		return
	}

	var alternate uint8
	searchIndex := softEndpoint.hardwareIndex
	if searchIndex == 0 {
		searchIndex = c.nextAssignment
		c.nextAssignment++
		if int(c.nextAssignment) == c.endpointCount {
			c.nextAssignment = 1
		}
	}

	for i := 1; i < c.endpointCount; i++ {
		hardEndpoint := &c.endpoints[searchIndex]
		var fifoSize uint16
		if softEndpoint.direction == usbhost.DirectionOut {
			fifoSize = hardEndpoint.txFifo
		} else {
			fifoSize = hardEndpoint.rxFifo
		}

		if softEndpoint.maxPayload <= fifoSize {
			// An idle channel with enough FIFO wins immediately.
			if len(hardEndpoint.transfers) == 0 {
				softEndpoint.hardwareIndex = searchIndex
				return
			}

			if alternate == 0 {
				alternate = searchIndex

				// The endpoint is moving off its previous channel, so
				// drop the saved configuration; the endpoint may be
				// destroyed without ever clearing this pointer.
				if hardEndpoint.current == softEndpoint {
					hardEndpoint.current = nil
				}
			}
		}

		searchIndex++
		if int(searchIndex) == c.endpointCount {
			searchIndex = 1
		}
	}

	// Every fitting channel is busy; share the first one found.
	softEndpoint.hardwareIndex = alternate
}

// configureHardwareEndpoint programs the hardware channel registers for the
// given software endpoint if it is not already current. Callers hold the
// controller lock.
func (c *Controller) configureHardwareEndpoint(softEndpoint *SoftEndpoint) {
	hardIndex := softEndpoint.hardwareIndex
	hardEndpoint := &c.endpoints[hardIndex]

	// If the channel is already set up from last time, just refresh the
	// control register.
	if hardEndpoint.current == softEndpoint {
		var register uint32
		if softEndpoint.direction == usbhost.DirectionOut {
			register = endpointControl(regTxControlStatus, hardIndex)
		} else {
			register = endpointControl(regRxControlStatus, hardIndex)
		}

		c.regs.Write16(register, softEndpoint.control)
		return
	}

	if softEndpoint.direction == usbhost.DirectionOut {
		c.txInterruptEnable &^= 1 << hardIndex
		c.regs.Write16(regInterruptTxEn, c.txInterruptEnable)

		c.regs.Write16(endpointControl(regTxMaxPacketSize, hardIndex),
			softEndpoint.maxPayload)

		var control uint16
		if hardIndex == 0 {
			control = softEndpoint.control | ep0ControlDataToggleWrite
		} else {
			control = softEndpoint.control | txControlDataToggleWrite
		}

		c.regs.Write16(endpointControl(regTxControlStatus, hardIndex), control)
		c.regs.Write8(endpointControl(regTxType, hardIndex),
			softEndpoint.typeValue)

		c.regs.Write8(endpointControl(regTxInterval, hardIndex),
			softEndpoint.interval)

		c.regs.Write8(endpointSetup(regTxFunctionAddress, hardIndex),
			softEndpoint.device)

		c.regs.Write8(endpointSetup(regTxHubAddress, hardIndex),
			softEndpoint.hubAddress)

		c.regs.Write8(endpointSetup(regTxHubPort, hardIndex),
			softEndpoint.hubPort)

		// The control endpoint receives too, so mirror the setup
		// registers for the RX side.
		if hardIndex == 0 {
			c.regs.Write8(endpointSetup(regRxFunctionAddress, hardIndex),
				softEndpoint.device)

			c.regs.Write8(endpointSetup(regRxHubAddress, hardIndex),
				softEndpoint.hubAddress)

			c.regs.Write8(endpointSetup(regRxHubPort, hardIndex),
				softEndpoint.hubPort)
		}
	} else {
		c.rxInterruptEnable &^= 1 << hardIndex
		c.regs.Write16(regInterruptRxEn, c.rxInterruptEnable)

		c.regs.Write16(endpointControl(regRxMaxPacketSize, hardIndex),
			softEndpoint.maxPayload)

		c.regs.Write16(endpointControl(regRxControlStatus, hardIndex),
			softEndpoint.control|rxControlDataToggleWrite)

		c.regs.Write8(endpointControl(regRxType, hardIndex),
			softEndpoint.typeValue)

		c.regs.Write8(endpointControl(regRxInterval, hardIndex),
			softEndpoint.interval)

		c.regs.Write8(endpointSetup(regRxFunctionAddress, hardIndex),
			softEndpoint.device)

		c.regs.Write8(endpointSetup(regRxHubAddress, hardIndex),
			softEndpoint.hubAddress)

		c.regs.Write8(endpointSetup(regRxHubPort, hardIndex),
			softEndpoint.hubPort)
	}

	hardEndpoint.current = softEndpoint
}
