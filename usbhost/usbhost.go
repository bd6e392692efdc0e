package usbhost

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns a human-readable transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Direction indicates the direction of a USB transfer or endpoint.
type Direction uint8

// Transfer direction constants, from the host's point of view.
const (
	DirectionOut Direction = iota // Host to device
	DirectionIn                   // Device to host
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// Host controller identity constants.
const (
	// MaxDeviceAddress is the highest assignable USB device address.
	MaxDeviceAddress = 0x7F

	// RootHubPortCount is the number of root hub ports on the controller.
	RootHubPortCount = 1
)

// EndpointConfig describes an endpoint being opened by the USB core.
type EndpointConfig struct {
	Number        uint8        // Endpoint number (0-15)
	Type          TransferType // Transfer type
	Direction     Direction    // Transfer direction
	Speed         Speed        // Device speed
	MaxPacketSize uint16       // Maximum packet size in bytes
	PollRate      uint16       // Polling rate: frames, microframes, or NAK rate
	HubAddress    uint8        // Address of the hub for full/low speed splits
	HubPort       uint8        // Port on that hub
}

// Endpoint is an opaque handle to a controller endpoint, returned by
// HostController.CreateEndpoint and passed back on every endpoint operation.
type Endpoint interface {
	HostEndpoint()
}

// TransferHandle is an opaque handle to controller transfer state, returned
// by HostController.CreateTransfer and passed back on submit and cancel.
type TransferHandle interface {
	HostTransfer()
}
