package usbhost

import "github.com/ardnew/am3usb/pkg"

// TransferFlags modify transfer execution.
type TransferFlags uint8

// Transfer flag values.
const (
	// FlagForceShortTransfer forces an OUT transfer to end with a short or
	// zero-length packet even when the length is a multiple of the maximum
	// packet size.
	FlagForceShortTransfer TransferFlags = 1 << iota

	// FlagNoShortTransfers marks a short IN packet as an error instead of a
	// normal early completion.
	FlagNoShortTransfers
)

// Transfer is one USB transfer as seen by the USB core. The core owns the
// structure; the controller fills in LengthTransferred, Status, and Error
// before handing it back through Core.ProcessCompletedTransfer.
type Transfer struct {
	DeviceAddress  uint8        // Target device address
	EndpointNumber uint8        // Target endpoint number
	Type           TransferType // Transfer type
	Direction      Direction    // Data phase direction
	Flags          TransferFlags

	// Buffer holds the transfer data. For control transfers the first 8
	// bytes are the setup packet. BufferPhysical is the 32-bit physical
	// address of the same memory, used for DMA; it must refer to physically
	// contiguous, uncached memory when DMA is in use.
	Buffer         []byte
	BufferPhysical uint32
	Length         int

	// Completion results.
	LengthTransferred int
	Status            error
	Error             pkg.TransferError
}

// Root hub port status bits (USB 2.0 hub class, wPortStatus).
const (
	PortStatusConnected   = 1 << 0
	PortStatusEnabled     = 1 << 1
	PortStatusSuspended   = 1 << 2
	PortStatusOverCurrent = 1 << 3
	PortStatusReset       = 1 << 4
)

// PortStatus holds the status and change bits for one root hub port, in the
// standard hub-class layout. The change word accumulates across calls to
// HostController.RootHubStatus; the USB core clears bits through
// HostController.SetRootHubStatus.
type PortStatus struct {
	Status uint16 // PortStatus* bits currently asserted
	Change uint16 // PortStatus* bits that changed since last cleared
	Speed  Speed  // Speed of the attached device, if any
}

// HubStatus holds the root hub port array.
type HubStatus struct {
	Ports [RootHubPortCount]PortStatus
}

// HostController is the interface a host controller driver registers with
// the USB core: endpoint lifecycle, transfer lifecycle, and root hub status.
type HostController interface {
	// CreateEndpoint allocates controller state for a newly opened endpoint.
	CreateEndpoint(config *EndpointConfig) (Endpoint, error)

	// ResetEndpoint clears the endpoint's data toggle and updates its
	// maximum packet size.
	ResetEndpoint(endpoint Endpoint, maxPacketSize uint16)

	// FlushEndpoint drains all active transfers on the endpoint by polling,
	// returning the number of transfers completed. Used for crash-dump and
	// debug I/O when interrupts are unavailable.
	FlushEndpoint(endpoint Endpoint) (int, error)

	// DestroyEndpoint releases controller state for a closed endpoint.
	DestroyEndpoint(endpoint Endpoint)

	// CreateTransfer allocates controller state for a transfer of up to
	// maxBufferSize bytes with the given flags.
	CreateTransfer(endpoint Endpoint, maxBufferSize int, flags TransferFlags) (TransferHandle, error)

	// DestroyTransfer releases controller transfer state.
	DestroyTransfer(endpoint Endpoint, handle TransferHandle)

	// SubmitTransfer queues a transfer for execution.
	SubmitTransfer(endpoint Endpoint, transfer *Transfer, handle TransferHandle) error

	// SubmitPolledTransfer executes a transfer by busy-polling, without
	// interrupts or locks. Used for crash-dump and debug I/O.
	SubmitPolledTransfer(endpoint Endpoint, transfer *Transfer, handle TransferHandle) error

	// CancelTransfer attempts to cancel a previously submitted transfer.
	// Returns pkg.ErrTooLate if the transfer already completed.
	CancelTransfer(endpoint Endpoint, transfer *Transfer, handle TransferHandle) error

	// RootHubStatus updates the hub status structure with the current port
	// state, accumulating change bits.
	RootHubStatus(status *HubStatus) error

	// SetRootHubStatus applies port state requested by the USB core,
	// consuming change bits.
	SetRootHubStatus(status *HubStatus) error
}

// Core is the interface the controller driver consumes from the USB core.
type Core interface {
	// RegisterController makes a started host controller available to the
	// USB core for enumeration.
	RegisterController(hc HostController) error

	// NotifyPortChange tells the core that root hub port status changed.
	NotifyPortChange(hc HostController)

	// ProcessCompletedTransfer hands a finished transfer back to the core.
	// Called with controller locks held; the core must not resubmit from
	// within the callback.
	ProcessCompletedTransfer(transfer *Transfer)
}
