package pkg

import "errors"

// Controller errors.
var (
	// ErrResourceExhausted indicates a descriptor pool or memory allocation
	// failure.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrInvalidConfiguration indicates a missing or wrong-sized register
	// window, a missing interrupt, or an invalid endpoint type or speed.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrDeviceIO indicates a hardware fault: a DMA reap or teardown timeout,
	// or an unexpected descriptor observed on a hardware queue.
	ErrDeviceIO = errors.New("device I/O error")

	// ErrTimeout indicates a hardware operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrTooLate indicates an attempt to cancel a transfer that has already
	// completed.
	ErrTooLate = errors.New("too late")

	// ErrNotConnected indicates no device is connected to the root port.
	ErrNotConnected = errors.New("device not connected")
)

// Transfer errors reported to the USB core.
var (
	// ErrCRC indicates a CRC or bus timeout error on the wire.
	ErrCRC = errors.New("CRC or timeout error")

	// ErrStalled indicates the device stalled the endpoint.
	ErrStalled = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK limit was exceeded.
	ErrNAK = errors.New("NAK received")

	// ErrShortPacket indicates a short packet arrived on a transfer that
	// disallowed them.
	ErrShortPacket = errors.New("short packet")

	// ErrCancelled indicates the transfer was cancelled.
	ErrCancelled = errors.New("transfer cancelled")
)

// TransferError identifies the specific failure reported for a completed USB
// transfer.
type TransferError int

// Transfer error values.
const (
	TransferErrorNone               TransferError = iota // No error
	TransferErrorCRCOrTimeout                            // CRC error or bus timeout
	TransferErrorStalled                                 // Endpoint stalled
	TransferErrorNAKReceived                             // NAK limit exceeded
	TransferErrorShortPacket                             // Disallowed short packet
	TransferErrorDeviceNotConnected                      // Device disconnected
	TransferErrorCancelled                               // Transfer cancelled
)

// String returns a string representation of the transfer error.
func (e TransferError) String() string {
	switch e {
	case TransferErrorNone:
		return "none"
	case TransferErrorCRCOrTimeout:
		return "crc-or-timeout"
	case TransferErrorStalled:
		return "stalled"
	case TransferErrorNAKReceived:
		return "nak-received"
	case TransferErrorShortPacket:
		return "short-packet"
	case TransferErrorDeviceNotConnected:
		return "not-connected"
	case TransferErrorCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error returns the corresponding sentinel error for the transfer error.
func (e TransferError) Error() error {
	switch e {
	case TransferErrorNone:
		return nil
	case TransferErrorCRCOrTimeout:
		return ErrCRC
	case TransferErrorStalled:
		return ErrStalled
	case TransferErrorNAKReceived:
		return ErrNAK
	case TransferErrorShortPacket:
		return ErrShortPacket
	case TransferErrorDeviceNotConnected:
		return ErrNotConnected
	case TransferErrorCancelled:
		return ErrCancelled
	default:
		return ErrDeviceIO
	}
}
