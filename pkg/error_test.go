package pkg

import (
	"errors"
	"testing"
)

func TestTransferError_String(t *testing.T) {
	tests := []struct {
		te   TransferError
		want string
	}{
		{TransferErrorNone, "none"},
		{TransferErrorCRCOrTimeout, "crc-or-timeout"},
		{TransferErrorStalled, "stalled"},
		{TransferErrorNAKReceived, "nak-received"},
		{TransferErrorShortPacket, "short-packet"},
		{TransferErrorDeviceNotConnected, "not-connected"},
		{TransferErrorCancelled, "cancelled"},
		{TransferError(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.te.String(); got != tt.want {
				t.Errorf("TransferError.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransferError_Error(t *testing.T) {
	tests := []struct {
		te      TransferError
		wantErr error
	}{
		{TransferErrorNone, nil},
		{TransferErrorCRCOrTimeout, ErrCRC},
		{TransferErrorStalled, ErrStalled},
		{TransferErrorNAKReceived, ErrNAK},
		{TransferErrorShortPacket, ErrShortPacket},
		{TransferErrorDeviceNotConnected, ErrNotConnected},
		{TransferErrorCancelled, ErrCancelled},
		{TransferError(99), ErrDeviceIO},
	}

	for _, tt := range tests {
		t.Run(tt.te.String(), func(t *testing.T) {
			err := tt.te.Error()
			if tt.wantErr == nil && err != nil {
				t.Errorf("TransferError.Error() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("TransferError.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSentinelErrors(t *testing.T) {
	// Verify all sentinel errors are distinct
	errs := []error{
		ErrResourceExhausted,
		ErrInvalidConfiguration,
		ErrDeviceIO,
		ErrTimeout,
		ErrTooLate,
		ErrNotConnected,
		ErrCRC,
		ErrStalled,
		ErrNAK,
		ErrShortPacket,
		ErrCancelled,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err     error
		wantMsg string
	}{
		{ErrResourceExhausted, "resources exhausted"},
		{ErrDeviceIO, "device I/O error"},
		{ErrTooLate, "too late"},
		{ErrStalled, "endpoint stalled"},
		{ErrNAK, "NAK received"},
	}

	for _, tt := range tests {
		t.Run(tt.wantMsg, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("error.Error() = %v, want %v", got, tt.wantMsg)
			}
		})
	}
}
