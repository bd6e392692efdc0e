// Package pkg provides shared utilities for the am3usb controller stack.
//
// This package contains common functionality used across the MUSB, CPPI,
// and USBSS subsystems, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for controller and transfer failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentMUSB, "controller reset", "endpoints", 16)
//
// # Errors
//
// Controller and transfer errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStalled) {
//	    // Handle endpoint stall
//	}
package pkg
