// Package usbss drives the AM335x USB subsystem wrapper around the two MUSB
// instances: the global USBSS block that gates reset and the subsystem
// interrupt line, and the per-instance USB control modules that mux
// interrupts and carry the DMA teardown handshake.
package usbss
