// Package mmio provides memory-mapped register access for the am3usb
// controller stack.
//
// A [Region] is a window of device registers addressed by byte offset. The
// hardware backend maps the controller's physical register range through
// /dev/mem (see [Map]); tests and bring-up tooling use [Sim], a byte-backed
// region with read/write hooks that can model register side effects.
//
// Sub-windows are carved from a parent region with [Window], matching the way
// the AM335x USB subsystem packs USBSS, USB control, MUSB core, and CPPI DMA
// register files into one physical range at fixed offsets.
package mmio
