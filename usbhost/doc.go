// Package usbhost defines the contract between a USB host controller driver
// and the USB core it serves.
//
// The controller side implements [HostController]: endpoint lifecycle,
// transfer lifecycle, and root-hub status. The USB core side implements
// [Core]: controller registration, port-change notification, and completed
// transfer processing. Neither side depends on the other's internals; the
// am3usb MUSB driver and any USB core implementation meet only through the
// types in this package.
package usbhost
