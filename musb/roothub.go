package musb

import (
	"time"

	"github.com/ardnew/am3usb/usbhost"
)

// resetAssertTime is how long the bus reset signal is held on the port.
const resetAssertTime = 20 * time.Millisecond

// RootHubStatus reads the state of the controller's single root port into
// the hub status structure, recording changes against the previously saved
// software state.
func (c *Controller) RootHubStatus(status *usbhost.HubStatus) error {
	port := &status.Ports[0]

	var software uint16
	power := c.regs.Read8(regPower)
	if power&powerHighSpeed != 0 {
		software = usbhost.PortStatusConnected | usbhost.PortStatusEnabled
		port.Speed = usbhost.SpeedHigh
	} else {
		control := c.regs.Read8(regDeviceControl)
		if control&deviceControlFullSpeed != 0 {
			software = usbhost.PortStatusConnected | usbhost.PortStatusEnabled
			port.Speed = usbhost.SpeedFull
		} else if control&deviceControlLowSpeed != 0 {
			software = usbhost.PortStatusConnected | usbhost.PortStatusEnabled
			port.Speed = usbhost.SpeedLow
		}
	}

	port.Change |= software ^ port.Status
	port.Status = software
	return nil
}

// SetRootHubStatus applies requested port changes. The only actionable
// request is a port reset, which pulses the bus reset signal.
func (c *Controller) SetRootHubStatus(status *usbhost.HubStatus) error {
	port := &status.Ports[0]

	// The port cannot be disabled, so just swallow enable changes.
	port.Change &^= usbhost.PortStatusEnabled

	if port.Change&usbhost.PortStatusReset != 0 {
		if port.Status&usbhost.PortStatusReset != 0 {
			power := c.regs.Read8(regPower)
			c.regs.Write8(regPower, power|powerReset)
			time.Sleep(resetAssertTime)
			power = c.regs.Read8(regPower)
			c.regs.Write8(regPower, power&^uint8(powerReset))
		}

		port.Change &^= usbhost.PortStatusReset
	}

	return nil
}
