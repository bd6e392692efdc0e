package musb

// Common registers.
const (
	regFunctionAddress = 0x00 // FADDR
	regPower           = 0x01 // POWER
	regInterruptTx     = 0x02 // INTRTX
	regInterruptRx     = 0x04 // INTRRX
	regInterruptTxEn   = 0x06 // INTRTXE
	regInterruptRxEn   = 0x08 // INTRRXE
	regInterruptUsb    = 0x0A // INTRUSB
	regInterruptUsbEn  = 0x0B // INTRUSBE
	regFrame           = 0x0C // FRAME
	regIndex           = 0x0E // INDEX
	regTestMode        = 0x0F // TESTMODE
	regDeviceControl   = 0x60 // DEVCTL
	regEndpointInfo    = 0x78 // EPINFO
	regSoftReset       = 0x7F // SOFTRESET
)

// Indexed registers, addressed through the endpoint selected by INDEX.
const (
	regTxFifoSize    = 0x62 // TXFIFOSZ
	regRxFifoSize    = 0x63 // RXFIFOSZ
	regTxFifoAddress = 0x64 // TXFIFOADD
	regRxFifoAddress = 0x66 // RXFIFOADD
)

// fifoRegister returns the FIFO data window for a hardware endpoint.
func fifoRegister(endpoint uint8) uint32 {
	return 0x20 + uint32(endpoint)*4
}

// Per-endpoint control registers, 16 bytes per endpoint.
const (
	regTxMaxPacketSize = 0x0 // TXMAXP
	regTxControlStatus = 0x2 // TXCSR (EP0: CSR0)
	regRxMaxPacketSize = 0x4 // RXMAXP
	regRxControlStatus = 0x6 // RXCSR
	regCount           = 0x8 // RXCOUNT (EP0: COUNT0)
	regTxType          = 0xA // TXTYPE
	regTxInterval      = 0xB // TXINTERVAL
	regRxType          = 0xC // RXTYPE
	regRxInterval      = 0xD // RXINTERVAL
)

// endpointControl returns the offset of a per-endpoint control register.
func endpointControl(register uint32, endpoint uint8) uint32 {
	return 0x100 + uint32(endpoint)*16 + register
}

// Per-endpoint target setup registers, 8 bytes per endpoint.
const (
	regTxFunctionAddress = 0x0 // TXFUNCADDR
	regTxHubAddress      = 0x2 // TXHUBADDR
	regTxHubPort         = 0x3 // TXHUBPORT
	regRxFunctionAddress = 0x4 // RXFUNCADDR
	regRxHubAddress      = 0x6 // RXHUBADDR
	regRxHubPort         = 0x7 // RXHUBPORT
)

// endpointSetup returns the offset of a per-endpoint setup register.
func endpointSetup(register uint32, endpoint uint8) uint32 {
	return 0x80 + uint32(endpoint)*8 + register
}

// POWER register bits.
const (
	powerReset     = 1 << 3
	powerHighSpeed = 1 << 4
)

// DEVCTL register bits.
const (
	deviceControlSession   = 1 << 0
	deviceControlFullSpeed = 1 << 6
	deviceControlLowSpeed  = 1 << 7
)

// SOFTRESET register bits.
const softResetBit = 1 << 0

// EPINFO register fields.
const (
	endpointInfoTxCountMask = 0x0F
	endpointInfoRxCountMask = 0xF0
	endpointInfoRxShift     = 4
)

// INTRUSB bits.
const (
	usbInterruptSuspend     = 1 << 0
	usbInterruptResume      = 1 << 1
	usbInterruptResetBabble = 1 << 2
	usbInterruptSof         = 1 << 3
	usbInterruptConnect     = 1 << 4
	usbInterruptDisconnect  = 1 << 5
	usbInterruptSession     = 1 << 6
	usbInterruptVbusError   = 1 << 7
)

// TXTYPE/RXTYPE fields: target endpoint in the low nibble, protocol in bits
// 5:4, speed in bits 7:6.
const (
	typeTargetEndpointMask = 0x0F

	typeProtocolControl     = 0x0 << 4
	typeProtocolIsochronous = 0x1 << 4
	typeProtocolBulk        = 0x2 << 4
	typeProtocolInterrupt   = 0x3 << 4
	typeProtocolMask        = 0x3 << 4

	typeSpeedHigh = 0x1 << 6
	typeSpeedFull = 0x2 << 6
	typeSpeedLow  = 0x3 << 6
)

// TXCSR host-mode bits.
const (
	txControlPacketReady     = 0x0001
	txControlFifoNotEmpty    = 0x0002
	txControlError           = 0x0004
	txControlFlushFifo       = 0x0008
	txControlSetupPacket     = 0x0010
	txControlRxStall         = 0x0020
	txControlClearToggle     = 0x0040
	txControlNakTimeout      = 0x0080
	txControlDataToggle      = 0x0100
	txControlDataToggleWrite = 0x0200
	txControlDmaMode         = 0x0400
	txControlDmaEnable       = 0x1000

	txControlErrorMask = txControlError | txControlRxStall | txControlNakTimeout
)

// RXCSR host-mode bits.
const (
	rxControlPacketReady         = 0x0001
	rxControlFifoFull            = 0x0002
	rxControlError               = 0x0004
	rxControlDataErrorNakTimeout = 0x0008
	rxControlFlushFifo           = 0x0010
	rxControlRequestPacket       = 0x0020
	rxControlRxStall             = 0x0040
	rxControlClearToggle         = 0x0080
	rxControlDataToggle          = 0x0200
	rxControlDataToggleWrite     = 0x0400
	rxControlDmaEnable           = 0x2000
	rxControlAutoRequest         = 0x4000

	rxControlErrorMask = rxControlError | rxControlDataErrorNakTimeout |
		rxControlRxStall
)

// CSR0 host-mode bits (endpoint zero shares one control register for both
// directions).
const (
	ep0ControlRxPacketReady   = 0x0001
	ep0ControlTxPacketReady   = 0x0002
	ep0ControlRxStall         = 0x0004
	ep0ControlSetupPacket     = 0x0008
	ep0ControlError           = 0x0010
	ep0ControlRequestPacket   = 0x0020
	ep0ControlStatusPacket    = 0x0040
	ep0ControlNakTimeout      = 0x0080
	ep0ControlFlushFifo       = 0x0100
	ep0ControlDataToggle      = 0x0200
	ep0ControlDataToggleWrite = 0x0400

	ep0ControlErrorMask = ep0ControlRxStall | ep0ControlError |
		ep0ControlNakTimeout
)
