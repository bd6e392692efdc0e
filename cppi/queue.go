package cppi

// Engine geometry. Each MUSB instance owns 15 DMA channels, one per
// hardware endpoint above endpoint zero.
const (
	EndpointCount = 15
	InstanceCount = 2
)

// Register regions carved out of the CPPI window.
const (
	schedulerOffset = 0x1000
	queueOffset     = 0x2000
)

// DMA register offsets (relative to the CPPI window).
const (
	regRevision         = 0x000
	regTeardownFreeQ    = 0x004
	regEmulationControl = 0x008
	regTxControl0       = 0x800
	regRxControl0       = 0x808
	regRxChannelA0      = 0x80C
	regRxChannelB0      = 0x810

	portStride = 0x20
)

// Scheduler register offsets (relative to the scheduler region).
const (
	regSchedulerControl = 0x000
	regSchedulerWord0   = 0x800
)

// Queue manager register offsets (relative to the queue region).
const (
	regQueueLinkRam0Base  = 0x0080
	regQueueLinkRam0Size  = 0x0084
	regQueueLinkRam1Base  = 0x0088
	regQueuePend0         = 0x0090
	regQueueMemoryBase0   = 0x1000
	regQueueMemoryControl = 0x1004
	regQueue0D            = 0x200C

	queueStride = 0x10
)

// Queue ID assignments. The map:
//
//	0..30    free queues (per instance, per endpoint)
//	31       teardown free queue
//	32..61   instance 0 TX, two queues per endpoint
//	62..91   instance 1 TX
//	93..107  instance 0 TX completion
//	109..123 instance 0 RX completion
//	125..139 instance 1 TX completion
//	141..155 instance 1 RX completion
const (
	queueFreeBase         = 0
	teardownQueue         = 31
	queueTxBase           = 32
	queueTxCompletionBase = 93
	queueRxCompletionBase = 109
)

// RX channel global control register bits.
const (
	rxControlDescriptorHost = 0x1 << 14
	rxControlErrorHandling  = 0x01000000
	rxControlTeardown       = 0x40000000
	rxControlEnable         = 0x80000000
)

// TX channel global control register bits.
const (
	txControlTeardown = 0x40000000
	txControlEnable   = 0x80000000
)

// Scheduler control register bits.
const (
	schedulerControlEnable = 0x80000000
	schedulerEntryCount    = 64

	// Each schedule entry byte names a channel; bit 7 selects RX.
	scheduleWordReadMask = 0x80808080
)

// Pushing a descriptor encodes its length in the low 5 bits of the queue D
// register, in 4-byte units starting at 24 bytes.
const queueAddressMask = 0xFFFFFFE0

// port maps an (instance, zero-based endpoint) pair to its DMA port number.
func port(instance, endpoint int) int {
	return endpoint + instance*EndpointCount
}

// portRegister returns the offset of a per-port DMA register.
func portRegister(register uint32, portNumber int) uint32 {
	return register + uint32(portNumber)*portStride
}

// freeQueue returns the free (RX submit) queue for a channel.
func freeQueue(instance, endpoint int) int {
	return queueFreeBase + endpoint + instance*(EndpointCount+1)
}

// txQueue returns the first of the two TX submit queues for a channel.
func txQueue(instance, endpoint int) int {
	return queueTxBase + (endpoint+instance*EndpointCount)*2
}

// txCompletionQueue returns the TX completion queue for a channel.
func txCompletionQueue(instance, endpoint int) int {
	return queueTxCompletionBase + endpoint + instance*(EndpointCount+1)*2
}

// rxCompletionQueue returns the RX completion queue for a channel.
func rxCompletionQueue(instance, endpoint int) int {
	return queueRxCompletionBase + endpoint + instance*(EndpointCount+1)*2
}

// queueControl returns the offset of the D register for a queue, relative to
// the queue region.
func queueControl(queue int) uint32 {
	return regQueue0D + uint32(queue)*queueStride
}

// pendRegister returns the offset of the pend bank word covering a queue,
// and the bit within it.
func pendRegister(queue int) (offset uint32, bit uint32) {
	return regQueuePend0 + uint32(queue/32)*4, uint32(queue & 0x1F)
}
