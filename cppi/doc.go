// Package cppi drives the CPPI 4.1 DMA engine shared by the two MUSB
// instances on the AM335x USB subsystem.
//
// The engine moves packets between host memory and the MUSB FIFOs through
// hardware descriptor queues. Software allocates 32-byte descriptors from a
// physically contiguous pool, initializes them with buffer addresses, and
// pushes them onto per-channel submit queues. Hardware returns completed
// descriptors on per-channel completion queues and maintains a pend bit per
// non-empty queue. Cancellation uses a sentinel teardown descriptor that
// flushes the channel and surfaces on the same completion queue.
package cppi
