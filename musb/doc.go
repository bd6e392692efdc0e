// Package musb drives the Mentor Graphics USB 2.0 OTG controller core in
// host mode, as integrated on the AM335x.
//
// The controller multiplexes many software endpoints onto a small pool of
// hardware endpoints, each with its own FIFO. Transfers are decomposed into
// packet sequences and executed one packet at a time per hardware endpoint,
// either by byte-copying through the FIFO registers or by handing the packet
// to the shared CPPI DMA engine. Interrupt service only accumulates pending
// status atomically; all real work happens in the dispatch routine under the
// per-instance lock.
package musb
