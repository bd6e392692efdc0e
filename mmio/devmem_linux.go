package mmio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ardnew/am3usb/pkg"
)

// Device is a register region mapped from physical memory. It owns the file
// descriptor and mapping, and must be released with Close.
type Device struct {
	Mem

	file *os.File
	mem  []byte
	base uint32
}

// Map maps size bytes of physical address space starting at base through
// /dev/mem. The base must be page aligned. The returned Device satisfies
// Region with offset 0 at the physical base.
func Map(base uint32, size uint32) (*Device, error) {
	pageSize := uint32(os.Getpagesize())
	if base%pageSize != 0 {
		return nil, fmt.Errorf("%w: base %#x not page aligned",
			pkg.ErrInvalidConfiguration, base)
	}

	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/mem: %v",
			pkg.ErrInvalidConfiguration, err)
	}

	// Round the mapping up to a whole number of pages.
	mapSize := (size + pageSize - 1) &^ (pageSize - 1)
	mem, err := unix.Mmap(int(f.Fd()), int64(base), int(mapSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %#x+%#x: %v",
			pkg.ErrInvalidConfiguration, base, mapSize, err)
	}

	pkg.LogInfo(pkg.ComponentMMIO, "mapped register window",
		"base", fmt.Sprintf("%#x", base), "size", mapSize)

	d := &Device{file: f, mem: mem, base: base}
	d.Mem = *NewMem(mem[:size])
	return d, nil
}

// PhysicalBase returns the physical address of offset 0.
func (d *Device) PhysicalBase() uint32 {
	return d.base
}

// Close unmaps the register window and closes the backing descriptor.
func (d *Device) Close() error {
	if d.mem != nil {
		if err := unix.Munmap(d.mem); err != nil {
			return err
		}
		d.mem = nil
	}
	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		return err
	}
	return nil
}
