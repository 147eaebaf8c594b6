// Package dma manages CPU-visible memory regions shared with the
// accelerator. Regions are allocated from a carveout: a contiguous block
// the accelerator can address directly, mapped into the host process.
package dma

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-ethosu/pkg/driver"
)

// regionAlign is the allocation granularity within a carveout
const regionAlign = 64

// Region is one allocated span of DMA memory. The CPU slice and the
// device address refer to the same underlying memory for the region's
// whole lifetime.
type Region struct {
	cpu       []byte
	deviceAdr uint32
	size      uint32
	owner     *Carveout
	offset    uint32
}

// CPU returns the host-visible view of the region. Writes are shared
// live with any accelerator access.
func (r *Region) CPU() []byte {
	return r.cpu
}

// DeviceAddr returns the accelerator-visible address of the region
func (r *Region) DeviceAddr() uint32 {
	return r.deviceAdr
}

// Size returns the region size in bytes
func (r *Region) Size() uint32 {
	return r.size
}

// Allocator hands out DMA regions
type Allocator interface {
	Alloc(size uint32) (*Region, error)
	Free(r *Region)
}

type span struct {
	offset uint32
	size   uint32
}

// Carveout is an Allocator over a single mmap-backed block with a fixed
// accelerator base address. Allocation is first-fit with coalescing on
// free; freed memory is zeroed before reuse.
type Carveout struct {
	mu   sync.Mutex
	mem  []byte
	base uint32
	free []span
}

// NewCarveout maps an anonymous carveout of the given size whose first
// byte is visible to the accelerator at deviceBase.
func NewCarveout(deviceBase, size uint32) (*Carveout, error) {
	if size == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "carveout size")
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusOutOfMemory,
			fmt.Sprintf("mapping carveout of %d bytes", size), err)
	}

	return &Carveout{
		mem:  mem,
		base: deviceBase,
		free: []span{{offset: 0, size: size}},
	}, nil
}

// Alloc carves a region of exactly size bytes
func (c *Carveout) Alloc(size uint32) (*Region, error) {
	if size == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "zero size region")
	}

	alloc := (size + regionAlign - 1) &^ uint32(regionAlign-1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem == nil {
		return nil, driver.NewError(driver.StatusNoDevice, "carveout closed")
	}

	for i := range c.free {
		if c.free[i].size < alloc {
			continue
		}
		offset := c.free[i].offset
		c.free[i].offset += alloc
		c.free[i].size -= alloc
		if c.free[i].size == 0 {
			c.free = append(c.free[:i], c.free[i+1:]...)
		}
		return &Region{
			cpu:       c.mem[offset : offset+size : offset+alloc],
			deviceAdr: c.base + offset,
			size:      size,
			owner:     c,
			offset:    offset,
		}, nil
	}

	return nil, driver.NewError(driver.StatusOutOfMemory,
		fmt.Sprintf("allocating %d bytes from carveout", size))
}

// Free zeroes the region and returns it to the free list
func (c *Carveout) Free(r *Region) {
	if r == nil || r.owner != c {
		return
	}

	alloc := (r.size + regionAlign - 1) &^ uint32(regionAlign-1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem != nil {
		clear(c.mem[r.offset : r.offset+alloc])
	}

	// Insert sorted by offset, then coalesce neighbours
	i := 0
	for i < len(c.free) && c.free[i].offset < r.offset {
		i++
	}
	c.free = append(c.free, span{})
	copy(c.free[i+1:], c.free[i:])
	c.free[i] = span{offset: r.offset, size: alloc}

	if i+1 < len(c.free) && c.free[i].offset+c.free[i].size == c.free[i+1].offset {
		c.free[i].size += c.free[i+1].size
		c.free = append(c.free[:i+1], c.free[i+2:]...)
	}
	if i > 0 && c.free[i-1].offset+c.free[i-1].size == c.free[i].offset {
		c.free[i-1].size += c.free[i].size
		c.free = append(c.free[:i], c.free[i+1:]...)
	}

	r.cpu = nil
	r.owner = nil
	r.size = 0
}

// Close unmaps the carveout. Outstanding regions become invalid.
func (c *Carveout) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem == nil {
		return nil
	}
	mem := c.mem
	c.mem = nil
	c.free = nil

	if err := unix.Munmap(mem); err != nil {
		return driver.NewErrorWithCause(driver.StatusTransportFailed, "unmapping carveout", err)
	}
	return nil
}
