package device

import (
	"github.com/emergingrobotics/go-ethosu/pkg/dma"
	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

// Buffer is a reference-counted DMA-backed memory handle. The creator
// holds one reference; every inference using the buffer as IFM or OFM
// holds another for its whole lifetime.
type Buffer struct {
	dev  *Device
	mem  *dma.Region
	refs int
}

// CreateBuffer allocates a buffer of exactly size bytes
func (d *Device) CreateBuffer(size uint32) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, driver.NewError(driver.StatusNoDevice, "device closed")
	}

	mem, err := d.alloc.Alloc(size)
	if err != nil {
		return nil, err
	}

	d.log.WithFields(map[string]any{
		"size":     size,
		"dma_addr": mem.DeviceAddr(),
	}).Debug("Buffer create")

	return &Buffer{dev: d, mem: mem, refs: 1}, nil
}

// Size returns the buffer size in bytes
func (b *Buffer) Size() uint32 {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if b.mem == nil {
		return 0
	}
	return b.mem.Size()
}

// Bytes returns the CPU-visible view of the buffer. Contents are shared
// live with any accelerator access. The slice is invalid once the last
// reference is released.
func (b *Buffer) Bytes() []byte {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	return b.mem.CPU()
}

// Clone takes an additional reference on the buffer, so a second owner
// can release it independently. Fails once the buffer is destroyed.
func (b *Buffer) Clone() (*Buffer, error) {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if err := b.acquire(); err != nil {
		return nil, err
	}
	return b, nil
}

// Release drops the creator's reference. The buffer is destroyed when
// the last reference is gone; any inference still using it keeps it
// alive until then.
func (b *Buffer) Release() {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	b.putLocked()
}

// acquire takes a reference for an inference. Call with the device
// lock held.
func (b *Buffer) acquire() error {
	if b.mem == nil || b.refs == 0 {
		return driver.NewError(driver.StatusFaulted, "buffer released")
	}
	b.refs++
	return nil
}

// putLocked drops one reference, destroying the buffer at zero. The
// DMA region is zeroed and returned to the allocator. Call with the
// device lock held.
func (b *Buffer) putLocked() {
	if b.refs == 0 {
		return
	}
	b.refs--
	if b.refs > 0 {
		return
	}

	b.dev.log.Debug("Buffer destroy")
	b.dev.alloc.Free(b.mem)
	b.mem = nil
}

// descriptor returns the accelerator-visible view of the buffer. Call
// with the device lock held.
func (b *Buffer) descriptor() rpmsg.Buffer {
	return rpmsg.Buffer{Ptr: b.mem.DeviceAddr(), Size: b.mem.Size()}
}
