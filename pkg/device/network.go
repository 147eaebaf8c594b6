package device

import (
	"github.com/emergingrobotics/go-ethosu/pkg/dma"
	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/rpmsg"
)

// Network is a reference-counted handle to a loaded model: either a
// DMA-resident blob copied in from the caller, or an index into
// firmware-resident models. Exactly one of the two variants is set.
type Network struct {
	dev   *Device
	mem   *dma.Region
	index uint32
	refs  int
}

// CreateNetwork loads a model from caller-supplied bytes. The bytes are
// copied into a fresh DMA region; the caller's slice is not retained.
func (d *Device) CreateNetwork(data []byte) (*Network, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, driver.NewError(driver.StatusNoDevice, "device closed")
	}
	if len(data) == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "empty network data")
	}

	mem, err := d.alloc.Alloc(uint32(len(data)))
	if err != nil {
		return nil, err
	}
	copy(mem.CPU(), data)

	d.log.WithField("size", len(data)).Debug("Network create")

	return &Network{dev: d, mem: mem, refs: 1}, nil
}

// CreateNetworkByIndex references a firmware-resident model by index
func (d *Device) CreateNetworkByIndex(index uint32) (*Network, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, driver.NewError(driver.StatusNoDevice, "device closed")
	}

	d.log.WithField("index", index).Debug("Network create")

	return &Network{dev: d, index: index, refs: 1}, nil
}

// Release drops the creator's reference. Inferences created from the
// network keep it alive until they are destroyed.
func (n *Network) Release() {
	n.dev.mu.Lock()
	defer n.dev.mu.Unlock()
	n.putLocked()
}

// getLocked takes a reference. Call with the device lock held.
func (n *Network) getLocked() {
	n.refs++
}

// putLocked drops one reference, destroying the network at zero. Call
// with the device lock held.
func (n *Network) putLocked() {
	if n.refs == 0 {
		return
	}
	n.refs--
	if n.refs > 0 {
		return
	}

	n.dev.log.Debug("Network destroy")
	if n.mem != nil {
		n.dev.alloc.Free(n.mem)
		n.mem = nil
	}
}

// descriptor returns the wire-level network reference. Call with the
// device lock held.
func (n *Network) descriptor() rpmsg.NetworkBuffer {
	if n.mem != nil {
		return rpmsg.NetworkBuffer{
			Kind:   rpmsg.NetworkKindBuffer,
			Buffer: rpmsg.Buffer{Ptr: n.mem.DeviceAddr(), Size: n.mem.Size()},
		}
	}
	return rpmsg.NetworkBuffer{Kind: rpmsg.NetworkKindIndex, Index: n.index}
}
