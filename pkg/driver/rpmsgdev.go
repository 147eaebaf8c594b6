package driver

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MaxPacketSize is the largest rpmsg payload the virtio transport carries
// in a single buffer.
const MaxPacketSize = 512

// rpmsg control device ioctls, matching linux/rpmsg.h
const (
	rpmsgIoctlMagic = 0xb5

	sizeOfEndpointInfo = 40
)

var (
	ioctlCreateEndpoint  = IoW(rpmsgIoctlMagic, 0x1, sizeOfEndpointInfo)
	ioctlDestroyEndpoint = Io(rpmsgIoctlMagic, 0x2)
)

// endpointInfo matches struct rpmsg_endpoint_info
type endpointInfo struct {
	Name [32]byte
	Src  uint32
	Dst  uint32
}

// CharEndpoint is an Endpoint backed by a Linux rpmsg character device
// (/dev/rpmsgN). The file descriptor is non-blocking so that a full
// transmit ring is reported as ErrNoSlots instead of stalling the caller.
type CharEndpoint struct {
	fd    int
	path  string
	wakeR int
	wakeW int
}

// OpenEndpoint opens an rpmsg character device by path
func OpenEndpoint(path string) (*CharEndpoint, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return nil, StatusFromErrno(errno, "opening endpoint "+path)
		}
		return nil, NewErrorWithCause(StatusTransportFailed, "opening endpoint "+path, err)
	}

	// Self-pipe used to interrupt the Serve poll loop on Close
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, NewErrorWithCause(StatusTransportFailed, "creating wake pipe", err)
	}

	return &CharEndpoint{fd: fd, path: path, wakeR: pipeFds[0], wakeW: pipeFds[1]}, nil
}

// CreateEndpoint asks the rpmsg control device (/dev/rpmsg_ctrlN) to
// instantiate a new endpoint character device bound to the given channel
// name and addresses. The kernel assigns the /dev/rpmsgN node.
func CreateEndpoint(ctrlPath, name string, src, dst uint32) error {
	fd, err := unix.Open(ctrlPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return StatusFromErrno(errno, "opening control "+ctrlPath)
		}
		return NewErrorWithCause(StatusTransportFailed, "opening control "+ctrlPath, err)
	}
	defer unix.Close(fd)

	var info endpointInfo
	copy(info.Name[:len(info.Name)-1], name)
	info.Src = src
	info.Dst = dst

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		uintptr(ioctlCreateEndpoint), uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return StatusFromErrno(errno, "creating endpoint "+name)
	}
	return nil
}

// Path returns the device path
func (e *CharEndpoint) Path() string {
	return e.path
}

// TrySend transmits one packet without blocking
func (e *CharEndpoint) TrySend(data []byte) error {
	n, err := unix.Write(e.fd, data)
	if err != nil {
		errno, ok := err.(unix.Errno)
		if ok && (errno == unix.EAGAIN || errno == unix.ENOMEM) {
			return ErrNoSlots
		}
		if ok {
			return StatusFromErrno(errno, "sending packet")
		}
		return NewErrorWithCause(StatusTransportFailed, "sending packet", err)
	}
	if n != len(data) {
		return NewError(StatusTransportFailed, "short packet write")
	}
	return nil
}

// Serve reads inbound packets and delivers each to recv until the
// endpoint is closed. recv is called from the Serve goroutine with a
// buffer owned by the callee.
func (e *CharEndpoint) Serve(recv func(data []byte)) error {
	fds := []unix.PollFd{
		{Fd: int32(e.fd), Events: unix.POLLIN},
		{Fd: int32(e.wakeR), Events: unix.POLLIN},
	}

	for {
		fds[0].Revents = 0
		fds[1].Revents = 0

		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return NewErrorWithCause(StatusTransportFailed, "polling endpoint", err)
		}

		if fds[1].Revents != 0 {
			return nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			return NewError(StatusNoDevice, "endpoint removed")
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		buf := make([]byte, MaxPacketSize)
		n, err := unix.Read(e.fd, buf)
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			if errno, ok := err.(unix.Errno); ok {
				return StatusFromErrno(errno, "reading packet")
			}
			return NewErrorWithCause(StatusTransportFailed, "reading packet", err)
		}
		if n > 0 {
			recv(buf[:n])
		}
	}
}

// Destroy tears down the kernel endpoint backing this device node
func (e *CharEndpoint) Destroy() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(e.fd),
		uintptr(ioctlDestroyEndpoint), 0)
	if errno != 0 {
		return StatusFromErrno(errno, "destroying endpoint")
	}
	return nil
}

// Close releases the endpoint and wakes the Serve loop
func (e *CharEndpoint) Close() error {
	var ret error
	if e.wakeW >= 0 {
		// Wake the poll loop before closing the descriptors
		_, _ = unix.Write(e.wakeW, []byte{0})
	}
	if e.fd >= 0 {
		if err := unix.Close(e.fd); err != nil {
			ret = NewErrorWithCause(StatusTransportFailed, "closing endpoint", err)
		}
		e.fd = -1
	}
	if e.wakeW >= 0 {
		unix.Close(e.wakeW)
		unix.Close(e.wakeR)
		e.wakeW = -1
		e.wakeR = -1
	}
	return ret
}
