// Package device implements the user-facing operation surface of the
// Ethos-U runtime: the device facade, reference-counted buffer, network
// and inference handles, the request state machines and the inbound
// packet dispatcher.
//
// All mutable state is serialized over a single device-wide mutex. Every
// blocking wait releases that mutex before suspending and reacquires it
// before resuming; this is what lets concurrent sessions make progress
// over one endpoint.
package device

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/emergingrobotics/go-ethosu/pkg/dma"
	"github.com/emergingrobotics/go-ethosu/pkg/driver"
	"github.com/emergingrobotics/go-ethosu/pkg/mailbox"
)

// Runtime driver version, reported by DriverVersion
const (
	DriverVersionMajor = 1
	DriverVersionMinor = 0
	DriverVersionPatch = 0
)

// Limits of the user-facing surface
const (
	// FdMax is the maximum number of IFM/OFM buffers per inference
	FdMax = 16

	// PmuEventMax is the number of user-visible PMU event slots
	PmuEventMax = 4
)

// Version is a semantic version triplet
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// CrashFunc reports a fatal firmware condition to the remote-processor
// lifecycle layer, which is expected to restart the firmware and tear
// this device down. It is invoked with the device lock held.
type CrashFunc func(err error)

// Device is one open session surface towards an Ethos-U subsystem
type Device struct {
	mu    sync.Mutex
	ept   driver.Endpoint
	alloc dma.Allocator
	mbox  *mailbox.Mailbox
	log   *logrus.Entry

	caps      Capabilities
	crash     CrashFunc
	pingLimit *rate.Limiter
	closed    bool

	mboxOpts []mailbox.Option
}

// Option configures a Device
type Option func(*Device)

// WithCrashReporter installs the firmware crash hook
func WithCrashReporter(fn CrashFunc) Option {
	return func(d *Device) { d.crash = fn }
}

// WithPingLimit overrides the coarse ping rate limit
func WithPingLimit(limit rate.Limit, burst int) Option {
	return func(d *Device) { d.pingLimit = rate.NewLimiter(limit, burst) }
}

// WithSendTimeout overrides the mailbox transmit-slot wait bound
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		d.mboxOpts = append(d.mboxOpts, mailbox.WithSendTimeout(timeout))
	}
}

// New creates a device over the endpoint. No traffic is exchanged
// until Start; wire inbound packets to Receive first (for a
// CharEndpoint, run Serve in a goroutine).
func New(ept driver.Endpoint, alloc dma.Allocator, opts ...Option) *Device {
	d := &Device{
		ept:       ept,
		alloc:     alloc,
		log:       logrus.WithField("subsys", "ethosu"),
		pingLimit: rate.NewLimiter(10, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.mbox = mailbox.New(ept, &d.mu, d.mboxOpts...)
	return d
}

// Start performs the startup handshake: the protocol version check
// followed by the capabilities query. The device is unusable if either
// fails.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	err := d.versionCheck(ctx)
	d.mu.Unlock()
	if err != nil {
		d.log.WithError(err).Error("Protocol version check failed")
		return err
	}

	d.mu.Lock()
	caps, err := d.capabilitiesRequest(ctx)
	if err == nil {
		d.caps = caps
	}
	d.mu.Unlock()
	if err != nil {
		d.log.WithError(err).Error("Failed to get device capabilities")
		return err
	}

	return nil
}

// DriverVersion returns the host runtime version
func (d *Device) DriverVersion() Version {
	return Version{
		Major: DriverVersionMajor,
		Minor: DriverVersionMinor,
		Patch: DriverVersionPatch,
	}
}

// Capabilities returns the firmware capabilities captured by Start
func (d *Device) Capabilities() Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

// Ping sends a PING to the firmware. Pings are rate limited; a caller
// exceeding the limit gets a busy error instead of flooding the
// transport.
func (d *Device) Ping(ctx context.Context) error {
	if !d.pingLimit.Allow() {
		return driver.NewError(driver.StatusBusy, "ping rate limit")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.NewError(driver.StatusNoDevice, "device closed")
	}
	return d.mbox.Ping(ctx)
}

// Close fails every outstanding request, shuts the mailbox down and
// releases the endpoint. The device is unusable afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mbox.FailAll()
	d.mbox.Shutdown()
	d.mu.Unlock()

	var errs *multierror.Error
	if err := d.ept.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if closer, ok := d.alloc.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// reportCrash hands a fatal firmware condition to the crash hook.
// Called with the device lock held.
func (d *Device) reportCrash(err error) {
	d.log.WithError(err).Error("Reporting firmware crash")
	if d.crash != nil {
		d.crash(err)
	}
}

// waitLocked releases the device lock while waiting for c, reacquiring
// it before returning. A timeout is treated as a firmware hang: the
// crash hook fires and the caller gets a timeout error. A context
// cancellation aborts the wait with an interrupted error.
func (d *Device) waitLocked(ctx context.Context, c *completion, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	d.mu.Unlock()
	var err error
	select {
	case <-c.done:
	case <-ctx.Done():
		err = driver.NewErrorWithCause(driver.StatusInterrupted, "response wait", ctx.Err())
	case <-timer.C:
		err = driver.NewError(driver.StatusTimeout, "waiting for response")
	}
	d.mu.Lock()

	if err != nil && c.completed() {
		// The response raced the timeout or cancellation; take it
		return nil
	}
	if driver.IsStatus(err, driver.StatusTimeout) {
		d.reportCrash(err)
	}
	return err
}
