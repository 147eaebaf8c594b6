// Package driver provides the low-level transport layer for the Ethos-U
// runtime: status codes, the packet endpoint contract and the Linux rpmsg
// character device implementation.
package driver

import "errors"

// ErrNoSlots is returned by TrySend when the transport has no free
// transmit slot. The caller is expected to retry once a slot frees up.
var ErrNoSlots = errors.New("no transmit slot available")

// Endpoint is a bidirectional packet transport to the accelerator
// firmware. Packets are discrete, ordered and length-preserving.
type Endpoint interface {
	// TrySend transmits one packet without blocking. Returns ErrNoSlots
	// when the outbound ring is full, any other error is a hard failure.
	TrySend(data []byte) error

	// Close releases the endpoint. Pending TrySend callers fail.
	Close() error
}
