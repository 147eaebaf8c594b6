package device

// completion is a one-shot signal. complete is called with the device
// lock held; waiters select on done from outside the lock.
type completion struct {
	done chan struct{}
	set  bool
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// complete fires the signal. Safe to call more than once; only the
// first call has effect. Call with the device lock held.
func (c *completion) complete() {
	if !c.set {
		c.set = true
		close(c.done)
	}
}

// completed reports whether the signal fired. Call with the device
// lock held.
func (c *completion) completed() bool {
	return c.set
}
