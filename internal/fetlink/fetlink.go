// Package fetlink stands in for a vendor TI FET/JTAG binding (spec
// §4.11): a library whose events arrive on a callback invoked from a
// driver-owned goroutine the caller does not control. The callback must
// never block, so events are OR'd into a single event mask behind one
// mutex and drained by the consumer later, rather than delivered
// through a blocking channel send.
package fetlink

import "sync"

// Event is a bit in the mask a Bus accumulates between Drain calls.
type Event uint32

const (
	EventComplete Event = 1 << iota // target run finished (breakpoint or natural stop)
	EventError                     // the link reported a hardware error
)

// Bus accumulates Events posted from a callback goroutine and hands
// them to a poller on demand. The zero value is ready to use.
type Bus struct {
	mu      sync.Mutex
	pending Event
}

// Post OR's ev into the pending mask. Called from the vendor driver's
// callback goroutine; must never block, so it only ever takes mu for
// the duration of a plain bitwise-or.
func (b *Bus) Post(ev Event) {
	b.mu.Lock()
	b.pending |= ev
	b.mu.Unlock()
}

// Drain returns the accumulated mask and resets it to zero.
func (b *Bus) Drain() Event {
	b.mu.Lock()
	ev := b.pending
	b.pending = 0
	b.mu.Unlock()
	return ev
}

// Peek reports the accumulated mask without resetting it.
func (b *Bus) Peek() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}
