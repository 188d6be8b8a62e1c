// Package fetdevice adapts fetlink's callback-style event bus to
// device.Device (spec §4.11). It is the vendor-callback counterpart to
// internal/simdevice's tick-driven simulator: where simdevice advances
// state synchronously inside Poll, fetdevice's state changes arrive
// asynchronously from a driver goroutine it does not control, and Poll
// only ever drains what that goroutine already posted.
package fetdevice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dlbeer/mspdebug-sub002/internal/device"
	"github.com/dlbeer/mspdebug-sub002/internal/fetlink"
)

// runDelay is how long the simulated vendor run goroutine waits before
// posting completion, standing in for real JTAG round-trip latency.
const runDelay = 150 * time.Millisecond

// pollTick paces Poll itself (spec §5: "poll ... may sleep up to
// ~50ms"), matching simdevice's tick so the server run loop never
// busy-spins against this backend while waiting on the bus.
const pollTick = 50 * time.Millisecond

// Device implements device.Device on top of a fetlink.Bus.
type Device struct {
	mu   sync.Mutex
	base device.Base

	mem  [1 << 16]byte
	regs [device.NumRegs]device.Reg

	running bool
	bus     *fetlink.Bus
	clock   clockwork.Clock
	log     *slog.Logger
}

// Option configures a Device at construction time.
type Option func(*Device)

// WithClock overrides the clock the simulated vendor goroutine sleeps
// on; tests use a clockwork.FakeClock to avoid real delays.
func WithClock(c clockwork.Clock) Option {
	return func(d *Device) { d.clock = c }
}

// New returns a vendor-callback Device backed by a fresh fetlink.Bus.
func New(log *slog.Logger, opts ...Option) *Device {
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		base:  device.Base{MaxBPs: device.MaxBreakpoints},
		bus:   &fetlink.Bus{},
		clock: clockwork.NewRealClock(),
		log:   log,
	}
	for i := range d.mem {
		d.mem[i] = 0xFF
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Open(ctx context.Context, args string) error { return nil }

func (d *Device) Close() error { return nil }

func (d *Device) MaxBreakpoints() int { return d.base.MaxBPs }

func (d *Device) ReadMem(ctx context.Context, addr uint32, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = d.mem[(addr+uint32(i))%uint32(len(d.mem))]
	}
	return out, nil
}

func (d *Device) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range data {
		d.mem[(addr+uint32(i))%uint32(len(d.mem))] = b
	}
	return nil
}

func (d *Device) GetRegs(ctx context.Context) ([device.NumRegs]device.Reg, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs, nil
}

func (d *Device) SetRegs(ctx context.Context, regs [device.NumRegs]device.Reg) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs = regs
	return nil
}

func (d *Device) Erase(ctx context.Context, kind device.EraseType, addr uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.mem {
		d.mem[i] = 0xFF
	}
	return nil
}

func (d *Device) SetBreakpoint(slot int, enabled bool, addr uint32, typ device.BPType) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.base.SetBreakpoint(slot, enabled, addr, typ)
}

func (d *Device) Ctl(ctx context.Context, op device.Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch op {
	case device.Run:
		d.base.ClearDirty()
		d.running = true
		go d.simulateVendorRun()
	case device.Step:
		d.regs[0] += 2
		d.running = false
	case device.Halt:
		d.running = false
	case device.Reset:
		d.regs = [device.NumRegs]device.Reg{}
		d.running = false
	case device.Secure:
	default:
		return fmt.Errorf("fetdevice: unsupported op %v", op)
	}
	return nil
}

// simulateVendorRun stands in for a vendor driver thread that notifies
// completion some time after a run starts, entirely outside the
// caller's control — exactly the shape that forces Bus.Post to be
// non-blocking.
func (d *Device) simulateVendorRun() {
	<-d.clock.After(runDelay)
	d.bus.Post(fetlink.EventComplete)
}

// Poll drains the bus instead of advancing any state itself: by the
// time Poll observes EventComplete the vendor goroutine has already
// decided the target stopped, so all Poll does is surface that fact and
// flip d.running for the next call. It paces itself on pollTick rather
// than draining the bus in a tight loop, the same contract simdevice's
// Poll honors.
func (d *Device) Poll(ctx context.Context) (device.Status, error) {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return device.Halted, nil
	}

	select {
	case <-ctx.Done():
		return device.Error, ctx.Err()
	case <-d.clock.After(pollTick):
	}

	ev := d.bus.Drain()
	switch {
	case ev&fetlink.EventError != 0:
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return device.Error, fmt.Errorf("fetdevice: link reported an error")
	case ev&fetlink.EventComplete != 0:
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return device.Halted, nil
	default:
		return device.Running, nil
	}
}
