// Package simdevice provides the in-process Device simulator (spec
// §4.10): a flat memory array, 16 registers, and a real breakpoint
// table with dirty-bit reconciliation, used as the default target for
// `gdbbridge serve` and as the fixture behind the end-to-end scenarios
// in spec §8. It stands in for the vendor JTAG/FET bindings spec.md
// explicitly puts out of scope.
package simdevice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dlbeer/mspdebug-sub002/internal/ctrlc"
	"github.com/dlbeer/mspdebug-sub002/internal/device"
)

// MemSize is the simulated 16-bit address space.
const MemSize = 1 << 16

// tick mirrors the ~50ms poll granularity spec §4.6 requires of every
// Device.Poll implementation.
const tick = 50 * time.Millisecond

// Device is a fully in-memory device.Device. It is safe for use from a
// single goroutine at a time, matching every other backend in this
// repo.
type Device struct {
	mu   sync.Mutex
	base device.Base

	mem  [MemSize]byte
	regs [device.NumRegs]device.Reg

	running        bool
	ticksRemaining int // auto-halt countdown; <=0 means "no auto-halt"

	locked bool // LockedFlash: reject WriteMem/Erase

	clock clockwork.Clock
	sig   *ctrlc.Signal
	log   *slog.Logger
}

// Option configures a Device at construction time.
type Option func(*Device)

// WithClock overrides the clock used to pace Poll; production code
// should not need this (New already defaults to a real clock),
// but tests use it to advance virtual time instead of sleeping.
func WithClock(c clockwork.Clock) Option {
	return func(d *Device) { d.clock = c }
}

// WithSignal wires in the process-wide interrupt event so Poll can
// report Intr while the simulated target is "running".
func WithSignal(sig *ctrlc.Signal) Option {
	return func(d *Device) { d.sig = sig }
}

// WithMaxBreakpoints overrides the number of breakpoint slots this
// device honors (default device.MaxBreakpoints).
func WithMaxBreakpoints(n int) Option {
	return func(d *Device) { d.base.MaxBPs = n }
}

// WithLockedFlash rejects WriteMem/Erase, modeling the LOCKED_FLASH
// configuration flag (spec §4.8).
func WithLockedFlash(locked bool) Option {
	return func(d *Device) { d.locked = locked }
}

// WithAutoHaltAfterTicks makes Poll transition to Halted after exactly n
// poll ticks of running, regardless of breakpoints — the behavior spec
// §8's S4 scenario describes as "mock device halts immediately on run"
// (n=1). The countdown is set once here and is not re-armed by later
// Ctl(Run) calls, so only the first n running ticks after construction
// count toward it. The default (0) means the device only halts when it
// hits an enabled BREAK breakpoint or is explicitly halted.
func WithAutoHaltAfterTicks(n int) Option {
	return func(d *Device) { d.ticksRemaining = n }
}

// New returns a Device with memory filled 0xFF and registers zeroed, per
// spec §8's fixture description.
func New(log *slog.Logger, opts ...Option) *Device {
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		base:  device.Base{MaxBPs: device.MaxBreakpoints},
		clock: clockwork.NewRealClock(),
		sig:   ctrlc.New(),
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

func (d *Device) Open(ctx context.Context, args string) error {
	return nil
}

func (d *Device) Close() error { return nil }

func (d *Device) MaxBreakpoints() int { return d.base.MaxBPs }

func (d *Device) ReadMem(ctx context.Context, addr uint32, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = d.mem[(addr+uint32(i))%MemSize]
	}
	d.log.Debug("simdevice: read memory", "addr", addr, "len", n)
	return out, nil
}

func (d *Device) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.locked {
		return fmt.Errorf("simdevice: flash is locked")
	}
	for i, b := range data {
		d.mem[(addr+uint32(i))%MemSize] = b
	}
	d.log.Debug("simdevice: write memory", "addr", addr, "len", len(data))
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

	if d.locked {
		return fmt.Errorf("simdevice: flash is locked")
	}
	switch kind {
	case device.EraseAll:
		for i := range d.mem {
			d.mem[i] = 0xFF
		}
	default:
		// Segment/main erase: clear a 512-byte region around addr, a
		// stand-in for real MSP430 flash segment granularity.
		const segment = 512
		base := (addr / segment) * segment
		for i := uint32(0); i < segment; i++ {
			d.mem[(base+i)%MemSize] = 0xFF
		}
	}
	d.log.Info("simdevice: erase", "kind", kind, "addr", addr)
	return nil
}

func (d *Device) SetBreakpoint(slot int, enabled bool, addr uint32, typ device.BPType) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.base.SetBreakpoint(slot, enabled, addr, typ)
}

// ClearAllBreakpoints puts the breakpoint table into a known empty
// state. It is not part of device.Device, so the server does not call
// it; the server clears slots through SetBreakpoint instead.
func (d *Device) ClearAllBreakpoints() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.base.ClearAll()
}

func (d *Device) Ctl(ctx context.Context, op device.Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch op {
	case device.Run:
		d.base.ClearDirty()
		d.running = true
	case device.Step:
		d.regs[0] += 2
		d.running = false
	case device.Halt:
		d.running = false
	case device.Reset:
		d.regs = [device.NumRegs]device.Reg{}
		d.running = false
	case device.Secure:
		// Not modeled by the simulator; treated as a no-op.
	default:
		return fmt.Errorf("simdevice: unsupported op %v", op)
	}
	return nil
}

func (d *Device) breakpointHit() bool {
	pc := d.regs[0]
	for i := 0; i < d.base.MaxBPs; i++ {
		bp := d.base.BPs[i]
		if bp.Enabled && bp.Type == device.BPBreak && bp.Addr == pc {
			return true
		}
	}
	return false
}

// Poll ticks on d.clock (real time in production, virtual in tests) and
// reports the status transitions spec §4.6's run loop expects: Halted
// once an auto-halt countdown or a breakpoint-at-PC condition fires,
// Intr if the process-wide interrupt event is raised while running,
// Running otherwise.
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
	case <-d.sig.WaitHandle():
		return device.Intr, nil
	case <-d.clock.After(tick):
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return device.Halted, nil
	}

	if d.ticksRemaining > 0 {
		d.ticksRemaining--
		if d.ticksRemaining == 0 {
			d.running = false
			return device.Halted, nil
		}
	}
	if d.breakpointHit() {
		d.running = false
		return device.Halted, nil
	}
	return device.Running, nil
}
