// Package device defines the polymorphic contract shared by every
// backend that can be driven over GDB RSP: the in-process simulator, the
// vendor-callback stand-in, and the RSP client itself (which drives a
// remote stub through the very same interface it implements).
package device

import (
	"context"
	"errors"
)

// NumRegs is the MSP430 register file size (DEVICE_NUM_REGS).
const NumRegs = 16

// MaxBreakpoints is the fixed size of the breakpoint table
// (DEVICE_MAX_BREAKPOINTS). A concrete driver may advertise fewer slots
// via MaxBreakpoints on its handle, but never more than this.
const MaxBreakpoints = 16

// MaxXfer bounds a single memory read/write packet (GDB_MAX_XFER).
const MaxXfer = 8192

// Reg is an MSP430 architectural register value. It may hold a 16 or
// 20-bit address; higher bits are defined implementation-specifically.
type Reg = uint32

// BPType enumerates breakpoint kinds.
type BPType int

const (
	BPBreak BPType = iota + 1
	BPWrite
	BPRead
	BPWatch
)

func (t BPType) String() string {
	switch t {
	case BPBreak:
		return "break"
	case BPWrite:
		return "write"
	case BPRead:
		return "read"
	case BPWatch:
		return "watch"
	default:
		return "unknown"
	}
}

// Op is a control operation passed to Ctl.
type Op int

const (
	Run Op = iota
	Step
	Halt
	Reset
	Secure
)

// Status is the outcome of Poll.
type Status int

const (
	// Running: target still executing, no event pending.
	Running Status = iota
	// Halted: target stopped (breakpoint, step completion, host-initiated
	// halt, user break on the target side).
	Halted
	// Intr: the host user issued a break; the caller should itself halt
	// and surface control.
	Intr
	// Error: transport or device failure; the session is unusable.
	Error
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Halted:
		return "halted"
	case Intr:
		return "intr"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Breakpoint is one slot of a breakpoint table.
type Breakpoint struct {
	Enabled bool
	Dirty   bool
	Type    BPType
	Addr    uint32
}

// Breakpoints is the fixed-size breakpoint table carried by every
// device handle.
type Breakpoints [MaxBreakpoints]Breakpoint

var (
	// ErrNoFreeSlot is returned by SetBreakpoint(-1, ...) when every
	// slot up to MaxBreakpoints is already enabled.
	ErrNoFreeSlot = errors.New("device: no free breakpoint slot")
	// ErrBadSlot is returned for an out-of-range explicit slot index.
	ErrBadSlot = errors.New("device: breakpoint slot out of range")
	// ErrNotOpen reports an operation invoked before Open succeeded. No
	// backend in this module returns it: simdevice and fetdevice need no
	// Open, and gdbclient requires Open before any other call.
	ErrNotOpen = errors.New("device: not open")
)

// Device is the abstract handle every backend (simulator, vendor
// callback stand-in, RSP client) implements. Implementations must be
// safe to use from a single goroutine at a time; the dispatchers in
// gdbserver/gdbclient never call a Device concurrently with itself.
type Device interface {
	// Open prepares the device for use. args is backend-specific (a
	// "host:port" for the RSP client, a path for a real transport).
	Open(ctx context.Context, args string) error
	// Close releases any resources acquired by Open.
	Close() error

	ReadMem(ctx context.Context, addr uint32, n int) ([]byte, error)
	WriteMem(ctx context.Context, addr uint32, data []byte) error

	GetRegs(ctx context.Context) ([NumRegs]Reg, error)
	SetRegs(ctx context.Context, regs [NumRegs]Reg) error

	Erase(ctx context.Context, kind EraseType, addr uint32) error

	Ctl(ctx context.Context, op Op) error
	Poll(ctx context.Context) (Status, error)

	// SetBreakpoint mutates the device's breakpoint table. slot == -1
	// requests auto-allocation of a free slot when enabling; when
	// disabling, slot == -1 instead looks up whichever enabled slot
	// currently holds addr and clears it, a no-op returning (-1, nil) if
	// none matches.
	SetBreakpoint(slot int, enabled bool, addr uint32, typ BPType) (int, error)

	// MaxBreakpoints reports how many of the table's slots this
	// backend actually honors (<= device.MaxBreakpoints).
	MaxBreakpoints() int
}

// EraseType distinguishes flash erase granularities. The RSP client
// path (see gdbclient) ignores this per spec: it always issues the
// textual "erase" monitor command regardless of kind or address.
type EraseType int

const (
	EraseAll EraseType = iota
	EraseSegment
	EraseMain
)

// Base is embeddable by concrete Device implementations: it owns the
// breakpoint table and maximum-count the driver advertised at Open time,
// implementing the shared bookkeeping described in spec §4.4 so that
// drivers only need to implement reconciliation (materializing dirty
// slots before a resume) and the rest of the operation set.
type Base struct {
	BPs    Breakpoints
	MaxBPs int
}

// SetBreakpoint implements the common slot allocation / dirty-bit logic
// shared by every backend: the simulator, the vendor-callback device and
// the RSP client, which also keeps a shadow of the table as last sent to
// the remote stub.
func (b *Base) SetBreakpoint(slot int, enabled bool, addr uint32, typ BPType) (int, error) {
	if slot == -1 {
		if !enabled {
			for i := 0; i < b.MaxBPs; i++ {
				if b.BPs[i].Enabled && b.BPs[i].Addr == addr {
					slot = i
					break
				}
			}
			if slot == -1 {
				return -1, nil
			}
		} else {
			for i := 0; i < b.MaxBPs; i++ {
				if !b.BPs[i].Enabled {
					slot = i
					break
				}
			}
			if slot == -1 {
				return -1, ErrNoFreeSlot
			}
		}
	}
	if slot < 0 || slot >= b.MaxBPs {
		return -1, ErrBadSlot
	}
	b.BPs[slot] = Breakpoint{
		Enabled: enabled,
		Dirty:   true,
		Type:    typ,
		Addr:    addr,
	}
	return slot, nil
}

// ClearAll resets every breakpoint slot to its zero value and marks
// nothing dirty. The server does not use it at session start: it
// disables each slot through Device.SetBreakpoint, which marks the
// slots dirty.
func (b *Base) ClearAll() {
	for i := range b.BPs {
		b.BPs[i] = Breakpoint{}
	}
}

// DirtySlots returns the indices of slots modified since the last
// reconciliation.
func (b *Base) DirtySlots() []int {
	var out []int
	for i := 0; i < b.MaxBPs; i++ {
		if b.BPs[i].Dirty {
			out = append(out, i)
		}
	}
	return out
}

// ClearDirty clears the dirty bit on every slot, signalling that the
// driver has materialized the current table into hardware.
func (b *Base) ClearDirty() {
	for i := range b.BPs {
		b.BPs[i].Dirty = false
	}
}
