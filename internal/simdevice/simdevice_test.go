package simdevice_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dlbeer/mspdebug-sub002/internal/ctrlc"
	"github.com/dlbeer/mspdebug-sub002/internal/device"
	"github.com/dlbeer/mspdebug-sub002/internal/simdevice"
)

func TestSimdevice_MemoryIsFilledWithFFByDefault(t *testing.T) {
	t.Parallel()

	dev := simdevice.New(nil)
	data, err := dev.ReadMem(context.Background(), 0x2000, 16)
	require.NoError(t, err)
	for _, b := range data {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestSimdevice_WriteThenReadMemRoundTrips(t *testing.T) {
	t.Parallel()

	dev := simdevice.New(nil)
	ctx := context.Background()
	want := []byte{0x01, 0x02, 0x03, 0x04}

	require.NoError(t, dev.WriteMem(ctx, 0x1000, want))
	got, err := dev.ReadMem(ctx, 0x1000, len(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSimdevice_LockedFlashRejectsWrites(t *testing.T) {
	t.Parallel()

	dev := simdevice.New(nil, simdevice.WithLockedFlash(true))
	ctx := context.Background()

	require.Error(t, dev.WriteMem(ctx, 0x1000, []byte{1}))
	require.Error(t, dev.Erase(ctx, device.EraseAll, 0))
}

func TestSimdevice_Poll_AutoHaltsAfterConfiguredTicks(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := simdevice.New(nil, simdevice.WithClock(clock), simdevice.WithAutoHaltAfterTicks(1))
	ctx := context.Background()

	require.NoError(t, dev.Ctl(ctx, device.Run))

	statusCh := make(chan device.Status, 1)
	go func() {
		status, err := dev.Poll(ctx)
		require.NoError(t, err)
		statusCh <- status
	}()
	clock.BlockUntil(1)
	clock.Advance(51 * time.Millisecond)

	require.Equal(t, device.Halted, <-statusCh)
}

func TestSimdevice_Poll_HaltsOnBreakpointAtPC(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := simdevice.New(nil, simdevice.WithClock(clock))
	ctx := context.Background()

	_, err := dev.SetBreakpoint(-1, true, 0, device.BPBreak)
	require.NoError(t, err)
	require.NoError(t, dev.Ctl(ctx, device.Run))

	statusCh := make(chan device.Status, 1)
	go func() {
		status, err := dev.Poll(ctx)
		require.NoError(t, err)
		statusCh <- status
	}()
	clock.BlockUntil(1)
	clock.Advance(51 * time.Millisecond)

	require.Equal(t, device.Halted, <-statusCh)
}

func TestSimdevice_Poll_ReportsIntrWhenSignalRaised(t *testing.T) {
	t.Parallel()

	sig := ctrlc.New()
	dev := simdevice.New(nil, simdevice.WithSignal(sig))
	ctx := context.Background()

	require.NoError(t, dev.Ctl(ctx, device.Run))
	sig.Raise()

	status, err := dev.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, device.Intr, status)
}

func TestSimdevice_Poll_HaltedWhenNotRunning(t *testing.T) {
	t.Parallel()

	dev := simdevice.New(nil)
	status, err := dev.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, device.Halted, status)
}

func TestSimdevice_Step_AdvancesPC(t *testing.T) {
	t.Parallel()

	dev := simdevice.New(nil)
	ctx := context.Background()

	require.NoError(t, dev.Ctl(ctx, device.Step))
	regs, err := dev.GetRegs(ctx)
	require.NoError(t, err)
	require.Equal(t, device.Reg(2), regs[0])
}
