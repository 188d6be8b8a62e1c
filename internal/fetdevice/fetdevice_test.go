package fetdevice_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dlbeer/mspdebug-sub002/internal/device"
	"github.com/dlbeer/mspdebug-sub002/internal/fetdevice"
)

func TestFetdevice_Poll_HaltedWhenNotRunning(t *testing.T) {
	t.Parallel()

	dev := fetdevice.New(nil)
	status, err := dev.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, device.Halted, status)
}

// pollAsync runs one Poll call on its own goroutine and returns a channel
// for its result, since Poll now blocks on the fake clock's tick rather
// than returning synchronously.
func pollAsync(t *testing.T, ctx context.Context, dev *fetdevice.Device) <-chan device.Status {
	ch := make(chan device.Status, 1)
	go func() {
		status, err := dev.Poll(ctx)
		require.NoError(t, err)
		ch <- status
	}()
	return ch
}

func TestFetdevice_Poll_RunningUntilVendorGoroutinePostsCompletion(t *testing.T) {
	t.Parallel()

	// The vendor goroutine's runDelay (150ms) outlasts Poll's own
	// pollTick (50ms), so advancing the fake clock one tick at a time
	// never leaves both waiters racing to post/drain the bus at once.
	clock := clockwork.NewFakeClock()
	dev := fetdevice.New(nil, fetdevice.WithClock(clock))
	ctx := context.Background()

	require.NoError(t, dev.Ctl(ctx, device.Run))

	poll1 := pollAsync(t, ctx, dev)
	clock.BlockUntil(2) // vendor's runDelay wait + this Poll's tick
	clock.Advance(51 * time.Millisecond)
	require.Equal(t, device.Running, <-poll1, "vendor goroutine has not posted completion yet")

	poll2 := pollAsync(t, ctx, dev)
	clock.BlockUntil(2) // vendor still waiting + this Poll's new tick
	clock.Advance(51 * time.Millisecond)
	require.Equal(t, device.Running, <-poll2, "vendor goroutine still has not posted completion")

	poll3 := pollAsync(t, ctx, dev)
	clock.BlockUntil(2)
	clock.Advance(49 * time.Millisecond) // crosses vendor's 150ms deadline only
	clock.BlockUntil(1)                  // wait for the vendor goroutine to finish posting
	clock.Advance(1 * time.Millisecond)  // crosses this Poll's own tick
	require.Equal(t, device.Halted, <-poll3)
}

func TestFetdevice_MemoryReadWrite_RoundTrips(t *testing.T) {
	t.Parallel()

	dev := fetdevice.New(nil)
	ctx := context.Background()
	want := []byte{0x11, 0x22, 0x33}

	require.NoError(t, dev.WriteMem(ctx, 0x100, want))
	got, err := dev.ReadMem(ctx, 0x100, len(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFetdevice_Erase_FillsMemoryWithFF(t *testing.T) {
	t.Parallel()

	dev := fetdevice.New(nil)
	ctx := context.Background()

	require.NoError(t, dev.WriteMem(ctx, 0x100, []byte{0x01}))
	require.NoError(t, dev.Erase(ctx, device.EraseAll, 0))

	got, err := dev.ReadMem(ctx, 0x100, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF}, got)
}

func TestFetdevice_Step_AdvancesPCWithoutTouchingTheBus(t *testing.T) {
	t.Parallel()

	dev := fetdevice.New(nil)
	ctx := context.Background()

	require.NoError(t, dev.Ctl(ctx, device.Step))
	regs, err := dev.GetRegs(ctx)
	require.NoError(t, err)
	require.Equal(t, device.Reg(2), regs[0])

	status, err := dev.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, device.Halted, status)
}
