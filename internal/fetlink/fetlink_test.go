package fetlink_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dlbeer/mspdebug-sub002/internal/fetlink"
)

func TestFetlink_Bus_PostOrsIntoPending(t *testing.T) {
	t.Parallel()

	var bus fetlink.Bus
	bus.Post(fetlink.EventComplete)
	bus.Post(fetlink.EventError)

	require.Equal(t, fetlink.EventComplete|fetlink.EventError, bus.Peek())
}

func TestFetlink_Bus_DrainResetsToZero(t *testing.T) {
	t.Parallel()

	var bus fetlink.Bus
	bus.Post(fetlink.EventComplete)

	got := bus.Drain()
	require.Equal(t, fetlink.EventComplete, got)
	require.Zero(t, bus.Peek())
}

func TestFetlink_Bus_PeekDoesNotConsume(t *testing.T) {
	t.Parallel()

	var bus fetlink.Bus
	bus.Post(fetlink.EventComplete)

	require.Equal(t, fetlink.EventComplete, bus.Peek())
	require.Equal(t, fetlink.EventComplete, bus.Peek())
}
