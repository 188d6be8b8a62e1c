package capture_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dlbeer/mspdebug-sub002/internal/capture"
)

func TestCapture_Stack_EmitRoutesToActiveSink(t *testing.T) {
	t.Parallel()

	var stack capture.Stack
	var got []string
	stack.Start(func(text string) { got = append(got, text) })

	stack.Emit("hello")
	stack.Emit("world")
	require.Equal(t, []string{"hello", "world"}, got)
}

func TestCapture_Stack_EmitWithoutStartIsANoop(t *testing.T) {
	t.Parallel()

	var stack capture.Stack
	require.NotPanics(t, func() { stack.Emit("nobody's listening") })
}

func TestCapture_Stack_EndRestoresPreviousSink(t *testing.T) {
	t.Parallel()

	var stack capture.Stack
	var outer, inner []string
	stack.Start(func(text string) { outer = append(outer, text) })
	stack.Start(func(text string) { inner = append(inner, text) })

	stack.Emit("nested")
	stack.End()
	stack.Emit("back to outer")

	require.Equal(t, []string{"nested"}, inner)
	require.Equal(t, []string{"back to outer"}, outer)
}

func TestCapture_Buffer_AccumulatesNewlineTerminatedFragments(t *testing.T) {
	t.Parallel()

	buf := capture.NewBuffer(64)
	sink := buf.Sink()
	sink("erased")
	sink("done")

	require.Equal(t, "erased\ndone\n", string(buf.Bytes()))
	require.Equal(t, len("erased\ndone\n"), buf.Len())
}

func TestCapture_Buffer_TruncatesOnceHeadroomRunsOut(t *testing.T) {
	t.Parallel()

	const capacity = 80
	buf := capture.NewBuffer(capacity)
	sink := buf.Sink()

	// With capacity 80, even the first 20-byte fragment would leave less
	// than the 64-byte margin, so it is replaced by the truncation marker
	// and the second fragment is dropped.
	sink(strings.Repeat("x", 20))
	sink(strings.Repeat("y", 20))

	require.Contains(t, string(buf.Bytes()), "...<truncated>")
}

func TestCapture_Buffer_StopsAppendingAfterTruncation(t *testing.T) {
	t.Parallel()

	const capacity = 80
	buf := capture.NewBuffer(capacity)
	sink := buf.Sink()

	sink(strings.Repeat("x", 20))
	sink(strings.Repeat("y", 20))
	before := buf.Len()

	sink("more text that must be dropped")
	require.Equal(t, before, buf.Len())
}
