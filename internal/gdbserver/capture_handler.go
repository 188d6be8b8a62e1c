package gdbserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dlbeer/mspdebug-sub002/internal/capture"
)

// captureHandler wraps a base slog.Handler so records also flow into a
// capture.Stack — the mechanism monitorCommand uses to turn whatever
// the monitor function logs into a GDB reply.
type captureHandler struct {
	base  slog.Handler
	stack *capture.Stack
}

func newCaptureHandler(base slog.Handler, stack *capture.Stack) *captureHandler {
	return &captureHandler{base: base, stack: stack}
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	h.stack.Emit(b.String())
	return h.base.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{base: h.base.WithAttrs(attrs), stack: h.stack}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{base: h.base.WithGroup(name), stack: h.stack}
}
