// Package rspnet is the sockets façade (spec §4.2): every call is
// logically blocking but cancellable, either by a context or by a
// ctrlc.Signal being raised while the call is in flight.
//
// Go's runtime net poller already gives every net.Conn/net.Listener
// cancellable blocking I/O for free (closing the socket, or expiring a
// deadline, unblocks whatever goroutine is parked on it) — so unlike the
// C original, which needs one code path for signal-interruptible
// platforms and another for event-driven ones, a single implementation
// here covers both. See DESIGN.md for the reasoning.
package rspnet

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/dlbeer/mspdebug-sub002/internal/ctrlc"
)

// ErrInterrupted is returned when a blocking call is unblocked by a
// ctrlc.Signal raise rather than by ordinary socket activity. It is
// distinct from a timeout or a transport error.
var ErrInterrupted = errors.New("rspnet: interrupted")

// pollTick bounds how often a blocking recv re-checks the interrupt
// signal; it plays the same role as the ~50ms tick spec §4.6 requires
// of Device.Poll.
const pollTick = 50 * time.Millisecond

// Listener wraps a net.Listener with cancellable Accept.
type Listener struct {
	net.Listener
}

// Listen opens a TCP listener on addr with SO_REUSEADDR set (on unix
// platforms), backlog sized by the OS default (Go does not expose
// setting it below the OS maximum). The server serves one client at a
// time: it calls Accept again only after the current session ends, so a
// second connection waits in the OS backlog until then.
func Listen(addr string) (*Listener, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	l, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l}, nil
}

// Accept blocks until a client connects, ctx is cancelled, or sig is
// raised.
func (l *Listener) Accept(ctx context.Context, sig *ctrlc.Signal) (*Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.Listener.Accept()
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &Conn{Conn: r.conn}, nil
	case <-ctx.Done():
		l.Listener.Close()
		<-ch
		return nil, ctx.Err()
	case <-sig.WaitHandle():
		l.Listener.Close()
		<-ch
		return nil, ErrInterrupted
	}
}

// Conn wraps a net.Conn with the cancellable send/recv primitives the
// RSP codec (package rsp) is built on.
type Conn struct {
	net.Conn
}

// Dial connects to addr, honoring ctx cancellation and sig interrupts.
func Dial(ctx context.Context, sig *ctrlc.Signal, addr string) (*Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	d := net.Dialer{}
	go func() {
		c, err := d.DialContext(ctx, "tcp", addr)
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &Conn{Conn: r.conn}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sig.WaitHandle():
		// There is no socket to close yet; wait for the dial to either
		// finish or fail so the goroutine above doesn't leak, then
		// report the interrupt.
		r := <-ch
		if r.conn != nil {
			r.conn.Close()
		}
		return nil, ErrInterrupted
	}
}

// Outcome reports the result of a single Recv call. On a non-error
// return either Data is non-empty or exactly one of the boolean fields
// is set; a transport failure is reported through Recv's error result
// instead, with a zero Outcome.
type Outcome struct {
	Data        []byte
	Closed      bool // orderly peer close (recv length == 0)
	TimedOut    bool // timeout elapsed with no data and no interrupt
	Interrupted bool // sig was raised while waiting
}

// Recv reads whatever is available up to len(buf), blocking for up to
// timeout (timeout < 0 means wait forever) unless sig is raised first. A
// zero timeout is a near non-blocking peek: it attempts one Read with a
// deadline one millisecond ahead (a deadline that has already passed
// makes Read fail without looking at data already received) before
// reporting TimedOut, matching the original's sockets_recv(timeout_ms=0,...).
func (c *Conn) Recv(buf []byte, timeout time.Duration, sig *ctrlc.Signal) (Outcome, error) {
	deadline := time.Now().Add(timeout)
	forever := timeout < 0

	for {
		if sig.Check() {
			return Outcome{Interrupted: true}, nil
		}

		step := pollTick
		if !forever {
			if remaining := time.Until(deadline); remaining < step {
				step = remaining
				if step <= 0 {
					step = time.Millisecond
				}
			}
		}

		c.Conn.SetReadDeadline(time.Now().Add(step))
		n, err := c.Conn.Read(buf)
		if n > 0 {
			return Outcome{Data: buf[:n]}, nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return Outcome{Closed: true}, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if !forever && !time.Now().Before(deadline) {
				return Outcome{TimedOut: true}, nil
			}
			continue
		}
		return Outcome{}, err
	}
}

// Send writes data to the connection in full.
func (c *Conn) Send(data []byte) error {
	c.Conn.SetWriteDeadline(time.Time{})
	_, err := c.Conn.Write(data)
	return err
}

// Peek is Recv under another name: it reads up to len(buf) bytes, which
// then belong to the caller. Package rsp does not call it; rsp.Session
// keeps its own lookahead by buffering what Recv returns in its FIFO.
func (c *Conn) Peek(buf []byte, timeout time.Duration, sig *ctrlc.Signal) (Outcome, error) {
	return c.Recv(buf, timeout, sig)
}
