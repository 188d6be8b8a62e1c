// Package rsp implements the GDB Remote Serial Protocol codec (spec
// §4.3): framing, checksums, ack/retransmit, byte-level I/O over a
// rspnet.Conn. It is a direct translation of
// original_source/gdb_proto.c and util/gdb_proto.h.
package rsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dlbeer/mspdebug-sub002/internal/ctrlc"
	"github.com/dlbeer/mspdebug-sub002/internal/rspnet"
)

// MaxXfer bounds a single memory transfer packet (GDB_MAX_XFER).
const MaxXfer = 8192

// BufSize bounds one RSP packet payload (GDB_BUF_SIZE).
const BufSize = MaxXfer*2 + 64

// xbufSize is the chunk size used for each underlying socket read
// (xbuf in struct gdb_data).
const xbufSize = 1024

var (
	// ErrClosed is returned once the peer has closed the connection.
	ErrClosed = errors.New("rsp: connection closed")
	// ErrInterrupted mirrors rspnet.ErrInterrupted at the packet layer.
	ErrInterrupted = rspnet.ErrInterrupted
)

// Session is one RSP endpoint: an owned connection, a FIFO of
// already-received but not-yet-consumed bytes, and an accumulating
// outbound packet buffer. A Session is bound to one TCP connection and
// is not safe for concurrent use.
type Session struct {
	conn *rspnet.Conn
	sig  *ctrlc.Signal
	log  *slog.Logger

	xbuf       [xbufSize]byte
	head, tail int

	out     bytes.Buffer
	errFlag bool
}

// NewSession constructs a Session bound to conn. sig is observed by
// blocking reads so a user break can unwind them; log receives
// packet-level trace messages (Debug level).
func NewSession(conn *rspnet.Conn, sig *ctrlc.Signal, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{conn: conn, sig: sig, log: log}
}

// Error reports whether this session has latched a transport error.
// Once set it never clears; further sends become no-ops.
func (s *Session) Error() bool { return s.errFlag }

// Conn exposes the underlying connection. Sending the bare 0x03 byte
// that gdbclient's halt needs goes through SendRaw, not through Conn.
func (s *Session) Conn() *rspnet.Conn { return s.conn }

func checksum(payload []byte) byte {
	var c byte
	for _, b := range payload {
		c += b
	}
	return c
}

// HexVal decodes a single hex digit (hexval in the original).
func HexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}

// HexByte decodes a two-digit hex byte.
func HexByte(hi, lo byte) (byte, bool) {
	h, ok1 := HexVal(hi)
	l, ok2 := HexVal(lo)
	return byte(h<<4 | l), ok1 && ok2
}

func hexVal(c byte) (int, bool) { return HexVal(c) }

// getc returns the next byte from the connection, blocking forever
// (mirroring gdb_getc, which calls gdb_read with timeout -1) and
// refilling the FIFO from the socket when it is empty.
func (s *Session) getc(ctx context.Context) (byte, error) {
	if s.head == s.tail {
		if err := s.fill(ctx, -1); err != nil {
			return 0, err
		}
	}
	c := s.xbuf[s.head]
	s.head++
	return c, nil
}

// fill blocks for up to timeout (negative means forever) refilling the
// FIFO from the socket. It returns ErrClosed/ErrInterrupted/an error as
// appropriate and leaves the FIFO untouched on timeout.
func (s *Session) fill(ctx context.Context, timeout time.Duration) error {
	out, err := s.conn.Recv(s.xbuf[:], timeout, s.sig)
	if err != nil {
		s.errFlag = true
		return fmt.Errorf("rsp: recv: %w", err)
	}
	switch {
	case out.Interrupted:
		return ErrInterrupted
	case out.Closed:
		s.errFlag = true
		return ErrClosed
	case out.TimedOut:
		return errTimeout
	default:
		s.head = 0
		s.tail = len(out.Data)
		return nil
	}
}

var errTimeout = errors.New("rsp: timeout")

// Peek reports whether at least one byte is currently available,
// blocking up to timeoutMS milliseconds (spec §4.3). A negative
// timeoutMS waits forever.
func (s *Session) Peek(ctx context.Context, timeoutMS int) (bool, error) {
	if s.head != s.tail {
		return true, nil
	}
	timeout := time.Duration(timeoutMS) * time.Millisecond
	if timeoutMS < 0 {
		timeout = -1
	}
	err := s.fill(ctx, timeout)
	switch {
	case errors.Is(err, errTimeout):
		return false, nil
	case err != nil:
		return false, err
	default:
		return s.head != s.tail, nil
	}
}

// ReadByte returns the next byte already buffered or read from the
// wire, blocking forever if none is available. Used by the server's run
// loop to consume the bare interrupt byte spec §6 defines once Peek has
// reported one is ready.
func (s *Session) ReadByte(ctx context.Context) (byte, error) {
	return s.getc(ctx)
}

// send writes buf to the wire unconditionally (no ack wait); used for
// both NAK bytes and the ack/data bytes that make up a full packet
// round trip.
func (s *Session) send(buf []byte) error {
	if s.errFlag {
		return ErrClosed
	}
	if err := s.conn.Send(buf); err != nil {
		s.errFlag = true
		return fmt.Errorf("rsp: send: %w", err)
	}
	return nil
}

// ReadPacket discards input until a '$' is seen, accumulates the
// payload up to BufSize-1 bytes or until '#', then reads the two-hex
// checksum digits. On a checksum mismatch it NAKs and returns (nil,
// false, nil) — "retry" per spec, without surfacing the bad packet; the
// caller should call ReadPacket again. On success it ACKs and returns
// the payload.
func (s *Session) ReadPacket(ctx context.Context) (payload []byte, ok bool, err error) {
	var c byte
	for {
		c, err = s.getc(ctx)
		if err != nil {
			return nil, false, err
		}
		if c == '$' {
			break
		}
	}

	buf := make([]byte, 0, 64)
	calc := byte(0)
	for len(buf) < BufSize-1 {
		c, err = s.getc(ctx)
		if err != nil {
			return nil, false, err
		}
		if c == '#' {
			break
		}
		buf = append(buf, c)
		calc += c
	}

	c1, err := s.getc(ctx)
	if err != nil {
		return nil, false, err
	}
	c2, err := s.getc(ctx)
	if err != nil {
		return nil, false, err
	}
	hi, ok1 := hexVal(c1)
	lo, ok2 := hexVal(c2)
	recv := byte(hi<<4 | lo)
	if !ok1 || !ok2 || recv != calc {
		s.log.Debug("rsp: bad checksum", "calc", calc, "recv", recv)
		if err := s.send([]byte{'-'}); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	if err := s.send([]byte{'+'}); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

// BeginPacket starts building the outbound packet, inserting the
// leading '$'.
func (s *Session) BeginPacket() {
	s.out.Reset()
	s.out.WriteByte('$')
}

// Printf appends formatted text to the outbound packet under
// construction.
func (s *Session) Printf(format string, args ...any) {
	fmt.Fprintf(&s.out, format, args...)
}

// EndPacket appends "#HH", HH being the checksum of everything written
// since BeginPacket (excluding the leading '$').
func (s *Session) EndPacket() {
	payload := s.out.Bytes()[1:]
	s.out.WriteString(fmt.Sprintf("#%02x", checksum(payload)))
}

// FlushWithAck transmits the outbound buffer and waits for '+', NAKing
// causes a full retransmit: the sender retransmits on '-' until '+' is
// seen, as required by spec §4.3's ack discipline.
func (s *Session) FlushWithAck(ctx context.Context) error {
	for {
		if err := s.send(s.out.Bytes()); err != nil {
			return err
		}

		for {
			c, err := s.getc(ctx)
			if err != nil {
				return err
			}
			if c == '+' {
				s.out.Reset()
				return nil
			}
			if c == '-' {
				break
			}
		}
	}
}

// SendString is BeginPacket/Printf/EndPacket/FlushWithAck in one call.
func (s *Session) SendString(ctx context.Context, msg string) error {
	s.BeginPacket()
	s.Printf("%s", msg)
	s.EndPacket()
	return s.FlushWithAck(ctx)
}

// SendRaw writes a single byte directly to the wire, bypassing packet
// framing entirely. The only use in this protocol is the bare 0x03
// "interrupt running target" byte (spec §6).
func (s *Session) SendRaw(b byte) error {
	return s.send([]byte{b})
}

// IsEOF reports whether err represents an ordinary, expected end of the
// session: the peer closed the connection (ErrClosed or io.EOF). A
// cancelled context is not treated as EOF.
func IsEOF(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, io.EOF)
}
