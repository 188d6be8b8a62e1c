// Package gdbserver implements the RSP server side of the bridge (spec
// §4.6): it listens for one GDB client at a time, dispatches packets
// against a device.Device, and runs the target while interleaving
// polling with a watch for the client sending a bare interrupt byte. It
// is a close translation of original_source/ui/gdb.c's gdb_server,
// gdb_reader_loop and process_gdb_command.
package gdbserver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dlbeer/mspdebug-sub002/internal/capture"
	"github.com/dlbeer/mspdebug-sub002/internal/config"
	"github.com/dlbeer/mspdebug-sub002/internal/ctrlc"
	"github.com/dlbeer/mspdebug-sub002/internal/device"
	"github.com/dlbeer/mspdebug-sub002/internal/rsp"
	"github.com/dlbeer/mspdebug-sub002/internal/rspnet"
)

const (
	registerBytesNarrow = 2 // msp430-gdb: 16-bit register fields
	registerBytesWide   = 4 // msp430-elf-gdb: 32-bit register fields
)

// MonitorFunc executes one "monitor" command (spec §4.6's qRcmd
// handling). Anything it logs through log is captured and returned to
// the client as the command's reply text.
type MonitorFunc func(ctx context.Context, dev device.Device, log *slog.Logger, cmd string)

// DefaultMonitor recognizes "erase" (the only monitor command the
// original client side ever sends, per gdbc_erase) and reports unknown
// commands instead of silently ignoring them.
//
// log is the capturing logger: whatever it emits becomes the reply text
// (monitorCommand), so a clean erase must not log anything on success —
// matching process_command("erase")'s empty capture buffer, which
// replies plain "OK" rather than echoing a status line.
func DefaultMonitor(ctx context.Context, dev device.Device, log *slog.Logger, cmd string) {
	switch strings.TrimSpace(cmd) {
	case "erase":
		if err := dev.Erase(ctx, device.EraseAll, 0); err != nil {
			log.Error("erase failed", "err", err)
			return
		}
	default:
		log.Warn("unknown monitor command", "cmd", cmd)
	}
}

// Server binds a device.Device to the network, per spec §4.6.
type Server struct {
	dev     device.Device
	cfg     config.Config
	sig     *ctrlc.Signal
	log     *slog.Logger
	monitor MonitorFunc
	stack   capture.Stack
}

// New returns a Server. A nil monitor defaults to DefaultMonitor.
func New(dev device.Device, cfg config.Config, sig *ctrlc.Signal, log *slog.Logger, monitor MonitorFunc) *Server {
	if log == nil {
		log = slog.Default()
	}
	if monitor == nil {
		monitor = DefaultMonitor
	}
	return &Server{dev: dev, cfg: cfg, sig: sig, log: log, monitor: monitor}
}

// Serve binds port and accepts clients until ctx is cancelled, the user
// interrupts, or a single session completes and cfg.GDBLoop is false —
// mirroring cmd_gdb's do/while around gdb_server.
func (s *Server) Serve(ctx context.Context, port int) error {
	ln, err := rspnet.Listen(fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("gdbserver: listen: %w", err)
	}
	defer ln.Close()
	s.log.Info("bound to port, waiting for connection", "port", port)

	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve without the listen step, so callers that need
// the actual bound address (tests picking an ephemeral port) can listen
// themselves first.
func (s *Server) ServeListener(ctx context.Context, ln *rspnet.Listener) error {
	for {
		conn, err := ln.Accept(ctx, s.sig)
		if err != nil {
			return fmt.Errorf("gdbserver: accept: %w", err)
		}
		s.log.Info("client connected", "remote", conn.RemoteAddr())

		err = s.serveConn(ctx, conn)
		conn.Close()
		if err != nil {
			s.log.Warn("session ended", "err", err)
		}

		if !s.cfg.GDBLoop {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

type session struct {
	srv           *Server
	sess          *rsp.Session
	registerBytes int
}

func (s *Server) serveConn(ctx context.Context, conn *rspnet.Conn) error {
	sess := rsp.NewSession(conn, s.sig, s.log)
	cs := &session{srv: s, sess: sess, registerBytes: registerBytesNarrow}

	s.log.Info("clearing all breakpoints")
	for i := 0; i < s.dev.MaxBreakpoints(); i++ {
		if _, err := s.dev.SetBreakpoint(i, false, 0, 0); err != nil {
			s.log.Warn("clear breakpoint", "slot", i, "err", err)
		}
	}

	for {
		if s.sig.Check() {
			return nil
		}

		buf, ok, err := sess.ReadPacket(ctx)
		if err != nil {
			if rsp.IsEOF(err) {
				return nil
			}
			return err
		}
		if !ok || len(buf) == 0 {
			continue
		}

		if err := cs.dispatch(ctx, buf); err != nil {
			return err
		}
	}
}

// dispatch mirrors process_gdb_command's switch on buf[0].
func (cs *session) dispatch(ctx context.Context, buf []byte) error {
	switch buf[0] {
	case '?':
		return cs.runFinalStatus(ctx)
	case 'z', 'Z':
		return cs.setBreakpoint(ctx, buf[0] == 'Z', buf[1:])
	case 'r', 'R':
		return cs.restart(ctx)
	case 'g':
		return cs.readRegisters(ctx)
	case 'G':
		return cs.writeRegisters(ctx, buf[1:])
	case 'q':
		return cs.query(ctx, buf)
	case 'm':
		return cs.readMemory(ctx, buf[1:])
	case 'M':
		return cs.writeMemory(ctx, buf[1:])
	case 'c':
		return cs.run(ctx, buf[1:])
	case 's':
		return cs.singleStep(ctx, buf[1:])
	case 'k':
		return fmt.Errorf("gdbserver: client requested kill")
	default:
		return cs.sess.SendString(ctx, "")
	}
}

func (cs *session) readRegisters(ctx context.Context) error {
	cs.srv.log.Info("reading registers")
	regs, err := cs.srv.dev.GetRegs(ctx)
	if err != nil {
		return cs.sess.SendString(ctx, "E00")
	}

	cs.sess.BeginPacket()
	for i := 0; i < device.NumRegs; i++ {
		v := regs[i]
		for j := 0; j < cs.registerBytes; j++ {
			cs.sess.Printf("%02x", v&0xff)
			v >>= 8
		}
	}
	cs.sess.EndPacket()
	return cs.sess.FlushWithAck(ctx)
}

// writeRegisters always expects DEVICE_NUM_REGS*4 hex chars regardless
// of the negotiated register width, matching write_registers exactly —
// the wire format for a register write is fixed at 16 bits per
// register even when qSupported negotiated 32-bit reads.
func (cs *session) writeRegisters(ctx context.Context, buf []byte) error {
	if len(buf) < device.NumRegs*4 {
		return cs.sess.SendString(ctx, "E00")
	}

	cs.srv.log.Info("writing registers")
	var regs [device.NumRegs]device.Reg
	for i := 0; i < device.NumRegs; i++ {
		text := buf[i*4 : i*4+4]
		lo, ok1 := rsp.HexByte(text[0], text[1])
		hi, ok2 := rsp.HexByte(text[2], text[3])
		if !ok1 || !ok2 {
			return cs.sess.SendString(ctx, "E00")
		}
		regs[i] = device.Reg(lo) | device.Reg(hi)<<8
	}

	if err := cs.srv.dev.SetRegs(ctx, regs); err != nil {
		return cs.sess.SendString(ctx, "E00")
	}
	return cs.sess.SendString(ctx, "OK")
}

func (cs *session) readMemory(ctx context.Context, text []byte) error {
	addrHex, lenHex, found := strings.Cut(string(text), ",")
	if !found {
		cs.srv.log.Error("malformed memory read request")
		return cs.sess.SendString(ctx, "E00")
	}

	addr, err1 := strconv.ParseUint(addrHex, 16, 32)
	length, err2 := strconv.ParseUint(lenHex, 16, 32)
	if err1 != nil || err2 != nil {
		return cs.sess.SendString(ctx, "E00")
	}
	if length > rsp.MaxXfer {
		length = rsp.MaxXfer
	}

	cs.srv.log.Info("reading memory", "len", length, "addr", addr)
	data, err := cs.srv.dev.ReadMem(ctx, uint32(addr), int(length))
	if err != nil {
		return cs.sess.SendString(ctx, "E00")
	}

	cs.sess.BeginPacket()
	for _, b := range data {
		cs.sess.Printf("%02x", b)
	}
	cs.sess.EndPacket()
	return cs.sess.FlushWithAck(ctx)
}

func (cs *session) writeMemory(ctx context.Context, text []byte) error {
	head, dataHex, found := strings.Cut(string(text), ":")
	if !found {
		cs.srv.log.Error("malformed memory write request")
		return cs.sess.SendString(ctx, "E00")
	}
	addrHex, lenHex, found := strings.Cut(head, ",")
	if !found {
		cs.srv.log.Error("malformed memory write request")
		return cs.sess.SendString(ctx, "E00")
	}

	addr, err1 := strconv.ParseUint(addrHex, 16, 32)
	length, err2 := strconv.ParseUint(lenHex, 16, 32)
	if err1 != nil || err2 != nil {
		return cs.sess.SendString(ctx, "E00")
	}

	buf := make([]byte, 0, len(dataHex)/2)
	for i := 0; i+1 < len(dataHex) && len(buf) < rsp.MaxXfer; i += 2 {
		b, ok := rsp.HexByte(dataHex[i], dataHex[i+1])
		if !ok {
			break
		}
		buf = append(buf, b)
	}
	if len(buf) != int(length) {
		cs.srv.log.Error("length mismatch")
		return cs.sess.SendString(ctx, "E00")
	}

	cs.srv.log.Info("writing memory", "len", length, "addr", addr)
	if err := cs.srv.dev.WriteMem(ctx, uint32(addr), buf); err != nil {
		return cs.sess.SendString(ctx, "E00")
	}
	return cs.sess.SendString(ctx, "OK")
}

// runSetPC applies an optional leading address argument to register 0,
// mirroring run_set_pc (used by both 'c' and 's').
func (cs *session) runSetPC(ctx context.Context, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	regs, err := cs.srv.dev.GetRegs(ctx)
	if err != nil {
		return err
	}
	addr, err := strconv.ParseUint(string(buf), 16, 32)
	if err != nil {
		return fmt.Errorf("gdbserver: bad PC argument: %w", err)
	}
	regs[0] = device.Reg(addr)
	return cs.srv.dev.SetRegs(ctx, regs)
}

// runFinalStatus reports a hardcoded "stopped by signal 5" (SIGTRAP),
// matching run_final_status — this bridge only ever reports a target
// as halted, never under any other signal.
func (cs *session) runFinalStatus(ctx context.Context) error {
	regs, err := cs.srv.dev.GetRegs(ctx)
	if err != nil {
		return cs.sess.SendString(ctx, "E00")
	}

	cs.sess.BeginPacket()
	cs.sess.Printf("T05")
	for i := 0; i < device.NumRegs; i++ {
		v := regs[i]
		cs.sess.Printf("%02x:", i)
		for j := 0; j < cs.registerBytes; j++ {
			cs.sess.Printf("%02x", v&0xff)
			v >>= 8
		}
		cs.sess.Printf(";")
	}
	cs.sess.EndPacket()
	return cs.sess.FlushWithAck(ctx)
}

func (cs *session) singleStep(ctx context.Context, buf []byte) error {
	cs.srv.log.Info("single stepping")
	if err := cs.runSetPC(ctx, buf); err != nil {
		return cs.sess.SendString(ctx, "E00")
	}
	if err := cs.srv.dev.Ctl(ctx, device.Step); err != nil {
		return cs.sess.SendString(ctx, "E00")
	}
	return cs.runFinalStatus(ctx)
}

// run starts the target and interleaves device.Poll with a non-blocking
// watch for the client sending a bare 0x03, exactly as gdb_server's run()
// does.
func (cs *session) run(ctx context.Context, buf []byte) error {
	cs.srv.log.Info("running")
	if err := cs.runSetPC(ctx, buf); err != nil {
		return cs.sess.SendString(ctx, "E00")
	}
	if err := cs.srv.dev.Ctl(ctx, device.Run); err != nil {
		return cs.sess.SendString(ctx, "E00")
	}

loop:
	for {
		status, err := cs.srv.dev.Poll(ctx)
		if err != nil || status == device.Error {
			return cs.sess.SendString(ctx, "E00")
		}
		switch status {
		case device.Halted:
			cs.srv.log.Info("target halted")
			break loop
		case device.Intr:
			break loop
		}

		for {
			has, err := cs.sess.Peek(ctx, 0)
			if err != nil || !has {
				break
			}
			c, err := cs.sess.ReadByte(ctx)
			if err != nil {
				return err
			}
			if c == 3 {
				cs.srv.log.Info("interrupted by gdb")
				break loop
			}
		}
	}

	if err := cs.srv.dev.Ctl(ctx, device.Halt); err != nil {
		return cs.sess.SendString(ctx, "E00")
	}
	return cs.runFinalStatus(ctx)
}

func bpType(code int) (device.BPType, bool) {
	switch code {
	case 0, 1:
		return device.BPBreak, true
	case 2:
		return device.BPWrite, true
	case 3:
		return device.BPRead, true
	case 4:
		return device.BPWatch, true
	default:
		return 0, false
	}
}

func (cs *session) setBreakpoint(ctx context.Context, enable bool, buf []byte) error {
	parts := strings.SplitN(string(buf), ",", 3)
	if len(parts) < 1 || parts[0] == "" {
		cs.srv.log.Error("breakpoint requested with no type")
		return cs.sess.SendString(ctx, "E00")
	}

	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return cs.sess.SendString(ctx, "E00")
	}
	typ, ok := bpType(code)
	if !ok {
		cs.srv.log.Error("unsupported breakpoint type", "type", parts[0])
		return cs.sess.SendString(ctx, "")
	}
	if len(parts) < 2 || parts[1] == "" {
		cs.srv.log.Error("breakpoint address missing")
		return cs.sess.SendString(ctx, "E00")
	}

	addr, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return cs.sess.SendString(ctx, "E00")
	}

	if enable {
		if _, err := cs.srv.dev.SetBreakpoint(-1, true, uint32(addr), typ); err != nil {
			cs.srv.log.Error("can't add breakpoint", "addr", addr)
			return cs.sess.SendString(ctx, "E00")
		}
		cs.srv.log.Info("breakpoint set", "addr", addr)
	} else {
		cs.srv.dev.SetBreakpoint(-1, false, uint32(addr), typ)
		cs.srv.log.Info("breakpoint cleared", "addr", addr)
	}
	return cs.sess.SendString(ctx, "OK")
}

func (cs *session) restart(ctx context.Context) error {
	if err := cs.srv.dev.Ctl(ctx, device.Reset); err != nil {
		return cs.sess.SendString(ctx, "E00")
	}
	return cs.sess.SendString(ctx, "OK")
}

func (cs *session) sendSupported(ctx context.Context) error {
	cs.sess.BeginPacket()
	cs.sess.Printf("PacketSize=%x", rsp.MaxXfer*2)
	cs.sess.EndPacket()
	return cs.sess.FlushWithAck(ctx)
}

// query dispatches the three 'q' queries this bridge understands
// (qRcmd, qSupported, qfThreadInfo); anything else falls through to the
// default empty reply.
func (cs *session) query(ctx context.Context, buf []byte) error {
	text := string(buf)
	switch {
	case strings.HasPrefix(text, "qRcmd,"):
		return cs.monitorCommand(ctx, buf[len("qRcmd,"):])
	case strings.HasPrefix(text, "qSupported"):
		if strings.Contains(text, "multiprocess+") {
			cs.registerBytes = registerBytesWide
		}
		return cs.sendSupported(ctx)
	case strings.HasPrefix(text, "qfThreadInfo"):
		return cs.sess.SendString(ctx, `<?xml version="1.0"?><threads></threads>`)
	default:
		return cs.sess.SendString(ctx, "")
	}
}

// monitorCommand decodes the hex-encoded command, runs it with output
// captured into a fixed buffer, and replies with "OK" if nothing was
// captured or the hex-encoded capture otherwise — matching
// monitor_command exactly.
func (cs *session) monitorCommand(ctx context.Context, hexCmd []byte) error {
	var cmd strings.Builder
	for i := 0; i+1 < len(hexCmd); i += 2 {
		b, ok := rsp.HexByte(hexCmd[i], hexCmd[i+1])
		if !ok {
			break
		}
		cmd.WriteByte(b)
	}

	cs.srv.log.Info("monitor command received", "cmd", cmd.String())

	out := capture.NewBuffer(rsp.MaxXfer)
	cs.srv.stack.Start(out.Sink())
	capturingLog := slog.New(newCaptureHandler(cs.srv.log.Handler(), &cs.srv.stack))
	cs.srv.monitor(ctx, cs.srv.dev, capturingLog, cmd.String())
	cs.srv.stack.End()

	if out.Len() == 0 {
		return cs.sess.SendString(ctx, "OK")
	}

	cs.sess.BeginPacket()
	for _, b := range out.Bytes() {
		cs.sess.Printf("%02x", b)
	}
	cs.sess.EndPacket()
	return cs.sess.FlushWithAck(ctx)
}
