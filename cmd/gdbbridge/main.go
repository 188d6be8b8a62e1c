// Command gdbbridge is the GDB Remote Serial Protocol bridge for
// MSP430 targets (spec §1/§6): "serve" exposes a device (simulated by
// default) to a GDB client, "attach" does the reverse, driving a remote
// RSP stub as a client. Flag/config layering and the shutdown-on-signal
// wiring follow original_source/ui/gdb.c's cmd_gdb and
// malbeclabs-doublezero's tools/gnmi-tunnel reconnect loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/dlbeer/mspdebug-sub002/internal/config"
	"github.com/dlbeer/mspdebug-sub002/internal/ctrlc"
	"github.com/dlbeer/mspdebug-sub002/internal/device"
	"github.com/dlbeer/mspdebug-sub002/internal/fetdevice"
	"github.com/dlbeer/mspdebug-sub002/internal/gdbclient"
	"github.com/dlbeer/mspdebug-sub002/internal/gdbserver"
	"github.com/dlbeer/mspdebug-sub002/internal/mailbox"
	"github.com/dlbeer/mspdebug-sub002/internal/simdevice"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	var verbose bool

	root := &cobra.Command{
		Use:   "gdbbridge",
		Short: "GDB Remote Serial Protocol bridge for MSP430 targets",
	}
	root.PersistentFlags().StringVar(&envFile, "env", "", "optional .env file overlaying compiled-in defaults")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd(&envFile, &verbose))
	root.AddCommand(newAttachCmd(&envFile, &verbose))
	return root
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func newServeCmd(envFile *string, verbose *bool) *cobra.Command {
	var port int
	var loop bool
	var vendor bool
	var xferSize int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "expose a device to a GDB client",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			cfg := config.Load(*envFile)
			if cmd.Flags().Changed("loop") {
				cfg.GDBLoop = loop
			}
			if cmd.Flags().Changed("xfer-size") {
				cfg.GDBCXferSize = config.Clamp(xferSize)
			}
			if port == 0 {
				port = cfg.GDBDefaultPort
			}

			sig := ctrlc.New()
			stop := sig.Init()
			defer stop()

			var dev device.Device
			if vendor {
				log.Info("using vendor-callback device backend")
				dev = fetdevice.New(log)
			} else {
				log.Info("using simulated device backend")
				dev = simdevice.New(log, simdevice.WithSignal(sig))
			}

			ctx := context.Background()
			if err := dev.Open(ctx, ""); err != nil {
				return fmt.Errorf("gdbbridge: open device: %w", err)
			}
			defer dev.Close()

			srv := gdbserver.New(dev, cfg, sig, log, nil)
			return srv.Serve(ctx, port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "TCP port to bind (default from config)")
	cmd.Flags().BoolVar(&loop, "loop", false, "keep accepting clients after one disconnects")
	cmd.Flags().BoolVar(&vendor, "vendor", false, "use the vendor-callback device instead of the simulator")
	cmd.Flags().IntVar(&xferSize, "xfer-size", 0, "client-side memory transfer chunk size stored in the config (default from config); the server does not use it")
	return cmd
}

func newAttachCmd(envFile *string, verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <host[:port]>",
		Short: "attach to a remote RSP stub as a client and run an interactive session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			cfg := config.Load(*envFile)

			sig := ctrlc.New()
			stop := sig.Init()
			defer stop()

			ctx := context.Background()
			target := args[0]

			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 30 * time.Second
			bo.MaxElapsedTime = 0

			mb := mailbox.New()
			go mailbox.RunReader(os.Stdin, mb, sig)

			attempt := 0
			for {
				if sig.Check() {
					return nil
				}
				attempt++
				log.Info("attempting connection", "target", target, "attempt", attempt)

				err := runAttach(ctx, target, cfg, sig, log, mb)
				if err == nil {
					log.Info("session ended cleanly")
					return nil
				}
				log.Error("session error", "err", err)

				wait := bo.NextBackOff()
				log.Info("reconnecting", "after", wait)
				select {
				case <-time.After(wait):
				case <-sig.WaitHandle():
					return nil
				}
			}
		},
	}
	return cmd
}

func runAttach(ctx context.Context, target string, cfg config.Config, sig *ctrlc.Signal, log *slog.Logger, mb *mailbox.Mailbox) error {
	dev := gdbclient.New(sig, log, gdbclient.WithXferSize(cfg.GDBCXferSize))
	if err := dev.Open(ctx, target); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer dev.Close()

	log.Info("connected", "target", target)
	fmt.Fprintln(os.Stderr, "connected. commands: regs, run, halt, step, reset, erase, read <addr> <len>, write <addr> <hex>, quit")

	for {
		line, ok := mb.Receive()
		if !ok {
			return nil
		}
		if err := runCommand(ctx, dev, line); err != nil {
			if err == errQuit {
				return nil
			}
			log.Error("command failed", "cmd", line, "err", err)
		}
	}
}

var errQuit = fmt.Errorf("quit")

func runCommand(ctx context.Context, dev *gdbclient.Device, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "regs":
		regs, err := dev.GetRegs(ctx)
		if err != nil {
			return err
		}
		for i, r := range regs {
			fmt.Printf("R%-2d = 0x%04x\n", i, r)
		}
	case "run":
		return dev.Ctl(ctx, device.Run)
	case "halt":
		return dev.Ctl(ctx, device.Halt)
	case "step":
		return dev.Ctl(ctx, device.Step)
	case "reset":
		return dev.Ctl(ctx, device.Reset)
	case "erase":
		return dev.Erase(ctx, device.EraseAll, 0)
	case "read":
		if len(fields) != 3 {
			return fmt.Errorf("usage: read <addr> <len>")
		}
		addr, err := strconv.ParseUint(fields[1], 16, 32)
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return err
		}
		data, err := dev.ReadMem(ctx, uint32(addr), n)
		if err != nil {
			return err
		}
		fmt.Printf("%x\n", data)
	case "write":
		if len(fields) != 3 {
			return fmt.Errorf("usage: write <addr> <hex>")
		}
		addr, err := strconv.ParseUint(fields[1], 16, 32)
		if err != nil {
			return err
		}
		data := make([]byte, 0, len(fields[2])/2)
		for i := 0; i+1 < len(fields[2]); i += 2 {
			var b byte
			if _, err := fmt.Sscanf(fields[2][i:i+2], "%02x", &b); err != nil {
				return err
			}
			data = append(data, b)
		}
		return dev.WriteMem(ctx, uint32(addr), data)
	default:
		return fmt.Errorf("unknown command: %s", fields[0])
	}
	return nil
}
