package gdbclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dlbeer/mspdebug-sub002/internal/ctrlc"
	"github.com/dlbeer/mspdebug-sub002/internal/gdbclient"
	"github.com/dlbeer/mspdebug-sub002/internal/rsp"
	"github.com/dlbeer/mspdebug-sub002/internal/rspnet"
)

// stubServer accepts exactly one connection and replies 0xAA to every
// "m<addr>,<len>" request, letting tests exercise gdbclient.Device's
// wire behavior without a full gdbserver.
func stubServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := rspnet.Listen(":0")
	require.NoError(t, err)

	sig := ctrlc.New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept(context.Background(), sig)
		if err != nil {
			return
		}
		defer conn.Close()
		sess := rsp.NewSession(conn, sig, nil)

		for {
			buf, ok, err := sess.ReadPacket(context.Background())
			if err != nil || !ok {
				return
			}
			text := string(buf)
			if len(text) == 0 {
				continue
			}
			switch text[0] {
			case 'm':
				// Reply with as many 0xAA bytes as requested.
				_, lenHex, found := cut(text[1:], ',')
				n := 0
				if found {
					n = hexToInt(lenHex)
				}
				sess.BeginPacket()
				for i := 0; i < n; i++ {
					sess.Printf("aa")
				}
				sess.EndPacket()
				sess.FlushWithAck(context.Background())
			default:
				sess.SendString(context.Background(), "OK")
			}
		}
	}()

	stop = func() {
		sig.Raise()
		ln.Close()
		<-done
	}
	return ln.Addr().String(), stop
}

func cut(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func hexToInt(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		default:
			return n
		}
		n = n*16 + v
	}
	return n
}

func TestGdbclient_Open_ConnectsToHostPort(t *testing.T) {
	t.Parallel()

	addr, stop := stubServer(t)
	defer stop()

	dev := gdbclient.New(ctrlc.New(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, dev.Open(ctx, addr))
	defer dev.Close()
}

func TestGdbclient_Open_RejectsEmptyTarget(t *testing.T) {
	t.Parallel()

	dev := gdbclient.New(ctrlc.New(), nil)
	err := dev.Open(context.Background(), "")
	require.Error(t, err)
}

func TestGdbclient_ReadMem_ChunksAcrossXferSize(t *testing.T) {
	t.Parallel()

	addr, stop := stubServer(t)
	defer stop()

	dev := gdbclient.New(ctrlc.New(), nil, gdbclient.WithXferSize(4))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, dev.Open(ctx, addr))
	defer dev.Close()

	got, err := dev.ReadMem(ctx, 0x2000, 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for _, b := range got {
		require.Equal(t, byte(0xAA), b)
	}
}
