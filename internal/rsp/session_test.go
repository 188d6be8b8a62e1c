package rsp_test

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dlbeer/mspdebug-sub002/internal/ctrlc"
	"github.com/dlbeer/mspdebug-sub002/internal/rsp"
	"github.com/dlbeer/mspdebug-sub002/internal/rspnet"
)

func newPipeSessions(t *testing.T) (*rsp.Session, *rsp.Session) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	sig := ctrlc.New()
	return rsp.NewSession(&rspnet.Conn{Conn: a}, sig, nil),
		rsp.NewSession(&rspnet.Conn{Conn: b}, sig, nil)
}

func TestRsp_Session_SendString_RoundTrips(t *testing.T) {
	t.Parallel()

	client, server := newPipeSessions(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- client.SendString(ctx, "m2000,4") }()

	buf, ok, err := server.ReadPacket(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "m2000,4", string(buf))
	require.NoError(t, <-done)
}

func TestRsp_Session_ChecksumMismatch_RetriesInsteadOfSurfacingBadPacket(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	sig := ctrlc.New()
	server := rsp.NewSession(&rspnet.Conn{Conn: b}, sig, nil)
	ctx := context.Background()

	go func() {
		// A packet with a deliberately wrong checksum, followed (after
		// the server's NAK) by the same payload with the correct one.
		a.Write([]byte("$abc#00"))
		buf := make([]byte, 1)
		a.Read(buf) // consume the '-' NAK
		a.Write([]byte(fmt.Sprintf("$abc#%02x", byte('a'+'b'+'c'))))
	}()

	buf, ok, err := server.ReadPacket(ctx)
	require.NoError(t, err)
	require.False(t, ok, "first packet had a bad checksum and must not surface")

	buf, ok, err = server.ReadPacket(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", string(buf))
}

func TestRsp_Session_FlushWithAck_WaitsForAck(t *testing.T) {
	t.Parallel()

	client, server := newPipeSessions(t)
	ctx := context.Background()

	client.BeginPacket()
	client.Printf("g")
	client.EndPacket()

	done := make(chan error, 1)
	go func() { done <- client.FlushWithAck(ctx) }()

	buf, ok, err := server.ReadPacket(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "g", string(buf))
	// ReadPacket already sent the '+' that unblocks FlushWithAck.
	require.NoError(t, <-done)
	require.NotNil(t, server.Conn())
}

func TestRsp_Session_HexByte(t *testing.T) {
	t.Parallel()

	b, ok := rsp.HexByte('a', 'f')
	require.True(t, ok)
	require.Equal(t, byte(0xaf), b)

	_, ok = rsp.HexByte('z', '0')
	require.False(t, ok)
}

func TestRsp_Session_Peek_ReportsInterrupt(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	sig := ctrlc.New()
	server := rsp.NewSession(&rspnet.Conn{Conn: b}, sig, nil)

	sig.Raise()
	_, err := server.Peek(context.Background(), -1)
	require.ErrorIs(t, err, rsp.ErrInterrupted)
}
