package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitkv/bitkv/client"
	"github.com/bitkv/bitkv/core"
	"github.com/bitkv/bitkv/engine"
	"github.com/bitkv/bitkv/protocol"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	eng, err := engine.Open(t.TempDir(), engine.Kvs, zap.NewNop(), core.WithFsync(false))
	require.NoError(t, err)

	srv, err := New("127.0.0.1:0", eng, 8, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
		require.NoError(t, eng.Close())
	})

	return srv, srv.Addr().String()
}

func TestRequestResponsePairsOnOneConnection(t *testing.T) {
	_, addr := startTestServer(t)

	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close() // nolint:errcheck

	// a miss is Ok(None), not an error
	_, found, err := c.Get("x")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, c.Set("x", "1"))

	val, found, err := c.Get("x")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", val)
}

func TestRemoveOverWire(t *testing.T) {
	_, addr := startTestServer(t)

	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close() // nolint:errcheck

	require.NoError(t, c.Set("k", "v"))
	require.NoError(t, c.Remove("k"))

	_, found, err := c.Get("k")
	require.NoError(t, err)
	require.False(t, found)

	require.ErrorIs(t, c.Remove("k"), client.ErrKeyNotFound)
}

func TestMalformedFrameKeepsConnectionUsable(t *testing.T) {
	_, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close() // nolint:errcheck

	// a frame with intact lengths but a broken checksum: the server must
	// consume it, answer InvalidCommand and keep the stream in sync
	raw := core.EncodeFrame(&core.Frame{Kind: byte(protocol.OpSet), A: []byte("k"), B: []byte("v")})
	raw[len(raw)-1] ^= 0xff
	_, err = conn.Write(raw)
	require.NoError(t, err)

	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInvalidCommand, resp.Status)

	// the very same connection still serves real requests
	require.NoError(t, protocol.WriteRequest(conn, protocol.Request{Op: protocol.OpSet, Key: "a", Val: "1"}))
	resp, err = protocol.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOk, resp.Status)

	require.NoError(t, protocol.WriteRequest(conn, protocol.Request{Op: protocol.OpGet, Key: "a"}))
	resp, err = protocol.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOk, resp.Status)
	require.True(t, resp.HasValue)
	require.Equal(t, "1", resp.Value)
}

func TestUnknownOpGetsInvalidCommand(t *testing.T) {
	_, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close() // nolint:errcheck

	_, err = conn.Write(core.EncodeFrame(&core.Frame{Kind: 0x7f}))
	require.NoError(t, err)

	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInvalidCommand, resp.Status)
}

func TestShutdownStopsAccepting(t *testing.T) {
	srv, addr := startTestServer(t)

	c, err := client.Dial(addr)
	require.NoError(t, err)
	require.NoError(t, c.Set("k", "v"))
	require.NoError(t, c.Close())

	srv.Shutdown()

	// new connections are refused once the listener is down; a dial that
	// sneaks in is never served
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		werr := protocol.WriteRequest(conn, protocol.Request{Op: protocol.OpGet, Key: "k"})
		if werr == nil {
			_, rerr := protocol.ReadResponse(conn)
			require.Error(t, rerr)
		}
		_ = conn.Close()
	}
}

func TestManyClients(t *testing.T) {
	_, addr := startTestServer(t)

	const clients = 8

	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			c, err := client.Dial(addr)
			if err != nil {
				errCh <- err
				return
			}
			defer c.Close() // nolint:errcheck

			for j := 0; j < 50; j++ {
				key := string(rune('a'+i)) + "-key"
				if err := c.Set(key, "v"); err != nil {
					errCh <- err
					return
				}
				if _, _, err := c.Get(key); err != nil {
					errCh <- err
					return
				}
			}
			errCh <- nil
		}(i)
	}

	for i := 0; i < clients; i++ {
		require.NoError(t, <-errCh)
	}
}
