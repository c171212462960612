package rsp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/arloliu/go-gdbmon/internal/stubtest"
	"github.com/stretchr/testify/require"
)

// newTestConfig creates a ClientConfig with short timeouts suitable for tests.
func newTestConfig(t *testing.T, opts ...ClientOption) *ClientConfig {
	t.Helper()

	defaults := []ClientOption{
		WithConnectTimeout(time.Second),
		WithSendTimeout(time.Second),
		WithReplyTimeout(500 * time.Millisecond),
	}

	cfg, err := NewClientConfig(append(defaults, opts...)...)
	require.NoError(t, err)

	return cfg
}

// newTestStream creates a Stream attached to the local end of net.Pipe().
// Returns the stream, its metrics and the remote end for test simulation.
func newTestStream(t *testing.T, opts ...ClientOption) (*Stream, *ClientMetrics, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	metrics := &ClientMetrics{}
	s := newStream(newTestConfig(t, opts...), metrics)
	s.attach(local)

	return s, metrics, remote
}

// newTestClient creates a Client connected to a fresh stub server.
func newTestClient(t *testing.T, opts ...ClientOption) (*Client, *stubtest.Server) {
	t.Helper()

	srv := stubtest.Start(t)
	c := newDisconnectedClient(t, opts...)
	require.NoError(t, c.Connect(context.Background(), srv.Addr()))

	return c, srv
}

func newDisconnectedClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()

	c, err := NewClientWithConfig(newTestConfig(t, opts...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })

	return c
}

// readExactly reads exactly n bytes from r, failing the test on error.
func readExactly(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	if err != nil {
		t.Errorf("readExactly: %v", err)
	}

	return buf
}

// readOneByte reads exactly 1 byte from r.
func readOneByte(t *testing.T, r io.Reader) byte {
	t.Helper()

	return readExactly(t, r, 1)[0]
}

// readFrame reads one "$...#cs" frame from r and returns it verbatim.
func readFrame(t *testing.T, r io.Reader) []byte {
	t.Helper()

	var frame []byte
	for {
		b := readOneByte(t, r)
		frame = append(frame, b)
		if b == EndMarker || t.Failed() {
			break
		}
	}

	return append(frame, readExactly(t, r, checksumSize)...)
}

// mustWrite writes data to w.
func mustWrite(t *testing.T, w io.Writer, data []byte) {
	t.Helper()

	_, err := w.Write(data)
	if err != nil {
		t.Errorf("mustWrite: %v", err)
	}
}
