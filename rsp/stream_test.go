package rsp

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- SendPacket / SendAck ---

func TestStream_SendPacket(t *testing.T) {
	s, metrics, remote := newTestStream(t)

	done := make(chan []byte)
	go func() { done <- readFrame(t, remote) }()

	require.NoError(t, s.SendPacket([]byte("m1000,8")))
	assert.Equal(t, "$m1000,8#92", string(<-done))
	assert.Equal(t, uint64(1), metrics.PacketSendCount.Load())
}

func TestStream_SendAck(t *testing.T) {
	s, _, remote := newTestStream(t)

	done := make(chan byte)
	go func() { done <- readOneByte(t, remote) }()

	require.NoError(t, s.SendAck())
	assert.Equal(t, Ack, <-done)
}

func TestStream_SendPacket_NotConnected(t *testing.T) {
	s, _, _ := newTestStream(t)
	require.NoError(t, s.Disconnect())

	require.ErrorIs(t, s.SendPacket([]byte("c")), ErrNotConnected)
	require.ErrorIs(t, s.SendAck(), ErrNotConnected)
	require.ErrorIs(t, s.ReceiveAck(), ErrNotConnected)

	_, err := s.ReceivePacket()
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestStream_SendPacket_PeerGone(t *testing.T) {
	s, _, remote := newTestStream(t)
	require.NoError(t, remote.Close())

	err := s.SendPacket([]byte("c"))
	require.ErrorIs(t, err, ErrIOFailure)
	assert.False(t, s.IsConnected())
}

// --- ReceiveAck ---

func TestStream_ReceiveAck(t *testing.T) {
	s, _, remote := newTestStream(t)

	go mustWrite(t, remote, []byte{Ack})

	require.NoError(t, s.ReceiveAck())
	assert.True(t, s.IsConnected())
}

func TestStream_ReceiveAck_Nak(t *testing.T) {
	s, metrics, remote := newTestStream(t)

	go mustWrite(t, remote, []byte{Nak})

	err := s.ReceiveAck()
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.True(t, IsFatal(err))
	assert.False(t, s.IsConnected())
	assert.Equal(t, uint64(1), metrics.ProtocolErrCount.Load())
}

func TestStream_ReceiveAck_Timeout(t *testing.T) {
	s, _, _ := newTestStream(t, WithReplyTimeout(50*time.Millisecond))

	start := time.Now()
	err := s.ReceiveAck()
	require.ErrorIs(t, err, ErrReplyTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, s.IsConnected())
}

// --- ReceivePacket ---

func TestStream_ReceivePacket(t *testing.T) {
	s, metrics, remote := newTestStream(t)

	go mustWrite(t, remote, []byte("$OK#9a"))

	payload, err := s.ReceivePacket()
	require.NoError(t, err)
	assert.Equal(t, "OK", string(payload))
	assert.Equal(t, uint64(1), metrics.PacketRecvCount.Load())
}

func TestStream_ReceivePacket_Buffered(t *testing.T) {
	s, _, remote := newTestStream(t)

	go mustWrite(t, remote, []byte("$OK#9a$S05#b8"))

	first, err := s.ReceivePacket()
	require.NoError(t, err)
	assert.Equal(t, "OK", string(first))

	second, err := s.ReceivePacket()
	require.NoError(t, err)
	assert.Equal(t, "S05", string(second))
}

func TestStream_ReceivePacket_Escaped(t *testing.T) {
	s, _, remote := newTestStream(t)

	go mustWrite(t, remote, EncodePacket([]byte("a$b#c")))

	payload, err := s.ReceivePacket()
	require.NoError(t, err)
	assert.Equal(t, "a$b#c", string(payload))
}

func TestStream_ReceivePacket_Failures(t *testing.T) {
	tests := []struct {
		name    string
		wire    string
		wantErr error
	}{
		{name: "bad start marker", wire: "%OK#9a", wantErr: ErrProtocolViolation},
		{name: "ack instead of packet", wire: "+", wantErr: ErrProtocolViolation},
		{name: "nested start marker", wire: "$O$K#9a", wantErr: ErrProtocolViolation},
		{name: "checksum mismatch", wire: "$OK#9b", wantErr: ErrChecksumMismatch},
		{name: "malformed checksum", wire: "$OK#x1", wantErr: ErrProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, remote := newTestStream(t)

			go func() { _, _ = remote.Write([]byte(tt.wire)) }()

			_, err := s.ReceivePacket()
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsFatal(err))
			assert.False(t, s.IsConnected(), "connection must be torn down")
		})
	}
}

func TestStream_ReceivePacket_ChecksumMetric(t *testing.T) {
	s, metrics, remote := newTestStream(t)

	go func() { _, _ = remote.Write([]byte("$OK#00")) }()

	_, err := s.ReceivePacket()
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, uint64(1), metrics.ChecksumErrCount.Load())
}

func TestStream_ReceivePacket_PeerClosed(t *testing.T) {
	s, _, remote := newTestStream(t)
	require.NoError(t, remote.Close())

	_, err := s.ReceivePacket()
	require.ErrorIs(t, err, ErrConnClosed)
	assert.False(t, s.IsConnected())
}

func TestStream_ReceivePacket_PeerClosedOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		assert.Equal(t, Ack, readOneByte(t, conn))
		mustWrite(t, conn, []byte{Ack})
		_ = conn.Close()
	}()

	s := newStream(newTestConfig(t), &ClientMetrics{})
	require.NoError(t, s.Connect(context.Background(), ln.Addr().String()))

	_, err = s.ReceivePacket()
	require.ErrorIs(t, err, ErrConnClosed)
	assert.False(t, s.IsConnected())
}

func TestClassifyReadError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "eof", err: io.EOF, want: ErrConnClosed},
		{name: "closed pipe", err: io.ErrClosedPipe, want: ErrConnClosed},
		{name: "deadline", err: os.ErrDeadlineExceeded, want: ErrReplyTimeout},
		{name: "other", err: errors.New("boom"), want: ErrIOFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, classifyReadError(tt.err), tt.want)
		})
	}
}

func TestStream_ReceivePacket_ClosedMidPacket(t *testing.T) {
	s, _, remote := newTestStream(t)

	go func() {
		_, _ = remote.Write([]byte("$O"))
		_ = remote.Close()
	}()

	_, err := s.ReceivePacket()
	require.ErrorIs(t, err, ErrConnClosed)
}

// --- Connect / Disconnect ---

func TestStream_Connect_Handshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		assert.Equal(t, Ack, readOneByte(t, conn))
		mustWrite(t, conn, []byte{Ack})
		_, _ = conn.Read(make([]byte, 1)) // blocks until the client disconnects
	}()

	s := newStream(newTestConfig(t), &ClientMetrics{})
	require.NoError(t, s.Connect(context.Background(), ln.Addr().String()))
	assert.True(t, s.IsConnected())

	require.ErrorIs(t, s.Connect(context.Background(), ln.Addr().String()), ErrAlreadyConnected)

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	assert.False(t, s.IsConnected())
}

func TestStream_Connect_HandshakeRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		_ = readOneByte(t, conn)
		mustWrite(t, conn, []byte{Nak})
	}()

	s := newStream(newTestConfig(t), &ClientMetrics{})
	err = s.Connect(context.Background(), ln.Addr().String())
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.False(t, s.IsConnected())
}

func TestStream_Connect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := newStream(newTestConfig(t), &ClientMetrics{})
	err = s.Connect(context.Background(), addr)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, IsFatal(err))
}
