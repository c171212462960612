package rsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/arloliu/go-gdbmon/logger"
)

// maxReplySize bounds the payload of a single received packet.
const maxReplySize = 2*MaxPacketSize + FramingOverhead

// Stream owns one connection to a debug stub and exchanges frames and
// acknowledgments over it.
//
// Every read is bounded by the reply timeout and relies on the runtime network
// poller: the goroutine sleeps until the socket is readable or the deadline passes.
//
// Send/receive operations are NOT goroutine-safe; IsConnected and Disconnect are.
type Stream struct {
	cfg     *ClientConfig
	logger  logger.Logger
	metrics *ClientMetrics

	connMutex sync.RWMutex
	conn      net.Conn
	reader    *bufio.Reader
}

func newStream(cfg *ClientConfig, metrics *ClientMetrics) *Stream {
	return &Stream{
		cfg:     cfg,
		logger:  cfg.logger,
		metrics: metrics,
	}
}

// Connect dials address, disables send coalescing and performs the initial
// handshake: send an acknowledgment, then await one.
func (s *Stream) Connect(ctx context.Context, address string) error {
	if s.IsConnected() {
		return ErrAlreadyConnected
	}

	dialer := &net.Dialer{Timeout: s.cfg.connectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrNotConnected, address, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			_ = conn.Close()

			return fmt.Errorf("%w: set TCP_NODELAY: %w", ErrNotConnected, err)
		}
	}

	s.attach(conn)

	if err := s.handshake(); err != nil {
		_ = s.Disconnect()

		return fmt.Errorf("%w: initial handshake with %s: %w", ErrNotConnected, address, err)
	}

	s.logger.Debug("rsp: connected",
		"localAddr", conn.LocalAddr().String(),
		"remoteAddr", conn.RemoteAddr().String())

	return nil
}

func (s *Stream) handshake() error {
	if err := s.SendAck(); err != nil {
		return err
	}

	return s.ReceiveAck()
}

// attach installs conn as the live connection.
func (s *Stream) attach(conn net.Conn) {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()

	s.conn = conn
	s.reader = bufio.NewReader(conn)
}

func (s *Stream) getConn() (net.Conn, *bufio.Reader) {
	s.connMutex.RLock()
	defer s.connMutex.RUnlock()

	return s.conn, s.reader
}

// IsConnected reports whether the stream holds a live connection.
func (s *Stream) IsConnected() bool {
	s.connMutex.RLock()
	defer s.connMutex.RUnlock()

	return s.conn != nil
}

// Disconnect closes both directions of the connection and clears the handle.
// It is a no-op when not connected.
func (s *Stream) Disconnect() error {
	s.connMutex.Lock()
	conn := s.conn
	s.conn = nil
	s.reader = nil
	s.connMutex.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("rsp: close connection: %w", err)
	}

	return nil
}

// teardown forces the connection down after a fatal error and returns err.
func (s *Stream) teardown(err error) error {
	if errors.Is(err, ErrProtocolViolation) {
		s.metrics.incProtocolErrCount()
	}

	s.logger.Error("rsp: connection torn down", "error", err)
	_ = s.Disconnect()

	return err
}

// SendPacket frames payload and writes it to the stub.
func (s *Stream) SendPacket(payload []byte) error {
	conn, _ := s.getConn()
	if conn == nil {
		return ErrNotConnected
	}

	s.logger.Debug("rsp: send packet", "payload", string(payload))

	if err := s.writeAll(conn, EncodePacket(payload)); err != nil {
		return s.teardown(fmt.Errorf("%w: send packet: %w", ErrIOFailure, err))
	}

	s.metrics.incPacketSendCount()

	return nil
}

// SendAck writes a single positive acknowledgment.
func (s *Stream) SendAck() error {
	conn, _ := s.getConn()
	if conn == nil {
		return ErrNotConnected
	}

	if err := s.writeAll(conn, []byte{Ack}); err != nil {
		return s.teardown(fmt.Errorf("%w: send ack: %w", ErrIOFailure, err))
	}

	return nil
}

// ReceiveAck reads one acknowledgment byte. Anything but '+' is a protocol violation.
func (s *Stream) ReceiveAck() error {
	conn, reader := s.getConn()
	if conn == nil {
		return ErrNotConnected
	}

	b, err := s.readByte(conn, reader, time.Now().Add(s.cfg.replyTimeout))
	if err != nil {
		return s.teardown(fmt.Errorf("waiting for ack: %w", err))
	}

	if b != Ack {
		return s.teardown(fmt.Errorf("%w: expected ack %q, got %q", ErrProtocolViolation, Ack, b))
	}

	return nil
}

// ReceivePacket reads one complete frame and returns its decoded payload.
//
// The connection is torn down on any framing violation or checksum mismatch: the
// protocol has no resynchronization mechanism, so the rest of the byte stream
// cannot be trusted.
func (s *Stream) ReceivePacket() ([]byte, error) {
	conn, reader := s.getConn()
	if conn == nil {
		return nil, ErrNotConnected
	}

	deadline := time.Now().Add(s.cfg.replyTimeout)

	b, err := s.readByte(conn, reader, deadline)
	if err != nil {
		return nil, s.teardown(fmt.Errorf("waiting for packet: %w", err))
	}

	if b != StartMarker {
		return nil, s.teardown(fmt.Errorf("%w: packet starts with %q, want %q", ErrProtocolViolation, b, StartMarker))
	}

	wire := make([]byte, 0, 64)
	for {
		b, err := s.readByte(conn, reader, deadline)
		if err != nil {
			return nil, s.teardown(fmt.Errorf("reading packet payload: %w", err))
		}

		if b == EndMarker {
			break
		}

		if b == StartMarker {
			return nil, s.teardown(fmt.Errorf("%w: start marker inside packet", ErrProtocolViolation))
		}

		if len(wire) >= maxReplySize {
			return nil, s.teardown(fmt.Errorf("%w: packet exceeds %d bytes", ErrProtocolViolation, maxReplySize))
		}

		wire = append(wire, b)
	}

	var digits [checksumSize]byte
	for i := range digits {
		digits[i], err = s.readByte(conn, reader, deadline)
		if err != nil {
			return nil, s.teardown(fmt.Errorf("reading checksum: %w", err))
		}
	}

	if err := verifyChecksum(wire, digits[0], digits[1]); err != nil {
		if errors.Is(err, ErrChecksumMismatch) {
			s.metrics.incChecksumErrCount()
		}

		return nil, s.teardown(err)
	}

	payload, err := unescape(wire)
	if err != nil {
		return nil, s.teardown(err)
	}

	s.metrics.incPacketRecvCount()
	s.logger.Debug("rsp: received packet", "payload", string(payload))

	return payload, nil
}

// readByte reads a single byte, waiting until deadline for the socket to become readable.
func (s *Stream) readByte(conn net.Conn, reader *bufio.Reader, deadline time.Time) (byte, error) {
	if reader.Buffered() == 0 {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return 0, classifyReadError(err)
		}
	}

	b, err := reader.ReadByte()
	if err != nil {
		return 0, classifyReadError(err)
	}

	return b, nil
}

// writeAll writes all bytes in data, bounded by the send timeout.
func (s *Stream) writeAll(conn net.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.sendTimeout)); err != nil {
		return err
	}

	for written := 0; written < len(data); {
		n, err := conn.Write(data[written:])
		written += n

		if err != nil {
			return err
		}
	}

	return nil
}

func classifyReadError(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return ErrConnClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrReplyTimeout
	case isTimeoutError(err):
		return ErrReplyTimeout
	default:
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
}

func isTimeoutError(err error) bool {
	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
