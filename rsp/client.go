package rsp

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
	"unsafe"

	"github.com/arloliu/go-gdbmon/logger"
	"golang.org/x/exp/constraints"
)

// maxWriteHeaderLen is the longest possible "M<addr>,<len>:" prefix of a write packet.
const maxWriteHeaderLen = len("M") + 8 + len(",") + 8 + len(":")

const (
	replyOK            = "OK"
	consoleOutputMark  = 'O'
	packetSizeFeature  = "PacketSize="
	monitorCmdPrefix   = "qRcmd,"
	supportedQuery     = "qSupported"
	continueCommand    = "c"
	readMemoryCommand  = 'm'
	writeMemoryCommand = 'M'
)

// Client sequences packet exchanges with a debug stub into memory and
// execution-control operations.
//
// Every operation is fail-fast and never retried internally. Operations that hit a
// fatal error (see IsFatal) leave the client disconnected.
type Client struct {
	cfg    *ClientConfig
	logger logger.Logger
	stream *Stream

	// packetSize is the negotiated or configured maximum packet size; 0 means unbounded.
	packetSize int

	metrics ClientMetrics
}

// NewClient creates a disconnected Client.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg, err := NewClientConfig(opts...)
	if err != nil {
		return nil, err
	}

	return NewClientWithConfig(cfg)
}

// NewClientWithConfig creates a disconnected Client from an existing configuration.
func NewClientWithConfig(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rsp: client config is nil")
	}

	c := &Client{
		cfg:    cfg,
		logger: cfg.logger,
	}
	c.stream = newStream(cfg, &c.metrics)

	return c, nil
}

// Connect opens the connection, performs the acknowledgment handshake and settles
// the maximum packet size.
func (c *Client) Connect(ctx context.Context, address string) error {
	if err := c.stream.Connect(ctx, address); err != nil {
		return err
	}

	c.packetSize = c.cfg.packetSize
	if c.packetSize == 0 && c.cfg.negotiate {
		if err := c.negotiate(ctx); err != nil {
			if IsFatal(err) {
				return err
			}

			c.logger.Warn("rsp: packet size negotiation failed, transfers will not be chunked", "error", err)
		}
	}

	c.logger.Info("rsp: connected to debug stub", "packetSize", c.packetSize)

	return nil
}

// Disconnect closes the connection. It is safe to call on a disconnected client.
func (c *Client) Disconnect() error {
	return c.stream.Disconnect()
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	return c.stream.IsConnected()
}

// Stream returns the underlying packet stream.
func (c *Client) Stream() *Stream {
	return c.stream
}

// PacketSize returns the maximum packet size in effect, or 0 when unbounded.
func (c *Client) PacketSize() int {
	return c.packetSize
}

// GetMetrics returns the metrics associated with the client.
func (c *Client) GetMetrics() *ClientMetrics {
	return &c.metrics
}

// GetLogger returns the logger associated with the client.
func (c *Client) GetLogger() logger.Logger {
	return c.logger
}

// MaxReadChunk returns the maximum number of memory bytes fetched per read exchange.
//
// Replies are hex encoded, two characters per byte, and the framing overhead must fit
// within the same packet size.
func (c *Client) MaxReadChunk() int {
	if c.packetSize == 0 {
		return math.MaxInt
	}

	return (c.packetSize - FramingOverhead) / 2
}

// MaxWriteChunk returns the maximum number of memory bytes carried per write exchange:
// the read bound further reduced by the write command header.
func (c *Client) MaxWriteChunk() int {
	if c.packetSize == 0 {
		return math.MaxInt
	}

	return max((c.packetSize-FramingOverhead-maxWriteHeaderLen)/2, 1)
}

// ReadSlice fills buf with target memory starting at address.
//
// The transfer is split into chunks of at most MaxReadChunk bytes at contiguous,
// increasing addresses. An error reply aborts the whole operation.
func (c *Client) ReadSlice(ctx context.Context, address uint32, buf []byte) error {
	if err := checkRange(address, len(buf)); err != nil {
		return err
	}

	chunk := c.MaxReadChunk()
	for len(buf) > 0 {
		n := min(len(buf), chunk)
		if err := c.readChunk(ctx, address, buf[:n]); err != nil {
			return fmt.Errorf("read %d bytes at 0x%08x: %w", n, address, err)
		}

		address += uint32(n) //nolint:gosec // bounded by checkRange
		buf = buf[n:]
	}

	return nil
}

func (c *Client) readChunk(ctx context.Context, address uint32, buf []byte) error {
	reply, err := c.exchange(ctx, fmt.Appendf(nil, "%c%x,%x", readMemoryCommand, address, len(buf)))
	if err != nil {
		return err
	}

	if err := c.checkErrorReply(reply); err != nil {
		return err
	}

	if err := DecodeHexInto(buf, reply); err != nil {
		return err
	}

	c.metrics.addBytesRead(len(buf))

	return nil
}

// WriteSlice writes data to target memory starting at address, chunked by MaxWriteChunk.
func (c *Client) WriteSlice(ctx context.Context, address uint32, data []byte) error {
	if err := checkRange(address, len(data)); err != nil {
		return err
	}

	chunk := c.MaxWriteChunk()
	for len(data) > 0 {
		n := min(len(data), chunk)
		if err := c.writeChunk(ctx, address, data[:n]); err != nil {
			return fmt.Errorf("write %d bytes at 0x%08x: %w", n, address, err)
		}

		address += uint32(n) //nolint:gosec // bounded by checkRange
		data = data[n:]
	}

	return nil
}

func (c *Client) writeChunk(ctx context.Context, address uint32, data []byte) error {
	payload := fmt.Appendf(make([]byte, 0, maxWriteHeaderLen+2*len(data)), "%c%x,%x:", writeMemoryCommand, address, len(data))
	payload = AppendHex(payload, data)

	reply, err := c.exchange(ctx, payload)
	if err != nil {
		return err
	}

	if err := c.checkErrorReply(reply); err != nil {
		return err
	}

	if !isOK(reply) {
		return fmt.Errorf("%w: write answered with %q", ErrUnexpectedReply, reply)
	}

	c.metrics.addBytesWritten(len(data))

	return nil
}

// ReadU8 reads one byte at address.
func (c *Client) ReadU8(ctx context.Context, address uint32) (uint8, error) {
	return ReadValue[uint8](ctx, c, address)
}

// ReadU16 reads a little-endian 16-bit integer at address.
func (c *Client) ReadU16(ctx context.Context, address uint32) (uint16, error) {
	return ReadValue[uint16](ctx, c, address)
}

// ReadU32 reads a little-endian 32-bit integer at address.
func (c *Client) ReadU32(ctx context.Context, address uint32) (uint32, error) {
	return ReadValue[uint32](ctx, c, address)
}

// ReadValue reads a little-endian integer of T's width at address.
func ReadValue[T constraints.Integer](ctx context.Context, c *Client, address uint32) (T, error) {
	var v T
	buf := make([]byte, unsafe.Sizeof(v))

	if err := c.ReadSlice(ctx, address, buf); err != nil {
		return v, err
	}

	return LittleEndian[T](buf), nil
}

// LittleEndian decodes buf as a little-endian integer of type T.
// Bytes beyond T's width are ignored; missing bytes read as zero.
func LittleEndian[T constraints.Integer](buf []byte) T {
	var v T
	size := min(int(unsafe.Sizeof(v)), len(buf))

	var u uint64
	for i := size - 1; i >= 0; i-- {
		u = u<<8 | uint64(buf[i])
	}

	return T(u)
}

// ContinueExecution resumes the target. The stub only acknowledges the packet;
// the target runs asynchronously, so no reply is awaited.
func (c *Client) ContinueExecution(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.stream.SendPacket([]byte(continueCommand)); err != nil {
		return err
	}

	return c.stream.ReceiveAck()
}

// StopExecution halts the target so the following reads observe a consistent snapshot.
// The stub answers with a stop reply, which must not be an error reply.
func (c *Client) StopExecution(ctx context.Context) error {
	reply, err := c.exchange(ctx, []byte(c.cfg.haltCommand))
	if err != nil {
		return err
	}

	return c.checkErrorReply(reply)
}

// RunMonitorCommand sends cmd as a qRcmd vendor query and returns the decoded text reply.
//
// Console output packets (O<hex>) sent ahead of the final reply are acknowledged and
// concatenated with it.
func (c *Client) RunMonitorCommand(ctx context.Context, cmd string) (string, error) {
	payload := AppendHex([]byte(monitorCmdPrefix), []byte(cmd))

	reply, err := c.exchange(ctx, payload)
	if err != nil {
		return "", err
	}

	var out []byte
	for {
		if err := c.checkErrorReply(reply); err != nil {
			return "", err
		}

		if len(reply) == 0 {
			return "", fmt.Errorf("%w: monitor command %q not supported", ErrUnexpectedReply, cmd)
		}

		if isOK(reply) {
			break
		}

		if reply[0] == consoleOutputMark {
			text, err := DecodeHex(reply[1:])
			if err != nil {
				return "", err
			}
			out = append(out, text...)

			if reply, err = c.receiveReply(); err != nil {
				return "", err
			}

			continue
		}

		text, err := DecodeHex(reply)
		if err != nil {
			return "", err
		}
		out = append(out, text...)

		break
	}

	if !utf8.Valid(out) {
		return "", fmt.Errorf("%w: monitor command %q", ErrTextDecode, cmd)
	}

	return string(out), nil
}

// negotiate asks the stub for its supported features and records PacketSize.
// A stub without qSupported leaves transfers unbounded.
func (c *Client) negotiate(ctx context.Context) error {
	reply, err := c.exchange(ctx, []byte(supportedQuery))
	if err != nil {
		return err
	}

	if err := c.checkErrorReply(reply); err != nil {
		return err
	}

	size, found, err := parsePacketSize(reply)
	if err != nil || !found {
		return err
	}

	c.packetSize = size

	return nil
}

// parsePacketSize extracts the PacketSize feature from a qSupported reply.
func parsePacketSize(reply []byte) (size int, found bool, err error) {
	for _, feature := range strings.Split(string(reply), ";") {
		value, ok := strings.CutPrefix(feature, packetSizeFeature)
		if !ok {
			continue
		}

		n, err := strconv.ParseUint(value, 16, 32)
		if err != nil {
			return 0, false, fmt.Errorf("%w: malformed feature %q", ErrInvalidPacketSize, feature)
		}

		if err := validatePacketSize(int(n)); err != nil {
			return 0, false, err
		}

		return int(n), true, nil
	}

	return 0, false, nil
}

// exchange sends payload and returns the stub's reply: send, await ack, receive the
// reply, acknowledge it. The reply is acknowledged before it is inspected so that the
// lock-step alternation is preserved on error replies.
func (c *Client) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := c.stream.SendPacket(payload); err != nil {
		return nil, err
	}

	if err := c.stream.ReceiveAck(); err != nil {
		return nil, err
	}

	return c.receiveReply()
}

func (c *Client) receiveReply() ([]byte, error) {
	reply, err := c.stream.ReceivePacket()
	if err != nil {
		return nil, err
	}

	if err := c.stream.SendAck(); err != nil {
		return nil, err
	}

	return reply, nil
}

func (c *Client) checkErrorReply(reply []byte) error {
	if err := checkErrorReply(reply); err != nil {
		c.metrics.incErrorReplyCount()
		return err
	}

	return nil
}

func checkRange(address uint32, n int) error {
	if uint64(address)+uint64(n) > math.MaxUint32+1 {
		return fmt.Errorf("%w: %d bytes at 0x%08x", ErrAddressOverflow, n, address)
	}

	return nil
}

// isOK reports whether reply is the plain OK reply.
func isOK(reply []byte) bool {
	return bytes.Equal(reply, []byte(replyOK))
}
