// Package stubtest provides an in-process debug stub that speaks the remote serial
// protocol over TCP, for use in tests.
//
// The server serves one connection at a time. Memory not set with SetMemory reads as zero.
package stubtest

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Fault is a one-shot misbehavior applied to the next command the server receives.
type Fault int

const (
	FaultNone Fault = iota
	// FaultBadChecksum corrupts the checksum digits of the reply.
	FaultBadChecksum
	// FaultBadStart sends a reply that does not begin with '$'.
	FaultBadStart
	// FaultErrorReply answers with "E01".
	FaultErrorReply
	// FaultNak answers the command packet with '-' instead of '+'.
	FaultNak
	// FaultClose closes the connection instead of acknowledging the command.
	FaultClose
)

// StopReply is the reply sent to the halt command.
const StopReply = "S05"

type readKey struct {
	address uint32
	length  int
}

// Server is a scripted debug stub.
type Server struct {
	listener net.Listener
	done     chan struct{}

	mu           sync.Mutex
	closed       bool
	conn         net.Conn
	memory       map[uint32]byte
	readReplies  map[readKey]string
	monitor      map[string][]string
	ignoreWrites bool
	packetSize   int
	faults       []Fault
	commands     []string
	halted       bool
	connections  int
}

// Start launches a server on a loopback port. It is closed when the test ends.
func Start(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{
		listener:    ln,
		done:        make(chan struct{}),
		memory:      make(map[uint32]byte),
		readReplies: make(map[readKey]string),
		monitor:     make(map[string][]string),
	}

	go s.serve()
	t.Cleanup(s.Close)

	return s
}

// Addr returns the address clients dial.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting, drops the current connection and waits for the server to exit.
func (s *Server) Close() {
	_ = s.listener.Close()

	s.mu.Lock()
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()

	<-s.done
}

// DropConnection closes the current connection, if any, without stopping the server.
func (s *Server) DropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// SetMemory stores data at address.
func (s *Server) SetMemory(address uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, b := range data {
		s.memory[address+uint32(i)] = b //nolint:gosec // test helper
	}
}

// Memory returns n bytes stored at address.
func (s *Server) Memory(address uint32, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readMemory(address, n)
}

// SetReadReply overrides the reply to a read of length bytes at address with a raw payload.
func (s *Server) SetReadReply(address uint32, length int, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readReplies[readKey{address, length}] = payload
}

// SetMonitorOutput scripts the reply to a monitor command: every line is sent as a
// console output packet, followed by OK.
func (s *Server) SetMonitorOutput(cmd string, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.monitor[cmd] = lines
}

// SetGameCode scripts the reply to the "gamecode" monitor command.
func (s *Server) SetGameCode(code string) {
	s.SetMonitorOutput("gamecode", code)
}

// IgnoreWrites makes the server acknowledge writes without storing them.
func (s *Server) IgnoreWrites(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ignoreWrites = ignore
}

// SetPacketSize sets the PacketSize advertised in the qSupported reply.
// Zero makes the server answer qSupported with an empty reply.
func (s *Server) SetPacketSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packetSize = size
}

// InjectFault queues f for the next received command. Faults that corrupt a reply
// skip the continue command, which has none.
func (s *Server) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults = append(s.faults, f)
}

// Commands returns the payloads of all received command packets, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

// ResetCommands clears the command log.
func (s *Server) ResetCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = nil
}

// Halted reports whether the target is currently halted.
func (s *Server) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.halted
}

// Connections returns the number of accepted connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connections
}

func (s *Server) serve() {
	defer close(s.done)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()

			return
		}
		s.conn = conn
		s.connections++
		s.mu.Unlock()

		s.handle(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	r := bufio.NewReader(conn)

	if b, err := r.ReadByte(); err != nil || b != '+' {
		return
	}

	if _, err := conn.Write([]byte{'+'}); err != nil {
		return
	}

	for {
		payload, err := readPacket(r)
		if err != nil {
			return
		}

		fault := s.record(payload)

		switch fault {
		case FaultClose:
			return
		case FaultNak:
			_, _ = conn.Write([]byte{'-'})
			return
		}

		if _, err := conn.Write([]byte{'+'}); err != nil {
			return
		}

		replies, ok := s.dispatch(payload)
		if !ok {
			continue
		}

		if fault == FaultErrorReply {
			replies = []string{"E01"}
		}

		for _, reply := range replies {
			if _, err := conn.Write(frame(reply, fault)); err != nil {
				return
			}

			if b, err := r.ReadByte(); err != nil || b != '+' {
				return
			}
		}
	}
}

func (s *Server) record(payload string) Fault {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, payload)

	if len(s.faults) == 0 {
		return FaultNone
	}

	f := s.faults[0]
	if payload == "c" && replyFault(f) {
		// continue has no reply to corrupt
		return FaultNone
	}
	s.faults = s.faults[1:]

	return f
}

func replyFault(f Fault) bool {
	return f == FaultBadChecksum || f == FaultBadStart || f == FaultErrorReply
}

// dispatch executes one command. It returns the reply packets and false when the
// command expects no reply.
func (s *Server) dispatch(payload string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case payload == "c":
		s.halted = false
		return nil, false

	case payload == "s":
		s.halted = true
		return []string{StopReply}, true

	case payload == "qSupported":
		if s.packetSize == 0 {
			return []string{""}, true
		}
		return []string{fmt.Sprintf("PacketSize=%x;qXfer:features:read+", s.packetSize)}, true

	case strings.HasPrefix(payload, "qRcmd,"):
		return s.monitorReply(payload[len("qRcmd,"):]), true

	case strings.HasPrefix(payload, "m"):
		return []string{s.readReply(payload[1:])}, true

	case strings.HasPrefix(payload, "M"):
		return []string{s.writeReply(payload[1:])}, true

	default:
		return []string{""}, true
	}
}

func (s *Server) monitorReply(hexCmd string) []string {
	cmd, err := hex.DecodeString(hexCmd)
	if err != nil {
		return []string{"E02"}
	}

	lines, ok := s.monitor[string(cmd)]
	if !ok {
		return []string{""}
	}

	replies := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		replies = append(replies, "O"+hex.EncodeToString([]byte(line)))
	}

	return append(replies, "OK")
}

func (s *Server) readReply(args string) string {
	address, length, err := parseRange(args)
	if err != nil {
		return "E03"
	}

	if reply, ok := s.readReplies[readKey{address, length}]; ok {
		return reply
	}

	return hex.EncodeToString(s.readMemory(address, length))
}

func (s *Server) writeReply(args string) string {
	rng, data, ok := strings.Cut(args, ":")
	if !ok {
		return "E04"
	}

	address, length, err := parseRange(rng)
	if err != nil {
		return "E04"
	}

	buf, err := hex.DecodeString(data)
	if err != nil || len(buf) != length {
		return "E05"
	}

	if !s.ignoreWrites {
		for i, b := range buf {
			s.memory[address+uint32(i)] = b //nolint:gosec // test helper
		}
	}

	return "OK"
}

func (s *Server) readMemory(address uint32, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = s.memory[address+uint32(i)] //nolint:gosec // test helper
	}

	return out
}

func parseRange(args string) (uint32, int, error) {
	a, l, ok := strings.Cut(args, ",")
	if !ok {
		return 0, 0, errors.New("missing length")
	}

	address, err := strconv.ParseUint(a, 16, 32)
	if err != nil {
		return 0, 0, err
	}

	length, err := strconv.ParseUint(l, 16, 32)
	if err != nil {
		return 0, 0, err
	}

	return uint32(address), int(length), nil
}

func readPacket(r *bufio.Reader) (string, error) {
	b, err := r.ReadByte()
	if err != nil {
		return "", err
	}

	if b != '$' {
		return "", fmt.Errorf("unexpected byte %q", b)
	}

	body, err := r.ReadString('#')
	if err != nil {
		return "", err
	}

	var cs [2]byte
	if _, err := r.Read(cs[:1]); err != nil {
		return "", err
	}
	if _, err := r.Read(cs[1:]); err != nil {
		return "", err
	}

	return body[:len(body)-1], nil
}

func frame(payload string, fault Fault) []byte {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}

	if fault == FaultBadChecksum {
		sum++
	}

	start := "$"
	if fault == FaultBadStart {
		start = "%"
	}

	return fmt.Appendf(nil, "%s%s#%02x", start, payload, sum)
}
