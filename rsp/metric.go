package rsp

import (
	"sync/atomic"
)

// ClientMetrics contains atomic metrics for an RSP client.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ClientMetrics struct {
	// PacketSendCount indicates the number of packets written to the stub.
	PacketSendCount atomic.Uint64
	// PacketRecvCount indicates the number of valid packets received from the stub.
	PacketRecvCount atomic.Uint64
	// ChecksumErrCount indicates the number of received packets with a bad checksum.
	ChecksumErrCount atomic.Uint64
	// ProtocolErrCount indicates the number of framing or acknowledgment violations.
	ProtocolErrCount atomic.Uint64
	// ErrorReplyCount indicates the number of error replies returned by the stub.
	ErrorReplyCount atomic.Uint64

	// BytesRead indicates the number of memory bytes fetched.
	BytesRead atomic.Uint64
	// BytesWritten indicates the number of memory bytes written.
	BytesWritten atomic.Uint64
}

func (m *ClientMetrics) incPacketSendCount() {
	m.PacketSendCount.Add(1)
}

func (m *ClientMetrics) incPacketRecvCount() {
	m.PacketRecvCount.Add(1)
}

func (m *ClientMetrics) incChecksumErrCount() {
	m.ChecksumErrCount.Add(1)
}

func (m *ClientMetrics) incProtocolErrCount() {
	m.ProtocolErrCount.Add(1)
}

func (m *ClientMetrics) incErrorReplyCount() {
	m.ErrorReplyCount.Add(1)
}

func (m *ClientMetrics) addBytesRead(n int) {
	m.BytesRead.Add(uint64(n)) //nolint:gosec // n is a slice length
}

func (m *ClientMetrics) addBytesWritten(n int) {
	m.BytesWritten.Add(uint64(n)) //nolint:gosec // n is a slice length
}
