// Package rsp implements the client side of the GDB Remote Serial Protocol subset
// needed to inspect the memory of an emulated target through its debug stub.
//
// # Protocol Overview
//
// RSP is a half-duplex, lock-step, text framed protocol. Every packet has the wire form
//
//	$<payload>#<checksum>
//
// where checksum is two lowercase hex digits holding the sum of the payload bytes modulo 256.
// Each packet, in either direction, is acknowledged by a single byte before the next packet
// may be sent:
//
//   - '+' (0x2B): correct reception
//   - '-' (0x2D): incorrect reception
//
// This client treats anything but '+' as a protocol violation: the stream has no frame
// recovery mechanism, so the connection is torn down instead of retransmitting.
//
// # Commands
//
// The Client sequences packet exchanges into the following operations:
//
//   - m<addr>,<len>: read memory, reply is hex encoded bytes
//   - M<addr>,<len>:<hex>: write memory, reply is OK
//   - c: continue execution, acknowledged but not answered
//   - s: halt the target before a snapshot, answered with a stop reply
//   - qRcmd,<hex>: vendor monitor command, reply is hex encoded text
//   - qSupported: feature negotiation, used to learn the stub's PacketSize
//
// Transfers larger than the negotiated packet size are split into address-contiguous chunks.
//
// # Concurrency
//
// A Client is NOT goroutine-safe. The protocol is lock-step, so exactly one goroutine (the
// update loop of package monitor) must drive it. IsConnected may be called from any goroutine.
package rsp
