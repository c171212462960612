package rsp

import (
	"fmt"
)

// Framing and flow-control bytes.
const (
	StartMarker     byte = '$'
	EndMarker       byte = '#'
	EscapeMarker    byte = '}'
	RunLengthMarker byte = '*'
	ErrorMarker     byte = 'E'

	// Ack acknowledges a correctly received packet.
	Ack byte = '+'
	// Nak reports an incorrectly received packet.
	Nak byte = '-'
)

// FramingOverhead is the number of wire bytes a packet adds around its payload:
// the start marker, the end marker and two checksum digits.
const FramingOverhead = 4

const (
	checksumSize = 2
	escapeXor    = 0x20

	// runLengthBias is subtracted from a run-length count character to obtain
	// the number of extra repetitions.
	runLengthBias = 29
)

const hexDigits = "0123456789abcdef"

// Checksum returns the sum of the wire payload bytes modulo 256.
func Checksum(wire []byte) byte {
	var sum byte
	for _, b := range wire {
		sum += b
	}

	return sum
}

// EncodePacket frames payload for the wire.
//
// Bytes that collide with framing characters ('$', '#', '}' and '*') are escaped as
// '}' followed by the byte XOR 0x20. The checksum covers the escaped bytes.
func EncodePacket(payload []byte) []byte {
	return AppendPacket(make([]byte, 0, len(payload)+FramingOverhead), payload)
}

// AppendPacket appends the framed form of payload to dst and returns the extended slice.
func AppendPacket(dst []byte, payload []byte) []byte {
	dst = append(dst, StartMarker)
	start := len(dst)

	for _, b := range payload {
		if needsEscape(b) {
			dst = append(dst, EscapeMarker, b^escapeXor)
			continue
		}
		dst = append(dst, b)
	}

	cs := Checksum(dst[start:])

	return append(dst, EndMarker, hexDigits[cs>>4], hexDigits[cs&0x0f])
}

// DecodePacket parses one complete frame and returns its payload.
//
// It verifies the start marker, the end marker position, the checksum digits and
// the checksum itself, then unescapes the payload and expands run-length encoding.
func DecodePacket(frame []byte) ([]byte, error) {
	if len(frame) < FramingOverhead {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrProtocolViolation, len(frame))
	}

	if frame[0] != StartMarker {
		return nil, fmt.Errorf("%w: frame starts with %q, want %q", ErrProtocolViolation, frame[0], StartMarker)
	}

	end := len(frame) - checksumSize - 1
	if frame[end] != EndMarker {
		return nil, fmt.Errorf("%w: missing end marker", ErrProtocolViolation)
	}

	wire := frame[1:end]

	if err := verifyChecksum(wire, frame[end+1], frame[end+2]); err != nil {
		return nil, err
	}

	return unescape(wire)
}

// verifyChecksum compares the checksum of wire with the two transmitted digits.
func verifyChecksum(wire []byte, hi, lo byte) error {
	want, err := parseChecksum(hi, lo)
	if err != nil {
		return err
	}

	if got := Checksum(wire); got != want {
		return fmt.Errorf("%w: transmitted 0x%02x, computed 0x%02x", ErrChecksumMismatch, want, got)
	}

	return nil
}

func parseChecksum(hi, lo byte) (byte, error) {
	h, okHi := fromHexChar(hi)
	l, okLo := fromHexChar(lo)
	if !okHi || !okLo {
		return 0, fmt.Errorf("%w: malformed checksum %q", ErrProtocolViolation, []byte{hi, lo})
	}

	return h<<4 | l, nil
}

// unescape reverses the escaping applied by AppendPacket and expands run-length
// sequences ("x*n" stands for x repeated n-29 more times).
func unescape(wire []byte) ([]byte, error) {
	out := make([]byte, 0, len(wire))

	for i := 0; i < len(wire); i++ {
		switch b := wire[i]; b {
		case EscapeMarker:
			i++
			if i >= len(wire) {
				return nil, fmt.Errorf("%w: dangling escape", ErrProtocolViolation)
			}
			out = append(out, wire[i]^escapeXor)

		case RunLengthMarker:
			i++
			if i >= len(wire) || len(out) == 0 {
				return nil, fmt.Errorf("%w: malformed run-length sequence", ErrProtocolViolation)
			}

			count := int(wire[i]) - runLengthBias
			if count < 0 {
				return nil, fmt.Errorf("%w: invalid run-length count %q", ErrProtocolViolation, wire[i])
			}

			prev := out[len(out)-1]
			for range count {
				out = append(out, prev)
			}

		default:
			out = append(out, b)
		}
	}

	return out, nil
}

func needsEscape(b byte) bool {
	return b == StartMarker || b == EndMarker || b == EscapeMarker || b == RunLengthMarker
}

func fromHexChar(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
