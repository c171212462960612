package rsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	assert.Equal(t, byte(0x00), Checksum(nil))
	assert.Equal(t, byte('O'+'K'), Checksum([]byte("OK")))
	// "m1000,8" sums past 256 and wraps.
	assert.Equal(t, byte(0x92), Checksum([]byte("m1000,8")))
}

func TestEncodePacket(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "empty", payload: "", want: "$#00"},
		{name: "ok", payload: "OK", want: "$OK#9a"},
		{name: "read", payload: "m1000,8", want: "$m1000,8#92"},
		{name: "continue", payload: "c", want: "$c#63"},
		{name: "escaped", payload: "a#b", want: "$a}\x03b#43"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(EncodePacket([]byte(tt.payload))))
		})
	}
}

func TestAppendPacket_PreservesPrefix(t *testing.T) {
	buf := AppendPacket([]byte("+"), []byte("OK"))
	assert.Equal(t, "+$OK#9a", string(buf))
}

func TestDecodePacket_RoundTrip(t *testing.T) {
	payloads := []string{"", "OK", "E01", "deadbeef", "$#}*", "S05"}

	for _, p := range payloads {
		got, err := DecodePacket(EncodePacket([]byte(p)))
		require.NoError(t, err, p)
		assert.Equal(t, p, string(got))
	}
}

func TestDecodePacket_UppercaseChecksum(t *testing.T) {
	got, err := DecodePacket([]byte("$OK#9A"))
	require.NoError(t, err)
	assert.Equal(t, "OK", string(got))
}

func TestDecodePacket_ChecksumDigitCorrupted(t *testing.T) {
	frame := EncodePacket([]byte("0102"))
	frame[len(frame)-1]++

	_, err := DecodePacket(frame)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodePacket_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "too short", frame: "$#0"},
		{name: "bad start", frame: "%OK#9a"},
		{name: "no end marker", frame: "$OK_9a"},
		{name: "non hex checksum", frame: "$OK#zz"},
		{name: "dangling escape", frame: "$a}#de"},
		{name: "run-length without base", frame: "$*!#4b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePacket([]byte(tt.frame))
			require.ErrorIs(t, err, ErrProtocolViolation)
		})
	}
}

func TestDecodePacket_RunLength(t *testing.T) {
	// count character ' ' (32) means 3 extra repetitions.
	wire := []byte("0* ")
	frame := append([]byte{StartMarker}, wire...)
	cs := Checksum(wire)
	frame = append(frame, EndMarker, hexDigits[cs>>4], hexDigits[cs&0x0f])

	got, err := DecodePacket(frame)
	require.NoError(t, err)
	assert.Equal(t, "0000", string(got))
}

func TestUnescape(t *testing.T) {
	got, err := unescape([]byte{'a', EscapeMarker, '$' ^ escapeXor, 'b'})
	require.NoError(t, err)
	assert.Equal(t, "a$b", string(got))

	_, err = unescape([]byte{'a', RunLengthMarker, 0x10})
	require.ErrorIs(t, err, ErrProtocolViolation)
}
