package rsp

import (
	"encoding/hex"
	"fmt"
)

// EncodeHex maps each byte of data to two lowercase hex digits.
func EncodeHex(data []byte) string {
	return hex.EncodeToString(data)
}

// AppendHex appends the hex encoding of data to dst.
func AppendHex(dst []byte, data []byte) []byte {
	return hex.AppendEncode(dst, data)
}

// DecodeHexInto decodes src into dst. src must hold exactly 2*len(dst) hex digits.
func DecodeHexInto(dst []byte, src []byte) error {
	if len(src) != 2*len(dst) {
		return fmt.Errorf("%w: got %d hex digits, want %d", ErrLengthMismatch, len(src), 2*len(dst))
	}

	if _, err := hex.Decode(dst, src); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHex, err)
	}

	return nil
}

// DecodeHex decodes a hex string of even length.
func DecodeHex(src []byte) ([]byte, error) {
	if len(src)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of hex digits (%d)", ErrLengthMismatch, len(src))
	}

	dst := make([]byte, len(src)/2)
	if err := DecodeHexInto(dst, src); err != nil {
		return nil, err
	}

	return dst, nil
}
