package rsp

import (
	"errors"
)

// Sentinel errors for the RSP client.
var (
	// Connection errors.
	ErrNotConnected     = errors.New("rsp: not connected")
	ErrAlreadyConnected = errors.New("rsp: already connected")
	ErrConnClosed       = errors.New("rsp: connection closed by peer")
	ErrIOFailure        = errors.New("rsp: i/o failure")
	ErrReplyTimeout     = errors.New("rsp: reply timeout")

	// Framing errors. Both tear the connection down.
	ErrProtocolViolation = errors.New("rsp: protocol violation")
	ErrChecksumMismatch  = errors.New("rsp: checksum mismatch")

	// Reply errors.
	ErrServerError     = errors.New("rsp: error reply")
	ErrUnexpectedReply = errors.New("rsp: unexpected reply")
	ErrLengthMismatch  = errors.New("rsp: decoded length mismatch")
	ErrInvalidHex      = errors.New("rsp: invalid hex digit")
	ErrTextDecode      = errors.New("rsp: reply is not valid text")

	// Request errors.
	ErrInvalidPacketSize = errors.New("rsp: invalid packet size")
	ErrAddressOverflow   = errors.New("rsp: transfer exceeds 32-bit address space")
)

// ServerError is returned when the stub answers with an error reply, i.e. a payload
// beginning with 'E'. Reply holds the payload verbatim.
//
// errors.Is(err, ErrServerError) reports true for a *ServerError.
type ServerError struct {
	Reply string
}

func (e *ServerError) Error() string {
	return "rsp: error reply: " + e.Reply
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServerError
}

// IsFatal reports whether err leaves the connection unusable.
//
// Fatal errors are raised after the client has already torn the connection down.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrConnClosed) ||
		errors.Is(err, ErrReplyTimeout) ||
		errors.Is(err, ErrIOFailure) ||
		errors.Is(err, ErrNotConnected)
}

// checkErrorReply converts an error reply into a *ServerError.
func checkErrorReply(reply []byte) error {
	if len(reply) > 0 && reply[0] == ErrorMarker {
		return &ServerError{Reply: string(reply)}
	}

	return nil
}
