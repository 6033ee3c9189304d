package proto

import (
	"errors"
	"fmt"
)

// ErrUnknownCommand corresponds to a bare ERROR reply: the server did not
// recognize the command verb.
var ErrUnknownCommand = errors.New("unknown command")

// ClientError is a request the server (or this client's own validation)
// rejected as malformed: bad key, oversized value, illegal argument.
// The reply line was fully consumed, so the connection stays usable.
type ClientError struct {
	Msg string
}

func (e *ClientError) Error() string { return "client error: " + e.Msg }

// ServerError is an internal failure the server reported for a well-formed
// request (out of memory, object too large for cache). The reply line was
// fully consumed, so the connection stays usable.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string { return "server error: " + e.Msg }

// ProtocolError is a reply this client cannot parse. The stream position is
// unknown afterwards; the connection must be discarded.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

func clientErr(format string, args ...any) *ClientError {
	return &ClientError{Msg: fmt.Sprintf(format, args...)}
}

func protoErr(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// truncate keeps error messages bounded when a garbage reply is long.
func truncate(line []byte, n int) string {
	if len(line) > n {
		return string(line[:n]) + "..."
	}
	return string(line)
}
