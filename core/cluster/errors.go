package cluster

import (
	"errors"
	"fmt"

	"github.com/codewandler/mcring-go/core/ring"
	"github.com/codewandler/mcring-go/core/serde"
	"github.com/codewandler/mcring-go/internal/proto"
)

var (
	// Pool errors
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrPoolClosed    = errors.New("connection pool closed")

	// Router errors
	ErrRouterClosed = errors.New("router closed")

	// ErrNotFound reports a compare-and-swap against a key that does not
	// exist. Check with errors.Is; it arrives wrapped in [Error].
	ErrNotFound = errors.New("key not found")
)

// Kind classifies a failure. Retryability is a property of the kind alone,
// so retry decisions never inspect error strings or raw net errors.
type Kind uint8

const (
	// KindClient is a request this client or the server rejected as
	// malformed: illegal key, unsupported value type, oversized payload.
	// An identical retry cannot succeed.
	KindClient Kind = iota
	// KindServer is an internal failure the server reported for a
	// well-formed request, such as running out of memory.
	KindServer
	// KindProtocol is a reply this client could not parse. The connection
	// was discarded because its stream position is unknown.
	KindProtocol
	// KindConnection is a dial, read or write failure.
	KindConnection
	// KindPoolExhausted means no connection became free within the
	// acquire deadline.
	KindPoolExhausted
	// KindTopology means no node could serve the key: empty ring, unknown
	// node, or a node that left the topology mid-operation.
	KindTopology
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindProtocol:
		return "protocol"
	case KindConnection:
		return "connection"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindTopology:
		return "topology"
	}
	return "unknown"
}

// Retryable reports whether a failure of this kind may succeed on a fresh
// attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindServer, KindConnection, KindPoolExhausted:
		return true
	}
	return false
}

// Error is the one error type cluster operations return. Callers branch on
// Kind and use errors.Is/As against the wrapped cause.
type Error struct {
	// Op is the operation that failed ("get", "set", ...).
	Op string
	// Node is the id of the node involved, empty when the failure happened
	// before a node was chosen.
	Node string
	// Err is the underlying cause.
	Err error
	// Unsent reports that the failure happened before any command bytes
	// were written, so a retry cannot apply a side effect twice.
	Unsent bool

	kind Kind
}

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Node, e.kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an underlying failure to its Kind. Anything unrecognized
// is transport trouble: every failure the protocol layer can express
// arrives as a typed error, so the remainder is dial and socket errors.
func Classify(err error) Kind {
	var (
		clientErr   *proto.ClientError
		serverErr   *proto.ServerError
		protocolErr *proto.ProtocolError
		dataErr     *serde.DataError
	)
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, ErrPoolClosed),
		errors.Is(err, ring.ErrNoNodes),
		errors.Is(err, ring.ErrUnknownNode),
		errors.Is(err, ring.ErrDuplicateNode):
		return KindTopology
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRouterClosed):
		return KindClient
	case errors.As(err, &clientErr), errors.As(err, &dataErr):
		return KindClient
	case errors.As(err, &serverErr):
		return KindServer
	case errors.As(err, &protocolErr), errors.Is(err, proto.ErrUnknownCommand):
		return KindProtocol
	}
	return KindConnection
}

// IsRetryable reports whether err is a cluster failure worth another
// attempt. Non-idempotent operations need the stricter test in
// [RetryPolicy.ShouldRetry].
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind().Retryable()
}

// opError wraps a cause into the public taxonomy. Errors that are already
// classified pass through unchanged, so the kind assigned closest to the
// failure wins.
func opError(op, node string, err error, unsent bool) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, Node: node, Err: err, Unsent: unsent, kind: Classify(err)}
}
