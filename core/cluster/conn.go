package cluster

import (
	"context"
	"time"

	"github.com/codewandler/mcring-go/internal/proto"
)

// Wire-level types re-exported from the protocol layer so Dialer
// implementations outside this module can speak the same vocabulary as the
// production dialer.
type (
	// Item is one value block of a retrieval reply.
	Item = proto.Item

	ClientError   = proto.ClientError
	ServerError   = proto.ServerError
	ProtocolError = proto.ProtocolError
)

// Conn is one framed connection to a single node. Implementations need not
// be safe for concurrent use: a connection is owned by exactly one
// operation between acquire and release.
//
// The Read methods surface protocol failure replies (CLIENT_ERROR,
// SERVER_ERROR, ERROR) as typed errors with the reply line fully consumed.
// A [ClientError] or [ServerError] therefore leaves the stream in sync;
// anything else poisons the connection.
type Conn interface {
	// Write sends one rendered command, or several pipelined ones.
	Write(ctx context.Context, cmd []byte) error
	// ReadLine consumes one single-line reply.
	ReadLine(ctx context.Context) ([]byte, error)
	// ReadItems consumes a retrieval reply up to its END terminator.
	ReadItems(ctx context.Context) ([]Item, error)
	// ReadStats consumes a stats reply up to its END terminator.
	ReadStats(ctx context.Context) (map[string]string, error)

	Close() error
}

// Dialer opens connections to a node address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) {
	return f(ctx, addr)
}

// NetDialer dials memcached over TCP ("host:port") or a unix domain socket
// ("/path" or "unix:/path").
type NetDialer struct {
	// DialTimeout bounds connection establishment. Zero means the protocol
	// layer default.
	DialTimeout time.Duration
	// Timeout bounds each read and write in addition to the per-operation
	// context deadline. Zero means the context alone governs.
	Timeout time.Duration
}

func (d NetDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	c, err := proto.Dial(ctx, addr, proto.ConnOptions{
		DialTimeout: d.DialTimeout,
		Timeout:     d.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
