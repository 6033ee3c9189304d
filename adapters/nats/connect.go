package nats

import (
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

// connName identifies this client in NATS server monitoring.
const connName = "mcring-topology"

type closeFunc = func()

// Connector opens a NATS connection and returns it together with the
// release func that gives it back.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection shares one underlying connection across connects: the
// first call dials, later calls lease the same conn, and the conn closes
// when the last lease is released.
//
// The topology writer and watcher sides of one process go through this so
// they ride a single TCP connection.
func ReuseConnection(connect Connector) Connector {
	var (
		mu      sync.Mutex
		nc      *natsgo.Conn
		release closeFunc
		leases  int
	)
	unlease := func() {
		mu.Lock()
		defer mu.Unlock()
		leases--
		if leases == 0 {
			release()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			nc, release, err = connect()
			if err != nil {
				return nil, nil, err
			}
		}
		leases++
		return nc, unlease, nil
	}
}

// ConnectURL connects to natsURL with defaults for a long-lived topology
// link: the client names itself for server monitoring, and reconnects are
// unlimited because a watcher that gives up on the broker goes silently
// stale. Extra opts are applied on top and may override either.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		all := append([]natsgo.Option{
			natsgo.Name(connName),
			natsgo.MaxReconnects(-1),
		}, opts...)
		nc, err := natsgo.Connect(natsURL, all...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL, falling back to the local default.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
