package cluster

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/mcring-go/internal/proto"
)

type (
	// nodeClient executes operations against a single node. It owns the
	// node's connection pool and enforces the release discipline: a
	// connection goes back healthy unless its reply stream may be out of
	// sync.
	nodeClient struct {
		id          string
		log         *slog.Logger
		pool        *pool
		poolTimeout time.Duration
	}

	// storeItem is one entry of a pipelined storage batch.
	storeItem struct {
		key   string // wire key
		flags uint32
		data  []byte
	}
)

func newNodeClient(addr string, dialer Dialer, poolSize int, poolTimeout time.Duration, log *slog.Logger) *nodeClient {
	return &nodeClient{
		id:          addr,
		log:         log.With(slog.String("node", addr)),
		pool:        newPool(addr, dialer, poolSize),
		poolTimeout: poolTimeout,
	}
}

func (n *nodeClient) close() { n.pool.close() }

// streamSafe reports whether a read error left the reply stream in sync.
// CLIENT_ERROR and SERVER_ERROR lines were fully consumed; anything else
// (unknown command, unparseable reply, I/O failure) leaves the stream
// position unknown and the connection must be discarded.
func streamSafe(err error) bool {
	var clientErr *proto.ClientError
	var serverErr *proto.ServerError
	return errors.As(err, &clientErr) || errors.As(err, &serverErr)
}

// acquire checks a connection out of the pool, bounded by the node's pool
// timeout on top of the caller's deadline.
func (n *nodeClient) acquire(ctx context.Context) (Conn, error) {
	if n.poolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.poolTimeout)
		defer cancel()
	}
	return n.pool.acquire(ctx)
}

// run acquires a connection, executes fn against it and releases with the
// right health verdict. The returned error is classified into the public
// taxonomy; acquire-phase failures are marked Unsent because no command
// bytes went out.
func (n *nodeClient) run(ctx context.Context, op string, fn func(conn Conn) error) error {
	conn, err := n.acquire(ctx)
	if err != nil {
		return opError(op, n.id, err, true)
	}
	if err := fn(conn); err != nil {
		n.pool.release(conn, streamSafe(err))
		return opError(op, n.id, err, false)
	}
	n.pool.release(conn, true)
	return nil
}

// getMany fetches wire keys from this node in one round trip. Keys absent
// on the server are simply missing from the result.
func (n *nodeClient) getMany(ctx context.Context, op string, keys []string, withCAS bool) ([]Item, error) {
	var items []Item
	err := n.run(ctx, op, func(conn Conn) error {
		if err := conn.Write(ctx, proto.AppendGet(nil, keys, withCAS)); err != nil {
			return err
		}
		its, err := conn.ReadItems(ctx)
		if err != nil {
			return err
		}
		items = its
		return nil
	})
	return items, err
}

// store runs one storage verb. With noreply the server's verdict is not
// read and the result defaults to stored.
func (n *nodeClient) store(ctx context.Context, op string, verb proto.Verb, key string, flags uint32, exptime int64, cas uint64, noreply bool, data []byte) (proto.StoreResult, error) {
	res := proto.StoreStored
	err := n.run(ctx, op, func(conn Conn) error {
		if err := conn.Write(ctx, proto.AppendStore(nil, verb, key, flags, exptime, cas, noreply, data)); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		line, err := conn.ReadLine(ctx)
		if err != nil {
			return err
		}
		res, err = proto.ParseStoreReply(verb, line)
		return err
	})
	return res, err
}

// storeMany pipelines one storage command per item and reads the replies
// in order. A per-key failure reply leaves the stream in sync, so reading
// continues; keys that did not store come back in failed. Only a poisoned
// stream aborts the batch.
func (n *nodeClient) storeMany(ctx context.Context, op string, verb proto.Verb, items []storeItem, exptime int64, noreply bool) (failed []string, err error) {
	err = n.run(ctx, op, func(conn Conn) error {
		var buf []byte
		for _, it := range items {
			buf = proto.AppendStore(buf, verb, it.key, it.flags, exptime, 0, noreply, it.data)
		}
		if err := conn.Write(ctx, buf); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		for _, it := range items {
			line, err := conn.ReadLine(ctx)
			if err != nil {
				if streamSafe(err) {
					failed = append(failed, it.key)
					continue
				}
				return err
			}
			res, err := proto.ParseStoreReply(verb, line)
			if err != nil {
				return err
			}
			if res != proto.StoreStored {
				failed = append(failed, it.key)
			}
		}
		return nil
	})
	return failed, err
}

// delete removes one key, reporting whether it existed. With noreply the
// answer defaults to true.
func (n *nodeClient) delete(ctx context.Context, op string, key string, noreply bool) (bool, error) {
	deleted := true
	err := n.run(ctx, op, func(conn Conn) error {
		if err := conn.Write(ctx, proto.AppendDelete(nil, key, noreply)); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		line, err := conn.ReadLine(ctx)
		if err != nil {
			return err
		}
		deleted, err = proto.ParseDeleteReply(line)
		return err
	})
	return deleted, err
}

// deleteMany pipelines deletes for many keys. Missing keys are not an
// error; per-key failure replies that keep the stream in sync are skipped.
func (n *nodeClient) deleteMany(ctx context.Context, op string, keys []string, noreply bool) error {
	return n.run(ctx, op, func(conn Conn) error {
		var buf []byte
		for _, k := range keys {
			buf = proto.AppendDelete(buf, k, noreply)
		}
		if err := conn.Write(ctx, buf); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		for range keys {
			line, err := conn.ReadLine(ctx)
			if err != nil {
				if streamSafe(err) {
					continue
				}
				return err
			}
			if _, err := proto.ParseDeleteReply(line); err != nil {
				return err
			}
		}
		return nil
	})
}

// incrDecr adjusts a numeric value. found=false reports a missing key.
func (n *nodeClient) incrDecr(ctx context.Context, op string, verb proto.Verb, key string, delta uint64) (val uint64, found bool, err error) {
	err = n.run(ctx, op, func(conn Conn) error {
		if err := conn.Write(ctx, proto.AppendIncrDecr(nil, verb, key, delta, false)); err != nil {
			return err
		}
		line, err := conn.ReadLine(ctx)
		if err != nil {
			return err
		}
		val, found, err = proto.ParseIncrDecrReply(line)
		return err
	})
	return val, found, err
}

// touch updates a key's expiration, reporting whether it existed.
func (n *nodeClient) touch(ctx context.Context, op string, key string, exptime int64, noreply bool) (bool, error) {
	found := true
	err := n.run(ctx, op, func(conn Conn) error {
		if err := conn.Write(ctx, proto.AppendTouch(nil, key, exptime, noreply)); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		line, err := conn.ReadLine(ctx)
		if err != nil {
			return err
		}
		found, err = proto.ParseTouchReply(line)
		return err
	})
	return found, err
}

// flushAll invalidates everything on this node, optionally delayed by a
// number of seconds.
func (n *nodeClient) flushAll(ctx context.Context, op string, delay int64, noreply bool) error {
	return n.run(ctx, op, func(conn Conn) error {
		if err := conn.Write(ctx, proto.AppendFlushAll(nil, delay, noreply)); err != nil {
			return err
		}
		if noreply {
			return nil
		}
		line, err := conn.ReadLine(ctx)
		if err != nil {
			return err
		}
		return proto.ParseFlushReply(line)
	})
}

// version asks the node for its server version.
func (n *nodeClient) version(ctx context.Context, op string) (string, error) {
	var version string
	err := n.run(ctx, op, func(conn Conn) error {
		if err := conn.Write(ctx, proto.AppendVersion(nil)); err != nil {
			return err
		}
		line, err := conn.ReadLine(ctx)
		if err != nil {
			return err
		}
		version, err = proto.ParseVersionReply(line)
		return err
	})
	return version, err
}

// stats collects server statistics, optionally scoped ("items", "slabs").
func (n *nodeClient) stats(ctx context.Context, op string, args ...string) (map[string]string, error) {
	var stats map[string]string
	err := n.run(ctx, op, func(conn Conn) error {
		if err := conn.Write(ctx, proto.AppendStats(nil, args...)); err != nil {
			return err
		}
		out, err := conn.ReadStats(ctx)
		if err != nil {
			return err
		}
		stats = out
		return nil
	})
	return stats, err
}
