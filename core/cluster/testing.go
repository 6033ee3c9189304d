package cluster

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/mcring-go/internal/proto"
)

// TestBackend is an in-memory memcached node for tests. It speaks the same
// reply vocabulary as a real server, including expiry, CAS tokens, and the
// error lines, and can be scripted to misbehave.
type TestBackend struct {
	addr string

	mu         sync.Mutex
	data       map[string]*testItem
	casSeq     uint64
	flushAt    time.Time
	down       bool
	failWrites bool
	dials      int
	scripted   [][]byte
	ops        map[string]int
	latency    time.Duration
}

type testItem struct {
	data    []byte
	flags   uint32
	cas     uint64
	expires time.Time // zero = never
	stored  time.Time
}

func NewTestBackend(addr string) *TestBackend {
	return &TestBackend{
		addr: addr,
		data: make(map[string]*testItem),
		ops:  make(map[string]int),
	}
}

func (b *TestBackend) Addr() string { return b.addr }

// SetDown makes dials and writes fail until cleared.
func (b *TestBackend) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// FailWrites makes established connections fail on write while new dials
// still succeed.
func (b *TestBackend) FailWrites(fail bool) {
	b.mu.Lock()
	b.failWrites = fail
	b.mu.Unlock()
}

// ScriptReply replaces the next produced reply with a raw line, simulating
// a misbehaving server.
func (b *TestBackend) ScriptReply(line string) {
	b.mu.Lock()
	b.scripted = append(b.scripted, []byte(line))
	b.mu.Unlock()
}

// SetLatency delays every command by d.
func (b *TestBackend) SetLatency(d time.Duration) {
	b.mu.Lock()
	b.latency = d
	b.mu.Unlock()
}

// Dials returns how many connections were opened against this backend.
func (b *TestBackend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Ops returns how many commands of the given verb this backend executed.
func (b *TestBackend) Ops(verb string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ops[verb]
}

// Contains reports whether the backend holds a live item under the exact
// wire key.
func (b *TestBackend) Contains(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.data[key]
	return ok && b.live(it, time.Now())
}

// Keys returns the live wire keys, sorted.
func (b *TestBackend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	keys := make([]string, 0, len(b.data))
	for k, it := range b.data {
		if b.live(it, now) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (b *TestBackend) dial() (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.down {
		return nil, fmt.Errorf("dial %s: connection refused", b.addr)
	}
	return &backendConn{b: b}, nil
}

// live reports whether an item is still visible: not expired and not
// invalidated by a flush_all that has since taken effect.
func (b *TestBackend) live(it *testItem, now time.Time) bool {
	if !it.expires.IsZero() && !now.Before(it.expires) {
		return false
	}
	if !b.flushAt.IsZero() && !now.Before(b.flushAt) && it.stored.Before(b.flushAt) {
		return false
	}
	return true
}

func (b *TestBackend) lookup(key string, now time.Time) (*testItem, bool) {
	it, ok := b.data[key]
	if !ok {
		return nil, false
	}
	if !b.live(it, now) {
		delete(b.data, key)
		return nil, false
	}
	return it, true
}

func expiresAt(exptime int64, now time.Time) time.Time {
	switch {
	case exptime == 0:
		return time.Time{}
	case exptime < 0:
		return now.Add(-time.Second)
	case exptime > 60*60*24*30:
		return time.Unix(exptime, 0)
	default:
		return now.Add(time.Duration(exptime) * time.Second)
	}
}

func (b *TestBackend) insert(key string, flags uint32, exptime int64, data []byte, now time.Time) {
	b.casSeq++
	b.data[key] = &testItem{
		data:    bytes.Clone(data),
		flags:   flags,
		cas:     b.casSeq,
		expires: expiresAt(exptime, now),
		stored:  now,
	}
}

// store executes one storage verb and returns the reply line. Callers hold
// b.mu.
func (b *TestBackend) store(verb, key string, flags uint32, exptime int64, casArg uint64, data []byte) []byte {
	now := time.Now()
	it, exists := b.lookup(key, now)
	switch verb {
	case "set":
		b.insert(key, flags, exptime, data, now)
		return []byte("STORED")
	case "add":
		if exists {
			return []byte("NOT_STORED")
		}
		b.insert(key, flags, exptime, data, now)
		return []byte("STORED")
	case "replace":
		if !exists {
			return []byte("NOT_STORED")
		}
		b.insert(key, flags, exptime, data, now)
		return []byte("STORED")
	case "append", "prepend":
		if !exists {
			return []byte("NOT_STORED")
		}
		// Concatenation keeps the original flags and expiry.
		if verb == "append" {
			it.data = append(it.data, data...)
		} else {
			it.data = append(bytes.Clone(data), it.data...)
		}
		b.casSeq++
		it.cas = b.casSeq
		return []byte("STORED")
	case "cas":
		if !exists {
			return []byte("NOT_FOUND")
		}
		if it.cas != casArg {
			return []byte("EXISTS")
		}
		b.insert(key, flags, exptime, data, now)
		return []byte("STORED")
	}
	return []byte("ERROR")
}

func (b *TestBackend) incrDecr(verb, key string, delta uint64) []byte {
	it, ok := b.lookup(key, time.Now())
	if !ok {
		return []byte("NOT_FOUND")
	}
	cur, err := strconv.ParseUint(string(it.data), 10, 64)
	if err != nil {
		return []byte("CLIENT_ERROR cannot increment or decrement non-numeric value")
	}
	if verb == "incr" {
		cur += delta
	} else if cur < delta {
		cur = 0
	} else {
		cur -= delta
	}
	it.data = strconv.AppendUint(nil, cur, 10)
	b.casSeq++
	it.cas = b.casSeq
	return strconv.AppendUint(nil, cur, 10)
}

func (b *TestBackend) statsMap() map[string]string {
	items := 0
	now := time.Now()
	for _, it := range b.data {
		if b.live(it, now) {
			items++
		}
	}
	return map[string]string{
		"curr_items": strconv.Itoa(items),
		"cmd_get":    strconv.Itoa(b.ops["get"] + b.ops["gets"]),
		"cmd_set":    strconv.Itoa(b.ops["set"]),
		"version":    "1.6.38",
	}
}

// === connection ===

// reply is one queued answer. Exactly one of line, items, or stats is
// meaningful, selected by kind.
type reply struct {
	kind  byte // 'l' line, 'i' items, 's' stats
	line  []byte
	items []Item
	stats map[string]string
}

// backendConn replays command semantics against its backend. Replies queue
// up in command order, like a real pipelined server.
type backendConn struct {
	b       *TestBackend
	pending []reply
	closed  bool
}

func (c *backendConn) Close() error {
	c.closed = true
	return nil
}

// push queues a reply, honoring a scripted override. Callers hold b.mu.
func (c *backendConn) push(r reply) {
	if len(c.b.scripted) > 0 {
		r = reply{kind: 'l', line: c.b.scripted[0]}
		c.b.scripted = c.b.scripted[1:]
	}
	c.pending = append(c.pending, r)
}

func (c *backendConn) pop() (reply, error) {
	if c.closed {
		return reply{}, fmt.Errorf("read %s: use of closed connection", c.b.addr)
	}
	if len(c.pending) == 0 {
		return reply{}, &ProtocolError{Msg: "no pending reply"}
	}
	r := c.pending[0]
	c.pending = c.pending[1:]
	return r, nil
}

func (c *backendConn) Write(ctx context.Context, cmd []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.b.mu.Lock()
	latency := c.b.latency
	c.b.mu.Unlock()
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return fmt.Errorf("write %s: use of closed connection", c.b.addr)
	}
	if c.b.down || c.b.failWrites {
		return fmt.Errorf("write %s: connection reset by peer", c.b.addr)
	}

	buf := cmd
	for len(buf) > 0 {
		line, rest, ok := bytes.Cut(buf, []byte("\r\n"))
		if !ok {
			return fmt.Errorf("write %s: truncated command %q", c.b.addr, buf)
		}
		fields := strings.Fields(string(line))
		if len(fields) == 0 {
			return fmt.Errorf("write %s: empty command", c.b.addr)
		}
		verb := fields[0]
		noreply := fields[len(fields)-1] == "noreply"
		c.b.ops[verb]++

		switch verb {
		case "set", "add", "replace", "append", "prepend", "cas":
			flags, _ := strconv.ParseUint(fields[2], 10, 32)
			exptime, _ := strconv.ParseInt(fields[3], 10, 64)
			size, err := strconv.Atoi(fields[4])
			if err != nil || len(rest) < size+2 {
				return fmt.Errorf("write %s: bad data block for %q", c.b.addr, line)
			}
			var casArg uint64
			if verb == "cas" {
				casArg, _ = strconv.ParseUint(fields[5], 10, 64)
			}
			data := rest[:size]
			rest = rest[size+2:]
			res := c.b.store(verb, fields[1], uint32(flags), exptime, casArg, data)
			if !noreply {
				c.push(reply{kind: 'l', line: res})
			}
		case "get", "gets":
			now := time.Now()
			var items []Item
			for _, key := range fields[1:] {
				it, ok := c.b.lookup(key, now)
				if !ok {
					continue
				}
				item := Item{Key: key, Flags: it.flags, Data: bytes.Clone(it.data)}
				if verb == "gets" {
					item.CAS = it.cas
				}
				items = append(items, item)
			}
			c.push(reply{kind: 'i', items: items})
		case "delete":
			res := []byte("NOT_FOUND")
			if _, ok := c.b.lookup(fields[1], time.Now()); ok {
				delete(c.b.data, fields[1])
				res = []byte("DELETED")
			}
			if !noreply {
				c.push(reply{kind: 'l', line: res})
			}
		case "incr", "decr":
			delta, _ := strconv.ParseUint(fields[2], 10, 64)
			res := c.b.incrDecr(verb, fields[1], delta)
			if !noreply {
				c.push(reply{kind: 'l', line: res})
			}
		case "touch":
			exptime, _ := strconv.ParseInt(fields[2], 10, 64)
			now := time.Now()
			res := []byte("NOT_FOUND")
			if it, ok := c.b.lookup(fields[1], now); ok {
				it.expires = expiresAt(exptime, now)
				res = []byte("TOUCHED")
			}
			if !noreply {
				c.push(reply{kind: 'l', line: res})
			}
		case "flush_all":
			var delay int64
			if len(fields) > 1 && fields[1] != "noreply" {
				delay, _ = strconv.ParseInt(fields[1], 10, 64)
			}
			c.b.flushAt = time.Now().Add(time.Duration(delay) * time.Second)
			if !noreply {
				c.push(reply{kind: 'l', line: []byte("OK")})
			}
		case "version":
			c.push(reply{kind: 'l', line: []byte("VERSION 1.6.38")})
		case "stats":
			c.push(reply{kind: 's', stats: c.b.statsMap()})
		default:
			c.push(reply{kind: 'l', line: []byte("ERROR")})
		}
		buf = rest
	}
	return nil
}

func (c *backendConn) ReadLine(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := c.pop()
	if err != nil {
		return nil, err
	}
	if r.kind != 'l' {
		return nil, &ProtocolError{Msg: "unexpected multi-line reply"}
	}
	if err := proto.CheckErrorLine(r.line); err != nil {
		return nil, err
	}
	return r.line, nil
}

func (c *backendConn) ReadItems(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := c.pop()
	if err != nil {
		return nil, err
	}
	if r.kind != 'i' {
		if err := proto.CheckErrorLine(r.line); err != nil {
			return nil, err
		}
		return nil, &ProtocolError{Msg: fmt.Sprintf("unexpected retrieval reply %q", r.line)}
	}
	return r.items, nil
}

func (c *backendConn) ReadStats(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := c.pop()
	if err != nil {
		return nil, err
	}
	if r.kind != 's' {
		if err := proto.CheckErrorLine(r.line); err != nil {
			return nil, err
		}
		return nil, &ProtocolError{Msg: fmt.Sprintf("unexpected stats reply %q", r.line)}
	}
	return r.stats, nil
}

// === harness ===

// CreateTestRouter builds a router over numNodes in-memory backends. It
// fills opts.Nodes and opts.Dialer; everything else is the caller's.
func CreateTestRouter(t *testing.T, numNodes int, opts RouterOptions) (*Router, []*TestBackend) {
	t.Helper()

	backends := make([]*TestBackend, numNodes)
	byAddr := make(map[string]*TestBackend, numNodes)
	nodes := make([]Node, numNodes)
	for i := range backends {
		b := NewTestBackend(fmt.Sprintf("mc-%d:11211", i))
		backends[i] = b
		byAddr[b.addr] = b
		nodes[i] = Node{Addr: b.addr}
	}

	opts.Nodes = nodes
	opts.Dialer = DialerFunc(func(ctx context.Context, addr string) (Conn, error) {
		b, ok := byAddr[addr]
		if !ok {
			return nil, fmt.Errorf("dial %s: unknown test backend", addr)
		}
		return b.dial()
	})
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}

	r, err := NewRouter(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})
	return r, backends
}
