package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/mcring-go/core/ring"
	"github.com/codewandler/mcring-go/core/serde"
	"github.com/codewandler/mcring-go/core/sf"
	"github.com/codewandler/mcring-go/internal/proto"
)

const (
	defaultPoolSize    = 8
	defaultPoolTimeout = 3 * time.Second
)

type (
	// Node is one cache server in the topology. Weight skews key ownership
	// proportionally; zero means 1.
	Node struct {
		Addr   string
		Weight float64
	}

	RouterOptions struct {
		// Log receives lifecycle and degradation events. Defaults to
		// slog.Default().
		Log *slog.Logger
		// Nodes is the initial topology. May be empty when membership
		// arrives later via AddNode or SetNodes.
		Nodes []Node
		// Seed personalizes key placement so independent clusters spread
		// the same keys differently.
		Seed string
		// Dialer opens node connections. Defaults to NetDialer{}.
		Dialer Dialer
		// PoolSize caps open connections per node. Defaults to 8.
		PoolSize int
		// PoolTimeout bounds the wait for a free pooled connection.
		// Defaults to 3s.
		PoolTimeout time.Duration
		// KeyPrefix is prepended to every key on the wire. Placement uses
		// the bare key, so changing the prefix never moves keys between
		// nodes.
		KeyPrefix string
		// Serde configures value encoding.
		Serde serde.Options
		// Retry controls same-node retries. The zero value disables them.
		Retry RetryPolicy
		// Health enables connection-failure eviction. The zero value
		// disables it.
		Health HealthOptions
		// MissOnError turns every read-path failure into a miss. Writes
		// still fail loudly.
		MissOnError bool
		// CoalesceReads collapses concurrent Gets for the same key into a
		// single fetch. Coalesced callers share one result, byte buffer
		// included. A write to the key detaches readers that arrive after
		// it from the in-flight fetch.
		CoalesceReads bool
		// Metrics receives operation and topology measurements.
		Metrics RouterMetrics
	}

	// generation is one immutable topology snapshot: the ring plus a
	// client per member. The hot path loads it with a single atomic read;
	// topology changes build a fresh one and swap.
	generation struct {
		ring    *ring.Ring
		clients map[string]*nodeClient
	}

	// Router is a sharded cache client. Keys are placed with rendezvous
	// hashing, each node gets its own connection pool, and a failing
	// request is retried on its owning node only, never handed to a
	// neighbor that cannot have the key.
	Router struct {
		log         *slog.Logger
		id          string
		seed        string
		dialer      Dialer
		poolSize    int
		poolTimeout time.Duration
		prefix      string
		codec       *serde.Codec
		retry       RetryPolicy
		missOnError bool
		metrics     RouterMetrics
		flight      *sf.Singleflight[serde.Value]

		gen    atomic.Pointer[generation]
		health *healthTracker
		closed atomic.Bool

		mu         sync.Mutex // serializes topology swaps
		configured map[string]Node
	}
)

func NewRouter(opts RouterOptions) (*Router, error) {
	codec, err := serde.New(opts.Serde)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NetDialer{}
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	poolTimeout := opts.PoolTimeout
	if poolTimeout <= 0 {
		poolTimeout = defaultPoolTimeout
	}
	m := opts.Metrics
	if m == nil {
		m = NopRouterMetrics()
	}

	r := &Router{
		id:          "router-" + gonanoid.Must(6),
		seed:        opts.Seed,
		dialer:      dialer,
		poolSize:    poolSize,
		poolTimeout: poolTimeout,
		prefix:      opts.KeyPrefix,
		codec:       codec,
		retry:       opts.Retry,
		missOnError: opts.MissOnError,
		metrics:     m,
		configured:  make(map[string]Node, len(opts.Nodes)),
	}
	r.log = log.With(slog.String("router", r.id))
	if opts.CoalesceReads {
		r.flight = sf.New[serde.Value]()
	}
	r.health = newHealthTracker(opts.Health, r.reviveNode)

	members := make([]ring.Node, 0, len(opts.Nodes))
	for i, n := range opts.Nodes {
		if n.Addr == "" {
			return nil, fmt.Errorf("cluster: RouterOptions.Nodes[%d].Addr is required", i)
		}
		if _, ok := r.configured[n.Addr]; ok {
			return nil, fmt.Errorf("%w: %s", ring.ErrDuplicateNode, n.Addr)
		}
		r.configured[n.Addr] = n
		members = append(members, ring.Node{ID: n.Addr, Weight: n.Weight})
	}
	rg, err := ring.New(ring.Options{Nodes: members, Seed: opts.Seed})
	if err != nil {
		return nil, err
	}
	r.gen.Store(r.newGeneration(rg, nil))
	r.metrics.NodesActive(rg.Len())
	r.log.Debug("router ready", slog.Int("nodes", rg.Len()))
	return r, nil
}

// Close tears down every node client. In-flight operations finish on the
// connections they already hold; everything after returns ErrRouterClosed.
func (r *Router) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.health.close()
	r.mu.Lock()
	for _, nc := range r.gen.Load().clients {
		nc.close()
	}
	r.mu.Unlock()
	r.log.Debug("router closed")
	return nil
}

// === topology ===

// Nodes returns the addresses currently receiving traffic. Configured but
// evicted nodes are absent until they revive.
func (r *Router) Nodes() []string {
	return r.gen.Load().ring.IDs()
}

func (r *Router) newGeneration(rg *ring.Ring, prev *generation) *generation {
	clients := make(map[string]*nodeClient, rg.Len())
	for _, id := range rg.IDs() {
		if prev != nil {
			if nc, ok := prev.clients[id]; ok {
				clients[id] = nc
				continue
			}
		}
		clients[id] = newNodeClient(id, r.dialer, r.poolSize, r.poolTimeout, r.log)
	}
	return &generation{ring: rg, clients: clients}
}

// swapGeneration installs rg as the active topology and tears down the
// clients of departed members. Callers hold r.mu.
func (r *Router) swapGeneration(rg *ring.Ring) {
	prev := r.gen.Load()
	next := r.newGeneration(rg, prev)
	r.gen.Store(next)
	for id, nc := range prev.clients {
		if _, ok := next.clients[id]; !ok {
			nc.close()
		}
	}
	r.metrics.NodesActive(rg.Len())
}

// AddNode adds a node to the topology. Keys that now hash to it move over
// immediately; everything else stays put.
func (r *Router) AddNode(n Node) error {
	if n.Addr == "" {
		return fmt.Errorf("cluster: node addr is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrRouterClosed
	}
	if _, ok := r.configured[n.Addr]; ok {
		return fmt.Errorf("%w: %s", ring.ErrDuplicateNode, n.Addr)
	}
	next, err := r.gen.Load().ring.Add(ring.Node{ID: n.Addr, Weight: n.Weight})
	if err != nil {
		return err
	}
	r.configured[n.Addr] = n
	r.swapGeneration(next)
	r.log.Info("node added", slog.String("node", n.Addr))
	return nil
}

// RemoveNode removes a node from the topology, evicted or not.
func (r *Router) RemoveNode(addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrRouterClosed
	}
	if _, ok := r.configured[addr]; !ok {
		return fmt.Errorf("%w: %s", ring.ErrUnknownNode, addr)
	}
	delete(r.configured, addr)
	r.health.forget(addr)
	if rg := r.gen.Load().ring; rg.Contains(addr) {
		next, err := rg.Remove(addr)
		if err != nil {
			return err
		}
		r.swapGeneration(next)
	}
	r.log.Info("node removed", slog.String("node", addr))
	return nil
}

// SetNodes replaces the whole topology, typically from service discovery.
// Nodes currently evicted stay out of the ring until their dead timeout
// passes, but keep the weight configured here when they come back.
func (r *Router) SetNodes(nodes []Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrRouterClosed
	}
	configured := make(map[string]Node, len(nodes))
	alive := make([]ring.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Addr == "" {
			return fmt.Errorf("cluster: node addr is required")
		}
		if _, ok := configured[n.Addr]; ok {
			return fmt.Errorf("%w: %s", ring.ErrDuplicateNode, n.Addr)
		}
		configured[n.Addr] = n
		if !r.health.isDead(n.Addr) {
			alive = append(alive, ring.Node{ID: n.Addr, Weight: n.Weight})
		}
	}
	next, err := ring.New(ring.Options{Nodes: alive, Seed: r.seed})
	if err != nil {
		return err
	}
	for addr := range r.configured {
		if _, ok := configured[addr]; !ok {
			r.health.forget(addr)
		}
	}
	r.configured = configured
	r.swapGeneration(next)
	r.log.Info("topology replaced", slog.Int("nodes", len(nodes)))
	return nil
}

func (r *Router) evictNode(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return
	}
	rg := r.gen.Load().ring
	if !rg.Contains(addr) {
		return
	}
	next, err := rg.Remove(addr)
	if err != nil {
		return
	}
	r.swapGeneration(next)
	r.metrics.NodeEvicted(addr)
	r.log.Warn("node evicted",
		slog.String("node", addr),
		slog.Duration("dead_timeout", r.health.deadTimeout))
}

func (r *Router) reviveNode(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return
	}
	n, ok := r.configured[addr]
	if !ok {
		return
	}
	rg := r.gen.Load().ring
	if rg.Contains(addr) {
		return
	}
	next, err := rg.Add(ring.Node{ID: n.Addr, Weight: n.Weight})
	if err != nil {
		return
	}
	r.swapGeneration(next)
	r.metrics.NodeRevived(addr)
	r.log.Info("node revived", slog.String("node", addr))
}

// === routing ===

// cookKey applies the wire prefix and validates the result.
func (r *Router) cookKey(op, key string) (string, error) {
	wire := r.prefix + key
	if err := proto.CheckKey(wire); err != nil {
		return "", opError(op, "", err, true)
	}
	return wire, nil
}

func (r *Router) uncookKey(wire string) string {
	key, _ := strings.CutPrefix(wire, r.prefix)
	return key
}

// route resolves the owning node for a bare key.
func (r *Router) route(op, key string) (*nodeClient, error) {
	if r.closed.Load() {
		return nil, opError(op, "", ErrRouterClosed, true)
	}
	gen := r.gen.Load()
	id, err := gen.ring.Get(key)
	if err != nil {
		return nil, opError(op, "", err, true)
	}
	return gen.clients[id], nil
}

type part struct {
	nc   *nodeClient
	keys []string // wire keys
}

// partition groups keys by owning node under one topology snapshot so a
// multi-key call never straddles two generations.
func (r *Router) partition(op string, keys []string) ([]part, error) {
	if r.closed.Load() {
		return nil, opError(op, "", ErrRouterClosed, true)
	}
	gen := r.gen.Load()
	var (
		parts []part
		index = make(map[string]int)
	)
	for _, key := range keys {
		wire, err := r.cookKey(op, key)
		if err != nil {
			return nil, err
		}
		id, err := gen.ring.Get(key)
		if err != nil {
			return nil, opError(op, "", err, true)
		}
		i, ok := index[id]
		if !ok {
			i = len(parts)
			index[id] = i
			parts = append(parts, part{nc: gen.clients[id]})
		}
		parts[i].keys = append(parts[i].keys, wire)
	}
	return parts, nil
}

// do runs fn against a node, retrying per policy on the same node. Writes
// that may have reached the server are only retried when idempotent.
func (r *Router) do(ctx context.Context, op string, nc *nodeClient, idempotent bool, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		r.observe(op, nc.id, err)
		if err == nil {
			return nil
		}
		if !r.retry.ShouldRetry(err, attempt, idempotent) {
			return err
		}
		r.metrics.OpRetried(op)
		if sleep(ctx, r.retry.Delay(attempt+1)) != nil {
			return err
		}
	}
}

// observe feeds one attempt's outcome into metrics and health tracking.
// Client, server, and protocol errors prove the node answered, so they
// reset its failure streak; pool exhaustion is local contention and says
// nothing either way.
func (r *Router) observe(op, node string, err error) {
	if err == nil {
		r.health.ok(node)
		return
	}
	var e *Error
	if !errors.As(err, &e) {
		return
	}
	r.metrics.OpFailed(op, e.Kind().String())
	switch e.Kind() {
	case KindConnection:
		if r.health.fail(node) {
			r.evictNode(node)
		}
	case KindPoolExhausted:
	default:
		r.health.ok(node)
	}
}

// === values ===

func (r *Router) encode(op string, value any) ([]byte, uint32, error) {
	v, err := serde.From(value)
	if err != nil {
		return nil, 0, opError(op, "", err, true)
	}
	data, flags, err := r.codec.Encode(v)
	if err != nil {
		return nil, 0, opError(op, "", err, true)
	}
	if err := proto.CheckValue(data, 0); err != nil {
		return nil, 0, opError(op, "", err, true)
	}
	return data, flags, nil
}

func (r *Router) decode(op, node string, it proto.Item) (serde.Value, error) {
	v, err := r.codec.Decode(it.Data, it.Flags, false)
	if err != nil {
		return serde.Value{}, opError(op, node, err, false)
	}
	return v, nil
}

// exptime renders a TTL as wire seconds. Sub-second TTLs round up to one
// second so a short positive TTL never turns into "never expires".
func exptime(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return proto.TTLSeconds(secs, time.Now().Unix())
}

// === op options ===

type opOptions struct {
	noReply bool
}

// OpOption adjusts a single operation.
type OpOption func(*opOptions)

// WithNoReply sends the command without waiting for the server's answer.
// The result then reports success regardless of the actual outcome; use it
// only where the answer truly does not matter.
func WithNoReply() OpOption {
	return func(o *opOptions) { o.noReply = true }
}

func buildOpOptions(opts []OpOption) opOptions {
	var o opOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// === reads ===

// Get fetches one key. A miss returns the zero Value (IsNil true) and no
// error.
func (r *Router) Get(ctx context.Context, key string) (serde.Value, error) {
	if r.flight == nil {
		return r.get(ctx, key)
	}
	// Coalesced callers ride the winning call, its context and deadline
	// included.
	v, err := r.flight.Do(key, func() (*serde.Value, error) {
		val, err := r.get(ctx, key)
		if err != nil {
			return nil, err
		}
		return &val, nil
	})
	if err != nil {
		return serde.Value{}, err
	}
	return *v, nil
}

func (r *Router) get(ctx context.Context, key string) (_ serde.Value, err error) {
	const op = "get"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	v, _, err := r.fetch(ctx, op, key, false)
	if err != nil && r.missOnError {
		r.degraded(op, err)
		return serde.Value{}, nil
	}
	return v, err
}

// Gets fetches one key together with its CAS token for a later CAS call.
func (r *Router) Gets(ctx context.Context, key string) (_ serde.Value, _ uint64, err error) {
	const op = "gets"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	v, cas, err := r.fetch(ctx, op, key, true)
	if err != nil && r.missOnError {
		r.degraded(op, err)
		return serde.Value{}, 0, nil
	}
	return v, cas, err
}

func (r *Router) fetch(ctx context.Context, op, key string, withCAS bool) (serde.Value, uint64, error) {
	wire, err := r.cookKey(op, key)
	if err != nil {
		return serde.Value{}, 0, err
	}
	nc, err := r.route(op, key)
	if err != nil {
		return serde.Value{}, 0, err
	}
	var items []proto.Item
	err = r.do(ctx, op, nc, true, func() error {
		var err error
		items, err = nc.getMany(ctx, op, []string{wire}, withCAS)
		return err
	})
	if err != nil || len(items) == 0 {
		return serde.Value{}, 0, err
	}
	v, err := r.decode(op, nc.id, items[0])
	if err != nil {
		return serde.Value{}, 0, err
	}
	return v, items[0].CAS, nil
}

// GetMany fetches many keys with one pipelined command per owning node.
// The result holds an entry per hit; misses are simply absent.
func (r *Router) GetMany(ctx context.Context, keys []string) (_ map[string]serde.Value, err error) {
	const op = "get_many"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	parts, err := r.partition(op, keys)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out = make(map[string]serde.Value, len(keys))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parts {
		g.Go(func() error {
			var items []proto.Item
			err := r.do(gctx, op, p.nc, true, func() error {
				var err error
				items, err = p.nc.getMany(gctx, op, p.keys, false)
				return err
			})
			if err != nil {
				if r.missOnError {
					r.degraded(op, err)
					return nil
				}
				return err
			}
			for _, it := range items {
				v, err := r.decode(op, p.nc.id, it)
				if err != nil {
					if r.missOnError {
						r.degraded(op, err)
						continue
					}
					return err
				}
				mu.Lock()
				out[r.uncookKey(it.Key)] = v
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// degraded is the MissOnError escape hatch: log and pretend it missed.
func (r *Router) degraded(op string, err error) {
	r.log.Debug("read degraded to miss",
		slog.String("op", op),
		slog.Any("error", err))
}

// === writes ===

// uncoalesce detaches future coalesced reads from any in-flight fetch of
// the given keys. Every successful mutation goes through here so a read
// issued after the write cannot ride a fetch that predates it.
func (r *Router) uncoalesce(keys ...string) {
	if r.flight == nil {
		return
	}
	for _, k := range keys {
		r.flight.Forget(k)
	}
}

func (r *Router) storeOp(ctx context.Context, op string, verb proto.Verb, key string, value any, ttl time.Duration, cas uint64, o opOptions) (proto.StoreResult, string, error) {
	data, flags, err := r.encode(op, value)
	if err != nil {
		return 0, "", err
	}
	wire, err := r.cookKey(op, key)
	if err != nil {
		return 0, "", err
	}
	nc, err := r.route(op, key)
	if err != nil {
		return 0, "", err
	}
	idempotent := verb == proto.Set || verb == proto.Add || verb == proto.Replace
	var res proto.StoreResult
	err = r.do(ctx, op, nc, idempotent, func() error {
		var err error
		res, err = nc.store(ctx, op, verb, wire, flags, exptime(ttl), cas, o.noReply, data)
		return err
	})
	if err == nil {
		r.uncoalesce(key)
	}
	return res, nc.id, err
}

// Set stores a value unconditionally.
func (r *Router) Set(ctx context.Context, key string, value any, ttl time.Duration, opts ...OpOption) (err error) {
	const op = "set"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	res, node, err := r.storeOp(ctx, op, proto.Set, key, value, ttl, 0, buildOpOptions(opts))
	if err != nil {
		return err
	}
	if res != proto.StoreStored {
		// A plain set has no legitimate NOT_STORED outcome.
		return &Error{Op: op, Node: node, Err: errors.New("unexpected NOT_STORED reply"), kind: KindServer}
	}
	return nil
}

// Add stores a value only if the key does not exist yet. Reports whether
// it did.
func (r *Router) Add(ctx context.Context, key string, value any, ttl time.Duration, opts ...OpOption) (stored bool, err error) {
	const op = "add"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	res, _, err := r.storeOp(ctx, op, proto.Add, key, value, ttl, 0, buildOpOptions(opts))
	return res == proto.StoreStored, err
}

// Replace stores a value only if the key already exists.
func (r *Router) Replace(ctx context.Context, key string, value any, ttl time.Duration, opts ...OpOption) (stored bool, err error) {
	const op = "replace"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	res, _, err := r.storeOp(ctx, op, proto.Replace, key, value, ttl, 0, buildOpOptions(opts))
	return res == proto.StoreStored, err
}

// Append concatenates data after an existing value. The stored flags keep
// describing the original value, so append to anything but raw bytes or
// text with care.
func (r *Router) Append(ctx context.Context, key string, value any, opts ...OpOption) (stored bool, err error) {
	const op = "append"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	res, _, err := r.storeOp(ctx, op, proto.Append, key, value, 0, 0, buildOpOptions(opts))
	return res == proto.StoreStored, err
}

// Prepend concatenates data before an existing value.
func (r *Router) Prepend(ctx context.Context, key string, value any, opts ...OpOption) (stored bool, err error) {
	const op = "prepend"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	res, _, err := r.storeOp(ctx, op, proto.Prepend, key, value, 0, 0, buildOpOptions(opts))
	return res == proto.StoreStored, err
}

// CAS stores a value only if it is unchanged since the Gets that produced
// the token. A lost race returns (false, nil); a key that vanished
// entirely returns an error wrapping ErrNotFound.
func (r *Router) CAS(ctx context.Context, key string, value any, ttl time.Duration, cas uint64, opts ...OpOption) (swapped bool, err error) {
	const op = "cas"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	res, node, err := r.storeOp(ctx, op, proto.Cas, key, value, ttl, cas, buildOpOptions(opts))
	if err != nil {
		return false, err
	}
	switch res {
	case proto.StoreStored:
		return true, nil
	case proto.StoreExists:
		return false, nil
	default:
		return false, opError(op, node, ErrNotFound, false)
	}
}

// Delete removes a key. Reports whether it existed.
func (r *Router) Delete(ctx context.Context, key string, opts ...OpOption) (deleted bool, err error) {
	const op = "delete"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	o := buildOpOptions(opts)
	wire, err := r.cookKey(op, key)
	if err != nil {
		return false, err
	}
	nc, err := r.route(op, key)
	if err != nil {
		return false, err
	}
	err = r.do(ctx, op, nc, true, func() error {
		var err error
		deleted, err = nc.delete(ctx, op, wire, o.noReply)
		return err
	})
	if err == nil {
		r.uncoalesce(key)
	}
	return deleted, err
}

// DeleteMany removes many keys with one pipelined command per owning node.
func (r *Router) DeleteMany(ctx context.Context, keys []string, opts ...OpOption) (err error) {
	const op = "delete_many"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	o := buildOpOptions(opts)
	parts, err := r.partition(op, keys)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parts {
		g.Go(func() error {
			return r.do(gctx, op, p.nc, true, func() error {
				return p.nc.deleteMany(gctx, op, p.keys, o.noReply)
			})
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	r.uncoalesce(keys...)
	return nil
}

// SetMany stores many values with one pipelined command per owning node.
// It returns the keys the servers refused, sorted; a non-empty list with a
// nil error means everything else went in.
func (r *Router) SetMany(ctx context.Context, values map[string]any, ttl time.Duration, opts ...OpOption) (failed []string, err error) {
	const op = "set_many"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	o := buildOpOptions(opts)
	if r.closed.Load() {
		return nil, opError(op, "", ErrRouterClosed, true)
	}
	gen := r.gen.Load()

	type batch struct {
		nc    *nodeClient
		items []storeItem
	}
	var (
		batches []batch
		index   = make(map[string]int)
	)
	for key, value := range values {
		data, flags, err := r.encode(op, value)
		if err != nil {
			return nil, err
		}
		wire, err := r.cookKey(op, key)
		if err != nil {
			return nil, err
		}
		id, err := gen.ring.Get(key)
		if err != nil {
			return nil, opError(op, "", err, true)
		}
		i, ok := index[id]
		if !ok {
			i = len(batches)
			index[id] = i
			batches = append(batches, batch{nc: gen.clients[id]})
		}
		batches[i].items = append(batches[i].items, storeItem{key: wire, flags: flags, data: data})
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		g.Go(func() error {
			var refused []string
			err := r.do(gctx, op, b.nc, true, func() error {
				var err error
				refused, err = b.nc.storeMany(gctx, op, proto.Set, b.items, exptime(ttl), o.noReply)
				return err
			})
			if err != nil {
				return err
			}
			if len(refused) == 0 {
				return nil
			}
			mu.Lock()
			for _, wire := range refused {
				failed = append(failed, r.uncookKey(wire))
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for key := range values {
		r.uncoalesce(key)
	}
	slices.Sort(failed)
	return failed, nil
}

// Incr atomically increments a numeric value. A missing key is reported as
// found=false, not as an error.
func (r *Router) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	return r.incrDecr(ctx, "incr", proto.Incr, key, delta)
}

// Decr atomically decrements a numeric value, flooring at zero.
func (r *Router) Decr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	return r.incrDecr(ctx, "decr", proto.Decr, key, delta)
}

func (r *Router) incrDecr(ctx context.Context, op string, verb proto.Verb, key string, delta uint64) (val uint64, found bool, err error) {
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	wire, err := r.cookKey(op, key)
	if err != nil {
		return 0, false, err
	}
	nc, err := r.route(op, key)
	if err != nil {
		return 0, false, err
	}
	err = r.do(ctx, op, nc, false, func() error {
		var err error
		val, found, err = nc.incrDecr(ctx, op, verb, wire, delta)
		return err
	})
	if err == nil && found {
		r.uncoalesce(key)
	}
	return val, found, err
}

// Touch refreshes a key's TTL without transferring the value. Reports
// whether the key existed.
func (r *Router) Touch(ctx context.Context, key string, ttl time.Duration, opts ...OpOption) (touched bool, err error) {
	const op = "touch"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	o := buildOpOptions(opts)
	wire, err := r.cookKey(op, key)
	if err != nil {
		return false, err
	}
	nc, err := r.route(op, key)
	if err != nil {
		return false, err
	}
	err = r.do(ctx, op, nc, true, func() error {
		var err error
		touched, err = nc.touch(ctx, op, wire, exptime(ttl), o.noReply)
		return err
	})
	return touched, err
}

// === broadcasts ===

// broadcast fans fn out to every active node and collects the first error.
func (r *Router) broadcast(ctx context.Context, op string, fn func(ctx context.Context, nc *nodeClient) error) error {
	if r.closed.Load() {
		return opError(op, "", ErrRouterClosed, true)
	}
	gen := r.gen.Load()
	g, gctx := errgroup.WithContext(ctx)
	for _, nc := range gen.clients {
		g.Go(func() error {
			return r.do(gctx, op, nc, true, func() error {
				return fn(gctx, nc)
			})
		})
	}
	return g.Wait()
}

// FlushAll invalidates every item on every node, after the given delay.
func (r *Router) FlushAll(ctx context.Context, delay time.Duration, opts ...OpOption) (err error) {
	const op = "flush_all"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	o := buildOpOptions(opts)
	return r.broadcast(ctx, op, func(ctx context.Context, nc *nodeClient) error {
		return nc.flushAll(ctx, op, int64(delay/time.Second), o.noReply)
	})
}

// Version returns each active node's server version, keyed by address.
func (r *Router) Version(ctx context.Context) (_ map[string]string, err error) {
	const op = "version"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	var (
		mu  sync.Mutex
		out = make(map[string]string)
	)
	err = r.broadcast(ctx, op, func(ctx context.Context, nc *nodeClient) error {
		v, err := nc.version(ctx, op)
		if err != nil {
			return err
		}
		mu.Lock()
		out[nc.id] = v
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns each active node's statistics, keyed by address. Optional
// args select a stats domain ("items", "slabs", ...).
func (r *Router) Stats(ctx context.Context, args ...string) (_ map[string]map[string]string, err error) {
	const op = "stats"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	var (
		mu  sync.Mutex
		out = make(map[string]map[string]string)
	)
	err = r.broadcast(ctx, op, func(ctx context.Context, nc *nodeClient) error {
		st, err := nc.stats(ctx, op, args...)
		if err != nil {
			return err
		}
		mu.Lock()
		out[nc.id] = st
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping verifies every active node answers a round trip. An empty topology
// is an error.
func (r *Router) Ping(ctx context.Context) (err error) {
	const op = "ping"
	defer r.metrics.OpDuration(op).ObserveDuration()
	defer func() { r.metrics.OpCompleted(op, err == nil) }()

	if r.closed.Load() {
		return opError(op, "", ErrRouterClosed, true)
	}
	if r.gen.Load().ring.Len() == 0 {
		return opError(op, "", ring.ErrNoNodes, true)
	}
	return r.broadcast(ctx, op, func(ctx context.Context, nc *nodeClient) error {
		_, err := nc.version(ctx, op)
		return err
	})
}
