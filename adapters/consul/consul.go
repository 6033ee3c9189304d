// Package consul keeps a cache router topology in sync with a consul
// service catalog.
package consul

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/codewandler/mcring-go/core/cluster"
	"github.com/codewandler/mcring-go/core/ds"
)

const defaultInterval = 10 * time.Second

type Options struct {
	// Address of the consul agent. Empty uses consul's own defaults
	// (CONSUL_HTTP_ADDR or the local agent).
	Address string
	// Service is the catalog name the cache nodes register under.
	Service string
	// Tag optionally narrows the instances.
	Tag string
	// Interval between catalog polls. Defaults to 10s.
	Interval time.Duration
	// Log receives resolution failures. Defaults to slog.Default().
	Log *slog.Logger
}

// Topology is the part of the router the poller drives.
type Topology interface {
	SetNodes(nodes []cluster.Node) error
}

// Resolver lists the healthy cache nodes registered in a consul catalog.
type Resolver struct {
	health  *consulapi.Health
	service string
	tag     string
}

func NewResolver(opts Options) (*Resolver, error) {
	if opts.Service == "" {
		return nil, errors.New("service is required")
	}
	conf := consulapi.DefaultConfig()
	if opts.Address != "" {
		conf.Address = opts.Address
	}
	client, err := consulapi.NewClient(conf)
	if err != nil {
		return nil, err
	}
	return &Resolver{health: client.Health(), service: opts.Service, tag: opts.Tag}, nil
}

// Resolve returns one cluster node per passing service instance. An
// instance without a service address falls back to its node address, and
// consul's passing weight carries over as the ring weight.
func (r *Resolver) Resolve(ctx context.Context) ([]cluster.Node, error) {
	entries, _, err := r.health.Service(r.service, r.tag, true, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}
	nodes := make([]cluster.Node, 0, len(entries))
	for _, e := range entries {
		addr := e.Service.Address
		if addr == "" {
			addr = e.Node.Address
		}
		nodes = append(nodes, cluster.Node{
			Addr:   fmt.Sprintf("%s:%d", addr, e.Service.Port),
			Weight: float64(e.Service.Weights.Passing),
		})
	}
	return nodes, nil
}

// ResolveFunc is the poller's node source.
type ResolveFunc func(ctx context.Context) ([]cluster.Node, error)

// Poller applies a consul catalog to a router topology. Every interval it
// resolves the service and pushes the node list when it differs from the
// last applied one; resolution failures keep the current topology in place.
type Poller struct {
	log      *slog.Logger
	resolve  ResolveFunc
	interval time.Duration
	target   Topology

	cancel context.CancelFunc
	done   chan struct{}
	seen   *ds.StringSet
}

// NewPoller connects to consul and starts polling. Close stops it.
func NewPoller(opts Options, target Topology) (*Poller, error) {
	r, err := NewResolver(opts)
	if err != nil {
		return nil, err
	}
	return newPoller(r.Resolve, opts, target)
}

func newPoller(resolve ResolveFunc, opts Options, target Topology) (*Poller, error) {
	if target == nil {
		return nil, errors.New("target is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		log:      log.With(slog.String("service", opts.Service)),
		resolve:  resolve,
		interval: interval,
		target:   target,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.run(ctx)
	return p, nil
}

// Close stops the poll loop. The target keeps its last applied topology.
func (p *Poller) Close() {
	p.cancel()
	<-p.done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	nodes, err := p.resolve(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Error("service resolution failed", slog.Any("error", err))
		return
	}

	next := ds.NewStringSet()
	for _, n := range nodes {
		next.Add(fmt.Sprintf("%s@%g", n.Addr, n.Weight))
	}
	if p.seen != nil && p.seen.Eq(next) {
		return
	}
	if err := p.target.SetNodes(nodes); err != nil {
		p.log.Error("topology update rejected", slog.Any("error", err))
		return
	}
	p.seen = next
	p.log.Info("topology updated", slog.Int("nodes", len(nodes)))
}
