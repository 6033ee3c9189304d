package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/mcring-go/core/cluster"
)

// TopologyConfig names the JetStream KV bucket that carries the cache
// topology. Each key in the bucket is one node registration; the key name
// is an arbitrary slug, the value a JSON NodeRecord.
type TopologyConfig struct {
	Connect Connector
	Bucket  string
	Log     *slog.Logger
}

// NodeRecord is the JSON payload stored per topology key.
type NodeRecord struct {
	Addr   string  `json:"addr"`
	Weight float64 `json:"weight,omitempty"`
}

// Topology is the part of the router the watcher drives.
type Topology interface {
	SetNodes(nodes []cluster.Node) error
}

func openTopologyBucket(cfg TopologyConfig) (jetstream.KeyValue, closeFunc, error) {
	if cfg.Bucket == "" {
		return nil, nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeCon, err := doConnect()
	if err != nil {
		return nil, nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeCon()
		return nil, nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: 1024 * 1024,
	})
	if err != nil {
		closeCon()
		return nil, nil, err
	}
	return kv, closeCon, nil
}

// TopologyWriter publishes node registrations into a topology bucket.
// Cache nodes (or their supervisors) use it to announce themselves.
type TopologyWriter struct {
	kv    jetstream.KeyValue
	close closeFunc
}

func NewTopologyWriter(cfg TopologyConfig) (*TopologyWriter, error) {
	kv, closeCon, err := openTopologyBucket(cfg)
	if err != nil {
		return nil, err
	}
	return &TopologyWriter{kv: kv, close: closeCon}, nil
}

func (w *TopologyWriter) Register(ctx context.Context, key string, n cluster.Node) error {
	if n.Addr == "" {
		return errors.New("node addr is required")
	}
	data, err := json.Marshal(NodeRecord{Addr: n.Addr, Weight: n.Weight})
	if err != nil {
		return err
	}
	_, err = w.kv.Put(ctx, key, data)
	return err
}

func (w *TopologyWriter) Deregister(ctx context.Context, key string) error {
	return w.kv.Delete(ctx, key)
}

func (w *TopologyWriter) Close() {
	w.close()
}

// TopologyWatcher mirrors a topology bucket into a router. It replays the
// bucket once on startup, applies the snapshot, and then pushes every
// registration change as it happens. A malformed record or a rejected
// update is logged and skipped; the target keeps its previous topology.
type TopologyWatcher struct {
	log     *slog.Logger
	target  Topology
	release closeFunc
	cancel  context.CancelFunc
	done    chan struct{}

	// touched only by the watch goroutine
	nodes map[string]cluster.Node
}

func NewTopologyWatcher(cfg TopologyConfig, target Topology) (*TopologyWatcher, error) {
	if target == nil {
		return nil, errors.New("target is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	kv, closeCon, err := openTopologyBucket(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := kv.WatchAll(ctx)
	if err != nil {
		cancel()
		closeCon()
		return nil, err
	}

	w := &TopologyWatcher{
		log:     log.With(slog.String("bucket", cfg.Bucket)),
		target:  target,
		release: closeCon,
		cancel:  cancel,
		done:    make(chan struct{}),
		nodes:   make(map[string]cluster.Node),
	}
	go w.run(watcher)
	return w, nil
}

// Close stops watching. The target keeps its last applied topology.
func (w *TopologyWatcher) Close() {
	w.cancel()
	<-w.done
	w.release()
}

func (w *TopologyWatcher) run(watcher jetstream.KeyWatcher) {
	defer close(w.done)

	// The watcher replays existing keys first and marks the end of the
	// replay with a nil entry. Applying only after that marker avoids
	// pushing N partial topologies on startup.
	synced := false
	for entry := range watcher.Updates() {
		if entry == nil {
			synced = true
			w.apply()
			continue
		}
		switch entry.Operation() {
		case jetstream.KeyValuePut:
			var rec NodeRecord
			if err := json.Unmarshal(entry.Value(), &rec); err != nil || rec.Addr == "" {
				w.log.Error("skipping bad node record",
					slog.String("key", entry.Key()),
					slog.Any("error", err))
				continue
			}
			w.nodes[entry.Key()] = cluster.Node{Addr: rec.Addr, Weight: rec.Weight}
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			delete(w.nodes, entry.Key())
		}
		if synced {
			w.apply()
		}
	}
}

func (w *TopologyWatcher) apply() {
	nodes := make([]cluster.Node, 0, len(w.nodes))
	for _, n := range w.nodes {
		nodes = append(nodes, n)
	}
	if err := w.target.SetNodes(nodes); err != nil {
		w.log.Error("topology update rejected", slog.Any("error", err))
		return
	}
	w.log.Debug("topology applied", slog.Int("nodes", len(nodes)))
}
