// Package cluster provides a sharded memcached client that spreads keys
// across many servers with rendezvous hashing.
//
// The cluster package scales a cache horizontally by making every key live
// on exactly one node. The [Router] places keys, pools connections per
// node, and keeps working through node failures and topology changes.
//
// # Architecture
//
// The router is built from three layers:
//
//   - [Router]: the public API; places keys and fans multi-key calls out
//   - node client: one per server, owning its connection pool
//   - [Conn]: one framed text-protocol connection (see [Dialer])
//
// # Key Placement
//
// Keys are placed with Highest Random Weight (rendezvous) hashing from
// the ring package. This ensures:
//
//   - Even distribution of keys across nodes
//   - Minimal key movement when nodes join or leave
//   - Deterministic placement given the same node list
//
// Placement uses the bare key; the optional KeyPrefix only changes what
// goes on the wire.
//
// # Usage
//
// Create a router over a set of servers:
//
//	router, err := cluster.NewRouter(cluster.RouterOptions{
//	    Nodes: []cluster.Node{
//	        {Addr: "cache-1:11211"},
//	        {Addr: "cache-2:11211"},
//	    },
//	    Serde: serde.Options{DecodeResponses: true},
//	})
//
//	err = router.Set(ctx, "user:123", profile, time.Hour)
//	v, err := router.Get(ctx, "user:123")
//
// Multi-key calls pipeline one command per owning node and run the nodes
// concurrently:
//
//	hits, err := router.GetMany(ctx, keys)
//
// # Failure Handling
//
// Every failure surfaces as an [*Error] carrying the operation, the node,
// and a [Kind]. Retries stay on the key's owning node; a neighbor cannot
// have the key, so there is nothing to fail over to. Non-idempotent
// commands are retried only when the request never left the client.
//
// With [HealthOptions] set, nodes that keep failing with connection
// errors are evicted from the ring for a dead timeout, shifting their
// keys to the surviving nodes; [RouterOptions].MissOnError additionally
// turns read failures into misses for callers that treat the cache as
// best-effort.
//
// # Topology
//
// Membership can change at runtime via [Router.AddNode],
// [Router.RemoveNode], and [Router.SetNodes]. Lookups run against an
// immutable topology snapshot swapped atomically, so they never block on
// a membership change.
package cluster
