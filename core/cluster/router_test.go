package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/mcring-go/core/ring"
	"github.com/codewandler/mcring-go/core/serde"
)

// ownerIndex finds the backend holding the given wire key.
func ownerIndex(t *testing.T, backends []*TestBackend, wireKey string) int {
	t.Helper()
	for i, b := range backends {
		if b.Contains(wireKey) {
			return i
		}
	}
	t.Fatalf("no backend holds %q", wireKey)
	return -1
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := NewRouter(RouterOptions{Nodes: []Node{{Addr: ""}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Nodes[0].Addr")

	_, err = NewRouter(RouterOptions{Nodes: []Node{{Addr: "a:11211"}, {Addr: "a:11211"}}})
	require.ErrorIs(t, err, ring.ErrDuplicateNode)

	_, err = NewRouter(RouterOptions{Serde: serde.Options{Charset: "latin-1"}})
	require.Error(t, err)
}

func TestRouter_RoundTrip(t *testing.T) {
	r, backends := CreateTestRouter(t, 3, RouterOptions{
		Serde: serde.Options{DecodeResponses: true},
	})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "user:1", "alice", 0))

	v, err := r.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, serde.KindText, v.Kind())
	assert.Equal(t, "alice", v.Text())

	// Exactly one node holds the key.
	holders := 0
	for _, b := range backends {
		if b.Contains("user:1") {
			holders++
		}
	}
	assert.Equal(t, 1, holders)
}

func TestRouter_Get_Miss(t *testing.T) {
	r, _ := CreateTestRouter(t, 2, RouterOptions{})

	v, err := r.Get(t.Context(), "absent")
	require.NoError(t, err)
	assert.True(t, v.IsNil())
}

func TestRouter_TypedValues(t *testing.T) {
	r, _ := CreateTestRouter(t, 2, RouterOptions{
		Serde: serde.Options{DecodeResponses: true},
	})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "num", 42, 0))
	v, err := r.Get(ctx, "num")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int())

	require.NoError(t, r.Set(ctx, "pi", 3.5, 0))
	v, err = r.Get(ctx, "pi")
	require.NoError(t, err)
	assert.Equal(t, 3.5, v.Float())

	var e *Error
	err = r.Set(ctx, "flag", true, 0)
	require.ErrorAs(t, err, &e, "bools are rejected by the codec")
	assert.Equal(t, KindClient, e.Kind())
	assert.True(t, e.Unsent)

	err = r.Set(ctx, "nothing", nil, 0)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindClient, e.Kind())

	err = r.Set(ctx, "obj", struct{ A int }{1}, 0)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindClient, e.Kind())
}

func TestRouter_BytesByDefault(t *testing.T) {
	r, _ := CreateTestRouter(t, 1, RouterOptions{})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "blob", []byte{0x00, 0x01, 0xff}, 0))
	v, err := r.Get(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, serde.KindBytes, v.Kind())
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, v.Bytes())

	// Text written typed still reads back raw without DecodeResponses.
	require.NoError(t, r.Set(ctx, "name", "alice", 0))
	v, err = r.Get(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, serde.KindBytes, v.Kind())

	// Numeric payloads keep their kind regardless.
	require.NoError(t, r.Set(ctx, "n", 7, 0))
	v, err = r.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int())
}

func TestRouter_KeyValidation(t *testing.T) {
	r, _ := CreateTestRouter(t, 1, RouterOptions{})
	ctx := t.Context()

	var e *Error
	_, err := r.Get(ctx, "has space")
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindClient, e.Kind())
	assert.True(t, e.Unsent)

	err = r.Set(ctx, strings.Repeat("k", 251), []byte("v"), 0)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindClient, e.Kind())

	_, err = r.Get(ctx, "")
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindClient, e.Kind())
}

func TestRouter_KeyPrefix(t *testing.T) {
	r, backends := CreateTestRouter(t, 3, RouterOptions{KeyPrefix: "app:"})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "user:1", []byte("v"), 0))
	ownerIndex(t, backends, "app:user:1")

	v, err := r.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v.Bytes())

	hits, err := r.GetMany(ctx, []string{"user:1"})
	require.NoError(t, err)
	assert.Contains(t, hits, "user:1", "results use caller keys, not wire keys")
}

func TestRouter_PrefixDoesNotMoveKeys(t *testing.T) {
	plain, plainBackends := CreateTestRouter(t, 3, RouterOptions{})
	prefixed, prefixedBackends := CreateTestRouter(t, 3, RouterOptions{KeyPrefix: "v2:"})
	ctx := t.Context()

	for _, key := range []string{"a", "b", "user:42", "session:9"} {
		require.NoError(t, plain.Set(ctx, key, []byte("x"), 0))
		require.NoError(t, prefixed.Set(ctx, key, []byte("x"), 0))
		assert.Equal(t,
			ownerIndex(t, plainBackends, key),
			ownerIndex(t, prefixedBackends, "v2:"+key),
			"placement uses the bare key")
	}
}

func TestRouter_MultiKey(t *testing.T) {
	r, backends := CreateTestRouter(t, 3, RouterOptions{})
	ctx := t.Context()

	keys := make([]string, 30)
	values := make(map[string]any, len(keys))
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		values[keys[i]] = []byte(fmt.Sprintf("value-%d", i))
	}

	failed, err := r.SetMany(ctx, values, 0)
	require.NoError(t, err)
	assert.Empty(t, failed)

	// Keys spread over all nodes, each held exactly once.
	total := 0
	for _, b := range backends {
		n := len(b.Keys())
		assert.Positive(t, n)
		total += n
	}
	assert.Equal(t, len(keys), total)

	hits, err := r.GetMany(ctx, append([]string{"absent"}, keys...))
	require.NoError(t, err)
	require.Len(t, hits, len(keys), "misses are simply not in the result")
	assert.Equal(t, []byte("value-7"), hits["key-7"].Bytes())

	// One pipelined retrieval per node, not one per key.
	gets := 0
	for _, b := range backends {
		gets += b.Ops("get")
	}
	assert.Equal(t, len(backends), gets)

	require.NoError(t, r.DeleteMany(ctx, keys))
	for _, b := range backends {
		assert.Empty(t, b.Keys())
	}
}

func TestRouter_SetMany_ReportsRefusedKeys(t *testing.T) {
	r, backends := CreateTestRouter(t, 1, RouterOptions{})
	ctx := t.Context()

	backends[0].ScriptReply("NOT_STORED")
	failed, err := r.SetMany(ctx, map[string]any{"solo": []byte("v")}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, failed)
}

func TestRouter_GetsAndCAS(t *testing.T) {
	r, _ := CreateTestRouter(t, 3, RouterOptions{
		Serde: serde.Options{DecodeResponses: true},
	})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "counter", "a", 0))

	v, token, err := r.Gets(ctx, "counter")
	require.NoError(t, err)
	require.NotZero(t, token)
	assert.Equal(t, "a", v.Text())

	swapped, err := r.CAS(ctx, "counter", "b", 0, token)
	require.NoError(t, err)
	assert.True(t, swapped)

	// The token is stale now: a lost race, not an error.
	swapped, err = r.CAS(ctx, "counter", "c", 0, token)
	require.NoError(t, err)
	assert.False(t, swapped)

	v, err = r.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "b", v.Text())

	// CAS against a vanished key is an error.
	_, err = r.Delete(ctx, "counter")
	require.NoError(t, err)
	_, err = r.CAS(ctx, "counter", "d", 0, token)
	require.ErrorIs(t, err, ErrNotFound)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindClient, e.Kind())
}

func TestRouter_ConditionalStores(t *testing.T) {
	r, _ := CreateTestRouter(t, 2, RouterOptions{})
	ctx := t.Context()

	stored, err := r.Add(ctx, "k", []byte("v1"), 0)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = r.Add(ctx, "k", []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = r.Replace(ctx, "k", []byte("v3"), 0)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = r.Replace(ctx, "absent", []byte("x"), 0)
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = r.Append(ctx, "k", []byte("+end"))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = r.Prepend(ctx, "absent", []byte("x"))
	require.NoError(t, err)
	assert.False(t, stored)

	v, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v3+end"), v.Bytes())
}

func TestRouter_Set_UnexpectedNotStored(t *testing.T) {
	r, backends := CreateTestRouter(t, 1, RouterOptions{})

	backends[0].ScriptReply("NOT_STORED")
	err := r.Set(t.Context(), "k", []byte("v"), 0)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindServer, e.Kind())
}

func TestRouter_IncrDecr(t *testing.T) {
	r, _ := CreateTestRouter(t, 2, RouterOptions{})
	ctx := t.Context()

	_, found, err := r.Incr(ctx, "hits", 1)
	require.NoError(t, err)
	assert.False(t, found, "incr never creates the key")

	require.NoError(t, r.Set(ctx, "hits", 10, 0))

	val, found, err := r.Incr(ctx, "hits", 5)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(15), val)

	val, found, err = r.Decr(ctx, "hits", 20)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Zero(t, val)
}

func TestRouter_Touch(t *testing.T) {
	r, _ := CreateTestRouter(t, 2, RouterOptions{})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Hour))

	touched, err := r.Touch(ctx, "k", 2*time.Hour)
	require.NoError(t, err)
	assert.True(t, touched)

	touched, err = r.Touch(ctx, "absent", time.Hour)
	require.NoError(t, err)
	assert.False(t, touched)
}

func TestRouter_FlushAll(t *testing.T) {
	r, backends := CreateTestRouter(t, 3, RouterOptions{})
	ctx := t.Context()

	for i := 0; i < 9; i++ {
		require.NoError(t, r.Set(ctx, fmt.Sprintf("key-%d", i), []byte("v"), 0))
	}
	require.NoError(t, r.FlushAll(ctx, 0))

	for _, b := range backends {
		assert.Empty(t, b.Keys())
		assert.Equal(t, 1, b.Ops("flush_all"))
	}

	v, err := r.Get(ctx, "key-0")
	require.NoError(t, err)
	assert.True(t, v.IsNil())
}

func TestRouter_Broadcasts(t *testing.T) {
	r, backends := CreateTestRouter(t, 3, RouterOptions{})
	ctx := t.Context()

	versions, err := r.Version(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for _, b := range backends {
		assert.Equal(t, "1.6.38", versions[b.Addr()])
	}

	require.NoError(t, r.Set(ctx, "k", []byte("v"), 0))
	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	items := 0
	for _, st := range stats {
		n, err := strconv.Atoi(st["curr_items"])
		require.NoError(t, err)
		items += n
	}
	assert.Equal(t, 1, items)

	require.NoError(t, r.Ping(ctx))
}

func TestRouter_EmptyTopology(t *testing.T) {
	r, err := NewRouter(RouterOptions{Log: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := t.Context()

	var e *Error
	_, err = r.Get(ctx, "k")
	require.ErrorIs(t, err, ring.ErrNoNodes)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindTopology, e.Kind())

	err = r.Ping(ctx)
	require.ErrorIs(t, err, ring.ErrNoNodes)
}

func TestRouter_MissOnError(t *testing.T) {
	r, backends := CreateTestRouter(t, 1, RouterOptions{MissOnError: true})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), 0))
	backends[0].SetDown(true)

	v, err := r.Get(ctx, "k")
	require.NoError(t, err, "read errors degrade to misses")
	assert.True(t, v.IsNil())

	_, _, err = r.Gets(ctx, "k")
	require.NoError(t, err)

	hits, err := r.GetMany(ctx, []string{"k"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Writes still fail loudly.
	err = r.Set(ctx, "k", []byte("v"), 0)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindConnection, e.Kind())
}

func TestRouter_RetriesStayOnOwningNode(t *testing.T) {
	r, backends := CreateTestRouter(t, 3, RouterOptions{
		Retry: RetryPolicy{MaxAttempts: 3},
	})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "victim", []byte("v"), 0))
	owner := backends[ownerIndex(t, backends, "victim")]

	owner.ScriptReply("SERVER_ERROR temporary failure")
	require.NoError(t, r.Set(ctx, "victim", []byte("v2"), 0), "second attempt succeeds")
	assert.Equal(t, 3, owner.Ops("set"))

	for i, b := range backends {
		if b != owner {
			assert.Zero(t, b.Ops("set"), "node %d saw traffic for a key it does not own", i)
		}
	}
}

func TestRouter_RetryBudgetExhausted(t *testing.T) {
	r, backends := CreateTestRouter(t, 1, RouterOptions{
		Retry: RetryPolicy{MaxAttempts: 2},
	})

	backends[0].SetDown(true)
	err := r.Set(t.Context(), "k", []byte("v"), 0)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindConnection, e.Kind())
	assert.Equal(t, 2, backends[0].Dials(), "one dial per attempt")
}

func TestRouter_NonIdempotentNotRetried(t *testing.T) {
	r, backends := CreateTestRouter(t, 1, RouterOptions{
		Retry: RetryPolicy{MaxAttempts: 3},
	})
	ctx := t.Context()
	b := backends[0]

	require.NoError(t, r.Set(ctx, "hits", 1, 0))

	// The pooled connection dies mid-command: the incr may have been
	// applied server-side, so it must not be replayed.
	b.FailWrites(true)
	_, _, err := r.Incr(ctx, "hits", 1)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.False(t, e.Unsent)
	assert.Equal(t, 1, b.Dials(), "no retry, no second connection")

	// An idempotent set under the same failure burns the whole budget.
	_ = r.Set(ctx, "hits", 2, 0)
	assert.Equal(t, 4, b.Dials())
}

func TestRouter_WithNoReply(t *testing.T) {
	r, backends := CreateTestRouter(t, 1, RouterOptions{})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), 0, WithNoReply()))
	assert.True(t, backends[0].Contains("k"))

	deleted, err := r.Delete(ctx, "k", WithNoReply())
	require.NoError(t, err)
	assert.True(t, deleted, "noreply reports optimistic success")
	assert.False(t, backends[0].Contains("k"))
}

func TestRouter_CoalesceReads(t *testing.T) {
	r, backends := CreateTestRouter(t, 1, RouterOptions{CoalesceReads: true})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "hot", []byte("v"), 0))
	backends[0].SetLatency(30 * time.Millisecond)

	const callers = 10
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.Get(ctx, "hot")
			results[i], errs[i] = v.Bytes(), err
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("v"), results[i])
	}
	assert.Less(t, backends[0].Ops("get"), callers, "concurrent reads coalesce")
}

func TestRouter_WriteDetachesCoalescedReads(t *testing.T) {
	r, backends := CreateTestRouter(t, 1, RouterOptions{CoalesceReads: true})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "hot", []byte("old"), 0))
	backends[0].SetLatency(150 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Get(ctx, "hot")
	}()
	time.Sleep(20 * time.Millisecond) // slow read is now on the wire

	backends[0].SetLatency(0)
	require.NoError(t, r.Set(ctx, "hot", []byte("new"), 0))

	// The read after the write must not join the pre-write fetch.
	v, err := r.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v.Bytes())
	<-done
	assert.Equal(t, 2, backends[0].Ops("get"))
}

func TestRouter_WeightsSkewPlacement(t *testing.T) {
	byAddr := map[string]*TestBackend{
		"small:11211": NewTestBackend("small:11211"),
		"big:11211":   NewTestBackend("big:11211"),
	}
	r, err := NewRouter(RouterOptions{
		Log: slog.New(slog.DiscardHandler),
		Nodes: []Node{
			{Addr: "small:11211", Weight: 1},
			{Addr: "big:11211", Weight: 50},
		},
		Dialer: DialerFunc(func(ctx context.Context, addr string) (Conn, error) {
			return byAddr[addr].dial()
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := t.Context()

	for i := 0; i < 100; i++ {
		require.NoError(t, r.Set(ctx, fmt.Sprintf("key-%d", i), []byte("v"), 0))
	}
	assert.Greater(t, len(byAddr["big:11211"].Keys()), 70)
}

func TestRouter_TopologyChanges(t *testing.T) {
	addrs := []string{"mc-0:11211", "mc-1:11211", "mc-2:11211"}
	byAddr := make(map[string]*TestBackend, len(addrs))
	for _, a := range addrs {
		byAddr[a] = NewTestBackend(a)
	}
	r, err := NewRouter(RouterOptions{
		Log:   slog.New(slog.DiscardHandler),
		Nodes: []Node{{Addr: addrs[0]}, {Addr: addrs[1]}},
		Dialer: DialerFunc(func(ctx context.Context, addr string) (Conn, error) {
			return byAddr[addr].dial()
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := t.Context()

	assert.ElementsMatch(t, addrs[:2], r.Nodes())

	require.ErrorIs(t, r.AddNode(Node{Addr: addrs[0]}), ring.ErrDuplicateNode)
	require.ErrorIs(t, r.RemoveNode("nope:11211"), ring.ErrUnknownNode)

	require.NoError(t, r.AddNode(Node{Addr: addrs[2]}))
	assert.ElementsMatch(t, addrs, r.Nodes())

	// With enough keys the new node owns a share.
	for i := 0; i < 30; i++ {
		require.NoError(t, r.Set(ctx, fmt.Sprintf("key-%d", i), []byte("v"), 0))
	}
	assert.NotEmpty(t, byAddr[addrs[2]].Keys())

	require.NoError(t, r.RemoveNode(addrs[2]))
	assert.ElementsMatch(t, addrs[:2], r.Nodes())

	// The departed node gets no further traffic.
	before := byAddr[addrs[2]].Ops("set")
	for i := 0; i < 30; i++ {
		require.NoError(t, r.Set(ctx, fmt.Sprintf("key-%d", i), []byte("v"), 0))
	}
	assert.Equal(t, before, byAddr[addrs[2]].Ops("set"))
}

func TestRouter_SetNodes(t *testing.T) {
	addrs := []string{"mc-0:11211", "mc-1:11211", "mc-2:11211"}
	byAddr := make(map[string]*TestBackend, len(addrs))
	for _, a := range addrs {
		byAddr[a] = NewTestBackend(a)
	}
	r, err := NewRouter(RouterOptions{
		Log:   slog.New(slog.DiscardHandler),
		Nodes: []Node{{Addr: addrs[0]}, {Addr: addrs[1]}},
		Dialer: DialerFunc(func(ctx context.Context, addr string) (Conn, error) {
			return byAddr[addr].dial()
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := t.Context()

	require.NoError(t, r.SetNodes([]Node{{Addr: addrs[1]}, {Addr: addrs[2]}}))
	assert.ElementsMatch(t, addrs[1:], r.Nodes())

	for i := 0; i < 20; i++ {
		require.NoError(t, r.Set(ctx, fmt.Sprintf("key-%d", i), []byte("v"), 0))
	}
	assert.Zero(t, byAddr[addrs[0]].Ops("set"))

	require.ErrorIs(t,
		r.SetNodes([]Node{{Addr: addrs[1]}, {Addr: addrs[1]}}),
		ring.ErrDuplicateNode)
}

func TestRouter_ConcurrentTopologySwap(t *testing.T) {
	addrs := []string{"mc-0:11211", "mc-1:11211", "mc-2:11211"}
	const churned = "mc-3:11211"
	byAddr := map[string]*TestBackend{churned: NewTestBackend(churned)}
	nodes := make([]Node, len(addrs))
	for i, a := range addrs {
		byAddr[a] = NewTestBackend(a)
		nodes[i] = Node{Addr: a}
	}
	r, err := NewRouter(RouterOptions{
		Log:   slog.New(slog.DiscardHandler),
		Nodes: nodes,
		Dialer: DialerFunc(func(ctx context.Context, addr string) (Conn, error) {
			return byAddr[addr].dial()
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := t.Context()

	keys := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		require.NoError(t, r.Set(ctx, key, []byte("v"), 0))
		keys = append(keys, key)
	}

	// Keys the churned node wins change owners on every swap. The rest
	// resolve to the same node under both topologies, so a read must
	// succeed no matter which snapshot it lands on; a read crossing a
	// half-applied swap would surface as a miss, an error, or a race.
	require.NoError(t, r.AddNode(Node{Addr: churned}))
	for _, key := range keys {
		require.NoError(t, r.Set(ctx, key, []byte("v"), 0))
	}
	stable := make([]string, 0, len(keys))
	for _, key := range keys {
		if !byAddr[churned].Contains(key) {
			stable = append(stable, key)
		}
	}
	require.NoError(t, r.RemoveNode(churned))
	require.NotEmpty(t, stable)
	require.Less(t, len(stable), len(keys), "churned node owns a share of keys")

	const readers = 4
	var wg sync.WaitGroup
	errs := make([]error, readers+1)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 50; round++ {
				for _, key := range stable {
					v, err := r.Get(ctx, key)
					if err != nil {
						errs[i] = err
						return
					}
					if v.IsNil() {
						errs[i] = fmt.Errorf("%s read as a miss", key)
						return
					}
				}
				hits, err := r.GetMany(ctx, stable)
				if err != nil {
					errs[i] = err
					return
				}
				if len(hits) != len(stable) {
					errs[i] = fmt.Errorf("bulk read saw %d of %d keys", len(hits), len(stable))
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for round := 0; round < 100; round++ {
			if err := r.AddNode(Node{Addr: churned}); err != nil {
				errs[readers] = err
				return
			}
			if err := r.RemoveNode(churned); err != nil {
				errs[readers] = err
				return
			}
		}
	}()
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestRouter_Close(t *testing.T) {
	r, _ := CreateTestRouter(t, 2, RouterOptions{})
	ctx := t.Context()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "idempotent")

	_, err := r.Get(ctx, "k")
	require.ErrorIs(t, err, ErrRouterClosed)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindClient, e.Kind())

	require.ErrorIs(t, r.Set(ctx, "k", []byte("v"), 0), ErrRouterClosed)
	require.ErrorIs(t, r.AddNode(Node{Addr: "new:11211"}), ErrRouterClosed)
	require.ErrorIs(t, r.Ping(ctx), ErrRouterClosed)
}
