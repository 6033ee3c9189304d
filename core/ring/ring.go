// Package ring implements rendezvous (highest random weight) hashing over a
// set of cache nodes.
//
// A [Ring] is an immutable membership snapshot: [Ring.Add] and [Ring.Remove]
// return a new ring and never mutate the receiver, so a ring pointer can be
// published via an atomic swap and read without locks. For a fixed
// (membership, seed, score function) the key→node mapping is a pure function.
// Changing one node only remaps the keys owned by that node (an expected
// 1/N of all keys), which keeps topology changes from stampeding the backing
// store with misses.
package ring

import (
	"errors"
	"fmt"
	"slices"

	"github.com/codewandler/mcring-go/core/ds"
	"github.com/codewandler/mcring-go/internal/hrw"
)

var (
	// Membership errors
	ErrNoNodes       = errors.New("no nodes available")
	ErrUnknownNode   = errors.New("unknown node")
	ErrDuplicateNode = errors.New("duplicate node")
)

type (
	// ScoreFunc derives the rendezvous score of key on the given node.
	ScoreFunc func(key []byte, node string) uint64

	// Node is one ring member. Weight skews key ownership proportionally;
	// zero means 1.
	Node struct {
		ID     string
		Weight float64
	}

	Options struct {
		// Nodes is the initial membership. May be empty; Get on an empty
		// ring returns ErrNoNodes.
		Nodes []Node
		// Seed personalizes the default score function so independent
		// clusters place keys differently. Ignored when Score is set.
		Seed string
		// Score replaces the default blake2b-based score function. A custom
		// function is responsible for its own seeding.
		Score ScoreFunc
	}

	// Ring is an immutable rendezvous-hash view of the node membership.
	Ring struct {
		nodes   []Node
		members *ds.StringSet
		seed    string
		score   ScoreFunc
		uniform bool
	}
)

func New(opts Options) (*Ring, error) {
	score := opts.Score
	if score == nil {
		seed := opts.Seed
		score = func(key []byte, node string) uint64 {
			return hrw.Score64(key, node, seed)
		}
	}

	r := &Ring{
		nodes:   make([]Node, 0, len(opts.Nodes)),
		members: ds.NewStringSet(),
		seed:    opts.Seed,
		score:   score,
	}
	for _, n := range opts.Nodes {
		if err := r.insert(n); err != nil {
			return nil, err
		}
	}
	r.uniform = uniformWeights(r.nodes)
	return r, nil
}

func (r *Ring) insert(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("ring: node id is required")
	}
	if n.Weight < 0 {
		return fmt.Errorf("ring: node %q has negative weight", n.ID)
	}
	if r.members.Contains(n.ID) {
		return fmt.Errorf("ring: node %q: %w", n.ID, ErrDuplicateNode)
	}
	if n.Weight == 0 {
		n.Weight = 1
	}
	r.nodes = append(r.nodes, n)
	r.members.Add(n.ID)
	return nil
}

// Get returns the node that owns key. The result is a pure function of
// (membership, seed, score), so every identically configured client resolves
// the same owner without coordination.
func (r *Ring) Get(key string) (string, error) {
	if len(r.nodes) == 0 {
		return "", ErrNoNodes
	}
	kb := []byte(key)
	if r.uniform {
		return r.getUniform(kb), nil
	}
	return r.getWeighted(kb), nil
}

// getUniform compares raw uint64 scores. The weighted mapping is strictly
// increasing in the raw score, so under equal weights both orderings agree.
func (r *Ring) getUniform(key []byte) string {
	bestID := r.nodes[0].ID
	best := r.score(key, bestID)
	for _, n := range r.nodes[1:] {
		s := r.score(key, n.ID)
		// ties go to the lexicographically greater id so that independent
		// client instances agree on the owner
		if s > best || (s == best && n.ID > bestID) {
			best, bestID = s, n.ID
		}
	}
	return bestID
}

func (r *Ring) getWeighted(key []byte) string {
	bestID := r.nodes[0].ID
	best := hrw.Weighted(r.score(key, bestID), r.nodes[0].Weight)
	for _, n := range r.nodes[1:] {
		s := hrw.Weighted(r.score(key, n.ID), n.Weight)
		if s > best || (s == best && n.ID > bestID) {
			best, bestID = s, n.ID
		}
	}
	return bestID
}

// Add returns a new ring that also contains n. The receiver is unchanged.
func (r *Ring) Add(n Node) (*Ring, error) {
	next := r.copy()
	if err := next.insert(n); err != nil {
		return nil, err
	}
	next.uniform = uniformWeights(next.nodes)
	return next, nil
}

// Remove returns a new ring without the given node. Removing an id that is
// not a member is a caller bug and fails with [ErrUnknownNode].
func (r *Ring) Remove(id string) (*Ring, error) {
	if !r.members.Contains(id) {
		return nil, fmt.Errorf("ring: node %q: %w", id, ErrUnknownNode)
	}
	next := &Ring{
		nodes:   make([]Node, 0, len(r.nodes)-1),
		members: ds.NewStringSet(),
		seed:    r.seed,
		score:   r.score,
	}
	for _, n := range r.nodes {
		if n.ID == id {
			continue
		}
		next.nodes = append(next.nodes, n)
		next.members.Add(n.ID)
	}
	next.uniform = uniformWeights(next.nodes)
	return next, nil
}

func (r *Ring) copy() *Ring {
	return &Ring{
		nodes:   slices.Clone(r.nodes),
		members: r.members.Copy(),
		seed:    r.seed,
		score:   r.score,
	}
}

// Contains reports whether id is a member.
func (r *Ring) Contains(id string) bool { return r.members.Contains(id) }

// IDs returns the member ids in insertion order.
func (r *Ring) IDs() []string { return r.members.Values() }

// Nodes returns a copy of the membership.
func (r *Ring) Nodes() []Node { return slices.Clone(r.nodes) }

// Len returns the number of members.
func (r *Ring) Len() int { return len(r.nodes) }

func uniformWeights(nodes []Node) bool {
	for i := 1; i < len(nodes); i++ {
		if nodes[i].Weight != nodes[0].Weight {
			return false
		}
	}
	return true
}
