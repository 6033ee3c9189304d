// Package ds provides generic data structures shared across the module.
package ds

import (
	"fmt"
	"slices"
)

type StringSet = Set[string]

// Set is an insertion-ordered set: O(1) membership tests plus deterministic
// iteration. Ring membership and node health bookkeeping go through this
// type so that identical inputs always walk nodes in the same order.
//
// Add and Remove mutate the receiver; Values and Copy hand out fresh data.
// The zero Set is not ready, construct with [NewSet].
type Set[T comparable] struct {
	items map[T]struct{}
	order []T // insertion order
}

// NewSet creates a set holding the given items.
func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{
		items: make(map[T]struct{}, len(items)),
		order: make([]T, 0, len(items)),
	}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

// NewStringSet creates a string set holding the given items.
func NewStringSet(items ...string) *StringSet {
	return NewSet(items...)
}

// Add appends v unless it is already a member.
func (s *Set[T]) Add(v T) {
	if s.Contains(v) {
		return
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
}

// Remove drops the given members; non-members are ignored. Cost is O(n) in
// the set size because the iteration order is compacted.
func (s *Set[T]) Remove(vs ...T) {
	before := len(s.items)
	for _, v := range vs {
		delete(s.items, v)
	}
	if len(s.items) == before {
		return
	}
	keep := s.order[:0]
	for _, v := range s.order {
		if _, ok := s.items[v]; ok {
			keep = append(keep, v)
		}
	}
	clear(s.order[len(keep):])
	s.order = keep
}

// Contains reports whether v is a member.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

// Len returns the number of members.
func (s *Set[T]) Len() int { return len(s.items) }

// IsEmpty reports whether the set has no members.
func (s *Set[T]) IsEmpty() bool { return len(s.items) == 0 }

// Values returns the members in insertion order. The slice is a copy.
func (s *Set[T]) Values() []T { return slices.Clone(s.order) }

// Copy returns an independent set with the same members and order.
func (s *Set[T]) Copy() *Set[T] { return NewSet(s.order...) }

// Eq reports whether both sets have the same members, in any order.
func (s *Set[T]) Eq(other *Set[T]) bool {
	if len(s.items) != len(other.items) {
		return false
	}
	for v := range s.items {
		if !other.Contains(v) {
			return false
		}
	}
	return true
}

func (s *Set[T]) String() string {
	return fmt.Sprintf("%v", s.order)
}
