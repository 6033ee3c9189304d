// Package sf provides a typed single flight over
// golang.org/x/sync/singleflight.
//
// A single flight admits one in-flight execution per key: concurrent
// [Singleflight.Do] calls for the same key join the running call and share
// its result instead of issuing their own. In front of a cache node this
// collapses read stampedes: a hot key produces one fetch on the wire, not
// one per waiting caller.
//
// # Usage
//
//	flight := sf.New[Profile]()
//
//	p, err := flight.Do("profile:123", func() (*Profile, error) {
//	    return loadProfile(ctx, "123")
//	})
//
// Whoever mutates the underlying data should call [Singleflight.Forget] for
// the key, so that readers arriving after the write start a fresh call
// rather than receive a result fetched before it.
package sf
