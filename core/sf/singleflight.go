package sf

import "golang.org/x/sync/singleflight"

// Singleflight coalesces concurrent calls that share a key. The zero value
// is ready to use.
type Singleflight[T any] struct {
	group singleflight.Group
}

// New returns an empty Singleflight for result type T.
func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}

// Do runs fn, admitting one call per key at a time. Callers that arrive
// while a call for key is in flight block and receive that call's result,
// error included.
func (s *Singleflight[T]) Do(key string, fn func() (*T, error)) (*T, error) {
	v, err, _ := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

// Forget detaches future Do calls for key from the currently running one.
// Callers already waiting still receive the running call's result.
func (s *Singleflight[T]) Forget(key string) {
	s.group.Forget(key)
}
