package cache

// Nop is a Cache that holds nothing: every Get misses, Put and Delete are
// no-ops. It stands in where the local tier is optional but the code path
// expects a Cache.
type Nop struct{}

func NewNop() *Nop { return &Nop{} }

func (*Nop) Get(string) (any, bool) { return nil, false }

func (*Nop) Put(string, any, ...PutOption) {}

func (*Nop) Delete(string) {}

var _ Cache = (*Nop)(nil)
