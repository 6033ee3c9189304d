package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
}

type entry struct {
	key       string
	val       any
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val any
	ok  bool
}

type putReq struct {
	key  string
	val  any
	opts []PutOption
}

type delReq struct {
	key string
}

type LRU struct {
	getCh     chan getReq
	putCh     chan putReq
	delCh     chan delReq
	done      chan struct{}
	closeOnce sync.Once
}

func (L *LRU) Get(key string) (any, bool) {
	resp := make(chan getResp)
	select {
	case L.getCh <- getReq{key: key, resp: resp}:
		r := <-resp
		return r.val, r.ok
	case <-L.done:
		return nil, false
	}
}

func (L *LRU) Put(key string, val any, opts ...PutOption) {
	select {
	case L.putCh <- putReq{key: key, val: val, opts: opts}:
	case <-L.done:
	}
}

func (L *LRU) Delete(key string) {
	select {
	case L.delCh <- delReq{key: key}:
	case <-L.done:
	}
}

// Close stops the background goroutine. Operations after Close are no-ops.
func (L *LRU) Close() {
	L.closeOnce.Do(func() { close(L.done) })
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}

	l := &LRU{
		getCh: make(chan getReq),
		putCh: make(chan putReq),
		delCh: make(chan delReq),
		done:  make(chan struct{}),
	}

	go l.run(opts.Size)

	return l
}

func (L *LRU) run(size int) {
	ll := list.New()
	cache := make(map[string]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(cache, ele.Value.(*entry).key)
	}

	for {
		select {
		case <-L.done:
			return
		case req := <-L.getCh:
			ele, ok := cache[req.key]
			if !ok {
				req.resp <- getResp{ok: false}
				continue
			}
			ent := ele.Value.(*entry)
			if ent.expired(time.Now()) {
				remove(ele)
				req.resp <- getResp{ok: false}
				continue
			}
			ll.MoveToFront(ele)
			req.resp <- getResp{val: ent.val, ok: true}
		case req := <-L.putCh:
			var po PutOptions
			for _, opt := range req.opts {
				opt(&po)
			}
			var expiresAt time.Time
			if po.TTL > 0 {
				expiresAt = time.Now().Add(po.TTL)
			}

			if ele, ok := cache[req.key]; ok {
				ll.MoveToFront(ele)
				ent := ele.Value.(*entry)
				ent.val = req.val
				ent.expiresAt = expiresAt
			} else {
				ele := ll.PushFront(&entry{key: req.key, val: req.val, expiresAt: expiresAt})
				cache[req.key] = ele
				if ll.Len() > size {
					if last := ll.Back(); last != nil {
						remove(last)
					}
				}
			}
		case req := <-L.delCh:
			if ele, ok := cache[req.key]; ok {
				remove(ele)
			}
		}
	}
}

var _ Cache = (*LRU)(nil)
