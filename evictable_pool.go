package elasticsearch

import (
	"sync"
	"time"
)

type poolItem[T any] struct {
	item     T
	lastUsed time.Time
}

// Pool works as sync.Pool but with eviction settings:
// items that sit idle longer than the ttl are dropped, so a burst of
// activity does not pin expensive objects (like fst builders) forever.
type Pool[T any] struct {
	m       sync.Mutex
	idle    []poolItem[T]
	factory func() T

	// maxAge controls how long an object is allowed to stay in the pool since the last usage
	maxAge time.Duration

	stop chan struct{}
	once sync.Once
}

func NewPool[T any](ttl time.Duration, factory func() T) *Pool[T] {
	p := &Pool[T]{
		factory: factory,
		maxAge:  ttl,
		stop:    make(chan struct{}),
	}

	go p.monitor()

	return p
}

// Get returns the most recently used object from the pool,
// otherwise creates a new one.
func (p *Pool[T]) Get() T {
	p.m.Lock()
	if n := len(p.idle); n > 0 {
		r := p.idle[n-1].item
		p.idle[n-1] = poolItem[T]{}
		p.idle = p.idle[:n-1]
		p.m.Unlock()
		return r
	}
	p.m.Unlock()
	return p.factory()
}

// Put returns an object to the pool for future re-use
func (p *Pool[T]) Put(r T) {
	p.m.Lock()
	p.idle = append(p.idle, poolItem[T]{r, time.Now()})
	p.m.Unlock()
}

func (p *Pool[T]) Close() {
	p.once.Do(func() { close(p.stop) })
}

func (p *Pool[T]) monitor() {
	t := time.NewTicker(p.maxAge)
	defer t.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.evict(time.Now())
		}
	}
}

func (p *Pool[T]) evict(now time.Time) {
	p.m.Lock()
	defer p.m.Unlock()

	x := 0
	for _, i := range p.idle {
		if now.Sub(i.lastUsed) < p.maxAge {
			p.idle[x] = i
			x++
		}
	}
	for j := x; j < len(p.idle); j++ {
		p.idle[j] = poolItem[T]{} // gc
	}
	p.idle = p.idle[:x]
}
