package client

import "sync"

// Subscription cancels one registered callback. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

// observers is a set of callbacks notified outside of any lock.
type observers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (o *observers[T]) add(fn func(T)) *Subscription {
	o.mu.Lock()
	if o.fns == nil {
		o.fns = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	o.mu.Unlock()

	return &Subscription{cancel: func() { o.remove(id) }}
}

func (o *observers[T]) remove(id int) {
	o.mu.Lock()
	delete(o.fns, id)
	o.mu.Unlock()
}

// take removes and returns every callback, for one-shot notification.
func (o *observers[T]) take() []func(T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]func(T), 0, len(o.fns))
	for id, fn := range o.fns {
		out = append(out, fn)
		delete(o.fns, id)
	}
	return out
}

func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	fns := make([]func(T), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
