package roomstore

import "sync"

// Feed decodes the snapshots of a subscription into domain values.
type Feed[T any] struct {
	sub  *Subscription
	out  chan T
	done chan struct{}
	once sync.Once
}

// NewFeed forwards decode(snapshot) for every snapshot where decode
// reports ok. The feed channel closes when the subscription ends.
func NewFeed[T any](sub *Subscription, decode func(Snapshot) (T, bool)) *Feed[T] {
	f := &Feed[T]{
		sub:  sub,
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go func() {
		defer close(f.out)
		for snap := range sub.Events() {
			v, ok := decode(snap)
			if !ok {
				continue
			}
			select {
			case f.out <- v:
			case <-f.done:
				return
			}
		}
	}()
	return f
}

func (f *Feed[T]) C() <-chan T {
	return f.out
}

func (f *Feed[T]) Cancel() {
	f.once.Do(func() {
		close(f.done)
		f.sub.Cancel()
	})
}
