package tunnel

import "context"

// subscription decouples producers from a slow consumer: deliver never
// blocks on the consumer, and out is closed once ctx ends.
type subscription[T any] struct {
	in   chan T
	out  chan T
	done <-chan struct{}
}

func newSubscription[T any](ctx context.Context) *subscription[T] {
	s := &subscription[T]{
		in:   make(chan T, 16),
		out:  make(chan T),
		done: ctx.Done(),
	}
	go s.pump()
	return s
}

func (s *subscription[T]) pump() {
	defer close(s.out)
	var queue []T
	for {
		var out chan T
		var next T
		if len(queue) > 0 {
			out = s.out
			next = queue[0]
		}
		select {
		case v := <-s.in:
			queue = append(queue, v)
		case out <- next:
			queue = queue[1:]
		case <-s.done:
			return
		}
	}
}

func (s *subscription[T]) deliver(v T) {
	select {
	case s.in <- v:
	case <-s.done:
	}
}
