// Package feed is an in-process broadcaster: one writer, any number of
// readers. Each reader receives every value published after it subscribed,
// in publish order. Publishing never blocks; every subscription buffers
// without bound until its reader catches up or cancels. Closing the feed
// delivers what is buffered and then closes each subscription's channel.
package feed

import (
	"sync"
)

type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

func New[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new reader. Subscribing to a closed feed returns a
// subscription whose channel is already closed.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	s := newSubscription(f)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		s.finish()
	} else {
		f.subs[s] = struct{}{}
	}
	go s.pump()
	return s
}

// Publish hands v to every current subscriber. It reports false once the
// feed is closed.
func (f *Feed[T]) Publish(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	for s := range f.subs {
		s.push(v)
	}
	return true
}

// Close ends the stream for all subscribers. It is idempotent.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for s := range f.subs {
		s.finish()
		delete(f.subs, s)
	}
}

func (f *Feed[T]) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed[T]) remove(s *Subscription[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, s)
}

type Subscription[T any] struct {
	// C yields published values and is closed at end of stream.
	C <-chan T

	feed    *Feed[T]
	out     chan T
	mu      sync.Mutex
	pending []T
	ending  bool
	wake    chan struct{}
	cancel  chan struct{}
	once    sync.Once
}

func newSubscription[T any](f *Feed[T]) *Subscription[T] {
	out := make(chan T)
	return &Subscription[T]{
		C:      out,
		feed:   f,
		out:    out,
		wake:   make(chan struct{}, 1),
		cancel: make(chan struct{}),
	}
}

// Cancel detaches the reader. Buffered values are discarded and C is closed.
func (s *Subscription[T]) Cancel() {
	s.feed.remove(s)
	s.once.Do(func() { close(s.cancel) })
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.pending = append(s.pending, v)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		ending := s.ending
		s.mu.Unlock()

		for _, v := range batch {
			select {
			case s.out <- v:
			case <-s.cancel:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if ending {
			return
		}

		select {
		case <-s.wake:
		case <-s.cancel:
			return
		}
	}
}
