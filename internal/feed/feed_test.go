package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](t *testing.T, s *Subscription[T], n int) []T {
	t.Helper()
	var got []T
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case v, ok := <-s.C:
			if !ok {
				return got
			}
			got = append(got, v)
		case <-timeout:
			t.Fatalf("timed out after %d of %d values", len(got), n)
		}
	}
	return got
}

func TestFeedDeliversInOrder(t *testing.T) {
	f := New[int]()
	s1 := f.Subscribe()
	s2 := f.Subscribe()

	for i := 0; i < 100; i++ {
		require.True(t, f.Publish(i))
	}

	for _, s := range []*Subscription[int]{s1, s2} {
		got := collect(t, s, 100)
		require.Len(t, got, 100)
		for i, v := range got {
			assert.Equal(t, i, v)
		}
	}
}

func TestFeedOnlyValuesAfterSubscribe(t *testing.T) {
	f := New[string]()
	f.Publish("before")
	s := f.Subscribe()
	f.Publish("after")
	f.Close()

	got := collect(t, s, 2)
	assert.Equal(t, []string{"after"}, got)
}

func TestFeedCloseDrainsThenCloses(t *testing.T) {
	f := New[int]()
	s := f.Subscribe()
	for i := 0; i < 10; i++ {
		f.Publish(i)
	}
	f.Close()
	f.Close()

	assert.False(t, f.Publish(99))
	got := collect(t, s, 11)
	assert.Len(t, got, 10)
	assert.True(t, f.Closed())
}

func TestFeedSubscribeAfterClose(t *testing.T) {
	f := New[int]()
	f.Close()
	s := f.Subscribe()
	select {
	case _, ok := <-s.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription to closed feed never closed")
	}
}

func TestFeedCancel(t *testing.T) {
	f := New[int]()
	s := f.Subscribe()
	require.Equal(t, 1, f.Len())
	f.Publish(1)
	s.Cancel()
	s.Cancel()
	assert.Equal(t, 0, f.Len())

	// Publishing after cancel must not block or panic.
	assert.True(t, f.Publish(2))

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-s.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("cancelled subscription never closed")
		}
	}
}

func TestFeedPublishNeverBlocks(t *testing.T) {
	f := New[int]()
	s := f.Subscribe()
	defer s.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			f.Publish(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on an idle reader")
	}
}

func TestFeedConcurrentSubscribers(t *testing.T) {
	f := New[int]()
	var wg sync.WaitGroup
	counts := make([]int, 8)
	for i := range counts {
		s := f.Subscribe()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for range s.C {
				counts[i]++
			}
		}(i)
	}
	for i := 0; i < 500; i++ {
		f.Publish(i)
	}
	f.Close()
	wg.Wait()
	for i, c := range counts {
		assert.Equal(t, 500, c, "subscriber %d", i)
	}
}
