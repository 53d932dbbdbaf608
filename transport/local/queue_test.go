package local

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/transport"
)

func Test_QueuePush(t *testing.T) {
	wq := NewWorkQueue(4)
	err := wq.Push(&data.Message{})
	if err != nil {
		t.Errorf("Error pushing data: %s\n", err.Error())
	}
	if wq.Len() != 1 {
		t.Errorf("Unexpected length: %d != 1", wq.Len())
	}
	if wq.Free() != 3 {
		t.Errorf("Unexpected free slots: %d != 3", wq.Free())
	}

	metrics := wq.Metrics()
	if v, ok := metrics["num_pushes"]; !ok || v != 1 {
		t.Errorf("Unexpected push count: %v != 1", v)
	}
}

func Test_QueuePopEmpty(t *testing.T) {
	wq := NewWorkQueue(4)
	if item := wq.Pop(); item != nil {
		t.Errorf("Unexpected non-nil item.")
	}

	metrics := wq.Metrics()
	if v, ok := metrics["num_pops"]; !ok || v != 0 {
		t.Errorf("Unexpected pop count: %v != 0", v)
	}
}

func Test_QueueFull(t *testing.T) {
	wq := NewWorkQueue(2)
	for i := 0; i < 2; i++ {
		if err := wq.Push(&data.Message{}); err != nil {
			t.Fatalf("Unexpected error: %s", err.Error())
		}
	}
	err := wq.Push(&data.Message{})
	if !errors.Is(err, transport.ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if k := transport.KindOf(err); k != transport.KindQuota {
		t.Errorf("Unexpected kind: %s != %s", k, transport.KindQuota)
	}
	metrics := wq.Metrics()
	if v := metrics["num_rejected"]; v != 1 {
		t.Errorf("Unexpected reject count: %v != 1", v)
	}
}

// The ring must keep FIFO order across wrap-around.
func Test_QueueOrder(t *testing.T) {
	wq := NewWorkQueue(3)
	ids := []string{"a", "b", "c", "d", "e", "f", "g"}
	var got []string
	for _, id := range ids {
		if err := wq.Push(&data.Message{ID: id}); err != nil {
			t.Fatalf("Unexpected error: %s", err.Error())
		}
		if wq.Len() == 2 {
			got = append(got, wq.Pop().ID)
		}
	}
	for _, m := range wq.PopAll() {
		got = append(got, m.ID)
	}
	if len(got) != len(ids) {
		t.Fatalf("Unexpected count: %d != %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("Unexpected order at %d: %s != %s", i, got[i], ids[i])
		}
	}
}

func Test_QueuePurge(t *testing.T) {
	wq := NewWorkQueue(5)
	now := time.Now()
	ages := []time.Duration{10 * time.Second, time.Second, 20 * time.Second, 0}
	for i, age := range ages {
		wq.Push(&data.Message{ID: string(rune('a' + i)), Timestamp: now.Add(-age)})
	}

	removed := wq.Purge(now.Add(-5 * time.Second))
	if removed != 2 {
		t.Errorf("Unexpected purge count: %d != 2", removed)
	}
	rest := wq.PopAll()
	if len(rest) != 2 || rest[0].ID != "b" || rest[1].ID != "d" {
		t.Errorf("Unexpected survivors: %+v", rest)
	}
}

func Test_QueueReset(t *testing.T) {
	wq := NewWorkQueue(3)
	wq.Push(&data.Message{})
	wq.Push(&data.Message{})
	if n := wq.Reset(); n != 2 {
		t.Errorf("Unexpected reset count: %d != 2", n)
	}
	if wq.Len() != 0 || wq.Free() != 3 {
		t.Errorf("Queue not empty after reset: len=%d free=%d", wq.Len(), wq.Free())
	}
}

// Basic benchmark to test throughput of the queue with 1 reader and 1 writer.
func Benchmark_Throughput(b *testing.B) {
	wq := NewWorkQueue(1024)
	m := &data.Message{}
	var wg sync.WaitGroup
	done := make(chan struct{})

	count := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if item := wq.Pop(); item != nil {
				count = count + 1
				continue
			}
			select {
			case <-done:
				count += len(wq.PopAll())
				return
			default:
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for wq.Push(m) != nil {
		}
	}
	close(done)
	wg.Wait()
	if count != b.N {
		b.Errorf("Popped count does not equal sent count: %d != %d", count, b.N)
	}
}
