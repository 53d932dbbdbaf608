package local

// This file contains a fixed-capacity FIFO ring used as the buffer of each
// connection. It never grows and never blocks: a push onto a full queue fails
// with transport.ErrQueueFull and the caller decides what to do.
// All access should be through a WorkQueue.

import (
	"sync"
	"time"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/transport"
)

type WorkQueueMetrics struct {
	NumPushes   int
	NumPops     int
	NumRejected int
	NumPurged   int
}

type WorkQueue struct {
	mutex sync.Mutex

	data    []*data.Message
	head    int // oldest element
	count   int
	metrics *WorkQueueMetrics
}

func NewWorkQueue(capacity int) *WorkQueue {
	if capacity <= 0 {
		capacity = transport.DefaultCapacity
	}
	return &WorkQueue{
		data:    make([]*data.Message, capacity),
		metrics: &WorkQueueMetrics{},
	}
}

// Metrics returns the counters accumulated since the previous call and resets
// them.
func (wq *WorkQueue) Metrics() data.MetricCollection {
	wq.mutex.Lock()
	defer wq.mutex.Unlock()

	metrics := map[string]interface{}{
		"num_pushes":   wq.metrics.NumPushes,
		"num_pops":     wq.metrics.NumPops,
		"num_rejected": wq.metrics.NumRejected,
		"num_purged":   wq.metrics.NumPurged,
		"capacity":     len(wq.data),
		"length":       wq.count,
	}
	wq.metrics = &WorkQueueMetrics{}
	return metrics
}

func (wq *WorkQueue) Push(m *data.Message) error {
	wq.mutex.Lock()
	defer wq.mutex.Unlock()

	if wq.count == len(wq.data) {
		wq.metrics.NumRejected += 1
		return transport.ErrQueueFull
	}
	wq.data[(wq.head+wq.count)%len(wq.data)] = m
	wq.count += 1
	wq.metrics.NumPushes += 1
	return nil
}

// Pop returns the oldest message, or nil when the queue is empty.
func (wq *WorkQueue) Pop() *data.Message {
	wq.mutex.Lock()
	defer wq.mutex.Unlock()

	return wq.pop()
}

func (wq *WorkQueue) pop() *data.Message {
	if wq.count == 0 {
		return nil
	}
	m := wq.data[wq.head]
	wq.data[wq.head] = nil
	wq.head = (wq.head + 1) % len(wq.data)
	wq.count -= 1
	wq.metrics.NumPops += 1
	return m
}

// PopAll empties the queue, returning its contents oldest first.
func (wq *WorkQueue) PopAll() []*data.Message {
	wq.mutex.Lock()
	defer wq.mutex.Unlock()

	out := make([]*data.Message, 0, wq.count)
	for wq.count > 0 {
		out = append(out, wq.pop())
	}
	return out
}

// Purge removes every message created before cutoff, keeping the order of
// the rest.
func (wq *WorkQueue) Purge(cutoff time.Time) int {
	wq.mutex.Lock()
	defer wq.mutex.Unlock()

	kept := make([]*data.Message, 0, wq.count)
	for i := 0; i < wq.count; i++ {
		m := wq.data[(wq.head+i)%len(wq.data)]
		if !m.Timestamp.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	removed := wq.count - len(kept)
	for i := range wq.data {
		wq.data[i] = nil
	}
	copy(wq.data, kept)
	wq.head = 0
	wq.count = len(kept)
	wq.metrics.NumPurged += removed
	return removed
}

// Reset drops everything buffered and reports how many messages were lost.
func (wq *WorkQueue) Reset() int {
	wq.mutex.Lock()
	defer wq.mutex.Unlock()

	n := wq.count
	for i := range wq.data {
		wq.data[i] = nil
	}
	wq.head = 0
	wq.count = 0
	return n
}

func (wq *WorkQueue) Len() int {
	wq.mutex.Lock()
	defer wq.mutex.Unlock()

	return wq.count
}

func (wq *WorkQueue) Cap() int {
	return len(wq.data)
}

// Free is the number of slots still available.
func (wq *WorkQueue) Free() int {
	wq.mutex.Lock()
	defer wq.mutex.Unlock()

	return len(wq.data) - wq.count
}
