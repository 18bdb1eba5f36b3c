// Package jobqueue implements the daemon's three-band priority FIFO:
// strict priority across bands, FIFO within a band, with a blocking
// dequeue built on a mutex and condition variable rather than a channel,
// since multiple dequeuers must wake on any band filling.
package jobqueue

import (
	"container/list"
	"sync"

	"github.com/dimesh-project/dim/pkg/dimerr"
	"github.com/dimesh-project/dim/pkg/types"
)

var bandOrder = []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow}

// Item is one enqueued unit of work.
type Item struct {
	JobID string
	Spec  types.JobSpec
}

// Queue is the daemon's single admission point between the RPC layer and
// the dispatcher goroutine (pkg/daemon.Daemon.run).
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	bands   map[types.Priority]*list.List
	maxSize int
	closed  bool
}

func New(maxSize int) *Queue {
	q := &Queue{
		bands:   make(map[types.Priority]*list.List),
		maxSize: maxSize,
	}
	for _, b := range bandOrder {
		q.bands[b] = list.New()
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item to its priority band, rejecting with QUEUE_FULL
// once the queue's total size reaches maxSize.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size() >= q.maxSize {
		return dimerr.New(dimerr.QueueFull, "job queue is at capacity")
	}

	band, ok := q.bands[item.Spec.Priority]
	if !ok {
		band = q.bands[types.PriorityNormal]
	}
	band.PushBack(item)
	q.cond.Signal()
	return nil
}

// Dequeue blocks until an item is available (or Close is called), then
// returns the highest-priority, oldest-enqueued item across all bands.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed && q.size() == 0 {
		return Item{}, false
	}

	for _, b := range bandOrder {
		band := q.bands[b]
		if band.Len() > 0 {
			front := band.Front()
			band.Remove(front)
			return front.Value.(Item), true
		}
	}
	return Item{}, false // unreachable given the size check above
}

// Close unblocks every waiting Dequeue call with ok=false.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *Queue) size() int {
	total := 0
	for _, b := range q.bands {
		total += b.Len()
	}
	return total
}

// Stats reports per-band and total depth for the daemon's /health and
// /stats responses.
type Stats struct {
	High    int `json:"high"`
	Normal  int `json:"normal"`
	Low     int `json:"low"`
	Total   int `json:"total"`
	MaxSize int `json:"max_size"`
}

func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		High:    q.bands[types.PriorityHigh].Len(),
		Normal:  q.bands[types.PriorityNormal].Len(),
		Low:     q.bands[types.PriorityLow].Len(),
		Total:   q.size(),
		MaxSize: q.maxSize,
	}
}
