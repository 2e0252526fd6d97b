package mesh

import (
	"sync"

	"github.com/agentmesh/agentmesh/store"
)

// DefaultDLQSize bounds each per-target dead letter queue.
const DefaultDLQSize = 1000

// deadLetter is one failed delivery awaiting retry.
type deadLetter struct {
	Event  *store.Event
	Target string
	Reason string
}

// dlq is a bounded per-target dead letter queue. When a queue is full the
// oldest entry is evicted and counted as dropped.
type dlq struct {
	mu      sync.Mutex
	maxSize int
	queues  map[string][]deadLetter
	dropped map[string]int64
}

func newDLQ(maxSize int) *dlq {
	if maxSize <= 0 {
		maxSize = DefaultDLQSize
	}
	return &dlq{
		maxSize: maxSize,
		queues:  make(map[string][]deadLetter),
		dropped: make(map[string]int64),
	}
}

// enqueue appends a failed delivery, evicting the oldest when full.
func (d *dlq) enqueue(letter deadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	queue := d.queues[letter.Target]
	if len(queue) >= d.maxSize {
		queue = queue[1:]
		d.dropped[letter.Target]++
	}
	d.queues[letter.Target] = append(queue, letter)
}

// drain removes and returns every queued letter for all targets.
func (d *dlq) drain() map[string][]deadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.queues
	d.queues = make(map[string][]deadLetter)
	return out
}

// sizes returns the current depth of each queue.
func (d *dlq) sizes() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.queues))
	for target, queue := range d.queues {
		out[target] = len(queue)
	}
	return out
}

// droppedCounts returns how many letters each queue has evicted.
func (d *dlq) droppedCounts() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64, len(d.dropped))
	for target, n := range d.dropped {
		out[target] = n
	}
	return out
}
