package motion

import "sync"

// DefaultQueueSize is the number of commands held before the oldest is
// dropped.
const DefaultQueueSize = 100

// Queue is a bounded FIFO of commands. Push never blocks: when the queue
// is full the oldest command is dropped so the newest intent wins.
type Queue struct {
	mu      sync.Mutex
	buf     []Command
	head    int // index of the oldest command
	n       int
	dropped uint64
}

// NewQueue creates a queue holding up to size commands.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{buf: make([]Command, size)}
}

// Push appends a command, evicting the oldest one if the queue is full.
func (q *Queue) Push(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tail := (q.head + q.n) % len(q.buf)
	q.buf[tail] = cmd
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.dropped++
		return
	}
	q.n++
}

// Drain removes and returns every queued command, oldest first.
func (q *Queue) Drain() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return nil
	}
	out := make([]Command, q.n)
	for i := range out {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		q.buf[idx] = nil
	}
	q.head, q.n = 0, 0
	return out
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Dropped returns how many commands were evicted since the queue was
// created.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
