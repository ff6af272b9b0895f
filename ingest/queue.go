package ingest

import (
	"sync"

	"github.com/texie/texie/protocol"
)

// Record is one ingested data point, stamped from the shared Clock.
type Record struct {
	Account     string
	Stream      string
	Value       protocol.Value
	TimestampMs int64
	TimestampS  string
}

// Queue is the bounded multi-producer queue between protocol
// connections and the batcher. Producers never block: when the queue
// is at capacity the oldest entry is discarded to make room. The
// single consumer drains from the front in arrival order.
type Queue struct {
	lock    sync.Mutex
	buf     []Record
	head    int
	size    int
	dropped uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Queue{buf: make([]Record, capacity)}
}

// Push appends a record, evicting the oldest when full.
func (q *Queue) Push(rec Record) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.size == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
	}
	q.buf[(q.head+q.size)%len(q.buf)] = rec
	q.size++
}

// Pop removes and returns the oldest record.
func (q *Queue) Pop() (Record, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.size == 0 {
		return Record{}, false
	}
	rec := q.buf[q.head]
	q.buf[q.head] = Record{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return rec, true
}

func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// Dropped returns how many records were evicted on overflow.
func (q *Queue) Dropped() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.dropped
}
