// Package ingest implements the server-side write-behind pipeline: a
// bounded producer queue drained by a single batcher into fixed-size
// batches that are bulk-flushed to the backing store.
//
// Backpressure is strictly non-blocking. Producers drop the oldest
// queued record when the queue saturates; the batcher drops incoming
// records when the batch slots are full and a flush is still in
// flight. Flushes are best-effort: a failed store call drops the batch
// instead of retrying, so a slow or dead store can never grow an
// unbounded backlog.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/texie/texie/protocol"
	"github.com/texie/texie/utils"
)

const (
	DefaultBatchSize     = 1000
	DefaultFlushInterval = 500 * time.Millisecond

	// batcherIdleSleep is the poll interval when the producer queue is
	// empty.
	batcherIdleSleep = 10 * time.Millisecond
)

// Sink receives flushed batches. Implemented by store.Pebble.
type Sink interface {
	BulkInsert(recs []Record) error
}

// Pipeline owns the batch slot array and the background loops that
// fill and flush it.
type Pipeline struct {
	log   utils.Logger
	clock *Clock
	queue *Queue
	sink  Sink

	lock     sync.Mutex
	slots    []Record
	cursor   int
	flushing atomic.Bool

	flushInterval time.Duration
	flushed       atomic.Uint64
	batchDropped  atomic.Uint64
	flushDuration *utils.AvgVal
}

type Options struct {
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
}

func NewPipeline(log utils.Logger, clock *Clock, sink Sink, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	return &Pipeline{
		log:           log,
		clock:         clock,
		sink:          sink,
		queue:         NewQueue(opts.QueueCapacity),
		slots:         make([]Record, opts.BatchSize),
		flushInterval: opts.FlushInterval,
		flushDuration: &utils.AvgVal{},
	}
}

// Clock returns the shared coarse clock the pipeline stamps records
// with.
func (p *Pipeline) Clock() *Clock { return p.clock }

// Queue exposes the producer queue for metrics.
func (p *Pipeline) Queue() *Queue { return p.queue }

// Enqueue stamps a record from the shared clock and queues it. Never
// blocks; on a saturated queue the oldest record is evicted.
func (p *Pipeline) Enqueue(account, stream string, value protocol.Value) {
	p.queue.Push(Record{
		Account:     account,
		Stream:      stream,
		Value:       value,
		TimestampMs: p.clock.Millis(),
		TimestampS:  p.clock.Seconds(),
	})
}

// Run starts the clock refresher, the batcher, and the periodic flush
// loop, and blocks until the context ends. A final flush drains
// whatever the batch holds.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.clock.Run(ctx) }()
	go func() { defer wg.Done(); p.runBatcher(ctx) }()
	go func() { defer wg.Done(); p.runFlushLoop(ctx) }()
	wg.Wait()
	p.Flush()
}

// runBatcher moves records from the producer queue into the batch
// slots. A full slot array triggers an immediate flush; records
// arriving while the array stays full are dropped.
func (p *Pipeline) runBatcher(ctx context.Context) {
	for ctx.Err() == nil {
		rec, ok := p.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(batcherIdleSleep):
			}
			continue
		}

		p.lock.Lock()
		if p.cursor < len(p.slots) {
			p.slots[p.cursor] = rec
			p.cursor++
			full := p.cursor == len(p.slots)
			p.lock.Unlock()
			if full {
				p.Flush()
			}
		} else {
			p.lock.Unlock()
			p.batchDropped.Add(1)
			p.log.Warn("ingest: dropping record, batch full", "stream", rec.Stream)
		}
	}
}

// runFlushLoop flushes on a self-correcting period so partially filled
// batches never wait longer than the interval.
func (p *Pipeline) runFlushLoop(ctx context.Context) {
	for ctx.Err() == nil {
		start := time.Now()
		p.Flush()
		sleep := p.flushInterval - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// Flush bulk-inserts the live slots and resets the cursor. Concurrent
// calls are no-ops while a flush is in flight. The cursor resets even
// when the store call fails: the batch is dropped and logged, not
// retried.
func (p *Pipeline) Flush() {
	if !p.flushing.CompareAndSwap(false, true) {
		return
	}
	defer p.flushing.Store(false)

	p.lock.Lock()
	defer p.lock.Unlock()
	if p.cursor == 0 {
		return
	}

	start := time.Now()
	batch := p.slots[:p.cursor]
	err := p.sink.BulkInsert(batch)
	elapsed := time.Since(start)
	p.flushDuration.Add(elapsed.Seconds())

	if err != nil {
		p.log.Error("ingest: flush failed, dropping batch", "records", p.cursor, "err", err)
	} else {
		p.flushed.Add(uint64(p.cursor))
		p.log.Debug("ingest: flushed", "records", p.cursor, "elapsed", elapsed)
	}
	for i := 0; i < p.cursor; i++ {
		p.slots[i] = Record{}
	}
	p.cursor = 0
}

// Flushed returns the total number of records written to the sink.
func (p *Pipeline) Flushed() uint64 { return p.flushed.Load() }

// BatchDropped returns how many records were dropped at the batch
// stage.
func (p *Pipeline) BatchDropped() uint64 { return p.batchDropped.Load() }

// FlushDuration returns the running mean flush duration in seconds.
func (p *Pipeline) FlushDuration() float64 { return p.flushDuration.Val() }
