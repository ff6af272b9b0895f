package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/texie/texie/protocol"
	"github.com/texie/texie/utils"
)

type captureSink struct {
	lock    sync.Mutex
	batches [][]Record
	fail    bool
}

func (s *captureSink) BulkInsert(recs []Record) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	batch := make([]Record, len(recs))
	copy(batch, recs)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) total() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func testLogger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func testPipeline(sink Sink, opts Options) *Pipeline {
	return NewPipeline(testLogger(), NewClock(), sink, opts)
}

func fill(p *Pipeline, n int) {
	for i := 0; i < n; i++ {
		p.Enqueue("demo", "test/nummer1", protocol.Int(int64(i)))
	}
	for i := 0; i < n; i++ {
		rec, ok := p.queue.Pop()
		if !ok {
			break
		}
		p.slots[p.cursor] = rec
		p.cursor++
	}
}

func TestFlushPartialBatch(t *testing.T) {
	sink := &captureSink{}
	p := testPipeline(sink, Options{BatchSize: 1000})
	fill(p, 3)

	p.Flush()

	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 3)
	assert.Equal(t, 0, p.cursor)
	assert.Equal(t, uint64(3), p.Flushed())
}

func TestFlushResetsCursorOnStoreFailure(t *testing.T) {
	sink := &captureSink{fail: true}
	p := testPipeline(sink, Options{BatchSize: 10})
	fill(p, 4)

	p.Flush()

	assert.Equal(t, 0, p.cursor)
	assert.Equal(t, uint64(0), p.Flushed())
}

func TestFlushEmptyBatchIsNoop(t *testing.T) {
	sink := &captureSink{}
	p := testPipeline(sink, Options{BatchSize: 10})
	p.Flush()
	assert.Empty(t, sink.batches)
}

func TestRecordsShareCoarseTimestamp(t *testing.T) {
	sink := &captureSink{}
	p := testPipeline(sink, Options{BatchSize: 10})

	p.Enqueue("demo", "a", protocol.Int(1))
	p.Enqueue("demo", "b", protocol.Int(2))

	r1, _ := p.queue.Pop()
	r2, _ := p.queue.Pop()
	assert.Equal(t, r1.TimestampMs, r2.TimestampMs)
	assert.Equal(t, r1.TimestampS, r2.TimestampS)
	assert.NotEmpty(t, r1.TimestampS)
}

func TestBatcherFlushesOnFullBatch(t *testing.T) {
	sink := &captureSink{}
	p := testPipeline(sink, Options{QueueCapacity: 100, BatchSize: 5, FlushInterval: time.Hour})

	for i := 0; i < 5; i++ {
		p.Enqueue("demo", "s", protocol.Int(int64(i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.runBatcher(ctx); close(done) }()

	assert.Eventually(t, func() bool { return sink.total() == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestOverflowThenFlushRetainsAtMostCapacity(t *testing.T) {
	sink := &captureSink{}
	p := testPipeline(sink, Options{QueueCapacity: 1000, BatchSize: 1000})

	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 750; i++ {
				p.Enqueue("demo", "s", protocol.Int(int64(i)))
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, p.queue.Len(), 1000)

	for {
		rec, ok := p.queue.Pop()
		if !ok {
			break
		}
		p.slots[p.cursor] = rec
		p.cursor++
	}
	p.Flush()
	assert.LessOrEqual(t, sink.total(), 1000)
}
