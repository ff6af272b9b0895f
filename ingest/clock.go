package ingest

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// Clock is the shared coarse ingestion clock. Records accepted within
// the same refresh window carry identical timestamps; the per-record
// clock read is amortized into one refresh per second.
type Clock struct {
	millis  atomic.Int64
	seconds atomic.Pointer[string]
}

func NewClock() *Clock {
	c := &Clock{}
	c.Refresh()
	return c
}

// Refresh samples the wall clock into the shared snapshot.
func (c *Clock) Refresh() {
	now := time.Now()
	c.millis.Store(now.UnixMilli())
	s := strconv.FormatInt(now.Unix(), 10)
	c.seconds.Store(&s)
}

// Run refreshes the snapshot once a second until the context ends.
func (c *Clock) Run(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Refresh()
		}
	}
}

// Millis returns the coarse timestamp in milliseconds.
func (c *Clock) Millis() int64 {
	return c.millis.Load()
}

// Seconds returns the coarse timestamp as a decimal string of Unix
// seconds.
func (c *Clock) Seconds() string {
	return *c.seconds.Load()
}
