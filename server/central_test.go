package server

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/texie/texie/ingest"
	"github.com/texie/texie/protocol"
	"github.com/texie/texie/session"
	"github.com/texie/texie/store"
	"github.com/texie/texie/utils"
)

type stubStore struct {
	values map[string]protocol.Value
}

func (s *stubStore) Latest(account, stream string) (protocol.Value, bool, error) {
	v, ok := s.values[account+"/"+stream]
	return v, ok, nil
}

func (s *stubStore) BulkInsert(recs []ingest.Record) error { return nil }
func (s *stubStore) Secret(account string) (string, error) { return "", nil }
func (s *stubStore) PutAccount(account, secret string) error {
	return nil
}
func (s *stubStore) Close() error { return nil }

func newTestCentral() (*CentralHandler, *ingest.Pipeline, *stubStore) {
	log := utils.NewDefaultLogger(slog.LevelError)
	st := &stubStore{values: make(map[string]protocol.Value)}
	pipe := ingest.NewPipeline(log, ingest.NewClock(), st, ingest.Options{QueueCapacity: 16})
	return NewCentralHandler(pipe, st), pipe, st
}

func TestCentralWriteGoesToPipeline(t *testing.T) {
	h, pipe, _ := newTestCentral()

	err := h.HandleWrite("ground", protocol.WriteRequest{
		Stream: "cabin/temp", Value: protocol.Float(21.5),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pipe.Queue().Len())
}

func TestCentralReadFromStore(t *testing.T) {
	h, _, st := newTestCentral()
	st.values["ground/cabin/temp"] = protocol.Float(21.5)

	v, ok, err := h.HandleRead("ground", "cabin/temp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 21.5, v.Float())

	_, ok, err = h.HandleRead("other", "cabin/temp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCentralClockStreams(t *testing.T) {
	h, _, _ := newTestCentral()
	now := time.Now().Unix()

	v, ok, err := h.HandleRead("anyone", StreamTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, protocol.KindInt, v.Kind())
	assert.InDelta(t, now, v.Int(), 2)

	ft, ok, err := h.HandleRead("anyone", StreamFloatTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, protocol.KindFloat, ft.Kind())
	assert.InDelta(t, float64(now), ft.Float(), 2)

	// finer resolution of the same instant, never behind
	assert.GreaterOrEqual(t, ft.Float(), float64(v.Int()))
}

// The whole hub stack wired together: pebble store, ingestion
// pipeline, auth broker, server and an authenticated session. A write
// travels through the pipeline into the store and comes back on a
// read; the clock streams answer without touching the store.
func TestHubEndToEnd(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)

	st, err := store.OpenPebble(log, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.PutAccount("demo", "demo"))

	pipe := ingest.NewPipeline(log, ingest.NewClock(), st, ingest.Options{
		QueueCapacity: 100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	pipeDone := make(chan struct{})
	go func() { pipe.Run(ctx); close(pipeDone) }()
	t.Cleanup(func() { cancel(); <-pipeDone })

	broker, err := NewAuthBroker(log, st)
	require.NoError(t, err)
	srv := NewServer(log, NewCentralHandler(pipe, st), &WithAuthBroker{Broker: broker})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })
	addr, err := srv.Addr("127.0.0.1:0")
	require.NoError(t, err)

	sess := session.NewSession([]string{addr.String()},
		&session.WithAuth{Account: "demo", Secret: "demo"},
		&session.WithLogger{Log: log})
	require.NoError(t, sess.Run())
	t.Cleanup(sess.Close)
	require.Eventually(t, sess.Connected, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, sess.Write("test/nummer1", protocol.Int(42)))
	require.Eventually(t, func() bool {
		v, ok, err := sess.Read("test/nummer1")
		return err == nil && ok && v.Kind() == protocol.KindInt && v.Int() == 42
	}, 3*time.Second, 20*time.Millisecond)

	ti, ok, err := sess.Read(StreamTime)
	require.NoError(t, err)
	require.True(t, ok)
	ft, ok, err := sess.Read(StreamFloatTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, ft.Float(), float64(ti.Int()))
}
