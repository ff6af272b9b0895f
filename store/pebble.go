package store

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/pebble"
	"github.com/texie/texie/ingest"
	"github.com/texie/texie/protocol"
	"github.com/texie/texie/utils"
)

// Pebble implements Store on a pebble database. The keyspace is
// segregated by value kind the way the original index layout was:
// integer and float records live under separate prefixes, accounts
// under a third.
//
// Data key layout:
//
//	kind-prefix account 0x00 stream 0x00 inverted-millis(8, BE)
//
// The timestamp is stored inverted so a forward iterator positioned at
// the (account, stream) prefix yields the newest record first, making
// Latest a single seek.
type Pebble struct {
	log utils.Logger
	db  *pebble.DB
}

const (
	prefixIntData   = 'I'
	prefixFloatData = 'F'
	prefixAccount   = 'A'
)

var writeOptions = pebble.WriteOptions{Sync: false}

func OpenPebble(log utils.Logger, path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Pebble{log: log, db: db}, nil
}

// DB exposes the underlying database for metrics collection.
func (p *Pebble) DB() *pebble.DB { return p.db }

func (p *Pebble) Close() error {
	if p.db == nil {
		return ErrClosed
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func dataPrefix(kind protocol.Kind, account, stream string) []byte {
	key := make([]byte, 0, 1+len(account)+1+len(stream)+1+8)
	switch kind {
	case protocol.KindInt:
		key = append(key, prefixIntData)
	case protocol.KindFloat:
		key = append(key, prefixFloatData)
	}
	key = append(key, account...)
	key = append(key, 0)
	key = append(key, stream...)
	key = append(key, 0)
	return key
}

func dataKey(kind protocol.Kind, account, stream string, millis int64) []byte {
	key := dataPrefix(kind, account, stream)
	return binary.BigEndian.AppendUint64(key, ^uint64(millis))
}

func keyMillis(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return int64(^binary.BigEndian.Uint64(key[len(key)-8:]))
}

func accountKey(account string) []byte {
	return append([]byte{prefixAccount}, account...)
}

// BulkInsert writes the batch in one pebble batch with async WAL.
// Bool and Text records are skipped: the reference index schema only
// covers integer and float data.
func (p *Pebble) BulkInsert(recs []ingest.Record) error {
	if p.db == nil {
		return ErrClosed
	}
	batch := p.db.NewBatch()
	defer batch.Close()

	skipped := 0
	for _, rec := range recs {
		kind := rec.Value.Kind()
		if kind != protocol.KindInt && kind != protocol.KindFloat {
			skipped++
			continue
		}
		key := dataKey(kind, rec.Account, rec.Stream, rec.TimestampMs)
		if err := batch.Set(key, []byte(rec.Value.Literal()), nil); err != nil {
			return err
		}
	}
	if skipped > 0 {
		p.log.Debug("store: skipped records without an index", "count", skipped)
	}
	return batch.Commit(&writeOptions)
}

// Latest seeks both typed keyspaces and returns the newer of the two
// newest entries.
func (p *Pebble) Latest(account, stream string) (protocol.Value, bool, error) {
	if p.db == nil {
		return protocol.Value{}, false, ErrClosed
	}

	var (
		best       protocol.Value
		bestMillis int64 = math.MinInt64
		found      bool
	)
	for _, kind := range []protocol.Kind{protocol.KindInt, protocol.KindFloat} {
		value, millis, ok, err := p.latestOfKind(kind, account, stream)
		if err != nil {
			return protocol.Value{}, false, err
		}
		if ok && millis > bestMillis {
			best, bestMillis, found = value, millis, true
		}
	}
	return best, found, nil
}

func (p *Pebble) latestOfKind(kind protocol.Kind, account, stream string) (protocol.Value, int64, bool, error) {
	prefix := dataPrefix(kind, account, stream)
	upper := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return protocol.Value{}, 0, false, err
	}
	defer it.Close()

	if !it.SeekGE(prefix) {
		return protocol.Value{}, 0, false, nil
	}
	value, err := protocol.ParseValue(kind, string(it.Value()))
	if err != nil {
		return protocol.Value{}, 0, false, err
	}
	return value, keyMillis(it.Key()), true, nil
}

func (p *Pebble) Secret(account string) (string, error) {
	if p.db == nil {
		return "", ErrClosed
	}
	val, closer, err := p.db.Get(accountKey(account))
	if err == pebble.ErrNotFound {
		return "", ErrUnknownAccount
	}
	if err != nil {
		return "", err
	}
	secret := string(val)
	_ = closer.Close()
	return secret, nil
}

func (p *Pebble) PutAccount(account, secret string) error {
	if p.db == nil {
		return ErrClosed
	}
	return p.db.Set(accountKey(account), []byte(secret), &writeOptions)
}
