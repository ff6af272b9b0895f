// Package store is the persistence boundary of the central server: a
// point-lookup/bulk-insert document index for ingested records plus
// the account directory used by the auth handshake.
package store

import (
	"errors"

	"github.com/texie/texie/ingest"
	"github.com/texie/texie/protocol"
)

var (
	ErrUnknownAccount = errors.New("account unknown")
	ErrClosed         = errors.New("store is closed")
)

// Store is the narrow surface the protocol core issues against the
// index: the newest record per (account, stream), bulk insertion of
// typed records, and account-secret lookup.
type Store interface {
	// Latest returns the most recent value written to the stream by
	// the account. The second return is false when no data exists yet.
	Latest(account, stream string) (protocol.Value, bool, error)

	// BulkInsert writes a flushed batch. Only Integer and Float
	// records are persisted; the index schema has no home for the
	// other kinds.
	BulkInsert(recs []ingest.Record) error

	// Secret returns the shared secret for an account id, or
	// ErrUnknownAccount.
	Secret(account string) (string, error)

	// PutAccount creates or replaces an account.
	PutAccount(account, secret string) error

	Close() error
}
