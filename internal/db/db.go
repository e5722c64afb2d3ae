// Package db implements the persistence service: the only component that
// touches the on-disk SQLite store. Every other component submits typed
// requests through a queue owned by a single background goroutine, which
// batches writes into transactions and caches prepared statements.
package db

import (
	"errors"
)

// Flags control how the service schedules a request.
type Flags uint8

const (
	// FlagChainNext forces this query and the next one into the same
	// transaction regardless of batching deadlines.
	FlagChainNext Flags = 1 << iota

	// FlagLastInBatch commits the open transaction right after this
	// query.
	FlagLastInBatch

	// FlagSingle executes the query outside any transaction.
	FlagSingle

	// FlagNoCache bypasses the prepared-statement cache.
	FlagNoCache

	// FlagShutdown terminates the service loop. The request carries no
	// query.
	FlagShutdown
)

// Query is a static SQL template. Templates are compared by pointer
// identity: the statement cache is keyed on *Query, so callers must reuse
// the package-level template variables rather than construct duplicates.
type Query struct {
	SQL string
}

// Request is one unit of work for the service loop. Params may hold nil,
// int32, int64, string or []byte values; anything database/sql accepts
// passes through unchanged.
type Request struct {
	Flags  Flags
	Query  *Query
	Params []any

	// Columns is the number of result columns the caller expects per row.
	// Zero means the query is an exec (INSERT/UPDATE/DELETE/DDL).
	Columns int

	// WantLastID asks for the auto-generated rowid of the last insert,
	// delivered on the final Result.
	WantLastID bool

	// Reply, when non-nil, receives one Result per row followed by a
	// final Result with Done set. It must be buffered generously enough
	// for the expected row count; the service never blocks on it.
	Reply chan Result
}

// Result is one message on a request's reply channel.
type Result struct {
	// Row holds one result row's column values. Unset on the final
	// message.
	Row []any

	// Done marks the sentinel message terminating the stream.
	Done bool

	// Err is the overall status, set only on the final message.
	Err error

	// LastID is the last-insert rowid when requested, on the final
	// message.
	LastID int64
}

var (
	// ErrChainAborted is delivered to requests skipped because an earlier
	// query in their transaction chain failed.
	ErrChainAborted = errors.New("db: transaction chain aborted by earlier failure")

	// ErrShuttingDown is delivered to requests submitted after shutdown.
	ErrShuttingDown = errors.New("db: service is shutting down")

	// ErrSchemaTooOld means the database needs an external upgrade tool.
	ErrSchemaTooOld = errors.New("db: database schema too old, run the upgrade tool")

	// ErrSchemaTooNew means the database was written by a newer client.
	ErrSchemaTooNew = errors.New("db: database schema too new, upgrade the client")
)

// finish sends the sentinel message, never blocking.
func (r *Request) finish(err error, lastID int64) {
	if r.Reply == nil {
		return
	}
	select {
	case r.Reply <- Result{Done: true, Err: err, LastID: lastID}:
	default:
	}
}

// sendRow delivers one row, reporting whether the reply channel had room.
// One slot is always held back so the final sentinel cannot be dropped.
func (r *Request) sendRow(row []any) bool {
	if r.Reply == nil {
		return true
	}
	if cap(r.Reply)-len(r.Reply) <= 1 {
		return false
	}
	r.Reply <- Result{Row: row}
	return true
}
