// Package dl is the download orchestrator: the queue of wanted files, the
// per-user connection state machine, slot scheduling, TTH-verified block
// receipt and partial-file resumption.
package dl

import (
	"os"
	"strings"
	"time"

	"github.com/prxssh/godc/pkg/tiger"
)

// Priority orders a download within its user queues. The two negative
// sentinels disable scheduling entirely.
type Priority int

const (
	PrioErr Priority = -65
	PrioOff Priority = -64

	PrioVeryLow  Priority = -2
	PrioLow      Priority = -1
	PrioMed      Priority = 0
	PrioHigh     Priority = 1
	PrioVeryHigh Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PrioErr:
		return "error"
	case PrioOff:
		return "off"
	case PrioVeryLow:
		return "verylow"
	case PrioLow:
		return "low"
	case PrioMed:
		return "medium"
	case PrioHigh:
		return "high"
	case PrioVeryHigh:
		return "veryhigh"
	}
	return "unknown"
}

// Error enumerates download failure dispositions, applied globally to a
// record or to one user's association with it.
type Error int

const (
	ErrNone Error = iota
	ErrBadTTHL
	ErrNotAvailable
	ErrIOIncoming
	ErrIODestination
	ErrHashMismatch
)

func (e Error) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrBadTTHL:
		return "TTHL data mismatch"
	case ErrNotAvailable:
		return "file not available"
	case ErrIOIncoming:
		return "error writing incoming file"
	case ErrIODestination:
		return "error moving file to destination"
	case ErrHashMismatch:
		return "hash mismatch"
	}
	return "unknown"
}

// Download is one distinct file being fetched, keyed by TTH (or by
// Tiger(uid) for file-list downloads).
type Download struct {
	TTH    tiger.Hash
	IsList bool

	// HasTTHL is set once leaf hashes are known (or deemed unnecessary
	// for small files).
	HasTTHL bool

	// Active means some peer is currently transferring this record.
	Active bool

	Priority Priority
	Err      Error
	ErrMsg   string

	Size int64

	// Have counts persisted bytes; outside an active receive task it is
	// always a multiple of BlockSize (or equals Size).
	Have int64

	// Dest is the final path; Incoming the spool path named by the
	// base32 of the TTH.
	Dest     string
	Incoming string

	// file is the incoming handle, touched only by the receive task and
	// the finalize path.
	file *os.File

	// BlockSize is the byte span of one stored leaf; set with HasTTHL.
	BlockSize int64

	// leaves is the (possibly shrunk) TTHL; nil for files below the
	// TTHL threshold, which verify against TTH directly.
	leaves []tiger.Hash

	// hash is the running context over the block currently being
	// received.
	hash *tiger.Tree

	// users associates candidate sources.
	users map[uint64]*user

	// deleted defers freeing while a receive task still runs.
	deleted   bool
	receiving bool

	// listUID is the owner of a file-list download, plus its completion
	// disposition.
	listUID   uint64
	openAfter bool
	matchAfter bool
}

// Enabled reports whether the record itself may be scheduled.
func (d *Download) Enabled() bool {
	return d.Priority > PrioOff && d.Err == ErrNone
}

// UserState is the per-user connection state machine.
type UserState uint8

const (
	StateNotConnected UserState = iota
	StateExpecting
	StateIdle
	StateActive
	StateWaitingReconnect
)

func (s UserState) String() string {
	switch s {
	case StateNotConnected:
		return "not-connected"
	case StateExpecting:
		return "expecting"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateWaitingReconnect:
		return "waiting-reconnect"
	}
	return "unknown"
}

// entry is one download in one user's queue, with that user's private error
// disposition.
type entry struct {
	d      *Download
	err    Error
	errMsg string
}

// enabled reports whether this user may be scheduled for this entry.
func (e *entry) enabled() bool {
	return e.d.Enabled() && e.err == ErrNone
}

// user tracks one remote peer across all its queued downloads.
type user struct {
	uid     uint64
	state   UserState
	queue   []*entry // kept sorted by entryLess
	active  *entry   // set iff state == StateActive
	session Session
	timer   *time.Timer // reconnect backoff
}

// entryLess is the stable total order of download entries: enabled before
// disabled, lists before files, higher priority first, ties broken by
// destination path. It never reports two distinct entries equal.
func entryLess(a, b *entry) bool {
	if ae, be := a.enabled(), b.enabled(); ae != be {
		return ae
	}
	if a.d.IsList != b.d.IsList {
		return a.d.IsList
	}
	if a.d.Priority != b.d.Priority {
		return a.d.Priority > b.d.Priority
	}
	return strings.Compare(a.d.Dest, b.d.Dest) < 0
}

// resort restores queue order after an entry's sort key changed. Mutations
// always move-and-resort; nothing reorders in place while iterating.
func (u *user) resort() {
	q := u.queue
	for i := 1; i < len(q); i++ {
		for j := i; j > 0 && entryLess(q[j], q[j-1]); j-- {
			q[j], q[j-1] = q[j-1], q[j]
		}
	}
}

// find locates the entry for a record.
func (u *user) find(d *Download) *entry {
	for _, e := range u.queue {
		if e.d == d {
			return e
		}
	}
	return nil
}

// drop removes the entry for d. The caller must have cleared or
// disconnected the active pointer first.
func (u *user) drop(d *Download) {
	for i, e := range u.queue {
		if e.d == d {
			u.queue = append(u.queue[:i], u.queue[i+1:]...)
			return
		}
	}
}

// best returns the highest-ordered enabled entry whose record is not
// already being transferred by another peer. Inspects at most the queue
// prefix, which is bounded by the slot count in steady state.
func (u *user) best() *entry {
	for _, e := range u.queue {
		if !e.enabled() {
			// Sorted order puts every disabled entry after the
			// enabled ones.
			return nil
		}
		if !e.d.Active {
			return e
		}
	}
	return nil
}
