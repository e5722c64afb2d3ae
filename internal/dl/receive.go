package dl

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prxssh/godc/internal/metrics"
	"github.com/prxssh/godc/pkg/tiger"
)

var (
	errStopReceive = errors.New("dl: receive stopped")

	// ErrNotDownloading guards receive calls against records with no
	// running task.
	ErrNotDownloading = errors.New("dl: no receive task for record")
)

// ReceiveContext is the per-transfer state of one background receive task.
// It alone touches the record's incoming file while it lives; pending error
// dispositions are applied at task end, never mid-stream.
type ReceiveContext struct {
	q   *Queue
	d   *Download
	uid uint64

	pendingErr     Error
	pendingUserErr Error
	pendingMsg     string

	// flushedTo tracks the offset below which verified bytes were
	// already hinted out of the page cache.
	flushedTo int64
	flush     bool
}

// StartReceive opens the incoming file and hands the session a receive
// context for the transfer it is about to run.
func (q *Queue) StartReceive(uid uint64, d *Download) (*ReceiveContext, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if d.deleted {
		return nil, ErrNotDownloading
	}
	if !d.IsList && !d.HasTTHL {
		return nil, fmt.Errorf("dl: record has no block hashes yet")
	}

	if d.file == nil {
		if err := os.MkdirAll(filepath.Dir(d.Incoming), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(d.Incoming, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		d.file = f
	}
	if d.hash == nil && !d.IsList {
		d.hash = tiger.NewTree()
	}
	d.receiving = true

	flush := false
	if q.opts.FlushFileCache != nil {
		flush = q.opts.FlushFileCache()
	}
	return &ReceiveContext{q: q, d: d, uid: uid, flushedTo: d.Have, flush: flush}, nil
}

// blockEnd returns the verification boundary that applies at offset.
func (d *Download) blockEnd(offset int64) int64 {
	end := (offset/d.BlockSize + 1) * d.BlockSize
	if end > d.Size {
		end = d.Size
	}
	return end
}

// wantLeaf returns the expected digest for the block containing offset.
// Files below the TTHL threshold verify against the root itself.
func (d *Download) wantLeaf(offset int64) tiger.Hash {
	if len(d.leaves) == 0 {
		return d.TTH
	}
	idx := offset / d.BlockSize
	if idx >= int64(len(d.leaves)) {
		idx = int64(len(d.leaves)) - 1
	}
	return d.leaves[idx]
}

// Write ingests one received chunk: append to the incoming file at the
// current position, advance the running block hash, and verify at each
// block boundary. A verification failure rewinds to the block start,
// truncates the spool file and stops the transfer.
func (rc *ReceiveContext) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		rc.q.mu.Lock()
		have := rc.d.Have
		rc.q.mu.Unlock()

		n := int64(len(p))
		boundary := int64(0)
		if !rc.d.IsList {
			boundary = rc.d.blockEnd(have)
			if have+n > boundary {
				n = boundary - have
			}
		}

		if _, err := rc.d.file.WriteAt(p[:n], have); err != nil {
			rc.pendingErr = ErrIOIncoming
			rc.pendingMsg = err.Error()
			return written, errStopReceive
		}
		if rc.d.hash != nil {
			rc.d.hash.Write(p[:n])
		}

		rc.q.mu.Lock()
		rc.d.Have = have + n
		have = rc.d.Have
		rc.q.mu.Unlock()

		written += int(n)
		p = p[n:]

		if rc.d.IsList {
			continue
		}

		if have == boundary || have == rc.d.Size {
			if err := rc.verifyBlock(have); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// verifyBlock finalizes the running hash at a boundary and compares it to
// the expected leaf (or root).
func (rc *ReceiveContext) verifyBlock(have int64) error {
	blockStart := ((have - 1) / rc.d.BlockSize) * rc.d.BlockSize
	got := rc.d.hash.Sum()
	want := rc.d.wantLeaf(blockStart)

	if got != want {
		metrics.HashMismatches.Inc()
		rc.pendingUserErr = ErrHashMismatch
		rc.pendingMsg = fmt.Sprintf("block %d failed verification", blockStart/rc.d.BlockSize)

		rc.q.mu.Lock()
		rc.d.Have = blockStart
		rc.q.mu.Unlock()

		if err := rc.d.file.Truncate(blockStart); err != nil {
			rc.pendingErr = ErrIOIncoming
			rc.pendingMsg = err.Error()
		}
		rc.d.hash.Reset()
		return errStopReceive
	}

	rc.d.hash.Reset()

	if rc.flush {
		fadvise(rc.d.file, rc.flushedTo, have-rc.flushedTo)
		rc.flushedTo = have
	}
	return nil
}

// Finish ends the receive task: deferred deletion happens here, pending
// errors apply here, and a byte-complete record finalizes.
func (rc *ReceiveContext) Finish() {
	q, d := rc.q, rc.d

	q.mu.Lock()
	d.receiving = false

	if d.deleted {
		d.discardIncoming(q.log)
		q.mu.Unlock()
		return
	}

	if rc.pendingErr != ErrNone {
		q.setErrorLocked(d, rc.pendingErr, rc.pendingMsg)
		q.mu.Unlock()
		q.schedule()
		return
	}
	if rc.pendingUserErr != ErrNone {
		q.setUserErrorLocked(rc.uid, d.TTH, rc.pendingUserErr, rc.pendingMsg)
		q.mu.Unlock()
		q.schedule()
		return
	}

	// A list's size stays zero until the peer announces it; such a
	// record never auto-completes.
	complete := d.Have == d.Size && (!d.IsList || d.Size > 0)
	q.mu.Unlock()

	if complete {
		q.finalize(d)
	}
	q.schedule()
}

// ListFinished is called by the session when the peer signals the end of a
// list transfer, whose size is not known up front.
func (q *Queue) ListFinished(d *Download) {
	if d.IsList {
		q.finalize(d)
	}
}

// discardIncoming closes and removes the spool file. Callers hold q.mu or
// own the record exclusively.
func (d *Download) discardIncoming(log *slog.Logger) {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	if d.Incoming != "" {
		if err := os.Remove(d.Incoming); err != nil && !os.IsNotExist(err) {
			log.Warn("spool file removal failed", "path", d.Incoming, "error", err)
		}
	}
}

// finalize moves a fully received record into place and retires it.
func (q *Queue) finalize(d *Download) {
	q.mu.Lock()
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	dest := d.Dest
	isList := d.IsList
	q.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		q.SetError(d, ErrIODestination, err.Error())
		return
	}

	if !isList {
		dest = collisionFree(dest)
	}

	if err := moveFile(d.Incoming, dest); err != nil {
		// The record stays queued; the user may retry after fixing
		// the destination.
		q.SetError(d, ErrIODestination, err.Error())
		return
	}

	q.log.Info("download finished", "dest", dest)
	metrics.DownloadsFinished.Inc()

	q.mu.Lock()
	uid, open, match := d.listUID, d.openAfter, d.matchAfter
	q.removeLocked(d)
	q.mu.Unlock()

	if isList && q.opts.OnListComplete != nil {
		q.opts.OnListComplete(uid, dest, open, match)
	}
	q.schedule()
}

// collisionFree appends .N until the path is unused.
func collisionFree(dest string) string {
	if _, err := os.Lstat(dest); os.IsNotExist(err) {
		return dest
	}
	for n := 1; ; n++ {
		cand := fmt.Sprintf("%s.%d", dest, n)
		if _, err := os.Lstat(cand); os.IsNotExist(err) {
			return cand
		}
	}
}

// moveFile renames, degrading to copy+remove across filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
