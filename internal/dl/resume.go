package dl

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/prxssh/godc/pkg/tiger"
)

// Load restores the queue from the persistence layer: one record per dl
// row, user associations from dl_users, and the resume point of each
// partially received spool file. Call once at startup, before any session
// reports in.
func (q *Queue) Load() error {
	rows, err := q.opts.DB.DLList()
	if err != nil {
		return err
	}
	userRows, err := q.opts.DB.DLUserList()
	if err != nil {
		return err
	}

	q.mu.Lock()
	for _, row := range rows {
		tth, err := tiger.FromBase32(row.TTH)
		if err != nil {
			q.log.Warn("dropping queue row with bad key", "tth", row.TTH)
			continue
		}

		d := &Download{
			TTH:      tth,
			IsList:   strings.HasSuffix(row.Dest, ".xml.bz2") && filepath.Dir(row.Dest) == filepath.Clean(q.opts.ListDir),
			Size:     row.Size,
			Priority: Priority(row.Priority),
			Err:      Error(row.Error),
			ErrMsg:   row.ErrorMsg,
			Dest:     row.Dest,
			Incoming: filepath.Join(q.opts.IncomingDir, row.TTH),
			users:    make(map[uint64]*user),
		}
		if len(row.TTHL) > 0 {
			if leaves, err := tiger.SplitLeaves(row.TTHL); err == nil {
				d.leaves = leaves
				d.BlockSize = int64(tiger.BlockSize(uint64(d.Size), len(leaves)))
				d.HasTTHL = true
			}
		} else if !d.IsList && d.Size < q.opts.MinTTHLSize {
			d.HasTTHL = true
			d.BlockSize = q.opts.MinTTHLSize
		}
		if d.IsList {
			d.HasTTHL = true
			// A restarted list fetch starts over.
			d.Size = 0
		}
		q.records[tth] = d
	}

	for _, row := range userRows {
		tth, err := tiger.FromBase32(row.TTH)
		if err != nil {
			continue
		}
		d := q.records[tth]
		if d == nil {
			continue
		}
		q.associateLocked(row.UID, d, false)
		if row.Error != 0 {
			if u := q.users[row.UID]; u != nil {
				if e := u.find(d); e != nil {
					e.err = Error(row.Error)
					e.errMsg = row.ErrorMsg
					u.resort()
				}
			}
		}
	}
	records := make([]*Download, 0, len(q.records))
	for _, d := range q.records {
		records = append(records, d)
	}
	q.mu.Unlock()

	for _, d := range records {
		q.resumeIncoming(d)
	}

	q.cleanSpool()
	q.log.Info("queue loaded", "records", len(records))
	q.schedule()
	return nil
}

// resumeIncoming inspects a record's spool file, truncates it to the last
// whole block and verifies that block so the next receive continues from
// trusted data.
func (q *Queue) resumeIncoming(d *Download) {
	fi, err := os.Stat(d.Incoming)
	if err != nil {
		return
	}
	size := fi.Size()
	if size == 0 || d.IsList {
		return
	}

	have := size
	if d.BlockSize > 0 {
		have = (size / d.BlockSize) * d.BlockSize
	}
	if have > d.Size {
		have = d.Size
	}

	if have != size {
		if err := os.Truncate(d.Incoming, have); err != nil {
			q.SetError(d, ErrIOIncoming, err.Error())
			return
		}
	}

	// Re-verify the final whole block: resumed data must agree with the
	// stored leaves before more bytes pile on top of it.
	if have > 0 && d.HasTTHL {
		blockStart := have - d.BlockSize
		if blockStart < 0 {
			blockStart = 0
		}
		ok, err := q.verifyStoredBlock(d, blockStart, have)
		if err != nil {
			q.SetError(d, ErrIOIncoming, err.Error())
			return
		}
		if !ok {
			have = blockStart
			if err := os.Truncate(d.Incoming, have); err != nil {
				q.SetError(d, ErrIOIncoming, err.Error())
				return
			}
			q.SetError(d, ErrHashMismatch, "resumed data failed verification")
		}
	}

	q.mu.Lock()
	d.Have = have
	q.mu.Unlock()
}

// verifyStoredBlock rehashes [start, end) of the spool file against the
// expected leaf.
func (q *Queue) verifyStoredBlock(d *Download, start, end int64) (bool, error) {
	f, err := os.Open(d.Incoming)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return false, err
	}
	t := tiger.NewTree()
	if _, err := io.CopyN(t, f, end-start); err != nil {
		return false, err
	}
	return t.Sum() == d.wantLeaf(start), nil
}

// cleanSpool removes incoming files no queued record references.
func (q *Queue) cleanSpool() {
	entries, err := os.ReadDir(q.opts.IncomingDir)
	if err != nil {
		return
	}

	q.mu.Lock()
	keep := make(map[string]struct{}, len(q.records))
	for _, d := range q.records {
		keep[filepath.Base(d.Incoming)] = struct{}{}
	}
	q.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := keep[e.Name()]; ok {
			continue
		}
		path := filepath.Join(q.opts.IncomingDir, e.Name())
		if err := os.Remove(path); err != nil {
			q.log.Warn("orphan spool removal failed", "path", path, "error", err)
		} else {
			q.log.Debug("removed orphan spool file", "path", path)
		}
	}
}
