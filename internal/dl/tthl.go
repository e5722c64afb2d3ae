package dl

import (
	"github.com/prxssh/godc/pkg/tiger"
)

// SetTTHL ingests the tree-hash leaves a session received for a record.
// The leaves must fold to the file's root TTH; a mismatch is a per-user
// BadTTHL error so other sources stay usable. Leaves finer than the
// minimum block size are folded in place before persisting.
func (q *Queue) SetTTHL(uid uint64, tth tiger.Hash, blob []byte) {
	q.mu.Lock()
	d := q.records[tth]
	if d == nil || d.IsList || d.HasTTHL {
		q.mu.Unlock()
		return
	}
	size := d.Size
	q.mu.Unlock()

	leaves, err := tiger.SplitLeaves(blob)
	if err != nil || len(leaves) == 0 {
		q.SetUserError(uid, tth, ErrBadTTHL, "unparseable TTHL data")
		return
	}

	if tiger.Root(leaves) != tth {
		q.SetUserError(uid, tth, ErrBadTTHL, "TTHL does not fold to the file root")
		return
	}

	bs := int64(tiger.BlockSize(uint64(size), len(leaves)))
	for bs < q.opts.MinBlockSize && len(leaves) > 1 {
		leaves = tiger.CombineLeaves(leaves)
		bs = int64(tiger.BlockSize(uint64(size), len(leaves)))
	}

	q.mu.Lock()
	d.leaves = leaves
	d.BlockSize = bs
	d.HasTTHL = true
	q.mu.Unlock()

	q.opts.DB.DLSetTTHL(tth.String(), tiger.JoinLeaves(leaves))
	q.opts.DB.HashDataSet(tth.String(), size, tiger.JoinLeaves(leaves))

	q.log.Debug("tthl stored",
		"tth", tth.String(),
		"leaves", len(leaves),
		"block_size", bs,
	)
}

// SetSize records the transfer length a peer announced for a list
// download, whose size is unknown at queue time.
func (q *Queue) SetSize(d *Download, size int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.IsList {
		d.Size = size
	}
}
