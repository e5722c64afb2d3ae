package dl

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/prxssh/godc/internal/db"
	"github.com/prxssh/godc/internal/filelist"
	"github.com/prxssh/godc/pkg/tiger"
)

const (
	// DefaultMinBlockSize is the smallest leaf granularity kept when
	// shrinking received TTHL data.
	DefaultMinBlockSize int64 = 1 << 20

	// DefaultMinTTHLSize is the file size below which no TTHL is
	// requested and the root TTH verifies the single block.
	DefaultMinTTHLSize int64 = 2 << 20

	// DefaultReconnectDelay is the backoff before retrying a user that
	// dropped.
	DefaultReconnectDelay = 60 * time.Second

	// selectionDebounce coalesces scheduling passes after state churn.
	selectionDebounce = 500 * time.Millisecond
)

// Session is the per-peer transfer surface the orchestrator drives.
type Session interface {
	// Download asks the session to start fetching the record.
	Download(d *Download)

	// Disconnect terminates the session; force skips the graceful close.
	Disconnect(force bool)
}

// Hubs is the hub-set surface the orchestrator consults.
type Hubs interface {
	// UserOnline reports whether any joined hub currently sees uid.
	UserOnline(uid uint64) bool

	// RequestConnect asks a hub to broker a client-client connection.
	RequestConnect(uid uint64) error
}

// MatchResult reports how match-file affected an existing record.
type MatchResult uint8

const (
	MatchNotInQueue MatchResult = iota
	MatchAlreadyAssociated
	MatchAssociated
)

type Opts struct {
	Log  *slog.Logger
	DB   *db.Service
	Hubs Hubs

	// Slots returns the configured concurrent download count.
	Slots func() int

	// IncomingDir and ListDir are the inc/ and fl/ spool directories;
	// DownloadDir the default destination root.
	IncomingDir string
	ListDir     string
	DownloadDir func() string

	// FlushFileCache hints the OS to drop cached pages of verified
	// blocks.
	FlushFileCache func() bool

	MinBlockSize   int64
	MinTTHLSize    int64
	ReconnectDelay time.Duration

	// OnListComplete receives a finished file-list download.
	OnListComplete func(uid uint64, path string, open, match bool)

	// OnUserState observes per-user state transitions, in causal order.
	OnUserState func(uid uint64, s UserState)
}

// Queue is the process-wide download orchestrator.
type Queue struct {
	log  *slog.Logger
	opts Opts

	mu      sync.Mutex
	records map[tiger.Hash]*Download
	users   map[uint64]*user
	closed  bool

	kick func(func())
}

func NewQueue(opts Opts) *Queue {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.MinBlockSize == 0 {
		opts.MinBlockSize = DefaultMinBlockSize
	}
	if opts.MinTTHLSize == 0 {
		opts.MinTTHLSize = DefaultMinTTHLSize
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Slots == nil {
		opts.Slots = func() int { return 3 }
	}

	return &Queue{
		log:     opts.Log.With("component", "dl"),
		opts:    opts,
		records: make(map[tiger.Hash]*Download),
		users:   make(map[uint64]*user),
		kick:    debounce.New(selectionDebounce),
	}
}

// Close stops scheduling. In-flight receive tasks drain on their own.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, u := range q.users {
		if u.timer != nil {
			u.timer.Stop()
		}
	}
}

// schedule requests a debounced selection pass. Safe to call with q.mu
// held: the pass itself runs later on the debounce goroutine.
func (q *Queue) schedule() {
	q.kick(q.runSelection)
}

// listKey derives the download key of a user's file list.
func listKey(uid uint64) tiger.Hash {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uid)
	return tiger.Sum(b[:])
}

// Get returns the record for a TTH, or nil.
func (q *Queue) Get(tth tiger.Hash) *Download {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.records[tth]
}

// Records returns a snapshot of all records.
func (q *Queue) Records() []*Download {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Download, 0, len(q.records))
	for _, d := range q.records {
		out = append(out, d)
	}
	return out
}

// AddFile enqueues a regular file for uid, persisting immediately. Adding
// an already-queued TTH associates the user instead.
func (q *Queue) AddFile(uid uint64, tth tiger.Hash, size int64, relName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if d, ok := q.records[tth]; ok {
		q.associateLocked(uid, d, true)
		q.schedule()
		return nil
	}

	d := &Download{
		TTH:      tth,
		Size:     size,
		Priority: PrioMed,
		Dest:     filepath.Join(q.opts.DownloadDir(), filepath.FromSlash(relName)),
		Incoming: filepath.Join(q.opts.IncomingDir, tth.String()),
		users:    make(map[uint64]*user),
	}
	if size < q.opts.MinTTHLSize {
		// Small files skip TTHL and verify against the root.
		d.HasTTHL = true
		d.BlockSize = q.opts.MinTTHLSize
	}
	q.records[tth] = d

	q.opts.DB.DLInsert(tth.String(), size, d.Dest, int(d.Priority), uid)
	q.associateLocked(uid, d, false)

	q.log.Info("queued file", "tth", tth.String(), "size", size, "dest", d.Dest)
	q.schedule()
	return nil
}

// AddList enqueues a download of uid's file list, to be opened for
// browsing and/or matched against the queue when it lands.
func (q *Queue) AddList(uid uint64, openAfter, matchAfter bool) error {
	key := listKey(uid)

	q.mu.Lock()
	defer q.mu.Unlock()

	if d, ok := q.records[key]; ok {
		// Refresh the disposition; the list is already on its way.
		d.openAfter = d.openAfter || openAfter
		d.matchAfter = d.matchAfter || matchAfter
		return nil
	}

	d := &Download{
		TTH:        key,
		IsList:     true,
		HasTTHL:    true,
		Priority:   PrioMed,
		Dest:       filepath.Join(q.opts.ListDir, fmt.Sprintf("%016x.xml.bz2", uid)),
		Incoming:   filepath.Join(q.opts.IncomingDir, key.String()),
		users:      make(map[uint64]*user),
		listUID:    uid,
		openAfter:  openAfter,
		matchAfter: matchAfter,
	}
	q.records[key] = d

	q.opts.DB.DLInsert(key.String(), 0, d.Dest, int(d.Priority), uid)
	q.associateLocked(uid, d, false)

	q.log.Info("queued file list", "uid", fmt.Sprintf("%016x", uid))
	q.schedule()
	return nil
}

// AddTree walks a browsed remote subtree and enqueues every file in it,
// mirroring the directory layout below the destination. The exclusion
// pattern applies to descendants only: a root that is itself a file is
// always added.
func (q *Queue) AddTree(uid uint64, root *filelist.Node, exclude *regexp.Regexp) (int, error) {
	if root.IsFile {
		if !root.HasTTH {
			return 0, fmt.Errorf("dl: file %q carries no TTH", root.Name)
		}
		return 1, q.AddFile(uid, root.TTH, int64(root.Size), root.Name)
	}

	added := 0
	var walk func(n *filelist.Node, rel string) error
	walk = func(n *filelist.Node, rel string) error {
		for _, c := range n.Children {
			if exclude != nil && exclude.MatchString(c.Name) {
				continue
			}
			sub := filepath.Join(rel, c.Name)
			if c.IsFile {
				if !c.HasTTH {
					continue
				}
				if err := q.AddFile(uid, c.TTH, int64(c.Size), sub); err != nil {
					return err
				}
				added++
				continue
			}
			if err := walk(c, sub); err != nil {
				return err
			}
		}
		return nil
	}
	err := walk(root, root.Name)
	return added, err
}

// MatchFile associates uid as a source of an already-queued TTH.
func (q *Queue) MatchFile(uid uint64, tth tiger.Hash) MatchResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.records[tth]
	if !ok {
		return MatchNotInQueue
	}
	if _, ok := d.users[uid]; ok {
		return MatchAlreadyAssociated
	}
	q.associateLocked(uid, d, true)
	q.schedule()
	return MatchAssociated
}

// associateLocked links uid into the record and the record into uid's
// sorted queue.
func (q *Queue) associateLocked(uid uint64, d *Download, persist bool) {
	u := q.users[uid]
	if u == nil {
		u = &user{uid: uid, state: StateNotConnected}
		q.users[uid] = u
	}
	if _, ok := d.users[uid]; ok {
		return
	}
	d.users[uid] = u
	u.queue = append(u.queue, &entry{d: d})
	u.resort()
	if persist {
		q.opts.DB.DLAddUser(d.TTH.String(), uid)
	}
}

// SetPriority changes a record's scheduling priority. Setting any real
// priority also clears a sticky global error.
func (q *Queue) SetPriority(d *Download, p Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d.Priority = p
	if p > PrioOff {
		d.Err = ErrNone
		d.ErrMsg = ""
	}
	q.opts.DB.DLSetState(d.TTH.String(), int(d.Priority), int(d.Err), d.ErrMsg)
	q.resortAllLocked(d)
	q.schedule()
}

// SetError applies a sticky global error: the record's priority drops to
// the error sentinel until the user clears it.
func (q *Queue) SetError(d *Download, kind Error, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setErrorLocked(d, kind, msg)
	q.schedule()
}

func (q *Queue) setErrorLocked(d *Download, kind Error, msg string) {
	d.Err = kind
	d.ErrMsg = msg
	d.Priority = PrioErr
	q.opts.DB.DLSetState(d.TTH.String(), int(d.Priority), int(d.Err), d.ErrMsg)
	q.resortAllLocked(d)
	q.log.Warn("download error",
		"tth", d.TTH.String(),
		"error", kind.String(),
		"detail", msg,
	)
}

// SetUserError applies an error to one user's association. A zero TTH
// applies to every entry of that user.
func (q *Queue) SetUserError(uid uint64, tth tiger.Hash, kind Error, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setUserErrorLocked(uid, tth, kind, msg)
	q.schedule()
}

func (q *Queue) setUserErrorLocked(uid uint64, tth tiger.Hash, kind Error, msg string) {
	u := q.users[uid]
	if u == nil {
		return
	}
	var zero tiger.Hash
	for _, e := range u.queue {
		if tth != zero && e.d.TTH != tth {
			continue
		}
		e.err = kind
		e.errMsg = msg
		q.opts.DB.DLSetUserError(e.d.TTH.String(), uid, int(kind), msg)
	}
	u.resort()
}

// RemoveUser drops uid as a source. A zero TTH drops the user from every
// record. A user actively transferring is force-disconnected first.
func (q *Queue) RemoveUser(uid uint64, tth tiger.Hash) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.users[uid]
	if u == nil {
		return
	}
	var zero tiger.Hash

	if u.active != nil && (tth == zero || u.active.d.TTH == tth) {
		if u.session != nil {
			u.session.Disconnect(true)
		}
		q.clearActiveLocked(u)
	}

	kept := u.queue[:0]
	for _, e := range u.queue {
		if tth != zero && e.d.TTH != tth {
			kept = append(kept, e)
			continue
		}
		delete(e.d.users, uid)
		q.opts.DB.DLDelUser(e.d.TTH.String(), uid)
	}
	u.queue = kept

	if len(u.queue) == 0 {
		if u.timer != nil {
			u.timer.Stop()
		}
		delete(q.users, uid)
	}
	q.schedule()
}

// Remove deletes a record outright. If a receive task is still running the
// free is deferred to its completion.
func (q *Queue) Remove(d *Download) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(d)
	q.schedule()
}

func (q *Queue) removeLocked(d *Download) {
	for uid, u := range d.users {
		if u.active != nil && u.active.d == d {
			if u.session != nil {
				u.session.Disconnect(true)
			}
			q.clearActiveLocked(u)
		}
		u.drop(d)
		if len(u.queue) == 0 && u.state != StateActive {
			if u.timer != nil {
				u.timer.Stop()
			}
			delete(q.users, uid)
		}
	}
	d.users = make(map[uint64]*user)

	delete(q.records, d.TTH)
	q.opts.DB.DLDel(d.TTH.String())

	if d.receiving {
		// The receive task frees the record when it drains.
		d.deleted = true
		return
	}
	d.discardIncoming(q.log)
}

// resortAllLocked restores ordering in every queue containing d.
func (q *Queue) resortAllLocked(d *Download) {
	for _, u := range d.users {
		u.resort()
	}
}

// setStateLocked transitions a user, notifying the UI hook in order.
func (q *Queue) setStateLocked(u *user, s UserState) {
	if u.state == s {
		return
	}
	q.log.Debug("user state",
		"uid", fmt.Sprintf("%016x", u.uid),
		"from", u.state.String(),
		"to", s.String(),
	)
	u.state = s
	if q.opts.OnUserState != nil {
		q.opts.OnUserState(u.uid, s)
	}
}

// clearActiveLocked detaches the active entry of a user and its record's
// transfer flag. The active pointer is always cleared before the entry can
// be dropped.
func (q *Queue) clearActiveLocked(u *user) {
	if u.active == nil {
		return
	}
	u.active.d.Active = false
	u.active = nil
}

// waitReconnectLocked parks a user and schedules the retry timer.
func (q *Queue) waitReconnectLocked(u *user) {
	q.setStateLocked(u, StateWaitingReconnect)
	if u.timer != nil {
		u.timer.Stop()
	}
	uid := u.uid
	u.timer = time.AfterFunc(q.opts.ReconnectDelay, func() {
		q.mu.Lock()
		if u2 := q.users[uid]; u2 != nil && u2.state == StateWaitingReconnect {
			q.setStateLocked(u2, StateNotConnected)
		}
		q.mu.Unlock()
		q.schedule()
	})
}

// UserCC is the peer-session report: a non-nil session on handshake
// completion, nil on disconnect.
func (q *Queue) UserCC(uid uint64, s Session) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.users[uid]
	if u == nil {
		return
	}

	if s != nil {
		u.session = s
		q.setStateLocked(u, StateIdle)
		q.schedule()
		return
	}

	u.session = nil
	switch u.state {
	case StateExpecting, StateIdle, StateActive:
		q.clearActiveLocked(u)
		q.waitReconnectLocked(u)
	}
	q.schedule()
}

// ConnectFailed reports a brokered connection that never completed its
// handshake (timeout or lost race).
func (q *Queue) ConnectFailed(uid uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.users[uid]
	if u == nil || u.state != StateExpecting {
		return
	}
	q.waitReconnectLocked(u)
}

// TransferDone is the session's chunk-complete report: the user returns to
// idle and may immediately pick up new work.
func (q *Queue) TransferDone(uid uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.users[uid]
	if u == nil {
		return
	}
	q.clearActiveLocked(u)
	if u.state == StateActive {
		q.setStateLocked(u, StateIdle)
	}
	q.schedule()
}

// runSelection is the scheduling pass: hand every free download slot to the
// best candidate user.
func (q *Queue) runSelection() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	free := q.opts.Slots()
	for _, u := range q.users {
		if u.state == StateActive {
			free--
		}
	}

	for free > 0 {
		best := q.pickCandidateLocked()
		if best == nil {
			return
		}

		if best.state == StateNotConnected {
			q.setStateLocked(best, StateExpecting)
			uid := best.uid
			go func() {
				if err := q.opts.Hubs.RequestConnect(uid); err != nil {
					q.ConnectFailed(uid)
				}
			}()
			continue
		}

		// Idle: claim the record before handing it to the session so
		// no second slot can pick it.
		e := best.best()
		e.d.Active = true
		best.active = e
		q.setStateLocked(best, StateActive)
		free--

		sess, d := best.session, e.d
		go sess.Download(d)
	}
}

// pickCandidateLocked returns the most deserving schedulable user: idle
// users beat not-connected ones, then their best entries compare by the
// queue ordering.
func (q *Queue) pickCandidateLocked() *user {
	var (
		best      *user
		bestEntry *entry
	)
	for _, u := range q.users {
		switch u.state {
		case StateIdle:
			if u.session == nil {
				continue
			}
		case StateNotConnected:
			if !q.opts.Hubs.UserOnline(u.uid) {
				continue
			}
		default:
			continue
		}

		e := u.best()
		if e == nil {
			continue
		}
		if best == nil {
			best, bestEntry = u, e
			continue
		}
		// Prefer an open connection over opening a new one.
		if (u.state == StateIdle) != (best.state == StateIdle) {
			if u.state == StateIdle {
				best, bestEntry = u, e
			}
			continue
		}
		if entryLess(e, bestEntry) {
			best, bestEntry = u, e
		}
	}
	return best
}
