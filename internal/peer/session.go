package peer

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/prxssh/godc/internal/conn"
	"github.com/prxssh/godc/internal/dl"
)

// fetchKind is what a session is currently pulling from the peer.
type fetchKind uint8

const (
	fetchNone fetchKind = iota
	fetchTTHL
	fetchData
	fetchList
)

// Session is one established client-client link. It implements dl.Session:
// the orchestrator assigns downloads with Download and tears the link down
// with Disconnect; the session reports back through UserCC, SetTTHL and the
// receive context.
type Session struct {
	log     *slog.Logger
	c       *conn.Conn
	q       *dl.Queue
	slots   *Slots
	uploads UploadProvider
	uid     uint64

	mu       sync.Mutex
	shook    bool
	fetching fetchKind
	cur      *dl.Download
	rc       *dl.ReceiveContext
	tthlBuf  []byte
	tthlWant int64

	upMini    bool
	uploading bool

	closeOnce sync.Once
}

// UploadProvider maps a requested identifier to a local shared file.
type UploadProvider interface {
	ResolveUpload(kind, ident string) (path string, size int64, err error)
}

type Opts struct {
	Log   *slog.Logger
	Queue *dl.Queue
	Slots *Slots

	// Uploads serves the peer's requests from our share; nil refuses
	// every request.
	Uploads UploadProvider

	// UID is the peer's identity, established by the hub that brokered
	// this connection.
	UID uint64
}

// Attach wraps an established connection in a session. The caller wires
// opts into the conn.Callbacks before connecting; see Engine.
func Attach(c *conn.Conn, opts *Opts) *Session {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:     log.With("component", "cc", "uid", fmt.Sprintf("%016x", opts.UID)),
		c:       c,
		q:       opts.Queue,
		slots:   opts.Slots,
		uploads: opts.Uploads,
		uid:     opts.UID,
	}
}

// Handshake sends our side of the CSUP/CINF exchange.
func (s *Session) Handshake(cid string) {
	s.c.Send([]byte("CSUP ADBASE ADTIGR"))
	s.c.Send([]byte("CINF ID" + cid))
}

// OnMessage is the connection's framed-message callback.
func (s *Session) OnMessage(msg []byte) {
	if len(msg) == 0 {
		// keepalive
		return
	}

	fields := strings.Fields(string(bytes.TrimSpace(msg)))
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "CSUP":
		// Capability list; TIGR is assumed, anything else ignored.
	case "CINF":
		s.onInfo()
	case "CSND":
		s.onSend(fields[1:])
	case "CGET":
		s.onGet(fields[1:])
	case "CSTA":
		s.onStatus(fields[1:])
	default:
		s.log.Debug("unhandled message", "cmd", fields[0])
	}
}

// onInfo completes the handshake: the orchestrator now owns scheduling on
// this link.
func (s *Session) onInfo() {
	s.mu.Lock()
	already := s.shook
	s.shook = true
	s.mu.Unlock()

	if !already {
		s.q.UserCC(s.uid, s)
	}
}

// Download is the orchestrator's assignment. Runs off the orchestrator
// goroutine; everything here only enqueues protocol messages.
func (s *Session) Download(d *dl.Download) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur = d
	switch {
	case d.IsList:
		s.fetching = fetchList
		s.c.Send([]byte("CGET list / 0 -1"))
	case !d.HasTTHL:
		s.fetching = fetchTTHL
		s.c.Send([]byte(fmt.Sprintf("CGET tthl TTH/%s 0 -1", d.TTH)))
	default:
		s.fetching = fetchData
		s.c.Send([]byte(fmt.Sprintf("CGET file TTH/%s %d %d", d.TTH, d.Have, d.Size-d.Have)))
	}
}

// Disconnect implements dl.Session. The connection has no graceful close, so
// forced and unforced disconnects both close it at once.
func (s *Session) Disconnect(force bool) {
	_ = force
	s.Close(nil)
}

// Close tears the session down exactly once and reports the disconnect.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.log.Debug("session closed", "error", err)
		}

		s.mu.Lock()
		rc := s.rc
		s.rc = nil
		s.fetching = fetchNone
		uploading, mini := s.uploading, s.upMini
		s.uploading = false
		s.mu.Unlock()

		if rc != nil {
			rc.Finish()
		}
		if uploading {
			s.slots.Release(mini)
		}

		s.c.Close()
		s.q.UserCC(s.uid, nil)
	})
}

// OnError is the connection's error callback.
func (s *Session) OnError(kind conn.ErrorKind, err error) {
	s.Close(fmt.Errorf("%s: %w", kind.String(), err))
}

// onSend handles the peer's transfer announcement and flips the connection
// into raw receive for the payload.
func (s *Session) onSend(args []string) {
	// CSND <type> <ident> <start> <length>
	if len(args) < 4 {
		s.Close(fmt.Errorf("peer: malformed CSND"))
		return
	}
	length, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil || length < 0 {
		s.Close(fmt.Errorf("peer: bad CSND length %q", args[3]))
		return
	}

	s.mu.Lock()
	kind := s.fetching
	d := s.cur
	s.mu.Unlock()

	if d == nil {
		s.Close(fmt.Errorf("peer: unsolicited CSND"))
		return
	}

	switch kind {
	case fetchTTHL:
		s.mu.Lock()
		s.tthlBuf = make([]byte, 0, length)
		s.tthlWant = length
		s.mu.Unlock()
		s.c.ReceiveRaw(length, s.onTTHLData)

	case fetchList:
		s.q.SetSize(d, length)
		s.startReceive(d, length)

	case fetchData:
		s.startReceive(d, length)

	default:
		s.Close(fmt.Errorf("peer: CSND with nothing requested"))
	}
}

func (s *Session) startReceive(d *dl.Download, length int64) {
	rc, err := s.q.StartReceive(s.uid, d)
	if err != nil {
		s.Close(err)
		return
	}

	s.mu.Lock()
	s.rc = rc
	s.mu.Unlock()

	var left = length
	s.c.ReceiveRaw(length, func(chunk []byte) {
		if _, err := rc.Write(chunk); err != nil {
			// Verification or disk failure: the pending error is
			// delivered by Finish via Close.
			s.Close(err)
			return
		}
		left -= int64(len(chunk))
		if left == 0 {
			s.transferDone(rc)
		}
	})
}

// transferDone ends one successful chunk: the receive task drains and the
// user returns to idle for the next assignment.
func (s *Session) transferDone(rc *dl.ReceiveContext) {
	s.mu.Lock()
	s.rc = nil
	s.cur = nil
	s.fetching = fetchNone
	s.mu.Unlock()

	rc.Finish()
	s.q.TransferDone(s.uid)
}

// onTTHLData accumulates the raw tree-hash payload.
func (s *Session) onTTHLData(chunk []byte) {
	s.mu.Lock()
	s.tthlBuf = append(s.tthlBuf, chunk...)
	done := int64(len(s.tthlBuf)) >= s.tthlWant
	d := s.cur
	s.mu.Unlock()

	if !done || d == nil {
		return
	}

	s.q.SetTTHL(s.uid, d.TTH, s.tthlBuf)

	s.mu.Lock()
	s.tthlBuf = nil
	tth := d.TTH
	s.mu.Unlock()

	// With leaves in hand, continue straight into the data request if
	// the record survived verification.
	if rec := s.q.Get(tth); rec != nil && rec.HasTTHL {
		s.Download(rec)
		return
	}

	s.mu.Lock()
	s.cur = nil
	s.fetching = fetchNone
	s.mu.Unlock()
	s.q.TransferDone(s.uid)
}

// onStatus maps peer error codes onto the per-user disposition.
func (s *Session) onStatus(args []string) {
	// CSTA <code> <description>
	if len(args) < 1 {
		return
	}
	code := args[0]
	desc := strings.Join(args[1:], " ")

	s.mu.Lock()
	d := s.cur
	s.cur = nil
	s.fetching = fetchNone
	s.mu.Unlock()

	if d == nil || strings.HasPrefix(code, "0") {
		return
	}

	// 151: file not available; anything else in the 1xx/2xx range is
	// treated the same for scheduling purposes.
	s.q.SetUserError(s.uid, d.TTH, dl.ErrNotAvailable, desc)
	s.q.TransferDone(s.uid)
}

// onGet serves the peer's download request from our share, subject to the
// slot ledger. The grant is held until the next request or the session
// close, since the write loop streams strictly in order.
func (s *Session) onGet(args []string) {
	s.releaseUpload()

	// CGET <type> <ident> <start> <length>
	if len(args) < 4 {
		s.c.Send([]byte("CSTA 140 malformed+request"))
		return
	}
	start, err1 := strconv.ParseInt(args[2], 10, 64)
	length, err2 := strconv.ParseInt(args[3], 10, 64)
	if err1 != nil || err2 != nil || start < 0 {
		s.c.Send([]byte("CSTA 140 malformed+request"))
		return
	}

	if s.uploads == nil {
		s.c.Send([]byte("CSTA 151 file+not+available"))
		return
	}

	// Tree-hash data is served inline from the hash store; it is tiny
	// and never costs a slot.
	if args[0] == "tthl" {
		p, ok := s.uploads.(interface{ TTHL(string) ([]byte, error) })
		if !ok {
			s.c.Send([]byte("CSTA 151 file+not+available"))
			return
		}
		blob, err := p.TTHL(args[1])
		if err != nil {
			s.c.Send([]byte("CSTA 151 file+not+available"))
			return
		}
		s.c.Send([]byte(fmt.Sprintf("CSND tthl %s 0 %d", args[1], len(blob))))
		s.c.SendRaw(blob)
		return
	}

	path, size, err := s.uploads.ResolveUpload(args[0], args[1])
	if err != nil {
		s.c.Send([]byte("CSTA 151 file+not+available"))
		return
	}
	if length < 0 || start+length > size {
		length = size - start
	}

	ok, mini := s.slots.Grant(size)
	if !ok {
		s.c.Send([]byte("CSTA 153 no+slots+available"))
		return
	}

	s.mu.Lock()
	s.uploading = true
	s.upMini = mini
	s.mu.Unlock()

	s.c.Send([]byte(fmt.Sprintf("CSND %s %s %d %d", args[0], args[1], start, length)))
	if err := s.c.SendFile(path, start, length); err != nil {
		s.log.Warn("upload failed to start", "path", path, "error", err)
		s.releaseUpload()
	}
}

// releaseUpload returns the previous upload grant, if any.
func (s *Session) releaseUpload() {
	s.mu.Lock()
	uploading, mini := s.uploading, s.upMini
	s.uploading = false
	s.mu.Unlock()

	if uploading {
		s.slots.Release(mini)
	}
}
