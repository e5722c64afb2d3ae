// Package engine wires the subsystems together: session directory layout,
// single-instance locking, the persistence service, configuration, hubs,
// listeners, the share and the download orchestrator. Construct with New,
// drive with Run, tear down with Close.
package engine

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/prxssh/godc/internal/config"
	"github.com/prxssh/godc/internal/conn"
	"github.com/prxssh/godc/internal/db"
	"github.com/prxssh/godc/internal/dl"
	"github.com/prxssh/godc/internal/filelist"
	"github.com/prxssh/godc/internal/hub"
	"github.com/prxssh/godc/internal/listener"
	"github.com/prxssh/godc/internal/peer"
	"github.com/prxssh/godc/internal/share"
	"github.com/prxssh/godc/pkg/retry"
)

// versionMajor/Minor are written into the session lock file.
const (
	versionMajor = 1
	versionMinor = 0
)

// Engine is the assembled core. Fields are exported for the UI layer.
type Engine struct {
	Log *slog.Logger

	DataDir string

	DB     *db.Service
	Config *config.Store
	Hubs   *hub.Manager
	Queue  *dl.Queue
	Share  *share.Manager
	Slots  *peer.Slots
	Loader *filelist.Loader
	Mux    *listener.Multiplexer

	// OnBrowse receives a parsed remote listing the user asked to open.
	OnBrowse func(uid uint64, tree *filelist.Node)

	tlsCfg    *tls.Config
	randPorts [3]uint16
	lock      *os.File
	cancel    context.CancelFunc
}

// New builds the engine over a session directory, creating the layout on
// first use. Fatal conditions (unwritable directory, schema mismatch, a
// second instance holding the lock) surface as errors here.
func New(dataDir string, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	for _, sub := range []string{"logs", "inc", "fl", "cert"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("engine: create session dir: %w", err)
		}
	}

	lock, err := acquireLock(filepath.Join(dataDir, "version"), versionMajor, versionMinor)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Log:     log,
		DataDir: dataDir,
		lock:    lock,
	}

	// A just-exited instance can hold the database briefly; retry the
	// open, but never a schema gate failure.
	err = retry.Do(context.Background(), func(context.Context) error {
		var openErr error
		e.DB, openErr = db.Open(filepath.Join(dataDir, "db.sqlite3"), log)
		return openErr
	},
		retry.WithMaxAttempts(3),
		retry.WithDelays(200*time.Millisecond, time.Second),
		retry.WithRetryIf(func(err error) bool {
			return !errors.Is(err, db.ErrSchemaTooOld) && !errors.Is(err, db.ErrSchemaTooNew)
		}),
	)
	if err != nil {
		lock.Close()
		return nil, err
	}

	e.Config = config.NewStore(e.DB, log)
	e.Hubs = hub.NewManager(log)
	e.Slots = peer.NewSlots(func() int { return e.Config.Int(config.GlobalHub, "slots") })
	e.Share = share.NewManager(e.DB, filepath.Join(dataDir, "fl", "own.xml.bz2"), log)

	e.tlsCfg, err = ensureClientCert(filepath.Join(dataDir, "cert"))
	if err != nil {
		e.DB.Close()
		lock.Close()
		return nil, err
	}

	if err := e.drawRandomPorts(); err != nil {
		e.DB.Close()
		lock.Close()
		return nil, err
	}

	e.Queue = dl.NewQueue(dl.Opts{
		Log:         log,
		DB:          e.DB,
		Hubs:        e.Hubs,
		Slots:       func() int { return e.Config.Int(config.GlobalHub, "download_slots") },
		IncomingDir: filepath.Join(dataDir, "inc"),
		ListDir:     filepath.Join(dataDir, "fl"),
		DownloadDir: func() string { return e.Config.Get(config.GlobalHub, "download_dir") },
		FlushFileCache: func() bool {
			return e.Config.Bool(config.GlobalHub, "flush_file_cache")
		},
		OnListComplete: e.onListComplete,
	})

	e.Mux = listener.NewMultiplexer(&listener.Opts{
		Log:       log,
		TLSConfig: e.tlsCfg,
		RandPorts: func(t listener.BindType) uint16 { return e.randPorts[t] },
		Callbacks: listener.Callbacks{
			OnConn:            e.acceptPeer,
			OnDatagramMessage: e.onDatagram,
			OnPassive:         e.Hubs.NotifyPassive,
		},
	})

	return e, nil
}

// Run starts the background work: queue restore, spool cleanup, share
// refresh cadence. It returns once startup is complete; the engine keeps
// running until Close.
func (e *Engine) Run(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.Loader = filelist.NewLoader(ctx, 2, e.Log)

	if err := e.Share.LoadRoots(); err != nil {
		return err
	}
	if err := e.Queue.Load(); err != nil {
		return err
	}

	maxAge := time.Duration(e.Config.Seconds(config.GlobalHub, "filelist_maxage")) * time.Second
	if maxAge > 0 {
		filelist.CleanDir(filepath.Join(e.DataDir, "fl"), maxAge, e.Log)
	}

	go e.autorefreshLoop(ctx)
	return nil
}

// Close tears the subsystems down in reverse dependency order.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.Mux.Close()
	e.Queue.Close()
	e.DB.Close()
	if e.lock != nil {
		e.lock.Close()
	}
}

// autorefreshLoop rescans the share on the configured cadence.
func (e *Engine) autorefreshLoop(ctx context.Context) {
	for {
		secs := e.Config.Seconds(config.GlobalHub, "autorefresh")
		if secs == 0 {
			secs = 3600
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(secs) * time.Second):
			if e.Config.Seconds(config.GlobalHub, "autorefresh") == 0 {
				continue
			}
			if err := e.Share.Refresh(ctx); err != nil {
				e.Log.Warn("share refresh failed", "error", err)
			}
		}
	}
}

// drawRandomPorts picks the process-wide listen ports used whenever a
// configured port is zero: one per type, TLS distinct from TCP.
func (e *Engine) drawRandomPorts() error {
	draw := func() (uint16, error) {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		n := uint16(b[0])<<8 | uint16(b[1])
		return 1025 + n%(65534-1025+1), nil
	}

	var err error
	if e.randPorts[listener.TCP], err = draw(); err != nil {
		return err
	}
	if e.randPorts[listener.UDP], err = draw(); err != nil {
		return err
	}
	for {
		if e.randPorts[listener.TLS], err = draw(); err != nil {
			return err
		}
		if e.randPorts[listener.TLS] != e.randPorts[listener.TCP] {
			return nil
		}
	}
}

// RefreshListeners rebuilds the bind set from each hub's active-mode
// options. Call whenever the hub set or listener options change.
func (e *Engine) RefreshListeners() error {
	var reqs []listener.Request

	for _, h := range e.Hubs.All() {
		if !e.Config.Bool(h.ID, "active") {
			continue
		}

		var ip netip.Addr
		if s := e.Config.Get(h.ID, "local_address"); s != "" {
			if a, err := netip.ParseAddr(s); err == nil {
				ip = a
			}
		}

		reqs = append(reqs,
			listener.Request{Hub: h.ID, Type: listener.TCP, IP: ip, Port: uint16(e.Config.Int(h.ID, "active_port"))},
			listener.Request{Hub: h.ID, Type: listener.UDP, IP: ip, Port: uint16(e.Config.Int(h.ID, "active_udp_port"))},
		)
		if pol, _ := hub.ParseTLSPolicy(e.Config.Get(h.ID, "tls_policy")); pol != hub.TLSDisabled {
			reqs = append(reqs, listener.Request{
				Hub: h.ID, Type: listener.TLS, IP: ip,
				Port: uint16(e.Config.Int(h.ID, "active_tls_port")),
			})
		}
	}

	return e.Mux.Refresh(reqs)
}

// DialPeer opens an outgoing client-client connection for uid and attaches
// a session. cid is our identity token for the handshake.
func (e *Engine) DialPeer(ctx context.Context, uid uint64, addr, cid string, useTLS bool) *peer.Session {
	var s *peer.Session

	c := conn.New(&conn.Opts{
		Log:       e.Log,
		Separator: '\n',
		Callbacks: conn.Callbacks{
			OnConnect: func() { s.Handshake(cid) },
			OnMessage: func(msg []byte) { s.OnMessage(msg) },
			OnError:   func(kind conn.ErrorKind, err error) { s.OnError(kind, err) },
		},
	})
	s = peer.Attach(c, &peer.Opts{
		Log:     e.Log,
		Queue:   e.Queue,
		Slots:   e.Slots,
		Uploads: e.Share,
		UID:     uid,
	})

	var tlsCfg *tls.Config
	if useTLS {
		tlsCfg = e.tlsCfg
	}
	c.Connect(ctx, addr, tlsCfg)
	return s
}

// acceptPeer adopts an incoming client connection from the listeners. The
// peer's identity arrives with its handshake; the hub layer associates the
// session once the CINF lands.
func (e *Engine) acceptPeer(nc net.Conn, viaTLS bool) {
	var s *peer.Session

	c := conn.New(&conn.Opts{
		Log:       e.Log,
		Separator: '\n',
		Callbacks: conn.Callbacks{
			OnMessage: func(msg []byte) { s.OnMessage(msg) },
			OnError:   func(kind conn.ErrorKind, err error) { s.OnError(kind, err) },
		},
	})
	s = peer.Attach(c, &peer.Opts{
		Log:     e.Log,
		Queue:   e.Queue,
		Slots:   e.Slots,
		Uploads: e.Share,
	})

	e.Log.Debug("accepted peer connection",
		"from", nc.RemoteAddr().String(),
		"tls", viaTLS,
	)
	c.Adopt(context.Background(), nc)
}

// onDatagram routes UDP search results. The parsing of the result payload
// belongs to the hub protocol layer; the engine only tags the flavor.
func (e *Engine) onDatagram(msg []byte, legacy bool, from net.Addr) {
	e.Log.Debug("search result datagram",
		"legacy", legacy,
		"from", from.String(),
		"bytes", len(msg),
	)
}

// onListComplete parses a finished file-list download off the control
// plane and applies its disposition.
func (e *Engine) onListComplete(uid uint64, path string, open, match bool) {
	e.Loader.Load(path, func(res filelist.Result) {
		if res.Err != nil {
			e.Log.Warn("downloaded listing unusable", "path", path, "error", res.Err)
			return
		}
		if open && e.OnBrowse != nil {
			e.OnBrowse(uid, res.Tree)
		}
		if match {
			e.matchListAgainstQueue(uid, res.Tree)
		}
	})
}

// matchListAgainstQueue associates every queued TTH the listing carries
// with its owner.
func (e *Engine) matchListAgainstQueue(uid uint64, tree *filelist.Node) {
	matched := 0
	tree.Walk(func(n *filelist.Node) bool {
		if n.IsFile && n.HasTTH {
			if e.Queue.MatchFile(uid, n.TTH) == dl.MatchAssociated {
				matched++
			}
		}
		return true
	})
	if matched > 0 {
		e.Log.Info("matched listing against queue", "uid", fmt.Sprintf("%016x", uid), "files", matched)
	}
}

// QueueTree enqueues a browsed subtree, excluding descendant names that
// match pattern (empty means no exclusion).
func (e *Engine) QueueTree(uid uint64, root *filelist.Node, pattern string) (int, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			return 0, err
		}
	}
	return e.Queue.AddTree(uid, root, re)
}
