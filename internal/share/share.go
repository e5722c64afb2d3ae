// Package share maintains our own file list: the registry of share roots,
// the hashed tree built from disk, and the upload-side resolution of peer
// requests.
package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prxssh/godc/internal/db"
	"github.com/prxssh/godc/internal/filelist"
	"github.com/prxssh/godc/pkg/tiger"
	"golang.org/x/sync/errgroup"
)

// hashWorkers bounds concurrent file hashing during a refresh.
const hashWorkers = 2

var ErrNotShared = errors.New("share: not shared")

// Manager owns the share tree. Refresh rebuilds it from disk; lookups are
// served from the last completed build.
type Manager struct {
	log *slog.Logger
	dbs *db.Service

	// OwnListPath is where the serialized listing lives, served to peers
	// requesting "list".
	OwnListPath string

	mu     sync.RWMutex
	root   *filelist.Node
	byTTH  map[tiger.Hash]string // tth → local path
	sizes  map[tiger.Hash]int64
	roots  map[string]string // name → disk path
}

func NewManager(dbs *db.Service, ownListPath string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:         log.With("component", "share"),
		dbs:         dbs,
		OwnListPath: ownListPath,
		root:        &filelist.Node{},
		byTTH:       make(map[tiger.Hash]string),
		sizes:       make(map[tiger.Hash]int64),
		roots:       make(map[string]string),
	}
}

// Add registers a share root and persists it.
func (m *Manager) Add(name, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := m.dbs.ShareAdd(name, abs); err != nil {
		return err
	}
	m.mu.Lock()
	m.roots[name] = abs
	m.mu.Unlock()
	return nil
}

// Remove drops a share root.
func (m *Manager) Remove(name string) error {
	if err := m.dbs.ShareDel(name); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.roots, name)
	m.mu.Unlock()
	return nil
}

// LoadRoots restores the registry at startup.
func (m *Manager) LoadRoots() error {
	roots, err := m.dbs.ShareList()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.roots = roots
	m.mu.Unlock()
	return nil
}

// Tree returns the current share tree. Callers must not mutate it.
func (m *Manager) Tree() *filelist.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// Refresh rebuilds the tree from disk. Unchanged files (same mtime in the
// hashfiles table) reuse their stored hash; everything else is re-hashed on
// a small worker pool. The finished tree is serialized to OwnListPath.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	roots := make(map[string]string, len(m.roots))
	for k, v := range m.roots {
		roots[k] = v
	}
	m.mu.RUnlock()

	newRoot := &filelist.Node{}
	byTTH := make(map[tiger.Hash]string)
	sizes := make(map[tiger.Hash]int64)

	var treeMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)

	for name, path := range roots {
		dir, err := filelist.NewDir(name)
		if err != nil || newRoot.Add(dir) != nil {
			m.log.Warn("skipping unusable share root", "name", name)
			continue
		}
		if err := m.walkRoot(gctx, g, &treeMu, dir, path, byTTH, sizes); err != nil {
			return err
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	m.root = newRoot
	m.byTTH = byTTH
	m.sizes = sizes
	m.mu.Unlock()

	if err := filelist.WriteFile(m.OwnListPath, newRoot, "godc"); err != nil {
		return fmt.Errorf("share: write own list: %w", err)
	}
	m.log.Info("share refreshed", "bytes", newRoot.Size, "roots", len(roots))
	return nil
}

// walkRoot mirrors one disk tree under dir, scheduling hash work for files.
func (m *Manager) walkRoot(
	ctx context.Context,
	g *errgroup.Group,
	treeMu *sync.Mutex,
	dir *filelist.Node,
	diskPath string,
	byTTH map[tiger.Hash]string,
	sizes map[tiger.Hash]int64,
) error {
	parents := map[string]*filelist.Node{diskPath: dir}

	return filepath.WalkDir(diskPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			m.log.Warn("share walk error", "path", path, "error", err)
			return nil
		}
		if path == diskPath {
			return nil
		}
		// Hidden files stay private.
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		parent := parents[filepath.Dir(path)]
		if parent == nil {
			return nil
		}

		if d.IsDir() {
			node, err := filelist.NewDir(d.Name())
			if err != nil || parent.Add(node) != nil {
				return fs.SkipDir
			}
			parents[path] = node
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		node, err := filelist.NewFile(d.Name(), uint64(info.Size()))
		if err != nil {
			return nil
		}
		node.IsLocal = true
		node.LastMod = info.ModTime().Unix()
		if err := parent.Add(node); err != nil {
			return nil
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tth, err := m.fileTTH(path, info.Size(), node.LastMod)
			if err != nil {
				m.log.Warn("hashing failed", "path", path, "error", err)
				return nil
			}
			treeMu.Lock()
			node.TTH = tth
			node.HasTTH = true
			byTTH[tth] = path
			sizes[tth] = info.Size()
			treeMu.Unlock()
			return nil
		})
		return nil
	})
}

// leafSpan is the granularity of the leaves we store and serve: 1 MiB
// subtree roots, which fold to the same file root as the raw 1 KiB leaves.
const leafSpan = 1 << 20

// fileTTH returns the file's tree root, reusing the stored value when the
// mtime matches, hashing block by block and persisting otherwise.
func (m *Manager) fileTTH(path string, size, lastmod int64) (tiger.Hash, error) {
	if _, stored, mod, ok, err := m.dbs.HashFileGet(path); err == nil && ok && mod == lastmod {
		if h, err := tiger.FromBase32(stored); err == nil {
			return h, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return tiger.Hash{}, err
	}
	defer f.Close()

	var leaves []tiger.Hash
	t := tiger.NewTree()
	for {
		n, err := io.CopyN(t, f, leafSpan)
		if n > 0 || len(leaves) == 0 {
			leaves = append(leaves, t.Sum())
			t.Reset()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return tiger.Hash{}, err
		}
	}
	root := tiger.Root(leaves)

	if _, err := m.dbs.HashFileSet(path, root.String(), lastmod); err != nil {
		m.log.Warn("hash bookkeeping failed", "path", path, "error", err)
	}
	m.dbs.HashDataSet(root.String(), size, tiger.JoinLeaves(leaves))
	return root, nil
}

// ResolveUpload maps a peer request onto a local file.
func (m *Manager) ResolveUpload(kind, ident string) (string, int64, error) {
	switch kind {
	case "list":
		fi, err := os.Stat(m.OwnListPath)
		if err != nil {
			return "", 0, ErrNotShared
		}
		return m.OwnListPath, fi.Size(), nil

	case "file":
		tth, err := tiger.FromBase32(strings.TrimPrefix(ident, "TTH/"))
		if err != nil {
			return "", 0, ErrNotShared
		}
		m.mu.RLock()
		path, ok := m.byTTH[tth]
		size := m.sizes[tth]
		m.mu.RUnlock()
		if !ok {
			return "", 0, ErrNotShared
		}
		return path, size, nil
	}
	return "", 0, ErrNotShared
}

// TTHL serves the stored leaf blob for a shared file.
func (m *Manager) TTHL(ident string) ([]byte, error) {
	tth := strings.TrimPrefix(ident, "TTH/")
	if _, err := tiger.FromBase32(tth); err != nil {
		return nil, ErrNotShared
	}
	_, blob, err := m.dbs.HashDataGet(tth)
	if err != nil || len(blob) == 0 {
		return nil, ErrNotShared
	}
	return blob, nil
}

// Search runs a compiled predicate over the share tree.
func (m *Manager) Search(s *filelist.Search, max int) []*filelist.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s.Run(m.root, max)
}
