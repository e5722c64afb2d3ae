package filelist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Loader parses listing files on a small worker pool so that a multi-hundred
// megabyte bzip2 listing never stalls the control plane.
type Loader struct {
	log   *slog.Logger
	group *errgroup.Group
	ctx   context.Context
}

// Result is delivered to a load callback: exactly one of Tree and Err is
// set.
type Result struct {
	Tree *Node
	Err  error
}

func NewLoader(ctx context.Context, workers int, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	return &Loader{
		log:   log.With("component", "filelist-loader"),
		group: g,
		ctx:   gctx,
	}
}

// Load schedules a parse of path and invokes cb with the outcome. The
// callback runs on the worker goroutine; owners are expected to hand the
// result to their own loop.
func (l *Loader) Load(path string, cb func(Result)) {
	l.group.Go(func() error {
		if err := l.ctx.Err(); err != nil {
			cb(Result{Err: err})
			return nil
		}

		start := time.Now()
		tree, err := ParseFile(path)
		if err != nil {
			l.log.Warn("listing parse failed", "path", path, "error", err)
			cb(Result{Err: fmt.Errorf("load %s: %w", path, err)})
			return nil
		}

		l.log.Debug("listing parsed",
			"path", path,
			"size", tree.Size,
			"took", time.Since(start),
		)
		cb(Result{Tree: tree})
		return nil
	})
}

// Wait blocks until all scheduled loads finish.
func (l *Loader) Wait() error { return l.group.Wait() }

// CleanDir removes stored listings older than maxAge. Used against the fl/
// spool with the filelist_maxage option.
func CleanDir(dir string, maxAge time.Duration, log *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".xml.bz2") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("stale listing removal failed", "path", path, "error", err)
		} else {
			log.Debug("removed stale listing", "path", path)
		}
	}
}
