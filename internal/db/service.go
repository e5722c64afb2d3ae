package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// txDeadline is how long an open transaction may sit idle before the loop
// commits it.
const txDeadline = 5 * time.Second

// queueBacklog bounds the submission queue. Submit drops into an error reply
// instead of blocking once this fills, which only happens if the disk has
// stalled for a long time.
const queueBacklog = 4096

type Service struct {
	log *slog.Logger
	db  *sql.DB

	queue chan *Request

	mu       sync.Mutex
	stmts    map[*Query]*sql.Stmt
	stopped  bool
	loopDone chan struct{}
}

// Open opens (creating if necessary) the store at path, verifies the schema
// version gate, applies the schema, and starts the service loop.
func Open(path string, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// All access happens on the service goroutine. A second connection lets
	// a statement be prepared for the cache while an open transaction holds
	// the first.
	sdb.SetMaxOpenConns(2)

	if _, err := sdb.Exec("PRAGMA busy_timeout = 10000"); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := applySchema(sdb); err != nil {
		sdb.Close()
		return nil, err
	}

	s := &Service{
		log:      log.With("component", "db"),
		db:       sdb,
		queue:    make(chan *Request, queueBacklog),
		stmts:    make(map[*Query]*sql.Stmt),
		loopDone: make(chan struct{}),
	}
	go s.run()

	return s, nil
}

// Submit enqueues a request. It never blocks: if the service is stopped or
// the queue is saturated the request is answered with an error immediately.
func (s *Service) Submit(req *Request) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	if stopped {
		req.finish(ErrShuttingDown, 0)
		return
	}

	select {
	case s.queue <- req:
	default:
		req.finish(fmt.Errorf("db: queue overflow"), 0)
	}
}

// Close flushes pending work and stops the loop. Safe to call once.
func (s *Service) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	done := make(chan Result, 1)
	s.queue <- &Request{Flags: FlagShutdown, Reply: done}
	<-done
	<-s.loopDone
}

// run is the service loop. It owns the database handle, the open
// transaction, and the statement cache.
func (s *Service) run() {
	defer close(s.loopDone)

	type deferredReply struct {
		req    *Request
		lastID int64
	}

	var (
		tx        *sql.Tx
		txTimer   *time.Timer
		txExpired <-chan time.Time
		chainNext bool // previous request demanded the next one join its tx
		poisoned  bool // a chained query failed; fail the rest of the chain

		// pending holds write requests executed in the open
		// transaction; their callers learn the outcome only once the
		// transaction resolves.
		pending []deferredReply
	)

	stopTimer := func() {
		if txTimer != nil {
			txTimer.Stop()
			txTimer = nil
			txExpired = nil
		}
	}

	commit := func() {
		if tx == nil {
			return
		}
		err := tx.Commit()
		if err != nil {
			s.log.Error("transaction commit failed", "error", err)
		}
		for _, p := range pending {
			p.req.finish(err, p.lastID)
		}
		pending = pending[:0]
		tx = nil
		stopTimer()
	}

	rollback := func(cause error) {
		if tx == nil {
			return
		}
		if err := tx.Rollback(); err != nil {
			s.log.Error("transaction rollback failed", "error", err)
		}
		// Writes grouped into the failed transaction fail with it.
		for _, p := range pending {
			p.req.finish(cause, 0)
		}
		pending = pending[:0]
		tx = nil
		stopTimer()
	}

	for {
		select {
		case <-txExpired:
			commit()
			continue

		case req := <-s.queue:
			if req.Flags&FlagShutdown != 0 {
				commit()
				s.closeStatements()
				if err := s.db.Close(); err != nil {
					s.log.Error("database close failed", "error", err)
				}
				req.finish(nil, 0)
				s.drainQueue()
				return
			}

			// A failed chained query fails the remainder of its
			// chain without execution, preserving caller-visible
			// ordering.
			if poisoned {
				req.finish(ErrChainAborted, 0)
				if req.Flags&FlagChainNext == 0 {
					poisoned = false
				}
				continue
			}

			single := req.Flags&FlagSingle != 0 && !chainNext
			if single {
				commit()
				if lastID, err := s.execute(nil, req); err == nil && req.Columns == 0 {
					req.finish(nil, lastID)
				}
				continue
			}

			if tx == nil {
				var err error
				tx, err = s.db.Begin()
				if err != nil {
					s.log.Error("begin transaction failed", "error", err)
					req.finish(err, 0)
					continue
				}
				txTimer = time.NewTimer(txDeadline)
				txExpired = txTimer.C
			}

			lastID, err := s.execute(tx, req)
			if err != nil {
				rollback(err)
				if req.Flags&FlagChainNext != 0 {
					poisoned = true
				}
				chainNext = false
				continue
			}
			if req.Columns == 0 {
				pending = append(pending, deferredReply{req: req, lastID: lastID})
			}

			chainNext = req.Flags&FlagChainNext != 0
			if req.Flags&FlagLastInBatch != 0 && !chainNext {
				commit()
			}
		}
	}
}

// execute runs one request, inside tx when non-nil. Row-returning requests
// deliver their full reply here; exec requests only report the outcome and
// leave the reply to the transaction resolution (or the caller, outside a
// transaction).
func (s *Service) execute(tx *sql.Tx, req *Request) (int64, error) {
	if req.Query == nil {
		err := fmt.Errorf("db: request without query")
		req.finish(err, 0)
		return 0, err
	}

	var (
		stmt *sql.Stmt
		err  error
	)
	if req.Flags&FlagNoCache == 0 {
		stmt, err = s.statement(req.Query)
		if err != nil {
			req.finish(err, 0)
			return 0, err
		}
		if tx != nil {
			stmt = tx.Stmt(stmt)
			defer stmt.Close()
		}
	}

	if req.Columns > 0 {
		return 0, s.executeRows(tx, stmt, req)
	}
	return s.executeExec(tx, stmt, req)
}

func (s *Service) executeExec(tx *sql.Tx, stmt *sql.Stmt, req *Request) (int64, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case stmt != nil:
		res, err = stmt.Exec(req.Params...)
	case tx != nil:
		res, err = tx.Exec(req.Query.SQL, req.Params...)
	default:
		res, err = s.db.Exec(req.Query.SQL, req.Params...)
	}
	if err != nil {
		s.log.Error("query failed", "sql", req.Query.SQL, "error", err)
		req.finish(err, 0)
		return 0, err
	}

	var lastID int64
	if req.WantLastID {
		if lastID, err = res.LastInsertId(); err != nil {
			req.finish(err, 0)
			return 0, err
		}
	}
	return lastID, nil
}

func (s *Service) executeRows(tx *sql.Tx, stmt *sql.Stmt, req *Request) error {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case stmt != nil:
		rows, err = stmt.Query(req.Params...)
	case tx != nil:
		rows, err = tx.Query(req.Query.SQL, req.Params...)
	default:
		rows, err = s.db.Query(req.Query.SQL, req.Params...)
	}
	if err != nil {
		s.log.Error("query failed", "sql", req.Query.SQL, "error", err)
		req.finish(err, 0)
		return err
	}
	defer rows.Close()

	for rows.Next() {
		row := make([]any, req.Columns)
		ptrs := make([]any, req.Columns)
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			req.finish(err, 0)
			return err
		}
		if !req.sendRow(row) {
			s.log.Warn("reply channel full, dropping rows", "sql", req.Query.SQL)
			break
		}
	}
	if err := rows.Err(); err != nil {
		req.finish(err, 0)
		return err
	}

	req.finish(nil, 0)
	return nil
}

// statement returns the cached prepared statement for q, preparing it on
// first use. Statements live until service shutdown.
func (s *Service) statement(q *Query) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stmt, ok := s.stmts[q]; ok {
		return stmt, nil
	}
	stmt, err := s.db.Prepare(q.SQL)
	if err != nil {
		return nil, fmt.Errorf("prepare %q: %w", q.SQL, err)
	}
	s.stmts[q] = stmt
	return stmt, nil
}

func (s *Service) closeStatements() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for q, stmt := range s.stmts {
		if err := stmt.Close(); err != nil {
			s.log.Warn("statement close failed", "error", err)
		}
		delete(s.stmts, q)
	}
}

// drainQueue answers anything that raced with shutdown.
func (s *Service) drainQueue() {
	for {
		select {
		case req := <-s.queue:
			req.finish(ErrShuttingDown, 0)
		default:
			return
		}
	}
}
