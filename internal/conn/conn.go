// Package conn implements the message-framed, optionally TLS-wrapped byte
// stream used for both hub and client-client links. Messages are delimited
// by a single terminator byte chosen at construction ('|' for the legacy
// protocol, '\n' for ADC). It also provides raw-byte receive for block
// transfers and kernel-assisted file sends.
package conn

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/godc/internal/metrics"
	"github.com/prxssh/godc/pkg/rate"
)

const (
	// maxMessageSize caps the framing buffer; a peer exceeding it is
	// dropped with a Receive error.
	maxMessageSize = 1 << 20

	// timerInterval is the cadence of the idle/keepalive check.
	timerInterval = 5 * time.Second

	// keepAliveIdle is the idle span after which, with keepalive on, an
	// empty framed message is sent.
	keepAliveIdle = 120 * time.Second

	// idleTimeout is the idle span after which, with keepalive off, the
	// connection is considered dead.
	idleTimeout = 30 * time.Second

	readChunk = 32 * 1024
)

// ErrorKind scopes a connection error to the phase it occurred in.
type ErrorKind uint8

const (
	ErrConnect ErrorKind = iota
	ErrReceive
	ErrSend
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConnect:
		return "connect"
	case ErrReceive:
		return "receive"
	default:
		return "send"
	}
}

var (
	ErrMessageTooLarge = errors.New("conn: message exceeds input buffer cap")
	ErrIdleTimeout     = errors.New("conn: idle timeout")
	ErrClosed          = errors.New("conn: closed")
)

// Callbacks are the owner's upcalls. OnMessage receives each whole framed
// message without its terminator. After OnError the owner is expected to
// Close the connection.
type Callbacks struct {
	OnConnect func()
	OnMessage func(msg []byte)
	OnError   func(kind ErrorKind, err error)
}

type outItem struct {
	data []byte

	// file, when set, streams a file segment instead of data.
	file   *os.File
	offset int64
	length int64
}

// Conn is a message-framed bidirectional stream. OnMessage fires on the read
// goroutine, OnConnect on the dialing goroutine, and OnError on whichever
// goroutine hit the failure; Send and SendFile only enqueue.
type Conn struct {
	log  *slog.Logger
	sep  byte
	cb   Callbacks
	conn net.Conn

	outbox    chan outItem
	closeOnce sync.Once
	closed    atomic.Bool
	cancel    context.CancelFunc

	keepAlive atomic.Bool
	lastIOAt  atomic.Int64

	// raw receive state, owned by the read loop.
	rawLeft int64
	rawCB   func([]byte)
	inbuf   []byte

	// In and Out are this connection's transfer counters.
	In  *rate.Counter
	Out *rate.Counter
}

type Opts struct {
	Log *slog.Logger

	// Separator is the message terminator byte.
	Separator byte

	// KeepAlive enables empty keepalive frames instead of idle timeouts.
	KeepAlive bool

	Callbacks Callbacks
}

// New builds a connection without any I/O. Wire the owner up, then call
// Adopt (accepted socket) or Connect (outgoing). Splitting construction
// from start keeps callbacks from firing before the owner exists.
func New(opts *Opts) *Conn {
	return newConn(nil, opts)
}

// Adopt takes ownership of an established connection (an accepted socket)
// and starts the loops.
func (c *Conn) Adopt(ctx context.Context, nc net.Conn) {
	c.conn = nc
	c.start(ctx)
}

// Connect dials asynchronously. The owner learns the outcome through
// OnConnect or OnError(ErrConnect); canceling ctx suppresses the error
// callback. Send may be called immediately; messages flush once the
// connect completes.
func (c *Conn) Connect(ctx context.Context, addr string, tlsCfg *tls.Config) {
	ctx, c.cancel = context.WithCancel(ctx)

	go func() {
		d := net.Dialer{Timeout: 30 * time.Second}
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				// Canceled connect: no error upcall.
				return
			}
			c.closed.Store(true)
			if c.cb.OnError != nil {
				c.cb.OnError(ErrConnect, err)
			}
			return
		}

		if tlsCfg != nil {
			tc := tls.Client(nc, tlsCfg)
			if err := tc.HandshakeContext(ctx); err != nil {
				nc.Close()
				if ctx.Err() != nil {
					return
				}
				c.closed.Store(true)
				if c.cb.OnError != nil {
					c.cb.OnError(ErrConnect, err)
				}
				return
			}
			nc = tc
		}

		c.conn = nc
		c.start(ctx)
		if c.cb.OnConnect != nil {
			c.cb.OnConnect()
		}
	}()
}

func newConn(nc net.Conn, opts *Opts) *Conn {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		log:    log.With("component", "conn"),
		sep:    opts.Separator,
		cb:     opts.Callbacks,
		conn:   nc,
		outbox: make(chan outItem, 256),
		In:     rate.NewCounter(),
		Out:    rate.NewCounter(),
	}
	c.keepAlive.Store(opts.KeepAlive)
	c.lastIOAt.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) start(ctx context.Context) {
	if c.cancel == nil {
		ctx, c.cancel = context.WithCancel(ctx)
	}
	go c.readLoop(ctx)
	go c.writeLoop(ctx)
	go c.timerLoop(ctx)
}

// SetKeepAlive toggles keepalive frames versus idle timeouts.
func (c *Conn) SetKeepAlive(on bool) { c.keepAlive.Store(on) }

// Send enqueues one framed message; the terminator is appended on the wire.
func (c *Conn) Send(msg []byte) {
	if c.closed.Load() {
		return
	}
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, c.sep)

	select {
	case c.outbox <- outItem{data: buf}:
	default:
		c.log.Warn("outbox full, dropping message")
	}
}

// SendRaw enqueues bytes with no framing terminator, ordered with framed
// messages.
func (c *Conn) SendRaw(p []byte) {
	if c.closed.Load() {
		return
	}
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case c.outbox <- outItem{data: buf}:
	default:
		c.log.Warn("outbox full, dropping raw payload")
	}
}

// SendFile streams length bytes of the file at path starting at offset,
// with no additional framing, ordered after previously enqueued messages.
// On a plain TCP link the runtime uses the kernel sendfile path; TLS links
// fall back to a read+write loop transparently.
func (c *Conn) SendFile(path string, offset, length int64) error {
	if c.closed.Load() {
		return ErrClosed
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	select {
	case c.outbox <- outItem{file: f, offset: offset, length: length}:
		return nil
	default:
		f.Close()
		return fmt.Errorf("conn: outbox full")
	}
}

// ReceiveRaw diverts the next n inbound bytes from framing into cb, in
// chunks. Must be called from the OnMessage callback (the read goroutine)
// so that no framed parse races the mode switch.
func (c *Conn) ReceiveRaw(n int64, cb func([]byte)) {
	c.rawLeft = n
	c.rawCB = cb
}

// Close tears the connection down. Idempotent; a close during an in-flight
// connect cancels it silently.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Conn) touch() { c.lastIOAt.Store(time.Now().UnixNano()) }

func (c *Conn) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastIOAt.Load()))
}

func (c *Conn) readLoop(ctx context.Context) {
	buf := make([]byte, readChunk)

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.In.Add(uint64(n))
			metrics.NetIn.Add(float64(n))
			c.touch()
			if err2 := c.consume(buf[:n]); err2 != nil {
				c.fail(ErrReceive, err2)
				return
			}
		}
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return
			}
			c.fail(ErrReceive, err)
			return
		}
	}
}

// consume routes freshly read bytes through raw mode and framing.
func (c *Conn) consume(p []byte) error {
	for len(p) > 0 {
		if c.rawLeft > 0 {
			n := int64(len(p))
			if n > c.rawLeft {
				n = c.rawLeft
			}
			c.rawLeft -= n
			chunk := p[:n]
			p = p[n:]
			c.rawCB(chunk)
			if c.rawLeft == 0 {
				c.rawCB = nil
			}
			continue
		}

		i := bytes.IndexByte(p, c.sep)
		if i < 0 {
			c.inbuf = append(c.inbuf, p...)
			if len(c.inbuf) > maxMessageSize {
				return ErrMessageTooLarge
			}
			return nil
		}

		var msg []byte
		if len(c.inbuf) > 0 {
			msg = append(c.inbuf, p[:i]...)
			c.inbuf = nil
		} else {
			msg = p[:i]
		}
		if len(msg) > maxMessageSize {
			return ErrMessageTooLarge
		}
		p = p[i+1:]

		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg)
		}
	}
	return nil
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drop queued file handles.
			for {
				select {
				case item := <-c.outbox:
					if item.file != nil {
						item.file.Close()
					}
				default:
					return
				}
			}

		case item := <-c.outbox:
			if item.file != nil {
				if err := c.writeFile(item); err != nil {
					c.fail(ErrSend, err)
					return
				}
				continue
			}
			if err := c.writeAll(item.data); err != nil {
				c.fail(ErrSend, err)
				return
			}
		}
	}
}

func (c *Conn) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := c.conn.Write(p)
		if n > 0 {
			c.Out.Add(uint64(n))
			metrics.NetOut.Add(float64(n))
			c.touch()
			p = p[n:]
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeFile streams a file segment. io.Copy takes the sendfile(2) fast path
// when the destination is a plain *net.TCPConn and falls back to a buffered
// read+write loop otherwise, which covers the unsupported-operation case.
func (c *Conn) writeFile(item outItem) error {
	defer item.file.Close()

	if _, err := item.file.Seek(item.offset, io.SeekStart); err != nil {
		return err
	}

	n, err := io.Copy(c.conn, &io.LimitedReader{R: item.file, N: item.length})
	if n > 0 {
		c.Out.Add(uint64(n))
		metrics.NetOut.Add(float64(n))
		c.touch()
	}
	if err != nil {
		return err
	}
	if n != item.length {
		return fmt.Errorf("conn: short file send: %d of %d bytes", n, item.length)
	}
	return nil
}

func (c *Conn) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(timerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.In.Sample()
			c.Out.Sample()

			idle := c.idle()
			if c.keepAlive.Load() {
				if idle >= keepAliveIdle {
					c.Send(nil)
				}
			} else if idle >= idleTimeout {
				c.fail(ErrReceive, ErrIdleTimeout)
				return
			}
		}
	}
}

func (c *Conn) fail(kind ErrorKind, err error) {
	if c.closed.Swap(true) {
		return
	}
	c.log.Debug("connection error", "kind", kind.String(), "error", err)
	if c.cb.OnError != nil {
		c.cb.OnError(kind, err)
	}
}

// RemoteAddr reports the peer address, or nil before connect completes.
func (c *Conn) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}
