// Package listener collapses the per-hub TCP/UDP/TLS listen requirements
// into a minimum set of bound sockets. A wildcard bind absorbs
// interface-specific ones on the same port; an irreconcilable conflict
// (plain TCP versus TLS on one port) aborts every listener and drops the
// process into passive mode.
package listener

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
)

// BindType distinguishes the three socket flavors.
type BindType uint8

const (
	TCP BindType = iota
	UDP
	TLS
)

func (t BindType) String() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "tls"
	}
}

// Request is one hub's wish for a listening socket. A zero port selects the
// process-wide random port for the type. A zero (invalid) IP means
// wildcard.
type Request struct {
	Hub  uint64
	Type BindType
	IP   netip.Addr
	Port uint16
}

// Bind is one resolved socket shared by one or more hubs.
type Bind struct {
	Type BindType
	IP   netip.Addr // invalid → wildcard
	Port uint16
	Hubs map[uint64]struct{}

	ln net.Listener
	pc net.PacketConn
}

func (b *Bind) wildcard() bool { return !b.IP.IsValid() }

func (b *Bind) addr() string {
	host := ""
	if !b.wildcard() {
		host = b.IP.String()
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", b.Port))
}

// ErrConflict is a plain-TCP versus TLS clash on one port.
var ErrConflict = errors.New("listener: tcp and tls cannot share a port")

// Callbacks route accepted traffic onward.
type Callbacks struct {
	// OnConn receives each accepted client connection tagged with the
	// bind flavor.
	OnConn func(nc net.Conn, viaTLS bool)

	// OnDatagramMessage receives each protocol message split out of a
	// UDP datagram; legacy marks the '|'-separated flavor.
	OnDatagramMessage func(msg []byte, legacy bool, from net.Addr)

	// OnPassive is invoked once when all listeners are aborted and
	// active mode is lost, with the triggering error.
	OnPassive func(err error)
}

// Multiplexer owns the bind set. Refresh resolves a full request set; Close
// tears everything down.
type Multiplexer struct {
	log *slog.Logger
	cb  Callbacks

	// randPorts supplies the process-wide random port per type, drawn
	// once at startup.
	randPorts func(t BindType) uint16

	tlsCfg *tls.Config

	mu      sync.Mutex
	binds   []*Bind
	cancel  context.CancelFunc
	aborted bool
}

type Opts struct {
	Log       *slog.Logger
	TLSConfig *tls.Config
	RandPorts func(t BindType) uint16
	Callbacks Callbacks
}

func NewMultiplexer(opts *Opts) *Multiplexer {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{
		log:       log.With("component", "listener"),
		cb:        opts.Callbacks,
		randPorts: opts.RandPorts,
		tlsCfg:    opts.TLSConfig,
	}
}

// resolve runs the bind resolution algorithm without touching sockets.
func resolve(reqs []Request, randPorts func(BindType) uint16) ([]*Bind, error) {
	var binds []*Bind

	for _, req := range reqs {
		port := req.Port
		if port == 0 && randPorts != nil {
			port = randPorts(req.Type)
		}
		ip := req.IP
		if ip.IsValid() && ip.IsUnspecified() {
			ip = netip.Addr{}
		}

		var target *Bind
		for _, b := range binds {
			if b.Port != port {
				continue
			}
			sameStream := (b.Type == TCP || b.Type == TLS) && (req.Type == TCP || req.Type == TLS)
			ipOverlap := b.wildcard() || !ip.IsValid() || b.IP == ip

			if b.Type == req.Type && (b.IP == ip || b.wildcard()) {
				target = b
				break
			}
			if sameStream && b.Type != req.Type && ipOverlap {
				return nil, fmt.Errorf("%w (port %d)", ErrConflict, port)
			}
		}

		if target == nil {
			target = &Bind{
				Type: req.Type,
				IP:   ip,
				Port: port,
				Hubs: make(map[uint64]struct{}),
			}
			binds = append(binds, target)

			// A fresh wildcard absorbs interface-specific binds of
			// the same type and port.
			if target.wildcard() {
				kept := binds[:0]
				for _, b := range binds {
					if b != target && b.Type == target.Type && b.Port == target.Port {
						for h := range b.Hubs {
							target.Hubs[h] = struct{}{}
						}
						continue
					}
					kept = append(kept, b)
				}
				binds = kept
			}
		}
		target.Hubs[req.Hub] = struct{}{}
	}

	return binds, nil
}

// Refresh closes the current socket set and resolves and binds the new one.
// Any error aborts all listeners and reports passive mode.
func (m *Multiplexer) Refresh(reqs []Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLocked()
	m.aborted = false

	binds, err := resolve(reqs, m.randPorts)
	if err != nil {
		m.abortLocked(err)
		return err
	}

	// Sockets are created only after resolution succeeds as a whole.
	// net.Listen sets SO_REUSEADDR and non-blocking mode on every socket
	// it creates.
	for _, b := range binds {
		switch b.Type {
		case UDP:
			pc, err := net.ListenPacket("udp", b.addr())
			if err != nil {
				m.abortLocked(err)
				return fmt.Errorf("listener: bind %s %s: %w", b.Type, b.addr(), err)
			}
			b.pc = pc
		default:
			ln, err := net.Listen("tcp", b.addr())
			if err != nil {
				m.abortLocked(err)
				return fmt.Errorf("listener: bind %s %s: %w", b.Type, b.addr(), err)
			}
			b.ln = ln
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.binds = binds

	for _, b := range binds {
		switch b.Type {
		case UDP:
			go m.datagramLoop(ctx, b)
		default:
			go m.acceptLoop(ctx, b)
		}
		m.log.Info("listening",
			"type", b.Type.String(),
			"addr", b.addr(),
			"hubs", len(b.Hubs),
		)
	}
	return nil
}

// Binds returns a snapshot of the resolved bind set.
func (m *Multiplexer) Binds() []*Bind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Bind, len(m.binds))
	copy(out, m.binds)
	return out
}

// Close aborts every listener without reporting passive mode.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Multiplexer) closeLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for _, b := range m.binds {
		if b.ln != nil {
			b.ln.Close()
		}
		if b.pc != nil {
			b.pc.Close()
		}
	}
	m.binds = nil
}

// abort tears everything down on a hard socket error and notifies once.
func (m *Multiplexer) abort(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortLocked(err)
}

func (m *Multiplexer) abortLocked(err error) {
	if m.aborted {
		return
	}
	m.aborted = true
	m.closeLocked()
	m.log.Warn("listeners aborted, falling back to passive mode", "error", err)
	if m.cb.OnPassive != nil {
		go m.cb.OnPassive(err)
	}
}

func (m *Multiplexer) acceptLoop(ctx context.Context, b *Bind) {
	viaTLS := b.Type == TLS

	for {
		nc, err := b.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// The runtime absorbs EAGAIN and EINTR; timeouts retry;
			// anything else, EMFILE included, aborts.
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			m.abort(err)
			return
		}

		if viaTLS && m.tlsCfg != nil {
			nc = tls.Server(nc, m.tlsCfg)
		}
		if m.cb.OnConn != nil {
			m.cb.OnConn(nc, viaTLS)
		} else {
			nc.Close()
		}
	}
}

func (m *Multiplexer) datagramLoop(ctx context.Context, b *Bind) {
	buf := make([]byte, 64*1024)

	for {
		n, from, err := b.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			m.abort(err)
			return
		}
		if n == 0 {
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		m.dispatchDatagram(pkt, from)
	}
}

// dispatchDatagram splits a datagram into protocol messages. The first byte
// selects the flavor: 'U' for ADC ('\n'-separated), '$' for the legacy
// protocol ('|'-separated); anything else is logged and dropped.
func (m *Multiplexer) dispatchDatagram(pkt []byte, from net.Addr) {
	if m.cb.OnDatagramMessage == nil {
		return
	}

	var (
		sep    byte
		legacy bool
	)
	switch pkt[0] {
	case 'U':
		sep = '\n'
	case '$':
		sep = '|'
		legacy = true
	default:
		m.log.Debug("dropping unrecognized datagram",
			"from", from.String(),
			"first_byte", pkt[0],
		)
		return
	}

	for len(pkt) > 0 {
		i := bytes.IndexByte(pkt, sep)
		var msg []byte
		if i < 0 {
			msg, pkt = pkt, nil
		} else {
			msg, pkt = pkt[:i], pkt[i+1:]
		}
		if len(msg) > 0 {
			m.cb.OnDatagramMessage(msg, legacy, from)
		}
	}
}
