// Package hub holds the engine-side view of joined hubs: which users each
// hub currently knows, how to ask a hub for a client-client connection, and
// the per-hub TLS policy. Protocol framing lives with the hub protocol
// layer, not here.
package hub

import (
	"errors"
	"log/slog"
	"sync"
)

// TLSPolicy is the per-hub client-client encryption stance.
type TLSPolicy uint8

const (
	TLSDisabled TLSPolicy = iota
	TLSAllow
	TLSPrefer
)

func ParseTLSPolicy(s string) (TLSPolicy, bool) {
	switch s {
	case "disabled":
		return TLSDisabled, true
	case "allow":
		return TLSAllow, true
	case "prefer":
		return TLSPrefer, true
	}
	return 0, false
}

func (p TLSPolicy) String() string {
	switch p {
	case TLSAllow:
		return "allow"
	case TLSPrefer:
		return "prefer"
	default:
		return "disabled"
	}
}

var ErrUserOffline = errors.New("hub: user not online")

// Hub is one joined hub. The protocol layer fills ConnectUser and keeps the
// online set current through UserJoined/UserLeft.
type Hub struct {
	ID   uint64
	Name string

	// ConnectUser asks the hub to broker a client-client connection to
	// uid (a CTM/RCM exchange).
	ConnectUser func(uid uint64) error

	Policy TLSPolicy

	mu     sync.RWMutex
	online map[uint64]struct{}
}

func New(id uint64, name string) *Hub {
	return &Hub{ID: id, Name: name, online: make(map[uint64]struct{})}
}

func (h *Hub) UserJoined(uid uint64) {
	h.mu.Lock()
	h.online[uid] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) UserLeft(uid uint64) {
	h.mu.Lock()
	delete(h.online, uid)
	h.mu.Unlock()
}

func (h *Hub) Knows(uid uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.online[uid]
	return ok
}

// Manager is the process-wide hub set.
type Manager struct {
	log *slog.Logger

	mu   sync.RWMutex
	hubs map[uint64]*Hub
}

func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:  log.With("component", "hubs"),
		hubs: make(map[uint64]*Hub),
	}
}

func (m *Manager) Add(h *Hub) {
	m.mu.Lock()
	m.hubs[h.ID] = h
	m.mu.Unlock()
	m.log.Info("hub added", "hub", h.ID, "name", h.Name)
}

func (m *Manager) Remove(id uint64) {
	m.mu.Lock()
	delete(m.hubs, id)
	m.mu.Unlock()
	m.log.Info("hub removed", "hub", id)
}

func (m *Manager) Get(id uint64) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[id]
}

// All returns a snapshot of the hub set.
func (m *Manager) All() []*Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		out = append(out, h)
	}
	return out
}

// UserOnline reports whether any hub currently sees uid.
func (m *Manager) UserOnline(uid uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.hubs {
		if h.Knows(uid) {
			return true
		}
	}
	return false
}

// RequestConnect asks the first hub that knows uid to broker a
// client-client connection.
func (m *Manager) RequestConnect(uid uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.hubs {
		if h.Knows(uid) && h.ConnectUser != nil {
			return h.ConnectUser(uid)
		}
	}
	return ErrUserOffline
}

// NotifyPassive records that active mode is gone by logging the error. It
// sends nothing to the hubs; they keep their current announcement.
func (m *Manager) NotifyPassive(err error) {
	m.log.Warn("now in passive mode", "error", err)
}
