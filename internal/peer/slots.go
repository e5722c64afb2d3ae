// Package peer implements the client-client session: handshake, slot
// negotiation, tree-hash and block transfer, and the upload slot ledger.
package peer

import (
	"sync"
)

// miniSlotMax is the largest file an upload mini-slot covers. Small files
// take a mini-slot while one is free and a full slot otherwise; tree-hash
// data is served without any slot.
const miniSlotMax = 64 << 10

// miniSlotCount is how many concurrent mini-slot grants exist beyond the
// configured slot total.
const miniSlotCount = 3

// Slots is the process-wide upload authorization ledger.
type Slots struct {
	total func() int

	mu    sync.Mutex
	inUse int
	minis int
}

func NewSlots(total func() int) *Slots {
	return &Slots{total: total}
}

// Grant tries to reserve a slot for an upload of the given size. It
// reports whether the grant succeeded and whether it was a mini-slot.
func (s *Slots) Grant(size int64) (ok, mini bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size >= 0 && size <= miniSlotMax {
		if s.minis < miniSlotCount {
			s.minis++
			return true, true
		}
	}
	if s.inUse < s.total() {
		s.inUse++
		return true, false
	}
	return false, false
}

// Release returns a grant.
func (s *Slots) Release(mini bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mini {
		if s.minis > 0 {
			s.minis--
		}
		return
	}
	if s.inUse > 0 {
		s.inUse--
	}
}

// Free reports the currently free full slots.
func (s *Slots) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := s.total() - s.inUse
	if free < 0 {
		free = 0
	}
	return free
}
