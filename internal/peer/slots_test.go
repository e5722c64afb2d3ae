package peer

import (
	"testing"
)

func TestSlotsGrantAndRelease(t *testing.T) {
	s := NewSlots(func() int { return 2 })

	ok1, mini1 := s.Grant(1 << 20)
	ok2, mini2 := s.Grant(1 << 20)
	if !ok1 || !ok2 || mini1 || mini2 {
		t.Fatal("two full slots must be grantable")
	}

	if ok, _ := s.Grant(1 << 20); ok {
		t.Error("third full-size grant must be refused")
	}

	s.Release(false)
	if ok, _ := s.Grant(1 << 20); !ok {
		t.Error("released slot must be grantable again")
	}
}

func TestMiniSlotsBypassFullSlots(t *testing.T) {
	s := NewSlots(func() int { return 1 })

	if ok, _ := s.Grant(1 << 20); !ok {
		t.Fatal("full slot grant failed")
	}

	// Small files still go through while the full slot is taken.
	granted := 0
	for i := 0; i < miniSlotCount; i++ {
		ok, mini := s.Grant(1024)
		if ok && mini {
			granted++
		}
	}
	if granted != miniSlotCount {
		t.Errorf("mini grants = %d, want %d", granted, miniSlotCount)
	}

	if ok, _ := s.Grant(1024); ok {
		t.Error("exhausted minis with a full ledger must refuse")
	}

	s.Release(true)
	if ok, mini := s.Grant(miniSlotMax); !ok || !mini {
		t.Error("released mini must be grantable for a boundary-size file")
	}
}

func TestFreeCount(t *testing.T) {
	s := NewSlots(func() int { return 3 })
	if s.Free() != 3 {
		t.Fatalf("Free() = %d, want 3", s.Free())
	}
	s.Grant(1 << 20)
	if s.Free() != 2 {
		t.Errorf("Free() = %d, want 2", s.Free())
	}
}
