package dl

import (
	"testing"

	"github.com/prxssh/godc/pkg/tiger"
)

func rec(dest string, prio Priority, list bool) *Download {
	return &Download{Dest: dest, Priority: prio, IsList: list}
}

func TestEntryOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b *entry
	}{
		{
			name: "enabled before disabled",
			a:    &entry{d: rec("/z", PrioVeryLow, false)},
			b:    &entry{d: rec("/a", PrioOff, false)},
		},
		{
			name: "per-user error disables",
			a:    &entry{d: rec("/z", PrioLow, false)},
			b:    &entry{d: rec("/a", PrioVeryHigh, false), err: ErrNotAvailable},
		},
		{
			name: "lists before files",
			a:    &entry{d: rec("/z", PrioLow, true)},
			b:    &entry{d: rec("/a", PrioVeryHigh, false)},
		},
		{
			name: "higher priority first",
			a:    &entry{d: rec("/z", PrioHigh, false)},
			b:    &entry{d: rec("/a", PrioMed, false)},
		},
		{
			name: "destination breaks ties",
			a:    &entry{d: rec("/a", PrioMed, false)},
			b:    &entry{d: rec("/b", PrioMed, false)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !entryLess(tt.a, tt.b) {
				t.Errorf("entryLess(a, b) = false, want true")
			}
			if entryLess(tt.b, tt.a) {
				t.Errorf("ordering is not antisymmetric")
			}
		})
	}
}

func TestResortIsStableTotalOrder(t *testing.T) {
	u := &user{}
	for _, e := range []*entry{
		{d: rec("/c", PrioMed, false)},
		{d: rec("/list", PrioLow, true)},
		{d: rec("/a", PrioMed, false), err: ErrHashMismatch},
		{d: rec("/b", PrioHigh, false)},
	} {
		u.queue = append(u.queue, e)
	}
	u.resort()

	want := []string{"/list", "/b", "/c", "/a"}
	for i, e := range u.queue {
		if e.d.Dest != want[i] {
			t.Errorf("queue[%d] = %s, want %s", i, e.d.Dest, want[i])
		}
	}
}

func TestBestSkipsActiveRecords(t *testing.T) {
	shared := rec("/shared", PrioHigh, false)
	shared.Active = true
	other := rec("/other", PrioMed, false)

	u := &user{queue: []*entry{{d: shared}, {d: other}}}
	u.resort()

	best := u.best()
	if best == nil || best.d != other {
		t.Error("best() must skip records another peer is transferring")
	}
}

func TestBestStopsAtDisabled(t *testing.T) {
	u := &user{queue: []*entry{
		{d: rec("/err", PrioErr, false)},
		{d: rec("/off", PrioOff, false)},
	}}
	u.resort()

	if u.best() != nil {
		t.Error("best() returned a disabled entry")
	}
}

func TestListKeyIsStable(t *testing.T) {
	if listKey(7) != listKey(7) {
		t.Error("listKey must be deterministic")
	}
	if listKey(7) == listKey(8) {
		t.Error("listKey must differ per user")
	}
	if listKey(7) == (tiger.Hash{}) {
		t.Error("listKey must not be zero")
	}
}
