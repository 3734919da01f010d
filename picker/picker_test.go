package picker

import (
	"testing"

	"github.com/example/syncore/bitfield"
)

func TestSequentialPickOrder(t *testing.T) {
	empty := bitfield.New(3)
	p := New(empty, 3)

	peerHas := bitfield.New(3)
	if _, ok := p.Pick(peerHas); ok {
		t.Fatal("expected no pick against an empty peer bitfield")
	}

	peerHas.Set(1)
	idx, ok := p.Pick(peerHas)
	if !ok || idx != 1 {
		t.Fatalf("expected pick 1, got %d ok=%v", idx, ok)
	}

	peerHas.Set(0)
	idx, ok = p.Pick(peerHas)
	if !ok || idx != 0 {
		t.Fatalf("expected pick 0 (lowest available), got %d ok=%v", idx, ok)
	}

	p.Completed(0)
	p.Completed(1)

	peerHas.Set(2)
	idx, ok = p.Pick(peerHas)
	if !ok || idx != 2 {
		t.Fatalf("expected pick 2, got %d ok=%v", idx, ok)
	}

	p.Completed(2)
	if _, ok := p.Pick(peerHas); ok {
		t.Fatal("expected no pick once every piece is complete")
	}
	if !p.Done() {
		t.Fatal("expected Done() once every piece is complete")
	}

	p.Incomplete(1)
	idx, ok = p.Pick(peerHas)
	if !ok || idx != 1 {
		t.Fatalf("expected pick 1 after reopening it, got %d ok=%v", idx, ok)
	}
}

func TestNewSeedsFromExistingBitfield(t *testing.T) {
	have := bitfield.New(4)
	have.Set(0)
	have.Set(2)
	p := New(have, 4)

	peerHas := bitfield.New(4)
	peerHas.Set(0)
	peerHas.Set(1)
	peerHas.Set(2)
	peerHas.Set(3)

	// Pieces 0 and 2 are already held, so only 1 and 3 should ever be
	// offered by Pick.
	seen := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		idx, ok := p.Pick(peerHas)
		if !ok {
			t.Fatalf("expected a pick on iteration %d", i)
		}
		seen[idx] = true
		p.Completed(idx)
	}
	if seen[0] || seen[2] {
		t.Fatalf("pieces already held should never be picked, saw %v", seen)
	}
	if !p.Done() {
		t.Fatal("expected Done() once the remaining pieces complete")
	}
}
