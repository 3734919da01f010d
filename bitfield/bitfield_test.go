package bitfield

import "testing"

func TestHasSet(t *testing.T) {
	b := New(10)
	if b.Has(3) {
		t.Fatal("expected bit 3 unset")
	}
	b.Set(3)
	if !b.Has(3) {
		t.Fatal("expected bit 3 set")
	}
	b.Clear(3)
	if b.Has(3) {
		t.Fatal("expected bit 3 cleared")
	}
}

func TestHasOutOfRange(t *testing.T) {
	b := New(4)
	if b.Has(100) {
		t.Fatal("out of range bit should read false")
	}
}

func TestCapTruncatesAndExtends(t *testing.T) {
	b := New(16)
	b.Set(15)
	short := b.Cap(4)
	if short.Len() != 8 {
		t.Fatalf("expected 8 bits after cap to 4 pieces, got %d", short.Len())
	}

	long := New(4).Cap(20)
	if long.Len() < 20 {
		t.Fatalf("expected at least 20 bits after cap extend, got %d", long.Len())
	}
}

func TestCloneIndependence(t *testing.T) {
	b := New(8)
	c := b.Clone()
	c.Set(0)
	if b.Has(0) {
		t.Fatal("mutating clone mutated original")
	}
}

func TestCount(t *testing.T) {
	b := New(8)
	b.Set(0)
	b.Set(7)
	if got := b.Count(); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}
}
