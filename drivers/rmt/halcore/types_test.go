package halcore

import "testing"

func TestSymbolFields(t *testing.T) {
	s := MakeSymbol(300, 1, 0x7fff, 0)
	if s.Duration0() != 300 || s.Level0() != 1 || s.Duration1() != 0x7fff || s.Level1() != 0 {
		t.Fatalf("fields mismatch: %#08x", uint32(s))
	}
	if s.IsEnd() {
		t.Fatal("non-zero durations must not end")
	}
	// Durations wider than 15 bits are masked, not spilled into the level.
	w := MakeSymbol(0xffff, 0, 1, 1)
	if w.Level0() != 0 || w.Duration0() != 0x7fff {
		t.Fatalf("overflow leaked into level: %#08x", uint32(w))
	}
}

func TestEndMarker(t *testing.T) {
	m := EndMarker(1)
	if !m.IsEnd() || m.Level0() != 1 || m.Level1() != 1 {
		t.Fatalf("end marker: %#08x", uint32(m))
	}
	if !MakeSymbol(5, 1, 0, 0).IsEnd() {
		t.Fatal("zero second half must end")
	}
}

func TestCapsRXOffset(t *testing.T) {
	c := Caps{ChannelsPerGroup: 8, RXCandidates: 4}
	if c.RXOffset() != 4 {
		t.Fatalf("offset = %d", c.RXOffset())
	}
}
