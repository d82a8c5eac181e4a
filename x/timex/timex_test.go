package timex

import "testing"

func TestTicksFromNs(t *testing.T) {
	if got := TicksFromNs(1000, 1_000_000); got != 1 {
		t.Fatalf("1us at 1MHz = %d", got)
	}
	if got := TicksFromNs(2_000_000, 80_000_000); got != 160_000 {
		t.Fatalf("2ms at 80MHz = %d", got)
	}
	if got := TicksFromNs(999, 1_000_000); got != 0 {
		t.Fatalf("truncation expected, got %d", got)
	}
}

func TestRescale(t *testing.T) {
	if got := Rescale(10, 1_000_000, 10_000_000); got != 100 {
		t.Fatalf("Rescale = %d", got)
	}
	if NsFromTicks(5, 0) != 0 || NsFromTicks(5, 1_000_000) != 5000 {
		t.Fatal("NsFromTicks")
	}
}

func TestSaturates(t *testing.T) {
	if got := TicksFromNs(4_000_000_000, 4_000_000_000); got != 1<<32-1 {
		t.Fatalf("TicksFromNs = %d", got)
	}
	if got := Rescale(1<<31, 1, 4); got != 1<<32-1 {
		t.Fatalf("Rescale = %d", got)
	}
}
