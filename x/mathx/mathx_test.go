package mathx

import "testing"

func TestCeilDiv(t *testing.T) {
	if got := CeilDiv(64, 48); got != 2 {
		t.Fatalf("CeilDiv(64,48)=%d", got)
	}
	if got := CeilDiv(uint32(96), 48); got != 2 {
		t.Fatalf("CeilDiv(96,48)=%d", got)
	}
	if got := CeilDiv(1, 0); got != 0 {
		t.Fatalf("CeilDiv(x,0)=%d", got)
	}
}

func TestMask(t *testing.T) {
	if got := Mask(2, 3); got != 0b11000 {
		t.Fatalf("Mask(2,3)=%b", got)
	}
	if got := Mask(0, 5); got != 0 {
		t.Fatalf("Mask(0,5)=%b", got)
	}
	if got := Mask(40, 0); got != ^uint32(0) {
		t.Fatalf("Mask(40,0)=%b", got)
	}
}

func TestClampMinMax(t *testing.T) {
	if Clamp(5, 10, 0) != 5 || Clamp(-1, 0, 3) != 0 || Clamp(9, 0, 3) != 3 {
		t.Fatal("Clamp")
	}
	if Min(uint32(3), 7) != 3 || Max(3, 7) != 7 {
		t.Fatal("Min/Max")
	}
}
