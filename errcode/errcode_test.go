package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestStableStrings(t *testing.T) {
	cases := map[Code]string{
		OK:              "ok",
		InvalidArg:      "invalid_arg",
		InvalidState:    "invalid_state",
		NotFound:        "not_found",
		NoMem:           "no_mem",
		NotSupported:    "not_supported",
		Timeout:         "timeout",
		InvalidResponse: "invalid_response",
		InvalidCRC:      "invalid_crc",
		Fail:            "fail",
	}
	for c, want := range cases {
		if c.Error() != want {
			t.Fatalf("%q.Error() = %q, want %q", string(c), c.Error(), want)
		}
	}
}

func TestOfWalksWrappedChains(t *testing.T) {
	if Of(nil) != OK {
		t.Fatal("nil should map to ok")
	}
	if Of(InvalidState) != InvalidState {
		t.Fatal("bare code not recognised")
	}
	e := New(NotFound, "rmt.NewTXChannel", "no free channel")
	if Of(e) != NotFound {
		t.Fatalf("E code lost: %v", Of(e))
	}
	wrapped := fmt.Errorf("outer: %w", e)
	if Of(wrapped) != NotFound {
		t.Fatalf("code lost through fmt wrapping: %v", Of(wrapped))
	}
	if Of(errors.New("boom")) != Fail {
		t.Fatal("foreign errors should map to fail")
	}
}

func TestWrapKeepsInnerCode(t *testing.T) {
	if Wrap(Fail, "op", nil, "x") != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
	err := Wrap(Fail, "rmt.NewTXChannel", NoMem, "alloc dma buffer of %d symbols", 64)
	if !Is(err, NoMem) {
		t.Fatalf("inner code should win, got %v", Of(err))
	}
	if !errors.Is(err, NoMem) {
		t.Fatal("cause should stay reachable through Unwrap")
	}
	err = Wrap(Fail, "rmt.NewTXChannel", errors.New("vector busy"), "alloc interrupt")
	if !Is(err, Fail) {
		t.Fatalf("foreign cause should keep the given code, got %v", Of(err))
	}
	want := "rmt.NewTXChannel: fail: alloc interrupt: vector busy"
	if err.Error() != want {
		t.Fatalf("message = %q, want %q", err.Error(), want)
	}
}
