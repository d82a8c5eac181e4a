package rmt

import (
	"testing"
	"time"

	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/drivers/rmt/simhal"
	"rmtdrv-go/errcode"
)

// newSim installs a fresh simulated platform for one test.
func newSim(t *testing.T, caps halcore.Caps) *simhal.Sim {
	t.Helper()
	resetRegistry()
	s := simhal.New(caps)
	SetPlatform(s.Platform())
	t.Cleanup(func() {
		s.Close()
		resetRegistry()
	})
	return s
}

// resetRegistry forgets groups a failed test left behind.
func resetRegistry() {
	registry.mu.Lock()
	for i := range registry.groups {
		registry.groups[i] = nil
	}
	registry.mu.Unlock()
}

func txConfig(gpio int) TXChannelConfig {
	return TXChannelConfig{
		GPIO:            gpio,
		ResolutionHz:    10_000_000,
		MemBlockSymbols: 48,
		QueueDepth:      4,
	}
}

func rxConfig(gpio int) RXChannelConfig {
	return RXChannelConfig{
		GPIO:            gpio,
		ResolutionHz:    10_000_000,
		MemBlockSymbols: 48,
	}
}

func mustTX(t *testing.T, cfg TXChannelConfig) *TXChannel {
	t.Helper()
	tx, err := NewTXChannel(cfg)
	if err != nil {
		t.Fatalf("NewTXChannel: %v", err)
	}
	return tx
}

func mustRX(t *testing.T, cfg RXChannelConfig) *RXChannel {
	t.Helper()
	rx, err := NewRXChannel(cfg)
	if err != nil {
		t.Fatalf("NewRXChannel: %v", err)
	}
	return rx
}

// release disables (if needed) and deletes ch.
func release(t *testing.T, ch Channel) {
	t.Helper()
	if ch.base().state() == fsmEnable {
		if err := Disable(ch); err != nil {
			t.Fatalf("Disable: %v", err)
		}
	}
	if err := DelChannel(ch); err != nil {
		t.Fatalf("DelChannel: %v", err)
	}
}

func wantCode(t *testing.T, err error, c errcode.Code) {
	t.Helper()
	if got := errcode.Of(err); got != c {
		t.Fatalf("error = %v (code %q), want %q", err, got, c)
	}
}

// symbols builds n distinct data symbols.
func symbols(n int) []Symbol {
	out := make([]Symbol, n)
	for i := range out {
		out[i] = halcore.MakeSymbol(uint16(i%1000+1), 1, uint16(i/1000+2), 0)
	}
	return out
}

// frames splits a wire capture into end-marker separated frames, dropping
// the empty frames Enable leaves behind.
func frames(wire []Symbol) [][]Symbol {
	var out [][]Symbol
	var cur []Symbol
	for _, s := range wire {
		if s.IsEnd() {
			if len(cur) > 0 {
				out = append(out, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, s)
	}
	return out
}

func equalSymbols(a, b []Symbol) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// txRecorder collects completion events.
type txRecorder struct {
	ch chan TXDoneEvent
}

func newTXRecorder(t *testing.T, tx *TXChannel) *txRecorder {
	t.Helper()
	r := &txRecorder{ch: make(chan TXDoneEvent, 64)}
	if err := tx.RegisterEventCallbacks(TXEventCallbacks{OnTransDone: func(ev TXDoneEvent) {
		r.ch <- ev
	}}); err != nil {
		t.Fatalf("RegisterEventCallbacks: %v", err)
	}
	return r
}

func (r *txRecorder) next(t *testing.T) TXDoneEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for tx done")
	}
	return TXDoneEvent{}
}

func (r *txRecorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected tx done: %+v", ev)
	case <-time.After(d):
	}
}

type rxRecorder struct {
	ch chan []Symbol
}

func newRXRecorder(t *testing.T, rx *RXChannel) *rxRecorder {
	t.Helper()
	r := &rxRecorder{ch: make(chan []Symbol, 8)}
	if err := rx.RegisterEventCallbacks(RXEventCallbacks{OnRecvDone: func(ev RXDoneEvent) {
		r.ch <- append([]Symbol(nil), ev.Symbols...)
	}}); err != nil {
		t.Fatalf("RegisterEventCallbacks: %v", err)
	}
	return r
}

func (r *rxRecorder) next(t *testing.T) []Symbol {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for rx done")
	}
	return nil
}
