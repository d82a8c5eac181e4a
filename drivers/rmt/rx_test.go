package rmt

import (
	"strings"
	"testing"

	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/drivers/rmt/simhal"
	"rmtdrv-go/errcode"
)

var recvCfg = ReceiveConfig{SignalRangeMaxNs: 1_000_000}

func enabledRX(t *testing.T, cfg RXChannelConfig) (*RXChannel, *rxRecorder) {
	t.Helper()
	rx := mustRX(t, cfg)
	rec := newRXRecorder(t, rx)
	if err := rx.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	t.Cleanup(func() {
		if rx.state() == fsmEnable {
			_ = rx.Disable()
		}
		_ = rx.Delete()
	})
	return rx, rec
}

// wantFrame checks a reception holds sent followed by the end symbol.
func wantFrame(t *testing.T, got, sent []Symbol) {
	t.Helper()
	if len(got) != len(sent)+1 {
		t.Fatalf("received %d symbols, want %d", len(got), len(sent)+1)
	}
	if !equalSymbols(got[:len(sent)], sent) {
		t.Fatal("received data differs")
	}
	if end := got[len(sent)]; end.Duration0() != 0 || end.Duration1() != 0 {
		t.Fatalf("last symbol = %#x", uint32(end))
	}
}

func TestLoopbackTXToRX(t *testing.T) {
	s := newSim(t, simhal.DefaultCaps())
	rx, rrec := enabledRX(t, rxConfig(7))
	tx, trec := enabledTX(t, txConfig(7))

	for _, n := range []int{3, 30, 100} {
		buf := make([]Symbol, 128)
		if err := rx.Receive(buf, recvCfg); err != nil {
			t.Fatal(err)
		}
		sent := symbols(n)
		if err := tx.Transmit(NewCopyEncoder(), SymbolBytes(sent), TransmitConfig{}); err != nil {
			t.Fatal(err)
		}
		trec.next(t)
		wantFrame(t, rrec.next(t), sent)
		if s.Armed(0, rx.ChannelID()) {
			t.Fatal("rx engine still armed after done")
		}
	}
}

func TestRXPingPongKeepsData(t *testing.T) {
	s := newSim(t, simhal.DefaultCaps())
	rx, rec := enabledRX(t, rxConfig(4))
	// 48 symbols of memory; these frames need one, two and several halves.
	for _, n := range []int{10, 23, 24, 47, 60, 150} {
		buf := make([]Symbol, 200)
		if err := rx.Receive(buf, recvCfg); err != nil {
			t.Fatal(err)
		}
		sent := symbols(n)
		if err := s.Inject(4, sent); err != nil {
			t.Fatal(err)
		}
		wantFrame(t, rec.next(t), sent)
	}
}

func TestRXTruncatesToBuffer(t *testing.T) {
	s := newSim(t, simhal.DefaultCaps())
	rx, rec := enabledRX(t, rxConfig(4))
	buf := make([]Symbol, 10)
	if err := rx.Receive(buf, recvCfg); err != nil {
		t.Fatal(err)
	}
	sent := symbols(30)
	if err := s.Inject(4, sent); err != nil {
		t.Fatal(err)
	}
	got := rec.next(t)
	if len(got) != len(buf) || !equalSymbols(got, sent[:10]) {
		t.Fatalf("got %d symbols", len(got))
	}
}

func TestRXIdleEndsFrame(t *testing.T) {
	s := newSim(t, simhal.DefaultCaps())
	rx, rec := enabledRX(t, rxConfig(4))
	buf := make([]Symbol, 64)
	// 10 us at 10 MHz is 100 ticks.
	if err := rx.Receive(buf, ReceiveConfig{SignalRangeMaxNs: 10_000}); err != nil {
		t.Fatal(err)
	}
	frame := symbols(5)
	frame[2] = halcore.MakeSymbol(20, 1, 500, 0)
	if err := s.Inject(4, frame); err != nil {
		t.Fatal(err)
	}
	got := rec.next(t)
	if len(got) != 3 {
		t.Fatalf("got %d symbols", len(got))
	}
	if got[2].Duration0() != 20 || got[2].Duration1() != 0 {
		t.Fatalf("cut symbol = %#x", uint32(got[2]))
	}
}

func TestRXOverrunRecoversWithoutPingPong(t *testing.T) {
	caps := simhal.DefaultCaps()
	caps.HasRXPingPong = false
	s := newSim(t, caps)
	rx, rec := enabledRX(t, rxConfig(4))

	// Back to back: the second reception must not see the poisoned memory
	// the first recovery left behind.
	for round := 0; round < 2; round++ {
		buf := make([]Symbol, 64)
		if err := rx.Receive(buf, recvCfg); err != nil {
			t.Fatal(err)
		}
		sent := symbols(60)
		for i := range sent {
			sent[i] = halcore.MakeSymbol(uint16(round*100+i+1), 1, 3, 0)
		}
		if err := s.Inject(4, sent); err != nil {
			t.Fatal(err)
		}
		got := rec.next(t)
		if !equalSymbols(got, sent[:48]) {
			t.Fatalf("round %d: got %d symbols", round, len(got))
		}
		for i, sym := range got {
			if sym == simhal.Poison {
				t.Fatalf("round %d: poisoned symbol at %d", round, i)
			}
		}
		if ev := s.RawEvents(0, halcore.DirRX, rx.ChannelID()); ev&halcore.EventError != 0 {
			t.Fatalf("round %d: error status still latched", round)
		}
	}
}

func TestReceiveArgumentChecks(t *testing.T) {
	newSim(t, simhal.DefaultCaps())
	rx := mustRX(t, rxConfig(4))
	buf := make([]Symbol, 16)
	wantCode(t, rx.Receive(buf, recvCfg), errcode.InvalidState)

	if err := rx.Enable(); err != nil {
		t.Fatal(err)
	}
	defer release(t, rx)
	wantCode(t, rx.Receive(nil, recvCfg), errcode.InvalidArg)
	// 5 us is 400 ticks of the 80 MHz group clock, past the 8-bit filter.
	wantCode(t, rx.Receive(buf, ReceiveConfig{SignalRangeMinNs: 5_000, SignalRangeMaxNs: 100_000}), errcode.InvalidArg)
	wantCode(t, rx.Receive(buf, ReceiveConfig{}), errcode.InvalidArg)
	// 10 ms is 100000 ticks, past the idle register.
	wantCode(t, rx.Receive(buf, ReceiveConfig{SignalRangeMaxNs: 10_000_000}), errcode.InvalidArg)

	if err := rx.Receive(buf, ReceiveConfig{SignalRangeMinNs: 1_000, SignalRangeMaxNs: 100_000}); err != nil {
		t.Fatal(err)
	}
	wantCode(t, rx.Receive(buf, recvCfg), errcode.InvalidState)
}

func TestRXDisableAbandonsReception(t *testing.T) {
	s := newSim(t, simhal.DefaultCaps())
	rx, rec := enabledRX(t, rxConfig(4))
	buf := make([]Symbol, 16)
	if err := rx.Receive(buf, recvCfg); err != nil {
		t.Fatal(err)
	}
	if err := rx.Disable(); err != nil {
		t.Fatal(err)
	}
	if s.Armed(0, rx.ChannelID()) {
		t.Fatal("engine armed after disable")
	}
	if err := rx.Enable(); err != nil {
		t.Fatal(err)
	}
	// Nothing pending, so a new reception is accepted.
	if err := rx.Receive(buf, recvCfg); err != nil {
		t.Fatal(err)
	}
	sent := symbols(4)
	if err := s.Inject(4, sent); err != nil {
		t.Fatal(err)
	}
	wantFrame(t, rec.next(t), sent)
}

func TestDMAReceive(t *testing.T) {
	s := newSim(t, simhal.DefaultCaps())
	s.StrictDMA(true)
	cfg := rxConfig(6)
	cfg.WithDMA = true
	cfg.MemBlockSymbols = 2048
	rx, rec := enabledRX(t, cfg)

	wantCode(t, rx.Receive(make([]Symbol, 64), recvCfg), errcode.InvalidArg)
	big, err := s.AllocBuffer(4000)
	if err != nil {
		t.Fatal(err)
	}
	err = rx.Receive(big, recvCfg)
	wantCode(t, err, errcode.InvalidArg)
	if want := symbolBytes(len(big)).String(); !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not name the %s buffer", err, want)
	}

	for _, n := range []int{40, 1022, 1200} {
		buf, err := s.AllocBuffer(1500)
		if err != nil {
			t.Fatal(err)
		}
		if err := rx.Receive(buf, recvCfg); err != nil {
			t.Fatal(err)
		}
		sent := symbols(n)
		if err := s.Inject(6, sent); err != nil {
			t.Fatal(err)
		}
		wantFrame(t, rec.next(t), sent)
	}
}

func TestRXCarrierNeedsDemod(t *testing.T) {
	caps := simhal.DefaultCaps()
	caps.HasRXDemod = false
	newSim(t, caps)
	rx := mustRX(t, rxConfig(4))
	defer release(t, rx)
	wantCode(t, rx.ApplyCarrier(&CarrierConfig{FrequencyHz: 38_000, DutyCycle: 0.5}), errcode.NotSupported)
}

func TestRXCarrierDemod(t *testing.T) {
	s := newSim(t, simhal.DefaultCaps())
	rx := mustRX(t, rxConfig(4))
	defer release(t, rx)
	if err := rx.ApplyCarrier(&CarrierConfig{FrequencyHz: 38_000, DutyCycle: 0.5}); err != nil {
		t.Fatal(err)
	}
	if c := s.Carrier(0, halcore.DirRX, rx.ChannelID()); !c.Enable {
		t.Fatalf("carrier = %+v", c)
	}
	if err := rx.ApplyCarrier(nil); err != nil {
		t.Fatal(err)
	}
	if c := s.Carrier(0, halcore.DirRX, rx.ChannelID()); c.Enable {
		t.Fatal("carrier still on")
	}
}

func TestDeletedChannelReportsState(t *testing.T) {
	newSim(t, simhal.DefaultCaps())
	carrier := &CarrierConfig{FrequencyHz: 38_000, DutyCycle: 0.5}

	rx := mustRX(t, rxConfig(3))
	if err := DelChannel(rx); err != nil {
		t.Fatal(err)
	}
	wantCode(t, rx.ApplyCarrier(carrier), errcode.InvalidState)
	if rx.GroupID() != 0 {
		t.Fatalf("group id after delete = %d", rx.GroupID())
	}

	tx := mustTX(t, txConfig(4))
	if err := DelChannel(tx); err != nil {
		t.Fatal(err)
	}
	wantCode(t, tx.ApplyCarrier(carrier), errcode.InvalidState)
	if tx.GroupID() != 0 {
		t.Fatalf("group id after delete = %d", tx.GroupID())
	}
}
