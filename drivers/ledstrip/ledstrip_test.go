package ledstrip

import (
	"image/color"
	"testing"

	"rmtdrv-go/drivers/rmt"
	"rmtdrv-go/drivers/rmt/simhal"
	"rmtdrv-go/errcode"
)

const pin = 8

func newStrip(t *testing.T, hz uint32, cfg Config) (*Strip, *simhal.Sim) {
	t.Helper()
	s := simhal.New(simhal.DefaultCaps())
	rmt.SetPlatform(s.Platform())
	tx, err := rmt.NewTXChannel(rmt.TXChannelConfig{GPIO: pin, ResolutionHz: hz, MemBlockSymbols: 48, QueueDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = tx.Disable()
		_ = tx.Delete()
		s.Close()
	})
	if err := tx.Enable(); err != nil {
		t.Fatal(err)
	}
	st, err := New(tx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return st, s
}

// wireBytes decodes the first frame on the pin back into bytes, telling
// bits apart by their high time. The frame must end in a low reset symbol
// of at least 50 µs.
func wireBytes(t *testing.T, s *simhal.Sim, hz uint32) []byte {
	t.Helper()
	var frame []rmt.Symbol
	for _, sym := range s.Wire(pin) {
		if sym.IsEnd() {
			if len(frame) > 0 {
				break
			}
			continue
		}
		frame = append(frame, sym)
	}
	if len(frame) == 0 {
		t.Fatal("nothing on the wire")
	}
	last := frame[len(frame)-1]
	frame = frame[:len(frame)-1]
	if last.Level0() != 0 || last.Level1() != 0 ||
		(uint64(last.Duration0())+uint64(last.Duration1()))*1_000_000 < uint64(hz)*50 {
		t.Fatalf("frame ends in %#x, not a reset", uint32(last))
	}
	if len(frame)%8 != 0 {
		t.Fatalf("frame of %d symbols", len(frame))
	}
	out := make([]byte, len(frame)/8)
	for i, sym := range frame {
		if sym.Duration0() > sym.Duration1() {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

func TestDisplaySendsGRB(t *testing.T) {
	st, s := newStrip(t, 10_000_000, Config{Length: 3})
	if x, y := st.Size(); x != 3 || y != 1 {
		t.Fatalf("size = %d,%d", x, y)
	}
	st.SetPixel(0, 0, color.RGBA{R: 0xff, G: 0x10, B: 0x01})
	st.SetPixel(2, 0, color.RGBA{R: 0x01, G: 0x02, B: 0x03})
	st.SetPixel(3, 0, color.RGBA{R: 0xaa})
	st.SetPixel(1, 1, color.RGBA{R: 0xaa})
	if err := st.Display(); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x10, 0xff, 0x01, 0, 0, 0, 0x02, 0x01, 0x03}
	if got := wireBytes(t, s, 10_000_000); string(got) != string(want) {
		t.Fatalf("wire = % x", got)
	}
}

func TestRGBOrderAndFill(t *testing.T) {
	st, s := newStrip(t, 20_000_000, Config{Length: 2, Order: RGB})
	st.Fill(color.RGBA{R: 1, G: 2, B: 3})
	if err := st.Display(); err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 1, 2, 3}
	if got := wireBytes(t, s, 20_000_000); string(got) != string(want) {
		t.Fatalf("wire = % x", got)
	}
}

func TestResolutionTooCoarse(t *testing.T) {
	s := simhal.New(simhal.DefaultCaps())
	defer s.Close()
	rmt.SetPlatform(s.Platform())
	tx, err := rmt.NewTXChannel(rmt.TXChannelConfig{GPIO: pin, ResolutionHz: 1_000_000, MemBlockSymbols: 48, QueueDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Delete()
	if _, err := New(tx, Config{Length: 4}); !errcode.Is(err, errcode.InvalidArg) {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(tx, Config{}); !errcode.Is(err, errcode.InvalidArg) {
		t.Fatalf("zero length: %v", err)
	}
}

func TestResetTime(t *testing.T) {
	st, s := newStrip(t, 10_000_000, Config{Length: 1, ResetNs: 300_000})
	if err := st.Display(); err != nil {
		t.Fatal(err)
	}
	wireBytes(t, s, 10_000_000)
	var reset rmt.Symbol
	for _, sym := range s.Wire(pin) {
		if !sym.IsEnd() {
			reset = sym
		}
	}
	if reset.Duration0() != 1500 || reset.Duration1() != 1500 {
		t.Fatalf("reset = %d+%d ticks", reset.Duration0(), reset.Duration1())
	}

	if _, err := New(st.tx, Config{Length: 1, ResetNs: 10_000_000}); !errcode.Is(err, errcode.InvalidArg) {
		t.Fatalf("oversized reset: %v", err)
	}
}
