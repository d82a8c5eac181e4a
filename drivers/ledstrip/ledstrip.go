// Package ledstrip drives WS2812-style addressable LEDs from an RMT TX
// channel. A Strip is a one-row tinygo display.
package ledstrip

import (
	"image/color"
	"time"

	"tinygo.org/x/drivers"

	"rmtdrv-go/drivers/rmt"
	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
	"rmtdrv-go/x/logx"
	"rmtdrv-go/x/timex"
)

var log = logx.New("ledstrip")

// ColorOrder is the byte order the LEDs expect on the wire.
type ColorOrder uint8

const (
	GRB ColorOrder = iota
	RGB
)

// Timing of one bit, high then low.
type Timing struct {
	T0H, T0L uint32 // ns
	T1H, T1L uint32 // ns
}

// WS2812 is the datasheet timing.
var WS2812 = Timing{T0H: 400, T0L: 850, T1H: 800, T1L: 450}

// DefaultResetNs is the low time that latches a WS2812 frame.
const DefaultResetNs = 50_000

type Config struct {
	Length  int
	Order   ColorOrder
	Timing  Timing        // zero means WS2812
	ResetNs uint32        // low time ending each frame; zero means DefaultResetNs
	Timeout time.Duration // per Display; zero waits forever
}

// Strip buffers pixel colours and sends them on Display.
type Strip struct {
	tx      *rmt.TXChannel
	enc     *encoder
	order   ColorOrder
	timeout time.Duration
	px      []byte
	out     []byte
}

var _ drivers.Displayer = (*Strip)(nil)

// New binds a strip to tx. The channel must already be enabled before
// Display is called.
func New(tx *rmt.TXChannel, cfg Config) (*Strip, error) {
	const op = "ledstrip.New"
	if tx == nil || cfg.Length <= 0 || cfg.Length > 1<<15-1 {
		return nil, errcode.New(errcode.InvalidArg, op, "invalid strip length or channel")
	}
	tm := cfg.Timing
	if tm == (Timing{}) {
		tm = WS2812
	}
	hz := tx.ResolutionHz()
	var ticks [4]uint32
	for i, ns := range []uint32{tm.T0H, tm.T0L, tm.T1H, tm.T1L} {
		ticks[i] = timex.TicksFromNs(ns, hz)
		if ticks[i] == 0 || ticks[i] > halcore.MaxDuration {
			return nil, errcode.New(errcode.InvalidArg, op, "bit timing does not fit the channel resolution")
		}
	}
	resetNs := cfg.ResetNs
	if resetNs == 0 {
		resetNs = DefaultResetNs
	}
	half := timex.TicksFromNs(resetNs/2, hz)
	if half == 0 || half > halcore.MaxDuration {
		return nil, errcode.New(errcode.InvalidArg, op, "reset time does not fit the channel resolution")
	}
	bits, err := rmt.NewBytesEncoder(rmt.BytesEncoderConfig{
		Bit0:     halcore.MakeSymbol(uint16(ticks[0]), 1, uint16(ticks[1]), 0),
		Bit1:     halcore.MakeSymbol(uint16(ticks[2]), 1, uint16(ticks[3]), 0),
		MSBFirst: true,
	})
	if err != nil {
		return nil, err
	}
	enc := &encoder{bits: bits, reset: halcore.MakeSymbol(uint16(half), 0, uint16(half), 0)}
	log.Debugf("strip of %d leds, bit0 %d/%d bit1 %d/%d ticks", cfg.Length, ticks[0], ticks[1], ticks[2], ticks[3])
	return &Strip{
		tx:      tx,
		enc:     enc,
		order:   cfg.Order,
		timeout: cfg.Timeout,
		px:      make([]byte, 3*cfg.Length),
		out:     make([]byte, 3*cfg.Length),
	}, nil
}

func (s *Strip) Size() (x, y int16) { return int16(len(s.px) / 3), 1 }

// SetPixel ignores coordinates outside the strip and the alpha channel.
func (s *Strip) SetPixel(x, y int16, c color.RGBA) {
	if y != 0 || x < 0 || int(x) >= len(s.px)/3 {
		return
	}
	p := s.px[3*int(x):]
	switch s.order {
	case RGB:
		p[0], p[1], p[2] = c.R, c.G, c.B
	default:
		p[0], p[1], p[2] = c.G, c.R, c.B
	}
}

// Fill sets every pixel to c.
func (s *Strip) Fill(c color.RGBA) {
	for i := int16(0); int(i) < len(s.px)/3; i++ {
		s.SetPixel(i, 0, c)
	}
}

// Display sends the buffered colours and waits for the frame, reset low
// time included, to leave the channel.
func (s *Strip) Display() error {
	copy(s.out, s.px)
	if err := s.tx.Transmit(s.enc, s.out, rmt.TransmitConfig{}); err != nil {
		return err
	}
	wait := s.timeout
	if wait == 0 {
		wait = -1
	}
	return s.tx.WaitAllDone(wait)
}

// encoder emits the pixel bits followed by one low reset symbol.
type encoder struct {
	bits     *rmt.BytesEncoder
	reset    rmt.Symbol
	dataDone bool
}

func (e *encoder) Encode(dst []rmt.Symbol, payload []byte) (int, rmt.EncodeState) {
	n := 0
	if !e.dataDone {
		k, st := e.bits.Encode(dst, payload)
		n = k
		if st&rmt.EncodingComplete == 0 {
			return n, rmt.EncodingMemFull
		}
		e.dataDone = true
	}
	if n == len(dst) {
		return n, rmt.EncodingMemFull
	}
	dst[n] = e.reset
	n++
	e.dataDone = false
	st := rmt.EncodingComplete
	if n == len(dst) {
		st |= rmt.EncodingMemFull
	}
	return n, st
}

func (e *encoder) Reset() error {
	e.dataDone = false
	return e.bits.Reset()
}
