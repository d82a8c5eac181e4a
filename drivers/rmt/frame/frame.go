// Package frame carries short byte payloads over RMT as pulse-width coded
// frames: a leader pulse, the payload MSB first, then a CRC-16/XMODEM.
package frame

import (
	"github.com/sigurn/crc16"

	"rmtdrv-go/drivers/rmt"
	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
	"rmtdrv-go/x/mathx"
	"rmtdrv-go/x/timex"
)

var table = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checksum is the CRC appended to every frame.
func Checksum(payload []byte) uint16 { return crc16.Checksum(payload, table) }

// Pulse is one symbol as high then low time.
type Pulse struct {
	HighNs, LowNs uint32
}

// Timing describes a frame in wall-clock terms.
type Timing struct {
	Leader Pulse
	Bit0   Pulse
	Bit1   Pulse
}

// DefaultTiming fits in a 15-bit duration at resolutions up to 80 MHz.
var DefaultTiming = Timing{
	Leader: Pulse{HighNs: 360_000, LowNs: 180_000},
	Bit0:   Pulse{HighNs: 20_000, LowNs: 20_000},
	Bit1:   Pulse{HighNs: 60_000, LowNs: 20_000},
}

// Format is a Timing converted to ticks of one channel resolution.
type Format struct {
	Leader    rmt.Symbol
	Bit0      rmt.Symbol
	Bit1      rmt.Symbol
	Tolerance uint16 // accepted deviation of a high time, in ticks
}

// NewFormat converts t to ticks at resolutionHz.
func NewFormat(resolutionHz uint32, t Timing) (Format, error) {
	const op = "frame.NewFormat"
	if resolutionHz == 0 {
		return Format{}, errcode.New(errcode.InvalidArg, op, "zero resolution")
	}
	var syms [3]rmt.Symbol
	for i, p := range []Pulse{t.Leader, t.Bit0, t.Bit1} {
		hi := timex.TicksFromNs(p.HighNs, resolutionHz)
		lo := timex.TicksFromNs(p.LowNs, resolutionHz)
		if hi == 0 || lo == 0 || hi > halcore.MaxDuration || lo > halcore.MaxDuration {
			return Format{}, errcode.New(errcode.InvalidArg, op, "pulse does not fit a symbol at this resolution")
		}
		syms[i] = halcore.MakeSymbol(uint16(hi), 1, uint16(lo), 0)
	}
	f := Format{Leader: syms[0], Bit0: syms[1], Bit1: syms[2]}
	d0, d1 := f.Bit0.Duration0(), f.Bit1.Duration0()
	if d0 == d1 {
		return Format{}, errcode.New(errcode.InvalidArg, op, "bit 0 and bit 1 are indistinguishable")
	}
	f.Tolerance = mathx.Max(d0, d1) - mathx.Min(d0, d1)
	f.Tolerance = mathx.Max(f.Tolerance/2, 1)
	return f, nil
}

// SymbolsFor is the receive buffer a payload of n bytes needs, end symbol
// included.
func SymbolsFor(n int) int { return 1 + 8*(n+2) + 1 }

const (
	phaseLeader = iota
	phasePayload
	phaseCRC
)

// Encoder produces frames for rmt.TXChannel.Transmit.
type Encoder struct {
	f     Format
	bits  *rmt.BytesEncoder
	crc   [2]byte
	phase int
}

var _ rmt.Encoder = (*Encoder)(nil)

func NewEncoder(f Format) (*Encoder, error) {
	if f.Leader.IsEnd() {
		return nil, errcode.New(errcode.InvalidArg, "frame.NewEncoder", "leader must not contain a zero duration")
	}
	bits, err := rmt.NewBytesEncoder(rmt.BytesEncoderConfig{Bit0: f.Bit0, Bit1: f.Bit1, MSBFirst: true})
	if err != nil {
		return nil, err
	}
	return &Encoder{f: f, bits: bits}, nil
}

func (e *Encoder) Encode(dst []rmt.Symbol, payload []byte) (int, rmt.EncodeState) {
	n := 0
	if e.phase == phaseLeader {
		if len(dst) == 0 {
			return 0, rmt.EncodingMemFull
		}
		dst[0] = e.f.Leader
		n = 1
		sum := Checksum(payload)
		e.crc = [2]byte{byte(sum >> 8), byte(sum)}
		e.phase = phasePayload
	}
	if e.phase == phasePayload {
		k, st := e.bits.Encode(dst[n:], payload)
		n += k
		if st&rmt.EncodingComplete == 0 {
			return n, rmt.EncodingMemFull
		}
		e.phase = phaseCRC
	}
	k, st := e.bits.Encode(dst[n:], e.crc[:])
	n += k
	if st&rmt.EncodingComplete == 0 {
		return n, rmt.EncodingMemFull
	}
	e.phase = phaseLeader
	out := rmt.EncodingComplete
	if n == len(dst) {
		out |= rmt.EncodingMemFull
	}
	return n, out
}

func (e *Encoder) Reset() error {
	e.phase = phaseLeader
	return e.bits.Reset()
}

// Decode recovers the payload of a received frame. The frame ends at the
// first symbol without a high time, or at the end of syms.
func Decode(f Format, syms []rmt.Symbol) ([]byte, error) {
	const op = "frame.Decode"
	if len(syms) == 0 || !near(syms[0].Duration0(), f.Leader.Duration0(), 2*f.Tolerance) {
		return nil, errcode.New(errcode.InvalidResponse, op, "no leader")
	}
	var out []byte
	var cur byte
	bits := 0
	for _, s := range syms[1:] {
		d := s.Duration0()
		if d == 0 {
			break
		}
		var bit byte
		switch {
		case near(d, f.Bit0.Duration0(), f.Tolerance):
		case near(d, f.Bit1.Duration0(), f.Tolerance):
			bit = 1
		default:
			return nil, errcode.New(errcode.InvalidResponse, op, "pulse matches neither bit")
		}
		cur = cur<<1 | bit
		bits++
		if bits%8 == 0 {
			out = append(out, cur)
			cur = 0
		}
	}
	if bits%8 != 0 || len(out) < 2 {
		return nil, errcode.New(errcode.InvalidResponse, op, "truncated frame")
	}
	payload, tail := out[:len(out)-2], out[len(out)-2:]
	if Checksum(payload) != uint16(tail[0])<<8|uint16(tail[1]) {
		return nil, errcode.New(errcode.InvalidCRC, op, "checksum mismatch")
	}
	return payload, nil
}

func near(got, want, tol uint16) bool {
	if got > want {
		return got-want <= tol
	}
	return want-got <= tol
}
