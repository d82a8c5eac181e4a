package rmt

import (
	"encoding/binary"

	"rmtdrv-go/errcode"
)

// EncodeState is reported by an encoder after each call.
type EncodeState uint8

const (
	EncodingReset    EncodeState = 0
	EncodingComplete EncodeState = 1 << 0 // whole payload encoded
	EncodingMemFull  EncodeState = 1 << 1 // dst filled, call again with more room
)

// Encoder turns a payload into symbols incrementally. Encode writes at most
// len(dst) symbols and returns how many it wrote. After EncodingMemFull it is
// called again with fresh room and must resume where it stopped. After
// EncodingComplete it must be ready for a new payload.
//
// Encode runs in interrupt context for every refill but the first.
type Encoder interface {
	Encode(dst []Symbol, payload []byte) (n int, state EncodeState)
	Reset() error
}

// BytesEncoderConfig maps each payload bit to one symbol.
type BytesEncoderConfig struct {
	Bit0     Symbol
	Bit1     Symbol
	MSBFirst bool
}

// BytesEncoder emits one symbol per payload bit.
type BytesEncoder struct {
	cfg BytesEncoderConfig
	idx int
	bit int
}

func NewBytesEncoder(cfg BytesEncoderConfig) (*BytesEncoder, error) {
	if cfg.Bit0.IsEnd() || cfg.Bit1.IsEnd() {
		return nil, errcode.New(errcode.InvalidArg, "rmt.NewBytesEncoder", "bit symbols must not contain a zero duration")
	}
	return &BytesEncoder{cfg: cfg}, nil
}

func (e *BytesEncoder) Encode(dst []Symbol, payload []byte) (int, EncodeState) {
	n := 0
	for e.idx < len(payload) {
		if n == len(dst) {
			return n, EncodingMemFull
		}
		b := payload[e.idx]
		shift := e.bit
		if e.cfg.MSBFirst {
			shift = 7 - e.bit
		}
		if b>>uint(shift)&1 != 0 {
			dst[n] = e.cfg.Bit1
		} else {
			dst[n] = e.cfg.Bit0
		}
		n++
		e.bit++
		if e.bit == 8 {
			e.bit = 0
			e.idx++
		}
	}
	e.idx, e.bit = 0, 0
	st := EncodingComplete
	if n == len(dst) {
		st |= EncodingMemFull
	}
	return n, st
}

func (e *BytesEncoder) Reset() error {
	e.idx, e.bit = 0, 0
	return nil
}

// CopyEncoder copies a payload of little-endian 32-bit symbols verbatim.
// Trailing bytes that do not form a whole symbol are ignored.
type CopyEncoder struct {
	off int
}

func NewCopyEncoder() *CopyEncoder { return &CopyEncoder{} }

func (e *CopyEncoder) Encode(dst []Symbol, payload []byte) (int, EncodeState) {
	total := len(payload) / 4
	n := 0
	for e.off < total {
		if n == len(dst) {
			return n, EncodingMemFull
		}
		dst[n] = Symbol(binary.LittleEndian.Uint32(payload[e.off*4:]))
		n++
		e.off++
	}
	e.off = 0
	st := EncodingComplete
	if n == len(dst) {
		st |= EncodingMemFull
	}
	return n, st
}

func (e *CopyEncoder) Reset() error {
	e.off = 0
	return nil
}

// SymbolBytes builds a CopyEncoder payload.
func SymbolBytes(syms []Symbol) []byte {
	out := make([]byte, 4*len(syms))
	for i, s := range syms {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(s))
	}
	return out
}
