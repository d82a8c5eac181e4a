package rmt

import (
	"testing"

	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
)

func TestBytesEncoderResumesAcrossCalls(t *testing.T) {
	b0 := halcore.MakeSymbol(2, 1, 6, 0)
	b1 := halcore.MakeSymbol(6, 1, 2, 0)
	payload := []byte{0x01, 0x80, 0xf0}

	for _, msb := range []bool{true, false} {
		enc, err := NewBytesEncoder(BytesEncoderConfig{Bit0: b0, Bit1: b1, MSBFirst: msb})
		if err != nil {
			t.Fatal(err)
		}
		var got []Symbol
		dst := make([]Symbol, 5)
		for i := 0; ; i++ {
			if i > 10 {
				t.Fatal("encoder never completed")
			}
			n, st := enc.Encode(dst, payload)
			got = append(got, dst[:n]...)
			if st&EncodingComplete != 0 {
				break
			}
			if st != EncodingMemFull || n != len(dst) {
				t.Fatalf("partial call: n=%d state=%d", n, st)
			}
		}
		if len(got) != 24 {
			t.Fatalf("msb=%t: %d symbols", msb, len(got))
		}
		for i, sym := range got {
			shift := uint(i % 8)
			if msb {
				shift = 7 - shift
			}
			want := b0
			if payload[i/8]>>shift&1 == 1 {
				want = b1
			}
			if sym != want {
				t.Fatalf("msb=%t bit %d wrong", msb, i)
			}
		}
	}
}

func TestEncoderCompleteOnExactFit(t *testing.T) {
	enc := NewCopyEncoder()
	payload := SymbolBytes(symbols(4))
	dst := make([]Symbol, 4)
	n, st := enc.Encode(dst, payload)
	if n != 4 || st != EncodingComplete|EncodingMemFull {
		t.Fatalf("n=%d state=%d", n, st)
	}
	// Ready for the next payload without a Reset.
	n, st = enc.Encode(dst, payload[:8])
	if n != 2 || st != EncodingComplete {
		t.Fatalf("second payload: n=%d state=%d", n, st)
	}
}

func TestEncoderReset(t *testing.T) {
	enc := NewCopyEncoder()
	payload := SymbolBytes(symbols(6))
	dst := make([]Symbol, 4)
	if _, st := enc.Encode(dst, payload); st != EncodingMemFull {
		t.Fatalf("state = %d", st)
	}
	if err := enc.Reset(); err != nil {
		t.Fatal(err)
	}
	n, _ := enc.Encode(dst, payload)
	if n != 4 || dst[0] != symbols(1)[0] {
		t.Fatal("reset did not rewind")
	}
}

func TestCopyEncoderIgnoresTrailingBytes(t *testing.T) {
	enc := NewCopyEncoder()
	payload := append(SymbolBytes(symbols(3)), 0xaa, 0xbb)
	dst := make([]Symbol, 8)
	n, st := enc.Encode(dst, payload)
	if n != 3 || st != EncodingComplete {
		t.Fatalf("n=%d state=%d", n, st)
	}
}

func TestBytesEncoderRejectsEndSymbols(t *testing.T) {
	ok := halcore.MakeSymbol(3, 1, 3, 0)
	_, err := NewBytesEncoder(BytesEncoderConfig{Bit0: ok, Bit1: halcore.MakeSymbol(3, 1, 0, 0)})
	wantCode(t, err, errcode.InvalidArg)
}
