package main

import (
	"image/color"
	"time"

	"rmtdrv-go/config"
	"rmtdrv-go/drivers/ledstrip"
	"rmtdrv-go/drivers/rmt"
	"rmtdrv-go/drivers/rmt/frame"
	"rmtdrv-go/drivers/rmt/simhal"
	"rmtdrv-go/errcode"
)

// rig is a TX and an RX channel sharing a pin, plus an optional LED strip.
type rig struct {
	sim   *simhal.Sim
	tx    *rmt.TXChannel
	rx    *rmt.RXChannel
	strip *ledstrip.Strip
	chans []rmt.Channel
	sync  *rmt.SyncManager

	recv rmt.ReceiveConfig
	f    frame.Format
	enc  *frame.Encoder
	got  chan []rmt.Symbol
}

func newRig(b *config.Board, stripLen int) (_ *rig, err error) {
	const op = "loopback.newRig"
	txc, ok := b.FindTX("link_tx")
	if !ok {
		return nil, errcode.New(errcode.NotFound, op, "board has no link_tx")
	}
	rxc, ok := b.FindRX("link_rx")
	if !ok {
		return nil, errcode.New(errcode.NotFound, op, "board has no link_rx")
	}

	s := simhal.New(simhal.DefaultCaps())
	rmt.SetPlatform(s.Platform())
	block := s.Caps().MemBlockSymbols
	r := &rig{sim: s, recv: rxc.Receive(), got: make(chan []rmt.Symbol, 1)}
	defer func() {
		if err != nil {
			r.close()
		}
	}()

	if r.tx, err = rmt.NewTXChannel(txc.Channel(block)); err != nil {
		return nil, err
	}
	r.chans = append(r.chans, r.tx)
	if r.rx, err = rmt.NewRXChannel(rxc.Channel(block)); err != nil {
		return nil, err
	}
	r.chans = append(r.chans, r.rx)
	if cc := txc.Carrier.Driver(); cc != nil {
		if err = r.tx.ApplyCarrier(cc); err != nil {
			return nil, err
		}
	}
	if cc := rxc.Carrier.Driver(); cc != nil {
		if err = r.rx.ApplyCarrier(cc); err != nil {
			return nil, err
		}
	}
	if err = r.rx.RegisterEventCallbacks(rmt.RXEventCallbacks{OnRecvDone: func(ev rmt.RXDoneEvent) {
		r.got <- append([]rmt.Symbol(nil), ev.Symbols...)
	}}); err != nil {
		return nil, err
	}

	var stripTX *rmt.TXChannel
	if sc, ok := b.FindTX("strip"); ok && stripLen > 0 {
		if stripTX, err = rmt.NewTXChannel(sc.Channel(block)); err != nil {
			return nil, err
		}
		r.chans = append(r.chans, stripTX)
	}
	for _, ch := range r.chans {
		if err = rmt.Enable(ch); err != nil {
			return nil, err
		}
	}
	if len(b.Sync) > 0 {
		byName := map[string]rmt.Channel{"link_tx": r.tx}
		if stripTX != nil {
			byName["strip"] = stripTX
		}
		members := make([]rmt.Channel, 0, len(b.Sync))
		for _, n := range b.Sync {
			ch, ok := byName[n]
			if !ok {
				return nil, errcode.New(errcode.NotFound, op, "sync channel not set up: "+n)
			}
			members = append(members, ch)
		}
		if r.sync, err = rmt.NewSyncManager(members); err != nil {
			return nil, err
		}
	}
	if stripTX != nil {
		if r.strip, err = ledstrip.New(stripTX, ledstrip.Config{Length: stripLen, Timeout: time.Second}); err != nil {
			return nil, err
		}
	}

	if r.f, err = frame.NewFormat(r.tx.ResolutionHz(), frame.DefaultTiming); err != nil {
		return nil, err
	}
	if r.enc, err = frame.NewEncoder(r.f); err != nil {
		return nil, err
	}
	return r, nil
}

// roundTrip sends payload as a frame and decodes what the RX side captured.
func (r *rig) roundTrip(payload []byte, timeout time.Duration) ([]byte, error) {
	const op = "loopback.roundTrip"
	buf := make([]rmt.Symbol, frame.SymbolsFor(len(payload)))
	if err := r.rx.Receive(buf, r.recv); err != nil {
		return nil, err
	}
	if err := r.tx.Transmit(r.enc, payload, rmt.TransmitConfig{}); err != nil {
		return nil, err
	}
	select {
	case syms := <-r.got:
		return frame.Decode(r.f, syms)
	case <-time.After(timeout):
		// Abandon the reception so the next Receive is accepted.
		_ = r.rx.Disable()
		_ = r.rx.Enable()
		return nil, errcode.New(errcode.Timeout, op, "no frame received")
	}
}

func (r *rig) fill(c color.RGBA) error {
	if r.strip == nil {
		return errcode.New(errcode.InvalidState, "loopback.fill", "no led strip configured")
	}
	r.strip.Fill(c)
	return r.strip.Display()
}

func (r *rig) close() {
	if r.sync != nil {
		if err := r.sync.Delete(); err != nil {
			log.Warnf("delete sync manager: %v", err)
		}
		r.sync = nil
	}
	for i := len(r.chans) - 1; i >= 0; i-- {
		ch := r.chans[i]
		_ = rmt.Disable(ch)
		if err := rmt.DelChannel(ch); err != nil {
			log.Warnf("delete channel: %v", err)
		}
	}
	r.chans = nil
	r.sim.Close()
}
