package simhal

import (
	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/x/mathx"
	"rmtdrv-go/x/timex"
)

// wireCap bounds the per-pin capture so endless loops stay cheap.
const wireCap = 1 << 16

type txEngine struct {
	blocks  int
	div     uint32
	carrier halcore.CarrierConfig
	idle    uint8

	running    bool
	gen        int // bumped on every start and stop; stale steps exit
	ptr        int
	sinceLimit int
	limit      int
	loop       halcore.LoopConfig
	loops      uint32
	pass       []halcore.Symbol
	syncArmed  bool

	// DMA feed, set while a connected DMA channel has a chain running.
	dma     *dmaChan
	node    *halcore.DMANode
	nodeIdx int
	passes  int
}

func (s *Sim) TXSetLimit(group, ch int, symbols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group].tx[ch].limit = symbols
	s.logOp("tx_limit %d %d %d", group, ch, symbols)
}

func (s *Sim) TXSetLoop(group, ch int, l halcore.LoopConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.groups[group].tx[ch]
	t.loop = l
	t.loops = 0
	s.logOp("tx_loop %d %d en=%t count=%d auto=%t", group, ch, l.Enable, l.Count, l.AutoStop)
}

func (s *Sim) TXSetIdleLevel(group, ch int, level uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group].tx[ch].idle = level
}

// TXStart starts the engine. With sync on and the channel in the sync set,
// the start waits until every member has asked, then all go together.
func (s *Sim) TXStart(group, ch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[group]
	if g.syncOn && g.syncMask&(1<<uint(ch)) != 0 {
		g.tx[ch].syncArmed = true
		for i, t := range g.tx {
			if g.syncMask&(1<<uint(i)) != 0 && !t.syncArmed {
				s.logOp("tx_start_armed %d %d", group, ch)
				return
			}
		}
		s.logOp("tx_sync_start %d %#x", group, g.syncMask)
		for i, t := range g.tx {
			if g.syncMask&(1<<uint(i)) != 0 {
				t.syncArmed = false
				s.startTX(group, i)
			}
		}
		return
	}
	s.logOp("tx_start %d %d", group, ch)
	s.startTX(group, ch)
}

// startTX is called with s.mu held.
func (s *Sim) startTX(group, ch int) {
	t := s.groups[group].tx[ch]
	t.running = true
	t.gen++
	t.pass = t.pass[:0]
	t.node, t.nodeIdx = nil, 0
	if t.dma != nil && t.dma.head != nil {
		t.node = t.dma.head
	}
	gen := t.gen
	s.post(func() { s.stepTX(group, ch, gen) })
}

func (s *Sim) TXStop(group, ch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.groups[group].tx[ch]
	t.running = false
	t.gen++
	t.syncArmed = false
	s.logOp("tx_stop %d %d", group, ch)
}

// Passes reports how many loop passes a TX channel has completed.
func (s *Sim) Passes(group, ch int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group].tx[ch].passes
}

// stepTX advances one engine until it raises an event or ends.
func (s *Sim) stepTX(group, ch, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.groups[group].tx[ch]
	if !t.running || t.gen != gen {
		return
	}
	if t.dma != nil && t.node != nil {
		s.stepTXDMA(group, ch, t)
		return
	}

	mem := s.region(group, halcore.DirTX, ch)
	k := chanKey{group, halcore.DirTX, ch}
	for n := 0; n < len(mem); n++ {
		sym := mem[t.ptr]
		t.ptr = (t.ptr + 1) % len(mem)
		s.emit(group, ch, t, sym)
		if sym.IsEnd() {
			s.endPass(group, ch, t)
			return
		}
		t.sinceLimit++
		if t.limit > 0 && t.sinceLimit == t.limit {
			t.sinceLimit = 0
			s.raise(k, halcore.EventThreshold)
			// Resume behind the handler, the way a refill races the engine.
			s.post(func() { s.stepTX(group, ch, gen) })
			return
		}
	}
	s.post(func() { s.stepTX(group, ch, gen) })
}

// stepTXDMA walks the descriptor chain. The engine has already moved on to
// Next when a node's EOF is reported, so a relink made by the callback only
// matters the next time round the ring. Called with s.mu held.
func (s *Sim) stepTXDMA(group, ch int, t *txEngine) {
	node := t.node
	for t.nodeIdx < node.Length && t.nodeIdx < len(node.Buf) {
		sym := node.Buf[t.nodeIdx]
		t.nodeIdx++
		s.emit(group, ch, t, sym)
		if sym.IsEnd() {
			s.endPass(group, ch, t)
			return
		}
	}
	next := node.Next
	d := t.dma
	gen := t.gen
	s.post(func() { d.eof(node) })
	t.node, t.nodeIdx = next, 0
	if next == nil {
		s.endPass(group, ch, t)
		return
	}
	s.post(func() { s.stepTX(group, ch, gen) })
}

// emit records one symbol on the pins the channel drives.
func (s *Sim) emit(group, ch int, t *txEngine, sym halcore.Symbol) {
	t.pass = append(t.pass, sym)
	k := chanKey{group, halcore.DirTX, ch}
	for pin, rs := range s.routes {
		for _, r := range rs {
			if r.key == k && len(s.wire[pin]) < wireCap {
				s.wire[pin] = append(s.wire[pin], sym)
			}
		}
	}
}

// endPass handles an end marker. Called with s.mu held.
func (s *Sim) endPass(group, ch int, t *txEngine) {
	k := chanKey{group, halcore.DirTX, ch}
	t.passes++
	gen := t.gen
	if t.loop.Enable && t.dma == nil {
		t.loops++
		t.ptr, t.sinceLimit = 0, 0
		t.pass = t.pass[:0]
		if t.loop.Count > 0 && t.loops >= t.loop.Count {
			t.loops = 0
			s.raise(k, halcore.EventLoopEnd)
			if t.loop.AutoStop {
				t.running = false
				return
			}
		}
		s.post(func() { s.stepTX(group, ch, gen) })
		return
	}
	t.running = false
	frame := append([]halcore.Symbol(nil), t.pass...)
	t.pass = t.pass[:0]
	s.raise(k, halcore.EventDone)
	s.loopBack(group, ch, t, frame)
}

// loopBack hands a finished frame to armed RX channels sharing a pin,
// rescaled to their tick rate. Called with s.mu held.
func (s *Sim) loopBack(group, ch int, t *txEngine, frame []halcore.Symbol) {
	k := chanKey{group, halcore.DirTX, ch}
	src := frequencies[s.groups[group].clk]
	txHz := src / mathx.Max(t.div, 1)
	for _, rs := range s.routes {
		driven := false
		for _, r := range rs {
			if r.key == k {
				driven = true
			}
		}
		if !driven {
			continue
		}
		for _, r := range rs {
			if r.key.dir != halcore.DirRX {
				continue
			}
			rxe := s.groups[r.key.group].rx[r.key.ch]
			rxHz := frequencies[s.groups[r.key.group].clk] / mathx.Max(rxe.div, 1)
			out := make([]halcore.Symbol, 0, len(frame))
			for _, sym := range frame {
				if sym.IsEnd() {
					break
				}
				out = append(out, halcore.MakeSymbol(
					rescale(sym.Duration0(), txHz, rxHz), sym.Level0(),
					rescale(sym.Duration1(), txHz, rxHz), sym.Level1()))
			}
			s.feedRX(r.key.group, r.key.ch, out)
		}
	}
}

func rescale(d uint16, fromHz, toHz uint32) uint16 {
	v := timex.Rescale(uint32(d), fromHz, toHz)
	return uint16(mathx.Clamp(v, 1, halcore.MaxDuration))
}
