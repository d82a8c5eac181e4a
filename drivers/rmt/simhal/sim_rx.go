package simhal

import (
	"github.com/pkg/errors"

	"rmtdrv-go/drivers/rmt/halcore"
)

type rxEngine struct {
	blocks  int
	div     uint32
	carrier halcore.CarrierConfig

	armed      bool
	ownerHW    bool
	filterOn   bool
	filter     uint32
	idle       uint32
	limit      int
	writeOff   int
	sinceLimit int
	gen        int

	dma     *dmaChan
	node    *halcore.DMANode
	nodeIdx int
}

func (s *Sim) RXEnable(group, ch int, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.groups[group].rx[ch]
	r.armed = on
	r.gen++
	if on && r.dma != nil {
		r.node, r.nodeIdx = r.dma.head, 0
	}
	s.logOp("rx_enable %d %d %t", group, ch, on)
}

func (s *Sim) RXSetOwner(group, ch int, hw bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group].rx[ch].ownerHW = hw
}

func (s *Sim) RXSetFilter(group, ch int, enable bool, ticks uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.groups[group].rx[ch]
	r.filterOn, r.filter = enable, ticks
	s.logOp("rx_filter %d %d en=%t ticks=%d", group, ch, enable, ticks)
}

func (s *Sim) RXSetIdleThreshold(group, ch int, ticks uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group].rx[ch].idle = ticks
	s.logOp("rx_idle %d %d %d", group, ch, ticks)
}

func (s *Sim) RXSetLimit(group, ch int, symbols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group].rx[ch].limit = symbols
}

func (s *Sim) RXWriteOffset(group, ch int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group].rx[ch].writeOff
}

// Inject drives a frame into every armed RX channel routed to pin. Symbols
// are in the receiving channel's ticks.
func (s *Sim) Inject(pin int, frame []halcore.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.routes[pin] {
		if r.key.dir != halcore.DirRX {
			continue
		}
		if s.groups[r.key.group].rx[r.key.ch].armed {
			s.feedRX(r.key.group, r.key.ch, frame)
			n++
		}
	}
	if n == 0 {
		return errors.Errorf("sim: no armed rx channel on pin %d", pin)
	}
	return nil
}

// Armed reports whether an RX channel is listening.
func (s *Sim) Armed(group, ch int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group].rx[ch].armed
}

// shape applies the filter and the idle threshold the way the engine sees
// the line, and terminates the frame with an end symbol.
func (r *rxEngine) shape(frame []halcore.Symbol) []halcore.Symbol {
	out := make([]halcore.Symbol, 0, len(frame)+1)
	for _, sym := range frame {
		if sym.IsEnd() {
			break
		}
		if r.filterOn && uint32(sym.Duration0()) < r.filter && uint32(sym.Duration1()) < r.filter {
			continue
		}
		if r.idle > 0 && uint32(sym.Duration1()) > r.idle {
			// Line idle long enough: the frame ends inside this symbol.
			out = append(out, halcore.MakeSymbol(sym.Duration0(), sym.Level0(), 0, sym.Level1()))
			return out
		}
		out = append(out, sym)
	}
	return append(out, halcore.MakeSymbol(0, 0, 0, 0))
}

// feedRX queues a frame for one RX channel. Called with s.mu held.
func (s *Sim) feedRX(group, ch int, frame []halcore.Symbol) {
	r := s.groups[group].rx[ch]
	if !r.armed {
		return
	}
	data := r.shape(frame)
	gen := r.gen
	s.post(func() { s.stepRX(group, ch, gen, data) })
}

// stepRX writes symbols into channel memory, yielding to the handler at
// every ping-pong threshold.
func (s *Sim) stepRX(group, ch, gen int, data []halcore.Symbol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.groups[group].rx[ch]
	if !r.armed || r.gen != gen {
		return
	}
	if r.dma != nil {
		s.stepRXDMA(group, ch, r, data)
		return
	}
	k := chanKey{group, halcore.DirRX, ch}
	mem := s.region(group, halcore.DirRX, ch)
	for i, sym := range data {
		if r.writeOff == len(mem) {
			if !s.caps.HasRXPingPong || r.limit == 0 {
				// Out of memory: the rest of the frame is lost.
				r.armed = false
				s.logOp("rx_overrun %d %d", group, ch)
				s.raise(k, halcore.EventError|halcore.EventDone)
				return
			}
			r.writeOff = 0
		}
		mem[r.writeOff] = sym
		r.writeOff++
		if r.limit > 0 && s.caps.HasRXPingPong {
			r.sinceLimit++
			if r.sinceLimit == r.limit && i < len(data)-1 {
				r.sinceLimit = 0
				if r.writeOff == len(mem) {
					r.writeOff = 0
				}
				s.raise(k, halcore.EventThreshold)
				rest := data[i+1:]
				s.post(func() { s.stepRX(group, ch, gen, rest) })
				return
			}
		}
	}
	r.armed = false
	s.raise(k, halcore.EventDone)
}

// stepRXDMA writes a frame across the mounted chain and reports the node
// holding its end. Called with s.mu held.
func (s *Sim) stepRXDMA(group, ch int, r *rxEngine, data []halcore.Symbol) {
	var last *halcore.DMANode
	for _, sym := range data {
		for r.node != nil && r.nodeIdx == len(r.node.Buf) {
			r.node, r.nodeIdx = r.node.Next, 0
		}
		if r.node == nil {
			break
		}
		r.node.Buf[r.nodeIdx] = sym
		r.nodeIdx++
		r.node.Length = r.nodeIdx
		last = r.node
	}
	r.armed = false
	if last == nil {
		return
	}
	last.EOF = true
	d := r.dma
	s.post(func() { d.eof(last) })
}
