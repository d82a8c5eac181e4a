package simhal

import (
	"github.com/pkg/errors"

	"rmtdrv-go/drivers/rmt/halcore"
)

type dmaChan struct {
	s         *Sim
	dir       halcore.Direction
	group, ch int
	connected bool
	head      *halcore.DMANode
	onEOF     func(*halcore.DMANode)
}

func (s *Sim) NewChannel(dir halcore.Direction) (halcore.DMAChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("dma_channel"); err != nil {
		return nil, err
	}
	s.logOp("dma_new %s", dir)
	return &dmaChan{s: s, dir: dir, group: -1}, nil
}

// AllocBuffer hands out memory the simulated DMA engine accepts.
func (s *Sim) AllocBuffer(symbols int) ([]halcore.Symbol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("dma_alloc"); err != nil {
		return nil, err
	}
	if symbols <= 0 {
		return nil, errors.New("sim: empty dma buffer")
	}
	buf := make([]halcore.Symbol, symbols)
	s.bufs[&buf[0]] = true
	return buf, nil
}

// Capable accepts buffers from AllocBuffer, or any buffer when the target
// DMA can reach all of RAM.
func (s *Sim) Capable(buf []halcore.Symbol) bool {
	if len(buf) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufs[&buf[0]] || !s.strictDMA
}

// StrictDMA makes Capable accept only AllocBuffer memory.
func (s *Sim) StrictDMA(on bool) {
	s.mu.Lock()
	s.strictDMA = on
	s.mu.Unlock()
}

func (d *dmaChan) Connect(group, ch int) error {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.connected {
		return errors.New("sim: dma already connected")
	}
	d.group, d.ch, d.connected = group, ch, true
	if d.dir == halcore.DirRX {
		s.groups[group].rx[ch].dma = d
	} else {
		s.groups[group].tx[ch].dma = d
	}
	s.logOp("dma_connect %s %d %d", d.dir, group, ch)
	return nil
}

func (d *dmaChan) Disconnect() error {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !d.connected {
		return errors.New("sim: dma not connected")
	}
	if d.dir == halcore.DirRX {
		s.groups[d.group].rx[d.ch].dma = nil
	} else {
		s.groups[d.group].tx[d.ch].dma = nil
	}
	d.connected = false
	d.head = nil
	s.logOp("dma_disconnect %s %d %d", d.dir, d.group, d.ch)
	return nil
}

func (d *dmaChan) Start(head *halcore.DMANode) error {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !d.connected {
		return errors.New("sim: dma not connected")
	}
	d.head = head
	s.logOp("dma_start %s %d %d", d.dir, d.group, d.ch)
	return nil
}

func (d *dmaChan) Stop() {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	d.head = nil
	if d.connected && d.dir == halcore.DirTX {
		t := s.groups[d.group].tx[d.ch]
		t.node = nil
	}
}

func (d *dmaChan) Reset() {
	d.Stop()
}

func (d *dmaChan) OnEOF(fn func(*halcore.DMANode)) {
	d.s.mu.Lock()
	d.onEOF = fn
	d.s.mu.Unlock()
}

func (d *dmaChan) Close() error {
	s := d.s
	s.mu.Lock()
	connected := d.connected
	d.onEOF = nil
	s.mu.Unlock()
	if connected {
		return d.Disconnect()
	}
	return nil
}

// eof runs the completion callback outside the simulator lock.
func (d *dmaChan) eof(node *halcore.DMANode) {
	d.s.mu.Lock()
	fn := d.onEOF
	d.s.mu.Unlock()
	if fn != nil {
		fn(node)
	}
}
