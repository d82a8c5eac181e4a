package rmt

import (
	"sync/atomic"
	"time"

	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
	"rmtdrv-go/x/mathx"
)

// txTrans is one slot of the descriptor arena.
type txTrans struct {
	encoder     Encoder
	payload     []byte
	loopCount   int
	remainLoop  int
	transmitted int
	eotLevel    uint8
	encodeDone  bool // encoder reported completion
	eotPending  bool // completion seen but no room for the end marker yet
	eotWritten  bool
	err         error
}

// TXChannel transmits encoder output through one RMT TX channel.
type TXChannel struct {
	channel

	withDMA bool
	depth   int
	pool    []txTrans
	// Queues of pool indices: ready -> progress -> complete -> ready.
	ready    chan int
	progress chan int
	complete chan int
	inflight atomic.Int32

	// mem is the hardware symbol memory, or the DMA buffer in DMA mode.
	mem      []Symbol
	pingPong int
	dmaNodes [2]halcore.DMANode

	// Interrupt-side state, guarded by gate.
	cur    *txTrans
	memOff int
	memEnd int
	cbs    TXEventCallbacks
}

var _ Channel = (*TXChannel)(nil)

// NewTXChannel claims a TX channel and prepares it in the INIT state.
func NewTXChannel(cfg TXChannelConfig) (*TXChannel, error) {
	const op = "rmt.NewTXChannel"
	p, err := platform()
	if err != nil {
		return nil, err
	}
	caps := p.Regs.Caps()
	switch {
	case cfg.GPIO < 0, cfg.ResolutionHz == 0, cfg.QueueDepth <= 0, cfg.IntrPriority < 0:
		return nil, errcode.New(errcode.InvalidArg, op, "invalid config")
	case cfg.MemBlockSymbols%2 != 0 || cfg.MemBlockSymbols < caps.MemBlockSymbols:
		return nil, errcode.New(errcode.InvalidArg, op, "mem_block_symbols must be even and at least one block")
	case cfg.WithDMA && (!caps.HasDMA || p.DMA == nil):
		return nil, errcode.New(errcode.NotSupported, op, "dma not supported")
	}

	tx := &TXChannel{
		withDMA:  cfg.WithDMA,
		depth:    cfg.QueueDepth,
		pool:     make([]txTrans, cfg.QueueDepth),
		ready:    make(chan int, cfg.QueueDepth),
		progress: make(chan int, cfg.QueueDepth),
		complete: make(chan int, cfg.QueueDepth),
	}
	for i := range tx.pool {
		tx.ready <- i
	}
	tx.dir = halcore.DirTX
	tx.gpio = cfg.GPIO
	tx.plat = p
	tx.blocks = mathx.CeilDiv(cfg.MemBlockSymbols, caps.MemBlockSymbols)

	if err := tx.claimSlot(cfg.WithDMA); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			tx.destroy()
		}
	}()

	g := tx.group
	g.spin.Lock()
	g.tx[tx.id] = tx
	g.spin.Unlock()

	if err := g.lockIntrPriority(cfg.IntrPriority); err != nil {
		return nil, err
	}
	if err := tx.selectClock(cfg.ClockSource, cfg.ResolutionHz); err != nil {
		return nil, err
	}

	g.regs.SetMemBlocks(g.id, halcore.DirTX, tx.id, tx.blocks)
	if cfg.WithDMA {
		if err := tx.initDMA(cfg.MemBlockSymbols); err != nil {
			return nil, err
		}
	} else {
		tx.mem = g.regs.Mem(g.id, halcore.DirTX, tx.id)
		tx.pingPong = len(tx.mem) / 2
	}

	intr, err := p.Intr.Alloc(g.id, halcore.DirTX, tx.id, cfg.IntrPriority, tx.isr)
	if err != nil {
		return nil, errcode.Wrap(errcode.Fail, op, err, "alloc interrupt for tx channel (%d,%d)", g.id, tx.id)
	}
	tx.intr = intr

	if err := tx.route(halcore.IOFlags{Invert: cfg.InvertOut, OpenDrain: cfg.OpenDrain, LoopBack: cfg.LoopBack}); err != nil {
		return nil, err
	}

	tx.spin.Lock()
	g.regs.EnableEvents(g.id, halcore.DirTX, tx.id, halcore.EventsTX, false)
	g.regs.ClearEvents(g.id, halcore.DirTX, tx.id, halcore.EventsTX)
	g.regs.TXSetIdleLevel(g.id, tx.id, 0)
	g.regs.TXSetLimit(g.id, tx.id, tx.pingPong)
	tx.spin.Unlock()

	tx.setState(fsmInit)
	ok = true
	log.Debugf("new tx channel (%d,%d) at %d Hz, gpio %d, %d symbols in ping-pong", g.id, tx.id, tx.resolutionHz, tx.gpio, tx.pingPong)
	return tx, nil
}

func (tx *TXChannel) initDMA(symbols int) error {
	const op = "rmt.NewTXChannel"
	p := tx.plat
	buf, err := p.DMA.AllocBuffer(symbols)
	if err != nil {
		return errcode.Wrap(errcode.NoMem, op, err, "alloc dma buffer of %s", symbolBytes(symbols))
	}
	ch, err := p.DMA.NewChannel(halcore.DirTX)
	if err != nil {
		return errcode.Wrap(errcode.Fail, op, err, "alloc tx dma channel")
	}
	tx.dma = ch
	tx.mem = buf
	tx.pingPong = symbols / 2
	tx.resetDMANodes()
	ch.OnEOF(tx.onDMAEOF)
	log.Debugf("tx channel (%d,%d): dma buffer %s", tx.group.id, tx.id, symbolBytes(symbols))
	return nil
}

// resetDMANodes rebuilds the two-node ring over the two buffer halves.
func (tx *TXChannel) resetDMANodes() {
	h := tx.pingPong
	tx.dmaNodes[0] = halcore.DMANode{Buf: tx.mem[:h], Length: h}
	tx.dmaNodes[1] = halcore.DMANode{Buf: tx.mem[h : 2*h], Length: h}
	tx.dmaNodes[0].Next = &tx.dmaNodes[1]
	tx.dmaNodes[1].Next = &tx.dmaNodes[0]
}

func (tx *TXChannel) destroy() {
	if tx.group != nil {
		g := tx.group
		g.spin.Lock()
		if g.tx[tx.id] == tx {
			g.tx[tx.id] = nil
			if g.sync != nil {
				g.sync.detach(g, tx)
			}
		}
		g.spin.Unlock()
	}
	tx.releaseCommon()
}

// Delete releases the channel. It must be disabled first.
func (tx *TXChannel) Delete() error {
	if tx == nil {
		return errcode.InvalidArg
	}
	if !tx.transition(fsmInit, fsmWait) {
		return errcode.New(errcode.InvalidState, "rmt.DelChannel", "channel not in init state")
	}
	gid, id := tx.group.id, tx.id
	tx.destroy()
	log.Debugf("del tx channel (%d,%d)", gid, id)
	return nil
}

// RegisterEventCallbacks installs completion callbacks. The channel must be
// in the INIT state.
func (tx *TXChannel) RegisterEventCallbacks(cbs TXEventCallbacks) error {
	if tx == nil {
		return errcode.InvalidArg
	}
	if tx.state() != fsmInit {
		return errcode.New(errcode.InvalidState, "rmt.RegisterEventCallbacks", "channel not in init state")
	}
	tx.gate.Lock()
	tx.cbs = cbs
	tx.gate.Unlock()
	return nil
}

// Enable arms the channel. Queued transactions start from the interrupt
// handler.
func (tx *TXChannel) Enable() error {
	if tx == nil {
		return errcode.InvalidArg
	}
	if !tx.transition(fsmInit, fsmWait) {
		return errcode.New(errcode.InvalidState, "rmt.Enable", "channel not in init state")
	}
	g := tx.group
	// The priming start below would wait for the other members forever.
	g.spin.Lock()
	member := g.sync != nil && g.sync.mask&(1<<uint(tx.id)) != 0
	g.spin.Unlock()
	if member {
		tx.setState(fsmInit)
		return errcode.New(errcode.InvalidState, "rmt.Enable", "channel belongs to a live sync manager")
	}
	if err := tx.acquirePM(); err != nil {
		tx.setState(fsmInit)
		return err
	}

	// Leave a raised done flag behind so the first unmask runs the handler.
	// The flag must be up before DMA is connected.
	tx.spin.Lock()
	hw := g.regs.Mem(g.id, halcore.DirTX, tx.id)
	hw[0] = halcore.EndMarker(0)
	g.regs.TXSetLoop(g.id, tx.id, halcore.LoopConfig{})
	g.regs.ResetPointer(g.id, halcore.DirTX, tx.id)
	g.regs.TXStart(g.id, tx.id)
	tx.spin.Unlock()
	tx.waitDoneRaw()

	if tx.dma != nil {
		if err := tx.dma.Connect(g.id, tx.id); err != nil {
			tx.releasePM()
			tx.setState(fsmInit)
			return errcode.Wrap(errcode.Fail, "rmt.Enable", err, "connect dma")
		}
	}

	tx.gate.Lock()
	tx.stopping = false
	tx.gate.Unlock()

	tx.spin.Lock()
	g.regs.EnableEvents(g.id, halcore.DirTX, tx.id, halcore.EventDone|halcore.EventLoopEnd, true)
	tx.spin.Unlock()

	tx.setState(fsmEnable)
	return nil
}

func (tx *TXChannel) waitDoneRaw() {
	g := tx.group
	for g.regs.RawEvents(g.id, halcore.DirTX, tx.id)&halcore.EventDone == 0 {
	}
}

// Disable stops the engine, recycles the transaction on the wire and
// returns the channel to INIT. Queued transactions stay queued.
func (tx *TXChannel) Disable() error {
	if tx == nil {
		return errcode.InvalidArg
	}
	if !tx.transition(fsmEnable, fsmWait) {
		return errcode.New(errcode.InvalidState, "rmt.Disable", "channel not enabled")
	}
	g := tx.group

	tx.gate.Lock()
	tx.stopping = true
	tx.spin.Lock()
	g.regs.EnableEvents(g.id, halcore.DirTX, tx.id, halcore.EventsTX, false)
	tx.spin.Unlock()
	tx.gate.Unlock()

	if g.caps.HasAsyncStop {
		tx.spin.Lock()
		g.regs.TXStop(g.id, tx.id)
		tx.spin.Unlock()
	} else {
		// No stop command: plant an end marker and let the engine run into it.
		tx.spin.Lock()
		g.regs.TXSetLoop(g.id, tx.id, halcore.LoopConfig{})
		hw := g.regs.Mem(g.id, halcore.DirTX, tx.id)
		hw[0] = halcore.EndMarker(0)
		tx.spin.Unlock()
		tx.waitDoneRaw()
	}
	if tx.dma != nil {
		tx.dma.Stop()
		if err := tx.dma.Disconnect(); err != nil {
			log.Warnf("tx channel (%d,%d): disconnect dma: %v", g.id, tx.id, err)
		}
	}

	tx.spin.Lock()
	g.regs.ClearEvents(g.id, halcore.DirTX, tx.id, halcore.EventsTX)
	tx.spin.Unlock()

	tx.gate.Lock()
	if t := tx.cur; t != nil {
		tx.cur = nil
		if err := t.encoder.Reset(); err != nil {
			log.Warnf("tx channel (%d,%d): reset encoder: %v", g.id, tx.id, err)
		}
		tx.pushComplete(t)
	}
	tx.gate.Unlock()

	tx.releasePM()
	tx.setState(fsmInit)
	return nil
}

// Transmit queues one transaction. It blocks while QueueDepth transactions
// are in flight and none has completed.
func (tx *TXChannel) Transmit(enc Encoder, payload []byte, cfg TransmitConfig) error {
	const op = "rmt.Transmit"
	if tx == nil || enc == nil || len(payload) == 0 {
		return errcode.InvalidArg
	}
	if cfg.LoopCount < LoopForever {
		return errcode.New(errcode.InvalidArg, op, "invalid loop count")
	}
	if tx.state() != fsmEnable {
		return errcode.New(errcode.InvalidState, op, "channel not enabled")
	}
	if cfg.LoopCount != 0 {
		// An endless loop is plain loop mode; only a finite count needs
		// the loop counter.
		if cfg.LoopCount > 0 && !tx.group.caps.HasLoopCount {
			return errcode.New(errcode.NotSupported, op, "loop count not supported")
		}
		if tx.withDMA {
			return errcode.New(errcode.NotSupported, op, "loop transmission not supported with dma")
		}
	}

	var idx int
	if int(tx.inflight.Load()) < tx.depth {
		idx = <-tx.ready
	} else {
		idx = <-tx.complete
		tx.inflight.Add(-1)
	}
	t := &tx.pool[idx]
	*t = txTrans{
		encoder:    enc,
		payload:    payload,
		loopCount:  cfg.LoopCount,
		remainLoop: cfg.LoopCount,
		eotLevel:   cfg.EOTLevel & 1,
	}
	select {
	case tx.progress <- idx:
		tx.inflight.Add(1)
	default:
		tx.ready <- idx
		return errcode.New(errcode.InvalidState, op, "progress queue full")
	}

	// Done or loop-end is already raised when the engine is idle, so the
	// handler picks the transaction up right away. Safe while busy too.
	g := tx.group
	tx.spin.Lock()
	g.regs.EnableEvents(g.id, halcore.DirTX, tx.id, halcore.EventDone|halcore.EventLoopEnd, true)
	tx.spin.Unlock()
	return nil
}

// WaitAllDone recycles every in-flight transaction, waiting up to timeout
// for each. A negative timeout waits forever.
func (tx *TXChannel) WaitAllDone(timeout time.Duration) error {
	if tx == nil {
		return errcode.InvalidArg
	}
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
	}
	n := int(tx.inflight.Load())
	for i := 0; i < n; i++ {
		var idx int
		switch {
		case timeout < 0:
			idx = <-tx.complete
		case timeout == 0:
			select {
			case idx = <-tx.complete:
			default:
				return errcode.New(errcode.Timeout, "rmt.WaitAllDone", "transactions still in flight")
			}
		default:
			if i > 0 {
				resetTimer(timer, timeout)
			}
			select {
			case idx = <-tx.complete:
			case <-timer.C:
				return errcode.New(errcode.Timeout, "rmt.WaitAllDone", "transactions still in flight")
			}
		}
		select {
		case tx.ready <- idx:
		default:
			return errcode.New(errcode.InvalidState, "rmt.WaitAllDone", "ready queue full")
		}
		tx.inflight.Add(-1)
	}
	return nil
}

// ApplyCarrier enables modulation, or disables it for a nil config.
func (tx *TXChannel) ApplyCarrier(cfg *CarrierConfig) error {
	if tx == nil {
		return errcode.InvalidArg
	}
	if tx.state() == fsmWait {
		return errcode.New(errcode.InvalidState, "rmt.ApplyCarrier", "channel busy or deleted")
	}
	return tx.applyCarrier(cfg)
}
