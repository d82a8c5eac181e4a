package rmt

import (
	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
	"rmtdrv-go/x/mathx"
	"rmtdrv-go/x/timex"
)

// rxTrans is the single reception descriptor of an RX channel.
type rxTrans struct {
	buf      []Symbol
	received int
	copyOff  int
}

// RXChannel captures symbols from one RMT RX channel.
type RXChannel struct {
	channel

	withDMA  bool
	mem      []Symbol
	pingPong int
	nodes    []halcore.DMANode

	// Interrupt-side state, guarded by gate.
	cur    *rxTrans
	trans  rxTrans
	memOff int
	cbs    RXEventCallbacks
}

var _ Channel = (*RXChannel)(nil)

// NewRXChannel claims an RX channel and prepares it in the INIT state.
func NewRXChannel(cfg RXChannelConfig) (*RXChannel, error) {
	const op = "rmt.NewRXChannel"
	p, err := platform()
	if err != nil {
		return nil, err
	}
	caps := p.Regs.Caps()
	switch {
	case cfg.GPIO < 0, cfg.ResolutionHz == 0, cfg.IntrPriority < 0:
		return nil, errcode.New(errcode.InvalidArg, op, "invalid config")
	case cfg.MemBlockSymbols%2 != 0 || cfg.MemBlockSymbols < caps.MemBlockSymbols:
		return nil, errcode.New(errcode.InvalidArg, op, "mem_block_symbols must be even and at least one block")
	case cfg.WithDMA && (!caps.HasDMA || p.DMA == nil || caps.DMANodeMaxSymbols <= 0):
		return nil, errcode.New(errcode.NotSupported, op, "dma not supported")
	}

	rx := &RXChannel{withDMA: cfg.WithDMA}
	rx.dir = halcore.DirRX
	rx.gpio = cfg.GPIO
	rx.plat = p
	rx.blocks = mathx.CeilDiv(cfg.MemBlockSymbols, caps.MemBlockSymbols)

	if err := rx.claimSlot(cfg.WithDMA); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			rx.destroy()
		}
	}()

	g := rx.group
	g.spin.Lock()
	g.rx[rx.id] = rx
	g.spin.Unlock()

	if err := g.lockIntrPriority(cfg.IntrPriority); err != nil {
		return nil, err
	}
	if err := rx.selectClock(cfg.ClockSource, cfg.ResolutionHz); err != nil {
		return nil, err
	}

	g.regs.SetMemBlocks(g.id, halcore.DirRX, rx.id, rx.blocks)
	if cfg.WithDMA {
		ch, err := p.DMA.NewChannel(halcore.DirRX)
		if err != nil {
			return nil, errcode.Wrap(errcode.Fail, op, err, "alloc rx dma channel")
		}
		rx.dma = ch
		rx.nodes = make([]halcore.DMANode, mathx.CeilDiv(cfg.MemBlockSymbols, caps.DMANodeMaxSymbols))
		ch.OnEOF(rx.onDMAEOF)
		log.Debugf("rx channel (%d,%d): dma capacity %s in %d nodes",
			g.id, rx.id, symbolBytes(len(rx.nodes)*caps.DMANodeMaxSymbols), len(rx.nodes))
	} else {
		rx.mem = g.regs.Mem(g.id, halcore.DirRX, rx.id)
		rx.pingPong = len(rx.mem) / 2
	}

	intr, err := p.Intr.Alloc(g.id, halcore.DirRX, rx.id, cfg.IntrPriority, rx.isr)
	if err != nil {
		return nil, errcode.Wrap(errcode.Fail, op, err, "alloc interrupt for rx channel (%d,%d)", g.id, rx.id)
	}
	rx.intr = intr

	if err := rx.route(halcore.IOFlags{Invert: cfg.InvertIn, LoopBack: cfg.LoopBack}); err != nil {
		return nil, err
	}

	rx.spin.Lock()
	g.regs.EnableEvents(g.id, halcore.DirRX, rx.id, halcore.EventsRX, false)
	g.regs.ClearEvents(g.id, halcore.DirRX, rx.id, halcore.EventsRX)
	g.regs.RXEnable(g.id, rx.id, false)
	rx.spin.Unlock()

	rx.setState(fsmInit)
	ok = true
	log.Debugf("new rx channel (%d,%d) at %d Hz, gpio %d", g.id, rx.id, rx.resolutionHz, rx.gpio)
	return rx, nil
}

func (rx *RXChannel) destroy() {
	if rx.group != nil {
		rx.group.spin.Lock()
		if rx.group.rx[rx.id] == rx {
			rx.group.rx[rx.id] = nil
		}
		rx.group.spin.Unlock()
	}
	rx.releaseCommon()
}

// Delete releases the channel. It must be disabled first.
func (rx *RXChannel) Delete() error {
	if rx == nil {
		return errcode.InvalidArg
	}
	if !rx.transition(fsmInit, fsmWait) {
		return errcode.New(errcode.InvalidState, "rmt.DelChannel", "channel not in init state")
	}
	gid, id := rx.group.id, rx.id
	rx.destroy()
	log.Debugf("del rx channel (%d,%d)", gid, id)
	return nil
}

func (rx *RXChannel) RegisterEventCallbacks(cbs RXEventCallbacks) error {
	if rx == nil {
		return errcode.InvalidArg
	}
	if rx.state() != fsmInit {
		return errcode.New(errcode.InvalidState, "rmt.RegisterEventCallbacks", "channel not in init state")
	}
	rx.gate.Lock()
	rx.cbs = cbs
	rx.gate.Unlock()
	return nil
}

// Enable arms the channel for Receive. The engine itself starts per call.
func (rx *RXChannel) Enable() error {
	if rx == nil {
		return errcode.InvalidArg
	}
	if !rx.transition(fsmInit, fsmWait) {
		return errcode.New(errcode.InvalidState, "rmt.Enable", "channel not in init state")
	}
	if err := rx.acquirePM(); err != nil {
		rx.setState(fsmInit)
		return err
	}
	if rx.dma != nil {
		g := rx.group
		if err := rx.dma.Connect(g.id, rx.id); err != nil {
			rx.releasePM()
			rx.setState(fsmInit)
			return errcode.Wrap(errcode.Fail, "rmt.Enable", err, "connect dma")
		}
	}
	rx.gate.Lock()
	rx.stopping = false
	rx.gate.Unlock()
	rx.setState(fsmEnable)
	return nil
}

// Disable stops the engine and abandons a pending reception.
func (rx *RXChannel) Disable() error {
	if rx == nil {
		return errcode.InvalidArg
	}
	if !rx.transition(fsmEnable, fsmWait) {
		return errcode.New(errcode.InvalidState, "rmt.Disable", "channel not enabled")
	}
	g := rx.group

	rx.gate.Lock()
	rx.stopping = true
	rx.spin.Lock()
	g.regs.EnableEvents(g.id, halcore.DirRX, rx.id, halcore.EventsRX, false)
	g.regs.RXEnable(g.id, rx.id, false)
	rx.spin.Unlock()
	rx.cur = nil
	rx.gate.Unlock()

	if rx.dma != nil {
		rx.dma.Stop()
		if err := rx.dma.Disconnect(); err != nil {
			log.Warnf("rx channel (%d,%d): disconnect dma: %v", g.id, rx.id, err)
		}
	}
	rx.spin.Lock()
	g.regs.ClearEvents(g.id, halcore.DirRX, rx.id, halcore.EventsRX)
	rx.spin.Unlock()

	rx.releasePM()
	rx.setState(fsmInit)
	return nil
}

// Receive arms a one-shot reception into buf. Completion is reported
// through OnRecvDone; the engine stays off afterwards until the next call.
func (rx *RXChannel) Receive(buf []Symbol, cfg ReceiveConfig) error {
	const op = "rmt.Receive"
	if rx == nil || len(buf) == 0 {
		return errcode.InvalidArg
	}
	if rx.state() != fsmEnable {
		return errcode.New(errcode.InvalidState, op, "channel not enabled")
	}
	g := rx.group
	caps := g.caps
	if rx.withDMA {
		if !rx.plat.DMA.Capable(buf) {
			return errcode.New(errcode.InvalidArg, op, "buffer not dma capable")
		}
		if limit := len(rx.nodes) * caps.DMANodeMaxSymbols; len(buf) > limit {
			return errcode.New(errcode.InvalidArg, op,
				"buffer of "+symbolBytes(len(buf)).String()+" exceeds dma capacity "+symbolBytes(limit).String())
		}
	}

	g.spin.Lock()
	groupHz := g.resolutionHz
	g.spin.Unlock()
	filter := timex.TicksFromNs(cfg.SignalRangeMinNs, groupHz)
	if filter > caps.MaxFilterValue {
		return errcode.New(errcode.InvalidArg, op, "signal_range_min_ns too big")
	}
	idle := timex.TicksFromNs(cfg.SignalRangeMaxNs, rx.resolutionHz)
	if idle == 0 || idle > caps.MaxIdleValue {
		return errcode.New(errcode.InvalidArg, op, "signal_range_max_ns out of range")
	}

	rx.gate.Lock()
	if rx.cur != nil {
		rx.gate.Unlock()
		return errcode.New(errcode.InvalidState, op, "reception in progress")
	}
	rx.trans = rxTrans{buf: buf}
	rx.cur = &rx.trans
	rx.memOff = 0
	rx.gate.Unlock()

	if rx.withDMA {
		rx.mountNodes(buf)
		if err := rx.dma.Start(&rx.nodes[0]); err != nil {
			rx.gate.Lock()
			rx.cur = nil
			rx.gate.Unlock()
			return errcode.Wrap(errcode.Fail, op, err, "start dma")
		}
	}

	rx.spin.Lock()
	g.regs.ResetPointer(g.id, halcore.DirRX, rx.id)
	g.regs.RXSetOwner(g.id, rx.id, true)
	g.regs.RXSetFilter(g.id, rx.id, cfg.SignalRangeMinNs != 0, filter)
	g.regs.RXSetIdleThreshold(g.id, rx.id, idle)
	ev := halcore.EventDone | halcore.EventError
	if !rx.withDMA && caps.HasRXPingPong {
		g.regs.RXSetLimit(g.id, rx.id, rx.pingPong)
		ev |= halcore.EventThreshold
	}
	g.regs.ClearEvents(g.id, halcore.DirRX, rx.id, halcore.EventsRX)
	if !rx.withDMA {
		g.regs.EnableEvents(g.id, halcore.DirRX, rx.id, ev, true)
	}
	g.regs.RXEnable(g.id, rx.id, true)
	rx.spin.Unlock()
	return nil
}

// mountNodes builds a one-shot chain over buf.
func (rx *RXChannel) mountNodes(buf []Symbol) {
	per := rx.group.caps.DMANodeMaxSymbols
	n := mathx.CeilDiv(len(buf), per)
	for i := 0; i < n; i++ {
		end := mathx.Min((i+1)*per, len(buf))
		rx.nodes[i] = halcore.DMANode{Buf: buf[i*per : end]}
		if i > 0 {
			rx.nodes[i-1].Next = &rx.nodes[i]
		}
	}
}

// ApplyCarrier enables demodulation, or disables it for a nil config.
func (rx *RXChannel) ApplyCarrier(cfg *CarrierConfig) error {
	if rx == nil {
		return errcode.InvalidArg
	}
	if rx.state() == fsmWait {
		return errcode.New(errcode.InvalidState, "rmt.ApplyCarrier", "channel busy or deleted")
	}
	if !rx.group.caps.HasRXDemod {
		return errcode.New(errcode.NotSupported, "rmt.ApplyCarrier", "rx demodulation not supported")
	}
	return rx.applyCarrier(cfg)
}

func (rx *RXChannel) isr(st halcore.Event) {
	rx.gate.Lock()
	defer rx.gate.Unlock()
	if rx.stopping {
		return
	}
	if st&halcore.EventThreshold != 0 {
		rx.onThreshold()
	}
	switch {
	case st&halcore.EventDone != 0:
		rx.onDone()
	case st&halcore.EventError != 0:
		// Overrun without an end of frame; the done path recovers it.
		log.Warnf("rx channel (%d,%d): memory overrun", rx.group.id, rx.id)
		rx.spin.Lock()
		rx.group.regs.ClearEvents(rx.group.id, halcore.DirRX, rx.id, halcore.EventError)
		rx.spin.Unlock()
	}
}

// copyOut moves count symbols starting at memOff into the user buffer,
// wrapping around the channel memory. Excess symbols are dropped.
func (rx *RXChannel) copyOut(t *rxTrans, count int) {
	room := len(t.buf) - t.copyOff
	n := mathx.Min(count, room)
	for i := 0; i < n; i++ {
		t.buf[t.copyOff+i] = rx.mem[(rx.memOff+i)%len(rx.mem)]
	}
	t.copyOff += n
	t.received += n
	if n < count {
		log.Warnf("rx channel (%d,%d): user buffer too small, %d symbols dropped", rx.group.id, rx.id, count-n)
	}
}

func (rx *RXChannel) onThreshold() {
	g := rx.group
	if t := rx.cur; t != nil {
		rx.copyOut(t, rx.pingPong)
		rx.memOff = (rx.memOff + rx.pingPong) % (2 * rx.pingPong)
	}
	rx.spin.Lock()
	g.regs.ClearEvents(g.id, halcore.DirRX, rx.id, halcore.EventThreshold)
	rx.spin.Unlock()
}

func (rx *RXChannel) onDone() {
	g := rx.group
	rx.spin.Lock()
	g.regs.RXEnable(g.id, rx.id, false)
	g.regs.RXSetOwner(g.id, rx.id, false)
	off := g.regs.RXWriteOffset(g.id, rx.id)
	rx.spin.Unlock()

	t := rx.cur
	if t != nil {
		fresh := off - rx.memOff
		if fresh < 0 {
			fresh += len(rx.mem)
		}
		rx.copyOut(t, fresh)
	}

	overrun := false
	rx.spin.Lock()
	if !g.caps.HasRXPingPong && g.regs.RawEvents(g.id, halcore.DirRX, rx.id)&halcore.EventError != 0 {
		// Frame longer than channel memory. Data is already copied out,
		// so the pointer can be rewound before the flag is dropped.
		g.regs.ResetPointer(g.id, halcore.DirRX, rx.id)
		g.regs.ClearEvents(g.id, halcore.DirRX, rx.id, halcore.EventError)
		overrun = true
	}
	g.regs.EnableEvents(g.id, halcore.DirRX, rx.id, halcore.EventsRX, false)
	g.regs.ClearEvents(g.id, halcore.DirRX, rx.id, halcore.EventDone)
	rx.spin.Unlock()
	if overrun {
		log.Warnf("rx channel (%d,%d): frame overran channel memory", g.id, rx.id)
	}

	if t == nil {
		return
	}
	rx.cur = nil
	if cb := rx.cbs.OnRecvDone; cb != nil {
		cb(RXDoneEvent{Symbols: t.buf[:t.received]})
	}
}

// onDMAEOF completes a DMA reception. Node lengths up to the EOF node add
// up to the symbols written into the user buffer.
func (rx *RXChannel) onDMAEOF(last *halcore.DMANode) {
	rx.gate.Lock()
	defer rx.gate.Unlock()
	if rx.stopping {
		return
	}
	t := rx.cur
	if t == nil {
		return
	}
	g := rx.group
	rx.spin.Lock()
	g.regs.RXEnable(g.id, rx.id, false)
	g.regs.RXSetOwner(g.id, rx.id, false)
	rx.spin.Unlock()
	rx.dma.Stop()

	total := 0
	for n := &rx.nodes[0]; n != nil; n = n.Next {
		total += n.Length
		if n == last {
			break
		}
	}
	t.received = mathx.Min(total, len(t.buf))
	rx.cur = nil
	if cb := rx.cbs.OnRecvDone; cb != nil {
		cb(RXDoneEvent{Symbols: t.buf[:t.received]})
	}
}
