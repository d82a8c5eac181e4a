package rmt

import (
	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
	"rmtdrv-go/x/mathx"
)

// isr is the TX interrupt handler. It runs with the gate held, so it never
// overlaps Disable.
func (tx *TXChannel) isr(st halcore.Event) {
	tx.gate.Lock()
	defer tx.gate.Unlock()
	if tx.stopping {
		return
	}
	if st&halcore.EventThreshold != 0 {
		tx.onThreshold()
	}
	if st&halcore.EventDone != 0 {
		tx.onDone()
	}
	// A transaction started by onDone clears the latched status, so st may
	// be stale by now.
	if st&halcore.EventLoopEnd != 0 && tx.raw()&halcore.EventLoopEnd != 0 {
		tx.onLoopEnd()
	}
}

func (tx *TXChannel) raw() halcore.Event {
	g := tx.group
	tx.spin.Lock()
	defer tx.spin.Unlock()
	return g.regs.RawEvents(g.id, halcore.DirTX, tx.id)
}

// start performs the first, double-width fill for t and starts the engine.
// It reports false when t was aborted instead; an abort happens before any
// register is touched, so the latched completion status survives for the
// next dispatch.
func (tx *TXChannel) start(t *txTrans) bool {
	g := tx.group
	caps := g.caps

	tx.memOff = 0
	tx.memEnd = 2 * tx.pingPong
	if tx.withDMA {
		tx.resetDMANodes()
	}
	t.transmitted += tx.encodeStep(t)

	if t.loopCount != 0 && !t.eotWritten {
		// A looping engine re-reads memory, so the whole frame has to fit.
		log.Errorf("tx channel (%d,%d): loop transmission does not fit in %d symbols, dropped",
			g.id, tx.id, 2*tx.pingPong)
		t.err = errcode.New(errcode.InvalidArg, "rmt.Transmit", "loop payload exceeds channel memory")
		if err := t.encoder.Reset(); err != nil {
			log.Warnf("tx channel (%d,%d): reset encoder: %v", g.id, tx.id, err)
		}
		return false
	}
	if tx.withDMA {
		if err := tx.dma.Start(&tx.dmaNodes[0]); err != nil {
			log.Errorf("tx channel (%d,%d): start dma: %v", g.id, tx.id, err)
			t.err = errcode.Wrap(errcode.Fail, "rmt.Transmit", err, "start dma")
			return false
		}
	}

	tx.spin.Lock()
	defer tx.spin.Unlock()
	g.regs.ClearEvents(g.id, halcore.DirTX, tx.id, halcore.EventsTX)
	g.regs.ResetPointer(g.id, halcore.DirTX, tx.id)
	g.regs.TXSetIdleLevel(g.id, tx.id, t.eotLevel)
	switch {
	case t.loopCount > 0:
		batch := mathx.Min(uint32(t.remainLoop), caps.LoopMaxPerBatch)
		t.remainLoop -= int(batch)
		g.regs.TXSetLoop(g.id, tx.id, halcore.LoopConfig{Enable: true, Count: batch, AutoStop: caps.HasLoopAutoStop})
	case t.loopCount < 0:
		g.regs.TXSetLoop(g.id, tx.id, halcore.LoopConfig{Enable: true})
	default:
		g.regs.TXSetLoop(g.id, tx.id, halcore.LoopConfig{})
	}
	if !tx.withDMA {
		g.regs.EnableEvents(g.id, halcore.DirTX, tx.id, halcore.EventThreshold, !t.eotWritten)
	}
	g.regs.EnableEvents(g.id, halcore.DirTX, tx.id, halcore.EventDone|halcore.EventLoopEnd, true)
	g.regs.TXStart(g.id, tx.id)
	return true
}

// encodeStep fills [memOff, memEnd) and returns the symbols written,
// end marker included.
func (tx *TXChannel) encodeStep(t *txTrans) int {
	written := 0
	if t.eotPending {
		tx.writeEOT(t)
		written = 1
	} else if !t.encodeDone && tx.memOff < tx.memEnd {
		n, st := t.encoder.Encode(tx.mem[tx.memOff:tx.memEnd], t.payload)
		tx.memOff += n
		written = n
		if st&EncodingComplete != 0 {
			t.encodeDone = true
			if tx.memOff < tx.memEnd {
				tx.writeEOT(t)
				written++
			} else {
				t.eotPending = true
			}
		}
	}
	if tx.memOff >= 2*tx.pingPong {
		tx.memOff = 0
	}
	return written
}

// writeEOT appends the end marker at memOff. In DMA mode it also breaks
// the descriptor ring after the node holding the marker.
func (tx *TXChannel) writeEOT(t *txTrans) {
	at := tx.memOff
	tx.mem[at] = halcore.EndMarker(t.eotLevel)
	tx.memOff++
	t.eotPending = false
	t.eotWritten = true
	if tx.withDMA {
		node := &tx.dmaNodes[at/tx.pingPong]
		node.Length = at%tx.pingPong + 1
		node.Next = nil
	}
}

// refill flips the active half and fills it once.
func (tx *TXChannel) refill(t *txTrans) {
	tx.memEnd = 3*tx.pingPong - tx.memEnd
	t.transmitted += tx.encodeStep(t)
}

func (tx *TXChannel) onThreshold() {
	g := tx.group
	if t := tx.cur; t != nil && !t.eotWritten {
		tx.refill(t)
		if t.eotWritten {
			tx.spin.Lock()
			g.regs.EnableEvents(g.id, halcore.DirTX, tx.id, halcore.EventThreshold, false)
			tx.spin.Unlock()
		}
	}
	tx.spin.Lock()
	g.regs.ClearEvents(g.id, halcore.DirTX, tx.id, halcore.EventThreshold)
	tx.spin.Unlock()
}

// onDMAEOF refills the node the DMA engine just drained.
func (tx *TXChannel) onDMAEOF(_ *halcore.DMANode) {
	tx.gate.Lock()
	defer tx.gate.Unlock()
	if tx.stopping {
		return
	}
	if t := tx.cur; t != nil && !t.eotWritten {
		tx.refill(t)
	}
}

func (tx *TXChannel) onDone() {
	g := tx.group
	tx.spin.Lock()
	g.regs.EnableEvents(g.id, halcore.DirTX, tx.id, halcore.EventDone, false)
	tx.spin.Unlock()

	if t := tx.cur; t != nil {
		if t.loopCount != 0 {
			// Stray done during a loop; the loop-end path finishes it.
			tx.spin.Lock()
			g.regs.ClearEvents(g.id, halcore.DirTX, tx.id, halcore.EventDone)
			tx.spin.Unlock()
			return
		}
		tx.cur = nil
		tx.finish(t)
	}
	tx.dispatchNext()
}

func (tx *TXChannel) onLoopEnd() {
	g := tx.group
	caps := g.caps
	t := tx.cur
	tx.spin.Lock()
	g.regs.EnableEvents(g.id, halcore.DirTX, tx.id, halcore.EventLoopEnd, false)
	if t != nil && !caps.HasLoopAutoStop {
		g.regs.TXStop(g.id, tx.id)
	}
	tx.spin.Unlock()

	if t != nil && t.remainLoop > 0 {
		// Next batch re-reads the symbols already in memory.
		batch := mathx.Min(uint32(t.remainLoop), caps.LoopMaxPerBatch)
		t.remainLoop -= int(batch)
		tx.spin.Lock()
		g.regs.ClearEvents(g.id, halcore.DirTX, tx.id, halcore.EventLoopEnd)
		g.regs.TXSetLoop(g.id, tx.id, halcore.LoopConfig{Enable: true, Count: batch, AutoStop: caps.HasLoopAutoStop})
		g.regs.ResetPointer(g.id, halcore.DirTX, tx.id)
		g.regs.EnableEvents(g.id, halcore.DirTX, tx.id, halcore.EventLoopEnd, true)
		g.regs.TXStart(g.id, tx.id)
		tx.spin.Unlock()
		return
	}

	// The status stays latched, like done, for the next Transmit.
	if t != nil {
		tx.cur = nil
		tx.finish(t)
	}
	tx.dispatchNext()
}

// dispatchNext starts the oldest queued transaction, finishing any that
// abort on the way. With nothing queued, done stays masked until the next
// Transmit.
func (tx *TXChannel) dispatchNext() {
	for {
		select {
		case idx := <-tx.progress:
			t := &tx.pool[idx]
			if tx.start(t) {
				tx.cur = t
				return
			}
			tx.finish(t)
		default:
			return
		}
	}
}

// finish reports t and parks it on the complete queue.
func (tx *TXChannel) finish(t *txTrans) {
	if cb := tx.cbs.OnTransDone; cb != nil {
		cb(TXDoneEvent{NumSymbols: t.transmitted, Err: t.err})
	}
	tx.pushComplete(t)
}

func (tx *TXChannel) pushComplete(t *txTrans) {
	idx := tx.indexOf(t)
	select {
	case tx.complete <- idx:
	default:
		log.Errorf("tx channel (%d,%d): complete queue full", tx.group.id, tx.id)
	}
}

func (tx *TXChannel) indexOf(t *txTrans) int {
	for i := range tx.pool {
		if &tx.pool[i] == t {
			return i
		}
	}
	return -1
}
