package rmt

import (
	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
)

// SyncManager starts a set of TX channels of one group together, with
// their dividers and pointers reset in lockstep.
type SyncManager struct {
	group *group
	chans []*TXChannel
	mask  uint32
}

// NewSyncManager binds enabled TX channels of a single group.
func NewSyncManager(chans []Channel) (*SyncManager, error) {
	const op = "rmt.NewSyncManager"
	if len(chans) == 0 {
		return nil, errcode.New(errcode.InvalidArg, op, "no channels")
	}
	var g *group
	txs := make([]*TXChannel, 0, len(chans))
	var mask uint32
	for _, c := range chans {
		tx, ok := c.(*TXChannel)
		if !ok || tx == nil {
			return nil, errcode.New(errcode.InvalidArg, op, "sync needs tx channels")
		}
		if tx.state() != fsmEnable {
			return nil, errcode.New(errcode.InvalidState, op, "channel not enabled")
		}
		if g == nil {
			g = tx.group
		} else if tx.group != g {
			return nil, errcode.New(errcode.InvalidArg, op, "channels belong to different groups")
		}
		mask |= 1 << uint(tx.id)
		txs = append(txs, tx)
	}
	if !g.caps.HasSync {
		return nil, errcode.New(errcode.NotSupported, op, "sync manager not supported")
	}

	s := &SyncManager{chans: txs, mask: mask}
	g.spin.Lock()
	busy := g.sync != nil
	if !busy {
		g.sync = s
	}
	g.spin.Unlock()
	if busy {
		return nil, errcode.New(errcode.NotFound, op, "group sync manager in use")
	}

	// Hold the group while the manager lives.
	if _, err := acquireGroup(g.id); err != nil {
		g.spin.Lock()
		g.sync = nil
		g.spin.Unlock()
		return nil, err
	}
	s.group = g

	g.spin.Lock()
	g.regs.SyncEnable(g.id, true)
	g.regs.SyncSetChannels(g.id, mask)
	g.spin.Unlock()
	s.realign()
	log.Debugf("new sync manager in group (%d), channels %#x", g.id, mask)
	return s, nil
}

func (s *SyncManager) realign() {
	g := s.group
	g.spin.Lock()
	g.regs.SyncResetClockDiv(g.id, s.mask)
	for _, tx := range s.chans {
		g.regs.ResetPointer(g.id, halcore.DirTX, tx.id)
	}
	g.spin.Unlock()
}

// Reset realigns the member channels without recreating the manager.
func (s *SyncManager) Reset() error {
	if s == nil || s.group == nil {
		return errcode.InvalidArg
	}
	s.realign()
	return nil
}

// Delete detaches the channels and drops the group reference.
func (s *SyncManager) Delete() error {
	if s == nil || s.group == nil {
		return errcode.InvalidArg
	}
	g := s.group
	g.spin.Lock()
	if g.sync == s {
		g.sync = nil
	}
	g.regs.SyncSetChannels(g.id, 0)
	g.regs.SyncEnable(g.id, false)
	g.spin.Unlock()
	s.group = nil
	releaseGroup(g)
	log.Debugf("del sync manager in group (%d)", g.id)
	return nil
}

// detach drops tx from the set so a later owner of the slot does not
// inherit the bit. Called with g.spin held.
func (s *SyncManager) detach(g *group, tx *TXChannel) {
	bit := uint32(1) << uint(tx.id)
	if s.mask&bit == 0 {
		return
	}
	s.mask &^= bit
	for i, c := range s.chans {
		if c == tx {
			s.chans = append(s.chans[:i], s.chans[i+1:]...)
			break
		}
	}
	g.regs.SyncSetChannels(g.id, s.mask)
}

// Mask is the channel bitmask the manager drives.
func (s *SyncManager) Mask() uint32 { return s.mask }
