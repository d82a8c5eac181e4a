package rmt

import (
	"testing"

	"rmtdrv-go/drivers/rmt/simhal"
	"rmtdrv-go/errcode"
)

func TestTXFirstFitThenNotFound(t *testing.T) {
	newSim(t, simhal.DefaultCaps())
	var chans []*TXChannel
	for i := 0; i < 4; i++ {
		tx := mustTX(t, txConfig(10+i))
		if tx.GroupID() != 0 || tx.ChannelID() != i {
			t.Fatalf("channel %d got (%d,%d)", i, tx.GroupID(), tx.ChannelID())
		}
		chans = append(chans, tx)
	}
	_, err := NewTXChannel(txConfig(20))
	wantCode(t, err, errcode.NotFound)

	// A freed slot is the next one handed out.
	release(t, chans[1])
	again := mustTX(t, txConfig(21))
	if again.ChannelID() != 1 {
		t.Fatalf("reuse got channel %d", again.ChannelID())
	}
	chans[1] = again
	for _, c := range chans {
		release(t, c)
	}
}

func TestRXChannelsUseUpperSlots(t *testing.T) {
	newSim(t, simhal.DefaultCaps())
	rx := mustRX(t, rxConfig(3))
	defer release(t, rx)
	if rx.ChannelID() != 0 {
		t.Fatalf("rx channel = %d", rx.ChannelID())
	}
	g := rx.group
	if occ := g.occupancy(); occ&(1<<4) == 0 || occ&0x0f != 0 {
		t.Fatalf("occupancy = %#x", occ)
	}
}

func TestMultiBlockClaimSkipsOccupiedSlots(t *testing.T) {
	newSim(t, simhal.DefaultCaps())
	cfg := txConfig(1)
	cfg.MemBlockSymbols = 96
	wide := mustTX(t, cfg)
	narrow := mustTX(t, txConfig(2))
	if wide.ChannelID() != 0 || narrow.ChannelID() != 2 {
		t.Fatalf("ids = %d, %d", wide.ChannelID(), narrow.ChannelID())
	}
	if n := len(wide.mem); n != 96 {
		t.Fatalf("wide channel memory = %d symbols", n)
	}
	release(t, narrow)
	release(t, wide)
}

func TestSecondGroupAfterFirstIsFull(t *testing.T) {
	caps := simhal.DefaultCaps()
	caps.Groups = 2
	s := newSim(t, caps)
	var chans []*TXChannel
	for i := 0; i < 5; i++ {
		chans = append(chans, mustTX(t, txConfig(i)))
	}
	last := chans[4]
	if last.GroupID() != 1 || last.ChannelID() != 0 {
		t.Fatalf("fifth channel at (%d,%d)", last.GroupID(), last.ChannelID())
	}
	if !s.GroupInited(1) {
		t.Fatal("group 1 not initialised")
	}
	release(t, last)
	if s.GroupInited(1) {
		t.Fatal("group 1 still held after its last channel went away")
	}
	for _, c := range chans[:4] {
		release(t, c)
	}
}

func TestRegisterReleaseRestoresMask(t *testing.T) {
	s := newSim(t, simhal.DefaultCaps())
	keep := mustTX(t, txConfig(1))
	defer release(t, keep)
	before := keep.group.occupancy()

	for i := 0; i < 3; i++ {
		tx := mustTX(t, txConfig(2))
		rx := mustRX(t, rxConfig(3))
		release(t, rx)
		release(t, tx)
		if after := keep.group.occupancy(); after != before {
			t.Fatalf("round %d: mask %#x, want %#x", i, after, before)
		}
	}
	if pins := s.Routes(); len(pins) != 1 || pins[0] != 1 {
		t.Fatalf("routes left = %v", pins)
	}
}

func TestDMAUsesLastCandidate(t *testing.T) {
	newSim(t, simhal.DefaultCaps())
	cfg := txConfig(1)
	cfg.WithDMA = true
	cfg.MemBlockSymbols = 256
	tx := mustTX(t, cfg)
	defer release(t, tx)
	if tx.ChannelID() != 3 {
		t.Fatalf("dma tx on channel %d", tx.ChannelID())
	}

	rcfg := rxConfig(2)
	rcfg.WithDMA = true
	rx := mustRX(t, rcfg)
	defer release(t, rx)
	if rx.ChannelID() != 3 {
		t.Fatalf("dma rx on channel %d", rx.ChannelID())
	}

	// The DMA slot is gone; a second DMA channel has nowhere to go.
	_, err := NewTXChannel(cfg)
	wantCode(t, err, errcode.NotFound)
}

func TestConfigValidation(t *testing.T) {
	caps := simhal.DefaultCaps()
	caps.HasDMA = false
	newSim(t, caps)

	bad := []TXChannelConfig{
		{GPIO: -1, ResolutionHz: 1_000_000, MemBlockSymbols: 48, QueueDepth: 1},
		{GPIO: 1, ResolutionHz: 0, MemBlockSymbols: 48, QueueDepth: 1},
		{GPIO: 1, ResolutionHz: 1_000_000, MemBlockSymbols: 47, QueueDepth: 1},
		{GPIO: 1, ResolutionHz: 1_000_000, MemBlockSymbols: 24, QueueDepth: 1},
		{GPIO: 1, ResolutionHz: 1_000_000, MemBlockSymbols: 48, QueueDepth: 0},
	}
	for _, cfg := range bad {
		_, err := NewTXChannel(cfg)
		wantCode(t, err, errcode.InvalidArg)
	}

	cfg := txConfig(1)
	cfg.WithDMA = true
	_, err := NewTXChannel(cfg)
	wantCode(t, err, errcode.NotSupported)
}

func TestIntrPriorityLocksGroup(t *testing.T) {
	s := newSim(t, simhal.DefaultCaps())
	cfg := txConfig(1)
	cfg.IntrPriority = 2
	a := mustTX(t, cfg)
	defer release(t, a)
	if p := s.IntrPriority(0, a.Direction(), a.ChannelID()); p != 2 {
		t.Fatalf("priority = %d", p)
	}

	cfg.IntrPriority = 3
	_, err := NewTXChannel(cfg)
	wantCode(t, err, errcode.InvalidArg)

	cfg.IntrPriority = 0
	b := mustTX(t, cfg)
	release(t, b)
}
