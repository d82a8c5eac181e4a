package rmt

import (
	"sync"

	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
	"rmtdrv-go/x/critical"
	"rmtdrv-go/x/mathx"
)

// group is one RMT hardware block. Fields below spin are shared with
// interrupt handlers and are only touched under it.
type group struct {
	id   int
	regs halcore.Registers
	caps halcore.Caps

	// clkMu serialises the clock lock-in so later channels only see a
	// source that is already powered and selected.
	clkMu sync.Mutex

	spin         critical.Lock
	clkSrc       ClockSource
	srcEnabled   bool // SetEnabled(clkSrc, true) succeeded
	resolutionHz uint32
	occupyMask   uint32
	intrPriority int
	tx           []*TXChannel
	rx           []*RXChannel
	sync         *SyncManager

	refs int // guarded by registry.mu
}

var registry struct {
	mu     sync.Mutex
	groups []*group
}

// acquireGroup returns the group for id, creating and initialising it on
// first use. Every successful call must be paired with releaseGroup.
func acquireGroup(id int) (*group, error) {
	p, err := platform()
	if err != nil {
		return nil, err
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if id < 0 || id >= len(registry.groups) {
		return nil, errcode.InvalidArg
	}
	g := registry.groups[id]
	if g == nil {
		caps := p.Regs.Caps()
		if err := p.Regs.InitGroup(id); err != nil {
			return nil, errcode.Wrap(errcode.Fail, "rmt.acquireGroup", err, "init group %d", id)
		}
		g = &group{
			id:   id,
			regs: p.Regs,
			caps: caps,
			// Slots that do not exist read as busy.
			occupyMask: ^mathx.Mask(caps.ChannelsPerGroup, 0),
			tx:         make([]*TXChannel, caps.TXCandidates),
			rx:         make([]*RXChannel, caps.RXCandidates),
		}
		registry.groups[id] = g
		log.Debugf("new group (%d)", id)
	}
	g.refs++
	return g, nil
}

// releaseGroup drops one reference. The last reference tears the group down
// and powers off a clock source the group had switched on.
func releaseGroup(g *group) {
	registry.mu.Lock()
	g.refs--
	if g.refs > 0 {
		registry.mu.Unlock()
		return
	}
	registry.groups[g.id] = nil
	g.regs.DeinitGroup(g.id)
	g.spin.Lock()
	src, on := g.clkSrc, g.srcEnabled
	g.srcEnabled = false
	g.spin.Unlock()
	registry.mu.Unlock()

	log.Debugf("del group (%d)", g.id)
	if on {
		if p, err := platform(); err == nil {
			if err := p.Clock.SetEnabled(src, false); err != nil {
				log.Warnf("group %d: disable %s: %v", g.id, src, err)
			}
		}
	}
}

// claim is one successful search-and-claim result.
type claim struct {
	group     *group
	channelID int
	slot      int
	mask      uint32
}

// registerChannel finds the first free run of memory blocks, first across
// groups, then across candidate slots within a group.
func registerChannel(dir Direction, blocks int, withDMA bool) (claim, error) {
	p, err := platform()
	if err != nil {
		return claim{}, err
	}
	caps := p.Regs.Caps()

	start, count, offset := 0, caps.TXCandidates, 0
	if dir == halcore.DirRX {
		offset = caps.RXOffset()
		start, count = offset, caps.RXCandidates
	}
	if withDMA {
		// Only the last candidate of each direction reaches the DMA bus.
		start += count - 1
		count = 1
		blocks = 1
	}

	for gid := 0; gid < caps.Groups; gid++ {
		g, err := acquireGroup(gid)
		if err != nil {
			return claim{}, err
		}
		found := claim{channelID: -1}
		g.spin.Lock()
		for slot := start; slot < start+count; slot++ {
			if slot+blocks > 32 {
				break
			}
			m := mathx.Mask(blocks, slot)
			if g.occupyMask&m == 0 {
				g.occupyMask |= m
				found = claim{group: g, channelID: slot - offset, slot: slot, mask: m}
				break
			}
		}
		g.spin.Unlock()
		if found.channelID >= 0 {
			return found, nil
		}
		releaseGroup(g)
	}
	return claim{}, errcode.New(errcode.NotFound, "rmt.registerChannel", "no free "+dir.String()+" channel")
}

// unregisterChannel returns the claimed blocks and the group reference.
func unregisterChannel(c claim) {
	g := c.group
	g.spin.Lock()
	g.occupyMask &^= c.mask
	g.spin.Unlock()
	releaseGroup(g)
}

// lockIntrPriority records the group interrupt priority. Zero means "any".
func (g *group) lockIntrPriority(prio int) error {
	if prio == 0 {
		return nil
	}
	g.spin.Lock()
	defer g.spin.Unlock()
	if g.intrPriority == 0 {
		g.intrPriority = prio
		return nil
	}
	if g.intrPriority != prio {
		return errcode.New(errcode.InvalidArg, "rmt", "interrupt priority conflicts with group")
	}
	return nil
}

// occupancy is for tests.
func (g *group) occupancy() uint32 {
	g.spin.Lock()
	defer g.spin.Unlock()
	return g.occupyMask
}
