package rmt

import (
	"strconv"

	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
)

// needsSourceEnable reports sources that are unpowered until asked for.
func needsSourceEnable(src ClockSource) bool { return src == halcore.ClockRCFast }

// pmLockFor returns the power-management lock a source needs while the
// channel is enabled. Sources that do not drift under DFS need none.
func pmLockFor(src ClockSource) halcore.PMLockKind {
	switch src {
	case halcore.ClockAPB, halcore.ClockPLL80M:
		return halcore.PMAPBFreqMax
	case halcore.ClockRCFast:
		return halcore.PMNoLightSleep
	default:
		return halcore.PMNone
	}
}

// selectClock locks the group clock source in (or checks it matches),
// records the group resolution, creates the channel PM lock if the source
// needs one, and programs the channel divider for the requested resolution.
func (c *channel) selectClock(src ClockSource, resolutionHz uint32) error {
	g := c.group
	if src == ClockDefault {
		src = g.caps.DefaultClock
	}

	if err := c.lockClock(src); err != nil {
		return err
	}

	freq, err := c.plat.Clock.Frequency(src)
	if err != nil {
		return errcode.Wrap(errcode.Fail, "rmt.selectClock", err, "query %s frequency", src)
	}
	g.spin.Lock()
	g.resolutionHz = freq
	g.spin.Unlock()

	if kind := pmLockFor(src); kind != halcore.PMNone && c.plat.PM != nil {
		name := "rmt_" + c.dir.String() + "_" + strconv.Itoa(g.id) + "_" + strconv.Itoa(c.id)
		lk, err := c.plat.PM.NewLock(kind, name)
		if err != nil {
			return errcode.Wrap(errcode.Fail, "rmt.selectClock", err, "create pm lock %s", name)
		}
		c.pmLock = lk
	}

	if resolutionHz == 0 || resolutionHz > freq {
		return errcode.New(errcode.InvalidArg, "rmt.selectClock", "resolution out of range for "+src.String())
	}
	div := freq / resolutionHz
	if limit := g.caps.MaxClockDiv; limit != 0 && div > limit {
		return errcode.New(errcode.InvalidArg, "rmt.selectClock", "resolution too low for "+src.String())
	}
	c.spin.Lock()
	g.regs.SetClockDiv(g.id, c.dir, c.id, div)
	c.spin.Unlock()
	c.resolutionHz = freq / div
	if c.resolutionHz != resolutionHz {
		log.Warnf("%s channel (%d,%d): resolution loses precision, %d Hz instead of %d Hz",
			c.dir, g.id, c.id, c.resolutionHz, resolutionHz)
	}
	return nil
}

// lockClock makes src the group source on first use, or checks it matches.
// A failed first use leaves the group unlocked.
func (c *channel) lockClock(src ClockSource) error {
	const op = "rmt.selectClock"
	g := c.group
	g.clkMu.Lock()
	defer g.clkMu.Unlock()

	g.spin.Lock()
	cur := g.clkSrc
	g.spin.Unlock()
	if cur != halcore.ClockNone {
		if cur != src {
			return errcode.New(errcode.InvalidState, op, "group already uses a different clock source")
		}
		return nil
	}

	enabled := false
	if needsSourceEnable(src) {
		if err := c.plat.Clock.SetEnabled(src, true); err != nil {
			return errcode.Wrap(errcode.Fail, op, err, "enable %s", src)
		}
		enabled = true
	}
	if err := g.regs.SelectGroupClock(g.id, src); err != nil {
		if enabled {
			if derr := c.plat.Clock.SetEnabled(src, false); derr != nil {
				log.Warnf("group %d: disable %s: %v", g.id, src, derr)
			}
		}
		return errcode.Wrap(errcode.Fail, op, err, "select %s on group %d", src, g.id)
	}
	// Paired with the disable in releaseGroup.
	g.spin.Lock()
	g.clkSrc = src
	g.srcEnabled = enabled
	g.spin.Unlock()
	return nil
}
