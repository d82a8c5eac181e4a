package rmt

import (
	"sync/atomic"
	"time"

	bytesize "github.com/inhies/go-bytesize"

	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
	"rmtdrv-go/x/critical"
)

type fsmState uint32

const (
	fsmInit fsmState = iota
	fsmEnable
	fsmWait // transition in progress, or deleted
)

// channel holds what TX and RX channels share.
type channel struct {
	dir  Direction
	id   int
	gid  int // kept after Delete
	gpio int

	plat   halcore.Platform
	group  *group
	claim  claim
	blocks int

	// spin guards register sequences; gate keeps Disable and the interrupt
	// handler apart. Never take gate while holding spin.
	spin critical.Lock
	gate critical.Lock
	// stopping is set under gate while the channel is being disabled;
	// the interrupt handler ignores events while it is set.
	stopping bool

	resolutionHz uint32
	intr         halcore.Interrupt
	dma          halcore.DMAChannel
	pmLock       halcore.PMLock
	routed       bool

	fsm atomic.Uint32
}

// symbolBytes is the memory n symbols occupy.
func symbolBytes(n int) bytesize.ByteSize { return bytesize.New(float64(4 * n)) }

func (c *channel) base() *channel      { return c }
func (c *channel) Direction() Direction { return c.dir }
func (c *channel) GroupID() int         { return c.gid }
func (c *channel) ChannelID() int       { return c.id }

// ResolutionHz is the real channel tick rate after divider truncation.
func (c *channel) ResolutionHz() uint32 { return c.resolutionHz }

func (c *channel) state() fsmState { return fsmState(c.fsm.Load()) }

func (c *channel) transition(from, to fsmState) bool {
	return c.fsm.CompareAndSwap(uint32(from), uint32(to))
}

func (c *channel) setState(s fsmState) { c.fsm.Store(uint32(s)) }

// claimSlot registers the channel to a group slot.
func (c *channel) claimSlot(withDMA bool) error {
	cl, err := registerChannel(c.dir, c.blocks, withDMA)
	if err != nil {
		return err
	}
	c.claim = cl
	c.group = cl.group
	c.gid = cl.group.id
	c.id = cl.channelID
	if withDMA {
		c.blocks = 1
	}
	return nil
}

// route connects the GPIO to the channel.
func (c *channel) route(flags halcore.IOFlags) error {
	if err := c.plat.GPIO.Route(c.gpio, c.group.id, c.dir, c.id, flags); err != nil {
		return errcode.Wrap(errcode.Fail, "rmt.route", err, "route gpio %d", c.gpio)
	}
	c.routed = true
	return nil
}

// releaseCommon frees whatever construction acquired, in reverse order.
// Safe on partially constructed channels.
func (c *channel) releaseCommon() {
	if c.intr != nil {
		if err := c.intr.Free(); err != nil {
			log.Warnf("%s channel (%d,%d): free interrupt: %v", c.dir, c.group.id, c.id, err)
		}
		c.intr = nil
	}
	if c.dma != nil {
		if err := c.dma.Close(); err != nil {
			log.Warnf("%s channel (%d,%d): close dma: %v", c.dir, c.group.id, c.id, err)
		}
		c.dma = nil
	}
	if c.pmLock != nil {
		if err := c.pmLock.Delete(); err != nil {
			log.Warnf("%s channel (%d,%d): delete pm lock: %v", c.dir, c.group.id, c.id, err)
		}
		c.pmLock = nil
	}
	if c.routed {
		c.plat.GPIO.Release(c.gpio, c.group.id, c.dir, c.id)
		c.routed = false
	}
	if c.group != nil {
		unregisterChannel(c.claim)
		c.group = nil
	}
}

func (c *channel) acquirePM() error {
	if c.pmLock == nil {
		return nil
	}
	if err := c.pmLock.Acquire(); err != nil {
		return errcode.Wrap(errcode.Fail, "rmt.Enable", err, "acquire pm lock")
	}
	return nil
}

func (c *channel) releasePM() {
	if c.pmLock == nil {
		return
	}
	if err := c.pmLock.Release(); err != nil {
		log.Warnf("%s channel (%d,%d): release pm lock: %v", c.dir, c.group.id, c.id, err)
	}
}

// carrierTicks converts a carrier request to group-clock ticks. A nil config
// or zero frequency turns the carrier off.
func (c *channel) carrierTicks(cfg *CarrierConfig) (halcore.CarrierConfig, uint32, error) {
	if cfg == nil || cfg.FrequencyHz == 0 {
		return halcore.CarrierConfig{}, 0, nil
	}
	if cfg.DutyCycle <= 0 || cfg.DutyCycle >= 1 {
		return halcore.CarrierConfig{}, 0, errcode.New(errcode.InvalidArg, "rmt.ApplyCarrier", "duty cycle must be in (0,1)")
	}
	c.group.spin.Lock()
	groupHz := c.group.resolutionHz
	c.group.spin.Unlock()
	total := groupHz / cfg.FrequencyHz
	if total < 2 {
		return halcore.CarrierConfig{}, 0, errcode.New(errcode.InvalidArg, "rmt.ApplyCarrier", "carrier frequency too high")
	}
	high := uint32(float32(total) * cfg.DutyCycle)
	if high == 0 {
		high = 1
	}
	if high >= total {
		high = total - 1
	}
	hc := halcore.CarrierConfig{
		Enable:     true,
		HighTicks:  high,
		LowTicks:   total - high,
		ActiveHigh: !cfg.PolarityActiveLow,
		AlwaysOn:   cfg.AlwaysOn,
	}
	return hc, groupHz / total, nil
}

func (c *channel) applyCarrier(cfg *CarrierConfig) error {
	hc, actual, err := c.carrierTicks(cfg)
	if err != nil {
		return err
	}
	c.spin.Lock()
	c.group.regs.SetCarrier(c.group.id, c.dir, c.id, hc)
	c.spin.Unlock()
	if actual != 0 && actual != cfg.FrequencyHz {
		log.Warnf("%s channel (%d,%d): carrier is %d Hz instead of %d Hz", c.dir, c.group.id, c.id, actual, cfg.FrequencyHz)
	}
	return nil
}

// resetTimer safely stops, drains, and resets a timer.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		drainTimer(t)
	}
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
