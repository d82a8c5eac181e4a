// Package rmt drives the RMT (remote control transceiver) peripheral: TX and
// RX channels claimed from shared hardware groups, an interrupt or DMA driven
// ping-pong engine fed by encoders, and group-level synchronised start.
//
// The package owns no hardware. Install a halcore.Platform with SetPlatform
// before creating channels.
package rmt

import (
	"sync"

	"rmtdrv-go/drivers/rmt/halcore"
	"rmtdrv-go/errcode"
	"rmtdrv-go/x/logx"
)

type (
	Symbol      = halcore.Symbol
	ClockSource = halcore.ClockSource
	Direction   = halcore.Direction
)

const (
	ClockDefault = halcore.ClockNone
	ClockAPB     = halcore.ClockAPB
	ClockXTAL    = halcore.ClockXTAL
	ClockRCFast  = halcore.ClockRCFast
	ClockPLL80M  = halcore.ClockPLL80M
)

// LoopForever repeats a transmission until the channel is disabled.
const LoopForever = -1

var log = logx.New("rmt")

// ---- Configuration ----

// TXChannelConfig describes a TX channel.
type TXChannelConfig struct {
	GPIO            int
	ClockSource     ClockSource
	ResolutionHz    uint32
	MemBlockSymbols int // even; >= one memory block without DMA
	QueueDepth      int
	IntrPriority    int // 0 lets the group decide
	WithDMA         bool
	InvertOut       bool
	OpenDrain       bool
	LoopBack        bool
}

// RXChannelConfig describes an RX channel.
type RXChannelConfig struct {
	GPIO            int
	ClockSource     ClockSource
	ResolutionHz    uint32
	MemBlockSymbols int
	IntrPriority    int
	WithDMA         bool
	InvertIn        bool
	LoopBack        bool
}

// TransmitConfig controls one transaction.
type TransmitConfig struct {
	LoopCount int   // 0 once, N repeats, LoopForever
	EOTLevel  uint8 // output level held after the end marker
}

// ReceiveConfig bounds the pulses one reception accepts. Pulses shorter than
// SignalRangeMinNs are filtered; an idle longer than SignalRangeMaxNs ends
// the frame.
type ReceiveConfig struct {
	SignalRangeMinNs uint32
	SignalRangeMaxNs uint32
}

// CarrierConfig modulates TX output or demodulates RX input.
type CarrierConfig struct {
	FrequencyHz       uint32
	DutyCycle         float32 // (0, 1)
	PolarityActiveLow bool
	AlwaysOn          bool // keep the carrier during idle, TX only
}

// ---- Events ----

// TXDoneEvent reports a finished transaction. Err is set when the driver
// aborted the transaction instead of running it.
type TXDoneEvent struct {
	NumSymbols int
	Err        error
}

// RXDoneEvent reports a finished reception. Symbols aliases the caller's
// buffer.
type RXDoneEvent struct {
	Symbols []Symbol
}

// TXEventCallbacks run in interrupt context. They must not block, and must
// not call Disable or Delete on the same channel.
type TXEventCallbacks struct {
	OnTransDone func(TXDoneEvent)
}

type RXEventCallbacks struct {
	OnRecvDone func(RXDoneEvent)
}

// ---- Platform ----

var plat struct {
	mu sync.Mutex
	p  halcore.Platform
	ok bool
}

// SetPlatform installs the collaborators used by every channel. It panics if
// groups from a previous platform are still alive.
func SetPlatform(p halcore.Platform) {
	if p.Regs == nil || p.Intr == nil || p.GPIO == nil || p.Clock == nil {
		panic("rmt: incomplete platform")
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for _, g := range registry.groups {
		if g != nil {
			panic("rmt: platform replaced while groups are live")
		}
	}
	plat.mu.Lock()
	plat.p = p
	plat.ok = true
	plat.mu.Unlock()
	registry.groups = make([]*group, p.Regs.Caps().Groups)
}

func platform() (halcore.Platform, error) {
	plat.mu.Lock()
	defer plat.mu.Unlock()
	if !plat.ok {
		return halcore.Platform{}, errcode.New(errcode.InvalidState, "rmt", "platform not installed")
	}
	return plat.p, nil
}

// ---- Channel ----

// Channel is implemented by *TXChannel and *RXChannel only.
type Channel interface {
	Enable() error
	Disable() error
	Delete() error
	ApplyCarrier(cfg *CarrierConfig) error
	Direction() Direction
	GroupID() int
	ChannelID() int

	base() *channel
}

func Enable(ch Channel) error {
	if ch == nil {
		return errcode.InvalidArg
	}
	return ch.Enable()
}

func Disable(ch Channel) error {
	if ch == nil {
		return errcode.InvalidArg
	}
	return ch.Disable()
}

func DelChannel(ch Channel) error {
	if ch == nil {
		return errcode.InvalidArg
	}
	return ch.Delete()
}

func ApplyCarrier(ch Channel, cfg *CarrierConfig) error {
	if ch == nil {
		return errcode.InvalidArg
	}
	return ch.ApplyCarrier(cfg)
}
