// drivers/rmt/halcore/types.go
package halcore

// ---- Symbols ----

// Symbol is one RMT memory word: two (duration, level) halves.
// Bits 0..14 duration0, bit 15 level0, bits 16..30 duration1, bit 31 level1.
type Symbol uint32

// MaxDuration is the largest duration a symbol half can carry.
const MaxDuration = 0x7fff

func MakeSymbol(d0 uint16, l0 uint8, d1 uint16, l1 uint8) Symbol {
	return Symbol(uint32(d0&MaxDuration) | uint32(l0&1)<<15 |
		uint32(d1&MaxDuration)<<16 | uint32(l1&1)<<31)
}

func (s Symbol) Duration0() uint16 { return uint16(s & MaxDuration) }
func (s Symbol) Level0() uint8     { return uint8(s>>15) & 1 }
func (s Symbol) Duration1() uint16 { return uint16(s>>16) & MaxDuration }
func (s Symbol) Level1() uint8     { return uint8(s>>31) & 1 }

// IsEnd reports whether the engine stops at this symbol.
func (s Symbol) IsEnd() bool { return s.Duration0() == 0 || s.Duration1() == 0 }

// EndMarker is the zero-duration symbol that stops the TX engine and holds level.
func EndMarker(level uint8) Symbol { return MakeSymbol(0, level, 0, level) }

// ---- Enums ----

type Direction uint8

const (
	DirTX Direction = iota
	DirRX
)

func (d Direction) String() string {
	if d == DirRX {
		return "rx"
	}
	return "tx"
}

// ClockSource selects the group-wide RMT source clock. ClockNone marks an
// unlocked group.
type ClockSource uint8

const (
	ClockNone ClockSource = iota
	ClockAPB
	ClockXTAL
	ClockRCFast
	ClockPLL80M
)

func (c ClockSource) String() string {
	switch c {
	case ClockAPB:
		return "apb"
	case ClockXTAL:
		return "xtal"
	case ClockRCFast:
		return "rc_fast"
	case ClockPLL80M:
		return "pll_f80m"
	default:
		return "none"
	}
}

// Event is a bitmask of per-channel interrupt sources.
type Event uint8

const (
	EventDone      Event = 1 << iota // TX end of transmission / RX end of frame
	EventThreshold                   // ping-pong half consumed or produced
	EventLoopEnd                     // TX loop count reached
	EventError                       // RX memory overrun
)

const EventsTX = EventDone | EventThreshold | EventLoopEnd
const EventsRX = EventDone | EventThreshold | EventError

// ---- Capabilities ----

// Caps describes one target's RMT block.
type Caps struct {
	Groups           int
	ChannelsPerGroup int // memory blocks per group, one per channel slot
	TXCandidates     int // TX channels occupy slots [0, TXCandidates)
	RXCandidates     int // RX channels occupy the last RXCandidates slots
	MemBlockSymbols  int // symbols per memory block

	HasLoopCount    bool
	LoopMaxPerBatch uint32
	HasLoopAutoStop bool
	HasRXPingPong   bool
	HasAsyncStop    bool
	HasRXDemod      bool
	HasSync         bool

	HasDMA            bool
	DMANodeMaxSymbols int

	MaxClockDiv    uint32
	MaxFilterValue uint32
	MaxIdleValue   uint32
	DefaultClock   ClockSource
}

// RXOffset is the slot of RX channel 0.
func (c Caps) RXOffset() int { return c.ChannelsPerGroup - c.RXCandidates }

// ---- Register layer ----

// LoopConfig programs TX loop mode. Count 0 with Enable set loops forever.
type LoopConfig struct {
	Enable   bool
	Count    uint32
	AutoStop bool
}

// CarrierConfig programs TX modulation or RX demodulation in group-clock ticks.
type CarrierConfig struct {
	Enable     bool
	HighTicks  uint32
	LowTicks   uint32
	ActiveHigh bool
	AlwaysOn   bool
}

// Registers is the logical register access layer of an RMT block.
// Channel numbers are per direction: TX channel n sits in slot n, RX channel
// n sits in slot RXOffset()+n.
type Registers interface {
	Caps() Caps

	InitGroup(group int) error
	DeinitGroup(group int)
	SelectGroupClock(group int, src ClockSource) error

	SetClockDiv(group int, dir Direction, ch int, div uint32)
	SetMemBlocks(group int, dir Direction, ch int, blocks int)
	Mem(group int, dir Direction, ch int) []Symbol
	ResetPointer(group int, dir Direction, ch int)
	SetCarrier(group int, dir Direction, ch int, c CarrierConfig)

	TXStart(group, ch int)
	TXStop(group, ch int)
	TXSetLimit(group, ch int, symbols int)
	TXSetLoop(group, ch int, l LoopConfig)
	TXSetIdleLevel(group, ch int, level uint8)

	RXEnable(group, ch int, on bool)
	RXSetOwner(group, ch int, hw bool)
	RXSetFilter(group, ch int, enable bool, ticks uint32)
	RXSetIdleThreshold(group, ch int, ticks uint32)
	RXSetLimit(group, ch int, symbols int)
	RXWriteOffset(group, ch int) int

	EnableEvents(group int, dir Direction, ch int, ev Event, on bool)
	ClearEvents(group int, dir Direction, ch int, ev Event)
	RawEvents(group int, dir Direction, ch int) Event

	SyncEnable(group int, on bool)
	SyncSetChannels(group int, mask uint32)
	SyncResetClockDiv(group int, mask uint32)
}

// ---- Interrupts ----

// Interrupt is an allocated handler registration.
type Interrupt interface {
	Free() error
}

// Interrupts hands out per-channel handlers. The handler receives the
// masked status of that channel and runs to completion.
type Interrupts interface {
	Alloc(group int, dir Direction, ch int, priority int, isr func(Event)) (Interrupt, error)
}

// ---- DMA ----

// DMANode is one descriptor of a linked DMA chain. Length counts symbols.
type DMANode struct {
	Buf    []Symbol
	Length int
	EOF    bool
	Next   *DMANode
}

type DMAChannel interface {
	Connect(group, ch int) error
	Disconnect() error
	Start(head *DMANode) error
	Stop()
	Reset()
	// OnEOF registers the per-node completion callback.
	OnEOF(fn func(node *DMANode))
	Close() error
}

type DMA interface {
	NewChannel(dir Direction) (DMAChannel, error)
	AllocBuffer(symbols int) ([]Symbol, error)
	Capable(buf []Symbol) bool
}

// ---- GPIO ----

type IOFlags struct {
	Invert    bool
	OpenDrain bool
	LoopBack  bool
}

type GPIO interface {
	Route(pin int, group int, dir Direction, ch int, flags IOFlags) error
	// Release detaches one channel from pin.
	Release(pin int, group int, dir Direction, ch int)
}

// ---- Power management ----

type PMLockKind uint8

const (
	PMNone PMLockKind = iota
	PMAPBFreqMax
	PMNoLightSleep
)

type PMLock interface {
	Acquire() error
	Release() error
	Delete() error
}

type PM interface {
	NewLock(kind PMLockKind, name string) (PMLock, error)
}

// ---- Clock tree ----

type Clock interface {
	Frequency(src ClockSource) (uint32, error)
	// SetEnabled powers sources that are off by default (RC fast).
	SetEnabled(src ClockSource, on bool) error
}

// Platform bundles every collaborator the driver needs. DMA and PM may be nil.
type Platform struct {
	Regs  Registers
	Intr  Interrupts
	DMA   DMA
	GPIO  GPIO
	PM    PM
	Clock Clock
}
