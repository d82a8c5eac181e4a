// Package config describes the RMT channels of a board in YAML. Each device
// ships an embedded default; EmbeddedConfigLookup can be replaced to serve
// other sources.
package config

import (
	"strings"

	"gopkg.in/yaml.v2"

	"rmtdrv-go/drivers/rmt"
	"rmtdrv-go/errcode"
)

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// Carrier is the YAML form of rmt.CarrierConfig.
type Carrier struct {
	FrequencyHz uint32  `yaml:"frequency_hz"`
	DutyCycle   float32 `yaml:"duty_cycle"`
	ActiveLow   bool    `yaml:"active_low"`
	AlwaysOn    bool    `yaml:"always_on"`
}

type TX struct {
	Name            string   `yaml:"name"`
	GPIO            int      `yaml:"gpio"`
	Clock           string   `yaml:"clock"`
	ResolutionHz    uint32   `yaml:"resolution_hz"`
	MemBlockSymbols int      `yaml:"mem_block_symbols"`
	QueueDepth      int      `yaml:"queue_depth"`
	IntrPriority    int      `yaml:"intr_priority"`
	DMA             bool     `yaml:"dma"`
	Invert          bool     `yaml:"invert"`
	OpenDrain       bool     `yaml:"open_drain"`
	LoopBack        bool     `yaml:"loop_back"`
	Carrier         *Carrier `yaml:"carrier"`
}

type RX struct {
	Name             string   `yaml:"name"`
	GPIO             int      `yaml:"gpio"`
	Clock            string   `yaml:"clock"`
	ResolutionHz     uint32   `yaml:"resolution_hz"`
	MemBlockSymbols  int      `yaml:"mem_block_symbols"`
	IntrPriority     int      `yaml:"intr_priority"`
	DMA              bool     `yaml:"dma"`
	Invert           bool     `yaml:"invert"`
	LoopBack         bool     `yaml:"loop_back"`
	SignalRangeMinNs uint32   `yaml:"signal_range_min_ns"`
	SignalRangeMaxNs uint32   `yaml:"signal_range_max_ns"`
	Carrier          *Carrier `yaml:"carrier"`
}

// Board is one device's channel map.
type Board struct {
	Device string `yaml:"device"`
	TX     []TX   `yaml:"tx"`
	RX     []RX   `yaml:"rx"`
	// Sync names TX channels started together.
	Sync []string `yaml:"sync"`
}

// Load resolves the embedded config of device.
func Load(device string) (*Board, error) {
	if device == "" {
		return nil, errcode.New(errcode.InvalidArg, "config.Load", "missing device id")
	}
	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return nil, errcode.New(errcode.NotFound, "config.Load", "no embedded config for device: "+device)
	}
	b, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if b.Device == "" {
		b.Device = device
	}
	return b, nil
}

// Parse decodes and checks a board file. Unknown keys are errors.
func Parse(raw []byte) (*Board, error) {
	const op = "config.Parse"
	var b Board
	if err := yaml.UnmarshalStrict(raw, &b); err != nil {
		return nil, errcode.Wrap(errcode.InvalidArg, op, err, "decode board yaml")
	}
	seen := map[string]bool{}
	name := func(n string) error {
		if n == "" {
			return errcode.New(errcode.InvalidArg, op, "channel without a name")
		}
		if seen[n] {
			return errcode.New(errcode.InvalidArg, op, "duplicate channel name "+n)
		}
		seen[n] = true
		return nil
	}
	for _, c := range b.TX {
		if err := name(c.Name); err != nil {
			return nil, err
		}
		if _, err := ParseClock(c.Clock); err != nil {
			return nil, err
		}
	}
	for _, c := range b.RX {
		if err := name(c.Name); err != nil {
			return nil, err
		}
		if _, err := ParseClock(c.Clock); err != nil {
			return nil, err
		}
	}
	for _, n := range b.Sync {
		if _, ok := b.FindTX(n); !ok {
			return nil, errcode.New(errcode.InvalidArg, op, "sync names unknown tx channel "+n)
		}
	}
	return &b, nil
}

// ParseClock maps a clock name to a source. Empty means the target default.
func ParseClock(s string) (rmt.ClockSource, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return rmt.ClockDefault, nil
	case "apb":
		return rmt.ClockAPB, nil
	case "xtal":
		return rmt.ClockXTAL, nil
	case "rc_fast":
		return rmt.ClockRCFast, nil
	case "pll_f80m", "pll80m":
		return rmt.ClockPLL80M, nil
	}
	return rmt.ClockDefault, errcode.New(errcode.InvalidArg, "config.ParseClock", "unknown clock "+s)
}

func (b *Board) FindTX(name string) (TX, bool) {
	for _, c := range b.TX {
		if c.Name == name {
			return c, true
		}
	}
	return TX{}, false
}

func (b *Board) FindRX(name string) (RX, bool) {
	for _, c := range b.RX {
		if c.Name == name {
			return c, true
		}
	}
	return RX{}, false
}

// Channel converts to the driver config. Zero sizes get driver-friendly
// defaults: one block of memory and a queue of four.
func (c TX) Channel(blockSymbols int) rmt.TXChannelConfig {
	clk, _ := ParseClock(c.Clock)
	cfg := rmt.TXChannelConfig{
		GPIO:            c.GPIO,
		ClockSource:     clk,
		ResolutionHz:    c.ResolutionHz,
		MemBlockSymbols: c.MemBlockSymbols,
		QueueDepth:      c.QueueDepth,
		IntrPriority:    c.IntrPriority,
		WithDMA:         c.DMA,
		InvertOut:       c.Invert,
		OpenDrain:       c.OpenDrain,
		LoopBack:        c.LoopBack,
	}
	if cfg.MemBlockSymbols == 0 {
		cfg.MemBlockSymbols = blockSymbols
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 4
	}
	return cfg
}

func (c RX) Channel(blockSymbols int) rmt.RXChannelConfig {
	clk, _ := ParseClock(c.Clock)
	cfg := rmt.RXChannelConfig{
		GPIO:            c.GPIO,
		ClockSource:     clk,
		ResolutionHz:    c.ResolutionHz,
		MemBlockSymbols: c.MemBlockSymbols,
		IntrPriority:    c.IntrPriority,
		WithDMA:         c.DMA,
		InvertIn:        c.Invert,
		LoopBack:        c.LoopBack,
	}
	if cfg.MemBlockSymbols == 0 {
		cfg.MemBlockSymbols = blockSymbols
	}
	return cfg
}

func (c RX) Receive() rmt.ReceiveConfig {
	return rmt.ReceiveConfig{SignalRangeMinNs: c.SignalRangeMinNs, SignalRangeMaxNs: c.SignalRangeMaxNs}
}

// Driver returns nil when no carrier is configured.
func (c *Carrier) Driver() *rmt.CarrierConfig {
	if c == nil {
		return nil
	}
	return &rmt.CarrierConfig{
		FrequencyHz:       c.FrequencyHz,
		DutyCycle:         c.DutyCycle,
		PolarityActiveLow: c.ActiveLow,
		AlwaysOn:          c.AlwaysOn,
	}
}
