package timex

import "math"

// TicksFromNs converts a duration in nanoseconds to ticks of a clock
// running at hz. The result truncates and saturates at MaxUint32.
func TicksFromNs(ns, hz uint32) uint32 {
	return sat(uint64(ns) * uint64(hz) / 1_000_000_000)
}

// NsFromTicks is the inverse of TicksFromNs.
func NsFromTicks(ticks, hz uint32) uint64 {
	if hz == 0 {
		return 0
	}
	return uint64(ticks) * 1_000_000_000 / uint64(hz)
}

// Rescale converts ticks of a clock at fromHz to ticks of a clock at toHz.
func Rescale(ticks, fromHz, toHz uint32) uint32 {
	if fromHz == 0 {
		return 0
	}
	return sat(uint64(ticks) * uint64(toHz) / uint64(fromHz))
}

func sat(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
