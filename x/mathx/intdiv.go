package mathx

import "golang.org/x/exp/constraints"

// CeilDiv returns ceil(a/b) for non-negative integers. b == 0 yields 0.
func CeilDiv[T constraints.Integer](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Mask returns n low bits set, shifted left by off. n >= 32 saturates.
func Mask(n, off int) uint32 {
	if n <= 0 {
		return 0
	}
	var m uint32 = ^uint32(0)
	if n < 32 {
		m = (1 << uint(n)) - 1
	}
	return m << uint(off)
}
