package sdmmc

import "golang.org/x/exp/constraints"

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}

// log2 returns the base 2 logarithm of a power of two.
func log2[T constraints.Unsigned](val T) (n uint8) {
	for val > 1 {
		val >>= 1
		n++
	}
	return n
}
