package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckPow2 returns PowerOfTwoError, annotated with the provided name, when number
// is not a power of two.
func CheckPow2[T constraints.Integer](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment. Unlike the bitwise
// trick used for power-of-two alignments, this accepts arbitrary alignments, since
// backend stride constraints are not required to be powers of two.
func AlignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}

	remainder := value % int(alignment)
	if remainder == 0 {
		return value
	}
	return value + int(alignment) - remainder
}

// AlignDown rounds value down to the nearest multiple of alignment.
func AlignDown(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return value - value%int(alignment)
}

// DivCeil divides numerator by denominator, rounding up.
func DivCeil(numerator, denominator int) int {
	return (numerator + denominator - 1) / denominator
}
