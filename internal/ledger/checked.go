package ledger

// Checked arithmetic on fixed-point quantities. Every quantity in the ledger
// is an unsigned 64-bit integer scaled by the system decimal precision; any
// result outside that range aborts the whole operation.

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a - b or ErrUnderflow.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// CheckedMul returns a * b or ErrOverflow.
func CheckedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	product := a * b
	if product/a != b {
		return 0, ErrOverflow
	}
	return product, nil
}
