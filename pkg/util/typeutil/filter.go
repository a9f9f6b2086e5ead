package typeutil

// FilterZero returns a copy of l with every zero value dropped, keeping the
// order of the survivors.
func FilterZero[T comparable](l []T) []T {
	var zero T
	res := make([]T, 0, len(l))
	for _, v := range l {
		if v != zero {
			res = append(res, v)
		}
	}
	return res
}
