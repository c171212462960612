package util

// CloneSlice clones slice with cloneSize.
// This function will use src length as the clone size if cloneSize is 0.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}

// Resize returns buf with length n, reusing its backing array when the capacity allows.
// Bytes beyond the previous length are zeroed.
func Resize[T any](buf []T, n int) []T {
	if cap(buf) < n {
		grown := make([]T, n)
		copy(grown, buf)

		return grown
	}

	old := len(buf)
	buf = buf[:n]
	if n > old {
		clear(buf[old:])
	}

	return buf
}
