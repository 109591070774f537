package channel

// NewBufferedResultChannel allocates a buffered channel with at least size 1.
func NewBufferedResultChannel[T any](size int) chan T {
	if size <= 0 {
		size = 1
	}
	return make(chan T, size)
}

// Drain empties ch without blocking and returns what was buffered, oldest first.
func Drain[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}
