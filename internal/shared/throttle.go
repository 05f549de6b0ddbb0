package shared

// ShouldLogFrame reports whether the n-th frame (1-based) is worth an info
// log line: the first few frames, then every hundredth.
func ShouldLogFrame(n uint64) bool {
	return n > 0 && (n <= 5 || n%100 == 0)
}
