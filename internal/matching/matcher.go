package matching

// Pair is a matched couple. A precedes B in queue order.
type Pair struct {
	A Identity
	B Identity
}

// CompatibleFunc reports whether a and b may be paired.
type CompatibleFunc func(a, b Identity) bool

// FindMatch returns the first compatible pair in scan order: all unordered
// pairs (i, j) with i < j, outer index ascending, inner index ascending. It
// deliberately prefers the earliest compatible pair over the earliest two
// entries, so blocked pairs never starve the rest of the queue.
func FindMatch(queue []Identity, compatible CompatibleFunc) (Pair, bool) {
	if len(queue) < 2 {
		return Pair{}, false
	}
	for i := 0; i < len(queue)-1; i++ {
		for j := i + 1; j < len(queue); j++ {
			if compatible(queue[i], queue[j]) {
				return Pair{A: queue[i], B: queue[j]}, true
			}
		}
	}
	return Pair{}, false
}
