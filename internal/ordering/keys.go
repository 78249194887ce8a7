// Package ordering computes sparse fractional order keys for items grouped
// into lanes. A key is only meaningful relative to other keys in the same lane.
package ordering

import (
	"math"
	"sort"
)

// Entry is the subset of an item needed to order it within a lane.
type Entry struct {
	ID  string
	Key float64
	// Seq is the store-assigned insertion sequence, used to break key ties.
	Seq int64
}

// After returns the key for an item appended to a lane whose largest key is
// max. An empty lane starts at 0. The result is always strictly greater than
// max, stepping to the next representable float once +1 no longer registers.
func After(max float64, empty bool) float64 {
	if empty {
		return 0
	}
	next := math.Floor(max) + 1
	if next <= max {
		next = math.Nextafter(max, math.Inf(1))
	}
	return next
}

// Append returns the key for an item appended after all of keys.
func Append(keys []float64) float64 {
	if len(keys) == 0 {
		return 0
	}
	return After(Max(keys), false)
}

// Sequence returns n strictly increasing keys that all sort after max.
func Sequence(max float64, empty bool, n int) []float64 {
	out := make([]float64, 0, n)
	next := After(max, empty)
	for i := 0; i < n; i++ {
		out = append(out, next)
		next = After(next, false)
	}
	return out
}

// KeyAt returns the key that places an item at index within a lane whose
// remaining keys (the moved item excluded) are given in ascending order.
func KeyAt(keys []float64, index int) float64 {
	if len(keys) == 0 {
		return 0
	}
	if index <= 0 {
		return keys[0] - 1
	}
	if index >= len(keys) {
		return keys[len(keys)-1] + 1
	}
	return (keys[index-1] + keys[index]) / 2
}

// Max returns the largest key, or 0 for an empty slice.
func Max(keys []float64) float64 {
	if len(keys) == 0 {
		return 0
	}
	max := keys[0]
	for _, key := range keys[1:] {
		if key > max {
			max = key
		}
	}
	return max
}

// Less orders entries by key, then insertion sequence, then identifier.
func Less(a, b Entry) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// Sort orders entries in place using Less.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Less(entries[i], entries[j])
	})
}

// Renormalized returns the keys 0..n-1.
func Renormalized(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

// minGap is the relative spacing below which two neighbours are considered
// too close for further bisection.
const minGap = 1e-9

// Crowded reports whether any two adjacent keys in the ascending slice are
// equal or closer than what repeated bisection can still separate.
func Crowded(keys []float64) bool {
	for i := 1; i < len(keys); i++ {
		gap := keys[i] - keys[i-1]
		scale := math.Max(1, math.Max(math.Abs(keys[i]), math.Abs(keys[i-1])))
		if gap <= minGap*scale {
			return true
		}
	}
	return false
}
