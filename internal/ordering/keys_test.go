package ordering

import (
	"math"
	"math/rand"
	"testing"
)

func TestKeyAt(t *testing.T) {
	cases := []struct {
		name  string
		keys  []float64
		index int
		want  float64
	}{
		{name: "empty lane", keys: nil, index: 0, want: 0},
		{name: "empty lane large index", keys: nil, index: 5, want: 0},
		{name: "front", keys: []float64{0, 1}, index: 0, want: -1},
		{name: "negative index is front", keys: []float64{3, 4}, index: -2, want: 2},
		{name: "end", keys: []float64{0, 1}, index: 2, want: 2},
		{name: "past end", keys: []float64{0, 1}, index: 9, want: 2},
		{name: "middle", keys: []float64{0, 1}, index: 1, want: 0.5},
		{name: "middle fractional", keys: []float64{0.5, 0.75, 1}, index: 2, want: 0.875},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KeyAt(tc.keys, tc.index); got != tc.want {
				t.Fatalf("KeyAt(%v, %d) = %v, want %v", tc.keys, tc.index, got, tc.want)
			}
		})
	}
}

func TestAfterAndSequence(t *testing.T) {
	if got := After(0, true); got != 0 {
		t.Fatalf("After(empty) = %v, want 0", got)
	}
	if got := After(2, false); got != 3 {
		t.Fatalf("After(2) = %v, want 3", got)
	}
	if got := After(-1, false); got != 0 {
		t.Fatalf("After(-1) = %v, want 0", got)
	}
	if got := After(0.5, false); got != 1 {
		t.Fatalf("After(0.5) = %v, want 1", got)
	}

	seq := Sequence(0, true, 3)
	want := []float64{0, 1, 2}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("Sequence(empty, 3) = %v, want %v", seq, want)
		}
	}
	if got := Append([]float64{4, 1, 2}); got != 5 {
		t.Fatalf("Append = %v, want 5", got)
	}
}

func TestAfterStaysAboveHugeKeys(t *testing.T) {
	huge := math.Pow(2, 53)
	if math.Floor(huge)+1 != huge {
		t.Fatalf("expected %v+1 to round back to itself", huge)
	}
	if got := After(huge, false); got <= huge {
		t.Fatalf("After(%v) = %v, want a larger key", huge, got)
	}

	seq := Sequence(huge, false, 4)
	prev := huge
	for i, key := range seq {
		if key <= prev {
			t.Fatalf("Sequence(%v)[%d] = %v, not above %v", huge, i, key, prev)
		}
		prev = key
	}
}

func TestSortBreaksTiesBySequenceThenID(t *testing.T) {
	entries := []Entry{
		{ID: "c", Key: 1, Seq: 3},
		{ID: "b", Key: 1, Seq: 2},
		{ID: "a", Key: 2, Seq: 1},
		{ID: "z", Key: 1, Seq: 2},
		{ID: "d", Key: -1, Seq: 9},
	}
	Sort(entries)
	got := make([]string, 0, len(entries))
	for _, entry := range entries {
		got = append(got, entry.ID)
	}
	want := []string{"d", "b", "z", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sorted ids = %v, want %v", got, want)
		}
	}
}

// Moving one entry never changes the relative order of the others.
func TestRandomMovesPreserveRelativeOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	entries := make([]Entry, 0, 20)
	for i := 0; i < 20; i++ {
		entries = append(entries, Entry{ID: string(rune('a' + i)), Key: float64(i), Seq: int64(i)})
	}

	for step := 0; step < 500; step++ {
		Sort(entries)
		moved := rng.Intn(len(entries))
		movedID := entries[moved].ID
		target := rng.Intn(len(entries) + 1)

		var before []string
		var remaining []float64
		for _, entry := range entries {
			if entry.ID == movedID {
				continue
			}
			before = append(before, entry.ID)
			remaining = append(remaining, entry.Key)
		}
		entries[moved].Key = KeyAt(remaining, target)
		Sort(entries)

		var after []string
		for i, entry := range entries {
			if entry.ID == movedID {
				if i != target && !(target > len(remaining) && i == len(remaining)) {
					t.Fatalf("step %d: moved entry landed at %d, want %d", step, i, target)
				}
				continue
			}
			after = append(after, entry.ID)
		}
		for i := range before {
			if before[i] != after[i] {
				t.Fatalf("step %d: relative order changed: before %v after %v", step, before, after)
			}
		}
	}
}

func TestCrowded(t *testing.T) {
	if Crowded([]float64{0, 1, 2}) {
		t.Fatal("integer keys must not be crowded")
	}
	if !Crowded([]float64{1, 1}) {
		t.Fatal("equal keys must be crowded")
	}
	if !Crowded([]float64{1, 1 + 1e-12}) {
		t.Fatal("keys 1e-12 apart must be crowded")
	}
	keys := Renormalized(4)
	if len(keys) != 4 || keys[3] != 3 {
		t.Fatalf("Renormalized(4) = %v", keys)
	}
}
