package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMedian(t *testing.T) {
	require.Zero(t, median(nil))
	require.Equal(t, uint64(7), median([]uint64{7}))
	require.Equal(t, uint64(2), median([]uint64{3, 1, 2}))
	require.Equal(t, uint64(2), median([]uint64{4, 1, 3, 1}))
	require.Equal(t, ^uint64(0)-1, median([]uint64{^uint64(0), ^uint64(0) - 1, 0, ^uint64(0)}))

	values := []uint64{5, 1, 4}
	median(values)
	require.Equal(t, []uint64{5, 1, 4}, values, "input left unsorted")
}

func TestRollingMedianMatchesWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		window := rapid.IntRange(1, 40).Draw(t, "window")
		values := rapid.SliceOfN(rapid.Uint64Range(0, 1_000), 1, 200).Draw(t, "values")

		m := NewRollingMedian(window)
		for i, v := range values {
			m.Insert(v)
			from := max(0, i+1-window)
			want := median(values[from : i+1])
			if got := m.Median(); got != want {
				t.Fatalf("after %d inserts into a window of %d: median %d, want %d", i+1, window, got, want)
			}
			if m.Size() != i+1-from {
				t.Fatalf("size %d, want %d", m.Size(), i+1-from)
			}
		}

		m.Clear()
		if m.Size() != 0 || m.Median() != 0 {
			t.Fatalf("cleared median not empty")
		}
		m.Insert(values[0])
		if m.Median() != values[0] {
			t.Fatalf("median of one value %d is %d", values[0], m.Median())
		}
	})
}
