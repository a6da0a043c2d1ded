package chain

import (
	"container/heap"
	"slices"
)

// median returns the median of values, averaging (rounding down) the two
// middle values of an even-sized set. values is not modified.
func median(values []uint64) uint64 {
	n := len(values)
	switch n {
	case 0:
		return 0
	case 1:
		return values[0]
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return mean2(sorted[n/2-1], sorted[n/2])
}

// mean2 is floor((a+b)/2) without overflowing.
func mean2(a, b uint64) uint64 {
	return a/2 + b/2 + (a%2+b%2)/2
}

type medianItem struct {
	value uint64
	low   bool
	index int
}

// itemHeap is a heap of median items. A max heap when max is set.
type itemHeap struct {
	items []*medianItem
	max   bool
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool {
	if h.max {
		return h.items[i].value > h.items[j].value
	}
	return h.items[i].value < h.items[j].value
}

func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*medianItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *itemHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	it.index = -1
	return it
}

func (h *itemHeap) top() uint64 { return h.items[0].value }

// RollingMedian is the median of the last Window values inserted. The
// lower half of the window sits in a max heap, the upper half in a min
// heap; a ring buffer remembers insertion order so the oldest value can be
// evicted in O(log n).
type RollingMedian struct {
	window int
	ring   []*medianItem
	next   int
	count  int
	low    itemHeap
	high   itemHeap
}

// NewRollingMedian returns an empty median over window values.
func NewRollingMedian(window int) *RollingMedian {
	if window < 1 {
		window = 1
	}
	return &RollingMedian{
		window: window,
		ring:   make([]*medianItem, window),
		low:    itemHeap{max: true},
	}
}

// Size is the number of values in the window.
func (m *RollingMedian) Size() int { return m.count }

// Clear empties the window.
func (m *RollingMedian) Clear() {
	clear(m.ring)
	m.next, m.count = 0, 0
	m.low.items = m.low.items[:0]
	m.high.items = m.high.items[:0]
}

// Insert adds v, evicting the oldest value when the window is full.
func (m *RollingMedian) Insert(v uint64) {
	if m.count == m.window {
		old := m.ring[m.next]
		if old.low {
			heap.Remove(&m.low, old.index)
		} else {
			heap.Remove(&m.high, old.index)
		}
		m.count--
	}

	it := &medianItem{value: v}
	switch {
	case m.low.Len() > 0 && v <= m.low.top():
		it.low = true
	case m.high.Len() > 0 && v >= m.high.top():
	default:
		it.low = true
	}
	if it.low {
		heap.Push(&m.low, it)
	} else {
		heap.Push(&m.high, it)
	}
	m.ring[m.next] = it
	m.next = (m.next + 1) % m.window
	m.count++
	m.rebalance()
}

// rebalance keeps the low heap equal in size to the high heap or one
// larger.
func (m *RollingMedian) rebalance() {
	for m.low.Len() > m.high.Len()+1 {
		it := heap.Pop(&m.low).(*medianItem)
		it.low = false
		heap.Push(&m.high, it)
	}
	for m.high.Len() > m.low.Len() {
		it := heap.Pop(&m.high).(*medianItem)
		it.low = true
		heap.Push(&m.low, it)
	}
}

// Median is the median of the window, 0 when empty.
func (m *RollingMedian) Median() uint64 {
	switch {
	case m.count == 0:
		return 0
	case m.low.Len() > m.high.Len():
		return m.low.top()
	default:
		return mean2(m.low.top(), m.high.top())
	}
}
