package finder

import "container/heap"

// topK keeps the best k matches seen so far. The root is the worst kept
// match, so a better arrival evicts it in O(log k).
type topK struct {
	k int
	h matchHeap
}

// newTopK keeps the best k matches; k <= 0 keeps all of them.
func newTopK(k int) *topK {
	k = max(k, 0)
	return &topK{k: k, h: make(matchHeap, 0, k)}
}

func (t *topK) offer(m Match) {
	if t.k <= 0 {
		heap.Push(&t.h, m)
		return
	}
	if t.h.Len() < t.k {
		heap.Push(&t.h, m)
		return
	}
	if worse(t.h[0], m) {
		t.h[0] = m
		heap.Fix(&t.h, 0)
	}
}

// sorted drains the heap best-first.
func (t *topK) sorted() []Match {
	out := make([]Match, t.h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.h).(Match)
	}
	return out
}

// worse reports whether a ranks below b: lower score, or equal score and a
// larger id.
func worse(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.CandidateID > b.CandidateID
}

type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *matchHeap) Push(x any) {
	*h = append(*h, x.(Match))
}

func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
