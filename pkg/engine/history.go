package engine

import "github.com/cuemby/sentinel/pkg/types"

// history is a fixed-capacity ring of decision records. The oldest record
// is overwritten once full.
type history struct {
	buf   []types.DecisionRecord
	next  int
	count int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 100
	}
	return &history{buf: make([]types.DecisionRecord, capacity)}
}

func (h *history) add(rec types.DecisionRecord) {
	h.buf[h.next] = rec
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// list returns the records oldest first
func (h *history) list() []types.DecisionRecord {
	out := make([]types.DecisionRecord, 0, h.count)
	start := (h.next - h.count + len(h.buf)) % len(h.buf)
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

func (h *history) clear() {
	h.next, h.count = 0, 0
}
