package bus

import (
	"sync"

	"github.com/mafkit/maf/event"
)

// historyBuffer is a fixed-capacity ring of the most recent events. Both
// backends share it so History has identical semantics regardless of
// transport. On overflow the oldest entry is evicted; the delivery queue is
// never affected.
type historyBuffer struct {
	mu   sync.RWMutex
	buf  []event.Event
	next int
	full bool
}

func newHistoryBuffer(capacity int) *historyBuffer {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &historyBuffer{buf: make([]event.Event, capacity)}
}

func (h *historyBuffer) add(e event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// query returns matching events oldest first.
func (h *historyBuffer) query(q HistoryQuery) []event.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ordered []event.Event
	if h.full {
		ordered = append(ordered, h.buf[h.next:]...)
		ordered = append(ordered, h.buf[:h.next]...)
	} else {
		ordered = append(ordered, h.buf[:h.next]...)
	}

	out := make([]event.Event, 0, len(ordered))
	for _, e := range ordered {
		if q.Kind != "" && e.Type != q.Kind {
			continue
		}
		if q.Source != "" && e.Source != q.Source {
			continue
		}
		if !q.Since.IsZero() && e.Time().Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}
