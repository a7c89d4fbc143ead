package queue

import (
	"container/heap"
	"time"

	"github.com/busybox42/egressd/internal/message"
)

type timedEntry struct {
	msg *message.Message
	due time.Time
}

// timeHeap is a min-heap of messages by due time
type timeHeap []timedEntry

func (h timeHeap) Len() int           { return len(h) }
func (h timeHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h timeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timeHeap) Push(x any) { *h = append(*h, x.(timedEntry)) }

func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = timedEntry{}
	*h = old[:n-1]
	return e
}

func (h *timeHeap) push(msg *message.Message) {
	heap.Push(h, timedEntry{msg: msg, due: msg.Due()})
}

// popDue removes every entry due at or before now
func (h *timeHeap) popDue(now time.Time) []*message.Message {
	var out []*message.Message
	for h.Len() > 0 && !(*h)[0].due.After(now) {
		out = append(out, heap.Pop(h).(timedEntry).msg)
	}
	return out
}

// next returns the earliest due time
func (h timeHeap) next() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].due, true
}
