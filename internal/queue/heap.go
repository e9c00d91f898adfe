package queue

import "time"

// pendingItem pairs a message with its enqueue sequence number so that
// ties within a priority break FIFO on enqueue order.
type pendingItem struct {
	msg *Message
	seq uint64
}

// pendingHeap orders items by (priority weight desc, enqueue seq asc).
// It implements container/heap.Interface.
type pendingHeap []*pendingItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	wi, wj := h[i].msg.Priority.Weight(), h[j].msg.Priority.Weight()
	if wi != wj {
		return wi > wj
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*pendingItem)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// retryItem is a failed message scheduled for re-enqueue.
type retryItem struct {
	msg *Message
	due time.Time
}

// retryHeap orders retry items by due time ascending.
type retryHeap []*retryItem

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)         { *h = append(*h, x.(*retryItem)) }

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
