// Package workqueue holds the events produced while a pass is in flight.
//
// Each pass owns one Queue, so it is not safe for concurrent use. The front
// queue holds insert-into output that must be processed before control
// returns to the caller; it is ordered by precedence, higher first, and
// FIFO among equal precedence. The back queue is a plain FIFO for routed
// events and deferred insert-into output.
package workqueue

import (
	"container/heap"

	"github.com/eapache/queue"

	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/latch"
)

// Item is a queued event, or a latch that yields the event when awaited.
type Item struct {
	Event event.Event
	Latch latch.Latch
}

// Queue is the front/back work queue of one pass.
type Queue struct {
	front frontHeap
	back  *queue.Queue
	seq   int64
}

// New creates an empty work queue.
func New() *Queue {
	return &Queue{back: queue.New()}
}

// AddBack appends an event to the back queue.
func (q *Queue) AddBack(ev event.Event) {
	q.back.Add(Item{Event: ev})
}

// Add queues an item to the front with the given precedence, or to the back.
func (q *Queue) Add(item Item, addToFront bool, precedence int) {
	if !addToFront {
		q.back.Add(item)
		return
	}
	q.seq++
	heap.Push(&q.front, frontItem{item: item, precedence: precedence, seq: q.seq})
}

// AddFront queues an item to the front with default precedence.
func (q *Queue) AddFront(item Item) {
	q.Add(item, true, 0)
}

// PollFront removes the next front item.
func (q *Queue) PollFront() (Item, bool) {
	if len(q.front) == 0 {
		return Item{}, false
	}
	fi := heap.Pop(&q.front).(frontItem)
	return fi.item, true
}

// PollBack removes the next back item.
func (q *Queue) PollBack() (Item, bool) {
	if q.back.Length() == 0 {
		return Item{}, false
	}
	return q.back.Remove().(Item), true
}

// FrontEmpty reports whether the front queue is empty.
func (q *Queue) FrontEmpty() bool { return len(q.front) == 0 }

// Len returns the number of queued items on both sides.
func (q *Queue) Len() int { return len(q.front) + q.back.Length() }

// Clear drops every queued item.
func (q *Queue) Clear() {
	for i := range q.front {
		q.front[i] = frontItem{}
	}
	q.front = q.front[:0]
	for q.back.Length() > 0 {
		q.back.Remove()
	}
}

type frontItem struct {
	item       Item
	precedence int
	seq        int64
}

type frontHeap []frontItem

func (h frontHeap) Len() int { return len(h) }

func (h frontHeap) Less(i, j int) bool {
	if h[i].precedence != h[j].precedence {
		return h[i].precedence > h[j].precedence
	}
	return h[i].seq < h[j].seq
}

func (h frontHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frontHeap) Push(x any) { *h = append(*h, x.(frontItem)) }

func (h *frontHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	// Nil out the slot so the event can be collected.
	old[n-1] = frontItem{}
	*h = old[:n-1]
	return it
}
