package runtime

import (
	"github.com/roach88/cepcore/internal/latch"
	"github.com/roach88/cepcore/internal/workqueue"
)

// processThreadWorkQueue drains the work queue of the pass.
//
// The front queue is drained to exhaustion first, including everything its
// items produce. After every item, pending named-window output is delivered
// and listeners are flushed before the next item is taken. Then one back
// item at a time is processed, each followed by the same window, listener
// and front-queue cycle, until the back queue is empty.
func (r *Runtime) processThreadWorkQueue(p *Pass) {
	if p.queue.FrontEmpty() {
		if p.dispatchWindows() {
			p.dispatch()
			if !p.queue.FrontEmpty() {
				r.processThreadWorkQueueFront(p)
			}
		}
	} else {
		r.processThreadWorkQueueFront(p)
	}

	for {
		item, ok := p.queue.PollBack()
		if !ok {
			return
		}
		r.processWorkItem(p, item)

		if p.dispatchWindows() {
			p.dispatch()
		}
		if !p.queue.FrontEmpty() {
			r.processThreadWorkQueueFront(p)
		}
	}
}

func (r *Runtime) processThreadWorkQueueFront(p *Pass) {
	for {
		item, ok := p.queue.PollFront()
		if !ok {
			return
		}
		r.processWorkItem(p, item)

		if p.dispatchWindows() {
			p.dispatch()
		}
	}
}

func (r *Runtime) processWorkItem(p *Pass, item workqueue.Item) {
	if item.Latch != nil {
		r.processThreadWorkQueueLatched(p, item.Latch)
		return
	}
	r.processThreadWorkQueueUnlatched(p, item)
}

func (r *Runtime) processThreadWorkQueueUnlatched(p *Pass, item workqueue.Item) {
	r.processMatchesLocked(p, item.Event)
	p.dispatch()
}

// processThreadWorkQueueLatched waits for the producer's earlier output to
// be processed, processes this event, then releases the next consumer.
func (r *Runtime) processThreadWorkQueueLatched(p *Pass, l latch.Latch) {
	ev := l.Await()
	func() {
		defer l.Done()
		r.processMatchesLocked(p, ev)
	}()
	p.dispatch()
}
