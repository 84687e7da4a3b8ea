package daemon

import (
	"sync"
	"time"

	"github.com/shipcd/shipcd/pkg/git"
)

// Trigger is one accepted push event, waiting for a pipeline run.
type Trigger struct {
	Ref        git.CommitRef
	Branch     string
	ReceivedAt time.Time
}

// Queue is an unbounded queue of triggers; enqueuing always proceeds,
// while dequeuing is done by receiving from a channel.
type Queue struct {
	ready       chan *Trigger
	incoming    chan *Trigger
	waiting     []*Trigger
	waitingLock sync.Mutex
	sync        chan struct{}
}

func NewQueue(stop <-chan struct{}, wg *sync.WaitGroup) *Queue {
	q := &Queue{
		ready:    make(chan *Trigger),
		incoming: make(chan *Trigger),
		waiting:  make([]*Trigger, 0),
		sync:     make(chan struct{}),
	}
	wg.Add(1)
	go q.loop(stop, wg)
	return q
}

// This is not guaranteed to be up-to-date; i.e., it is possible to
// receive from `q.Ready()` or enqueue an item, then see the same
// length as before, temporarily.
func (q *Queue) Len() int {
	q.waitingLock.Lock()
	defer q.waitingLock.Unlock()
	return len(q.waiting)
}

// Enqueue puts a trigger onto the queue. It will block until the
// queue's loop can accept the trigger; but this does _not_ depend on a
// trigger being dequeued and will always proceed eventually.
func (q *Queue) Enqueue(t *Trigger) {
	q.incoming <- t
}

// Ready returns a channel that can be used to dequeue items.
func (q *Queue) Ready() <-chan *Trigger {
	return q.ready
}

// Sync blocks until any previous operations have completed. Only
// meaningful when using the queue from a single other goroutine; in
// practice, for testing.
func (q *Queue) Sync() {
	q.sync <- struct{}{}
}

func (q *Queue) loop(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		var out chan *Trigger = nil
		if len(q.waiting) > 0 {
			out = q.ready
		}

		select {
		case <-stop:
			return
		case <-q.sync:
			continue
		case in := <-q.incoming:
			q.waitingLock.Lock()
			q.waiting = append(q.waiting, in)
			queueLength.Set(float64(len(q.waiting)))
			q.waitingLock.Unlock()
		case out <- q.nextOrNil(): // cannot proceed if out is nil
			q.waitingLock.Lock()
			q.waiting = q.waiting[1:]
			queueLength.Set(float64(len(q.waiting)))
			q.waitingLock.Unlock()
		}
	}
}

// nextOrNil returns the head of the queue, or nil if
// the queue is empty.
func (q *Queue) nextOrNil() *Trigger {
	q.waitingLock.Lock()
	defer q.waitingLock.Unlock()
	if len(q.waiting) > 0 {
		return q.waiting[0]
	}
	return nil
}
