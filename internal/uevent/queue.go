package uevent

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Trigger is the per-record dispatch callback. It is invoked once per
// surviving record per batch; merged children are reachable through
// Record.Merged. An error is logged, never fatal.
type Trigger func(*Record) error

// Queue is the shared hand-off point between the uevent listener and the
// dispatch loop. The listener splices batches onto its tail under the
// mutex; Dispatch drains it, consolidates the batch and triggers each
// survivor. The queue is unbounded, the listener never waits for space.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	records   []*Record
	servicing bool
	trigger   Trigger

	settings Settings
}

// NewQueue creates an empty queue consolidating batches against the
// given settings.
func NewQueue(settings Settings) *Queue {
	q := &Queue{settings: settings}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// InstallTrigger installs the dispatch callback. It must be installed
// before Dispatch runs; Shutdown clears it.
func (q *Queue) InstallTrigger(t Trigger) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trigger = t
}

// Shutdown clears the trigger and wakes the dispatch loop, which drains
// outstanding records and terminates.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trigger = nil
	q.cond.Signal()
}

// IsBusy reports whether uevents are queued or being serviced. It never
// blocks beyond the queue mutex.
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records) > 0 || q.servicing
}

// forward splices a batch onto the queue tail, preserving arrival order,
// and pokes the dispatch loop once.
func (q *Queue) forward(batch []*Record) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, batch...)
	q.cond.Signal()
}

// Dispatch services the queue until the trigger is cleared. Each drained
// batch is consolidated by the merge engine, then every survivor is
// handed to the trigger and released together with its merged children.
// On shutdown any remaining records are drained and released.
func (q *Queue) Dispatch() {
	for {
		q.mu.Lock()
		q.servicing = false
		// Condition signals are unreliable, so only wait when the
		// queue is actually empty and a shutdown is not already
		// pending; a spurious wakeup just yields an empty batch.
		if len(q.records) == 0 && q.trigger != nil {
			q.cond.Wait()
		}
		q.servicing = true
		batch := q.records
		q.records = nil
		trigger := q.trigger
		q.mu.Unlock()

		if trigger == nil {
			q.drain(batch)
			logrus.Info("terminating uevent service queue")
			return
		}

		batch = mergeBatch(batch, q.settings)
		service(batch, trigger)
	}
}

func service(batch []*Record, trigger Trigger) {
	for _, uev := range batch {
		if err := trigger(uev); err != nil {
			logrus.Errorf("uevent trigger error: %v", err)
		}
		uev.release()
	}
}

// drain releases a final batch plus whatever is still queued.
func (q *Queue) drain(batch []*Record) {
	for _, uev := range batch {
		uev.release()
	}

	q.mu.Lock()
	rest := q.records
	q.records = nil
	q.servicing = false
	q.mu.Unlock()

	for _, uev := range rest {
		uev.release()
	}
}
