package runner

import "sync/atomic"

// QueueStatus is a read-only snapshot of the CommandRunner's concurrency
// gate, exposed for diagnostics per the "no component may hold a reference
// to the Orchestrator" design note — the gate is process-wide and
// introspectable without involving any caller.
type QueueStatus struct {
	Capacity int
	InFlight int
	Waiting  int
}

// waitGate is the process-wide counting semaphore plus a waiting counter.
// This replaces a priority-heap based wait queue with a simpler gate:
// invocations here have no priority concept, only FIFO admission, so the
// heap collapses to a buffered channel and an atomic counter.
type waitGate struct {
	slots    chan struct{}
	waiting  atomic.Int64
	capacity int
}

func newWaitGate(capacity int) *waitGate {
	return &waitGate{
		slots:    make(chan struct{}, capacity),
		capacity: capacity,
	}
}

func (g *waitGate) status() QueueStatus {
	return QueueStatus{
		Capacity: g.capacity,
		InFlight: len(g.slots),
		Waiting:  int(g.waiting.Load()),
	}
}
