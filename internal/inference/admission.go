package inference

import (
	"context"
	"time"
)

// Backpressure reasons.
const (
	ReasonQueueFull   = "queue_full"
	ReasonWaitTimeout = "wait_timeout"
)

// tooBusyError signals queue overflow or a wait timeout for 429 mapping.
type tooBusyError struct{ reason string }

func (e tooBusyError) Error() string { return "too busy: " + e.reason }

// gate bounds concurrent model access. queueCh holds every admitted request
// (waiting or running); genCh holds the running ones.
type gate struct {
	queueCh chan struct{}
	genCh   chan struct{}
	maxWait time.Duration
}

func newGate(maxConcurrency, maxQueueDepth int, maxWait time.Duration) *gate {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if maxQueueDepth < 0 {
		maxQueueDepth = 0
	}
	return &gate{
		queueCh: make(chan struct{}, maxConcurrency+maxQueueDepth),
		genCh:   make(chan struct{}, maxConcurrency),
		maxWait: maxWait,
	}
}

// acquire reserves a queue slot and then an in-flight slot. The returned
// release func must be called once the model is no longer in use.
func (g *gate) acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	select {
	case g.queueCh <- struct{}{}:
	default:
		return func() {}, tooBusyError{reason: ReasonQueueFull}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-g.queueCh
		}
	}()

	// Fast path: a free slot needs no timer.
	select {
	case g.genCh <- struct{}{}:
		acquired = true
		return g.release, nil
	default:
	}

	var timeout <-chan time.Time
	if g.maxWait > 0 {
		timer := time.NewTimer(g.maxWait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case g.genCh <- struct{}{}:
		acquired = true
		return g.release, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timeout:
		return func() {}, tooBusyError{reason: ReasonWaitTimeout}
	}
}

func (g *gate) release() {
	<-g.genCh
	<-g.queueCh
}

// stats returns the running and waiting counts.
func (g *gate) stats() (inflight, queued int) {
	inflight = len(g.genCh)
	queued = len(g.queueCh) - inflight
	if queued < 0 {
		queued = 0
	}
	return inflight, queued
}
