// Package feed implements the upstream push-subscription transport. The
// abstract contract lives in model.Subscription: zero or more data events,
// at most one terminal error, and Close stops further events
// deterministically. A terminal error is a reconnectable fault — retry and
// backoff belong to the caller, not the pipeline.
package feed

import (
	"sync"

	"marketboard/internal/model"
)

// Sub is the concrete Subscription shared by the websocket source and the
// in-process test source.
type Sub struct {
	data chan []model.RawRecord
	errs chan error
	done chan struct{}

	closeOnce sync.Once
	failOnce  sync.Once
	dataOnce  sync.Once
}

// NewSub creates a subscription with the given data buffer size.
func NewSub(bufSize int) *Sub {
	return &Sub{
		data: make(chan []model.RawRecord, bufSize),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

// Data implements model.Subscription.
func (s *Sub) Data() <-chan []model.RawRecord { return s.data }

// Err implements model.Subscription.
func (s *Sub) Err() <-chan error { return s.errs }

// Close implements model.Subscription. Safe to call more than once.
func (s *Sub) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Done exposes the close signal to the producing loop.
func (s *Sub) Done() <-chan struct{} { return s.done }

// Push offers a batch to the consumer. Returns false if the batch was
// dropped (consumer slow or subscription closed).
func (s *Sub) Push(batch []model.RawRecord) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.data <- batch:
		return true
	default:
		return false
	}
}

// Fail delivers the single terminal error and signals shutdown.
// Subsequent calls are no-ops.
func (s *Sub) Fail(err error) {
	s.failOnce.Do(func() {
		select {
		case s.errs <- err:
		default:
		}
		s.Close()
	})
}

// CloseData seals the data channel. Called exactly once by the producing
// loop after its final send; consumers ranging over Data then terminate.
func (s *Sub) CloseData() {
	s.dataOnce.Do(func() {
		close(s.data)
	})
}
