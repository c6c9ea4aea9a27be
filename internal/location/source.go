// Package location models the device location sensor: one-shot fixes,
// cancellable continuous watches and the permission gate in front of them.
package location

import (
	"context"
	"errors"
	"sync"

	"backend-pathtrack/internal/shared/geo"
)

var (
	ErrUnavailable      = errors.New("location unavailable")
	ErrPermissionDenied = errors.New("location permission denied")
	ErrTimeout          = errors.New("location request timed out")
)

// Fix is a reported device position. AccuracyM of 0 means unknown.
type Fix struct {
	geo.Coordinate
	AccuracyM float64 `json:"accuracy_m"`
}

// Event is one emission of a watch: either a fix or a sensor error.
type Event struct {
	Fix Fix
	Err error
}

// Source is the sensor capability consumed by the tracking session.
type Source interface {
	CurrentFix(ctx context.Context, highAccuracy bool) (Fix, error)
	Watch(ctx context.Context, highAccuracy bool) (*Subscription, error)
}

// Subscription is a running watch. Events never closes on its own; it is
// closed only after Cancel.
type Subscription struct {
	events <-chan Event
	cancel func()
	once   sync.Once
}

func NewSubscription(events <-chan Event, cancel func()) *Subscription {
	return &Subscription{events: events, cancel: cancel}
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Cancel stops delivery synchronously. Calling it again is a no-op.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func precise(f Fix, highAccuracy bool, thresholdM float64) bool {
	if !highAccuracy || thresholdM <= 0 || f.AccuracyM <= 0 {
		return true
	}
	return f.AccuracyM <= thresholdM
}
