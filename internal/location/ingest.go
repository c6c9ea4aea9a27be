package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"backend-pathtrack/internal/shared/mailbox"
)

// Ingest is a Source fed by the device itself: fixes and sensor errors are
// pushed over the API and fanned out to every open watch.
type Ingest struct {
	thresholdM float64
	maxAge     time.Duration
	now        func() time.Time

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	waiters  map[*waiter]struct{}
	latest   *Fix
	latestAt time.Time
	closed   bool
}

type watcher struct {
	box          *mailbox.Mailbox[Event]
	highAccuracy bool
}

type waiter struct {
	highAccuracy bool
	result       chan fixResult
}

type fixResult struct {
	fix Fix
	err error
}

// NewIngest builds an ingest source. Fixes reporting an accuracy worse than
// thresholdM are withheld from high-accuracy consumers; a pushed fix older
// than maxAge no longer answers CurrentFix.
func NewIngest(thresholdM float64, maxAge time.Duration) *Ingest {
	return &Ingest{
		thresholdM: thresholdM,
		maxAge:     maxAge,
		now:        time.Now,
		watchers:   map[*watcher]struct{}{},
		waiters:    map[*waiter]struct{}{},
	}
}

// Push delivers a fix reported by the device.
func (in *Ingest) Push(f Fix) error {
	if err := f.Validate(); err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrUnavailable
	}

	fix := f
	in.latest = &fix
	in.latestAt = in.now()

	for w := range in.watchers {
		if precise(f, w.highAccuracy, in.thresholdM) {
			w.box.Put(Event{Fix: f})
		}
	}
	for wt := range in.waiters {
		if precise(f, wt.highAccuracy, in.thresholdM) {
			wt.result <- fixResult{fix: f}
			delete(in.waiters, wt)
		}
	}
	return nil
}

// PushError forwards a sensor error. Watches keep running.
func (in *Ingest) PushError(err error) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrUnavailable
	}

	for w := range in.watchers {
		w.box.Put(Event{Err: err})
	}
	for wt := range in.waiters {
		wt.result <- fixResult{err: err}
		delete(in.waiters, wt)
	}
	return nil
}

func (in *Ingest) CurrentFix(ctx context.Context, highAccuracy bool) (Fix, error) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return Fix{}, ErrUnavailable
	}
	if in.latest != nil && in.now().Sub(in.latestAt) <= in.maxAge && precise(*in.latest, highAccuracy, in.thresholdM) {
		f := *in.latest
		in.mu.Unlock()
		return f, nil
	}
	wt := &waiter{highAccuracy: highAccuracy, result: make(chan fixResult, 1)}
	in.waiters[wt] = struct{}{}
	in.mu.Unlock()

	select {
	case res := <-wt.result:
		return res.fix, res.err
	case <-ctx.Done():
		in.mu.Lock()
		delete(in.waiters, wt)
		in.mu.Unlock()
		// a push may have raced the deadline
		select {
		case res := <-wt.result:
			return res.fix, res.err
		default:
		}
		return Fix{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func (in *Ingest) Watch(ctx context.Context, highAccuracy bool) (*Subscription, error) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil, ErrUnavailable
	}
	w := &watcher{box: mailbox.New[Event](), highAccuracy: highAccuracy}
	in.watchers[w] = struct{}{}
	in.mu.Unlock()

	sub := NewSubscription(w.box.C(), func() {
		in.mu.Lock()
		delete(in.watchers, w)
		in.mu.Unlock()
		w.box.Close()
	})
	context.AfterFunc(ctx, sub.Cancel)
	return sub, nil
}

// Watchers is the number of open watches.
func (in *Ingest) Watchers() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.watchers)
}

// Close ends every watch and fails pending and future requests.
func (in *Ingest) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	boxes := make([]*mailbox.Mailbox[Event], 0, len(in.watchers))
	for w := range in.watchers {
		boxes = append(boxes, w.box)
	}
	in.watchers = map[*watcher]struct{}{}
	for wt := range in.waiters {
		wt.result <- fixResult{err: ErrUnavailable}
	}
	in.waiters = map[*waiter]struct{}{}
	in.mu.Unlock()

	for _, b := range boxes {
		b.Close()
	}
}

var _ Source = (*Ingest)(nil)
