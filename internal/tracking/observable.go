package tracking

import (
	"sync"

	"backend-pathtrack/internal/shared/geo"
	"backend-pathtrack/internal/shared/mailbox"
)

// Snapshot is an immutable view of the path handed to consumers.
type Snapshot struct {
	Path   []geo.Coordinate `json:"path"`
	Cursor *geo.Coordinate  `json:"cursor"`
}

// Observable holds the latest snapshot and pushes every new one to its
// subscribers. Each subscriber drains its own queue.
type Observable struct {
	mu      sync.Mutex
	current Snapshot
	subs    map[*Subscription]struct{}
}

type Subscription struct {
	obs  *Observable
	box  *mailbox.Mailbox[Snapshot]
	once sync.Once
}

func NewObservable() *Observable {
	return &Observable{
		current: Snapshot{Path: []geo.Coordinate{}},
		subs:    map[*Subscription]struct{}{},
	}
}

func (o *Observable) Current() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Observable) Publish(s Snapshot) {
	if s.Path == nil {
		s.Path = []geo.Coordinate{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = s
	for sub := range o.subs {
		sub.box.Put(s)
	}
}

// Subscribe replays the current snapshot, then every later one in order.
func (o *Observable) Subscribe() *Subscription {
	sub := &Subscription{obs: o, box: mailbox.New[Snapshot]()}
	o.mu.Lock()
	defer o.mu.Unlock()
	sub.box.Put(o.current)
	o.subs[sub] = struct{}{}
	return sub
}

func (s *Subscription) C() <-chan Snapshot {
	return s.box.C()
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.obs.mu.Lock()
		delete(s.obs.subs, s)
		s.obs.mu.Unlock()
		s.box.Close()
	})
}

func (o *Observable) Subscribers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}
