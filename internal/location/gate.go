package location

import (
	"context"
	"sync"
)

// Gate is the platform permission check in front of background tracking.
type Gate interface {
	IsGranted(ctx context.Context) bool
	Request(ctx context.Context) (bool, error)
}

// StaticGate answers every request the same way.
type StaticGate bool

func (g StaticGate) IsGranted(context.Context) bool { return bool(g) }

func (g StaticGate) Request(context.Context) (bool, error) { return bool(g), nil }

// DeviceGate holds the permission state reported by the device. Request
// blocks until a report arrives; an expired context counts as denied.
type DeviceGate struct {
	mu      sync.Mutex
	known   bool
	granted bool
	changed chan struct{}
}

func NewDeviceGate() *DeviceGate {
	return &DeviceGate{changed: make(chan struct{})}
}

// Report records the device's answer and wakes pending requests.
func (g *DeviceGate) Report(granted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.known = true
	g.granted = granted
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *DeviceGate) IsGranted(context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.known && g.granted
}

func (g *DeviceGate) Request(ctx context.Context) (bool, error) {
	for {
		g.mu.Lock()
		known, granted, changed := g.known, g.granted, g.changed
		g.mu.Unlock()
		if known {
			return granted, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
