package tracking

import (
	"errors"
	"sort"

	"backend-pathtrack/internal/shared/geo"
)

type Reason string

const (
	RejectStale    Reason = "stale"
	RejectInvalid  Reason = "invalid"
	RejectTooClose Reason = "too_close"
	// Deferred fixes wait for stored history and are judged once it loads.
	Deferred      Reason = "deferred"
	RejectBacklog Reason = "backlog_full"
)

var ErrNotEmpty = errors.New("accumulator already holds points")

// Policy tunes acceptance beyond the timestamp ordering rule.
// MinDisplacementM of 0 disables the distance filter.
type Policy struct {
	MinDisplacementM float64
}

type Result struct {
	Accepted bool
	Reason   Reason
	Snapshot Snapshot
}

// Accumulator owns the accepted path and its cursor. It performs no I/O and
// is not safe for concurrent use; the session serialises calls.
type Accumulator struct {
	policy Policy
	path   []geo.Coordinate
}

func NewAccumulator(policy Policy) *Accumulator {
	return &Accumulator{policy: policy, path: []geo.Coordinate{}}
}

// Accept applies the acceptance policy to c and appends it on success.
func (a *Accumulator) Accept(c geo.Coordinate) Result {
	if err := c.Validate(); err != nil {
		return Result{Reason: RejectInvalid}
	}
	if cursor, ok := a.Cursor(); ok {
		if c.Timestamp < cursor.Timestamp {
			return Result{Reason: RejectStale}
		}
		if a.policy.MinDisplacementM > 0 && geo.DistanceM(cursor, c) < a.policy.MinDisplacementM {
			return Result{Reason: RejectTooClose}
		}
	}

	a.path = append(a.path, c)
	return Result{Accepted: true, Snapshot: a.Snapshot()}
}

// RestoreReport describes what Restore had to repair in stored history.
type RestoreReport struct {
	Resorted bool
	Dropped  int
}

// Restore seeds an empty accumulator with persisted history. Out-of-range
// records are dropped and the rest is stable-sorted by timestamp if needed.
// It fails once anything has been accepted, since seeding then would
// reorder points that were already handed out.
func (a *Accumulator) Restore(stored []geo.Coordinate) (RestoreReport, error) {
	if len(a.path) > 0 {
		return RestoreReport{}, ErrNotEmpty
	}

	var report RestoreReport
	path := make([]geo.Coordinate, 0, len(stored))
	for _, c := range stored {
		if c.Validate() != nil {
			report.Dropped++
			continue
		}
		path = append(path, c)
	}
	if !geo.Ordered(path) {
		report.Resorted = true
		sort.SliceStable(path, func(i, j int) bool { return path[i].Timestamp < path[j].Timestamp })
	}
	a.path = path
	return report, nil
}

func (a *Accumulator) Cursor() (geo.Coordinate, bool) {
	if len(a.path) == 0 {
		return geo.Coordinate{}, false
	}
	return a.path[len(a.path)-1], true
}

func (a *Accumulator) Len() int {
	return len(a.path)
}

// Snapshot shares the backing array with a capacity clamped to the length, so
// later appends never become visible through it.
func (a *Accumulator) Snapshot() Snapshot {
	n := len(a.path)
	snap := Snapshot{Path: a.path[:n:n]}
	if n > 0 {
		cursor := a.path[n-1]
		snap.Cursor = &cursor
	}
	return snap
}
