package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"backend-pathtrack/internal/location"
	applog "backend-pathtrack/internal/log"
	"backend-pathtrack/internal/observability"
	"backend-pathtrack/internal/shared/geo"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// maxPending bounds the fixes held while stored history cannot be read.
const maxPending = 4096

var ErrNotActive = errors.New("tracking session not active")

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingPermission
	PhaseActive
	PhaseError
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingPermission:
		return "awaiting_permission"
	case PhaseActive:
		return "active"
	case PhaseError:
		return "error"
	case PhaseStopped:
		return "stopped"
	}
	return "unknown"
}

// State is the session phase; Reason is set only in PhaseError.
type State struct {
	Phase  Phase
	Reason error
}

type StartConfig struct {
	HighAccuracy      bool `json:"high_accuracy"`
	BackgroundCapable bool `json:"background_capable"`
}

// PathStore is the persistence the session writes the whole path to.
type PathStore interface {
	Get(ctx context.Context, key string) ([]geo.Coordinate, error)
	Set(ctx context.Context, key string, path []geo.Coordinate) error
}

type Options struct {
	Key               string
	PersistRetries    int
	PersistBackoff    time.Duration
	PermissionTimeout time.Duration
	// SeedTimeout bounds the one-shot fix taken as tracking becomes active.
	// Zero skips it.
	SeedTimeout time.Duration
	Logger      *slog.Logger
}

// Session drives the location watch into the accumulator, the store and the
// observable. All path mutation and store writes happen under writeMu, so
// a second write never starts before the previous one has finished.
type Session struct {
	source location.Source
	gate   location.Gate
	store  PathStore
	acc    *Accumulator
	obs    *Observable
	opts   Options

	mu     sync.Mutex
	state  State
	id     string
	gen    uint64
	cancel context.CancelFunc
	sub    *location.Subscription
	log    *slog.Logger

	writeMu    sync.Mutex
	restored   bool
	pending    []geo.Coordinate
	persistErr error

	wg sync.WaitGroup
}

func NewSession(source location.Source, gate location.Gate, store PathStore, acc *Accumulator, obs *Observable, opts Options) *Session {
	if opts.Key == "" {
		opts.Key = "coordinates"
	}
	if opts.PersistRetries < 1 {
		opts.PersistRetries = 1
	}
	if opts.PermissionTimeout <= 0 {
		opts.PermissionTimeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = applog.L()
	}
	if gate == nil {
		gate = location.StaticGate(true)
	}
	return &Session{
		source: source,
		gate:   gate,
		store:  store,
		acc:    acc,
		obs:    obs,
		opts:   opts,
		log:    opts.Logger,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID identifies the most recent Start.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// LastPersistError is the outcome of the most recent store write.
func (s *Session) LastPersistError() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.persistErr
}

// Start begins tracking and returns immediately. It is a no-op while the
// session is already awaiting permission or active.
func (s *Session) Start(cfg StartConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.Phase {
	case PhaseAwaitingPermission, PhaseActive:
		return
	}

	s.gen++
	gen := s.gen
	s.id = uuid.NewString()
	s.log = s.opts.Logger.With("session_id", s.id)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = State{Phase: PhaseIdle}

	s.wg.Add(1)
	if cfg.BackgroundCapable {
		s.state = State{Phase: PhaseAwaitingPermission}
		s.log.Info("tracking awaiting permission")
		go func() {
			defer s.wg.Done()
			if s.awaitPermission(ctx, gen) {
				s.run(ctx, gen, cfg)
			}
		}()
		return
	}

	s.state = State{Phase: PhaseActive}
	s.log.Info("tracking started", "high_accuracy", cfg.HighAccuracy)
	go func() {
		defer s.wg.Done()
		s.run(ctx, gen, cfg)
	}()
}

// Stop cancels the watch synchronously. Calling it again is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.Phase {
	case PhaseAwaitingPermission, PhaseActive, PhaseError:
	default:
		return
	}

	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.state = State{Phase: PhaseStopped}
	s.log.Info("tracking stopped")
}

// Wait blocks until background work of previous starts has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Sample takes a one-shot fix and runs it through the same accept, persist
// and notify chain as watched fixes. It only appends while the session is
// active; sensor failures leave the session alone.
func (s *Session) Sample(ctx context.Context, highAccuracy bool) (Result, error) {
	s.mu.Lock()
	gen, active := s.gen, s.state.Phase == PhaseActive
	s.mu.Unlock()
	if !active {
		return Result{}, ErrNotActive
	}

	fix, err := s.source.CurrentFix(ctx, highAccuracy)
	if err != nil {
		return Result{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.isCurrent(gen) {
		return Result{}, ErrNotActive
	}
	return s.acceptLocked(context.WithoutCancel(ctx), s.logger(), fix.Coordinate), nil
}

func (s *Session) awaitPermission(ctx context.Context, gen uint64) bool {
	granted := s.gate.IsGranted(ctx)
	if !granted {
		reqCtx, cancel := context.WithTimeout(ctx, s.opts.PermissionTimeout)
		ok, err := s.gate.Request(reqCtx)
		cancel()
		if err != nil {
			s.logger().Warn("permission request failed", "err", err)
		}
		granted = ok && err == nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state.Phase != PhaseAwaitingPermission {
		return false
	}
	if !granted {
		s.state = State{Phase: PhaseError, Reason: location.ErrPermissionDenied}
		s.cancel()
		s.log.Warn("tracking permission denied")
		return false
	}
	s.state = State{Phase: PhaseActive}
	s.log.Info("tracking permission granted")
	return true
}

func (s *Session) run(ctx context.Context, gen uint64, cfg StartConfig) {
	log := s.logger()

	s.writeMu.Lock()
	if err := s.restoreLocked(ctx, log); err != nil {
		log.Warn("load stored path failed", "err", err)
	}
	s.writeMu.Unlock()

	s.seed(ctx, gen, log, cfg.HighAccuracy)

	// the watch is opened under mu so Stop always sees the subscription it must cancel
	s.mu.Lock()
	if gen != s.gen || s.state.Phase != PhaseActive {
		s.mu.Unlock()
		return
	}
	sub, err := s.source.Watch(ctx, cfg.HighAccuracy)
	if err != nil {
		s.failLocked(err)
		s.mu.Unlock()
		return
	}
	s.sub = sub
	s.mu.Unlock()

	for ev := range sub.Events() {
		if ev.Err != nil {
			observability.RecordStreamError()
			log.Warn("location stream error", "err", ev.Err)
			continue
		}
		s.handleFix(gen, log, ev.Fix)
	}
}

// seed takes one fix before the watch opens so the path starts from the
// current position. Failures only cost the seed.
func (s *Session) seed(ctx context.Context, gen uint64, log *slog.Logger, highAccuracy bool) {
	if s.opts.SeedTimeout <= 0 {
		return
	}
	seedCtx, cancel := context.WithTimeout(ctx, s.opts.SeedTimeout)
	fix, err := s.source.CurrentFix(seedCtx, highAccuracy)
	cancel()
	if err != nil {
		log.Debug("initial fix unavailable", "err", err)
		return
	}
	s.handleFix(gen, log, fix)
}

func (s *Session) handleFix(gen uint64, log *slog.Logger, fix location.Fix) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.isCurrent(gen) {
		return
	}
	s.acceptLocked(context.Background(), log, fix.Coordinate)
}

// acceptLocked runs accept, persist and notify. Until stored history has been
// read, fixes are queued instead and judged on top of it once it loads.
// Callers hold writeMu.
func (s *Session) acceptLocked(ctx context.Context, log *slog.Logger, c geo.Coordinate) Result {
	if err := s.restoreLocked(ctx, log); err != nil {
		return s.deferLocked(log, c, err)
	}

	res := s.acc.Accept(c)
	observability.RecordFix(outcome(res))
	if !res.Accepted {
		log.Debug("fix rejected", "reason", res.Reason, "timestamp", c.Timestamp)
		return res
	}

	if err := s.persist(ctx, log, res.Snapshot.Path); err != nil {
		observability.RecordPersistFailure()
		log.Warn("persist path failed, keeping in-memory path", "err", err, "length", len(res.Snapshot.Path))
	}
	s.notify(res.Snapshot)
	return res
}

func (s *Session) deferLocked(log *slog.Logger, c geo.Coordinate, loadErr error) Result {
	s.persistErr = loadErr
	if len(s.pending) >= maxPending {
		observability.RecordFix(string(RejectBacklog))
		log.Warn("stored path not loaded and backlog full, fix dropped", "err", loadErr, "timestamp", c.Timestamp)
		return Result{Reason: RejectBacklog}
	}
	s.pending = append(s.pending, c)
	observability.RecordFix(string(Deferred))
	log.Warn("stored path not loaded, fix deferred", "err", loadErr, "pending", len(s.pending))
	return Result{Reason: Deferred}
}

// restoreLocked loads stored history once, then replays deferred fixes
// through the acceptance policy on top of it.
func (s *Session) restoreLocked(ctx context.Context, log *slog.Logger) error {
	if s.restored {
		return nil
	}
	stored, err := s.store.Get(ctx, s.opts.Key)
	if err != nil {
		return err
	}
	report, err := s.acc.Restore(stored)
	if err != nil {
		return err
	}
	if report.Resorted {
		log.Warn("stored path was out of order, re-sorted", "length", len(stored))
	}
	if report.Dropped > 0 {
		log.Warn("stored path had invalid coordinates, dropped", "dropped", report.Dropped)
	}
	s.restored = true
	s.persistErr = nil

	pending := s.pending
	s.pending = nil
	replayed := 0
	for _, c := range pending {
		res := s.acc.Accept(c)
		observability.RecordFix(outcome(res))
		if !res.Accepted {
			log.Debug("deferred fix rejected", "reason", res.Reason, "timestamp", c.Timestamp)
			continue
		}
		replayed++
	}

	snap := s.acc.Snapshot()
	if replayed > 0 {
		log.Info("deferred fixes replayed", "accepted", replayed, "pending", len(pending))
		if err := s.persist(ctx, log, snap.Path); err != nil {
			observability.RecordPersistFailure()
			log.Warn("persist path failed, keeping in-memory path", "err", err, "length", len(snap.Path))
		}
	}
	s.notify(snap)
	return nil
}

// persist writes the whole path, retrying PersistRetries times with
// exponential backoff starting at PersistBackoff.
func (s *Session) persist(ctx context.Context, log *slog.Logger, path []geo.Coordinate) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.PersistBackoff
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return s.store.Set(ctx, s.opts.Key, path)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.PersistRetries)), ctx),
		func(err error, wait time.Duration) {
			log.Debug("persist attempt failed", "attempt", attempt, "retry_in", wait, "err", err)
		})
	s.persistErr = err
	return err
}

func outcome(res Result) string {
	if res.Accepted {
		return "accepted"
	}
	return string(res.Reason)
}

func (s *Session) notify(snap Snapshot) {
	var cursor int64
	if snap.Cursor != nil {
		cursor = snap.Cursor.Timestamp
	}
	observability.RecordPath(len(snap.Path), cursor)
	s.obs.Publish(snap)
}

func (s *Session) failLocked(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.state = State{Phase: PhaseError, Reason: err}
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Error("location watch failed", "err", err)
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.state.Phase == PhaseActive
}

func (s *Session) logger() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}
