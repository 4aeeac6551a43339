// Package engine runs the reconciliation loop between the ZMC alarm tables
// and the notification backend. Each cycle walks five phases in order: new
// active alarms, refired alarms, upstream state changes, heartbeat re-pushes
// and silence cleanup. Phases share one batch id so the audit log groups by
// cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/backend"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/config"
	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/metrics"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/transform"
)

var (
	// ErrCycleInProgress is returned when a cycle is requested while another
	// one is still running.
	ErrCycleInProgress = errors.New("sync cycle already in progress")

	// ErrAlreadyRunning is returned by Start when the loop is active.
	ErrAlreadyRunning = errors.New("sync engine already running")

	// ErrNotRunning is returned by Stop when there is no loop to stop.
	ErrNotRunning = errors.New("sync engine not running")
)

// Store is the persistence surface the engine drives. *store.Store satisfies
// it; tests substitute an in-memory fake.
type Store interface {
	FetchNewActive(ctx context.Context, historyHours int, levels []string, limit int) ([]models.AlarmRow, error)
	FetchRefired(ctx context.Context, limit int) ([]models.TrackedAlarm, error)
	FetchStatusChanged(ctx context.Context, limit int) ([]models.TrackedAlarm, error)
	FetchHeartbeatDue(ctx context.Context, interval time.Duration, limit int) ([]models.TrackedAlarm, error)
	FetchSilencesToClear(ctx context.Context, limit int) ([]models.TrackedAlarm, error)

	InsertSync(ctx context.Context, alarmID, eventID int64, state models.SyncState, upstream models.AlarmState) (int64, error)
	UpdateSyncPushed(ctx context.Context, syncID int64, state models.SyncState, upstream models.AlarmState, fingerprint string) error
	UpdateSyncState(ctx context.Context, syncID int64, state models.SyncState, upstream models.AlarmState, silenceID string) error
	UpdateSyncError(ctx context.Context, syncID int64, message string) error
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error

	CountSyncStates(ctx context.Context) (map[string]int64, error)
	PublishPoolStats()
}

// CycleResult summarizes one sync cycle for the status API.
type CycleResult struct {
	BatchID    string        `json:"batchId"`
	StartedAt  time.Time     `json:"startedAt"`
	DurationMS int64         `json:"durationMs"`
	Phases     []PhaseResult `json:"phases"`
	Errors     []string      `json:"errors,omitempty"`
}

// PhaseResult counts what one phase did. Pushed counts completed backend
// actions, so for the cleanup phase it counts removed silences.
type PhaseResult struct {
	Phase      string `json:"phase"`
	Fetched    int    `json:"fetched"`
	Pushed     int    `json:"pushed"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
	DurationMS int64  `json:"durationMs"`
}

// Status is the live view of the engine served by the status endpoint.
type Status struct {
	Running       bool         `json:"running"`
	CycleInFlight bool         `json:"cycleInFlight"`
	Backend       string       `json:"backend"`
	IntervalSec   int          `json:"intervalSeconds"`
	HeartbeatOn   bool         `json:"heartbeatEnabled"`
	StartedAt     time.Time    `json:"startedAt,omitzero"`
	CycleCount    int64        `json:"cycleCount"`
	LastCycle     *CycleResult `json:"lastCycle,omitempty"`
}

// Engine owns the periodic sync loop. All exported methods are safe for
// concurrent use.
type Engine struct {
	store       Store
	backend     backend.Client
	transformer *transform.Transformer
	cfg         *config.Config

	mu        sync.Mutex
	running   bool
	inCycle   bool
	interval  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	cancel    context.CancelFunc
	startedAt time.Time
	cycles    int64
	lastCycle *CycleResult
}

// New builds an engine around an already-connected store and backend client.
func New(st Store, client backend.Client, tr *transform.Transformer, cfg *config.Config) *Engine {
	return &Engine{
		store:       st,
		backend:     client,
		transformer: tr,
		cfg:         cfg,
		interval:    cfg.Sync.Interval(),
	}
}

// Start launches the background loop. When sync_on_startup is set, alarms
// that fired while the exporter was down are pushed before the first full
// cycle.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.startedAt = time.Now().UTC()
	stop, done := e.stopCh, e.doneCh
	interval := e.interval
	e.mu.Unlock()

	metrics.ServiceUp.Set(1)
	log.Info().
		Dur("interval", interval).
		Str("backend", e.backend.Name()).
		Bool("heartbeat", e.cfg.Sync.HeartbeatEnabled).
		Msg("Starting sync engine")

	go e.loop(runCtx, stop, done)
	return nil
}

// Stop halts the loop. An in-flight cycle gets one scan interval to finish
// before its context is canceled.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	close(e.stopCh)
	cancel := e.cancel
	done := e.doneCh
	grace := e.interval
	e.mu.Unlock()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("Sync cycle still in flight after grace period, canceling")
		cancel()
		<-done
	}
	cancel()

	metrics.ServiceUp.Set(0)
	log.Info().Msg("Sync engine stopped")
	return nil
}

// Restart stops the loop if it is running and starts it again.
func (e *Engine) Restart(ctx context.Context) error {
	if err := e.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return e.Start(ctx)
}

// Running reports whether the background loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Interval returns the current scan interval.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// SetScanInterval changes the pause between cycles. The new value applies
// from the next wait; an in-flight cycle is not interrupted.
func (e *Engine) SetScanInterval(d time.Duration) error {
	if d < time.Second {
		return zmcerrors.NewSyncError(zmcerrors.ErrorTypeValidation, "set scan interval", "engine",
			fmt.Errorf("interval %s is below the 1s minimum", d))
	}
	e.mu.Lock()
	old := e.interval
	e.interval = d
	e.mu.Unlock()
	if old != d {
		log.Info().Dur("old", old).Dur("new", d).Msg("Scan interval updated")
	}
	return nil
}

// TriggerCycle runs one cycle immediately, independent of the loop. It
// returns ErrCycleInProgress when a scheduled or manual cycle is already
// running.
func (e *Engine) TriggerCycle(ctx context.Context) (*CycleResult, error) {
	if !e.beginCycle() {
		return nil, ErrCycleInProgress
	}
	defer e.endCycle()

	res := e.runCycle(ctx)
	e.recordResult(res)
	return res, nil
}

// Status returns the engine's live view.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:       e.running,
		CycleInFlight: e.inCycle,
		Backend:       e.backend.Name(),
		IntervalSec:   int(e.interval / time.Second),
		HeartbeatOn:   e.cfg.Sync.HeartbeatEnabled,
		StartedAt:     e.startedAt,
		CycleCount:    e.cycles,
		LastCycle:     e.lastCycle,
	}
}

func (e *Engine) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if e.cfg.Sync.OnStartup {
		e.startupPass(ctx)
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		e.runScheduled(ctx)

		timer := time.NewTimer(e.Interval())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// startupPass pushes alarms that fired while the exporter was down. Only the
// new-alarm phase runs; tracked alarms wait for the first full cycle.
func (e *Engine) startupPass(ctx context.Context) {
	batchID := newBatchID()
	log.Info().Str("batch_id", batchID).Msg("Running startup sync for historical alarms")

	pr, err := e.syncNewActive(ctx, batchID)
	if err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("Startup sync failed")
		metrics.RecordError("engine", "startup_sync")
		return
	}
	log.Info().
		Str("batch_id", batchID).
		Int("fetched", pr.Fetched).
		Int("pushed", pr.Pushed).
		Int("skipped", pr.Skipped).
		Msg("Startup sync completed")
}

func (e *Engine) runScheduled(ctx context.Context) {
	if !e.beginCycle() {
		log.Warn().Msg("Previous sync cycle still in flight, skipping this tick")
		return
	}
	defer e.endCycle()

	res := e.runCycle(ctx)
	e.recordResult(res)
}

func (e *Engine) beginCycle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inCycle {
		return false
	}
	e.inCycle = true
	return true
}

func (e *Engine) endCycle() {
	e.mu.Lock()
	e.inCycle = false
	e.mu.Unlock()
}

func (e *Engine) recordResult(res *CycleResult) {
	e.mu.Lock()
	e.lastCycle = res
	e.cycles++
	e.mu.Unlock()
}

// newBatchID returns a sortable cycle identifier: a second-resolution
// timestamp plus a short random suffix to keep overlapping manual runs apart.
func newBatchID() string {
	return time.Now().Format("20060102150405") + "_" + uuid.NewString()[:8]
}
