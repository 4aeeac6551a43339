package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/backend"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/config"
	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/transform"
)

// fakeStore keeps tracker rows and audit entries in memory. Fetches return
// whatever the test scripted; writes follow the same rules as the SQL layer.
type fakeStore struct {
	mu sync.Mutex

	newActive []models.AlarmRow
	refired   []models.TrackedAlarm
	changed   []models.TrackedAlarm
	heartbeat []models.TrackedAlarm
	silences  []models.TrackedAlarm

	fetchErr   map[string]error
	fetchCalls map[string]int

	nextSyncID int64
	records    map[int64]*models.SyncRecord
	byAlarm    map[int64]int64
	audits     []models.AuditEntry
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		fetchErr:   map[string]error{},
		fetchCalls: map[string]int{},
		records:    map[int64]*models.SyncRecord{},
		byAlarm:    map[int64]int64{},
	}
}

func (f *fakeStore) FetchNewActive(ctx context.Context, historyHours int, levels []string, limit int) ([]models.AlarmRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls[phaseNewActive]++
	if err := f.fetchErr[phaseNewActive]; err != nil {
		return nil, err
	}
	return slices.Clone(f.newActive), nil
}

func (f *fakeStore) FetchRefired(ctx context.Context, limit int) ([]models.TrackedAlarm, error) {
	return f.fetchTracked(phaseRefired, f.refired)
}

func (f *fakeStore) FetchStatusChanged(ctx context.Context, limit int) ([]models.TrackedAlarm, error) {
	return f.fetchTracked(phaseStatusChanged, f.changed)
}

func (f *fakeStore) FetchHeartbeatDue(ctx context.Context, interval time.Duration, limit int) ([]models.TrackedAlarm, error) {
	return f.fetchTracked(phaseHeartbeat, f.heartbeat)
}

func (f *fakeStore) FetchSilencesToClear(ctx context.Context, limit int) ([]models.TrackedAlarm, error) {
	return f.fetchTracked(phaseSilenceCleanup, f.silences)
}

func (f *fakeStore) fetchTracked(phase string, scripted []models.TrackedAlarm) ([]models.TrackedAlarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls[phase]++
	if err := f.fetchErr[phase]; err != nil {
		return nil, err
	}
	return slices.Clone(scripted), nil
}

func (f *fakeStore) InsertSync(ctx context.Context, alarmID, eventID int64, state models.SyncState, upstream models.AlarmState) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.byAlarm[alarmID]; dup {
		return 0, fmt.Errorf("alarm %d already tracked: %w", alarmID, zmcerrors.ErrDuplicate)
	}
	f.nextSyncID++
	now := time.Now()
	rec := &models.SyncRecord{
		SyncID:       f.nextSyncID,
		AlarmID:      alarmID,
		EventID:      eventID,
		AlarmState:   upstream,
		SyncState:    state,
		LastPushTime: now,
		PushCount:    1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.records[rec.SyncID] = rec
	f.byAlarm[alarmID] = rec.SyncID
	return rec.SyncID, nil
}

func (f *fakeStore) UpdateSyncPushed(ctx context.Context, syncID int64, state models.SyncState, upstream models.AlarmState, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[syncID]
	if !ok {
		return fmt.Errorf("sync record %d: %w", syncID, zmcerrors.ErrNotFound)
	}
	rec.SyncState = state
	rec.AlarmState = upstream
	rec.LastPushTime = time.Now()
	rec.PushCount++
	if fingerprint != "" {
		rec.Fingerprint = fingerprint
	}
	rec.SilenceID = ""
	rec.ErrorCount = 0
	rec.LastError = ""
	rec.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) UpdateSyncState(ctx context.Context, syncID int64, state models.SyncState, upstream models.AlarmState, silenceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[syncID]
	if !ok {
		return fmt.Errorf("sync record %d: %w", syncID, zmcerrors.ErrNotFound)
	}
	rec.SyncState = state
	rec.AlarmState = upstream
	rec.SilenceID = silenceID
	rec.ErrorCount = 0
	rec.LastError = ""
	rec.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) UpdateSyncError(ctx context.Context, syncID int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[syncID]
	if !ok {
		return fmt.Errorf("sync record %d: %w", syncID, zmcerrors.ErrNotFound)
	}
	rec.ErrorCount++
	rec.LastError = message
	rec.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.LogID = int64(len(f.audits) + 1)
	entry.CreatedAt = time.Now()
	f.audits = append(f.audits, *entry)
	return nil
}

func (f *fakeStore) CountSyncStates(ctx context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[string]int64{}
	for _, rec := range f.records {
		counts[string(rec.SyncState)]++
	}
	return counts, nil
}

func (f *fakeStore) PublishPoolStats() {}

// seed registers an already-tracked alarm, bypassing the insert rules so
// tests can model legacy rows.
func (f *fakeStore) seed(alarmID, eventID int64, state models.SyncState, upstream models.AlarmState, pushCount int, silenceID string) models.SyncRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSyncID++
	now := time.Now()
	rec := &models.SyncRecord{
		SyncID:     f.nextSyncID,
		AlarmID:    alarmID,
		EventID:    eventID,
		AlarmState: upstream,
		SyncState:  state,
		PushCount:  pushCount,
		SilenceID:  silenceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if pushCount > 0 {
		rec.LastPushTime = now
	}
	f.records[rec.SyncID] = rec
	f.byAlarm[alarmID] = rec.SyncID
	return *rec
}

func (f *fakeStore) record(t *testing.T, alarmID int64) models.SyncRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byAlarm[alarmID]
	require.True(t, ok, "alarm %d is not tracked", alarmID)
	return *f.records[id]
}

func (f *fakeStore) auditEntries(alarmID int64) []models.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []models.AuditEntry
	for _, a := range f.audits {
		if a.AlarmID == alarmID {
			entries = append(entries, a)
		}
	}
	return entries
}

func (f *fakeStore) auditOps(alarmID int64) []models.Operation {
	var ops []models.Operation
	for _, a := range f.auditEntries(alarmID) {
		ops = append(ops, a.Operation)
	}
	return ops
}

func (f *fakeStore) allAudits() []models.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.audits)
}

func (f *fakeStore) calls(phase string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[phase]
}

// fakeBackend records every call. blockPush, when set, makes Push wait until
// the channel closes so tests can hold a cycle open.
type fakeBackend struct {
	mu sync.Mutex

	pushErr   error
	createErr error
	deleteErr error
	silenceID string

	pushes  [][]models.Notification
	created []models.SuppressionRule
	deleted []string

	blockPush   chan struct{}
	pushStarted chan struct{}
	startOnce   sync.Once
}

var _ backend.Client = (*fakeBackend)(nil)

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Push(ctx context.Context, notifications []models.Notification) (backend.Result, error) {
	if b.pushStarted != nil {
		b.startOnce.Do(func() { close(b.pushStarted) })
	}
	if b.blockPush != nil {
		select {
		case <-b.blockPush:
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pushErr != nil {
		return backend.Result{StatusCode: 503, Body: "upstream unavailable"}, b.pushErr
	}
	b.pushes = append(b.pushes, slices.Clone(notifications))
	return backend.Result{StatusCode: 200, Duration: 5 * time.Millisecond, Body: `{"status":"success"}`}, nil
}

func (b *fakeBackend) CreateSuppression(ctx context.Context, rule models.SuppressionRule) (string, backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", backend.Result{StatusCode: 500, Body: "silence api down"}, b.createErr
	}
	b.created = append(b.created, rule)
	id := b.silenceID
	if id == "" {
		id = "sil-1"
	}
	return id, backend.Result{StatusCode: 200, Duration: 3 * time.Millisecond, Body: `{"silenceID":"` + id + `"}`}, nil
}

func (b *fakeBackend) DeleteSuppression(ctx context.Context, id string) (backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return backend.Result{StatusCode: 500, Body: "silence api down"}, b.deleteErr
	}
	b.deleted = append(b.deleted, id)
	return backend.Result{StatusCode: 200, Duration: 2 * time.Millisecond}, nil
}

func (b *fakeBackend) ListSuppressions(ctx context.Context) ([]models.SuppressionRule, error) {
	return nil, nil
}

func (b *fakeBackend) ListActive(ctx context.Context) ([]models.Notification, error) {
	return nil, nil
}

func (b *fakeBackend) Health(ctx context.Context) error { return nil }

func (b *fakeBackend) Close() {}

func (b *fakeBackend) pushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pushes)
}

func (b *fakeBackend) lastPush() []models.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pushes) == 0 {
		return nil
	}
	return b.pushes[len(b.pushes)-1]
}

func newTestEngine(t *testing.T, st *fakeStore, b *fakeBackend, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Defaults()
	cfg.Sync.OnStartup = false
	cfg.Sync.IntervalSeconds = 1
	cfg.Sync.HeartbeatEnabled = true
	cfg.Sync.AlarmLevels = []string{"1", "2", "3"}
	if mutate != nil {
		mutate(cfg)
	}
	return New(st, b, transform.New(cfg), cfg)
}

func alarmRow(alarmID, eventID int64, level string) models.AlarmRow {
	return models.AlarmRow{
		AlarmID:        alarmID,
		EventID:        eventID,
		AlarmCode:      "1001",
		Level:          level,
		State:          models.AlarmStateActive,
		AlarmName:      "CPU High",
		DetailInfo:     "cpu usage above 90%",
		HostName:       "node-7",
		HostIP:         "192.168.1.100",
		AppName:        "app-01",
		BusinessDomain: "CRM",
		Environment:    "Production",
		EventTime:      time.Now().Add(-10 * time.Minute),
		CreateTime:     time.Now().Add(-10 * time.Minute),
	}
}

// tracked builds the joined row a tracked-alarm fetch would return: the
// stored tracker row plus the current upstream state.
func tracked(rec models.SyncRecord, upstream models.AlarmState) models.TrackedAlarm {
	row := alarmRow(rec.AlarmID, rec.EventID, "1")
	row.State = upstream
	if upstream.Cleared() || upstream == models.AlarmStateMasked {
		row.ResetTime = time.Now()
	}
	return models.TrackedAlarm{Sync: rec, Alarm: row}
}

func TestNewAlarmFirstPush(t *testing.T) {
	st := newFakeStore()
	st.newActive = []models.AlarmRow{alarmRow(9001, 70001, "1")}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	res, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)
	require.Empty(t, res.Errors)

	require.Equal(t, 1, b.pushCount())
	push := b.lastPush()
	require.Len(t, push, 1)
	assert.Equal(t, "CPU High", push[0].Labels["alertname"])
	assert.Equal(t, "node-7@192.168.1.100", push[0].Labels["instance"])
	assert.Equal(t, "critical", push[0].Labels["severity"])
	assert.False(t, push[0].Resolved())

	rec := st.record(t, 9001)
	assert.Equal(t, models.SyncStateFiring, rec.SyncState)
	assert.Equal(t, 1, rec.PushCount)
	assert.False(t, rec.LastPushTime.IsZero())

	entries := st.auditEntries(9001)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpPushFiring, entries[0].Operation)
	assert.Empty(t, entries[0].OldState)
	assert.Equal(t, models.SyncStateFiring, entries[0].NewState)
	assert.True(t, entries[0].Success)
	assert.Contains(t, entries[0].Request, "CPU High")
}

func TestAutoClearPushesResolved(t *testing.T) {
	st := newFakeStore()
	rec := st.seed(9001, 70001, models.SyncStateFiring, models.AlarmStateActive, 1, "")
	st.changed = []models.TrackedAlarm{tracked(rec, models.AlarmStateReset)}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	_, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	push := b.lastPush()
	require.Len(t, push, 1)
	assert.True(t, push[0].Resolved())
	assert.True(t, push[0].StartsAt.Before(push[0].EndsAt))

	got := st.record(t, 9001)
	assert.Equal(t, models.SyncStateResolved, got.SyncState)
	assert.Equal(t, models.AlarmStateReset, got.AlarmState)
	assert.Equal(t, 2, got.PushCount)

	assert.Equal(t, []models.Operation{models.OpPushResolved}, st.auditOps(9001))
	assert.Empty(t, b.deleted, "no silence existed, nothing to delete")
}

func TestRefiredAlarmRepushed(t *testing.T) {
	st := newFakeStore()
	rec := st.seed(9001, 70001, models.SyncStateResolved, models.AlarmStateReset, 2, "")
	st.refired = []models.TrackedAlarm{tracked(rec, models.AlarmStateActive)}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	_, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	push := b.lastPush()
	require.Len(t, push, 1)
	assert.False(t, push[0].Resolved())

	got := st.record(t, 9001)
	assert.Equal(t, models.SyncStateFiring, got.SyncState)
	assert.Equal(t, 3, got.PushCount)

	entries := st.auditEntries(9001)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpPushRefired, entries[0].Operation)
	assert.Equal(t, models.SyncStateResolved, entries[0].OldState)
	assert.Equal(t, models.SyncStateFiring, entries[0].NewState)
}

func TestManualMaskResolvesThenSilences(t *testing.T) {
	st := newFakeStore()
	rec := st.seed(9001, 70001, models.SyncStateFiring, models.AlarmStateActive, 1, "")
	st.changed = []models.TrackedAlarm{tracked(rec, models.AlarmStateMasked)}
	b := &fakeBackend{silenceID: "sil-123"}
	e := newTestEngine(t, st, b, nil)

	_, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	got := st.record(t, 9001)
	assert.Equal(t, models.SyncStateSilenced, got.SyncState)
	assert.Equal(t, models.AlarmStateMasked, got.AlarmState)
	assert.Equal(t, "sil-123", got.SilenceID)
	assert.Equal(t, 2, got.PushCount, "the resolve push counts, the silence does not")

	// resolve lands before the suppression is created
	want := []models.Operation{models.OpPushResolvedForSilence, models.OpCreateSilence}
	assert.Equal(t, want, st.auditOps(9001))

	require.Len(t, b.created, 1)
	require.Len(t, b.created[0].Matchers, 1)
	assert.Equal(t, "alarm_id", b.created[0].Matchers[0].Name)
	assert.Equal(t, "9001", b.created[0].Matchers[0].Value)

	// nothing more to do once silenced
	st.changed = nil
	_, err = e.TriggerCycle(t.Context())
	require.NoError(t, err)
	assert.Len(t, st.auditEntries(9001), 2)
	assert.Equal(t, models.SyncStateSilenced, st.record(t, 9001).SyncState)
}

func TestSilenceRemovedWhenUpstreamClears(t *testing.T) {
	st := newFakeStore()
	rec := st.seed(9001, 70001, models.SyncStateSilenced, models.AlarmStateMasked, 2, "sil-123")
	st.silences = []models.TrackedAlarm{tracked(rec, models.AlarmStateReset)}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	_, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []string{"sil-123"}, b.deleted)
	assert.Zero(t, b.pushCount(), "removal happens without a push")

	got := st.record(t, 9001)
	assert.Equal(t, models.SyncStateResolved, got.SyncState)
	assert.Empty(t, got.SilenceID)
	assert.Equal(t, 2, got.PushCount)

	entries := st.auditEntries(9001)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpDeleteSilence, entries[0].Operation)
	assert.Equal(t, models.SyncStateSilenced, entries[0].OldState)
	assert.Equal(t, models.SyncStateResolved, entries[0].NewState)
	assert.Contains(t, entries[0].Message, "sil-123")
}

func TestSilenceCreateFailureStaysResolved(t *testing.T) {
	st := newFakeStore()
	rec := st.seed(9001, 70001, models.SyncStateFiring, models.AlarmStateActive, 1, "")
	st.changed = []models.TrackedAlarm{tracked(rec, models.AlarmStateMasked)}
	b := &fakeBackend{createErr: errors.New("silence api down")}
	e := newTestEngine(t, st, b, nil)

	_, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	got := st.record(t, 9001)
	assert.Equal(t, models.SyncStateResolved, got.SyncState, "resolve already landed, keep it")
	assert.Equal(t, models.AlarmStateMasked, got.AlarmState)
	assert.Empty(t, got.SilenceID)
	assert.Zero(t, got.ErrorCount, "a failed silence is a warning, not a sync error")

	assert.Equal(t, []models.Operation{models.OpPushResolvedForSilence}, st.auditOps(9001))
}

func TestMaskedWithoutSilenceAPIResolves(t *testing.T) {
	st := newFakeStore()
	rec := st.seed(9001, 70001, models.SyncStateFiring, models.AlarmStateActive, 1, "")
	st.changed = []models.TrackedAlarm{tracked(rec, models.AlarmStateMasked)}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, func(c *config.Config) {
		c.Silence.UseAPI = false
	})

	_, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	got := st.record(t, 9001)
	assert.Equal(t, models.SyncStateResolved, got.SyncState)
	assert.Equal(t, []models.Operation{models.OpPushResolved}, st.auditOps(9001))
	assert.Empty(t, b.created)
}

func TestNeverPushedAlarmResolvesQuietly(t *testing.T) {
	st := newFakeStore()
	rec := st.seed(9001, 70001, models.SyncStatePending, models.AlarmStateActive, 0, "")
	st.changed = []models.TrackedAlarm{tracked(rec, models.AlarmStateReset)}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	_, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	assert.Zero(t, b.pushCount(), "the backend never knew this alarm")

	got := st.record(t, 9001)
	assert.Equal(t, models.SyncStateResolved, got.SyncState)
	assert.Zero(t, got.PushCount)

	entries := st.auditEntries(9001)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpPushResolved, entries[0].Operation)
	assert.Equal(t, models.SyncStatePending, entries[0].OldState)
	assert.Equal(t, models.SyncStateResolved, entries[0].NewState)
	assert.Empty(t, entries[0].Request)
	assert.Contains(t, entries[0].Message, "skipped")
}

func TestLevelFilterLeavesNoTrace(t *testing.T) {
	st := newFakeStore()
	st.newActive = []models.AlarmRow{alarmRow(9001, 70001, "4")}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	res, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	assert.Zero(t, b.pushCount())
	assert.Empty(t, st.allAudits())
	st.mu.Lock()
	assert.Empty(t, st.records)
	st.mu.Unlock()
	assert.Equal(t, 1, res.Phases[0].Skipped)
}

func TestBatchPushFailureRegistersNothing(t *testing.T) {
	st := newFakeStore()
	st.newActive = []models.AlarmRow{alarmRow(9001, 70001, "1"), alarmRow(9002, 70002, "2")}
	b := &fakeBackend{pushErr: errors.New("connect backend: connection refused")}
	e := newTestEngine(t, st, b, nil)

	res, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	st.mu.Lock()
	assert.Empty(t, st.records, "failed batch must not leave tracker rows")
	st.mu.Unlock()

	audits := st.allAudits()
	require.Len(t, audits, 1)
	assert.Equal(t, models.OpError, audits[0].Operation)
	assert.Zero(t, audits[0].AlarmID)
	assert.False(t, audits[0].Success)
	assert.Equal(t, 2, res.Phases[0].Errors)

	// the same alarms are retried once the backend recovers
	b.mu.Lock()
	b.pushErr = nil
	b.mu.Unlock()
	_, err = e.TriggerCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateFiring, st.record(t, 9001).SyncState)
	assert.Equal(t, models.SyncStateFiring, st.record(t, 9002).SyncState)
}

func TestDuplicateInsertSkipped(t *testing.T) {
	st := newFakeStore()
	st.seed(9001, 70000, models.SyncStateFiring, models.AlarmStateActive, 1, "")
	st.newActive = []models.AlarmRow{alarmRow(9001, 70001, "1")}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	res, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Phases[0].Skipped)
	assert.Zero(t, res.Phases[0].Errors)
	assert.Empty(t, st.auditEntries(9001))
	assert.Equal(t, 1, st.record(t, 9001).PushCount)
}

func TestRefirePushFailureRecordsError(t *testing.T) {
	st := newFakeStore()
	rec := st.seed(9001, 70001, models.SyncStateResolved, models.AlarmStateReset, 2, "")
	st.refired = []models.TrackedAlarm{tracked(rec, models.AlarmStateActive)}
	b := &fakeBackend{pushErr: errors.New("status 503: upstream unavailable")}
	e := newTestEngine(t, st, b, nil)

	res, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Phases[1].Errors)

	got := st.record(t, 9001)
	assert.Equal(t, models.SyncStateResolved, got.SyncState, "state is untouched on failure")
	assert.Equal(t, 2, got.PushCount)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Contains(t, got.LastError, "503")

	entries := st.auditEntries(9001)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpError, entries[0].Operation)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].Message, string(models.OpPushRefired))
}

func TestHeartbeatRepushesFiringAlarms(t *testing.T) {
	st := newFakeStore()
	rec1 := st.seed(9001, 70001, models.SyncStateFiring, models.AlarmStateActive, 1, "")
	rec2 := st.seed(9002, 70002, models.SyncStateFiring, models.AlarmStateActive, 3, "")
	st.heartbeat = []models.TrackedAlarm{
		tracked(rec1, models.AlarmStateActive),
		tracked(rec2, models.AlarmStateActive),
	}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	_, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	require.Equal(t, 1, b.pushCount(), "heartbeat pushes one batch")
	assert.Len(t, b.lastPush(), 2)

	assert.Equal(t, 2, st.record(t, 9001).PushCount)
	assert.Equal(t, 4, st.record(t, 9002).PushCount)
	assert.Equal(t, []models.Operation{models.OpHeartbeat}, st.auditOps(9001))
	assert.Equal(t, []models.Operation{models.OpHeartbeat}, st.auditOps(9002))
}

func TestHeartbeatDisabledSkipsFetch(t *testing.T) {
	st := newFakeStore()
	rec := st.seed(9001, 70001, models.SyncStateFiring, models.AlarmStateActive, 1, "")
	st.heartbeat = []models.TrackedAlarm{tracked(rec, models.AlarmStateActive)}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, func(c *config.Config) {
		c.Sync.HeartbeatEnabled = false
	})

	_, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	assert.Zero(t, st.calls(phaseHeartbeat))
	assert.Zero(t, b.pushCount())
}

func TestSilenceCleanupDisabledSkipsFetch(t *testing.T) {
	st := newFakeStore()
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, func(c *config.Config) {
		c.Silence.AutoRemoveOnClear = false
	})

	_, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)
	assert.Zero(t, st.calls(phaseSilenceCleanup))
}

func TestPhaseFetchErrorAbortsRemainingPhases(t *testing.T) {
	st := newFakeStore()
	st.newActive = []models.AlarmRow{alarmRow(9001, 70001, "1")}
	rec := st.seed(9002, 70002, models.SyncStateFiring, models.AlarmStateActive, 1, "")
	st.changed = []models.TrackedAlarm{tracked(rec, models.AlarmStateReset)}
	st.fetchErr[phaseRefired] = errors.New("connection reset")
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	res, err := e.TriggerCycle(t.Context())
	require.NoError(t, err, "cycle errors are reported in the result, not returned")

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], phaseRefired)
	assert.Len(t, res.Phases, 2, "later phases never ran")
	assert.Zero(t, st.calls(phaseStatusChanged))

	// phase 1 completed before the abort
	assert.Equal(t, models.SyncStateFiring, st.record(t, 9001).SyncState)
	// the status change is untouched and picked up next cycle
	assert.Equal(t, models.SyncStateFiring, st.record(t, 9002).SyncState)
}

func TestTriggerCycleWhileCycleRuns(t *testing.T) {
	st := newFakeStore()
	st.newActive = []models.AlarmRow{alarmRow(9001, 70001, "1")}
	b := &fakeBackend{
		blockPush:   make(chan struct{}),
		pushStarted: make(chan struct{}),
	}
	e := newTestEngine(t, st, b, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.TriggerCycle(context.Background())
		assert.NoError(t, err)
	}()

	<-b.pushStarted
	_, err := e.TriggerCycle(t.Context())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.True(t, e.Status().CycleInFlight)

	close(b.blockPush)
	<-done
	assert.False(t, e.Status().CycleInFlight)
}

func TestAlarmLifecycleAuditChain(t *testing.T) {
	st := newFakeStore()
	b := &fakeBackend{silenceID: "sil-42"}
	e := newTestEngine(t, st, b, nil)
	ctx := t.Context()

	// fires
	st.newActive = []models.AlarmRow{alarmRow(4242, 99001, "2")}
	_, err := e.TriggerCycle(ctx)
	require.NoError(t, err)
	st.newActive = nil

	// auto-clears
	st.changed = []models.TrackedAlarm{tracked(st.record(t, 4242), models.AlarmStateReset)}
	_, err = e.TriggerCycle(ctx)
	require.NoError(t, err)
	st.changed = nil

	// fires again
	st.refired = []models.TrackedAlarm{tracked(st.record(t, 4242), models.AlarmStateActive)}
	_, err = e.TriggerCycle(ctx)
	require.NoError(t, err)
	st.refired = nil

	// operator masks it
	st.changed = []models.TrackedAlarm{tracked(st.record(t, 4242), models.AlarmStateMasked)}
	_, err = e.TriggerCycle(ctx)
	require.NoError(t, err)
	st.changed = nil

	rec := st.record(t, 4242)
	assert.Equal(t, models.SyncStateSilenced, rec.SyncState)
	assert.Equal(t, "sil-42", rec.SilenceID)
	assert.Equal(t, 4, rec.PushCount)

	want := []models.Operation{
		models.OpPushFiring,
		models.OpPushResolved,
		models.OpPushRefired,
		models.OpPushResolvedForSilence,
		models.OpCreateSilence,
	}
	assert.Equal(t, want, st.auditOps(4242))

	entries := st.auditEntries(4242)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].NewState, entries[i].OldState,
			"entry %d must start where entry %d ended", i, i-1)
	}

	pushes := 0
	for _, en := range entries {
		if en.Success && strings.HasPrefix(string(en.Operation), "PUSH_") && en.Request != "" {
			pushes++
		}
	}
	assert.GreaterOrEqual(t, rec.PushCount, pushes)
}

func TestStartStopLifecycle(t *testing.T) {
	st := newFakeStore()
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)
	ctx := t.Context()

	require.NoError(t, e.Start(ctx))
	assert.True(t, e.Running())
	assert.ErrorIs(t, e.Start(ctx), ErrAlreadyRunning)

	require.NoError(t, e.Stop())
	assert.False(t, e.Running())
	assert.ErrorIs(t, e.Stop(), ErrNotRunning)
}

func TestRestartFromStopped(t *testing.T) {
	st := newFakeStore()
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	require.NoError(t, e.Restart(t.Context()))
	assert.True(t, e.Running())
	require.NoError(t, e.Stop())
}

func TestStartupPassPushesHistory(t *testing.T) {
	st := newFakeStore()
	st.newActive = []models.AlarmRow{alarmRow(9001, 70001, "1")}
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, func(c *config.Config) {
		c.Sync.OnStartup = true
	})

	require.NoError(t, e.Start(t.Context()))
	t.Cleanup(func() { _ = e.Stop() })

	waitFor(t, func() bool { return len(st.auditOps(9001)) > 0 })
	assert.Equal(t, models.OpPushFiring, st.auditOps(9001)[0])
	assert.Equal(t, models.SyncStateFiring, st.record(t, 9001).SyncState)
}

func TestSetScanInterval(t *testing.T) {
	e := newTestEngine(t, newFakeStore(), &fakeBackend{}, nil)

	require.NoError(t, e.SetScanInterval(5*time.Second))
	assert.Equal(t, 5*time.Second, e.Interval())

	err := e.SetScanInterval(200 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 5*time.Second, e.Interval(), "rejected values leave the interval alone")
}

func TestStatusReflectsLastCycle(t *testing.T) {
	st := newFakeStore()
	b := &fakeBackend{}
	e := newTestEngine(t, st, b, nil)

	status := e.Status()
	assert.False(t, status.Running)
	assert.Equal(t, "fake", status.Backend)
	assert.Zero(t, status.CycleCount)
	assert.Nil(t, status.LastCycle)

	res, err := e.TriggerCycle(t.Context())
	require.NoError(t, err)

	status = e.Status()
	assert.Equal(t, int64(1), status.CycleCount)
	require.NotNil(t, status.LastCycle)
	assert.Equal(t, res.BatchID, status.LastCycle.BatchID)
	assert.Len(t, status.LastCycle.Phases, 5)
}

func TestBatchIDFormat(t *testing.T) {
	id := newBatchID()
	assert.Regexp(t, regexp.MustCompile(`^\d{14}_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, newBatchID())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
