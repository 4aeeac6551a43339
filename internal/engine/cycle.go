package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/backend"
	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/metrics"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
)

const (
	phaseNewActive      = "new_active"
	phaseRefired        = "refired"
	phaseStatusChanged  = "status_changed"
	phaseHeartbeat      = "heartbeat"
	phaseSilenceCleanup = "silence_cleanup"
)

// runCycle executes the five phases under one batch id. A phase that cannot
// even fetch its work aborts the rest of the cycle; the next tick starts
// fresh. Failures on individual alarms never abort anything.
func (e *Engine) runCycle(ctx context.Context) *CycleResult {
	batchID := newBatchID()
	started := time.Now()
	res := &CycleResult{BatchID: batchID, StartedAt: started.UTC()}

	log.Info().Str("batch_id", batchID).Msg("Starting sync cycle")

	phases := []struct {
		name string
		run  func(context.Context, string) (PhaseResult, error)
	}{
		{phaseNewActive, e.syncNewActive},
		{phaseRefired, e.syncRefired},
		{phaseStatusChanged, e.syncStatusChanged},
		{phaseHeartbeat, e.syncHeartbeat},
		{phaseSilenceCleanup, e.cleanupSilences},
	}

	for _, phase := range phases {
		pr, err := phase.run(ctx, batchID)
		res.Phases = append(res.Phases, pr)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", phase.name, err))
			metrics.RecordError("engine", "phase_fetch")
			log.Error().
				Err(err).
				Str("batch_id", batchID).
				Str("phase", phase.name).
				Msg("Sync phase failed, aborting remaining phases")
			break
		}
	}

	e.finishCycle(ctx, res, started)
	return res
}

func (e *Engine) finishCycle(ctx context.Context, res *CycleResult, started time.Time) {
	res.DurationMS = time.Since(started).Milliseconds()
	metrics.ObserveSyncDuration("cycle", time.Since(started))
	metrics.LastSyncTimestamp.SetToCurrentTime()

	counts, err := e.store.CountSyncStates(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to refresh sync state counts")
	} else {
		firing := counts[string(models.SyncStateFiring)] + counts[string(models.SyncStatePending)]
		metrics.ActiveAlarms.Set(float64(firing))
	}
	e.store.PublishPoolStats()

	log.Info().
		Str("batch_id", res.BatchID).
		Int64("duration_ms", res.DurationMS).
		Int("errors", len(res.Errors)).
		Msg("Sync cycle completed")
}

// observePhase stamps the duration on a finished phase. Deferred with the
// phase start time so every return path is covered.
func observePhase(pr *PhaseResult, started time.Time) {
	elapsed := time.Since(started)
	pr.DurationMS = elapsed.Milliseconds()
	metrics.ObserveSyncDuration(pr.Phase, elapsed)
}

// pushItem pairs an alarm with its rendered notification for batch pushes.
type pushItem struct {
	alarm        *models.AlarmRow
	notification models.Notification
}

// syncNewActive picks up live alarms that have no tracker row yet, pushes
// them as one batch and registers each one. A failed batch push leaves no
// tracker rows behind, so the same alarms are retried next cycle.
func (e *Engine) syncNewActive(ctx context.Context, batchID string) (pr PhaseResult, err error) {
	pr.Phase = phaseNewActive
	defer observePhase(&pr, time.Now())

	rows, err := e.store.FetchNewActive(ctx, e.cfg.Sync.HistoryHours, e.cfg.Sync.AlarmLevels, e.cfg.Sync.BatchSize)
	if err != nil {
		return pr, fmt.Errorf("fetch new alarms: %w", err)
	}
	pr.Fetched = len(rows)
	if pr.Fetched == 0 {
		log.Debug().Str("batch_id", batchID).Msg("No new alarms to sync")
		return pr, nil
	}

	items := make([]pushItem, 0, len(rows))
	for i := range rows {
		alarm := &rows[i]
		ok, reason := e.transformer.ShouldSync(alarm)
		if !ok {
			pr.Skipped++
			metrics.RecordAlarmProcessed("skipped")
			log.Debug().
				Int64("alarm_id", alarm.AlarmID).
				Str("reason", reason).
				Msg("Alarm filtered out")
			continue
		}
		items = append(items, pushItem{alarm: alarm, notification: e.transformer.ToNotification(alarm, false)})
	}
	if len(items) == 0 {
		log.Info().Str("batch_id", batchID).Int("fetched", pr.Fetched).Msg("All new alarms filtered out")
		return pr, nil
	}

	notifications := make([]models.Notification, len(items))
	for i, it := range items {
		notifications[i] = it.notification
	}

	res, pushErr := e.backend.Push(ctx, notifications)
	if pushErr != nil {
		pr.Errors = len(items)
		metrics.RecordSync(string(models.OpPushFiring), false)
		metrics.RecordError("engine", "push")
		log.Error().
			Err(pushErr).
			Str("batch_id", batchID).
			Int("alarms", len(items)).
			Msg("Batch push failed, no alarms were registered")
		e.audit(ctx, &models.AuditEntry{
			BatchID:    batchID,
			Operation:  models.OpError,
			Request:    auditJSON(notifications),
			Response:   res.Body,
			DurationMS: res.Duration.Milliseconds(),
			Success:    false,
			Message:    pushErr.Error(),
		})
		return pr, nil
	}

	for _, it := range items {
		_, insErr := e.store.InsertSync(ctx, it.alarm.AlarmID, it.alarm.EventID, models.SyncStateFiring, it.alarm.State)
		if insErr != nil {
			if errors.Is(insErr, zmcerrors.ErrDuplicate) {
				pr.Skipped++
				log.Warn().Int64("alarm_id", it.alarm.AlarmID).Msg("Alarm already tracked, skipping")
				continue
			}
			pr.Errors++
			metrics.RecordError("engine", "db_write")
			log.Error().Err(insErr).Int64("alarm_id", it.alarm.AlarmID).Msg("Failed to register pushed alarm")
			continue
		}
		pr.Pushed++
		metrics.RecordAlarmProcessed("new")
		metrics.RecordSync(string(models.OpPushFiring), true)
		e.audit(ctx, &models.AuditEntry{
			BatchID:    batchID,
			AlarmID:    it.alarm.AlarmID,
			EventID:    it.alarm.EventID,
			Operation:  models.OpPushFiring,
			NewState:   models.SyncStateFiring,
			Request:    auditJSON(it.notification),
			Response:   res.Body,
			DurationMS: res.Duration.Milliseconds(),
			Success:    true,
		})
	}

	log.Info().
		Str("batch_id", batchID).
		Int("fetched", pr.Fetched).
		Int("pushed", pr.Pushed).
		Int("skipped", pr.Skipped).
		Int("errors", pr.Errors).
		Msg("New alarm sync completed")
	return pr, nil
}

// syncRefired re-raises alarms that were resolved in the backend but turned
// active again upstream. Each one is pushed on its own so one bad alarm does
// not hold the rest back.
func (e *Engine) syncRefired(ctx context.Context, batchID string) (pr PhaseResult, err error) {
	pr.Phase = phaseRefired
	defer observePhase(&pr, time.Now())

	tracked, err := e.store.FetchRefired(ctx, e.cfg.Sync.BatchSize)
	if err != nil {
		return pr, fmt.Errorf("fetch refired alarms: %w", err)
	}
	pr.Fetched = len(tracked)
	if pr.Fetched == 0 {
		return pr, nil
	}

	for i := range tracked {
		t := &tracked[i]
		log.Info().
			Int64("alarm_id", t.Sync.AlarmID).
			Int("push_count", t.Sync.PushCount).
			Str("batch_id", batchID).
			Msg("Re-raising refired alarm")

		n := e.transformer.ToNotification(&t.Alarm, false)
		res, pushErr := e.backend.Push(ctx, []models.Notification{n})
		if pushErr != nil {
			pr.Errors++
			e.recordAlarmError(ctx, batchID, t, models.OpPushRefired, res, pushErr)
			continue
		}
		if updErr := e.store.UpdateSyncPushed(ctx, t.Sync.SyncID, models.SyncStateFiring, t.Alarm.State, ""); updErr != nil {
			pr.Errors++
			e.recordAlarmError(ctx, batchID, t, models.OpPushRefired, res, updErr)
			continue
		}
		pr.Pushed++
		metrics.RecordAlarmProcessed("refired")
		metrics.RecordSync(string(models.OpPushRefired), true)
		e.audit(ctx, &models.AuditEntry{
			BatchID:    batchID,
			AlarmID:    t.Sync.AlarmID,
			EventID:    t.Sync.EventID,
			Operation:  models.OpPushRefired,
			OldState:   t.Sync.SyncState,
			NewState:   models.SyncStateFiring,
			Request:    auditJSON(n),
			Response:   res.Body,
			DurationMS: res.Duration.Milliseconds(),
			Success:    true,
		})
	}

	log.Info().
		Str("batch_id", batchID).
		Int("fetched", pr.Fetched).
		Int("pushed", pr.Pushed).
		Int("errors", pr.Errors).
		Msg("Refired alarm sync completed")
	return pr, nil
}

// syncStatusChanged reconciles tracked alarms whose upstream state moved.
// Cleared alarms get a resolved push; masked alarms additionally get a
// suppression when the silence API is enabled.
func (e *Engine) syncStatusChanged(ctx context.Context, batchID string) (pr PhaseResult, err error) {
	pr.Phase = phaseStatusChanged
	defer observePhase(&pr, time.Now())

	tracked, err := e.store.FetchStatusChanged(ctx, e.cfg.Sync.BatchSize)
	if err != nil {
		return pr, fmt.Errorf("fetch status changes: %w", err)
	}
	pr.Fetched = len(tracked)
	if pr.Fetched == 0 {
		return pr, nil
	}

	for i := range tracked {
		t := &tracked[i]
		log.Info().
			Int64("alarm_id", t.Sync.AlarmID).
			Str("old_state", string(t.Sync.AlarmState)).
			Str("new_state", string(t.Alarm.State)).
			Int("push_count", t.Sync.PushCount).
			Str("batch_id", batchID).
			Msg("Processing upstream state change")

		// Rows that cleared before their first push were never seen by the
		// backend, so there is nothing to notify.
		if t.Sync.PushCount == 0 {
			if e.resolveNeverPushed(ctx, batchID, t) {
				pr.Skipped++
			} else {
				pr.Errors++
			}
			continue
		}

		target := e.transformer.TargetState(t.Alarm.State)
		switch {
		case target == models.SyncStateSilenced && e.cfg.Silence.UseAPI:
			if e.silenceAlarm(ctx, batchID, t) {
				pr.Pushed++
			} else {
				pr.Errors++
			}
		case target == models.SyncStateSilenced || target == models.SyncStateResolved:
			// Masked alarms take the plain resolved path when the silence
			// API is off.
			if e.resolveAlarm(ctx, batchID, t) {
				pr.Pushed++
			} else {
				pr.Errors++
			}
		default:
			// Back to active: the refired phase owns that flow.
			pr.Skipped++
		}
	}

	log.Info().
		Str("batch_id", batchID).
		Int("fetched", pr.Fetched).
		Int("pushed", pr.Pushed).
		Int("skipped", pr.Skipped).
		Int("errors", pr.Errors).
		Msg("Status change sync completed")
	return pr, nil
}

// syncHeartbeat re-pushes long-lived firing alarms so the backend does not
// expire them. Disabled engines return an empty result.
func (e *Engine) syncHeartbeat(ctx context.Context, batchID string) (pr PhaseResult, err error) {
	pr.Phase = phaseHeartbeat
	defer observePhase(&pr, time.Now())

	if !e.cfg.Sync.HeartbeatEnabled {
		return pr, nil
	}

	tracked, err := e.store.FetchHeartbeatDue(ctx, e.cfg.Sync.HeartbeatInterval(), e.cfg.Sync.BatchSize)
	if err != nil {
		return pr, fmt.Errorf("fetch heartbeat candidates: %w", err)
	}
	pr.Fetched = len(tracked)
	if pr.Fetched == 0 {
		return pr, nil
	}

	notifications := make([]models.Notification, len(tracked))
	for i := range tracked {
		notifications[i] = e.transformer.ToNotification(&tracked[i].Alarm, false)
	}

	res, pushErr := e.backend.Push(ctx, notifications)
	if pushErr != nil {
		pr.Errors = len(tracked)
		metrics.RecordSync(string(models.OpHeartbeat), false)
		metrics.RecordError("engine", "push")
		log.Error().
			Err(pushErr).
			Str("batch_id", batchID).
			Int("alarms", len(tracked)).
			Msg("Heartbeat push failed")
		e.audit(ctx, &models.AuditEntry{
			BatchID:    batchID,
			Operation:  models.OpError,
			Request:    auditJSON(notifications),
			Response:   res.Body,
			DurationMS: res.Duration.Milliseconds(),
			Success:    false,
			Message:    fmt.Sprintf("%s: %v", models.OpHeartbeat, pushErr),
		})
		return pr, nil
	}

	for i := range tracked {
		t := &tracked[i]
		if updErr := e.store.UpdateSyncPushed(ctx, t.Sync.SyncID, models.SyncStateFiring, models.AlarmStateActive, ""); updErr != nil {
			pr.Errors++
			metrics.RecordError("engine", "db_write")
			log.Error().Err(updErr).Int64("sync_id", t.Sync.SyncID).Msg("Failed to record heartbeat push")
			continue
		}
		pr.Pushed++
		metrics.RecordAlarmProcessed("heartbeat")
		metrics.RecordSync(string(models.OpHeartbeat), true)
		e.audit(ctx, &models.AuditEntry{
			BatchID:    batchID,
			AlarmID:    t.Sync.AlarmID,
			EventID:    t.Sync.EventID,
			Operation:  models.OpHeartbeat,
			OldState:   t.Sync.SyncState,
			NewState:   models.SyncStateFiring,
			Request:    auditJSON(notifications[i]),
			Response:   res.Body,
			DurationMS: res.Duration.Milliseconds(),
			Success:    true,
		})
	}

	log.Debug().
		Str("batch_id", batchID).
		Int("pushed", pr.Pushed).
		Int("errors", pr.Errors).
		Msg("Heartbeat completed")
	return pr, nil
}

// cleanupSilences removes suppressions whose alarms genuinely recovered
// upstream, moving the rows from SILENCED to RESOLVED.
func (e *Engine) cleanupSilences(ctx context.Context, batchID string) (pr PhaseResult, err error) {
	pr.Phase = phaseSilenceCleanup
	defer observePhase(&pr, time.Now())

	if !e.cfg.Silence.UseAPI || !e.cfg.Silence.AutoRemoveOnClear {
		return pr, nil
	}

	tracked, err := e.store.FetchSilencesToClear(ctx, e.cfg.Sync.BatchSize)
	if err != nil {
		return pr, fmt.Errorf("fetch clearable silences: %w", err)
	}
	pr.Fetched = len(tracked)
	if pr.Fetched == 0 {
		return pr, nil
	}

	for i := range tracked {
		t := &tracked[i]
		silenceID := t.Sync.SilenceID

		res, delErr := e.backend.DeleteSuppression(ctx, silenceID)
		if delErr != nil {
			pr.Errors++
			e.recordAlarmError(ctx, batchID, t, models.OpDeleteSilence, res, delErr)
			continue
		}
		if updErr := e.store.UpdateSyncState(ctx, t.Sync.SyncID, models.SyncStateResolved, t.Alarm.State, ""); updErr != nil {
			pr.Errors++
			e.recordAlarmError(ctx, batchID, t, models.OpDeleteSilence, res, updErr)
			continue
		}
		pr.Pushed++
		metrics.RecordAlarmProcessed("resolved")
		metrics.RecordSync(string(models.OpDeleteSilence), true)
		e.audit(ctx, &models.AuditEntry{
			BatchID:    batchID,
			AlarmID:    t.Sync.AlarmID,
			EventID:    t.Sync.EventID,
			Operation:  models.OpDeleteSilence,
			OldState:   t.Sync.SyncState,
			NewState:   models.SyncStateResolved,
			Response:   res.Body,
			DurationMS: res.Duration.Milliseconds(),
			Success:    true,
			Message:    fmt.Sprintf("silence %s removed", silenceID),
		})
		log.Info().
			Str("silence_id", silenceID).
			Int64("alarm_id", t.Sync.AlarmID).
			Str("batch_id", batchID).
			Msg("Suppression removed after upstream clear")
	}

	log.Info().
		Str("batch_id", batchID).
		Int("fetched", pr.Fetched).
		Int("removed", pr.Pushed).
		Int("errors", pr.Errors).
		Msg("Silence cleanup completed")
	return pr, nil
}

// resolveNeverPushed closes out rows whose alarm cleared before the first
// push ever happened, typically history from before the exporter started.
// The backend never saw the alarm, so the transition is recorded without a
// notification and without touching push_count.
func (e *Engine) resolveNeverPushed(ctx context.Context, batchID string, t *models.TrackedAlarm) bool {
	log.Info().
		Int64("alarm_id", t.Sync.AlarmID).
		Str("batch_id", batchID).
		Msg("Alarm cleared before first push, resolving without notification")

	if err := e.store.UpdateSyncState(ctx, t.Sync.SyncID, models.SyncStateResolved, t.Alarm.State, ""); err != nil {
		metrics.RecordError("engine", "db_write")
		log.Error().Err(err).Int64("sync_id", t.Sync.SyncID).Msg("Failed to resolve never-pushed alarm")
		return false
	}
	metrics.RecordAlarmProcessed("resolved")
	e.audit(ctx, &models.AuditEntry{
		BatchID:   batchID,
		AlarmID:   t.Sync.AlarmID,
		EventID:   t.Sync.EventID,
		Operation: models.OpPushResolved,
		OldState:  t.Sync.SyncState,
		NewState:  models.SyncStateResolved,
		Success:   true,
		Message:   "push skipped: alarm cleared before first notification",
	})
	return true
}

// resolveAlarm pushes the resolved notification and lands the row in
// RESOLVED. Used for upstream auto-resets and confirms, and for masked
// alarms when the silence API is off.
func (e *Engine) resolveAlarm(ctx context.Context, batchID string, t *models.TrackedAlarm) bool {
	n := e.transformer.ToNotification(&t.Alarm, true)
	res, pushErr := e.backend.Push(ctx, []models.Notification{n})
	if pushErr != nil {
		e.recordAlarmError(ctx, batchID, t, models.OpPushResolved, res, pushErr)
		return false
	}

	// A leftover suppression would outlive the alarm it was hiding.
	if t.Sync.SilenceID != "" {
		if _, delErr := e.backend.DeleteSuppression(ctx, t.Sync.SilenceID); delErr != nil {
			log.Warn().
				Err(delErr).
				Str("silence_id", t.Sync.SilenceID).
				Int64("alarm_id", t.Sync.AlarmID).
				Msg("Failed to drop stale suppression")
		}
	}

	if updErr := e.store.UpdateSyncPushed(ctx, t.Sync.SyncID, models.SyncStateResolved, t.Alarm.State, ""); updErr != nil {
		e.recordAlarmError(ctx, batchID, t, models.OpPushResolved, res, updErr)
		return false
	}
	metrics.RecordAlarmProcessed("resolved")
	metrics.RecordSync(string(models.OpPushResolved), true)
	e.audit(ctx, &models.AuditEntry{
		BatchID:    batchID,
		AlarmID:    t.Sync.AlarmID,
		EventID:    t.Sync.EventID,
		Operation:  models.OpPushResolved,
		OldState:   t.Sync.SyncState,
		NewState:   models.SyncStateResolved,
		Request:    auditJSON(n),
		Response:   res.Body,
		DurationMS: res.Duration.Milliseconds(),
		Success:    true,
	})
	log.Info().
		Int64("alarm_id", t.Sync.AlarmID).
		Str("upstream_state", string(t.Alarm.State)).
		Str("batch_id", batchID).
		Msg("Resolved alarm pushed")
	return true
}

// silenceAlarm handles a manual mask: first close the live notification so
// the incident ends, then create a suppression so re-fires of the same alarm
// stay quiet while it is masked. When the suppression cannot be created the
// row stays RESOLVED; re-fires would then page again, which beats losing the
// resolve.
func (e *Engine) silenceAlarm(ctx context.Context, batchID string, t *models.TrackedAlarm) bool {
	n := e.transformer.ToNotification(&t.Alarm, true)
	res, pushErr := e.backend.Push(ctx, []models.Notification{n})
	if pushErr != nil {
		e.recordAlarmError(ctx, batchID, t, models.OpPushResolvedForSilence, res, pushErr)
		return false
	}
	if updErr := e.store.UpdateSyncPushed(ctx, t.Sync.SyncID, models.SyncStateResolved, t.Alarm.State, ""); updErr != nil {
		e.recordAlarmError(ctx, batchID, t, models.OpPushResolvedForSilence, res, updErr)
		return false
	}
	metrics.RecordSync(string(models.OpPushResolvedForSilence), true)
	e.audit(ctx, &models.AuditEntry{
		BatchID:    batchID,
		AlarmID:    t.Sync.AlarmID,
		EventID:    t.Sync.EventID,
		Operation:  models.OpPushResolvedForSilence,
		OldState:   t.Sync.SyncState,
		NewState:   models.SyncStateResolved,
		Request:    auditJSON(n),
		Response:   res.Body,
		DurationMS: res.Duration.Milliseconds(),
		Success:    true,
	})

	rule := e.transformer.NewSuppression(&t.Alarm)
	silenceID, sres, supErr := e.backend.CreateSuppression(ctx, rule)
	if supErr != nil {
		metrics.RecordSync(string(models.OpCreateSilence), false)
		metrics.RecordError("engine", "silence_create")
		metrics.RecordAlarmProcessed("resolved")
		log.Warn().
			Err(supErr).
			Int64("alarm_id", t.Sync.AlarmID).
			Str("batch_id", batchID).
			Msg("Suppression create failed, record stays resolved")
		return true
	}
	if updErr := e.store.UpdateSyncState(ctx, t.Sync.SyncID, models.SyncStateSilenced, models.AlarmStateMasked, silenceID); updErr != nil {
		e.recordAlarmError(ctx, batchID, t, models.OpCreateSilence, sres, updErr)
		return false
	}
	metrics.RecordAlarmProcessed("silenced")
	metrics.RecordSync(string(models.OpCreateSilence), true)
	e.audit(ctx, &models.AuditEntry{
		BatchID:    batchID,
		AlarmID:    t.Sync.AlarmID,
		EventID:    t.Sync.EventID,
		Operation:  models.OpCreateSilence,
		OldState:   models.SyncStateResolved,
		NewState:   models.SyncStateSilenced,
		Request:    auditJSON(rule),
		Response:   sres.Body,
		DurationMS: sres.Duration.Milliseconds(),
		Success:    true,
		Message:    fmt.Sprintf("silence %s created", silenceID),
	})
	log.Info().
		Str("silence_id", silenceID).
		Int64("alarm_id", t.Sync.AlarmID).
		Str("batch_id", batchID).
		Msg("Suppression created for masked alarm")
	return true
}

// recordAlarmError notes a per-alarm failure and keeps the cycle going: the
// row keeps its state, error_count grows, and the audit log gets an ERROR
// entry naming the operation that failed.
func (e *Engine) recordAlarmError(ctx context.Context, batchID string, t *models.TrackedAlarm, attempted models.Operation, res backend.Result, cause error) {
	log.Error().
		Err(cause).
		Int64("alarm_id", t.Sync.AlarmID).
		Str("operation", string(attempted)).
		Str("batch_id", batchID).
		Msg("Alarm sync failed")
	metrics.RecordSync(string(attempted), false)
	metrics.RecordError("engine", "alarm_sync")

	if err := e.store.UpdateSyncError(ctx, t.Sync.SyncID, cause.Error()); err != nil {
		log.Error().Err(err).Int64("sync_id", t.Sync.SyncID).Msg("Failed to record sync error")
	}
	e.audit(ctx, &models.AuditEntry{
		BatchID:    batchID,
		AlarmID:    t.Sync.AlarmID,
		EventID:    t.Sync.EventID,
		Operation:  models.OpError,
		Response:   res.Body,
		DurationMS: res.Duration.Milliseconds(),
		Success:    false,
		Message:    fmt.Sprintf("%s: %v", attempted, cause),
	})
}

// audit appends one audit row. Audit writes are best effort: a failure is
// logged and the cycle keeps going.
func (e *Engine) audit(ctx context.Context, entry *models.AuditEntry) {
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		metrics.RecordError("engine", "audit")
		log.Error().
			Err(err).
			Str("operation", string(entry.Operation)).
			Int64("alarm_id", entry.AlarmID).
			Msg("Failed to append audit entry")
	}
}

// auditJSON renders a payload for the audit log. Encoding mirrors the wire
// encoder: HTML escaping off so alarm text reads back as written.
func auditJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}
