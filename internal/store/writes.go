package store

import (
	"context"
	"fmt"
	"time"

	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
)

const (
	maxErrorLen   = 2000
	maxPayloadLen = 4000
)

// InsertSync creates the tracker row for a freshly pushed alarm. The caller
// pushes before inserting, so the row starts with one recorded push. Returns
// ErrDuplicate when the alarm is already tracked.
func (s *Store) InsertSync(ctx context.Context, alarmID, eventID int64, state models.SyncState, upstream models.AlarmState) (int64, error) {
	defer observe("insert_sync", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `
	INSERT INTO nm_alarm_sync_status (
		alarm_id, event_id, sync_status, zmc_alarm_state,
		last_push_time, push_count, error_count
	) VALUES ($1, $2, $3, $4, now(), 1, 0)
	RETURNING sync_id`

	var syncID int64
	err := s.pool.QueryRow(ctx, query, alarmID, eventID, string(state), string(upstream)).Scan(&syncID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("alarm %d already tracked: %w", alarmID, zmcerrors.ErrDuplicate)
		}
		return 0, zmcerrors.WrapDatabaseError("insert_sync", err)
	}
	return syncID, nil
}

// UpdateSyncPushed records a successful push: new states, push counter and
// timestamp, errors cleared. The fingerprint is kept when the backend did
// not return one. A push always leaves the alarm outside a silence.
func (s *Store) UpdateSyncPushed(ctx context.Context, syncID int64, state models.SyncState, upstream models.AlarmState, fingerprint string) error {
	defer observe("update_sync_pushed", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `
	UPDATE nm_alarm_sync_status
	SET sync_status = $2,
	    zmc_alarm_state = $3,
	    last_push_time = now(),
	    push_count = push_count + 1,
	    fingerprint = COALESCE(NULLIF($4, ''), fingerprint),
	    silence_id = NULL,
	    error_count = 0,
	    last_error = NULL,
	    update_time = now()
	WHERE sync_id = $1`

	tag, err := s.pool.Exec(ctx, query, syncID, string(state), string(upstream), fingerprint)
	if err != nil {
		return zmcerrors.WrapDatabaseError("update_sync_pushed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync record %d: %w", syncID, zmcerrors.ErrNotFound)
	}
	return nil
}

// UpdateSyncState records a transition that did not involve a push, such as
// creating or removing a silence. Push counters stay untouched; an empty
// silenceID clears the stored silence.
func (s *Store) UpdateSyncState(ctx context.Context, syncID int64, state models.SyncState, upstream models.AlarmState, silenceID string) error {
	defer observe("update_sync_state", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `
	UPDATE nm_alarm_sync_status
	SET sync_status = $2,
	    zmc_alarm_state = $3,
	    silence_id = NULLIF($4, ''),
	    error_count = 0,
	    last_error = NULL,
	    update_time = now()
	WHERE sync_id = $1`

	tag, err := s.pool.Exec(ctx, query, syncID, string(state), string(upstream), silenceID)
	if err != nil {
		return zmcerrors.WrapDatabaseError("update_sync_state", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync record %d: %w", syncID, zmcerrors.ErrNotFound)
	}
	return nil
}

// UpdateSyncError bumps the error counter and stores the latest failure
// message without touching the sync state.
func (s *Store) UpdateSyncError(ctx context.Context, syncID int64, message string) error {
	defer observe("update_sync_error", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `
	UPDATE nm_alarm_sync_status
	SET error_count = error_count + 1,
	    last_error = $2,
	    update_time = now()
	WHERE sync_id = $1`

	tag, err := s.pool.Exec(ctx, query, syncID, truncateRunes(message, maxErrorLen))
	if err != nil {
		return zmcerrors.WrapDatabaseError("update_sync_error", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync record %d: %w", syncID, zmcerrors.ErrNotFound)
	}
	return nil
}

// AppendAudit writes one audit log row and fills in the generated id and
// timestamp. Request and response payloads are truncated to column size.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	defer observe("append_audit", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `
	INSERT INTO nm_alarm_sync_log (
		batch_id, alarm_id, event_id, operation, old_state, new_state,
		request, response, duration_ms, success, message
	) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11)
	RETURNING log_id, create_time`

	err := s.pool.QueryRow(ctx, query,
		entry.BatchID, entry.AlarmID, entry.EventID,
		string(entry.Operation), string(entry.OldState), string(entry.NewState),
		truncateRunes(entry.Request, maxPayloadLen),
		truncateRunes(entry.Response, maxPayloadLen),
		entry.DurationMS, entry.Success,
		truncateRunes(entry.Message, maxErrorLen),
	).Scan(&entry.LogID, &entry.CreatedAt)
	if err != nil {
		return zmcerrors.WrapDatabaseError("append_audit", err)
	}
	return nil
}
