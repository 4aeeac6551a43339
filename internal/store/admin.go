package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// SyncFilter narrows ListSyncRecords.
type SyncFilter struct {
	States  []string
	AlarmID int64
	Limit   int
	Offset  int
}

// AuditFilter narrows ListAuditLog.
type AuditFilter struct {
	BatchID   string
	AlarmID   int64
	Operation string
	Limit     int
	Offset    int
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// listSyncQuery builds the filtered tracker listing, newest updates first.
func listSyncQuery(f SyncFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.States) > 0 {
		args = append(args, f.States)
		conds = append(conds, fmt.Sprintf("sync_status = ANY($%d)", len(args)))
	}
	if f.AlarmID > 0 {
		args = append(args, f.AlarmID)
		conds = append(conds, fmt.Sprintf("alarm_id = $%d", len(args)))
	}

	query := `
	SELECT
		sync_id, alarm_id, event_id,
		COALESCE(zmc_alarm_state, ''), sync_status,
		last_push_time, push_count,
		COALESCE(fingerprint, ''), COALESCE(silence_id, ''),
		error_count, COALESCE(last_error, ''),
		create_time, update_time
	FROM nm_alarm_sync_status`
	if len(conds) > 0 {
		query += "\n\tWHERE " + strings.Join(conds, " AND ")
	}

	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf("\n\tORDER BY update_time DESC\n\tLIMIT $%d", len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))
	return query, args
}

// listAuditQuery builds the filtered audit listing, newest entries first.
func listAuditQuery(f AuditFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.BatchID != "" {
		args = append(args, f.BatchID)
		conds = append(conds, fmt.Sprintf("batch_id = $%d", len(args)))
	}
	if f.AlarmID > 0 {
		args = append(args, f.AlarmID)
		conds = append(conds, fmt.Sprintf("alarm_id = $%d", len(args)))
	}
	if f.Operation != "" {
		args = append(args, f.Operation)
		conds = append(conds, fmt.Sprintf("operation = $%d", len(args)))
	}

	query := `
	SELECT
		log_id, COALESCE(batch_id, ''), alarm_id, event_id, operation,
		COALESCE(old_state, ''), COALESCE(new_state, ''),
		COALESCE(request, ''), COALESCE(response, ''),
		duration_ms, success, COALESCE(message, ''), create_time
	FROM nm_alarm_sync_log`
	if len(conds) > 0 {
		query += "\n\tWHERE " + strings.Join(conds, " AND ")
	}

	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf("\n\tORDER BY log_id DESC\n\tLIMIT $%d", len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))
	return query, args
}

// ListSyncRecords returns tracker rows matching the filter.
func (s *Store) ListSyncRecords(ctx context.Context, f SyncFilter) ([]models.SyncRecord, error) {
	defer observe("list_sync", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query, args := listSyncQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, zmcerrors.WrapDatabaseError("list_sync", err)
	}
	defer rows.Close()

	var records []models.SyncRecord
	for rows.Next() {
		var (
			r        models.SyncRecord
			upstream string
			status   string
			lastPush *time.Time
		)
		err := rows.Scan(
			&r.SyncID, &r.AlarmID, &r.EventID,
			&upstream, &status,
			&lastPush, &r.PushCount,
			&r.Fingerprint, &r.SilenceID,
			&r.ErrorCount, &r.LastError,
			&r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, zmcerrors.WrapDatabaseError("list_sync", err)
		}
		r.AlarmState = models.AlarmState(upstream)
		r.SyncState = models.SyncState(status)
		r.LastPushTime = derefTime(lastPush)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, zmcerrors.WrapDatabaseError("list_sync", err)
	}
	return records, nil
}

// ListAuditLog returns audit entries matching the filter.
func (s *Store) ListAuditLog(ctx context.Context, f AuditFilter) ([]models.AuditEntry, error) {
	defer observe("list_audit", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query, args := listAuditQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, zmcerrors.WrapDatabaseError("list_audit", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e         models.AuditEntry
			operation string
			oldState  string
			newState  string
		)
		err := rows.Scan(
			&e.LogID, &e.BatchID, &e.AlarmID, &e.EventID, &operation,
			&oldState, &newState,
			&e.Request, &e.Response,
			&e.DurationMS, &e.Success, &e.Message, &e.CreatedAt,
		)
		if err != nil {
			return nil, zmcerrors.WrapDatabaseError("list_audit", err)
		}
		e.Operation = models.Operation(operation)
		e.OldState = models.SyncState(oldState)
		e.NewState = models.SyncState(newState)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, zmcerrors.WrapDatabaseError("list_audit", err)
	}
	return entries, nil
}

// CountSyncStates returns the number of tracker rows per sync state.
func (s *Store) CountSyncStates(ctx context.Context) (map[string]int64, error) {
	defer observe("count_states", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
	SELECT sync_status, COUNT(*)
	FROM nm_alarm_sync_status
	GROUP BY sync_status`)
	if err != nil {
		return nil, zmcerrors.WrapDatabaseError("count_states", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, zmcerrors.WrapDatabaseError("count_states", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, zmcerrors.WrapDatabaseError("count_states", err)
	}
	return counts, nil
}

// Statistics aggregates tracker totals and the last 24 hours of audit
// outcomes for the statistics endpoint.
func (s *Store) Statistics(ctx context.Context) (*models.SyncStatistics, error) {
	defer observe("statistics", time.Now())

	states, err := s.CountSyncStates(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	stats := &models.SyncStatistics{
		States:      states,
		GeneratedAt: time.Now(),
	}
	err = s.pool.QueryRow(ctx, `
	SELECT COUNT(*), COALESCE(SUM(error_count), 0)
	FROM nm_alarm_sync_status`).Scan(&stats.TotalRecords, &stats.TotalErrors)
	if err != nil {
		return nil, zmcerrors.WrapDatabaseError("statistics", err)
	}

	rows, err := s.pool.Query(ctx, `
	SELECT
		operation,
		COUNT(*) FILTER (WHERE success),
		COUNT(*) FILTER (WHERE NOT success)
	FROM nm_alarm_sync_log
	WHERE create_time > now() - interval '24 hours'
	GROUP BY operation
	ORDER BY operation`)
	if err != nil {
		return nil, zmcerrors.WrapDatabaseError("statistics", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			op   string
			stat models.OperationStat
		)
		if err := rows.Scan(&op, &stat.Succeeded, &stat.Failed); err != nil {
			return nil, zmcerrors.WrapDatabaseError("statistics", err)
		}
		stat.Operation = models.Operation(op)
		stats.Operations24h = append(stats.Operations24h, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, zmcerrors.WrapDatabaseError("statistics", err)
	}
	return stats, nil
}

// DeleteSyncRecord removes the tracker row for one alarm. The next scan will
// treat the alarm as new again if it is still active upstream.
func (s *Store) DeleteSyncRecord(ctx context.Context, alarmID int64) error {
	defer observe("delete_sync", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM nm_alarm_sync_status WHERE alarm_id = $1`, alarmID)
	if err != nil {
		return zmcerrors.WrapDatabaseError("delete_sync", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alarm %d: %w", alarmID, zmcerrors.ErrNotFound)
	}
	return nil
}

// DeleteAuditBefore removes audit entries older than the cutoff and returns
// how many were deleted.
func (s *Store) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observe("cleanup_audit", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM nm_alarm_sync_log WHERE create_time < $1`, cutoff)
	if err != nil {
		return 0, zmcerrors.WrapDatabaseError("cleanup_audit", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteResolvedBefore removes resolved tracker rows untouched since the
// cutoff and returns how many were deleted.
func (s *Store) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observe("cleanup_resolved", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
	DELETE FROM nm_alarm_sync_status
	WHERE sync_status = 'RESOLVED' AND update_time < $1`, cutoff)
	if err != nil {
		return 0, zmcerrors.WrapDatabaseError("cleanup_resolved", err)
	}
	return tag.RowsAffected(), nil
}

// ConfigItem is one row of the database config table as served to operators.
// Encrypted values are masked; the effective value falls back to the default.
type ConfigItem struct {
	ConfigKey   string `json:"configKey"`
	ConfigValue string `json:"configValue"`
	ConfigGroup string `json:"configGroup"`
	Description string `json:"description,omitempty"`
}

// listConfigQuery builds the active config listing, optionally narrowed to
// one group. Group names are stored upper case.
func listConfigQuery(group string) (string, []any) {
	query := `
	SELECT
		config_key,
		CASE WHEN is_encrypted = 'Y' THEN '***'
		     ELSE COALESCE(NULLIF(config_value, ''), default_value, '')
		END,
		config_group,
		COALESCE(description, '')
	FROM nm_alarm_sync_config
	WHERE is_active`

	var args []any
	if group != "" {
		args = append(args, strings.ToUpper(group))
		query += fmt.Sprintf(" AND config_group = $%d", len(args))
	}
	query += "\n\tORDER BY config_group, config_key"
	return query, args
}

// ListSyncConfig returns the active rows of the database config table.
func (s *Store) ListSyncConfig(ctx context.Context, group string) ([]ConfigItem, error) {
	defer observe("list_config", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query, args := listConfigQuery(group)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, zmcerrors.WrapDatabaseError("list_config", err)
	}
	defer rows.Close()

	var items []ConfigItem
	for rows.Next() {
		var item ConfigItem
		if err := rows.Scan(&item.ConfigKey, &item.ConfigValue, &item.ConfigGroup, &item.Description); err != nil {
			return nil, zmcerrors.WrapDatabaseError("list_config", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, zmcerrors.WrapDatabaseError("list_config", err)
	}
	return items, nil
}

// UpdateSyncConfig sets one value in the database config table. Returns
// ErrNotFound when no active row carries the key.
func (s *Store) UpdateSyncConfig(ctx context.Context, key, value string) error {
	defer observe("update_config", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
	UPDATE nm_alarm_sync_config
	SET config_value = $2, update_time = now()
	WHERE config_key = $1 AND is_active`, key, value)
	if err != nil {
		return zmcerrors.WrapDatabaseError("update_config", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("config key %q: %w", key, zmcerrors.ErrNotFound)
	}
	return nil
}
