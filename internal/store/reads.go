package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
)

// alarmFields is the shared projection of one joined alarm: the event row
// plus code-library, app, device and domain metadata. Every query that
// returns alarm detail selects the upstream state first, then this fragment,
// then the three lifecycle dates, so the scan helpers can be reused.
const alarmFields = `
	e.alarm_inst_id,
	e.event_inst_id,
	e.alarm_code::text,
	COALESCE(e.alarm_level, ''),
	COALESCE(e.task_type, ''),
	COALESCE(e.res_inst_type, ''),
	COALESCE(e.res_inst_id::text, ''),
	COALESCE(e.app_env_id::text, ''),
	COALESCE(e.detail_info, ''),
	COALESCE(e.data_1, ''), COALESCE(e.data_2, ''), COALESCE(e.data_3, ''),
	COALESCE(e.data_4, ''), COALESCE(e.data_5, ''), COALESCE(e.data_6, ''),
	COALESCE(e.data_7, ''), COALESCE(e.data_8, ''), COALESCE(e.data_9, ''),
	COALESCE(e.data_10, ''),
	COALESCE(acl.alarm_name, ''),
	COALESCE(acl.alarm_type_name, ''),
	COALESCE(acl.default_level, ''),
	COALESCE(acl.fault_reason, ''),
	COALESCE(acl.deal_suggest, ''),
	COALESCE(ae.device_id::text, ''),
	COALESCE(d.device_name, ''),
	COALESCE(d.ip_addr, ''),
	COALESCE(ae.app_name, ''),
	COALESCE(sd.domain_name, ''),
	CASE sd.domain_type WHEN 'A' THEN 'Production' WHEN 'T' THEN 'Test' WHEN 'D' THEN 'DR' ELSE 'Unknown' END,
	e.event_time,
	e.create_date`

// metaJoins attaches the descriptive tables to an event row aliased e.
const metaJoins = `
	LEFT JOIN nm_alarm_code_lib acl ON e.alarm_code = acl.alarm_code
	LEFT JOIN app_env ae ON e.app_env_id = ae.app_env_id
	LEFT JOIN device d ON ae.device_id = d.device_id
	LEFT JOIN sys_domain sd ON ae.sys_domain_id = sd.domain_id`

// syncFields is the projection of one tracker row aliased s.
const syncFields = `
	s.sync_id,
	s.alarm_id,
	s.event_id,
	COALESCE(s.zmc_alarm_state, ''),
	s.sync_status,
	s.last_push_time,
	s.push_count,
	COALESCE(s.fingerprint, ''),
	COALESCE(s.silence_id, ''),
	s.error_count,
	COALESCE(s.last_error, ''),
	s.create_time,
	s.update_time`

// trackedFrom joins a tracker row back to its event, the alarm summary and
// the descriptive metadata. The summary table is keyed by code, app env and
// resource instance.
const trackedFrom = `
	FROM nm_alarm_sync_status s
	JOIN nm_alarm_event e ON s.event_id = e.event_inst_id
	LEFT JOIN nm_alarm_cdr c ON e.alarm_code = c.alarm_code
		AND e.app_env_id = c.app_env_id
		AND e.res_inst_id = c.res_inst_id` + metaJoins

// FetchNewActive returns active alarms that have no tracker row yet, oldest
// first. Severity is prefiltered in SQL with the same fallback chain the
// transformer applies: event level, then code-library default, then "3".
func (s *Store) FetchNewActive(ctx context.Context, historyHours int, levels []string, limit int) ([]models.AlarmRow, error) {
	defer observe("fetch_new_active", time.Now())
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `
	SELECT
		'U',` + alarmFields + `,
		NULL::timestamptz, NULL::timestamptz, NULL::timestamptz
	FROM nm_alarm_event e` + metaJoins + `
	WHERE e.reset_flag = '1'
	  AND e.alarm_inst_id IS NOT NULL
	  AND NOT EXISTS (
		SELECT 1 FROM nm_alarm_sync_status s WHERE s.alarm_id = e.alarm_inst_id
	  )
	  AND e.create_date > now() - make_interval(hours => $1)
	  AND COALESCE(NULLIF(e.alarm_level, ''), NULLIF(acl.default_level, ''), '3') = ANY($2)
	ORDER BY e.create_date ASC
	LIMIT $3`

	rows, err := s.pool.Query(ctx, query, historyHours, levels, limit)
	if err != nil {
		return nil, zmcerrors.WrapDatabaseError("fetch_new_active", err)
	}
	defer rows.Close()

	var alarms []models.AlarmRow
	for rows.Next() {
		var a models.AlarmRow
		if err := scanAlarm(rows, &a); err != nil {
			return nil, zmcerrors.WrapDatabaseError("fetch_new_active", err)
		}
		alarms = append(alarms, a)
	}
	if err := rows.Err(); err != nil {
		return nil, zmcerrors.WrapDatabaseError("fetch_new_active", err)
	}
	return alarms, nil
}

// FetchRefired returns resolved alarms whose upstream state has gone back to
// active, meaning the same alarm fired again after recovery.
func (s *Store) FetchRefired(ctx context.Context, limit int) ([]models.TrackedAlarm, error) {
	defer observe("fetch_refired", time.Now())
	query := `
	SELECT` + syncFields + `,
		COALESCE(c.alarm_state, 'U'),` + alarmFields + `,
		c.reset_date, c.clear_date, c.confirm_date` + trackedFrom + `
	WHERE s.sync_status = 'RESOLVED'
	  AND c.alarm_state = 'U'
	ORDER BY s.sync_id
	LIMIT $1`
	return s.fetchTracked(ctx, "fetch_refired", query, limit)
}

// FetchStatusChanged returns live alarms whose upstream state no longer
// matches the state recorded at the last sync.
func (s *Store) FetchStatusChanged(ctx context.Context, limit int) ([]models.TrackedAlarm, error) {
	defer observe("fetch_status_changed", time.Now())
	query := `
	SELECT` + syncFields + `,
		COALESCE(c.alarm_state, 'U'),` + alarmFields + `,
		c.reset_date, c.clear_date, c.confirm_date` + trackedFrom + `
	WHERE s.sync_status IN ('FIRING', 'PENDING')
	  AND c.alarm_state IS NOT NULL
	  AND c.alarm_state <> COALESCE(s.zmc_alarm_state, 'U')
	ORDER BY s.sync_id
	LIMIT $1`
	return s.fetchTracked(ctx, "fetch_status_changed", query, limit)
}

// FetchHeartbeatDue returns firing alarms that are still active upstream and
// have not been re-pushed within the heartbeat interval.
func (s *Store) FetchHeartbeatDue(ctx context.Context, interval time.Duration, limit int) ([]models.TrackedAlarm, error) {
	defer observe("fetch_heartbeat_due", time.Now())
	query := `
	SELECT` + syncFields + `,
		COALESCE(c.alarm_state, 'U'),` + alarmFields + `,
		c.reset_date, c.clear_date, c.confirm_date` + trackedFrom + `
	WHERE s.sync_status = 'FIRING'
	  AND COALESCE(c.alarm_state, 'U') = 'U'
	  AND (s.last_push_time IS NULL OR s.last_push_time < now() - make_interval(secs => $1))
	ORDER BY s.sync_id
	LIMIT $2`
	return s.fetchTracked(ctx, "fetch_heartbeat_due", query, interval.Seconds(), limit)
}

// FetchSilencesToClear returns silenced alarms whose upstream alarm has been
// reset or confirmed, so their silences can be removed.
func (s *Store) FetchSilencesToClear(ctx context.Context, limit int) ([]models.TrackedAlarm, error) {
	defer observe("fetch_silences_to_clear", time.Now())
	query := `
	SELECT` + syncFields + `,
		COALESCE(c.alarm_state, 'U'),` + alarmFields + `,
		c.reset_date, c.clear_date, c.confirm_date` + trackedFrom + `
	WHERE s.sync_status = 'SILENCED'
	  AND COALESCE(s.silence_id, '') <> ''
	  AND c.alarm_state IN ('A', 'C')
	ORDER BY s.sync_id
	LIMIT $1`
	return s.fetchTracked(ctx, "fetch_silences_to_clear", query, limit)
}

func (s *Store) fetchTracked(ctx context.Context, queryType, query string, args ...any) ([]models.TrackedAlarm, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, zmcerrors.WrapDatabaseError(queryType, err)
	}
	defer rows.Close()

	var tracked []models.TrackedAlarm
	for rows.Next() {
		var t models.TrackedAlarm
		if err := scanTracked(rows, &t); err != nil {
			return nil, zmcerrors.WrapDatabaseError(queryType, err)
		}
		tracked = append(tracked, t)
	}
	if err := rows.Err(); err != nil {
		return nil, zmcerrors.WrapDatabaseError(queryType, err)
	}
	return tracked, nil
}

// alarmDests lists the scan targets for one alarm projection, in the order
// the SQL fragments emit them.
func alarmDests(a *models.AlarmRow, state *string, eventTime, createDate, resetDate, clearDate, confirmDate **time.Time) []any {
	return []any{
		state,
		&a.AlarmID, &a.EventID, &a.AlarmCode, &a.Level,
		&a.TaskType, &a.ResourceType, &a.ResInstID, &a.AppEnvID, &a.DetailInfo,
		&a.Data[0], &a.Data[1], &a.Data[2], &a.Data[3], &a.Data[4],
		&a.Data[5], &a.Data[6], &a.Data[7], &a.Data[8], &a.Data[9],
		&a.AlarmName, &a.AlarmTypeName, &a.DefaultLevel, &a.FaultReason, &a.Suggestion,
		&a.DeviceID, &a.HostName, &a.HostIP, &a.AppName, &a.BusinessDomain, &a.Environment,
		eventTime, createDate, resetDate, clearDate, confirmDate,
	}
}

func scanAlarm(rows pgx.Rows, a *models.AlarmRow) error {
	var state string
	var eventTime, createDate, resetDate, clearDate, confirmDate *time.Time

	if err := rows.Scan(alarmDests(a, &state, &eventTime, &createDate, &resetDate, &clearDate, &confirmDate)...); err != nil {
		return err
	}

	a.State = models.AlarmState(state)
	a.EventTime = derefTime(eventTime)
	a.CreateTime = derefTime(createDate)
	a.ResetTime = derefTime(resetDate)
	a.ClearTime = derefTime(clearDate)
	a.ConfirmTime = derefTime(confirmDate)
	return nil
}

func scanTracked(rows pgx.Rows, t *models.TrackedAlarm) error {
	var upstream, status, state string
	var lastPush, eventTime, createDate, resetDate, clearDate, confirmDate *time.Time

	dests := []any{
		&t.Sync.SyncID, &t.Sync.AlarmID, &t.Sync.EventID,
		&upstream, &status, &lastPush, &t.Sync.PushCount,
		&t.Sync.Fingerprint, &t.Sync.SilenceID,
		&t.Sync.ErrorCount, &t.Sync.LastError,
		&t.Sync.CreatedAt, &t.Sync.UpdatedAt,
	}
	dests = append(dests, alarmDests(&t.Alarm, &state, &eventTime, &createDate, &resetDate, &clearDate, &confirmDate)...)

	if err := rows.Scan(dests...); err != nil {
		return err
	}

	t.Sync.AlarmState = models.AlarmState(upstream)
	t.Sync.SyncState = models.SyncState(status)
	t.Sync.LastPushTime = derefTime(lastPush)
	t.Alarm.State = models.AlarmState(state)
	t.Alarm.EventTime = derefTime(eventTime)
	t.Alarm.CreateTime = derefTime(createDate)
	t.Alarm.ResetTime = derefTime(resetDate)
	t.Alarm.ClearTime = derefTime(clearDate)
	t.Alarm.ConfirmTime = derefTime(confirmDate)
	return nil
}
