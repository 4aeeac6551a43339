package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/engine"
	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/store"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

type componentHealth struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

type healthReport struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Components map[string]componentHealth `json:"components"`
}

// handleHealth reports the composite service health. The response is 503
// only when a component is unhealthy: an unreachable notification backend
// degrades the service but pushes recover on the next cycle, while a dead
// database or a stopped sync loop means alarms are silently piling up.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	components := make(map[string]componentHealth, 3)

	db := componentHealth{Status: statusHealthy}
	dbStart := time.Now()
	if err := r.store.Ping(ctx); err != nil {
		db.Status = statusUnhealthy
		db.Message = err.Error()
	}
	db.LatencyMS = time.Since(dbStart).Milliseconds()
	components["database"] = db

	be := componentHealth{Status: statusHealthy}
	beStart := time.Now()
	if err := r.backend.Health(ctx); err != nil {
		be.Status = statusDegraded
		be.Message = fmt.Sprintf("%s unreachable: %v", r.backend.Name(), err)
	}
	be.LatencyMS = time.Since(beStart).Milliseconds()
	components["backend"] = be

	svc := componentHealth{Status: statusHealthy}
	switch {
	case r.engine.Running():
	case r.cfg.Sync.Enabled:
		svc.Status = statusUnhealthy
		svc.Message = "sync loop stopped while sync is enabled"
	default:
		svc.Status = statusDegraded
		svc.Message = "sync disabled by configuration"
	}
	components["sync_service"] = svc

	overall := statusHealthy
	for _, c := range components {
		switch {
		case c.Status == statusUnhealthy:
			overall = statusUnhealthy
		case c.Status == statusDegraded && overall == statusHealthy:
			overall = statusDegraded
		}
	}

	code := http.StatusOK
	if overall == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthReport{
		Status:     overall,
		Timestamp:  time.Now().UTC(),
		Version:    r.version,
		Components: components,
	})
}

func (r *Router) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Ping(req.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleTriggerSync runs one cycle inline and returns its result. A cycle
// already in flight is a conflict, not an error.
func (r *Router) handleTriggerSync(w http.ResponseWriter, req *http.Request) {
	res, err := r.engine.TriggerCycle(req.Context())
	switch {
	case errors.Is(err, engine.ErrCycleInProgress):
		writeError(w, http.StatusConflict, "sync cycle already in progress")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, sanitizeError(err, "sync cycle failed"))
		return
	}
	log.Info().Str("batch_id", res.BatchID).Msg("Sync cycle triggered via API")
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.engine.Status())
}

func (r *Router) handleListAlarms(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	limit, err := intParam(q, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(q, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alarmID, err := int64Param(q, "alarm_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := r.store.ListSyncRecords(req.Context(), store.SyncFilter{
		States:  q["status"],
		AlarmID: alarmID,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, sanitizeError(err, "listing sync records failed"))
		return
	}
	if records == nil {
		records = []models.SyncRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(records), "alarms": records})
}

func (r *Router) handleListLogs(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	limit, err := intParam(q, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(q, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alarmID, err := int64Param(q, "alarm_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := r.store.ListAuditLog(req.Context(), store.AuditFilter{
		BatchID:   q.Get("batch_id"),
		AlarmID:   alarmID,
		Operation: q.Get("operation"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, sanitizeError(err, "listing audit log failed"))
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "logs": entries})
}

func (r *Router) handleStatistics(w http.ResponseWriter, req *http.Request) {
	stats, err := r.store.Statistics(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, sanitizeError(err, "building statistics failed"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDeleteAlarm drops an alarm from the tracker so the next cycle
// treats it as brand new.
func (r *Router) handleDeleteAlarm(w http.ResponseWriter, req *http.Request) {
	alarmID, err := strconv.ParseInt(mux.Vars(req)["alarmID"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alarm id")
		return
	}
	if err := r.store.DeleteSyncRecord(req.Context(), alarmID); err != nil {
		if errors.Is(err, zmcerrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("alarm %d is not tracked", alarmID))
			return
		}
		writeError(w, http.StatusInternalServerError, sanitizeError(err, "deleting sync record failed"))
		return
	}
	log.Info().Int64("alarm_id", alarmID).Msg("Sync record deleted via API")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "alarmId": alarmID})
}

type controlRequest struct {
	Action string `json:"action"`
}

type controlResponse struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

// handleServiceControl starts, stops or restarts the sync loop without a
// process restart. Start/stop of a loop already in that state reports
// success=false rather than an error.
func (r *Router) handleServiceControl(w http.ResponseWriter, req *http.Request) {
	var body controlRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The loop outlives this request.
	ctx := context.WithoutCancel(req.Context())
	resp := controlResponse{Success: true, Action: body.Action}
	var err error
	switch body.Action {
	case "start":
		resp.Message = "sync service started"
		if err = r.engine.Start(ctx); errors.Is(err, engine.ErrAlreadyRunning) {
			resp.Success, resp.Message, err = false, "sync service is already running", nil
		}
	case "stop":
		resp.Message = "sync service stopped"
		if err = r.engine.Stop(); errors.Is(err, engine.ErrNotRunning) {
			resp.Success, resp.Message, err = false, "sync service is not running", nil
		}
	case "restart":
		resp.Message = "sync service restarted"
		err = r.engine.Restart(ctx)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, sanitizeError(err, "service control failed"))
		return
	}
	log.Info().Str("action", body.Action).Bool("success", resp.Success).Msg("Service control request handled")
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleCleanupLogs(w http.ResponseWriter, req *http.Request) {
	days, err := intParam(req.URL.Query(), "days", 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if days < 1 {
		writeError(w, http.StatusBadRequest, "days must be at least 1")
		return
	}
	deleted, err := r.store.DeleteAuditBefore(req.Context(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		writeError(w, http.StatusInternalServerError, sanitizeError(err, "audit log cleanup failed"))
		return
	}
	log.Info().Int("days", days).Int64("deleted", deleted).Msg("Audit log cleanup completed")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "cutoffDays": days})
}

func (r *Router) handleCleanupResolved(w http.ResponseWriter, req *http.Request) {
	days, err := intParam(req.URL.Query(), "days", 7)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if days < 1 {
		writeError(w, http.StatusBadRequest, "days must be at least 1")
		return
	}
	deleted, err := r.store.DeleteResolvedBefore(req.Context(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		writeError(w, http.StatusInternalServerError, sanitizeError(err, "resolved record cleanup failed"))
		return
	}
	log.Info().Int("days", days).Int64("deleted", deleted).Msg("Resolved record cleanup completed")
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "cutoffDays": days})
}

func (r *Router) handleAdminConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.cfg.Sanitized())
}

// handleListDBConfig serves the database config table. Unlike /admin/config
// this shows what operators stored, not what the process loaded.
func (r *Router) handleListDBConfig(w http.ResponseWriter, req *http.Request) {
	items, err := r.store.ListSyncConfig(req.Context(), req.URL.Query().Get("group"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, sanitizeError(err, "listing config failed"))
		return
	}
	if items == nil {
		items = []store.ConfigItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

type configUpdateRequest struct {
	ConfigValue string `json:"configValue"`
}

// handleUpdateDBConfig writes one value into the database config table. The
// running process keeps its loaded configuration until restarted.
func (r *Router) handleUpdateDBConfig(w http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["configKey"]

	var body configUpdateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ConfigValue == "" {
		writeError(w, http.StatusBadRequest, "configValue is required")
		return
	}

	if err := r.store.UpdateSyncConfig(req.Context(), key, body.ConfigValue); err != nil {
		if errors.Is(err, zmcerrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("config key %q is not defined", key))
			return
		}
		writeError(w, http.StatusInternalServerError, sanitizeError(err, "config update failed"))
		return
	}
	log.Info().Str("config_key", key).Msg("Config value updated via API")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"configKey":   key,
		"configValue": body.ConfigValue,
		"message":     "configuration updated, the running service applies it after a restart",
	})
}

type backendStatus struct {
	Backend             string `json:"backend"`
	Healthy             bool   `json:"healthy"`
	ActiveNotifications int    `json:"activeNotifications"`
	ActiveSuppressions  int    `json:"activeSuppressions"`
	Message             string `json:"message,omitempty"`
}

// handleBackendStatus reports what the notification backend currently holds.
// An unreachable backend is reported, not an error: the point of the
// endpoint is to see the backend's state from the exporter's side.
func (r *Router) handleBackendStatus(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	status := backendStatus{Backend: r.backend.Name(), Healthy: true}

	if err := r.backend.Health(ctx); err != nil {
		status.Healthy = false
		status.Message = fmt.Sprintf("%s unreachable: %v", r.backend.Name(), err)
		writeJSON(w, http.StatusOK, status)
		return
	}

	if active, err := r.backend.ListActive(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to list active notifications")
		status.Message = "listing active notifications failed"
	} else {
		status.ActiveNotifications = len(active)
	}
	if suppressions, err := r.backend.ListSuppressions(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to list suppressions")
		status.Message = "listing suppressions failed"
	} else {
		status.ActiveSuppressions = len(suppressions)
	}
	writeJSON(w, http.StatusOK, status)
}

func intParam(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func int64Param(q url.Values, name string) (int64, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
