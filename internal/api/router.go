// Package api serves the HTTP surface of the exporter: health probes,
// Prometheus metrics, read-only sync inspection endpoints and the admin
// controls for the reconciliation engine.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/config"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/engine"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/store"
)

// SyncEngine is the engine surface the API drives.
type SyncEngine interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	Running() bool
	TriggerCycle(ctx context.Context) (*engine.CycleResult, error)
	Status() engine.Status
}

// Store is the persistence surface the API reads and prunes.
type Store interface {
	Ping(ctx context.Context) error
	ListSyncRecords(ctx context.Context, f store.SyncFilter) ([]models.SyncRecord, error)
	ListAuditLog(ctx context.Context, f store.AuditFilter) ([]models.AuditEntry, error)
	Statistics(ctx context.Context) (*models.SyncStatistics, error)
	DeleteSyncRecord(ctx context.Context, alarmID int64) error
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListSyncConfig(ctx context.Context, group string) ([]store.ConfigItem, error)
	UpdateSyncConfig(ctx context.Context, key, value string) error
}

// Backend is the slice of the notification client used by health checks and
// the backend status report.
type Backend interface {
	Name() string
	Health(ctx context.Context) error
	ListActive(ctx context.Context) ([]models.Notification, error)
	ListSuppressions(ctx context.Context) ([]models.SuppressionRule, error)
}

// Router wires the HTTP handlers to their dependencies.
type Router struct {
	mux     *mux.Router
	handler http.Handler
	engine  SyncEngine
	store   Store
	backend Backend
	cfg     *config.Config
	version string
}

// New builds the router and registers all routes.
func New(cfg *config.Config, st Store, be Backend, eng SyncEngine, version string) *Router {
	r := &Router{
		mux:     mux.NewRouter(),
		engine:  eng,
		store:   st,
		backend: be,
		cfg:     cfg,
		version: version,
	}
	r.routes()
	// Wrapping outside the mux keeps 404s and panics in the request log.
	r.handler = logRequests(r.mux)
	return r
}

func (r *Router) routes() {
	r.mux.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.mux.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	r.mux.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
	r.mux.HandleFunc("/health/live", r.handleLive).Methods(http.MethodGet)
	r.mux.HandleFunc("/health/ready", r.handleReady).Methods(http.MethodGet)
	r.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.mux.PathPrefix("/api/v1").Subrouter()
	api.NotFoundHandler = r.mux.NotFoundHandler
	api.MethodNotAllowedHandler = r.mux.MethodNotAllowedHandler

	api.HandleFunc("/sync/trigger", r.handleTriggerSync).Methods(http.MethodPost)
	api.HandleFunc("/sync/status", r.handleSyncStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync/alarms", r.handleListAlarms).Methods(http.MethodGet)
	api.HandleFunc("/sync/logs", r.handleListLogs).Methods(http.MethodGet)
	api.HandleFunc("/sync/statistics", r.handleStatistics).Methods(http.MethodGet)
	api.HandleFunc("/sync/alarm/{alarmID:[0-9]+}", r.handleDeleteAlarm).Methods(http.MethodDelete)

	api.HandleFunc("/admin/service/control", r.handleServiceControl).Methods(http.MethodPost)
	api.HandleFunc("/admin/cleanup/old-logs", r.handleCleanupLogs).Methods(http.MethodPost)
	api.HandleFunc("/admin/cleanup/resolved-alarms", r.handleCleanupResolved).Methods(http.MethodPost)
	api.HandleFunc("/admin/config", r.handleAdminConfig).Methods(http.MethodGet)
	api.HandleFunc("/admin/config/db", r.handleListDBConfig).Methods(http.MethodGet)
	api.HandleFunc("/admin/config/db/{configKey}", r.handleUpdateDBConfig).Methods(http.MethodPut)
	api.HandleFunc("/admin/backend/status", r.handleBackendStatus).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "route not found")
}

func handleMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
