// Package backend delivers notifications to the configured notification
// backend. Two variants exist: an aggregator exposing the v2 alerts and
// silences API, and a direct incident service reached per alert.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/config"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
)

// Result captures the outcome of one backend call for the audit log. On
// transport failures the status code is zero.
type Result struct {
	StatusCode int
	Duration   time.Duration
	Body       string
}

// Client is the capability set both backend variants implement. Methods
// return the last HTTP result alongside the error so callers can audit
// failed calls too.
type Client interface {
	Name() string
	Push(ctx context.Context, notifications []models.Notification) (Result, error)
	CreateSuppression(ctx context.Context, rule models.SuppressionRule) (string, Result, error)
	DeleteSuppression(ctx context.Context, id string) (Result, error)
	ListSuppressions(ctx context.Context) ([]models.SuppressionRule, error)
	ListActive(ctx context.Context) ([]models.Notification, error)
	Health(ctx context.Context) error
	Close()
}

// New builds the client for the validated backend mode.
func New(cfg config.BackendConfig, version string) (Client, error) {
	switch cfg.Mode {
	case config.ModeAggregator:
		return NewAlertmanagerClient(cfg.Alertmanager, version), nil
	case config.ModeDirect:
		return NewOpsGenieClient(cfg.OpsGenie, version), nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Mode)
	}
}
