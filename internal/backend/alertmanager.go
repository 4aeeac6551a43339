package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/config"
	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
)

// AlertmanagerClient pushes alert batches and manages silences through the
// aggregator's v2 API.
type AlertmanagerClient struct {
	http *httpClient
}

// NewAlertmanagerClient builds the aggregator client. Basic auth is applied
// when a username is configured.
func NewAlertmanagerClient(cfg config.AlertmanagerConfig, version string) *AlertmanagerClient {
	hc := newHTTPClient("alertmanager", cfg.URL, cfg.Timeout(), cfg.RetryCount, cfg.RetryInterval(), version)
	if cfg.Username != "" {
		hc.decorate = func(r *http.Request) {
			r.SetBasicAuth(cfg.Username, cfg.Password)
		}
	}
	return &AlertmanagerClient{http: hc}
}

// Name identifies the backend in logs and metrics.
func (c *AlertmanagerClient) Name() string { return "alertmanager" }

// amAlert is the v2 postable alert. endsAt is omitted while firing so the
// aggregator applies its own resolve timeout.
type amAlert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    string            `json:"startsAt"`
	EndsAt      string            `json:"endsAt,omitempty"`
}

// amSilence is the v2 postable silence.
type amSilence struct {
	Matchers  []models.Matcher `json:"matchers"`
	StartsAt  string           `json:"startsAt"`
	EndsAt    string           `json:"endsAt"`
	CreatedBy string           `json:"createdBy"`
	Comment   string           `json:"comment"`
}

// amGettableSilence is the v2 silence as listed.
type amGettableSilence struct {
	ID        string           `json:"id"`
	Matchers  []models.Matcher `json:"matchers"`
	StartsAt  time.Time        `json:"startsAt"`
	EndsAt    time.Time        `json:"endsAt"`
	CreatedBy string           `json:"createdBy"`
	Comment   string           `json:"comment"`
	Status    struct {
		State string `json:"state"`
	} `json:"status"`
}

// amGettableAlert is the v2 alert as listed.
type amGettableAlert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt"`
	Fingerprint string            `json:"fingerprint"`
}

// Push sends the whole batch in one POST. The aggregator deduplicates by
// label set, so re-pushing a firing alert refreshes it.
func (c *AlertmanagerClient) Push(ctx context.Context, notifications []models.Notification) (Result, error) {
	alerts := make([]amAlert, 0, len(notifications))
	for _, n := range notifications {
		a := amAlert{
			Labels:      n.Labels,
			Annotations: n.Annotations,
			StartsAt:    n.StartsAt.Format(time.RFC3339Nano),
		}
		if n.Resolved() {
			a.EndsAt = n.EndsAt.Format(time.RFC3339Nano)
		}
		alerts = append(alerts, a)
	}
	return c.http.do(ctx, http.MethodPost, "alerts", "/api/v2/alerts", alerts)
}

// CreateSuppression posts a silence and returns the assigned id.
func (c *AlertmanagerClient) CreateSuppression(ctx context.Context, rule models.SuppressionRule) (string, Result, error) {
	payload := amSilence{
		Matchers:  rule.Matchers,
		StartsAt:  rule.StartsAt.Format(time.RFC3339Nano),
		EndsAt:    rule.EndsAt.Format(time.RFC3339Nano),
		CreatedBy: rule.CreatedBy,
		Comment:   rule.Comment,
	}
	res, err := c.http.do(ctx, http.MethodPost, "silences", "/api/v2/silences", payload)
	if err != nil {
		return "", res, err
	}

	var created struct {
		SilenceID string `json:"silenceID"`
	}
	if err := json.Unmarshal([]byte(res.Body), &created); err != nil || created.SilenceID == "" {
		return "", res, zmcerrors.NewSyncError(zmcerrors.ErrorTypeAPI, "create_silence", c.Name(),
			fmt.Errorf("silence id missing in response: %q", snippet(res.Body)))
	}
	return created.SilenceID, res, nil
}

// DeleteSuppression removes a silence by id. A 404 means the silence is
// already gone and counts as success.
func (c *AlertmanagerClient) DeleteSuppression(ctx context.Context, id string) (Result, error) {
	res, err := c.http.do(ctx, http.MethodDelete, "silences", "/api/v2/silences/"+url.PathEscape(id), nil)
	if err != nil && res.StatusCode == http.StatusNotFound {
		log.Warn().Str("silence_id", id).Msg("Silence already gone, treating delete as success")
		return res, nil
	}
	return res, err
}

// ListSuppressions returns the silences the aggregator knows about.
func (c *AlertmanagerClient) ListSuppressions(ctx context.Context) ([]models.SuppressionRule, error) {
	res, err := c.http.do(ctx, http.MethodGet, "silences", "/api/v2/silences", nil)
	if err != nil {
		return nil, err
	}

	var silences []amGettableSilence
	if err := json.Unmarshal([]byte(res.Body), &silences); err != nil {
		return nil, zmcerrors.NewSyncError(zmcerrors.ErrorTypeAPI, "list_silences", c.Name(), err)
	}

	rules := make([]models.SuppressionRule, 0, len(silences))
	for _, s := range silences {
		rules = append(rules, models.SuppressionRule{
			ID:        s.ID,
			Matchers:  s.Matchers,
			StartsAt:  s.StartsAt,
			EndsAt:    s.EndsAt,
			CreatedBy: s.CreatedBy,
			Comment:   s.Comment,
		})
	}
	return rules, nil
}

// ListActive returns the currently active alerts.
func (c *AlertmanagerClient) ListActive(ctx context.Context) ([]models.Notification, error) {
	res, err := c.http.do(ctx, http.MethodGet, "alerts", "/api/v2/alerts?active=true", nil)
	if err != nil {
		return nil, err
	}

	var alerts []amGettableAlert
	if err := json.Unmarshal([]byte(res.Body), &alerts); err != nil {
		return nil, zmcerrors.NewSyncError(zmcerrors.ErrorTypeAPI, "list_alerts", c.Name(), err)
	}

	notifications := make([]models.Notification, 0, len(alerts))
	for _, a := range alerts {
		notifications = append(notifications, models.Notification{
			Labels:      a.Labels,
			Annotations: a.Annotations,
			StartsAt:    a.StartsAt,
		})
	}
	return notifications, nil
}

// Health probes the aggregator liveness endpoint with a single attempt.
func (c *AlertmanagerClient) Health(ctx context.Context) error {
	_, err := c.http.getOnce(ctx, "healthy", "/-/healthy")
	return err
}

// Close releases idle connections.
func (c *AlertmanagerClient) Close() {
	c.http.close()
}
