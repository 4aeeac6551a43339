package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/config"
	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
)

const (
	sourceName = "zmc-alarm-exporter"

	maxMessageRunes     = 130
	maxDescriptionRunes = 15000
	maxTags             = 20
)

// opsGeniePriorities maps notification severity to incident priority.
var opsGeniePriorities = map[string]string{
	"critical": "P1",
	"error":    "P2",
	"warning":  "P3",
	"info":     "P4",
}

// OpsGenieClient talks to the direct incident API, one alert per request.
// Alerts are keyed by the alias "zmc-<alarm_id>" so creates and closes for
// the same alarm converge on one incident.
type OpsGenieClient struct {
	http *httpClient
	cfg  config.OpsGenieConfig
}

// NewOpsGenieClient builds the direct client. A token-bucket limiter gates
// every attempt when a rate limit is configured.
func NewOpsGenieClient(cfg config.OpsGenieConfig, version string) *OpsGenieClient {
	hc := newHTTPClient("opsgenie", cfg.URL, cfg.Timeout(), cfg.RetryCount, cfg.RetryInterval(), version)
	hc.decorate = func(r *http.Request) {
		r.Header.Set("Authorization", "GenieKey "+cfg.APIKey)
	}
	if cfg.RateLimitRPS > 0 {
		hc.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}
	return &OpsGenieClient{http: hc, cfg: cfg}
}

// Name identifies the backend in logs and metrics.
func (c *OpsGenieClient) Name() string { return "opsgenie" }

type ogResponder struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type ogAlert struct {
	Message     string            `json:"message"`
	Alias       string            `json:"alias"`
	Description string            `json:"description,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Source      string            `json:"source"`
	Responders  []ogResponder     `json:"responders,omitempty"`
}

// Push sends one request per notification: create for firing, close-by-alias
// for resolved. Failures are joined so one bad alarm does not hide the rest.
func (c *OpsGenieClient) Push(ctx context.Context, notifications []models.Notification) (Result, error) {
	var (
		res  Result
		errs []error
	)
	for _, n := range notifications {
		var err error
		if n.Resolved() {
			res, err = c.closeAlert(ctx, c.alias(n.AlarmID()))
		} else {
			res, err = c.createAlert(ctx, n)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (c *OpsGenieClient) createAlert(ctx context.Context, n models.Notification) (Result, error) {
	payload := ogAlert{
		Message:     clip(n.Name(), maxMessageRunes),
		Alias:       c.alias(n.AlarmID()),
		Description: clip(n.Annotations["description"], maxDescriptionRunes),
		Details:     c.details(n),
		Tags:        c.tags(n),
		Priority:    c.priority(n.Severity()),
		Source:      sourceName,
	}
	if c.cfg.DefaultTeam != "" {
		payload.Responders = []ogResponder{{Type: "team", Name: c.cfg.DefaultTeam}}
	}
	return c.http.do(ctx, http.MethodPost, "alerts", "/v2/alerts", payload)
}

// closeAlert closes by alias. A 404 means the incident is already gone and
// counts as success.
func (c *OpsGenieClient) closeAlert(ctx context.Context, alias string) (Result, error) {
	path := "/v2/alerts/" + url.PathEscape(alias) + "/close?identifierType=alias"
	body := map[string]string{"source": sourceName}
	res, err := c.http.do(ctx, http.MethodPost, "alerts_close", path, body)
	if err != nil && res.StatusCode == http.StatusNotFound {
		log.Warn().Str("alias", alias).Msg("Alert already gone, treating close as success")
		return res, nil
	}
	return res, err
}

// CreateSuppression acknowledges the alert named by the rule's alarm_id
// matcher; the alias doubles as the suppression id. Acknowledgement mutes
// paging only: a later create on the same alias reopens the incident.
func (c *OpsGenieClient) CreateSuppression(ctx context.Context, rule models.SuppressionRule) (string, Result, error) {
	alarmID := rule.AlarmID()
	if alarmID == "" {
		return "", Result{}, zmcerrors.NewSyncError(zmcerrors.ErrorTypeValidation, "acknowledge", c.Name(),
			fmt.Errorf("suppression rule carries no alarm_id matcher"))
	}

	alias := c.alias(alarmID)
	path := "/v2/alerts/" + url.PathEscape(alias) + "/acknowledge?identifierType=alias"
	body := map[string]string{
		"source": sourceName,
		"note":   clip(rule.Comment, maxDescriptionRunes),
	}
	res, err := c.http.do(ctx, http.MethodPost, "alerts_acknowledge", path, body)
	if err != nil {
		return "", res, err
	}
	return alias, res, nil
}

// DeleteSuppression closes the acknowledged alert. A 404 counts as success.
func (c *OpsGenieClient) DeleteSuppression(ctx context.Context, id string) (Result, error) {
	return c.closeAlert(ctx, id)
}

// ListSuppressions returns nothing: the direct backend has no silence
// primitive to enumerate.
func (c *OpsGenieClient) ListSuppressions(ctx context.Context) ([]models.SuppressionRule, error) {
	return nil, nil
}

// ListActive returns the open incidents, mapped back to notifications.
func (c *OpsGenieClient) ListActive(ctx context.Context) ([]models.Notification, error) {
	res, err := c.http.do(ctx, http.MethodGet, "alerts", "/v2/alerts?query="+url.QueryEscape("status:open"), nil)
	if err != nil {
		return nil, err
	}

	var listResp struct {
		Data []struct {
			Message   string            `json:"message"`
			Alias     string            `json:"alias"`
			Details   map[string]string `json:"details"`
			CreatedAt time.Time         `json:"createdAt"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(res.Body), &listResp); err != nil {
		return nil, zmcerrors.NewSyncError(zmcerrors.ErrorTypeAPI, "list_alerts", c.Name(), err)
	}

	notifications := make([]models.Notification, 0, len(listResp.Data))
	for _, a := range listResp.Data {
		n := models.Notification{
			Labels:      map[string]string{"alertname": a.Message},
			Annotations: map[string]string{},
			StartsAt:    a.CreatedAt,
		}
		if id, ok := strings.CutPrefix(a.Alias, "zmc-"); ok {
			n.Labels["alarm_id"] = id
		}
		for k, v := range a.Details {
			if name, ok := strings.CutPrefix(k, "label_"); ok {
				n.Labels[name] = v
			} else if name, ok := strings.CutPrefix(k, "annotation_"); ok {
				n.Annotations[name] = v
			}
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// Health probes the account endpoint with a single attempt.
func (c *OpsGenieClient) Health(ctx context.Context) error {
	_, err := c.http.getOnce(ctx, "account", "/v2/account")
	return err
}

// Close releases idle connections.
func (c *OpsGenieClient) Close() {
	c.http.close()
}

func (c *OpsGenieClient) alias(alarmID string) string {
	return "zmc-" + alarmID
}

func (c *OpsGenieClient) priority(severity string) string {
	if p, ok := opsGeniePriorities[severity]; ok {
		return p
	}
	return c.cfg.DefaultPriority
}

// details flattens labels and annotations into the incident's key/value
// detail map.
func (c *OpsGenieClient) details(n models.Notification) map[string]string {
	details := make(map[string]string, len(n.Labels)+len(n.Annotations))
	for k, v := range n.Labels {
		details["label_"+k] = v
	}
	for k, v := range n.Annotations {
		details["annotation_"+k] = v
	}
	return details
}

func (c *OpsGenieClient) tags(n models.Notification) []string {
	tags := make([]string, 0, 4)
	tags = append(tags, "zmc")
	if code := n.Labels["alarm_code"]; code != "" {
		tags = append(tags, "alarm_code:"+code)
	}
	if src := n.Labels["source"]; src != "" {
		tags = append(tags, src)
	}
	if sev := n.Severity(); sev != "" {
		tags = append(tags, sev)
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}
	return s
}
