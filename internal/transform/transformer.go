// Package transform maps ZMC alarm rows onto backend notifications and
// suppression rules. Everything here is pure: no I/O, no clock beyond
// time.Now for open-ended defaults.
package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/config"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
)

// severityDescriptions renders the severity_level annotation suffix.
var severityDescriptions = map[string]string{
	"critical": "Urgent",
	"error":    "Important",
	"warning":  "Minor",
	"info":     "Notice",
}

// Transformer converts alarms using the configured mapping tables.
type Transformer struct {
	severity       map[string]string
	state          map[string]string
	staticLabels   map[string]string
	allowedLevels  map[string]bool
	severityFilter map[string]bool

	silenceDuration time.Duration
	commentTemplate string
	operator        string
}

// New builds a Transformer from the loaded configuration. The mapping
// tables are copied so later config reloads cannot race a running cycle.
func New(cfg *config.Config) *Transformer {
	t := &Transformer{
		severity:        make(map[string]string, len(cfg.Mapping.Severity)),
		state:           make(map[string]string, len(cfg.Mapping.State)),
		staticLabels:    make(map[string]string, len(cfg.Mapping.StaticLabels)),
		allowedLevels:   make(map[string]bool, len(cfg.Sync.AlarmLevels)),
		severityFilter:  make(map[string]bool, len(cfg.Sync.SeverityFilter)),
		silenceDuration: cfg.Silence.Duration(),
		commentTemplate: cfg.Silence.CommentTemplate,
		operator:        cfg.Silence.Operator,
	}
	for k, v := range cfg.Mapping.Severity {
		t.severity[k] = v
	}
	for k, v := range cfg.Mapping.State {
		t.state[k] = v
	}
	for k, v := range cfg.Mapping.StaticLabels {
		t.staticLabels[k] = v
	}
	for _, lvl := range cfg.Sync.AlarmLevels {
		t.allowedLevels[lvl] = true
	}
	for _, sev := range cfg.Sync.SeverityFilter {
		t.severityFilter[sev] = true
	}
	return t
}

// ShouldSync reports whether the alarm passes the level and severity
// filters. The reason is empty when the alarm passes.
func (t *Transformer) ShouldSync(a *models.AlarmRow) (bool, string) {
	if len(t.allowedLevels) > 0 && !t.allowedLevels[a.EffectiveLevel()] {
		return false, "level_filtered"
	}
	if len(t.severityFilter) > 0 && !t.severityFilter[t.Severity(a)] {
		return false, "severity_filtered"
	}
	return true, ""
}

// Severity maps the alarm's level digit to a notification severity.
func (t *Transformer) Severity(a *models.AlarmRow) string {
	if sev, ok := t.severity[a.EffectiveLevel()]; ok {
		return sev
	}
	// Unknown digits get the level-3 mapping, like an unset level would.
	if sev, ok := t.severity["3"]; ok {
		return sev
	}
	return "warning"
}

// TargetState maps an upstream alarm state to the tracker state it should
// land in. Active alarms always fire; only cleared states are remappable.
func (t *Transformer) TargetState(s models.AlarmState) models.SyncState {
	if s == models.AlarmStateActive {
		return models.SyncStateFiring
	}
	if target, ok := t.state[string(s)]; ok {
		return models.SyncState(target)
	}
	return models.SyncStateFiring
}

// ToNotification renders the alarm as a backend notification. For resolved
// notifications the end timestamp is derived from the upstream clear
// timestamps and the window is forced to be non-empty.
func (t *Transformer) ToNotification(a *models.AlarmRow, resolved bool) models.Notification {
	n := models.Notification{
		Labels:      t.buildLabels(a),
		Annotations: t.buildAnnotations(a),
		StartsAt:    a.StartsAt(),
	}
	if resolved {
		n.EndsAt = a.ResolvedAt()
		if !n.StartsAt.Before(n.EndsAt) {
			n.StartsAt = n.EndsAt.Add(-time.Second)
		}
	}
	return n
}

// NewSuppression builds the suppression rule for a masked alarm. Times are
// UTC and the window defaults to the configured duration.
func (t *Transformer) NewSuppression(a *models.AlarmRow) models.SuppressionRule {
	startsAt := time.Now().UTC()
	endsAt := startsAt.Add(t.silenceDuration)

	comment := strings.NewReplacer(
		"{time}", startsAt.Format("2006-01-02 15:04:05"),
		"{operator}", t.operator,
		"{alarm_code}", a.AlarmCode,
		"{event_id}", strconv.FormatInt(a.EventID, 10),
		"{alarm_id}", strconv.FormatInt(a.AlarmID, 10),
	).Replace(t.commentTemplate)

	return models.SuppressionRule{
		Matchers: []models.Matcher{
			{Name: "alarm_id", Value: strconv.FormatInt(a.AlarmID, 10)},
		},
		StartsAt:  startsAt,
		EndsAt:    endsAt,
		CreatedBy: t.operator,
		Comment:   comment,
	}
}

func (t *Transformer) buildLabels(a *models.AlarmRow) map[string]string {
	labels := map[string]string{
		"alertname": sanitizeLabelValue(a.DisplayName()),
		"instance":  sanitizeLabelValue(a.Instance()),
		"severity":  t.Severity(a),

		"alarm_id":   strconv.FormatInt(a.AlarmID, 10),
		"event_id":   strconv.FormatInt(a.EventID, 10),
		"alarm_code": a.AlarmCode,

		"resource_type": sanitizeLabelValue(resourceTypeOrUnknown(a.ResourceType)),
	}

	// Host only carries information when it differs from the address.
	if a.HostName != "" && a.HostName != a.HostIP {
		labels["host"] = sanitizeLabelValue(a.HostName)
	}
	if a.AppName != "" {
		labels["application"] = sanitizeLabelValue(a.AppName)
	}
	if a.BusinessDomain != "" {
		labels["domain"] = sanitizeLabelValue(a.BusinessDomain)
	}
	if a.Environment != "" {
		labels["env"] = sanitizeLabelValue(strings.ToLower(a.Environment))
	}
	if a.TaskType != "" {
		labels["task_type"] = sanitizeLabelValue(a.TaskType)
	}

	// Static labels win over anything alarm-derived.
	for k, v := range t.staticLabels {
		labels[k] = v
	}

	return labels
}

func (t *Transformer) buildAnnotations(a *models.AlarmRow) map[string]string {
	annotations := map[string]string{}

	summary := a.AlarmName
	if summary == "" {
		summary = "ZMC Alert " + a.AlarmCode
	}
	annotations["summary"] = summary

	severityLevel := t.severityLevel(a)
	annotations["severity_level"] = severityLevel
	annotations["description"] = t.buildDescription(a, severityLevel)

	if a.FaultReason != "" {
		annotations["fault_reason"] = a.FaultReason
	}
	if a.Suggestion != "" {
		annotations["runbook"] = a.Suggestion
	}
	if a.AlarmTypeName != "" {
		annotations["alarm_type"] = a.AlarmTypeName
	}
	for i, v := range a.Data {
		if v != "" {
			annotations[fmt.Sprintf("data_%d", i+1)] = v
		}
	}

	return annotations
}

// severityLevel renders "CRITICAL (Urgent)" style strings.
func (t *Transformer) severityLevel(a *models.AlarmRow) string {
	severity := t.Severity(a)
	desc, ok := severityDescriptions[severity]
	if !ok {
		desc = "Unknown"
	}
	return strings.ToUpper(severity) + " (" + desc + ")"
}

// buildDescription assembles the bulleted block. Lines are separated with
// two spaces plus newline so Markdown renderers keep the line breaks.
func (t *Transformer) buildDescription(a *models.AlarmRow, severityLevel string) string {
	lines := []string{"Severity: " + severityLevel}

	if a.DetailInfo != "" {
		lines = append(lines, a.DetailInfo)
	}
	if a.HostName != "" {
		lines = append(lines, "Host: "+a.HostName)
	}
	if a.HostIP != "" {
		lines = append(lines, "IP: "+a.HostIP)
	}
	if a.AppName != "" {
		lines = append(lines, "Application: "+a.AppName)
	}
	if a.BusinessDomain != "" {
		lines = append(lines, "Domain: "+a.BusinessDomain)
	}
	if a.FaultReason != "" {
		lines = append(lines, "Fault Reason: "+a.FaultReason)
	}
	if a.Suggestion != "" {
		lines = append(lines, "Suggestion: "+a.Suggestion)
	}

	return "• " + strings.Join(lines, "  \n• ")
}

func resourceTypeOrUnknown(resourceType string) string {
	if resourceType == "" {
		return "UNKNOWN"
	}
	return resourceType
}

// sanitizeLabelValue keeps label values single-line, quote-safe and short.
func sanitizeLabelValue(value string) string {
	if value == "" {
		return "unknown"
	}
	sanitized := strings.NewReplacer("\n", " ", "\r", " ", `"`, "'").Replace(value)
	// Length limit counts runes, alarm text is frequently multi-byte.
	if runes := []rune(sanitized); len(runes) > 256 {
		sanitized = string(runes[:253]) + "..."
	}
	return sanitized
}
