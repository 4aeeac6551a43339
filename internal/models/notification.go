package models

import "time"

// Notification is the backend-neutral alert payload: label identity,
// annotation detail, and the firing window.
type Notification struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt,omitzero"`
}

// Resolved reports whether the notification closes the alert.
func (n Notification) Resolved() bool {
	return !n.EndsAt.IsZero()
}

// Name returns the alertname label.
func (n Notification) Name() string {
	return n.Labels["alertname"]
}

// AlarmID returns the alarm identity label.
func (n Notification) AlarmID() string {
	return n.Labels["alarm_id"]
}

// Severity returns the severity label.
func (n Notification) Severity() string {
	return n.Labels["severity"]
}

// Matcher selects alerts for a suppression rule.
type Matcher struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	IsRegex bool   `json:"isRegex"`
}

// SuppressionRule mutes matching alerts in the backend for a time window.
type SuppressionRule struct {
	ID        string    `json:"id,omitempty"`
	Matchers  []Matcher `json:"matchers"`
	StartsAt  time.Time `json:"startsAt"`
	EndsAt    time.Time `json:"endsAt"`
	CreatedBy string    `json:"createdBy"`
	Comment   string    `json:"comment"`
}

// AlarmID returns the alarm identity the rule matches on, or "" when the
// rule carries no alarm_id matcher.
func (r SuppressionRule) AlarmID() string {
	for _, m := range r.Matchers {
		if m.Name == "alarm_id" {
			return m.Value
		}
	}
	return ""
}
