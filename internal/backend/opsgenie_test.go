package backend

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/config"
	"github.com/scaleflower/ng-zmc-alarm-exporter/internal/models"
)

func newOGClient(t *testing.T, handler http.HandlerFunc) *OpsGenieClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewOpsGenieClient(config.OpsGenieConfig{
		URL:             srv.URL,
		APIKey:          "genie-key-123",
		DefaultPriority: "P3",
		TimeoutSeconds:  5,
		RetryCount:      3,
		RetryIntervalMS: 1,
	}, "test")
}

func ogNotification() models.Notification {
	return models.Notification{
		Labels: map[string]string{
			"alertname":  "CPU High",
			"alarm_id":   "1000",
			"alarm_code": "1001",
			"severity":   "critical",
			"source":     "BSS_OSS_L1",
		},
		Annotations: map[string]string{
			"summary":     "CPU High",
			"description": "• Severity: CRITICAL (Urgent)",
		},
		StartsAt: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
}

func TestOpsGenieCreateAlert(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody []byte
	)
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	})

	res, err := client.Push(t.Context(), []models.Notification{ogNotification()})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, "/v2/alerts", gotPath)
	assert.Equal(t, "GenieKey genie-key-123", gotAuth)

	var alert ogAlert
	require.NoError(t, json.Unmarshal(gotBody, &alert))
	assert.Equal(t, "CPU High", alert.Message)
	assert.Equal(t, "zmc-1000", alert.Alias)
	assert.Equal(t, "P1", alert.Priority)
	assert.Equal(t, "zmc-alarm-exporter", alert.Source)
	assert.Equal(t, []string{"zmc", "alarm_code:1001", "BSS_OSS_L1", "critical"}, alert.Tags)
	assert.Equal(t, "CPU High", alert.Details["label_alertname"])
	assert.Equal(t, "1000", alert.Details["label_alarm_id"])
	assert.Equal(t, "CPU High", alert.Details["annotation_summary"])
	assert.Empty(t, alert.Responders)
}

func TestOpsGenieCreateAlertWithTeam(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	client := NewOpsGenieClient(config.OpsGenieConfig{
		URL:             srv.URL,
		APIKey:          "k",
		DefaultTeam:     "noc-team",
		DefaultPriority: "P3",
		TimeoutSeconds:  5,
		RetryCount:      1,
		RetryIntervalMS: 1,
	}, "test")

	_, err := client.Push(t.Context(), []models.Notification{ogNotification()})
	require.NoError(t, err)

	var alert ogAlert
	require.NoError(t, json.Unmarshal(gotBody, &alert))
	require.Len(t, alert.Responders, 1)
	assert.Equal(t, ogResponder{Type: "team", Name: "noc-team"}, alert.Responders[0])
}

func TestOpsGenieMessageTruncated(t *testing.T) {
	var gotBody []byte
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	})

	n := ogNotification()
	n.Labels["alertname"] = strings.Repeat("告", 200)

	_, err := client.Push(t.Context(), []models.Notification{n})
	require.NoError(t, err)

	var alert ogAlert
	require.NoError(t, json.Unmarshal(gotBody, &alert))
	assert.Equal(t, maxMessageRunes, len([]rune(alert.Message)))
}

func TestOpsGeniePriorityFallback(t *testing.T) {
	var gotBody []byte
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	})

	n := ogNotification()
	n.Labels["severity"] = "unheard-of"

	_, err := client.Push(t.Context(), []models.Notification{n})
	require.NoError(t, err)

	var alert ogAlert
	require.NoError(t, json.Unmarshal(gotBody, &alert))
	assert.Equal(t, "P3", alert.Priority)
}

func TestOpsGenieResolvedClosesByAlias(t *testing.T) {
	var gotPath, gotQuery string
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusAccepted)
	})

	n := ogNotification()
	n.EndsAt = n.StartsAt.Add(10 * time.Minute)

	_, err := client.Push(t.Context(), []models.Notification{n})
	require.NoError(t, err)
	assert.Equal(t, "/v2/alerts/zmc-1000/close", gotPath)
	assert.Equal(t, "identifierType=alias", gotQuery)
}

func TestOpsGenieCloseGoneIsSuccess(t *testing.T) {
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"alert does not exist"}`, http.StatusNotFound)
	})

	n := ogNotification()
	n.EndsAt = n.StartsAt.Add(time.Minute)

	_, err := client.Push(t.Context(), []models.Notification{n})
	assert.NoError(t, err, "closing an already-gone alert is success")
}

func TestOpsGeniePushJoinsErrors(t *testing.T) {
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		var alert ogAlert
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &alert)
		if alert.Alias == "zmc-1000" {
			http.Error(w, "rejected", http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	second := ogNotification()
	second.Labels["alarm_id"] = "2000"

	_, err := client.Push(t.Context(), []models.Notification{ogNotification(), second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestOpsGenieAcknowledgeAsSuppression(t *testing.T) {
	var gotPath string
	var gotBody []byte
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	})

	rule := models.SuppressionRule{
		Matchers: []models.Matcher{{Name: "alarm_id", Value: "1000"}},
		Comment:  "Silenced by ZMC at 2026-08-25 10:00:00. Operator: ops",
	}
	id, res, err := client.CreateSuppression(t.Context(), rule)
	require.NoError(t, err)
	assert.Equal(t, "zmc-1000", id)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, "/v2/alerts/zmc-1000/acknowledge", gotPath)

	var body map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, rule.Comment, body["note"])
	assert.Equal(t, "zmc-alarm-exporter", body["source"])
}

func TestOpsGenieSuppressionRequiresAlarmMatcher(t *testing.T) {
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, _, err := client.CreateSuppression(t.Context(), models.SuppressionRule{
		Matchers: []models.Matcher{{Name: "severity", Value: "critical"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alarm_id")
}

func TestOpsGenieDeleteSuppressionClosesAlias(t *testing.T) {
	var gotPath string
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	})

	_, err := client.DeleteSuppression(t.Context(), "zmc-1000")
	require.NoError(t, err)
	assert.Equal(t, "/v2/alerts/zmc-1000/close", gotPath)
}

func TestOpsGenieListSuppressionsEmpty(t *testing.T) {
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	rules, err := client.ListSuppressions(t.Context())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestOpsGenieListActive(t *testing.T) {
	var gotQuery string
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"data":[{
			"message": "CPU High",
			"alias": "zmc-1000",
			"details": {"label_severity": "critical", "annotation_summary": "CPU High"},
			"createdAt": "2026-08-25T10:00:00Z"
		}]}`))
	})

	active, err := client.ListActive(t.Context())
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "query=status%3Aopen")
	require.Len(t, active, 1)
	assert.Equal(t, "CPU High", active[0].Name())
	assert.Equal(t, "1000", active[0].AlarmID())
	assert.Equal(t, "critical", active[0].Severity())
	assert.Equal(t, "CPU High", active[0].Annotations["summary"])
}

func TestOpsGenieHealth(t *testing.T) {
	var gotPath string
	client := newOGClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.Health(t.Context()))
	assert.Equal(t, "/v2/account", gotPath)
}
