package models

import (
	"testing"
	"time"
)

func TestParseAlarmState(t *testing.T) {
	for _, raw := range []string{"U", "A", "M", "C"} {
		if _, err := ParseAlarmState(raw); err != nil {
			t.Errorf("ParseAlarmState(%q) returned error: %v", raw, err)
		}
	}
	for _, raw := range []string{"", "u", "X", "FIRING"} {
		if _, err := ParseAlarmState(raw); err == nil {
			t.Errorf("ParseAlarmState(%q) should fail", raw)
		}
	}
}

func TestAlarmStateCleared(t *testing.T) {
	if !AlarmStateReset.Cleared() || !AlarmStateConfirmed.Cleared() {
		t.Error("A and C must count as cleared")
	}
	if AlarmStateActive.Cleared() || AlarmStateMasked.Cleared() {
		t.Error("U and M must not count as cleared")
	}
}

func TestParseSyncState(t *testing.T) {
	for _, raw := range []string{"PENDING", "FIRING", "RESOLVED", "SILENCED", "ERROR"} {
		if _, err := ParseSyncState(raw); err != nil {
			t.Errorf("ParseSyncState(%q) returned error: %v", raw, err)
		}
	}
	if _, err := ParseSyncState("firing"); err == nil {
		t.Error("sync states are case sensitive")
	}
}

func TestSyncStateFiring(t *testing.T) {
	if !SyncStateFiring.Firing() || !SyncStatePending.Firing() {
		t.Error("FIRING and PENDING both count as live")
	}
	if SyncStateResolved.Firing() || SyncStateSilenced.Firing() {
		t.Error("RESOLVED and SILENCED are not live")
	}
}

func TestEffectiveLevel(t *testing.T) {
	tests := []struct {
		level, def, want string
	}{
		{"1", "2", "1"},
		{"", "2", "2"},
		{"", "", "3"},
	}
	for _, tt := range tests {
		a := AlarmRow{Level: tt.level, DefaultLevel: tt.def}
		if got := a.EffectiveLevel(); got != tt.want {
			t.Errorf("EffectiveLevel(level=%q default=%q) = %q, want %q", tt.level, tt.def, got, tt.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	a := AlarmRow{AlarmCode: "10086", AlarmName: "CPU busy"}
	if got := a.DisplayName(); got != "CPU busy" {
		t.Errorf("DisplayName = %q", got)
	}
	a.AlarmName = ""
	if got := a.DisplayName(); got != "ZMC_ALARM_10086" {
		t.Errorf("DisplayName fallback = %q", got)
	}
}

func TestInstance(t *testing.T) {
	tests := []struct {
		name string
		row  AlarmRow
		want string
	}{
		{"host and ip", AlarmRow{HostName: "db01", HostIP: "10.0.0.5"}, "db01@10.0.0.5"},
		{"ip only", AlarmRow{HostIP: "10.0.0.5"}, "10.0.0.5"},
		{"host only", AlarmRow{HostName: "db01"}, "db01"},
		{"device fallback", AlarmRow{DeviceID: "42"}, "device_42"},
	}
	for _, tt := range tests {
		if got := tt.row.Instance(); got != tt.want {
			t.Errorf("%s: Instance = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestStartsAt(t *testing.T) {
	event := time.Date(2025, 3, 1, 10, 0, 0, 0, time.Local)
	create := time.Date(2025, 3, 1, 10, 5, 0, 0, time.Local)

	a := AlarmRow{EventTime: event, CreateTime: create}
	if !a.StartsAt().Equal(event) {
		t.Error("event time wins when present")
	}
	a.EventTime = time.Time{}
	if !a.StartsAt().Equal(create) {
		t.Error("create time is the fallback")
	}
	a.CreateTime = time.Time{}
	if time.Since(a.StartsAt()) > time.Minute {
		t.Error("missing timestamps fall back to now")
	}
}

func TestResolvedAt(t *testing.T) {
	reset := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	clear := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	confirm := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)

	a := AlarmRow{State: AlarmStateReset, ResetTime: reset, ClearTime: clear, ConfirmTime: confirm}
	if !a.ResolvedAt().Equal(reset) {
		t.Error("reset time wins for auto-recovered alarms")
	}

	a.State = AlarmStateConfirmed
	if !a.ResolvedAt().Equal(clear) {
		t.Error("clear time wins when the state is not A")
	}

	a.ClearTime = time.Time{}
	if !a.ResolvedAt().Equal(confirm) {
		t.Error("confirm time is the next fallback")
	}

	a.ConfirmTime = time.Time{}
	if time.Since(a.ResolvedAt()) > time.Minute {
		t.Error("missing timestamps fall back to now")
	}
}

func TestNotificationResolved(t *testing.T) {
	n := Notification{StartsAt: time.Now()}
	if n.Resolved() {
		t.Error("zero endsAt means still firing")
	}
	n.EndsAt = time.Now()
	if !n.Resolved() {
		t.Error("set endsAt means resolved")
	}
}

func TestSuppressionRuleAlarmID(t *testing.T) {
	r := SuppressionRule{Matchers: []Matcher{
		{Name: "severity", Value: "critical"},
		{Name: "alarm_id", Value: "12345"},
	}}
	if got := r.AlarmID(); got != "12345" {
		t.Errorf("AlarmID = %q", got)
	}
	if got := (SuppressionRule{}).AlarmID(); got != "" {
		t.Errorf("AlarmID on empty rule = %q", got)
	}
}
