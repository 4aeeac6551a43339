package models

import (
	"fmt"
	"time"
)

// AlarmState is the lifecycle marker the ZMC summary table keeps per alarm.
type AlarmState string

const (
	AlarmStateActive    AlarmState = "U" // unresolved, alarm is live
	AlarmStateReset     AlarmState = "A" // auto-recovered
	AlarmStateMasked    AlarmState = "M" // masked by an operator
	AlarmStateConfirmed AlarmState = "C" // confirmed closed by an operator
)

// ParseAlarmState validates a raw state value read from the database.
func ParseAlarmState(s string) (AlarmState, error) {
	switch AlarmState(s) {
	case AlarmStateActive, AlarmStateReset, AlarmStateMasked, AlarmStateConfirmed:
		return AlarmState(s), nil
	}
	return "", fmt.Errorf("unknown alarm state %q", s)
}

// Cleared reports whether the alarm has left the active lifecycle upstream.
func (s AlarmState) Cleared() bool {
	return s == AlarmStateReset || s == AlarmStateConfirmed
}

// AlarmRow is one joined alarm read from the ZMC tables: the summary row,
// its latest event, and the code-library/app/device/domain metadata.
type AlarmRow struct {
	AlarmID      int64
	EventID      int64
	AlarmCode    string
	Level        string // raw severity digit, may be empty
	DefaultLevel string // code-library fallback severity
	State        AlarmState
	TaskType     string
	ResourceType string
	ResInstID    string
	AppEnvID     string
	DetailInfo   string
	Data         [10]string

	AlarmName     string
	AlarmTypeName string
	FaultReason   string
	Suggestion    string

	DeviceID       string
	HostName       string
	HostIP         string
	AppName        string
	BusinessDomain string
	Environment    string

	EventTime   time.Time
	CreateTime  time.Time
	ResetTime   time.Time
	ClearTime   time.Time
	ConfirmTime time.Time
}

// EffectiveLevel returns the alarm's severity digit, falling back to the
// code library default and finally to "3".
func (a *AlarmRow) EffectiveLevel() string {
	if a.Level != "" {
		return a.Level
	}
	if a.DefaultLevel != "" {
		return a.DefaultLevel
	}
	return "3"
}

// DisplayName returns the code library name, or a synthetic name when the
// library row is missing.
func (a *AlarmRow) DisplayName() string {
	if a.AlarmName != "" {
		return a.AlarmName
	}
	return "ZMC_ALARM_" + a.AlarmCode
}

// Instance identifies where the alarm fired: host@ip when both are known,
// then ip, then host, then a device id placeholder.
func (a *AlarmRow) Instance() string {
	switch {
	case a.HostName != "" && a.HostIP != "":
		return a.HostName + "@" + a.HostIP
	case a.HostIP != "":
		return a.HostIP
	case a.HostName != "":
		return a.HostName
	default:
		return "device_" + a.DeviceID
	}
}

// StartsAt returns the event occurrence time, falling back to the event
// creation time. The zone recorded by the database is preserved.
func (a *AlarmRow) StartsAt() time.Time {
	if !a.EventTime.IsZero() {
		return a.EventTime
	}
	if !a.CreateTime.IsZero() {
		return a.CreateTime
	}
	return time.Now()
}

// ResolvedAt picks the end timestamp for a cleared alarm: the reset time for
// auto-recovered alarms, then the clear time, then the confirm time, then now.
func (a *AlarmRow) ResolvedAt() time.Time {
	if a.State == AlarmStateReset && !a.ResetTime.IsZero() {
		return a.ResetTime
	}
	if !a.ClearTime.IsZero() {
		return a.ClearTime
	}
	if !a.ConfirmTime.IsZero() {
		return a.ConfirmTime
	}
	return time.Now()
}
