package models

import (
	"fmt"
	"time"
)

// SyncState tracks where an alarm sits in the notification backend.
type SyncState string

const (
	SyncStatePending  SyncState = "PENDING" // legacy alias of FIRING, read but never written
	SyncStateFiring   SyncState = "FIRING"
	SyncStateResolved SyncState = "RESOLVED"
	SyncStateSilenced SyncState = "SILENCED"
	SyncStateError    SyncState = "ERROR"
)

// ParseSyncState validates a raw sync state value.
func ParseSyncState(s string) (SyncState, error) {
	switch SyncState(s) {
	case SyncStatePending, SyncStateFiring, SyncStateResolved, SyncStateSilenced, SyncStateError:
		return SyncState(s), nil
	}
	return "", fmt.Errorf("unknown sync state %q", s)
}

// Firing reports whether the state counts as live in the backend.
func (s SyncState) Firing() bool {
	return s == SyncStateFiring || s == SyncStatePending
}

// SyncRecord is the tracker row that ties one alarm to its backend footprint.
// There is exactly one record per alarm id.
type SyncRecord struct {
	SyncID       int64      `json:"syncId"`
	AlarmID      int64      `json:"alarmId"`
	EventID      int64      `json:"eventId"`
	AlarmState   AlarmState `json:"alarmState"` // last upstream state observed
	SyncState    SyncState  `json:"syncState"`
	LastPushTime time.Time  `json:"lastPushTime,omitzero"`
	PushCount    int        `json:"pushCount"`
	Fingerprint  string     `json:"fingerprint,omitempty"`
	SilenceID    string     `json:"silenceId,omitempty"`
	ErrorCount   int        `json:"errorCount"`
	LastError    string     `json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// TrackedAlarm pairs a tracker row with the current upstream view of its alarm.
type TrackedAlarm struct {
	Sync  SyncRecord
	Alarm AlarmRow
}

// Operation names one kind of backend interaction recorded in the audit log.
type Operation string

const (
	OpPushFiring             Operation = "PUSH_FIRING"
	OpPushResolved           Operation = "PUSH_RESOLVED"
	OpPushRefired            Operation = "PUSH_REFIRED"
	OpHeartbeat              Operation = "HEARTBEAT"
	OpCreateSilence          Operation = "CREATE_SILENCE"
	OpDeleteSilence          Operation = "DELETE_SILENCE"
	OpPushResolvedForSilence Operation = "PUSH_RESOLVED_FOR_SILENCE"
	OpError                  Operation = "ERROR"
)

// AuditEntry is one audit log row. OldState is empty for the initial insert.
type AuditEntry struct {
	LogID      int64     `json:"logId"`
	BatchID    string    `json:"batchId"`
	AlarmID    int64     `json:"alarmId"`
	EventID    int64     `json:"eventId"`
	Operation  Operation `json:"operation"`
	OldState   SyncState `json:"oldState,omitempty"`
	NewState   SyncState `json:"newState"`
	Request    string    `json:"request,omitempty"`
	Response   string    `json:"response,omitempty"`
	DurationMS int64     `json:"durationMs"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// OperationStat aggregates audit outcomes for one operation.
type OperationStat struct {
	Operation Operation `json:"operation"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
}

// SyncStatistics is the aggregate the statistics endpoint serves.
type SyncStatistics struct {
	States        map[string]int64 `json:"states"`
	TotalRecords  int64            `json:"totalRecords"`
	TotalErrors   int64            `json:"totalErrors"`
	Operations24h []OperationStat  `json:"operations24h"`
	GeneratedAt   time.Time        `json:"generatedAt"`
}
