package store

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zmcerrors "github.com/scaleflower/ng-zmc-alarm-exporter/internal/errors"
)

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, clampLimit(0))
	assert.Equal(t, defaultListLimit, clampLimit(-5))
	assert.Equal(t, 50, clampLimit(50))
	assert.Equal(t, maxListLimit, clampLimit(99999))
}

func TestListSyncQueryNoFilter(t *testing.T) {
	query, args := listSyncQuery(SyncFilter{})

	assert.NotContains(t, query, "WHERE")
	assert.Contains(t, query, "ORDER BY update_time DESC")
	require.Len(t, args, 2)
	assert.Equal(t, defaultListLimit, args[0])
	assert.Equal(t, 0, args[1])
}

func TestListSyncQueryWithFilter(t *testing.T) {
	query, args := listSyncQuery(SyncFilter{
		States:  []string{"FIRING", "SILENCED"},
		AlarmID: 42,
		Limit:   10,
		Offset:  20,
	})

	assert.Contains(t, query, "sync_status = ANY($1)")
	assert.Contains(t, query, "alarm_id = $2")
	assert.Contains(t, query, "LIMIT $3")
	assert.Contains(t, query, "OFFSET $4")
	require.Len(t, args, 4)
	assert.Equal(t, []string{"FIRING", "SILENCED"}, args[0])
	assert.Equal(t, int64(42), args[1])
	assert.Equal(t, 10, args[2])
	assert.Equal(t, 20, args[3])
}

func TestListAuditQueryWithFilter(t *testing.T) {
	query, args := listAuditQuery(AuditFilter{
		BatchID:   "20260825120000_abcd1234",
		Operation: "PUSH_FIRING",
		Limit:     5,
	})

	assert.Contains(t, query, "batch_id = $1")
	assert.Contains(t, query, "operation = $2")
	assert.NotContains(t, query, "alarm_id =")
	assert.Contains(t, query, "ORDER BY log_id DESC")
	require.Len(t, args, 4)
	assert.Equal(t, "20260825120000_abcd1234", args[0])
	assert.Equal(t, "PUSH_FIRING", args[1])
	assert.Equal(t, 5, args[2])
}

func TestListConfigQuery(t *testing.T) {
	query, args := listConfigQuery("")
	assert.NotContains(t, query, "config_group = $")
	assert.Empty(t, args)

	query, args = listConfigQuery("sync")
	assert.Contains(t, query, "config_group = $1")
	require.Len(t, args, 1)
	assert.Equal(t, "SYNC", args[0], "group filter is upper cased")
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "abc", truncateRunes("abcdef", 3))

	// Multi-byte text must be cut on rune boundaries.
	long := strings.Repeat("告", 50)
	got := truncateRunes(long, 10)
	assert.Equal(t, 10, len([]rune(got)))
	assert.Equal(t, strings.Repeat("告", 10), got)
}

func TestDerefTime(t *testing.T) {
	assert.True(t, derefTime(nil).IsZero())

	now := time.Now()
	assert.Equal(t, now, derefTime(&now))
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505"}
	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", dup)))

	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(fmt.Errorf("plain error")))
	assert.False(t, isUniqueViolation(nil))
}

func TestWrappedNotFoundIsMatchable(t *testing.T) {
	err := fmt.Errorf("alarm %d: %w", int64(7), zmcerrors.ErrNotFound)
	assert.ErrorIs(t, err, zmcerrors.ErrNotFound)
}
