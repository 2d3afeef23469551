package blockdetect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siliconpool/siliconpool/internal/testhelpers"
)

func TestInspect(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{
			name: "busy in message",
			body: `{"error": {"message": "System is busy, please try again later"}}`,
			want: true,
		},
		{
			name: "busy case insensitive",
			body: `{"message": "SYSTEM BUSY"}`,
			want: true,
		},
		{
			name: "numeric code",
			body: `{"code": 50603, "message": "rejected"}`,
			want: true,
		},
		{
			name: "code nested in array",
			body: `{"errors": [{"detail": {"code": 50603}}]}`,
			want: true,
		},
		{
			name: "busy deeply nested",
			body: `{"a": {"b": {"c": ["fine", "server busy"]}}}`,
			want: true,
		},
		{
			name: "plain 503 body",
			body: `{"error": {"message": "internal server error", "code": 50000}}`,
			want: false,
		},
		{
			name: "code as string is not the signal",
			body: `{"code": "50603"}`,
			want: false,
		},
		{
			name: "non-JSON body with busy",
			body: `<html><body>Server too busy</body></html>`,
			want: true,
		},
		{
			name: "non-JSON body without signal",
			body: `bad gateway`,
			want: false,
		},
		{
			name: "empty body",
			body: ``,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Inspect([]byte(tt.body)))
		})
	}
}

func TestSearch_DepthBound(t *testing.T) {
	// Build nesting past the depth guard with the signal at the bottom.
	v := any("busy")
	for i := 0; i < maxSearchDepth+5; i++ {
		v = map[string]any{"inner": v}
	}
	assert.False(t, search(v, 0))

	// Shallow nesting is found.
	assert.True(t, search(map[string]any{"inner": "busy"}, 0))
}

func TestBlockAndActive(t *testing.T) {
	st := testhelpers.NewTestStore(t)
	d, err := New(st, testhelpers.NewTestLogger())
	require.NoError(t, err)

	assert.Nil(t, d.Active())

	rec, err := d.Block(context.Background(), "system busy")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "system busy", rec.Reason)
	assert.WithinDuration(t, rec.BlockedAt.Add(BlockDuration), rec.UnblockAt, time.Second)

	active := d.Active()
	require.NotNil(t, active)
	assert.Equal(t, rec.ID, active.ID)
	assert.Greater(t, active.RemainingMinutes(), 0)
	assert.LessOrEqual(t, active.RemainingMinutes(), 30)
}

func TestActive_ExpiredRecordClears(t *testing.T) {
	st := testhelpers.NewTestStore(t)
	d, err := New(st, testhelpers.NewTestLogger())
	require.NoError(t, err)

	// Simulate a record whose window already passed.
	past := time.Now().UTC().Add(-time.Minute)
	d.latest = &Record{BlockedAt: past.Add(-BlockDuration), UnblockAt: past, Reason: "busy"}

	assert.Nil(t, d.Active())
	assert.Nil(t, d.latest, "expired cached record should be dropped")
}

func TestNew_ResumesPersistedBlock(t *testing.T) {
	st := testhelpers.NewTestStore(t)

	first, err := New(st, testhelpers.NewTestLogger())
	require.NoError(t, err)
	rec, err := first.Block(context.Background(), "busy")
	require.NoError(t, err)

	// A fresh detector over the same store sees the active cooldown.
	second, err := New(st, testhelpers.NewTestLogger())
	require.NoError(t, err)
	active := second.Active()
	require.NotNil(t, active)
	assert.Equal(t, rec.ID, active.ID)
	assert.Equal(t, "busy", active.Reason)
}

func TestRemainingMinutes_RoundsUp(t *testing.T) {
	rec := &Record{UnblockAt: time.Now().UTC().Add(90 * time.Second)}
	assert.Equal(t, 2, rec.RemainingMinutes())

	expired := &Record{UnblockAt: time.Now().UTC().Add(-time.Second)}
	assert.Equal(t, 0, expired.RemainingMinutes())
}
