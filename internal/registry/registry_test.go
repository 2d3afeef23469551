package registry_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siliconpool/siliconpool/internal/registry"
	"github.com/siliconpool/siliconpool/internal/testhelpers"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(testhelpers.NewTestStore(t), testhelpers.NewTestLogger())
}

func TestAdd(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Add(ctx, "sk-first-credential-000000000001")
	require.NoError(t, err)
	assert.Positive(t, id)

	cred, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, cred.Status)
	assert.True(t, cred.Available)
	assert.Nil(t, cred.Balance)
	assert.Zero(t, cred.ErrorCount)
	assert.EqualValues(t, 0, cred.CallCount)
	assert.False(t, cred.CreatedAt.IsZero())
}

func TestAdd_DuplicateSecret(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Add(ctx, "sk-duplicate-credential-00000001")
	require.NoError(t, err)

	_, err = reg.Add(ctx, "sk-duplicate-credential-00000001")
	assert.ErrorIs(t, err, registry.ErrDuplicateSecret)
}

func TestGet_NotFound(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Get(context.Background(), 12345)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestList_CreationOrder(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	var ids []int64
	for _, secret := range []string{
		"sk-order-credential-000000000001",
		"sk-order-credential-000000000002",
		"sk-order-credential-000000000003",
	} {
		id, err := reg.Add(ctx, secret)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	creds, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 3)
	for i, cred := range creds {
		assert.Equal(t, ids[i], cred.ID)
	}
}

func TestListAvailable_FiltersFlagOnly(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id1, err := reg.Add(ctx, "sk-avail-credential-000000000001")
	require.NoError(t, err)
	id2, err := reg.Add(ctx, "sk-avail-credential-000000000002")
	require.NoError(t, err)
	id3, err := reg.Add(ctx, "sk-avail-credential-000000000003")
	require.NoError(t, err)

	require.NoError(t, reg.SetAvailability(ctx, id2, false))
	// Status alone must not remove a credential from the available list;
	// the selector skips non-active statuses itself.
	errText := "upstream 500"
	require.NoError(t, reg.SetStatus(ctx, id3, registry.StatusError, &errText))

	available, err := reg.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, available, 2)
	assert.Equal(t, id1, available[0].ID)
	assert.Equal(t, id3, available[1].ID)
}

func TestSetStatus_ErrorCounting(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Add(ctx, "sk-status-credential-00000000001")
	require.NoError(t, err)

	errText := "upstream 403"
	require.NoError(t, reg.SetStatus(ctx, id, registry.StatusError, &errText))
	require.NoError(t, reg.SetStatus(ctx, id, registry.StatusError, &errText))

	cred, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, cred.Status)
	assert.Equal(t, 2, cred.ErrorCount)
	require.NotNil(t, cred.LastError)
	assert.Equal(t, "upstream 403", *cred.LastError)

	// Clearing the error resets both counter and text.
	require.NoError(t, reg.SetStatus(ctx, id, registry.StatusActive, nil))

	cred, err = reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, cred.Status)
	assert.Zero(t, cred.ErrorCount)
	assert.Nil(t, cred.LastError)
}

func TestSetBalance_StampsProbeTime(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Add(ctx, "sk-balance-credential-0000000001")
	require.NoError(t, err)

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, reg.SetBalance(ctx, id, 42.5))

	cred, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cred.Balance)
	assert.InDelta(t, 42.5, *cred.Balance, 1e-9)
	require.NotNil(t, cred.BalanceCheckedAt)
	assert.True(t, cred.BalanceCheckedAt.After(before))
}

func TestIncrementCalls(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Add(ctx, "sk-calls-credential-000000000001")
	require.NoError(t, err)

	count, err := reg.IncrementCalls(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	count, err = reg.IncrementCalls(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	cred, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, cred.CallCount)
	assert.NotNil(t, cred.LastUsedAt)
}

func TestDelete(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Add(ctx, "sk-delete-credential-00000000001")
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, id))
	_, err = reg.Get(ctx, id)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	assert.ErrorIs(t, reg.Delete(ctx, id), registry.ErrNotFound)
}

func TestExportSecrets(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	secrets := []string{
		"sk-export-credential-00000000001",
		"sk-export-credential-00000000002",
	}
	for _, s := range secrets {
		_, err := reg.Add(ctx, s)
		require.NoError(t, err)
	}

	exported, err := reg.ExportSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, secrets, exported)
}

func TestMasked(t *testing.T) {
	cred := registry.Credential{Secret: "sk-abcdefghijklmnopqrstuvwxyz012345"}
	masked := cred.Masked()
	assert.Equal(t, "sk-abcde****2345", masked.Secret)
	// Original is untouched.
	assert.Equal(t, "sk-abcdefghijklmnopqrstuvwxyz012345", cred.Secret)
}

func TestSelectable(t *testing.T) {
	tests := []struct {
		name string
		cred registry.Credential
		want bool
	}{
		{"active_available", registry.Credential{Status: registry.StatusActive, Available: true}, true},
		{"active_unavailable", registry.Credential{Status: registry.StatusActive, Available: false}, false},
		{"error_available", registry.Credential{Status: registry.StatusError, Available: true}, false},
		{"insufficient", registry.Credential{Status: registry.StatusInsufficient, Available: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.Selectable())
		})
	}
}

func TestOnMutate_FiredForAvailabilityAffectingOps(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	var fired atomic.Int64
	reg.OnMutate(func() { fired.Add(1) })

	id, err := reg.Add(ctx, "sk-notify-credential-00000000001")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fired.Load())

	require.NoError(t, reg.SetAvailability(ctx, id, false))
	assert.EqualValues(t, 2, fired.Load())

	errText := "boom"
	require.NoError(t, reg.SetStatus(ctx, id, registry.StatusError, &errText))
	assert.EqualValues(t, 3, fired.Load())

	// Balance and call-count updates do not change selectability on their own.
	require.NoError(t, reg.SetBalance(ctx, id, 1.0))
	_, err = reg.IncrementCalls(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, fired.Load())

	require.NoError(t, reg.Delete(ctx, id))
	assert.EqualValues(t, 4, fired.Load())
}
