package exclusivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeweave/relay/kv"
	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/types"
)

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	c := New(kv.NewMemStore(), log.NewTestingLogger(t), WithTTL(10*time.Second))

	require.NoError(t, c.Acquire(ctx, 1, "maker1"))

	// a second claim on the same maker conflicts with remaining TTL
	err := c.Acquire(ctx, 1, "maker1")
	require.Error(t, err)
	var re *types.Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, types.KindConflict, re.Kind)
	assert.Greater(t, re.Remaining, time.Duration(0))
	assert.LessOrEqual(t, re.Remaining, 10*time.Second)

	// a different maker on the same chain is unaffected
	require.NoError(t, c.Acquire(ctx, 1, "maker2"))
	// the same maker on a different chain is a distinct key
	require.NoError(t, c.Acquire(ctx, 1000, "maker1"))

	require.NoError(t, c.Release(ctx, 1, "maker1"))
	assert.NoError(t, c.Acquire(ctx, 1, "maker1"), "acquire after release succeeds")
}

func TestAcquireAfterTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	now := time.Now()
	store.SetNow(func() time.Time { return now })

	c := New(store, log.NewNopLogger(), WithTTL(10*time.Second))
	require.NoError(t, c.Acquire(ctx, 1, "maker1"))

	now = now.Add(11 * time.Second)

	assert.NoError(t, c.Acquire(ctx, 1, "maker1"),
		"TTL expiry must self-heal the lock without explicit release")
}

func TestBlacklistShortCircuits(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	c := New(store, log.NewNopLogger(), WithBlacklist([]string{"badmaker"}))

	err := c.Acquire(ctx, 1, "badmaker")
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	// the lock protocol never ran
	keys, scanErr := store.Scan(ctx, "makerlock.")
	require.NoError(t, scanErr)
	assert.Empty(t, keys)
}
