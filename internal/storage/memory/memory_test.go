package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"account_service/internal/models"
	"account_service/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeRefreshToken_SingleWinner(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	uid, err := store.SaveUser(ctx, "a@x.com", "a", []byte("hash"))
	require.NoError(t, err)

	const hash = "refresh-hash"
	require.NoError(t, store.SaveRefreshToken(ctx, uid, hash, time.Now().Add(time.Hour)))

	// Many concurrent consumers of the same stale token: exactly one
	// succeeds, everyone else sees NotFound.
	const goroutines = 32

	var wins, losses atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := store.ConsumeRefreshToken(ctx, hash)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrTokenNotFound):
				losses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(goroutines-1), losses.Load())
}

func TestRedeem_SingleWinner(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	uid, err := store.SaveUser(ctx, "a@x.com", "a", []byte("hash"))
	require.NoError(t, err)

	const hash = "single-use-hash"
	require.NoError(t, store.IssueSingleUse(ctx, uid, models.PurposeVerifyEmail, hash, time.Now().Add(time.Hour)))

	const goroutines = 32

	var wins, losses atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := store.RedeemVerification(ctx, hash)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrTokenConsumed):
				losses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(goroutines-1), losses.Load())
}

func TestRedeem_Classification(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	uid, err := store.SaveUser(ctx, "a@x.com", "a", []byte("hash"))
	require.NoError(t, err)

	require.NoError(t, store.IssueSingleUse(ctx, uid, models.PurposeVerifyEmail, "h1", time.Now().Add(time.Hour)))

	// Purpose mismatch reads as NotFound, not as a wrong-purpose hint.
	_, err = store.RedeemPasswordReset(ctx, "h1", []byte("new"))
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	_, err = store.RedeemVerification(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	_, err = store.RedeemVerification(ctx, "h1")
	require.NoError(t, err)
	_, err = store.RedeemVerification(ctx, "h1")
	assert.ErrorIs(t, err, storage.ErrTokenConsumed)

	require.NoError(t, store.IssueSingleUse(ctx, uid, models.PurposeVerifyEmail, "h2", time.Now().Add(time.Hour)))
	store.ExpireSingleUseToken("h2")
	_, err = store.RedeemVerification(ctx, "h2")
	assert.ErrorIs(t, err, storage.ErrTokenExpired)
}

func TestSaveRefreshToken_HashConflict(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	uid, err := store.SaveUser(ctx, "a@x.com", "a", []byte("hash"))
	require.NoError(t, err)

	require.NoError(t, store.SaveRefreshToken(ctx, uid, "same", time.Now().Add(time.Hour)))
	err = store.SaveRefreshToken(ctx, uid, "same", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, storage.ErrHashConflict)
}

func TestDeleteExpiredTokens(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	uid, err := store.SaveUser(ctx, "a@x.com", "a", []byte("hash"))
	require.NoError(t, err)

	require.NoError(t, store.SaveRefreshToken(ctx, uid, "live", time.Now().Add(time.Hour)))
	require.NoError(t, store.SaveRefreshToken(ctx, uid, "dead", time.Now().Add(time.Hour)))
	store.ExpireRefreshToken("dead")

	require.NoError(t, store.IssueSingleUse(ctx, uid, models.PurposeResetPassword, "dead-sut", time.Now().Add(time.Hour)))
	store.ExpireSingleUseToken("dead-sut")

	deleted, err := store.DeleteExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// The live token survives the sweep.
	_, err = store.ConsumeRefreshToken(ctx, "live")
	require.NoError(t, err)
}
