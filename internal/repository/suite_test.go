package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402wrap/paygate/internal/models"
)

func newEntry(wrapperID, ref, baseUnits string, createdAt time.Time) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:              ulid.Make().String(),
		WrapperID:       wrapperID,
		Payer:           "payer",
		TxReference:     ref,
		Network:         models.NetworkSolanaDevnet,
		Token:           models.NativeSOL,
		Amount:          "0.001",
		AmountBaseUnits: baseUnits,
		Decimals:        9,
		RequestMethod:   "GET",
		RequestPath:     "/data",
		CreatedAt:       createdAt,
	}
}

// runRepositorySuite exercises the contract every models.Repository must satisfy.
func runRepositorySuite(t *testing.T, repo models.Repository, prefix string) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	w := prefix + "-wrapper"

	t.Run("insert then duplicate", func(t *testing.T) {
		ref := prefix + "-dup"
		require.NoError(t, repo.InsertEntry(ctx, newEntry(w, ref, "1000000", now)))

		err := repo.InsertEntry(ctx, newEntry(w, ref, "1000000", now))
		assert.ErrorIs(t, err, models.ErrDuplicateReference)

		has, err := repo.HasReference(ctx, ref)
		require.NoError(t, err)
		assert.True(t, has)

		has, err = repo.HasReference(ctx, prefix+"-unknown")
		require.NoError(t, err)
		assert.False(t, has)

		require.NoError(t, repo.SetPayerUserID(ctx, ref, "user-1"))
		entries, err := repo.ListEntries(ctx, w, time.Time{}, 0)
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.Equal(t, "user-1", entries[0].PayerUserID)
		assert.Error(t, repo.SetPayerUserID(ctx, prefix+"-unknown", "user-1"))
	})

	t.Run("concurrent inserts have one winner", func(t *testing.T) {
		ref := prefix + "-race"
		const n = 16
		var wins, dups atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.InsertEntry(ctx, newEntry(w, ref, "1000000", now))
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, models.ErrDuplicateReference):
					dups.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(n-1), dups.Load())
	})

	t.Run("list and aggregate", func(t *testing.T) {
		aw := prefix + "-agg"
		require.NoError(t, repo.InsertEntry(ctx, newEntry(aw, prefix+"-a1", "1000000", now.Add(-48*time.Hour))))
		require.NoError(t, repo.InsertEntry(ctx, newEntry(aw, prefix+"-a2", "1000000", now.Add(-time.Hour))))
		usdc := newEntry(aw, prefix+"-a3", "2500000", now)
		usdc.Token = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
		usdc.Decimals = 6
		usdc.Amount = "2.5"
		require.NoError(t, repo.InsertEntry(ctx, usdc))

		all, err := repo.ListEntries(ctx, aw, time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, prefix+"-a3", all[0].TxReference, "newest first")

		limited, err := repo.ListEntries(ctx, aw, time.Time{}, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		total, err := repo.Aggregate(ctx, []string{aw}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total.Count)
		require.Len(t, total.Revenue, 2)
		assert.Equal(t, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", total.Revenue[0].Token)
		assert.Equal(t, "2.5", total.Revenue[0].Amount)
		assert.Equal(t, models.NativeSOL, total.Revenue[1].Token)
		assert.Equal(t, "2000000", total.Revenue[1].BaseUnits)
		assert.Equal(t, "0.002", total.Revenue[1].Amount)

		recent, err := repo.Aggregate(ctx, []string{aw}, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), recent.Count)

		empty, err := repo.Aggregate(ctx, nil, time.Time{})
		require.NoError(t, err)
		assert.Zero(t, empty.Count)
		assert.Empty(t, empty.Revenue)
	})

	t.Run("nonces", func(t *testing.T) {
		nonce := &models.IssuedNonce{
			Nonce:     fmt.Sprintf("%s-n1", prefix),
			WrapperID: w,
			IssuedAt:  now,
			ExpiresAt: now.Add(5 * time.Minute),
		}
		require.NoError(t, repo.RegisterNonce(ctx, nonce))
		require.NoError(t, repo.RegisterNonce(ctx, nonce), "re-registering an unconsumed nonce is allowed")

		assert.ErrorIs(t, repo.ConsumeNonce(ctx, nonce.Nonce, "other", "tx-1", now), models.ErrNonceInvalid)
		assert.ErrorIs(t, repo.ConsumeNonce(ctx, nonce.Nonce, w, "tx-1", now.Add(10*time.Minute)), models.ErrNonceInvalid)
		require.NoError(t, repo.ConsumeNonce(ctx, nonce.Nonce, w, "tx-1", now))
		require.NoError(t, repo.ConsumeNonce(ctx, nonce.Nonce, w, "tx-1", now), "the binding transaction may present it again")
		assert.ErrorIs(t, repo.ConsumeNonce(ctx, nonce.Nonce, w, "tx-2", now), models.ErrNonceInvalid)
		assert.ErrorIs(t, repo.ConsumeNonce(ctx, "missing", w, "tx-1", now), models.ErrNonceInvalid)

		assert.ErrorIs(t, repo.RegisterNonce(ctx, nonce), models.ErrNonceInvalid, "a consumed nonce cannot be reissued")
		foreign := *nonce
		foreign.Nonce = fmt.Sprintf("%s-n3", prefix)
		require.NoError(t, repo.RegisterNonce(ctx, &foreign))
		foreign.WrapperID = "other"
		assert.ErrorIs(t, repo.RegisterNonce(ctx, &foreign), models.ErrNonceInvalid)

		expired := &models.IssuedNonce{
			Nonce:     fmt.Sprintf("%s-n2", prefix),
			WrapperID: w,
			IssuedAt:  now.Add(-time.Hour),
			ExpiresAt: now.Add(-time.Minute),
		}
		require.NoError(t, repo.RegisterNonce(ctx, expired))
		assert.ErrorIs(t, repo.ConsumeNonce(ctx, expired.Nonce, w, "tx-3", now), models.ErrNonceInvalid)

		refreshed := *expired
		refreshed.ExpiresAt = now.Add(time.Minute)
		require.NoError(t, repo.RegisterNonce(ctx, &refreshed), "an unconsumed nonce gets a new expiry")
		require.NoError(t, repo.ConsumeNonce(ctx, expired.Nonce, w, "tx-3", now))

		stale := &models.IssuedNonce{
			Nonce:     fmt.Sprintf("%s-n4", prefix),
			WrapperID: w,
			IssuedAt:  now.Add(-time.Hour),
			ExpiresAt: now.Add(-time.Minute),
		}
		require.NoError(t, repo.RegisterNonce(ctx, stale))
		purged, err := repo.PurgeExpiredNonces(ctx, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, purged, int64(1))
	})
}
