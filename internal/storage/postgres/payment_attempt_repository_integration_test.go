package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestPaymentAttemptStore_PostgresFirstWriteWins(t *testing.T) {
	store := migratedTestStore(t)
	attempts := NewPaymentAttemptStore(store)
	ctx := context.Background()

	_, err := attempts.Get(ctx, "stripe:order:o-1:initiate")
	require.ErrorIs(t, err, domain.ErrPaymentAttemptNotFound)

	var (
		wg      sync.WaitGroup
		results = make([]domain.PaymentResult, 4)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := attempts.Put(ctx, "stripe:order:o-1:initiate", domain.PaymentResult{
				Provider:  domain.PaymentMethodStripe,
				Reference: "pi_" + string(rune('a'+i)),
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	stored, err := attempts.Get(ctx, "stripe:order:o-1:initiate")
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, stored.Reference, res.Reference, "every caller sees the first stored intent")
	}
	assert.Equal(t, domain.PaymentMethodStripe, stored.Provider)
}

func TestPaymentAttemptStore_PostgresDeleteExpired(t *testing.T) {
	store := migratedTestStore(t)
	attempts := NewPaymentAttemptStore(store)
	purger, ok := attempts.(domain.PaymentAttemptPurger)
	require.True(t, ok, "postgres payment attempts must support retention")
	ctx := context.Background()

	for _, key := range []string{"stripe:order:o-1:initiate", "stripe:order:o-2:initiate", "redirect:order:o-3:initiate"} {
		_, err := attempts.Put(ctx, key, domain.PaymentResult{Provider: domain.PaymentMethodStripe, Reference: key})
		require.NoError(t, err)
	}

	removed, err := purger.DeleteExpired(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = purger.DeleteExpired(ctx, time.Now().UTC().Add(time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = purger.DeleteExpired(ctx, time.Now().UTC().Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = attempts.Get(ctx, "redirect:order:o-3:initiate")
	assert.ErrorIs(t, err, domain.ErrPaymentAttemptNotFound)
}
