package service

import (
	"context"
	"errors"
	"testing"

	"giftcard-inventory/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyCommerce 前 failures 次库存写入失败
type flakyCommerce struct {
	*repository.CommerceRepository
	failures int
	attempts int
}

func (c *flakyCommerce) AdjustStockQuantity(ctx context.Context, productID uint64, delta int) error {
	c.attempts++
	if c.attempts <= c.failures {
		return errors.New("stock api unavailable")
	}
	return c.CommerceRepository.AdjustStockQuantity(ctx, productID, delta)
}

func TestStockWriter_RetriesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.product(t, 1, 0)

	flaky := &flakyCommerce{CommerceRepository: env.commerce, failures: 1}
	inventory := NewInventoryService(env.cards, flaky, env.cipher, WithStockRetryDelay(0))
	_, err := inventory.Add(context.Background(), cardInput(1, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, flaky.attempts)
	assert.Equal(t, 1, env.stock(t, 1))
}

func TestStockWriter_FailureRollsBackCard(t *testing.T) {
	env := newTestEnv(t)
	env.product(t, 1, 0)

	flaky := &flakyCommerce{CommerceRepository: env.commerce, failures: 2}
	inventory := NewInventoryService(env.cards, flaky, env.cipher, WithStockRetryDelay(0))
	_, err := inventory.Add(context.Background(), cardInput(1, 1))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 2, flaky.attempts)

	stats, err := inventory.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Equal(t, 0, env.stock(t, 1))
}
