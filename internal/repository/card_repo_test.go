package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/repository"
	"giftcard-inventory/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func setupRepo(t *testing.T) (*gorm.DB, *repository.CardRepository) {
	t.Helper()
	db := testutil.OpenDB(t)
	require.NoError(t, repository.Migrate(db))
	return db, repository.NewCardRepository(db)
}

func seedCard(t *testing.T, repo *repository.CardRepository, productID uint64, n int, mutate ...func(*model.GiftCard)) *model.GiftCard {
	t.Helper()
	card := &model.GiftCard{
		ProductID:        productID,
		Status:           model.CardStatusAvailable,
		DeliveryStatus:   model.DeliveryNeverDelivered,
		CardID:           fmt.Sprintf("%d%04d", productID, n),
		SecretCiphertext: "ciphertext",
		SecretHash:       fmt.Sprintf("hash-%d-%d", productID, n),
		ChainID:          1,
		TokenAddress:     model.ZeroAddress,
		TokenSymbol:      "ETH",
		TokenType:        model.TokenTypeNative,
		TokenDecimals:    18,
		Amount:           decimal.RequireFromString("0.5"),
		CreatedAt:        baseTime.Add(time.Duration(n) * time.Minute),
	}
	for _, m := range mutate {
		m(card)
	}
	require.NoError(t, repo.Create(context.Background(), card))
	return card
}

func TestMigrate_Idempotent(t *testing.T) {
	db, _ := setupRepo(t)
	require.NoError(t, repository.Migrate(db))

	version, err := repository.CurrentSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, repository.SchemaVersion, version)

	for _, table := range []string{"gift_cards", "retired_card_ids", "products", "orders", "order_lines", "order_notes"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestClaimAvailable_OldestFirst(t *testing.T) {
	_, repo := setupRepo(t)
	ctx := context.Background()

	newest := seedCard(t, repo, 1, 3)
	oldest := seedCard(t, repo, 1, 1)
	middle := seedCard(t, repo, 1, 2)
	seedCard(t, repo, 2, 0) // 其他商品

	claimed, err := repo.ClaimAvailable(ctx, 1, 77, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, oldest.ID, claimed[0].ID)
	assert.Equal(t, middle.ID, claimed[1].ID)
	for _, c := range claimed {
		assert.Equal(t, model.CardStatusSold, c.Status)
		require.NotNil(t, c.OrderID)
		assert.Equal(t, uint64(77), *c.OrderID)
		assert.Equal(t, model.DeliveryNeverDelivered, c.DeliveryStatus)
	}

	left, err := repo.FindByID(ctx, newest.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CardStatusAvailable, left.Status)
	assert.Nil(t, left.OrderID)
}

func TestClaimAvailable_PartialWhenShort(t *testing.T) {
	_, repo := setupRepo(t)
	seedCard(t, repo, 1, 1)

	claimed, err := repo.ClaimAvailable(context.Background(), 1, 5, 4)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)

	claimed, err = repo.ClaimAvailable(context.Background(), 1, 6, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestFindSoldForRelease_NewestFirst(t *testing.T) {
	_, repo := setupRepo(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		seedCard(t, repo, 1, i)
	}
	_, err := repo.ClaimAvailable(ctx, 1, 9, 3)
	require.NoError(t, err)

	cards, err := repo.FindSoldForRelease(ctx, 9, 1, 2)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "10003", cards[0].CardID)
	assert.Equal(t, "10002", cards[1].CardID)

	all, err := repo.FindSoldForRelease(ctx, 9, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMarkTransitionsClearOrderID(t *testing.T) {
	_, repo := setupRepo(t)
	ctx := context.Background()
	a := seedCard(t, repo, 1, 1)
	b := seedCard(t, repo, 1, 2)
	_, err := repo.ClaimAvailable(ctx, 1, 9, 2)
	require.NoError(t, err)

	n, err := repo.MarkDelivered(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = repo.MarkDelivered(ctx, 9)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.MarkAvailable(ctx, 9, []uint64{a.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = repo.MarkReturned(ctx, 9, []uint64{b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gotA, _ := repo.FindByID(ctx, a.ID)
	gotB, _ := repo.FindByID(ctx, b.ID)
	assert.Equal(t, model.CardStatusAvailable, gotA.Status)
	assert.Nil(t, gotA.OrderID)
	assert.Equal(t, model.CardStatusInactive, gotB.Status)
	assert.Equal(t, model.DeliveryReturnedAfterDelivery, gotB.DeliveryStatus)
	assert.Nil(t, gotB.OrderID)

	// 已离开 sold 的卡不会被重复处理
	n, err = repo.MarkReturned(ctx, 9, []uint64{a.ID, b.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteUnassignedAndRetire(t *testing.T) {
	_, repo := setupRepo(t)
	ctx := context.Background()
	free := seedCard(t, repo, 1, 1)
	taken := seedCard(t, repo, 1, 2)
	_, err := repo.ClaimAvailable(ctx, 1, 3, 2)
	require.NoError(t, err)
	_, err = repo.MarkAvailable(ctx, 3, []uint64{free.ID})
	require.NoError(t, err)

	n, err := repo.DeleteUnassigned(ctx, taken.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.DeleteUnassigned(ctx, free.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, repo.Retire(ctx, free.CardID))
	require.NoError(t, repo.Retire(ctx, free.CardID))

	used, err := repo.CardIDTaken(ctx, free.CardID)
	require.NoError(t, err)
	assert.True(t, used)
	used, err = repo.CardIDTaken(ctx, "999999")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestCounts(t *testing.T) {
	_, repo := setupRepo(t)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		seedCard(t, repo, 1, i)
	}
	seedCard(t, repo, 1, 5, func(c *model.GiftCard) { c.Status = model.CardStatusInactive })
	_, err := repo.ClaimAvailable(ctx, 1, 10, 1)
	require.NoError(t, err)
	_, err = repo.ClaimAvailable(ctx, 1, 11, 2)
	require.NoError(t, err)

	available, err := repo.CountAvailable(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), available)

	sold, err := repo.CountSold(ctx, 1, []uint64{10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sold)
	sold, err = repo.CountSold(ctx, 1, nil)
	require.NoError(t, err)
	assert.Zero(t, sold)

	perProduct, err := repo.SoldCountsByProduct(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]int{1: 2}, perProduct)

	byStatus, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), byStatus[model.CardStatusAvailable])
	assert.Equal(t, int64(3), byStatus[model.CardStatusSold])
	assert.Equal(t, int64(1), byStatus[model.CardStatusInactive])
}

func TestList_FilterSearchSortPaginate(t *testing.T) {
	_, repo := setupRepo(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		seedCard(t, repo, 1, i)
	}
	seedCard(t, repo, 2, 6, func(c *model.GiftCard) {
		c.TokenType = model.TokenTypeERC20
		c.TokenSymbol = "USDC"
		c.TokenAddress = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
		c.ChainID = 137
	})

	t.Run("default newest first", func(t *testing.T) {
		cards, total, err := repo.List(ctx, repository.CardFilter{PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(6), total)
		require.Len(t, cards, 2)
		assert.Equal(t, "20006", cards[0].CardID)
		assert.Equal(t, "10005", cards[1].CardID)
	})

	t.Run("second page ascending", func(t *testing.T) {
		cards, _, err := repo.List(ctx, repository.CardFilter{Order: "asc", Page: 2, PageSize: 2})
		require.NoError(t, err)
		require.Len(t, cards, 2)
		assert.Equal(t, "10003", cards[0].CardID)
		assert.Equal(t, "10004", cards[1].CardID)
	})

	t.Run("filters", func(t *testing.T) {
		cards, total, err := repo.List(ctx, repository.CardFilter{TokenType: model.TokenTypeERC20, ChainID: 137})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Equal(t, "USDC", cards[0].TokenSymbol)

		_, total, err = repo.List(ctx, repository.CardFilter{ProductID: 1, Status: model.CardStatusAvailable})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
	})

	t.Run("search matches symbol and address", func(t *testing.T) {
		_, total, err := repo.List(ctx, repository.CardFilter{Search: "usdc"})
		require.NoError(t, err)
		// SQLite 的 LIKE 对 ASCII 不区分大小写
		assert.Equal(t, int64(1), total)

		_, total, err = repo.List(ctx, repository.CardFilter{Search: "a0b86991"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
	})

	t.Run("unknown sort column falls back", func(t *testing.T) {
		f := repository.CardFilter{OrderBy: "card_secret; DROP TABLE gift_cards", PageSize: 1000}.Normalize()
		assert.Equal(t, "created_at", f.OrderBy)
		assert.Equal(t, 100, f.PageSize)
		assert.Equal(t, "DESC", f.Order)

		cards, _, err := repo.List(ctx, repository.CardFilter{OrderBy: "token_symbol", Order: "asc"})
		require.NoError(t, err)
		assert.Equal(t, "ETH", cards[0].TokenSymbol)
		assert.Equal(t, "10001", cards[0].CardID)
	})
}

func TestFindByOrder_Ascending(t *testing.T) {
	_, repo := setupRepo(t)
	ctx := context.Background()
	seedCard(t, repo, 1, 2)
	seedCard(t, repo, 1, 1)
	_, err := repo.ClaimAvailable(ctx, 1, 4, 2)
	require.NoError(t, err)

	cards, err := repo.FindByOrder(ctx, 4)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "10001", cards[0].CardID)
	assert.Equal(t, "10002", cards[1].CardID)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	_, repo := setupRepo(t)
	ctx := context.Background()
	seedCard(t, repo, 1, 1)

	err := repo.Transaction(ctx, func(ctx context.Context) error {
		claimed, err := repo.ClaimAvailable(ctx, 1, 8, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	available, err := repo.CountAvailable(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), available)
}
