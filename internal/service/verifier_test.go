package service

import (
	"context"
	"errors"
	"testing"

	"giftcard-inventory/internal/model"
	"giftcard-inventory/pkg/univoucher"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type lookupFunc func(ctx context.Context, cardID string) (*univoucher.CardInfo, error)

func (f lookupFunc) GetCard(ctx context.Context, cardID string) (*univoucher.CardInfo, error) {
	return f(ctx, cardID)
}

func TestUniVoucherVerifier(t *testing.T) {
	info := univoucher.CardInfo{
		CardID:        "1001",
		ChainID:       137,
		TokenAddress:  "0xc2132D05D31c914a87C6611C10748AEb04B58e8F",
		TokenDecimals: 6,
		TokenAmount:   "25500000",
		Active:        true,
	}
	card := &model.GiftCard{
		CardID:        "1001",
		ChainID:       137,
		TokenAddress:  "0xc2132d05d31c914a87c6611c10748aeb04b58e8f",
		TokenDecimals: 6,
		Amount:        decimal.RequireFromString("25.500000000000000000"),
	}

	verify := func(mutate func(*univoucher.CardInfo), err error) error {
		i := info
		if mutate != nil {
			mutate(&i)
		}
		v := NewUniVoucherVerifier(lookupFunc(func(ctx context.Context, cardID string) (*univoucher.CardInfo, error) {
			if err != nil {
				return nil, err
			}
			return &i, nil
		}))
		return v.Verify(context.Background(), card)
	}

	assert.NoError(t, verify(nil, nil))
	assert.ErrorIs(t, verify(nil, univoucher.ErrCardNotFound), ErrVerificationFailed)
	assert.ErrorIs(t, verify(nil, errors.New("timeout")), ErrVerificationFailed)
	assert.ErrorIs(t, verify(func(i *univoucher.CardInfo) { i.Active = false }, nil), ErrVerificationFailed)
	assert.ErrorIs(t, verify(func(i *univoucher.CardInfo) { i.ChainID = 1 }, nil), ErrVerificationFailed)
	assert.ErrorIs(t, verify(func(i *univoucher.CardInfo) { i.TokenAmount = "25000000" }, nil), ErrVerificationFailed)
	assert.ErrorIs(t, verify(func(i *univoucher.CardInfo) { i.TokenDecimals = 18 }, nil), ErrVerificationFailed)
}
