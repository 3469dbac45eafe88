package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"giftcard-inventory/internal/model"
	"giftcard-inventory/pkg/univoucher"
)

// CardVerifier 入库前核对卡片与链上记录是否一致
type CardVerifier interface {
	Verify(ctx context.Context, card *model.GiftCard) error
}

// CardLookup UniVoucher 单卡查询
type CardLookup interface {
	GetCard(ctx context.Context, cardID string) (*univoucher.CardInfo, error)
}

// UniVoucherVerifier 基于 UniVoucher 查询结果核对链、代币与金额
type UniVoucherVerifier struct {
	lookup CardLookup
}

func NewUniVoucherVerifier(lookup CardLookup) *UniVoucherVerifier {
	return &UniVoucherVerifier{lookup: lookup}
}

func (v *UniVoucherVerifier) Verify(ctx context.Context, card *model.GiftCard) error {
	info, err := v.lookup.GetCard(ctx, card.CardID)
	if errors.Is(err, univoucher.ErrCardNotFound) {
		return fmt.Errorf("%w: 卡号 %s 不存在", ErrVerificationFailed, card.CardID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if !info.Active {
		return fmt.Errorf("%w: 卡片 %s 已失效", ErrVerificationFailed, card.CardID)
	}
	if info.ChainID != card.ChainID {
		return fmt.Errorf("%w: chain_id 不一致 (%d != %d)", ErrVerificationFailed, info.ChainID, card.ChainID)
	}
	if !strings.EqualFold(info.TokenAddress, card.TokenAddress) {
		return fmt.Errorf("%w: token_address 不一致", ErrVerificationFailed)
	}
	if info.TokenDecimals != card.TokenDecimals {
		return fmt.Errorf("%w: token_decimals 不一致 (%d != %d)", ErrVerificationFailed, info.TokenDecimals, card.TokenDecimals)
	}
	amount, err := info.Amount()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if !amount.Equal(card.Amount) {
		return fmt.Errorf("%w: 金额不一致 (%s != %s)", ErrVerificationFailed, amount.String(), card.Amount.String())
	}
	return nil
}
