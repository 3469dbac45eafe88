package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FromSmallestUnit 将最小单位整数（如 wei）转换为展示金额
func FromSmallestUnit(value string, decimals uint8) (decimal.Decimal, error) {
	raw, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("无效的最小单位金额 %q: %w", value, err)
	}
	if !raw.Equal(raw.Truncate(0)) {
		return decimal.Decimal{}, fmt.Errorf("最小单位金额必须为整数: %s", value)
	}
	return raw.Shift(-int32(decimals)), nil
}

// ToSmallestUnit 将展示金额转换为最小单位整数字符串，小数位超过 decimals 时报错
func ToSmallestUnit(amount decimal.Decimal, decimals uint8) (string, error) {
	if !FitsDecimals(amount, decimals) {
		return "", fmt.Errorf("金额 %s 的小数位超过代币精度 %d", amount.String(), decimals)
	}
	return amount.Shift(int32(decimals)).BigInt().String(), nil
}

// FitsDecimals 金额在给定精度下是否可精确表示
func FitsDecimals(amount decimal.Decimal, decimals uint8) bool {
	shifted := amount.Shift(int32(decimals))
	return shifted.Equal(shifted.Truncate(0))
}

// FormatAmount 固定 18 位小数的字符串表示，避免浮点漂移
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(AmountScale)
}
