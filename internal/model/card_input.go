package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	cardIDPattern       = regexp.MustCompile(`^[0-9]+$`)
	cardSecretPattern   = regexp.MustCompile(`^[A-Z]{5}-[A-Z]{5}-[A-Z]{5}-[A-Z]{5}$`)
	tokenAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// FieldError 单个字段的校验错误
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError 入参校验失败，包含全部字段错误
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Has 是否包含指定字段的错误
func (e *ValidationError) Has(field string) bool {
	for _, fe := range e.Errors {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// CardInput 新增卡片的原始入参（来自后台表单、批量导入或 RPC）
type CardInput struct {
	ProductID      string `json:"product_id"`
	CardID         string `json:"card_id"`
	CardSecret     string `json:"card_secret"`
	ChainID        string `json:"chain_id"`
	TokenAddress   string `json:"token_address"`
	TokenSymbol    string `json:"token_symbol"`
	TokenType      string `json:"token_type"`
	TokenDecimals  string `json:"token_decimals"`
	Amount         string `json:"amount"`
	Status         string `json:"status,omitempty"`
	DeliveryStatus string `json:"delivery_status,omitempty"`
}

// Validate 校验必填字段、格式与枚举取值，返回 *ValidationError
func (in CardInput) Validate() error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	required := []struct {
		field string
		value string
	}{
		{"product_id", in.ProductID},
		{"card_id", in.CardID},
		{"card_secret", in.CardSecret},
		{"chain_id", in.ChainID},
		{"token_symbol", in.TokenSymbol},
		{"token_type", in.TokenType},
		{"token_decimals", in.TokenDecimals},
		{"amount", in.Amount},
	}
	missing := map[string]bool{}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			add(r.field, "不能为空")
			missing[r.field] = true
		}
	}

	if !missing["product_id"] {
		if id, err := strconv.ParseUint(strings.TrimSpace(in.ProductID), 10, 64); err != nil || id == 0 {
			add("product_id", "必须为正整数")
		}
	}
	if !missing["chain_id"] {
		if id, err := strconv.ParseUint(strings.TrimSpace(in.ChainID), 10, 64); err != nil || id == 0 {
			add("chain_id", "必须为正整数")
		}
	}
	if !missing["card_id"] && !cardIDPattern.MatchString(strings.TrimSpace(in.CardID)) {
		add("card_id", "只能包含数字")
	}
	if !missing["card_secret"] && !cardSecretPattern.MatchString(strings.TrimSpace(in.CardSecret)) {
		add("card_secret", "格式应为 XXXXX-XXXXX-XXXXX-XXXXX（大写字母）")
	}

	tokenType := TokenType(strings.ToLower(strings.TrimSpace(in.TokenType)))
	if !missing["token_type"] && !tokenType.Valid() {
		add("token_type", "只能为 native 或 erc20")
	}
	address := strings.TrimSpace(in.TokenAddress)
	switch {
	case tokenType == TokenTypeERC20 && address == "":
		add("token_address", "erc20 代币必须提供合约地址")
	case address != "" && !tokenAddressPattern.MatchString(address):
		add("token_address", "必须为 0x 开头的 40 位十六进制地址")
	}

	var decimals uint64
	decimalsOK := false
	if !missing["token_decimals"] {
		d, err := strconv.ParseUint(strings.TrimSpace(in.TokenDecimals), 10, 64)
		if err != nil || d > 255 {
			add("token_decimals", "必须为 0-255 的整数")
		} else {
			decimals, decimalsOK = d, true
		}
	}

	if !missing["amount"] {
		amount, err := decimal.NewFromString(strings.TrimSpace(in.Amount))
		switch {
		case err != nil:
			add("amount", "必须为数字")
		case !amount.IsPositive():
			add("amount", "必须大于 0")
		case decimalsOK && !FitsDecimals(amount, uint8(decimals)):
			add("amount", "小数位不能超过代币精度 %d", decimals)
		case !FitsDecimals(amount, AmountScale):
			add("amount", "小数位不能超过 %d", AmountScale)
		}
	}

	if s := strings.TrimSpace(in.Status); s != "" && !CardStatus(strings.ToLower(s)).Valid() {
		add("status", "无效的状态 %q", s)
	}
	if s := strings.TrimSpace(in.DeliveryStatus); s != "" && !DeliveryStatus(strings.ToLower(s)).Valid() {
		add("delivery_status", "无效的交付状态 %q", s)
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// Sanitize 规范化字段：去空白、统一大小写、补默认值、金额固定为 18 位小数。
// 应在 Validate 通过后调用。
func (in CardInput) Sanitize() CardInput {
	out := CardInput{
		ProductID:      trimUint(in.ProductID),
		CardID:         strings.TrimSpace(in.CardID),
		CardSecret:     strings.ToUpper(strings.TrimSpace(in.CardSecret)),
		ChainID:        trimUint(in.ChainID),
		TokenAddress:   strings.TrimSpace(in.TokenAddress),
		TokenSymbol:    strings.TrimSpace(in.TokenSymbol),
		TokenType:      strings.ToLower(strings.TrimSpace(in.TokenType)),
		TokenDecimals:  trimUint(in.TokenDecimals),
		Amount:         strings.TrimSpace(in.Amount),
		Status:         strings.ToLower(strings.TrimSpace(in.Status)),
		DeliveryStatus: strings.ToLower(strings.TrimSpace(in.DeliveryStatus)),
	}
	if amount, err := decimal.NewFromString(out.Amount); err == nil {
		out.Amount = FormatAmount(amount)
	}
	if TokenType(out.TokenType) == TokenTypeNative && out.TokenAddress == "" {
		out.TokenAddress = ZeroAddress
	}
	if out.Status == "" {
		out.Status = string(CardStatusAvailable)
	}
	if out.DeliveryStatus == "" {
		out.DeliveryStatus = string(DeliveryNeverDelivered)
	}
	return out
}

// ToGiftCard 将已校验并规范化的入参转换为卡片记录（卡密仍为明文，存储前需加密）
func (in CardInput) ToGiftCard() (*GiftCard, error) {
	productID, err := strconv.ParseUint(in.ProductID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("product_id: %w", err)
	}
	chainID, err := strconv.ParseUint(in.ChainID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("chain_id: %w", err)
	}
	decimals, err := strconv.ParseUint(in.TokenDecimals, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("token_decimals: %w", err)
	}
	amount, err := decimal.NewFromString(in.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	return &GiftCard{
		ProductID:      productID,
		Status:         CardStatus(in.Status),
		DeliveryStatus: DeliveryStatus(in.DeliveryStatus),
		CardID:         in.CardID,
		Secret:         in.CardSecret,
		ChainID:        chainID,
		TokenAddress:   in.TokenAddress,
		TokenSymbol:    in.TokenSymbol,
		TokenType:      TokenType(in.TokenType),
		TokenDecimals:  uint8(decimals),
		Amount:         amount,
	}, nil
}

// trimUint 去空白并去掉前导零，保留原值以便非数字输入在校验阶段报错
func trimUint(s string) string {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return strconv.FormatUint(n, 10)
	}
	return s
}
