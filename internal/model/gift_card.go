package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CardStatus 影响库存的卡状态
type CardStatus string

const (
	CardStatusAvailable CardStatus = "available" // 可售
	CardStatusSold      CardStatus = "sold"      // 已分配给订单
	CardStatusInactive  CardStatus = "inactive"  // 终态，不再分配
)

// DeliveryStatus 交付状态，决定释放策略
type DeliveryStatus string

const (
	DeliveryNeverDelivered        DeliveryStatus = "never_delivered"
	DeliveryDelivered             DeliveryStatus = "delivered"
	DeliveryReturnedAfterDelivery DeliveryStatus = "returned_after_delivery"
)

// TokenType 卡面值代币类型
type TokenType string

const (
	TokenTypeNative TokenType = "native"
	TokenTypeERC20  TokenType = "erc20"
)

// ZeroAddress 原生币的代币地址
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// AmountScale 金额统一保留的小数位数
const AmountScale = 18

func (s CardStatus) Valid() bool {
	switch s {
	case CardStatusAvailable, CardStatusSold, CardStatusInactive:
		return true
	}
	return false
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryNeverDelivered, DeliveryDelivered, DeliveryReturnedAfterDelivery:
		return true
	}
	return false
}

func (t TokenType) Valid() bool {
	return t == TokenTypeNative || t == TokenTypeERC20
}

// GiftCard 礼品卡库存记录。卡密只以密文落库，Secret 仅在读取时解密填充。
type GiftCard struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ProductID      uint64         `gorm:"not null;index:idx_gift_cards_claim,priority:1" json:"product_id"`
	OrderID        *uint64        `gorm:"index" json:"order_id"`
	Status         CardStatus     `gorm:"type:varchar(16);not null;default:'available';index:idx_gift_cards_claim,priority:2" json:"status"`
	DeliveryStatus DeliveryStatus `gorm:"type:varchar(32);not null;default:'never_delivered'" json:"delivery_status"`

	CardID           string `gorm:"type:varchar(64);not null;uniqueIndex" json:"card_id"`
	SecretCiphertext string `gorm:"column:card_secret;type:text;not null" json:"-"`
	SecretHash       string `gorm:"type:varchar(64);not null;uniqueIndex" json:"-"`
	Secret           string `gorm:"-" json:"card_secret,omitempty"`

	ChainID       uint64          `gorm:"not null;index" json:"chain_id"`
	TokenAddress  string          `gorm:"type:varchar(42);not null" json:"token_address"`
	TokenSymbol   string          `gorm:"type:varchar(32);not null" json:"token_symbol"`
	TokenType     TokenType       `gorm:"type:varchar(8);not null" json:"token_type"`
	TokenDecimals uint8           `gorm:"not null" json:"token_decimals"`
	Amount        decimal.Decimal `gorm:"type:varchar(80);not null" json:"amount"`

	CreatedAt time.Time `gorm:"not null;index:idx_gift_cards_claim,priority:3" json:"created_at"`
}

func (GiftCard) TableName() string {
	return "gift_cards"
}

// Assigned 卡是否已绑定订单
func (c *GiftCard) Assigned() bool {
	return c.OrderID != nil
}

// ConsistentOrderLink 校验 order_id 非空当且仅当 status = sold
func (c *GiftCard) ConsistentOrderLink() bool {
	return (c.OrderID != nil) == (c.Status == CardStatusSold)
}

// RetiredCardID 已删除卡的 card_id，永不复用
type RetiredCardID struct {
	CardID    string    `gorm:"type:varchar(64);primaryKey" json:"card_id"`
	RetiredAt time.Time `gorm:"autoCreateTime" json:"retired_at"`
}

func (RetiredCardID) TableName() string {
	return "retired_card_ids"
}

// CardStats 按状态统计
type CardStats struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	Sold      int64 `json:"sold"`
	Inactive  int64 `json:"inactive"`
}
