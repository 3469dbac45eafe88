package model

import (
	"time"
)

// 订单状态（与电商系统保持一致）
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusOnHold     = "on-hold"
	OrderStatusCompleted  = "completed"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
)

// DefaultActiveOrderStatuses 计入需求的订单状态
var DefaultActiveOrderStatuses = []string{OrderStatusProcessing, OrderStatusOnHold, OrderStatusCompleted}

// Order 电商系统订单的本地镜像
type Order struct {
	ID        uint64      `gorm:"primaryKey" json:"id"`
	Status    string      `gorm:"type:varchar(32);not null;index" json:"status"`
	Lines     []OrderLine `gorm:"foreignKey:OrderID" json:"lines,omitempty"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderLine 订单行，RefundedQuantity 为已退款数量（正数）
type OrderLine struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID          uint64 `gorm:"not null;index" json:"order_id"`
	ProductID        uint64 `gorm:"not null;index" json:"product_id"`
	Quantity         int    `gorm:"not null" json:"quantity"`
	RefundedQuantity int    `gorm:"not null;default:0" json:"refunded_quantity"`
}

func (OrderLine) TableName() string {
	return "order_lines"
}

// NetQuantity 净购买数量（下单 - 退款），不小于 0
func (l OrderLine) NetQuantity() int {
	return max(0, l.Quantity-l.RefundedQuantity)
}

// Product 商品，StockQuantity 为 nil 表示未设置库存
type Product struct {
	ID              uint64    `gorm:"primaryKey" json:"id"`
	Name            string    `gorm:"type:varchar(255);not null;default:''" json:"name"`
	ManagesStock    bool      `gorm:"not null;default:false" json:"manages_stock"`
	StockQuantity   *int      `json:"stock_quantity"`
	GiftCardEnabled bool      `gorm:"not null;default:false" json:"gift_card_enabled"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Product) TableName() string {
	return "products"
}

// OrderNote 订单备注，记录缺卡等需人工处理的情况
type OrderNote struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   uint64    `gorm:"not null;index" json:"order_id"`
	Note      string    `gorm:"type:text;not null" json:"note"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (OrderNote) TableName() string {
	return "order_notes"
}
