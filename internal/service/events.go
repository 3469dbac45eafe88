package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"giftcard-inventory/internal/model"

	log "github.com/sirupsen/logrus"
)

// OrderEventHandler 电商系统推送的订单生命周期事件
type OrderEventHandler interface {
	ItemStockReduced(ctx context.Context, orderID, productID uint64, delta int) error
	ItemStockRestored(ctx context.Context, orderID, productID uint64, newQty, oldQty int) error
	OrderCompleted(ctx context.Context, orderID uint64) error
	OrderDeleted(ctx context.Context, orderID uint64) error
	OrderItemsSaved(ctx context.Context, orderID uint64, items []model.OrderLine) error
	RefundRestock(ctx context.Context, orderID, productID uint64, oldQty, newQty int) error
}

var _ OrderEventHandler = (*StockEngine)(nil)

// 事件类型
const (
	EventItemStockReduced  = "item_stock_reduced"
	EventItemStockRestored = "item_stock_restored"
	EventOrderCompleted    = "order_completed"
	EventOrderDeleted      = "order_deleted"
	EventOrderItemsSaved   = "order_items_saved"
	EventRefundRestock     = "refund_restock"
)

// ErrUnknownEvent 无法识别的事件类型
var ErrUnknownEvent = errors.New("未知的订单事件")

// OrderEvent 订单事件的 JSON 信封
type OrderEvent struct {
	Type      string            `json:"type"`
	OrderID   uint64            `json:"order_id"`
	ProductID uint64            `json:"product_id,omitempty"`
	Delta     int               `json:"delta,omitempty"`
	OldQty    int               `json:"old_qty,omitempty"`
	NewQty    int               `json:"new_qty,omitempty"`
	Items     []model.OrderLine `json:"items,omitempty"`
}

// Validate 检查事件必填字段
func (e OrderEvent) Validate() error {
	if e.OrderID == 0 {
		return fmt.Errorf("%s: 缺少 order_id", e.Type)
	}
	switch e.Type {
	case EventItemStockReduced, EventItemStockRestored, EventRefundRestock:
		if e.ProductID == 0 {
			return fmt.Errorf("%s: 缺少 product_id", e.Type)
		}
	case EventOrderCompleted, EventOrderDeleted, EventOrderItemsSaved:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	return nil
}

// DecodeEvent 解析并校验事件
func DecodeEvent(body []byte) (OrderEvent, error) {
	var event OrderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return OrderEvent{}, fmt.Errorf("解析事件失败: %w", err)
	}
	if err := event.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return event, nil
}

// Dispatch 将事件同步分发给处理器
func Dispatch(ctx context.Context, h OrderEventHandler, event OrderEvent) error {
	switch event.Type {
	case EventItemStockReduced:
		return h.ItemStockReduced(ctx, event.OrderID, event.ProductID, event.Delta)
	case EventItemStockRestored:
		return h.ItemStockRestored(ctx, event.OrderID, event.ProductID, event.NewQty, event.OldQty)
	case EventOrderCompleted:
		return h.OrderCompleted(ctx, event.OrderID)
	case EventOrderDeleted:
		return h.OrderDeleted(ctx, event.OrderID)
	case EventOrderItemsSaved:
		items := event.Items
		if items == nil {
			items = []model.OrderLine{}
		}
		return h.OrderItemsSaved(ctx, event.OrderID, items)
	case EventRefundRestock:
		return h.RefundRestock(ctx, event.OrderID, event.ProductID, event.OldQty, event.NewQty)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event.Type)
	}
}

// ItemStockReduced 订单行扣减库存：为订单认领 delta 张卡
func (e *StockEngine) ItemStockReduced(ctx context.Context, orderID, productID uint64, delta int) error {
	ok, err := e.giftCardProduct(ctx, productID)
	if err != nil || !ok {
		return err
	}
	_, err = e.Claim(ctx, orderID, productID, delta)
	return err
}

// ItemStockRestored 订单行回补库存：释放 newQty - oldQty 张卡
func (e *StockEngine) ItemStockRestored(ctx context.Context, orderID, productID uint64, newQty, oldQty int) error {
	return e.restock(ctx, EventItemStockRestored, orderID, productID, newQty-oldQty)
}

// RefundRestock 退款回补库存：释放 newQty - oldQty 张卡
func (e *StockEngine) RefundRestock(ctx context.Context, orderID, productID uint64, oldQty, newQty int) error {
	return e.restock(ctx, EventRefundRestock, orderID, productID, newQty-oldQty)
}

func (e *StockEngine) restock(ctx context.Context, event string, orderID, productID uint64, k int) error {
	if k <= 0 {
		log.WithFields(log.Fields{
			"event":      event,
			"order_id":   orderID,
			"product_id": productID,
			"amount":     k,
		}).Debug("回补数量不为正，忽略")
		return nil
	}
	ok, err := e.giftCardProduct(ctx, productID)
	if err != nil || !ok {
		return err
	}
	_, err = e.Release(ctx, orderID, productID, k, ReleaseRestock)
	return err
}

// OrderCompleted 订单完成：标记交付
func (e *StockEngine) OrderCompleted(ctx context.Context, orderID uint64) error {
	_, err := e.Deliver(ctx, orderID)
	return err
}

// OrderDeleted 订单删除：释放全部已售卡
func (e *StockEngine) OrderDeleted(ctx context.Context, orderID uint64) error {
	_, err := e.ReleaseOrder(ctx, orderID)
	return err
}

// OrderItemsSaved 订单行被编辑：按差额认领或释放
func (e *StockEngine) OrderItemsSaved(ctx context.Context, orderID uint64, items []model.OrderLine) error {
	if items == nil {
		items = []model.OrderLine{}
	}
	return e.ReconcileOrder(ctx, orderID, items)
}
