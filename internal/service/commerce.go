package service

import (
	"context"
	"fmt"
	"time"

	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/mq"

	log "github.com/sirupsen/logrus"
)

// Commerce 电商系统能力边界：订单、商品与库存字段
type Commerce interface {
	GetOrder(ctx context.Context, orderID uint64) (*model.Order, error)
	GetProduct(ctx context.Context, productID uint64) (*model.Product, error)
	SetStockQuantity(ctx context.Context, productID uint64, qty int) error
	AdjustStockQuantity(ctx context.Context, productID uint64, delta int) error
	SetGiftCardEnabled(ctx context.Context, productID uint64, enabled bool) error
	AddOrderNote(ctx context.Context, orderID uint64, note string) error
	// ActiveOrderLines 返回商品在给定状态订单中的订单行
	ActiveOrderLines(ctx context.Context, productID uint64, statuses []string) ([]model.OrderLine, error)
}

// Notifier 缺卡与分配结果通知
type Notifier interface {
	PublishNotify(msg *mq.NotifyMessage) error
}

// stockWriter 写商品库存，失败后同步重试一次
type stockWriter struct {
	commerce   Commerce
	retryDelay time.Duration
}

func (w stockWriter) retry(op string, productID uint64, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	log.WithError(err).WithField("product_id", productID).Warnf("%s失败，%v 后重试", op, w.retryDelay)
	if w.retryDelay > 0 {
		time.Sleep(w.retryDelay)
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%s失败 (product %d): %w", op, productID, err)
	}
	return nil
}

// managedProduct 查询商品，商品不存在或不托管库存时返回 nil
func (w stockWriter) managedProduct(ctx context.Context, productID uint64) (*model.Product, error) {
	var product *model.Product
	err := w.retry("读取商品", productID, func() error {
		var err error
		product, err = w.commerce.GetProduct(ctx, productID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if product == nil || !product.ManagesStock {
		return nil, nil
	}
	return product, nil
}

// adjust 对托管库存的商品做增减，delta 为 0 或商品不托管库存时跳过
func (w stockWriter) adjust(ctx context.Context, productID uint64, delta int) error {
	if delta == 0 {
		return nil
	}
	product, err := w.managedProduct(ctx, productID)
	if err != nil || product == nil {
		return err
	}
	return w.retry("调整库存", productID, func() error {
		return w.commerce.AdjustStockQuantity(ctx, productID, delta)
	})
}

// set 覆盖托管库存商品的库存值，返回是否写入
func (w stockWriter) set(ctx context.Context, productID uint64, qty int) (bool, error) {
	product, err := w.managedProduct(ctx, productID)
	if err != nil || product == nil {
		return false, err
	}
	err = w.retry("设置库存", productID, func() error {
		return w.commerce.SetStockQuantity(ctx, productID, qty)
	})
	return err == nil, err
}
