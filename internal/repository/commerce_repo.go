package repository

import (
	"context"
	"errors"
	"fmt"

	"giftcard-inventory/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CommerceRepository 电商系统订单/商品的本地镜像，
// 处于卡片事务中时自动加入该事务，库存写入与卡状态变更一并提交
type CommerceRepository struct {
	db *gorm.DB
}

func NewCommerceRepository(db *gorm.DB) *CommerceRepository {
	return &CommerceRepository{db: db}
}

// GetOrder 查询订单及订单行，不存在返回 nil, nil
func (r *CommerceRepository) GetOrder(ctx context.Context, orderID uint64) (*model.Order, error) {
	var order model.Order
	err := conn(ctx, r.db).Preload("Lines").Where("id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetProduct 查询商品，不存在返回 nil, nil
func (r *CommerceRepository) GetProduct(ctx context.Context, productID uint64) (*model.Product, error) {
	var product model.Product
	err := conn(ctx, r.db).Where("id = ?", productID).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// SetStockQuantity 设置商品库存
func (r *CommerceRepository) SetStockQuantity(ctx context.Context, productID uint64, qty int) error {
	return r.updateProduct(ctx, productID, "stock_quantity", qty)
}

// AdjustStockQuantity 原子增减商品库存
func (r *CommerceRepository) AdjustStockQuantity(ctx context.Context, productID uint64, delta int) error {
	return r.updateProduct(ctx, productID, "stock_quantity", gorm.Expr("COALESCE(stock_quantity, 0) + ?", delta))
}

// SetGiftCardEnabled 开关商品的礼品卡库存托管
func (r *CommerceRepository) SetGiftCardEnabled(ctx context.Context, productID uint64, enabled bool) error {
	return r.updateProduct(ctx, productID, "gift_card_enabled", enabled)
}

func (r *CommerceRepository) updateProduct(ctx context.Context, productID uint64, column string, value interface{}) error {
	res := conn(ctx, r.db).Model(&model.Product{}).Where("id = ?", productID).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("商品不存在: %d", productID)
	}
	return nil
}

// AddOrderNote 添加订单备注
func (r *CommerceRepository) AddOrderNote(ctx context.Context, orderID uint64, note string) error {
	return conn(ctx, r.db).Create(&model.OrderNote{OrderID: orderID, Note: note}).Error
}

// OrderNotes 订单备注，按时间升序
func (r *CommerceRepository) OrderNotes(ctx context.Context, orderID uint64) ([]model.OrderNote, error) {
	var notes []model.OrderNote
	err := conn(ctx, r.db).Where("order_id = ?", orderID).Order("id ASC").Find(&notes).Error
	return notes, err
}

// ActiveOrderLines 商品在指定状态订单中的全部订单行
func (r *CommerceRepository) ActiveOrderLines(ctx context.Context, productID uint64, statuses []string) ([]model.OrderLine, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var lines []model.OrderLine
	err := conn(ctx, r.db).Model(&model.OrderLine{}).
		Select("order_lines.*").
		Joins("JOIN orders ON orders.id = order_lines.order_id").
		Where("order_lines.product_id = ? AND orders.status IN ?", productID, statuses).
		Find(&lines).Error
	return lines, err
}

// SaveProduct 新增或覆盖商品
func (r *CommerceRepository) SaveProduct(ctx context.Context, product *model.Product) error {
	return conn(ctx, r.db).Save(product).Error
}

// SaveOrder 新增或覆盖订单，订单行整体替换
func (r *CommerceRepository) SaveOrder(ctx context.Context, order *model.Order) error {
	return RunInTx(ctx, r.db, func(ctx context.Context) error {
		db := conn(ctx, r.db)
		lines := order.Lines
		order.Lines = nil

		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
		}).Create(order).Error
		if err != nil {
			return fmt.Errorf("保存订单失败: %w", err)
		}

		if err := db.Where("order_id = ?", order.ID).Delete(&model.OrderLine{}).Error; err != nil {
			return fmt.Errorf("清理订单行失败: %w", err)
		}
		for i := range lines {
			lines[i].ID = 0
			lines[i].OrderID = order.ID
		}
		if len(lines) > 0 {
			if err := db.Create(&lines).Error; err != nil {
				return fmt.Errorf("保存订单行失败: %w", err)
			}
		}
		order.Lines = lines
		return nil
	})
}

// UpdateOrderStatus 更新订单状态
func (r *CommerceRepository) UpdateOrderStatus(ctx context.Context, orderID uint64, status string) error {
	return conn(ctx, r.db).Model(&model.Order{}).Where("id = ?", orderID).Update("status", status).Error
}

// DeleteOrder 删除订单及订单行
func (r *CommerceRepository) DeleteOrder(ctx context.Context, orderID uint64) error {
	return RunInTx(ctx, r.db, func(ctx context.Context) error {
		db := conn(ctx, r.db)
		if err := db.Where("order_id = ?", orderID).Delete(&model.OrderLine{}).Error; err != nil {
			return err
		}
		return db.Where("id = ?", orderID).Delete(&model.Order{}).Error
	})
}
