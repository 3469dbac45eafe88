package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"giftcard-inventory/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CardRepository struct {
	db *gorm.DB
}

func NewCardRepository(db *gorm.DB) *CardRepository {
	return &CardRepository{db: db}
}

// Transaction 在事务中执行 fn，fn 内的仓储调用需使用传入的 ctx
func (r *CardRepository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return RunInTx(ctx, r.db, fn)
}

// Create 插入卡片
func (r *CardRepository) Create(ctx context.Context, card *model.GiftCard) error {
	return conn(ctx, r.db).Create(card).Error
}

// FindByID 按主键查询，不存在返回 nil, nil
func (r *CardRepository) FindByID(ctx context.Context, id uint64) (*model.GiftCard, error) {
	return r.first(conn(ctx, r.db).Where("id = ?", id))
}

// FindByIDForUpdate 按主键查询并加行锁（需在事务中调用）
func (r *CardRepository) FindByIDForUpdate(ctx context.Context, id uint64) (*model.GiftCard, error) {
	return r.first(conn(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

// FindByCardID 按公开卡号查询，不存在返回 nil, nil
func (r *CardRepository) FindByCardID(ctx context.Context, cardID string) (*model.GiftCard, error) {
	return r.first(conn(ctx, r.db).Where("card_id = ?", cardID))
}

func (r *CardRepository) first(query *gorm.DB) (*model.GiftCard, error) {
	var card model.GiftCard
	err := query.First(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// CardIDTaken 卡号是否被现有卡片或已删除卡片占用
func (r *CardRepository) CardIDTaken(ctx context.Context, cardID string) (bool, error) {
	db := conn(ctx, r.db)

	var count int64
	if err := db.Model(&model.GiftCard{}).Where("card_id = ?", cardID).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if err := db.Model(&model.RetiredCardID{}).Where("card_id = ?", cardID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SecretHashExists 卡密指纹是否已存在
func (r *CardRepository) SecretHashExists(ctx context.Context, hash string) (bool, error) {
	var count int64
	err := conn(ctx, r.db).Model(&model.GiftCard{}).Where("secret_hash = ?", hash).Count(&count).Error
	return count > 0, err
}

// DeleteUnassigned 删除未绑定订单的卡片，返回删除行数
func (r *CardRepository) DeleteUnassigned(ctx context.Context, id uint64) (int64, error) {
	res := conn(ctx, r.db).Where("id = ? AND order_id IS NULL", id).Delete(&model.GiftCard{})
	return res.RowsAffected, res.Error
}

// Retire 记录已删除的卡号
func (r *CardRepository) Retire(ctx context.Context, cardID string) error {
	return conn(ctx, r.db).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.RetiredCardID{CardID: cardID}).Error
}

// ClaimAvailable 为订单认领最多 limit 张最早入库的可售卡。
// 候选行用 FOR UPDATE SKIP LOCKED 锁定，更新时再以 status = available 做比较交换，
// 不支持行锁的数据库上被并发抢走的行会重新挑选。
func (r *CardRepository) ClaimAvailable(ctx context.Context, productID, orderID uint64, limit int) ([]model.GiftCard, error) {
	db := conn(ctx, r.db)
	claimedIDs := make([]uint64, 0, limit)

	for len(claimedIDs) < limit {
		var candidates []uint64
		err := db.Model(&model.GiftCard{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("product_id = ? AND status = ?", productID, model.CardStatusAvailable).
			Order("created_at ASC").Order("id ASC").
			Limit(limit-len(claimedIDs)).
			Pluck("id", &candidates).Error
		if err != nil {
			return nil, fmt.Errorf("查询可售卡失败: %w", err)
		}
		if len(candidates) == 0 {
			break
		}

		for _, id := range candidates {
			res := db.Model(&model.GiftCard{}).
				Where("id = ? AND status = ?", id, model.CardStatusAvailable).
				Updates(map[string]interface{}{
					"status":   model.CardStatusSold,
					"order_id": orderID,
				})
			if res.Error != nil {
				return nil, fmt.Errorf("认领卡片失败: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				claimedIDs = append(claimedIDs, id)
			}
		}
	}

	if len(claimedIDs) == 0 {
		return nil, nil
	}
	var cards []model.GiftCard
	err := db.Where("id IN ?", claimedIDs).Order("created_at ASC").Order("id ASC").Find(&cards).Error
	return cards, err
}

// FindSoldForRelease 锁定订单下最近认领的 limit 张已售卡（最新优先）。
// productID 为 0 时不限商品，limit <= 0 时不限数量。
func (r *CardRepository) FindSoldForRelease(ctx context.Context, orderID, productID uint64, limit int) ([]model.GiftCard, error) {
	query := conn(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ? AND status = ?", orderID, model.CardStatusSold)
	if productID != 0 {
		query = query.Where("product_id = ?", productID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var cards []model.GiftCard
	err := query.Order("created_at DESC").Order("id DESC").Find(&cards).Error
	return cards, err
}

// MarkAvailable 将订单下的已售卡退回可售池
func (r *CardRepository) MarkAvailable(ctx context.Context, orderID uint64, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := conn(ctx, r.db).Model(&model.GiftCard{}).
		Where("id IN ? AND order_id = ? AND status = ?", ids, orderID, model.CardStatusSold).
		Updates(map[string]interface{}{
			"status":   model.CardStatusAvailable,
			"order_id": nil,
		})
	return res.RowsAffected, res.Error
}

// MarkReturned 将已交付后退回的卡置为终态 inactive
func (r *CardRepository) MarkReturned(ctx context.Context, orderID uint64, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := conn(ctx, r.db).Model(&model.GiftCard{}).
		Where("id IN ? AND order_id = ? AND status = ?", ids, orderID, model.CardStatusSold).
		Updates(map[string]interface{}{
			"status":          model.CardStatusInactive,
			"delivery_status": model.DeliveryReturnedAfterDelivery,
			"order_id":        nil,
		})
	return res.RowsAffected, res.Error
}

// MarkDelivered 将订单下未交付的已售卡标记为已交付
func (r *CardRepository) MarkDelivered(ctx context.Context, orderID uint64) (int64, error) {
	res := conn(ctx, r.db).Model(&model.GiftCard{}).
		Where("order_id = ? AND status = ? AND delivery_status = ?",
			orderID, model.CardStatusSold, model.DeliveryNeverDelivered).
		Update("delivery_status", model.DeliveryDelivered)
	return res.RowsAffected, res.Error
}

// CountAvailable 商品的可售卡数量
func (r *CardRepository) CountAvailable(ctx context.Context, productID uint64) (int64, error) {
	var count int64
	err := conn(ctx, r.db).Model(&model.GiftCard{}).
		Where("product_id = ? AND status = ?", productID, model.CardStatusAvailable).
		Count(&count).Error
	return count, err
}

// CountSold 商品在指定订单集合中的已售卡数量
func (r *CardRepository) CountSold(ctx context.Context, productID uint64, orderIDs []uint64) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	var count int64
	err := conn(ctx, r.db).Model(&model.GiftCard{}).
		Where("product_id = ? AND status = ? AND order_id IN ?", productID, model.CardStatusSold, orderIDs).
		Count(&count).Error
	return count, err
}

// SoldCountsByProduct 订单下各商品的已售卡数量
func (r *CardRepository) SoldCountsByProduct(ctx context.Context, orderID uint64) (map[uint64]int, error) {
	var rows []struct {
		ProductID uint64
		Count     int
	}
	err := conn(ctx, r.db).Model(&model.GiftCard{}).
		Select("product_id, COUNT(*) AS count").
		Where("order_id = ? AND status = ?", orderID, model.CardStatusSold).
		Group("product_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[uint64]int, len(rows))
	for _, row := range rows {
		counts[row.ProductID] = row.Count
	}
	return counts, nil
}

// FindByOrder 订单下的全部卡片，按入库时间升序
func (r *CardRepository) FindByOrder(ctx context.Context, orderID uint64) ([]model.GiftCard, error) {
	var cards []model.GiftCard
	err := conn(ctx, r.db).Where("order_id = ?", orderID).
		Order("created_at ASC").Order("id ASC").
		Find(&cards).Error
	return cards, err
}

// CountByStatus 按状态统计
func (r *CardRepository) CountByStatus(ctx context.Context) (map[model.CardStatus]int64, error) {
	var rows []struct {
		Status model.CardStatus
		Count  int64
	}
	err := conn(ctx, r.db).Model(&model.GiftCard{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.CardStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// 列表可排序字段白名单
var cardSortColumns = map[string]string{
	"id":              "id",
	"card_id":         "card_id",
	"product_id":      "product_id",
	"status":          "status",
	"delivery_status": "delivery_status",
	"chain_id":        "chain_id",
	"token_symbol":    "token_symbol",
	"token_type":      "token_type",
	"created_at":      "created_at",
}

// CardFilter 卡片查询过滤条件
type CardFilter struct {
	Status         model.CardStatus
	DeliveryStatus model.DeliveryStatus
	ChainID        uint64
	ProductID      uint64
	TokenType      model.TokenType
	Search         string
	OrderBy        string
	Order          string
	Page           int
	PageSize       int
}

// Normalize 补齐分页与排序默认值
func (f CardFilter) Normalize() CardFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	if _, ok := cardSortColumns[f.OrderBy]; !ok {
		f.OrderBy = "created_at"
	}
	if strings.ToLower(f.Order) == "asc" {
		f.Order = "ASC"
	} else {
		f.Order = "DESC"
	}
	return f
}

// List 分页查询卡片，支持多字段过滤与关键字搜索
func (r *CardRepository) List(ctx context.Context, filter CardFilter) ([]model.GiftCard, int64, error) {
	filter = filter.Normalize()
	query := conn(ctx, r.db).Model(&model.GiftCard{})

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.DeliveryStatus != "" {
		query = query.Where("delivery_status = ?", filter.DeliveryStatus)
	}
	if filter.ChainID != 0 {
		query = query.Where("chain_id = ?", filter.ChainID)
	}
	if filter.ProductID != 0 {
		query = query.Where("product_id = ?", filter.ProductID)
	}
	if filter.TokenType != "" {
		query = query.Where("token_type = ?", filter.TokenType)
	}
	// 卡号、代币符号、合约地址模糊匹配
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + search + "%"
		query = query.Where("card_id LIKE ? OR token_symbol LIKE ? OR token_address LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.PageSize
	column := cardSortColumns[filter.OrderBy]
	query = query.Order(column + " " + filter.Order)
	// 同值按入库顺序稳定排序
	if column != "created_at" {
		query = query.Order("created_at " + filter.Order)
	}
	if column != "id" {
		query = query.Order("id " + filter.Order)
	}

	var cards []model.GiftCard
	if err := query.Offset(offset).Limit(filter.PageSize).Find(&cards).Error; err != nil {
		return nil, 0, err
	}
	return cards, total, nil
}
