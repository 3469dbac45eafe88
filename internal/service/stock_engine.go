package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"giftcard-inventory/internal/metrics"
	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/mq"
	"giftcard-inventory/internal/repository"

	log "github.com/sirupsen/logrus"
)

// ReleaseMode 释放时的库存记账方式
type ReleaseMode int

const (
	// ReleaseRestock 订单行退货/回补：交付后退回的卡作废并从库存中扣除
	ReleaseRestock ReleaseMode = iota
	// ReleaseOrderDeleted 订单删除：未交付的卡回到可售池并加回库存，已交付的卡作废不影响库存
	ReleaseOrderDeleted
	// releaseStateOnly 只迁移状态，库存由调用方整体重算
	releaseStateOnly
)

func (m ReleaseMode) String() string {
	switch m {
	case ReleaseRestock:
		return "restock"
	case ReleaseOrderDeleted:
		return "order_deleted"
	default:
		return "state_only"
	}
}

// ClaimResult 认领结果，Shortfall > 0 表示需要人工补卡
type ClaimResult struct {
	OrderID   uint64
	ProductID uint64
	Requested int
	Cards     []model.GiftCard
	Shortfall int
}

// ReleaseResult 释放结果：Restored 回到可售池，Inactivated 交付后退回作废
type ReleaseResult struct {
	Restored    []uint64
	Inactivated []uint64
}

// StockEngine 礼品卡库存状态机：认领、交付、释放与商品库存对账
type StockEngine struct {
	cards          *repository.CardRepository
	inventory      *InventoryService
	commerce       Commerce
	stock          stockWriter
	notifier       Notifier
	metrics        *metrics.Metrics
	activeStatuses []string
}

type EngineOption func(*StockEngine)

func WithNotifier(n Notifier) EngineOption {
	return func(e *StockEngine) { e.notifier = n }
}

func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *StockEngine) { e.metrics = m }
}

// WithActiveStatuses 计入需求的订单状态集合
func WithActiveStatuses(statuses []string) EngineOption {
	return func(e *StockEngine) {
		if len(statuses) > 0 {
			e.activeStatuses = statuses
		}
	}
}

func WithEngineRetryDelay(d time.Duration) EngineOption {
	return func(e *StockEngine) { e.stock.retryDelay = d }
}

func NewStockEngine(
	cards *repository.CardRepository,
	inventory *InventoryService,
	commerce Commerce,
	opts ...EngineOption,
) *StockEngine {
	e := &StockEngine{
		cards:          cards,
		inventory:      inventory,
		commerce:       commerce,
		stock:          stockWriter{commerce: commerce, retryDelay: 200 * time.Millisecond},
		activeStatuses: model.DefaultActiveOrderStatuses,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Claim 为订单行认领最多 qty 张最早入库的可售卡。
// 不足时分配现有的卡并记录缺口，不返回错误；认领本身不改动商品库存。
func (e *StockEngine) Claim(ctx context.Context, orderID, productID uint64, qty int) (ClaimResult, error) {
	result := ClaimResult{OrderID: orderID, ProductID: productID, Requested: qty}
	if qty <= 0 {
		return result, nil
	}

	err := e.cards.Transaction(ctx, func(ctx context.Context) error {
		cards, err := e.cards.ClaimAvailable(ctx, productID, orderID, qty)
		if err != nil {
			return err
		}
		result.Cards = cards
		return nil
	})
	if err != nil {
		return result, persistence("认领卡片失败", err)
	}

	e.metrics.CardsClaimed(len(result.Cards))
	result.Shortfall = qty - len(result.Cards)

	fields := log.Fields{
		"order_id":   orderID,
		"product_id": productID,
		"requested":  qty,
		"claimed":    len(result.Cards),
	}
	if result.Shortfall > 0 {
		log.WithFields(fields).Warn("可售卡不足，订单需要人工补卡")
		e.reportShortfall(ctx, mq.NotifyCardShortfall, orderID, productID, qty, len(result.Cards))
	} else {
		log.WithFields(fields).Info("卡片已认领")
	}
	return result, nil
}

// reportShortfall 记录缺卡：订单备注、计数器与 MQ 通知，失败只记日志
func (e *StockEngine) reportShortfall(ctx context.Context, kind string, orderID, productID uint64, requested, assigned int) {
	missing := requested - assigned
	e.metrics.Shortfall(missing)

	note := fmt.Sprintf("礼品卡不足：商品 #%d 需要 %d 张，已分配 %d 张，缺 %d 张，请人工补卡。",
		productID, requested, assigned, missing)
	if kind == mq.NotifyAssignMissingFail {
		note = fmt.Sprintf("补卡失败：商品 #%d 需要 %d 张，可售卡不足，未分配任何卡片。", productID, requested)
	}
	if err := e.commerce.AddOrderNote(ctx, orderID, note); err != nil {
		log.WithError(err).WithField("order_id", orderID).Warn("写入订单备注失败")
	}

	e.notify(&mq.NotifyMessage{
		Type:      kind,
		OrderID:   orderID,
		ProductID: productID,
		Requested: requested,
		Assigned:  assigned,
		Missing:   missing,
		Message:   note,
	})
}

func (e *StockEngine) notify(msg *mq.NotifyMessage) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.PublishNotify(msg); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"type":     msg.Type,
			"order_id": msg.OrderID,
		}).Warn("发送通知失败")
	}
}

// Deliver 订单完成：未交付的已售卡标记为已交付，重复调用无副作用
func (e *StockEngine) Deliver(ctx context.Context, orderID uint64) (int, error) {
	n, err := e.cards.MarkDelivered(ctx, orderID)
	if err != nil {
		return 0, persistence("标记交付失败", err)
	}
	e.metrics.CardsDelivered(int(n))
	if n > 0 {
		log.WithFields(log.Fields{"order_id": orderID, "delivered": n}).Info("卡片已交付")
	}
	return int(n), nil
}

// Release 释放订单下某商品最近认领的 k 张已售卡
func (e *StockEngine) Release(ctx context.Context, orderID, productID uint64, k int, mode ReleaseMode) (ReleaseResult, error) {
	if k <= 0 || productID == 0 {
		return ReleaseResult{}, nil
	}
	return e.release(ctx, orderID, productID, k, mode)
}

// release 按交付状态拆分：未交付的回到可售池，已交付的作废。
// productID 为 0 时释放订单下全部商品，k <= 0 时不限数量。
func (e *StockEngine) release(ctx context.Context, orderID, productID uint64, k int, mode ReleaseMode) (ReleaseResult, error) {
	var result ReleaseResult
	err := e.cards.Transaction(ctx, func(ctx context.Context) error {
		cards, err := e.cards.FindSoldForRelease(ctx, orderID, productID, k)
		if err != nil {
			return err
		}
		result, err = e.applyRelease(ctx, orderID, cards, mode)
		return err
	})
	if err != nil {
		return ReleaseResult{}, persistence("释放卡片失败", err)
	}

	e.metrics.CardsReleased(string(model.CardStatusAvailable), len(result.Restored))
	e.metrics.CardsReleased(string(model.CardStatusInactive), len(result.Inactivated))
	if len(result.Restored)+len(result.Inactivated) > 0 {
		log.WithFields(log.Fields{
			"order_id":    orderID,
			"product_id":  productID,
			"mode":        mode.String(),
			"restored":    len(result.Restored),
			"inactivated": len(result.Inactivated),
		}).Info("卡片已释放")
	}
	if len(result.Inactivated) > 0 {
		e.notify(&mq.NotifyMessage{
			Type:     mq.NotifyCardsReturnedAfter,
			OrderID:  orderID,
			Assigned: len(result.Inactivated),
			Message:  fmt.Sprintf("%d 张已交付的卡片随退货作废", len(result.Inactivated)),
		})
	}
	return result, nil
}

// applyRelease 在当前事务中执行状态迁移与库存记账
func (e *StockEngine) applyRelease(ctx context.Context, orderID uint64, cards []model.GiftCard, mode ReleaseMode) (ReleaseResult, error) {
	var result ReleaseResult
	restoredByProduct := make(map[uint64]int)
	inactivatedByProduct := make(map[uint64]int)

	for _, card := range cards {
		if card.DeliveryStatus == model.DeliveryDelivered {
			result.Inactivated = append(result.Inactivated, card.ID)
			inactivatedByProduct[card.ProductID]++
		} else {
			result.Restored = append(result.Restored, card.ID)
			restoredByProduct[card.ProductID]++
		}
	}

	if n, err := e.cards.MarkAvailable(ctx, orderID, result.Restored); err != nil {
		return ReleaseResult{}, err
	} else if int(n) != len(result.Restored) {
		return ReleaseResult{}, fmt.Errorf("释放卡片数量不一致: 期望 %d, 实际 %d", len(result.Restored), n)
	}
	if n, err := e.cards.MarkReturned(ctx, orderID, result.Inactivated); err != nil {
		return ReleaseResult{}, err
	} else if int(n) != len(result.Inactivated) {
		return ReleaseResult{}, fmt.Errorf("作废卡片数量不一致: 期望 %d, 实际 %d", len(result.Inactivated), n)
	}

	deltas := make(map[uint64]int)
	switch mode {
	case ReleaseRestock:
		for productID, n := range inactivatedByProduct {
			deltas[productID] -= n
		}
	case ReleaseOrderDeleted:
		for productID, n := range restoredByProduct {
			deltas[productID] += n
		}
	}
	for _, productID := range sortedKeys(deltas) {
		if err := e.stock.adjust(ctx, productID, deltas[productID]); err != nil {
			return ReleaseResult{}, err
		}
	}
	return result, nil
}

// ReconcileOrder 订单行被直接修改后，按净数量（购买 - 退款）与已分配数量的差额认领或释放。
// lines 为 nil 时从电商系统读取订单。单个商品失败不影响其他商品。
func (e *StockEngine) ReconcileOrder(ctx context.Context, orderID uint64, lines []model.OrderLine) error {
	if lines == nil {
		order, err := e.commerce.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("读取订单失败: %w", err)
		}
		if order == nil {
			return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
		}
		lines = order.Lines
	}

	desired := make(map[uint64]int)
	for _, line := range lines {
		enabled, err := e.giftCardProduct(ctx, line.ProductID)
		if err != nil {
			return err
		}
		if enabled {
			desired[line.ProductID] += line.NetQuantity()
		}
	}

	assigned, err := e.cards.SoldCountsByProduct(ctx, orderID)
	if err != nil {
		return persistence("统计订单已分配卡片失败", err)
	}

	products := make(map[uint64]struct{})
	for productID := range desired {
		products[productID] = struct{}{}
	}
	for productID := range assigned {
		products[productID] = struct{}{}
	}

	var errs []error
	for _, productID := range sortedKeys(products) {
		delta := desired[productID] - assigned[productID]
		switch {
		case delta > 0:
			_, err = e.Claim(ctx, orderID, productID, delta)
		case delta < 0:
			_, err = e.Release(ctx, orderID, productID, -delta, ReleaseRestock)
		default:
			continue
		}
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"order_id":   orderID,
				"product_id": productID,
				"delta":      delta,
			}).Warn("订单对账失败")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseOrder 订单删除：释放订单下全部已售卡
func (e *StockEngine) ReleaseOrder(ctx context.Context, orderID uint64) (ReleaseResult, error) {
	return e.release(ctx, orderID, 0, 0, ReleaseOrderDeleted)
}

// Unassign 管理员解绑单张卡，规则同退货释放，随后重算商品库存
func (e *StockEngine) Unassign(ctx context.Context, id uint64) (ReleaseResult, error) {
	var (
		result ReleaseResult
		card   *model.GiftCard
	)
	err := e.cards.Transaction(ctx, func(ctx context.Context) error {
		var err error
		card, err = e.cards.FindByIDForUpdate(ctx, id)
		if err != nil {
			return persistence("查询卡片失败", err)
		}
		if card == nil {
			return fmt.Errorf("%w: id=%d", ErrNotFound, id)
		}
		if card.Status != model.CardStatusSold || card.OrderID == nil {
			return fmt.Errorf("%w: id=%d", ErrNotAssigned, id)
		}

		result, err = e.applyRelease(ctx, *card.OrderID, []model.GiftCard{*card}, releaseStateOnly)
		if err != nil {
			return persistence("解绑卡片失败", err)
		}
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	e.metrics.CardsReleased(string(model.CardStatusAvailable), len(result.Restored))
	e.metrics.CardsReleased(string(model.CardStatusInactive), len(result.Inactivated))
	log.WithFields(log.Fields{
		"id":         id,
		"order_id":   *card.OrderID,
		"product_id": card.ProductID,
	}).Info("卡片已解绑")

	if _, err := e.SyncProductStock(ctx, card.ProductID); err != nil {
		return result, err
	}
	return result, nil
}

// AssignMissing 管理员补卡：可售卡不足 count 张时整体失败，不做部分分配。
// count <= 0 时按订单行净数量与已分配数量的差额计算。
func (e *StockEngine) AssignMissing(ctx context.Context, orderID, productID uint64, count int) ([]model.GiftCard, error) {
	order, err := e.commerce.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("读取订单失败: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if !e.isActive(order.Status) {
		return nil, fmt.Errorf("%w: order=%d status=%s", ErrOrderInactive, orderID, order.Status)
	}

	if count <= 0 {
		count, err = e.orderShortfall(ctx, order, productID)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, nil
		}
	}

	var claimed []model.GiftCard
	err = e.cards.Transaction(ctx, func(ctx context.Context) error {
		available, err := e.cards.CountAvailable(ctx, productID)
		if err != nil {
			return persistence("统计可售卡失败", err)
		}
		if int(available) < count {
			return fmt.Errorf("%w: 需要 %d 张，可售 %d 张", ErrInsufficientInventory, count, available)
		}
		claimed, err = e.cards.ClaimAvailable(ctx, productID, orderID, count)
		if err != nil {
			return persistence("认领卡片失败", err)
		}
		if len(claimed) < count {
			// 统计之后被并发认领，整体回滚
			return fmt.Errorf("%w: 需要 %d 张，仅认领到 %d 张", ErrInsufficientInventory, count, len(claimed))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientInventory) {
			log.WithError(err).WithFields(log.Fields{
				"order_id":   orderID,
				"product_id": productID,
			}).Warn("补卡失败")
			e.reportShortfall(ctx, mq.NotifyAssignMissingFail, orderID, productID, count, 0)
		}
		return nil, err
	}

	e.metrics.CardsClaimed(len(claimed))
	log.WithFields(log.Fields{
		"order_id":   orderID,
		"product_id": productID,
		"assigned":   len(claimed),
	}).Info("补卡完成")
	e.notify(&mq.NotifyMessage{
		Type:      mq.NotifyCardsAssigned,
		OrderID:   orderID,
		ProductID: productID,
		Requested: count,
		Assigned:  len(claimed),
	})

	if _, err := e.SyncProductStock(ctx, productID); err != nil {
		return claimed, err
	}
	return claimed, nil
}

// orderShortfall 订单内某商品尚未分配的卡片数量
func (e *StockEngine) orderShortfall(ctx context.Context, order *model.Order, productID uint64) (int, error) {
	net := 0
	for _, line := range order.Lines {
		if line.ProductID == productID {
			net += line.NetQuantity()
		}
	}
	sold, err := e.cards.CountSold(ctx, productID, []uint64{order.ID})
	if err != nil {
		return 0, persistence("统计已分配卡片失败", err)
	}
	return max(0, net-int(sold)), nil
}

// CalculateMissingCards 有效订单中已售出但尚未分配卡片的数量
func (e *StockEngine) CalculateMissingCards(ctx context.Context, productID uint64) (int, error) {
	lines, err := e.commerce.ActiveOrderLines(ctx, productID, e.activeStatuses)
	if err != nil {
		return 0, fmt.Errorf("读取有效订单失败: %w", err)
	}

	ordered := 0
	seen := make(map[uint64]struct{})
	orderIDs := make([]uint64, 0, len(lines))
	for _, line := range lines {
		ordered += line.NetQuantity()
		if _, ok := seen[line.OrderID]; !ok {
			seen[line.OrderID] = struct{}{}
			orderIDs = append(orderIDs, line.OrderID)
		}
	}

	assigned, err := e.cards.CountSold(ctx, productID, orderIDs)
	if err != nil {
		return 0, persistence("统计已分配卡片失败", err)
	}
	return max(0, ordered-int(assigned)), nil
}

// SyncProductStock 重算商品库存：可售卡数量 - 缺卡数量，结果可以为负（超卖）。
// 商品不托管库存时只返回计算值。
func (e *StockEngine) SyncProductStock(ctx context.Context, productID uint64) (int, error) {
	var total int
	err := e.cards.Transaction(ctx, func(ctx context.Context) error {
		available, err := e.cards.CountAvailable(ctx, productID)
		if err != nil {
			return persistence("统计可售卡失败", err)
		}
		missing, err := e.CalculateMissingCards(ctx, productID)
		if err != nil {
			return err
		}
		total = int(available) - missing

		if _, err := e.stock.set(ctx, productID, total); err != nil {
			return persistence("写入商品库存失败", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{"product_id": productID, "stock": total}).Debug("商品库存已同步")
	return total, nil
}

// AddCard 入库一张卡并重算商品库存
func (e *StockEngine) AddCard(ctx context.Context, in model.CardInput) (uint64, error) {
	card, err := e.inventory.add(ctx, in)
	if err != nil {
		return 0, err
	}
	if _, err := e.SyncProductStock(ctx, card.ProductID); err != nil {
		return card.ID, err
	}
	return card.ID, nil
}

// AddCards 批量入库，每个涉及的商品只重算一次库存
func (e *StockEngine) AddCards(ctx context.Context, inputs []model.CardInput) (BatchResult, error) {
	result, products := e.inventory.addBatch(ctx, inputs)

	var errs []error
	for _, productID := range sortedKeys(products) {
		if _, err := e.SyncProductStock(ctx, productID); err != nil {
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}

// EnableProduct 开启商品的礼品卡托管；首次开启时重算库存
func (e *StockEngine) EnableProduct(ctx context.Context, productID uint64) error {
	product, err := e.commerce.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("读取商品失败: %w", err)
	}
	if product == nil {
		return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	if product.GiftCardEnabled {
		return nil
	}
	if err := e.commerce.SetGiftCardEnabled(ctx, productID, true); err != nil {
		return fmt.Errorf("开启礼品卡托管失败: %w", err)
	}
	_, err = e.SyncProductStock(ctx, productID)
	return err
}

func (e *StockEngine) giftCardProduct(ctx context.Context, productID uint64) (bool, error) {
	product, err := e.commerce.GetProduct(ctx, productID)
	if err != nil {
		return false, fmt.Errorf("读取商品失败: %w", err)
	}
	return product != nil && product.GiftCardEnabled, nil
}

func (e *StockEngine) isActive(status string) bool {
	for _, s := range e.activeStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
