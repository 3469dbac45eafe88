package service

import (
	"context"
	"fmt"
	"time"

	"giftcard-inventory/internal/metrics"
	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/repository"
	"giftcard-inventory/internal/secret"

	log "github.com/sirupsen/logrus"
)

// InventoryService 卡片增删查。卡密写入时加密，读取时透明解密。
type InventoryService struct {
	cards    *repository.CardRepository
	stock    stockWriter
	cipher   *secret.Cipher
	verifier CardVerifier
	metrics  *metrics.Metrics
}

type InventoryOption func(*InventoryService)

// WithVerifier 入库前调用外部核验
func WithVerifier(v CardVerifier) InventoryOption {
	return func(s *InventoryService) { s.verifier = v }
}

func WithInventoryMetrics(m *metrics.Metrics) InventoryOption {
	return func(s *InventoryService) { s.metrics = m }
}

// WithStockRetryDelay 库存写入失败后重试前的等待时间
func WithStockRetryDelay(d time.Duration) InventoryOption {
	return func(s *InventoryService) { s.stock.retryDelay = d }
}

func NewInventoryService(
	cards *repository.CardRepository,
	commerce Commerce,
	cipher *secret.Cipher,
	opts ...InventoryOption,
) *InventoryService {
	s := &InventoryService{
		cards:  cards,
		stock:  stockWriter{commerce: commerce, retryDelay: 200 * time.Millisecond},
		cipher: cipher,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add 校验、规范化并入库一张卡，返回自增 id
func (s *InventoryService) Add(ctx context.Context, in model.CardInput) (uint64, error) {
	card, err := s.add(ctx, in)
	if err != nil {
		return 0, err
	}
	return card.ID, nil
}

func (s *InventoryService) add(ctx context.Context, in model.CardInput) (*model.GiftCard, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	card, err := in.Sanitize().ToGiftCard()
	if err != nil {
		return nil, err
	}
	if card.Status == model.CardStatusSold || card.DeliveryStatus != model.DeliveryNeverDelivered {
		return nil, ErrInvalidStatus
	}

	if s.verifier != nil {
		if err := s.verifier.Verify(ctx, card); err != nil {
			return nil, err
		}
	}

	hash, err := s.cipher.Fingerprint(card.Secret)
	if err != nil {
		return nil, err
	}
	ciphertext, err := s.cipher.Encrypt(card.Secret)
	if err != nil {
		return nil, err
	}
	card.SecretHash = hash
	card.SecretCiphertext = ciphertext

	err = s.cards.Transaction(ctx, func(ctx context.Context) error {
		taken, err := s.cards.CardIDTaken(ctx, card.CardID)
		if err != nil {
			return persistence("检查卡号失败", err)
		}
		if taken {
			return fmt.Errorf("%w: %s", ErrDuplicateCardID, card.CardID)
		}
		exists, err := s.cards.SecretHashExists(ctx, hash)
		if err != nil {
			return persistence("检查卡密失败", err)
		}
		if exists {
			return ErrDuplicateSecret
		}

		if err := s.cards.Create(ctx, card); err != nil {
			return persistence("创建卡片失败", err)
		}
		if card.Status != model.CardStatusAvailable {
			return nil
		}
		if err := s.stock.adjust(ctx, card.ProductID, 1); err != nil {
			return persistence("增加库存失败", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"id":         card.ID,
		"card_id":    card.CardID,
		"product_id": card.ProductID,
	}).Info("卡片已入库")
	return card, nil
}

// BatchResult 批量入库结果，Failed 以输入下标为键
type BatchResult struct {
	Added  []uint64
	Failed map[int]error
}

// AddBatch 逐张入库，单张失败不影响其他卡
func (s *InventoryService) AddBatch(ctx context.Context, inputs []model.CardInput) BatchResult {
	result, _ := s.addBatch(ctx, inputs)
	return result
}

// addBatch 额外返回成功入库卡片所属的商品
func (s *InventoryService) addBatch(ctx context.Context, inputs []model.CardInput) (BatchResult, map[uint64]struct{}) {
	result := BatchResult{Failed: make(map[int]error)}
	products := make(map[uint64]struct{})
	for i, in := range inputs {
		card, err := s.add(ctx, in)
		if err != nil {
			result.Failed[i] = err
			continue
		}
		result.Added = append(result.Added, card.ID)
		products[card.ProductID] = struct{}{}
	}
	return result, products
}

// Delete 删除未绑定订单的卡片，卡号进入永久占用表。删除可售卡时库存减 1。
func (s *InventoryService) Delete(ctx context.Context, id uint64) error {
	var deleted *model.GiftCard
	err := s.cards.Transaction(ctx, func(ctx context.Context) error {
		card, err := s.cards.FindByIDForUpdate(ctx, id)
		if err != nil {
			return persistence("查询卡片失败", err)
		}
		if card == nil {
			return fmt.Errorf("%w: id=%d", ErrNotFound, id)
		}
		if card.Assigned() {
			return fmt.Errorf("%w: id=%d order=%d", ErrCannotDelete, id, *card.OrderID)
		}

		n, err := s.cards.DeleteUnassigned(ctx, id)
		if err != nil {
			return persistence("删除卡片失败", err)
		}
		if n == 0 {
			// 查询与删除之间被认领
			return fmt.Errorf("%w: id=%d", ErrCannotDelete, id)
		}
		if err := s.cards.Retire(ctx, card.CardID); err != nil {
			return persistence("记录已删除卡号失败", err)
		}
		if card.Status == model.CardStatusAvailable {
			if err := s.stock.adjust(ctx, card.ProductID, -1); err != nil {
				return persistence("扣减库存失败", err)
			}
		}
		deleted = card
		return nil
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"id":         deleted.ID,
		"card_id":    deleted.CardID,
		"product_id": deleted.ProductID,
		"status":     deleted.Status,
	}).Info("卡片已删除")
	return nil
}

// Get 按 id 查询，不存在返回 nil, nil
func (s *InventoryService) Get(ctx context.Context, id uint64) (*model.GiftCard, error) {
	card, err := s.cards.FindByID(ctx, id)
	if err != nil {
		return nil, persistence("查询卡片失败", err)
	}
	s.reveal(card)
	return card, nil
}

// GetByCardID 按公开卡号查询，不存在返回 nil, nil
func (s *InventoryService) GetByCardID(ctx context.Context, cardID string) (*model.GiftCard, error) {
	card, err := s.cards.FindByCardID(ctx, cardID)
	if err != nil {
		return nil, persistence("查询卡片失败", err)
	}
	s.reveal(card)
	return card, nil
}

func (s *InventoryService) List(ctx context.Context, filter repository.CardFilter) ([]model.GiftCard, int64, error) {
	cards, total, err := s.cards.List(ctx, filter)
	if err != nil {
		return nil, 0, persistence("查询卡片列表失败", err)
	}
	for i := range cards {
		s.reveal(&cards[i])
	}
	return cards, total, nil
}

func (s *InventoryService) Stats(ctx context.Context) (model.CardStats, error) {
	counts, err := s.cards.CountByStatus(ctx)
	if err != nil {
		return model.CardStats{}, persistence("统计卡片失败", err)
	}
	stats := model.CardStats{
		Available: counts[model.CardStatusAvailable],
		Sold:      counts[model.CardStatusSold],
		Inactive:  counts[model.CardStatusInactive],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// ForOrder 订单下的全部卡片，按入库时间升序
func (s *InventoryService) ForOrder(ctx context.Context, orderID uint64) ([]model.GiftCard, error) {
	cards, err := s.cards.FindByOrder(ctx, orderID)
	if err != nil {
		return nil, persistence("查询订单卡片失败", err)
	}
	for i := range cards {
		s.reveal(&cards[i])
	}
	return cards, nil
}

// reveal 解密卡密；失败时填入占位符，不中断读取
func (s *InventoryService) reveal(card *model.GiftCard) {
	if card == nil {
		return
	}
	plain, err := s.cipher.Decrypt(card.SecretCiphertext)
	if err != nil {
		s.metrics.DecryptFailed()
		log.WithError(err).WithField("card_id", card.CardID).Warn("卡密解密失败")
		card.Secret = secret.ErrorMarker(err)
		return
	}
	card.Secret = plain
}
