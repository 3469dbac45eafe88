package service

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"giftcard-inventory/internal/metrics"
	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/mq"
	"giftcard-inventory/internal/repository"
	"giftcard-inventory/internal/secret"
	"giftcard-inventory/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []mq.NotifyMessage
}

func (n *fakeNotifier) PublishNotify(msg *mq.NotifyMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, *msg)
	return nil
}

func (n *fakeNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.msgs {
		out = append(out, m.Type)
	}
	return out
}

type testEnv struct {
	db        *gorm.DB
	cards     *repository.CardRepository
	commerce  *repository.CommerceRepository
	cipher    *secret.Cipher
	inventory *InventoryService
	engine    *StockEngine
	notifier  *fakeNotifier
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	seq       int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.OpenDB(t)
	require.NoError(t, repository.Migrate(db))

	cipher, err := secret.NewCipherWithKey(bytes.Repeat([]byte{0x42}, secret.KeySize))
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	env := &testEnv{
		db:       db,
		registry: registry,
		cards:    repository.NewCardRepository(db),
		commerce: repository.NewCommerceRepository(db),
		cipher:   cipher,
		notifier: &fakeNotifier{},
		metrics:  metrics.New(registry),
	}
	env.inventory = NewInventoryService(env.cards, env.commerce, cipher,
		WithInventoryMetrics(env.metrics),
		WithStockRetryDelay(0),
	)
	env.engine = NewStockEngine(env.cards, env.inventory, env.commerce,
		WithNotifier(env.notifier),
		WithEngineMetrics(env.metrics),
		WithEngineRetryDelay(0),
	)
	return env
}

// product 创建托管库存的礼品卡商品
func (e *testEnv) product(t *testing.T, id uint64, stock int) {
	t.Helper()
	require.NoError(t, e.commerce.SaveProduct(context.Background(), &model.Product{
		ID:              id,
		Name:            fmt.Sprintf("Gift card %d", id),
		ManagesStock:    true,
		StockQuantity:   &stock,
		GiftCardEnabled: true,
	}))
}

func (e *testEnv) order(t *testing.T, id uint64, status string, lines ...model.OrderLine) {
	t.Helper()
	require.NoError(t, e.commerce.SaveOrder(context.Background(), &model.Order{ID: id, Status: status, Lines: lines}))
}

func (e *testEnv) stock(t *testing.T, productID uint64) int {
	t.Helper()
	p, err := e.commerce.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.StockQuantity)
	return *p.StockQuantity
}

func (e *testEnv) card(t *testing.T, id uint64) *model.GiftCard {
	t.Helper()
	c, err := e.cards.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

// addCards 依次入库 n 张可售卡，返回 id（按入库顺序）
func (e *testEnv) addCards(t *testing.T, productID uint64, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		e.seq++
		id, err := e.inventory.Add(context.Background(), cardInput(productID, e.seq))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// assertOrderLinks 校验全部卡片满足 order_id 非空当且仅当 sold
func (e *testEnv) assertOrderLinks(t *testing.T) {
	t.Helper()
	var cards []model.GiftCard
	require.NoError(t, e.db.Find(&cards).Error)
	for _, c := range cards {
		require.Truef(t, c.ConsistentOrderLink(), "card %d: status=%s order_id=%v", c.ID, c.Status, c.OrderID)
	}
}

func cardInput(productID uint64, n int) model.CardInput {
	return model.CardInput{
		ProductID:     strconv.FormatUint(productID, 10),
		CardID:        fmt.Sprintf("%d%07d", productID, n),
		CardSecret:    secretFor(int(productID)*10_000_000 + n),
		ChainID:       "1",
		TokenSymbol:   "ETH",
		TokenType:     "native",
		TokenDecimals: "18",
		Amount:        "0.25",
	}
}

// secretFor 由整数生成唯一的合法卡密
func secretFor(n int) string {
	letters := make([]byte, 20)
	for i := len(letters) - 1; i >= 0; i-- {
		letters[i] = byte('A' + n%26)
		n /= 26
	}
	s := string(letters)
	return s[0:5] + "-" + s[5:10] + "-" + s[10:15] + "-" + s[15:20]
}

// counter 汇总指定计数器在所有标签组合上的值
func (e *testEnv) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := e.registry.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
