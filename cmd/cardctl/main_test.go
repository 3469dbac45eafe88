package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/repository"
	"giftcard-inventory/internal/secret"
	"giftcard-inventory/internal/server"
	"giftcard-inventory/internal/service"
	"giftcard-inventory/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// startServer 启动内存库上的库存服务，并把 dial 指向它
func startServer(t *testing.T) *repository.CommerceRepository {
	t.Helper()
	db := testutil.OpenDB(t)
	require.NoError(t, repository.Migrate(db))
	cipher, err := secret.NewCipherWithKey(bytes.Repeat([]byte{0x5a}, secret.KeySize))
	require.NoError(t, err)

	cards := repository.NewCardRepository(db)
	commerce := repository.NewCommerceRepository(db)
	inventory := service.NewInventoryService(cards, commerce, cipher, service.WithStockRetryDelay(0))
	engine := service.NewStockEngine(cards, inventory, commerce, service.WithEngineRetryDelay(0))

	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPCServer(server.NewInventoryServer(inventory, engine))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	orig := dial
	dial = func(string) (grpc.ClientConnInterface, func() error, error) {
		conn, err := server.Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.Close, nil
	}
	t.Cleanup(func() { dial = orig })

	stock := 0
	require.NoError(t, commerce.SaveProduct(context.Background(), &model.Product{
		ID: 3, Name: "Polygon USDC", ManagesStock: true, StockQuantity: &stock, GiftCardEnabled: true,
	}))
	return commerce
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("SECRET_KEY_FILE", filepath.Join(t.TempDir(), "k"))
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCardctl_AddGetStats(t *testing.T) {
	commerce := startServer(t)

	out, err := run(t, "add", "--product", "3", "--card-id", "3001",
		"--secret", "ABCDE-FGHIJ-KLMNO-PQRST", "--chain", "1", "--symbol", "ETH", "--amount", "0.5")
	require.NoError(t, err, out)
	var added server.AddCardResponse
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	assert.NotZero(t, added.ID)

	out, err = run(t, "get", "--card-id", "3001")
	require.NoError(t, err, out)
	assert.Contains(t, out, "ABCDE-FGHIJ-KLMNO-PQRST")

	out, err = run(t, "stats")
	require.NoError(t, err, out)
	var stats model.CardStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, model.CardStats{Total: 1, Available: 1}, stats)

	p, err := commerce.GetProduct(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, *p.StockQuantity)
}

func TestCardctl_BatchFileAndDirectEvent(t *testing.T) {
	startServer(t)

	inputs := []model.CardInput{
		{ProductID: "3", CardID: "1", CardSecret: "AAAAA-AAAAA-AAAAA-AAAAB", ChainID: "1", TokenSymbol: "ETH", TokenType: "native", TokenDecimals: "18", Amount: "1"},
		{ProductID: "3", CardID: "2", CardSecret: "AAAAA-AAAAA-AAAAA-AAAAC", ChainID: "1", TokenSymbol: "ETH", TokenType: "native", TokenDecimals: "18", Amount: "1"},
	}
	raw, err := json.Marshal(inputs)
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "cards.json")
	require.NoError(t, os.WriteFile(file, raw, 0o600))

	out, err := run(t, "add", "--file", file)
	require.NoError(t, err, out)
	var batch server.AddCardsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &batch))
	assert.Len(t, batch.Added, 2)

	out, err = run(t, "publish-event", "item_stock_reduced", "42", "--product", "3", "--delta", "1", "--direct")
	require.NoError(t, err, out)

	out, err = run(t, "order", "42")
	require.NoError(t, err, out)
	var cards []model.GiftCard
	require.NoError(t, json.Unmarshal([]byte(out), &cards))
	require.Len(t, cards, 1)
	assert.Equal(t, "1", cards[0].CardID)

	out, err = run(t, "delete", "--card-id", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FailedPrecondition")

	out, err = run(t, "unassign", "--card-id", "1")
	require.NoError(t, err, out)
	assert.True(t, strings.Contains(out, "restored"))
}

func TestCardctl_ArgumentErrors(t *testing.T) {
	_, err := run(t, "sync", "abc")
	assert.Error(t, err)

	_, err = run(t, "publish-event", "order_exploded", "1", "--direct")
	assert.Error(t, err)

	_, err = run(t, "delete")
	assert.Error(t, err)
}

func TestCardctl_Keygen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "secret.key")

	out, err := run(t, "keygen", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "已生成密钥")

	out, err = run(t, "keygen", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "未覆盖")

	key, err := secret.LoadKey(path)
	require.NoError(t, err)
	assert.Len(t, key, secret.KeySize)
}
