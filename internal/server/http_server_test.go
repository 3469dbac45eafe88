package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpResult struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func getJSON(t *testing.T, h http.Handler, target string) (int, httpResult) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var out httpResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestHTTP_ListCards(t *testing.T) {
	f := newFixture(t)
	f.product(t, 10)
	f.product(t, 11)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := f.engine.AddCard(ctx, testCard(10, i))
		require.NoError(t, err)
	}
	_, err := f.engine.AddCard(ctx, testCard(11, 4))
	require.NoError(t, err)

	h := NewHTTPHandler(f.inventory, f.registry)

	code, res := getJSON(t, h, "/api/cards?product_id=10&page_size=2&order_by=id&order=asc")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, res.Code)

	var data listData
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.EqualValues(t, 3, data.Total)
	assert.Equal(t, 1, data.Page)
	assert.Equal(t, 2, data.PageSize)
	require.Len(t, data.Cards, 2)
	assert.Equal(t, "900001", data.Cards[0].CardID)
	assert.Equal(t, "可售", data.Cards[0].StatusText)
	assert.NotContains(t, string(res.Data), "card_secret")
	assert.NotContains(t, string(res.Data), testCard(10, 1).CardSecret)

	code, _ = getJSON(t, h, "/api/cards?page_size=500")
	assert.Equal(t, http.StatusOK, code)

	code, res = getJSON(t, h, "/api/cards?status=lost")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, -1, res.Code)

	code, _ = getJSON(t, h, "/api/cards?chain_id=abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_StatsAndOrderCards(t *testing.T) {
	f := newFixture(t)
	f.product(t, 10)
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		_, err := f.engine.AddCard(ctx, testCard(10, i))
		require.NoError(t, err)
	}
	require.NoError(t, service.Dispatch(ctx, f.engine, service.OrderEvent{
		Type: service.EventItemStockReduced, OrderID: 77, ProductID: 10, Delta: 1,
	}))

	h := NewHTTPHandler(f.inventory, f.registry)

	code, res := getJSON(t, h, "/api/cards/stats")
	require.Equal(t, http.StatusOK, code)
	var stats model.CardStats
	require.NoError(t, json.Unmarshal(res.Data, &stats))
	assert.Equal(t, model.CardStats{Total: 2, Available: 1, Sold: 1}, stats)

	code, res = getJSON(t, h, "/api/orders/77/cards")
	require.Equal(t, http.StatusOK, code)
	var cards []cardResponse
	require.NoError(t, json.Unmarshal(res.Data, &cards))
	require.Len(t, cards, 1)
	require.NotNil(t, cards[0].OrderID)
	assert.EqualValues(t, 77, *cards[0].OrderID)
	assert.Equal(t, "sold", cards[0].Status)

	code, _ = getJSON(t, h, "/api/orders/abc/cards")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_MethodsAndMetrics(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPHandler(f.inventory, f.registry)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cards", strings.NewReader("{}")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/cards", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	f.product(t, 10)
	_, err := f.engine.AddCard(context.Background(), testCard(10, 1))
	require.NoError(t, err)
	require.NoError(t, service.Dispatch(context.Background(), f.engine, service.OrderEvent{
		Type: service.EventItemStockReduced, OrderID: 1, ProductID: 10, Delta: 1,
	}))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "giftcard_cards_claimed_total 1")
}
