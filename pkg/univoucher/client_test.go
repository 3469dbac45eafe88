package univoucher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/cards/single", r.URL.Path)
		switch r.URL.Query().Get("id") {
		case "1001":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"card":{"card_id":"1001","chain_id":1,
				"token_address":"0x0000000000000000000000000000000000000000","token_symbol":"ETH",
				"token_decimals":18,"token_amount":"1500000000000000001","active":true}}`))
		case "1002":
			_, _ = w.Write([]byte(`{"success":false,"message":"rate limited"}`))
		case "500":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL + "/")
	ctx := context.Background()

	card, err := client.GetCard(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), card.ChainID)
	assert.True(t, card.Active)
	amount, err := card.Amount()
	require.NoError(t, err)
	assert.Equal(t, "1.500000000000000001", amount.String())

	_, err = client.GetCard(ctx, "404")
	assert.ErrorIs(t, err, ErrCardNotFound)

	_, err = client.GetCard(ctx, "1002")
	assert.ErrorContains(t, err, "rate limited")

	_, err = client.GetCard(ctx, "500")
	assert.ErrorContains(t, err, "500")
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("1", 18)
	require.NoError(t, err)
	assert.Equal(t, "0.000000000000000001", v.String())

	v, err = parseAmount("2500000", 6)
	require.NoError(t, err)
	assert.Equal(t, "2.5", v.String())

	_, err = parseAmount("1.5", 6)
	assert.Error(t, err)
	_, err = parseAmount("abc", 6)
	assert.Error(t, err)
}
