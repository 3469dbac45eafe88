package univoucher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCardNotFound 卡号在 UniVoucher 上不存在
var ErrCardNotFound = errors.New("univoucher: card not found")

// CardInfo UniVoucher 返回的链上卡片信息，金额为最小单位整数
type CardInfo struct {
	CardID        string `json:"card_id"`
	ChainID       uint64 `json:"chain_id"`
	TokenAddress  string `json:"token_address"`
	TokenSymbol   string `json:"token_symbol"`
	TokenDecimals uint8  `json:"token_decimals"`
	TokenAmount   string `json:"token_amount"`
	Active        bool   `json:"active"`
}

// Amount 将最小单位金额转换为展示金额
func (c CardInfo) Amount() (decimal.Decimal, error) {
	return parseAmount(c.TokenAmount, c.TokenDecimals)
}

// CardResponse 单卡查询响应
type CardResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Card    *CardInfo `json:"card"`
}

// Client UniVoucher HTTP 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建 UniVoucher 客户端
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetCard 查询单张卡片
func (c *Client) GetCard(ctx context.Context, cardID string) (*CardInfo, error) {
	endpoint := fmt.Sprintf("%s/v1/cards/single?id=%s", c.baseURL, url.QueryEscape(cardID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 UniVoucher 失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrCardNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("UniVoucher 返回错误状态码: %d, body: %s", resp.StatusCode, string(body))
	}

	var result CardResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("UniVoucher 返回失败: %s", result.Message)
	}
	if result.Card == nil {
		return nil, ErrCardNotFound
	}
	return result.Card, nil
}

// parseAmount 最小单位整数左移 decimals 位
func parseAmount(value string, decimals uint8) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("无效的金额 %q: %w", value, err)
	}
	if !v.Equal(v.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("最小单位金额必须为整数: %s", value)
	}
	return v.Shift(-int32(decimals)), nil
}
