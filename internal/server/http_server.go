package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/repository"
	"giftcard-inventory/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// cardResponse 卡片响应结构，HTTP 接口不返回卡密
type cardResponse struct {
	ID             uint64  `json:"id"`
	ProductID      uint64  `json:"product_id"`
	OrderID        *uint64 `json:"order_id"`
	Status         string  `json:"status"`
	StatusText     string  `json:"status_text"`
	DeliveryStatus string  `json:"delivery_status"`
	CardID         string  `json:"card_id"`
	ChainID        uint64  `json:"chain_id"`
	TokenAddress   string  `json:"token_address"`
	TokenSymbol    string  `json:"token_symbol"`
	TokenType      string  `json:"token_type"`
	TokenDecimals  uint8   `json:"token_decimals"`
	Amount         string  `json:"amount"`
	CreatedAt      string  `json:"created_at"`
}

// apiResponse 统一 API 响应
type apiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// listData 列表数据
type listData struct {
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Cards    []cardResponse `json:"cards"`
}

// HTTPHandler HTTP 接口处理器
type HTTPHandler struct {
	inventory *service.InventoryService
}

// NewHTTPServer 创建并返回 HTTP 服务器
func NewHTTPServer(inventory *service.InventoryService, gatherer prometheus.Gatherer, port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewHTTPHandler(inventory, gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewHTTPHandler 注册路由
func NewHTTPHandler(inventory *service.InventoryService, gatherer prometheus.Gatherer) http.Handler {
	handler := &HTTPHandler{inventory: inventory}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/cards", readOnly(handler.handleCards))
	mux.HandleFunc("/api/cards/stats", readOnly(handler.handleStats))
	mux.HandleFunc("/api/orders/{id}/cards", readOnly(handler.handleOrderCards))
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// readOnly 设置 CORS 头，只放行 GET
func readOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, apiResponse{
				Code:    -1,
				Message: "仅支持 GET 请求",
			})
			return
		}
		next(w, r)
	}
}

// handleCards 处理卡片列表请求
func (h *HTTPHandler) handleCards(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))

	filter := repository.CardFilter{
		Search:   query.Get("search"),
		OrderBy:  query.Get("order_by"),
		Order:    query.Get("order"),
		Page:     page,
		PageSize: pageSize,
	}

	if s := query.Get("status"); s != "" {
		if !model.CardStatus(s).Valid() {
			badRequest(w, "status 参数无效，应为 available、sold 或 inactive")
			return
		}
		filter.Status = model.CardStatus(s)
	}
	if s := query.Get("delivery_status"); s != "" {
		if !model.DeliveryStatus(s).Valid() {
			badRequest(w, "delivery_status 参数无效")
			return
		}
		filter.DeliveryStatus = model.DeliveryStatus(s)
	}
	if s := query.Get("token_type"); s != "" {
		if !model.TokenType(s).Valid() {
			badRequest(w, "token_type 参数无效，应为 native 或 erc20")
			return
		}
		filter.TokenType = model.TokenType(s)
	}
	var err error
	if filter.ChainID, err = parseID(query.Get("chain_id")); err != nil {
		badRequest(w, "chain_id 参数无效")
		return
	}
	if filter.ProductID, err = parseID(query.Get("product_id")); err != nil {
		badRequest(w, "product_id 参数无效")
		return
	}

	// 规范化分页参数（与 Repository 保持一致）
	filter = filter.Normalize()

	cards, total, err := h.inventory.List(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResponse{
			Code:    -1,
			Message: "查询失败: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Code:    0,
		Message: "success",
		Data: listData{
			Total:    total,
			Page:     filter.Page,
			PageSize: filter.PageSize,
			Cards:    toCardResponses(cards),
		},
	})
}

func (h *HTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inventory.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResponse{Code: -1, Message: "统计失败: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Code: 0, Message: "success", Data: stats})
}

func (h *HTTPHandler) handleOrderCards(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseID(r.PathValue("id"))
	if err != nil || orderID == 0 {
		badRequest(w, "订单 id 无效")
		return
	}
	cards, err := h.inventory.ForOrder(r.Context(), orderID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResponse{Code: -1, Message: "查询失败: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Code: 0, Message: "success", Data: toCardResponses(cards)})
}

func parseID(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func toCardResponses(cards []model.GiftCard) []cardResponse {
	out := make([]cardResponse, 0, len(cards))
	for _, c := range cards {
		out = append(out, toCardResponse(c))
	}
	return out
}

// toCardResponse 将 model.GiftCard 转为响应结构
func toCardResponse(c model.GiftCard) cardResponse {
	return cardResponse{
		ID:             c.ID,
		ProductID:      c.ProductID,
		OrderID:        c.OrderID,
		Status:         string(c.Status),
		StatusText:     statusText(c.Status),
		DeliveryStatus: string(c.DeliveryStatus),
		CardID:         c.CardID,
		ChainID:        c.ChainID,
		TokenAddress:   c.TokenAddress,
		TokenSymbol:    c.TokenSymbol,
		TokenType:      string(c.TokenType),
		TokenDecimals:  c.TokenDecimals,
		Amount:         model.FormatAmount(c.Amount),
		CreatedAt:      c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// statusText 将状态转为中文描述
func statusText(status model.CardStatus) string {
	switch status {
	case model.CardStatusAvailable:
		return "可售"
	case model.CardStatusSold:
		return "已售"
	case model.CardStatusInactive:
		return "已停用"
	default:
		return "未知"
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiResponse{Code: -1, Message: msg})
}

// writeJSON 写入 JSON 响应
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
