package server

import (
	"context"
	"encoding/json"
	"errors"

	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/repository"
	"giftcard-inventory/internal/secret"
	"giftcard-inventory/internal/service"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// ServiceName gRPC 服务全名
const ServiceName = "giftcard.v1.InventoryService"

// CodecName 消息以 JSON 编码，content-type 为 application/grpc+json
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

// ---------- 请求 / 响应 ----------

type Empty struct{}

type AddCardRequest struct {
	Card model.CardInput `json:"card"`
}

type AddCardResponse struct {
	ID uint64 `json:"id"`
}

type AddCardsRequest struct {
	Cards []model.CardInput `json:"cards"`
}

type BatchFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type AddCardsResponse struct {
	Added  []uint64       `json:"added"`
	Failed []BatchFailure `json:"failed,omitempty"`
}

// CardRequest 按自增 id 或 card_id 定位卡片，id 优先
type CardRequest struct {
	ID     uint64 `json:"id,omitempty"`
	CardID string `json:"card_id,omitempty"`
}

type CardResponse struct {
	Card *model.GiftCard `json:"card"`
}

type ListCardsRequest struct {
	Status         string `json:"status,omitempty"`
	DeliveryStatus string `json:"delivery_status,omitempty"`
	ChainID        uint64 `json:"chain_id,omitempty"`
	ProductID      uint64 `json:"product_id,omitempty"`
	TokenType      string `json:"token_type,omitempty"`
	Search         string `json:"search,omitempty"`
	OrderBy        string `json:"order_by,omitempty"`
	Order          string `json:"order,omitempty"`
	Page           int    `json:"page,omitempty"`
	PageSize       int    `json:"page_size,omitempty"`
}

func (r *ListCardsRequest) filter() repository.CardFilter {
	return repository.CardFilter{
		Status:         model.CardStatus(r.Status),
		DeliveryStatus: model.DeliveryStatus(r.DeliveryStatus),
		ChainID:        r.ChainID,
		ProductID:      r.ProductID,
		TokenType:      model.TokenType(r.TokenType),
		Search:         r.Search,
		OrderBy:        r.OrderBy,
		Order:          r.Order,
		Page:           r.Page,
		PageSize:       r.PageSize,
	}.Normalize()
}

type ListCardsResponse struct {
	Cards    []model.GiftCard `json:"cards"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type OrderRequest struct {
	OrderID uint64 `json:"order_id"`
}

type CardsResponse struct {
	Cards []model.GiftCard `json:"cards"`
}

type ProductRequest struct {
	ProductID uint64 `json:"product_id"`
}

// StockResponse Stock 为同步后的库存，可能为负（超卖）
type StockResponse struct {
	ProductID uint64 `json:"product_id"`
	Stock     int    `json:"stock"`
}

type MissingResponse struct {
	ProductID uint64 `json:"product_id"`
	Missing   int    `json:"missing"`
}

type AssignMissingRequest struct {
	OrderID   uint64 `json:"order_id"`
	ProductID uint64 `json:"product_id"`
	Count     int    `json:"count,omitempty"`
}

type ReleaseResponse struct {
	Restored    []uint64 `json:"restored"`
	Inactivated []uint64 `json:"inactivated"`
}

// ---------- 服务定义 ----------

// InventoryServiceServer 卡库存 RPC 接口
type InventoryServiceServer interface {
	AddCard(context.Context, *AddCardRequest) (*AddCardResponse, error)
	AddCards(context.Context, *AddCardsRequest) (*AddCardsResponse, error)
	DeleteCard(context.Context, *CardRequest) (*Empty, error)
	GetCard(context.Context, *CardRequest) (*CardResponse, error)
	ListCards(context.Context, *ListCardsRequest) (*ListCardsResponse, error)
	Stats(context.Context, *Empty) (*model.CardStats, error)
	CardsForOrder(context.Context, *OrderRequest) (*CardsResponse, error)
	SyncProductStock(context.Context, *ProductRequest) (*StockResponse, error)
	CalculateMissingCards(context.Context, *ProductRequest) (*MissingResponse, error)
	AssignMissing(context.Context, *AssignMissingRequest) (*CardsResponse, error)
	UnassignCard(context.Context, *CardRequest) (*ReleaseResponse, error)
	EnableProduct(context.Context, *ProductRequest) (*Empty, error)
	DispatchEvent(context.Context, *service.OrderEvent) (*Empty, error)
}

func unary[Req any, Resp any](method string, call func(InventoryServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(InventoryServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var inventoryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InventoryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("AddCard", InventoryServiceServer.AddCard),
		unary("AddCards", InventoryServiceServer.AddCards),
		unary("DeleteCard", InventoryServiceServer.DeleteCard),
		unary("GetCard", InventoryServiceServer.GetCard),
		unary("ListCards", InventoryServiceServer.ListCards),
		unary("Stats", InventoryServiceServer.Stats),
		unary("CardsForOrder", InventoryServiceServer.CardsForOrder),
		unary("SyncProductStock", InventoryServiceServer.SyncProductStock),
		unary("CalculateMissingCards", InventoryServiceServer.CalculateMissingCards),
		unary("AssignMissing", InventoryServiceServer.AssignMissing),
		unary("UnassignCard", InventoryServiceServer.UnassignCard),
		unary("EnableProduct", InventoryServiceServer.EnableProduct),
		unary("DispatchEvent", InventoryServiceServer.DispatchEvent),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterInventoryServiceServer 注册服务实现
func RegisterInventoryServiceServer(s grpc.ServiceRegistrar, srv InventoryServiceServer) {
	s.RegisterService(&inventoryServiceDesc, srv)
}

// ---------- 实现 ----------

type InventoryServer struct {
	inventory *service.InventoryService
	engine    *service.StockEngine
}

var _ InventoryServiceServer = (*InventoryServer)(nil)

func NewInventoryServer(inventory *service.InventoryService, engine *service.StockEngine) *InventoryServer {
	return &InventoryServer{inventory: inventory, engine: engine}
}

// NewGRPCServer 创建 gRPC 服务器并注册库存服务
func NewGRPCServer(srv InventoryServiceServer) *grpc.Server {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary))
	RegisterInventoryServiceServer(s, srv)
	return s
}

func logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		code := status.Code(err)
		entry := log.WithFields(log.Fields{"method": info.FullMethod, "code": code.String()})
		if code == codes.Internal {
			entry.WithError(err).Error("RPC 调用失败")
		} else {
			entry.Debugf("RPC 调用被拒绝: %v", err)
		}
	}
	return resp, err
}

func (s *InventoryServer) AddCard(ctx context.Context, req *AddCardRequest) (*AddCardResponse, error) {
	id, err := s.engine.AddCard(ctx, req.Card)
	if err != nil {
		return nil, toStatus("新增卡片失败", err)
	}
	return &AddCardResponse{ID: id}, nil
}

func (s *InventoryServer) AddCards(ctx context.Context, req *AddCardsRequest) (*AddCardsResponse, error) {
	if len(req.Cards) == 0 {
		return nil, status.Error(codes.InvalidArgument, "cards 不能为空")
	}
	result, err := s.engine.AddCards(ctx, req.Cards)
	resp := &AddCardsResponse{Added: result.Added}
	if resp.Added == nil {
		resp.Added = []uint64{}
	}
	for i := range req.Cards {
		if ferr, ok := result.Failed[i]; ok {
			resp.Failed = append(resp.Failed, BatchFailure{Index: i, Error: ferr.Error()})
		}
	}
	if err != nil {
		return nil, toStatus("批量入库后同步库存失败", err)
	}
	return resp, nil
}

func (s *InventoryServer) DeleteCard(ctx context.Context, req *CardRequest) (*Empty, error) {
	id, err := s.resolveID(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.inventory.Delete(ctx, id); err != nil {
		return nil, toStatus("删除卡片失败", err)
	}
	return &Empty{}, nil
}

func (s *InventoryServer) GetCard(ctx context.Context, req *CardRequest) (*CardResponse, error) {
	var (
		card *model.GiftCard
		err  error
	)
	switch {
	case req.ID != 0:
		card, err = s.inventory.Get(ctx, req.ID)
	case req.CardID != "":
		card, err = s.inventory.GetByCardID(ctx, req.CardID)
	default:
		return nil, status.Error(codes.InvalidArgument, "id 或 card_id 不能为空")
	}
	if err != nil {
		return nil, toStatus("查询卡片失败", err)
	}
	if card == nil {
		return nil, toStatus("查询卡片失败", service.ErrNotFound)
	}
	return &CardResponse{Card: card}, nil
}

func (s *InventoryServer) ListCards(ctx context.Context, req *ListCardsRequest) (*ListCardsResponse, error) {
	filter := req.filter()
	cards, total, err := s.inventory.List(ctx, filter)
	if err != nil {
		return nil, toStatus("查询卡片失败", err)
	}
	if cards == nil {
		cards = []model.GiftCard{}
	}
	return &ListCardsResponse{Cards: cards, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

func (s *InventoryServer) Stats(ctx context.Context, _ *Empty) (*model.CardStats, error) {
	stats, err := s.inventory.Stats(ctx)
	if err != nil {
		return nil, toStatus("统计失败", err)
	}
	return &stats, nil
}

func (s *InventoryServer) CardsForOrder(ctx context.Context, req *OrderRequest) (*CardsResponse, error) {
	if req.OrderID == 0 {
		return nil, status.Error(codes.InvalidArgument, "order_id 不能为空")
	}
	cards, err := s.inventory.ForOrder(ctx, req.OrderID)
	if err != nil {
		return nil, toStatus("查询订单卡片失败", err)
	}
	if cards == nil {
		cards = []model.GiftCard{}
	}
	return &CardsResponse{Cards: cards}, nil
}

func (s *InventoryServer) SyncProductStock(ctx context.Context, req *ProductRequest) (*StockResponse, error) {
	if req.ProductID == 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id 不能为空")
	}
	stock, err := s.engine.SyncProductStock(ctx, req.ProductID)
	if err != nil {
		return nil, toStatus("同步库存失败", err)
	}
	return &StockResponse{ProductID: req.ProductID, Stock: stock}, nil
}

func (s *InventoryServer) CalculateMissingCards(ctx context.Context, req *ProductRequest) (*MissingResponse, error) {
	if req.ProductID == 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id 不能为空")
	}
	missing, err := s.engine.CalculateMissingCards(ctx, req.ProductID)
	if err != nil {
		return nil, toStatus("计算缺卡数量失败", err)
	}
	return &MissingResponse{ProductID: req.ProductID, Missing: missing}, nil
}

func (s *InventoryServer) AssignMissing(ctx context.Context, req *AssignMissingRequest) (*CardsResponse, error) {
	if req.OrderID == 0 || req.ProductID == 0 {
		return nil, status.Error(codes.InvalidArgument, "order_id 和 product_id 不能为空")
	}
	cards, err := s.engine.AssignMissing(ctx, req.OrderID, req.ProductID, req.Count)
	if err != nil {
		return nil, toStatus("补卡失败", err)
	}
	if cards == nil {
		cards = []model.GiftCard{}
	}
	return &CardsResponse{Cards: cards}, nil
}

func (s *InventoryServer) UnassignCard(ctx context.Context, req *CardRequest) (*ReleaseResponse, error) {
	id, err := s.resolveID(ctx, req)
	if err != nil {
		return nil, err
	}
	result, err := s.engine.Unassign(ctx, id)
	if err != nil {
		return nil, toStatus("解绑卡片失败", err)
	}
	return toReleaseResponse(result), nil
}

func (s *InventoryServer) EnableProduct(ctx context.Context, req *ProductRequest) (*Empty, error) {
	if req.ProductID == 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id 不能为空")
	}
	if err := s.engine.EnableProduct(ctx, req.ProductID); err != nil {
		return nil, toStatus("启用礼品卡商品失败", err)
	}
	return &Empty{}, nil
}

// DispatchEvent 不经 MQ 直接投递订单事件，供运维补发
func (s *InventoryServer) DispatchEvent(ctx context.Context, event *service.OrderEvent) (*Empty, error) {
	if err := event.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := service.Dispatch(ctx, s.engine, *event); err != nil {
		return nil, toStatus("处理订单事件失败", err)
	}
	return &Empty{}, nil
}

func (s *InventoryServer) resolveID(ctx context.Context, req *CardRequest) (uint64, error) {
	if req.ID != 0 {
		return req.ID, nil
	}
	if req.CardID == "" {
		return 0, status.Error(codes.InvalidArgument, "id 或 card_id 不能为空")
	}
	card, err := s.inventory.GetByCardID(ctx, req.CardID)
	if err != nil {
		return 0, toStatus("查询卡片失败", err)
	}
	if card == nil {
		return 0, toStatus("查询卡片失败", service.ErrNotFound)
	}
	return card.ID, nil
}

func toReleaseResponse(r service.ReleaseResult) *ReleaseResponse {
	resp := &ReleaseResponse{Restored: r.Restored, Inactivated: r.Inactivated}
	if resp.Restored == nil {
		resp.Restored = []uint64{}
	}
	if resp.Inactivated == nil {
		resp.Inactivated = []uint64{}
	}
	return resp
}

// toStatus 将领域错误映射为 gRPC 状态码
func toStatus(op string, err error) error {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, verr.Error())
	case errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrVerificationFailed),
		errors.Is(err, service.ErrUnknownEvent):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, service.ErrDuplicateCardID), errors.Is(err, service.ErrDuplicateSecret):
		return status.Errorf(codes.AlreadyExists, "%s: %v", op, err)
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrProductNotFound):
		return status.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, service.ErrCannotDelete),
		errors.Is(err, service.ErrNotAssigned),
		errors.Is(err, service.ErrOrderInactive):
		return status.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, service.ErrInsufficientInventory):
		return status.Errorf(codes.ResourceExhausted, "%s: %v", op, err)
	case errors.Is(err, secret.ErrKeyUnavailable):
		return status.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
