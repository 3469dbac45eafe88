package server

import (
	"context"

	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// InventoryClient 库存服务客户端，cardctl 与集成测试使用
type InventoryClient struct {
	cc grpc.ClientConnInterface
}

func NewInventoryClient(cc grpc.ClientConnInterface) *InventoryClient {
	return &InventoryClient{cc: cc}
}

// Dial 建立到库存服务的明文连接，所有调用使用 JSON 编码
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	return grpc.NewClient(target, opts...)
}

func invoke[Resp any](ctx context.Context, c *InventoryClient, method string, in interface{}) (*Resp, error) {
	out := new(Resp)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryClient) AddCard(ctx context.Context, in model.CardInput) (uint64, error) {
	resp, err := invoke[AddCardResponse](ctx, c, "AddCard", &AddCardRequest{Card: in})
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *InventoryClient) AddCards(ctx context.Context, in []model.CardInput) (*AddCardsResponse, error) {
	return invoke[AddCardsResponse](ctx, c, "AddCards", &AddCardsRequest{Cards: in})
}

func (c *InventoryClient) DeleteCard(ctx context.Context, req CardRequest) error {
	_, err := invoke[Empty](ctx, c, "DeleteCard", &req)
	return err
}

func (c *InventoryClient) GetCard(ctx context.Context, req CardRequest) (*model.GiftCard, error) {
	resp, err := invoke[CardResponse](ctx, c, "GetCard", &req)
	if err != nil {
		return nil, err
	}
	return resp.Card, nil
}

func (c *InventoryClient) ListCards(ctx context.Context, req ListCardsRequest) (*ListCardsResponse, error) {
	return invoke[ListCardsResponse](ctx, c, "ListCards", &req)
}

func (c *InventoryClient) Stats(ctx context.Context) (*model.CardStats, error) {
	return invoke[model.CardStats](ctx, c, "Stats", &Empty{})
}

func (c *InventoryClient) CardsForOrder(ctx context.Context, orderID uint64) ([]model.GiftCard, error) {
	resp, err := invoke[CardsResponse](ctx, c, "CardsForOrder", &OrderRequest{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	return resp.Cards, nil
}

func (c *InventoryClient) SyncProductStock(ctx context.Context, productID uint64) (int, error) {
	resp, err := invoke[StockResponse](ctx, c, "SyncProductStock", &ProductRequest{ProductID: productID})
	if err != nil {
		return 0, err
	}
	return resp.Stock, nil
}

func (c *InventoryClient) CalculateMissingCards(ctx context.Context, productID uint64) (int, error) {
	resp, err := invoke[MissingResponse](ctx, c, "CalculateMissingCards", &ProductRequest{ProductID: productID})
	if err != nil {
		return 0, err
	}
	return resp.Missing, nil
}

func (c *InventoryClient) AssignMissing(ctx context.Context, req AssignMissingRequest) ([]model.GiftCard, error) {
	resp, err := invoke[CardsResponse](ctx, c, "AssignMissing", &req)
	if err != nil {
		return nil, err
	}
	return resp.Cards, nil
}

func (c *InventoryClient) UnassignCard(ctx context.Context, req CardRequest) (*ReleaseResponse, error) {
	return invoke[ReleaseResponse](ctx, c, "UnassignCard", &req)
}

func (c *InventoryClient) EnableProduct(ctx context.Context, productID uint64) error {
	_, err := invoke[Empty](ctx, c, "EnableProduct", &ProductRequest{ProductID: productID})
	return err
}

func (c *InventoryClient) DispatchEvent(ctx context.Context, event service.OrderEvent) error {
	_, err := invoke[Empty](ctx, c, "DispatchEvent", &event)
	return err
}
