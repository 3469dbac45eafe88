package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"giftcard-inventory/internal/config"
	"giftcard-inventory/internal/model"
	"giftcard-inventory/internal/mq"
	"giftcard-inventory/internal/secret"
	"giftcard-inventory/internal/server"
	"giftcard-inventory/internal/service"

	"github.com/spf13/cobra"
)

func (c *cli) addCmd() *cobra.Command {
	var (
		in   model.CardInput
		file string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "入库一张卡，或用 --file 批量导入 JSON 数组",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				inputs, err := readCardFile(file)
				if err != nil {
					return err
				}
				return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
					resp, err := client.AddCards(ctx, inputs)
					if err != nil {
						return err
					}
					return c.print(resp)
				})
			}
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				id, err := client.AddCard(ctx, in)
				if err != nil {
					return err
				}
				return c.print(server.AddCardResponse{ID: id})
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&file, "file", "", "JSON 文件，内容为卡片数组")
	f.StringVar(&in.ProductID, "product", "", "商品 id")
	f.StringVar(&in.CardID, "card-id", "", "卡号（纯数字）")
	f.StringVar(&in.CardSecret, "secret", "", "卡密 XXXXX-XXXXX-XXXXX-XXXXX")
	f.StringVar(&in.ChainID, "chain", "", "链 id")
	f.StringVar(&in.TokenAddress, "token-address", "", "代币合约地址，原生币可省略")
	f.StringVar(&in.TokenSymbol, "symbol", "", "代币符号")
	f.StringVar(&in.TokenType, "token-type", "native", "native 或 erc20")
	f.StringVar(&in.TokenDecimals, "decimals", "18", "代币精度")
	f.StringVar(&in.Amount, "amount", "", "面值")
	f.StringVar(&in.Status, "status", "", "初始状态 available 或 inactive")
	return cmd
}

func readCardFile(path string) ([]model.CardInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	var inputs []model.CardInput
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("解析文件失败: %w", err)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("文件中没有卡片")
	}
	return inputs, nil
}

// cardRef 参数为纯数字时按 id 处理，--card-id 指定公开卡号
func cardRef(args []string, cardID string) (server.CardRequest, error) {
	if cardID != "" {
		return server.CardRequest{CardID: cardID}, nil
	}
	if len(args) == 0 {
		return server.CardRequest{}, fmt.Errorf("需要卡片 id 或 --card-id")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return server.CardRequest{}, fmt.Errorf("无效的卡片 id: %s", args[0])
	}
	return server.CardRequest{ID: id}, nil
}

func parseUintArg(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("无效的 %s: %s", name, s)
	}
	return v, nil
}

func (c *cli) deleteCmd() *cobra.Command {
	var cardID string
	cmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "删除未绑定订单的卡片",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := cardRef(args, cardID)
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				if err := client.DeleteCard(ctx, ref); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "已删除")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cardID, "card-id", "", "按卡号删除")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	var cardID string
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "查询卡片（含卡密明文）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := cardRef(args, cardID)
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				card, err := client.GetCard(ctx, ref)
				if err != nil {
					return err
				}
				return c.print(card)
			})
		},
	}
	cmd.Flags().StringVar(&cardID, "card-id", "", "按卡号查询")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var req server.ListCardsRequest
	cmd := &cobra.Command{
		Use:   "list",
		Short: "分页查询卡片",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				resp, err := client.ListCards(ctx, req)
				if err != nil {
					return err
				}
				return c.print(resp)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Status, "status", "", "available / sold / inactive")
	f.StringVar(&req.DeliveryStatus, "delivery-status", "", "交付状态")
	f.Uint64Var(&req.ChainID, "chain", 0, "链 id")
	f.Uint64Var(&req.ProductID, "product", 0, "商品 id")
	f.StringVar(&req.TokenType, "token-type", "", "native 或 erc20")
	f.StringVar(&req.Search, "search", "", "按卡号或代币符号搜索")
	f.StringVar(&req.OrderBy, "order-by", "created_at", "排序字段")
	f.StringVar(&req.Order, "order", "desc", "asc 或 desc")
	f.IntVar(&req.Page, "page", 1, "页码")
	f.IntVar(&req.PageSize, "page-size", 20, "每页数量（最多 100）")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "按状态统计卡片",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				stats, err := client.Stats(ctx)
				if err != nil {
					return err
				}
				return c.print(stats)
			})
		},
	}
}

func (c *cli) orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <order-id>",
		Short: "查询订单下的卡片",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseUintArg("订单 id", args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				cards, err := client.CardsForOrder(ctx, orderID)
				if err != nil {
					return err
				}
				return c.print(cards)
			})
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <product-id>",
		Short: "按可售卡与缺卡数量重算商品库存",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := parseUintArg("商品 id", args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				stock, err := client.SyncProductStock(ctx, productID)
				if err != nil {
					return err
				}
				return c.print(server.StockResponse{ProductID: productID, Stock: stock})
			})
		},
	}
}

func (c *cli) missingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "missing <product-id>",
		Short: "有效订单中尚未分配卡片的数量",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := parseUintArg("商品 id", args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				missing, err := client.CalculateMissingCards(ctx, productID)
				if err != nil {
					return err
				}
				return c.print(server.MissingResponse{ProductID: productID, Missing: missing})
			})
		},
	}
}

func (c *cli) assignMissingCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "assign-missing <order-id> <product-id>",
		Short: "为订单补卡，可售卡不足时整体失败",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseUintArg("订单 id", args[0])
			if err != nil {
				return err
			}
			productID, err := parseUintArg("商品 id", args[1])
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				cards, err := client.AssignMissing(ctx, server.AssignMissingRequest{
					OrderID: orderID, ProductID: productID, Count: count,
				})
				if err != nil {
					return err
				}
				return c.print(cards)
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "补卡数量，0 表示按订单缺口计算")
	return cmd
}

func (c *cli) unassignCmd() *cobra.Command {
	var cardID string
	cmd := &cobra.Command{
		Use:   "unassign [id]",
		Short: "解除卡片与订单的绑定",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := cardRef(args, cardID)
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				resp, err := client.UnassignCard(ctx, ref)
				if err != nil {
					return err
				}
				return c.print(resp)
			})
		},
	}
	cmd.Flags().StringVar(&cardID, "card-id", "", "按卡号解绑")
	return cmd
}

func (c *cli) enableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <product-id>",
		Short: "开启商品的礼品卡托管并重算库存",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := parseUintArg("商品 id", args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
				if err := client.EnableProduct(ctx, productID); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "已开启")
				return nil
			})
		},
	}
}

// publishEventCmd 默认发布到 RabbitMQ，--direct 时经 gRPC 同步处理
func (c *cli) publishEventCmd() *cobra.Command {
	var (
		event  service.OrderEvent
		items  string
		direct bool
	)
	cmd := &cobra.Command{
		Use:   "publish-event <type> <order-id>",
		Short: "投递订单事件（item_stock_reduced、order_completed 等）",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseUintArg("订单 id", args[1])
			if err != nil {
				return err
			}
			event.Type = args[0]
			event.OrderID = orderID
			if items != "" {
				if err := json.Unmarshal([]byte(items), &event.Items); err != nil {
					return fmt.Errorf("解析 --items 失败: %w", err)
				}
			}
			if err := event.Validate(); err != nil {
				return err
			}

			if direct {
				return c.call(cmd, func(ctx context.Context, client *server.InventoryClient) error {
					if err := client.DispatchEvent(ctx, event); err != nil {
						return err
					}
					fmt.Fprintln(c.out, "事件已处理")
					return nil
				})
			}
			return c.publishToMQ(event)
		},
	}
	f := cmd.Flags()
	f.Uint64Var(&event.ProductID, "product", 0, "商品 id")
	f.IntVar(&event.Delta, "delta", 0, "扣减数量（item_stock_reduced）")
	f.IntVar(&event.OldQty, "old-qty", 0, "原数量")
	f.IntVar(&event.NewQty, "new-qty", 0, "新数量")
	f.StringVar(&items, "items", "", `订单行 JSON，如 [{"product_id":1,"quantity":2}]`)
	f.BoolVar(&direct, "direct", false, "不经 MQ，直接调用 gRPC")
	return cmd
}

func (c *cli) publishToMQ(event service.OrderEvent) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if cfg.RabbitMQURL == "" {
		return fmt.Errorf("未配置 RABBITMQ_URL，请使用 --direct")
	}
	client, err := mq.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	defer client.Close()
	if err := client.PublishEvent(event); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "事件已发布")
	return nil
}

// watchNotifyCmd 持续打印缺卡与补卡通知，直到收到退出信号
func (c *cli) watchNotifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch-notify",
		Short: "订阅库存通知（缺卡、补卡、交付后退回）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			client, err := mq.NewRabbitMQ(cfg.RabbitMQURL)
			if err != nil {
				return fmt.Errorf("连接 RabbitMQ 失败: %w", err)
			}
			defer client.Close()

			msgs, err := client.ConsumeNotify()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-msgs:
					if !ok {
						return fmt.Errorf("通知队列已关闭")
					}
					var msg mq.NotifyMessage
					if err := json.Unmarshal(d.Body, &msg); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "无法解析通知: %v\n", err)
						continue
					}
					if err := c.print(msg); err != nil {
						return err
					}
				}
			}
		},
	}
}

func keygenCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "生成卡密加密密钥（已存在时不覆盖）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("加载配置失败: %w", err)
				}
				path = cfg.SecretKeyFile
			}
			created, err := secret.GenerateKey(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "已生成密钥: %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "密钥已存在，未覆盖: %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "密钥文件路径，默认取 SECRET_KEY_FILE")
	return cmd
}
