package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"giftcard-inventory/internal/config"
	"giftcard-inventory/internal/db"
	"giftcard-inventory/internal/metrics"
	"giftcard-inventory/internal/mq"
	"giftcard-inventory/internal/repository"
	"giftcard-inventory/internal/secret"
	"giftcard-inventory/internal/server"
	"giftcard-inventory/internal/service"
	"giftcard-inventory/pkg/univoucher"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	setupLogging(cfg.LogLevel)
	log.Infof("配置加载成功, gRPC端口: %d, HTTP端口: %d", cfg.GRPCPort, cfg.HTTPPort)

	// 2. 连接数据库并迁移
	conn, err := db.Open(cfg.DSN())
	if err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}
	if err := repository.Migrate(conn); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	log.Info("数据库连接成功，迁移完成")

	// 3. 卡密密钥：缺失时生成，无法读取时拒绝启动
	cipher := secret.NewCipher(cfg.SecretKeyFile)
	if err := cipher.Ready(); err != nil {
		log.Fatalf("加载卡密密钥失败: %v", err)
	}
	log.WithField("path", cfg.SecretKeyFile).Info("卡密密钥已加载")

	m := metrics.New(prometheus.DefaultRegisterer)

	// 4. 初始化 Repository 与 Service
	cardRepo := repository.NewCardRepository(conn)
	commerceRepo := repository.NewCommerceRepository(conn)

	invOpts := []service.InventoryOption{
		service.WithInventoryMetrics(m),
		service.WithStockRetryDelay(cfg.StockRetryDelay()),
	}
	if cfg.VerifyCards {
		invOpts = append(invOpts, service.WithVerifier(
			service.NewUniVoucherVerifier(univoucher.NewClient(cfg.UniVoucherAPIURL)),
		))
		log.WithField("api", cfg.UniVoucherAPIURL).Info("已启用入库校验")
	}
	inventory := service.NewInventoryService(cardRepo, commerceRepo, cipher, invOpts...)

	engineOpts := []service.EngineOption{
		service.WithEngineMetrics(m),
		service.WithActiveStatuses(cfg.ActiveOrderStatuses),
		service.WithEngineRetryDelay(cfg.StockRetryDelay()),
	}

	// 5. 连接 RabbitMQ（可选）
	var mqClient *mq.RabbitMQ
	if cfg.RabbitMQURL != "" {
		mqClient, err = mq.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("连接 RabbitMQ 失败: %v", err)
		}
		defer mqClient.Close()
		engineOpts = append(engineOpts, service.WithNotifier(mqClient))
		log.Info("RabbitMQ 连接成功")
	} else {
		log.Warn("未配置 RABBITMQ_URL，订单事件只能通过 gRPC 投递")
	}
	engine := service.NewStockEngine(cardRepo, inventory, commerceRepo, engineOpts...)

	// 6. 创建可取消的 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 7. 启动订单事件消费者
	if mqClient != nil {
		service.NewEventConsumer(mqClient, engine, m).Start(ctx)
	}

	// 8. 启动 gRPC 服务
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		log.Fatalf("监听端口失败: %v", err)
	}
	grpcServer := server.NewGRPCServer(server.NewInventoryServer(inventory, engine))
	go func() {
		log.Infof("gRPC 服务已启动，监听端口: %d", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("gRPC 服务异常: %v", err)
		}
	}()

	// 9. 启动 HTTP 服务
	httpServer := server.NewHTTPServer(inventory, prometheus.DefaultGatherer, cfg.HTTPPort)
	go func() {
		log.Infof("HTTP 服务已启动，监听端口: %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务异常: %v", err)
		}
	}()

	// 10. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infof("收到退出信号: %v", sig)

	cancel()
	grpcServer.GracefulStop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP 服务关闭异常")
	}
	if sqlDB, err := conn.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("服务已优雅退出")
}

func setupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warnf("无效的 LOG_LEVEL %q，使用 info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
