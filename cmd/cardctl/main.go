package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"giftcard-inventory/internal/config"
	"giftcard-inventory/internal/server"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var Version = "dev"

// dial 建立到库存服务的连接，测试中替换为 bufconn
var dial = func(addr string) (grpc.ClientConnInterface, func() error, error) {
	conn, err := server.Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return conn, conn.Close, nil
}

type cli struct {
	addr    string
	timeout time.Duration
	out     io.Writer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{out: os.Stdout}

	rootCmd := &cobra.Command{
		Use:           "cardctl",
		Short:         "礼品卡库存管理工具",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.out = cmd.OutOrStdout()
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.addr, "addr", defaultAddr(), "库存服务 gRPC 地址")
	rootCmd.PersistentFlags().DurationVar(&c.timeout, "timeout", 10*time.Second, "单次调用超时")

	rootCmd.AddCommand(
		c.addCmd(),
		c.deleteCmd(),
		c.getCmd(),
		c.listCmd(),
		c.statsCmd(),
		c.orderCmd(),
		c.syncCmd(),
		c.missingCmd(),
		c.assignMissingCmd(),
		c.unassignCmd(),
		c.enableCmd(),
		c.publishEventCmd(),
		c.watchNotifyCmd(),
		keygenCmd(),
	)
	return rootCmd
}

func defaultAddr() string {
	port := 50051
	if cfg, err := config.Load(); err == nil {
		port = cfg.GRPCPort
	}
	return fmt.Sprintf("localhost:%d", port)
}

// call 建立连接并在超时内执行 fn
func (c *cli) call(cmd *cobra.Command, fn func(ctx context.Context, client *server.InventoryClient) error) error {
	conn, closeFn, err := dial(c.addr)
	if err != nil {
		return fmt.Errorf("连接库存服务失败: %w", err)
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	return fn(ctx, server.NewInventoryClient(conn))
}

func (c *cli) print(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
