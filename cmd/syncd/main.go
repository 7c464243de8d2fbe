package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "实时事件同步守护进程",
		Long:          "syncd 维护到同步服务的WebSocket连接，断线期间保存离线事件，并通过本地HTTP桥向协作进程提供发布和订阅。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("mode", "", "配置名，对应configs/<mode>.yaml，默认读取MODE环境变量")
	root.PersistentFlags().String("config-dir", "", "额外的配置目录，优先于./configs")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
			if err := os.Setenv("MODE", mode); err != nil {
				return err
			}
		}
		if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
			if err := os.Setenv("RTSYNC_CONFIG_DIR", dir); err != nil {
				return err
			}
		}
		return nil
	}

	root.AddCommand(newRunCmd(), newTokenCmd(), newBridgeTokenCmd())
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
