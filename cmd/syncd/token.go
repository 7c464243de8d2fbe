package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rtsync/internal/config"
	"rtsync/internal/service"
)

// newTokenCmd 生成开发用的连接令牌
func newTokenCmd() *cobra.Command {
	var (
		userID    string
		sessionID string
		secret    string
		hours     int
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "生成开发用的JWT连接令牌",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return fmt.Errorf("缺少--user")
			}
			if secret == "" || hours <= 0 {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if secret == "" {
					secret = cfg.JWT.Secret
				}
				if hours <= 0 {
					hours = cfg.JWT.ExpirationHours
				}
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			tokens := service.NewTokenService(secret, time.Duration(hours)*time.Hour)
			token, err := tokens.GenerateToken(userID, sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "用户id")
	cmd.Flags().StringVar(&sessionID, "session", "", "会话id，默认随机生成")
	cmd.Flags().StringVar(&secret, "secret", "", "签名密钥，默认使用jwt.secret")
	cmd.Flags().IntVar(&hours, "hours", 0, "有效期小时数，默认使用jwt.expiration_hours")
	return cmd
}

// newBridgeTokenCmd 输出本地HTTP桥的访问令牌
func newBridgeTokenCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "bridge-token",
		Short: "根据server.bridge_secret计算本地HTTP桥的访问令牌",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				secret = cfg.Server.BridgeSecret
			}
			if secret == "" {
				return fmt.Errorf("未配置server.bridge_secret，本地HTTP桥不需要令牌")
			}
			fmt.Fprintln(cmd.OutOrStdout(), service.DeriveBridgeToken(secret))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "共享密钥，默认使用server.bridge_secret")
	return cmd
}
