package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rtsync/internal/config"
	"rtsync/internal/handler"
	"rtsync/internal/metrics"
	"rtsync/internal/service"
	"rtsync/internal/store"
	"rtsync/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "连接同步服务并启动本地HTTP桥",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// 初始化日志
	logger.Init(cfg.Log.Level, cfg.Log.MaxEntries, cfg.Log.Dir)
	config.WatchLogLevel(logrus.SetLevel)

	// 根据模式设置Gin
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("打开离线存储失败: %w", err)
	}

	tokens := service.NewTokenService(cfg.JWT.Secret, time.Duration(cfg.JWT.ExpirationHours)*time.Hour)
	p, err := service.NewPipeline(ctx, cfg.PipelineConfig(), service.PipelineDeps{
		Store:   st,
		Metrics: metrics.New(reg),
		Tokens:  tokens,
	})
	if err != nil {
		st.Close()
		return fmt.Errorf("创建管道失败: %w", err)
	}

	p.Signals().AuthFailed.On(func(err *service.AuthError) {
		logrus.WithFields(logrus.Fields{
			"code":   err.Code,
			"reason": err.Reason,
		}).Error("凭证被拒绝，停止重连")
	})
	p.Signals().ReconnectFailed.On(func(attempts int) {
		logrus.WithField("attempts", attempts).Error("重连次数耗尽")
	})

	for _, sc := range cfg.SubscriptionConfigs() {
		if _, err := p.Subscribe(sc.Channels, sc); err != nil {
			p.Close()
			return fmt.Errorf("订阅%v失败: %w", sc.Channels, err)
		}
	}

	router := handler.NewRouter(handler.RouterConfig{
		Pipeline:       p,
		Gatherer:       reg,
		Auth:           service.NewBridgeAuthService(cfg.Server.BridgeSecret),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	creds := credentials(cfg, tokens)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := p.Connect(gctx, creds); err != nil {
			if service.IsAuthError(err) {
				return err
			}
			// 传输层失败由连接管理器在后台重连
			logrus.WithError(err).Warn("首次连接失败，等待重连")
		}
		return nil
	})

	g.Go(func() error {
		logrus.WithField("port", cfg.Server.Port).Info("启动本地HTTP桥")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP服务启动失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("正在关闭服务...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("HTTP服务关闭超时")
		}
		return p.Close()
	})

	err = g.Wait()
	logrus.Info("服务已关闭")
	return err
}

// credentials 缺少用户id时从令牌声明中读取，缺少会话id时生成一个
func credentials(cfg *config.Config, tokens *service.TokenService) service.Credentials {
	creds := cfg.Credentials()
	if creds.Token != "" && (creds.UserID == "" || creds.SessionID == "") {
		if claims, _ := tokens.Inspect(creds.Token); claims != nil {
			if creds.UserID == "" {
				creds.UserID = claims.UserID
			}
			if creds.SessionID == "" {
				creds.SessionID = claims.SessionID
			}
		}
	}
	if creds.SessionID == "" {
		creds.SessionID = uuid.NewString()
	}
	return creds
}
