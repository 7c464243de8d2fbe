package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"rtsync/internal/model"
	"rtsync/internal/service"
	"rtsync/internal/store"
)

type Config struct {
	Mode          string         `mapstructure:"mode"`
	Server        Server         `mapstructure:"server"`
	Connection    Connection     `mapstructure:"connection"`
	Queue         Queue          `mapstructure:"queue"`
	Cache         Cache          `mapstructure:"cache"`
	Offline       Offline        `mapstructure:"offline"`
	Store         store.Config   `mapstructure:"store"`
	Auth          Auth           `mapstructure:"auth"`
	JWT           JWT            `mapstructure:"jwt"`
	CORS          CORS           `mapstructure:"cors"`
	Log           Log            `mapstructure:"log"`
	Subscriptions []Subscription `mapstructure:"subscriptions"`
}

// Server 本地HTTP桥
type Server struct {
	Port         string `mapstructure:"port"`
	BridgeSecret string `mapstructure:"bridge_secret"`
}

// Connection 上游WebSocket连接
type Connection struct {
	URL                    string        `mapstructure:"url"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectBase          time.Duration `mapstructure:"reconnect_base"`
	MaxReconnectAttempts   int           `mapstructure:"max_reconnect_attempts"`
	ReconnectCapMultiplier int           `mapstructure:"reconnect_cap_multiplier"`
	ReconnectJitter        time.Duration `mapstructure:"reconnect_jitter"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	AckTimeout             time.Duration `mapstructure:"ack_timeout"`
	BatchSize              int           `mapstructure:"batch_size"`
	FlushInterval          time.Duration `mapstructure:"flush_interval"`
	Capabilities           []string      `mapstructure:"capabilities"`
}

type Queue struct {
	MaxBufferSize int `mapstructure:"max_buffer_size"`
	MaxAttempts   int `mapstructure:"max_attempts"`
	AckHistory    int `mapstructure:"ack_history"`
	MaxFailed     int `mapstructure:"max_failed"`
}

type Cache struct {
	MaxEntries int           `mapstructure:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"`
}

type Offline struct {
	MaxRecords  int           `mapstructure:"max_records"`
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
}

// Auth 连接上游使用的凭证
type Auth struct {
	Token     string `mapstructure:"token"`
	UserID    string `mapstructure:"user_id"`
	SessionID string `mapstructure:"session_id"`
}

type JWT struct {
	Secret          string `mapstructure:"secret"`
	ExpirationHours int    `mapstructure:"expiration_hours"`
}

type CORS struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	MaxEntries int    `mapstructure:"max_entries"`
	Dir        string `mapstructure:"dir"`
}

// Subscription 启动时建立的订阅
type Subscription struct {
	Channels           []string `mapstructure:"channels"`
	EventTypes         []string `mapstructure:"event_types"`
	Priority           string   `mapstructure:"priority"`
	MaxEventsPerSecond int      `mapstructure:"max_events_per_second"`
}

// Load 按MODE读取./configs下的配置，环境变量RTSYNC_*覆盖文件中的值
func Load() (*Config, error) {
	// 确定运行模式
	mode := os.Getenv("MODE")
	if mode == "" {
		mode = "local" // 默认本地调试模式
	}

	viper.Reset()
	v := viper.GetViper()
	v.SetConfigName(mode)
	v.SetConfigType("yaml")
	if dir := os.Getenv("RTSYNC_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("./configs")

	// 设置环境变量前缀
	v.SetEnvPrefix("RTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("配置文件解析失败: %w", err)
		}
		logrus.WithField("mode", mode).Warn("配置文件不存在，使用默认配置")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("配置解析失败: %w", err)
	}
	cfg.Mode = mode
	return &cfg, nil
}

// Default 只包含默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("默认配置无法解析: %v", err))
	}
	cfg.Mode = "local"
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8090")
	v.SetDefault("server.bridge_secret", "")

	v.SetDefault("connection.url", "ws://localhost:8080/ws")
	v.SetDefault("connection.heartbeat_interval", service.DefaultHeartbeatInterval)
	v.SetDefault("connection.reconnect_base", service.DefaultReconnectBase)
	v.SetDefault("connection.max_reconnect_attempts", service.DefaultMaxReconnectAttempts)
	v.SetDefault("connection.reconnect_cap_multiplier", service.DefaultReconnectCapMultiplier)
	v.SetDefault("connection.reconnect_jitter", service.DefaultReconnectJitter)
	v.SetDefault("connection.connect_timeout", service.DefaultConnectTimeout)
	v.SetDefault("connection.ack_timeout", service.DefaultAckTimeout)
	v.SetDefault("connection.batch_size", service.DefaultBatchSize)
	v.SetDefault("connection.flush_interval", service.DefaultFlushInterval)
	v.SetDefault("connection.capabilities", []string{"read", "write", "subscribe"})

	v.SetDefault("queue.max_buffer_size", service.DefaultMaxBufferSize)
	v.SetDefault("queue.max_attempts", service.DefaultMaxAttempts)
	v.SetDefault("queue.ack_history", service.DefaultAckHistory)
	v.SetDefault("queue.max_failed", service.DefaultMaxFailed)

	v.SetDefault("cache.max_entries", service.DefaultCacheMaxEntries)
	v.SetDefault("cache.ttl", service.DefaultCacheTTL)

	v.SetDefault("offline.max_records", service.DefaultOfflineMaxRecords)
	v.SetDefault("offline.sync_timeout", service.DefaultSyncTimeout)

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "data/offline.json")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.key_prefix", "rtsync")

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.session_id", "")

	v.SetDefault("jwt.secret", "rtsync-dev-secret")
	v.SetDefault("jwt.expiration_hours", 720) // 30天

	v.SetDefault("cors.allowed_origins", []string{
		"http://localhost:3000",
		"http://localhost:5173",
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_entries", 200)
	v.SetDefault("log.dir", "logs")
}

// PipelineConfig 转换为管道配置
func (c *Config) PipelineConfig() service.PipelineConfig {
	return service.PipelineConfig{
		Connection: service.ConnectionConfig{
			URL:                    c.Connection.URL,
			HeartbeatInterval:      c.Connection.HeartbeatInterval,
			ReconnectBase:          c.Connection.ReconnectBase,
			MaxReconnectAttempts:   c.Connection.MaxReconnectAttempts,
			ReconnectCapMultiplier: c.Connection.ReconnectCapMultiplier,
			ReconnectJitter:        c.Connection.ReconnectJitter,
			ConnectTimeout:         c.Connection.ConnectTimeout,
			AckTimeout:             c.Connection.AckTimeout,
			BatchSize:              c.Connection.BatchSize,
			FlushInterval:          c.Connection.FlushInterval,
			Capabilities:           c.Connection.Capabilities,
			Queue: service.QueueConfig{
				MaxBufferSize: c.Queue.MaxBufferSize,
				MaxAttempts:   c.Queue.MaxAttempts,
				AckHistory:    c.Queue.AckHistory,
				MaxFailed:     c.Queue.MaxFailed,
			},
		},
		Cache: service.CacheConfig{
			MaxEntries: c.Cache.MaxEntries,
			TTL:        c.Cache.TTL,
		},
		OfflineMaxRecords: c.Offline.MaxRecords,
		SyncTimeout:       c.Offline.SyncTimeout,
	}
}

// Credentials 上游连接凭证
func (c *Config) Credentials() service.Credentials {
	return service.Credentials{
		Token:     c.Auth.Token,
		UserID:    c.Auth.UserID,
		SessionID: c.Auth.SessionID,
	}
}

// SubscriptionConfigs 启动订阅转换为频道和订阅配置
func (c *Config) SubscriptionConfigs() []model.SubscriptionConfig {
	out := make([]model.SubscriptionConfig, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		sc := model.SubscriptionConfig{
			Priority:           model.Priority(s.Priority),
			MaxEventsPerSecond: s.MaxEventsPerSecond,
		}
		for _, ch := range s.Channels {
			sc.Channels = append(sc.Channels, model.Channel(ch))
		}
		for _, t := range s.EventTypes {
			sc.EventTypes = append(sc.EventTypes, model.EventType(t))
		}
		out = append(out, sc)
	}
	return out
}

// WatchLogLevel 配置文件变化时重新应用日志级别
func WatchLogLevel(apply func(logrus.Level)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		reloadLogLevel(viper.GetViper(), e, apply)
	})
	viper.WatchConfig()
}

func reloadLogLevel(v *viper.Viper, e fsnotify.Event, apply func(logrus.Level)) {
	raw := v.GetString("log.level")
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"file":  e.Name,
			"level": raw,
		}).Warn("日志级别无效，忽略")
		return
	}
	apply(level)
	logrus.WithFields(logrus.Fields{
		"file":  e.Name,
		"level": level.String(),
	}).Info("日志级别已更新")
}
