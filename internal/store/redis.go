package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"rtsync/internal/model"
)

// RedisConfig Redis连接配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis 记录存在hash中，顺序由有序集合按Seq维护
type Redis struct {
	client   *redis.Client
	hashKey  string
	orderKey string
}

// OpenRedis 连接Redis并检查可用性
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis连接失败: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"addr": cfg.Addr,
		"db":   cfg.DB,
	}).Info("离线记录使用Redis存储")
	return NewRedis(client, cfg.Prefix), nil
}

// NewRedis 使用已有的客户端
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "rtsync:offline"
	}
	return &Redis{
		client:   client,
		hashKey:  prefix + ":records",
		orderKey: prefix + ":order",
	}
}

func (r *Redis) Put(ctx context.Context, rec model.OfflineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化离线记录失败: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.hashKey, rec.ID, data)
		pipe.ZAdd(ctx, r.orderKey, redis.Z{Score: float64(rec.Seq), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入Redis失败: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.hashKey, id)
		pipe.ZRem(ctx, r.orderKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("删除Redis记录失败: %w", err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context) ([]model.OfflineRecord, error) {
	ids, err := r.client.ZRange(ctx, r.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取记录顺序失败: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := r.client.HMGet(ctx, r.hashKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("读取Redis记录失败: %w", err)
	}

	out := make([]model.OfflineRecord, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec model.OfflineRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			logrus.WithError(err).WithField("id", ids[i]).Warn("离线记录解析失败，已跳过")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
