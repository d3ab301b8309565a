package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/heavenhold/heavenvote/config"
	"github.com/heavenhold/heavenvote/internal/ledger"
	"github.com/heavenhold/heavenvote/internal/model"
)

const (
	// Redis键前缀
	TotalsKeyPrefix = "votes:totals:"
)

// RedisRepository 赞踩总数的Redis缓存。
// 只缓存不带投票者视角的总数榜单，带视角的查询始终直达数据库。
type RedisRepository struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisRepository() (*RedisRepository, error) {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	return &RedisRepository{
		client: client,
		ctx:    ctx,
	}, nil
}

// TotalsKey 总数缓存的键：votes:totals:<账本>:<范围ID>
func TotalsKey(kind ledger.Kind, scopeID int64) string {
	return TotalsKeyPrefix + string(kind) + ":" + strconv.FormatInt(scopeID, 10)
}

// GetTotals 从缓存获取总数榜单
func (r *RedisRepository) GetTotals(kind ledger.Kind, scopeID int64) ([]*model.SubjectCount, bool, error) {
	data, err := r.client.Get(r.ctx, TotalsKey(kind, scopeID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, fmt.Errorf("获取总数缓存失败: %w", err)
	}

	var counts []*model.SubjectCount
	if err := json.Unmarshal([]byte(data), &counts); err != nil {
		return nil, false, fmt.Errorf("解析总数缓存失败: %w", err)
	}

	return counts, true, nil
}

// SetTotals 写入总数榜单缓存
func (r *RedisRepository) SetTotals(kind ledger.Kind, scopeID int64, counts []*model.SubjectCount) error {
	data, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("序列化总数榜单失败: %w", err)
	}

	key := TotalsKey(kind, scopeID)
	if err := r.client.Set(r.ctx, key, data, config.AppConfig.Cache.TotalsTTL).Err(); err != nil {
		return fmt.Errorf("写入总数缓存失败: %w", err)
	}
	return nil
}

// DeleteTotals 投票写入后失效对应范围的总数缓存
func (r *RedisRepository) DeleteTotals(kind ledger.Kind, scopeID int64) error {
	if err := r.client.Del(r.ctx, TotalsKey(kind, scopeID)).Err(); err != nil {
		return fmt.Errorf("删除总数缓存失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
