package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/heavenhold/heavenvote/config"
)

// 只释放自己持有的锁
const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// RedLock 基于多个独立Redis节点的分布式锁
type RedLock struct {
	clients     []*redis.Client
	ctx         context.Context
	mu          sync.Mutex
	locks       map[string]string // key是锁名，value是token值
	clusterSize int
}

// NewRedLock 创建新的分布式锁客户端
func NewRedLock() (*RedLock, error) {
	ctx := context.Background()

	// 创建多个独立的Redis客户端
	var clients []*redis.Client

	for _, addr := range config.AppConfig.Redis.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
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
			// 关闭已创建的客户端
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}

	return &RedLock{
		clients:     clients,
		ctx:         ctx,
		locks:       make(map[string]string),
		clusterSize: len(clients),
	}, nil
}

// TryLock 尝试获取一次锁。
// Redlock判定：多数节点SetNX成功且剩余有效期为正才算持有。
func (r *RedLock) TryLock(lockName string, ttl time.Duration) (bool, error) {
	token, err := newToken()
	if err != nil {
		return false, fmt.Errorf("生成锁令牌失败: %w", err)
	}

	start := time.Now()
	success := 0

	for i, client := range r.clients {
		ok, err := client.SetNX(r.ctx, lockName, token, ttl).Result()
		if err != nil {
			log.Printf("在节点 %s 获取锁 %s 失败: %v", config.AppConfig.Redis.LockAddresses[i], lockName, err)
			continue
		}
		if ok {
			success++
		}
	}

	validity := ttl - time.Since(start)
	if success >= (r.clusterSize/2+1) && validity > 0 {
		r.mu.Lock()
		r.locks[lockName] = token
		r.mu.Unlock()
		return true, nil
	}

	// 未达多数，回收已占的节点
	r.unlockAll(lockName, token)
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(lockName string) error {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	if exists {
		delete(r.locks, lockName)
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	r.unlockAll(lockName, token)
	return nil
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(lockName string, token string) {
	for i, client := range r.clients {
		if _, err := client.Eval(r.ctx, unlockScript, []string{lockName}, token).Result(); err != nil {
			log.Printf("在节点 %s 释放锁 %s 失败: %v", config.AppConfig.Redis.LockAddresses[i], lockName, err)
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	held := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	for name, token := range held {
		r.unlockAll(name, token)
	}
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			log.Printf("关闭Redis客户端失败: %v", err)
		}
	}

	return nil
}

// newToken 生成随机锁令牌
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
