package lock

import (
	"fmt"
	"time"
)

// Lock 分布式锁接口，用于在多实例部署下串行化榜单缓存重建。
// 拿不到锁不是错误：调用方直接绕过缓存读库即可。
type Lock interface {
	// TryLock 尝试获取一次锁，不重试
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	TryLock(lockName string, ttl time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁
	ReleaseLock(lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	Close() error
}

// New 按配置选择锁后端
func New(backend string) (Lock, error) {
	switch backend {
	case "redlock":
		return NewRedLock()
	case "etcd":
		return NewETCDLock()
	default:
		return nil, fmt.Errorf("未知的锁后端: %q", backend)
	}
}
