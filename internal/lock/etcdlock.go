package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/heavenhold/heavenvote/config"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdLock 实现分布式锁接口，基于租约加事务抢键
type EtcdLock struct {
	client *clientv3.Client
	mu     sync.Mutex            // 保护locks的互斥锁
	locks  map[string]*lockEntry // 当前持有的锁
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
}

func NewETCDLock() (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.AppConfig.ETCD.Endpoints,
		DialTimeout: config.AppConfig.ETCD.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &EtcdLock{
		client: cli,
		locks:  make(map[string]*lockEntry),
	}, nil
}

// TryLock 尝试获取一次锁。租约TTL即锁的有效期，不做自动续约：
// 缓存重建耗时远小于TTL，持有者崩溃后锁随租约过期自然释放。
func (el *EtcdLock) TryLock(lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	// 检查是否已持有锁
	if _, ok := el.locks[lockName]; ok {
		return false, nil
	}

	key := fmt.Sprintf("/locks/%s", lockName)
	ctx, cancel := context.WithTimeout(context.Background(), config.AppConfig.ETCD.RequestTimeout)
	defer cancel()

	ttlSeconds := int64(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	// 创建租约
	lease := clientv3.NewLease(el.client)
	grantResp, err := lease.Grant(ctx, ttlSeconds)
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	// 尝试获取锁
	txn := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Else()

	txnResp, err := txn.Commit()
	if err != nil {
		lease.Revoke(context.Background(), grantResp.ID)
		return false, fmt.Errorf("事务执行失败: %w", err)
	}

	if !txnResp.Succeeded {
		lease.Revoke(context.Background(), grantResp.ID)
		return false, nil
	}

	// 记录锁信息
	el.locks[lockName] = &lockEntry{
		leaseID: grantResp.ID,
		key:     key,
	}

	return true, nil
}

func (el *EtcdLock) ReleaseLock(lockName string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	return el.releaseLock(lockName)
}

func (el *EtcdLock) ReleaseAllLocks() {
	el.mu.Lock()
	defer el.mu.Unlock()

	for lockName := range el.locks {
		el.releaseLock(lockName)
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks()
	return el.client.Close()
}

// 内部释放锁方法
func (el *EtcdLock) releaseLock(lockName string) error {
	entry, ok := el.locks[lockName]
	if !ok {
		return nil
	}

	// 删除键
	if _, err := el.client.Delete(context.Background(), entry.key); err != nil {
		return fmt.Errorf("删除键失败: %w", err)
	}

	// 释放租约
	if _, err := clientv3.NewLease(el.client).Revoke(context.Background(), entry.leaseID); err != nil {
		return fmt.Errorf("释放租约失败: %w", err)
	}

	delete(el.locks, lockName)
	return nil
}
