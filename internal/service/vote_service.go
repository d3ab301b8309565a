package service

import (
	"fmt"
	"log"
	"time"

	"github.com/heavenhold/heavenvote/config"
	"github.com/heavenhold/heavenvote/internal/identity"
	"github.com/heavenhold/heavenvote/internal/ledger"
	"github.com/heavenhold/heavenvote/internal/lock"
	"github.com/heavenhold/heavenvote/internal/model"
)

// VoteStore 投票账本存储
type VoteStore interface {
	UpsertVote(l ledger.Ledger, key ledger.SubjectKey, voter identity.Voter, direction model.Direction) error
	VoteStatus(l ledger.Ledger, key ledger.SubjectKey, voter identity.Voter) (*model.Direction, error)
	AggregateVotes(l ledger.Ledger, scopeID int64, voter identity.Voter) ([]*model.SubjectCount, error)
	TotalVotes(l ledger.Ledger, scopeID int64) ([]*model.SubjectCount, error)
	VoterVotes(l ledger.Ledger, scopeID int64, voter identity.Voter) ([]*model.VoterVote, error)
}

// TotalsCache 总数榜单缓存
type TotalsCache interface {
	GetTotals(kind ledger.Kind, scopeID int64) ([]*model.SubjectCount, bool, error)
	SetTotals(kind ledger.Kind, scopeID int64, counts []*model.SubjectCount) error
	DeleteTotals(kind ledger.Kind, scopeID int64) error
}

// EventPublisher 投票事件发布
type EventPublisher interface {
	SendVoteEvent(event *model.VoteEvent) error
}

// VoteService 投票服务。存储句柄按依赖注入传入，不使用全局句柄。
type VoteService struct {
	store     VoteStore
	cache     TotalsCache
	publisher EventPublisher
	rebuildMu lock.Lock
}

func NewVoteService(
	store VoteStore,
	cache TotalsCache,
	publisher EventPublisher,
	rebuildMu lock.Lock,
) *VoteService {
	return &VoteService{
		store:     store,
		cache:     cache,
		publisher: publisher,
		rebuildMu: rebuildMu,
	}
}

// CastVote 投票。同一投票者对同一主体重复投票会原地覆盖方向，
// 不产生新行，也没有历史记录。写库成功后失效本实例缓存，
// 再广播事件让其他实例失效各自的缓存。
func (s *VoteService) CastVote(
	kind ledger.Kind,
	key ledger.SubjectKey,
	direction model.Direction,
	userID int64,
	ipAddress, remoteAddr string,
) (*model.VoteResult, error) {
	led, err := ledger.FromKind(kind)
	if err != nil {
		return nil, err
	}

	if err := led.ValidateKey(key); err != nil {
		return nil, err
	}

	voter, err := identity.Resolve(userID, ipAddress, remoteAddr)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpsertVote(led, key, voter, direction); err != nil {
		return nil, fmt.Errorf("投票写入失败: %w", err)
	}

	// 缓存和事件失败只降级不回滚：票已落库，榜单最迟在TTL后追上
	s.invalidateTotals(led, key.ScopeID)

	if s.publisher != nil {
		event := &model.VoteEvent{
			Ledger:    string(led.Kind),
			ScopeID:   key.ScopeID,
			SubjectID: key.SubjectID,
			VotedAt:   time.Now(),
		}
		if err := s.publisher.SendVoteEvent(event); err != nil {
			log.Printf("发送投票事件到Kafka失败: %v", err)
		}
	}

	// 覆盖写是无条件的，写后状态就是请求的方向
	return &model.VoteResult{
		Success:     true,
		CurrentVote: direction,
	}, nil
}

// AggregateVotes 带投票者视角的赞踩统计，始终从账本实时计算
func (s *VoteService) AggregateVotes(
	kind ledger.Kind,
	scopeID int64,
	userID int64,
	ipAddress, remoteAddr string,
) ([]*model.SubjectCount, error) {
	led, err := ledger.FromKind(kind)
	if err != nil {
		return nil, err
	}

	if led.Scoped() && scopeID <= 0 {
		return nil, fmt.Errorf("%w: 账本 %s 需要 %s 范围ID", ledger.ErrInvalidSubject, led.Kind, led.ScopeColumn)
	}

	voter, err := identity.Resolve(userID, ipAddress, remoteAddr)
	if err != nil {
		return nil, err
	}

	return s.store.AggregateVotes(led, scopeID, voter)
}

// Totals 不带投票者视角的总数榜单，优先走缓存。
// scopeID 为 0 表示跨范围的全局榜单。缓存未命中时用分布式锁挑一个
// 实例回填，抢不到锁的实例直接读库返回但不写缓存，避免重建风暴。
func (s *VoteService) Totals(kind ledger.Kind, scopeID int64) ([]*model.SubjectCount, error) {
	led, err := ledger.FromKind(kind)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		counts, found, err := s.cache.GetTotals(led.Kind, scopeID)
		if err != nil {
			log.Printf("读取账本 %s 总数缓存失败: %v", led.Kind, err)
		}
		if found {
			return counts, nil
		}
	}

	counts, err := s.store.TotalVotes(led, scopeID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.fillTotalsCache(led.Kind, scopeID, counts)
	}

	return counts, nil
}

// fillTotalsCache 持锁回填总数缓存
func (s *VoteService) fillTotalsCache(kind ledger.Kind, scopeID int64, counts []*model.SubjectCount) {
	lockName := fmt.Sprintf("votes:rebuild:%s:%d", kind, scopeID)

	if s.rebuildMu != nil {
		acquired, err := s.rebuildMu.TryLock(lockName, config.AppConfig.Lock.Timeout)
		if err != nil {
			log.Printf("获取缓存重建锁 %s 失败: %v", lockName, err)
			return
		}
		if !acquired {
			return // 别的实例在重建
		}
		defer s.rebuildMu.ReleaseLock(lockName)
	}

	if err := s.cache.SetTotals(kind, scopeID, counts); err != nil {
		log.Printf("回填账本 %s 总数缓存失败: %v", kind, err)
	}
}

// VoteStatus 查询投票者在单个主体上的当前投票，返回 up/down/none
func (s *VoteService) VoteStatus(
	kind ledger.Kind,
	key ledger.SubjectKey,
	userID int64,
	ipAddress, remoteAddr string,
) (string, error) {
	led, err := ledger.FromKind(kind)
	if err != nil {
		return "", err
	}

	if err := led.ValidateKey(key); err != nil {
		return "", err
	}

	voter, err := identity.Resolve(userID, ipAddress, remoteAddr)
	if err != nil {
		return "", err
	}

	direction, err := s.store.VoteStatus(led, key, voter)
	if err != nil {
		return "", err
	}
	if direction == nil {
		return "none", nil
	}
	return direction.String(), nil
}

// MyVotes 列出投票者自己投过的主体
func (s *VoteService) MyVotes(
	kind ledger.Kind,
	scopeID int64,
	userID int64,
	ipAddress, remoteAddr string,
) ([]*model.VoterVote, error) {
	led, err := ledger.FromKind(kind)
	if err != nil {
		return nil, err
	}

	if led.Scoped() && scopeID <= 0 {
		return nil, fmt.Errorf("%w: 账本 %s 需要 %s 范围ID", ledger.ErrInvalidSubject, led.Kind, led.ScopeColumn)
	}

	voter, err := identity.Resolve(userID, ipAddress, remoteAddr)
	if err != nil {
		return nil, err
	}

	return s.store.VoterVotes(led, scopeID, voter)
}

// invalidateTotals 失效受一次写入影响的总数缓存：
// 写入所在的范围，外加带范围账本的全局榜单（范围0）。
func (s *VoteService) invalidateTotals(led ledger.Ledger, scopeID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteTotals(led.Kind, scopeID); err != nil {
		log.Printf("失效账本 %s 总数缓存失败: %v", led.Kind, err)
	}
	if led.Scoped() && scopeID != 0 {
		if err := s.cache.DeleteTotals(led.Kind, 0); err != nil {
			log.Printf("失效账本 %s 全局总数缓存失败: %v", led.Kind, err)
		}
	}
}

// ProcessVoteEvent 处理其他实例广播的投票事件，失效本实例的总数缓存
func (s *VoteService) ProcessVoteEvent(event *model.VoteEvent) error {
	led, err := ledger.FromKind(ledger.Kind(event.Ledger))
	if err != nil {
		return fmt.Errorf("投票事件携带未知账本: %w", err)
	}

	s.invalidateTotals(led, event.ScopeID)
	return nil
}
