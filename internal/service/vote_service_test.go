package service

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/heavenhold/heavenvote/internal/identity"
	"github.com/heavenhold/heavenvote/internal/ledger"
	"github.com/heavenhold/heavenvote/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore 内存版投票账本，和MySQL仓库遵守同一套一人一票语义
type memStore struct {
	rows map[ledger.Kind][]*memRow
}

type memRow struct {
	key       ledger.SubjectKey
	voter     identity.Voter
	direction model.Direction
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[ledger.Kind][]*memRow)}
}

// sameVoter 身份匹配：注册用户按用户ID，匿名按IP，两类永不互相匹配
func sameVoter(a, b identity.Voter) bool {
	if a.Registered() != b.Registered() {
		return false
	}
	if a.Registered() {
		return a.UserID == b.UserID
	}
	return a.IPAddress == b.IPAddress
}

func (s *memStore) UpsertVote(l ledger.Ledger, key ledger.SubjectKey, voter identity.Voter, direction model.Direction) error {
	for _, row := range s.rows[l.Kind] {
		if row.key == key && sameVoter(row.voter, voter) {
			row.direction = direction
			return nil
		}
	}
	s.rows[l.Kind] = append(s.rows[l.Kind], &memRow{key: key, voter: voter, direction: direction})
	return nil
}

func (s *memStore) VoteStatus(l ledger.Ledger, key ledger.SubjectKey, voter identity.Voter) (*model.Direction, error) {
	for _, row := range s.rows[l.Kind] {
		if row.key == key && sameVoter(row.voter, voter) {
			direction := row.direction
			return &direction, nil
		}
	}
	return nil, nil
}

func (s *memStore) AggregateVotes(l ledger.Ledger, scopeID int64, voter identity.Voter) ([]*model.SubjectCount, error) {
	grouped := make(map[int64]*model.SubjectCount)
	for _, row := range s.rows[l.Kind] {
		if l.Scoped() && row.key.ScopeID != scopeID {
			continue
		}
		count, ok := grouped[row.key.SubjectID]
		if !ok {
			count = &model.SubjectCount{SubjectID: row.key.SubjectID}
			grouped[row.key.SubjectID] = count
		}
		if row.direction == model.DirectionUp {
			count.UpCount++
		} else {
			count.DownCount++
		}
		if sameVoter(row.voter, voter) {
			direction := row.direction
			count.UserVote = &direction
		}
	}
	return sortCounts(grouped), nil
}

func (s *memStore) TotalVotes(l ledger.Ledger, scopeID int64) ([]*model.SubjectCount, error) {
	grouped := make(map[int64]*model.SubjectCount)
	for _, row := range s.rows[l.Kind] {
		if l.Scoped() && scopeID > 0 && row.key.ScopeID != scopeID {
			continue
		}
		count, ok := grouped[row.key.SubjectID]
		if !ok {
			count = &model.SubjectCount{SubjectID: row.key.SubjectID}
			grouped[row.key.SubjectID] = count
		}
		if row.direction == model.DirectionUp {
			count.UpCount++
		} else {
			count.DownCount++
		}
	}
	return sortCounts(grouped), nil
}

func (s *memStore) VoterVotes(l ledger.Ledger, scopeID int64, voter identity.Voter) ([]*model.VoterVote, error) {
	var votes []*model.VoterVote
	for _, row := range s.rows[l.Kind] {
		if l.Scoped() && row.key.ScopeID != scopeID {
			continue
		}
		if sameVoter(row.voter, voter) {
			votes = append(votes, &model.VoterVote{SubjectID: row.key.SubjectID, Direction: row.direction})
		}
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].SubjectID < votes[j].SubjectID })
	return votes, nil
}

// sortCounts 赞数降序，平局按主体ID升序
func sortCounts(grouped map[int64]*model.SubjectCount) []*model.SubjectCount {
	counts := make([]*model.SubjectCount, 0, len(grouped))
	for _, count := range grouped {
		counts = append(counts, count)
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].UpCount != counts[j].UpCount {
			return counts[i].UpCount > counts[j].UpCount
		}
		return counts[i].SubjectID < counts[j].SubjectID
	})
	return counts
}

// memCache 内存版总数缓存
type memCache struct {
	data map[string][]*model.SubjectCount
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]*model.SubjectCount)}
}

func cacheKey(kind ledger.Kind, scopeID int64) string {
	return fmt.Sprintf("%s:%d", kind, scopeID)
}

func (c *memCache) GetTotals(kind ledger.Kind, scopeID int64) ([]*model.SubjectCount, bool, error) {
	counts, ok := c.data[cacheKey(kind, scopeID)]
	return counts, ok, nil
}

func (c *memCache) SetTotals(kind ledger.Kind, scopeID int64, counts []*model.SubjectCount) error {
	c.data[cacheKey(kind, scopeID)] = counts
	return nil
}

func (c *memCache) DeleteTotals(kind ledger.Kind, scopeID int64) error {
	delete(c.data, cacheKey(kind, scopeID))
	return nil
}

// memPublisher 记录发布过的事件
type memPublisher struct {
	events []*model.VoteEvent
}

func (p *memPublisher) SendVoteEvent(event *model.VoteEvent) error {
	p.events = append(p.events, event)
	return nil
}

func newTestService() (*VoteService, *memStore, *memCache, *memPublisher) {
	store := newMemStore()
	cache := newMemCache()
	publisher := &memPublisher{}
	return NewVoteService(store, cache, publisher, nil), store, cache, publisher
}

func TestCastVoteAtMostOneRow(t *testing.T) {
	svc, store, _, _ := newTestService()
	key := ledger.SubjectKey{SubjectID: 42, ScopeID: 5}

	// 同一投票者连投多次，只留一行，方向等于最后一次
	for _, direction := range []model.Direction{model.DirectionUp, model.DirectionUp, model.DirectionDown} {
		result, err := svc.CastVote(ledger.KindItem, key, direction, 1, "", "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, direction, result.CurrentVote)
	}

	assert.Len(t, store.rows[ledger.KindItem], 1)
	assert.Equal(t, model.DirectionDown, store.rows[ledger.KindItem][0].direction)
}

func TestCastVoteIdempotentRevote(t *testing.T) {
	svc, store, _, _ := newTestService()
	key := ledger.SubjectKey{SubjectID: 3}

	// 同方向重复投票是无操作覆盖，不报错
	for i := 0; i < 2; i++ {
		result, err := svc.CastVote(ledger.KindTeam, key, model.DirectionUp, 0, "9.9.9.9", "")
		require.NoError(t, err)
		assert.Equal(t, model.DirectionUp, result.CurrentVote)
	}

	require.Len(t, store.rows[ledger.KindTeam], 1)
	assert.Equal(t, model.DirectionUp, store.rows[ledger.KindTeam][0].direction)
}

func TestDirectionFlip(t *testing.T) {
	svc, _, _, _ := newTestService()
	key := ledger.SubjectKey{SubjectID: 42, ScopeID: 5}

	_, err := svc.CastVote(ledger.KindItem, key, model.DirectionUp, 1, "", "1.2.3.4")
	require.NoError(t, err)
	_, err = svc.CastVote(ledger.KindItem, key, model.DirectionDown, 1, "", "1.2.3.4")
	require.NoError(t, err)

	status, err := svc.VoteStatus(ledger.KindItem, key, 1, "", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "down", status)

	// 改票后赞数不含该投票者，踩数含，且不重复计数
	counts, err := svc.AggregateVotes(ledger.KindItem, 5, 1, "", "1.2.3.4")
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int32(0), counts[0].UpCount)
	assert.Equal(t, int32(1), counts[0].DownCount)
}

// A赞道具42，B匿名踩，随后A改踩，统计逐步跟上
func TestWorkedExample(t *testing.T) {
	svc, _, _, _ := newTestService()
	key := ledger.SubjectKey{SubjectID: 42, ScopeID: 5}

	_, err := svc.CastVote(ledger.KindItem, key, model.DirectionUp, 1, "", "1.2.3.4")
	require.NoError(t, err)

	counts, err := svc.AggregateVotes(ledger.KindItem, 5, 1, "", "1.2.3.4")
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(42), counts[0].SubjectID)
	assert.Equal(t, int32(1), counts[0].UpCount)
	assert.Equal(t, int32(0), counts[0].DownCount)
	require.NotNil(t, counts[0].UserVote)
	assert.Equal(t, model.DirectionUp, *counts[0].UserVote)

	_, err = svc.CastVote(ledger.KindItem, key, model.DirectionDown, 0, "9.9.9.9", "")
	require.NoError(t, err)

	counts, err = svc.AggregateVotes(ledger.KindItem, 5, 1, "", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int32(1), counts[0].UpCount)
	assert.Equal(t, int32(1), counts[0].DownCount)

	_, err = svc.CastVote(ledger.KindItem, key, model.DirectionDown, 1, "", "1.2.3.4")
	require.NoError(t, err)

	counts, err = svc.AggregateVotes(ledger.KindItem, 5, 1, "", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int32(0), counts[0].UpCount)
	assert.Equal(t, int32(2), counts[0].DownCount)
}

func TestRegisteredAndAnonymousAreDistinct(t *testing.T) {
	svc, store, _, _ := newTestService()
	key := ledger.SubjectKey{SubjectID: 3}

	// 注册用户和同IP匿名用户是两个投票者，各占一行
	_, err := svc.CastVote(ledger.KindTeam, key, model.DirectionUp, 7, "9.9.9.9", "")
	require.NoError(t, err)
	_, err = svc.CastVote(ledger.KindTeam, key, model.DirectionDown, 0, "9.9.9.9", "")
	require.NoError(t, err)

	assert.Len(t, store.rows[ledger.KindTeam], 2)

	status, err := svc.VoteStatus(ledger.KindTeam, key, 7, "9.9.9.9", "")
	require.NoError(t, err)
	assert.Equal(t, "up", status)

	status, err = svc.VoteStatus(ledger.KindTeam, key, 0, "9.9.9.9", "")
	require.NoError(t, err)
	assert.Equal(t, "down", status)
}

func TestAggregateOrderingDeterministic(t *testing.T) {
	svc, _, _, _ := newTestService()

	// 队伍9和3同为1赞，平局按主体ID升序
	_, err := svc.CastVote(ledger.KindTeam, ledger.SubjectKey{SubjectID: 9}, model.DirectionUp, 1, "", "1.1.1.1")
	require.NoError(t, err)
	_, err = svc.CastVote(ledger.KindTeam, ledger.SubjectKey{SubjectID: 3}, model.DirectionUp, 2, "", "1.1.1.1")
	require.NoError(t, err)
	_, err = svc.CastVote(ledger.KindTeam, ledger.SubjectKey{SubjectID: 6}, model.DirectionUp, 1, "", "1.1.1.1")
	require.NoError(t, err)
	_, err = svc.CastVote(ledger.KindTeam, ledger.SubjectKey{SubjectID: 6}, model.DirectionUp, 2, "", "1.1.1.1")
	require.NoError(t, err)

	counts, err := svc.Totals(ledger.KindTeam, 0)
	require.NoError(t, err)
	require.Len(t, counts, 3)
	assert.Equal(t, int64(6), counts[0].SubjectID)
	assert.Equal(t, int64(3), counts[1].SubjectID)
	assert.Equal(t, int64(9), counts[2].SubjectID)
}

func TestCastVoteInvalidSubject(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.CastVote(ledger.KindItem, ledger.SubjectKey{SubjectID: 42}, model.DirectionUp, 1, "", "1.2.3.4")
	assert.True(t, errors.Is(err, ledger.ErrInvalidSubject))

	_, err = svc.CastVote(ledger.KindTeam, ledger.SubjectKey{}, model.DirectionUp, 1, "", "1.2.3.4")
	assert.True(t, errors.Is(err, ledger.ErrInvalidSubject))
}

func TestCastVoteInvalidIdentity(t *testing.T) {
	svc, store, _, _ := newTestService()

	// 身份解析失败时不能有任何写入
	_, err := svc.CastVote(ledger.KindTeam, ledger.SubjectKey{SubjectID: 3}, model.DirectionUp, 0, "", "")
	assert.True(t, errors.Is(err, identity.ErrInvalidIdentity))
	assert.Empty(t, store.rows[ledger.KindTeam])
}

func TestTotalsCaching(t *testing.T) {
	svc, store, cache, _ := newTestService()
	key := ledger.SubjectKey{SubjectID: 11, ScopeID: 2}

	_, err := svc.CastVote(ledger.KindHero, key, model.DirectionUp, 1, "", "1.1.1.1")
	require.NoError(t, err)

	// 第一次读库并回填缓存
	counts, err := svc.Totals(ledger.KindHero, 2)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	_, found, _ := cache.GetTotals(ledger.KindHero, 2)
	assert.True(t, found)

	// 绕过服务直接改底层数据，命中缓存时看不到新行
	require.NoError(t, store.UpsertVote(ledger.HeroCategory, ledger.SubjectKey{SubjectID: 4, ScopeID: 2}, identity.Voter{UserID: 9}, model.DirectionUp))
	counts, err = svc.Totals(ledger.KindHero, 2)
	require.NoError(t, err)
	assert.Len(t, counts, 1)

	// 投票会同时失效范围缓存和全局缓存
	_, err = svc.CastVote(ledger.KindHero, ledger.SubjectKey{SubjectID: 4, ScopeID: 2}, model.DirectionDown, 9, "", "1.1.1.1")
	require.NoError(t, err)
	_, found, _ = cache.GetTotals(ledger.KindHero, 2)
	assert.False(t, found)

	counts, err = svc.Totals(ledger.KindHero, 2)
	require.NoError(t, err)
	assert.Len(t, counts, 2)
}

func TestCastVotePublishesEvent(t *testing.T) {
	svc, _, _, publisher := newTestService()

	_, err := svc.CastVote(ledger.KindHero, ledger.SubjectKey{SubjectID: 11, ScopeID: 2}, model.DirectionUp, 1, "", "1.1.1.1")
	require.NoError(t, err)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "hero", publisher.events[0].Ledger)
	assert.Equal(t, int64(2), publisher.events[0].ScopeID)
	assert.Equal(t, int64(11), publisher.events[0].SubjectID)
}

func TestProcessVoteEvent(t *testing.T) {
	svc, _, cache, _ := newTestService()

	require.NoError(t, cache.SetTotals(ledger.KindTeam, 0, []*model.SubjectCount{{SubjectID: 3, UpCount: 1}}))

	// 其他实例的投票事件触发本实例缓存失效
	err := svc.ProcessVoteEvent(&model.VoteEvent{Ledger: "team", ScopeID: 0, SubjectID: 3})
	require.NoError(t, err)
	_, found, _ := cache.GetTotals(ledger.KindTeam, 0)
	assert.False(t, found)

	err = svc.ProcessVoteEvent(&model.VoteEvent{Ledger: "guild"})
	assert.Error(t, err)
}

func TestMyVotes(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.CastVote(ledger.KindHero, ledger.SubjectKey{SubjectID: 11, ScopeID: 2}, model.DirectionUp, 7, "", "1.1.1.1")
	require.NoError(t, err)
	_, err = svc.CastVote(ledger.KindHero, ledger.SubjectKey{SubjectID: 4, ScopeID: 2}, model.DirectionDown, 7, "", "1.1.1.1")
	require.NoError(t, err)
	// 其他人的票不应出现在结果里
	_, err = svc.CastVote(ledger.KindHero, ledger.SubjectKey{SubjectID: 11, ScopeID: 2}, model.DirectionUp, 8, "", "1.1.1.1")
	require.NoError(t, err)

	votes, err := svc.MyVotes(ledger.KindHero, 2, 7, "", "1.1.1.1")
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, int64(4), votes[0].SubjectID)
	assert.Equal(t, model.DirectionDown, votes[0].Direction)
	assert.Equal(t, int64(11), votes[1].SubjectID)
	assert.Equal(t, model.DirectionUp, votes[1].Direction)
}
