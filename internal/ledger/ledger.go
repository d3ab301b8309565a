package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidSubject 主体键不完整或非法
var ErrInvalidSubject = errors.New("非法的投票主体")

// ErrUnknownKind 未知的账本类型
var ErrUnknownKind = errors.New("未知的账本类型")

// Kind 账本类型
type Kind string

const (
	KindItem Kind = "item" // 英雄配装内的道具
	KindHero Kind = "hero" // Meta分类内的英雄
	KindTeam Kind = "team" // 队伍
)

// Ledger 账本描述符。三个账本共用同一套读写逻辑，
// 只在主体列、范围列和展示用词上有差异。
type Ledger struct {
	Kind          Kind
	Table         string
	SubjectColumn string
	// ScopeColumn 为空表示该账本没有范围维度（如队伍账本）
	ScopeColumn string
	// UpLabel/DownLabel 查询结果里的展示用词，沿用各账本的历史叫法
	UpLabel   string
	DownLabel string
}

var (
	// Item 道具账本：按英雄范围分组，一票一(hero, item, voter)
	Item = Ledger{
		Kind:          KindItem,
		Table:         "item_votes",
		SubjectColumn: "item_id",
		ScopeColumn:   "hero_id",
		UpLabel:       "like",
		DownLabel:     "dislike",
	}

	// HeroCategory 英雄账本：按Meta分类范围分组，一票一(hero, category, voter)
	HeroCategory = Ledger{
		Kind:          KindHero,
		Table:         "hero_category_votes",
		SubjectColumn: "hero_id",
		ScopeColumn:   "category_id",
		UpLabel:       "upvote",
		DownLabel:     "downvote",
	}

	// Team 队伍账本：无范围维度，一票一(team, voter)
	Team = Ledger{
		Kind:          KindTeam,
		Table:         "team_votes",
		SubjectColumn: "team_id",
		UpLabel:       "upvote",
		DownLabel:     "downvote",
	}
)

// FromKind 根据类型名返回账本描述符
func FromKind(kind Kind) (Ledger, error) {
	switch kind {
	case KindItem:
		return Item, nil
	case KindHero:
		return HeroCategory, nil
	case KindTeam:
		return Team, nil
	default:
		return Ledger{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Scoped 账本是否带范围维度
func (l Ledger) Scoped() bool {
	return l.ScopeColumn != ""
}

// SubjectKey 主体键：SubjectID 为被投主体，ScopeID 仅在带范围的账本里有意义
type SubjectKey struct {
	SubjectID int64
	ScopeID   int64
}

// ValidateKey 校验主体键形状。只做形状校验，不查主体是否真实存在：
// 主体实体由外部服务管理，这里只透传ID。
func (l Ledger) ValidateKey(key SubjectKey) error {
	if key.SubjectID <= 0 {
		return fmt.Errorf("%w: 账本 %s 的主体ID必须为正数, 收到 %d", ErrInvalidSubject, l.Kind, key.SubjectID)
	}
	if l.Scoped() && key.ScopeID <= 0 {
		return fmt.Errorf("%w: 账本 %s 需要 %s 范围ID", ErrInvalidSubject, l.Kind, l.ScopeColumn)
	}
	if !l.Scoped() && key.ScopeID != 0 {
		return fmt.Errorf("%w: 账本 %s 不接受范围ID", ErrInvalidSubject, l.Kind)
	}
	return nil
}
