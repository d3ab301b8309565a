package model

import (
	"time"
)

// Direction 投票方向，存储层用 TINYINT 表示（1=赞，0=踩）
type Direction int8

const (
	DirectionDown Direction = 0
	DirectionUp   Direction = 1
)

// String 返回规范化的方向文本（up/down）
func (d Direction) String() string {
	if d == DirectionUp {
		return "up"
	}
	return "down"
}

// Vote 单条投票记录模型
type Vote struct {
	VoteID    int64     `json:"voteId"`
	SubjectID int64     `json:"subjectId"`
	ScopeID   int64     `json:"scopeId,omitempty"`
	UserID    *int64    `json:"userId,omitempty"`
	IPAddress string    `json:"ipAddress"`
	Direction Direction `json:"direction"`
	CreatedAt time.Time `json:"createdAt"`
}

// SubjectCount 单个主体的赞踩统计，UserVote 为 nil 表示当前投票者未投票
type SubjectCount struct {
	SubjectID int64      `json:"subjectId"`
	UpCount   int32      `json:"upCount"`
	DownCount int32      `json:"downCount"`
	UserVote  *Direction `json:"userVote,omitempty"`
}

// VoterVote 某个投票者在单个主体上的投票
type VoterVote struct {
	SubjectID int64     `json:"subjectId"`
	Direction Direction `json:"direction"`
}

// VoteResult 投票响应
type VoteResult struct {
	Success     bool      `json:"success"`
	CurrentVote Direction `json:"currentVote"`
}

// VoteEvent Kafka投票事件，用于通知其他实例失效统计缓存
type VoteEvent struct {
	Ledger    string    `json:"ledger"`
	ScopeID   int64     `json:"scopeId"`
	SubjectID int64     `json:"subjectId"`
	VotedAt   time.Time `json:"votedAt"`
}
