package identity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentity 既没有注册用户ID也没有可用IP地址
var ErrInvalidIdentity = errors.New("无法确定投票者身份: 用户ID和IP地址均为空")

// Voter 投票者身份：UserID > 0 表示注册用户，否则为按IP识别的匿名用户。
// 注册用户的IPAddress仅作记录用途，不参与身份判定。
type Voter struct {
	UserID    int64
	IPAddress string
}

// Registered 是否为注册用户
func (v Voter) Registered() bool {
	return v.UserID > 0
}

// Key 投票者的可读标识，用于日志和锁名
func (v Voter) Key() string {
	if v.Registered() {
		return fmt.Sprintf("user:%d", v.UserID)
	}
	return fmt.Sprintf("ip:%s", v.IPAddress)
}

// Resolve 解析投票者身份。
// 规则统一为：userID 大于 0 视为注册用户；否则按IP匿名，
// ipAddress 为空时回退到调用方观察到的远端地址 remoteAddr。
func Resolve(userID int64, ipAddress, remoteAddr string) (Voter, error) {
	ip := strings.TrimSpace(ipAddress)
	if ip == "" {
		ip = strings.TrimSpace(remoteAddr)
	}

	if userID > 0 {
		return Voter{UserID: userID, IPAddress: ip}, nil
	}

	if ip == "" {
		return Voter{}, ErrInvalidIdentity
	}

	return Voter{IPAddress: ip}, nil
}
