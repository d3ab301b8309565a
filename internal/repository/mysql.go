package repository

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/heavenhold/heavenvote/config"
	"github.com/heavenhold/heavenvote/internal/identity"
	"github.com/heavenhold/heavenvote/internal/ledger"
	"github.com/heavenhold/heavenvote/internal/model"
)

// MySQLRepository 投票账本的MySQL仓库，写主库读从库
type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository() (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", config.AppConfig.MySQL.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	masterDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB, err := sql.Open("mysql", config.AppConfig.MySQL.Slave)
	if err != nil {
		return nil, fmt.Errorf("连接从数据库失败: %w", err)
	}

	slaveDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	slaveDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	slaveDB.SetConnMaxLifetime(time.Hour)

	if err = slaveDB.Ping(); err != nil {
		log.Printf("从数据库连接测试失败: %v，将使用主数据库代替", err)
		slaveDB = masterDB
	}

	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}, nil
}

// NewMySQLRepositoryWithDB 使用现成的连接构造仓库，测试用
func NewMySQLRepositoryWithDB(master, slave *sql.DB) *MySQLRepository {
	return &MySQLRepository{masterDB: master, slaveDB: slave}
}

// voterPredicate 生成当前投票者的匹配条件。
// 注册用户按 user_id 匹配；匿名用户只匹配 user_id 为空的行，
// 避免命中注册用户顺带记录下来的同一IP。
func voterPredicate(voter identity.Voter) (string, []interface{}) {
	if voter.Registered() {
		return "user_id = ?", []interface{}{voter.UserID}
	}
	return "user_id IS NULL AND ip_address = ?", []interface{}{voter.IPAddress}
}

// UpsertVote 写入或覆盖一票。
// 依赖账本表的唯一键（注册用户按 (主体, user_id)，匿名按 (主体, anon_ip)），
// 用单条 ON DUPLICATE KEY UPDATE 完成插入或原地改方向，并发下第二次插入
// 会被唯一键转成更新，不存在先查后写的竞态窗口。
func (r *MySQLRepository) UpsertVote(l ledger.Ledger, key ledger.SubjectKey, voter identity.Voter, direction model.Direction) error {
	columns := []string{l.SubjectColumn, "user_id", "ip_address", "up_or_down"}
	args := []interface{}{key.SubjectID}

	if l.Scoped() {
		columns = append([]string{l.ScopeColumn}, columns...)
		args = []interface{}{key.ScopeID, key.SubjectID}
	}

	var userID interface{}
	if voter.Registered() {
		userID = voter.UserID
	}
	args = append(args, userID, voter.IPAddress, int8(direction))

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)
		 ON DUPLICATE KEY UPDATE up_or_down = VALUES(up_or_down), ip_address = VALUES(ip_address)`,
		l.Table,
		strings.Join(columns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "),
	)

	if _, err := r.masterDB.Exec(query, args...); err != nil {
		return fmt.Errorf("写入账本 %s 投票失败: %w", l.Kind, err)
	}
	return nil
}

// VoteStatus 查询投票者在单个主体上的当前投票，未投过返回 nil
func (r *MySQLRepository) VoteStatus(l ledger.Ledger, key ledger.SubjectKey, voter identity.Voter) (*model.Direction, error) {
	predicate, predicateArgs := voterPredicate(voter)

	where := fmt.Sprintf("%s = ? AND %s", l.SubjectColumn, predicate)
	args := append([]interface{}{key.SubjectID}, predicateArgs...)
	if l.Scoped() {
		where = fmt.Sprintf("%s = ? AND %s", l.ScopeColumn, where)
		args = append([]interface{}{key.ScopeID}, args...)
	}

	query := fmt.Sprintf("SELECT up_or_down FROM %s WHERE %s", l.Table, where)

	var raw int8
	err := r.slaveDB.QueryRow(query, args...).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("查询账本 %s 投票状态失败: %w", l.Kind, err)
	}

	direction := model.Direction(raw)
	return &direction, nil
}

// AggregateVotes 按主体分组统计赞踩数，并在同一批行里算出请求者自己的投票。
// 排序固定为赞数降序、主体ID升序，保证结果确定。
func (r *MySQLRepository) AggregateVotes(l ledger.Ledger, scopeID int64, voter identity.Voter) ([]*model.SubjectCount, error) {
	predicate, predicateArgs := voterPredicate(voter)

	query := fmt.Sprintf(
		`SELECT %[1]s,
		        SUM(CASE WHEN up_or_down = 1 THEN 1 ELSE 0 END) AS up_count,
		        SUM(CASE WHEN up_or_down = 0 THEN 1 ELSE 0 END) AS down_count,
		        MAX(CASE WHEN %[2]s THEN up_or_down ELSE NULL END) AS user_vote
		 FROM %[3]s%[4]s
		 GROUP BY %[1]s
		 ORDER BY up_count DESC, %[1]s ASC`,
		l.SubjectColumn, predicate, l.Table, scopeFilter(l),
	)

	args := predicateArgs
	if l.Scoped() {
		args = append(args, scopeID)
	}

	rows, err := r.slaveDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("统计账本 %s 投票失败: %w", l.Kind, err)
	}
	defer rows.Close()

	var counts []*model.SubjectCount
	for rows.Next() {
		var count model.SubjectCount
		var userVote sql.NullInt64
		if err := rows.Scan(&count.SubjectID, &count.UpCount, &count.DownCount, &userVote); err != nil {
			return nil, fmt.Errorf("扫描账本 %s 统计结果失败: %w", l.Kind, err)
		}
		if userVote.Valid {
			direction := model.Direction(userVote.Int64)
			count.UserVote = &direction
		}
		counts = append(counts, &count)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代账本 %s 统计结果失败: %w", l.Kind, err)
	}

	return counts, nil
}

// TotalVotes 按主体分组统计赞踩总数，不带投票者视角，用于榜单。
// scopeID 为 0 时不过滤范围，跨范围按主体归并（全局英雄榜就是这么来的）。
func (r *MySQLRepository) TotalVotes(l ledger.Ledger, scopeID int64) ([]*model.SubjectCount, error) {
	filter := ""
	var args []interface{}
	if l.Scoped() && scopeID > 0 {
		filter = fmt.Sprintf(" WHERE %s = ?", l.ScopeColumn)
		args = append(args, scopeID)
	}

	query := fmt.Sprintf(
		`SELECT %[1]s,
		        SUM(CASE WHEN up_or_down = 1 THEN 1 ELSE 0 END) AS up_count,
		        SUM(CASE WHEN up_or_down = 0 THEN 1 ELSE 0 END) AS down_count
		 FROM %[2]s%[3]s
		 GROUP BY %[1]s
		 ORDER BY up_count DESC, %[1]s ASC`,
		l.SubjectColumn, l.Table, filter,
	)

	rows, err := r.slaveDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("统计账本 %s 总票数失败: %w", l.Kind, err)
	}
	defer rows.Close()

	var counts []*model.SubjectCount
	for rows.Next() {
		var count model.SubjectCount
		if err := rows.Scan(&count.SubjectID, &count.UpCount, &count.DownCount); err != nil {
			return nil, fmt.Errorf("扫描账本 %s 总票数失败: %w", l.Kind, err)
		}
		counts = append(counts, &count)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代账本 %s 总票数失败: %w", l.Kind, err)
	}

	return counts, nil
}

// VoterVotes 列出投票者在账本（可选范围内）投过的所有主体
func (r *MySQLRepository) VoterVotes(l ledger.Ledger, scopeID int64, voter identity.Voter) ([]*model.VoterVote, error) {
	predicate, predicateArgs := voterPredicate(voter)

	where := predicate
	args := predicateArgs
	if l.Scoped() {
		where = fmt.Sprintf("%s = ? AND %s", l.ScopeColumn, predicate)
		args = append([]interface{}{scopeID}, predicateArgs...)
	}

	query := fmt.Sprintf(
		"SELECT %s, up_or_down FROM %s WHERE %s ORDER BY %s ASC",
		l.SubjectColumn, l.Table, where, l.SubjectColumn,
	)

	rows, err := r.slaveDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询账本 %s 投票者记录失败: %w", l.Kind, err)
	}
	defer rows.Close()

	var votes []*model.VoterVote
	for rows.Next() {
		var vote model.VoterVote
		var raw int8
		if err := rows.Scan(&vote.SubjectID, &raw); err != nil {
			return nil, fmt.Errorf("扫描账本 %s 投票者记录失败: %w", l.Kind, err)
		}
		vote.Direction = model.Direction(raw)
		votes = append(votes, &vote)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代账本 %s 投票者记录失败: %w", l.Kind, err)
	}

	return votes, nil
}

// scopeFilter 带范围的账本追加 WHERE 范围条件
func scopeFilter(l ledger.Ledger) string {
	if !l.Scoped() {
		return ""
	}
	return fmt.Sprintf(" WHERE %s = ?", l.ScopeColumn)
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
