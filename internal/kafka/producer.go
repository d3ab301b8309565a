package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/heavenhold/heavenvote/config"
	"github.com/heavenhold/heavenvote/internal/model"
	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
	ctx    context.Context
}

func NewProducer() (*Producer, error) {
	ctx := context.Background()

	// 确认主题可达
	conn, err := kafka.DialLeader(ctx, "tcp", config.AppConfig.Kafka.Brokers[0], config.AppConfig.Kafka.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	// 使用Hash分区器，基于消息Key进行分区路由
	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.AppConfig.Kafka.Brokers...),
		Topic:    config.AppConfig.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}

	return &Producer{
		writer: writer,
		ctx:    ctx,
	}, nil
}

// SendVoteEvent 发送投票事件到Kafka。
// 以 账本:范围ID 作为分区key，同一范围的缓存失效事件保持有序。
func (p *Producer) SendVoteEvent(event *model.VoteEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化投票事件失败: %w", err)
	}

	key := []byte(event.Ledger + ":" + strconv.FormatInt(event.ScopeID, 10))

	msg := kafka.Message{
		Key:   key,
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(p.ctx, msg); err != nil {
		return fmt.Errorf("发送投票事件失败: %w", err)
	}

	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
