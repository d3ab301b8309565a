package kafka

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/heavenhold/heavenvote/config"
	"github.com/heavenhold/heavenvote/internal/model"
	"github.com/segmentio/kafka-go"
)

// Consumer 投票事件消费者。
// 缓存失效事件需要广播给每个实例，所以不走消费者组，
// 每个实例对主题的每个分区各建一个reader，从最新偏移量读起。
type Consumer struct {
	readers []*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type MessageHandler func(event *model.VoteEvent) error

func NewConsumer() (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	// 获取Kafka主题的分区数量
	conn, err := kafka.DialLeader(ctx, "tcp", config.AppConfig.Kafka.Brokers[0], config.AppConfig.Kafka.Topic, 0)
	if err != nil {
		cancel()
		return nil, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		cancel()
		return nil, err
	}

	var topicPartitions []int
	for _, p := range partitions {
		if p.Topic == config.AppConfig.Kafka.Topic {
			topicPartitions = append(topicPartitions, p.ID)
		}
	}

	log.Printf("检测到Kafka主题 %s 有 %d 个分区", config.AppConfig.Kafka.Topic, len(topicPartitions))

	// 每个分区一个独立的reader
	readers := make([]*kafka.Reader, 0, len(topicPartitions))
	for _, partition := range topicPartitions {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     config.AppConfig.Kafka.Brokers,
			Topic:       config.AppConfig.Kafka.Topic,
			Partition:   partition,
			StartOffset: kafka.LastOffset,
			MinBytes:    10e3, // 10KB
			MaxBytes:    10e6, // 10MB
		})
		readers = append(readers, reader)
	}

	return &Consumer{
		readers: readers,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// StartConsuming 开始消费消息，每个分区一个goroutine
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i := 0; i < len(c.readers); i++ {
		reader := c.readers[i]

		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}

	log.Printf("已启动 %d 个Kafka消费者工作线程", len(c.readers))
}

// consumeMessages 单个消费者goroutine的消费逻辑
func (c *Consumer) consumeMessages(workerID int, reader *kafka.Reader, handler MessageHandler) {
	for {
		select {
		case <-c.ctx.Done():
			log.Printf("消费者工作线程 #%d 收到停止信号", workerID)
			return
		default:
			m, err := reader.ReadMessage(c.ctx)
			if err != nil {
				if err == context.Canceled {
					return
				}
				log.Printf("消费者工作线程 #%d 读取消息失败: %v", workerID, err)
				time.Sleep(time.Second)
				continue
			}

			var event model.VoteEvent
			if err := json.Unmarshal(m.Value, &event); err != nil {
				log.Printf("消费者工作线程 #%d 解析消息失败: %v", workerID, err)
				continue
			}

			if err := handler(&event); err != nil {
				log.Printf("消费者工作线程 #%d 处理投票事件失败: %v", workerID, err)
			}
		}
	}
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()

	// 等待所有工作线程结束
	c.wg.Wait()

	// 关闭所有reader
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			log.Printf("关闭消费者 #%d 失败: %v", i, err)
		}
	}

	log.Println("所有Kafka消费者工作线程已停止")
	return nil
}
