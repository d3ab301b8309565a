package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/heavenhold/heavenvote/config"
	"github.com/heavenhold/heavenvote/internal/api/graph"
	intkafka "github.com/heavenhold/heavenvote/internal/kafka"
	"github.com/heavenhold/heavenvote/internal/lock"
	"github.com/heavenhold/heavenvote/internal/repository"
	"github.com/heavenhold/heavenvote/internal/service"
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("配置加载成功，当前实例ID: %d", *instanceID)

	// 创建数据库连接
	mysqlRepo, err := repository.NewMySQLRepository()
	if err != nil {
		log.Fatalf("初始化MySQL仓库失败: %v", err)
	}
	defer mysqlRepo.Close()
	log.Printf("MySQL仓库初始化成功")

	// 创建Redis连接
	redisRepo, err := repository.NewRedisRepository()
	if err != nil {
		log.Fatalf("初始化Redis仓库失败: %v", err)
	}
	defer redisRepo.Close()
	log.Printf("Redis仓库初始化成功")

	// 创建缓存重建锁
	rebuildLock, err := lock.New(cfg.Lock.Backend)
	if err != nil {
		log.Fatalf("初始化分布式锁失败: %v", err)
	}
	defer rebuildLock.Close()
	log.Printf("分布式锁初始化成功，后端: %s", cfg.Lock.Backend)

	// 创建Kafka生产者
	producer, err := intkafka.NewProducer()
	if err != nil {
		log.Fatalf("初始化Kafka生产者失败: %v", err)
	}
	defer producer.Close()
	log.Printf("Kafka生产者初始化成功")

	// 创建Kafka消费者
	consumer, err := intkafka.NewConsumer()
	if err != nil {
		log.Fatalf("初始化Kafka消费者失败: %v", err)
	}
	defer consumer.Stop()
	log.Printf("Kafka消费者初始化成功")

	// 创建投票服务
	voteService := service.NewVoteService(mysqlRepo, redisRepo, producer, rebuildLock)
	log.Printf("投票服务初始化成功")

	// 启动Kafka消费者，接收其他实例的缓存失效事件
	consumer.StartConsuming(voteService.ProcessVoteEvent)
	log.Printf("Kafka消费者已启动")

	// 创建GraphQL服务
	graphqlServer := graph.NewGraphQLServer(voteService)
	log.Printf("GraphQL服务初始化成功")

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1

	// 启动HTTP服务器(异步)
	go func() {
		if err := graphqlServer.Start(serverPort); err != nil {
			log.Fatalf("启动GraphQL服务器失败: %v", err)
		}
	}()

	log.Printf("Heavenvote 投票服务 (实例 %d) 已启动，服务地址: http://localhost:%d", *instanceID, serverPort)

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("正在关闭服务...")
}
