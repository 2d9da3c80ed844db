// Package queue 提供了与 Kafka 消息队列交互的功能。
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"remevi-go/internal/config"
	"remevi-go/pkg/database"
	"remevi-go/pkg/log"
	"remevi-go/pkg/tasks"
	"time"

	"github.com/segmentio/kafka-go"
)

// TaskProcessor defines the interface for any service that can process a job envelope.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, env tasks.Envelope) error
}

// 消费端同一任务的最大失败次数，超过后提交 offset 终止重试。
const maxConsumeAttempts = 3

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// Producer 封装任务发布能力，实现流水线所需的 publish-with-retry 契约。
type Producer struct {
	maxRetries int
	backoff    time.Duration
}

// NewProducer 创建任务发布器。maxRetries 为总尝试次数上限。
func NewProducer(maxRetries int) *Producer {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Producer{maxRetries: maxRetries, backoff: time.Second}
}

// PublishWithRetry 发送一个任务信封，失败时按线性退避重试（1s、2s、3s...）。
func (p *Producer) PublishWithRetry(ctx context.Context, env tasks.Envelope) error {
	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("序列化任务信封失败: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		lastErr = producer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(env.Kind),
			Value: envBytes,
		})
		if lastErr == nil {
			return nil
		}
		log.Warnf("发布任务失败 (attempt %d/%d): kind=%s, jobId=%s, err=%v",
			attempt, p.maxRetries, env.Kind, env.JobID, lastErr)
		if attempt < p.maxRetries {
			select {
			case <-time.After(time.Duration(attempt) * p.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("发布任务重试耗尽 (kind=%s): %w", env.Kind, lastErr)
}

// StartConsumer 启动一个 Kafka 消费者来处理流水线任务。
// 队列语义为 at-least-once：处理成功或失败次数达到阈值才提交 offset。
func StartConsumer(cfg config.KafkaConfig, processor TaskProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(context.Background())
		if err != nil {
			log.Error("从 Kafka 读取消息失败", err)
			break // 退出循环，交由进程级重启策略处理
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		var env tasks.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		log.Infof("开始处理任务: kind=%s, jobId=%s", env.Kind, env.JobID)
		if err := processor.Process(context.Background(), env); err != nil {
			log.Errorf("处理任务失败: kind=%s, jobId=%s, Error: %v", env.Kind, env.JobID, err)
			// 使用 Redis 计数失败次数，达到阈值后提交 offset 终止重试
			attemptsKey := fmt.Sprintf("queue:attempts:%s", env.JobID)
			attempts, incErr := database.RDB.Incr(context.Background(), attemptsKey).Result()
			if incErr == nil {
				_ = database.RDB.Expire(context.Background(), attemptsKey, 24*time.Hour).Err()
			}
			if incErr != nil {
				// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
				continue
			}
			if attempts >= maxConsumeAttempts {
				log.Errorf("任务多次失败(>=%d)，提交 offset 终止重试: jobId=%s", maxConsumeAttempts, env.JobID)
				if err := r.CommitMessages(context.Background(), m); err != nil {
					log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
			}
			// attempts 未达阈值时不提交 offset，由 Kafka 自动重投
		} else {
			log.Infof("任务处理成功: kind=%s, jobId=%s", env.Kind, env.JobID)
			// 清理失败计数
			_ = database.RDB.Del(context.Background(), fmt.Sprintf("queue:attempts:%s", env.JobID)).Err()
			// 任务处理成功后，手动提交 offset
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Fatalf("关闭 Kafka 消费者失败: %v", err)
	}
}
