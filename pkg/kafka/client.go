// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"travel-vault/internal/config"
	"travel-vault/pkg/log"
	"travel-vault/pkg/tasks"
)

// TaskHandler defines the interface for any service that can handle an ingest task.
// This decouples the Kafka consumer from the concrete service implementation.
type TaskHandler interface {
	HandleTask(ctx context.Context, task tasks.IngestTask) error
}

// Producer 发送入库任务到 Kafka。
type Producer struct {
	writer *kafka.Writer
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	p := &Producer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers(cfg)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
	log.Info("Kafka 生产者初始化成功")
	return p
}

// Publish 发送一个入库任务。以 user_id 作为消息 key，同一用户的任务保持有序。
func (p *Producer) Publish(ctx context.Context, task tasks.IngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.UserID),
		Value: taskBytes,
	}); err != nil {
		return fmt.Errorf("publish ingest task %s: %w", task.TaskID, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// 读取失败后的重试间隔，从 minBackoff 开始翻倍，不超过 maxBackoff。
var (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// messageReader 是消费循环用到的 *kafka.Reader 方法。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// StartConsumer 启动一个 Kafka 消费者来处理入库任务，直到 ctx 结束。
// 失败的任务不会重试：处理结果已由 handler 记录，offset 总是提交。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, handler TaskHandler) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	consume(ctx, r, handler)
}

// consume 循环读取并处理消息。读取失败（如 broker 暂时不可用）时退避重试，只有 ctx 结束才退出。
func consume(ctx context.Context, r messageReader, handler TaskHandler) {
	backoff := minBackoff
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Warnw("从 Kafka 读取消息失败, 稍后重试", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				log.Info("Kafka 消费者已停止")
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)
		handleMessage(ctx, m.Value, handler)

		if err := r.CommitMessages(context.Background(), m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// handleMessage 解析并处理一条消息。格式错误的消息直接丢弃，避免阻塞队列。
func handleMessage(ctx context.Context, value []byte, handler TaskHandler) {
	var task tasks.IngestTask
	if err := json.Unmarshal(value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return
	}
	if task.TaskID == "" || task.UserID == "" || task.DocumentID == "" {
		log.Errorf("Kafka 消息缺少必要字段, value: %s", string(value))
		return
	}

	log.Infof("开始处理入库任务: task=%s, doc=%s, user=%s", task.TaskID, task.DocumentID, task.UserID)
	if err := handler.HandleTask(ctx, task); err != nil {
		log.Errorf("入库任务失败: task=%s, error: %v", task.TaskID, err)
		return
	}
	log.Infof("入库任务处理成功: task=%s", task.TaskID)
}
