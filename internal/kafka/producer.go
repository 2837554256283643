package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/spacechat/backend-go/internal/logger"
	"go.uber.org/zap"
)

// 任务类型
const (
	JobTypeRun         = "run"
	JobTypeTurnTimeout = "turn_timeout"
)

// RunJob 调度任务消息结构
// run类型触发Run Claimer；turn_timeout类型触发人类发言超时的SkipCurrentSpeaker。
type RunJob struct {
	Type                string    `json:"type"`
	RunID               string    `json:"run_id,omitempty"`
	ConversationID      string    `json:"conversation_id"`
	SpeakerMembershipID string    `json:"speaker_membership_id,omitempty"`
	RoundID             string    `json:"round_id,omitempty"`
	EnqueuedAt          time.Time `json:"enqueued_at"`
	KickedBy            string    `json:"kicked_by,omitempty"`
}

// Producer Kafka生产者
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

var globalProducer *Producer

// NewProducer 用现成的sarama生产者组装Producer
func NewProducer(producer sarama.SyncProducer, topic string) *Producer {
	return &Producer{
		producer: producer,
		topic:    topic,
	}
}

// InitProducer 初始化Kafka生产者
func InitProducer(brokers []string, topic string) error {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	globalProducer = NewProducer(producer, topic)

	logger.Info("Kafka生产者初始化成功", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return nil
}

// GetProducer 获取全局生产者实例
func GetProducer() *Producer {
	return globalProducer
}

// SendJob 发送调度任务到Kafka
// 以conversation_id为分区键：同一对话的任务进同一分区，worker侧天然有序。
func (p *Producer) SendJob(job *RunJob) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("Kafka生产者未初始化")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(job.ConversationID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("job_type"),
				Value: []byte(job.Type),
			},
		},
	}

	partition, offset, err := p.producer.SendMessage(kafkaMsg)
	if err != nil {
		logger.Error("发送Kafka任务失败", zap.Error(err))
		return fmt.Errorf("发送任务失败: %w", err)
	}

	logger.Debug("Kafka任务发送成功",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("type", job.Type),
		zap.String("conversation_id", job.ConversationID))

	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
