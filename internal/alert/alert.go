package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Severity orders alerts for the operator.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Severity  Severity          `json:"severity"`
	Source    string            `json:"source"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Alerter delivers alerts somewhere an operator will see them.
type Alerter interface {
	Send(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Send(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("title", a.Title),
		zap.String("severity", string(a.Severity)),
		zap.String("source", a.Source),
		zap.Any("tags", a.Tags),
	}
	switch a.Severity {
	case SeverityCritical:
		l.logger.Error(a.Message, fields...)
	case SeverityWarning:
		l.logger.Warn(a.Message, fields...)
	default:
		l.logger.Info(a.Message, fields...)
	}
	return nil
}

// KafkaAlerter publishes alerts as JSON to a topic.
type KafkaAlerter struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaAlerter dials the brokers with acks from all in-sync replicas.
func NewKafkaAlerter(brokers []string, topic string) (*KafkaAlerter, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaAlerterWithProducer(producer, topic), nil
}

func NewKafkaAlerterWithProducer(producer sarama.SyncProducer, topic string) *KafkaAlerter {
	return &KafkaAlerter{producer: producer, topic: topic}
}

func (k *KafkaAlerter) Send(_ context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(a.Source),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (k *KafkaAlerter) Close() error {
	return k.producer.Close()
}

// Fanout sends every alert to all of its alerters and joins their errors.
type Fanout []Alerter

func (f Fanout) Send(ctx context.Context, a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, alerter := range f {
		if err := alerter.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
