// Package notify publishes user and operator notifications.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kind names a notification template.
type Kind string

const (
	KindRetryExhausted      Kind = "retry_exhausted"
	KindChargebackShortfall Kind = "chargeback_shortfall"
	KindRewardDistributed   Kind = "reward_distributed"
	KindPayoutFrozen        Kind = "payout_frozen"
	KindPayoutCompleted     Kind = "payout_completed"
)

var ErrInvalidNotifier = errors.New("notify: invalid notifier")

// Notification is one message for a user. An empty UserID addresses operators.
type Notification struct {
	Kind    Kind              `json:"kind"`
	UserID  string            `json:"user_id,omitempty"`
	Subject string            `json:"subject"`
	Data    map[string]string `json:"data,omitempty"`
	At      time.Time         `json:"at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// MessageWriter is the subset of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for the notifications topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// KafkaNotifier publishes JSON notifications keyed by recipient.
type KafkaNotifier struct {
	writer MessageWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaNotifier wraps a writer.
func NewKafkaNotifier(writer MessageWriter, logger *zap.Logger) (*KafkaNotifier, error) {
	if writer == nil {
		return nil, fmt.Errorf("%w: writer is nil", ErrInvalidNotifier)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaNotifier{writer: writer, logger: logger, now: time.Now}, nil
}

// Notify writes one message.
func (notifier *KafkaNotifier) Notify(ctx context.Context, notification Notification) error {
	if notification.At.IsZero() {
		notification.At = notifier.now().UTC()
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	key := notification.UserID
	if key == "" {
		key = notification.Subject
	}
	if err := notifier.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  notification.At,
	}); err != nil {
		notifier.logger.Warn("notification publish failed",
			zap.String("kind", string(notification.Kind)),
			zap.String("subject", notification.Subject),
			zap.Error(err))
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (notifier *KafkaNotifier) Close() error {
	return notifier.writer.Close()
}

// LogNotifier writes notifications to the log when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification.
func (notifier *LogNotifier) Notify(_ context.Context, notification Notification) error {
	notifier.logger.Info("notification",
		zap.String("kind", string(notification.Kind)),
		zap.String("user_id", notification.UserID),
		zap.String("subject", notification.Subject),
		zap.Any("data", notification.Data))
	return nil
}
