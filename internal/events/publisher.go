package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type PaymentResolvedEvent struct {
	RequestID         string          `json:"request_id"`
	Purpose           string          `json:"purpose"`
	Status            string          `json:"status"`
	Phone             string          `json:"phone"`
	ChamaID           int64           `json:"chama_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	ReceiptNumber     string          `json:"receipt_number,omitempty"`
	MerchantRequestID string          `json:"merchant_request_id"`
	Reason            string          `json:"reason,omitempty"`
	ResolvedAt        time.Time       `json:"resolved_at"`
}

type Publisher interface {
	PublishResolved(ctx context.Context, event PaymentResolvedEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// PublishResolved keys messages by request id so events for one request stay ordered.
func (k *KafkaPublisher) PublishResolved(ctx context.Context, event PaymentResolvedEvent) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.RequestID),
		Value: msg,
		Time:  time.Now(),
	})
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// NopPublisher is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishResolved(context.Context, PaymentResolvedEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
