package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"authgate/internal/config"
	"authgate/internal/model"
	"authgate/internal/ratelimit"
)

const (
	TypeTokenIssued     = "token_issued"
	TypeTokenConsumed   = "token_consumed"
	TypeAdmissionDenied = "admission_denied"
)

// SecurityEvent is the audit record published for token and admission
// activity. Raw token values are never included.
type SecurityEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	AccountID      string    `json:"account_id,omitempty"`
	TokenKind      string    `json:"token_kind,omitempty"`
	EndpointClass  string    `json:"endpoint_class,omitempty"`
	ClientIdentity string    `json:"client_identity,omitempty"`
	EmittedAt      time.Time `json:"emitted_at"`
}

// Emitter publishes security events to Kafka. A nil *Emitter is valid and
// drops everything, so callers never branch on whether auditing is wired.
type Emitter struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

// NewEmitter returns nil when no brokers are configured.
func NewEmitter(cfg config.KafkaConfig, logger *zap.Logger) *Emitter {
	if len(cfg.Brokers) == 0 {
		return nil
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		// Async keeps event emission off the request path. A denied request
		// stays denied even when the audit write fails.
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to write security events",
					zap.Error(err),
					zap.Int("message_count", len(messages)),
				)
			}
		},
	}

	logger.Info("security event emitter initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)

	return &Emitter{writer: writer, topic: cfg.Topic, logger: logger}
}

func (e *Emitter) TokenIssued(ctx context.Context, accountID string, kind model.TokenKind) {
	e.emit(ctx, SecurityEvent{
		EventType: TypeTokenIssued,
		AccountID: accountID,
		TokenKind: string(kind),
	})
}

func (e *Emitter) TokenConsumed(ctx context.Context, accountID string, kind model.TokenKind) {
	e.emit(ctx, SecurityEvent{
		EventType: TypeTokenConsumed,
		AccountID: accountID,
		TokenKind: string(kind),
	})
}

func (e *Emitter) AdmissionDenied(ctx context.Context, class ratelimit.EndpointClass, identity string) {
	e.emit(ctx, SecurityEvent{
		EventType:      TypeAdmissionDenied,
		EndpointClass:  string(class),
		ClientIdentity: identity,
	})
}

func (e *Emitter) emit(ctx context.Context, event SecurityEvent) {
	if e == nil {
		return
	}

	event.EventID = uuid.NewString()
	event.EmittedAt = time.Now().UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("failed to encode security event", zap.Error(err))
		return
	}

	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.EventType),
		Value: payload,
	})
	if err != nil {
		// Best effort. Auditing never changes an admission or token outcome.
		e.logger.Error("failed to enqueue security event",
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}

func (e *Emitter) Close() error {
	if e == nil || e.writer == nil {
		return nil
	}
	if err := e.writer.Close(); err != nil {
		e.logger.Error("failed to close security event emitter", zap.Error(err))
		return err
	}
	e.logger.Info("security event emitter closed")
	return nil
}
