package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	"flappysomnia/internal/domain"
	"flappysomnia/internal/infrastructure/telemetry"
	"flappysomnia/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Producer streams transaction lifecycle events for observability. The
// queue and orchestrator treat it as fire-and-forget: a broker outage
// never affects gameplay or settlement.
type Producer struct {
	writer *kafka.Writer
}

type ProducerConfig struct {
	Brokers []string
	Topic   string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = "flappysomnia-events"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 500 * time.Millisecond,
	}
	return &Producer{writer: writer}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) PublishTxUpdate(ctx context.Context, record domain.TransactionRecord) error {
	tracer := otel.Tracer("flappysomnia/kafka")
	ctx, span := tracer.Start(ctx, "events.publish_tx_update", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("record.id", record.ID),
		attribute.String("record.kind", string(record.Kind)),
		attribute.String("record.status", string(record.Status)),
	)
	if record.ChainHash != "" {
		span.SetAttributes(attribute.String("tx.hash", record.ChainHash))
	}

	payload, err := streaming.Encode(streaming.Message{
		Type:       streaming.MessageTypeTxUpdate,
		TraceID:    span.SpanContext().TraceID().String(),
		RecordID:   record.ID,
		Kind:       string(record.Kind),
		Status:     string(record.Status),
		ChainHash:  record.ChainHash,
		GameID:     record.GameID,
		Player:     record.Player,
		Score:      record.FinalScore,
		TotalJumps: record.TotalJumps,
		LocalOnly:  record.LocalOnly,
		Reason:     record.ErrorMessage,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return p.write(ctx, span, record.ID, payload)
}

func (p *Producer) PublishSettlement(ctx context.Context, score domain.LocalScore, localOnly bool) error {
	tracer := otel.Tracer("flappysomnia/kafka")
	ctx, span := tracer.Start(ctx, "events.publish_settlement", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("game.id", int64(score.GameID)),
		attribute.Int64("game.score", int64(score.Score)),
		attribute.Bool("local_only", localOnly),
	)

	payload, err := streaming.Encode(streaming.Message{
		Type:       streaming.MessageTypeSettlement,
		TraceID:    span.SpanContext().TraceID().String(),
		GameID:     score.GameID,
		Player:     score.Address,
		Score:      score.Score,
		TotalJumps: score.TotalJumps,
		LocalOnly:  localOnly,
		Timestamp:  score.Timestamp,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return p.write(ctx, span, "settlement", payload)
}

func (p *Producer) write(ctx context.Context, span trace.Span, key string, payload []byte) error {
	headers := telemetry.KafkaHeadersFromContext(ctx)
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
