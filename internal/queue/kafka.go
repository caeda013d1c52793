package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher sends outbox events to the credit topic.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish keys messages by transaction id so redeliveries land on one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(evt.AggregateID, 10)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "outbox_id", Value: []byte(strconv.FormatUint(evt.ID, 10))},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

// EnqueueCredit publishes a job directly, bypassing the outbox.
func (p *KafkaPublisher) EnqueueCredit(ctx context.Context, job model.CreditJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal credit job: %w", err)
	}
	return p.Publish(ctx, model.OutboxEvent{
		AggregateID: job.TransactionID,
		EventType:   model.EventCreditBalance,
		Payload:     string(payload),
	})
}

// KafkaSource reads credit jobs through a consumer group. Ack commits the offset.
type KafkaSource struct {
	reader messageReader
	log    *zap.SugaredLogger
}

func NewKafkaSource(r messageReader, logger *zap.SugaredLogger) *KafkaSource {
	return &KafkaSource{reader: r, log: logger}
}

// Fetch skips (and commits) messages that cannot be decoded into a job.
func (s *KafkaSource) Fetch(ctx context.Context) (Delivery, error) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			return nil, err
		}
		job, err := decodeCreditJob(msg.Value)
		if err == nil {
			return &kafkaDelivery{reader: s.reader, msg: msg, job: job}, nil
		}
		s.log.Errorw("dropping undecodable credit message",
			"partition", msg.Partition, "offset", msg.Offset, "error", err)
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			return nil, fmt.Errorf("commit poison message: %w", err)
		}
	}
}

func decodeCreditJob(b []byte) (model.CreditJob, error) {
	var job model.CreditJob
	if err := json.Unmarshal(b, &job); err != nil {
		return job, err
	}
	if job.AccountID == 0 || !job.Amount.IsPositive() {
		return job, fmt.Errorf("invalid credit job %q", job.ID)
	}
	return job, nil
}

type kafkaDelivery struct {
	reader messageReader
	msg    kafka.Message
	job    model.CreditJob
}

func (d *kafkaDelivery) Job() model.CreditJob { return d.job }

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.reader.CommitMessages(ctx, d.msg)
}
