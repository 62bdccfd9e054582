// Package redpanda provides the webhook ingestion queue (spec §6's
// /webhook/github endpoint publishes here; the Pool Scheduler's wake-up is
// driven from the consumer side).
//
// It handles message publishing and consumption for GitHub webhook
// deliveries, using the same exactly-once worker-pool skeleton the teacher
// used for job processing, retargeted to event ingestion.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/aceteam/ace-orchestrator/internal/adapter/observability"
	"github.com/aceteam/ace-orchestrator/internal/domain"
)

const (
	// TopicGithubEvents carries raw GitHub webhook deliveries.
	TopicGithubEvents = "github.events"
	// TopicGithubEventsDLQ holds deliveries passed to EnqueueDLQ. The
	// consumer logs and drops malformed deliveries; it does not publish here.
	TopicGithubEventsDLQ = "github.events.dlq"
)

// wireEvent is the JSON envelope published to TopicGithubEvents.
type wireEvent struct {
	DeliveryID string `json:"delivery_id"`
	EventType  string `json:"event_type"`
	RepoOwner  string `json:"repo_owner"`
	RepoName   string `json:"repo_name"`
	Number     int    `json:"number"`
	RawPayload []byte `json:"raw_payload"`
}

// Producer wraps a Kafka/Redpanda producer for webhook deliveries.
type Producer struct {
	client          *kgo.Client
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics, creating
// TopicGithubEvents if it does not already exist.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "ace-orchestrator-webhook-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID, useful for test isolation.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	slog.Info("creating redpanda producer", slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to create redpanda client", slog.Any("error", err))
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx := context.Background()
	partitions := int32(4)
	replicationFactor := int16(1)
	if err := createOptimizedTopicForParallelProcessing(ctx, client, TopicGithubEvents, partitions, replicationFactor); err != nil {
		slog.Warn("failed to create optimized topic, falling back to standard topic creation",
			slog.String("topic", TopicGithubEvents), slog.Any("error", err))
		if err := createTopicIfNotExists(ctx, client, TopicGithubEvents, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", TopicGithubEvents), slog.Any("error", err))
		}
	}

	slog.Info("redpanda producer created successfully")
	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// EnqueueDLQ publishes a delivery to the dead-letter topic for operator
// inspection.
func (p *Producer) EnqueueDLQ(ctx domain.Context, deliveryID string, dlqData []byte) error {
	record := &kgo.Record{
		Key:   []byte(deliveryID),
		Value: dlqData,
		Topic: TopicGithubEventsDLQ,
	}

	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	default:
		return fmt.Errorf("transaction channel is busy")
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	produceResult := p.client.ProduceSync(ctx, record)
	if err := produceResult.FirstErr(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction after produce error", slog.String("delivery_id", deliveryID), slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce DLQ message: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	slog.Info("webhook delivery moved to DLQ", slog.String("delivery_id", deliveryID))
	return nil
}

// PublishEvent publishes one webhook delivery to TopicGithubEvents with
// exactly-once semantics, keyed by repo#number so all events for one work
// item land on the same partition and preserve order.
func (p *Producer) PublishEvent(ctx domain.Context, event domain.WebhookEvent) error {
	slog.Info("publishing webhook event",
		slog.String("delivery_id", event.DeliveryID),
		slog.String("event_type", event.EventType),
		slog.String("repo", event.RepoOwner+"/"+event.RepoName),
		slog.Int("number", event.Number))

	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	b, err := json.Marshal(wireEvent{
		DeliveryID: event.DeliveryID,
		EventType:  event.EventType,
		RepoOwner:  event.RepoOwner,
		RepoName:   event.RepoName,
		Number:     event.Number,
		RawPayload: event.RawPayload,
	})
	if err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("marshal event: %w", err)
	}

	key := fmt.Sprintf("%s/%s#%d", event.RepoOwner, event.RepoName, event.Number)
	record := &kgo.Record{
		Topic: TopicGithubEvents,
		Key:   []byte(key),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "delivery_id", Value: []byte(event.DeliveryID)},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	observability.RecordWebhookEvent(event.EventType)
	slog.Info("webhook event published", slog.String("topic", TopicGithubEvents), slog.String("delivery_id", event.DeliveryID))
	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	if p.transactionChan != nil {
		select {
		case <-p.transactionChan:
		default:
			close(p.transactionChan)
		}
	}
	return nil
}
