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
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/aceteam/ace-orchestrator/internal/domain"
)

// Waker is notified each time the consumer applies a webhook event, so the
// Pool Scheduler can run an out-of-cycle pass instead of waiting a full poll
// interval. Satisfied by *app.Pool.
type Waker interface {
	Wake()
}

// Consumer applies GitHub webhook deliveries from TopicGithubEvents: it
// invalidates nothing by itself (the orchestrator has no board cache layer
// to invalidate) but wakes the scheduler so the next processWorkQueue pass
// observes the fresh state the event implies. Dedup/admission semantics are
// untouched — the poll-driven Work-Queue Builder remains authoritative.
//
// Grounded on the teacher's dynamic worker-pool consumer
// (internal/adapter/queue/redpanda/consumer.go), simplified to a fixed pool
// per spec §4.8's fixed maxAgents discipline instead of the teacher's
// min/max auto-scaling.
type Consumer struct {
	session *kgo.GroupTransactSession
	waker   Waker

	groupID string
	topic   string

	workers  int
	jobQueue chan *kgo.Record
	shutdown chan struct{}

	adaptivePoller *AdaptivePoller

	brokers         []string
	transactionalID string
}

// NewConsumer constructs a Consumer with a fixed-size worker pool.
func NewConsumer(brokers []string, groupID string, workers int, waker Waker) (*Consumer, error) {
	return NewConsumerWithTransactionalID(brokers, groupID, "ace-orchestrator-webhook-consumer", workers, waker)
}

// NewConsumerWithTransactionalID constructs a Consumer with a custom
// transactional ID, useful for test isolation.
func NewConsumerWithTransactionalID(brokers []string, groupID, transactionalID string, workers int, waker Waker) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, groupID, transactionalID, workers, waker, TopicGithubEvents)
}

// NewConsumerWithTopic constructs a Consumer against a custom topic, letting
// tests use unique topics for isolation.
func NewConsumerWithTopic(brokers []string, groupID, transactionalID string, workers int, waker Waker, topic string) (*Consumer, error) {
	slog.Info("creating redpanda consumer", slog.Any("brokers", brokers), slog.String("group_id", groupID), slog.String("topic", topic))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if workers <= 0 {
		workers = 2
	}

	ctx := context.Background()
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	defer tempClient.Close()

	if err := createOptimizedTopicForParallelProcessing(ctx, tempClient, topic, 4, 1); err != nil {
		slog.Warn("failed to create optimized topic, falling back to standard topic creation", slog.String("topic", topic), slog.Any("error", err))
		if err := createTopicIfNotExists(ctx, tempClient, topic, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist", slog.String("topic", topic), slog.Any("error", err))
		}
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.RequestTimeoutOverhead(5 * time.Second),
		kgo.RetryTimeout(30 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),
		kgo.FetchMaxBytes(4 * 1024 * 1024),
		kgo.FetchMaxWait(10 * time.Second),
		kgo.FetchMinBytes(512),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}

	session, err := kgo.NewGroupTransactSession(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda transactional session: %w", err)
	}

	slog.Info("redpanda consumer created successfully", slog.Int("workers", workers))
	return &Consumer{
		session:         session,
		waker:           waker,
		groupID:         groupID,
		topic:           topic,
		workers:         workers,
		jobQueue:        make(chan *kgo.Record, workers*2),
		shutdown:        make(chan struct{}),
		adaptivePoller:  NewAdaptivePoller(200 * time.Millisecond),
		brokers:         brokers,
		transactionalID: transactionalID,
	}, nil
}

// Start begins consuming webhook deliveries with the fixed worker pool,
// blocking until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting redpanda consumer", slog.String("group_id", c.groupID), slog.String("topic", c.topic), slog.Int("workers", c.workers))

	for i := 0; i < c.workers; i++ {
		go c.worker(ctx, i)
	}
	go c.messageFetcher(ctx)

	<-ctx.Done()
	slog.Info("redpanda consumer shutting down")
	close(c.shutdown)
	return ctx.Err()
}

// messageFetcher polls Redpanda and queues records for the fixed worker
// pool, using adaptive polling to back off when fetches error and to
// shorten the interval after successful fetches, empty ones included (spec §4.8's "simplified to a fixed pool" directive keeps worker
// count fixed; only the poll cadence adapts).
func (c *Consumer) messageFetcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		interval := c.adaptivePoller.GetNextInterval()
		fetches := c.session.PollFetches(ctx)

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				slog.Error("fetch error", slog.String("topic", e.Topic), slog.Int("partition", int(e.Partition)), slog.Any("error", e.Err))
			}
			c.adaptivePoller.RecordFailure()
			time.Sleep(interval)
			continue
		}

		if fetches.NumRecords() == 0 {
			c.adaptivePoller.RecordSuccess()
			time.Sleep(interval)
			continue
		}
		c.adaptivePoller.RecordSuccess()

		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.jobQueue <- record:
			default:
				slog.Warn("webhook event queue full, processing synchronously", slog.Int64("offset", record.Offset))
				_ = c.processRecord(ctx, record)
			}
		})
	}
}

func (c *Consumer) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case record := <-c.jobQueue:
			if record == nil {
				return
			}
			if err := c.processRecord(ctx, record); err != nil {
				slog.Error("failed to process webhook event", slog.Int("worker_id", workerID), slog.Int64("offset", record.Offset), slog.Any("error", err))
			}
		}
	}
}

// processRecord unmarshals one webhook event and wakes the scheduler.
// Malformed events are logged and dropped rather than retried — a
// malformed delivery will never become well-formed, and the source GitHub
// event can still be picked up by the next poll-driven pass regardless.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	_, span := tracer.Start(ctx, "ApplyWebhookEvent")
	defer span.End()

	var wire wireEvent
	if err := json.Unmarshal(record.Value, &wire); err != nil {
		slog.Error("failed to unmarshal webhook event", slog.Any("error", err))
		return fmt.Errorf("unmarshal webhook event: %w", err)
	}

	event := domain.WebhookEvent{
		DeliveryID: wire.DeliveryID,
		EventType:  wire.EventType,
		RepoOwner:  wire.RepoOwner,
		RepoName:   wire.RepoName,
		Number:     wire.Number,
		RawPayload: wire.RawPayload,
	}
	slog.Info("applying webhook event",
		slog.String("delivery_id", event.DeliveryID),
		slog.String("event_type", event.EventType),
		slog.String("repo", event.RepoOwner+"/"+event.RepoName),
		slog.Int("number", event.Number))

	if c.waker != nil {
		c.waker.Wake()
	}
	return nil
}

// Close shuts down the consumer session.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	if c.shutdown != nil {
		select {
		case <-c.shutdown:
		default:
			close(c.shutdown)
		}
	}
	return nil
}

// IsHealthy reports whether the consumer's transactional session is set up.
func (c *Consumer) IsHealthy() bool {
	return c.session != nil
}
