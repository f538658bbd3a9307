package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// MaxPollRecords is the maximum records per poll
	MaxPollRecords int
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
	// HandlerRetries is how many times a failed record is retried before
	// it is skipped.
	HandlerRetries uint
	// RetryBackoffMS is the initial delay between handler retries
	RetryBackoffMS int64
}

// DefaultConsumerConfig returns defaults for projecting the audit trail
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:19092"},
		GroupID:             "chart-audit-projector",
		Topics:              []string{TopicAuditTrail},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		MaxPollRecords:      500,
		FetchMaxBytes:       16 << 20,
		StartOffset:         "earliest",
		HandlerRetries:      5,
		RetryBackoffMS:      200,
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads records in a consumer group. Only records the handler has
// finished with are marked for commit, so delivery is at least once.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	newBackOff func() backoff.BackOff

	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesRead   atomic.Int64
	bytesRead      atomic.Int64
	errorCount     atomic.Int64
	skipped        atomic.Int64
	lastCommitUnix atomic.Int64
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	c := newConsumer(cfg, handler, logger)

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			c.logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			c.logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}

	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	c.client = client
	return c, nil
}

func newConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		config:  cfg,
		logger:  logger.Named("consumer"),
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Duration(cfg.RetryBackoffMS) * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// Start consumes in the background until Stop or ctx ends.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop waits for the current poll to finish, commits what was handled and
// leaves the group.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.CommitOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.errorCount.Add(1)
		})

		handled := 0
		fetches.EachRecord(func(record *kgo.Record) {
			if ctx.Err() != nil {
				return
			}
			if err := c.handleRecord(ctx, record); err != nil && ctx.Err() != nil {
				// Interrupted by shutdown; leave the record for the next owner.
				return
			}
			c.client.MarkCommitRecords(record)
			handled++
		})

		if handled > 0 {
			if err := c.CommitOffsets(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("failed to commit offsets", zap.Error(err))
			}
		}
	}
}

// handleRecord runs the handler for record, retrying failures with backoff.
// A record that still fails after HandlerRetries is logged and skipped so
// one poison message cannot stall its partition.
func (c *Consumer) handleRecord(ctx context.Context, record *kgo.Record) error {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", record.Topic),
			attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, c.handler(ctx, msg)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.config.HandlerRetries+1),
		backoff.WithMaxElapsedTime(0),
	)

	c.messagesRead.Add(1)
	c.bytesRead.Add(int64(len(record.Value)))
	if err == nil {
		return nil
	}

	c.errorCount.Add(1)
	span.RecordError(err)
	span.SetStatus(codes.Error, "handler failed")
	if ctx.Err() == nil {
		c.skipped.Add(1)
		c.logger.Error("skipping message after handler failures",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}
	return err
}

// CommitOffsets commits the offsets of handled records.
func (c *Consumer) CommitOffsets(ctx context.Context) error {
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	c.lastCommitUnix.Store(time.Now().UnixNano())
	return nil
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	stats := ConsumerStats{
		MessagesRead: c.messagesRead.Load(),
		BytesRead:    c.bytesRead.Load(),
		ErrorCount:   c.errorCount.Load(),
		Skipped:      c.skipped.Load(),
	}
	if ns := c.lastCommitUnix.Load(); ns > 0 {
		stats.LastCommitTime = time.Unix(0, ns)
	}
	return stats
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	Skipped        int64
	LastCommitTime time.Time
}

// extractTraceContext continues the trace the producer injected into the
// record headers.
func extractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier{record})
}
