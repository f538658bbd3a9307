package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Default topic names; the audit trail name can be overridden through config.
const (
	TopicAuditTrail      = "audit.trail"
	TopicAuditDeadLetter = "audit.dead-letter"
)

// auditRetention matches how long chart access must stay queryable.
const auditRetention = 30 * 24 * time.Hour

// TopicSpec is the shape a topic is created with.
type TopicSpec struct {
	Name       string
	Partitions int32
	Replicas   int16
	Retention  time.Duration
}

// configs renders s as broker topic configs.
func (s TopicSpec) configs() map[string]*string {
	str := func(v string) *string { return &v }
	return map[string]*string{
		"retention.ms":     str(strconv.FormatInt(s.Retention.Milliseconds(), 10)),
		"cleanup.policy":   str("delete"),
		"compression.type": str("lz4"),
	}
}

// AuditTopics returns the audit trail topic and its dead-letter topic. The
// trail is keyed by patient, so its partition count bounds projector
// parallelism.
func AuditTopics(auditTopic string) []TopicSpec {
	if auditTopic == "" {
		auditTopic = TopicAuditTrail
	}
	return []TopicSpec{
		{Name: auditTopic, Partitions: 6, Replicas: 1, Retention: auditRetention},
		{Name: TopicAuditDeadLetter, Partitions: 1, Replicas: 1, Retention: auditRetention},
	}
}

// Admin creates topics on the cluster.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger.Named("admin")}, nil
}

// Ensure creates every missing topic in specs. Existing topics are left
// as they are; a partition count below the configured one is only logged.
func (a *Admin) Ensure(ctx context.Context, specs ...TopicSpec) error {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	existing, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, s := range specs {
		if d, ok := existing[s.Name]; ok && d.Err == nil {
			if got := int32(len(d.Partitions)); got < s.Partitions {
				a.logger.Warn("topic has fewer partitions than configured",
					zap.String("topic", s.Name),
					zap.Int32("partitions", got),
					zap.Int32("want", s.Partitions))
			}
			continue
		}

		resp, err := a.client.CreateTopic(ctx, s.Partitions, s.Replicas, s.configs(), s.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists):
			// Created concurrently by another service.
		case err != nil:
			return fmt.Errorf("create topic %s: %w", s.Name, err)
		default:
			a.logger.Info("topic created",
				zap.String("topic", s.Name),
				zap.Int32("partitions", s.Partitions),
				zap.Duration("retention", s.Retention))
		}
	}
	return nil
}

// EnsureAuditTopics creates the audit trail and dead-letter topics.
func (a *Admin) EnsureAuditTopics(ctx context.Context, auditTopic string) error {
	return a.Ensure(ctx, AuditTopics(auditTopic)...)
}

// Close releases the underlying client.
func (a *Admin) Close() {
	a.client.Close()
}
