// Package idempotency provides the Inbox pattern for exactly-once effects of
// at-least-once message delivery.
//
// A handler's effects and the inbox row claiming its message key commit in
// one transaction, so a redelivered message finds the key taken and is
// skipped, and a crash before commit leaves neither behind.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Schema creates the inbox table.
const Schema = `
CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT        NOT NULL,
	handler_name    TEXT        NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (idempotency_key, handler_name)
);

CREATE INDEX IF NOT EXISTS inbox_expires_idx ON inbox (expires_at);
`

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long a processed key is remembered. Redeliveries later
	// than this are processed again.
	TTL time.Duration
	// CleanupInterval is how often to delete expired keys
	CleanupInterval time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// DB is the subset of *pgxpool.Pool the inbox uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrDuplicateMessage indicates the key was already processed by the handler.
var ErrDuplicateMessage = errors.New("duplicate message: already processed")

// ProcessFunc applies a message's effects inside tx.
type ProcessFunc func(ctx context.Context, tx pgx.Tx) error

// Inbox manages idempotent message processing
type Inbox struct {
	db     DB
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(db DB, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultInboxConfig().TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultInboxConfig().CleanupInterval
	}
	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger.Named("inbox"),
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

const claimKey = `
	INSERT INTO inbox (idempotency_key, handler_name, expires_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (idempotency_key, handler_name) DO NOTHING
`

// Process claims key for handlerName and runs fn in the same transaction.
// It returns ErrDuplicateMessage without calling fn when the key is taken.
// A concurrent claim of the same key blocks until the first transaction
// ends, then reports a duplicate if it committed.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, fn ProcessFunc) (err error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer func() {
		if err != nil && !errors.Is(err, ErrDuplicateMessage) {
			span.RecordError(err)
		}
		span.End()
	}()

	if key == "" {
		return errors.New("idempotency key is required")
	}

	tx, err := i.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin inbox tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tag, err := tx.Exec(ctx, claimKey, key, handlerName, i.now().Add(i.config.TTL))
	if err != nil {
		return fmt.Errorf("claim inbox key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return ErrDuplicateMessage
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit inbox tx: %w", err)
	}
	return nil
}

// StartCleanup deletes expired keys in the background until Stop or ctx ends.
func (i *Inbox) StartCleanup(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)
	i.done = make(chan struct{})
	go i.cleanupLoop(ctx)
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop(ctx context.Context) {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Cleanup(ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup removes expired keys and returns how many were deleted.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	result, err := i.db.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, i.now())
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	if n := result.RowsAffected(); n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return result.RowsAffected(), nil
}

// InboxStats holds inbox statistics
type InboxStats struct {
	TotalEntries int64
	Expired      int64
}

// GetStats returns current inbox statistics for handlerName
func (i *Inbox) GetStats(ctx context.Context, handlerName string) (*InboxStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE expires_at < $2)
		FROM inbox
		WHERE handler_name = $1
	`

	stats := &InboxStats{}
	if err := i.db.QueryRow(ctx, query, handlerName, i.now()).Scan(&stats.TotalEntries, &stats.Expired); err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	return stats, nil
}
