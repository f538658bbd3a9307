package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drfirst/go-chart/pkg/idempotency"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT        NOT NULL,
	aggregate_type TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	topic          TEXT        NOT NULL,
	message_key    TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT         NOT NULL DEFAULT 0,
	last_error     TEXT
);

CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS chart_access_log (
	event_id    UUID PRIMARY KEY,
	action      TEXT        NOT NULL,
	patient_id  TEXT        NOT NULL,
	client_id   TEXT        NOT NULL DEFAULT '',
	request_id  TEXT        NOT NULL DEFAULT '',
	encounters  INT         NOT NULL DEFAULT 0,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS chart_access_log_patient_idx ON chart_access_log (patient_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS chart_access_summary (
	patient_id        TEXT PRIMARY KEY,
	views             BIGINT      NOT NULL DEFAULT 0,
	exports           BIGINT      NOT NULL DEFAULT 0,
	first_accessed_at TIMESTAMPTZ NOT NULL,
	last_accessed_at  TIMESTAMPTZ NOT NULL,
	last_client_id    TEXT        NOT NULL DEFAULT ''
);
`

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the outbox, access log, access summary and inbox
// tables when missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, schema+idempotency.Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
