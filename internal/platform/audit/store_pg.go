package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgConn is the slice of pgx the store needs. Tests substitute a mock.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DecisionTableDDL creates the append-only decision table. Applied by the
// operator or via EnsureSchema at startup.
const DecisionTableDDL = `
CREATE TABLE IF NOT EXISTS authz_decisions (
    id            UUID PRIMARY KEY,
    decided_at    TIMESTAMPTZ NOT NULL,
    request_id    TEXT,
    subject       TEXT,
    operation     TEXT NOT NULL,
    resource_type TEXT,
    allowed       BOOLEAN NOT NULL,
    cause         TEXT
);
CREATE INDEX IF NOT EXISTS idx_authz_decisions_subject ON authz_decisions (subject, decided_at);
`

// PGDecisionStore appends decisions to Postgres.
type PGDecisionStore struct {
	conn pgConn
}

// NewPGDecisionStore wraps an existing connection or pool.
func NewPGDecisionStore(conn pgConn) *PGDecisionStore {
	return &PGDecisionStore{conn: conn}
}

// FromPool builds a store over a pgx pool.
func FromPool(pool *pgxpool.Pool) *PGDecisionStore {
	return &PGDecisionStore{conn: pool}
}

// EnsureSchema creates the decision table if it does not exist.
func (s *PGDecisionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, DecisionTableDDL); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (s *PGDecisionStore) Record(ctx context.Context, d Decision) error {
	d = NewDecision(d)
	_, err := s.conn.Exec(ctx,
		`INSERT INTO authz_decisions (id, decided_at, request_id, subject, operation, resource_type, allowed, cause)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.Time, d.RequestID, d.Subject, d.Operation, d.ResourceType, d.Allowed, d.Cause)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}
