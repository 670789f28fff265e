// Package audit persists off-ledger pipeline artefacts: GNSS proofs and
// failures, event attestations, consensus transcripts, and delivery
// verifications. The store is advisory. The pipeline never reads it back and
// never blocks on it; the durable protocol record lives on-ledger.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Artefact is one recorded pipeline by-product.
type Artefact struct {
	RequestID uint64
	Stage     string
	Kind      string // gnss_proof | gnss_failure | event_attestation | event_failure | consensus_transcript | delivery_verification
	Outcome   string // ok | failed
	Payload   any
}

// Recorder accepts artefacts. Implementations must be safe for concurrent
// use and must not block pipeline progress on failure.
type Recorder interface {
	Record(ctx context.Context, a Artefact)
}

// NewNopRecorder returns a recorder that logs artefacts and discards them.
// Used when the audit store is disabled.
func NewNopRecorder(logger *slog.Logger) Recorder {
	return &nopRecorder{logger: logger}
}

type nopRecorder struct {
	logger *slog.Logger
}

func (r *nopRecorder) Record(_ context.Context, a Artefact) {
	r.logger.Debug("audit artefact",
		slog.Uint64("request_id", a.RequestID),
		slog.String("stage", a.Stage),
		slog.String("kind", a.Kind),
		slog.String("outcome", a.Outcome),
	)
}

// Store records artefacts to PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Postgres-backed recorder over an existing pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Record inserts the artefact. Insert failures are logged and swallowed so
// an audit outage never stalls a pipeline.
func (s *Store) Record(ctx context.Context, a Artefact) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		s.logger.Warn("failed to encode audit artefact",
			slog.Uint64("request_id", a.RequestID),
			slog.String("kind", a.Kind),
			slog.String("error", err.Error()),
		)
		return
	}

	// Bounded deadline so a wedged database cannot hold a pipeline
	// goroutine.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_artefacts (request_id, stage, kind, outcome, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		int64(a.RequestID), a.Stage, a.Kind, a.Outcome, payload,
	)
	if err != nil {
		s.logger.Warn("failed to record audit artefact",
			slog.Uint64("request_id", a.RequestID),
			slog.String("kind", a.Kind),
			slog.String("error", err.Error()),
		)
	}
}
