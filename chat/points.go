package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/stream-sentry/db"
)

// awardPoints is the flat per-message reward recorded for eligible chat.
const awardPoints = 1

// StorePointsSink records eligibility batches in the point_awards ledger.
// Flushes can arrive from the batcher's timer goroutine with no request in
// flight, so each delivery runs under its own timeout. The broadcaster is
// resolved from the session row; a batch entry whose session has been merged
// away since enqueue inserts nothing rather than failing the batch.
type StorePointsSink struct {
	DB *sql.DB
}

// NewStorePointsSink wires a sink over the shared store.
func NewStorePointsSink(dbx *sql.DB) *StorePointsSink {
	return &StorePointsSink{DB: dbx}
}

// DeliverEligible writes one ledger row per eligible message in a single
// transaction.
func (s *StorePointsSink) DeliverEligible(batch []Eligible) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := db.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, e := range batch {
			if _, err := tx.ExecContext(ctx, `INSERT INTO point_awards (session_id, broadcaster_id, sender_id, message_id, points, reason)
				SELECT id, broadcaster_id, $2, $3, $4, 'chat_eligible' FROM stream_sessions WHERE id=$1`,
				e.SessionID, e.SenderID, e.MessageID, awardPoints); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("points sink: deliver batch of %d: %w", len(batch), err)
	}
	return nil
}
