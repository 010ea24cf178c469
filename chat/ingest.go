package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/stream-sentry/db"
	"github.com/onnwee/stream-sentry/detect"
	"github.com/onnwee/stream-sentry/moderation"
	"github.com/onnwee/stream-sentry/session"
	"github.com/onnwee/stream-sentry/telemetry"
)

// InboundMessage is one chat message from any source, before persistence.
type InboundMessage struct {
	MessageID      string
	BroadcasterID  string
	SenderID       string
	SenderUsername string
	Content        string
	Emotes         []string
	SentAt         time.Time
	IsNewUser      bool
}

// IngestResult reports what happened to one message.
type IngestResult struct {
	// Stored is false when the message id was already persisted.
	Stored bool
	// SessionID is set when the message attached to a session.
	SessionID int64
	// Offline is true when the message went to the holding table.
	Offline bool
	// Eligible is true when the message was queued for reward processing.
	Eligible bool
	Spam     detect.SpamResult
	Raid     detect.RaidAssessment
	Risk     detect.RiskScore
}

// Ingestor persists chat traffic and drives detection. Safe for concurrent
// use; all state beyond the window registry and risk tracker lives in the
// store.
type Ingestor struct {
	DB       *sql.DB
	Sessions *session.Manager
	Windows  *detect.Registry
	Tracker  *moderation.Tracker
	// Batcher receives eligibility signals; nil disables reward signaling.
	Batcher *EligibilityBatcher
	Retry   db.RetryPolicy
}

// NewIngestor wires an ingestor over the shared store.
func NewIngestor(dbx *sql.DB, mgr *session.Manager, tracker *moderation.Tracker, batcher *EligibilityBatcher) *Ingestor {
	return &Ingestor{
		DB:       dbx,
		Sessions: mgr,
		Windows:  detect.NewRegistry(),
		Tracker:  tracker,
		Batcher:  batcher,
		Retry:    db.DefaultRetryPolicy(),
	}
}

// Ingest runs the full path for one message: resolve, persist, count,
// classify, track, signal. Duplicate deliveries (same message id) are
// persisted-once and never re-signaled.
func (ing *Ingestor) Ingest(ctx context.Context, msg InboundMessage) (IngestResult, error) {
	var res IngestResult
	if msg.MessageID == "" || msg.BroadcasterID == "" || msg.SenderID == "" {
		return res, fmt.Errorf("chat ingest: message missing id fields (message_id=%q broadcaster=%q sender=%q)",
			msg.MessageID, msg.BroadcasterID, msg.SenderID)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	msg.SentAt = msg.SentAt.UTC()
	start := time.Now()
	defer func() { telemetry.ObserveIngest(time.Since(start)) }()

	ref, err := ing.Sessions.ResolveSessionForChat(ctx, msg.BroadcasterID, msg.SentAt)
	if err != nil {
		return res, fmt.Errorf("chat ingest: resolve session: %w", err)
	}

	if ref == nil {
		stored, err := ing.persistOffline(ctx, msg)
		if err != nil {
			return res, err
		}
		res.Stored = stored
		res.Offline = true
		if stored {
			telemetry.IncMessageOffline()
		}
		return res, nil
	}

	res.SessionID = ref.ID
	stored, err := ing.persistAttached(ctx, msg, ref.ID)
	if err != nil {
		return res, err
	}
	res.Stored = stored
	if stored {
		telemetry.IncMessageAttached()
	}

	// Classify against the window as it stood before this message, then
	// observe it so later messages see it. Duplicates are not re-observed.
	w := ing.Windows.Get(msg.BroadcasterID)
	res.Spam = detect.DetectSpam(msg.Content, msg.SenderID, w, msg.SentAt, msg.IsNewUser)
	if stored {
		w.Observe(detect.NewMessage(msg.SentAt, msg.SenderID, msg.Content, msg.IsNewUser))
	}
	res.Raid = detect.AssessRaidState(w, msg.SentAt)
	if ing.Tracker != nil {
		res.Risk = ing.Tracker.Track(ctx, msg.BroadcasterID, msg.SenderID, res.Spam, res.Raid)
	} else {
		res.Risk = detect.ComputeRiskScore(res.Spam, res.Raid)
	}

	if stored && ref.Active && ing.Batcher != nil && passesSpamFilter(res.Spam.Classification) {
		if err := ing.Batcher.Add(Eligible{SessionID: ref.ID, SenderID: msg.SenderID, MessageID: msg.MessageID}); err != nil {
			slog.Warn("chat ingest: eligibility enqueue failed",
				slog.String("message_id", msg.MessageID), slog.Any("err", err))
		} else {
			res.Eligible = true
		}
	}
	return res, nil
}

// passesSpamFilter reports whether a classification still qualifies for
// rewards. Ambiguous traffic stays eligible; only positive spam/raid
// classifications are excluded.
func passesSpamFilter(c detect.Classification) bool {
	return c == detect.ClassificationNormalHype || c == detect.ClassificationAmbiguous
}

func (ing *Ingestor) persistAttached(ctx context.Context, msg InboundMessage, sessionID int64) (bool, error) {
	d := deriveEngagement(msg.Content, msg.Emotes)
	stored := false
	err := ing.Retry.Do(ctx, "chat message insert", func(ctx context.Context) error {
		stored = false
		return db.WithTx(ctx, ing.DB, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `INSERT INTO chat_messages
				(message_id, session_id, broadcaster_id, sender_id, sender_username, content, emotes, sent_at,
				 content_length, exclamation_count, question_count, emote_only)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
				ON CONFLICT (message_id) DO NOTHING`,
				msg.MessageID, sessionID, msg.BroadcasterID, msg.SenderID, msg.SenderUsername,
				msg.Content, strings.Join(msg.Emotes, ","), msg.SentAt,
				d.length, d.exclamations, d.questions, d.emoteOnly)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				return nil
			}
			stored = true
			_, err = tx.ExecContext(ctx, `UPDATE stream_sessions SET total_messages = total_messages + 1 WHERE id=$1`, sessionID)
			return err
		})
	})
	if err != nil {
		return false, fmt.Errorf("chat ingest: persist attached: %w", err)
	}
	return stored, nil
}

func (ing *Ingestor) persistOffline(ctx context.Context, msg InboundMessage) (bool, error) {
	d := deriveEngagement(msg.Content, msg.Emotes)
	stored := false
	err := ing.Retry.Do(ctx, "offline message insert", func(ctx context.Context) error {
		res, err := ing.DB.ExecContext(ctx, `INSERT INTO offline_chat_messages
			(message_id, broadcaster_id, sender_id, sender_username, content, emotes, sent_at,
			 content_length, exclamation_count, question_count, emote_only)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (message_id) DO NOTHING`,
			msg.MessageID, msg.BroadcasterID, msg.SenderID, msg.SenderUsername,
			msg.Content, strings.Join(msg.Emotes, ","), msg.SentAt,
			d.length, d.exclamations, d.questions, d.emoteOnly)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		stored = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("chat ingest: persist offline: %w", err)
	}
	return stored, nil
}

type engagement struct {
	length       int
	exclamations int
	questions    int
	emoteOnly    bool
}

// deriveEngagement computes the per-message metadata stamped at write time.
// A message is emote-only when every whitespace-separated token names one of
// its emotes.
func deriveEngagement(content string, emotes []string) engagement {
	d := engagement{
		length:       len(content),
		exclamations: strings.Count(content, "!"),
		questions:    strings.Count(content, "?"),
	}
	fields := strings.Fields(content)
	if len(fields) == 0 || len(emotes) == 0 {
		return d
	}
	known := make(map[string]struct{}, len(emotes))
	for _, e := range emotes {
		known[e] = struct{}{}
	}
	for _, f := range fields {
		if _, ok := known[f]; !ok {
			return d
		}
	}
	d.emoteOnly = true
	return d
}
