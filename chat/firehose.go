package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// FirehoseEvent is one frame from the platform's chat firehose feed.
// Timestamps arrive as unix milliseconds.
type FirehoseEvent struct {
	ID             string   `json:"id"`
	BroadcasterID  string   `json:"broadcaster_id"`
	SenderID       string   `json:"sender_id"`
	SenderUsername string   `json:"sender_username"`
	Content        string   `json:"content"`
	Emotes         []string `json:"emotes"`
	SentAtMs       int64    `json:"sent_at_ms"`
	NewUser        bool     `json:"new_user"`
}

// ToInbound maps a firehose frame onto the ingestion shape.
func (ev FirehoseEvent) ToInbound() InboundMessage {
	var sentAt time.Time
	if ev.SentAtMs > 0 {
		sentAt = time.UnixMilli(ev.SentAtMs).UTC()
	}
	return InboundMessage{
		MessageID:      ev.ID,
		BroadcasterID:  ev.BroadcasterID,
		SenderID:       ev.SenderID,
		SenderUsername: ev.SenderUsername,
		Content:        ev.Content,
		Emotes:         ev.Emotes,
		SentAt:         sentAt,
		IsNewUser:      ev.NewUser,
	}
}

const firehoseMaxBackoff = time.Minute

// StartFirehoseSource consumes the websocket firehose at url and feeds each
// frame into ing. Reconnects with capped exponential backoff until ctx is
// cancelled; an empty url disables the source.
func StartFirehoseSource(ctx context.Context, ing *Ingestor, url string) {
	if url == "" {
		slog.Info("chat: firehose source disabled (no url)")
		return
	}
	slog.Info("chat: firehose source starting", slog.String("url", url))

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("chat: firehose dial failed",
				slog.Any("err", err), slog.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > firehoseMaxBackoff {
				backoff = firehoseMaxBackoff
			}
			continue
		}
		backoff = time.Second
		slog.Info("chat: firehose connected")

		readFirehose(ctx, ing, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Info("chat: firehose disconnected; reconnecting")
	}
}

func readFirehose(ctx context.Context, ing *Ingestor, conn *websocket.Conn) {
	// Unblock ReadJSON when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev FirehoseEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("chat: firehose read error", slog.Any("err", err))
			}
			return
		}
		if _, err := ing.Ingest(ctx, ev.ToInbound()); err != nil {
			slog.Error("chat: firehose ingest failed", slog.String("message_id", ev.ID), slog.Any("err", err))
		}
	}
}
