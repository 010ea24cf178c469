package chat

import (
	"context"
	"log/slog"
	"os"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// StartTwitchChatSource joins the given channels over IRC and feeds every
// message into ing. Blocks until ctx is cancelled or the connection fails
// terminally. Requires TWITCH_BOT_USERNAME plus a token from tokens.
func StartTwitchChatSource(ctx context.Context, ing *Ingestor, tokens *TokenProvider, channels []string) {
	username := os.Getenv("TWITCH_BOT_USERNAME")
	if username == "" || len(channels) == 0 {
		slog.Info("chat: twitch source disabled (no bot username or channels)")
		return
	}
	tok, err := tokens.Token(ctx)
	if err != nil {
		slog.Error("chat: bot token lookup failed", slog.Any("err", err))
		return
	}
	if tok == "" {
		slog.Info("chat: no bot token available; twitch source disabled")
		return
	}

	client := twitch.NewClient(username, tok)
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if _, err := ing.Ingest(ctx, fromPrivateMessage(msg)); err != nil {
			slog.Error("chat: ingest failed",
				slog.String("message_id", msg.ID), slog.String("channel", msg.Channel), slog.Any("err", err))
		}
	})
	client.Join(channels...)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	slog.Info("chat: twitch source connecting", slog.Any("channels", channels))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("chat: twitch connect error", slog.Any("err", err))
	}
	<-done
}

// fromPrivateMessage maps an IRC message onto the ingestion shape. RoomID is
// the broadcaster's user id; FirstMessage is the platform's own new-chatter
// marker.
func fromPrivateMessage(msg twitch.PrivateMessage) InboundMessage {
	emotes := make([]string, 0, len(msg.Emotes))
	for _, e := range msg.Emotes {
		emotes = append(emotes, e.Name)
	}
	sentAt := msg.Time
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return InboundMessage{
		MessageID:      msg.ID,
		BroadcasterID:  msg.RoomID,
		SenderID:       msg.User.ID,
		SenderUsername: msg.User.Name,
		Content:        msg.Message,
		Emotes:         emotes,
		SentAt:         sentAt.UTC(),
		IsNewUser:      msg.FirstMessage,
	}
}
