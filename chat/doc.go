// Package chat is the message ingestion path. Sources (Twitch IRC, the
// platform websocket firehose, the HTTP signal endpoint) normalize traffic
// into InboundMessage and hand it to the Ingestor, which:
//
//   - resolves the message to a session (open, or ended within the short
//     post-end attach window), falling back to the offline holding table
//     when no session covers the timestamp
//   - persists idempotently, keyed by the platform message id, so duplicate
//     deliveries and retries never double-count
//   - stamps derived engagement metadata (length, punctuation counts,
//     emote-only flag) at write time
//   - feeds attached messages through the detection engine and the
//     moderation tracker
//   - queues messages that attach to an active session and pass spam
//     filtering into the EligibilityBatcher, exactly once per message id
//
// Credentials: the IRC client requires a bot username and a token with
// chat:read scope. The TokenProvider prefers a token file (hot reloaded on
// change), then the stored oauth_tokens row, then TWITCH_OAUTH_TOKEN.
package chat
