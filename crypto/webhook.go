package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Webhook signature handling for upstream stream-event notifications.
// The sender computes HMAC-SHA256 over message_id || timestamp || raw_body
// and transmits it as "sha256=<hex>"; receivers must recompute and compare
// in constant time before trusting the payload.

const webhookSignaturePrefix = "sha256="

// BuildWebhookMessage concatenates the signed portions of a webhook delivery
// in the order the upstream signs them.
func BuildWebhookMessage(messageID, timestamp string, body []byte) []byte {
	msg := make([]byte, 0, len(messageID)+len(timestamp)+len(body))
	msg = append(msg, messageID...)
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return msg
}

// SignWebhook returns the "sha256=<hex>" signature of message under secret.
func SignWebhook(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return webhookSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature reports whether signature matches message under
// secret. Comparison is constant time; malformed signatures simply fail.
func VerifyWebhookSignature(secret string, message []byte, signature string) bool {
	expected := SignWebhook(secret, message)
	return hmac.Equal([]byte(expected), []byte(signature))
}
