// Package session owns the stream session lifecycle: get-or-create under
// concurrent live signals, heartbeat touches, graceful end with an
// anti-flapping grace period, and the two reconciliation passes that run
// after a session ends.
//
// The single-active-session invariant (at most one open session per
// broadcaster) is enforced by a partial unique index in Postgres, not by
// application locks. Concurrent creators race on the insert; the loser sees
// the uniqueness violation, re-fetches the winner's row, and returns it.
//
// Reconciliation after end:
//   - BackfillOfflineMessages moves messages that arrived before the live
//     poll had confirmed the stream into the session they belong to.
//   - MergeLikelyDuplicateSessions collapses phantom sessions created by a
//     brief live/offline flap around stream start into the real one.
//
// Both are best-effort: a failure is logged and retried on a later pass,
// never rolled into the end-session transaction.
package session
