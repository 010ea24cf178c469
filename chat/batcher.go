package chat

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/stream-sentry/telemetry"
)

// Eligible identifies one message that qualifies for reward processing.
type Eligible struct {
	SessionID int64
	SenderID  string
	MessageID string
}

// EligibilitySink receives flushed batches. Implementations own their own
// timeouts; flushes may come from a timer goroutine with no request context.
type EligibilitySink interface {
	DeliverEligible(batch []Eligible) error
}

// LogEligibilitySink records batches in the structured log. It stands in for
// the reward ledger when none is wired.
type LogEligibilitySink struct{}

func (LogEligibilitySink) DeliverEligible(batch []Eligible) error {
	slog.Debug("chat: eligible messages", slog.Int("count", len(batch)))
	return nil
}

// BatcherOptions shapes an EligibilityBatcher.
type BatcherOptions struct {
	// BatchSize triggers an immediate flush when the buffer reaches it.
	BatchSize int
	// FlushInterval flushes a non-empty buffer this long after its first
	// entry; zero disables the timer (size-only flushing).
	FlushInterval time.Duration
}

// DefaultBatcherOptions reads CHAT_ELIGIBILITY_BATCH (default 50) and
// CHAT_ELIGIBILITY_FLUSH (default 2s).
func DefaultBatcherOptions() BatcherOptions {
	opts := BatcherOptions{BatchSize: 50, FlushInterval: 2 * time.Second}
	if v := os.Getenv("CHAT_ELIGIBILITY_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.BatchSize = n
		}
	}
	if v := os.Getenv("CHAT_ELIGIBILITY_FLUSH"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			opts.FlushInterval = d
		}
	}
	return opts
}

// EligibilityBatcher accumulates eligibility signals and flushes them to the
// sink when either the batch fills or the flush timer fires, whichever comes
// first. Timer-flush failures are carried into the next Add result instead
// of being dropped. Safe for concurrent use.
type EligibilityBatcher struct {
	sink          EligibilitySink
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []Eligible
	timer   *time.Timer
	closed  bool
	lastErr error
}

// NewEligibilityBatcher builds a batcher over sink (LogEligibilitySink when
// nil).
func NewEligibilityBatcher(sink EligibilitySink, opts BatcherOptions) *EligibilityBatcher {
	if sink == nil {
		sink = LogEligibilitySink{}
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &EligibilityBatcher{
		sink:          sink,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
	}
}

// Add queues one signal. When the buffer fills it is flushed synchronously;
// the returned error is the flush error, or a deferred error from an earlier
// timer flush.
func (b *EligibilityBatcher) Add(e Eligible) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("eligibility batcher closed")
	}

	pendingErr := b.lastErr
	b.lastErr = nil

	b.buffer = append(b.buffer, e)
	if len(b.buffer) == 1 && b.flushInterval > 0 {
		b.startTimerLocked()
	}

	if len(b.buffer) < b.batchSize {
		b.mu.Unlock()
		return pendingErr
	}

	batch := append([]Eligible(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	b.stopTimerLocked()
	b.mu.Unlock()

	if err := b.sink.DeliverEligible(batch); err != nil {
		return err
	}
	telemetry.AddEligibleSignals(len(batch))
	return pendingErr
}

// Close flushes whatever is buffered and rejects further Adds.
func (b *EligibilityBatcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	batch := append([]Eligible(nil), b.buffer...)
	b.buffer = nil
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		if err := b.sink.DeliverEligible(batch); err != nil {
			return err
		}
		telemetry.AddEligibleSignals(len(batch))
	}
	return pendingErr
}

func (b *EligibilityBatcher) onTimer() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.buffer) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	batch := append([]Eligible(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	b.timer = nil
	b.mu.Unlock()

	if err := b.sink.DeliverEligible(batch); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
		return
	}
	telemetry.AddEligibleSignals(len(batch))
}

func (b *EligibilityBatcher) startTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *EligibilityBatcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
