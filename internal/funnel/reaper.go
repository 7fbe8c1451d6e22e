package funnel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// DefaultInactivityWindow is how long a conversation may sit without message
// traffic before the reaper closes it.
const DefaultInactivityWindow = 48 * time.Hour

// SweepResult summarizes one reaper pass. Per-item errors are collected here
// instead of aborting the pass, so one broken conversation cannot shield the
// rest from being reaped.
type SweepResult struct {
	Scanned int
	Closed  int
	Errors  []error
}

// Reaper closes conversations that have gone quiet. Closing goes through the
// store's conditional update, so running two reapers, or the same reaper
// twice, closes each conversation exactly once.
type Reaper struct {
	store  store.Store
	clock  Clock
	window time.Duration
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithInactivityWindow overrides the idle window after which a conversation
// is closed.
func WithInactivityWindow(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.window = d }
}

// NewReaper creates a reaper over the given store and clock.
func NewReaper(st store.Store, clock Clock, opts ...ReaperOption) *Reaper {
	r := &Reaper{store: st, clock: clock, window: DefaultInactivityWindow}
	for _, opt := range opts {
		opt(r)
	}
	slog.Debug("Creating Reaper", "window", r.window)
	return r
}

// Sweep scans active conversations and closes every one whose last message is
// at least the inactivity window old. The context is checked between items,
// so a cancelled sweep stops cleanly at an item boundary and reports what it
// did; a later sweep picks up the rest.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := r.clock.Now()

	convs, err := r.store.ListActiveConversations()
	if err != nil {
		slog.Error("Reaper Sweep list failed", "error", err)
		return result, fmt.Errorf("failed to list active conversations: %w", err)
	}

	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			slog.Warn("Reaper Sweep cancelled", "scanned", result.Scanned, "closed", result.Closed)
			return result, err
		}
		result.Scanned++

		if now.Sub(conv.LastMessageAt) < r.window {
			continue
		}

		closed, err := r.store.CloseConversation(conv.ID)
		if err != nil {
			slog.Error("Reaper Sweep close failed", "error", err, "conversationID", conv.ID)
			result.Errors = append(result.Errors, fmt.Errorf("close conversation %s: %w", conv.ID, err))
			continue
		}
		if closed {
			result.Closed++
			slog.Info("Reaper Sweep closed idle conversation",
				"conversationID", conv.ID, "idle", now.Sub(conv.LastMessageAt))
		}
	}

	slog.Debug("Reaper Sweep finished", "scanned", result.Scanned, "closed", result.Closed, "errors", len(result.Errors))
	return result, nil
}
