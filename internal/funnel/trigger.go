package funnel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// DefaultOneTimeSendTimeout bounds the delivery attempt under a claim so a
// hung transport cannot hold the claim without ever reaching the
// compensation path.
const DefaultOneTimeSendTimeout = 30 * time.Second

// OneTimeTrigger delivers the irreversible affiliate message at most once per
// conversation. It claims before it acts: a conditional store write takes the
// claim, losing the claim is success (someone else fired), and only a failed
// delivery releases the claim so a later attempt may retry.
type OneTimeTrigger struct {
	store   store.Store
	sender  MessageSender
	clock   Clock
	timeout time.Duration
}

// TriggerOption configures a OneTimeTrigger.
type TriggerOption func(*OneTimeTrigger)

// WithSendTimeout overrides the per-delivery timeout.
func WithSendTimeout(d time.Duration) TriggerOption {
	return func(t *OneTimeTrigger) { t.timeout = d }
}

// NewOneTimeTrigger creates a trigger guard over the given store and sender.
func NewOneTimeTrigger(st store.Store, sender MessageSender, clock Clock, opts ...TriggerOption) *OneTimeTrigger {
	t := &OneTimeTrigger{store: st, sender: sender, clock: clock, timeout: DefaultOneTimeSendTimeout}
	for _, opt := range opts {
		opt(t)
	}
	slog.Debug("Creating OneTimeTrigger", "timeout", t.timeout)
	return t
}

// Fire attempts the one-time delivery for a conversation. It reports whether
// this call performed the delivery. A lost claim returns (false, nil): the
// action already fired somewhere else and that is the desired outcome, not a
// failure.
func (t *OneTimeTrigger) Fire(ctx context.Context, conv models.Conversation, message string) (bool, error) {
	claimed, err := t.store.ClaimOneTimeAction(conv.ID)
	if err != nil {
		slog.Error("OneTimeTrigger Fire claim failed", "error", err, "conversationID", conv.ID)
		return false, fmt.Errorf("failed to claim one-time action for %s: %w", conv.ID, err)
	}
	if !claimed {
		slog.Debug("OneTimeTrigger Fire claim lost, action already fired", "conversationID", conv.ID)
		return false, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.sender.SendMessage(sendCtx, conv.UserRef, message); err != nil {
		slog.Error("OneTimeTrigger Fire delivery failed, releasing claim", "error", err, "conversationID", conv.ID)
		// Compensate: the action did not happen, so the claim must not stand.
		if relErr := t.store.ReleaseOneTimeAction(conv.ID); relErr != nil {
			slog.Error("OneTimeTrigger Fire claim release failed", "error", relErr, "conversationID", conv.ID)
			return false, fmt.Errorf("one-time delivery for %s failed (%v) and claim release failed: %w", conv.ID, err, relErr)
		}
		return false, fmt.Errorf("one-time delivery for %s failed: %w", conv.ID, err)
	}

	// Delivery succeeded; the claim is permanent from here. Bookkeeping
	// failures are surfaced but never unwind the claim.
	if err := t.store.TouchConversation(conv.ID, t.clock.Now().UTC()); err != nil {
		slog.Error("OneTimeTrigger Fire timestamp bump failed after delivery", "error", err, "conversationID", conv.ID)
		return true, fmt.Errorf("one-time action for %s fired but timestamp update failed: %w", conv.ID, err)
	}

	slog.Info("OneTimeTrigger Fire delivered", "conversationID", conv.ID, "userRef", conv.UserRef)
	return true, nil
}
