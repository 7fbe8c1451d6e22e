package funnel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// Re-prompt phases. Phase 1 runs from conversation creation; phase 2 takes
// over once the conversation enters the trigger stage and PhaseStartTime is
// stamped.
const (
	PhasePreOffer  = 1
	PhasePostOffer = 2
)

// Nudge offsets in minutes from each phase's anchor. A nudge is due only in
// the exact minute of its offset, so a visitor who answers between offsets is
// never pestered retroactively.
var (
	phase1Offsets = []int{10, 60, 720}
	phase2Offsets = []int{15, 60, 720}
)

// NudgeKey addresses one entry in the re-prompt message table.
type NudgeKey struct {
	Phase         int
	OffsetMinutes int
}

// Nudge is a due re-prompt: which schedule slot fired and what to send.
type Nudge struct {
	Phase         int
	OffsetMinutes int
	Message       string
}

// RePromptPolicy decides when a quiet conversation is due a nudge and what
// the nudge says. The message table is fixed at construction; every
// scheduled (phase, offset) slot must have text, so a missing message is a
// configuration error surfaced at startup rather than a silent runtime skip.
type RePromptPolicy struct {
	messages map[NudgeKey]string
}

// DefaultRePromptMessages returns the built-in nudge text table covering
// every scheduled slot.
func DefaultRePromptMessages() map[NudgeKey]string {
	return map[NudgeKey]string{
		{PhasePreOffer, 10}:   "Still there? Reply with the number of an option above to keep going.",
		{PhasePreOffer, 60}:   "Just checking in! Your spot is saved, pick an option whenever you are ready.",
		{PhasePreOffer, 720}:  "We saved your progress. Reply anytime to pick up where you left off.",
		{PhasePostOffer, 15}:  "Your link is waiting for you above. Let us know if you have any questions!",
		{PhasePostOffer, 60}:  "Do not miss out! The link we sent you is still active.",
		{PhasePostOffer, 720}: "Last reminder: your link is still available whenever you are ready.",
	}
}

// NewRePromptPolicy validates the message table against the nudge schedule
// and returns a policy. Every scheduled slot needs a non-empty message, and
// the table may not carry entries for slots that are never scheduled.
func NewRePromptPolicy(messages map[NudgeKey]string) (*RePromptPolicy, error) {
	scheduled := make(map[NudgeKey]bool)
	for _, sched := range []struct {
		phase   int
		offsets []int
	}{
		{PhasePreOffer, phase1Offsets},
		{PhasePostOffer, phase2Offsets},
	} {
		for _, off := range sched.offsets {
			key := NudgeKey{sched.phase, off}
			scheduled[key] = true
			if messages[key] == "" {
				return nil, fmt.Errorf("re-prompt message missing for phase %d offset %d minutes", sched.phase, off)
			}
		}
	}
	for key := range messages {
		if !scheduled[key] {
			return nil, fmt.Errorf("re-prompt message for unscheduled phase %d offset %d minutes", key.Phase, key.OffsetMinutes)
		}
	}

	table := make(map[NudgeKey]string, len(messages))
	for key, msg := range messages {
		table[key] = msg
	}
	return &RePromptPolicy{messages: table}, nil
}

// Due reports whether the conversation owes a nudge at the given instant.
// The age in whole minutes since the phase anchor must equal an offset
// exactly: at 9 minutes nothing is due, through minute 10 the first phase 1
// nudge is due, and from minute 11 it never becomes due again.
func (p *RePromptPolicy) Due(conv models.Conversation, now time.Time) (Nudge, bool) {
	if conv.Status != models.ConversationStatusActive {
		return Nudge{}, false
	}

	phase, anchor := PhasePreOffer, conv.CreatedAt
	if conv.PhaseStartTime != nil {
		phase, anchor = PhasePostOffer, *conv.PhaseStartTime
	}

	elapsed := now.Sub(anchor)
	if elapsed < 0 {
		return Nudge{}, false
	}
	age := int(elapsed / time.Minute)
	for _, off := range p.offsetsFor(phase) {
		if age == off {
			return Nudge{Phase: phase, OffsetMinutes: off, Message: p.messages[NudgeKey{phase, off}]}, true
		}
	}
	return Nudge{}, false
}

func (p *RePromptPolicy) offsetsFor(phase int) []int {
	if phase == PhasePostOffer {
		return phase2Offsets
	}
	return phase1Offsets
}

// NudgeSweepResult summarizes one re-prompt pass.
type NudgeSweepResult struct {
	Scanned int
	Sent    int
	Errors  []error
}

// RePrompter sweeps active conversations and sends due nudges. Each nudge is
// claimed through the store's conditional marker update before sending, so
// two sweep ticks landing in the same due minute send it once. Run the sweep
// on a sub-minute cadence; a slower cadence can miss a due minute entirely.
type RePrompter struct {
	store  store.Store
	sender MessageSender
	policy *RePromptPolicy
	clock  Clock
}

// NewRePrompter creates a re-prompt sweeper.
func NewRePrompter(st store.Store, sender MessageSender, policy *RePromptPolicy, clock Clock) *RePrompter {
	slog.Debug("Creating RePrompter")
	return &RePrompter{store: st, sender: sender, policy: policy, clock: clock}
}

// Sweep scans active conversations once and sends every due, unclaimed nudge.
// Per-item errors are collected; the context is checked between items.
func (rp *RePrompter) Sweep(ctx context.Context) (NudgeSweepResult, error) {
	var result NudgeSweepResult
	now := rp.clock.Now()

	convs, err := rp.store.ListActiveConversations()
	if err != nil {
		slog.Error("RePrompter Sweep list failed", "error", err)
		return result, fmt.Errorf("failed to list active conversations: %w", err)
	}

	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			slog.Warn("RePrompter Sweep cancelled", "scanned", result.Scanned, "sent", result.Sent)
			return result, err
		}
		result.Scanned++

		nudge, due := rp.policy.Due(conv, now)
		if !due {
			continue
		}
		// Cheap local skip when this row already shows the marker; the
		// conditional update below is what actually guarantees the claim.
		if conv.LastNudgePhase == nudge.Phase && conv.LastNudgeOffset == nudge.OffsetMinutes {
			continue
		}

		claimed, err := rp.store.MarkNudgeSent(conv.ID, nudge.Phase, nudge.OffsetMinutes, now)
		if err != nil {
			slog.Error("RePrompter Sweep marker claim failed", "error", err, "conversationID", conv.ID)
			result.Errors = append(result.Errors, fmt.Errorf("claim nudge for %s: %w", conv.ID, err))
			continue
		}
		if !claimed {
			slog.Debug("RePrompter Sweep nudge already sent", "conversationID", conv.ID,
				"phase", nudge.Phase, "offset", nudge.OffsetMinutes)
			continue
		}

		if err := rp.sender.SendMessage(ctx, conv.UserRef, nudge.Message); err != nil {
			slog.Error("RePrompter Sweep delivery failed", "error", err, "conversationID", conv.ID,
				"phase", nudge.Phase, "offset", nudge.OffsetMinutes)
			result.Errors = append(result.Errors, fmt.Errorf("send nudge to %s: %w", conv.ID, err))
			continue
		}
		result.Sent++
		slog.Info("RePrompter Sweep nudge sent", "conversationID", conv.ID,
			"phase", nudge.Phase, "offset", nudge.OffsetMinutes)
	}

	slog.Debug("RePrompter Sweep finished", "scanned", result.Scanned, "sent", result.Sent, "errors", len(result.Errors))
	return result, nil
}
