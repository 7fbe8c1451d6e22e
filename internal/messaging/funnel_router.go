// Package messaging provides response routing for funnel conversations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FunnelPipe/internal/funnel"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/util"
)

// ErrActiveConversationExists is returned when starting a conversation for a
// visitor who already has one in progress.
var ErrActiveConversationExists = errors.New("visitor already has an active conversation")

// ErrFunnelNotFound is returned when a referenced funnel does not exist.
var ErrFunnelNotFound = errors.New("funnel not found")

// FunnelRouter consumes incoming visitor responses from the messaging service
// and drives each one through the funnel engine. It is the single dispatch
// point for inbound messages: the sender's canonical phone number maps to at
// most one active conversation, and every accepted transition is persisted
// through the store's conditional advance before the reply is delivered.
type FunnelRouter struct {
	msgService      Service
	store           store.Store
	engine          *funnel.Engine
	trigger         *funnel.OneTimeTrigger
	defaultFunnelID string

	// indexes caches validated graph indexes by funnel ID. Funnels change only
	// through the API, which calls InvalidateFunnel after a save.
	mu      sync.RWMutex
	indexes map[string]*funnel.GraphIndex
}

// RouterOption defines a configuration option for the FunnelRouter.
type RouterOption func(*FunnelRouter)

// WithDefaultFunnel sets the funnel that unknown senders are auto-enrolled
// into. Without it, messages from senders with no active conversation are
// dropped.
func WithDefaultFunnel(funnelID string) RouterOption {
	return func(rt *FunnelRouter) { rt.defaultFunnelID = funnelID }
}

// NewFunnelRouter creates a new FunnelRouter over the given messaging service,
// store, engine and one-time trigger guard.
func NewFunnelRouter(msgService Service, st store.Store, engine *funnel.Engine, trigger *funnel.OneTimeTrigger, opts ...RouterOption) *FunnelRouter {
	rt := &FunnelRouter{
		msgService: msgService,
		store:      st,
		engine:     engine,
		trigger:    trigger,
		indexes:    make(map[string]*funnel.GraphIndex),
	}
	for _, opt := range opts {
		opt(rt)
	}
	slog.Debug("FunnelRouter created", "default_funnel_set", rt.defaultFunnelID != "")
	return rt
}

// Start begins processing responses and receipts from the messaging service.
// This should be called once to start the processing loops.
func (rt *FunnelRouter) Start(ctx context.Context) {
	slog.Info("FunnelRouter starting response processing")

	go func() {
		defer slog.Info("FunnelRouter stopped response processing")

		for {
			select {
			case response, ok := <-rt.msgService.Responses():
				if !ok {
					slog.Debug("FunnelRouter responses channel closed")
					return
				}

				if err := rt.ProcessResponse(ctx, response); err != nil {
					slog.Error("FunnelRouter failed to process response", "error", err, "from", response.From)
				}

			case <-ctx.Done():
				slog.Debug("FunnelRouter stopping due to context cancellation")
				return
			}
		}
	}()

	// Receipts are advisory; draining them keeps the channel from backing up.
	go func() {
		for {
			select {
			case receipt, ok := <-rt.msgService.Receipts():
				if !ok {
					slog.Debug("FunnelRouter receipts channel closed")
					return
				}
				slog.Debug("FunnelRouter delivery receipt", "to", receipt.To, "status", receipt.Status)

			case <-ctx.Done():
				return
			}
		}
	}()

	slog.Info("FunnelRouter response processing started")
}

// ProcessResponse routes one inbound message. The sender is canonicalized and
// matched to their active conversation; with no conversation the sender is
// auto-enrolled into the default funnel when one is configured. Transport
// message IDs are claimed in the dedup table first so webhook redeliveries
// never walk the funnel twice.
func (rt *FunnelRouter) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rt.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("FunnelRouter ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	if response.MessageID != "" {
		fresh, err := rt.store.ClaimInboundMessage(response.MessageID, canonicalFrom)
		if err != nil {
			// Dedup is a guard, not a gate: losing it degrades to at-least-once.
			slog.Warn("FunnelRouter dedup record failed, processing anyway", "error", err, "message_id", response.MessageID)
		} else if !fresh {
			slog.Info("FunnelRouter dropping duplicate inbound message", "message_id", response.MessageID, "from", canonicalFrom)
			return nil
		}
	}

	conv, err := rt.store.GetActiveConversationByUserRef(canonicalFrom)
	if err != nil {
		return fmt.Errorf("failed to look up conversation for %s: %w", canonicalFrom, err)
	}

	if conv == nil {
		if err := rt.autoEnroll(ctx, canonicalFrom); err != nil {
			return err
		}
		return rt.markProcessed(response.MessageID)
	}

	if err := rt.advance(ctx, conv, response.Body); err != nil {
		if errors.Is(err, funnel.ErrStaleTransition) {
			// A concurrent dispatch won the conditional write. Dropping this
			// transition is the correct outcome, not a failure.
			slog.Info("FunnelRouter transition lost to concurrent advance, discarding", "conversationID", conv.ID)
			return rt.markProcessed(response.MessageID)
		}
		return err
	}
	return rt.markProcessed(response.MessageID)
}

// advance feeds one input to an active conversation and persists and delivers
// the outcome.
func (rt *FunnelRouter) advance(ctx context.Context, conv *models.Conversation, input string) error {
	idx, err := rt.loadIndex(conv.FunnelID)
	if err != nil {
		slog.Error("FunnelRouter cannot load funnel for conversation", "error", err, "conversationID", conv.ID, "funnelID", conv.FunnelID)
		return err
	}

	fromBlockID := conv.CurrentBlockID
	res, err := rt.engine.Advance(ctx, idx, *conv, input)
	if err != nil {
		if errors.Is(err, funnel.ErrOrphanedConversation) {
			// The conversation points at a block the graph no longer has. It
			// stays frozen exactly as stored; only operator intervention (or
			// the inactivity reaper) moves it again.
			slog.Error("FunnelRouter conversation orphaned, leaving frozen", "conversationID", conv.ID, "blockID", conv.CurrentBlockID)
		}
		return err
	}

	switch res.Outcome {
	case funnel.OutcomeInvalidInput:
		// No transition to persist, but the re-render may have resolved the
		// affiliate link for the first time; keep that write (first one wins).
		if conv.ResolvedAffiliateLink == "" && res.Conversation.ResolvedAffiliateLink != "" {
			if err := rt.store.SetResolvedLink(conv.ID, res.Conversation.ResolvedAffiliateLink); err != nil {
				slog.Warn("FunnelRouter failed to persist resolved link", "error", err, "conversationID", conv.ID)
			}
		}
		if err := rt.msgService.SendMessage(ctx, conv.UserRef, res.Reply); err != nil {
			slog.Error("FunnelRouter failed to send re-prompt", "error", err, "conversationID", conv.ID)
			return fmt.Errorf("failed to send re-prompt: %w", err)
		}
		slog.Info("FunnelRouter re-prompted on invalid input", "conversationID", conv.ID, "blockID", fromBlockID)
		return nil

	case funnel.OutcomeAdvanced, funnel.OutcomeClosed:
		ok, err := rt.store.AdvanceConversation(conv.ID, fromBlockID, res.Conversation)
		if err != nil {
			return fmt.Errorf("failed to persist conversation %s: %w", conv.ID, err)
		}
		if !ok {
			return fmt.Errorf("conversation %s at block %s: %w", conv.ID, fromBlockID, funnel.ErrStaleTransition)
		}
		return rt.deliver(ctx, res)

	default:
		return fmt.Errorf("unhandled engine outcome %q for conversation %s", res.Outcome, conv.ID)
	}
}

// deliver sends an engine result's reply over the transport. Replies flagged
// as the one-time action go through the trigger guard so they fire at most
// once per conversation.
func (rt *FunnelRouter) deliver(ctx context.Context, res funnel.Result) error {
	if res.Reply == "" {
		return nil
	}

	if res.FireOneTime {
		fired, err := rt.trigger.Fire(ctx, res.Conversation, res.Reply)
		if err != nil {
			return fmt.Errorf("one-time delivery failed: %w", err)
		}
		if !fired {
			slog.Debug("FunnelRouter one-time action already fired, nothing sent", "conversationID", res.Conversation.ID)
		}
		return nil
	}

	if err := rt.msgService.SendMessage(ctx, res.Conversation.UserRef, res.Reply); err != nil {
		slog.Error("FunnelRouter failed to send reply", "error", err, "conversationID", res.Conversation.ID)
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// autoEnroll starts a conversation on the default funnel for a sender with no
// active conversation. Their first message is treated as the contact event,
// not as input to the start block.
func (rt *FunnelRouter) autoEnroll(ctx context.Context, canonicalFrom string) error {
	if rt.defaultFunnelID == "" {
		slog.Debug("FunnelRouter no active conversation and no default funnel, ignoring message", "from", canonicalFrom)
		return nil
	}

	conv, err := rt.StartConversation(ctx, rt.defaultFunnelID, canonicalFrom)
	if err != nil {
		return fmt.Errorf("failed to auto-enroll %s: %w", canonicalFrom, err)
	}
	slog.Info("FunnelRouter auto-enrolled new visitor", "conversationID", conv.ID, "funnelID", rt.defaultFunnelID, "from", canonicalFrom)
	return nil
}

// StartConversation creates a conversation on the given funnel and delivers
// the greeting. It refuses to start when the visitor already has an active
// conversation. The conversation is persisted even if the greeting send fails;
// the visitor's next message or a scheduled re-prompt recovers the greeting.
func (rt *FunnelRouter) StartConversation(ctx context.Context, funnelID, recipient string) (*models.Conversation, error) {
	canonical, err := rt.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}

	existing, err := rt.store.GetActiveConversationByUserRef(canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to look up conversation for %s: %w", canonical, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: conversation %s", ErrActiveConversationExists, existing.ID)
	}

	idx, err := rt.loadIndex(funnelID)
	if err != nil {
		return nil, err
	}

	res, err := rt.engine.Start(ctx, idx, util.GenerateConversationID(), canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to start conversation on funnel %s: %w", funnelID, err)
	}

	if err := rt.store.CreateConversation(res.Conversation); err != nil {
		return nil, fmt.Errorf("failed to persist conversation: %w", err)
	}

	if err := rt.deliver(ctx, res); err != nil {
		// The conversation exists; losing the greeting is recoverable.
		slog.Warn("FunnelRouter greeting delivery failed", "error", err, "conversationID", res.Conversation.ID)
	}

	slog.Info("FunnelRouter started conversation", "conversationID", res.Conversation.ID, "funnelID", funnelID, "userRef", canonical)
	return &res.Conversation, nil
}

// loadIndex returns the validated graph index for a funnel, building and
// caching it on first use.
func (rt *FunnelRouter) loadIndex(funnelID string) (*funnel.GraphIndex, error) {
	rt.mu.RLock()
	idx, ok := rt.indexes[funnelID]
	rt.mu.RUnlock()
	if ok {
		return idx, nil
	}

	graph, err := rt.store.GetFunnel(funnelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel %s: %w", funnelID, err)
	}
	if graph == nil {
		return nil, fmt.Errorf("%w: %s", ErrFunnelNotFound, funnelID)
	}

	idx, err = funnel.NewGraphIndex(*graph)
	if err != nil {
		return nil, fmt.Errorf("failed to index funnel %s: %w", funnelID, err)
	}

	rt.mu.Lock()
	rt.indexes[funnelID] = idx
	rt.mu.Unlock()
	slog.Debug("FunnelRouter cached funnel index", "funnelID", funnelID)
	return idx, nil
}

// InvalidateFunnel drops the cached index for a funnel. The API layer calls
// this after saving a funnel so the next message sees the new graph.
func (rt *FunnelRouter) InvalidateFunnel(funnelID string) {
	rt.mu.Lock()
	delete(rt.indexes, funnelID)
	rt.mu.Unlock()
	slog.Debug("FunnelRouter invalidated funnel index", "funnelID", funnelID)
}

// markProcessed stamps the inbound log row after successful handling. Best
// effort: the claim in ClaimInboundMessage already blocks redelivery.
func (rt *FunnelRouter) markProcessed(messageID string) error {
	if messageID == "" {
		return nil
	}
	if err := rt.store.MarkInboundProcessed(messageID); err != nil {
		slog.Warn("FunnelRouter failed to mark message processed", "error", err, "message_id", messageID)
	}
	return nil
}
