package funnel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Outcome classifies what one inbound input did to a conversation.
type Outcome string

const (
	// OutcomeAdvanced means the input matched an option and the conversation
	// moved to a new block.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeClosed means the input ended the conversation, either through a
	// terminal option or by replying to a block with no options.
	OutcomeClosed Outcome = "closed"
	// OutcomeInvalidInput means the input matched nothing; the conversation is
	// unchanged and the current block is re-prompted. This is not an error.
	OutcomeInvalidInput Outcome = "invalid_input"
)

// DefaultTriggerStageName is the stage whose entry requests the one-time
// affiliate action and starts the second re-prompt phase.
const DefaultTriggerStageName = "OFFER"

// BlockOptionFormat is the format string for numbered option lines appended
// to a block message.
const BlockOptionFormat = "\n%d. %s"

// Result is the outcome of feeding one event to the engine. The caller owns
// persistence: Conversation is an updated copy that must be written through
// the store's conditional advance so a concurrent dispatcher cannot be
// overwritten, and Reply is the rendered message to deliver.
type Result struct {
	Conversation models.Conversation
	Outcome      Outcome
	Reply        string
	// FireOneTime marks the reply as the irreversible affiliate message: it
	// must be delivered through the one-time trigger guard, not the plain
	// send path.
	FireOneTime bool
	// EnteredStage names the stage of the block the conversation moved into,
	// when it moved.
	EnteredStage string
}

// Engine executes funnel graphs. It is stateless and synchronous: one call
// per inbound event, no internal goroutines, and identical inputs always
// produce identical branching. The injected clock feeds recorded timestamps
// only, never branching decisions.
type Engine struct {
	links        *LinkResolver
	clock        Clock
	triggerStage string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTriggerStage overrides the stage name whose entry fires the one-time
// action. Matching is case-insensitive.
func WithTriggerStage(name string) EngineOption {
	return func(e *Engine) { e.triggerStage = name }
}

// NewEngine creates an engine rendering links through the given resolver and
// reading time from the given clock.
func NewEngine(links *LinkResolver, clock Clock, opts ...EngineOption) *Engine {
	e := &Engine{links: links, clock: clock, triggerStage: DefaultTriggerStageName}
	for _, opt := range opts {
		opt(e)
	}
	slog.Debug("Creating Engine", "triggerStage", e.triggerStage)
	return e
}

// Start creates a conversation at the funnel's start block and renders the
// greeting. The caller persists the returned conversation with
// CreateConversation and delivers the reply.
func (e *Engine) Start(ctx context.Context, idx *GraphIndex, conversationID, userRef string) (Result, error) {
	now := e.clock.Now().UTC()
	g := idx.Graph()
	conv := models.Conversation{
		ID:             conversationID,
		FunnelID:       g.ID,
		UserRef:        userRef,
		CurrentBlockID: g.StartBlockID,
		UserPath:       []string{g.StartBlockID},
		Status:         models.ConversationStatusActive,
		CreatedAt:      now,
		LastMessageAt:  now,
		UpdatedAt:      now,
	}

	res := Result{Outcome: OutcomeAdvanced}
	e.enterBlock(idx, &conv, g.StartBlockID, now, &res)

	reply, err := e.renderBlock(ctx, idx, &conv, idx.StartBlock())
	if err != nil {
		return Result{}, err
	}
	res.Reply = reply
	res.Conversation = conv

	slog.Info("Engine Start", "conversationID", conversationID, "funnelID", g.ID, "userRef", userRef, "startBlock", g.StartBlockID)
	return res, nil
}

// Advance feeds one raw input to a conversation. Matching is exact: the
// trimmed input must equal an option's 1-based display index or case-fold
// equal its text; the first matching option wins. Anything else re-prompts
// the current block without mutating the conversation.
func (e *Engine) Advance(ctx context.Context, idx *GraphIndex, conv models.Conversation, rawInput string) (Result, error) {
	block, ok := idx.ResolveBlock(conv.CurrentBlockID)
	if !ok {
		slog.Error("Engine Advance orphaned conversation",
			"conversationID", conv.ID, "funnelID", conv.FunnelID, "blockID", conv.CurrentBlockID)
		return Result{}, fmt.Errorf("conversation %s at block %s: %w", conv.ID, conv.CurrentBlockID, ErrOrphanedConversation)
	}

	now := e.clock.Now().UTC()
	trimmed := strings.TrimSpace(rawInput)

	// A block with no options is terminal: any reply closes the conversation.
	if block.Terminal() {
		conv.Interactions = append(conv.Interactions, models.Interaction{BlockID: block.ID, Input: trimmed, Timestamp: now})
		conv.Status = models.ConversationStatusClosed
		conv.LastMessageAt = now
		conv.UpdatedAt = now
		slog.Info("Engine Advance closed at terminal block", "conversationID", conv.ID, "blockID", block.ID)
		return Result{Conversation: conv, Outcome: OutcomeClosed}, nil
	}

	optIdx, ok := matchOption(trimmed, block.Options)
	if !ok {
		// Invalid input is a no-op re-prompt, not an error. The conversation
		// keeps its path, interactions and timestamps untouched.
		reply, err := e.renderBlock(ctx, idx, &conv, block)
		if err != nil {
			return Result{}, err
		}
		slog.Debug("Engine Advance invalid input", "conversationID", conv.ID, "blockID", block.ID)
		return Result{Conversation: conv, Outcome: OutcomeInvalidInput, Reply: reply}, nil
	}

	chosen := block.Options[optIdx]
	conv.Interactions = append(conv.Interactions, models.Interaction{BlockID: block.ID, Input: trimmed, Timestamp: now})
	conv.LastMessageAt = now
	conv.UpdatedAt = now

	// A nil target is a terminal option: the funnel ends here.
	if chosen.NextBlockID == nil {
		conv.Status = models.ConversationStatusClosed
		slog.Info("Engine Advance closed by terminal option",
			"conversationID", conv.ID, "blockID", block.ID, "option", chosen.Text)
		return Result{Conversation: conv, Outcome: OutcomeClosed}, nil
	}

	next, _ := idx.ResolveBlock(*chosen.NextBlockID)
	conv.CurrentBlockID = next.ID
	conv.UserPath = append(conv.UserPath, next.ID)

	res := Result{Outcome: OutcomeAdvanced}
	e.enterBlock(idx, &conv, next.ID, now, &res)

	reply, err := e.renderBlock(ctx, idx, &conv, next)
	if err != nil {
		return Result{}, err
	}
	res.Reply = reply
	res.Conversation = conv

	slog.Debug("Engine Advance advanced",
		"conversationID", conv.ID, "from", block.ID, "to", next.ID, "stage", res.EnteredStage, "fireOneTime", res.FireOneTime)
	return res, nil
}

// enterBlock applies stage-entry effects for the block a conversation just
// moved into: records the entered stage and, on the trigger stage, requests
// the one-time action and stamps the phase anchor on first entry only.
func (e *Engine) enterBlock(idx *GraphIndex, conv *models.Conversation, blockID string, now time.Time, res *Result) {
	if stage, ok := idx.StageOf(blockID); ok {
		res.EnteredStage = stage.Name
	}
	if idx.IsInStageNamed(blockID, e.triggerStage) {
		res.FireOneTime = true
		if conv.PhaseStartTime == nil {
			t := now
			conv.PhaseStartTime = &t
		}
	}
}

// renderBlock renders a block message with its numbered options, substituting
// the link placeholder when the block carries a resource name.
func (e *Engine) renderBlock(ctx context.Context, idx *GraphIndex, conv *models.Conversation, block models.Block) (string, error) {
	text := block.Message
	if block.ResourceName != "" {
		link, err := e.links.Resolve(ctx, conv, block.ResourceName, idx.Graph().OwnerScope)
		if err != nil {
			return "", err
		}
		text = strings.ReplaceAll(text, models.LinkPlaceholder, link)
	}
	for i, opt := range block.Options {
		text += fmt.Sprintf(BlockOptionFormat, i+1, opt.Text)
	}
	return text, nil
}

// matchOption finds the first option matching the trimmed input, comparing
// against the 1-based display index and the option text (case-folded).
// Options are scanned top to bottom, so an earlier option always beats a
// later one when both would match.
func matchOption(input string, options []models.Option) (int, bool) {
	for i, opt := range options {
		if input == strconv.Itoa(i+1) || strings.EqualFold(input, opt.Text) {
			return i, true
		}
	}
	return 0, false
}
