package models

import (
	"errors"
	"time"
)

// LinkPlaceholder is the token inside a block message that is replaced with the
// resolved resource link at render time.
const LinkPlaceholder = "{{link}}"

// Validation constants for funnel graph input validation
const (
	// MaxBlockMessageLength defines the maximum allowed length for block message content
	MaxBlockMessageLength = 4096
	// MaxOptionTextLength defines the maximum allowed length for option text
	MaxOptionTextLength = 100
	// MaxOptionsPerBlock defines the maximum number of options a block may offer
	MaxOptionsPerBlock = 10
)

// Error variables for better error handling and testability
var (
	ErrEmptyFunnelName     = errors.New("funnel name cannot be empty")
	ErrMissingStartBlock   = errors.New("start_block_id is required")
	ErrNoBlocks            = errors.New("funnel must define at least one block")
	ErrNoStages            = errors.New("funnel must define at least one stage")
	ErrEmptyBlockID        = errors.New("block id cannot be empty")
	ErrEmptyBlockMessage   = errors.New("block message cannot be empty")
	ErrBlockMessageTooLong = errors.New("block message exceeds maximum length")
	ErrEmptyOptionText     = errors.New("option text cannot be empty")
	ErrOptionTextTooLong   = errors.New("option text exceeds maximum length")
	ErrTooManyOptions      = errors.New("too many options on block")
	ErrEmptyStageID        = errors.New("stage id cannot be empty")
	ErrEmptyStageName      = errors.New("stage name cannot be empty")
)

// Option represents a selectable answer on a funnel block. A nil NextBlockID
// marks a terminal option: choosing it ends the conversation.
type Option struct {
	Text        string  `json:"text"`
	NextBlockID *string `json:"next_block_id,omitempty"`
}

// Block is a single message node in the funnel graph. Message may contain the
// LinkPlaceholder token, which is substituted with the resolved resource link
// when ResourceName is set. A block with no options is terminal: any reply
// closes the conversation.
type Block struct {
	ID           string   `json:"id"`
	Message      string   `json:"message"`
	Options      []Option `json:"options,omitempty"`
	ResourceName string   `json:"resource_name,omitempty"`
}

// Stage groups blocks into a named funnel phase. Stage order in the graph is
// presentation order.
type Stage struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Explanation string   `json:"explanation,omitempty"`
	BlockIDs    []string `json:"block_ids"`
}

// FunnelGraph is an immutable scripted funnel definition: an ordered list of
// stages over a map of message blocks. Cycles between blocks are allowed.
type FunnelGraph struct {
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name"`
	OwnerScope   string           `json:"owner_scope,omitempty"` // tenant scope for resource lookup
	StartBlockID string           `json:"start_block_id"`
	Stages       []Stage          `json:"stages"`
	Blocks       map[string]Block `json:"blocks"`
	CreatedAt    time.Time        `json:"created_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at,omitempty"`
}

// Validate performs structural validation on a FunnelGraph: required fields and
// size limits. Referential integrity between blocks, options and stages is
// checked separately when the graph is indexed for execution.
func (g *FunnelGraph) Validate() error {
	if g.Name == "" {
		return ErrEmptyFunnelName
	}
	if g.StartBlockID == "" {
		return ErrMissingStartBlock
	}
	if len(g.Blocks) == 0 {
		return ErrNoBlocks
	}
	if len(g.Stages) == 0 {
		return ErrNoStages
	}

	for id, block := range g.Blocks {
		if id == "" || block.ID == "" {
			return ErrEmptyBlockID
		}
		if err := block.Validate(); err != nil {
			return err
		}
	}

	for _, stage := range g.Stages {
		if stage.ID == "" {
			return ErrEmptyStageID
		}
		if stage.Name == "" {
			return ErrEmptyStageName
		}
	}

	return nil
}

// Validate checks a single block's fields.
func (b *Block) Validate() error {
	if b.Message == "" {
		return ErrEmptyBlockMessage
	}
	if len(b.Message) > MaxBlockMessageLength {
		return ErrBlockMessageTooLong
	}
	if len(b.Options) > MaxOptionsPerBlock {
		return ErrTooManyOptions
	}
	for _, option := range b.Options {
		if option.Text == "" {
			return ErrEmptyOptionText
		}
		if len(option.Text) > MaxOptionTextLength {
			return ErrOptionTextTooLong
		}
	}
	return nil
}

// Terminal reports whether the block offers no options, meaning any reply
// closes the conversation.
func (b *Block) Terminal() bool {
	return len(b.Options) == 0
}
