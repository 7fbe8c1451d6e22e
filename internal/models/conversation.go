package models

import (
	"errors"
	"time"
)

// ConversationStatus represents the lifecycle status of a funnel conversation.
type ConversationStatus string

const (
	// ConversationStatusActive indicates the conversation is in progress.
	ConversationStatusActive ConversationStatus = "active"
	// ConversationStatusClosed indicates the conversation has ended, either by
	// reaching a terminal option or by inactivity expiry.
	ConversationStatusClosed ConversationStatus = "closed"
)

// IsValidConversationStatus checks if the given conversation status is valid.
func IsValidConversationStatus(status ConversationStatus) bool {
	switch status {
	case ConversationStatusActive, ConversationStatusClosed:
		return true
	default:
		return false
	}
}

// Interaction records one accepted user input and the block it was answered
// from. Timestamps are bookkeeping only; branching never depends on them.
type Interaction struct {
	BlockID   string    `json:"block_id"`
	Input     string    `json:"input"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the mutable runtime state of one visitor walking a funnel.
type Conversation struct {
	ID             string             `json:"id"`
	FunnelID       string             `json:"funnel_id"`
	UserRef        string             `json:"user_ref"` // canonical delivery address of the visitor
	CurrentBlockID string             `json:"current_block_id"`
	UserPath       []string           `json:"user_path,omitempty"`
	Interactions   []Interaction      `json:"interactions,omitempty"`
	Status         ConversationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	LastMessageAt  time.Time          `json:"last_message_at"`
	// PhaseStartTime is stamped when the conversation first enters the offer
	// stage; it anchors the second re-prompt phase.
	PhaseStartTime       *time.Time `json:"phase_start_time,omitempty"`
	OneTimeActionClaimed bool       `json:"one_time_action_claimed"`
	// ResolvedAffiliateLink caches the first link resolution for the
	// conversation; once set it is reused verbatim on every later render.
	ResolvedAffiliateLink string    `json:"resolved_affiliate_link,omitempty"`
	LastNudgePhase        int       `json:"last_nudge_phase,omitempty"`
	LastNudgeOffset       int       `json:"last_nudge_offset,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Resource is a directory entry mapping a logical resource name to a link,
// scoped to a funnel owner.
type Resource struct {
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name"`
	OwnerScope string    `json:"owner_scope,omitempty"`
	Link       string    `json:"link"`
	Category   string    `json:"category,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Validate checks resource directory entry fields.
func (r *Resource) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Link == "" {
		return errors.New("link is required")
	}
	return nil
}

// StartConversationRequest represents the payload for starting a conversation
// through the API.
type StartConversationRequest struct {
	FunnelID    string `json:"funnel_id" validate:"required"`
	PhoneNumber string `json:"phone_number" validate:"required"`
}

// Validate validates a StartConversationRequest.
func (r *StartConversationRequest) Validate() error {
	if r.FunnelID == "" {
		return errors.New("funnel_id is required")
	}
	if r.PhoneNumber == "" {
		return errors.New("phone_number is required")
	}
	return nil
}

// InboundMessageRequest represents the payload for injecting an inbound visitor
// message through the webhook endpoint.
type InboundMessageRequest struct {
	From string `json:"from" validate:"required"`
	Body string `json:"body" validate:"required"`
	// MessageID is the provider's message identifier, used to deduplicate
	// webhook redeliveries when present.
	MessageID string `json:"message_id,omitempty"`
}

// Validate validates an InboundMessageRequest.
func (r *InboundMessageRequest) Validate() error {
	if r.From == "" {
		return errors.New("from is required")
	}
	if r.Body == "" {
		return errors.New("body is required")
	}
	return nil
}

// FunnelStats summarizes conversation progress for one funnel.
type FunnelStats struct {
	FunnelID              string                     `json:"funnel_id"`
	TotalConversations    int                        `json:"total_conversations"`
	ConversationsByStatus map[ConversationStatus]int `json:"conversations_by_status"`
	ConversationsByStage  map[string]int             `json:"conversations_by_stage"`
	OneTimeActionsClaimed int                        `json:"one_time_actions_claimed"`
}
