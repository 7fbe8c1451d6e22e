// Package store provides storage backends for FunnelPipe.
//
// This file implements an in-memory store used by tests and single-process
// development runs. It honors the same conditional-update contract as the SQL
// backends.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/google/uuid"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps all state in process memory guarded by a single mutex.
type InMemoryStore struct {
	mu            sync.RWMutex
	funnels       map[string]models.FunnelGraph
	resources     map[string]models.Resource // keyed by ownerScope + "\x00" + name
	conversations map[string]models.Conversation
	inbound       map[string]InboundMessage
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		funnels:       make(map[string]models.FunnelGraph),
		resources:     make(map[string]models.Resource),
		conversations: make(map[string]models.Conversation),
		inbound:       make(map[string]InboundMessage),
	}
}

func resourceKey(ownerScope, name string) string {
	return ownerScope + "\x00" + name
}

// cloneConversation returns a copy whose slices do not share backing arrays
// with the stored value, so callers appending to the copy cannot corrupt the
// store.
func cloneConversation(c models.Conversation) models.Conversation {
	out := c
	if c.UserPath != nil {
		out.UserPath = append([]string(nil), c.UserPath...)
	}
	if c.Interactions != nil {
		out.Interactions = append([]models.Interaction(nil), c.Interactions...)
	}
	if c.PhaseStartTime != nil {
		t := *c.PhaseStartTime
		out.PhaseStartTime = &t
	}
	return out
}

// SaveFunnel stores or replaces a funnel definition, assigning an ID if absent.
func (s *InMemoryStore) SaveFunnel(funnel *models.FunnelGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if funnel.ID == "" {
		funnel.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if funnel.CreatedAt.IsZero() {
		funnel.CreatedAt = now
	}
	funnel.UpdatedAt = now
	s.funnels[funnel.ID] = *funnel
	return nil
}

// GetFunnel retrieves a funnel definition by ID.
func (s *InMemoryStore) GetFunnel(id string) (*models.FunnelGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	funnel, ok := s.funnels[id]
	if !ok {
		return nil, nil
	}
	return &funnel, nil
}

// ListFunnels retrieves all funnel definitions, newest first.
func (s *InMemoryStore) ListFunnels() ([]models.FunnelGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	funnels := make([]models.FunnelGraph, 0, len(s.funnels))
	for _, funnel := range s.funnels {
		funnels = append(funnels, funnel)
	}
	sort.Slice(funnels, func(i, j int) bool {
		return funnels[i].CreatedAt.After(funnels[j].CreatedAt)
	})
	return funnels, nil
}

// DeleteFunnel removes a funnel definition.
func (s *InMemoryStore) DeleteFunnel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.funnels, id)
	return nil
}

// SaveResource stores or replaces a resource directory entry.
func (s *InMemoryStore) SaveResource(resource *models.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resource.ID == "" {
		resource.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if resource.CreatedAt.IsZero() {
		resource.CreatedAt = now
	}
	resource.UpdatedAt = now
	s.resources[resourceKey(resource.OwnerScope, resource.Name)] = *resource
	return nil
}

// GetResource retrieves a resource directory entry by name within a scope.
func (s *InMemoryStore) GetResource(name, ownerScope string) (*models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resource, ok := s.resources[resourceKey(ownerScope, name)]
	if !ok {
		return nil, nil
	}
	return &resource, nil
}

// ListResources retrieves all resource entries for a scope.
func (s *InMemoryStore) ListResources(ownerScope string) ([]models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var resources []models.Resource
	for _, resource := range s.resources {
		if resource.OwnerScope == ownerScope {
			resources = append(resources, resource)
		}
	}
	sort.Slice(resources, func(i, j int) bool {
		return resources[i].Name < resources[j].Name
	})
	return resources, nil
}

// CreateConversation inserts a new conversation.
func (s *InMemoryStore) CreateConversation(conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	out := cloneConversation(conv)
	return &out, nil
}

// GetActiveConversationByUserRef retrieves the newest active conversation for
// a visitor.
func (s *InMemoryStore) GetActiveConversationByUserRef(userRef string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Conversation
	for id := range s.conversations {
		conv := s.conversations[id]
		if conv.UserRef != userRef || conv.Status != models.ConversationStatusActive {
			continue
		}
		if found == nil || conv.CreatedAt.After(found.CreatedAt) {
			clone := cloneConversation(conv)
			found = &clone
		}
	}
	return found, nil
}

// ListConversationsByFunnel retrieves all conversations for a funnel.
func (s *InMemoryStore) ListConversationsByFunnel(funnelID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var convs []models.Conversation
	for _, conv := range s.conversations {
		if conv.FunnelID == funnelID {
			convs = append(convs, cloneConversation(conv))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})
	return convs, nil
}

// ListActiveConversations retrieves all active conversations across funnels.
func (s *InMemoryStore) ListActiveConversations() ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var convs []models.Conversation
	for _, conv := range s.conversations {
		if conv.Status == models.ConversationStatusActive {
			convs = append(convs, cloneConversation(conv))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})
	return convs, nil
}

// AdvanceConversation applies an engine transition if the stored row is still
// active at fromBlockID.
func (s *InMemoryStore) AdvanceConversation(id, fromBlockID string, conv models.Conversation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.conversations[id]
	if !ok {
		return false, nil
	}
	if current.Status != models.ConversationStatusActive || current.CurrentBlockID != fromBlockID {
		return false, nil
	}
	updated := cloneConversation(conv)
	// Claim and nudge markers are owned by their own conditional updates.
	updated.OneTimeActionClaimed = current.OneTimeActionClaimed
	updated.LastNudgePhase = current.LastNudgePhase
	updated.LastNudgeOffset = current.LastNudgeOffset
	updated.UpdatedAt = time.Now().UTC()
	s.conversations[id] = updated
	return true, nil
}

// CloseConversation closes an active conversation.
func (s *InMemoryStore) CloseConversation(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok || conv.Status != models.ConversationStatusActive {
		return false, nil
	}
	conv.Status = models.ConversationStatusClosed
	conv.UpdatedAt = time.Now().UTC()
	s.conversations[id] = conv
	return true, nil
}

// ClaimOneTimeAction atomically sets the one-time action flag.
func (s *InMemoryStore) ClaimOneTimeAction(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok || conv.OneTimeActionClaimed {
		return false, nil
	}
	conv.OneTimeActionClaimed = true
	conv.UpdatedAt = time.Now().UTC()
	s.conversations[id] = conv
	return true, nil
}

// ReleaseOneTimeAction clears the one-time action flag.
func (s *InMemoryStore) ReleaseOneTimeAction(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}
	conv.OneTimeActionClaimed = false
	conv.UpdatedAt = time.Now().UTC()
	s.conversations[id] = conv
	return nil
}

// SetResolvedLink stores the resolved affiliate link; the first write wins.
func (s *InMemoryStore) SetResolvedLink(id, link string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok || conv.ResolvedAffiliateLink != "" {
		return nil
	}
	conv.ResolvedAffiliateLink = link
	conv.UpdatedAt = time.Now().UTC()
	s.conversations[id] = conv
	return nil
}

// MarkNudgeSent claims the (phase, offset) re-prompt marker.
func (s *InMemoryStore) MarkNudgeSent(id string, phase, offsetMinutes int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok || conv.Status != models.ConversationStatusActive {
		return false, nil
	}
	if conv.LastNudgePhase == phase && conv.LastNudgeOffset == offsetMinutes {
		return false, nil
	}
	conv.LastNudgePhase = phase
	conv.LastNudgeOffset = offsetMinutes
	conv.LastMessageAt = at
	conv.UpdatedAt = at
	s.conversations[id] = conv
	return true, nil
}

// TouchConversation bumps the last message timestamp.
func (s *InMemoryStore) TouchConversation(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}
	conv.LastMessageAt = at
	conv.UpdatedAt = at
	s.conversations[id] = conv
	return nil
}

// ClaimInboundMessage logs a provider message ID, refusing duplicates.
func (s *InMemoryStore) ClaimInboundMessage(messageID, userRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = InboundMessage{
		MessageID:  messageID,
		UserRef:    userRef,
		ReceivedAt: time.Now().UTC(),
	}
	return true, nil
}

// MarkInboundProcessed stamps the log row; a missing row is not an error.
func (s *InMemoryStore) MarkInboundProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	record.ProcessedAt = &now
	s.inbound[messageID] = record
	return nil
}

// SeenInbound reports whether a message ID is already logged.
func (s *InMemoryStore) SeenInbound(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
