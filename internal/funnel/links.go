package funnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// Attribution query parameters. AttributionParam is appended to resolved
// links; a link that already carries either parameter is used verbatim so an
// explicitly tagged link is never double-tagged.
const (
	AttributionParam = "app"
	ReferralParam    = "ref"
)

// LinkResolver turns a block's resource name into the affiliate link rendered
// into the message. Resolution happens once per conversation: the outcome is
// written to Conversation.ResolvedAffiliateLink (the caller persists it) and
// every later render returns that cached value verbatim, even if the resource
// directory changes underneath the conversation.
type LinkResolver struct {
	store         store.Store
	attributionID string
	fallbackURL   string
}

// NewLinkResolver creates a resolver over the resource directory in the given
// store. attributionID is appended to untagged links as the attribution
// parameter; fallbackURL is used when a resource name has no directory entry.
func NewLinkResolver(st store.Store, attributionID, fallbackURL string) *LinkResolver {
	slog.Debug("Creating LinkResolver", "attribution_set", attributionID != "", "fallback_set", fallbackURL != "")
	return &LinkResolver{store: st, attributionID: attributionID, fallbackURL: fallbackURL}
}

// Resolve returns the affiliate link for a conversation. The cached link wins;
// otherwise the resource directory is consulted by (name, scope), the result
// is attribution-tagged, and a missing entry falls back to the landing URL.
// The resolved link is stored on conv for the caller to persist.
func (r *LinkResolver) Resolve(ctx context.Context, conv *models.Conversation, resourceName, ownerScope string) (string, error) {
	if conv.ResolvedAffiliateLink != "" {
		slog.Debug("LinkResolver Resolve cache hit", "conversationID", conv.ID)
		return conv.ResolvedAffiliateLink, nil
	}

	resource, err := r.store.GetResource(resourceName, ownerScope)
	if err != nil {
		slog.Error("LinkResolver Resolve directory lookup failed", "error", err, "resource", resourceName, "scope", ownerScope)
		return "", fmt.Errorf("resource lookup for %s failed: %w", resourceName, err)
	}

	raw := r.fallbackURL
	if resource != nil {
		raw = resource.Link
	} else {
		slog.Warn("LinkResolver Resolve resource not in directory, using fallback",
			"resource", resourceName, "scope", ownerScope, "conversationID", conv.ID)
	}
	if raw == "" {
		slog.Warn("LinkResolver Resolve has no link to offer", "resource", resourceName, "conversationID", conv.ID)
		return "", nil
	}

	link := r.tag(raw)
	conv.ResolvedAffiliateLink = link
	slog.Debug("LinkResolver Resolve resolved", "conversationID", conv.ID, "resource", resourceName)
	return link, nil
}

// tag appends the attribution parameter to a link unless it already carries
// an attribution or referral key.
func (r *LinkResolver) tag(raw string) string {
	if r.attributionID == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		slog.Warn("LinkResolver cannot parse link, leaving untagged", "error", err)
		return raw
	}
	q := u.Query()
	if q.Has(AttributionParam) || q.Has(ReferralParam) {
		return raw
	}
	q.Set(AttributionParam, r.attributionID)
	u.RawQuery = q.Encode()
	return u.String()
}
