package funnel

import (
	"context"
	"testing"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

func TestLinkResolver_AppendsAttribution(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveResource(&models.Resource{Name: "starter-kit", OwnerScope: "acme", Link: "https://partner.example.com/kit"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := NewLinkResolver(st, "funnelpipe", "https://example.com/landing")

	conv := models.Conversation{ID: "conv-1"}
	link, err := r.Resolve(context.Background(), &conv, "starter-kit", "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://partner.example.com/kit?app=funnelpipe"
	if link != want {
		t.Errorf("resolved link is %q, want %q", link, want)
	}
	if conv.ResolvedAffiliateLink != want {
		t.Errorf("resolver did not store the link on the conversation: %q", conv.ResolvedAffiliateLink)
	}
}

func TestLinkResolver_RespectsExistingTags(t *testing.T) {
	cases := []struct {
		name string
		link string
	}{
		{"app tag", "https://partner.example.com/kit?app=someoneelse"},
		{"ref tag", "https://partner.example.com/kit?ref=creator42"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			st := store.NewInMemoryStore()
			if err := st.SaveResource(&models.Resource{Name: "starter-kit", OwnerScope: "acme", Link: c.link}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			r := NewLinkResolver(st, "funnelpipe", "https://example.com/landing")

			conv := models.Conversation{ID: "conv-1"}
			link, err := r.Resolve(context.Background(), &conv, "starter-kit", "acme")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if link != c.link {
				t.Errorf("already-tagged link was rewritten: got %q, want %q", link, c.link)
			}
		})
	}
}

func TestLinkResolver_CachedVerbatim(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveResource(&models.Resource{Name: "starter-kit", OwnerScope: "acme", Link: "https://partner.example.com/kit"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := NewLinkResolver(st, "funnelpipe", "https://example.com/landing")

	conv := models.Conversation{ID: "conv-1"}
	first, err := r.Resolve(context.Background(), &conv, "starter-kit", "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The directory changes underneath the conversation; the cached link must
	// keep winning anyway.
	if err := st.SaveResource(&models.Resource{Name: "starter-kit", OwnerScope: "acme", Link: "https://partner.example.com/kit-v2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Resolve(context.Background(), &conv, "starter-kit", "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first {
		t.Errorf("cached link changed: first %q, second %q", first, second)
	}
}

func TestLinkResolver_FallbackWhenMissing(t *testing.T) {
	st := store.NewInMemoryStore()
	r := NewLinkResolver(st, "funnelpipe", "https://example.com/landing")

	conv := models.Conversation{ID: "conv-1"}
	link, err := r.Resolve(context.Background(), &conv, "no-such-resource", "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://example.com/landing?app=funnelpipe"
	if link != want {
		t.Errorf("fallback link is %q, want %q", link, want)
	}
}

func TestLinkResolver_ScopeIsolation(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveResource(&models.Resource{Name: "starter-kit", OwnerScope: "globex", Link: "https://other.example.com/kit"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := NewLinkResolver(st, "funnelpipe", "https://example.com/landing")

	// The resource exists only under another scope, so this resolves to the
	// fallback.
	conv := models.Conversation{ID: "conv-1"}
	link, err := r.Resolve(context.Background(), &conv, "starter-kit", "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://example.com/landing?app=funnelpipe"
	if link != want {
		t.Errorf("cross-scope lookup leaked: got %q, want %q", link, want)
	}
}

func TestLinkResolver_NoAttributionID(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveResource(&models.Resource{Name: "starter-kit", OwnerScope: "acme", Link: "https://partner.example.com/kit"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := NewLinkResolver(st, "", "https://example.com/landing")

	conv := models.Conversation{ID: "conv-1"}
	link, err := r.Resolve(context.Background(), &conv, "starter-kit", "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link != "https://partner.example.com/kit" {
		t.Errorf("link tagged despite empty attribution ID: %q", link)
	}
}
