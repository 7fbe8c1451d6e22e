package funnel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// fakeClock is a Clock whose time only moves when the test says so.
type fakeClock struct {
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type sentMessage struct {
	to   string
	body string
}

// fakeSender records deliveries and can be told to fail.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *fakeSender) SendMessage(ctx context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{to: to, body: body})
	return nil
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func ref(id string) *string {
	return &id
}

// testGraph is a four-stage funnel: greeting, qualification, the offer with a
// resource link, and a terminal thank-you block.
func testGraph() models.FunnelGraph {
	return models.FunnelGraph{
		ID:           "funnel-1",
		Name:         "creator-onboarding",
		OwnerScope:   "acme",
		StartBlockID: "welcome",
		Stages: []models.Stage{
			{ID: "s1", Name: "INTRO", BlockIDs: []string{"welcome"}},
			{ID: "s2", Name: "QUALIFY", BlockIDs: []string{"goal"}},
			{ID: "s3", Name: "OFFER", Explanation: "present the starter kit", BlockIDs: []string{"offer"}},
			{ID: "s4", Name: "WRAPUP", BlockIDs: []string{"thanks"}},
		},
		Blocks: map[string]models.Block{
			"welcome": {ID: "welcome", Message: "Hey there! Want to learn how creators earn with SproutKit?", Options: []models.Option{
				{Text: "Yes", NextBlockID: ref("goal")},
				{Text: "Not now", NextBlockID: nil},
			}},
			"goal": {ID: "goal", Message: "Nice! What are you hoping to do?", Options: []models.Option{
				{Text: "Start a side project", NextBlockID: ref("offer")},
				{Text: "Grow my audience", NextBlockID: ref("offer")},
				{Text: "Just curious", NextBlockID: ref("thanks")},
			}},
			"offer": {ID: "offer", Message: "Perfect fit! Grab your starter kit here: {{link}}", ResourceName: "starter-kit", Options: []models.Option{
				{Text: "Got it", NextBlockID: ref("thanks")},
			}},
			"thanks": {ID: "thanks", Message: "Thanks for stopping by!"},
		},
	}
}

func testIndex(t *testing.T) *GraphIndex {
	t.Helper()
	idx, err := NewGraphIndex(testGraph())
	if err != nil {
		t.Fatalf("unexpected error building index: %v", err)
	}
	return idx
}

// testEngine wires an engine over an in-memory store with the starter-kit
// resource registered, returning the store for inspection.
func testEngine(t *testing.T, clock Clock) (*Engine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.SaveResource(&models.Resource{
		Name:       "starter-kit",
		OwnerScope: "acme",
		Link:       "https://partner.example.com/kit",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	links := NewLinkResolver(st, "funnelpipe", "https://example.com/landing")
	return NewEngine(links, clock), st
}
