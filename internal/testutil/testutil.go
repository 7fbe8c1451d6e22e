// Package testutil wires up an in-memory FunnelPipe stack for tests: API
// server, funnel router, mock transport and store, plus a seeded funnel and
// assertion helpers.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/FunnelPipe/internal/api"
	"github.com/BTreeMap/FunnelPipe/internal/funnel"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
)

// TestEnv bundles a test API server with the mock transport and store behind
// it, so tests can observe sent messages and stored state directly.
type TestEnv struct {
	Server *api.Server
	Client *twiliowhatsapp.MockClient
	Store  store.Store
	Router *messaging.FunnelRouter
}

// NewTestServer builds the full stack on in-memory dependencies.
func NewTestServer(opts ...api.Option) *TestEnv {
	client := twiliowhatsapp.NewMockClient()
	msgService := messaging.NewTwilioService(client)
	st := store.NewInMemoryStore()

	clock := funnel.SystemClock{}
	links := funnel.NewLinkResolver(st, "funnelpipe", "https://example.com/landing")
	engine := funnel.NewEngine(links, clock)
	trigger := funnel.NewOneTimeTrigger(st, msgService, clock)
	router := messaging.NewFunnelRouter(msgService, st, engine, trigger)

	return &TestEnv{
		Server: api.NewServer(msgService, router, st, opts...),
		Client: client,
		Store:  st,
		Router: router,
	}
}

// SeedFunnel saves the standard three-stage test funnel and its resource
// directory entry, returning the assigned funnel ID.
func SeedFunnel(t *testing.T, st store.Store) string {
	t.Helper()
	offer := "offer"
	thanks := "thanks"
	graph := &models.FunnelGraph{
		Name:         "starter-kit-funnel",
		OwnerScope:   "acme",
		StartBlockID: "welcome",
		Stages: []models.Stage{
			{ID: "intro", Name: "INTRO", BlockIDs: []string{"welcome"}},
			{ID: "offer", Name: "OFFER", BlockIDs: []string{"offer"}},
			{ID: "wrapup", Name: "WRAPUP", BlockIDs: []string{"thanks"}},
		},
		Blocks: map[string]models.Block{
			"welcome": {
				ID:      "welcome",
				Message: "Want the starter kit?",
				Options: []models.Option{
					{Text: "Yes", NextBlockID: &offer},
					{Text: "Not now"},
				},
			},
			"offer": {
				ID:           "offer",
				Message:      "Grab it here: {{link}}",
				ResourceName: "starter-kit",
				Options: []models.Option{
					{Text: "Got it", NextBlockID: &thanks},
				},
			},
			"thanks": {ID: "thanks", Message: "Enjoy!"},
		},
	}
	if err := st.SaveFunnel(graph); err != nil {
		t.Fatalf("failed to seed funnel: %v", err)
	}
	if err := st.SaveResource(&models.Resource{
		Name:       "starter-kit",
		OwnerScope: "acme",
		Link:       "https://partner.example.com/kit",
	}); err != nil {
		t.Fatalf("failed to seed resource: %v", err)
	}
	return graph.ID
}

// AssertHTTPStatus fails the test when the recorded status differs.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: status = %d, want %d", context, actual, expected)
	}
}

// AssertJSONResponse decodes the recorded body and checks the envelope's
// status discriminator.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("response body is not valid JSON: %v", err)
	}
	status, _ := response["status"].(string)
	if status != expectedStatus {
		t.Errorf("envelope status = %q, want %q", status, expectedStatus)
	}
	return response
}

// AssertConversationAt looks up the visitor's active conversation and checks
// which block it is waiting on.
func AssertConversationAt(t *testing.T, st store.Store, userRef, blockID string) *models.Conversation {
	t.Helper()
	conv, err := st.GetActiveConversationByUserRef(userRef)
	if err != nil {
		t.Fatalf("failed to look up conversation for %s: %v", userRef, err)
	}
	if conv == nil {
		t.Fatalf("no active conversation for %s", userRef)
	}
	if conv.CurrentBlockID != blockID {
		t.Errorf("expected conversation at block %q, got %q", blockID, conv.CurrentBlockID)
	}
	return conv
}

// CreateHTTPRequest builds a handler-test request, JSON-encoding body when
// one is given.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatalf("failed to build %s %s: %v", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
