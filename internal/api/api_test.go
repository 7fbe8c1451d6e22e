package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/FunnelPipe/internal/funnel"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
)

// createJSONRequest builds an HTTP request carrying a JSON body.
func createJSONRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// assertHTTPStatus fails the test when the recorded status differs.
func assertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if expected != actual {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// assertJSONStatus decodes the APIResponse envelope and checks its status field.
func assertJSONStatus(t *testing.T, rr *httptest.ResponseRecorder, want string) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if resp.Status != want {
		t.Errorf("expected response status %q, got %q (message: %q)", want, resp.Status, resp.Message)
	}
	return resp
}

// apiFixture bundles a server with the mock transport and store behind it.
type apiFixture struct {
	server *Server
	client *twiliowhatsapp.MockClient
	st     store.Store
	router *messaging.FunnelRouter
}

// newTestServer creates a Server over an in-memory store and the Twilio mock
// client, with the full engine, trigger and router stack wired in between.
func newTestServer(t *testing.T, opts ...Option) *apiFixture {
	t.Helper()
	client := twiliowhatsapp.NewMockClient()
	svc := messaging.NewTwilioService(client)
	st := store.NewInMemoryStore()

	clock := funnel.SystemClock{}
	links := funnel.NewLinkResolver(st, "funnelpipe", "https://example.com/landing")
	engine := funnel.NewEngine(links, clock)
	trigger := funnel.NewOneTimeTrigger(st, svc, clock)
	router := messaging.NewFunnelRouter(svc, st, engine, trigger)

	return &apiFixture{
		server: NewServer(svc, router, st, opts...),
		client: client,
		st:     st,
		router: router,
	}
}

// testGraphJSON returns a valid three-stage funnel definition as JSON.
func testGraphJSON() string {
	graph := models.FunnelGraph{
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
					{Text: "Yes", NextBlockID: strPtr("offer")},
					{Text: "Not now"},
				},
			},
			"offer": {
				ID:           "offer",
				Message:      "Grab it here: {{link}}",
				ResourceName: "starter-kit",
				Options: []models.Option{
					{Text: "Got it", NextBlockID: strPtr("thanks")},
				},
			},
			"thanks": {ID: "thanks", Message: "Enjoy!"},
		},
	}
	data, err := json.Marshal(graph)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func strPtr(s string) *string { return &s }

// createTestFunnel posts the standard test graph and returns its assigned ID.
func createTestFunnel(t *testing.T, f *apiFixture) string {
	t.Helper()
	req := createJSONRequest(t, "POST", "/funnels", testGraphJSON())
	rr := httptest.NewRecorder()
	f.server.funnelsHandler(rr, req)
	assertHTTPStatus(t, http.StatusCreated, rr.Code, "create funnel")
	resp := assertJSONStatus(t, rr, "ok")

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected funnel object in result, got %T", resp.Result)
	}
	id, _ := result["id"].(string)
	if id == "" {
		t.Fatal("created funnel has no ID")
	}
	return id
}

func TestCreateFunnelHandler_Success(t *testing.T) {
	f := newTestServer(t)
	id := createTestFunnel(t, f)

	stored, err := f.st.GetFunnel(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored == nil {
		t.Fatal("funnel was not persisted")
	}
	if stored.Name != "starter-kit-funnel" {
		t.Errorf("expected stored name starter-kit-funnel, got %q", stored.Name)
	}
}

func TestCreateFunnelHandler_InvalidJSON(t *testing.T) {
	f := newTestServer(t)

	req := createJSONRequest(t, "POST", "/funnels", `{not json`)
	rr := httptest.NewRecorder()
	f.server.funnelsHandler(rr, req)

	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "create funnel invalid JSON")
	assertJSONStatus(t, rr, "error")
}

func TestCreateFunnelHandler_RejectsDanglingOption(t *testing.T) {
	f := newTestServer(t)

	// The lone option targets a block that is never defined.
	body := `{
		"name": "broken",
		"start_block_id": "a",
		"stages": [{"id": "s1", "name": "INTRO", "block_ids": ["a"]}],
		"blocks": {
			"a": {"id": "a", "message": "hi", "options": [{"text": "go", "next_block_id": "ghost"}]}
		}
	}`
	req := createJSONRequest(t, "POST", "/funnels", body)
	rr := httptest.NewRecorder()
	f.server.funnelsHandler(rr, req)

	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "create funnel dangling option")
	resp := assertJSONStatus(t, rr, "error")
	if !strings.Contains(resp.Message, "ghost") {
		t.Errorf("expected error to name the dangling block, got %q", resp.Message)
	}

	funnels, err := f.st.ListFunnels()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(funnels) != 0 {
		t.Errorf("rejected funnel must not be persisted, found %d", len(funnels))
	}
}

func TestFunnelHandler_GetNotFound(t *testing.T) {
	f := newTestServer(t)

	req, _ := http.NewRequest("GET", "/funnels/nope", nil)
	rr := httptest.NewRecorder()
	f.server.funnelHandler(rr, req)

	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "get missing funnel")
	assertJSONStatus(t, rr, "error")
}

func TestFunnelHandler_UpdateRevalidates(t *testing.T) {
	f := newTestServer(t)
	id := createTestFunnel(t, f)

	// An update that breaks referential integrity is refused.
	broken := `{
		"name": "broken",
		"start_block_id": "missing",
		"stages": [{"id": "s1", "name": "INTRO", "block_ids": ["a"]}],
		"blocks": {"a": {"id": "a", "message": "hi"}}
	}`
	req := createJSONRequest(t, "PUT", "/funnels/"+id, broken)
	rr := httptest.NewRecorder()
	f.server.funnelHandler(rr, req)
	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "update with broken graph")

	stored, err := f.st.GetFunnel(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Name != "starter-kit-funnel" {
		t.Errorf("rejected update must not change the stored funnel, got name %q", stored.Name)
	}

	// A valid update lands and keeps the ID.
	updated := strings.Replace(testGraphJSON(), "starter-kit-funnel", "starter-kit-v2", 1)
	req = createJSONRequest(t, "PUT", "/funnels/"+id, updated)
	rr = httptest.NewRecorder()
	f.server.funnelHandler(rr, req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "valid update")

	stored, err = f.st.GetFunnel(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Name != "starter-kit-v2" {
		t.Errorf("expected updated name starter-kit-v2, got %q", stored.Name)
	}
}

func TestFunnelHandler_Delete(t *testing.T) {
	f := newTestServer(t)
	id := createTestFunnel(t, f)

	req, _ := http.NewRequest("DELETE", "/funnels/"+id, nil)
	rr := httptest.NewRecorder()
	f.server.funnelHandler(rr, req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "delete funnel")

	req, _ = http.NewRequest("DELETE", "/funnels/"+id, nil)
	rr = httptest.NewRecorder()
	f.server.funnelHandler(rr, req)
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "delete missing funnel")
}

func TestListFunnelsHandler(t *testing.T) {
	f := newTestServer(t)
	createTestFunnel(t, f)

	req, _ := http.NewRequest("GET", "/funnels", nil)
	rr := httptest.NewRecorder()
	f.server.funnelsHandler(rr, req)

	assertHTTPStatus(t, http.StatusOK, rr.Code, "list funnels")
	resp := assertJSONStatus(t, rr, "ok")
	list, ok := resp.Result.([]interface{})
	if !ok {
		t.Fatalf("expected list result, got %T", resp.Result)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 funnel, got %d", len(list))
	}
}

func TestStartConversationHandler_Success(t *testing.T) {
	f := newTestServer(t)
	id := createTestFunnel(t, f)

	body := fmt.Sprintf(`{"funnel_id": %q, "phone_number": "+1 (555) 000-1111"}`, id)
	req := createJSONRequest(t, "POST", "/conversations", body)
	rr := httptest.NewRecorder()
	f.server.conversationsHandler(rr, req)

	assertHTTPStatus(t, http.StatusCreated, rr.Code, "start conversation")
	assertJSONStatus(t, rr, "ok")

	conv, err := f.st.GetActiveConversationByUserRef("15550001111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv == nil {
		t.Fatal("no active conversation persisted for visitor")
	}
	if conv.CurrentBlockID != "welcome" {
		t.Errorf("expected conversation at welcome, got %q", conv.CurrentBlockID)
	}

	if len(f.client.SentMessages) != 1 {
		t.Fatalf("expected 1 greeting message, got %d", len(f.client.SentMessages))
	}
	greeting := f.client.SentMessages[0].Body
	if !strings.Contains(greeting, "Want the starter kit?") || !strings.Contains(greeting, "1. Yes") {
		t.Errorf("greeting missing prompt or numbered options: %q", greeting)
	}
}

func TestStartConversationHandler_Conflict(t *testing.T) {
	f := newTestServer(t)
	id := createTestFunnel(t, f)

	body := fmt.Sprintf(`{"funnel_id": %q, "phone_number": "+15550001111"}`, id)
	req := createJSONRequest(t, "POST", "/conversations", body)
	rr := httptest.NewRecorder()
	f.server.conversationsHandler(rr, req)
	assertHTTPStatus(t, http.StatusCreated, rr.Code, "first start")

	req = createJSONRequest(t, "POST", "/conversations", body)
	rr = httptest.NewRecorder()
	f.server.conversationsHandler(rr, req)
	assertHTTPStatus(t, http.StatusConflict, rr.Code, "second start for same visitor")
	assertJSONStatus(t, rr, "error")
}

func TestStartConversationHandler_FunnelMissing(t *testing.T) {
	f := newTestServer(t)

	req := createJSONRequest(t, "POST", "/conversations", `{"funnel_id": "ghost", "phone_number": "+15550001111"}`)
	rr := httptest.NewRecorder()
	f.server.conversationsHandler(rr, req)

	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "start on missing funnel")
	assertJSONStatus(t, rr, "error")
}

func TestStartConversationHandler_BadPhone(t *testing.T) {
	f := newTestServer(t)
	id := createTestFunnel(t, f)

	body := fmt.Sprintf(`{"funnel_id": %q, "phone_number": "12345"}`, id)
	req := createJSONRequest(t, "POST", "/conversations", body)
	rr := httptest.NewRecorder()
	f.server.conversationsHandler(rr, req)

	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "start with short phone number")
	assertJSONStatus(t, rr, "error")
}

func TestInboundMessageHandler_AdvancesConversation(t *testing.T) {
	f := newTestServer(t)
	id := createTestFunnel(t, f)
	if err := f.st.SaveResource(&models.Resource{
		Name:       "starter-kit",
		OwnerScope: "acme",
		Link:       "https://partner.example.com/kit",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := fmt.Sprintf(`{"funnel_id": %q, "phone_number": "+15550001111"}`, id)
	req := createJSONRequest(t, "POST", "/conversations", body)
	rr := httptest.NewRecorder()
	f.server.conversationsHandler(rr, req)
	assertHTTPStatus(t, http.StatusCreated, rr.Code, "start conversation")

	req = createJSONRequest(t, "POST", "/messages/inbound", `{"from": "+15550001111", "body": "1"}`)
	rr = httptest.NewRecorder()
	f.server.inboundMessageHandler(rr, req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "inbound advance")
	assertJSONStatus(t, rr, "ok")

	conv, err := f.st.GetActiveConversationByUserRef("15550001111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.CurrentBlockID != "offer" {
		t.Errorf("expected conversation at offer, got %q", conv.CurrentBlockID)
	}
	if !conv.OneTimeActionClaimed {
		t.Error("expected one-time action claimed after entering the offer stage")
	}

	if len(f.client.SentMessages) != 2 {
		t.Fatalf("expected greeting and offer message, got %d sends", len(f.client.SentMessages))
	}
	offer := f.client.SentMessages[1].Body
	if !strings.Contains(offer, "https://partner.example.com/kit?app=funnelpipe") {
		t.Errorf("offer message missing tagged link: %q", offer)
	}
}

func TestInboundMessageHandler_Validation(t *testing.T) {
	f := newTestServer(t)

	req := createJSONRequest(t, "POST", "/messages/inbound", `{"from": "+15550001111"}`)
	rr := httptest.NewRecorder()
	f.server.inboundMessageHandler(rr, req)
	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "inbound without body")

	req = createJSONRequest(t, "POST", "/messages/inbound", `{"from": "abc", "body": "1"}`)
	rr = httptest.NewRecorder()
	f.server.inboundMessageHandler(rr, req)
	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "inbound with invalid sender")
}

func TestConversationHandler_Get(t *testing.T) {
	f := newTestServer(t)
	id := createTestFunnel(t, f)

	body := fmt.Sprintf(`{"funnel_id": %q, "phone_number": "+15550001111"}`, id)
	req := createJSONRequest(t, "POST", "/conversations", body)
	rr := httptest.NewRecorder()
	f.server.conversationsHandler(rr, req)
	resp := assertJSONStatus(t, rr, "ok")

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected conversation object in result, got %T", resp.Result)
	}
	convID, _ := result["id"].(string)
	if convID == "" {
		t.Fatal("started conversation has no ID")
	}

	req, _ = http.NewRequest("GET", "/conversations/"+convID, nil)
	rr = httptest.NewRecorder()
	f.server.conversationHandler(rr, req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "get conversation")
	assertJSONStatus(t, rr, "ok")

	req, _ = http.NewRequest("GET", "/conversations/ghost", nil)
	rr = httptest.NewRecorder()
	f.server.conversationHandler(rr, req)
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "get missing conversation")
}

func TestFunnelStatsHandler(t *testing.T) {
	f := newTestServer(t)
	id := createTestFunnel(t, f)
	if err := f.st.SaveResource(&models.Resource{
		Name:       "starter-kit",
		OwnerScope: "acme",
		Link:       "https://partner.example.com/kit",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phone := range []string{"+15550001111", "+15550002222"} {
		body := fmt.Sprintf(`{"funnel_id": %q, "phone_number": %q}`, id, phone)
		req := createJSONRequest(t, "POST", "/conversations", body)
		rr := httptest.NewRecorder()
		f.server.conversationsHandler(rr, req)
		assertHTTPStatus(t, http.StatusCreated, rr.Code, "start conversation "+phone)
	}

	// Advance only the first visitor into the offer stage.
	req := createJSONRequest(t, "POST", "/messages/inbound", `{"from": "+15550001111", "body": "1"}`)
	rr := httptest.NewRecorder()
	f.server.inboundMessageHandler(rr, req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "advance first visitor")

	req, _ = http.NewRequest("GET", "/funnels/"+id+"/stats", nil)
	rr = httptest.NewRecorder()
	f.server.funnelHandler(rr, req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "funnel stats")
	resp := assertJSONStatus(t, rr, "ok")

	stats, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected stats object, got %T", resp.Result)
	}
	if stats["total_conversations"].(float64) != 2 {
		t.Errorf("expected 2 total conversations, got %v", stats["total_conversations"])
	}
	byStage := stats["conversations_by_stage"].(map[string]interface{})
	if byStage["INTRO"].(float64) != 1 || byStage["OFFER"].(float64) != 1 {
		t.Errorf("unexpected stage distribution: %v", byStage)
	}
	if stats["one_time_actions_claimed"].(float64) != 1 {
		t.Errorf("expected 1 one-time action claimed, got %v", stats["one_time_actions_claimed"])
	}
}

func TestResourcesHandler(t *testing.T) {
	f := newTestServer(t)

	req := createJSONRequest(t, "POST", "/resources", `{"name": "starter-kit", "owner_scope": "acme", "link": "https://partner.example.com/kit"}`)
	rr := httptest.NewRecorder()
	f.server.resourcesHandler(rr, req)
	assertHTTPStatus(t, http.StatusCreated, rr.Code, "save resource")
	assertJSONStatus(t, rr, "ok")

	req = createJSONRequest(t, "POST", "/resources", `{"name": "broken"}`)
	rr = httptest.NewRecorder()
	f.server.resourcesHandler(rr, req)
	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "save resource without link")

	req, _ = http.NewRequest("GET", "/resources?owner_scope=acme", nil)
	rr = httptest.NewRecorder()
	f.server.resourcesHandler(rr, req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "list resources")
	resp := assertJSONStatus(t, rr, "ok")
	list, ok := resp.Result.([]interface{})
	if !ok {
		t.Fatalf("expected list result, got %T", resp.Result)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 resource in acme scope, got %d", len(list))
	}
}

func TestHealthHandler(t *testing.T) {
	f := newTestServer(t)

	req, _ := http.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	f.server.healthHandler(rr, req)

	assertHTTPStatus(t, http.StatusOK, rr.Code, "health check")
	var health map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", health["status"])
	}
	if health["active_conversations"].(float64) != 0 {
		t.Errorf("expected 0 active conversations, got %v", health["active_conversations"])
	}
}

func TestHandlerRegistersTwilioWebhook(t *testing.T) {
	f := newTestServer(t)
	handler := f.server.Handler()

	// The fixture's messaging service is Twilio-backed, so the webhook route
	// must exist and accept form-encoded callbacks.
	form := strings.NewReader("From=%2B15550001111&Body=hello&MessageSid=SM123")
	req, _ := http.NewRequest("POST", "/webhooks/twilio", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook route")
}
