// Package api provides HTTP handlers and the main API server logic for FunnelPipe.
//
// It exposes RESTful endpoints for managing funnel definitions, the resource
// directory and conversations, plus webhook intake for inbound visitor
// messages. The API integrates with the messaging, funnel, scheduler and
// store modules.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/funnel"
	"github.com/BTreeMap/FunnelPipe/internal/lockfile"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/scheduler"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FunnelPipe/internal/util"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
)

const (
	// DefaultAPIAddr is the listen address used when none is configured.
	DefaultAPIAddr = ":8080"

	// DefaultStateDir is where the instance lock and SQLite state live when no
	// state directory is configured.
	DefaultStateDir = "/var/lib/funnelpipe"

	// DefaultReaperSchedule runs the inactivity reaper at the top of every hour.
	DefaultReaperSchedule = "0 * * * *"

	// DefaultNudgeSweepInterval is the re-prompt sweep cadence. It must stay
	// below one minute: a nudge is due only during the exact minute of its
	// offset, so a slower sweep could skip over a due minute entirely.
	DefaultNudgeSweepInterval = 30 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string
	// StateDir is the directory holding the instance lock.
	StateDir string
	// DefaultFunnelID, when set, auto-enrolls unknown senders into this funnel.
	DefaultFunnelID string
	// AttributionID is appended as ?app=ID to resolved resource links.
	AttributionID string
	// FallbackURL is the link used when a resource name has no directory entry.
	FallbackURL string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the state directory used for the instance lock.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithDefaultFunnel sets the funnel unknown senders are auto-enrolled into.
func WithDefaultFunnel(funnelID string) Option {
	return func(o *Opts) { o.DefaultFunnelID = funnelID }
}

// WithAttributionID sets the attribution tag appended to resolved links.
func WithAttributionID(id string) Option {
	return func(o *Opts) { o.AttributionID = id }
}

// WithFallbackURL sets the generic link used when resource lookup fails.
func WithFallbackURL(url string) Option {
	return func(o *Opts) { o.FallbackURL = url }
}

// Server wires the HTTP endpoints to the funnel router and store.
type Server struct {
	msgService messaging.Service
	router     *messaging.FunnelRouter
	st         store.Store
	addr       string
}

// NewServer creates an API server over the given collaborators.
func NewServer(msgService messaging.Service, router *messaging.FunnelRouter, st store.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAPIAddr
	}
	return &Server{
		msgService: msgService,
		router:     router,
		st:         st,
		addr:       addr,
	}
}

// Handler returns the HTTP handler with all API routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/funnels", s.funnelsHandler)
	mux.HandleFunc("/funnels/", s.funnelHandler)
	mux.HandleFunc("/resources", s.resourcesHandler)
	mux.HandleFunc("/conversations", s.conversationsHandler)
	mux.HandleFunc("/conversations/", s.conversationHandler)
	mux.HandleFunc("/messages/inbound", s.inboundMessageHandler)
	mux.HandleFunc("/health", s.healthHandler)

	// The Twilio webhook parses form-encoded callbacks and feeds them into the
	// responses channel the router consumes; it only exists when the configured
	// transport is Twilio.
	if ts, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhooks/twilio", ts.TwilioWebhookHandler)
		slog.Debug("Server.Handler: Twilio webhook route registered")
	}
	return mux
}

// Run bootstraps the full FunnelPipe service: store, messaging transport,
// funnel engine, router, sweep schedules and the HTTP API. It blocks until the
// HTTP server exits.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}

	// One instance per state directory. The graph index cache and the SQLite
	// store both assume no second process is mutating the same state.
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(storeOpts)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, err := buildMessagingService(waOpts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	clock := funnel.SystemClock{}
	links := funnel.NewLinkResolver(st, cfg.AttributionID, cfg.FallbackURL)
	engine := funnel.NewEngine(links, clock)
	trigger := funnel.NewOneTimeTrigger(st, msgService, clock)

	var routerOpts []messaging.RouterOption
	if cfg.DefaultFunnelID != "" {
		routerOpts = append(routerOpts, messaging.WithDefaultFunnel(cfg.DefaultFunnelID))
	}
	router := messaging.NewFunnelRouter(msgService, st, engine, trigger, routerOpts...)
	router.Start(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()

	reaper := funnel.NewReaper(st, clock)
	if err := sched.AddJob(DefaultReaperSchedule, func() {
		if _, err := reaper.Sweep(ctx); err != nil {
			slog.Error("api.Run: reaper sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}

	policy, err := funnel.NewRePromptPolicy(funnel.DefaultRePromptMessages())
	if err != nil {
		return fmt.Errorf("invalid re-prompt configuration: %w", err)
	}
	rePrompter := funnel.NewRePrompter(st, msgService, policy, clock)
	sched.AddEvery(DefaultNudgeSweepInterval, func() {
		if _, err := rePrompter.Sweep(ctx); err != nil {
			slog.Error("api.Run: re-prompt sweep failed", "error", err)
		}
	})

	server := NewServer(msgService, router, st, apiOpts...)
	slog.Info("FunnelPipe API running", "addr", server.addr)
	return http.ListenAndServe(server.addr, server.Handler())
}

// openStore selects the storage backend from the configured DSN: PostgreSQL
// or SQLite when one is set, in-memory otherwise.
func openStore(storeOpts []store.Option) (store.Store, error) {
	var so store.Opts
	for _, opt := range storeOpts {
		opt(&so)
	}
	if so.DSN == "" {
		slog.Info("api.openStore: no DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(so.DSN) == "postgres" {
		slog.Info("api.openStore: opening PostgreSQL store")
		return store.NewPostgresStore(storeOpts...)
	}
	slog.Info("api.openStore: opening SQLite store", "path", so.DSN)
	return store.NewSQLiteStore(storeOpts...)
}

// buildMessagingService constructs the outbound transport: Twilio when
// USE_TWILIO is set, whatsmeow otherwise.
func buildMessagingService(waOpts []whatsapp.Option) (messaging.Service, error) {
	if util.BoolEnv("USE_TWILIO", false) {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		slog.Info("api.buildMessagingService: using Twilio transport")
		return messaging.NewTwilioService(client), nil
	}

	client, err := whatsapp.NewClient(context.Background(), waOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
	}
	slog.Info("api.buildMessagingService: using WhatsApp transport")
	return messaging.NewWhatsAppService(client), nil
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	// Use the active conversation count as a liveness probe into the store.
	if convs, err := s.st.ListActiveConversations(); err != nil {
		slog.Warn("Health check: failed to count active conversations", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to fetch conversation metrics"
	} else {
		healthData["active_conversations"] = len(convs)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}
