// Package store provides storage backends for FunnelPipe.
//
// This file implements a PostgreSQL-backed store for funnels, conversations
// and the resource directory.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	// Run migrations to ensure funnel tables exist
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// SaveFunnel stores or replaces a funnel definition, assigning an ID if absent.
func (s *PostgresStore) SaveFunnel(funnel *models.FunnelGraph) error {
	if funnel.ID == "" {
		funnel.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if funnel.CreatedAt.IsZero() {
		funnel.CreatedAt = now
	}
	funnel.UpdatedAt = now

	graphJSON, err := json.Marshal(funnel)
	if err != nil {
		slog.Error("PostgresStore SaveFunnel marshal failed", "error", err, "id", funnel.ID)
		return fmt.Errorf("failed to marshal funnel graph: %w", err)
	}

	query := `
		INSERT INTO funnels (id, name, owner_scope, graph, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			owner_scope = EXCLUDED.owner_scope,
			graph = EXCLUDED.graph,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.Exec(query, funnel.ID, funnel.Name, funnel.OwnerScope, graphJSON, funnel.CreatedAt, funnel.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFunnel failed", "error", err, "id", funnel.ID)
		return fmt.Errorf("failed to save funnel %s: %w", funnel.ID, err)
	}
	slog.Debug("PostgresStore SaveFunnel succeeded", "id", funnel.ID, "name", funnel.Name)
	return nil
}

// GetFunnel retrieves a funnel definition by ID.
func (s *PostgresStore) GetFunnel(id string) (*models.FunnelGraph, error) {
	var graphJSON []byte
	err := s.db.QueryRow(`SELECT graph FROM funnels WHERE id = $1`, id).Scan(&graphJSON)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetFunnel not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFunnel failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get funnel %s: %w", id, err)
	}

	var funnel models.FunnelGraph
	if err := json.Unmarshal(graphJSON, &funnel); err != nil {
		slog.Error("PostgresStore GetFunnel unmarshal failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to unmarshal funnel %s: %w", id, err)
	}
	slog.Debug("PostgresStore GetFunnel found", "id", id)
	return &funnel, nil
}

// ListFunnels retrieves all funnel definitions, newest first.
func (s *PostgresStore) ListFunnels() ([]models.FunnelGraph, error) {
	rows, err := s.db.Query(`SELECT graph FROM funnels ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("PostgresStore ListFunnels query failed", "error", err)
		return nil, fmt.Errorf("failed to query funnels: %w", err)
	}
	defer rows.Close()

	var funnels []models.FunnelGraph
	for rows.Next() {
		var graphJSON []byte
		if err := rows.Scan(&graphJSON); err != nil {
			slog.Error("PostgresStore ListFunnels scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan funnel row: %w", err)
		}
		var funnel models.FunnelGraph
		if err := json.Unmarshal(graphJSON, &funnel); err != nil {
			slog.Error("PostgresStore ListFunnels unmarshal failed", "error", err)
			return nil, fmt.Errorf("failed to unmarshal funnel row: %w", err)
		}
		funnels = append(funnels, funnel)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListFunnels rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate funnel rows: %w", err)
	}
	slog.Debug("PostgresStore ListFunnels succeeded", "count", len(funnels))
	return funnels, nil
}

// DeleteFunnel removes a funnel definition.
func (s *PostgresStore) DeleteFunnel(id string) error {
	_, err := s.db.Exec(`DELETE FROM funnels WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteFunnel failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete funnel %s: %w", id, err)
	}
	slog.Debug("PostgresStore DeleteFunnel succeeded", "id", id)
	return nil
}

// SaveResource stores or updates a resource directory entry.
func (s *PostgresStore) SaveResource(resource *models.Resource) error {
	if resource.ID == "" {
		resource.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if resource.CreatedAt.IsZero() {
		resource.CreatedAt = now
	}
	resource.UpdatedAt = now

	query := `
		INSERT INTO resources (id, name, owner_scope, link, category, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_scope, name)
		DO UPDATE SET
			link = EXCLUDED.link,
			category = EXCLUDED.category,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.Exec(query, resource.ID, resource.Name, resource.OwnerScope,
		resource.Link, nilIfEmpty(resource.Category), resource.CreatedAt, resource.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveResource failed", "error", err, "name", resource.Name)
		return fmt.Errorf("failed to save resource %s: %w", resource.Name, err)
	}
	slog.Debug("PostgresStore SaveResource succeeded", "name", resource.Name, "scope", resource.OwnerScope)
	return nil
}

// GetResource retrieves a resource directory entry by name within a scope.
func (s *PostgresStore) GetResource(name, ownerScope string) (*models.Resource, error) {
	query := `SELECT id, name, owner_scope, link, category, created_at, updated_at
			  FROM resources WHERE name = $1 AND owner_scope = $2`

	var resource models.Resource
	var category sql.NullString
	err := s.db.QueryRow(query, name, ownerScope).Scan(
		&resource.ID, &resource.Name, &resource.OwnerScope, &resource.Link,
		&category, &resource.CreatedAt, &resource.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetResource not found", "name", name, "scope", ownerScope)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetResource failed", "error", err, "name", name)
		return nil, fmt.Errorf("failed to get resource %s: %w", name, err)
	}
	resource.Category = category.String
	slog.Debug("PostgresStore GetResource found", "name", name, "scope", ownerScope)
	return &resource, nil
}

// ListResources retrieves all resource entries for a scope.
func (s *PostgresStore) ListResources(ownerScope string) ([]models.Resource, error) {
	query := `SELECT id, name, owner_scope, link, category, created_at, updated_at
			  FROM resources WHERE owner_scope = $1 ORDER BY name`

	rows, err := s.db.Query(query, ownerScope)
	if err != nil {
		slog.Error("PostgresStore ListResources query failed", "error", err)
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	var resources []models.Resource
	for rows.Next() {
		var resource models.Resource
		var category sql.NullString
		if err := rows.Scan(&resource.ID, &resource.Name, &resource.OwnerScope,
			&resource.Link, &category, &resource.CreatedAt, &resource.UpdatedAt); err != nil {
			slog.Error("PostgresStore ListResources scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan resource row: %w", err)
		}
		resource.Category = category.String
		resources = append(resources, resource)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListResources rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate resource rows: %w", err)
	}
	slog.Debug("PostgresStore ListResources succeeded", "count", len(resources))
	return resources, nil
}

// CreateConversation inserts a new conversation row.
func (s *PostgresStore) CreateConversation(conv models.Conversation) error {
	userPathJSON, err := jsonOrNil(conv.UserPath)
	if err != nil {
		return err
	}
	interactionsJSON, err := jsonOrNil(conv.Interactions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO conversations (id, funnel_id, user_ref, current_block_id, user_path, interactions,
			status, created_at, last_message_at, phase_start_time, one_time_claimed, resolved_link,
			last_nudge_phase, last_nudge_offset, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = s.db.Exec(query, conv.ID, conv.FunnelID, conv.UserRef, conv.CurrentBlockID,
		userPathJSON, interactionsJSON, string(conv.Status), conv.CreatedAt, conv.LastMessageAt,
		conv.PhaseStartTime, conv.OneTimeActionClaimed, nilIfEmpty(conv.ResolvedAffiliateLink),
		conv.LastNudgePhase, conv.LastNudgeOffset, conv.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateConversation failed", "error", err, "id", conv.ID)
		return fmt.Errorf("failed to create conversation %s: %w", conv.ID, err)
	}
	slog.Debug("PostgresStore CreateConversation succeeded", "id", conv.ID, "funnelID", conv.FunnelID)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetConversation not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	slog.Debug("PostgresStore GetConversation found", "id", id)
	return &conv, nil
}

// GetActiveConversationByUserRef retrieves the newest active conversation for a visitor.
func (s *PostgresStore) GetActiveConversationByUserRef(userRef string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE user_ref = $1 AND status = 'active' ORDER BY created_at DESC LIMIT 1`
	conv, err := scanConversation(s.db.QueryRow(query, userRef))
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetActiveConversationByUserRef not found", "userRef", userRef)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveConversationByUserRef failed", "error", err, "userRef", userRef)
		return nil, fmt.Errorf("failed to get active conversation for %s: %w", userRef, err)
	}
	slog.Debug("PostgresStore GetActiveConversationByUserRef found", "userRef", userRef, "id", conv.ID)
	return &conv, nil
}

// ListConversationsByFunnel retrieves all conversations for a funnel.
func (s *PostgresStore) ListConversationsByFunnel(funnelID string) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE funnel_id = $1 ORDER BY created_at`
	rows, err := s.db.Query(query, funnelID)
	if err != nil {
		slog.Error("PostgresStore ListConversationsByFunnel query failed", "error", err, "funnelID", funnelID)
		return nil, fmt.Errorf("failed to query conversations for funnel %s: %w", funnelID, err)
	}
	convs, err := scanConversations(rows)
	if err != nil {
		slog.Error("PostgresStore ListConversationsByFunnel scan failed", "error", err, "funnelID", funnelID)
		return nil, err
	}
	slog.Debug("PostgresStore ListConversationsByFunnel succeeded", "funnelID", funnelID, "count", len(convs))
	return convs, nil
}

// ListActiveConversations retrieves all active conversations across funnels.
func (s *PostgresStore) ListActiveConversations() ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE status = 'active' ORDER BY created_at`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("PostgresStore ListActiveConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query active conversations: %w", err)
	}
	convs, err := scanConversations(rows)
	if err != nil {
		slog.Error("PostgresStore ListActiveConversations scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore ListActiveConversations succeeded", "count", len(convs))
	return convs, nil
}

// AdvanceConversation writes an engine transition, guarded on the conversation
// still being active at fromBlockID. The claim flag and nudge markers are owned
// by their own conditional updates and are not written here.
func (s *PostgresStore) AdvanceConversation(id, fromBlockID string, conv models.Conversation) (bool, error) {
	userPathJSON, err := jsonOrNil(conv.UserPath)
	if err != nil {
		return false, err
	}
	interactionsJSON, err := jsonOrNil(conv.Interactions)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE conversations SET
			current_block_id = $3,
			user_path = $4,
			interactions = $5,
			status = $6,
			last_message_at = $7,
			phase_start_time = $8,
			resolved_link = $9,
			updated_at = $10
		WHERE id = $1 AND current_block_id = $2 AND status = 'active'`

	result, err := s.db.Exec(query, id, fromBlockID, conv.CurrentBlockID, userPathJSON,
		interactionsJSON, string(conv.Status), conv.LastMessageAt, conv.PhaseStartTime,
		nilIfEmpty(conv.ResolvedAffiliateLink), time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore AdvanceConversation failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to advance conversation %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance rows affected check failed: %w", err)
	}
	slog.Debug("PostgresStore AdvanceConversation", "id", id, "from", fromBlockID, "to", conv.CurrentBlockID, "applied", n > 0)
	return n > 0, nil
}

// CloseConversation transitions an active conversation to closed.
func (s *PostgresStore) CloseConversation(id string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE conversations SET status = 'closed', updated_at = $2 WHERE id = $1 AND status = 'active'`,
		id, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore CloseConversation failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to close conversation %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close rows affected check failed: %w", err)
	}
	slog.Debug("PostgresStore CloseConversation", "id", id, "applied", n > 0)
	return n > 0, nil
}

// ClaimOneTimeAction atomically sets the one-time action flag.
func (s *PostgresStore) ClaimOneTimeAction(id string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE conversations SET one_time_claimed = TRUE, updated_at = $2
		 WHERE id = $1 AND one_time_claimed = FALSE`,
		id, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore ClaimOneTimeAction failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to claim one-time action for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected check failed: %w", err)
	}
	slog.Debug("PostgresStore ClaimOneTimeAction", "id", id, "claimed", n > 0)
	return n > 0, nil
}

// ReleaseOneTimeAction clears the one-time action flag.
func (s *PostgresStore) ReleaseOneTimeAction(id string) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET one_time_claimed = FALSE, updated_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore ReleaseOneTimeAction failed", "error", err, "id", id)
		return fmt.Errorf("failed to release one-time action for %s: %w", id, err)
	}
	slog.Debug("PostgresStore ReleaseOneTimeAction succeeded", "id", id)
	return nil
}

// SetResolvedLink stores the resolved affiliate link; the first write wins.
func (s *PostgresStore) SetResolvedLink(id, link string) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET resolved_link = $2, updated_at = $3
		 WHERE id = $1 AND (resolved_link IS NULL OR resolved_link = '')`,
		id, link, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore SetResolvedLink failed", "error", err, "id", id)
		return fmt.Errorf("failed to set resolved link for %s: %w", id, err)
	}
	slog.Debug("PostgresStore SetResolvedLink succeeded", "id", id)
	return nil
}

// MarkNudgeSent claims the (phase, offset) re-prompt marker for a conversation.
func (s *PostgresStore) MarkNudgeSent(id string, phase, offsetMinutes int, at time.Time) (bool, error) {
	query := `
		UPDATE conversations SET
			last_nudge_phase = $2,
			last_nudge_offset = $3,
			last_message_at = $4,
			updated_at = $4
		WHERE id = $1 AND status = 'active'
		  AND NOT (last_nudge_phase = $2 AND last_nudge_offset = $3)`

	result, err := s.db.Exec(query, id, phase, offsetMinutes, at)
	if err != nil {
		slog.Error("PostgresStore MarkNudgeSent failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to mark nudge sent for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("nudge rows affected check failed: %w", err)
	}
	slog.Debug("PostgresStore MarkNudgeSent", "id", id, "phase", phase, "offset", offsetMinutes, "claimed", n > 0)
	return n > 0, nil
}

// TouchConversation bumps the conversation's last message timestamp.
func (s *PostgresStore) TouchConversation(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET last_message_at = $2, updated_at = $2 WHERE id = $1`,
		id, at)
	if err != nil {
		slog.Error("PostgresStore TouchConversation failed", "error", err, "id", id)
		return fmt.Errorf("failed to touch conversation %s: %w", id, err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
