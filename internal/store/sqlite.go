// Package store provides storage backends for FunnelPipe.
//
// This file implements an SQLite-backed store with the same contract as the
// PostgreSQL backend, for single-node deployments and local development.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	slog.Debug("SQLite database opened")

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveFunnel stores or replaces a funnel definition, assigning an ID if absent.
func (s *SQLiteStore) SaveFunnel(funnel *models.FunnelGraph) error {
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
		slog.Error("SQLiteStore SaveFunnel marshal failed", "error", err, "id", funnel.ID)
		return fmt.Errorf("failed to marshal funnel graph: %w", err)
	}

	query := `
		INSERT INTO funnels (id, name, owner_scope, graph, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET
			name = excluded.name,
			owner_scope = excluded.owner_scope,
			graph = excluded.graph,
			updated_at = excluded.updated_at`

	_, err = s.db.Exec(query, funnel.ID, funnel.Name, funnel.OwnerScope, string(graphJSON), funnel.CreatedAt, funnel.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFunnel failed", "error", err, "id", funnel.ID)
		return fmt.Errorf("failed to save funnel %s: %w", funnel.ID, err)
	}
	slog.Debug("SQLiteStore SaveFunnel succeeded", "id", funnel.ID, "name", funnel.Name)
	return nil
}

// GetFunnel retrieves a funnel definition by ID.
func (s *SQLiteStore) GetFunnel(id string) (*models.FunnelGraph, error) {
	var graphJSON []byte
	err := s.db.QueryRow(`SELECT graph FROM funnels WHERE id = ?`, id).Scan(&graphJSON)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetFunnel not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFunnel failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get funnel %s: %w", id, err)
	}

	var funnel models.FunnelGraph
	if err := json.Unmarshal(graphJSON, &funnel); err != nil {
		slog.Error("SQLiteStore GetFunnel unmarshal failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to unmarshal funnel %s: %w", id, err)
	}
	slog.Debug("SQLiteStore GetFunnel found", "id", id)
	return &funnel, nil
}

// ListFunnels retrieves all funnel definitions, newest first.
func (s *SQLiteStore) ListFunnels() ([]models.FunnelGraph, error) {
	rows, err := s.db.Query(`SELECT graph FROM funnels ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("SQLiteStore ListFunnels query failed", "error", err)
		return nil, fmt.Errorf("failed to query funnels: %w", err)
	}
	defer rows.Close()

	var funnels []models.FunnelGraph
	for rows.Next() {
		var graphJSON []byte
		if err := rows.Scan(&graphJSON); err != nil {
			slog.Error("SQLiteStore ListFunnels scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan funnel row: %w", err)
		}
		var funnel models.FunnelGraph
		if err := json.Unmarshal(graphJSON, &funnel); err != nil {
			slog.Error("SQLiteStore ListFunnels unmarshal failed", "error", err)
			return nil, fmt.Errorf("failed to unmarshal funnel row: %w", err)
		}
		funnels = append(funnels, funnel)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListFunnels rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate funnel rows: %w", err)
	}
	slog.Debug("SQLiteStore ListFunnels succeeded", "count", len(funnels))
	return funnels, nil
}

// DeleteFunnel removes a funnel definition.
func (s *SQLiteStore) DeleteFunnel(id string) error {
	_, err := s.db.Exec(`DELETE FROM funnels WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteFunnel failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete funnel %s: %w", id, err)
	}
	slog.Debug("SQLiteStore DeleteFunnel succeeded", "id", id)
	return nil
}

// SaveResource stores or updates a resource directory entry.
func (s *SQLiteStore) SaveResource(resource *models.Resource) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_scope, name)
		DO UPDATE SET
			link = excluded.link,
			category = excluded.category,
			updated_at = excluded.updated_at`

	_, err := s.db.Exec(query, resource.ID, resource.Name, resource.OwnerScope,
		resource.Link, nilIfEmpty(resource.Category), resource.CreatedAt, resource.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveResource failed", "error", err, "name", resource.Name)
		return fmt.Errorf("failed to save resource %s: %w", resource.Name, err)
	}
	slog.Debug("SQLiteStore SaveResource succeeded", "name", resource.Name, "scope", resource.OwnerScope)
	return nil
}

// GetResource retrieves a resource directory entry by name within a scope.
func (s *SQLiteStore) GetResource(name, ownerScope string) (*models.Resource, error) {
	query := `SELECT id, name, owner_scope, link, category, created_at, updated_at
			  FROM resources WHERE name = ? AND owner_scope = ?`

	var resource models.Resource
	var category sql.NullString
	err := s.db.QueryRow(query, name, ownerScope).Scan(
		&resource.ID, &resource.Name, &resource.OwnerScope, &resource.Link,
		&category, &resource.CreatedAt, &resource.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetResource not found", "name", name, "scope", ownerScope)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetResource failed", "error", err, "name", name)
		return nil, fmt.Errorf("failed to get resource %s: %w", name, err)
	}
	resource.Category = category.String
	slog.Debug("SQLiteStore GetResource found", "name", name, "scope", ownerScope)
	return &resource, nil
}

// ListResources retrieves all resource entries for a scope.
func (s *SQLiteStore) ListResources(ownerScope string) ([]models.Resource, error) {
	query := `SELECT id, name, owner_scope, link, category, created_at, updated_at
			  FROM resources WHERE owner_scope = ? ORDER BY name`

	rows, err := s.db.Query(query, ownerScope)
	if err != nil {
		slog.Error("SQLiteStore ListResources query failed", "error", err)
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	var resources []models.Resource
	for rows.Next() {
		var resource models.Resource
		var category sql.NullString
		if err := rows.Scan(&resource.ID, &resource.Name, &resource.OwnerScope,
			&resource.Link, &category, &resource.CreatedAt, &resource.UpdatedAt); err != nil {
			slog.Error("SQLiteStore ListResources scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan resource row: %w", err)
		}
		resource.Category = category.String
		resources = append(resources, resource)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListResources rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate resource rows: %w", err)
	}
	slog.Debug("SQLiteStore ListResources succeeded", "count", len(resources))
	return resources, nil
}

// CreateConversation inserts a new conversation row.
func (s *SQLiteStore) CreateConversation(conv models.Conversation) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.Exec(query, conv.ID, conv.FunnelID, conv.UserRef, conv.CurrentBlockID,
		userPathJSON, interactionsJSON, string(conv.Status), conv.CreatedAt, conv.LastMessageAt,
		conv.PhaseStartTime, conv.OneTimeActionClaimed, nilIfEmpty(conv.ResolvedAffiliateLink),
		conv.LastNudgePhase, conv.LastNudgeOffset, conv.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "id", conv.ID)
		return fmt.Errorf("failed to create conversation %s: %w", conv.ID, err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "id", conv.ID, "funnelID", conv.FunnelID)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	conv, err := scanConversation(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetConversation not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	slog.Debug("SQLiteStore GetConversation found", "id", id)
	return &conv, nil
}

// GetActiveConversationByUserRef retrieves the newest active conversation for a visitor.
func (s *SQLiteStore) GetActiveConversationByUserRef(userRef string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE user_ref = ? AND status = 'active' ORDER BY created_at DESC LIMIT 1`
	conv, err := scanConversation(s.db.QueryRow(query, userRef))
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetActiveConversationByUserRef not found", "userRef", userRef)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveConversationByUserRef failed", "error", err, "userRef", userRef)
		return nil, fmt.Errorf("failed to get active conversation for %s: %w", userRef, err)
	}
	slog.Debug("SQLiteStore GetActiveConversationByUserRef found", "userRef", userRef, "id", conv.ID)
	return &conv, nil
}

// ListConversationsByFunnel retrieves all conversations for a funnel.
func (s *SQLiteStore) ListConversationsByFunnel(funnelID string) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE funnel_id = ? ORDER BY created_at`
	rows, err := s.db.Query(query, funnelID)
	if err != nil {
		slog.Error("SQLiteStore ListConversationsByFunnel query failed", "error", err, "funnelID", funnelID)
		return nil, fmt.Errorf("failed to query conversations for funnel %s: %w", funnelID, err)
	}
	convs, err := scanConversations(rows)
	if err != nil {
		slog.Error("SQLiteStore ListConversationsByFunnel scan failed", "error", err, "funnelID", funnelID)
		return nil, err
	}
	slog.Debug("SQLiteStore ListConversationsByFunnel succeeded", "funnelID", funnelID, "count", len(convs))
	return convs, nil
}

// ListActiveConversations retrieves all active conversations across funnels.
func (s *SQLiteStore) ListActiveConversations() ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE status = 'active' ORDER BY created_at`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("SQLiteStore ListActiveConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query active conversations: %w", err)
	}
	convs, err := scanConversations(rows)
	if err != nil {
		slog.Error("SQLiteStore ListActiveConversations scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore ListActiveConversations succeeded", "count", len(convs))
	return convs, nil
}

// AdvanceConversation writes an engine transition, guarded on the conversation
// still being active at fromBlockID.
func (s *SQLiteStore) AdvanceConversation(id, fromBlockID string, conv models.Conversation) (bool, error) {
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
			current_block_id = ?,
			user_path = ?,
			interactions = ?,
			status = ?,
			last_message_at = ?,
			phase_start_time = ?,
			resolved_link = ?,
			updated_at = ?
		WHERE id = ? AND current_block_id = ? AND status = 'active'`

	result, err := s.db.Exec(query, conv.CurrentBlockID, userPathJSON, interactionsJSON,
		string(conv.Status), conv.LastMessageAt, conv.PhaseStartTime,
		nilIfEmpty(conv.ResolvedAffiliateLink), time.Now().UTC(), id, fromBlockID)
	if err != nil {
		slog.Error("SQLiteStore AdvanceConversation failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to advance conversation %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance rows affected check failed: %w", err)
	}
	slog.Debug("SQLiteStore AdvanceConversation", "id", id, "from", fromBlockID, "to", conv.CurrentBlockID, "applied", n > 0)
	return n > 0, nil
}

// CloseConversation transitions an active conversation to closed.
func (s *SQLiteStore) CloseConversation(id string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE conversations SET status = 'closed', updated_at = ? WHERE id = ? AND status = 'active'`,
		time.Now().UTC(), id)
	if err != nil {
		slog.Error("SQLiteStore CloseConversation failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to close conversation %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close rows affected check failed: %w", err)
	}
	slog.Debug("SQLiteStore CloseConversation", "id", id, "applied", n > 0)
	return n > 0, nil
}

// ClaimOneTimeAction atomically sets the one-time action flag.
func (s *SQLiteStore) ClaimOneTimeAction(id string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE conversations SET one_time_claimed = 1, updated_at = ?
		 WHERE id = ? AND one_time_claimed = 0`,
		time.Now().UTC(), id)
	if err != nil {
		slog.Error("SQLiteStore ClaimOneTimeAction failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to claim one-time action for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected check failed: %w", err)
	}
	slog.Debug("SQLiteStore ClaimOneTimeAction", "id", id, "claimed", n > 0)
	return n > 0, nil
}

// ReleaseOneTimeAction clears the one-time action flag.
func (s *SQLiteStore) ReleaseOneTimeAction(id string) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET one_time_claimed = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		slog.Error("SQLiteStore ReleaseOneTimeAction failed", "error", err, "id", id)
		return fmt.Errorf("failed to release one-time action for %s: %w", id, err)
	}
	slog.Debug("SQLiteStore ReleaseOneTimeAction succeeded", "id", id)
	return nil
}

// SetResolvedLink stores the resolved affiliate link; the first write wins.
func (s *SQLiteStore) SetResolvedLink(id, link string) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET resolved_link = ?, updated_at = ?
		 WHERE id = ? AND (resolved_link IS NULL OR resolved_link = '')`,
		link, time.Now().UTC(), id)
	if err != nil {
		slog.Error("SQLiteStore SetResolvedLink failed", "error", err, "id", id)
		return fmt.Errorf("failed to set resolved link for %s: %w", id, err)
	}
	slog.Debug("SQLiteStore SetResolvedLink succeeded", "id", id)
	return nil
}

// MarkNudgeSent claims the (phase, offset) re-prompt marker for a conversation.
func (s *SQLiteStore) MarkNudgeSent(id string, phase, offsetMinutes int, at time.Time) (bool, error) {
	query := `
		UPDATE conversations SET
			last_nudge_phase = ?,
			last_nudge_offset = ?,
			last_message_at = ?,
			updated_at = ?
		WHERE id = ? AND status = 'active'
		  AND NOT (last_nudge_phase = ? AND last_nudge_offset = ?)`

	result, err := s.db.Exec(query, phase, offsetMinutes, at, at, id, phase, offsetMinutes)
	if err != nil {
		slog.Error("SQLiteStore MarkNudgeSent failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to mark nudge sent for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("nudge rows affected check failed: %w", err)
	}
	slog.Debug("SQLiteStore MarkNudgeSent", "id", id, "phase", phase, "offset", offsetMinutes, "claimed", n > 0)
	return n > 0, nil
}

// TouchConversation bumps the conversation's last message timestamp.
func (s *SQLiteStore) TouchConversation(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id)
	if err != nil {
		slog.Error("SQLiteStore TouchConversation failed", "error", err, "id", id)
		return fmt.Errorf("failed to touch conversation %s: %w", id, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
