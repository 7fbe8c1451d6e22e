// Package store provides storage backends for FunnelPipe.
//
// It defines the Store interface over funnel definitions, conversations and
// the resource directory, with in-memory, SQLite and PostgreSQL
// implementations. Conversation mutations that must be exactly-once under
// concurrent dispatch (claiming the one-time action, advancing past a block,
// closing, marking a nudge sent) are expressed as conditional updates whose
// boolean result reports whether this caller won the write.
package store

import (
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType inspects a DSN and reports which driver should handle it:
// "postgres" for PostgreSQL connection strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// Key-value form, e.g. "host=localhost user=pp dbname=funnelpipe"
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Store is the persistence interface used by the funnel engine, the sweep
// hosts and the API layer. Get methods return (nil, nil) when the entity does
// not exist.
type Store interface {
	InboundLog

	// Funnel definitions. SaveFunnel assigns an ID when the graph has none.
	SaveFunnel(funnel *models.FunnelGraph) error
	GetFunnel(id string) (*models.FunnelGraph, error)
	ListFunnels() ([]models.FunnelGraph, error)
	DeleteFunnel(id string) error

	// Resource directory. Entries are unique per (owner scope, name);
	// SaveResource upserts and assigns an ID when the entry has none.
	SaveResource(resource *models.Resource) error
	GetResource(name, ownerScope string) (*models.Resource, error)
	ListResources(ownerScope string) ([]models.Resource, error)

	// Conversations.
	CreateConversation(conv models.Conversation) error
	GetConversation(id string) (*models.Conversation, error)
	GetActiveConversationByUserRef(userRef string) (*models.Conversation, error)
	ListConversationsByFunnel(funnelID string) ([]models.Conversation, error)
	ListActiveConversations() ([]models.Conversation, error)

	// AdvanceConversation writes the updated conversation only if the stored
	// row is still active at fromBlockID. A false result means another writer
	// advanced the conversation first and this update was discarded.
	AdvanceConversation(id, fromBlockID string, conv models.Conversation) (bool, error)

	// CloseConversation transitions an active conversation to closed. A false
	// result means the conversation was already closed.
	CloseConversation(id string) (bool, error)

	// ClaimOneTimeAction atomically sets the one-time action flag. A false
	// result means the claim was already taken.
	ClaimOneTimeAction(id string) (bool, error)

	// ReleaseOneTimeAction clears the one-time action flag so a later attempt
	// may retry. Used only to compensate a failed delivery after a claim.
	ReleaseOneTimeAction(id string) error

	// SetResolvedLink stores the resolved affiliate link for a conversation.
	// The first write wins; later writes against an already-resolved
	// conversation are discarded so the cached link stays stable.
	SetResolvedLink(id, link string) error

	// MarkNudgeSent records that the re-prompt for (phase, offsetMinutes) was
	// claimed at the given time. A false result means the same marker was
	// already recorded, so the nudge must not be sent again.
	MarkNudgeSent(id string, phase, offsetMinutes int, at time.Time) (bool, error)

	// TouchConversation bumps the conversation's last message timestamp.
	TouchConversation(id string, at time.Time) error

	Close() error
}
