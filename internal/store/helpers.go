package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// jsonOrNil marshals v for a nullable JSON column, storing NULL when the
// value is empty.
func jsonOrNil(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case []models.Interaction:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return data, nil
}

// conversationColumns is the SELECT column list shared by the SQL backends.
const conversationColumns = `id, funnel_id, user_ref, current_block_id, user_path, interactions, status,
	created_at, last_message_at, phase_start_time, one_time_claimed, resolved_link,
	last_nudge_phase, last_nudge_offset, updated_at`

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helper.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation scans a conversation row in conversationColumns order.
func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var userPathJSON, interactionsJSON []byte
	var status string
	var phaseStart sql.NullTime
	var resolvedLink sql.NullString

	err := row.Scan(
		&c.ID, &c.FunnelID, &c.UserRef, &c.CurrentBlockID, &userPathJSON, &interactionsJSON, &status,
		&c.CreatedAt, &c.LastMessageAt, &phaseStart, &c.OneTimeActionClaimed, &resolvedLink,
		&c.LastNudgePhase, &c.LastNudgeOffset, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}

	c.Status = models.ConversationStatus(status)
	c.ResolvedAffiliateLink = resolvedLink.String
	if phaseStart.Valid {
		t := phaseStart.Time
		c.PhaseStartTime = &t
	}
	if len(userPathJSON) > 0 {
		if err := json.Unmarshal(userPathJSON, &c.UserPath); err != nil {
			return c, fmt.Errorf("unmarshal user_path: %w", err)
		}
	}
	if len(interactionsJSON) > 0 {
		if err := json.Unmarshal(interactionsJSON, &c.Interactions); err != nil {
			return c, fmt.Errorf("unmarshal interactions: %w", err)
		}
	}
	return c, nil
}

// scanConversations drains a result set of conversation rows.
func scanConversations(rows *sql.Rows) ([]models.Conversation, error) {
	defer rows.Close()
	var convs []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return convs, nil
}
