package store

import (
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that SQLiteStore implements InboundLog.
var _ InboundLog = (*SQLiteStore)(nil)

// ClaimInboundMessage wins exactly once per message ID: INSERT OR IGNORE
// leaves zero rows affected for every delivery after the first.
func (s *SQLiteStore) ClaimInboundMessage(messageID, userRef string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, user_ref, received_at) VALUES (?, ?, ?)`,
		messageID, userRef, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("inbound claim failed: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inbound claim verdict failed: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore ClaimInboundMessage duplicate", "messageID", messageID)
		return false, nil
	}
	return true, nil
}

// MarkInboundProcessed stamps the log row; a missing row is not an error.
func (s *SQLiteStore) MarkInboundProcessed(messageID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now(), messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to stamp inbound message: %w", err)
	}
	return nil
}

// SeenInbound reports whether the message ID is already logged.
func (s *SQLiteStore) SeenInbound(messageID string) (bool, error) {
	var seen bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM inbound_dedup WHERE message_id = ?)`,
		messageID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("inbound log lookup failed: %w", err)
	}
	return seen, nil
}
