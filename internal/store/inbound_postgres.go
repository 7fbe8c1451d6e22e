package store

import (
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that PostgresStore implements InboundLog.
var _ InboundLog = (*PostgresStore)(nil)

// ClaimInboundMessage wins exactly once per message ID: the conditional
// insert leaves zero rows affected for every delivery after the first.
func (s *PostgresStore) ClaimInboundMessage(messageID, userRef string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, user_ref, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
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
		slog.Debug("PostgresStore ClaimInboundMessage duplicate", "messageID", messageID)
		return false, nil
	}
	return true, nil
}

// MarkInboundProcessed stamps the log row; a missing row is not an error.
func (s *PostgresStore) MarkInboundProcessed(messageID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		time.Now(), messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to stamp inbound message: %w", err)
	}
	return nil
}

// SeenInbound reports whether the message ID is already logged.
func (s *PostgresStore) SeenInbound(messageID string) (bool, error) {
	var seen bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM inbound_dedup WHERE message_id = $1)`,
		messageID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("inbound log lookup failed: %w", err)
	}
	return seen, nil
}
