package store

import (
	"context"
	"fmt"
)

// DedupRepo defines inbound webhook deduplication keyed by the provider's
// message id.
type DedupRepo interface {
	// RecordInbound records a message id. It returns false if the id was
	// already recorded (duplicate delivery).
	RecordInbound(ctx context.Context, messageID, sender string) (bool, error)

	// ForgetInbound removes a record so a redelivery is processed again.
	ForgetInbound(ctx context.Context, messageID string) error
}

// Compile-time check that Store implements DedupRepo.
var _ DedupRepo = (*Store)(nil)

func (s *Store) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	n, err := s.execAffected(ctx,
		`INSERT INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, sender, s.now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ForgetInbound(ctx context.Context, messageID string) error {
	if _, err := s.exec(ctx, `DELETE FROM inbound_dedup WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}
