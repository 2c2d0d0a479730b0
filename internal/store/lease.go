package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/util"
)

// LeaseTimeout is how long a claim is honoured before the stale sweep
// releases it.
const LeaseTimeout = 15 * time.Minute

var (
	// ErrLeaseLost is returned when completing or releasing a lease that is no
	// longer held by its owner.
	ErrLeaseLost = errors.New("store: lease no longer held")
	// ErrUnknownLeaseKind is returned for a lease kind without a backing table.
	ErrUnknownLeaseKind = errors.New("store: unknown lease kind")
)

// LeaseKind names a batch pass. Each kind maps to a table and the processed
// flag that the pass sets on completion.
type LeaseKind string

const (
	LeaseMessageSummary   LeaseKind = "whatsapp_summary"
	LeaseCallAchievements LeaseKind = "call_achievements"
	LeaseCallSummary      LeaseKind = "call_summary"
	LeaseCallKeywords     LeaseKind = "call_keywords"
)

type leaseTarget struct {
	table string
	flag  string
}

var leaseTargets = map[LeaseKind]leaseTarget{
	LeaseMessageSummary:   {table: "whatsapp_messages", flag: "processed_for_summary"},
	LeaseCallAchievements: {table: "call_logs", flag: "processed_by_ai"},
	LeaseCallSummary:      {table: "call_logs", flag: "processed_for_summary"},
	LeaseCallKeywords:     {table: "call_logs", flag: "processed_keywords"},
}

// Lease is a time-bounded claim on one row for one batch pass.
type Lease struct {
	Kind       LeaseKind
	RowID      string
	OwnerToken string
	ClaimedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease has outlived LeaseTimeout at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LeaseRepo defines the claim-then-process primitives.
type LeaseRepo interface {
	ClaimLease(ctx context.Context, kind LeaseKind, rowID string) (*Lease, bool, error)
	CompleteLease(ctx context.Context, l *Lease) error
	ReleaseLease(ctx context.Context, l *Lease) error
	SweepStaleLeases(ctx context.Context, kind LeaseKind) (int64, error)
}

// Compile-time check that Store implements LeaseRepo.
var _ LeaseRepo = (*Store)(nil)

func targetFor(kind LeaseKind) (leaseTarget, error) {
	t, ok := leaseTargets[kind]
	if !ok {
		return leaseTarget{}, fmt.Errorf("%w: %s", ErrUnknownLeaseKind, kind)
	}
	return t, nil
}

// ClaimLease claims a row for a pass with a single conditional update. The
// row must be unprocessed for the pass and unclaimed. When the update touches
// no rows someone else holds the row (or it is done) and ok is false with a
// nil error.
func (s *Store) ClaimLease(ctx context.Context, kind LeaseKind, rowID string) (*Lease, bool, error) {
	t, err := targetFor(kind)
	if err != nil {
		return nil, false, err
	}
	now := s.now()
	token := util.GenerateLeaseToken()
	n, err := s.execAffected(ctx, `
		UPDATE `+t.table+` SET processing_started_at = ?, processing_owner = ?
		WHERE id = ? AND `+t.flag+` = FALSE AND processing_started_at IS NULL`,
		now, token, rowID)
	if err != nil {
		return nil, false, fmt.Errorf("claim %s lease on %s: %w", kind, rowID, err)
	}
	if n == 0 {
		slog.Debug("Store.ClaimLease: row not claimable", "kind", kind, "rowID", rowID)
		return nil, false, nil
	}
	return &Lease{
		Kind:       kind,
		RowID:      rowID,
		OwnerToken: token,
		ClaimedAt:  now,
		ExpiresAt:  now.Add(LeaseTimeout),
	}, true, nil
}

// CompleteLease marks the row processed for the lease's pass and clears the
// claim marker. It fails with ErrLeaseLost if the owner token no longer matches.
func (s *Store) CompleteLease(ctx context.Context, l *Lease) error {
	t, err := targetFor(l.Kind)
	if err != nil {
		return err
	}
	n, err := s.execAffected(ctx, `
		UPDATE `+t.table+` SET `+t.flag+` = TRUE, processing_started_at = NULL, processing_owner = NULL
		WHERE id = ? AND processing_owner = ?`, l.RowID, l.OwnerToken)
	if err != nil {
		return fmt.Errorf("complete %s lease on %s: %w", l.Kind, l.RowID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseLease clears the claim marker without marking the row processed,
// making it eligible again.
func (s *Store) ReleaseLease(ctx context.Context, l *Lease) error {
	t, err := targetFor(l.Kind)
	if err != nil {
		return err
	}
	n, err := s.execAffected(ctx, `
		UPDATE `+t.table+` SET processing_started_at = NULL, processing_owner = NULL
		WHERE id = ? AND processing_owner = ?`, l.RowID, l.OwnerToken)
	if err != nil {
		return fmt.Errorf("release %s lease on %s: %w", l.Kind, l.RowID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SweepStaleLeases clears claim markers older than LeaseTimeout on rows the
// pass has not processed. It returns the number of rows released.
func (s *Store) SweepStaleLeases(ctx context.Context, kind LeaseKind) (int64, error) {
	t, err := targetFor(kind)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-LeaseTimeout)
	n, err := s.execAffected(ctx, `
		UPDATE `+t.table+` SET processing_started_at = NULL, processing_owner = NULL
		WHERE `+t.flag+` = FALSE AND processing_started_at IS NOT NULL AND processing_started_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale %s leases: %w", kind, err)
	}
	if n > 0 {
		slog.Info("Store.SweepStaleLeases: released stale claims", "kind", kind, "count", n)
	}
	return n, nil
}
