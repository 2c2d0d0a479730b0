package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

func seedImportantMessage(t *testing.T, s *Store, userID, content string) string {
	t.Helper()
	m := &models.WhatsAppMessage{UserID: userID, Content: content, Type: models.MessageTypeUser, Important: 1}
	if err := s.InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	return m.ID
}

func TestClaimLease_SecondClaimAffectsNothing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := seedProfile(t, s, "+15550103000")
	id := seedImportantMessage(t, s, p.ID, "my sister is visiting")

	lease, ok, err := s.ClaimLease(ctx, LeaseMessageSummary, id)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if lease.OwnerToken == "" || !lease.ExpiresAt.Equal(lease.ClaimedAt.Add(LeaseTimeout)) {
		t.Errorf("unexpected lease %+v", lease)
	}

	second, ok, err := s.ClaimLease(ctx, LeaseMessageSummary, id)
	if err != nil {
		t.Fatalf("second claim returned error: %v", err)
	}
	if ok || second != nil {
		t.Fatal("second claim on a held row must affect zero rows")
	}

	if err := s.CompleteLease(ctx, lease); err != nil {
		t.Fatalf("CompleteLease failed: %v", err)
	}
	m, _ := s.GetMessage(ctx, id)
	if !m.ProcessedForSummary || m.ProcessingStartedAt != nil {
		t.Errorf("after complete: processed=%v marker=%v", m.ProcessedForSummary, m.ProcessingStartedAt)
	}

	// Processed rows are not claimable again.
	if _, ok, _ := s.ClaimLease(ctx, LeaseMessageSummary, id); ok {
		t.Error("processed row was claimed again")
	}
}

func TestReleaseLease_MakesRowClaimable(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := seedProfile(t, s, "+15550103001")
	id := seedImportantMessage(t, s, p.ID, "I changed jobs")

	lease, ok, err := s.ClaimLease(ctx, LeaseMessageSummary, id)
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if err := s.ReleaseLease(ctx, lease); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	m, _ := s.GetMessage(ctx, id)
	if m.ProcessedForSummary || m.ProcessingStartedAt != nil {
		t.Errorf("after release: processed=%v marker=%v", m.ProcessedForSummary, m.ProcessingStartedAt)
	}
	if _, ok, _ := s.ClaimLease(ctx, LeaseMessageSummary, id); !ok {
		t.Error("released row should be claimable")
	}

	// The old token no longer owns the row.
	if err := s.CompleteLease(ctx, lease); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost for stale token, got %v", err)
	}
}

func TestSweepStaleLeases(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	p := seedProfile(t, s, "+15550103002")
	stale := seedImportantMessage(t, s, p.ID, "stale")
	fresh := seedImportantMessage(t, s, p.ID, "fresh")

	clock.Set(testEpoch.Add(-20 * time.Minute))
	staleLease, ok, err := s.ClaimLease(ctx, LeaseMessageSummary, stale)
	if err != nil || !ok {
		t.Fatalf("claim stale = %v, %v", ok, err)
	}
	clock.Set(testEpoch.Add(-5 * time.Minute))
	if _, ok, err := s.ClaimLease(ctx, LeaseMessageSummary, fresh); err != nil || !ok {
		t.Fatalf("claim fresh = %v, %v", ok, err)
	}

	clock.Set(testEpoch)
	if !staleLease.Expired(testEpoch) {
		t.Error("20 minute old lease should report expired")
	}
	n, err := s.SweepStaleLeases(ctx, LeaseMessageSummary)
	if err != nil {
		t.Fatalf("SweepStaleLeases failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d rows, want 1", n)
	}

	m, _ := s.GetMessage(ctx, stale)
	if m.ProcessingStartedAt != nil {
		t.Error("stale claim marker was not cleared")
	}
	m, _ = s.GetMessage(ctx, fresh)
	if m.ProcessingStartedAt == nil {
		t.Error("fresh claim marker was cleared")
	}
	if _, ok, _ := s.ClaimLease(ctx, LeaseMessageSummary, stale); !ok {
		t.Error("swept row should be claimable again")
	}
}

func TestLeaseKindsOnCallLogs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := seedProfile(t, s, "+15550103003")
	l := &models.CallLog{UserID: p.ID, VapiCallID: "call_1", Status: models.CallStatusCompleted, CallSummary: "Talked about sleep."}
	if err := s.InsertCallLog(ctx, l); err != nil {
		t.Fatalf("InsertCallLog failed: %v", err)
	}

	lease, ok, err := s.ClaimLease(ctx, LeaseCallAchievements, l.ID)
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if err := s.CompleteLease(ctx, lease); err != nil {
		t.Fatalf("CompleteLease failed: %v", err)
	}

	got, _ := s.GetCallLog(ctx, l.ID)
	if !got.ProcessedByAI || got.ProcessedForSummary || got.ProcessedKeywords {
		t.Errorf("flags after achievements pass = %v %v %v", got.ProcessedByAI, got.ProcessedForSummary, got.ProcessedKeywords)
	}

	cands, err := s.CallLogCandidates(ctx, LeaseCallAchievements, 10)
	if err != nil || len(cands) != 0 {
		t.Errorf("achievement candidates after completion = %d, %v", len(cands), err)
	}
	cands, err = s.CallLogCandidates(ctx, LeaseCallSummary, 10)
	if err != nil || len(cands) != 1 {
		t.Errorf("summary candidates = %d, %v", len(cands), err)
	}

	if _, _, err := s.ClaimLease(ctx, LeaseKind("bogus"), l.ID); !errors.Is(err, ErrUnknownLeaseKind) {
		t.Errorf("expected ErrUnknownLeaseKind, got %v", err)
	}
	if _, err := s.CallLogCandidates(ctx, LeaseMessageSummary, 10); !errors.Is(err, ErrUnknownLeaseKind) {
		t.Errorf("expected ErrUnknownLeaseKind for message kind on call logs, got %v", err)
	}
}
