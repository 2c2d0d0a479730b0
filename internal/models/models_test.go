package models

import (
	"errors"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestIsEligibleForService(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	sixDays := now.Add(-6 * 24 * time.Hour)
	sevenDays := now.Add(-7 * 24 * time.Hour)

	tests := []struct {
		name       string
		status     SubscriptionStatus
		trialStart *time.Time
		wantState  ServiceState
		eligible   bool
	}{
		{"active", SubscriptionActive, nil, StateActive, true},
		{"fresh trial", SubscriptionTrial, &sixDays, StateTrialing, true},
		{"trial at seven days", SubscriptionTrial, &sevenDays, StateTrialExpired, false},
		{"trial without start", SubscriptionTrial, nil, StateTrialExpired, false},
		{"empty status treated as trial", "", &sixDays, StateTrialing, true},
		{"past due", SubscriptionPastDue, &sixDays, StatePastDue, false},
		{"canceled", SubscriptionCanceled, nil, StateCanceled, false},
		{"unpaid", SubscriptionUnpaid, nil, StateUnpaid, false},
		{"unknown status", SubscriptionStatus("paused"), &sixDays, StateCanceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := StateOf(tt.status, tt.trialStart, now)
			if state != tt.wantState {
				t.Errorf("StateOf = %q, want %q", state, tt.wantState)
			}
			if got := IsEligibleForService(state, tt.trialStart, now); got != tt.eligible {
				t.Errorf("IsEligibleForService = %v, want %v", got, tt.eligible)
			}
			p := Profile{SubscriptionStatus: tt.status, TrialStartDate: tt.trialStart}
			if got := p.EligibleForService(now); got != tt.eligible {
				t.Errorf("Profile.EligibleForService = %v, want %v", got, tt.eligible)
			}
		})
	}
}

func TestStartOfWeek(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	tests := []struct {
		name string
		now  time.Time
		loc  *time.Location
		want time.Time
	}{
		{"wednesday", time.Date(2026, 10, 21, 15, 0, 0, 0, time.UTC), time.UTC, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
		{"monday midnight", time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), time.UTC, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
		{"sunday night", time.Date(2026, 10, 25, 23, 30, 0, 0, time.UTC), time.UTC, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
		{"monday in utc is sunday in los angeles", time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC), la, time.Date(2026, 10, 12, 0, 0, 0, 0, la)},
		{"nil location", time.Date(2026, 10, 21, 15, 0, 0, 0, time.UTC), nil, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StartOfWeek(tt.now, tt.loc)
			if !got.Equal(tt.want) {
				t.Errorf("StartOfWeek = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextWeeklyOccurrence(t *testing.T) {
	monday := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	got := NextWeeklyOccurrence(3, 9, 0, time.UTC, monday)
	if want := time.Date(2026, 10, 21, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("next wednesday = %v, want %v", got, want)
	}

	// An occurrence equal to `after` is skipped.
	exact := time.Date(2026, 10, 21, 9, 0, 0, 0, time.UTC)
	got = NextWeeklyOccurrence(3, 9, 0, time.UTC, exact)
	if want := time.Date(2026, 10, 28, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("after exact occurrence = %v, want %v", got, want)
	}

	// Same weekday, later time today.
	got = NextWeeklyOccurrence(1, 18, 30, time.UTC, monday)
	if want := time.Date(2026, 10, 19, 18, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("later today = %v, want %v", got, want)
	}
}

func TestScheduledCallValidate(t *testing.T) {
	tests := []struct {
		name string
		call ScheduledCall
		want error
	}{
		{"recurring", ScheduledCall{UserID: "u1", Weekday: intPtr(2), LocalTime: "09:30"}, nil},
		{"one-off", ScheduledCall{UserID: "u1", SpecificDate: "2026-10-21", LocalTime: "18:00"}, nil},
		{"missing user", ScheduledCall{Weekday: intPtr(2), LocalTime: "09:30"}, ErrEmptyUserID},
		{"neither target", ScheduledCall{UserID: "u1", LocalTime: "09:30"}, ErrScheduleTargetMissing},
		{"both targets", ScheduledCall{UserID: "u1", Weekday: intPtr(2), SpecificDate: "2026-10-21", LocalTime: "09:30"}, ErrScheduleTargetConflict},
		{"bad weekday", ScheduledCall{UserID: "u1", Weekday: intPtr(7), LocalTime: "09:30"}, ErrInvalidWeekday},
		{"bad date", ScheduledCall{UserID: "u1", SpecificDate: "21/10/2026", LocalTime: "09:30"}, ErrInvalidSpecificDate},
		{"bad time", ScheduledCall{UserID: "u1", Weekday: intPtr(2), LocalTime: "25:00"}, ErrInvalidLocalTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestScheduledCallExecutionTime(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

	oneOff := ScheduledCall{UserID: "u1", SpecificDate: "2026-10-21", LocalTime: "18:00"}
	got, ok := oneOff.ExecutionTime(time.UTC, now)
	if !ok || !got.Equal(time.Date(2026, 10, 21, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("one-off ExecutionTime = %v, %v", got, ok)
	}

	past := ScheduledCall{UserID: "u1", SpecificDate: "2026-10-18", LocalTime: "18:00"}
	if _, ok := past.ExecutionTime(time.UTC, now); ok {
		t.Error("expected past one-off call to report ok=false")
	}

	recurring := ScheduledCall{UserID: "u1", Weekday: intPtr(0), LocalTime: "08:15"}
	got, ok = recurring.ExecutionTime(time.UTC, now)
	if !ok || !got.Equal(time.Date(2026, 10, 25, 8, 15, 0, 0, time.UTC)) {
		t.Errorf("recurring ExecutionTime = %v, %v", got, ok)
	}
}

func TestLoadLocationFallback(t *testing.T) {
	if LoadLocation("") != time.UTC {
		t.Error("expected UTC for empty timezone")
	}
	if LoadLocation("Not/AZone") != time.UTC {
		t.Error("expected UTC for unknown timezone")
	}
	if loc := LoadLocation("Europe/Berlin"); loc.String() != "Europe/Berlin" {
		t.Errorf("expected Europe/Berlin, got %s", loc)
	}
}

func TestProfileFirstName(t *testing.T) {
	if got := (Profile{FullName: "  Ada Lovelace "}).FirstName(); got != "Ada" {
		t.Errorf("FirstName = %q", got)
	}
	if got := (Profile{}).FirstName(); got != "" {
		t.Errorf("FirstName of empty = %q", got)
	}
}
