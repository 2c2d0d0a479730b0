// Package recovery repairs state left behind when CoachPipe stops mid-work:
// analyzer leases whose owner died and scheduled calls whose slot passed
// while nothing was polling.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// MissedWhileOfflineNote is recorded on one-off calls whose slot passed
// before they could be placed.
const MissedWhileOfflineNote = "not placed: slot passed while no poller was running"

// Recoverable is a component that can repair its persisted state.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// Recover repairs state and returns the number of rows it touched.
	Recover(ctx context.Context) (int, error)
}

// Result reports one component's recovery.
type Result struct {
	Component string `json:"component"`
	Repaired  int    `json:"repaired"`
	Error     string `json:"error,omitempty"`
}

// Manager orchestrates recovery of all registered components.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates a Manager for the given components.
func NewManager(rs ...Recoverable) *Manager {
	return &Manager{recoverables: rs}
}

// Register adds a component.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every component. A failing component does not stop the
// others; their errors are joined.
func (m *Manager) RecoverAll(ctx context.Context) ([]Result, error) {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))
	results := make([]Result, 0, len(m.recoverables))
	var errs []error
	for _, r := range m.recoverables {
		n, err := r.Recover(ctx)
		res := Result{Component: r.Name(), Repaired: n}
		if err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
		results = append(results, res)
	}
	slog.Info("Manager.RecoverAll: recovery completed", "components", len(results), "errors", len(errs))
	return results, errors.Join(errs...)
}

// LeaseSweeper releases stale claims of every lease kind.
type LeaseSweeper struct {
	store store.LeaseRepo
	kinds []store.LeaseKind
}

// NewLeaseSweeper creates a sweeper for kinds, or for every kind when none
// are given.
func NewLeaseSweeper(st store.LeaseRepo, kinds ...store.LeaseKind) *LeaseSweeper {
	if len(kinds) == 0 {
		kinds = []store.LeaseKind{
			store.LeaseMessageSummary,
			store.LeaseCallAchievements,
			store.LeaseCallSummary,
			store.LeaseCallKeywords,
		}
	}
	return &LeaseSweeper{store: st, kinds: kinds}
}

func (s *LeaseSweeper) Name() string { return "lease_sweeper" }

func (s *LeaseSweeper) Recover(ctx context.Context) (int, error) {
	var total int64
	var errs []error
	for _, kind := range s.kinds {
		n, err := s.store.SweepStaleLeases(ctx, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return int(total), errors.Join(errs...)
}

// ScheduleStore is the persistence ScheduleCatchUp needs.
type ScheduleStore interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	OverdueScheduledCalls(ctx context.Context, before time.Time) ([]models.ScheduledCall, error)
	RescheduleCall(ctx context.Context, id string, next *time.Time, note string) error
}

var _ ScheduleStore = (*store.Store)(nil)

// ScheduleCatchUp moves scheduled calls whose execution timestamp fell out
// of the due window. Recurring calls advance to their next weekly slot in
// the user's timezone; one-off calls are cleared with a note.
type ScheduleCatchUp struct {
	store  ScheduleStore
	window time.Duration
	clock  func() time.Time
}

// NewScheduleCatchUp creates a ScheduleCatchUp. Calls older than now-window
// are considered overdue; window should match the claimer's due window.
func NewScheduleCatchUp(st ScheduleStore, window time.Duration, clock func() time.Time) *ScheduleCatchUp {
	if clock == nil {
		clock = time.Now
	}
	return &ScheduleCatchUp{store: st, window: window, clock: clock}
}

func (c *ScheduleCatchUp) Name() string { return "schedule_catch_up" }

func (c *ScheduleCatchUp) Recover(ctx context.Context) (int, error) {
	now := c.clock().UTC()
	overdue, err := c.store.OverdueScheduledCalls(ctx, now.Add(-c.window))
	if err != nil {
		return 0, err
	}
	repaired := 0
	var errs []error
	for i := range overdue {
		call := &overdue[i]
		next, note, err := c.nextFor(ctx, call, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduled call %s: %w", call.ID, err))
			continue
		}
		if err := c.store.RescheduleCall(ctx, call.ID, next, note); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("ScheduleCatchUp.Recover: overdue call moved", "scheduledCallID", call.ID, "was", call.ExecutionTimestamp, "next", next)
		repaired++
	}
	return repaired, errors.Join(errs...)
}

func (c *ScheduleCatchUp) nextFor(ctx context.Context, call *models.ScheduledCall, now time.Time) (*time.Time, string, error) {
	if !call.Recurring() {
		return nil, MissedWhileOfflineNote, nil
	}
	p, err := c.store.GetProfile(ctx, call.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("load profile: %w", err)
	}
	at, ok := call.ExecutionTime(p.Location(), now)
	if !ok {
		return nil, "", models.ErrInvalidLocalTime
	}
	at = at.UTC()
	return &at, "", nil
}
