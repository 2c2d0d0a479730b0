package flow

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/prompts"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/testutil"
)

type fixture struct {
	store      *store.Store
	clock      *testutil.Clock
	gen        *testutil.FakeCompletion
	sender     *testutil.FakeSender
	dispatcher *testutil.FakeDispatcher
	catalog    *prompts.Catalog
	calls      *CallScheduler
	inbound    *InboundHandler
	endOfCall  *EndOfCallHandler
	analyzer   *Analyzer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	catalog, err := prompts.Default()
	if err != nil {
		t.Fatalf("prompts.Default failed: %v", err)
	}
	f := &fixture{
		clock:      testutil.NewClock(testutil.Epoch),
		gen:        testutil.NewFakeCompletion(),
		sender:     &testutil.FakeSender{},
		dispatcher: &testutil.FakeDispatcher{},
		catalog:    catalog,
	}
	f.store = testutil.NewStore(t, f.clock)
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.calls = NewCallScheduler(f.store, f.dispatcher, catalog, opts...)
	f.inbound = NewInboundHandler(f.store, f.gen, f.sender, f.calls, catalog, opts...)
	f.endOfCall = NewEndOfCallHandler(f.store, f.sender, opts...)
	f.analyzer = NewAnalyzer(f.store, f.gen, catalog, opts...)
	return f
}

func (f *fixture) activeUser(t *testing.T, phone string) *models.Profile {
	t.Helper()
	return testutil.SeedProfile(t, f.store, models.Profile{PhoneNumber: phone, Objectives: "run a 10k"})
}

func (f *fixture) completedCalls(t *testing.T, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		l := &models.CallLog{UserID: userID, Status: models.CallStatusCompleted}
		if err := f.store.InsertCallLog(context.Background(), l); err != nil {
			t.Fatalf("InsertCallLog failed: %v", err)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"},
		{"", 0, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestOrNone(t *testing.T) {
	if orNone("  ") != "(none)" {
		t.Error("blank value should become (none)")
	}
	if orNone("x") != "x" {
		t.Error("non-blank value should pass through")
	}
}

func TestResolvePersona_Defaults(t *testing.T) {
	f := newFixture(t)
	p := resolvePersona(context.Background(), f.store, "missing-user")
	if p.Name != DefaultAssistantName || p.Personality != DefaultPersonality {
		t.Errorf("unexpected persona %+v", p)
	}
}

func TestResolvePersona_FromMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.SavePersona(ctx, "fitness", models.Persona{Name: "Maya", Personality: "Direct."}); err != nil {
		t.Fatalf("SavePersona failed: %v", err)
	}
	p := testutil.SeedProfile(t, f.store, models.Profile{PhoneNumber: "+15550100900", CurrentModeID: "fitness"})
	got := resolvePersona(ctx, f.store, p.ID)
	if got.Name != "Maya" || got.Personality != "Direct." {
		t.Errorf("persona = %+v", got)
	}
}

// trialStartedAgo returns a trial start that is d before the test epoch.
func trialStartedAgo(d time.Duration) *time.Time {
	t := testutil.Epoch.Add(-d)
	return &t
}
