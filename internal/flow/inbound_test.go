package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/prompts"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/testutil"
)

func TestHandle_UnknownSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.inbound.Handle(ctx, InboundMessage{SenderPhone: "+15550109999", MessageText: "hello?"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != OutcomeNotRegistered || res.UserID != "" {
		t.Errorf("result = %+v", res)
	}

	msg, err := f.store.GetMessage(ctx, res.MessageID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.UserID != "" || msg.Content != "hello?" || msg.Type != models.MessageTypeUser {
		t.Errorf("stored message = %+v", msg)
	}

	if len(f.sender.Texts) != 1 || f.sender.Texts[0].Body != f.catalog.MustMessage(prompts.NotRegistered) {
		t.Errorf("sent = %+v", f.sender.Texts)
	}
	if n, _ := f.store.CountMessages(ctx, "", models.MessageTypeSystem); n != 1 {
		t.Errorf("system messages without user = %d, want 1", n)
	}
	if f.gen.CallCount("") != 0 {
		t.Error("completion service must not be called for unknown senders")
	}
}

// lookupFailingStore fails sender lookups the way a dropped connection would.
type lookupFailingStore struct {
	Store
}

func (lookupFailingStore) GetProfileByPhone(context.Context, string) (*models.Profile, error) {
	return nil, errors.New("connection reset by peer")
}

func TestHandle_SenderLookupErrorSendsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeUser(t, "+15550100009")
	h := NewInboundHandler(lookupFailingStore{f.store}, f.gen, f.sender, f.calls, f.catalog, WithClock(f.clock.Now))

	res, err := h.Handle(ctx, InboundMessage{SenderPhone: "+15550100009", MessageText: "morning run done"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != OutcomeLookupFailed || res.Reply != "" {
		t.Errorf("result = %+v", res)
	}
	msg, err := f.store.GetMessage(ctx, res.MessageID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.UserID != "" || msg.Content != "morning run done" {
		t.Errorf("stored message = %+v", msg)
	}
	if len(f.sender.Texts) != 0 {
		t.Errorf("sent %+v, want nothing", f.sender.Texts)
	}
	if f.gen.CallCount("") != 0 {
		t.Error("completion service must not be called when the sender is unknown")
	}
}

func TestHandle_IneligibleUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := testutil.SeedProfile(t, f.store, models.Profile{
		PhoneNumber:        "+15550100001",
		SubscriptionStatus: models.SubscriptionTrial,
		TrialStartDate:     trialStartedAgo(8 * 24 * time.Hour),
	})

	res, err := f.inbound.Handle(ctx, InboundMessage{SenderPhone: "15550100001", MessageText: "hi coach"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != OutcomeInactive || res.UserID != p.ID {
		t.Errorf("result = %+v", res)
	}
	if res.Reply != f.catalog.MustMessage(prompts.Inactive) {
		t.Errorf("reply = %q", res.Reply)
	}
	if f.gen.CallCount("") != 0 {
		t.Error("completion service must not be called for ineligible users")
	}
	if n, _ := f.store.CountMessages(ctx, p.ID, models.MessageTypeUser); n != 1 {
		t.Errorf("user messages = %d, want 1", n)
	}
	if n, _ := f.store.CountMessages(ctx, p.ID, models.MessageTypeSystem); n != 1 {
		t.Errorf("system messages = %d, want 1", n)
	}
}

func TestHandle_Reply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeUser(t, "+15550100002")
	f.gen.Args[ToolSendCoachReply] = `{"message":"Great job on the run!","achievements":[{"type":"milestone","description":"Ran 5k without stopping"}]}`
	f.gen.Args[ToolRateImportance] = `{"important":1}`

	res, err := f.inbound.Handle(ctx, InboundMessage{SenderPhone: "+15550100002", MessageText: "I ran 5k today without stopping", ExternalMessageID: "wamid.1"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != OutcomeReply || res.Reply != "Great job on the run!" {
		t.Errorf("result = %+v", res)
	}
	if len(f.sender.Texts) != 1 || f.sender.Texts[0].To != "+15550100002" {
		t.Errorf("sent = %+v", f.sender.Texts)
	}

	msg, _ := f.store.GetMessage(ctx, res.MessageID)
	if msg.Important != 1 || msg.ExternalID != "wamid.1" {
		t.Errorf("inbound message = %+v", msg)
	}
	achievements, err := f.store.ListAchievements(ctx, p.ID, 10)
	if err != nil || len(achievements) != 1 {
		t.Fatalf("ListAchievements = %+v, %v", achievements, err)
	}
	if achievements[0].Type != models.AchievementTypeMilestone || achievements[0].AchievementDate != "2026-10-21" {
		t.Errorf("achievement = %+v", achievements[0])
	}
	if n, _ := f.store.CountMessages(ctx, p.ID, models.MessageTypeSystem); n != 1 {
		t.Errorf("system messages = %d, want 1", n)
	}

	// The reply prompt carries the system prompt plus the stored history.
	first := f.gen.Calls[0]
	if first.Tool != ToolSendCoachReply || len(first.Messages) != 2 {
		t.Errorf("first completion = %s with %d messages", first.Tool, len(first.Messages))
	}
	if f.gen.CallCount(ToolRateImportance) != 1 {
		t.Errorf("importance calls = %d", f.gen.CallCount(ToolRateImportance))
	}
}

func TestHandle_CompletionFailureSendsApology(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeUser(t, "+15550100003")
	f.gen.Errors[ToolSendCoachReply] = errors.New("upstream timeout")
	f.gen.Errors[ToolRateImportance] = errors.New("upstream timeout")

	res, err := f.inbound.Handle(ctx, InboundMessage{SenderPhone: "+15550100003", MessageText: "are you there"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Reply != f.catalog.MustMessage(prompts.Apology) {
		t.Errorf("reply = %q", res.Reply)
	}
	msg, _ := f.store.GetMessage(ctx, res.MessageID)
	if msg.Important != 0 {
		t.Errorf("importance should default to 0, got %d", msg.Important)
	}
}

func TestHandle_UnparseableReplySendsApology(t *testing.T) {
	f := newFixture(t)
	f.activeUser(t, "+15550100004")
	f.gen.Args[ToolSendCoachReply] = `{"message":""}`

	res, err := f.inbound.Handle(context.Background(), InboundMessage{SenderPhone: "+15550100004", MessageText: "hi"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Reply != f.catalog.MustMessage(prompts.Apology) {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestHandle_CallCommandPlacesCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeUser(t, "+15550100005")
	if err := f.store.InsertMessage(ctx, &models.WhatsAppMessage{UserID: p.ID, Content: "rough week at work", Type: models.MessageTypeUser}); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	f.clock.Advance(time.Minute)

	res, err := f.inbound.Handle(ctx, InboundMessage{SenderPhone: "+15550100005", MessageText: " /CALL "})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != OutcomeCallCommand || res.Call == nil || res.Call.Status != PlacePlaced {
		t.Fatalf("result = %+v (call %+v)", res, res.Call)
	}
	if res.Reply != f.catalog.MustMessage(prompts.CallConfirmation) {
		t.Errorf("reply = %q", res.Reply)
	}
	if f.dispatcher.Count() != 1 {
		t.Fatalf("dispatch count = %d", f.dispatcher.Count())
	}
	req := f.dispatcher.Requests[0]
	if req.CustomerNumber != "+15550100005" {
		t.Errorf("customer number = %q", req.CustomerNumber)
	}
	if !strings.Contains(req.Variables["context"], "User: rough week at work") {
		t.Errorf("context = %q", req.Variables["context"])
	}
	if res.Call.Quota == nil || !res.Call.Quota.Success {
		t.Errorf("quota = %+v", res.Call.Quota)
	}

	call, err := f.store.GetScheduledCall(ctx, res.Call.ScheduledCallID)
	if err != nil {
		t.Fatalf("GetScheduledCall failed: %v", err)
	}
	if call.SpecificDate != "2026-10-21" || call.LocalTime != "12:01" || call.Recurring() {
		t.Errorf("scheduled call = %+v", call)
	}
	log, err := f.store.GetCallLogByVapiID(ctx, res.Call.CallID)
	if err != nil || log.Status != models.CallStatusPending {
		t.Errorf("call log = %+v, %v", log, err)
	}
	if f.gen.CallCount("") != 0 {
		t.Error("call command must not request a coaching reply")
	}
}

func TestHandle_CallCommandWeeklyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeUser(t, "+15550100006")
	f.completedCalls(t, p.ID, 3)

	res, err := f.inbound.Handle(ctx, InboundMessage{SenderPhone: "+15550100006", MessageText: "/call"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Call == nil || res.Call.Status != PlaceQuotaExceeded {
		t.Fatalf("call result = %+v", res.Call)
	}
	want := QuotaResult{Success: false, Reason: ReasonWeeklyLimitExceeded, CurrentCalls: 3, MaxCalls: 3}
	if *res.Call.Quota != want {
		t.Errorf("quota = %+v, want %+v", *res.Call.Quota, want)
	}
	if f.dispatcher.Count() != 0 {
		t.Errorf("dispatch count = %d, want 0", f.dispatcher.Count())
	}
	if !strings.Contains(res.Reply, "3 of your 3 calls") {
		t.Errorf("reply = %q", res.Reply)
	}

	// Repeated refusals must not pile up one-off rows.
	for i := 0; i < 2; i++ {
		if _, err := f.inbound.Handle(ctx, InboundMessage{SenderPhone: "+15550100006", MessageText: "/call"}); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
	}
	calls, err := f.store.ListScheduledCalls(ctx, p.ID)
	if err != nil || len(calls) != 0 {
		t.Errorf("scheduled calls after refusals = %+v, %v", calls, err)
	}
}

func TestHandle_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	h := NewInboundHandler(f.store, f.gen, f.sender, f.calls, f.catalog, WithClock(f.clock.Now), WithDedup(f.store))
	ctx := context.Background()
	p := f.activeUser(t, "+15550100007")
	f.gen.Args[ToolSendCoachReply] = `{"message":"Hello!"}`

	in := InboundMessage{SenderPhone: "+15550100007", MessageText: "hey", ExternalMessageID: "wamid.dup"}
	if res, err := h.Handle(ctx, in); err != nil || res.Outcome != OutcomeReply {
		t.Fatalf("first Handle = %+v, %v", res, err)
	}
	res, err := h.Handle(ctx, in)
	if err != nil || res.Outcome != OutcomeDuplicate {
		t.Fatalf("second Handle = %+v, %v", res, err)
	}
	if n, _ := f.store.CountMessages(ctx, p.ID, models.MessageTypeUser); n != 1 {
		t.Errorf("user messages = %d, want 1", n)
	}
	if len(f.sender.Texts) != 1 {
		t.Errorf("sent %d replies, want 1", len(f.sender.Texts))
	}
}

// failingInsertStore fails every message insert.
type failingInsertStore struct {
	*store.Store
}

func (failingInsertStore) InsertMessage(ctx context.Context, m *models.WhatsAppMessage) error {
	return errors.New("disk full")
}

func TestHandle_PersistFailureReturnsErrorAndForgetsDedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeUser(t, "+15550100008")
	h := NewInboundHandler(failingInsertStore{f.store}, f.gen, f.sender, f.calls, f.catalog, WithClock(f.clock.Now), WithDedup(f.store))

	in := InboundMessage{SenderPhone: "+15550100008", MessageText: "hi", ExternalMessageID: "wamid.retry"}
	if _, err := h.Handle(ctx, in); err == nil {
		t.Fatal("expected persistence error")
	}
	if len(f.sender.Texts) != 0 {
		t.Error("nothing should be sent when the inbound message was not stored")
	}
	// The redelivery must not be treated as a duplicate.
	fresh, err := f.store.RecordInbound(ctx, "wamid.retry", "+15550100008")
	if err != nil || !fresh {
		t.Errorf("RecordInbound after failure = %v, %v", fresh, err)
	}
}

func TestHandleInbound_Adapter(t *testing.T) {
	f := newFixture(t)
	err := f.inbound.HandleInbound(context.Background(), messaging.Inbound{From: "+15550109998", ID: "wamid.x", Text: "hello"})
	if err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if len(f.sender.Texts) != 1 {
		t.Errorf("sent = %+v", f.sender.Texts)
	}
}

func TestTranscriptOf(t *testing.T) {
	msgs := []models.WhatsAppMessage{
		{Content: "Sounds good", Type: models.MessageTypeSystem},
		{Content: "Can we talk?", Type: models.MessageTypeUser},
	}
	want := "User: Can we talk?\nCoach: Sounds good"
	if got := transcriptOf(msgs); got != want {
		t.Errorf("transcriptOf = %q, want %q", got, want)
	}
}
