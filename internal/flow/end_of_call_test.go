package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

func TestClassifyEndedReason(t *testing.T) {
	tests := map[string]models.CallStatus{
		"customer-did-not-answer": models.CallStatusMissed,
		"customer-busy":           models.CallStatusMissed,
		"Voicemail":               models.CallStatusMissed,
		"silence-timed-out":       models.CallStatusMissed,
		"customer-ended-call":     models.CallStatusCompleted,
		"assistant-ended-call":    models.CallStatusCompleted,
		"":                        models.CallStatusCompleted,
	}
	for reason, want := range tests {
		if got := ClassifyEndedReason(reason); got != want {
			t.Errorf("ClassifyEndedReason(%q) = %s, want %s", reason, got, want)
		}
	}
}

func TestParseCallWebhook(t *testing.T) {
	t.Run("end of call report", func(t *testing.T) {
		body := []byte(`{"message":{"type":"end-of-call-report","endedReason":"customer-ended-call",
			"call":{"id":"call_123"},"analysis":{"summary":"Talked about sleep."},
			"artifact":{"transcript":"AI: Hi\nUser: Hello","recordingUrl":"https://rec.example/1.wav"}}}`)
		typ, r, err := ParseCallWebhook(body)
		if err != nil {
			t.Fatalf("ParseCallWebhook failed: %v", err)
		}
		if typ != EndOfCallReportType || r == nil {
			t.Fatalf("type = %q report = %+v", typ, r)
		}
		if r.CallID != "call_123" || r.Summary != "Talked about sleep." || r.RecordingURL != "https://rec.example/1.wav" {
			t.Errorf("report = %+v", r)
		}
		if r.Transcript != "AI: Hi\nUser: Hello" || r.Raw != string(body) {
			t.Errorf("transcript/raw not captured: %+v", r)
		}
	})

	t.Run("other message type", func(t *testing.T) {
		typ, r, err := ParseCallWebhook([]byte(`{"message":{"type":"status-update","status":"ringing"}}`))
		if err != nil || typ != "status-update" || r != nil {
			t.Errorf("got %q, %+v, %v", typ, r, err)
		}
	})

	for name, body := range map[string]string{
		"malformed":       `{"message":`,
		"missing message": `{"type":"end-of-call-report"}`,
		"missing type":    `{"message":{}}`,
		"missing call id": `{"message":{"type":"end-of-call-report","call":{}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, _, err := ParseCallWebhook([]byte(body)); !errors.Is(err, ErrInvalidReport) {
				t.Errorf("expected ErrInvalidReport, got %v", err)
			}
		})
	}
}

func TestEndOfCallHandler_CompletedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeUser(t, "+15550102000")
	log := &models.CallLog{UserID: p.ID, VapiCallID: "call_done"}
	if err := f.store.InsertCallLog(ctx, log); err != nil {
		t.Fatalf("InsertCallLog failed: %v", err)
	}

	report := &EndOfCallReport{CallID: "call_done", EndedReason: "customer-ended-call", Summary: "Planned three runs.", Transcript: "AI: hi", Raw: `{}`}
	for i := 0; i < 2; i++ {
		res, err := f.endOfCall.Handle(ctx, report)
		if err != nil {
			t.Fatalf("Handle #%d failed: %v", i+1, err)
		}
		if res.CallLogID != log.ID || res.Status != models.CallStatusCompleted {
			t.Errorf("Handle #%d = %+v", i+1, res)
		}
	}
	got, _ := f.store.GetCallLog(ctx, log.ID)
	if got.Status != models.CallStatusCompleted || got.CallSummary != "Planned three runs." || got.CallTranscript != "AI: hi" {
		t.Errorf("call log = %+v", got)
	}
	if len(f.sender.Templates) != 0 {
		t.Error("completed calls must not trigger a missed-call message")
	}
}

func TestEndOfCallHandler_MissedNotifiesOnce(t *testing.T) {
	f := newFixture(t, WithMissedCallTemplate("missed_call"))
	ctx := context.Background()
	p := f.activeUser(t, "+15550102001")
	log := &models.CallLog{UserID: p.ID, VapiCallID: "call_missed"}
	if err := f.store.InsertCallLog(ctx, log); err != nil {
		t.Fatalf("InsertCallLog failed: %v", err)
	}

	report := &EndOfCallReport{CallID: "call_missed", EndedReason: "customer-did-not-answer"}
	for i := 0; i < 2; i++ {
		res, err := f.endOfCall.Handle(ctx, report)
		if err != nil || res.Status != models.CallStatusMissed {
			t.Fatalf("Handle #%d = %+v, %v", i+1, res, err)
		}
	}
	if len(f.sender.Templates) != 1 {
		t.Fatalf("templates sent = %d, want 1", len(f.sender.Templates))
	}
	sent := f.sender.Templates[0]
	if sent.To != "+15550102001" || sent.Template.Name != "missed_call" || len(sent.Template.Parameters) != 1 || sent.Template.Parameters[0] != "Ana" {
		t.Errorf("template = %+v", sent)
	}
}

func TestEndOfCallHandler_UnknownCall(t *testing.T) {
	f := newFixture(t)
	_, err := f.endOfCall.Handle(context.Background(), &EndOfCallReport{CallID: "call_nope", EndedReason: "customer-ended-call"})
	if !errors.Is(err, ErrCallLogNotFound) {
		t.Errorf("expected ErrCallLogNotFound, got %v", err)
	}
	if _, err := f.endOfCall.Handle(context.Background(), nil); !errors.Is(err, ErrInvalidReport) {
		t.Errorf("expected ErrInvalidReport for nil report, got %v", err)
	}
}
