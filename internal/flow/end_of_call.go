package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/tidwall/gjson"
)

// EndOfCallReportType is the webhook message type carrying a finished call.
const EndOfCallReportType = "end-of-call-report"

var (
	// ErrCallLogNotFound is returned when no call log carries the reported
	// call id.
	ErrCallLogNotFound = errors.New("call log not found")
	// ErrInvalidReport is returned for payloads missing required fields.
	ErrInvalidReport = errors.New("invalid end-of-call report")
)

// missedReasons are the ended reasons that mean nobody talked.
var missedReasons = map[string]bool{
	"customer-did-not-answer": true,
	"customer-busy":           true,
	"voicemail":               true,
	"silence-timed-out":       true,
}

// ClassifyEndedReason maps a gateway ended reason to a call status.
func ClassifyEndedReason(reason string) models.CallStatus {
	if missedReasons[strings.ToLower(strings.TrimSpace(reason))] {
		return models.CallStatusMissed
	}
	return models.CallStatusCompleted
}

// EndOfCallReport is the relevant content of an end-of-call webhook.
type EndOfCallReport struct {
	CallID       string
	EndedReason  string
	Summary      string
	Transcript   string
	RecordingURL string
	Raw          string
}

// ParseCallWebhook extracts the message type and, for end-of-call reports,
// the report. Other message types return a nil report.
func ParseCallWebhook(body []byte) (string, *EndOfCallReport, error) {
	if !gjson.ValidBytes(body) {
		return "", nil, fmt.Errorf("%w: malformed JSON", ErrInvalidReport)
	}
	msg := gjson.GetBytes(body, "message")
	if !msg.IsObject() {
		return "", nil, fmt.Errorf("%w: missing message", ErrInvalidReport)
	}
	typ := msg.Get("type").String()
	if typ == "" {
		return "", nil, fmt.Errorf("%w: missing message.type", ErrInvalidReport)
	}
	if typ != EndOfCallReportType {
		return typ, nil, nil
	}
	r := &EndOfCallReport{
		CallID:       msg.Get("call.id").String(),
		EndedReason:  msg.Get("endedReason").String(),
		Summary:      firstNonEmpty(msg.Get("summary").String(), msg.Get("analysis.summary").String()),
		Transcript:   firstNonEmpty(msg.Get("transcript").String(), msg.Get("artifact.transcript").String()),
		RecordingURL: firstNonEmpty(msg.Get("recordingUrl").String(), msg.Get("artifact.recordingUrl").String()),
		Raw:          string(body),
	}
	if r.CallID == "" {
		return typ, nil, fmt.Errorf("%w: missing message.call.id", ErrInvalidReport)
	}
	return typ, r, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// EndOfCallResult is returned to the gateway on success.
type EndOfCallResult struct {
	CallLogID string            `json:"callLogId"`
	Status    models.CallStatus `json:"status"`
}

// EndOfCallHandler records call outcomes.
type EndOfCallHandler struct {
	store  Store
	sender messaging.Sender
	opts   options
}

// NewEndOfCallHandler creates an EndOfCallHandler. sender may be nil when no
// missed-call follow-up is configured.
func NewEndOfCallHandler(st Store, sender messaging.Sender, opts ...Option) *EndOfCallHandler {
	return &EndOfCallHandler{store: st, sender: sender, opts: buildOptions(opts)}
}

// Handle classifies the report and writes it onto the matching call log in a
// single update. Delivering the same report twice yields the same state.
func (h *EndOfCallHandler) Handle(ctx context.Context, r *EndOfCallReport) (*EndOfCallResult, error) {
	if r == nil || r.CallID == "" {
		return nil, ErrInvalidReport
	}
	log, err := h.store.GetCallLogByVapiID(ctx, r.CallID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("EndOfCallHandler.Handle: unknown call id", "callID", r.CallID)
		return nil, fmt.Errorf("%w: %s", ErrCallLogNotFound, r.CallID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup call log: %w", err)
	}

	status := ClassifyEndedReason(r.EndedReason)
	err = h.store.UpdateCallReport(ctx, log.ID, store.CallReport{
		Status:       status,
		Summary:      r.Summary,
		Transcript:   r.Transcript,
		RecordingURL: r.RecordingURL,
		EndedReason:  r.EndedReason,
		RawResponse:  r.Raw,
	})
	if err != nil {
		return nil, fmt.Errorf("update call log %s: %w", log.ID, err)
	}
	slog.Info("EndOfCallHandler.Handle: call report stored", "callLogID", log.ID, "callID", r.CallID, "status", status, "endedReason", r.EndedReason)

	if status == models.CallStatusMissed && log.Status != models.CallStatusMissed {
		h.notifyMissed(ctx, log.UserID)
	}
	return &EndOfCallResult{CallLogID: log.ID, Status: status}, nil
}

// notifyMissed sends the missed-call template when one is configured.
func (h *EndOfCallHandler) notifyMissed(ctx context.Context, userID string) {
	if h.opts.missedCallTemplate == "" || h.sender == nil {
		return
	}
	p, err := h.store.GetProfile(ctx, userID)
	if err != nil || p.PhoneNumber == "" {
		slog.Warn("EndOfCallHandler.notifyMissed: no contact for user", "userID", userID, "error", err)
		return
	}
	err = h.sender.SendTemplate(ctx, p.PhoneNumber, messaging.Template{
		Name:       h.opts.missedCallTemplate,
		Parameters: []string{orNone(p.FirstName())},
	})
	if err != nil {
		slog.Error("EndOfCallHandler.notifyMissed: template send failed", "userID", userID, "error", err)
	}
}
