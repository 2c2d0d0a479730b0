package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/prompts"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/openai/openai-go"
)

const (
	// CallCommand requests an immediate call.
	CallCommand = "/call"
	// HistoryLimit is how many messages are included in the reply prompt.
	HistoryLimit = 20
	// CallContextLimit is how many messages are attached to a "/call" request.
	CallContextLimit = 5
)

// InboundOutcome names the branch an inbound message took.
type InboundOutcome string

const (
	OutcomeDuplicate     InboundOutcome = "duplicate"
	OutcomeNotRegistered InboundOutcome = "not_registered"
	OutcomeLookupFailed  InboundOutcome = "lookup_failed"
	OutcomeInactive      InboundOutcome = "inactive"
	OutcomeCallCommand   InboundOutcome = "call_command"
	OutcomeReply         InboundOutcome = "reply"
)

// InboundMessage is one message delivered by the messaging webhook.
type InboundMessage struct {
	SenderPhone       string
	MessageText       string
	ExternalMessageID string
}

// InboundResult reports what the handler did.
type InboundResult struct {
	Outcome   InboundOutcome `json:"outcome"`
	UserID    string         `json:"userId,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Reply     string         `json:"-"`
	Call      *PlaceResult   `json:"call,omitempty"`
}

// InboundHandler answers inbound WhatsApp messages.
type InboundHandler struct {
	store   Store
	genai   genai.ClientInterface
	sender  messaging.Sender
	calls   *CallScheduler
	catalog *prompts.Catalog
	opts    options
}

// NewInboundHandler creates an InboundHandler.
func NewInboundHandler(st Store, gen genai.ClientInterface, sender messaging.Sender, calls *CallScheduler, catalog *prompts.Catalog, opts ...Option) *InboundHandler {
	return &InboundHandler{store: st, genai: gen, sender: sender, calls: calls, catalog: catalog, opts: buildOptions(opts)}
}

// HandleInbound adapts Handle to messaging.InboundFunc for push providers.
func (h *InboundHandler) HandleInbound(ctx context.Context, in messaging.Inbound) error {
	_, err := h.Handle(ctx, InboundMessage{SenderPhone: in.From, MessageText: in.Text, ExternalMessageID: in.ID})
	return err
}

// Handle processes one inbound message. The message is persisted before any
// other step; an error is returned only when that persistence fails, so the
// provider redelivers.
func (h *InboundHandler) Handle(ctx context.Context, in InboundMessage) (*InboundResult, error) {
	if dup := h.isDuplicate(ctx, in); dup {
		slog.Info("InboundHandler.Handle: duplicate delivery ignored", "externalID", in.ExternalMessageID)
		return &InboundResult{Outcome: OutcomeDuplicate}, nil
	}

	profile, lookupErr := h.store.GetProfileByPhone(ctx, in.SenderPhone)
	if errors.Is(lookupErr, store.ErrNotFound) {
		lookupErr = nil
	}
	if lookupErr != nil {
		// Persist the message unattributed rather than lose it.
		slog.Error("InboundHandler.Handle: sender lookup failed", "from", in.SenderPhone, "error", lookupErr)
		profile = nil
	}

	msg := &models.WhatsAppMessage{
		Content:    truncate(in.MessageText, models.MaxMessageLength),
		Type:       models.MessageTypeUser,
		ExternalID: in.ExternalMessageID,
	}
	if profile != nil {
		msg.UserID = profile.ID
	}
	if err := h.store.InsertMessage(ctx, msg); err != nil {
		h.forget(ctx, in)
		return nil, fmt.Errorf("persist inbound message: %w", err)
	}
	res := &InboundResult{MessageID: msg.ID}

	now := h.opts.clock()
	if lookupErr != nil {
		// The sender may be a paying user; no reply beats a wrong one.
		res.Outcome = OutcomeLookupFailed
		return res, nil
	}
	if profile == nil {
		slog.Info("InboundHandler.Handle: unknown sender", "from", in.SenderPhone)
		res.Outcome = OutcomeNotRegistered
		res.Reply = h.catalog.MustMessage(prompts.NotRegistered)
		h.sendAndRecord(ctx, "", in.SenderPhone, res.Reply)
		return res, nil
	}
	res.UserID = profile.ID
	if !profile.EligibleForService(now) {
		slog.Info("InboundHandler.Handle: sender not eligible", "userID", profile.ID, "state", profile.ServiceState(now))
		res.Outcome = OutcomeInactive
		res.Reply = h.catalog.MustMessage(prompts.Inactive)
		h.sendAndRecord(ctx, profile.ID, in.SenderPhone, res.Reply)
		return res, nil
	}

	if strings.EqualFold(strings.TrimSpace(in.MessageText), CallCommand) {
		res.Outcome = OutcomeCallCommand
		res.Call, res.Reply = h.handleCallCommand(ctx, profile)
		h.sendAndRecord(ctx, profile.ID, in.SenderPhone, res.Reply)
		return res, nil
	}

	res.Outcome = OutcomeReply
	res.Reply = h.generateReply(ctx, profile)
	h.rateImportance(ctx, profile.ID, msg.Content)
	h.sendAndRecord(ctx, profile.ID, in.SenderPhone, res.Reply)
	return res, nil
}

func (h *InboundHandler) isDuplicate(ctx context.Context, in InboundMessage) bool {
	if h.opts.dedup == nil || in.ExternalMessageID == "" {
		return false
	}
	fresh, err := h.opts.dedup.RecordInbound(ctx, in.ExternalMessageID, in.SenderPhone)
	if err != nil {
		slog.Warn("InboundHandler.isDuplicate: dedup check failed, processing anyway", "externalID", in.ExternalMessageID, "error", err)
		return false
	}
	return !fresh
}

func (h *InboundHandler) forget(ctx context.Context, in InboundMessage) {
	if h.opts.dedup == nil || in.ExternalMessageID == "" {
		return
	}
	if err := h.opts.dedup.ForgetInbound(ctx, in.ExternalMessageID); err != nil {
		slog.Error("InboundHandler.forget: failed to clear dedup record", "externalID", in.ExternalMessageID, "error", err)
	}
}

// sendAndRecord delivers text and stores it as a system message whether or
// not delivery succeeded.
func (h *InboundHandler) sendAndRecord(ctx context.Context, userID, to, text string) {
	if text == "" {
		return
	}
	if err := h.sender.SendText(ctx, to, text); err != nil {
		slog.Error("InboundHandler.sendAndRecord: delivery failed", "to", to, "error", err)
	}
	if err := h.store.InsertMessage(ctx, &models.WhatsAppMessage{UserID: userID, Content: text, Type: models.MessageTypeSystem}); err != nil {
		slog.Error("InboundHandler.sendAndRecord: failed to persist reply", "userID", userID, "error", err)
	}
}

// handleCallCommand creates a one-off call for now and places it with the
// weekly quota enforced. It returns the placement result and the text to send.
func (h *InboundHandler) handleCallCommand(ctx context.Context, p *models.Profile) (*PlaceResult, string) {
	failed := h.catalog.MustMessage(prompts.CallFailed)

	recent, err := h.store.RecentMessages(ctx, p.ID, CallContextLimit)
	if err != nil {
		slog.Warn("InboundHandler.handleCallCommand: failed to load context", "userID", p.ID, "error", err)
	}
	res, err := h.calls.RequestCall(ctx, p, h.opts.onDemandTemplateID, transcriptOf(recent))
	if err != nil {
		slog.Error("InboundHandler.handleCallCommand: call placement failed", "userID", p.ID, "error", err)
		return res, failed
	}
	switch res.Status {
	case PlacePlaced:
		return res, h.catalog.MustMessage(prompts.CallConfirmation)
	case PlaceQuotaExceeded:
		text, err := h.catalog.Message(prompts.WeeklyLimitExceeded, map[string]string{
			"current": strconv.Itoa(res.Quota.CurrentCalls),
			"max":     strconv.Itoa(res.Quota.MaxCalls),
		})
		if err != nil {
			slog.Error("InboundHandler.handleCallCommand: render failed", "error", err)
			return res, failed
		}
		return res, text
	default:
		return res, failed
	}
}

// transcriptOf renders messages (newest first) as chronological lines.
func transcriptOf(newestFirst []models.WhatsAppMessage) string {
	var b strings.Builder
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		who := "User"
		if m.Type == models.MessageTypeSystem {
			who = "Coach"
		}
		b.WriteString(who)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// generateReply asks the completion service for a coaching reply, stores any
// achievements and returns the reply text. Every failure degrades to the
// apology text.
func (h *InboundHandler) generateReply(ctx context.Context, p *models.Profile) string {
	apology := h.catalog.MustMessage(prompts.Apology)
	now := h.opts.clock()
	persona := resolvePersona(ctx, h.store, p.ID)
	today := models.LocalDate(now, p.Location())

	system, err := h.catalog.Prompt(prompts.CoachReply, map[string]string{
		"assistant_name": persona.Name,
		"personality":    persona.Personality,
		"user_name":      orNone(p.FirstName()),
		"user_summary":   orNone(p.UserSummary),
		"objectives":     orNone(p.Objectives),
		"today":          today,
	})
	if err != nil {
		slog.Error("InboundHandler.generateReply: prompt render failed", "error", err)
		return apology
	}

	history, err := h.store.RecentMessages(ctx, p.ID, HistoryLimit)
	if err != nil {
		slog.Error("InboundHandler.generateReply: failed to load history", "userID", p.ID, "error", err)
		return apology
	}
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == models.MessageTypeSystem {
			messages = append(messages, openai.AssistantMessage(history[i].Content))
		} else {
			messages = append(messages, openai.UserMessage(history[i].Content))
		}
	}

	args, err := h.genai.GenerateWithTool(ctx, messages, coachReplyTool())
	if err != nil {
		slog.Error("InboundHandler.generateReply: completion failed", "userID", p.ID, "error", err)
		return apology
	}
	reply, ok := ParseCoachReply(args)
	if !ok {
		slog.Warn("InboundHandler.generateReply: unparseable reply, using apology", "userID", p.ID, "args_length", len(args))
		return apology
	}

	if err := insertAchievements(ctx, h.store, p.ID, today, reply.Achievements); err != nil {
		slog.Error("InboundHandler.generateReply: some achievements were not stored", "userID", p.ID, "error", err)
	}
	return reply.Message
}

// rateImportance flags the inbound message when the classifier says it holds
// durable personal information. Failures leave the default of 0.
func (h *InboundHandler) rateImportance(ctx context.Context, userID, content string) {
	system, err := h.catalog.Prompt(prompts.Importance, nil)
	if err != nil {
		slog.Error("InboundHandler.rateImportance: prompt render failed", "error", err)
		return
	}
	args, err := h.genai.GenerateWithTool(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(content),
	}, importanceTool())
	if err != nil {
		slog.Warn("InboundHandler.rateImportance: completion failed, defaulting to 0", "userID", userID, "error", err)
		return
	}
	important := ParseImportance(args)
	if important == 0 {
		return
	}
	updated, err := h.store.MarkLatestMessageImportant(ctx, userID, content, important)
	if err != nil {
		slog.Error("InboundHandler.rateImportance: update failed", "userID", userID, "error", err)
		return
	}
	slog.Debug("InboundHandler.rateImportance: message flagged", "userID", userID, "updated", updated)
}

// insertAchievements stores each achievement independently and joins the
// failures.
func insertAchievements(ctx context.Context, st Store, userID, date string, list []ExtractedAchievement) error {
	var errs []error
	for _, a := range list {
		err := st.InsertAchievement(ctx, &models.Achievement{
			UserID:          userID,
			Type:            a.Type,
			Description:     a.Description,
			AchievementDate: date,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("achievement %q: %w", a.Description, err))
		}
	}
	return errors.Join(errs...)
}
