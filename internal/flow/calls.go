package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/prompts"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/voice"
)

const (
	// DueWindow is how far either side of now a scheduled call counts as due.
	DueWindow = 10 * time.Minute
	// RefireGuard is the minimum time between two firings of the same row.
	RefireGuard = 20 * time.Minute
	// DefaultWeeklyCallLimit applies to users without a subscription plan.
	DefaultWeeklyCallLimit = 3
)

// ReasonWeeklyLimitExceeded is the refusal reason for an exhausted quota.
const ReasonWeeklyLimitExceeded = "weekly_limit_exceeded"

// PlaceStatus is the outcome of firing one scheduled call.
type PlaceStatus string

const (
	PlacePlaced        PlaceStatus = "placed"
	PlaceSkipped       PlaceStatus = "skipped" // fired recently by another invocation
	PlaceQuotaExceeded PlaceStatus = "quota_exceeded"
	PlaceIneligible    PlaceStatus = "ineligible"
	PlaceFailed        PlaceStatus = "failed"
)

// QuotaResult reports the weekly call quota check.
type QuotaResult struct {
	Success      bool   `json:"success"`
	Reason       string `json:"reason,omitempty"`
	CurrentCalls int    `json:"currentCalls"`
	MaxCalls     int    `json:"maxCalls"`
}

// PlaceOptions controls a single firing.
type PlaceOptions struct {
	EnforceQuota bool
}

// PlaceResult describes what happened to one scheduled call.
type PlaceResult struct {
	ScheduledCallID string       `json:"scheduledCallId"`
	Status          PlaceStatus  `json:"status"`
	CallLogID       string       `json:"callLogId,omitempty"`
	CallID          string       `json:"callId,omitempty"`
	Quota           *QuotaResult `json:"quota,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// RunResult summarises one RunDueCalls tick.
type RunResult struct {
	Due     int           `json:"due"`
	Placed  int           `json:"placed"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Results []PlaceResult `json:"results"`
}

// CallScheduler fires due scheduled calls through the call gateway.
type CallScheduler struct {
	store      Store
	dispatcher voice.CallDispatcher
	catalog    *prompts.Catalog
	opts       options
}

// NewCallScheduler creates a CallScheduler.
func NewCallScheduler(st Store, dispatcher voice.CallDispatcher, catalog *prompts.Catalog, opts ...Option) *CallScheduler {
	return &CallScheduler{store: st, dispatcher: dispatcher, catalog: catalog, opts: buildOptions(opts)}
}

// CheckWeeklyQuota counts the user's completed calls since Monday 00:00 in
// their timezone against their plan's limit.
func (c *CallScheduler) CheckWeeklyQuota(ctx context.Context, p *models.Profile) (*QuotaResult, error) {
	limit := c.opts.weeklyCallLimit
	plan, err := c.store.GetPlanForUser(ctx, p.ID)
	switch {
	case err == nil && plan.MaxCallsPerWeek > 0:
		limit = plan.MaxCallsPerWeek
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load plan: %w", err)
	}

	weekStart := models.StartOfWeek(c.opts.clock(), p.Location())
	count, err := c.store.CountCompletedCallsSince(ctx, p.ID, weekStart)
	if err != nil {
		return nil, fmt.Errorf("count calls: %w", err)
	}
	res := &QuotaResult{Success: count < limit, CurrentCalls: count, MaxCalls: limit}
	if !res.Success {
		res.Reason = ReasonWeeklyLimitExceeded
	}
	slog.Debug("CallScheduler.CheckWeeklyQuota", "userID", p.ID, "week_start", weekStart, "current", count, "max", limit)
	return res, nil
}

// RunDueCalls fires every scheduled call whose execution timestamp lies within
// DueWindow of now. A failing row does not stop the others; their errors are
// joined into the returned error.
func (c *CallScheduler) RunDueCalls(ctx context.Context) (*RunResult, error) {
	now := c.opts.clock().UTC()
	due, err := c.store.DueScheduledCalls(ctx, now.Add(-DueWindow), now.Add(DueWindow))
	if err != nil {
		return nil, fmt.Errorf("select due calls: %w", err)
	}
	slog.Info("CallScheduler.RunDueCalls: due calls selected", "count", len(due), "now", now)

	result := &RunResult{Due: len(due), Results: make([]PlaceResult, 0, len(due))}
	var errs []error
	for i := range due {
		res, err := c.fire(ctx, &due[i], PlaceOptions{})
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduled call %s: %w", due[i].ID, err))
		}
		if res == nil {
			res = &PlaceResult{ScheduledCallID: due[i].ID, Status: PlaceFailed, Error: err.Error()}
		}
		switch res.Status {
		case PlacePlaced:
			result.Placed++
		case PlaceFailed:
			result.Failed++
		default:
			result.Skipped++
		}
		result.Results = append(result.Results, *res)
	}
	return result, errors.Join(errs...)
}

// PlaceScheduledCall fires one scheduled call by id.
func (c *CallScheduler) PlaceScheduledCall(ctx context.Context, id string, opts PlaceOptions) (*PlaceResult, error) {
	call, err := c.store.GetScheduledCall(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load scheduled call %s: %w", id, err)
	}
	return c.fire(ctx, call, opts)
}

// RequestCall creates a one-off call for the current local minute and places
// it with the weekly quota enforced. An empty templateID uses the configured
// on-demand template. Refused requests leave no scheduled call behind.
func (c *CallScheduler) RequestCall(ctx context.Context, p *models.Profile, templateID, callContext string) (*PlaceResult, error) {
	if templateID == "" {
		templateID = c.opts.onDemandTemplateID
	}
	now := c.opts.clock()
	if !p.EligibleForService(now.UTC()) {
		slog.Info("CallScheduler.RequestCall: user not eligible", "userID", p.ID, "state", p.ServiceState(now.UTC()))
		return &PlaceResult{Status: PlaceIneligible}, nil
	}
	quota, err := c.CheckWeeklyQuota(ctx, p)
	if err != nil {
		return nil, err
	}
	if !quota.Success {
		slog.Info("CallScheduler.RequestCall: weekly limit reached", "userID", p.ID, "current", quota.CurrentCalls, "max", quota.MaxCalls)
		return &PlaceResult{Status: PlaceQuotaExceeded, Quota: quota}, nil
	}

	local := now.In(p.Location())
	call := &models.ScheduledCall{
		UserID:       p.ID,
		SpecificDate: local.Format(models.DateLayout),
		LocalTime:    local.Format("15:04"),
		TemplateID:   templateID,
		Context:      truncate(callContext, models.MaxContextLength),
	}
	if err := c.store.InsertScheduledCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create on-demand call: %w", err)
	}
	slog.Info("CallScheduler.RequestCall: on-demand call created", "userID", p.ID, "scheduledCallID", call.ID)
	res, err := c.fire(ctx, call, PlaceOptions{EnforceQuota: true})
	if res == nil || res.Status != PlacePlaced {
		// Failed call logs keep their error; the FK nulls their scheduled_call_id.
		if derr := c.store.DeleteScheduledCall(ctx, p.ID, call.ID); derr != nil {
			slog.Error("CallScheduler.RequestCall: failed to discard unplaced call", "scheduledCallID", call.ID, "error", derr)
		}
	}
	return res, err
}

func (c *CallScheduler) fire(ctx context.Context, call *models.ScheduledCall, opts PlaceOptions) (*PlaceResult, error) {
	res := &PlaceResult{ScheduledCallID: call.ID}
	fail := func(err error) (*PlaceResult, error) {
		res.Status = PlaceFailed
		res.Error = err.Error()
		if rerr := c.store.RecordScheduledCallError(ctx, call.ID, err.Error()); rerr != nil {
			slog.Error("CallScheduler.fire: failed to record error", "scheduledCallID", call.ID, "error", rerr)
		}
		return res, err
	}

	profile, err := c.store.GetProfile(ctx, call.UserID)
	if err != nil {
		return fail(fmt.Errorf("load profile: %w", err))
	}
	now := c.opts.clock().UTC()
	if !profile.EligibleForService(now) {
		slog.Info("CallScheduler.fire: user not eligible, skipping", "scheduledCallID", call.ID, "userID", profile.ID, "state", profile.ServiceState(now))
		res.Status = PlaceIneligible
		return res, nil
	}

	if opts.EnforceQuota {
		quota, err := c.CheckWeeklyQuota(ctx, profile)
		if err != nil {
			return fail(err)
		}
		res.Quota = quota
		if !quota.Success {
			slog.Info("CallScheduler.fire: weekly limit reached", "userID", profile.ID, "current", quota.CurrentCalls, "max", quota.MaxCalls)
			res.Status = PlaceQuotaExceeded
			return res, nil
		}
	}

	req, err := c.buildRequest(ctx, call, profile)
	if err != nil {
		return fail(err)
	}

	next, err := nextExecution(call, profile.Location(), now)
	if err != nil {
		return fail(err)
	}
	claimed, err := c.store.ClaimScheduledCall(ctx, call.ID, RefireGuard, next)
	if err != nil {
		return fail(fmt.Errorf("claim: %w", err))
	}
	if !claimed {
		slog.Debug("CallScheduler.fire: fired recently, skipping", "scheduledCallID", call.ID)
		res.Status = PlaceSkipped
		return res, nil
	}

	placed, err := c.dispatcher.Dispatch(ctx, req)
	if err != nil {
		log := &models.CallLog{
			ScheduledCallID: call.ID,
			UserID:          profile.ID,
			Status:          models.CallStatusFailed,
			ErrorMessage:    err.Error(),
		}
		if lerr := c.store.InsertCallLog(ctx, log); lerr != nil {
			slog.Error("CallScheduler.fire: failed to insert failed call log", "scheduledCallID", call.ID, "error", lerr)
		} else {
			res.CallLogID = log.ID
		}
		slog.Error("CallScheduler.fire: dispatch failed", "scheduledCallID", call.ID, "userID", profile.ID, "error", err)
		return fail(err)
	}

	log := &models.CallLog{
		ScheduledCallID: call.ID,
		UserID:          profile.ID,
		VapiCallID:      placed.CallID,
		Status:          models.CallStatusPending,
	}
	if err := c.store.InsertCallLog(ctx, log); err != nil {
		// The call is already ringing; the end-of-call report will 404.
		slog.Error("CallScheduler.fire: failed to insert call log", "scheduledCallID", call.ID, "callID", placed.CallID, "error", err)
		res.Status = PlacePlaced
		res.CallID = placed.CallID
		return res, fmt.Errorf("insert call log: %w", err)
	}
	slog.Info("CallScheduler.fire: call placed", "scheduledCallID", call.ID, "userID", profile.ID, "callID", placed.CallID, "dry_run", placed.DryRun)
	res.Status = PlacePlaced
	res.CallID = placed.CallID
	res.CallLogID = log.ID
	return res, nil
}

// nextExecution is the execution timestamp to store once the call fires:
// the next weekly occurrence after both now and the current slot for
// recurring calls, nil for one-off calls.
func nextExecution(call *models.ScheduledCall, loc *time.Location, now time.Time) (*time.Time, error) {
	if !call.Recurring() {
		return nil, nil
	}
	hour, minute, err := models.ParseLocalTime(call.LocalTime)
	if err != nil {
		return nil, err
	}
	after := now
	if call.ExecutionTimestamp != nil && call.ExecutionTimestamp.After(after) {
		after = *call.ExecutionTimestamp
	}
	next := models.NextWeeklyOccurrence(*call.Weekday, hour, minute, loc, after).UTC()
	return &next, nil
}

// scriptVars are the placeholders available to call scripts.
func scriptVars(p *models.Profile, persona *models.Persona, call *models.ScheduledCall, now time.Time) map[string]string {
	local := now.In(p.Location())
	return map[string]string{
		"name":           orNone(p.FullName),
		"first_name":     orNone(p.FirstName()),
		"assistant_name": persona.Name,
		"personality":    orNone(persona.Personality),
		"user_summary":   orNone(p.UserSummary),
		"objectives":     orNone(p.Objectives),
		"context":        orNone(call.Context),
		"local_date":     local.Format(models.DateLayout),
		"local_time":     local.Format("15:04"),
		"weekday":        local.Weekday().String(),
	}
}

// buildRequest resolves template, persona and contact into a gateway request.
func (c *CallScheduler) buildRequest(ctx context.Context, call *models.ScheduledCall, p *models.Profile) (voice.CallRequest, error) {
	if p.PhoneNumber == "" {
		return voice.CallRequest{}, fmt.Errorf("user %s has no phone number", p.ID)
	}
	persona := resolvePersona(ctx, c.store, p.ID)
	vars := scriptVars(p, persona, call, c.opts.clock())

	var script string
	if call.TemplateID != "" {
		tmpl, err := c.store.GetTemplate(ctx, call.TemplateID)
		switch {
		case err == nil:
			script, err = prompts.RenderStrict(tmpl.Content, vars)
			if err != nil {
				return voice.CallRequest{}, fmt.Errorf("template %s: %w", call.TemplateID, err)
			}
		case errors.Is(err, store.ErrNotFound):
			slog.Warn("CallScheduler.buildRequest: template not found, using default script", "templateID", call.TemplateID)
		default:
			return voice.CallRequest{}, fmt.Errorf("load template: %w", err)
		}
	}
	if script == "" {
		var err error
		script, err = c.catalog.Prompt(prompts.DefaultCallScript, vars)
		if err != nil {
			return voice.CallRequest{}, err
		}
	}

	var firstMessage string
	var err error
	if persona.FirstMessage != "" {
		firstMessage, err = prompts.RenderStrict(persona.FirstMessage, vars)
	} else {
		firstMessage, err = c.catalog.Prompt(prompts.FirstMessage, vars)
	}
	if err != nil {
		return voice.CallRequest{}, fmt.Errorf("first message: %w", err)
	}

	vars["call_script"] = script
	vars["user_id"] = p.ID
	vars["scheduled_call_id"] = call.ID
	return voice.CallRequest{
		AssistantID:        persona.VoiceAssistantID,
		CustomerNumber:     p.PhoneNumber,
		Variables:          vars,
		MaxDurationSeconds: persona.MaxDurationSeconds,
		FirstMessage:       firstMessage,
	}, nil
}
