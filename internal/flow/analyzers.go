package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/prompts"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/openai/openai-go"
)

const (
	// MessageBatchSize is how many important messages are claimed per user.
	MessageBatchSize = 40
	// MinMessageBatch is the fewest claimed messages worth summarizing.
	MinMessageBatch = 5
	// CallBatchSize bounds the call logs processed per pass.
	CallBatchSize = 25
	// KnownAchievementsLimit is how many prior achievements the extraction
	// prompt lists.
	KnownAchievementsLimit = 30
	// MaxTranscriptLength bounds the transcript text sent to the model.
	MaxTranscriptLength = 12000
)

// PassResult counts the rows one analyzer pass touched.
type PassResult struct {
	Kind       store.LeaseKind `json:"kind"`
	Swept      int64           `json:"swept"`
	Candidates int             `json:"candidates"`
	Claimed    int             `json:"claimed"`
	Processed  int             `json:"processed"`
	Released   int             `json:"released"`
}

// Analyzer runs the derived-state batch passes.
type Analyzer struct {
	store   Store
	genai   genai.ClientInterface
	catalog *prompts.Catalog
	opts    options
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(st Store, gen genai.ClientInterface, catalog *prompts.Catalog, opts ...Option) *Analyzer {
	return &Analyzer{store: st, genai: gen, catalog: catalog, opts: buildOptions(opts)}
}

// RunAll runs every pass in sequence. A failing pass does not stop the rest.
func (a *Analyzer) RunAll(ctx context.Context) ([]PassResult, error) {
	passes := []func(context.Context) (*PassResult, error){
		a.RunAchievementPass,
		a.RunCallSummaryPass,
		a.RunFocusAreaPass,
		a.RunMessageSummaryPass,
	}
	var results []PassResult
	var errs []error
	for _, pass := range passes {
		res, err := pass(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	return results, errors.Join(errs...)
}

// RunAchievementPass extracts achievements from summarized calls.
func (a *Analyzer) RunAchievementPass(ctx context.Context) (*PassResult, error) {
	return a.runCallPass(ctx, store.LeaseCallAchievements, a.extractAchievements)
}

// RunCallSummaryPass folds call content into the user's rolling summary.
func (a *Analyzer) RunCallSummaryPass(ctx context.Context) (*PassResult, error) {
	return a.runCallPass(ctx, store.LeaseCallSummary, a.summarizeCall)
}

// RunFocusAreaPass refreshes the user's focus areas from call content.
func (a *Analyzer) RunFocusAreaPass(ctx context.Context) (*PassResult, error) {
	return a.runCallPass(ctx, store.LeaseCallKeywords, a.refreshFocusAreas)
}

// runCallPass sweeps stale claims, then claims, processes and completes (or
// releases) each candidate call log.
func (a *Analyzer) runCallPass(ctx context.Context, kind store.LeaseKind, process func(context.Context, *models.CallLog) error) (*PassResult, error) {
	res := &PassResult{Kind: kind}
	swept, err := a.store.SweepStaleLeases(ctx, kind)
	if err != nil {
		return res, fmt.Errorf("%s pass: %w", kind, err)
	}
	res.Swept = swept

	candidates, err := a.store.CallLogCandidates(ctx, kind, CallBatchSize)
	if err != nil {
		return res, fmt.Errorf("%s pass: %w", kind, err)
	}
	res.Candidates = len(candidates)

	var errs []error
	for i := range candidates {
		log := &candidates[i]
		lease, ok, err := a.store.ClaimLease(ctx, kind, log.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		res.Claimed++

		if err := process(ctx, log); err != nil {
			slog.Error("Analyzer.runCallPass: processing failed, releasing claim", "kind", kind, "callLogID", log.ID, "error", err)
			if rerr := a.store.ReleaseLease(ctx, lease); rerr != nil {
				errs = append(errs, rerr)
			}
			res.Released++
			errs = append(errs, fmt.Errorf("call log %s: %w", log.ID, err))
			continue
		}
		if err := a.store.CompleteLease(ctx, lease); err != nil {
			errs = append(errs, fmt.Errorf("complete %s: %w", log.ID, err))
			continue
		}
		res.Processed++
	}
	slog.Info("Analyzer.runCallPass: pass finished", "kind", kind, "swept", res.Swept, "candidates", res.Candidates, "claimed", res.Claimed, "processed", res.Processed, "released", res.Released)
	return res, errors.Join(errs...)
}

func callContent(log *models.CallLog) string {
	var b strings.Builder
	b.WriteString("Call summary:\n")
	b.WriteString(orNone(log.CallSummary))
	if log.CallTranscript != "" {
		b.WriteString("\n\nTranscript:\n")
		b.WriteString(truncate(log.CallTranscript, MaxTranscriptLength))
	}
	return b.String()
}

func (a *Analyzer) extractAchievements(ctx context.Context, log *models.CallLog) error {
	p, err := a.store.GetProfile(ctx, log.UserID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	known, err := a.store.ListAchievements(ctx, p.ID, KnownAchievementsLimit)
	if err != nil {
		return fmt.Errorf("load achievements: %w", err)
	}
	var lines []string
	for _, k := range known {
		lines = append(lines, fmt.Sprintf("- [%s] %s", k.Type, k.Description))
	}
	today := models.LocalDate(a.opts.clock(), p.Location())
	system, err := a.catalog.Prompt(prompts.Achievements, map[string]string{
		"user_name":          orNone(p.FirstName()),
		"known_achievements": orNone(strings.Join(lines, "\n")),
		"today":              today,
	})
	if err != nil {
		return err
	}
	args, err := a.genai.GenerateWithTool(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(callContent(log)),
	}, achievementsTool())
	if err != nil {
		return err
	}
	found := ParseAchievements(args)
	if err := insertAchievements(ctx, a.store, p.ID, today, found); err != nil {
		// Partial failures are logged; the call still counts as processed.
		slog.Error("Analyzer.extractAchievements: some achievements were not stored", "callLogID", log.ID, "error", err)
	}
	slog.Debug("Analyzer.extractAchievements: achievements extracted", "callLogID", log.ID, "count", len(found))
	return nil
}

func (a *Analyzer) summarizeCall(ctx context.Context, log *models.CallLog) error {
	p, err := a.store.GetProfile(ctx, log.UserID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	return a.reviseSummary(ctx, p, prompts.Summary, callContent(log))
}

// reviseSummary asks for a revised summary and stores it unless empty.
func (a *Analyzer) reviseSummary(ctx context.Context, p *models.Profile, promptName, content string) error {
	system, err := a.catalog.Prompt(promptName, map[string]string{
		"user_name":    orNone(p.FirstName()),
		"user_summary": orNone(p.UserSummary),
	})
	if err != nil {
		return err
	}
	args, err := a.genai.GenerateWithTool(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(content),
	}, summaryTool())
	if err != nil {
		return err
	}
	summary, ok := ParseSummary(args)
	if !ok {
		slog.Warn("Analyzer.reviseSummary: unparseable result, leaving summary unchanged", "userID", p.ID)
		return nil
	}
	if summary == "" {
		slog.Debug("Analyzer.reviseSummary: no update needed", "userID", p.ID)
		return nil
	}
	if err := a.store.UpdateUserSummary(ctx, p.ID, summary); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	slog.Info("Analyzer.reviseSummary: summary updated", "userID", p.ID, "length", len(summary))
	return nil
}

func (a *Analyzer) refreshFocusAreas(ctx context.Context, log *models.CallLog) error {
	p, err := a.store.GetProfile(ctx, log.UserID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	current := p.FocusAreas
	if current == nil {
		current = []models.FocusArea{}
	}
	encoded, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode focus areas: %w", err)
	}
	system, err := a.catalog.Prompt(prompts.FocusAreas, map[string]string{
		"user_name":   orNone(p.FirstName()),
		"focus_areas": string(encoded),
	})
	if err != nil {
		return err
	}
	args, err := a.genai.GenerateWithTool(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(callContent(log)),
	}, focusAreasTool())
	if err != nil {
		return err
	}
	areas := ParseFocusAreas(args)
	if len(areas) == 0 {
		slog.Debug("Analyzer.refreshFocusAreas: empty result, keeping current areas", "userID", p.ID)
		return nil
	}
	if err := a.store.UpdateFocusAreas(ctx, p.ID, areas); err != nil {
		return fmt.Errorf("update focus areas: %w", err)
	}
	return nil
}

// RunMessageSummaryPass folds each user's important WhatsApp messages into
// their summary once at least MinMessageBatch of them can be claimed.
func (a *Analyzer) RunMessageSummaryPass(ctx context.Context) (*PassResult, error) {
	kind := store.LeaseMessageSummary
	res := &PassResult{Kind: kind}
	swept, err := a.store.SweepStaleLeases(ctx, kind)
	if err != nil {
		return res, fmt.Errorf("%s pass: %w", kind, err)
	}
	res.Swept = swept

	users, err := a.store.UsersWithImportantBacklog(ctx)
	if err != nil {
		return res, fmt.Errorf("%s pass: %w", kind, err)
	}
	var errs []error
	for _, userID := range users {
		if err := a.summarizeUserMessages(ctx, userID, res); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
	}
	slog.Info("Analyzer.RunMessageSummaryPass: pass finished", "users", len(users), "candidates", res.Candidates, "claimed", res.Claimed, "processed", res.Processed, "released", res.Released)
	return res, errors.Join(errs...)
}

func (a *Analyzer) summarizeUserMessages(ctx context.Context, userID string, res *PassResult) error {
	candidates, err := a.store.ImportantMessageCandidates(ctx, userID, MessageBatchSize)
	if err != nil {
		return err
	}
	res.Candidates += len(candidates)

	// Candidates arrive newest first.
	var leases []*store.Lease
	var claimed []models.WhatsAppMessage
	for _, m := range candidates {
		lease, ok, err := a.store.ClaimLease(ctx, store.LeaseMessageSummary, m.ID)
		if err != nil {
			slog.Error("Analyzer.summarizeUserMessages: claim failed", "messageID", m.ID, "error", err)
			continue
		}
		if ok {
			leases = append(leases, lease)
			claimed = append(claimed, m)
		}
	}
	res.Claimed += len(leases)

	if len(leases) < MinMessageBatch {
		slog.Debug("Analyzer.summarizeUserMessages: not enough messages yet", "userID", userID, "claimed", len(leases))
		return a.releaseAll(leases, res)
	}

	p, err := a.store.GetProfile(ctx, userID)
	if err != nil {
		return errors.Join(fmt.Errorf("load profile: %w", err), a.releaseAll(leases, res))
	}
	var b strings.Builder
	for i := len(claimed) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "[%s] %s\n", claimed[i].CreatedAt.In(p.Location()).Format("2006-01-02 15:04"), claimed[i].Content)
	}
	if err := a.reviseSummary(ctx, p, prompts.MessageSummary, b.String()); err != nil {
		return errors.Join(err, a.releaseAll(leases, res))
	}

	var errs []error
	for _, l := range leases {
		if err := a.store.CompleteLease(ctx, l); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Processed++
	}
	return errors.Join(errs...)
}

// releaseAll releases leases with a fresh context so a cancelled tick still
// frees its claims.
func (a *Analyzer) releaseAll(leases []*store.Lease, res *PassResult) error {
	ctx := context.Background()
	var errs []error
	for _, l := range leases {
		if err := a.store.ReleaseLease(ctx, l); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Released++
	}
	return errors.Join(errs...)
}
