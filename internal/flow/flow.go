// Package flow implements CoachPipe's orchestration: answering inbound
// WhatsApp messages, placing scheduled calls, ingesting end-of-call reports
// and running the derived-state analyzers.
package flow

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/CoachPipe/internal/store"
)

// Store is the persistence surface used by the flow components.
type Store interface {
	store.ProfileRepo
	store.MessageRepo
	store.AchievementRepo
	store.TemplateRepo
	store.ScheduleRepo
	store.CallLogRepo
	store.LeaseRepo
}

// Compile-time check that *store.Store satisfies Store.
var _ Store = (*store.Store)(nil)

// options holds optional settings shared by the flow components.
type options struct {
	clock              func() time.Time
	dedup              store.DedupRepo
	onDemandTemplateID string
	missedCallTemplate string
	weeklyCallLimit    int
}

// Option configures a flow component.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithDedup enables inbound deduplication by provider message id.
func WithDedup(d store.DedupRepo) Option {
	return func(o *options) { o.dedup = d }
}

// WithOnDemandTemplateID sets the call template used for "/call" requests.
func WithOnDemandTemplateID(id string) Option {
	return func(o *options) { o.onDemandTemplateID = id }
}

// WithMissedCallTemplate sets the WhatsApp template sent after a missed call.
func WithMissedCallTemplate(name string) Option {
	return func(o *options) { o.missedCallTemplate = name }
}

// WithDefaultWeeklyCallLimit overrides the quota for users without a plan.
func WithDefaultWeeklyCallLimit(n int) Option {
	return func(o *options) { o.weeklyCallLimit = n }
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now, weeklyCallLimit: DefaultWeeklyCallLimit}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// orNone substitutes a marker for empty prompt values.
func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
