// Package billing applies payment-provider webhook events to user profiles.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Handled event types.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

var (
	// ErrMissingSecret is returned when no webhook signing secret is configured.
	ErrMissingSecret = errors.New("stripe webhook secret is not configured")
	// ErrInvalidSignature is returned when a payload fails verification.
	ErrInvalidSignature = errors.New("stripe signature verification failed")
	// ErrInvalidPayload is returned when an event object cannot be decoded.
	ErrInvalidPayload = errors.New("invalid stripe event payload")
)

// Store is the persistence surface the processor needs.
type Store interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetProfileByStripeCustomer(ctx context.Context, customerID string) (*models.Profile, error)
	GetPlanByPriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error)
	UpdateSubscription(ctx context.Context, userID string, upd store.SubscriptionUpdate) error
}

// Compile-time check that *store.Store satisfies Store.
var _ Store = (*store.Store)(nil)

// Opts holds configuration for the processor.
type Opts struct {
	WebhookSecret string
}

// Option defines a function for configuring the processor.
type Option func(*Opts)

// WithWebhookSecret sets the endpoint signing secret.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) { o.WebhookSecret = secret }
}

// Result describes what an event changed.
type Result struct {
	EventID   string                    `json:"eventId"`
	EventType string                    `json:"eventType"`
	UserID    string                    `json:"userId,omitempty"`
	Status    models.SubscriptionStatus `json:"status,omitempty"`
	Ignored   bool                      `json:"ignored,omitempty"`
}

// Processor verifies and applies payment webhook events.
type Processor struct {
	store  Store
	secret string
}

// NewProcessor creates a Processor. The secret falls back to
// STRIPE_WEBHOOK_SECRET.
func NewProcessor(st Store, opts ...Option) (*Processor, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingSecret
	}
	return &Processor{store: st, secret: cfg.WebhookSecret}, nil
}

// HandleWebhook verifies the signature header and applies the event.
func (p *Processor) HandleWebhook(ctx context.Context, body []byte, signature string) (*Result, error) {
	event, err := webhook.ConstructEventWithOptions(body, signature, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		slog.Warn("Processor.HandleWebhook: signature verification failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return p.HandleEvent(ctx, event)
}

// HandleEvent applies a verified event. Events for unknown customers are
// logged and reported as ignored so the provider stops retrying.
func (p *Processor) HandleEvent(ctx context.Context, event stripe.Event) (*Result, error) {
	res := &Result{EventID: event.ID, EventType: string(event.Type)}
	var err error
	switch string(event.Type) {
	case EventCheckoutCompleted:
		err = p.checkoutCompleted(ctx, event, res)
	case EventSubscriptionUpdated:
		err = p.subscriptionChanged(ctx, event, res, false)
	case EventSubscriptionDeleted:
		err = p.subscriptionChanged(ctx, event, res, true)
	default:
		slog.Debug("Processor.HandleEvent: unhandled event type", "type", event.Type, "eventID", event.ID)
		res.Ignored = true
		return res, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Processor.HandleEvent: no profile for event, acknowledging", "type", event.Type, "eventID", event.ID)
		res.Ignored = true
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Processor.HandleEvent: subscription updated", "type", event.Type, "eventID", event.ID, "userID", res.UserID, "status", res.Status)
	return res, nil
}

func (p *Processor) checkoutCompleted(ctx context.Context, event stripe.Event, res *Result) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	subscriptionID := ""
	if sess.Subscription != nil {
		subscriptionID = sess.Subscription.ID
	}

	profile, err := p.profileForCheckout(ctx, sess.ClientReferenceID, customerID)
	if err != nil {
		return err
	}
	upd := store.SubscriptionUpdate{
		Status:         models.SubscriptionActive,
		SubscriptionID: subscriptionID,
	}
	if profile.StripeCustomerID == "" {
		upd.CustomerID = customerID
	}
	if err := p.store.UpdateSubscription(ctx, profile.ID, upd); err != nil {
		return err
	}
	res.UserID = profile.ID
	res.Status = upd.Status
	return nil
}

// profileForCheckout prefers the profile named by the session's client
// reference and falls back to the customer link.
func (p *Processor) profileForCheckout(ctx context.Context, reference, customerID string) (*models.Profile, error) {
	if reference != "" {
		profile, err := p.store.GetProfile(ctx, reference)
		if err == nil {
			return profile, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return p.store.GetProfileByStripeCustomer(ctx, customerID)
}

func (p *Processor) subscriptionChanged(ctx context.Context, event stripe.Event, res *Result, deleted bool) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("%w: missing customer", ErrInvalidPayload)
	}
	profile, err := p.store.GetProfileByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return err
	}

	upd := store.SubscriptionUpdate{SubscriptionID: sub.ID}
	if deleted {
		upd.Status = models.SubscriptionCanceled
	} else {
		upd.Status = MapSubscriptionStatus(sub.Status)
		upd.PlanID = p.planFor(ctx, &sub)
	}
	if err := p.store.UpdateSubscription(ctx, profile.ID, upd); err != nil {
		return err
	}
	res.UserID = profile.ID
	res.Status = upd.Status
	return nil
}

// planFor resolves the plan sold under the subscription's first price.
// Unknown prices leave the plan unchanged.
func (p *Processor) planFor(ctx context.Context, sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	priceID := sub.Items.Data[0].Price.ID
	plan, err := p.store.GetPlanByPriceID(ctx, priceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Processor.planFor: plan lookup failed", "priceID", priceID, "error", err)
		}
		return ""
	}
	return plan.ID
}

// MapSubscriptionStatus maps a provider subscription status onto the stored
// status. A provider-managed trial counts as active since the provider bills
// at its end.
func MapSubscriptionStatus(s stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusIncomplete:
		return models.SubscriptionPastDue
	case stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return models.SubscriptionUnpaid
	default:
		return models.SubscriptionCanceled
	}
}
