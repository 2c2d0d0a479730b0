package models

import "time"

// TrialWindow is how long a non-paying user stays eligible after trial start.
const TrialWindow = 7 * 24 * time.Hour

// ServiceState is the eligibility state derived from a profile's billing fields.
type ServiceState string

const (
	StateTrialing     ServiceState = "trialing"
	StateTrialExpired ServiceState = "trial_expired"
	StateActive       ServiceState = "active"
	StatePastDue      ServiceState = "past_due"
	StateCanceled     ServiceState = "canceled"
	StateUnpaid       ServiceState = "unpaid"
)

// StateOf maps a stored subscription status to a ServiceState at time now.
// A trial without a start date is treated as expired. An empty status is a
// fresh profile and is evaluated as a trial.
func StateOf(status SubscriptionStatus, trialStart *time.Time, now time.Time) ServiceState {
	switch status {
	case SubscriptionActive:
		return StateActive
	case SubscriptionPastDue:
		return StatePastDue
	case SubscriptionCanceled:
		return StateCanceled
	case SubscriptionUnpaid:
		return StateUnpaid
	case SubscriptionTrial, "":
		if trialValid(trialStart, now) {
			return StateTrialing
		}
		return StateTrialExpired
	default:
		return StateCanceled
	}
}

// IsEligibleForService reports whether a user in state may receive coaching
// replies and calls. Only active subscriptions and trials younger than
// TrialWindow are eligible.
func IsEligibleForService(state ServiceState, trialStart *time.Time, now time.Time) bool {
	switch state {
	case StateActive:
		return true
	case StateTrialing:
		return trialValid(trialStart, now)
	default:
		return false
	}
}

// ServiceState returns the profile's eligibility state at time now.
func (p *Profile) ServiceState(now time.Time) ServiceState {
	return StateOf(p.SubscriptionStatus, p.TrialStartDate, now)
}

// EligibleForService reports whether the profile may receive service at now.
func (p *Profile) EligibleForService(now time.Time) bool {
	return IsEligibleForService(p.ServiceState(now), p.TrialStartDate, now)
}

func trialValid(trialStart *time.Time, now time.Time) bool {
	if trialStart == nil {
		return false
	}
	return now.Sub(*trialStart) < TrialWindow
}
