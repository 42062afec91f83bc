package core

import (
	"fmt"
	"time"
)

// Policy holds the grace windows applied by the state machine. Credit amounts
// come from the product catalog.
type Policy struct {
	ExpiryGraceWindow       time.Duration `koanf:"expiry_grace_window" mapstructure:"expiry_grace_window"`
	CancellationGraceWindow time.Duration `koanf:"cancellation_grace_window" mapstructure:"cancellation_grace_window"`
}

func (p Policy) Validate() error {
	if p.ExpiryGraceWindow < 0 {
		return fmt.Errorf("core: policy expiry_grace_window must be non-negative")
	}
	if p.CancellationGraceWindow < 0 {
		return fmt.Errorf("core: policy cancellation_grace_window must be non-negative")
	}
	return nil
}

type TransitionInput struct {
	Current   *Subscription
	AccountID string
	Balance   int64
	Event     Event
	Product   Product
	// RefundableCredits is the amount originally granted by the refunded
	// transaction.
	RefundableCredits int64
}

// Decision is the outcome of applying one event. Next is nil when the
// subscription is untouched; Delta is zero when the ledger is untouched.
type Decision struct {
	Next   *Subscription
	Delta  int64
	Reason string
	Note   string
}

func (d Decision) Changed() bool {
	return d.Next != nil || d.Delta != 0
}

type StateMachine struct {
	Policy Policy
}

func (m StateMachine) Apply(in TransitionInput, now time.Time) (Decision, error) {
	now = now.UTC()
	event := in.Event
	switch event.Kind {
	case EventPurchase:
		return m.applyPurchase(in, now)
	case EventRenewal:
		return m.applyRenewal(in, now)
	case EventExpire:
		return m.applyExpire(in, now)
	case EventCancel:
		return m.applyCancel(in, now)
	case EventRefund:
		return m.applyRefund(in, now)
	case EventConsumable:
		quantity := int64(event.Quantity)
		if quantity < 1 {
			quantity = 1
		}
		return Decision{
			Delta:  in.Product.Credits * quantity,
			Reason: LedgerReasonConsumable,
		}, nil
	case EventIgnored:
		return Decision{Note: "ignored"}, nil
	default:
		return Decision{}, fmt.Errorf("core: unsupported event kind %q", event.Kind)
	}
}

func (m StateMachine) applyPurchase(in TransitionInput, now time.Time) (Decision, error) {
	if in.Current == nil {
		next := newSubscription(in, now)
		return Decision{Next: next, Delta: in.Product.SignupCredits, Reason: LedgerReasonSignupBonus}, nil
	}
	if in.Current.Status == SubscriptionStatusRefunded && in.Current.ProductID != in.Event.ProductID {
		return Decision{Note: "refunded lineage requires a purchase of the same product"}, nil
	}
	next, err := reactivate(*in.Current, in.Event, now)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Next: next, Delta: in.Product.SignupCredits, Reason: LedgerReasonSignupBonus}, nil
}

func (m StateMachine) applyRenewal(in TransitionInput, now time.Time) (Decision, error) {
	if in.Current == nil {
		next := newSubscription(in, now)
		return Decision{Next: next, Delta: in.Product.RenewalCredits, Reason: LedgerReasonRenewalBonus}, nil
	}
	if in.Current.Status == SubscriptionStatusRefunded {
		return Decision{Note: "renewal ignored for refunded lineage"}, nil
	}
	next, err := reactivate(*in.Current, in.Event, now)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Next: next, Delta: in.Product.RenewalCredits, Reason: LedgerReasonRenewalBonus}, nil
}

func (m StateMachine) applyExpire(in TransitionInput, now time.Time) (Decision, error) {
	if in.Current == nil {
		return Decision{Note: "no subscription to expire"}, nil
	}
	next := *in.Current
	switch next.Status {
	case SubscriptionStatusActive:
		base := now
		if next.ExpiresAt != nil {
			base = next.ExpiresAt.UTC()
		}
		deadline := base.Add(m.Policy.ExpiryGraceWindow)
		if err := next.TransitionTo(SubscriptionStatusGrace, &deadline); err != nil {
			return Decision{}, err
		}
		// A grace window that closed before the event arrived is not opened.
		if next.GraceLapsed(now) {
			if err := next.TransitionTo(SubscriptionStatusExpired, nil); err != nil {
				return Decision{}, err
			}
		}
	case SubscriptionStatusGrace:
		if !next.GraceLapsed(now) {
			return Decision{Note: "grace window still open"}, nil
		}
		if err := next.TransitionTo(SubscriptionStatusExpired, nil); err != nil {
			return Decision{}, err
		}
	default:
		return Decision{Note: "subscription already inactive"}, nil
	}
	touch(&next, in.Event, now)
	return Decision{Next: &next}, nil
}

func (m StateMachine) applyCancel(in TransitionInput, now time.Time) (Decision, error) {
	if in.Current == nil || in.Current.Status != SubscriptionStatusActive {
		return Decision{Note: "cancellation ignored for inactive subscription"}, nil
	}
	next := *in.Current
	base := now
	if next.ExpiresAt != nil && next.ExpiresAt.After(now) {
		base = next.ExpiresAt.UTC()
	}
	deadline := base.Add(m.Policy.CancellationGraceWindow)
	if err := next.TransitionTo(SubscriptionStatusGrace, &deadline); err != nil {
		return Decision{}, err
	}
	touch(&next, in.Event, now)
	return Decision{Next: &next}, nil
}

// applyRefund marks the lineage refunded and reverses what the refunded
// transaction granted, clamped so the balance never goes negative.
func (m StateMachine) applyRefund(in TransitionInput, now time.Time) (Decision, error) {
	decision := Decision{Reason: LedgerReasonRefundReversal}
	reversal := in.RefundableCredits
	if reversal > in.Balance {
		reversal = in.Balance
	}
	if reversal > 0 {
		decision.Delta = -reversal
	}
	if in.Current != nil && in.Current.Status != SubscriptionStatusRefunded {
		next := *in.Current
		if err := next.TransitionTo(SubscriptionStatusRefunded, nil); err != nil {
			return Decision{}, err
		}
		touch(&next, in.Event, now)
		decision.Next = &next
	}
	if !decision.Changed() {
		decision.Note = "nothing to reverse"
	}
	return decision, nil
}

// EvaluateSpend decides whether a debit of cost may proceed. When a grace
// subscription has lapsed, Finalize carries the expired state to persist
// alongside the denial.
func (m StateMachine) EvaluateSpend(current *Subscription, balance, cost int64, now time.Time) SpendDecision {
	now = now.UTC()
	if current != nil {
		switch current.Status {
		case SubscriptionStatusExpired, SubscriptionStatusRefunded:
			return SpendDecision{Reason: DenialSubscriptionInactive}
		case SubscriptionStatusGrace:
			if current.GraceLapsed(now) {
				next := *current
				if err := next.TransitionTo(SubscriptionStatusExpired, nil); err == nil {
					next.UpdatedAt = now
					return SpendDecision{Reason: DenialGraceElapsed, Finalize: &next}
				}
				return SpendDecision{Reason: DenialGraceElapsed}
			}
		}
	}
	if balance < cost {
		return SpendDecision{Reason: DenialInsufficientCredits}
	}
	return SpendDecision{Allowed: true}
}

type SpendDecision struct {
	Allowed  bool
	Reason   DenialReason
	Finalize *Subscription
}

func newSubscription(in TransitionInput, now time.Time) *Subscription {
	next := &Subscription{
		OriginalTransactionID: in.Event.OriginalTransactionID,
		AccountID:             in.AccountID,
		ProductID:             in.Event.ProductID,
		Status:                SubscriptionStatusActive,
		ExpiresAt:             copyTime(in.Event.ExpiresAt),
		Environment:           in.Event.Environment,
		LastTransactionID:     in.Event.TransactionID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	return next
}

func reactivate(current Subscription, event Event, now time.Time) (*Subscription, error) {
	next := current
	if err := next.TransitionTo(SubscriptionStatusActive, nil); err != nil {
		return nil, err
	}
	if event.ProductID != "" {
		next.ProductID = event.ProductID
	}
	next.ExpiresAt = laterTime(current.ExpiresAt, event.ExpiresAt)
	touch(&next, event, now)
	return &next, nil
}

func touch(sub *Subscription, event Event, now time.Time) {
	if event.Environment != "" {
		sub.Environment = event.Environment
	}
	if event.TransactionID != "" {
		sub.LastTransactionID = event.TransactionID
	}
	sub.UpdatedAt = now
}

func laterTime(current, candidate *time.Time) *time.Time {
	switch {
	case candidate == nil:
		return copyTime(current)
	case current == nil || candidate.After(*current):
		return copyTime(candidate)
	default:
		return copyTime(current)
	}
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	out := value.UTC()
	return &out
}
