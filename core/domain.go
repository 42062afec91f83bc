package core

import (
	"fmt"
	"strings"
	"time"
)

type Environment string

const (
	EnvironmentProduction Environment = "Production"
	EnvironmentSandbox    Environment = "Sandbox"
)

// ParseEnvironment accepts the storefront spelling in any case.
func ParseEnvironment(raw string) (Environment, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return EnvironmentProduction, true
	case "sandbox":
		return EnvironmentSandbox, true
	default:
		return "", false
	}
}

func (e Environment) Matches(other Environment) bool {
	left, okLeft := ParseEnvironment(string(e))
	right, okRight := ParseEnvironment(string(other))
	return okLeft && okRight && left == right
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusGrace    SubscriptionStatus = "grace"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
	SubscriptionStatusRefunded SubscriptionStatus = "refunded"
)

var subscriptionTransitions = map[SubscriptionStatus]map[SubscriptionStatus]struct{}{
	"": {
		SubscriptionStatusActive: {},
	},
	SubscriptionStatusActive: {
		SubscriptionStatusActive:   {},
		SubscriptionStatusGrace:    {},
		SubscriptionStatusRefunded: {},
	},
	SubscriptionStatusGrace: {
		SubscriptionStatusActive:   {},
		SubscriptionStatusExpired:  {},
		SubscriptionStatusRefunded: {},
	},
	SubscriptionStatusExpired: {
		SubscriptionStatusActive:   {},
		SubscriptionStatusRefunded: {},
	},
	SubscriptionStatusRefunded: {
		SubscriptionStatusActive: {},
	},
}

func SubscriptionTransitionAllowed(from, to SubscriptionStatus) bool {
	next, ok := subscriptionTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type ProductKind string

const (
	ProductKindSubscription ProductKind = "subscription"
	ProductKindConsumable   ProductKind = "consumable"
)

// Product is the catalog entry that decides how many credits each
// transaction grants.
type Product struct {
	ID             string      `json:"id" koanf:"id" mapstructure:"id"`
	Kind           ProductKind `json:"kind" koanf:"kind" mapstructure:"kind"`
	SignupCredits  int64       `json:"signup_credits" koanf:"signup_credits" mapstructure:"signup_credits"`
	RenewalCredits int64       `json:"renewal_credits" koanf:"renewal_credits" mapstructure:"renewal_credits"`
	Credits        int64       `json:"credits" koanf:"credits" mapstructure:"credits"`
}

func (p Product) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("core: product id is required")
	}
	switch p.Kind {
	case ProductKindSubscription, ProductKindConsumable:
	default:
		return fmt.Errorf("core: product %q has invalid kind %q", p.ID, p.Kind)
	}
	if p.SignupCredits < 0 || p.RenewalCredits < 0 || p.Credits < 0 {
		return fmt.Errorf("core: product %q credit amounts must be non-negative", p.ID)
	}
	return nil
}

type AccountRef struct {
	ID           string
	BindingToken string
}

func (r AccountRef) IsZero() bool {
	return strings.TrimSpace(r.ID) == "" && strings.TrimSpace(r.BindingToken) == ""
}

type Account struct {
	ID             string
	BindingToken   string
	CreditBalance  int64
	SubscriptionID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a Account) Ref() AccountRef {
	return AccountRef{ID: a.ID, BindingToken: a.BindingToken}
}

type Subscription struct {
	OriginalTransactionID string
	AccountID             string
	ProductID             string
	Status                SubscriptionStatus
	ExpiresAt             *time.Time
	GraceDeadline         *time.Time
	Environment           Environment
	LastTransactionID     string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TransitionTo moves the subscription along an allowed edge and keeps the
// grace deadline in step with the grace status.
func (s *Subscription) TransitionTo(next SubscriptionStatus, graceDeadline *time.Time) error {
	if s == nil {
		return fmt.Errorf("core: subscription is nil")
	}
	if !SubscriptionTransitionAllowed(s.Status, next) {
		return fmt.Errorf("core: invalid subscription transition %q -> %q", s.Status, next)
	}
	if next == SubscriptionStatusGrace {
		if graceDeadline == nil {
			return fmt.Errorf("core: grace transition requires a deadline")
		}
		deadline := graceDeadline.UTC()
		s.GraceDeadline = &deadline
	} else {
		s.GraceDeadline = nil
	}
	s.Status = next
	return nil
}

// GraceLapsed reports whether a grace subscription has passed its deadline.
func (s Subscription) GraceLapsed(now time.Time) bool {
	return s.Status == SubscriptionStatusGrace && s.GraceDeadline != nil && !now.Before(*s.GraceDeadline)
}

func (s Subscription) Entitled(now time.Time) bool {
	switch s.Status {
	case SubscriptionStatusActive:
		return true
	case SubscriptionStatusGrace:
		return !s.GraceLapsed(now)
	default:
		return false
	}
}

const (
	LedgerReasonSignupBonus    = "signup_bonus"
	LedgerReasonRenewalBonus   = "renewal_bonus"
	LedgerReasonConsumable     = "consumable_purchase"
	LedgerReasonRefundReversal = "refund_reversal"
	LedgerReasonUsage          = "usage"
)

type LedgerEntry struct {
	ID            int64
	AccountID     string
	Delta         int64
	Reason        string
	ProductID     string
	TransactionID string
	BalanceAfter  int64
	CreatedAt     time.Time
}

type EventSource string

const (
	EventSourceClient       EventSource = "client"
	EventSourceNotification EventSource = "notification"
	EventSourceSpend        EventSource = "spend"
)

// ProcessedTransaction is the idempotency record. Its Key is unique and its
// existence means the effect has been applied.
type ProcessedTransaction struct {
	Key           string
	TransactionID string
	AccountID     string
	EventKind     EventKind
	Source        EventSource
	Payload       []byte
	ReceivedAt    time.Time
}

type ClaimResult string

const (
	ClaimResultClaimed          ClaimResult = "claimed"
	ClaimResultAlreadyProcessed ClaimResult = "already_processed"
)

type Outcome string

const (
	OutcomeApplied             Outcome = "applied"
	OutcomeNoop                Outcome = "noop"
	OutcomeAlreadyProcessed    Outcome = "already_processed"
	OutcomeEnvironmentMismatch Outcome = "environment_mismatch"
	OutcomeIgnored             Outcome = "ignored"
)

type EntitlementSnapshot struct {
	AccountID     string
	BindingToken  string
	CreditBalance int64
	Subscription  *Subscription
	Entitled      bool
	Outcome       Outcome
	TransactionID string
}

type ClientValidationRequest struct {
	TransactionID    string
	ClaimedProductID string
	Caller           AccountRef
}

func (r ClientValidationRequest) Validate() error {
	if strings.TrimSpace(r.TransactionID) == "" {
		return fmt.Errorf("core: transaction id is required")
	}
	if r.Caller.IsZero() {
		return fmt.Errorf("core: caller account is required")
	}
	return nil
}

type NotificationResult struct {
	Accepted         bool
	Outcome          Outcome
	EventKind        EventKind
	NotificationType string
	TransactionID    string
	AccountID        string
	Reason           string
}

type SpendRequest struct {
	AccountID string
	Cost      int64
	Reason    string
	RequestID string
}

func (r SpendRequest) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("core: account id is required")
	}
	if r.Cost <= 0 {
		return fmt.Errorf("core: spend cost must be positive")
	}
	return nil
}

type DenialReason string

const (
	DenialSubscriptionInactive DenialReason = "subscription_inactive"
	DenialGraceElapsed         DenialReason = "grace_elapsed"
	DenialInsufficientCredits  DenialReason = "insufficient_credits"
)

type SpendResult struct {
	Granted          bool
	DenialReason     DenialReason
	Balance          int64
	Entry            *LedgerEntry
	AlreadyProcessed bool
}
