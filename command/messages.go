package command

import (
	"strings"

	"github.com/goliatone/go-entitlements/core"
)

const (
	TypeValidatePurchase    = "entitlements.command.purchase.validate"
	TypeProcessNotification = "entitlements.command.notification.process"
	TypeSpendCredits        = "entitlements.command.credits.spend"
	TypeFinalizeLapsedGrace = "entitlements.command.grace.finalize"
)

type ValidatePurchaseMessage struct {
	Request core.ClientValidationRequest
}

func (ValidatePurchaseMessage) Type() string { return TypeValidatePurchase }

func (m ValidatePurchaseMessage) Validate() error {
	if strings.TrimSpace(m.Request.TransactionID) == "" {
		return commandValidationError("transaction_id", "transaction id is required")
	}
	if m.Request.Caller.IsZero() {
		return commandValidationError("caller", "caller account id or binding token is required")
	}
	return nil
}

type ProcessNotificationMessage struct {
	SignedPayload string
}

func (ProcessNotificationMessage) Type() string { return TypeProcessNotification }

func (m ProcessNotificationMessage) Validate() error {
	if strings.TrimSpace(m.SignedPayload) == "" {
		return commandValidationError("signed_payload", "signed payload is required")
	}
	return nil
}

type SpendCreditsMessage struct {
	Request core.SpendRequest
}

func (SpendCreditsMessage) Type() string { return TypeSpendCredits }

func (m SpendCreditsMessage) Validate() error {
	if strings.TrimSpace(m.Request.AccountID) == "" {
		return commandValidationError("account_id", "account id is required")
	}
	if m.Request.Cost <= 0 {
		return commandValidationError("cost", "cost must be positive")
	}
	return nil
}

// FinalizeLapsedGraceMessage sweeps grace subscriptions past their deadline.
// A zero Limit lets the service pick its batch size.
type FinalizeLapsedGraceMessage struct {
	Limit int
}

func (FinalizeLapsedGraceMessage) Type() string { return TypeFinalizeLapsedGrace }

func (m FinalizeLapsedGraceMessage) Validate() error {
	if m.Limit < 0 {
		return commandValidationError("limit", "limit must be >= 0")
	}
	return nil
}
