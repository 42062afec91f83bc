package core

import (
	"strings"
	"time"
)

type EventKind string

const (
	EventPurchase   EventKind = "purchase"
	EventRenewal    EventKind = "renewal"
	EventExpire     EventKind = "expire"
	EventCancel     EventKind = "cancel"
	EventRefund     EventKind = "refund"
	EventConsumable EventKind = "consumable"
	EventIgnored    EventKind = "ignored"
	EventSpend      EventKind = "spend"
)

// Event is the single tagged representation of every storefront trigger.
// Both entry points translate their verified payloads into an Event before
// the state machine sees them.
type Event struct {
	Kind                  EventKind
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	NotificationID        string
	NotificationType      string
	Subtype               string
	BindingToken          string
	Environment           Environment
	Quantity              int
	PurchasedAt           time.Time
	ExpiresAt             *time.Time
}

// IdempotencyKey returns the processed-transaction key for the event.
// Grant events use the bare transaction id so the client and push paths
// collide on the same record.
func (e Event) IdempotencyKey() string {
	txID := strings.TrimSpace(e.TransactionID)
	switch e.Kind {
	case EventPurchase, EventRenewal, EventConsumable:
		return txID
	case EventRefund:
		return "refund:" + txID
	case EventExpire, EventCancel:
		if id := strings.TrimSpace(e.NotificationID); id != "" {
			return string(e.Kind) + ":" + id
		}
		return string(e.Kind) + ":" + txID
	default:
		return ""
	}
}

func (e Event) Grants() bool {
	switch e.Kind {
	case EventPurchase, EventRenewal, EventConsumable:
		return true
	default:
		return false
	}
}

func spendIdempotencyKey(requestID string) string {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ""
	}
	return "usage:" + requestID
}

// TransactionInfo is the decoded form of a verified signed transaction.
// Dates are milliseconds since the epoch as issued by the storefront.
type TransactionInfo struct {
	TransactionID         string      `json:"transactionId"`
	OriginalTransactionID string      `json:"originalTransactionId"`
	WebOrderLineItemID    string      `json:"webOrderLineItemId,omitempty"`
	BundleID              string      `json:"bundleId"`
	ProductID             string      `json:"productId"`
	Type                  string      `json:"type,omitempty"`
	AppAccountToken       string      `json:"appAccountToken,omitempty"`
	Environment           Environment `json:"environment"`
	Quantity              int         `json:"quantity,omitempty"`
	PurchaseDate          int64       `json:"purchaseDate,omitempty"`
	OriginalPurchaseDate  int64       `json:"originalPurchaseDate,omitempty"`
	ExpiresDate           int64       `json:"expiresDate,omitempty"`
	RevocationDate        int64       `json:"revocationDate,omitempty"`
	RevocationReason      *int        `json:"revocationReason,omitempty"`
	SignedDate            int64       `json:"signedDate,omitempty"`
}

func (t TransactionInfo) ExpiresAt() *time.Time {
	return millisToTime(t.ExpiresDate)
}

func (t TransactionInfo) PurchasedAt() time.Time {
	if at := millisToTime(t.PurchaseDate); at != nil {
		return *at
	}
	return time.Time{}
}

func (t TransactionInfo) Revoked() bool {
	return t.RevocationDate > 0
}

func (t TransactionInfo) lineage() string {
	if id := strings.TrimSpace(t.OriginalTransactionID); id != "" {
		return id
	}
	return strings.TrimSpace(t.TransactionID)
}

type RenewalInfo struct {
	OriginalTransactionID  string      `json:"originalTransactionId"`
	ProductID              string      `json:"productId,omitempty"`
	AutoRenewProductID     string      `json:"autoRenewProductId,omitempty"`
	AutoRenewStatus        int         `json:"autoRenewStatus"`
	Environment            Environment `json:"environment,omitempty"`
	RenewalDate            int64       `json:"renewalDate,omitempty"`
	GracePeriodExpiresDate int64       `json:"gracePeriodExpiresDate,omitempty"`
	SignedDate             int64       `json:"signedDate,omitempty"`
}

type NotificationData struct {
	Environment     Environment      `json:"environment"`
	BundleID        string           `json:"bundleId"`
	AppAppleID      int64            `json:"appAppleId,omitempty"`
	TransactionInfo *TransactionInfo `json:"signedTransactionInfo,omitempty"`
	RenewalInfo     *RenewalInfo     `json:"signedRenewalInfo,omitempty"`
}

type NotificationPayload struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version,omitempty"`
	SignedDate       int64            `json:"signedDate,omitempty"`
	Data             NotificationData `json:"data"`
}

func millisToTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	at := time.UnixMilli(ms).UTC()
	return &at
}
