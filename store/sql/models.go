package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type accountRecord struct {
	bun.BaseModel `bun:"table:entitlement_accounts,alias:ea"`

	ID             string    `bun:"id,pk"`
	BindingToken   string    `bun:"binding_token,notnull"`
	BindingKey     *string   `bun:"binding_key"`
	CreditBalance  int64     `bun:"credit_balance,notnull"`
	SubscriptionID *string   `bun:"subscription_id"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriptionRecord struct {
	bun.BaseModel `bun:"table:entitlement_subscriptions,alias:es"`

	OriginalTransactionID string     `bun:"original_transaction_id,pk"`
	AccountID             string     `bun:"account_id,notnull"`
	ProductID             string     `bun:"product_id,notnull"`
	Status                string     `bun:"status,notnull"`
	ExpiresAt             *time.Time `bun:"expires_at,nullzero"`
	GraceDeadline         *time.Time `bun:"grace_deadline,nullzero"`
	Environment           string     `bun:"environment,notnull"`
	LastTransactionID     string     `bun:"last_transaction_id,notnull"`
	CreatedAt             time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type ledgerEntryRecord struct {
	bun.BaseModel `bun:"table:entitlement_ledger_entries,alias:el"`

	ID            int64     `bun:"id,pk,autoincrement"`
	AccountID     string    `bun:"account_id,notnull"`
	Delta         int64     `bun:"delta,notnull"`
	Reason        string    `bun:"reason,notnull"`
	ProductID     string    `bun:"product_id,notnull"`
	TransactionID string    `bun:"transaction_id,notnull"`
	BalanceAfter  int64     `bun:"balance_after,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type processedTransactionRecord struct {
	bun.BaseModel `bun:"table:entitlement_processed_transactions,alias:ept"`

	IdempotencyKey string    `bun:"idempotency_key,pk"`
	TransactionID  string    `bun:"transaction_id,notnull"`
	AccountID      string    `bun:"account_id,notnull"`
	EventKind      string    `bun:"event_kind,notnull"`
	Source         string    `bun:"source,notnull"`
	Payload        string    `bun:"payload,notnull"`
	ReceivedAt     time.Time `bun:"received_at,nullzero,notnull,default:current_timestamp"`
}

type productRecord struct {
	bun.BaseModel `bun:"table:entitlement_products,alias:ep"`

	ID             string    `bun:"id,pk"`
	Kind           string    `bun:"kind,notnull"`
	SignupCredits  int64     `bun:"signup_credits,notnull"`
	RenewalCredits int64     `bun:"renewal_credits,notnull"`
	Credits        int64     `bun:"credits,notnull"`
	Active         bool      `bun:"active,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
