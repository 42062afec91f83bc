package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type PayloadVerifier interface {
	VerifyTransaction(ctx context.Context, signed string) (TransactionInfo, error)
	VerifyNotification(ctx context.Context, signed string) (NotificationPayload, error)
}

// TransactionFetcher returns the storefront's signed record for a
// transaction. It returns ErrTransactionNotFound when the storefront does not
// know the id in that environment.
type TransactionFetcher interface {
	FetchTransaction(ctx context.Context, transactionID string, environment Environment) (string, error)
}

type AccountResolver interface {
	ResolveAccount(ctx context.Context, bindingToken string) (AccountRef, bool, error)
	CreateAccount(ctx context.Context, bindingToken string) (AccountRef, error)
}

type ProductCatalog interface {
	LookupProduct(ctx context.Context, productID string) (Product, bool, error)
}

// EntitlementTx is the set of mutations available inside one atomic unit.
// Everything written through it commits or rolls back together.
type EntitlementTx interface {
	Claim(ctx context.Context, record ProcessedTransaction) (ClaimResult, error)
	LockAccount(ctx context.Context, accountID string) (Account, error)
	GetSubscription(ctx context.Context, originalTransactionID string) (Subscription, bool, error)
	GetAccountSubscription(ctx context.Context, accountID string) (Subscription, bool, error)
	SaveSubscription(ctx context.Context, subscription Subscription) error
	AppendLedger(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	GrantedForTransaction(ctx context.Context, accountID, transactionID string) (int64, error)
}

type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx EntitlementTx) error) error
}

type EntitlementReader interface {
	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetAccountSubscription(ctx context.Context, accountID string) (Subscription, bool, error)
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error)
	FindAccountByLineage(ctx context.Context, originalTransactionID string) (AccountRef, bool, error)
	ListLapsedGrace(ctx context.Context, now time.Time, limit int) ([]Subscription, error)
}

type EntitlementStore interface {
	UnitOfWork
	EntitlementReader
	AccountResolver
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
