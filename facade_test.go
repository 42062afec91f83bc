package entitlements

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	entitlementscommand "github.com/goliatone/go-entitlements/command"
	"github.com/goliatone/go-entitlements/core"
	entitlementsquery "github.com/goliatone/go-entitlements/query"
	"github.com/goliatone/go-entitlements/webhooks"
)

var facadeNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type mapVerifier struct {
	transactions  map[string]core.TransactionInfo
	notifications map[string]core.NotificationPayload
}

func (v mapVerifier) VerifyTransaction(_ context.Context, signed string) (core.TransactionInfo, error) {
	info, ok := v.transactions[signed]
	if !ok {
		return core.TransactionInfo{}, core.NewVerificationError(core.VerificationBadSignature, "", nil)
	}
	return info, nil
}

func (v mapVerifier) VerifyNotification(_ context.Context, signed string) (core.NotificationPayload, error) {
	payload, ok := v.notifications[signed]
	if !ok {
		return core.NotificationPayload{}, core.NewVerificationError(core.VerificationBadSignature, "", nil)
	}
	return payload, nil
}

type mapFetcher map[string]string

func (f mapFetcher) FetchTransaction(_ context.Context, transactionID string, _ core.Environment) (string, error) {
	signed, ok := f[transactionID]
	if !ok {
		return "", fmt.Errorf("lookup %s: %w", transactionID, core.ErrTransactionNotFound)
	}
	return signed, nil
}

func newFacadeFixture(t *testing.T) (*Facade, mapVerifier) {
	t.Helper()
	purchase := core.TransactionInfo{
		TransactionID:         "tx-1",
		OriginalTransactionID: "tx-1",
		ProductID:             "sub.monthly",
		BundleID:              "com.example.app",
		AppAccountToken:       "token-1",
		Environment:           core.EnvironmentProduction,
		PurchaseDate:          facadeNow.Add(-time.Hour).UnixMilli(),
		ExpiresDate:           facadeNow.Add(30 * 24 * time.Hour).UnixMilli(),
	}
	renewal := purchase
	renewal.TransactionID = "tx-2"
	renewal.ExpiresDate = facadeNow.Add(60 * 24 * time.Hour).UnixMilli()

	verifier := mapVerifier{
		transactions: map[string]core.TransactionInfo{"signed-tx-1": purchase},
		notifications: map[string]core.NotificationPayload{
			"signed-renewal": {
				NotificationType: core.NotificationDidRenew,
				NotificationUUID: "n-1",
				Data: core.NotificationData{
					Environment:     core.EnvironmentProduction,
					BundleID:        "com.example.app",
					TransactionInfo: &renewal,
				},
			},
		},
	}

	cfg := DefaultConfig()
	cfg.Products = []Product{{ID: "sub.monthly", Kind: core.ProductKindSubscription, SignupCredits: 10, RenewalCredits: 5}}
	svc, err := NewService(cfg,
		WithPayloadVerifier(verifier),
		WithTransactionFetcher(mapFetcher{"tx-1": "signed-tx-1"}),
		WithClock(func() time.Time { return facadeNow }),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	facade, err := NewFacade(svc, WithMaxNotificationBytes(4096))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	return facade, verifier
}

func TestNewFacade_WiresCommandsQueriesAndNotifications(t *testing.T) {
	facade, _ := newFacadeFixture(t)
	commands := facade.Commands()
	if commands.ValidatePurchase == nil || commands.ProcessNotification == nil || commands.SpendCredits == nil || commands.FinalizeLapsedGrace == nil {
		t.Fatalf("expected command handlers to be wired")
	}
	queries := facade.Queries()
	if queries.GetEntitlements == nil || queries.ListLedgerEntries == nil {
		t.Fatalf("expected query handlers to be wired")
	}
	if facade.Notifications() == nil || facade.Notifications().MaxBodyBytes != 4096 {
		t.Fatalf("expected notification handler with configured body limit")
	}
	if _, err := NewFacade(nil); err == nil {
		t.Fatalf("expected nil service to fail")
	}
}

func TestFacade_PurchaseRenewalAndSpendFlow(t *testing.T) {
	ctx := context.Background()
	facade, _ := newFacadeFixture(t)

	snapshots := gocmd.NewResult[core.EntitlementSnapshot]()
	if err := facade.Commands().ValidatePurchase.Execute(gocmd.ContextWithResult(ctx, snapshots), entitlementscommand.ValidatePurchaseMessage{
		Request: ClientValidationRequest{TransactionID: "tx-1", Caller: AccountRef{BindingToken: "token-1"}},
	}); err != nil {
		t.Fatalf("validate purchase: %v", err)
	}
	snapshot, ok := snapshots.Load()
	if !ok || snapshot.CreditBalance != 10 || !snapshot.Entitled {
		t.Fatalf("unexpected purchase snapshot %#v", snapshot)
	}

	result, err := facade.Notifications().Handle(ctx, webhooks.Request{Body: []byte(`{"signedPayload":"signed-renewal"}`)})
	if err != nil {
		t.Fatalf("renewal notification: %v", err)
	}
	if result.StatusCode != http.StatusOK || result.Metadata["outcome"] != string(core.OutcomeApplied) {
		t.Fatalf("unexpected renewal result %#v", result)
	}
	replay, err := facade.Notifications().Handle(ctx, webhooks.Request{Body: []byte(`{"signedPayload":"signed-renewal"}`)})
	if err != nil || replay.Metadata["outcome"] != string(core.OutcomeAlreadyProcessed) {
		t.Fatalf("expected idempotent replay, got %#v (%v)", replay, err)
	}

	spends := gocmd.NewResult[core.SpendResult]()
	if err := facade.Commands().SpendCredits.Execute(gocmd.ContextWithResult(ctx, spends), entitlementscommand.SpendCreditsMessage{
		Request: SpendRequest{AccountID: snapshot.AccountID, Cost: 4, RequestID: "req-1"},
	}); err != nil {
		t.Fatalf("spend: %v", err)
	}
	spend, ok := spends.Load()
	if !ok || !spend.Granted || spend.Balance != 11 {
		t.Fatalf("expected balance 15-4=11, got %#v", spend)
	}

	current, err := facade.Queries().GetEntitlements.Query(ctx, entitlementsquery.GetEntitlementsMessage{AccountID: snapshot.AccountID})
	if err != nil || current.CreditBalance != 11 {
		t.Fatalf("unexpected entitlements %#v (%v)", current, err)
	}
	entries, err := facade.Queries().ListLedgerEntries.Query(ctx, entitlementsquery.ListLedgerEntriesMessage{AccountID: snapshot.AccountID})
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	var sum int64
	for _, entry := range entries {
		sum += entry.Delta
	}
	if len(entries) != 3 || sum != current.CreditBalance {
		t.Fatalf("expected three entries summing to the balance, got %#v", entries)
	}
}

func TestFacade_RejectsUnverifiedNotifications(t *testing.T) {
	facade, _ := newFacadeFixture(t)
	result, err := facade.Notifications().Handle(context.Background(), webhooks.Request{Body: []byte(`{"signedPayload":"forged"}`)})
	if err == nil {
		t.Fatalf("expected verification failure")
	}
	if result.StatusCode != http.StatusBadRequest || result.Metadata["text_code"] != core.ErrorVerificationBadSignature {
		t.Fatalf("unexpected rejection %#v", result)
	}
}

func TestGetMigrationsFS(t *testing.T) {
	fsys := GetMigrationsFS()
	for _, pattern := range []string{"data/sql/migrations/*.up.sql", "data/sql/migrations/sqlite/*.up.sql"} {
		matches, err := fs.Glob(fsys, pattern)
		if err != nil {
			t.Fatalf("glob %s: %v", pattern, err)
		}
		if len(matches) == 0 {
			t.Fatalf("expected embedded migrations for %s", pattern)
		}
	}
}
