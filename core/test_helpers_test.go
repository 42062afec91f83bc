package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

var testProducts = []Product{
	{ID: "sub.monthly", Kind: ProductKindSubscription, SignupCredits: 10, RenewalCredits: 5},
	{ID: "sub.yearly", Kind: ProductKindSubscription, SignupCredits: 100, RenewalCredits: 60},
	{ID: "credits.pack", Kind: ProductKindConsumable, Credits: 20},
}

type stubVerifier struct {
	mu            sync.Mutex
	transactions  map[string]TransactionInfo
	notifications map[string]NotificationPayload
	err           error
}

func newStubVerifier() *stubVerifier {
	return &stubVerifier{
		transactions:  map[string]TransactionInfo{},
		notifications: map[string]NotificationPayload{},
	}
}

func (v *stubVerifier) VerifyTransaction(_ context.Context, signed string) (TransactionInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return TransactionInfo{}, v.err
	}
	info, ok := v.transactions[signed]
	if !ok {
		return TransactionInfo{}, NewVerificationError(VerificationMalformed, "unknown payload", nil)
	}
	return info, nil
}

func (v *stubVerifier) VerifyNotification(_ context.Context, signed string) (NotificationPayload, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return NotificationPayload{}, v.err
	}
	payload, ok := v.notifications[signed]
	if !ok {
		return NotificationPayload{}, NewVerificationError(VerificationMalformed, "unknown payload", nil)
	}
	return payload, nil
}

func (v *stubVerifier) addTransaction(info TransactionInfo) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	signed := "signed-tx-" + info.TransactionID
	v.transactions[signed] = info
	return signed
}

func (v *stubVerifier) addNotification(payload NotificationPayload) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	signed := "signed-notification-" + payload.NotificationUUID
	v.notifications[signed] = payload
	return signed
}

type fetchCall struct {
	transactionID string
	environment   Environment
}

type stubFetcher struct {
	mu      sync.Mutex
	records map[Environment]map[string]string
	err     error
	calls   []fetchCall
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{records: map[Environment]map[string]string{}}
}

func (f *stubFetcher) put(environment Environment, transactionID, signed string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[environment] == nil {
		f.records[environment] = map[string]string{}
	}
	f.records[environment][transactionID] = signed
}

func (f *stubFetcher) FetchTransaction(_ context.Context, transactionID string, environment Environment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{transactionID: transactionID, environment: environment})
	if f.err != nil {
		return "", f.err
	}
	signed, ok := f.records[environment][transactionID]
	if !ok {
		return "", fmt.Errorf("lookup %s: %w", transactionID, ErrTransactionNotFound)
	}
	return signed, nil
}

type serviceFixture struct {
	service  *Service
	store    *MemoryStore
	verifier *stubVerifier
	fetcher  *stubFetcher
	now      time.Time
}

func (f *serviceFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newServiceFixture(t *testing.T, mutate func(*Config), opts ...Option) *serviceFixture {
	t.Helper()
	fixture := &serviceFixture{
		store:    NewMemoryStore(),
		verifier: newStubVerifier(),
		fetcher:  newStubFetcher(),
		now:      testNow,
	}
	fixture.store.Now = func() time.Time { return fixture.now }

	cfg := DefaultConfig()
	cfg.Products = append([]Product(nil), testProducts...)
	if mutate != nil {
		mutate(&cfg)
	}
	base := []Option{
		WithStore(fixture.store),
		WithPayloadVerifier(fixture.verifier),
		WithTransactionFetcher(fixture.fetcher),
		WithClock(func() time.Time { return fixture.now }),
	}
	svc, err := NewService(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixture.service = svc
	return fixture
}

func (f *serviceFixture) account(t *testing.T, token string) AccountRef {
	t.Helper()
	ref, err := f.store.CreateAccount(context.Background(), token)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return ref
}

func (f *serviceFixture) ledger(t *testing.T, accountID string) []LedgerEntry {
	t.Helper()
	entries, err := f.store.ListLedgerEntries(context.Background(), accountID, 0)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	return entries
}

func (f *serviceFixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	account, err := f.store.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account.CreditBalance
}

func millis(at time.Time) int64 {
	return at.UnixMilli()
}

func subscriptionTx(txID, originalTxID, productID, token string, expires time.Time) TransactionInfo {
	return TransactionInfo{
		TransactionID:         txID,
		OriginalTransactionID: originalTxID,
		ProductID:             productID,
		BundleID:              "com.example.app",
		AppAccountToken:       token,
		Environment:           EnvironmentProduction,
		Type:                  "Auto-Renewable Subscription",
		PurchaseDate:          millis(testNow.Add(-time.Hour)),
		ExpiresDate:           millis(expires),
	}
}

func notification(id, notificationType, subtype string, info TransactionInfo) NotificationPayload {
	copied := info
	return NotificationPayload{
		NotificationType: notificationType,
		Subtype:          subtype,
		NotificationUUID: id,
		Version:          "2.0",
		Data: NotificationData{
			Environment:     info.Environment,
			BundleID:        info.BundleID,
			TransactionInfo: &copied,
		},
	}
}

func sumDeltas(entries []LedgerEntry) int64 {
	var total int64
	for _, entry := range entries {
		total += entry.Delta
	}
	return total
}
