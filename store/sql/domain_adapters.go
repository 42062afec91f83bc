package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-entitlements/core"
)

func bindingKey(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

func newAccountRecord(id string, bindingToken string, now time.Time) *accountRecord {
	record := &accountRecord{
		ID:           id,
		BindingToken: strings.TrimSpace(bindingToken),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if key := bindingKey(bindingToken); key != "" {
		record.BindingKey = &key
	}
	return record
}

func (r *accountRecord) toDomain() core.Account {
	if r == nil {
		return core.Account{}
	}
	account := core.Account{
		ID:            r.ID,
		BindingToken:  r.BindingToken,
		CreditBalance: r.CreditBalance,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.SubscriptionID != nil {
		account.SubscriptionID = *r.SubscriptionID
	}
	return account
}

func newSubscriptionRecord(sub core.Subscription, now time.Time) *subscriptionRecord {
	record := &subscriptionRecord{
		OriginalTransactionID: strings.TrimSpace(sub.OriginalTransactionID),
		AccountID:             strings.TrimSpace(sub.AccountID),
		ProductID:             strings.TrimSpace(sub.ProductID),
		Status:                string(sub.Status),
		ExpiresAt:             utcPointer(sub.ExpiresAt),
		GraceDeadline:         utcPointer(sub.GraceDeadline),
		Environment:           string(sub.Environment),
		LastTransactionID:     strings.TrimSpace(sub.LastTransactionID),
		CreatedAt:             sub.CreatedAt.UTC(),
		UpdatedAt:             now,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	return record
}

func (r *subscriptionRecord) toDomain() core.Subscription {
	if r == nil {
		return core.Subscription{}
	}
	return core.Subscription{
		OriginalTransactionID: r.OriginalTransactionID,
		AccountID:             r.AccountID,
		ProductID:             r.ProductID,
		Status:                core.SubscriptionStatus(r.Status),
		ExpiresAt:             utcPointer(r.ExpiresAt),
		GraceDeadline:         utcPointer(r.GraceDeadline),
		Environment:           core.Environment(r.Environment),
		LastTransactionID:     r.LastTransactionID,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
}

func newLedgerEntryRecord(entry core.LedgerEntry, balanceAfter int64, now time.Time) *ledgerEntryRecord {
	createdAt := entry.CreatedAt.UTC()
	if entry.CreatedAt.IsZero() {
		createdAt = now
	}
	return &ledgerEntryRecord{
		AccountID:     strings.TrimSpace(entry.AccountID),
		Delta:         entry.Delta,
		Reason:        strings.TrimSpace(entry.Reason),
		ProductID:     strings.TrimSpace(entry.ProductID),
		TransactionID: strings.TrimSpace(entry.TransactionID),
		BalanceAfter:  balanceAfter,
		CreatedAt:     createdAt,
	}
}

func (r *ledgerEntryRecord) toDomain() core.LedgerEntry {
	if r == nil {
		return core.LedgerEntry{}
	}
	return core.LedgerEntry{
		ID:            r.ID,
		AccountID:     r.AccountID,
		Delta:         r.Delta,
		Reason:        r.Reason,
		ProductID:     r.ProductID,
		TransactionID: r.TransactionID,
		BalanceAfter:  r.BalanceAfter,
		CreatedAt:     r.CreatedAt.UTC(),
	}
}

func newProcessedTransactionRecord(in core.ProcessedTransaction, now time.Time) *processedTransactionRecord {
	receivedAt := in.ReceivedAt.UTC()
	if in.ReceivedAt.IsZero() {
		receivedAt = now
	}
	return &processedTransactionRecord{
		IdempotencyKey: strings.TrimSpace(in.Key),
		TransactionID:  strings.TrimSpace(in.TransactionID),
		AccountID:      strings.TrimSpace(in.AccountID),
		EventKind:      string(in.EventKind),
		Source:         string(in.Source),
		Payload:        string(in.Payload),
		ReceivedAt:     receivedAt,
	}
}

func (r *processedTransactionRecord) toDomain() core.ProcessedTransaction {
	if r == nil {
		return core.ProcessedTransaction{}
	}
	return core.ProcessedTransaction{
		Key:           r.IdempotencyKey,
		TransactionID: r.TransactionID,
		AccountID:     r.AccountID,
		EventKind:     core.EventKind(r.EventKind),
		Source:        core.EventSource(r.Source),
		Payload:       []byte(r.Payload),
		ReceivedAt:    r.ReceivedAt.UTC(),
	}
}

func newProductRecord(product core.Product, now time.Time) *productRecord {
	return &productRecord{
		ID:             strings.TrimSpace(product.ID),
		Kind:           string(product.Kind),
		SignupCredits:  product.SignupCredits,
		RenewalCredits: product.RenewalCredits,
		Credits:        product.Credits,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (r *productRecord) toDomain() core.Product {
	if r == nil {
		return core.Product{}
	}
	return core.Product{
		ID:             r.ID,
		Kind:           core.ProductKind(r.Kind),
		SignupCredits:  r.SignupCredits,
		RenewalCredits: r.RenewalCredits,
		Credits:        r.Credits,
	}
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	out := value.UTC()
	return &out
}
