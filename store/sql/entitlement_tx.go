package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-entitlements/core"
	"github.com/uptrace/bun"
)

type entitlementTx struct {
	tx       bun.Tx
	rowLocks bool
	now      func() time.Time
	locked   map[string]struct{}
	claimed  map[string]struct{}
}

// Claim inserts the idempotency record. A conflicting row means another
// transaction already committed the key; on Postgres an uncommitted
// conflicting insert blocks here until that transaction finishes.
func (t *entitlementTx) Claim(ctx context.Context, in core.ProcessedTransaction) (core.ClaimResult, error) {
	key := strings.TrimSpace(in.Key)
	if key == "" {
		return "", fmt.Errorf("sqlstore: idempotency key is required")
	}
	if _, ok := t.claimed[key]; ok {
		return core.ClaimResultAlreadyProcessed, nil
	}
	record := newProcessedTransactionRecord(in, t.now())
	res, err := t.tx.NewInsert().
		Model(record).
		On("CONFLICT (idempotency_key) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		return core.ClaimResultAlreadyProcessed, nil
	}
	t.claimed[key] = struct{}{}
	return core.ClaimResultClaimed, nil
}

func (t *entitlementTx) LockAccount(ctx context.Context, accountID string) (core.Account, error) {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return core.Account{}, core.ErrAccountNotFound
	}
	if !t.rowLocks {
		// Without row locks, a no-op write takes the database write lock so
		// no other writer can interleave before this transaction ends.
		if _, err := t.tx.NewRaw(
			"UPDATE entitlement_accounts SET updated_at = updated_at WHERE id = ?", id,
		).Exec(ctx); err != nil {
			return core.Account{}, fmt.Errorf("sqlstore: lock account %q: %w", id, err)
		}
	}
	record := &accountRecord{}
	query := t.tx.NewSelect().Model(record).Where("?TableAlias.id = ?", id)
	if t.rowLocks {
		query = query.For("UPDATE")
	}
	if err := query.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Account{}, fmt.Errorf("%w: id %q", core.ErrAccountNotFound, id)
		}
		return core.Account{}, err
	}
	t.locked[id] = struct{}{}
	return record.toDomain(), nil
}

func (t *entitlementTx) GetSubscription(ctx context.Context, originalTransactionID string) (core.Subscription, bool, error) {
	lineage := strings.TrimSpace(originalTransactionID)
	if lineage == "" {
		return core.Subscription{}, false, nil
	}
	record := &subscriptionRecord{}
	err := t.tx.NewSelect().
		Model(record).
		Where("?TableAlias.original_transaction_id = ?", lineage).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Subscription{}, false, nil
		}
		return core.Subscription{}, false, err
	}
	return record.toDomain(), true, nil
}

func (t *entitlementTx) GetAccountSubscription(ctx context.Context, accountID string) (core.Subscription, bool, error) {
	id := strings.TrimSpace(accountID)
	var subscriptionID sql.NullString
	err := t.tx.NewSelect().
		Model((*accountRecord)(nil)).
		Column("subscription_id").
		Where("?TableAlias.id = ?", id).
		Scan(ctx, &subscriptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Subscription{}, false, nil
		}
		return core.Subscription{}, false, err
	}
	if !subscriptionID.Valid || strings.TrimSpace(subscriptionID.String) == "" {
		return core.Subscription{}, false, nil
	}
	return t.GetSubscription(ctx, subscriptionID.String)
}

// SaveSubscription upserts the lineage and points the owning account at it.
func (t *entitlementTx) SaveSubscription(ctx context.Context, subscription core.Subscription) error {
	lineage := strings.TrimSpace(subscription.OriginalTransactionID)
	if lineage == "" {
		return fmt.Errorf("sqlstore: original transaction id is required")
	}
	accountID := strings.TrimSpace(subscription.AccountID)
	if _, held := t.locked[accountID]; !held {
		return fmt.Errorf("sqlstore: account %q must be locked before saving its subscription", accountID)
	}
	now := t.now()
	record := newSubscriptionRecord(subscription, now)
	_, err := t.tx.NewInsert().
		Model(record).
		On("CONFLICT (original_transaction_id) DO UPDATE").
		Set("account_id = EXCLUDED.account_id").
		Set("product_id = EXCLUDED.product_id").
		Set("status = EXCLUDED.status").
		Set("expires_at = EXCLUDED.expires_at").
		Set("grace_deadline = EXCLUDED.grace_deadline").
		Set("environment = EXCLUDED.environment").
		Set("last_transaction_id = EXCLUDED.last_transaction_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return err
	}

	account := &accountRecord{ID: accountID, SubscriptionID: &lineage, UpdatedAt: now}
	_, err = t.tx.NewUpdate().
		Model(account).
		Column("subscription_id", "updated_at").
		WherePK().
		Exec(ctx)
	return err
}

// AppendLedger writes the entry and moves the cached balance in the same
// transaction. A delta that would take the balance below zero is refused.
func (t *entitlementTx) AppendLedger(ctx context.Context, entry core.LedgerEntry) (core.LedgerEntry, error) {
	accountID := strings.TrimSpace(entry.AccountID)
	if _, held := t.locked[accountID]; !held {
		return core.LedgerEntry{}, fmt.Errorf("sqlstore: account %q must be locked before appending to its ledger", accountID)
	}
	if entry.Delta == 0 {
		return core.LedgerEntry{}, fmt.Errorf("sqlstore: ledger delta must be non-zero")
	}

	account := &accountRecord{}
	if err := t.tx.NewSelect().Model(account).Where("?TableAlias.id = ?", accountID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.LedgerEntry{}, fmt.Errorf("%w: id %q", core.ErrAccountNotFound, accountID)
		}
		return core.LedgerEntry{}, err
	}
	balance := account.CreditBalance + entry.Delta
	if balance < 0 {
		return core.LedgerEntry{}, fmt.Errorf("sqlstore: ledger append would make balance negative")
	}

	now := t.now()
	account.CreditBalance = balance
	account.UpdatedAt = now
	if _, err := t.tx.NewUpdate().
		Model(account).
		Column("credit_balance", "updated_at").
		WherePK().
		Exec(ctx); err != nil {
		return core.LedgerEntry{}, err
	}

	record := newLedgerEntryRecord(entry, balance, now)
	if _, err := t.tx.NewInsert().Model(record).Returning("id").Exec(ctx); err != nil {
		return core.LedgerEntry{}, err
	}
	return record.toDomain(), nil
}

func (t *entitlementTx) GrantedForTransaction(ctx context.Context, accountID, transactionID string) (int64, error) {
	var total int64
	err := t.tx.NewSelect().
		Model((*ledgerEntryRecord)(nil)).
		ColumnExpr("COALESCE(SUM(?TableAlias.delta), 0)").
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		Where("?TableAlias.transaction_id = ?", strings.TrimSpace(transactionID)).
		Where("?TableAlias.delta > 0").
		Scan(ctx, &total)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return total, nil
}
