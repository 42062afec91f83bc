package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-entitlements/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// EntitlementStore persists accounts, subscriptions, the credit ledger and
// processed-transaction claims with bun. Mutations run through RunInTx; on
// Postgres the account row is held with SELECT ... FOR UPDATE for the length
// of the transaction, elsewhere LockAccount takes the database write lock.
type EntitlementStore struct {
	db               *bun.DB
	accounts         repository.Repository[*accountRecord]
	subscriptions    repository.Repository[*subscriptionRecord]
	rowLocks         bool
	now              func() time.Time
	defaultListLimit int
}

func NewEntitlementStore(db *bun.DB) (*EntitlementStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	accounts := repository.NewRepository[*accountRecord](db, accountHandlers())
	if validator, ok := accounts.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid account repository wiring: %w", err)
		}
	}
	subscriptions := repository.NewRepository[*subscriptionRecord](db, subscriptionHandlers())
	if validator, ok := subscriptions.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid subscription repository wiring: %w", err)
		}
	}
	return &EntitlementStore{
		db:               db,
		accounts:         accounts,
		subscriptions:    subscriptions,
		rowLocks:         db.Dialect().Name() == dialect.PG,
		now:              time.Now,
		defaultListLimit: 100,
	}, nil
}

func (s *EntitlementStore) ResolveAccount(ctx context.Context, bindingToken string) (core.AccountRef, bool, error) {
	if s == nil || s.accounts == nil {
		return core.AccountRef{}, false, fmt.Errorf("sqlstore: entitlement store is not configured")
	}
	key := bindingKey(bindingToken)
	if key == "" {
		return core.AccountRef{}, false, nil
	}
	records, _, err := s.accounts.List(ctx,
		repository.SelectBy("binding_key", "=", key),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.AccountRef{}, false, err
	}
	if len(records) == 0 {
		return core.AccountRef{}, false, nil
	}
	return records[0].toDomain().Ref(), true, nil
}

// CreateAccount is idempotent per binding token: a concurrent creator that
// loses the unique-key race resolves to the winner's account.
func (s *EntitlementStore) CreateAccount(ctx context.Context, bindingToken string) (core.AccountRef, error) {
	if s == nil || s.accounts == nil {
		return core.AccountRef{}, fmt.Errorf("sqlstore: entitlement store is not configured")
	}
	if bindingKey(bindingToken) == "" {
		return core.AccountRef{}, fmt.Errorf("sqlstore: binding token is required")
	}
	if existing, ok, err := s.ResolveAccount(ctx, bindingToken); err != nil || ok {
		return existing, err
	}

	record := newAccountRecord(uuid.NewString(), bindingToken, s.timestamp())
	created, err := s.accounts.Create(ctx, record)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, ok, resolveErr := s.ResolveAccount(ctx, bindingToken)
			if resolveErr != nil {
				return core.AccountRef{}, resolveErr
			}
			if ok {
				return existing, nil
			}
		}
		return core.AccountRef{}, err
	}
	return created.toDomain().Ref(), nil
}

func (s *EntitlementStore) GetAccount(ctx context.Context, accountID string) (core.Account, error) {
	if s == nil || s.accounts == nil {
		return core.Account{}, fmt.Errorf("sqlstore: entitlement store is not configured")
	}
	id := strings.TrimSpace(accountID)
	if id == "" {
		return core.Account{}, core.ErrAccountNotFound
	}
	records, _, err := s.accounts.List(ctx,
		repository.SelectBy("id", "=", id),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Account{}, err
	}
	if len(records) == 0 {
		return core.Account{}, fmt.Errorf("%w: id %q", core.ErrAccountNotFound, id)
	}
	return records[0].toDomain(), nil
}

func (s *EntitlementStore) GetAccountSubscription(ctx context.Context, accountID string) (core.Subscription, bool, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return core.Subscription{}, false, nil
		}
		return core.Subscription{}, false, err
	}
	if account.SubscriptionID == "" {
		return core.Subscription{}, false, nil
	}
	records, _, err := s.subscriptions.List(ctx,
		repository.SelectBy("original_transaction_id", "=", account.SubscriptionID),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Subscription{}, false, err
	}
	if len(records) == 0 {
		return core.Subscription{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

// ListLedgerEntries returns the newest entries first.
func (s *EntitlementStore) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]core.LedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: entitlement store is not configured")
	}
	var records []ledgerEntryRecord
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		OrderExpr("?TableAlias.id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	out := make([]core.LedgerEntry, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

// FindAccountByLineage resolves the owner of a subscription lineage, falling
// back to the ledger for consumables that never created a subscription row.
func (s *EntitlementStore) FindAccountByLineage(ctx context.Context, originalTransactionID string) (core.AccountRef, bool, error) {
	if s == nil || s.db == nil {
		return core.AccountRef{}, false, fmt.Errorf("sqlstore: entitlement store is not configured")
	}
	lineage := strings.TrimSpace(originalTransactionID)
	if lineage == "" {
		return core.AccountRef{}, false, nil
	}

	var accountID string
	err := s.db.NewSelect().
		Model((*subscriptionRecord)(nil)).
		Column("account_id").
		Where("?TableAlias.original_transaction_id = ?", lineage).
		Limit(1).
		Scan(ctx, &accountID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return core.AccountRef{}, false, err
	}
	if accountID == "" {
		err = s.db.NewSelect().
			Model((*ledgerEntryRecord)(nil)).
			Column("account_id").
			Where("?TableAlias.transaction_id = ?", lineage).
			OrderExpr("?TableAlias.id ASC").
			Limit(1).
			Scan(ctx, &accountID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return core.AccountRef{}, false, err
		}
	}
	if accountID == "" {
		return core.AccountRef{}, false, nil
	}
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return core.AccountRef{}, false, nil
		}
		return core.AccountRef{}, false, err
	}
	return account.Ref(), true, nil
}

func (s *EntitlementStore) ListLapsedGrace(ctx context.Context, now time.Time, limit int) ([]core.Subscription, error) {
	if s == nil || s.subscriptions == nil {
		return nil, fmt.Errorf("sqlstore: entitlement store is not configured")
	}
	if limit <= 0 {
		limit = s.defaultListLimit
	}
	records, _, err := s.subscriptions.List(ctx,
		repository.SelectBy("status", "=", string(core.SubscriptionStatusGrace)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.grace_deadline IS NOT NULL").
				Where("?TableAlias.grace_deadline <= ?", now.UTC())
		}),
		repository.OrderBy("grace_deadline ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Subscription, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *EntitlementStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx core.EntitlementTx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: entitlement store is not configured")
	}
	if fn == nil {
		return fmt.Errorf("sqlstore: transaction function is required")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &entitlementTx{
			tx:       tx,
			rowLocks: s.rowLocks,
			now:      s.timestamp,
			locked:   map[string]struct{}{},
			claimed:  map[string]struct{}{},
		})
	})
}

// SetClock overrides the timestamp source used for created/updated columns.
func (s *EntitlementStore) SetClock(now func() time.Time) {
	if s != nil && now != nil {
		s.now = now
	}
}

func (s *EntitlementStore) timestamp() time.Time {
	if s == nil || s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "unique") || strings.Contains(text, "duplicate")
}
