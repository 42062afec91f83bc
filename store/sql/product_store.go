package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-entitlements/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// ProductStore is the database-backed product catalog.
type ProductStore struct {
	db   *bun.DB
	repo repository.Repository[*productRecord]
}

func NewProductStore(db *bun.DB) (*ProductStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*productRecord](db, productHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid product repository wiring: %w", err)
		}
	}
	return &ProductStore{db: db, repo: repo}, nil
}

// LookupProduct only reports active products.
func (s *ProductStore) LookupProduct(ctx context.Context, productID string) (core.Product, bool, error) {
	if s == nil || s.repo == nil {
		return core.Product{}, false, fmt.Errorf("sqlstore: product store is not configured")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return core.Product{}, false, nil
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", id),
		repository.SelectBy("active", "=", true),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Product{}, false, err
	}
	if len(records) == 0 {
		return core.Product{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *ProductStore) List(ctx context.Context) ([]core.Product, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: product store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("active", "=", true),
		repository.OrderBy("id ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Product, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *ProductStore) Upsert(ctx context.Context, product core.Product) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: product store is not configured")
	}
	if err := product.Validate(); err != nil {
		return err
	}
	record := newProductRecord(product, time.Now().UTC())
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("kind = EXCLUDED.kind").
		Set("signup_credits = EXCLUDED.signup_credits").
		Set("renewal_credits = EXCLUDED.renewal_credits").
		Set("credits = EXCLUDED.credits").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// Deactivate hides a product from lookups without deleting it, so ledger
// rows that reference it stay meaningful.
func (s *ProductStore) Deactivate(ctx context.Context, productID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: product store is not configured")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return fmt.Errorf("sqlstore: product id is required")
	}
	record := &productRecord{ID: id, Active: false, UpdatedAt: time.Now().UTC()}
	_, err := s.db.NewUpdate().
		Model(record).
		Column("active", "updated_at").
		WherePK().
		Exec(ctx)
	return err
}

// SyncCatalog upserts every configured product in one transaction.
func (s *ProductStore) SyncCatalog(ctx context.Context, products []core.Product) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: product store is not configured")
	}
	for _, product := range products {
		if err := product.Validate(); err != nil {
			return err
		}
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()
		for _, product := range products {
			record := newProductRecord(product, now)
			if _, err := tx.NewInsert().
				Model(record).
				On("CONFLICT (id) DO UPDATE").
				Set("kind = EXCLUDED.kind").
				Set("signup_credits = EXCLUDED.signup_credits").
				Set("renewal_credits = EXCLUDED.renewal_credits").
				Set("credits = EXCLUDED.credits").
				Set("active = EXCLUDED.active").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return fmt.Errorf("sqlstore: sync product %s: %w", product.ID, err)
			}
		}
		return nil
	})
}
