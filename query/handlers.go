package query

import (
	"context"

	"github.com/goliatone/go-entitlements/core"
)

type EntitlementReader interface {
	GetEntitlements(ctx context.Context, accountID string) (core.EntitlementSnapshot, error)
}

type LedgerReader interface {
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]core.LedgerEntry, error)
}

type GetEntitlementsQuery struct {
	reader EntitlementReader
}

func NewGetEntitlementsQuery(reader EntitlementReader) *GetEntitlementsQuery {
	return &GetEntitlementsQuery{reader: reader}
}

func (q *GetEntitlementsQuery) Query(ctx context.Context, msg GetEntitlementsMessage) (core.EntitlementSnapshot, error) {
	if q == nil || q.reader == nil {
		return core.EntitlementSnapshot{}, queryDependencyError("query: entitlement reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.EntitlementSnapshot{}, err
	}
	return q.reader.GetEntitlements(ctx, msg.AccountID)
}

type ListLedgerEntriesQuery struct {
	reader LedgerReader
}

func NewListLedgerEntriesQuery(reader LedgerReader) *ListLedgerEntriesQuery {
	return &ListLedgerEntriesQuery{reader: reader}
}

// Query returns entries newest first.
func (q *ListLedgerEntriesQuery) Query(ctx context.Context, msg ListLedgerEntriesMessage) ([]core.LedgerEntry, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: ledger reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.ListLedgerEntries(ctx, msg.AccountID, msg.Limit)
}
