package query

import "strings"

const (
	TypeGetEntitlements   = "entitlements.query.entitlements.get"
	TypeListLedgerEntries = "entitlements.query.ledger.list"
)

type GetEntitlementsMessage struct {
	AccountID string
}

func (GetEntitlementsMessage) Type() string { return TypeGetEntitlements }

func (m GetEntitlementsMessage) Validate() error {
	if strings.TrimSpace(m.AccountID) == "" {
		return queryValidationError("account_id", "account id is required")
	}
	return nil
}

type ListLedgerEntriesMessage struct {
	AccountID string
	Limit     int
}

func (ListLedgerEntriesMessage) Type() string { return TypeListLedgerEntries }

func (m ListLedgerEntriesMessage) Validate() error {
	if strings.TrimSpace(m.AccountID) == "" {
		return queryValidationError("account_id", "account id is required")
	}
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}
