package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-entitlements/core"
)

var (
	_ gocmd.Querier[GetEntitlementsMessage, core.EntitlementSnapshot] = (*GetEntitlementsQuery)(nil)
	_ gocmd.Querier[ListLedgerEntriesMessage, []core.LedgerEntry]     = (*ListLedgerEntriesQuery)(nil)

	_ EntitlementReader = (*core.Service)(nil)
	_ LedgerReader      = (*core.Service)(nil)
)
