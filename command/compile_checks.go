package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-entitlements/core"
)

var (
	_ gocmd.Commander[ValidatePurchaseMessage]    = (*ValidatePurchaseCommand)(nil)
	_ gocmd.Commander[ProcessNotificationMessage] = (*ProcessNotificationCommand)(nil)
	_ gocmd.Commander[SpendCreditsMessage]        = (*SpendCreditsCommand)(nil)
	_ gocmd.Commander[FinalizeLapsedGraceMessage] = (*FinalizeLapsedGraceCommand)(nil)

	_ MutatingService = (*core.Service)(nil)
)
