package entitlements

import (
	"fmt"

	entitlementscommand "github.com/goliatone/go-entitlements/command"
	entitlementsquery "github.com/goliatone/go-entitlements/query"
	"github.com/goliatone/go-entitlements/webhooks"
)

// CommandQueryService is the surface the facade wires handlers against.
// *Service satisfies it.
type CommandQueryService interface {
	entitlementscommand.MutatingService
	entitlementsquery.EntitlementReader
	entitlementsquery.LedgerReader
}

type Commands struct {
	ValidatePurchase    *entitlementscommand.ValidatePurchaseCommand
	ProcessNotification *entitlementscommand.ProcessNotificationCommand
	SpendCredits        *entitlementscommand.SpendCreditsCommand
	FinalizeLapsedGrace *entitlementscommand.FinalizeLapsedGraceCommand
}

type Queries struct {
	GetEntitlements   *entitlementsquery.GetEntitlementsQuery
	ListLedgerEntries *entitlementsquery.ListLedgerEntriesQuery
}

type Facade struct {
	service       CommandQueryService
	commands      Commands
	queries       Queries
	notifications *webhooks.NotificationHandler
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	maxNotificationBytes int64
}

// WithMaxNotificationBytes caps push notification bodies accepted by the
// facade's notification handler.
func WithMaxNotificationBytes(limit int64) FacadeOption {
	return func(options *facadeOptions) {
		options.maxNotificationBytes = limit
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("entitlements: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		ValidatePurchase:    entitlementscommand.NewValidatePurchaseCommand(service),
		ProcessNotification: entitlementscommand.NewProcessNotificationCommand(service),
		SpendCredits:        entitlementscommand.NewSpendCreditsCommand(service),
		FinalizeLapsedGrace: entitlementscommand.NewFinalizeLapsedGraceCommand(service),
	}
	facade.queries = Queries{
		GetEntitlements:   entitlementsquery.NewGetEntitlementsQuery(service),
		ListLedgerEntries: entitlementsquery.NewListLedgerEntriesQuery(service),
	}
	facade.notifications = webhooks.NewNotificationHandler(service)
	if cfg.maxNotificationBytes > 0 {
		facade.notifications.MaxBodyBytes = cfg.maxNotificationBytes
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Notifications() *webhooks.NotificationHandler {
	if f == nil {
		return nil
	}
	return f.notifications
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}
