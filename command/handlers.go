package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-entitlements/core"
)

type MutatingService interface {
	HandleClientValidation(ctx context.Context, req core.ClientValidationRequest) (core.EntitlementSnapshot, error)
	HandlePushNotification(ctx context.Context, signedPayload string) (core.NotificationResult, error)
	Spend(ctx context.Context, req core.SpendRequest) (core.SpendResult, error)
	FinalizeLapsedGrace(ctx context.Context, limit int) (int, error)
}

// FinalizeLapsedGraceResult is stored for callers of the sweep command.
type FinalizeLapsedGraceResult struct {
	Finalized int
}

type ValidatePurchaseCommand struct {
	service MutatingService
}

func NewValidatePurchaseCommand(service MutatingService) *ValidatePurchaseCommand {
	return &ValidatePurchaseCommand{service: service}
}

func (c *ValidatePurchaseCommand) Execute(ctx context.Context, msg ValidatePurchaseMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: purchase validation service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.HandleClientValidation(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ProcessNotificationCommand struct {
	service MutatingService
}

func NewProcessNotificationCommand(service MutatingService) *ProcessNotificationCommand {
	return &ProcessNotificationCommand{service: service}
}

// Execute stores the NotificationResult even when the notification is
// rejected, so callers can report the rejection reason alongside err.
func (c *ProcessNotificationCommand) Execute(ctx context.Context, msg ProcessNotificationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: notification service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.HandlePushNotification(ctx, msg.SignedPayload)
	storeResult(ctx, out)
	return err
}

type SpendCreditsCommand struct {
	service MutatingService
}

func NewSpendCreditsCommand(service MutatingService) *SpendCreditsCommand {
	return &SpendCreditsCommand{service: service}
}

func (c *SpendCreditsCommand) Execute(ctx context.Context, msg SpendCreditsMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: spend service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.Spend(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type FinalizeLapsedGraceCommand struct {
	service MutatingService
}

func NewFinalizeLapsedGraceCommand(service MutatingService) *FinalizeLapsedGraceCommand {
	return &FinalizeLapsedGraceCommand{service: service}
}

func (c *FinalizeLapsedGraceCommand) Execute(ctx context.Context, msg FinalizeLapsedGraceMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: grace sweep service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	finalized, err := c.service.FinalizeLapsedGrace(ctx, msg.Limit)
	if err != nil {
		return err
	}
	storeResult(ctx, FinalizeLapsedGraceResult{Finalized: finalized})
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
