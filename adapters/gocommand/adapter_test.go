package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
	entitlements "github.com/goliatone/go-entitlements"
	entitlementscommand "github.com/goliatone/go-entitlements/command"
	"github.com/goliatone/go-entitlements/core"
	entitlementsquery "github.com/goliatone/go-entitlements/query"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

type okMessage struct{}

func (okMessage) Type() string { return "entitlements.command.ok" }

type invalidMessage struct{}

func (invalidMessage) Type() string { return "" }

type failingMessage struct{}

func (failingMessage) Type() string { return "entitlements.command.fail" }

func (failingMessage) Validate() error { return errors.New("invalid payload") }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(okMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(invalidMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(failingMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
	if err := ValidateMessageContract(entitlementscommand.SpendCreditsMessage{}); err == nil {
		t.Fatalf("expected invalid spend message to fail")
	}
}

func TestRegisterFacadeDispatchesCommandsAndQueries(t *testing.T) {
	svc := &stubFacadeService{balance: 10}
	facade, err := entitlements.NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	adapter := NewRegistryAdapter(command.NewRegistry())
	subs, err := RegisterFacade(adapter, facade)
	if err != nil {
		t.Fatalf("register facade: %v", err)
	}
	defer subs.Unsubscribe()
	if len(subs) != 6 {
		t.Fatalf("expected six subscriptions, got %d", len(subs))
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if err := Dispatch(context.Background(), entitlementscommand.SpendCreditsMessage{
		Request: core.SpendRequest{AccountID: "acct-1", Cost: 3},
	}); err != nil {
		t.Fatalf("dispatch spend: %v", err)
	}
	if svc.balance != 7 {
		t.Fatalf("expected spend to reach the service, balance %d", svc.balance)
	}

	snapshot, err := Query[entitlementsquery.GetEntitlementsMessage, core.EntitlementSnapshot](
		context.Background(),
		entitlementsquery.GetEntitlementsMessage{AccountID: "acct-1"},
	)
	if err != nil {
		t.Fatalf("query entitlements: %v", err)
	}
	if snapshot.CreditBalance != 7 {
		t.Fatalf("expected balance 7, got %d", snapshot.CreditBalance)
	}
}

func TestQueueResolverMirrorsEntitlementCommands(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()
	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	if err := adapter.RegisterCommand(entitlementscommand.NewFinalizeLapsedGraceCommand(&stubFacadeService{})); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if _, ok := queueRegistry.Get(entitlementscommand.TypeFinalizeLapsedGrace); !ok {
		t.Fatalf("expected grace sweep command in queue registry")
	}
}

func TestRegisterFacadeRequiresDependencies(t *testing.T) {
	if _, err := RegisterFacade(nil, &entitlements.Facade{}); err == nil {
		t.Fatalf("expected missing registry error")
	}
	if _, err := RegisterFacade(NewRegistryAdapter(nil), nil); err == nil {
		t.Fatalf("expected missing facade error")
	}
	if err := (*RegistryAdapter)(nil).AddQueueResolver("queue", jobqueuecommand.NewRegistry()); err == nil {
		t.Fatalf("expected missing registry error")
	}
}

type stubFacadeService struct {
	balance int64
}

func (s *stubFacadeService) HandleClientValidation(context.Context, core.ClientValidationRequest) (core.EntitlementSnapshot, error) {
	return core.EntitlementSnapshot{}, nil
}

func (s *stubFacadeService) HandlePushNotification(context.Context, string) (core.NotificationResult, error) {
	return core.NotificationResult{Accepted: true, Outcome: core.OutcomeIgnored}, nil
}

func (s *stubFacadeService) Spend(_ context.Context, req core.SpendRequest) (core.SpendResult, error) {
	s.balance -= req.Cost
	return core.SpendResult{Granted: true, Balance: s.balance}, nil
}

func (s *stubFacadeService) FinalizeLapsedGrace(context.Context, int) (int, error) {
	return 0, nil
}

func (s *stubFacadeService) GetEntitlements(_ context.Context, accountID string) (core.EntitlementSnapshot, error) {
	return core.EntitlementSnapshot{AccountID: accountID, CreditBalance: s.balance}, nil
}

func (s *stubFacadeService) ListLedgerEntries(context.Context, string, int) ([]core.LedgerEntry, error) {
	return nil, nil
}
