package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

// Service reconciles storefront transactions into entitlement state. It is
// safe for concurrent use; every mutation runs inside one store transaction.
type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	verifier        PayloadVerifier
	fetcher         TransactionFetcher
	store           EntitlementStore
	accounts        AccountResolver
	products        ProductCatalog
	machine         StateMachine
	now             func() time.Time
}

type ServiceDependencies struct {
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorFactory    ErrorFactory
	ErrorMapper     ErrorMapper
	ConfigProvider  ConfigProvider
	OptionsResolver OptionsResolver
	Verifier        PayloadVerifier
	Fetcher         TransactionFetcher
	Store           EntitlementStore
	AccountResolver AccountResolver
	ProductCatalog  ProductCatalog
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("entitlements", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("entitlements"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.now == nil {
		builder.now = time.Now
	}
	if builder.verifier == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: payload verifier is required"))
	}
	if builder.store == nil {
		builder.store = NewMemoryStore()
	}
	if builder.accountResolver == nil {
		builder.accountResolver = builder.store
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if builder.productCatalog == nil {
		builder.productCatalog = NewStaticProductCatalog(finalConfig.Products...)
	}

	return &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		verifier:        builder.verifier,
		fetcher:         builder.fetcher,
		store:           builder.store,
		accounts:        builder.accountResolver,
		products:        builder.productCatalog,
		machine:         StateMachine{Policy: finalConfig.Policy},
		now:             builder.now,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:          s.logger,
		LoggerProvider:  s.loggerProvider,
		MetricsRecorder: s.metricsRecorder,
		ErrorFactory:    s.errorFactory,
		ErrorMapper:     s.errorMapper,
		ConfigProvider:  s.configProvider,
		OptionsResolver: s.optionsResolver,
		Verifier:        s.verifier,
		Fetcher:         s.fetcher,
		Store:           s.store,
		AccountResolver: s.accounts,
		ProductCatalog:  s.products,
	}
}

// HandleClientValidation looks up a client-submitted transaction, verifies
// it and applies it to the caller's account.
func (s *Service) HandleClientValidation(ctx context.Context, req ClientValidationRequest) (snapshot EntitlementSnapshot, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"transaction_id":     req.TransactionID,
		"claimed_product_id": req.ClaimedProductID,
		"account_id":         req.Caller.ID,
		"source":             string(EventSourceClient),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "client_validation", err, fields)
	}()

	if err = req.Validate(); err != nil {
		err = s.mapError(err)
		return EntitlementSnapshot{}, err
	}
	transactionID := strings.TrimSpace(req.TransactionID)

	signed, err := s.fetchTransaction(ctx, transactionID)
	if err != nil {
		return EntitlementSnapshot{}, err
	}
	info, err := s.verifier.VerifyTransaction(ctx, signed)
	if err != nil {
		err = s.mapError(err)
		return EntitlementSnapshot{}, err
	}
	fields["product_id"] = info.ProductID
	fields["original_transaction_id"] = info.lineage()
	fields["environment"] = string(info.Environment)

	if claimed := strings.TrimSpace(req.ClaimedProductID); claimed != "" && claimed != info.ProductID {
		err = NewProductMismatchError(claimed, info.ProductID)
		return EntitlementSnapshot{}, err
	}

	envMismatch := !info.Environment.Matches(s.environment())
	skipped := EntitlementSnapshot{
		AccountID:     req.Caller.ID,
		BindingToken:  req.Caller.BindingToken,
		Outcome:       OutcomeEnvironmentMismatch,
		TransactionID: info.TransactionID,
	}

	product, found, err := s.products.LookupProduct(ctx, info.ProductID)
	if err != nil {
		err = s.mapError(err)
		return EntitlementSnapshot{}, err
	}
	if !found {
		if envMismatch {
			fields["outcome"] = string(OutcomeEnvironmentMismatch)
			return skipped, nil
		}
		err = NewProductUnknownError(info.ProductID)
		return EntitlementSnapshot{}, err
	}

	account, found, err := s.resolveCaller(ctx, req.Caller, !envMismatch)
	if err != nil {
		err = s.mapError(err)
		return EntitlementSnapshot{}, err
	}
	if !found {
		if envMismatch {
			fields["outcome"] = string(OutcomeEnvironmentMismatch)
			return skipped, nil
		}
		err = NewAccountUnresolvedError(info.lineage())
		return EntitlementSnapshot{}, err
	}
	fields["account_id"] = account.ID

	if token := strings.TrimSpace(info.AppAccountToken); token != "" && !strings.EqualFold(token, account.BindingToken) {
		err = NewAccountMismatchError(info.TransactionID)
		return EntitlementSnapshot{}, err
	}

	event := EventFromTransaction(info, product)
	fields["event_kind"] = string(event.Kind)
	payload, err := json.Marshal(info)
	if err != nil {
		err = s.mapError(err)
		return EntitlementSnapshot{}, err
	}

	outcome, err := s.reconcile(ctx, account.ID, event, product, EventSourceClient, payload)
	if err != nil {
		err = s.mapError(err)
		return EntitlementSnapshot{}, err
	}
	fields["outcome"] = string(outcome)

	snapshot, err = s.snapshot(ctx, account.ID)
	if err != nil {
		err = s.mapError(err)
		return EntitlementSnapshot{}, err
	}
	snapshot.Outcome = outcome
	snapshot.TransactionID = info.TransactionID
	return snapshot, nil
}

// HandlePushNotification verifies a storefront notification and applies it.
// The result is always definitive: Accepted, or rejected with err carrying
// the reason.
func (s *Service) HandlePushNotification(ctx context.Context, signedPayload string) (result NotificationResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"source": string(EventSourceNotification),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "push_notification", err, fields)
	}()

	if strings.TrimSpace(signedPayload) == "" {
		err = NewVerificationError(VerificationMalformed, "core: signed payload is required", nil)
		return s.rejected(result, err), err
	}
	payload, err := s.verifier.VerifyNotification(ctx, signedPayload)
	if err != nil {
		err = s.mapError(err)
		return s.rejected(result, err), err
	}
	result.NotificationType = payload.NotificationType
	fields["notification_type"] = payload.NotificationType
	fields["notification_id"] = payload.NotificationUUID

	info := payload.Data.TransactionInfo
	if info == nil || EventKindForNotification(payload.NotificationType, payload.Subtype) == EventIgnored {
		result.EventKind = EventIgnored
		fields["outcome"] = string(OutcomeIgnored)
		return s.accepted(result, OutcomeIgnored), nil
	}
	result.TransactionID = info.TransactionID
	fields["transaction_id"] = info.TransactionID
	fields["product_id"] = info.ProductID

	environment := payload.Data.Environment
	if environment == "" {
		environment = info.Environment
	}
	envMismatch := !environment.Matches(s.environment())
	fields["environment"] = string(environment)

	product, found, err := s.products.LookupProduct(ctx, info.ProductID)
	if err != nil {
		err = s.mapError(err)
		return s.rejected(result, err), err
	}
	if !found {
		if envMismatch {
			fields["outcome"] = string(OutcomeEnvironmentMismatch)
			return s.accepted(result, OutcomeEnvironmentMismatch), nil
		}
		err = NewProductUnknownError(info.ProductID)
		return s.rejected(result, err), err
	}

	event := EventFromNotification(payload, product)
	result.EventKind = event.Kind
	fields["event_kind"] = string(event.Kind)
	if event.Kind == EventIgnored {
		fields["outcome"] = string(OutcomeIgnored)
		return s.accepted(result, OutcomeIgnored), nil
	}

	accountID, found, err := s.resolveNotificationAccount(ctx, event, !envMismatch)
	if err != nil {
		err = s.mapError(err)
		return s.rejected(result, err), err
	}
	if !found {
		if envMismatch {
			fields["outcome"] = string(OutcomeEnvironmentMismatch)
			return s.accepted(result, OutcomeEnvironmentMismatch), nil
		}
		err = NewAccountUnresolvedError(event.OriginalTransactionID)
		return s.rejected(result, err), err
	}
	result.AccountID = accountID
	fields["account_id"] = accountID

	raw, err := json.Marshal(payload)
	if err != nil {
		err = s.mapError(err)
		return s.rejected(result, err), err
	}
	outcome, err := s.reconcile(ctx, accountID, event, product, EventSourceNotification, raw)
	if err != nil {
		err = s.mapError(err)
		return s.rejected(result, err), err
	}
	fields["outcome"] = string(outcome)
	return s.accepted(result, outcome), nil
}

// Spend debits cost from the account when the consumption policy allows it.
// Denials are reported in the result, not as errors.
func (s *Service) Spend(ctx context.Context, req SpendRequest) (result SpendResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"account_id": req.AccountID,
		"cost":       req.Cost,
		"request_id": req.RequestID,
		"source":     string(EventSourceSpend),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "spend", err, fields)
	}()

	if err = req.Validate(); err != nil {
		err = s.mapError(err)
		return SpendResult{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = LedgerReasonUsage
	}
	accountID := strings.TrimSpace(req.AccountID)
	now := s.clock()

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx EntitlementTx) error {
		account, lockErr := tx.LockAccount(ctx, accountID)
		if lockErr != nil {
			return lockErr
		}
		var current *Subscription
		sub, ok, subErr := tx.GetAccountSubscription(ctx, account.ID)
		if subErr != nil {
			return subErr
		}
		if ok {
			current = &sub
		}

		decision := s.machine.EvaluateSpend(current, account.CreditBalance, req.Cost, now)
		if decision.Finalize != nil {
			if saveErr := tx.SaveSubscription(ctx, *decision.Finalize); saveErr != nil {
				return saveErr
			}
		}
		if !decision.Allowed {
			result = SpendResult{DenialReason: decision.Reason, Balance: account.CreditBalance}
			return nil
		}

		if key := spendIdempotencyKey(req.RequestID); key != "" {
			claim, claimErr := tx.Claim(ctx, ProcessedTransaction{
				Key:           key,
				TransactionID: strings.TrimSpace(req.RequestID),
				AccountID:     account.ID,
				EventKind:     EventSpend,
				Source:        EventSourceSpend,
				ReceivedAt:    now,
			})
			if claimErr != nil {
				return claimErr
			}
			if claim == ClaimResultAlreadyProcessed {
				result = SpendResult{Granted: true, AlreadyProcessed: true, Balance: account.CreditBalance}
				return nil
			}
		}

		entry, appendErr := tx.AppendLedger(ctx, LedgerEntry{
			AccountID:     account.ID,
			Delta:         -req.Cost,
			Reason:        reason,
			TransactionID: strings.TrimSpace(req.RequestID),
			CreatedAt:     now,
		})
		if appendErr != nil {
			return appendErr
		}
		result = SpendResult{Granted: true, Balance: entry.BalanceAfter, Entry: &entry}
		return nil
	})
	if err != nil {
		err = s.mapError(err)
		return SpendResult{}, err
	}
	fields["granted"] = result.Granted
	if !result.Granted {
		fields["outcome"] = string(result.DenialReason)
	}
	return result, nil
}

func (s *Service) GetEntitlements(ctx context.Context, accountID string) (snapshot EntitlementSnapshot, err error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return EntitlementSnapshot{}, s.mapError(fmt.Errorf("core: account id is required"))
	}
	snapshot, err = s.snapshot(ctx, accountID)
	if err != nil {
		return EntitlementSnapshot{}, s.mapError(err)
	}
	return snapshot, nil
}

func (s *Service) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, s.mapError(fmt.Errorf("core: account id is required"))
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, s.mapError(err)
	}
	entries, err := s.store.ListLedgerEntries(ctx, accountID, limit)
	if err != nil {
		return nil, s.mapError(err)
	}
	return entries, nil
}

// FinalizeLapsedGrace moves grace subscriptions whose deadline has passed to
// expired. It is meant to be driven by an external scheduler.
func (s *Service) FinalizeLapsedGrace(ctx context.Context, limit int) (finalized int, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"limit": limit}
	defer func() {
		fields["finalized"] = finalized
		s.observeOperation(ctx, startedAt, "finalize_lapsed_grace", err, fields)
	}()

	now := s.clock()
	lapsed, err := s.store.ListLapsedGrace(ctx, now, limit)
	if err != nil {
		err = s.mapError(err)
		return 0, err
	}
	for _, candidate := range lapsed {
		changed := false
		txErr := s.store.RunInTx(ctx, func(ctx context.Context, tx EntitlementTx) error {
			changed = false
			if _, lockErr := tx.LockAccount(ctx, candidate.AccountID); lockErr != nil {
				return lockErr
			}
			current, ok, getErr := tx.GetSubscription(ctx, candidate.OriginalTransactionID)
			if getErr != nil {
				return getErr
			}
			if !ok || !current.GraceLapsed(now) {
				return nil
			}
			if transitionErr := current.TransitionTo(SubscriptionStatusExpired, nil); transitionErr != nil {
				return transitionErr
			}
			current.UpdatedAt = now
			if saveErr := tx.SaveSubscription(ctx, current); saveErr != nil {
				return saveErr
			}
			changed = true
			return nil
		})
		if txErr != nil {
			err = s.mapError(txErr)
			return finalized, err
		}
		if changed {
			finalized++
		}
	}
	return finalized, nil
}

// reconcile claims the event's idempotency key and applies the state machine
// decision in the same transaction.
func (s *Service) reconcile(
	ctx context.Context,
	accountID string,
	event Event,
	product Product,
	source EventSource,
	payload []byte,
) (Outcome, error) {
	key := event.IdempotencyKey()
	if key == "" {
		return "", fmt.Errorf("core: event %q has no idempotency key", event.Kind)
	}
	now := s.clock()
	outcome := OutcomeNoop

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx EntitlementTx) error {
		outcome = OutcomeNoop
		account, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		claim, err := tx.Claim(ctx, ProcessedTransaction{
			Key:           key,
			TransactionID: event.TransactionID,
			AccountID:     account.ID,
			EventKind:     event.Kind,
			Source:        source,
			Payload:       payload,
			ReceivedAt:    now,
		})
		if err != nil {
			return err
		}
		if claim == ClaimResultAlreadyProcessed {
			outcome = OutcomeAlreadyProcessed
			return nil
		}

		var current *Subscription
		if event.Kind != EventConsumable && event.OriginalTransactionID != "" {
			sub, ok, err := tx.GetSubscription(ctx, event.OriginalTransactionID)
			if err != nil {
				return err
			}
			if ok {
				if sub.AccountID != account.ID {
					return NewAccountMismatchError(event.TransactionID)
				}
				current = &sub
			}
		}

		input := TransitionInput{
			Current:   current,
			AccountID: account.ID,
			Balance:   account.CreditBalance,
			Event:     event,
			Product:   product,
		}
		if event.Kind == EventRefund {
			granted, err := tx.GrantedForTransaction(ctx, account.ID, event.TransactionID)
			if err != nil {
				return err
			}
			input.RefundableCredits = granted
		}

		decision, err := s.machine.Apply(input, now)
		if err != nil {
			return err
		}
		if decision.Next != nil {
			if err := tx.SaveSubscription(ctx, *decision.Next); err != nil {
				return err
			}
		}
		if decision.Delta != 0 {
			if _, err := tx.AppendLedger(ctx, LedgerEntry{
				AccountID:     account.ID,
				Delta:         decision.Delta,
				Reason:        decision.Reason,
				ProductID:     event.ProductID,
				TransactionID: event.TransactionID,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}
		if decision.Changed() {
			outcome = OutcomeApplied
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (s *Service) fetchTransaction(ctx context.Context, transactionID string) (string, error) {
	if s.fetcher == nil {
		return "", s.mapError(fmt.Errorf("core: transaction fetcher is not configured"))
	}
	environment := s.environment()
	signed, err := s.fetcher.FetchTransaction(ctx, transactionID, environment)
	if errors.Is(err, ErrTransactionNotFound) && environment == EnvironmentProduction && s.config.SandboxFallback {
		signed, err = s.fetcher.FetchTransaction(ctx, transactionID, EnvironmentSandbox)
	}
	switch {
	case err == nil:
		return signed, nil
	case errors.Is(err, ErrTransactionNotFound):
		return "", NewTransactionNotFoundError(transactionID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", s.mapError(err)
	default:
		return "", NewUpstreamUnavailableError(err)
	}
}

func (s *Service) resolveCaller(ctx context.Context, caller AccountRef, allowCreate bool) (AccountRef, bool, error) {
	if id := strings.TrimSpace(caller.ID); id != "" {
		account, err := s.store.GetAccount(ctx, id)
		if errors.Is(err, ErrAccountNotFound) {
			return AccountRef{}, false, nil
		}
		if err != nil {
			return AccountRef{}, false, err
		}
		return account.Ref(), true, nil
	}
	token := strings.TrimSpace(caller.BindingToken)
	ref, found, err := s.accounts.ResolveAccount(ctx, token)
	if err != nil || found || !allowCreate {
		return ref, found, err
	}
	ref, err = s.accounts.CreateAccount(ctx, token)
	if err != nil {
		return AccountRef{}, false, err
	}
	return ref, true, nil
}

// resolveNotificationAccount tries the binding token, then the purchase
// lineage, and finally creates an account for a token nobody owns yet.
func (s *Service) resolveNotificationAccount(ctx context.Context, event Event, allowCreate bool) (string, bool, error) {
	token := strings.TrimSpace(event.BindingToken)
	if token != "" {
		ref, found, err := s.accounts.ResolveAccount(ctx, token)
		if err != nil {
			return "", false, err
		}
		if found {
			return ref.ID, true, nil
		}
	}
	if lineage := strings.TrimSpace(event.OriginalTransactionID); lineage != "" {
		ref, found, err := s.store.FindAccountByLineage(ctx, lineage)
		if err != nil {
			return "", false, err
		}
		if found {
			return ref.ID, true, nil
		}
	}
	if token == "" || !allowCreate {
		return "", false, nil
	}
	ref, err := s.accounts.CreateAccount(ctx, token)
	if err != nil {
		return "", false, err
	}
	return ref.ID, true, nil
}

func (s *Service) snapshot(ctx context.Context, accountID string) (EntitlementSnapshot, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return EntitlementSnapshot{}, err
	}
	snapshot := EntitlementSnapshot{
		AccountID:     account.ID,
		BindingToken:  account.BindingToken,
		CreditBalance: account.CreditBalance,
	}
	sub, ok, err := s.store.GetAccountSubscription(ctx, account.ID)
	if err != nil {
		return EntitlementSnapshot{}, err
	}
	if ok {
		snapshot.Subscription = &sub
		snapshot.Entitled = sub.Entitled(s.clock())
	}
	return snapshot, nil
}

func (s *Service) accepted(result NotificationResult, outcome Outcome) NotificationResult {
	result.Accepted = true
	result.Outcome = outcome
	return result
}

func (s *Service) rejected(result NotificationResult, err error) NotificationResult {
	result.Accepted = false
	result.Reason = TextCodeOf(err)
	if result.Reason == "" && err != nil {
		result.Reason = err.Error()
	}
	return result
}

func (s *Service) environment() Environment {
	return s.config.DeploymentEnvironment()
}

func (s *Service) clock() time.Time {
	if s == nil || s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
