package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process EntitlementStore. Writes made inside RunInTx
// are staged and applied on commit; claims held by an open transaction make
// concurrent claimants of the same key wait for its outcome.
type MemoryStore struct {
	mu            sync.Mutex
	accounts      map[string]Account
	tokens        map[string]string
	subscriptions map[string]Subscription
	ledger        []LedgerEntry
	processed     map[string]ProcessedTransaction
	pending       map[string]chan struct{}
	locks         map[string]chan struct{}
	nextEntryID   int64
	Now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      map[string]Account{},
		tokens:        map[string]string{},
		subscriptions: map[string]Subscription{},
		processed:     map[string]ProcessedTransaction{},
		pending:       map[string]chan struct{}{},
		locks:         map[string]chan struct{}{},
		Now:           time.Now,
	}
}

func (s *MemoryStore) ResolveAccount(_ context.Context, bindingToken string) (AccountRef, bool, error) {
	if s == nil {
		return AccountRef{}, false, fmt.Errorf("core: memory store is nil")
	}
	token := strings.TrimSpace(bindingToken)
	if token == "" {
		return AccountRef{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[strings.ToLower(token)]
	if !ok {
		return AccountRef{}, false, nil
	}
	return s.accounts[id].Ref(), true, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, bindingToken string) (AccountRef, error) {
	if s == nil {
		return AccountRef{}, fmt.Errorf("core: memory store is nil")
	}
	token := strings.TrimSpace(bindingToken)
	if token == "" {
		return AccountRef{}, fmt.Errorf("core: binding token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.tokens[strings.ToLower(token)]; ok {
		return s.accounts[id].Ref(), nil
	}
	now := s.now()
	account := Account{
		ID:           uuid.NewString(),
		BindingToken: token,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.accounts[account.ID] = account
	s.tokens[strings.ToLower(token)] = account.ID
	return account.Ref(), nil
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (Account, error) {
	if s == nil {
		return Account{}, fmt.Errorf("core: memory store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[strings.TrimSpace(accountID)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (s *MemoryStore) GetAccountSubscription(_ context.Context, accountID string) (Subscription, bool, error) {
	if s == nil {
		return Subscription{}, false, fmt.Errorf("core: memory store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountSubscriptionLocked(strings.TrimSpace(accountID))
}

func (s *MemoryStore) accountSubscriptionLocked(accountID string) (Subscription, bool, error) {
	account, ok := s.accounts[accountID]
	if !ok || account.SubscriptionID == "" {
		return Subscription{}, false, nil
	}
	sub, ok := s.subscriptions[account.SubscriptionID]
	return sub, ok, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory store is nil")
	}
	accountID = strings.TrimSpace(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []LedgerEntry{}
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].AccountID != accountID {
			continue
		}
		out = append(out, s.ledger[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) FindAccountByLineage(_ context.Context, originalTransactionID string) (AccountRef, bool, error) {
	if s == nil {
		return AccountRef{}, false, fmt.Errorf("core: memory store is nil")
	}
	lineage := strings.TrimSpace(originalTransactionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscriptions[lineage]; ok {
		return s.accounts[sub.AccountID].Ref(), true, nil
	}
	for _, entry := range s.ledger {
		if entry.TransactionID == lineage {
			return s.accounts[entry.AccountID].Ref(), true, nil
		}
	}
	return AccountRef{}, false, nil
}

func (s *MemoryStore) ListLapsedGrace(_ context.Context, now time.Time, limit int) ([]Subscription, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Subscription{}
	for _, sub := range s.subscriptions {
		if sub.GraceLapsed(now) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GraceDeadline.Before(*out[j].GraceDeadline)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Seed stores an account and optional subscription directly. It is intended
// for fixtures and imports.
func (s *MemoryStore) Seed(account Account, subscription *Subscription) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if subscription != nil {
		subscription.AccountID = account.ID
		account.SubscriptionID = subscription.OriginalTransactionID
		s.subscriptions[subscription.OriginalTransactionID] = *subscription
	}
	s.accounts[account.ID] = account
	if token := strings.TrimSpace(account.BindingToken); token != "" {
		s.tokens[strings.ToLower(token)] = account.ID
	}
	if account.CreditBalance != 0 {
		s.nextEntryID++
		s.ledger = append(s.ledger, LedgerEntry{
			ID:           s.nextEntryID,
			AccountID:    account.ID,
			Delta:        account.CreditBalance,
			Reason:       "opening_balance",
			BalanceAfter: account.CreditBalance,
			CreatedAt:    s.now(),
		})
	}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx EntitlementTx) error) (err error) {
	if s == nil {
		return fmt.Errorf("core: memory store is nil")
	}
	if fn == nil {
		return fmt.Errorf("core: transaction function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx := &memoryTx{
		store:         s,
		locked:        map[string]struct{}{},
		subscriptions: map[string]Subscription{},
		balances:      map[string]int64{},
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			tx.finish(false)
			panic(recovered)
		}
	}()
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = fn(ctx, tx); err != nil {
		tx.finish(false)
		return err
	}
	if err = ctx.Err(); err != nil {
		tx.finish(false)
		return err
	}
	tx.finish(true)
	return nil
}

func (s *MemoryStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *MemoryStore) accountLock(accountID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[accountID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[accountID] = lock
	}
	return lock
}

type memoryTx struct {
	store         *MemoryStore
	locked        map[string]struct{}
	claims        []ProcessedTransaction
	subscriptions map[string]Subscription
	entries       []LedgerEntry
	balances      map[string]int64
	done          bool
}

func (tx *memoryTx) Claim(ctx context.Context, record ProcessedTransaction) (ClaimResult, error) {
	key := strings.TrimSpace(record.Key)
	if key == "" {
		return "", fmt.Errorf("core: idempotency key is required")
	}
	record.Key = key
	for _, claimed := range tx.claims {
		if claimed.Key == key {
			return ClaimResultAlreadyProcessed, nil
		}
	}
	s := tx.store
	for {
		s.mu.Lock()
		if _, ok := s.processed[key]; ok {
			s.mu.Unlock()
			return ClaimResultAlreadyProcessed, nil
		}
		wait, busy := s.pending[key]
		if !busy {
			s.pending[key] = make(chan struct{})
			s.mu.Unlock()
			tx.claims = append(tx.claims, record)
			return ClaimResultClaimed, nil
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (tx *memoryTx) LockAccount(ctx context.Context, accountID string) (Account, error) {
	accountID = strings.TrimSpace(accountID)
	s := tx.store
	if _, held := tx.locked[accountID]; !held {
		s.mu.Lock()
		_, exists := s.accounts[accountID]
		s.mu.Unlock()
		if !exists {
			return Account{}, ErrAccountNotFound
		}
		lock := s.accountLock(accountID)
		select {
		case lock <- struct{}{}:
		case <-ctx.Done():
			return Account{}, ctx.Err()
		}
		tx.locked[accountID] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account := s.accounts[accountID]
	account.CreditBalance += tx.balances[accountID]
	for _, sub := range tx.subscriptions {
		if sub.AccountID == accountID {
			account.SubscriptionID = sub.OriginalTransactionID
		}
	}
	return account, nil
}

func (tx *memoryTx) GetSubscription(_ context.Context, originalTransactionID string) (Subscription, bool, error) {
	lineage := strings.TrimSpace(originalTransactionID)
	if sub, ok := tx.subscriptions[lineage]; ok {
		return sub, true, nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	sub, ok := tx.store.subscriptions[lineage]
	return sub, ok, nil
}

func (tx *memoryTx) GetAccountSubscription(_ context.Context, accountID string) (Subscription, bool, error) {
	accountID = strings.TrimSpace(accountID)
	for _, sub := range tx.subscriptions {
		if sub.AccountID == accountID {
			return sub, true, nil
		}
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	return tx.store.accountSubscriptionLocked(accountID)
}

func (tx *memoryTx) SaveSubscription(_ context.Context, subscription Subscription) error {
	lineage := strings.TrimSpace(subscription.OriginalTransactionID)
	if lineage == "" {
		return fmt.Errorf("core: original transaction id is required")
	}
	if _, held := tx.locked[subscription.AccountID]; !held {
		return fmt.Errorf("core: account %q must be locked before saving its subscription", subscription.AccountID)
	}
	subscription.OriginalTransactionID = lineage
	tx.subscriptions[lineage] = subscription
	return nil
}

func (tx *memoryTx) AppendLedger(_ context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if _, held := tx.locked[entry.AccountID]; !held {
		return LedgerEntry{}, fmt.Errorf("core: account %q must be locked before appending to its ledger", entry.AccountID)
	}
	if entry.Delta == 0 {
		return LedgerEntry{}, fmt.Errorf("core: ledger delta must be non-zero")
	}
	tx.store.mu.Lock()
	current := tx.store.accounts[entry.AccountID].CreditBalance
	tx.store.nextEntryID++
	entry.ID = tx.store.nextEntryID
	tx.store.mu.Unlock()

	balance := current + tx.balances[entry.AccountID] + entry.Delta
	if balance < 0 {
		return LedgerEntry{}, fmt.Errorf("core: ledger append would make balance negative")
	}
	tx.balances[entry.AccountID] += entry.Delta
	entry.BalanceAfter = balance
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = tx.store.now()
	}
	tx.entries = append(tx.entries, entry)
	return entry, nil
}

func (tx *memoryTx) GrantedForTransaction(_ context.Context, accountID, transactionID string) (int64, error) {
	accountID = strings.TrimSpace(accountID)
	transactionID = strings.TrimSpace(transactionID)
	var total int64
	tx.store.mu.Lock()
	for _, entry := range tx.store.ledger {
		if entry.AccountID == accountID && entry.TransactionID == transactionID && entry.Delta > 0 {
			total += entry.Delta
		}
	}
	tx.store.mu.Unlock()
	for _, entry := range tx.entries {
		if entry.AccountID == accountID && entry.TransactionID == transactionID && entry.Delta > 0 {
			total += entry.Delta
		}
	}
	return total, nil
}

// finish applies or discards staged writes, then releases pending claims and
// account locks.
func (tx *memoryTx) finish(commit bool) {
	if tx.done {
		return
	}
	tx.done = true
	s := tx.store
	s.mu.Lock()
	if commit {
		now := s.now()
		for _, record := range tx.claims {
			if record.ReceivedAt.IsZero() {
				record.ReceivedAt = now
			}
			s.processed[record.Key] = record
		}
		for lineage, sub := range tx.subscriptions {
			s.subscriptions[lineage] = sub
			account := s.accounts[sub.AccountID]
			account.SubscriptionID = lineage
			account.UpdatedAt = now
			s.accounts[sub.AccountID] = account
		}
		s.ledger = append(s.ledger, tx.entries...)
		for accountID, delta := range tx.balances {
			account := s.accounts[accountID]
			account.CreditBalance += delta
			account.UpdatedAt = now
			s.accounts[accountID] = account
		}
	}
	for _, record := range tx.claims {
		if wait, ok := s.pending[record.Key]; ok {
			delete(s.pending, record.Key)
			close(wait)
		}
	}
	locks := make([]chan struct{}, 0, len(tx.locked))
	for accountID := range tx.locked {
		locks = append(locks, s.locks[accountID])
	}
	s.mu.Unlock()
	for _, lock := range locks {
		<-lock
	}
}
