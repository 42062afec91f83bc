package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStore_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(Account{ID: "acct-1", BindingToken: "token-1"}, nil)

	var claimed atomic.Int32
	var processed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RunInTx(context.Background(), func(ctx context.Context, tx EntitlementTx) error {
				result, err := tx.Claim(ctx, ProcessedTransaction{Key: "T1", TransactionID: "T1"})
				if err != nil {
					return err
				}
				if result == ClaimResultClaimed {
					claimed.Add(1)
				} else {
					processed.Add(1)
				}
				return nil
			})
			if err != nil {
				t.Errorf("run in tx: %v", err)
			}
		}()
	}
	wg.Wait()
	if claimed.Load() != 1 || processed.Load() != 15 {
		t.Fatalf("expected 1 claim and 15 duplicates, got %d/%d", claimed.Load(), processed.Load())
	}
}

func TestMemoryStore_RollbackReleasesClaimAndDiscardsWrites(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(Account{ID: "acct-1", BindingToken: "token-1"}, nil)
	boom := errors.New("boom")

	err := store.RunInTx(context.Background(), func(ctx context.Context, tx EntitlementTx) error {
		if _, err := tx.LockAccount(ctx, "acct-1"); err != nil {
			return err
		}
		if _, err := tx.Claim(ctx, ProcessedTransaction{Key: "T1"}); err != nil {
			return err
		}
		if _, err := tx.AppendLedger(ctx, LedgerEntry{AccountID: "acct-1", Delta: 10, Reason: LedgerReasonSignupBonus}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	account, err := store.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.CreditBalance != 0 {
		t.Fatalf("expected rollback to discard balance change, got %d", account.CreditBalance)
	}

	err = store.RunInTx(context.Background(), func(ctx context.Context, tx EntitlementTx) error {
		result, err := tx.Claim(ctx, ProcessedTransaction{Key: "T1"})
		if err != nil {
			return err
		}
		if result != ClaimResultClaimed {
			t.Fatalf("expected key to be claimable after rollback, got %s", result)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second tx: %v", err)
	}
}

func TestMemoryStore_AppendLedgerRequiresLockAndKeepsBalanceNonNegative(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(Account{ID: "acct-1", BindingToken: "token-1", CreditBalance: 3}, nil)

	err := store.RunInTx(context.Background(), func(ctx context.Context, tx EntitlementTx) error {
		_, err := tx.AppendLedger(ctx, LedgerEntry{AccountID: "acct-1", Delta: -1})
		return err
	})
	if err == nil {
		t.Fatalf("expected append without lock to fail")
	}

	err = store.RunInTx(context.Background(), func(ctx context.Context, tx EntitlementTx) error {
		if _, err := tx.LockAccount(ctx, "acct-1"); err != nil {
			return err
		}
		_, err := tx.AppendLedger(ctx, LedgerEntry{AccountID: "acct-1", Delta: -4})
		return err
	})
	if err == nil {
		t.Fatalf("expected overdraw to fail")
	}
}

func TestMemoryStore_LockAccountHonoursContext(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(Account{ID: "acct-1", BindingToken: "token-1"}, nil)

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.RunInTx(context.Background(), func(ctx context.Context, tx EntitlementTx) error {
			if _, err := tx.LockAccount(ctx, "acct-1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.RunInTx(ctx, func(ctx context.Context, tx EntitlementTx) error {
		_, err := tx.LockAccount(ctx, "acct-1")
		return err
	})
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while account is locked, got %v", err)
	}
}

func TestMemoryStore_AccountsAndLineage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ref, err := store.CreateAccount(ctx, "Token-A")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	again, err := store.CreateAccount(ctx, "token-a")
	if err != nil || again.ID != ref.ID {
		t.Fatalf("expected create to be idempotent per token, got %#v (%v)", again, err)
	}
	if _, found, _ := store.ResolveAccount(ctx, "missing"); found {
		t.Fatalf("expected missing token to be unresolved")
	}

	err = store.RunInTx(ctx, func(ctx context.Context, tx EntitlementTx) error {
		if _, err := tx.LockAccount(ctx, ref.ID); err != nil {
			return err
		}
		if _, err := tx.AppendLedger(ctx, LedgerEntry{AccountID: ref.ID, Delta: 20, TransactionID: "3000"}); err != nil {
			return err
		}
		return tx.SaveSubscription(ctx, Subscription{
			OriginalTransactionID: "1000",
			AccountID:             ref.ID,
			ProductID:             "sub.monthly",
			Status:                SubscriptionStatusActive,
		})
	})
	if err != nil {
		t.Fatalf("seed tx: %v", err)
	}
	for _, lineage := range []string{"1000", "3000"} {
		found, ok, err := store.FindAccountByLineage(ctx, lineage)
		if err != nil || !ok || found.ID != ref.ID {
			t.Fatalf("expected lineage %s to resolve to %s, got %#v (%v)", lineage, ref.ID, found, err)
		}
	}
	sub, ok, err := store.GetAccountSubscription(ctx, ref.ID)
	if err != nil || !ok || sub.OriginalTransactionID != "1000" {
		t.Fatalf("expected account subscription, got %#v (%v)", sub, err)
	}
}
