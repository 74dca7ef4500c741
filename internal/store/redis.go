package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only reads outside a transaction are cached. GetBalanceForUpdate always
// hits the primary, so cached values never feed a mutation.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []model.Balance
	err := s.Store.WithinTx(ctx, func(tx Tx) error {
		return fn(&recordingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}

	// Invalidate after commit; next read will re-populate. The commit
	// stands even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	keys := make([]string, 0, 2*len(touched))
	for _, b := range touched {
		keys = append(keys, balanceKey(b.UserID, b.Currency), balancesKey(b.UserID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) RegisterAccount(ctx context.Context, userID, publicID string) error {
	if err := s.Store.RegisterAccount(ctx, userID, publicID); err != nil {
		return err
	}
	s.rdb.Del(context.WithoutCancel(ctx), recipientKey(publicID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID, currency string) (model.Balance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(userID, currency)).Bytes()
	if err == nil {
		var b model.Balance
		if json.Unmarshal(data, &b) == nil {
			return b, nil
		}
	}

	b, err := s.Store.GetBalance(ctx, userID, currency)
	if err != nil {
		return model.Balance{}, err
	}
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceKey(userID, currency), data, s.ttl)
	}
	return b, nil
}

func (s *CachedStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	data, err := s.rdb.Get(ctx, balancesKey(userID)).Bytes()
	if err == nil {
		var balances []model.Balance
		if json.Unmarshal(data, &balances) == nil {
			return balances, nil
		}
	}

	balances, err := s.Store.ListBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(balances); err == nil {
		s.rdb.Set(ctx, balancesKey(userID), data, s.ttl)
	}
	return balances, nil
}

func (s *CachedStore) ResolveRecipient(ctx context.Context, publicID string) (string, error) {
	userID, err := s.rdb.Get(ctx, recipientKey(publicID)).Result()
	if err == nil && userID != "" {
		return userID, nil
	}

	userID, err = s.Store.ResolveRecipient(ctx, publicID)
	if err != nil {
		return "", err
	}
	s.rdb.Set(ctx, recipientKey(publicID), userID, s.ttl)
	return userID, nil
}

// recordingTx remembers which balances a transaction wrote.
type recordingTx struct {
	Tx
	touched *[]model.Balance
}

func (t *recordingTx) PutBalance(ctx context.Context, b model.Balance) error {
	if err := t.Tx.PutBalance(ctx, b); err != nil {
		return err
	}
	*t.touched = append(*t.touched, b)
	return nil
}

// --- Cache helpers ---

func balanceKey(uid, currency string) string { return fmt.Sprintf("balance:%s:%s", uid, currency) }
func balancesKey(uid string) string          { return fmt.Sprintf("balances:%s", uid) }
func recipientKey(publicID string) string    { return fmt.Sprintf("recipient:%s", publicID) }
