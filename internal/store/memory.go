package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions buffer their writes and apply them in one step on commit.
// Row locking is left to the callers' key locks, so transactions touching
// different keys run in parallel.
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[string]model.Balance
	positions map[string]model.Position
	pnl       []model.PnLRecord
	contracts map[string]model.InvestmentContract
	payouts   []model.PayoutRecord
	transfers []model.Transfer
	accounts  map[string]string // publicID → userID
	publicIDs map[string]string // userID → publicID

	// FailHook, when set, is called before every transactional write with the
	// operation name. A non-nil result fails that write. Tests use it to
	// inject storage failures.
	FailHook func(op string) error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[string]model.Balance),
		positions: make(map[string]model.Position),
		contracts: make(map[string]model.InvestmentContract),
		accounts:  make(map[string]string),
		publicIDs: make(map[string]string),
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:         s,
		balances:  make(map[string]model.Balance),
		positions: make(map[string]model.Position),
		contracts: make(map[string]model.InvestmentContract),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID, currency string) (model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[model.BalanceKey(userID, currency)]; ok {
		return b, nil
	}
	return model.ZeroBalance(userID, currency), nil
}

func (s *MemoryStore) ListBalances(_ context.Context, userID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Balance
	for _, b := range s.balances {
		if b.UserID == userID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Currency < result[j].Currency })
	return result, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string, filter model.PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && filter.Match(p) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.After(result[j].OpenedAt) })
	return result, nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Status == model.PositionActive {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.Before(result[j].OpenedAt) })
	return result, nil
}

func (s *MemoryStore) ListPnLRecords(_ context.Context, userID string) ([]model.PnLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PnLRecord
	for i := len(s.pnl) - 1; i >= 0; i-- {
		if s.pnl[i].UserID == userID {
			result = append(result, s.pnl[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*model.InvestmentContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, model.ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) ListContracts(_ context.Context, userID string) ([]model.InvestmentContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.InvestmentContract
	for _, c := range s.contracts {
		if c.UserID == userID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListDueContracts(_ context.Context, now time.Time) ([]model.InvestmentContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.InvestmentContract
	for _, c := range s.contracts {
		if c.Status == model.ContractActive && !c.NextPayoutAt.After(now) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextPayoutAt.Before(result[j].NextPayoutAt) })
	return result, nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, contractID string) ([]model.PayoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PayoutRecord
	for _, p := range s.payouts {
		if p.ContractID == contractID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransfers(_ context.Context, userID string) ([]model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transfer
	for i := len(s.transfers) - 1; i >= 0; i-- {
		t := s.transfers[i]
		if t.SenderID == userID || t.RecipientID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) RegisterAccount(_ context.Context, userID, publicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.publicIDs[userID]; ok {
		if current == publicID {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", model.ErrAlreadyRegistered, userID, current)
	}
	if _, ok := s.accounts[publicID]; ok {
		return fmt.Errorf("%w: %s", model.ErrPublicIDTaken, publicID)
	}
	s.accounts[publicID] = userID
	s.publicIDs[userID] = publicID
	return nil
}

func (s *MemoryStore) ResolveRecipient(_ context.Context, publicID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.accounts[publicID]
	if !ok {
		return "", fmt.Errorf("public id %s: %w", publicID, model.ErrNotFound)
	}
	return userID, nil
}

// memTx buffers writes until commit. Reads see the buffer first, then the
// committed state.
type memTx struct {
	s         *MemoryStore
	balances  map[string]model.Balance
	positions map[string]model.Position
	contracts map[string]model.InvestmentContract
	pnl       []model.PnLRecord
	payouts   []model.PayoutRecord
	transfers []model.Transfer
}

func (tx *memTx) fail(op string) error {
	if tx.s.FailHook == nil {
		return nil
	}
	return tx.s.FailHook(op)
}

func (tx *memTx) GetBalanceForUpdate(ctx context.Context, userID, currency string) (model.Balance, error) {
	if b, ok := tx.balances[model.BalanceKey(userID, currency)]; ok {
		return b, nil
	}
	return tx.s.GetBalance(ctx, userID, currency)
}

func (tx *memTx) PutBalance(_ context.Context, b model.Balance) error {
	if err := tx.fail("PutBalance"); err != nil {
		return err
	}
	if err := model.CheckBalance(b); err != nil {
		return err
	}
	tx.balances[b.Key()] = b
	return nil
}

func (tx *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	if err := tx.fail("InsertPosition"); err != nil {
		return err
	}
	tx.s.mu.RLock()
	_, exists := tx.s.positions[p.ID]
	tx.s.mu.RUnlock()
	if _, buffered := tx.positions[p.ID]; exists || buffered {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	tx.positions[p.ID] = *p
	return nil
}

func (tx *memTx) GetPositionForUpdate(ctx context.Context, id string) (*model.Position, error) {
	if p, ok := tx.positions[id]; ok {
		return &p, nil
	}
	return tx.s.GetPosition(ctx, id)
}

func (tx *memTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	if err := tx.fail("UpdatePosition"); err != nil {
		return err
	}
	if _, err := tx.GetPositionForUpdate(ctx, p.ID); err != nil {
		return err
	}
	tx.positions[p.ID] = *p
	return nil
}

func (tx *memTx) AppendPnLRecord(_ context.Context, r *model.PnLRecord) error {
	if err := tx.fail("AppendPnLRecord"); err != nil {
		return err
	}
	tx.pnl = append(tx.pnl, *r)
	return nil
}

func (tx *memTx) InsertContract(_ context.Context, c *model.InvestmentContract) error {
	if err := tx.fail("InsertContract"); err != nil {
		return err
	}
	tx.s.mu.RLock()
	_, exists := tx.s.contracts[c.ID]
	tx.s.mu.RUnlock()
	if _, buffered := tx.contracts[c.ID]; exists || buffered {
		return fmt.Errorf("contract %s already exists", c.ID)
	}
	tx.contracts[c.ID] = *c
	return nil
}

func (tx *memTx) GetContractForUpdate(ctx context.Context, id string) (*model.InvestmentContract, error) {
	if c, ok := tx.contracts[id]; ok {
		return &c, nil
	}
	return tx.s.GetContract(ctx, id)
}

func (tx *memTx) UpdateContract(ctx context.Context, c *model.InvestmentContract) error {
	if err := tx.fail("UpdateContract"); err != nil {
		return err
	}
	if _, err := tx.GetContractForUpdate(ctx, c.ID); err != nil {
		return err
	}
	tx.contracts[c.ID] = *c
	return nil
}

func (tx *memTx) AppendPayoutRecord(_ context.Context, r *model.PayoutRecord) error {
	if err := tx.fail("AppendPayoutRecord"); err != nil {
		return err
	}
	tx.payouts = append(tx.payouts, *r)
	return nil
}

func (tx *memTx) AppendTransferRecord(_ context.Context, t *model.Transfer) error {
	if err := tx.fail("AppendTransferRecord"); err != nil {
		return err
	}
	tx.transfers = append(tx.transfers, *t)
	return nil
}

func (tx *memTx) GetTransferByKey(_ context.Context, senderID, key string) (*model.Transfer, error) {
	for _, t := range tx.transfers {
		if t.SenderID == senderID && t.IdempotencyKey == key {
			return &t, nil
		}
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, t := range tx.s.transfers {
		if t.SenderID == senderID && t.IdempotencyKey == key {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("transfer %s/%s: %w", senderID, key, model.ErrNotFound)
}

// commit applies the buffered writes under the store lock.
func (tx *memTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, b := range tx.balances {
		s.balances[k] = b
	}
	for id, p := range tx.positions {
		s.positions[id] = p
	}
	for id, c := range tx.contracts {
		s.contracts[id] = c
	}
	s.pnl = append(s.pnl, tx.pnl...)
	s.payouts = append(s.payouts, tx.payouts...)
	s.transfers = append(s.transfers, tx.transfers...)
}
