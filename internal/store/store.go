// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/atmx/ledger-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Every mutation goes through WithinTx. The read methods outside a
// transaction never write, including for never-touched balances.
type Store interface {
	// WithinTx runs fn in one ACID transaction. If fn returns an error nothing
	// it wrote is observable afterwards.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Balances ---

	// GetBalance returns the balance or a zero balance if none exists.
	GetBalance(ctx context.Context, userID, currency string) (model.Balance, error)

	// ListBalances returns every balance record of a user.
	ListBalances(ctx context.Context, userID string) ([]model.Balance, error)

	// --- Positions ---

	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns a user's positions, newest first.
	ListPositions(ctx context.Context, userID string, filter model.PositionFilter) ([]model.Position, error)

	// ListActivePositions returns active positions of all users.
	ListActivePositions(ctx context.Context) ([]model.Position, error)

	// ListPnLRecords returns a user's realized PnL history, newest first.
	ListPnLRecords(ctx context.Context, userID string) ([]model.PnLRecord, error)

	// --- Investment contracts ---

	GetContract(ctx context.Context, id string) (*model.InvestmentContract, error)
	ListContracts(ctx context.Context, userID string) ([]model.InvestmentContract, error)

	// ListDueContracts returns active contracts with next_payout_at <= now.
	ListDueContracts(ctx context.Context, now time.Time) ([]model.InvestmentContract, error)

	ListPayouts(ctx context.Context, contractID string) ([]model.PayoutRecord, error)

	// --- Transfers and account directory ---

	// ListTransfers returns transfers sent or received by a user, newest first.
	ListTransfers(ctx context.Context, userID string) ([]model.Transfer, error)

	// RegisterAccount maps a public transfer identifier to a user. A user
	// holds one public id for good: registering the same pair again is a
	// no-op, a different id for the same user is model.ErrAlreadyRegistered
	// and an id owned by another user is model.ErrPublicIDTaken.
	RegisterAccount(ctx context.Context, userID, publicID string) error

	// ResolveRecipient returns the user owning publicID or model.ErrNotFound.
	ResolveRecipient(ctx context.Context, publicID string) (string, error)
}

// Tx is the handle passed to a WithinTx callback.
type Tx interface {
	// GetBalanceForUpdate returns the balance, lazily zero, and locks the row
	// until the transaction ends.
	GetBalanceForUpdate(ctx context.Context, userID, currency string) (model.Balance, error)
	PutBalance(ctx context.Context, b model.Balance) error

	InsertPosition(ctx context.Context, p *model.Position) error
	GetPositionForUpdate(ctx context.Context, id string) (*model.Position, error)
	UpdatePosition(ctx context.Context, p *model.Position) error
	AppendPnLRecord(ctx context.Context, r *model.PnLRecord) error

	InsertContract(ctx context.Context, c *model.InvestmentContract) error
	GetContractForUpdate(ctx context.Context, id string) (*model.InvestmentContract, error)
	UpdateContract(ctx context.Context, c *model.InvestmentContract) error
	AppendPayoutRecord(ctx context.Context, r *model.PayoutRecord) error

	AppendTransferRecord(ctx context.Context, t *model.Transfer) error

	// GetTransferByKey returns the sender's transfer with the idempotency key,
	// or model.ErrNotFound.
	GetTransferByKey(ctx context.Context, senderID, key string) (*model.Transfer, error)
}
