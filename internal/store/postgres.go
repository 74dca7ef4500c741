package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Balances ---

const balanceCols = `user_id, currency, available::TEXT, locked::TEXT, updated_at`

func (s *PostgresStore) GetBalance(ctx context.Context, userID, currency string) (model.Balance, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM balances WHERE user_id = $1 AND currency = $2`,
		userID, currency))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ZeroBalance(userID, currency), nil
	}
	if err != nil {
		return model.Balance{}, fmt.Errorf("get balance %s/%s: %w", userID, currency, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+balanceCols+` FROM balances WHERE user_id = $1 ORDER BY currency`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// --- Positions ---

const positionCols = `id, user_id, pair, side, size::TEXT, entry_price::TEXT, leverage::TEXT,
	margin::TEXT, liquidation_price::TEXT, currency, status, exit_price::TEXT, opened_at, closed_at`

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return getPosition(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string, filter model.PositionFilter) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE user_id = $1
		   AND ($2 = '' OR pair = $2)
		   AND ($3 = '' OR status = $3)
		 ORDER BY opened_at DESC`,
		userID, filter.Pair, string(filter.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListActivePositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status = 'active' ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPnLRecords(ctx context.Context, userID string) ([]model.PnLRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, position_id, pair, side,
		        entry_price::TEXT, exit_price::TEXT, size::TEXT, pnl::TEXT, pnl_percent::TEXT,
		        currency, created_at
		 FROM pnl_records WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PnLRecord
	for rows.Next() {
		var r model.PnLRecord
		var side, entry, exit, size, pnl, pct string
		if err := rows.Scan(&r.ID, &r.UserID, &r.PositionID, &r.Pair, &side,
			&entry, &exit, &size, &pnl, &pct, &r.Currency, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Side = model.Side(side)
		r.EntryPrice = dec(entry)
		r.ExitPrice = dec(exit)
		r.Size = dec(size)
		r.PnL = dec(pnl)
		r.PnLPercent = dec(pct)
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Investment contracts ---

const contractCols = `id, user_id, plan_name, currency, principal::TEXT, daily_rate::TEXT,
	maturity_days, start_date, status, earned::TEXT, last_payout_at, next_payout_at, created_at`

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*model.InvestmentContract, error) {
	return getContract(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListContracts(ctx context.Context, userID string) ([]model.InvestmentContract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractCols+` FROM investment_contracts WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContracts(rows)
}

func (s *PostgresStore) ListDueContracts(ctx context.Context, now time.Time) ([]model.InvestmentContract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractCols+` FROM investment_contracts
		 WHERE status = 'active' AND next_payout_at <= $1
		 ORDER BY next_payout_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContracts(rows)
}

func (s *PostgresStore) ListPayouts(ctx context.Context, contractID string) ([]model.PayoutRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, contract_id, user_id, kind, amount::TEXT, currency, payout_at, status
		 FROM payout_records WHERE contract_id = $1 ORDER BY payout_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PayoutRecord
	for rows.Next() {
		var p model.PayoutRecord
		var kind, amount string
		if err := rows.Scan(&p.ID, &p.ContractID, &p.UserID, &kind, &amount,
			&p.Currency, &p.PayoutAt, &p.Status); err != nil {
			return nil, err
		}
		p.Kind = model.PayoutKind(kind)
		p.Amount = dec(amount)
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- Transfers and account directory ---

const transferCols = `id, sender_id, recipient_id, recipient_public_id, currency, amount::TEXT,
	note, status, idempotency_key, created_at`

func (s *PostgresStore) ListTransfers(ctx context.Context, userID string) ([]model.Transfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferCols+` FROM transfers
		 WHERE sender_id = $1 OR recipient_id = $1
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) RegisterAccount(ctx context.Context, userID, publicID string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, public_id) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, publicID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrPublicIDTaken, publicID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	if err := s.pool.QueryRow(ctx, `SELECT public_id FROM accounts WHERE user_id = $1`, userID).Scan(&current); err != nil {
		return err
	}
	if current != publicID {
		return fmt.Errorf("%w: %s is %s", model.ErrAlreadyRegistered, userID, current)
	}
	return nil
}

func (s *PostgresStore) ResolveRecipient(ctx context.Context, publicID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM accounts WHERE public_id = $1`, publicID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("public id %s: %w", publicID, model.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// --- Transaction handle ---

type pgTx struct {
	q querier
}

func (t *pgTx) GetBalanceForUpdate(ctx context.Context, userID, currency string) (model.Balance, error) {
	// Lazily create the row so FOR UPDATE has something to lock.
	if _, err := t.q.Exec(ctx,
		`INSERT INTO balances (user_id, currency) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, currency); err != nil {
		return model.Balance{}, fmt.Errorf("ensure balance %s/%s: %w", userID, currency, err)
	}
	b, err := scanBalance(t.q.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM balances WHERE user_id = $1 AND currency = $2 FOR UPDATE`,
		userID, currency))
	if err != nil {
		return model.Balance{}, fmt.Errorf("lock balance %s/%s: %w", userID, currency, err)
	}
	return b, nil
}

func (t *pgTx) PutBalance(ctx context.Context, b model.Balance) error {
	_, err := t.q.Exec(ctx,
		`UPDATE balances SET available = $3::NUMERIC, locked = $4::NUMERIC, updated_at = $5
		 WHERE user_id = $1 AND currency = $2`,
		b.UserID, b.Currency, b.Available.String(), b.Locked.String(), b.UpdatedAt)
	return err
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (id, user_id, pair, side, size, entry_price, leverage, margin,
		                        liquidation_price, currency, status, opened_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10, $11, $12)`,
		p.ID, p.UserID, p.Pair, string(p.Side),
		p.Size.String(), p.EntryPrice.String(), p.Leverage.String(), p.Margin.String(),
		p.LiquidationPrice.String(), p.Currency, string(p.Status), p.OpenedAt)
	return err
}

func (t *pgTx) GetPositionForUpdate(ctx context.Context, id string) (*model.Position, error) {
	return getPosition(ctx, t.q, id, true)
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	var exit *string
	if p.ExitPrice != nil {
		s := p.ExitPrice.String()
		exit = &s
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE positions SET status = $2, exit_price = $3::NUMERIC, closed_at = $4 WHERE id = $1`,
		p.ID, string(p.Status), exit, p.ClosedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", p.ID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendPnLRecord(ctx context.Context, r *model.PnLRecord) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO pnl_records (id, user_id, position_id, pair, side, entry_price, exit_price,
		                          size, pnl, pnl_percent, currency, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11, $12)`,
		r.ID, r.UserID, r.PositionID, r.Pair, string(r.Side),
		r.EntryPrice.String(), r.ExitPrice.String(), r.Size.String(),
		r.PnL.String(), r.PnLPercent.String(), r.Currency, r.CreatedAt)
	return err
}

func (t *pgTx) InsertContract(ctx context.Context, c *model.InvestmentContract) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO investment_contracts (id, user_id, plan_name, currency, principal, daily_rate,
		                                   maturity_days, start_date, status, earned,
		                                   last_payout_at, next_payout_at, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11, $12, $13)`,
		c.ID, c.UserID, c.PlanName, c.Currency, c.Principal.String(), c.DailyRate.String(),
		c.MaturityDays, c.StartDate, string(c.Status), c.Earned.String(),
		c.LastPayoutAt, c.NextPayoutAt, c.CreatedAt)
	return err
}

func (t *pgTx) GetContractForUpdate(ctx context.Context, id string) (*model.InvestmentContract, error) {
	return getContract(ctx, t.q, id, true)
}

func (t *pgTx) UpdateContract(ctx context.Context, c *model.InvestmentContract) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE investment_contracts
		 SET status = $2, earned = $3::NUMERIC, last_payout_at = $4, next_payout_at = $5
		 WHERE id = $1`,
		c.ID, string(c.Status), c.Earned.String(), c.LastPayoutAt, c.NextPayoutAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %s: %w", c.ID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendPayoutRecord(ctx context.Context, r *model.PayoutRecord) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO payout_records (id, contract_id, user_id, kind, amount, currency, payout_at, status)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		r.ID, r.ContractID, r.UserID, string(r.Kind), r.Amount.String(), r.Currency, r.PayoutAt, r.Status)
	return err
}

func (t *pgTx) AppendTransferRecord(ctx context.Context, tr *model.Transfer) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO transfers (id, sender_id, recipient_id, recipient_public_id, currency, amount,
		                        note, status, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)`,
		tr.ID, tr.SenderID, tr.RecipientID, tr.RecipientPublicID, tr.Currency, tr.Amount.String(),
		tr.Note, tr.Status, tr.IdempotencyKey, tr.CreatedAt)
	return err
}

func (t *pgTx) GetTransferByKey(ctx context.Context, senderID, key string) (*model.Transfer, error) {
	tr, err := scanTransfer(t.q.QueryRow(ctx,
		`SELECT `+transferCols+` FROM transfers WHERE sender_id = $1 AND idempotency_key = $2`,
		senderID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transfer %s/%s: %w", senderID, key, model.ErrNotFound)
	}
	return tr, err
}

// --- Scan helpers ---

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func scanBalance(row rowScanner) (model.Balance, error) {
	var b model.Balance
	var available, locked string
	if err := row.Scan(&b.UserID, &b.Currency, &available, &locked, &b.UpdatedAt); err != nil {
		return model.Balance{}, err
	}
	b.Available = dec(available)
	b.Locked = dec(locked)
	return b, nil
}

func getPosition(ctx context.Context, q querier, id string, forUpdate bool) (*model.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPosition(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var side, size, entry, lev, margin, liq, status string
	var exit *string
	if err := row.Scan(&p.ID, &p.UserID, &p.Pair, &side, &size, &entry, &lev,
		&margin, &liq, &p.Currency, &status, &exit, &p.OpenedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.Side = model.Side(side)
	p.Size = dec(size)
	p.EntryPrice = dec(entry)
	p.Leverage = dec(lev)
	p.Margin = dec(margin)
	p.LiquidationPrice = dec(liq)
	p.Status = model.PositionStatus(status)
	if exit != nil {
		v := dec(*exit)
		p.ExitPrice = &v
	}
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var result []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func getContract(ctx context.Context, q querier, id string, forUpdate bool) (*model.InvestmentContract, error) {
	query := `SELECT ` + contractCols + ` FROM investment_contracts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanContract(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", id, err)
	}
	return c, nil
}

func scanContract(row rowScanner) (*model.InvestmentContract, error) {
	var c model.InvestmentContract
	var principal, rate, status, earned string
	if err := row.Scan(&c.ID, &c.UserID, &c.PlanName, &c.Currency, &principal, &rate,
		&c.MaturityDays, &c.StartDate, &status, &earned,
		&c.LastPayoutAt, &c.NextPayoutAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Principal = dec(principal)
	c.DailyRate = dec(rate)
	c.Status = model.ContractStatus(status)
	c.Earned = dec(earned)
	return &c, nil
}

func scanContracts(rows pgx.Rows) ([]model.InvestmentContract, error) {
	var result []model.InvestmentContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func scanTransfer(row rowScanner) (*model.Transfer, error) {
	var t model.Transfer
	var amount string
	if err := row.Scan(&t.ID, &t.SenderID, &t.RecipientID, &t.RecipientPublicID, &t.Currency,
		&amount, &t.Note, &t.Status, &t.IdempotencyKey, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Amount = dec(amount)
	return &t, nil
}
