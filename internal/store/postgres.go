package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optionperps/engine/internal/fixed"
	"github.com/optionperps/engine/internal/model"
)

// Schema creates the tables PostgresStore uses. Amounts are NUMERIC(78,0)
// integers at the scale documented on the model types.
const Schema = `
CREATE TABLE IF NOT EXISTS pool_ledgers (
	side               TEXT PRIMARY KEY,
	total_deposits     NUMERIC(78,0) NOT NULL,
	active_deposits    NUMERIC(78,0) NOT NULL,
	average_open_price NUMERIC(78,0) NOT NULL,
	positions          NUMERIC(78,0) NOT NULL,
	oi                 NUMERIC(78,0) NOT NULL,
	margin             NUMERIC(78,0) NOT NULL,
	premium            NUMERIC(78,0) NOT NULL,
	opening_fees       NUMERIC(78,0) NOT NULL,
	closing_fees       NUMERIC(78,0) NOT NULL,
	funding            NUMERIC(78,0) NOT NULL,
	position_count     BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS perp_positions (
	id                 BIGINT PRIMARY KEY,
	owner              TEXT NOT NULL,
	is_open            BOOLEAN NOT NULL,
	is_short           BOOLEAN NOT NULL,
	positions          NUMERIC(78,0) NOT NULL,
	size               NUMERIC(78,0) NOT NULL,
	average_open_price NUMERIC(78,0) NOT NULL,
	margin             NUMERIC(78,0) NOT NULL,
	premium            NUMERIC(78,0) NOT NULL,
	opening_fees       NUMERIC(78,0) NOT NULL,
	closing_fees       NUMERIC(78,0) NOT NULL,
	funding            NUMERIC(78,0) NOT NULL,
	pnl                NUMERIC(78,0) NOT NULL,
	epoch              BIGINT NOT NULL,
	opened_at          TIMESTAMPTZ NOT NULL,
	closed_at          TIMESTAMPTZ,
	liquidated         BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS perp_positions_owner_idx ON perp_positions (owner);

CREATE TABLE IF NOT EXISTS option_positions (
	id         BIGINT PRIMARY KEY,
	owner      TEXT NOT NULL,
	perp_id    BIGINT NOT NULL,
	is_settled BOOLEAN NOT NULL,
	is_put     BOOLEAN NOT NULL,
	amount     NUMERIC(78,0) NOT NULL,
	strike     NUMERIC(78,0) NOT NULL,
	epoch      BIGINT NOT NULL,
	payout     NUMERIC(78,0) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	settled_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS pending_withdrawals (
	id             BIGINT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	is_quote       BOOLEAN NOT NULL,
	amount_in      NUMERIC(78,0) NOT NULL,
	min_amount_out NUMERIC(78,0) NOT NULL,
	priority_fee   NUMERIC(78,0) NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS engine_state (
	id                 SMALLINT PRIMARY KEY CHECK (id = 1),
	epoch              BIGINT NOT NULL DEFAULT 0,
	expiry             TIMESTAMPTZ,
	next_withdrawal_id BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS epoch_expiries (
	epoch        BIGINT PRIMARY KEY,
	expiry       TIMESTAMPTZ NOT NULL,
	expiry_price NUMERIC(78,0) NOT NULL
);

CREATE TABLE IF NOT EXISTS journal (
	id        UUID PRIMARY KEY,
	op        TEXT NOT NULL,
	account   TEXT NOT NULL,
	ref       BIGINT NOT NULL,
	amounts   JSONB NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_account_idx ON journal (account, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact precision and passed
// to and from the driver as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Commit(ctx context.Context, cs model.Changeset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, l := range cs.Ledgers {
		if err := upsertLedger(ctx, tx, l); err != nil {
			return fmt.Errorf("ledger %s: %w", l.Side, err)
		}
	}
	for _, p := range cs.Positions {
		if err := upsertPosition(ctx, tx, p); err != nil {
			return fmt.Errorf("position %d: %w", p.ID, err)
		}
	}
	for _, o := range cs.Options {
		if err := upsertOption(ctx, tx, o); err != nil {
			return fmt.Errorf("option %d: %w", o.ID, err)
		}
	}
	for _, w := range cs.Withdrawals {
		if err := upsertWithdrawal(ctx, tx, w); err != nil {
			return fmt.Errorf("withdrawal %d: %w", w.ID, err)
		}
	}
	for _, id := range cs.DeletedWithdrawals {
		if _, err := tx.Exec(ctx, `DELETE FROM pending_withdrawals WHERE id = $1`, int64(id)); err != nil {
			return fmt.Errorf("delete withdrawal %d: %w", id, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO engine_state (id, next_withdrawal_id) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE
		 SET next_withdrawal_id = GREATEST(engine_state.next_withdrawal_id, EXCLUDED.next_withdrawal_id)`,
		int64(cs.NextWithdrawalID),
	); err != nil {
		return fmt.Errorf("engine state: %w", err)
	}
	if cs.Epoch != nil {
		if err := upsertEpoch(ctx, tx, *cs.Epoch); err != nil {
			return fmt.Errorf("epoch: %w", err)
		}
	}

	e := cs.Journal
	if _, err := tx.Exec(ctx,
		`INSERT INTO journal (id, op, account, ref, amounts, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Op, e.Account, int64(e.Ref), e.Amounts, e.Timestamp,
	); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	return tx.Commit(ctx)
}

func upsertLedger(ctx context.Context, tx pgx.Tx, l model.PoolLedger) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO pool_ledgers (side, total_deposits, active_deposits, average_open_price, positions, oi,
		                           margin, premium, opening_fees, closing_fees, funding, position_count)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)
		 ON CONFLICT (side) DO UPDATE SET
		     total_deposits = EXCLUDED.total_deposits, active_deposits = EXCLUDED.active_deposits,
		     average_open_price = EXCLUDED.average_open_price, positions = EXCLUDED.positions,
		     oi = EXCLUDED.oi, margin = EXCLUDED.margin, premium = EXCLUDED.premium,
		     opening_fees = EXCLUDED.opening_fees, closing_fees = EXCLUDED.closing_fees,
		     funding = EXCLUDED.funding, position_count = EXCLUDED.position_count`,
		string(l.Side),
		l.TotalDeposits.String(), l.ActiveDeposits.String(), l.AverageOpenPrice.String(),
		l.Positions.String(), l.OI.String(), l.Margin.String(), l.Premium.String(),
		l.OpeningFees.String(), l.ClosingFees.String(), l.Funding.String(),
		l.PositionCount,
	)
	return err
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p model.PerpPosition) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO perp_positions (id, owner, is_open, is_short, positions, size, average_open_price,
		                             margin, premium, opening_fees, closing_fees, funding, pnl,
		                             epoch, opened_at, closed_at, liquidated)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET
		     owner = EXCLUDED.owner, is_open = EXCLUDED.is_open, positions = EXCLUDED.positions,
		     size = EXCLUDED.size, average_open_price = EXCLUDED.average_open_price,
		     margin = EXCLUDED.margin, premium = EXCLUDED.premium,
		     opening_fees = EXCLUDED.opening_fees, closing_fees = EXCLUDED.closing_fees,
		     funding = EXCLUDED.funding, pnl = EXCLUDED.pnl,
		     closed_at = EXCLUDED.closed_at, liquidated = EXCLUDED.liquidated`,
		int64(p.ID), p.Owner, p.IsOpen, p.IsShort,
		p.Positions.String(), p.Size.String(), p.AverageOpenPrice.String(),
		p.Margin.String(), p.Premium.String(), p.OpeningFees.String(),
		p.ClosingFees.String(), p.Funding.String(), p.Pnl.String(),
		p.Epoch, p.OpenedAt, nullTime(p.ClosedAt), p.Liquidated,
	)
	return err
}

func upsertOption(ctx context.Context, tx pgx.Tx, o model.OptionPosition) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO option_positions (id, owner, perp_id, is_settled, is_put, amount, strike,
		                               epoch, payout, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		     is_settled = EXCLUDED.is_settled, payout = EXCLUDED.payout, settled_at = EXCLUDED.settled_at`,
		int64(o.ID), o.Owner, int64(o.PerpID), o.IsSettled, o.IsPut,
		o.Amount.String(), o.Strike.String(), o.Epoch, o.Payout.String(),
		o.CreatedAt, nullTime(o.SettledAt),
	)
	return err
}

func upsertWithdrawal(ctx context.Context, tx pgx.Tx, w model.PendingWithdrawal) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO pending_withdrawals (id, user_id, is_quote, amount_in, min_amount_out, priority_fee, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (id) DO NOTHING`,
		int64(w.ID), w.User, w.IsQuote,
		w.AmountIn.String(), w.MinAmountOut.String(), w.PriorityFee.String(),
		w.CreatedAt,
	)
	return err
}

func upsertEpoch(ctx context.Context, tx pgx.Tx, ep model.EpochState) error {
	if _, err := tx.Exec(ctx,
		`UPDATE engine_state SET epoch = $1, expiry = $2 WHERE id = 1`,
		ep.Current, ep.Expiry,
	); err != nil {
		return err
	}
	for epoch, price := range ep.ExpiryPrices {
		expiry, _ := ep.ExpiryOf(epoch)
		if _, err := tx.Exec(ctx,
			`INSERT INTO epoch_expiries (epoch, expiry, expiry_price)
			 VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (epoch) DO NOTHING`,
			epoch, expiry, price.String(),
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot

	rows, err := s.pool.Query(ctx,
		`SELECT side, total_deposits::TEXT, active_deposits::TEXT, average_open_price::TEXT,
		        positions::TEXT, oi::TEXT, margin::TEXT, premium::TEXT,
		        opening_fees::TEXT, closing_fees::TEXT, funding::TEXT, position_count
		 FROM pool_ledgers`)
	if err != nil {
		return snap, fmt.Errorf("load ledgers: %w", err)
	}
	for rows.Next() {
		var l model.PoolLedger
		var side string
		if err := rows.Scan(&side,
			numeric{&l.TotalDeposits}, numeric{&l.ActiveDeposits}, numeric{&l.AverageOpenPrice},
			numeric{&l.Positions}, numeric{&l.OI}, numeric{&l.Margin}, numeric{&l.Premium},
			numeric{&l.OpeningFees}, numeric{&l.ClosingFees}, numeric{&l.Funding},
			&l.PositionCount); err != nil {
			rows.Close()
			return snap, fmt.Errorf("load ledgers: %w", err)
		}
		l.Side = model.Side(side)
		if l.Side.IsQuote() {
			snap.Quote = l
		} else {
			snap.Base = l
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("load ledgers: %w", err)
	}

	positions, err := s.queryPositions(ctx, `ORDER BY id`)
	if err != nil {
		return snap, fmt.Errorf("load positions: %w", err)
	}
	snap.Positions = positions

	if snap.Options, err = s.loadOptions(ctx); err != nil {
		return snap, fmt.Errorf("load options: %w", err)
	}
	if snap.Withdrawals, err = s.loadWithdrawals(ctx); err != nil {
		return snap, fmt.Errorf("load withdrawals: %w", err)
	}
	if err := s.loadEpoch(ctx, &snap); err != nil {
		return snap, fmt.Errorf("load epoch: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) loadOptions(ctx context.Context) ([]model.OptionPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, perp_id, is_settled, is_put, amount::TEXT, strike::TEXT,
		        epoch, payout::TEXT, created_at, settled_at
		 FROM option_positions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var options []model.OptionPosition
	for rows.Next() {
		var o model.OptionPosition
		var id, perpID int64
		var settledAt *time.Time
		if err := rows.Scan(&id, &o.Owner, &perpID, &o.IsSettled, &o.IsPut,
			numeric{&o.Amount}, numeric{&o.Strike}, &o.Epoch, numeric{&o.Payout},
			&o.CreatedAt, &settledAt); err != nil {
			return nil, err
		}
		o.ID, o.PerpID = uint64(id), uint64(perpID)
		if settledAt != nil {
			o.SettledAt = *settledAt
		}
		options = append(options, o)
	}
	return options, rows.Err()
}

func (s *PostgresStore) loadWithdrawals(ctx context.Context) ([]model.PendingWithdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, is_quote, amount_in::TEXT, min_amount_out::TEXT, priority_fee::TEXT, created_at
		 FROM pending_withdrawals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var withdrawals []model.PendingWithdrawal
	for rows.Next() {
		var w model.PendingWithdrawal
		var id int64
		if err := rows.Scan(&id, &w.User, &w.IsQuote,
			numeric{&w.AmountIn}, numeric{&w.MinAmountOut}, numeric{&w.PriorityFee},
			&w.CreatedAt); err != nil {
			return nil, err
		}
		w.ID = uint64(id)
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

func (s *PostgresStore) loadEpoch(ctx context.Context, snap *model.Snapshot) error {
	var expiry *time.Time
	var next int64
	err := s.pool.QueryRow(ctx,
		`SELECT epoch, expiry, next_withdrawal_id FROM engine_state WHERE id = 1`).
		Scan(&snap.Epoch.Current, &expiry, &next)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	snap.NextWithdrawalID = uint64(next)
	if expiry != nil {
		snap.Epoch.Expiry = *expiry
	}

	rows, err := s.pool.Query(ctx,
		`SELECT epoch, expiry, expiry_price::TEXT FROM epoch_expiries ORDER BY epoch`)
	if err != nil {
		return err
	}
	defer rows.Close()

	snap.Epoch.ExpiryPrices = make(map[int64]fixed.Int)
	snap.Epoch.Expiries = make(map[int64]time.Time)
	for rows.Next() {
		var epoch int64
		var t time.Time
		var price fixed.Int
		if err := rows.Scan(&epoch, &t, numeric{&price}); err != nil {
			return err
		}
		snap.Epoch.ExpiryPrices[epoch] = price
		snap.Epoch.Expiries[epoch] = t
	}
	return rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, id uint64) (*model.PerpPosition, error) {
	positions, err := s.queryPositions(ctx, `WHERE id = $1`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("get position %d: %w", id, err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return &positions[0], nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.PerpPosition, error) {
	return s.queryPositions(ctx, `WHERE owner = $1 ORDER BY id`, owner)
}

func (s *PostgresStore) queryPositions(ctx context.Context, where string, args ...any) ([]model.PerpPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, is_open, is_short, positions::TEXT, size::TEXT, average_open_price::TEXT,
		        margin::TEXT, premium::TEXT, opening_fees::TEXT, closing_fees::TEXT,
		        funding::TEXT, pnl::TEXT, epoch, opened_at, closed_at, liquidated
		 FROM perp_positions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.PerpPosition
	for rows.Next() {
		var p model.PerpPosition
		var id int64
		var closedAt *time.Time
		if err := rows.Scan(&id, &p.Owner, &p.IsOpen, &p.IsShort,
			numeric{&p.Positions}, numeric{&p.Size}, numeric{&p.AverageOpenPrice},
			numeric{&p.Margin}, numeric{&p.Premium}, numeric{&p.OpeningFees}, numeric{&p.ClosingFees},
			numeric{&p.Funding}, numeric{&p.Pnl}, &p.Epoch, &p.OpenedAt, &closedAt, &p.Liquidated); err != nil {
			return nil, err
		}
		p.ID = uint64(id)
		if closedAt != nil {
			p.ClosedAt = *closedAt
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListJournal(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, op, account, ref, amounts, timestamp
		 FROM journal ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournal(rows)
}

func (s *PostgresStore) ListJournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, op, account, ref, amounts, timestamp
		 FROM journal WHERE account = $1 ORDER BY timestamp`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournal(rows)
}

// scanJournal reads pgx rows into JournalEntry slices.
func scanJournal(rows pgx.Rows) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var ref int64
		if err := rows.Scan(&e.ID, &e.Op, &e.Account, &ref, &e.Amounts, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Ref = uint64(ref)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// numeric scans a NUMERIC::TEXT column into a fixed.Int.
type numeric struct{ dst *fixed.Int }

func (n numeric) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("numeric: unexpected %T", src)
	}
	v, err := fixed.Parse(s)
	if err != nil {
		return err
	}
	*n.dst = v
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
