package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Postgres balance operations.

func (r *PostgresRepository) GetBalance(ctx context.Context, guildID, userID, defaultBalance int64) (int64, error) {
	const q = `SELECT balance FROM user_balances WHERE guild_id = $1 AND user_id = $2 LIMIT 1;`
	var balance int64
	err := r.pool.QueryRow(ctx, q, guildID, userID).Scan(&balance)
	if err == pgx.ErrNoRows {
		return defaultBalance, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (r *PostgresRepository) AdjustBalance(ctx context.Context, guildID, userID, delta, defaultBalance int64) (bool, error) {
	// Same shape as the SQLite variant: conditional update first, conditional
	// insert only when no row exists. defaultBalance only gates the opening
	// insert; an existing row is judged on its own balance. A zero-row insert
	// is either a rejected opening debit or a row created concurrently; the
	// retry lets the update decide.
	const updateQ = `
UPDATE user_balances SET balance = balance + $1
WHERE guild_id = $2 AND user_id = $3 AND balance + $1 >= 0;
`
	const insertQ = `
INSERT INTO user_balances (guild_id, user_id, balance)
SELECT $1::bigint, $2::bigint, $3::bigint + $4::bigint WHERE $3::bigint + $4::bigint >= 0
ON CONFLICT (guild_id, user_id) DO NOTHING;
`
	for attempt := 0; attempt < 3; attempt++ {
		ct, err := r.pool.Exec(ctx, updateQ, delta, guildID, userID)
		if err != nil {
			return false, fmt.Errorf("adjust balance: %w", err)
		}
		if ct.RowsAffected() > 0 {
			return true, nil
		}

		ct, err = r.pool.Exec(ctx, insertQ, guildID, userID, defaultBalance, delta)
		if err != nil {
			return false, fmt.Errorf("adjust balance insert: %w", err)
		}
		if ct.RowsAffected() > 0 {
			return true, nil
		}
		if defaultBalance+delta < 0 {
			return false, nil
		}
	}
	return false, nil
}

func (r *PostgresRepository) SetBalance(ctx context.Context, guildID, userID, value int64) error {
	if value < 0 {
		value = 0
	}
	const q = `
INSERT INTO user_balances (guild_id, user_id, balance)
VALUES ($1, $2, $3)
ON CONFLICT (guild_id, user_id) DO UPDATE SET balance = excluded.balance;
`
	if _, err := r.pool.Exec(ctx, q, guildID, userID, value); err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Leaderboard(ctx context.Context, guildID int64, limit int) ([]BalanceEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `SELECT user_id, balance FROM user_balances WHERE guild_id = $1 ORDER BY balance DESC LIMIT $2;`
	rows, err := r.pool.Query(ctx, q, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []BalanceEntry
	for rows.Next() {
		var e BalanceEntry
		if err := rows.Scan(&e.UserID, &e.Balance); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaderboard: %w", err)
	}
	return entries, nil
}
