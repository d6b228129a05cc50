package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Postgres recharge operations. Semantics mirror the SQLite implementation:
// every status transition is a single conditional statement.

func (r *PostgresRepository) CreateRechargeRequest(ctx context.Context, req RechargeRequest) (*RechargeRequest, error) {
	requestedAt := time.Now().Unix()
	const q = `
INSERT INTO recharge_requests (guild_id, user_id, out_trade_no, requested_cny_amount, status, requested_at, passback_params)
VALUES ($1, $2, $3, $4, 'PENDING_PAYMENT', $5, $6)
RETURNING request_id;
`
	err := r.pool.QueryRow(ctx, q,
		req.GuildID,
		req.UserID,
		req.OutTradeNo,
		req.RequestedCNY,
		requestedAt,
		req.PassbackParams,
	).Scan(&req.RequestID)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, ErrDuplicateOrderNo
		}
		return nil, fmt.Errorf("create recharge request: %w", err)
	}
	req.Status = RechargeStatusPending
	req.RequestedAt = time.Unix(requestedAt, 0)
	return &req, nil
}

func (r *PostgresRepository) GetRechargeByOutTradeNo(ctx context.Context, outTradeNo string) (*RechargeRequest, error) {
	q := `SELECT ` + rechargeColumns + ` FROM recharge_requests WHERE out_trade_no = $1 LIMIT 1;`
	req, err := scanRecharge(r.pool.QueryRow(ctx, q, outTradeNo))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get recharge by out_trade_no: %w", err)
	}
	return req, nil
}

func (r *PostgresRepository) IsTradeNoProcessed(ctx context.Context, tradeNo string, excludeRequestID int64) (bool, error) {
	const q = `
SELECT 1 FROM recharge_requests
WHERE alipay_trade_no = $1 AND request_id != $2 AND status IN ('PAID', 'COMPLETED')
LIMIT 1;
`
	var one int
	err := r.pool.QueryRow(ctx, q, tradeNo, excludeRequestID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check trade_no processed: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) MarkRechargePaid(ctx context.Context, requestID int64, tradeNo string, paidCNY float64) (bool, error) {
	const q = `
UPDATE recharge_requests
SET status = 'PAID', alipay_trade_no = $1, paid_cny_amount = $2, processed_at = $3
WHERE request_id = $4 AND status = 'PENDING_PAYMENT';
`
	ct, err := r.pool.Exec(ctx, q, tradeNo, paidCNY, time.Now().Unix(), requestID)
	if err != nil {
		if isPgUniqueViolation(err) {
			return false, ErrDuplicateTradeNo
		}
		return false, fmt.Errorf("mark recharge paid: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PostgresRepository) MarkRechargeCompleted(ctx context.Context, requestID int64) (bool, error) {
	const q = `UPDATE recharge_requests SET status = 'COMPLETED' WHERE request_id = $1 AND status = 'PAID';`
	ct, err := r.pool.Exec(ctx, q, requestID)
	if err != nil {
		return false, fmt.Errorf("mark recharge completed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PostgresRepository) MarkRechargeIssue(ctx context.Context, requestID int64, status, adminNote string) (bool, error) {
	if status != RechargeStatusAmountIssue && status != RechargeStatusDuplicateTrade {
		return false, fmt.Errorf("mark recharge issue: invalid status %q", status)
	}
	const q = `
UPDATE recharge_requests
SET status = $1, admin_note = $2, processed_at = $3
WHERE request_id = $4 AND status = 'PENDING_PAYMENT';
`
	ct, err := r.pool.Exec(ctx, q, status, adminNote, time.Now().Unix(), requestID)
	if err != nil {
		return false, fmt.Errorf("mark recharge issue: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PostgresRepository) ListRecentRecharges(ctx context.Context, guildID int64, limit int) ([]RechargeRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + rechargeColumns + ` FROM recharge_requests WHERE guild_id = $1 ORDER BY requested_at DESC LIMIT $2;`
	rows, err := r.pool.Query(ctx, q, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent recharges: %w", err)
	}
	defer rows.Close()

	var reqs []RechargeRequest
	for rows.Next() {
		req, err := scanRecharge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recharge: %w", err)
		}
		reqs = append(reqs, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recharges: %w", err)
	}
	return reqs, nil
}
