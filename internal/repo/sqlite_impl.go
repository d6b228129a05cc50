package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// -- Recharge requests --

func (r *SQLiteRepository) CreateRechargeRequest(ctx context.Context, req RechargeRequest) (*RechargeRequest, error) {
	requestedAt := time.Now().Unix()
	const q = `
INSERT INTO recharge_requests (guild_id, user_id, out_trade_no, requested_cny_amount, status, requested_at, passback_params)
VALUES (?, ?, ?, ?, 'PENDING_PAYMENT', ?, ?)
RETURNING request_id;
`
	err := r.db.QueryRowContext(ctx, q,
		req.GuildID,
		req.UserID,
		req.OutTradeNo,
		req.RequestedCNY,
		requestedAt,
		req.PassbackParams,
	).Scan(&req.RequestID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateOrderNo
		}
		return nil, fmt.Errorf("create recharge request: %w", err)
	}
	req.Status = RechargeStatusPending
	req.RequestedAt = time.Unix(requestedAt, 0)
	return &req, nil
}

const rechargeColumns = `request_id, guild_id, user_id, out_trade_no, requested_cny_amount, paid_cny_amount, alipay_trade_no, status, admin_note, requested_at, processed_at, passback_params`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecharge(row rowScanner) (*RechargeRequest, error) {
	var req RechargeRequest
	var paid sql.NullFloat64
	var tradeNo, adminNote, passback sql.NullString
	var requestedAt int64
	var processedAt sql.NullInt64
	if err := row.Scan(
		&req.RequestID,
		&req.GuildID,
		&req.UserID,
		&req.OutTradeNo,
		&req.RequestedCNY,
		&paid,
		&tradeNo,
		&req.Status,
		&adminNote,
		&requestedAt,
		&processedAt,
		&passback,
	); err != nil {
		return nil, err
	}
	if paid.Valid {
		req.PaidCNY = &paid.Float64
	}
	if tradeNo.Valid {
		req.AlipayTradeNo = &tradeNo.String
	}
	if adminNote.Valid {
		req.AdminNote = &adminNote.String
	}
	if passback.Valid {
		req.PassbackParams = &passback.String
	}
	req.RequestedAt = time.Unix(requestedAt, 0)
	if processedAt.Valid {
		t := time.Unix(processedAt.Int64, 0)
		req.ProcessedAt = &t
	}
	return &req, nil
}

func (r *SQLiteRepository) GetRechargeByOutTradeNo(ctx context.Context, outTradeNo string) (*RechargeRequest, error) {
	q := `SELECT ` + rechargeColumns + ` FROM recharge_requests WHERE out_trade_no = ? LIMIT 1;`
	req, err := scanRecharge(r.db.QueryRowContext(ctx, q, outTradeNo))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get recharge by out_trade_no: %w", err)
	}
	return req, nil
}

func (r *SQLiteRepository) IsTradeNoProcessed(ctx context.Context, tradeNo string, excludeRequestID int64) (bool, error) {
	const q = `
SELECT 1 FROM recharge_requests
WHERE alipay_trade_no = ? AND request_id != ? AND status IN ('PAID', 'COMPLETED')
LIMIT 1;
`
	var one int
	err := r.db.QueryRowContext(ctx, q, tradeNo, excludeRequestID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check trade_no processed: %w", err)
	}
	return true, nil
}

func (r *SQLiteRepository) MarkRechargePaid(ctx context.Context, requestID int64, tradeNo string, paidCNY float64) (bool, error) {
	const q = `
UPDATE recharge_requests
SET status = 'PAID', alipay_trade_no = ?, paid_cny_amount = ?, processed_at = ?
WHERE request_id = ? AND status = 'PENDING_PAYMENT';
`
	res, err := r.db.ExecContext(ctx, q, tradeNo, paidCNY, time.Now().Unix(), requestID)
	if err != nil {
		// The unique index on alipay_trade_no is the safety net of last
		// resort against two requests absorbing the same gateway trade.
		if isUniqueViolation(err) {
			return false, ErrDuplicateTradeNo
		}
		return false, fmt.Errorf("mark recharge paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark recharge paid rows: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) MarkRechargeCompleted(ctx context.Context, requestID int64) (bool, error) {
	const q = `UPDATE recharge_requests SET status = 'COMPLETED' WHERE request_id = ? AND status = 'PAID';`
	res, err := r.db.ExecContext(ctx, q, requestID)
	if err != nil {
		return false, fmt.Errorf("mark recharge completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark recharge completed rows: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) MarkRechargeIssue(ctx context.Context, requestID int64, status, adminNote string) (bool, error) {
	if status != RechargeStatusAmountIssue && status != RechargeStatusDuplicateTrade {
		return false, fmt.Errorf("mark recharge issue: invalid status %q", status)
	}
	const q = `
UPDATE recharge_requests
SET status = ?, admin_note = ?, processed_at = ?
WHERE request_id = ? AND status = 'PENDING_PAYMENT';
`
	res, err := r.db.ExecContext(ctx, q, status, adminNote, time.Now().Unix(), requestID)
	if err != nil {
		return false, fmt.Errorf("mark recharge issue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark recharge issue rows: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) ListRecentRecharges(ctx context.Context, guildID int64, limit int) ([]RechargeRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + rechargeColumns + ` FROM recharge_requests WHERE guild_id = ? ORDER BY requested_at DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, guildID, limit)
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

// -- Balances --

func (r *SQLiteRepository) GetBalance(ctx context.Context, guildID, userID, defaultBalance int64) (int64, error) {
	const q = `SELECT balance FROM user_balances WHERE guild_id = ? AND user_id = ? LIMIT 1;`
	var balance int64
	err := r.db.QueryRowContext(ctx, q, guildID, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return defaultBalance, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (r *SQLiteRepository) AdjustBalance(ctx context.Context, guildID, userID, delta, defaultBalance int64) (bool, error) {
	// Conditional update first, conditional insert only when no row exists.
	// Both add delta inside SQL and refuse a negative result, so concurrent
	// adjustments to the same key never lose updates. defaultBalance only
	// gates the opening insert; an existing row is judged on its own balance.
	// A zero-row insert is either a rejected opening debit or a row created
	// concurrently; the retry lets the update decide. Rows are never deleted,
	// so the loop settles within two passes.
	const updateQ = `
UPDATE user_balances SET balance = balance + ?
WHERE guild_id = ? AND user_id = ? AND balance + ? >= 0;
`
	const insertQ = `
INSERT INTO user_balances (guild_id, user_id, balance)
SELECT ?, ?, ? + ? WHERE ? + ? >= 0
ON CONFLICT (guild_id, user_id) DO NOTHING;
`
	for attempt := 0; attempt < 3; attempt++ {
		res, err := r.db.ExecContext(ctx, updateQ, delta, guildID, userID, delta)
		if err != nil {
			return false, fmt.Errorf("adjust balance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("adjust balance rows: %w", err)
		}
		if n > 0 {
			return true, nil
		}

		res, err = r.db.ExecContext(ctx, insertQ, guildID, userID, defaultBalance, delta, defaultBalance, delta)
		if err != nil {
			return false, fmt.Errorf("adjust balance insert: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("adjust balance insert rows: %w", err)
		}
		if n > 0 {
			return true, nil
		}
		if defaultBalance+delta < 0 {
			return false, nil
		}
	}
	return false, nil
}

func (r *SQLiteRepository) SetBalance(ctx context.Context, guildID, userID, value int64) error {
	if value < 0 {
		value = 0
	}
	const q = `
INSERT INTO user_balances (guild_id, user_id, balance)
VALUES (?, ?, ?)
ON CONFLICT (guild_id, user_id) DO UPDATE SET balance = excluded.balance;
`
	if _, err := r.db.ExecContext(ctx, q, guildID, userID, value); err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Leaderboard(ctx context.Context, guildID int64, limit int) ([]BalanceEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `SELECT user_id, balance FROM user_balances WHERE guild_id = ? ORDER BY balance DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, guildID, limit)
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

// -- Tickets --

const ticketColumns = `ticket_id, guild_id, channel_id, creator_id, department_id, claimed_by_id, status, is_ai_managed, created_at, closed_at, close_reason, transcript_ref`

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var departmentID, claimedBy, closedAt sql.NullInt64
	var closeReason, transcriptRef sql.NullString
	var createdAt int64
	if err := row.Scan(
		&t.TicketID,
		&t.GuildID,
		&t.ChannelID,
		&t.CreatorID,
		&departmentID,
		&claimedBy,
		&t.Status,
		&t.AIManaged,
		&createdAt,
		&closedAt,
		&closeReason,
		&transcriptRef,
	); err != nil {
		return nil, err
	}
	if departmentID.Valid {
		t.DepartmentID = &departmentID.Int64
	}
	if claimedBy.Valid {
		t.ClaimedByID = &claimedBy.Int64
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	if closedAt.Valid {
		closed := time.Unix(closedAt.Int64, 0)
		t.ClosedAt = &closed
	}
	if closeReason.Valid {
		t.CloseReason = &closeReason.String
	}
	if transcriptRef.Valid {
		t.TranscriptRef = &transcriptRef.String
	}
	return &t, nil
}

func (r *SQLiteRepository) CreateTicket(ctx context.Context, t Ticket) (*Ticket, error) {
	createdAt := time.Now().Unix()
	const q = `
INSERT INTO tickets (guild_id, channel_id, creator_id, department_id, status, created_at)
VALUES (?, ?, ?, ?, 'OPEN', ?)
RETURNING ticket_id;
`
	err := r.db.QueryRowContext(ctx, q,
		t.GuildID,
		t.ChannelID,
		t.CreatorID,
		t.DepartmentID,
		createdAt,
	).Scan(&t.TicketID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrChannelTaken
		}
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	t.Status = TicketStatusOpen
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

func (r *SQLiteRepository) GetTicketByID(ctx context.Context, ticketID int64) (*Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets WHERE ticket_id = ? LIMIT 1;`
	t, err := scanTicket(r.db.QueryRowContext(ctx, q, ticketID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ticket by id: %w", err)
	}
	return t, nil
}

func (r *SQLiteRepository) GetTicketByChannel(ctx context.Context, channelID int64) (*Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets WHERE channel_id = ? LIMIT 1;`
	t, err := scanTicket(r.db.QueryRowContext(ctx, q, channelID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ticket by channel: %w", err)
	}
	return t, nil
}

func (r *SQLiteRepository) ListOpenTickets(ctx context.Context, guildID int64) ([]Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets WHERE guild_id = ? AND status IN ('OPEN', 'CLAIMED') ORDER BY created_at DESC;`
	return r.queryTickets(ctx, q, guildID)
}

func (r *SQLiteRepository) FindOpenTicketForCreator(ctx context.Context, guildID, creatorID, departmentID int64) (*Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets
WHERE guild_id = ? AND creator_id = ? AND department_id = ? AND status IN ('OPEN', 'CLAIMED')
LIMIT 1;`
	t, err := scanTicket(r.db.QueryRowContext(ctx, q, guildID, creatorID, departmentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find open ticket for creator: %w", err)
	}
	return t, nil
}

func (r *SQLiteRepository) ClaimTicket(ctx context.Context, ticketID, handlerID int64) (bool, error) {
	// Compare-and-set on status: of two concurrent claims exactly one sees
	// RowsAffected==1. No read-then-write.
	const q = `UPDATE tickets SET status = 'CLAIMED', claimed_by_id = ? WHERE ticket_id = ? AND status = 'OPEN';`
	res, err := r.db.ExecContext(ctx, q, handlerID, ticketID)
	if err != nil {
		return false, fmt.Errorf("claim ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim ticket rows: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) CloseTicket(ctx context.Context, ticketID int64, reason, transcriptRef string) (bool, error) {
	const q = `
UPDATE tickets
SET status = 'CLOSED', closed_at = ?, close_reason = ?, transcript_ref = ?
WHERE ticket_id = ? AND status != 'CLOSED';
`
	res, err := r.db.ExecContext(ctx, q, time.Now().Unix(), reason, transcriptRef, ticketID)
	if err != nil {
		return false, fmt.Errorf("close ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close ticket rows: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) SetTicketAIManaged(ctx context.Context, ticketID int64, managed bool) (bool, error) {
	const q = `UPDATE tickets SET is_ai_managed = ? WHERE ticket_id = ?;`
	res, err := r.db.ExecContext(ctx, q, managed, ticketID)
	if err != nil {
		return false, fmt.Errorf("set ticket ai managed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set ticket ai managed rows: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) ListClosedTicketsWithTranscripts(ctx context.Context, guildID int64) ([]Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets
WHERE guild_id = ? AND status = 'CLOSED' AND transcript_ref IS NOT NULL AND transcript_ref != ''
ORDER BY closed_at DESC;`
	return r.queryTickets(ctx, q, guildID)
}

func (r *SQLiteRepository) queryTickets(ctx context.Context, q string, args ...any) ([]Ticket, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	return tickets, nil
}

// -- Ticket departments --

const departmentColumns = `department_id, guild_id, name, description, staff_role_ids_json, welcome_message, button_label, button_emoji`

func scanDepartment(row rowScanner) (*TicketDepartment, error) {
	var d TicketDepartment
	var description, welcome, label, emoji sql.NullString
	var staffJSON string
	if err := row.Scan(
		&d.DepartmentID,
		&d.GuildID,
		&d.Name,
		&description,
		&staffJSON,
		&welcome,
		&label,
		&emoji,
	); err != nil {
		return nil, err
	}
	if description.Valid {
		d.Description = &description.String
	}
	if welcome.Valid {
		d.WelcomeMessage = &welcome.String
	}
	if label.Valid {
		d.ButtonLabel = &label.String
	}
	if emoji.Valid {
		d.ButtonEmoji = &emoji.String
	}
	d.StaffRoleIDs = roleIDsFromJSON(staffJSON)
	return &d, nil
}

func roleIDsToJSON(ids []int64) string {
	if ids == nil {
		ids = []int64{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func roleIDsFromJSON(data string) []int64 {
	var ids []int64
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil
	}
	return ids
}

func (r *SQLiteRepository) ListDepartments(ctx context.Context, guildID int64) ([]TicketDepartment, error) {
	q := `SELECT ` + departmentColumns + ` FROM ticket_departments WHERE guild_id = ? ORDER BY name ASC;`
	rows, err := r.db.QueryContext(ctx, q, guildID)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	var departments []TicketDepartment
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		departments = append(departments, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate departments: %w", err)
	}
	return departments, nil
}

func (r *SQLiteRepository) GetDepartment(ctx context.Context, departmentID int64) (*TicketDepartment, error) {
	q := `SELECT ` + departmentColumns + ` FROM ticket_departments WHERE department_id = ? LIMIT 1;`
	d, err := scanDepartment(r.db.QueryRowContext(ctx, q, departmentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get department: %w", err)
	}
	return d, nil
}

func (r *SQLiteRepository) UpsertDepartment(ctx context.Context, dept TicketDepartment) (*TicketDepartment, error) {
	staffJSON := roleIDsToJSON(dept.StaffRoleIDs)
	if dept.DepartmentID == 0 {
		const q = `
INSERT INTO ticket_departments (guild_id, name, description, staff_role_ids_json, welcome_message, button_label, button_emoji)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (guild_id, name) DO UPDATE SET
    description = excluded.description,
    staff_role_ids_json = excluded.staff_role_ids_json,
    welcome_message = excluded.welcome_message,
    button_label = excluded.button_label,
    button_emoji = excluded.button_emoji
RETURNING department_id;
`
		err := r.db.QueryRowContext(ctx, q,
			dept.GuildID,
			dept.Name,
			dept.Description,
			staffJSON,
			dept.WelcomeMessage,
			dept.ButtonLabel,
			dept.ButtonEmoji,
		).Scan(&dept.DepartmentID)
		if err != nil {
			return nil, fmt.Errorf("upsert department: %w", err)
		}
		return &dept, nil
	}

	const q = `
UPDATE ticket_departments
SET name = ?, description = ?, staff_role_ids_json = ?, welcome_message = ?, button_label = ?, button_emoji = ?
WHERE department_id = ? AND guild_id = ?;
`
	res, err := r.db.ExecContext(ctx, q,
		dept.Name,
		dept.Description,
		staffJSON,
		dept.WelcomeMessage,
		dept.ButtonLabel,
		dept.ButtonEmoji,
		dept.DepartmentID,
		dept.GuildID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("update department: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update department rows: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return &dept, nil
}

func (r *SQLiteRepository) DeleteDepartment(ctx context.Context, guildID, departmentID int64) (bool, error) {
	// No cascade: historical tickets keep their department_id.
	const q = `DELETE FROM ticket_departments WHERE department_id = ? AND guild_id = ?;`
	res, err := r.db.ExecContext(ctx, q, departmentID, guildID)
	if err != nil {
		return false, fmt.Errorf("delete department: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete department rows: %w", err)
	}
	return n > 0, nil
}

// -- Guild economy settings --

func (r *SQLiteRepository) GetChatEarnConfig(ctx context.Context, guildID int64, defaults ChatEarnConfig) (ChatEarnConfig, error) {
	const q = `SELECT chat_earn_amount, chat_earn_cooldown FROM guild_economy_settings WHERE guild_id = ? LIMIT 1;`
	var amount, cooldown sql.NullInt64
	err := r.db.QueryRowContext(ctx, q, guildID).Scan(&amount, &cooldown)
	if err == sql.ErrNoRows {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("get chat earn config: %w", err)
	}
	cfg := defaults
	if amount.Valid {
		cfg.Amount = amount.Int64
	}
	if cooldown.Valid {
		cfg.CooldownSeconds = cooldown.Int64
	}
	return cfg, nil
}

func (r *SQLiteRepository) SetChatEarnConfig(ctx context.Context, guildID int64, cfg ChatEarnConfig) error {
	const q = `
INSERT INTO guild_economy_settings (guild_id, chat_earn_amount, chat_earn_cooldown)
VALUES (?, ?, ?)
ON CONFLICT (guild_id) DO UPDATE SET
    chat_earn_amount = excluded.chat_earn_amount,
    chat_earn_cooldown = excluded.chat_earn_cooldown;
`
	if _, err := r.db.ExecContext(ctx, q, guildID, cfg.Amount, cfg.CooldownSeconds); err != nil {
		return fmt.Errorf("set chat earn config: %w", err)
	}
	return nil
}

// -- Moderation log --

func (r *SQLiteRepository) LogModerationAction(ctx context.Context, action ModerationAction) (int64, error) {
	var extraJSON any
	if action.ExtraData != nil {
		data, err := json.Marshal(action.ExtraData)
		if err != nil {
			return 0, fmt.Errorf("marshal extra data: %w", err)
		}
		extraJSON = string(data)
	}
	var expiresAt any
	if action.ExpiresAt != nil {
		expiresAt = action.ExpiresAt.Unix()
	}
	const q = `
INSERT INTO moderation_actions (guild_id, target_user_id, moderator_user_id, action_type, reason, created_at, expires_at, extra_data, active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
RETURNING log_id;
`
	createdAt := action.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var logID int64
	err := r.db.QueryRowContext(ctx, q,
		action.GuildID,
		action.TargetUserID,
		action.ModeratorUserID,
		action.ActionType,
		action.Reason,
		createdAt.Unix(),
		expiresAt,
		extraJSON,
	).Scan(&logID)
	if err != nil {
		return 0, fmt.Errorf("log moderation action: %w", err)
	}
	return logID, nil
}

func (r *SQLiteRepository) LatestActiveAction(ctx context.Context, guildID, targetUserID int64, actionType string) (*ModerationAction, error) {
	const q = `
SELECT log_id, guild_id, target_user_id, moderator_user_id, action_type, reason, created_at, expires_at, extra_data, active
FROM moderation_actions
WHERE guild_id = ? AND target_user_id = ? AND action_type = ? AND active = 1
ORDER BY created_at DESC
LIMIT 1;
`
	var a ModerationAction
	var reason, extraJSON sql.NullString
	var createdAt int64
	var expiresAt sql.NullInt64
	err := r.db.QueryRowContext(ctx, q, guildID, targetUserID, actionType).Scan(
		&a.LogID,
		&a.GuildID,
		&a.TargetUserID,
		&a.ModeratorUserID,
		&a.ActionType,
		&reason,
		&createdAt,
		&expiresAt,
		&extraJSON,
		&a.Active,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest active action: %w", err)
	}
	if reason.Valid {
		a.Reason = &reason.String
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		a.ExpiresAt = &t
	}
	if extraJSON.Valid {
		_ = json.Unmarshal([]byte(extraJSON.String), &a.ExtraData)
	}
	return &a, nil
}

func (r *SQLiteRepository) DeactivateAction(ctx context.Context, logID int64, reason string, deactivatorID int64) (bool, error) {
	const q = `
UPDATE moderation_actions
SET active = 0,
    extra_data = json_set(COALESCE(extra_data, '{}'), '$.deactivated_reason', ?, '$.deactivated_by', ?)
WHERE log_id = ? AND active = 1;
`
	res, err := r.db.ExecContext(ctx, q, reason, deactivatorID, logID)
	if err != nil {
		return false, fmt.Errorf("deactivate action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate action rows: %w", err)
	}
	return n > 0, nil
}
