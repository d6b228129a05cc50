package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Postgres economy settings and moderation log operations.

func (r *PostgresRepository) GetChatEarnConfig(ctx context.Context, guildID int64, defaults ChatEarnConfig) (ChatEarnConfig, error) {
	const q = `SELECT chat_earn_amount, chat_earn_cooldown FROM guild_economy_settings WHERE guild_id = $1 LIMIT 1;`
	var amount, cooldown sql.NullInt64
	err := r.pool.QueryRow(ctx, q, guildID).Scan(&amount, &cooldown)
	if err == pgx.ErrNoRows {
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

func (r *PostgresRepository) SetChatEarnConfig(ctx context.Context, guildID int64, cfg ChatEarnConfig) error {
	const q = `
INSERT INTO guild_economy_settings (guild_id, chat_earn_amount, chat_earn_cooldown)
VALUES ($1, $2, $3)
ON CONFLICT (guild_id) DO UPDATE SET
    chat_earn_amount = excluded.chat_earn_amount,
    chat_earn_cooldown = excluded.chat_earn_cooldown;
`
	if _, err := r.pool.Exec(ctx, q, guildID, cfg.Amount, cfg.CooldownSeconds); err != nil {
		return fmt.Errorf("set chat earn config: %w", err)
	}
	return nil
}

// -- Moderation log --

func (r *PostgresRepository) LogModerationAction(ctx context.Context, action ModerationAction) (int64, error) {
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
	createdAt := action.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	const q = `
INSERT INTO moderation_actions (guild_id, target_user_id, moderator_user_id, action_type, reason, created_at, expires_at, extra_data, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
RETURNING log_id;
`
	var logID int64
	err := r.pool.QueryRow(ctx, q,
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

func (r *PostgresRepository) LatestActiveAction(ctx context.Context, guildID, targetUserID int64, actionType string) (*ModerationAction, error) {
	const q = `
SELECT log_id, guild_id, target_user_id, moderator_user_id, action_type, reason, created_at, expires_at, extra_data, active
FROM moderation_actions
WHERE guild_id = $1 AND target_user_id = $2 AND action_type = $3 AND active = TRUE
ORDER BY created_at DESC
LIMIT 1;
`
	var a ModerationAction
	var reason, extraJSON sql.NullString
	var createdAt int64
	var expiresAt sql.NullInt64
	err := r.pool.QueryRow(ctx, q, guildID, targetUserID, actionType).Scan(
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
	if err == pgx.ErrNoRows {
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

func (r *PostgresRepository) DeactivateAction(ctx context.Context, logID int64, reason string, deactivatorID int64) (bool, error) {
	const q = `
UPDATE moderation_actions
SET active = FALSE,
    extra_data = jsonb_set(jsonb_set(COALESCE(extra_data::jsonb, '{}'::jsonb), '{deactivated_reason}', to_jsonb($1::text)), '{deactivated_by}', to_jsonb($2::bigint))::text
WHERE log_id = $3 AND active = TRUE;
`
	ct, err := r.pool.Exec(ctx, q, reason, deactivatorID, logID)
	if err != nil {
		return false, fmt.Errorf("deactivate action: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
