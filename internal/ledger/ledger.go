package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gjteam-bot/internal/cache"
	"gjteam-bot/internal/metrics"
	"gjteam-bot/internal/repo"

	"log/slog"
)

// ErrInsufficientBalance indicates a debit would have driven the balance
// below zero. The stored balance is unchanged.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Config holds ledger defaults applied when a guild has no stored settings.
type Config struct {
	DefaultBalance   int64
	ChatEarnAmount   int64
	ChatEarnCooldown time.Duration
}

// Ledger manages per-guild user balances. All mutations go through the
// store's conditional statements, so concurrent spends cannot overdraw.
type Ledger struct {
	logger  *slog.Logger
	store   repo.Repository
	cache   *cache.Redis
	metrics *metrics.Metrics
	cfg     Config
}

// New creates a ledger over the given store. cache may be nil; chat earn
// cooldowns then fall back to allowing every message.
func New(store repo.Repository, redis *cache.Redis, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		logger:  logger.With("component", "ledger"),
		store:   store,
		cache:   redis,
		metrics: m,
		cfg:     cfg,
	}
}

// Balance returns the user's balance, or the configured default when the
// user has no row yet.
func (l *Ledger) Balance(ctx context.Context, guildID, userID int64) (int64, error) {
	return l.store.GetBalance(ctx, guildID, userID, l.cfg.DefaultBalance)
}

// Adjust applies a signed delta to the balance. A debit that would go below
// zero returns ErrInsufficientBalance and leaves the balance untouched.
func (l *Ledger) Adjust(ctx context.Context, guildID, userID, delta int64) error {
	ok, err := l.store.AdjustBalance(ctx, guildID, userID, delta, l.cfg.DefaultBalance)
	if err != nil {
		l.count("error")
		return fmt.Errorf("adjust balance: %w", err)
	}
	if !ok {
		l.count("rejected")
		return ErrInsufficientBalance
	}
	l.count("applied")
	return nil
}

// Credit adds a non-negative amount to the balance.
func (l *Ledger) Credit(ctx context.Context, guildID, userID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount %d is negative", amount)
	}
	return l.Adjust(ctx, guildID, userID, amount)
}

// Set overwrites the balance. Negative input is clamped to zero.
func (l *Ledger) Set(ctx context.Context, guildID, userID, value int64) error {
	if err := l.store.SetBalance(ctx, guildID, userID, value); err != nil {
		l.count("error")
		return fmt.Errorf("set balance: %w", err)
	}
	l.count("set")
	return nil
}

// Leaderboard returns the top balances for a guild.
func (l *Ledger) Leaderboard(ctx context.Context, guildID int64, limit int) ([]repo.BalanceEntry, error) {
	return l.store.Leaderboard(ctx, guildID, limit)
}

// EarnFromChat grants the guild's chat earn amount to a user, at most once
// per cooldown window. Returns the amount granted, or 0 when the user is
// still cooling down.
func (l *Ledger) EarnFromChat(ctx context.Context, guildID, userID int64) (int64, error) {
	defaults := repo.ChatEarnConfig{
		Amount:          l.cfg.ChatEarnAmount,
		CooldownSeconds: int64(l.cfg.ChatEarnCooldown / time.Second),
	}
	cfg, err := l.store.GetChatEarnConfig(ctx, guildID, defaults)
	if err != nil {
		return 0, fmt.Errorf("chat earn config: %w", err)
	}
	if cfg.Amount <= 0 {
		return 0, nil
	}

	if l.cache != nil && cfg.CooldownSeconds > 0 {
		key := fmt.Sprintf("chatearn:%d:%d", guildID, userID)
		acquired, err := l.cache.AcquireCooldown(ctx, key, time.Duration(cfg.CooldownSeconds)*time.Second)
		if err != nil {
			// Cache trouble must not block earning; log and grant.
			l.logger.Warn("chat earn cooldown check failed", "error", err)
		} else if !acquired {
			return 0, nil
		}
	}

	if err := l.Credit(ctx, guildID, userID, cfg.Amount); err != nil {
		return 0, err
	}
	return cfg.Amount, nil
}

func (l *Ledger) count(result string) {
	if l.metrics != nil {
		l.metrics.BalanceAdjusts.WithLabelValues(result).Inc()
	}
}
