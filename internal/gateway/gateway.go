package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"log/slog"
)

// ErrChannelUnavailable indicates the chat platform rejected a channel operation.
var ErrChannelUnavailable = errors.New("gateway channel unavailable")

// ChannelManager abstracts the chat platform operations the ticket flow needs.
// The concrete client lives outside this module; callers inject it at startup.
type ChannelManager interface {
	// CreateTicketChannel provisions a private channel for a ticket and
	// returns the new channel id.
	CreateTicketChannel(ctx context.Context, guildID int64, creatorID int64, departmentName string, staffRoleIDs []int64) (int64, error)
	// DeleteChannel removes a channel. Deleting a channel that no longer
	// exists is not an error.
	DeleteChannel(ctx context.Context, guildID, channelID int64) error
	// SendMessage posts a message into a channel.
	SendMessage(ctx context.Context, channelID int64, content string) error
}

// Notifier receives user-facing outcome events. Implementations deliver them
// as DMs or channel messages; failures are logged and never block business
// state transitions.
type Notifier interface {
	RechargeCredited(ctx context.Context, guildID, userID int64, amountCoins int64, outTradeNo string)
	RechargeFailed(ctx context.Context, guildID, userID int64, outTradeNo, reason string)
	TicketEvent(ctx context.Context, guildID, channelID int64, event string)
}

// LogChannelManager is a ChannelManager that only records operations and
// hands out synthetic channel ids. It is the default when no platform client
// is wired in.
type LogChannelManager struct {
	logger *slog.Logger
	nextID atomic.Int64
}

// NewLogChannelManager creates a log-only channel manager.
func NewLogChannelManager(logger *slog.Logger) *LogChannelManager {
	m := &LogChannelManager{logger: logger.With("component", "gateway")}
	m.nextID.Store(time.Now().UnixNano())
	return m
}

func (m *LogChannelManager) CreateTicketChannel(ctx context.Context, guildID, creatorID int64, departmentName string, staffRoleIDs []int64) (int64, error) {
	channelID := m.nextID.Add(1)
	m.logger.Info("create ticket channel",
		"guild_id", guildID,
		"creator_id", creatorID,
		"department", departmentName,
		"channel_id", channelID,
	)
	return channelID, nil
}

func (m *LogChannelManager) DeleteChannel(ctx context.Context, guildID, channelID int64) error {
	m.logger.Info("delete channel", "guild_id", guildID, "channel_id", channelID)
	return nil
}

func (m *LogChannelManager) SendMessage(ctx context.Context, channelID int64, content string) error {
	m.logger.Info("send message", "channel_id", channelID, "bytes", len(content))
	return nil
}

// LogNotifier logs outcome events instead of delivering them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) RechargeCredited(ctx context.Context, guildID, userID, amountCoins int64, outTradeNo string) {
	n.logger.Info("recharge credited",
		"guild_id", guildID,
		"user_id", userID,
		"coins", amountCoins,
		"out_trade_no", outTradeNo,
	)
}

func (n *LogNotifier) RechargeFailed(ctx context.Context, guildID, userID int64, outTradeNo, reason string) {
	n.logger.Warn("recharge failed",
		"guild_id", guildID,
		"user_id", userID,
		"out_trade_no", outTradeNo,
		"reason", reason,
	)
}

func (n *LogNotifier) TicketEvent(ctx context.Context, guildID, channelID int64, event string) {
	n.logger.Info("ticket event", "guild_id", guildID, "channel_id", channelID, "event", event)
}
