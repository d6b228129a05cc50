package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gjteam-bot/internal/gateway"
	"gjteam-bot/internal/metrics"
	"gjteam-bot/internal/repo"

	"log/slog"
)

// Typed failures callers branch on. A lost claim race is not on this list;
// that is an expected outcome, not an error.
var (
	ErrUnknownDepartment = errors.New("ticket department does not exist")
	ErrTicketExists      = errors.New("creator already has an open ticket in this department")
	ErrChannelCreate     = errors.New("failed creating ticket channel")
)

// Transcriber renders a closed ticket's conversation and returns a durable
// reference to it (a URL or object key). Optional.
type Transcriber interface {
	Render(ctx context.Context, t *repo.Ticket) (string, error)
}

// Responder produces an AI reply for a ticket message. Optional; only
// consulted while the ticket is AI managed.
type Responder interface {
	Reply(ctx context.Context, t *repo.Ticket, userMessage string) (string, error)
}

// Config holds ticket manager settings.
type Config struct {
	// CloseDeleteRetries bounds channel deletion attempts after a close.
	CloseDeleteRetries int
	// CloseDeleteBackoff is the pause between deletion attempts.
	CloseDeleteBackoff time.Duration
}

// Manager drives the ticket state machine OPEN -> CLAIMED -> CLOSED over the
// store and the chat platform. Storage conditional updates make the claim and
// close transitions race-safe.
type Manager struct {
	logger      *slog.Logger
	store       repo.Repository
	channels    gateway.ChannelManager
	notifier    gateway.Notifier
	transcriber Transcriber
	responder   Responder
	metrics     *metrics.Metrics
	cfg         Config
}

// New creates a ticket manager. transcriber and responder may be nil.
func New(store repo.Repository, channels gateway.ChannelManager, notifier gateway.Notifier, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.CloseDeleteRetries <= 0 {
		cfg.CloseDeleteRetries = 3
	}
	if cfg.CloseDeleteBackoff <= 0 {
		cfg.CloseDeleteBackoff = 2 * time.Second
	}
	return &Manager{
		logger:   logger.With("component", "ticket_manager"),
		store:    store,
		channels: channels,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
	}
}

// SetTranscriber wires an optional transcript renderer.
func (m *Manager) SetTranscriber(t Transcriber) { m.transcriber = t }

// SetResponder wires an optional AI responder.
func (m *Manager) SetResponder(r Responder) { m.responder = r }

// Create opens a ticket: validates the department, rejects a second open
// ticket by the same creator in that department, provisions the chat channel
// and inserts the record. Channel creation and record insert are a unit; if
// the insert fails the channel is torn down again.
func (m *Manager) Create(ctx context.Context, guildID, creatorID, departmentID int64) (*repo.Ticket, error) {
	dept, err := m.store.GetDepartment(ctx, departmentID)
	if err == repo.ErrNotFound {
		m.count("create", "unknown_department")
		return nil, ErrUnknownDepartment
	}
	if err != nil {
		return nil, fmt.Errorf("load department: %w", err)
	}
	if dept.GuildID != guildID {
		m.count("create", "unknown_department")
		return nil, ErrUnknownDepartment
	}

	existing, err := m.store.FindOpenTicketForCreator(ctx, guildID, creatorID, departmentID)
	if err != nil {
		return nil, fmt.Errorf("check existing ticket: %w", err)
	}
	if existing != nil {
		m.count("create", "duplicate")
		return nil, ErrTicketExists
	}

	channelID, err := m.channels.CreateTicketChannel(ctx, guildID, creatorID, dept.Name, dept.StaffRoleIDs)
	if err != nil {
		m.count("create", "channel_failed")
		return nil, fmt.Errorf("%w: %v", ErrChannelCreate, err)
	}

	created, err := m.store.CreateTicket(ctx, repo.Ticket{
		GuildID:      guildID,
		ChannelID:    channelID,
		CreatorID:    creatorID,
		DepartmentID: &departmentID,
	})
	if err != nil {
		// Tear the channel back down so no channel exists without a record.
		if delErr := m.channels.DeleteChannel(ctx, guildID, channelID); delErr != nil {
			m.logger.Error("failed tearing down channel after insert failure",
				"channel_id", channelID,
				"error", delErr,
			)
		}
		m.count("create", "store_failed")
		return nil, fmt.Errorf("create ticket record: %w", err)
	}

	if dept.WelcomeMessage != nil && *dept.WelcomeMessage != "" {
		if err := m.channels.SendMessage(ctx, channelID, *dept.WelcomeMessage); err != nil {
			m.logger.Warn("failed sending welcome message", "ticket_id", created.TicketID, "error", err)
		}
	}
	if m.notifier != nil {
		m.notifier.TicketEvent(ctx, guildID, channelID, "opened")
	}
	m.count("create", "ok")
	m.logger.Info("ticket created",
		"ticket_id", created.TicketID,
		"guild_id", guildID,
		"creator_id", creatorID,
		"department", dept.Name,
	)
	return created, nil
}

// Claim assigns the ticket to handlerID if it is still OPEN. Returns false
// when someone else claimed it first or the ticket is closed; that is the
// normal race outcome, not an error.
func (m *Manager) Claim(ctx context.Context, ticketID, handlerID int64) (bool, error) {
	claimed, err := m.store.ClaimTicket(ctx, ticketID, handlerID)
	if err != nil {
		m.count("claim", "error")
		return false, fmt.Errorf("claim ticket: %w", err)
	}
	if !claimed {
		m.count("claim", "lost")
		return false, nil
	}
	m.count("claim", "ok")

	if t, err := m.store.GetTicketByID(ctx, ticketID); err == nil {
		if m.notifier != nil {
			m.notifier.TicketEvent(ctx, t.GuildID, t.ChannelID, "claimed")
		}
		m.logger.Info("ticket claimed", "ticket_id", ticketID, "handler_id", handlerID)
	}
	return true, nil
}

// Close finishes a ticket. Order matters: transcript first, then
// notifications, then the CLOSED write, and only after the write is confirmed
// the channel is deleted. Closing an already closed ticket is a no-op
// reporting true.
func (m *Manager) Close(ctx context.Context, ticketID int64, reason string) (bool, error) {
	t, err := m.store.GetTicketByID(ctx, ticketID)
	if err == repo.ErrNotFound {
		return false, repo.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load ticket: %w", err)
	}
	if t.Status == repo.TicketStatusClosed {
		m.count("close", "already_closed")
		return true, nil
	}

	transcriptRef := ""
	if m.transcriber != nil {
		ref, err := m.transcriber.Render(ctx, t)
		if err != nil {
			m.logger.Error("transcript generation failed", "ticket_id", ticketID, "error", err)
		} else {
			transcriptRef = ref
		}
	}

	if m.notifier != nil {
		m.notifier.TicketEvent(ctx, t.GuildID, t.ChannelID, "closing")
	}

	transitioned, err := m.store.CloseTicket(ctx, ticketID, reason, transcriptRef)
	if err != nil {
		m.count("close", "store_failed")
		// The record is in an unknown state but the channel must not
		// linger; still attempt deletion below.
		m.logger.Error("failed writing CLOSED status", "ticket_id", ticketID, "error", err)
		m.deleteChannelWithRetry(ctx, t.GuildID, t.ChannelID)
		return false, fmt.Errorf("close ticket: %w", err)
	}
	if !transitioned {
		// Concurrent close won; the winner deletes the channel.
		m.count("close", "already_closed")
		return true, nil
	}

	m.deleteChannelWithRetry(ctx, t.GuildID, t.ChannelID)
	m.count("close", "ok")
	m.logger.Info("ticket closed", "ticket_id", ticketID, "reason", reason)
	return true, nil
}

// deleteChannelWithRetry tries bounded deletion attempts with backoff so a
// closed ticket does not keep a live channel indefinitely.
func (m *Manager) deleteChannelWithRetry(ctx context.Context, guildID, channelID int64) {
	var err error
	for attempt := 1; attempt <= m.cfg.CloseDeleteRetries; attempt++ {
		if err = m.channels.DeleteChannel(ctx, guildID, channelID); err == nil {
			return
		}
		m.logger.Warn("channel deletion failed",
			"channel_id", channelID,
			"attempt", attempt,
			"error", err,
		)
		if attempt < m.cfg.CloseDeleteRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.CloseDeleteBackoff):
			}
		}
	}
	m.logger.Error("giving up deleting channel for closed ticket",
		"channel_id", channelID,
		"error", err,
	)
	if m.metrics != nil {
		m.metrics.Errors.WithLabelValues("ticket_channel_delete").Inc()
	}
}

// ToggleAIManaged flips the AI flag and returns the new state. Turning AI on
// re-invokes the responder against lastUserMessage so the user is not left
// waiting for the next message.
func (m *Manager) ToggleAIManaged(ctx context.Context, ticketID int64, lastUserMessage string) (bool, error) {
	t, err := m.store.GetTicketByID(ctx, ticketID)
	if err != nil {
		return false, fmt.Errorf("load ticket: %w", err)
	}
	newState := !t.AIManaged
	if _, err := m.store.SetTicketAIManaged(ctx, ticketID, newState); err != nil {
		return false, fmt.Errorf("set ai managed: %w", err)
	}
	m.count("ai_toggle", "ok")

	if newState && m.responder != nil && lastUserMessage != "" {
		t.AIManaged = true
		m.respond(ctx, t, lastUserMessage)
	}
	return newState, nil
}

// HandleUserMessage routes a creator message. While the ticket is AI managed
// the responder answers into the channel.
func (m *Manager) HandleUserMessage(ctx context.Context, channelID int64, content string) error {
	t, err := m.store.GetTicketByChannel(ctx, channelID)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ticket by channel: %w", err)
	}
	if !t.AIManaged || t.Status == repo.TicketStatusClosed {
		return nil
	}
	m.respond(ctx, t, content)
	return nil
}

// HandleStaffReply records that a human answered in the channel. Any staff
// reply turns AI management off automatically.
func (m *Manager) HandleStaffReply(ctx context.Context, channelID, staffID int64) error {
	t, err := m.store.GetTicketByChannel(ctx, channelID)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ticket by channel: %w", err)
	}
	if !t.AIManaged {
		return nil
	}
	if _, err := m.store.SetTicketAIManaged(ctx, t.TicketID, false); err != nil {
		return fmt.Errorf("hand back from ai: %w", err)
	}
	m.count("ai_handback", "ok")
	m.logger.Info("ai management handed back to staff",
		"ticket_id", t.TicketID,
		"staff_id", staffID,
	)
	return nil
}

func (m *Manager) respond(ctx context.Context, t *repo.Ticket, userMessage string) {
	if m.responder == nil {
		return
	}
	reply, err := m.responder.Reply(ctx, t, userMessage)
	if err != nil {
		m.logger.Error("responder failed", "ticket_id", t.TicketID, "error", err)
		return
	}
	if reply == "" {
		return
	}
	if err := m.channels.SendMessage(ctx, t.ChannelID, reply); err != nil {
		m.logger.Error("failed sending ai reply", "ticket_id", t.TicketID, "error", err)
	}
}

func (m *Manager) count(event, result string) {
	if m.metrics != nil {
		m.metrics.TicketEvents.WithLabelValues(event, result).Inc()
	}
}
