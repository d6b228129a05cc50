package repo

import "time"

// Recharge request statuses. The only forward path is
// PENDING_PAYMENT -> PAID -> COMPLETED; AMOUNT_ISSUE and DUPLICATE_TRADE are
// absorbing states reachable only from PENDING_PAYMENT.
const (
	RechargeStatusPending        = "PENDING_PAYMENT"
	RechargeStatusPaid           = "PAID"
	RechargeStatusCompleted      = "COMPLETED"
	RechargeStatusAmountIssue    = "AMOUNT_ISSUE"
	RechargeStatusDuplicateTrade = "DUPLICATE_TRADE"
)

// Ticket statuses.
const (
	TicketStatusOpen    = "OPEN"
	TicketStatusClaimed = "CLAIMED"
	TicketStatusClosed  = "CLOSED"
)

// RechargeRequest represents a row in recharge_requests.
type RechargeRequest struct {
	RequestID      int64
	GuildID        int64
	UserID         int64
	OutTradeNo     string
	RequestedCNY   float64
	PaidCNY        *float64
	AlipayTradeNo  *string
	Status         string
	AdminNote      *string
	RequestedAt    time.Time
	ProcessedAt    *time.Time
	PassbackParams *string
}

// Ticket represents a row in tickets.
type Ticket struct {
	TicketID      int64
	GuildID       int64
	ChannelID     int64
	CreatorID     int64
	DepartmentID  *int64
	ClaimedByID   *int64
	Status        string
	AIManaged     bool
	CreatedAt     time.Time
	ClosedAt      *time.Time
	CloseReason   *string
	TranscriptRef *string
}

// TicketDepartment represents a row in ticket_departments. StaffRoleIDs is
// stored as a JSON array column.
type TicketDepartment struct {
	DepartmentID   int64
	GuildID        int64
	Name           string
	Description    *string
	StaffRoleIDs   []int64
	WelcomeMessage *string
	ButtonLabel    *string
	ButtonEmoji    *string
}

// BalanceEntry is a leaderboard row.
type BalanceEntry struct {
	UserID  int64
	Balance int64
}

// ChatEarnConfig is the per-guild chat reward configuration.
type ChatEarnConfig struct {
	Amount          int64
	CooldownSeconds int64
}

// ModerationAction represents a row in moderation_actions.
type ModerationAction struct {
	LogID           int64
	GuildID         int64
	TargetUserID    int64
	ModeratorUserID int64
	ActionType      string
	Reason          *string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	ExtraData       map[string]any
	Active          bool
}
