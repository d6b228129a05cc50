package repo

import (
	"context"
	"errors"
)

// Sentinel errors shared by both store implementations. Unique-constraint
// violations on concurrent inserts surface as these, never as a crash.
var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicateOrderNo = errors.New("out_trade_no already exists")
	ErrDuplicateTradeNo = errors.New("alipay_trade_no already recorded")
	ErrChannelTaken     = errors.New("channel already backs another ticket")
	ErrDuplicateName    = errors.New("department name already exists in guild")
)

// Repository defines the persistence operations of the reconciliation core.
// Every mutation relevant to an invariant (payment idempotency, single claim,
// non-negative balance) is a single conditioned statement so that concurrent
// callers race safely at the storage layer.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context) error

	// Recharge requests
	CreateRechargeRequest(ctx context.Context, req RechargeRequest) (*RechargeRequest, error)
	GetRechargeByOutTradeNo(ctx context.Context, outTradeNo string) (*RechargeRequest, error)
	// IsTradeNoProcessed reports whether tradeNo is already recorded on a
	// request other than excludeRequestID in PAID or COMPLETED status.
	IsTradeNoProcessed(ctx context.Context, tradeNo string, excludeRequestID int64) (bool, error)
	// MarkRechargePaid transitions PENDING_PAYMENT -> PAID, stamping the
	// gateway trade number, paid amount and processed timestamp. Returns false
	// when the request was no longer PENDING_PAYMENT (a concurrent delivery
	// won the race).
	MarkRechargePaid(ctx context.Context, requestID int64, tradeNo string, paidCNY float64) (bool, error)
	// MarkRechargeCompleted transitions PAID -> COMPLETED.
	MarkRechargeCompleted(ctx context.Context, requestID int64) (bool, error)
	// MarkRechargeIssue moves a PENDING_PAYMENT request into an absorbing
	// failure status (AMOUNT_ISSUE or DUPLICATE_TRADE) with an operator note.
	MarkRechargeIssue(ctx context.Context, requestID int64, status, adminNote string) (bool, error)
	ListRecentRecharges(ctx context.Context, guildID int64, limit int) ([]RechargeRequest, error)

	// Balances
	GetBalance(ctx context.Context, guildID, userID, defaultBalance int64) (int64, error)
	// AdjustBalance applies delta on top of the stored balance (or
	// defaultBalance for a missing row). The arithmetic happens inside
	// conditional SQL, never read-then-write in Go. Returns false without
	// mutating when the result would be negative; defaultBalance never caps
	// an adjustment to an existing row.
	AdjustBalance(ctx context.Context, guildID, userID, delta, defaultBalance int64) (bool, error)
	// SetBalance overwrites the balance, clamping negative input to zero.
	SetBalance(ctx context.Context, guildID, userID, value int64) error
	Leaderboard(ctx context.Context, guildID int64, limit int) ([]BalanceEntry, error)

	// Tickets
	CreateTicket(ctx context.Context, t Ticket) (*Ticket, error)
	GetTicketByID(ctx context.Context, ticketID int64) (*Ticket, error)
	GetTicketByChannel(ctx context.Context, channelID int64) (*Ticket, error)
	ListOpenTickets(ctx context.Context, guildID int64) ([]Ticket, error)
	FindOpenTicketForCreator(ctx context.Context, guildID, creatorID, departmentID int64) (*Ticket, error)
	// ClaimTicket sets the handler and CLAIMED status only if the ticket is
	// still OPEN. Exactly one of any set of concurrent claims succeeds.
	ClaimTicket(ctx context.Context, ticketID, handlerID int64) (bool, error)
	// CloseTicket transitions any non-CLOSED ticket to CLOSED. Returns false
	// when no row transitioned (unknown id or already closed).
	CloseTicket(ctx context.Context, ticketID int64, reason, transcriptRef string) (bool, error)
	SetTicketAIManaged(ctx context.Context, ticketID int64, managed bool) (bool, error)
	ListClosedTicketsWithTranscripts(ctx context.Context, guildID int64) ([]Ticket, error)

	// Ticket departments
	ListDepartments(ctx context.Context, guildID int64) ([]TicketDepartment, error)
	GetDepartment(ctx context.Context, departmentID int64) (*TicketDepartment, error)
	UpsertDepartment(ctx context.Context, dept TicketDepartment) (*TicketDepartment, error)
	// DeleteDepartment removes a department. Historical tickets keep their
	// department_id, displayed as "unknown department".
	DeleteDepartment(ctx context.Context, guildID, departmentID int64) (bool, error)

	// Guild economy settings
	GetChatEarnConfig(ctx context.Context, guildID int64, defaults ChatEarnConfig) (ChatEarnConfig, error)
	SetChatEarnConfig(ctx context.Context, guildID int64, cfg ChatEarnConfig) error

	// Moderation log
	LogModerationAction(ctx context.Context, action ModerationAction) (int64, error)
	LatestActiveAction(ctx context.Context, guildID, targetUserID int64, actionType string) (*ModerationAction, error)
	DeactivateAction(ctx context.Context, logID int64, reason string, deactivatorID int64) (bool, error)
}
