package payment

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"gjteam-bot/internal/alipay"
	"gjteam-bot/internal/gateway"
	"gjteam-bot/internal/metrics"
	"gjteam-bot/internal/repo"

	"github.com/google/uuid"

	"log/slog"
)

// amountTolerance is the accepted gap between the requested and the paid CNY
// amount. Anything larger marks the request AMOUNT_ISSUE.
const amountTolerance = 0.01

// Outcome statuses of a reconciliation attempt.
const (
	OutcomeCredited = "credited"
	OutcomeIgnored  = "ignored"
	OutcomeRejected = "rejected"
)

// Outcome describes what a notification did to the ledger and the request.
type Outcome struct {
	Status string
	Reason string
}

func ignored(reason string) Outcome  { return Outcome{Status: OutcomeIgnored, Reason: reason} }
func rejected(reason string) Outcome { return Outcome{Status: OutcomeRejected, Reason: reason} }

// Crediter applies a payment credit to a user balance.
type Crediter interface {
	Credit(ctx context.Context, guildID, userID, amount int64) error
}

// Config holds engine settings.
type Config struct {
	// ConversionRate is how many internal coins one CNY buys.
	ConversionRate int64
	// DefaultBalance seeds a missing balance row before crediting.
	DefaultBalance int64
	// QueueSize bounds the async notification queue. Zero disables the
	// queue; every notification reconciles synchronously.
	QueueSize int
}

// Engine reconciles verified payment notifications against stored recharge
// requests. Each notification credits the user at most once regardless of
// delivery count or concurrency; the store's conditional transitions are the
// serialization point.
type Engine struct {
	logger   *slog.Logger
	store    repo.Repository
	crediter Crediter
	notifier gateway.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	queue    chan alipay.Notification
}

// New creates a reconciliation engine.
func New(store repo.Repository, crediter Crediter, notifier gateway.Notifier, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	var queue chan alipay.Notification
	if cfg.QueueSize > 0 {
		queue = make(chan alipay.Notification, cfg.QueueSize)
	}
	return &Engine{
		logger:   logger.With("component", "payment_engine"),
		store:    store,
		crediter: crediter,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		queue:    queue,
	}
}

// Process satisfies alipay.Processor. Notifications go through the bounded
// queue so the notify endpoint can ack fast; when the queue is saturated the
// notification reconciles inline instead of being dropped.
func (e *Engine) Process(ctx context.Context, n alipay.Notification) {
	if e.queue != nil {
		select {
		case e.queue <- n:
			return
		default:
			e.logger.Warn("reconcile queue saturated, processing inline",
				"out_trade_no", n.OutTradeNo,
			)
		}
	}
	e.Reconcile(ctx, n)
}

// Run drains the notification queue until ctx is cancelled. Call it in its
// own goroutine when the engine was built with a queue.
func (e *Engine) Run(ctx context.Context) {
	if e.queue == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-e.queue:
			e.Reconcile(ctx, n)
		}
	}
}

// Reconcile runs the full verification-to-credit pipeline for one verified
// notification and reports what happened.
func (e *Engine) Reconcile(ctx context.Context, n alipay.Notification) Outcome {
	start := time.Now()
	outcome := e.reconcile(ctx, n)
	if e.metrics != nil {
		e.metrics.ReconcileOutcomes.WithLabelValues(outcome.Status).Inc()
		e.metrics.ReconcileLatency.WithLabelValues(outcome.Status).Observe(time.Since(start).Seconds())
	}
	return outcome
}

func (e *Engine) reconcile(ctx context.Context, n alipay.Notification) Outcome {
	log := e.logger.With("out_trade_no", n.OutTradeNo, "trade_no", n.TradeNo)

	if n.OutTradeNo == "" || n.TradeNo == "" || n.TotalAmount == "" {
		log.Error("notification missing critical fields")
		return rejected("missing_fields")
	}

	req, err := e.store.GetRechargeByOutTradeNo(ctx, n.OutTradeNo)
	if err == repo.ErrNotFound {
		log.Error("no recharge request for verified notification")
		return ignored("unknown_order")
	}
	if err != nil {
		log.Error("recharge lookup failed", "error", err)
		return rejected("lookup_failed")
	}
	log = log.With("request_id", req.RequestID)

	if req.Status == repo.RechargeStatusPaid || req.Status == repo.RechargeStatusCompleted {
		log.Info("request already settled, duplicate notification", "status", req.Status)
		return ignored("duplicate_notification")
	}

	reused, err := e.store.IsTradeNoProcessed(ctx, n.TradeNo, req.RequestID)
	if err != nil {
		log.Error("trade_no reuse check failed", "error", err)
		return rejected("lookup_failed")
	}
	if reused {
		log.Error("trade_no already settled another request, not crediting")
		note := fmt.Sprintf("trade_no %s already used by another request", n.TradeNo)
		if _, err := e.store.MarkRechargeIssue(ctx, req.RequestID, repo.RechargeStatusDuplicateTrade, note); err != nil {
			log.Error("failed marking DUPLICATE_TRADE", "error", err)
		}
		return rejected("duplicate_trade")
	}

	paidCNY, err := strconv.ParseFloat(n.TotalAmount, 64)
	if err != nil {
		log.Error("unparseable total_amount", "total_amount", n.TotalAmount)
		return rejected("bad_amount")
	}
	if math.Abs(paidCNY-req.RequestedCNY) > amountTolerance {
		log.Error("paid amount does not match request",
			"requested_cny", req.RequestedCNY,
			"paid_cny", paidCNY,
		)
		note := fmt.Sprintf("expected %.2f CNY, paid %.2f CNY, trade_no %s", req.RequestedCNY, paidCNY, n.TradeNo)
		if _, err := e.store.MarkRechargeIssue(ctx, req.RequestID, repo.RechargeStatusAmountIssue, note); err != nil {
			log.Error("failed marking AMOUNT_ISSUE", "error", err)
		}
		e.notifyFailed(ctx, req, "amount mismatch")
		return rejected("amount_mismatch")
	}

	transitioned, err := e.store.MarkRechargePaid(ctx, req.RequestID, n.TradeNo, paidCNY)
	if err != nil {
		if err == repo.ErrDuplicateTradeNo {
			log.Error("trade_no uniqueness tripped at write time, not crediting")
			return rejected("duplicate_trade")
		}
		log.Error("failed marking PAID", "error", err)
		return rejected("store_failed")
	}
	if !transitioned {
		// A concurrent delivery settled the request first.
		log.Info("request left PENDING_PAYMENT concurrently, nothing to do")
		return ignored("lost_race")
	}

	// Identity and amount come from the stored request, never from
	// gateway passback data.
	coins := int64(math.Floor(paidCNY * float64(e.cfg.ConversionRate)))
	if err := e.crediter.Credit(ctx, req.GuildID, req.UserID, coins); err != nil {
		// The request stays PAID so an operator can settle it by hand.
		log.Error("CRITICAL: payment confirmed but credit failed, manual intervention required",
			"guild_id", req.GuildID,
			"user_id", req.UserID,
			"coins", coins,
			"error", err,
		)
		if e.metrics != nil {
			e.metrics.Errors.WithLabelValues("payment_credit").Inc()
		}
		e.notifyFailed(ctx, req, "credit failed")
		return rejected("credit_failed")
	}

	if _, err := e.store.MarkRechargeCompleted(ctx, req.RequestID); err != nil {
		// Credited but the final stamp failed; the settled trade_no keeps
		// replays out, so log and report success.
		log.Error("credited but failed marking COMPLETED", "error", err)
	}

	log.Info("recharge credited",
		"guild_id", req.GuildID,
		"user_id", req.UserID,
		"paid_cny", paidCNY,
		"coins", coins,
	)
	if e.notifier != nil {
		e.notifier.RechargeCredited(ctx, req.GuildID, req.UserID, coins, req.OutTradeNo)
	}
	return Outcome{Status: OutcomeCredited}
}

func (e *Engine) notifyFailed(ctx context.Context, req *repo.RechargeRequest, reason string) {
	if e.notifier != nil {
		e.notifier.RechargeFailed(ctx, req.GuildID, req.UserID, req.OutTradeNo, reason)
	}
}

// NewRechargeRequest records a pending recharge and returns it with a fresh
// order number the payment page should be opened with.
func (e *Engine) NewRechargeRequest(ctx context.Context, guildID, userID int64, amountCNY float64, passbackParams string) (*repo.RechargeRequest, error) {
	if amountCNY <= 0 {
		return nil, fmt.Errorf("recharge amount %.2f must be positive", amountCNY)
	}
	req := repo.RechargeRequest{
		GuildID:      guildID,
		UserID:       userID,
		OutTradeNo:   newOutTradeNo(guildID, userID),
		RequestedCNY: amountCNY,
		Status:       repo.RechargeStatusPending,
	}
	if passbackParams != "" {
		req.PassbackParams = &passbackParams
	}
	created, err := e.store.CreateRechargeRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create recharge request: %w", err)
	}
	e.logger.Info("recharge request created",
		"out_trade_no", created.OutTradeNo,
		"guild_id", guildID,
		"user_id", userID,
		"amount_cny", amountCNY,
	)
	return created, nil
}

// newOutTradeNo builds a merchant order number unique across retries of the
// same user and second.
func newOutTradeNo(guildID, userID int64) string {
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("GJTRC-%d-%d-%d-%s", guildID, userID, time.Now().Unix(), suffix)
}
