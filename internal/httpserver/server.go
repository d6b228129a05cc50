package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gjteam-bot/internal/cache"
	"gjteam-bot/internal/ledger"
	"gjteam-bot/internal/metrics"
	"gjteam-bot/internal/payment"
	"gjteam-bot/internal/repo"
	"gjteam-bot/internal/ticket"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	AlipayNotify http.Handler
}

// Dependencies exposes the managers the admin API drives. Every admin
// mutation goes through the same managers as the bot commands; there is no
// direct store path.
type Dependencies struct {
	Repository repo.Repository
	Tickets    *ticket.Manager
	Ledger     *ledger.Ledger
	Payments   *payment.Engine
	Cache      *cache.Redis
}

const departmentCacheTTL = 5 * time.Minute

func departmentCacheKey(guildID int64) string {
	return fmt.Sprintf("departments:%d", guildID)
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics,
// payment notify and admin endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	if handlers.AlipayNotify != nil {
		mux.Handle("/alipay/notify", handlers.AlipayNotify)
	}

	mux.HandleFunc("/admin/tickets", server.handleTickets)
	mux.HandleFunc("/admin/tickets/claim", server.handleTicketClaim)
	mux.HandleFunc("/admin/tickets/close", server.handleTicketClose)
	mux.HandleFunc("/admin/tickets/ai-toggle", server.handleTicketAIToggle)
	mux.HandleFunc("/admin/tickets/message", server.handleTicketMessage)
	mux.HandleFunc("/admin/departments", server.handleDepartments)
	mux.HandleFunc("/admin/balance", server.handleBalance)
	mux.HandleFunc("/admin/balance/adjust", server.handleBalanceAdjust)
	mux.HandleFunc("/admin/leaderboard", server.handleLeaderboard)
	mux.HandleFunc("/admin/recharges", server.handleRecharges)
	mux.HandleFunc("/admin/economy", server.handleEconomy)
	mux.HandleFunc("/admin/chat-earn", server.handleChatEarn)
	mux.HandleFunc("/admin/moderation", server.handleModeration)
	mux.HandleFunc("/admin/moderation/deactivate", server.handleModerationDeactivate)

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes managers accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	guildID, ok := queryInt64(w, r, "guild_id")
	if !ok {
		return
	}
	var (
		tickets []repo.Ticket
		err     error
	)
	if r.URL.Query().Get("status") == "closed" {
		tickets, err = s.deps.Repository.ListClosedTicketsWithTranscripts(r.Context(), guildID)
	} else {
		tickets, err = s.deps.Repository.ListOpenTickets(r.Context(), guildID)
	}
	if err != nil {
		s.fail(w, "list tickets", err)
		return
	}
	writeJSON(w, map[string]any{"tickets": tickets})
}

func (s *Server) handleTicketClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TicketID  int64 `json:"ticket_id"`
		HandlerID int64 `json:"handler_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	claimed, err := s.deps.Tickets.Claim(r.Context(), req.TicketID, req.HandlerID)
	if err != nil {
		s.fail(w, "claim ticket", err)
		return
	}
	writeJSON(w, map[string]any{"claimed": claimed})
}

func (s *Server) handleTicketClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TicketID int64  `json:"ticket_id"`
		Reason   string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	closed, err := s.deps.Tickets.Close(r.Context(), req.TicketID, req.Reason)
	if errors.Is(err, repo.ErrNotFound) {
		http.Error(w, "ticket not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, "close ticket", err)
		return
	}
	writeJSON(w, map[string]any{"closed": closed})
}

func (s *Server) handleTicketAIToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TicketID        int64  `json:"ticket_id"`
		LastUserMessage string `json:"last_user_message"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	managed, err := s.deps.Tickets.ToggleAIManaged(r.Context(), req.TicketID, req.LastUserMessage)
	if errors.Is(err, repo.ErrNotFound) {
		http.Error(w, "ticket not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, "toggle ai managed", err)
		return
	}
	writeJSON(w, map[string]any{"ai_managed": managed})
}

// handleTicketMessage relays a chat message observed in a ticket channel. A
// staff message hands an AI-managed ticket back to humans; a user message may
// trigger the AI responder. Messages in unknown channels are acknowledged and
// ignored.
func (s *Server) handleTicketMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ChannelID int64  `json:"channel_id"`
		AuthorID  int64  `json:"author_id"`
		Content   string `json:"content"`
		FromStaff bool   `json:"from_staff"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	if req.FromStaff {
		err = s.deps.Tickets.HandleStaffReply(r.Context(), req.ChannelID, req.AuthorID)
	} else {
		err = s.deps.Tickets.HandleUserMessage(r.Context(), req.ChannelID, req.Content)
	}
	if err != nil {
		s.fail(w, "ticket message", err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleDepartments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		guildID, ok := queryInt64(w, r, "guild_id")
		if !ok {
			return
		}
		var departments []repo.TicketDepartment
		if s.deps.Cache != nil {
			if hit, err := s.deps.Cache.GetJSON(r.Context(), departmentCacheKey(guildID), &departments); err == nil && hit {
				writeJSON(w, map[string]any{"departments": departments})
				return
			}
		}
		departments, err := s.deps.Repository.ListDepartments(r.Context(), guildID)
		if err != nil {
			s.fail(w, "list departments", err)
			return
		}
		if s.deps.Cache != nil {
			if err := s.deps.Cache.SetJSON(r.Context(), departmentCacheKey(guildID), departments, departmentCacheTTL); err != nil {
				s.logger.Warn("failed caching department list", "error", err)
			}
		}
		writeJSON(w, map[string]any{"departments": departments})

	case http.MethodPost:
		var dept repo.TicketDepartment
		if !decodeJSON(w, r, &dept) {
			return
		}
		saved, err := s.deps.Repository.UpsertDepartment(r.Context(), dept)
		if errors.Is(err, repo.ErrDuplicateName) {
			http.Error(w, "department name already exists", http.StatusConflict)
			return
		}
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "department not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.fail(w, "upsert department", err)
			return
		}
		s.invalidateDepartments(r.Context(), dept.GuildID)
		writeJSON(w, saved)

	case http.MethodDelete:
		guildID, ok := queryInt64(w, r, "guild_id")
		if !ok {
			return
		}
		departmentID, ok := queryInt64(w, r, "department_id")
		if !ok {
			return
		}
		deleted, err := s.deps.Repository.DeleteDepartment(r.Context(), guildID, departmentID)
		if err != nil {
			s.fail(w, "delete department", err)
			return
		}
		s.invalidateDepartments(r.Context(), guildID)
		writeJSON(w, map[string]any{"deleted": deleted})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		guildID, ok := queryInt64(w, r, "guild_id")
		if !ok {
			return
		}
		userID, ok := queryInt64(w, r, "user_id")
		if !ok {
			return
		}
		balance, err := s.deps.Ledger.Balance(r.Context(), guildID, userID)
		if err != nil {
			s.fail(w, "get balance", err)
			return
		}
		writeJSON(w, map[string]any{"guild_id": guildID, "user_id": userID, "balance": balance})

	case http.MethodPost:
		var req struct {
			GuildID int64 `json:"guild_id"`
			UserID  int64 `json:"user_id"`
			Value   int64 `json:"value"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := s.deps.Ledger.Set(r.Context(), req.GuildID, req.UserID, req.Value); err != nil {
			s.fail(w, "set balance", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBalanceAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		GuildID int64 `json:"guild_id"`
		UserID  int64 `json:"user_id"`
		Delta   int64 `json:"delta"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.deps.Ledger.Adjust(r.Context(), req.GuildID, req.UserID, req.Delta)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		http.Error(w, "insufficient balance", http.StatusConflict)
		return
	}
	if err != nil {
		s.fail(w, "adjust balance", err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	guildID, ok := queryInt64(w, r, "guild_id")
	if !ok {
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := s.deps.Ledger.Leaderboard(r.Context(), guildID, limit)
	if err != nil {
		s.fail(w, "leaderboard", err)
		return
	}
	writeJSON(w, map[string]any{"leaderboard": entries})
}

func (s *Server) handleRecharges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		guildID, ok := queryInt64(w, r, "guild_id")
		if !ok {
			return
		}
		recharges, err := s.deps.Repository.ListRecentRecharges(r.Context(), guildID, 50)
		if err != nil {
			s.fail(w, "list recharges", err)
			return
		}
		writeJSON(w, map[string]any{"recharges": recharges})

	case http.MethodPost:
		var req struct {
			GuildID   int64   `json:"guild_id"`
			UserID    int64   `json:"user_id"`
			AmountCNY float64 `json:"amount_cny"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		created, err := s.deps.Payments.NewRechargeRequest(r.Context(), req.GuildID, req.UserID, req.AmountCNY, "")
		if err != nil {
			s.fail(w, "create recharge request", err)
			return
		}
		writeJSON(w, created)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEconomy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		guildID, ok := queryInt64(w, r, "guild_id")
		if !ok {
			return
		}
		cfg, err := s.deps.Repository.GetChatEarnConfig(r.Context(), guildID, repo.ChatEarnConfig{})
		if err != nil {
			s.fail(w, "get economy config", err)
			return
		}
		writeJSON(w, map[string]any{
			"guild_id":         guildID,
			"amount":           cfg.Amount,
			"cooldown_seconds": cfg.CooldownSeconds,
		})

	case http.MethodPost:
		var req struct {
			GuildID         int64 `json:"guild_id"`
			Amount          int64 `json:"amount"`
			CooldownSeconds int64 `json:"cooldown_seconds"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		cfg := repo.ChatEarnConfig{Amount: req.Amount, CooldownSeconds: req.CooldownSeconds}
		if err := s.deps.Repository.SetChatEarnConfig(r.Context(), req.GuildID, cfg); err != nil {
			s.fail(w, "set economy config", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleChatEarn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		GuildID int64 `json:"guild_id"`
		UserID  int64 `json:"user_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	granted, err := s.deps.Ledger.EarnFromChat(r.Context(), req.GuildID, req.UserID)
	if err != nil {
		s.fail(w, "chat earn", err)
		return
	}
	writeJSON(w, map[string]int64{"granted": granted})
}

func (s *Server) handleModeration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		guildID, ok := queryInt64(w, r, "guild_id")
		if !ok {
			return
		}
		userID, ok := queryInt64(w, r, "user_id")
		if !ok {
			return
		}
		actionType := r.URL.Query().Get("action_type")
		if actionType == "" {
			http.Error(w, "action_type is required", http.StatusBadRequest)
			return
		}
		action, err := s.deps.Repository.LatestActiveAction(r.Context(), guildID, userID, actionType)
		if err != nil {
			s.fail(w, "latest moderation action", err)
			return
		}
		if action == nil {
			http.Error(w, "no active action", http.StatusNotFound)
			return
		}
		writeJSON(w, action)

	case http.MethodPost:
		var req struct {
			GuildID         int64          `json:"guild_id"`
			TargetUserID    int64          `json:"target_user_id"`
			ModeratorUserID int64          `json:"moderator_user_id"`
			ActionType      string         `json:"action_type"`
			Reason          string         `json:"reason"`
			ExtraData       map[string]any `json:"extra_data"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.ActionType == "" {
			http.Error(w, "action_type is required", http.StatusBadRequest)
			return
		}
		action := repo.ModerationAction{
			GuildID:         req.GuildID,
			TargetUserID:    req.TargetUserID,
			ModeratorUserID: req.ModeratorUserID,
			ActionType:      req.ActionType,
			ExtraData:       req.ExtraData,
		}
		if req.Reason != "" {
			action.Reason = &req.Reason
		}
		logID, err := s.deps.Repository.LogModerationAction(r.Context(), action)
		if err != nil {
			s.fail(w, "log moderation action", err)
			return
		}
		writeJSON(w, map[string]int64{"log_id": logID})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleModerationDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		LogID         int64  `json:"log_id"`
		Reason        string `json:"reason"`
		DeactivatedBy int64  `json:"deactivated_by"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	done, err := s.deps.Repository.DeactivateAction(r.Context(), req.LogID, req.Reason, req.DeactivatedBy)
	if err != nil {
		s.fail(w, "deactivate moderation action", err)
		return
	}
	if !done {
		http.Error(w, "no active action with that id", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) invalidateDepartments(ctx context.Context, guildID int64) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.Invalidate(ctx, departmentCacheKey(guildID)); err != nil {
		s.logger.Warn("failed invalidating department cache", "guild_id", guildID, "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, action string, err error) {
	s.logger.Error("admin request failed", "action", action, "error", err)
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues("admin_api").Inc()
	}
	http.Error(w, action+" failed", http.StatusInternalServerError)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func queryInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		http.Error(w, name+" is required", http.StatusBadRequest)
		return 0, false
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, name+" must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return val, true
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
