package alipay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"gjteam-bot/internal/metrics"

	"log/slog"
)

// Notification is a verified payment callback handed to the reconciliation
// layer. Params holds the full form payload minus sign and sign_type.
type Notification struct {
	OutTradeNo     string
	TradeNo        string
	TotalAmount    string
	TradeStatus    string
	AppID          string
	PassbackParams string
	Params         map[string]string
	ReceivedAt     time.Time
}

// Processor handles verified notifications with a final trade status.
type Processor interface {
	Process(ctx context.Context, n Notification)
}

// NotifyHandler terminates Alipay's asynchronous notify callbacks. It owns
// the protocol acknowledgement only; business outcomes never change the ack.
type NotifyHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	verifier  *Verifier
	appID     string
	processor Processor
}

// NewNotifyHandler creates the notify endpoint handler.
func NewNotifyHandler(verifier *Verifier, appID string, processor Processor, logger *slog.Logger, m *metrics.Metrics) *NotifyHandler {
	return &NotifyHandler{
		logger:    logger.With("component", "alipay_notify"),
		metrics:   m,
		verifier:  verifier,
		appID:     appID,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *NotifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// Connectivity probe used during merchant setup.
		h.ack(w, "OK")
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.logger.Error("failed parsing notify form", "error", err)
		h.countDisposition("malformed")
		h.ack(w, "failure")
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for key, vals := range r.PostForm {
		if len(vals) > 0 {
			params[key] = vals[0]
		}
	}

	sign := params["sign"]
	signType := params["sign_type"]
	if sign == "" || signType == "" {
		h.logger.Error("notify missing sign or sign_type")
		h.countDisposition("missing_sign")
		h.ack(w, "failure")
		return
	}
	if !strings.EqualFold(signType, SignTypeRSA2) {
		h.logger.Error("unsupported sign_type", "sign_type", signType)
		h.countDisposition("bad_sign_type")
		h.ack(w, "failure")
		return
	}
	if !h.verifier.Configured() {
		h.logger.Error("alipay public key not configured, cannot verify notify")
		h.countDisposition("unconfigured")
		h.ack(w, "failure")
		return
	}

	// Failures past this point are acked "success" so the gateway stops
	// retrying; none of them produce a business effect.
	if !h.verifier.Verify(params, sign) {
		h.logger.Error("notify signature verification failed",
			"out_trade_no", params["out_trade_no"],
		)
		h.countDisposition("bad_signature")
		h.ack(w, "success")
		return
	}

	if h.appID != "" && params["app_id"] != h.appID {
		h.logger.Error("notify app_id mismatch",
			"want", h.appID,
			"got", params["app_id"],
			"out_trade_no", params["out_trade_no"],
		)
		h.countDisposition("app_id_mismatch")
		h.ack(w, "success")
		return
	}

	tradeStatus := params["trade_status"]
	if tradeStatus != "TRADE_SUCCESS" && tradeStatus != "TRADE_FINISHED" {
		h.logger.Info("notify with non-final trade_status, no action",
			"trade_status", tradeStatus,
			"out_trade_no", params["out_trade_no"],
		)
		h.countDisposition("non_final_status")
		h.ack(w, "success")
		return
	}

	delete(params, "sign")
	delete(params, "sign_type")
	n := Notification{
		OutTradeNo:     params["out_trade_no"],
		TradeNo:        params["trade_no"],
		TotalAmount:    params["total_amount"],
		TradeStatus:    tradeStatus,
		AppID:          params["app_id"],
		PassbackParams: params["passback_params"],
		Params:         params,
		ReceivedAt:     time.Now(),
	}

	h.countDisposition("accepted")
	if h.processor != nil {
		h.processor.Process(r.Context(), n)
	}
	h.ack(w, "success")
}

func (h *NotifyHandler) ack(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (h *NotifyHandler) countDisposition(disposition string) {
	if h.metrics != nil {
		h.metrics.PaymentCallbacks.WithLabelValues(disposition).Inc()
	}
}
