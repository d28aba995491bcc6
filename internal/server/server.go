package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hype-trade-alerts/internal/monitor"
	"hype-trade-alerts/internal/storage"
)

const maxPageSize = 200

// Controller is the monitor lifecycle consumed by the control surface.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Status(ctx context.Context) monitor.Status
}

// NewRouter creates a chi router exposing the control surface, the trade
// history query surface, and a health probe.
func NewRouter(ctrl Controller, store storage.TradeStore, logger zerolog.Logger) chi.Router {
	h := &handlers{
		ctrl:   ctrl,
		store:  store,
		logger: logger.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(requestLogging(h.logger))

	r.Get("/healthz", h.Health)
	r.Post("/api/monitor", h.Control)
	r.Get("/api/monitor", h.MonitorStatus)
	r.Get("/api/trades", h.TradeHistory)

	return r
}

type handlers struct {
	ctrl   Controller
	store  storage.TradeStore
	logger zerolog.Logger
}

type controlRequest struct {
	Action string `json:"action"`
}

type controlResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Status  *monitor.Status `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Control handles start/stop commands from the external control caller.
// Internal error detail never leaves this handler.
func (h *handlers) Control(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, controlResponse{Success: false, Error: "invalid request body"})
		return
	}

	switch req.Action {
	case "start":
		if err := h.ctrl.Start(context.WithoutCancel(r.Context())); err != nil {
			h.logger.Error().Err(err).Msg("monitor start failed")
			writeJSON(w, http.StatusInternalServerError, controlResponse{Success: false, Error: "failed to start trade monitor"})
			return
		}
		status := h.ctrl.Status(r.Context())
		writeJSON(w, http.StatusOK, controlResponse{Success: true, Message: "trade monitor started", Status: &status})

	case "stop":
		h.ctrl.Stop()
		writeJSON(w, http.StatusOK, controlResponse{Success: true, Message: "trade monitor stopped"})

	default:
		writeJSON(w, http.StatusBadRequest, controlResponse{Success: false, Error: `invalid action, use "start" or "stop"`})
	}
}

// MonitorStatus reports a live status snapshot.
func (h *handlers) MonitorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status(r.Context()))
}

type tradeResponse struct {
	TradeID          string          `json:"tradeId"`
	Coin             string          `json:"coin"`
	Side             string          `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Notional         decimal.Decimal `json:"notional"`
	WalletAddress    string          `json:"walletAddress"`
	ObservedAt       time.Time       `json:"observedAt"`
	BlockHeight      *int64          `json:"blockHeight,omitempty"`
	TxHash           *string         `json:"txHash,omitempty"`
	NotificationSent bool            `json:"notificationSent"`
}

type historyResponse struct {
	Trades     []tradeResponse    `json:"trades"`
	Pagination storage.Pagination `json:"pagination"`
}

// TradeHistory serves the paged, filtered trade query surface, newest first.
func (h *handlers) TradeHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTradeFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	trades, pagination, listErr := h.store.ListTrades(r.Context(), filter)
	if listErr != nil {
		h.logger.Error().Err(listErr).Msg("trade history query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load trade history"})
		return
	}

	resp := historyResponse{
		Trades:     make([]tradeResponse, 0, len(trades)),
		Pagination: pagination,
	}
	for _, trade := range trades {
		resp.Trades = append(resp.Trades, tradeResponse{
			TradeID:          trade.TradeID,
			Coin:             trade.Coin,
			Side:             trade.Side,
			Quantity:         trade.Quantity,
			Price:            trade.Price,
			Notional:         trade.Notional,
			WalletAddress:    trade.WalletAddress,
			ObservedAt:       trade.ObservedAt,
			BlockHeight:      trade.BlockHeight,
			TxHash:           trade.TxHash,
			NotificationSent: trade.NotificationSent,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health reports process liveness plus a storage probe.
func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func parseTradeFilter(r *http.Request) (storage.TradeFilter, error) {
	query := r.URL.Query()
	filter := storage.TradeFilter{
		Side:   query.Get("side"),
		Wallet: query.Get("wallet"),
	}

	if raw := query.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page <= 0 {
			return storage.TradeFilter{}, errInvalidParam("page")
		}
		filter.Page = page
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return storage.TradeFilter{}, errInvalidParam("limit")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		filter.PerPage = limit
	}

	if raw := query.Get("minNotional"); raw != "" {
		min, err := decimal.NewFromString(raw)
		if err != nil || min.IsNegative() {
			return storage.TradeFilter{}, errInvalidParam("minNotional")
		}
		filter.MinNotional = &min
	}

	return filter, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string {
	return "invalid query parameter: " + string(e)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// requestLogging logs method, path, status, and duration for each request.
func requestLogging(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}
