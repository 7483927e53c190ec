package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"swap-router/internal/chain"
	"swap-router/internal/history"
	"swap-router/internal/monitor"
	"swap-router/internal/quote"
	"swap-router/internal/reserve"
	"swap-router/internal/swap"
)

const maxListLimit = 1000

// sessionView 为会话的接口表示，补充流程载荷与刷新倒计时。
type sessionView struct {
	swap.Session
	FlowKind    swap.FlowKind     `json:"flow"`
	Reserves    *swap.ReservePair `json:"reserves,omitempty"`
	ActiveGuard *swap.GuardError  `json:"activeGuard,omitempty"`
	Disabled    string            `json:"quoteDisabled,omitempty"`
	Refresh     refreshView       `json:"refresh"`
}

type refreshView struct {
	Phase       quote.Phase `json:"phase"`
	RemainingMs int64       `json:"remainingMs"`
}

type errorBody struct {
	Error string               `json:"error"`
	Exec  *swap.ExecutionError `json:"execution,omitempty"`
}

// ReserveSink 接收外部推送的储备快照。
type ReserveSink interface {
	Put(snap reserve.Snapshot)
}

// routerDeps 为 HTTP 接口依赖，除 service 外均可为空。
type routerDeps struct {
	service  *Service
	history  *history.Store
	monitor  *monitor.Service
	reserves ReserveSink
	metrics  http.Handler
	timeout  time.Duration
	logger   *zap.Logger
}

type handlers struct {
	routerDeps
}

func newRouter(deps routerDeps) http.Handler {
	if deps.logger == nil {
		deps.logger = zap.NewNop()
	}
	if deps.timeout <= 0 {
		deps.timeout = 60 * time.Second
	}
	h := &handlers{routerDeps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(deps.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.metrics != nil {
		r.Handle("/metrics", deps.metrics)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.listSessions)
		r.Post("/", h.createSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.closeSession)
			r.Patch("/inputs", h.updateInputs)
			r.Post("/refresh", h.refresh)
			r.Post("/pause", h.pause(true))
			r.Post("/resume", h.pause(false))
			r.Post("/approve", h.approve)
			r.Post("/execute", h.execute)
		})
	})
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/events", h.listEvents)
	r.Put("/reserves", h.putReserves)
	return r
}

func (h *handlers) view(sess swap.Session) sessionView {
	v := sessionView{
		Session:     sess,
		FlowKind:    sess.Kind(),
		ActiveGuard: sess.Guards.Active(),
		Disabled:    quote.Disabled(sess),
	}
	if pos, ok := sess.Position(); ok {
		v.Reserves = &swap.ReservePair{Source: pos.SourceReserve, Destination: pos.DestinationReserve}
	}
	phase, remaining := h.service.Countdown(sess.ID)
	v.Refresh = refreshView{Phase: phase, RemainingMs: remaining.Milliseconds()}
	return v
}

func (h *handlers) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.service.List()
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, h.view(sess))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	sess, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.view(sess))
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.service.Get(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.view(sess))
}

func (h *handlers) closeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	if !h.service.CloseSession(id) {
		h.writeError(w, swap.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) updateInputs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	var req InputsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	sess, err := h.service.UpdateInputs(r.Context(), id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.view(sess))
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	if err := h.service.Refresh(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) pause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.sessionID(w, r)
		if !ok {
			return
		}
		sess, err := h.service.SetPaused(id, paused)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, h.view(sess))
	}
}

func (h *handlers) approve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.service.Approve(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.view(sess))
}

func (h *handlers) execute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Execute(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) listOrders(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeJSON(w, http.StatusOK, []swap.OrderRecord{})
		return
	}
	var user common.Address
	if raw := strings.TrimSpace(r.URL.Query().Get("user")); raw != "" {
		addr, err := chain.ParseAddress(raw)
		if err != nil {
			h.writeError(w, fmt.Errorf("%w: user: %v", ErrInvalidInput, err))
			return
		}
		user = addr
	}
	orders, err := h.history.ListOrders(r.Context(), user, queryLimit(r, 100))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []swap.OrderRecord{}
	}
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, history.ErrNotFound)
		return
	}
	rec, err := h.history.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		h.writeJSON(w, http.StatusOK, []monitor.Event{})
		return
	}
	q := r.URL.Query()
	filter := monitor.Filter{
		Type:      monitor.EventType(strings.ToLower(strings.TrimSpace(q.Get("type")))),
		SessionID: strings.TrimSpace(q.Get("session")),
		Limit:     queryLimit(r, 200),
	}
	events, err := h.monitor.ListEvents(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *handlers) putReserves(w http.ResponseWriter, r *http.Request) {
	if h.reserves == nil {
		http.Error(w, "reserve book disabled", http.StatusNotImplemented)
		return
	}
	var snap reserve.Snapshot
	if err := decodeBody(r, &snap); err != nil {
		h.writeError(w, err)
		return
	}
	if snap.ChainID == 0 || snap.User == (common.Address{}) {
		h.writeError(w, fmt.Errorf("%w: 需要 chainId 与 user", ErrInvalidInput))
		return
	}
	h.reserves.Put(snap)
	h.service.Invalidate(r.Context(), snap.ChainID, snap.User)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: session id: %v", ErrInvalidInput, err))
		return uuid.Nil, false
	}
	return id, true
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("写入响应失败", zap.Error(err))
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var exec *swap.ExecutionError
	switch {
	case errors.As(err, &exec):
		body.Exec = exec
		status = http.StatusUnprocessableEntity
		switch exec.Kind {
		case swap.ExecUserDenied:
			status = http.StatusConflict
		case swap.ExecPending:
			status = http.StatusAccepted
		}
	case errors.Is(err, swap.ErrSessionNotFound), errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrReserveMissing), errors.Is(err, swap.ErrFlowImmutable):
		status = http.StatusBadRequest
	case errors.Is(err, swap.ErrActionBlocked), errors.Is(err, swap.ErrTxInFlight),
		errors.Is(err, swap.ErrQuoteRequired), errors.Is(err, swap.ErrAmountTooSmall),
		errors.Is(err, swap.ErrUnsupported), errors.Is(err, swap.ErrSuperseded):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("请求处理失败", zap.Error(err))
	}
	h.writeJSON(w, status, body)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func queryLimit(r *http.Request, def int) int {
	limit := def
	if qs := r.URL.Query().Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

// startServer 启动 HTTP 服务，ctx 结束后优雅关闭。
func startServer(ctx context.Context, handler http.Handler, port int, readTimeout, shutdownTimeout time.Duration, logger *zap.Logger) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭 HTTP 服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP 服务异常", zap.Error(err))
		}
	}()

	logger.Info("HTTP 接口已启动", zap.String("addr", addr))
	return srv
}
