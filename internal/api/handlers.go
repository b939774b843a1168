package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ImThienz/BlockChain/internal/auth"
	"github.com/ImThienz/BlockChain/internal/ledger"
	"github.com/ImThienz/BlockChain/internal/models"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})

	settlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_settlements_total",
		Help: "Total matched settlements",
	})
)

type contextKey string

const identityKey contextKey = "identity"

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Service
	Auth   *auth.Service
	Log    *logrus.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *ledger.Service, authService *auth.Service, log *logrus.Logger) *Handler {
	return &Handler{Ledger: svc, Auth: authService, Log: log}
}

// Routes mounts all API endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/auth/login", h.Login)
	r.Get("/roles/{identity}", h.RoleOf)

	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Get("/balance", h.Balance)
		r.Get("/accounts/{identity}/balance", h.AccountBalance)
		r.Post("/deposit", h.Deposit)
		r.Post("/withdraw", h.Withdraw)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders/count", h.OrderCount)
		r.Get("/orders/open", h.OpenOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/match", h.MatchOrder)
		r.Get("/settlements", h.Settlements)
	})
	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"}, "/health")
}

// Login verifies a provisioned identity's passphrase and returns a token
// plus the identity's role.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity   string `json:"identity"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", "/auth/login")
		return
	}

	token, role, err := h.Auth.Login(req.Identity, req.Passphrase)
	if err != nil {
		h.respondError(w, r, http.StatusUnauthorized, "invalid credentials", "/auth/login")
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]string{
		"token": token,
		"role":  string(role),
	}, "/auth/login")
}

// RoleOf returns the provisioned role of an identity; clients use it to
// gate their views before login. Unknown identities report an empty role.
func (h *Handler) RoleOf(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	h.respondJSON(w, r, http.StatusOK, map[string]string{
		"identity": identity,
		"role":     string(h.Ledger.RoleOf(identity)),
	}, "/roles/{identity}")
}

// AuthMiddleware verifies bearer tokens and stores the caller identity in
// the request context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			h.respondError(w, r, http.StatusUnauthorized, "authorization header required", r.URL.Path)
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		identity, err := h.Auth.IdentityFromToken(tokenString)
		if err != nil {
			h.respondError(w, r, http.StatusUnauthorized, "invalid or expired token", r.URL.Path)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerIdentity(r *http.Request) (string, bool) {
	identity, ok := r.Context().Value(identityKey).(string)
	return identity, ok && identity != ""
}

// Balance returns the caller's own balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	identity, ok := callerIdentity(r)
	if !ok {
		h.respondError(w, r, http.StatusUnauthorized, "unauthorized", "/balance")
		return
	}
	balance, err := h.Ledger.GetBalance(r.Context(), identity)
	if err != nil {
		h.respondLedgerError(w, r, err, "/balance")
		return
	}
	h.respondJSON(w, r, http.StatusOK, models.Account{Identity: identity, Balance: balance}, "/balance")
}

// AccountBalance returns any identity's balance; unseen identities hold
// zero.
func (h *Handler) AccountBalance(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	balance, err := h.Ledger.GetBalance(r.Context(), identity)
	if err != nil {
		h.respondLedgerError(w, r, err, "/accounts/{identity}/balance")
		return
	}
	h.respondJSON(w, r, http.StatusOK, models.Account{Identity: identity, Balance: balance}, "/accounts/{identity}/balance")
}

type fundsRequest struct {
	Identity string `json:"identity"`
	Amount   int64  `json:"amount"`
}

// Deposit credits an account. Admin only.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(r)
	if !ok {
		h.respondError(w, r, http.StatusUnauthorized, "unauthorized", "/deposit")
		return
	}
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", "/deposit")
		return
	}
	balance, err := h.Ledger.Deposit(r.Context(), caller, req.Identity, req.Amount)
	if err != nil {
		h.respondLedgerError(w, r, err, "/deposit")
		return
	}
	h.respondJSON(w, r, http.StatusOK, models.Account{Identity: req.Identity, Balance: balance}, "/deposit")
}

// Withdraw debits an account. Admin only.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerIdentity(r)
	if !ok {
		h.respondError(w, r, http.StatusUnauthorized, "unauthorized", "/withdraw")
		return
	}
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", "/withdraw")
		return
	}
	balance, err := h.Ledger.Withdraw(r.Context(), caller, req.Identity, req.Amount)
	if err != nil {
		h.respondLedgerError(w, r, err, "/withdraw")
		return
	}
	h.respondJSON(w, r, http.StatusOK, models.Account{Identity: req.Identity, Balance: balance}, "/withdraw")
}

// PlaceOrder records a new order owned by the caller.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/orders"))
	defer timer.ObserveDuration()

	caller, ok := callerIdentity(r)
	if !ok {
		h.respondError(w, r, http.StatusUnauthorized, "unauthorized", "/orders")
		return
	}
	var req struct {
		Side   models.Side `json:"side"`
		Amount int64       `json:"amount"`
		Price  int64       `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", "/orders")
		return
	}
	if !req.Side.Valid() {
		h.respondError(w, r, http.StatusBadRequest, "side must be 'buy' or 'sell'", "/orders")
		return
	}

	order, err := h.Ledger.PlaceOrder(r.Context(), caller, req.Side, req.Amount, req.Price)
	if err != nil {
		h.respondLedgerError(w, r, err, "/orders")
		return
	}
	h.respondJSON(w, r, http.StatusCreated, order, "/orders")
}

// OrderCount returns the number of orders ever placed.
func (h *Handler) OrderCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.Ledger.OrderCount(r.Context())
	if err != nil {
		h.respondLedgerError(w, r, err, "/orders/count")
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]int64{"count": n}, "/orders/count")
}

// GetOrder returns a single order by id.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid order id", "/orders/{id}")
		return
	}
	order, err := h.Ledger.GetOrder(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, r, err, "/orders/{id}")
		return
	}
	h.respondJSON(w, r, http.StatusOK, order, "/orders/{id}")
}

// OpenOrders returns all unfulfilled orders in ascending id order.
func (h *Handler) OpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Ledger.OpenOrders(r.Context())
	if err != nil {
		h.respondLedgerError(w, r, err, "/orders/open")
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	h.respondJSON(w, r, http.StatusOK, orders, "/orders/open")
}

// MatchOrder settles the order against the earliest compatible
// counterparty. Admin only.
func (h *Handler) MatchOrder(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/orders/{id}/match"))
	defer timer.ObserveDuration()

	caller, ok := callerIdentity(r)
	if !ok {
		h.respondError(w, r, http.StatusUnauthorized, "unauthorized", "/orders/{id}/match")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid order id", "/orders/{id}/match")
		return
	}

	settlement, err := h.Ledger.Match(r.Context(), caller, id)
	if err != nil {
		h.respondLedgerError(w, r, err, "/orders/{id}/match")
		return
	}
	settlementsTotal.Inc()
	h.Log.WithFields(logrus.Fields{
		"buy_order_id":  settlement.BuyOrderID,
		"sell_order_id": settlement.SellOrderID,
		"price":         settlement.Price,
	}).Info("orders matched")
	h.respondJSON(w, r, http.StatusOK, settlement, "/orders/{id}/match")
}

// Settlements returns the settlement history, newest first.
func (h *Handler) Settlements(w http.ResponseWriter, r *http.Request) {
	settlements, err := h.Ledger.Settlements(r.Context())
	if err != nil {
		h.respondLedgerError(w, r, err, "/settlements")
		return
	}
	if settlements == nil {
		settlements = []models.Settlement{}
	}
	h.respondJSON(w, r, http.StatusOK, settlements, "/settlements")
}

// respondLedgerError maps the ledger error taxonomy onto HTTP statuses.
func (h *Handler) respondLedgerError(w http.ResponseWriter, r *http.Request, err error, endpoint string) {
	var status int
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidPrice):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyFulfilled), errors.Is(err, ledger.ErrNoCounterparty):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrSettlementFailed):
		status = http.StatusUnprocessableEntity
	default:
		h.Log.WithError(err).WithField("endpoint", endpoint).Error("internal error")
		h.respondError(w, r, http.StatusInternalServerError, "internal error", endpoint)
		return
	}
	h.respondError(w, r, status, err.Error(), endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}, endpoint string) {
	httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, code int, msg, endpoint string) {
	h.respondJSON(w, r, code, map[string]string{"error": msg}, endpoint)
}
