package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/openvolt/gridex/internal/auth"
	"github.com/openvolt/gridex/internal/cache"
	"github.com/openvolt/gridex/internal/exchange"
	"github.com/openvolt/gridex/internal/ledger"
	"github.com/openvolt/gridex/internal/models"
)

type contextKey string

const traderKey contextKey = "trader"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine      *exchange.Engine
	Ledger      *ledger.Ledger
	AuthService *auth.AuthService
	BookCache   cache.BookCache // optional
}

// NewHandler creates a new handler
func NewHandler(engine *exchange.Engine, lgr *ledger.Ledger, authService *auth.AuthService, bookCache cache.BookCache) *Handler {
	return &Handler{Engine: engine, Ledger: lgr, AuthService: authService, BookCache: bookCache}
}

// Register handles trader registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	trader, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"trader": trader})
}

// Login handles trader login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens and stores the trader identity in
// the request context.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		trader, err := h.AuthService.TraderFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), traderKey, trader)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func traderFrom(r *http.Request) (string, bool) {
	trader, ok := r.Context().Value(traderKey).(string)
	return trader, ok && trader != ""
}

// errorStatus maps the engine error taxonomy onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrState):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errorStatus(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// PlaceOrder handles order submission
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	trader, ok := traderFrom(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Side        string `json:"side"`
		AmountWh    int64  `json:"amount_wh"`
		PriceMicros int64  `json:"price_micros"`
		ExpiresAt   string `json:"expires_at,omitempty"`
		CertRef     string `json:"cert_ref,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	var expiresAt time.Time
	if req.ExpiresAt != "" {
		var err error
		expiresAt, err = time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			http.Error(w, `{"error": "expires_at must be RFC3339"}`, http.StatusBadRequest)
			return
		}
	}

	order, err := h.Engine.SubmitOrder(r.Context(), exchange.SubmitRequest{
		Trader:      trader,
		Side:        models.Side(req.Side),
		AmountWh:    req.AmountWh,
		PriceMicros: req.PriceMicros,
		ExpiresAt:   expiresAt,
		CertRef:     req.CertRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

// CancelOrder cancels an order's unmatched remainder
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	trader, ok := traderFrom(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orderID := chi.URLParam(r, "id")
	order, err := h.Engine.CancelOrder(r.Context(), orderID, trader)
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(order)
}

// GetTraderOrders retrieves the authenticated trader's orders
func (h *Handler) GetTraderOrders(w http.ResponseWriter, r *http.Request) {
	trader, ok := traderFrom(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orders, err := h.Engine.OrdersForTrader(r.Context(), trader)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(orders)
}

// GetOrderBook retrieves the current order book, preferring the snapshot
// cache when one is configured.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	if h.BookCache != nil {
		if snap, err := h.BookCache.GetBook(r.Context()); err == nil && snap != nil {
			json.NewEncoder(w).Encode(snap)
			return
		}
	}

	bids, asks, err := h.Engine.BookSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	snap := &cache.BookSnapshot{Bids: bids, Asks: asks}
	if h.BookCache != nil {
		if err := h.BookCache.SetBook(r.Context(), snap); err != nil {
			log.Printf("api: cache book snapshot: %v", err)
		}
	}
	json.NewEncoder(w).Encode(snap)
}

// GetTraderTrades retrieves the authenticated trader's executed matches
func (h *Handler) GetTraderTrades(w http.ResponseWriter, r *http.Request) {
	trader, ok := traderFrom(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	matches, err := h.Engine.MatchesForTrader(r.Context(), trader)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(matches)
}

// GetCurrentEpoch retrieves the active epoch
func (h *Handler) GetCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := h.Engine.ActiveEpoch(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if epoch == nil {
		writeError(w, models.ErrNotFound)
		return
	}
	json.NewEncoder(w).Encode(epoch)
}

// GetEpoch retrieves one epoch by number
func (h *Handler) GetEpoch(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid epoch number"}`, http.StatusBadRequest)
		return
	}
	epoch, err := h.Engine.EpochByNumber(r.Context(), number)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(epoch)
}

// GetEpochSettlements retrieves the settlements created for one epoch
func (h *Handler) GetEpochSettlements(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid epoch number"}`, http.StatusBadRequest)
		return
	}
	settlements := h.Ledger.ForEpoch(number)
	json.NewEncoder(w).Encode(settlements)
}

// GetTraderSettlements retrieves the authenticated trader's settlements
func (h *Handler) GetTraderSettlements(w http.ResponseWriter, r *http.Request) {
	trader, ok := traderFrom(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	settlements := h.Ledger.ForTrader(trader)
	json.NewEncoder(w).Encode(settlements)
}

// GetMarketStats retrieves rolling market statistics
func (h *Handler) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(stats)
}

// Routes mounts all handlers on a router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Get("/orderbook", h.GetOrderBook)
	r.Get("/epochs/current", h.GetCurrentEpoch)
	r.Get("/epochs/{number}", h.GetEpoch)
	r.Get("/epochs/{number}/settlements", h.GetEpochSettlements)
	r.Get("/market", h.GetMarketStats)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetTraderOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/trades", h.GetTraderTrades)
		r.Get("/settlements", h.GetTraderSettlements)
	})
}
