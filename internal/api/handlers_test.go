package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvolt/gridex/internal/auth"
	"github.com/openvolt/gridex/internal/cache"
	"github.com/openvolt/gridex/internal/collab"
	"github.com/openvolt/gridex/internal/events"
	"github.com/openvolt/gridex/internal/exchange"
	"github.com/openvolt/gridex/internal/ledger"
	"github.com/openvolt/gridex/internal/models"
	"github.com/openvolt/gridex/internal/store"
)

type apiRig struct {
	router   chi.Router
	engine   *exchange.Engine
	executor *ledger.Executor
	ledger   *ledger.Ledger
	clock    *collab.ManualClock
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	st := store.NewMemory()
	clock := collab.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	led := ledger.New(st)
	exec := ledger.NewExecutor(led, collab.NewMemoryExecutor(), events.Discard{}, clock,
		ledger.WithMaxAttempts(2), ledger.WithBaseBackoff(time.Millisecond))
	engine := exchange.NewEngine(exchange.Config{
		EpochDuration: 15 * time.Minute,
		FeeBps:        25,
		Clock:         clock,
		Certs:         collab.NewStaticCertValidator(),
		Store:         st,
		Emitter:       events.Discard{},
		Ledger:        led,
		Executor:      exec,
	})
	exec.Start(context.Background())
	engine.Start()
	t.Cleanup(func() {
		engine.Stop()
		exec.Stop()
	})

	h := NewHandler(engine, led, auth.NewAuthService(st, "test-secret"), nil)
	router := chi.NewRouter()
	h.Routes(router)
	return &apiRig{router: router, engine: engine, executor: exec, ledger: led, clock: clock}
}

func (r *apiRig) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func (r *apiRig) registerAndLogin(t *testing.T, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "pw"}
	rec := r.do(t, http.MethodPost, "/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = r.do(t, http.MethodPost, "/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp["token"])
	return resp["token"]
}

func TestPlaceAndListOrders(t *testing.T) {
	rig := newAPIRig(t)
	token := rig.registerAndLogin(t, "household_b")

	rec := rig.do(t, http.MethodPost, "/orders", token, map[string]any{
		"side": "buy", "amount_wh": 5000, "price_micros": 170,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var placed models.Order
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&placed))
	assert.NotEmpty(t, placed.ID)
	assert.Equal(t, "household_b", placed.Trader)
	assert.Equal(t, models.OrderActive, placed.Status)

	rec = rig.do(t, http.MethodGet, "/orders", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var orders []models.Order
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&orders))
	require.Len(t, orders, 1)
	assert.Equal(t, placed.ID, orders[0].ID)
}

func TestPlaceOrderValidation(t *testing.T) {
	rig := newAPIRig(t)
	token := rig.registerAndLogin(t, "trader")

	rec := rig.do(t, http.MethodPost, "/orders", token, map[string]any{
		"side": "buy", "amount_wh": -5, "price_micros": 170,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Sell orders need a certificate reference.
	rec = rig.do(t, http.MethodPost, "/orders", token, map[string]any{
		"side": "sell", "amount_wh": 100, "price_micros": 170,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rig.do(t, http.MethodPost, "/orders", token, map[string]any{
		"side": "buy", "amount_wh": 100, "price_micros": 170, "expires_at": "yesterday",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrdersRequireAuth(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/orders", "", map[string]any{
		"side": "buy", "amount_wh": 100, "price_micros": 170,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = rig.do(t, http.MethodGet, "/orders", "bogus-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCancelOrder(t *testing.T) {
	rig := newAPIRig(t)
	owner := rig.registerAndLogin(t, "owner")
	other := rig.registerAndLogin(t, "other")

	rec := rig.do(t, http.MethodPost, "/orders", owner, map[string]any{
		"side": "buy", "amount_wh": 1000, "price_micros": 150,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var placed models.Order
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&placed))

	rec = rig.do(t, http.MethodDelete, "/orders/"+placed.ID, other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = rig.do(t, http.MethodDelete, "/orders/"+placed.ID, owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled models.Order
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cancelled))
	assert.Equal(t, models.OrderCancelled, cancelled.Status)

	rec = rig.do(t, http.MethodDelete, "/orders/no-such-id", owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Cancelling again is a state conflict.
	rec = rig.do(t, http.MethodDelete, "/orders/"+placed.ID, owner, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOrderBookAndTrades(t *testing.T) {
	rig := newAPIRig(t)
	seller := rig.registerAndLogin(t, "seller")
	buyer := rig.registerAndLogin(t, "buyer")

	rec := rig.do(t, http.MethodPost, "/orders", seller, map[string]any{
		"side": "sell", "amount_wh": 10_000, "price_micros": 150, "cert_ref": "erc-100",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = rig.do(t, http.MethodPost, "/orders", buyer, map[string]any{
		"side": "buy", "amount_wh": 6_000, "price_micros": 160,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = rig.do(t, http.MethodGet, "/orderbook", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap cache.BookSnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Len(t, snap.Bids, 1)
	assert.Len(t, snap.Asks, 1)

	_, err := rig.engine.MatchTick(context.Background())
	require.NoError(t, err)

	rec = rig.do(t, http.MethodGet, "/trades", buyer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []models.Match
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&trades))
	require.Len(t, trades, 1)
	assert.Equal(t, int64(6_000), trades[0].AmountWh)
	assert.Equal(t, int64(150), trades[0].PriceMicros)
}

func TestEpochAndSettlementEndpoints(t *testing.T) {
	rig := newAPIRig(t)
	seller := rig.registerAndLogin(t, "seller")
	buyer := rig.registerAndLogin(t, "buyer")

	rec := rig.do(t, http.MethodPost, "/orders", seller, map[string]any{
		"side": "sell", "amount_wh": 10_000, "price_micros": 150, "cert_ref": "erc-101",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = rig.do(t, http.MethodPost, "/orders", buyer, map[string]any{
		"side": "buy", "amount_wh": 10_000, "price_micros": 200,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	matches, err := rig.engine.MatchTick(context.Background())
	require.NoError(t, err)
	require.Len(t, matches, 1)
	epochNumber := matches[0].EpochNumber

	rec = rig.do(t, http.MethodGet, "/epochs/current", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var current models.Epoch
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&current))
	assert.Equal(t, epochNumber, current.Number)
	assert.Equal(t, models.EpochActive, current.Status)

	rig.clock.Advance(16 * time.Minute)
	_, err = rig.engine.EpochTick(context.Background())
	require.NoError(t, err)

	rec = rig.do(t, http.MethodGet, fmt.Sprintf("/epochs/%d", epochNumber), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared models.Epoch
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cleared))
	assert.Equal(t, models.EpochSettled, cleared.Status)
	assert.Equal(t, int64(150), cleared.ClearingPriceMicros)

	rec = rig.do(t, http.MethodGet, fmt.Sprintf("/epochs/%d/settlements", epochNumber), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var settlements []models.Settlement
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&settlements))
	require.Len(t, settlements, 1)
	assert.Equal(t, int64(1_500_000), settlements[0].TotalMicros)

	rec = rig.do(t, http.MethodGet, "/settlements", seller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []models.Settlement
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&mine))
	assert.Len(t, mine, 1)

	rec = rig.do(t, http.MethodGet, "/epochs/999999", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = rig.do(t, http.MethodGet, "/epochs/not-a-number", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarketStats(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodGet, "/market", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats exchange.MarketStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(25), stats.FeeBps)
}
