package exchange

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/openvolt/gridex/internal/clearing"
	"github.com/openvolt/gridex/internal/collab"
	"github.com/openvolt/gridex/internal/events"
	"github.com/openvolt/gridex/internal/ledger"
	"github.com/openvolt/gridex/internal/models"
	"github.com/openvolt/gridex/internal/store"
)

// Engine is the matching and clearing core. All book and epoch mutation
// happens on one goroutine consuming a command queue: submissions,
// cancellations, match ticks and epoch ticks are enqueued by callers and
// applied strictly in arrival order. That single-writer rule is what rules
// out double matching and lost updates without any distributed locking.
type Engine struct {
	cmds chan func()
	done chan struct{}

	book    *Book
	matcher *Matcher
	orders  map[string]*models.Order // every order ever seen, live and terminal
	epochs  map[int64]*models.Epoch
	matches map[int64][]*models.Match

	sched    *clearing.Scheduler
	clearer  *clearing.Clearer
	ledger   *ledger.Ledger
	executor *ledger.Executor
	clock    collab.Clock
	certs    collab.CertValidator
	store    store.Store // optional
	emitter  events.Emitter

	totalVolumeWh int64
	totalMatches  int64
}

// Config wires the engine's collaborators. Store may be nil; Emitter,
// Clock, Certs, Ledger and Executor must be set.
type Config struct {
	EpochDuration time.Duration
	FeeBps        int64
	Clock         collab.Clock
	Certs         collab.CertValidator
	Store         store.Store
	Emitter       events.Emitter
	Ledger        *ledger.Ledger
	Executor      *ledger.Executor
}

// NewEngine builds a stopped engine; call Start to begin processing.
func NewEngine(cfg Config) *Engine {
	book := NewBook()
	return &Engine{
		cmds:     make(chan func(), 256),
		done:     make(chan struct{}),
		book:     book,
		matcher:  NewMatcher(book),
		orders:   make(map[string]*models.Order),
		epochs:   make(map[int64]*models.Epoch),
		matches:  make(map[int64][]*models.Match),
		sched:    clearing.NewScheduler(cfg.EpochDuration),
		clearer:  clearing.NewClearer(cfg.FeeBps),
		ledger:   cfg.Ledger,
		executor: cfg.Executor,
		clock:    cfg.Clock,
		certs:    cfg.Certs,
		store:    cfg.Store,
		emitter:  cfg.Emitter,
	}
}

// Recover rebuilds engine state from the store: live orders go back on the
// book and the carry-forward clearing price is seeded from the last cleared
// epoch. Call before Start.
func (e *Engine) Recover(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	open, err := e.store.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("recover open orders: %w", err)
	}
	for _, o := range open {
		e.orders[o.ID] = o
		e.book.Insert(o)
	}
	last, err := e.store.LatestClearedEpoch(ctx)
	if err == nil {
		e.clearer.SetLastClearingPrice(last.ClearingPriceMicros)
	}
	return nil
}

// Start launches the writer goroutine.
func (e *Engine) Start() {
	go e.loop()
}

// Stop closes the command queue and waits for the writer to drain it.
// No mutation is ever interrupted mid-step.
func (e *Engine) Stop() {
	close(e.cmds)
	<-e.done
}

func (e *Engine) loop() {
	defer close(e.done)
	for cmd := range e.cmds {
		cmd()
	}
}

// do runs fn on the writer goroutine and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// SubmitRequest carries a new order submission.
type SubmitRequest struct {
	Trader      string
	Side        models.Side
	AmountWh    int64
	PriceMicros int64
	ExpiresAt   time.Time
	CertRef     string
}

// SubmitOrder validates and enqueues a new order. Validation failures are
// returned synchronously and never reach the book. Sell orders must carry a
// certificate reference accepted by the registry; that check runs here,
// outside the writer loop, so registry latency never stalls matching.
func (e *Engine) SubmitOrder(ctx context.Context, req SubmitRequest) (*models.Order, error) {
	if req.Trader == "" {
		return nil, fmt.Errorf("%w: trader required", models.ErrValidation)
	}
	if req.Side != models.Buy && req.Side != models.Sell {
		return nil, fmt.Errorf("%w: side must be buy or sell", models.ErrValidation)
	}
	if req.AmountWh <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	if req.PriceMicros <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", models.ErrValidation)
	}
	if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(e.clock.Now()) {
		return nil, fmt.Errorf("%w: expiry is in the past", models.ErrValidation)
	}
	if req.Side == models.Sell {
		if req.CertRef == "" {
			return nil, fmt.Errorf("%w: sell orders require a certificate reference", models.ErrValidation)
		}
		ok, err := e.certs.IsValidForTrading(ctx, req.CertRef, req.Trader)
		if err != nil {
			return nil, fmt.Errorf("certificate check: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: certificate %s not valid for trading", models.ErrValidation, req.CertRef)
		}
	}

	var order *models.Order
	err := e.do(ctx, func() {
		now := e.clock.Now()
		order = &models.Order{
			ID:          uuid.NewString(),
			Trader:      req.Trader,
			Side:        req.Side,
			AmountWh:    req.AmountWh,
			PriceMicros: req.PriceMicros,
			Status:      models.OrderActive,
			CertRef:     req.CertRef,
			CreatedAt:   now,
			ExpiresAt:   req.ExpiresAt,
		}
		e.orders[order.ID] = order
		e.book.Insert(order)
		e.persistOrder(ctx, order)
		e.reserveEscrow(ctx, order, now)
		e.emitter.Emit(ctx, events.Event{Type: events.OrderAccepted, At: now, Order: snapshotOf(order)})
	})
	if err != nil {
		return nil, err
	}
	return snapshotOf(order), nil
}

// CancelOrder removes the order's unmatched remainder. The filled portion
// and its matches stay untouched. If a match against the order committed
// before this command reached the writer, only what is left afterwards is
// cancelled; the match is final.
func (e *Engine) CancelOrder(ctx context.Context, orderID, requester string) (*models.Order, error) {
	var (
		out     *models.Order
		cancErr error
	)
	err := e.do(ctx, func() {
		o, ok := e.orders[orderID]
		if !ok {
			cancErr = fmt.Errorf("%w: order %s", models.ErrNotFound, orderID)
			return
		}
		if o.Trader != requester {
			cancErr = fmt.Errorf("%w: order %s does not belong to %s", models.ErrUnauthorized, orderID, requester)
			return
		}
		cancelled, remainder, err := e.book.Cancel(orderID, requester)
		if err != nil {
			// Not on the book means the order already reached a terminal
			// status.
			cancErr = fmt.Errorf("%w: order %s is %s", models.ErrState, orderID, o.Status)
			return
		}
		now := e.clock.Now()
		e.persistOrder(ctx, cancelled)
		if remainder > 0 {
			e.refundEscrow(ctx, cancelled, remainder, now)
		}
		e.emitter.Emit(ctx, events.Event{Type: events.OrderCancelled, At: now, Order: snapshotOf(cancelled)})
		out = snapshotOf(cancelled)
	})
	if err != nil {
		return nil, err
	}
	return out, cancErr
}

// MatchTick runs one matching pass.
func (e *Engine) MatchTick(ctx context.Context) ([]*models.Match, error) {
	var out []*models.Match
	err := e.do(ctx, func() {
		out = e.matchTick(ctx)
	})
	return out, err
}

func (e *Engine) matchTick(ctx context.Context) []*models.Match {
	now := e.clock.Now()
	e.advanceEpoch(ctx, now)
	epoch := e.sched.Active()

	matches, expired := e.matcher.Tick(now, epoch.Number)
	for _, o := range expired {
		e.persistOrder(ctx, o)
		if rem := o.RemainingWh(); rem > 0 {
			e.refundEscrow(ctx, o, rem, now)
		}
		e.emitter.Emit(ctx, events.Event{Type: events.OrderExpired, At: now, Order: snapshotOf(o)})
	}
	for _, m := range matches {
		e.matches[m.EpochNumber] = append(e.matches[m.EpochNumber], m)
		e.totalMatches++
		e.totalVolumeWh += m.AmountWh
		if e.store != nil {
			if err := e.store.SaveMatch(ctx, m); err != nil {
				log.Printf("engine: persist match %s: %v", m.ID, err)
			}
		}
		// Both orders were touched by the match; persist their fill levels.
		if buy, ok := e.orders[m.BuyOrderID]; ok {
			e.persistOrder(ctx, buy)
		}
		if sell, ok := e.orders[m.SellOrderID]; ok {
			e.persistOrder(ctx, sell)
		}
		e.emitter.Emit(ctx, events.Event{Type: events.MatchExecuted, At: now, Match: m})
	}
	return matches
}

// EpochTick advances the epoch boundary if its window elapsed, clearing the
// finalized epoch. Calling it again inside the same window is a no-op.
func (e *Engine) EpochTick(ctx context.Context) (*models.Epoch, error) {
	var out *models.Epoch
	err := e.do(ctx, func() {
		e.advanceEpoch(ctx, e.clock.Now())
		out = copyEpoch(e.sched.Active())
	})
	return out, err
}

// advanceEpoch moves the scheduler to the epoch covering now and clears any
// epoch it finalizes. Runs on the writer goroutine, so matching and
// clearing never interleave over the same state. Match ticks call it too,
// so a match is always stamped with the epoch covering its execution time.
func (e *Engine) advanceEpoch(ctx context.Context, now time.Time) {
	finalized, active := e.sched.Advance(now)
	if _, ok := e.epochs[active.Number]; !ok {
		e.epochs[active.Number] = active
		e.persistEpoch(ctx, active)
	}
	if finalized != nil {
		e.clearEpoch(ctx, finalized, now)
	}
}

func (e *Engine) clearEpoch(ctx context.Context, epoch *models.Epoch, now time.Time) {
	res, err := e.clearer.Clear(epoch, e.matches[epoch.Number], e.ledger.SettledMatches(), now)
	if err != nil {
		// A stale or already-settled epoch is a no-op, not a caller error.
		log.Printf("engine: clear epoch %d: %v", epoch.Number, err)
		return
	}
	e.persistEpoch(ctx, epoch)
	e.emitter.Emit(ctx, events.Event{Type: events.EpochCleared, At: now, Epoch: copyEpoch(epoch)})

	for _, s := range res.Settlements {
		if err := e.ledger.Append(ctx, s); err != nil {
			log.Printf("engine: append settlement %s: %v", s.ID, err)
			continue
		}
		e.executor.EnqueueSettlement(s)
	}

	// Every settlement is recorded and handed to the executor; the epoch is
	// settled from the engine's point of view even though individual token
	// movements may still be in flight or fail.
	if err := epoch.Transition(models.EpochSettled); err != nil {
		log.Printf("engine: settle epoch %d: %v", epoch.Number, err)
		return
	}
	e.persistEpoch(ctx, epoch)
}

// GetOrder returns a copy of the order with the given id.
func (e *Engine) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var (
		out    *models.Order
		getErr error
	)
	err := e.do(ctx, func() {
		o, ok := e.orders[id]
		if !ok {
			getErr = fmt.Errorf("%w: order %s", models.ErrNotFound, id)
			return
		}
		out = snapshotOf(o)
	})
	if err != nil {
		return nil, err
	}
	return out, getErr
}

// OrdersForTrader returns copies of all of a trader's orders, oldest first.
func (e *Engine) OrdersForTrader(ctx context.Context, trader string) ([]*models.Order, error) {
	var out []*models.Order
	err := e.do(ctx, func() {
		for _, o := range e.orders {
			if o.Trader == trader {
				out = append(out, snapshotOf(o))
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sortOrdersByCreation(out)
	return out, nil
}

// BookSnapshot returns copies of both sides in priority order.
func (e *Engine) BookSnapshot(ctx context.Context) (bids, asks []models.Order, err error) {
	err = e.do(ctx, func() {
		bids, asks = e.book.Snapshot()
	})
	return bids, asks, err
}

// ActiveEpoch returns a copy of the currently active epoch, or nil before
// the first tick.
func (e *Engine) ActiveEpoch(ctx context.Context) (*models.Epoch, error) {
	var out *models.Epoch
	err := e.do(ctx, func() {
		out = copyEpoch(e.sched.Active())
	})
	return out, err
}

// EpochByNumber returns a copy of a known epoch.
func (e *Engine) EpochByNumber(ctx context.Context, number int64) (*models.Epoch, error) {
	var (
		out    *models.Epoch
		getErr error
	)
	err := e.do(ctx, func() {
		ep, ok := e.epochs[number]
		if !ok {
			getErr = fmt.Errorf("%w: epoch %d", models.ErrNotFound, number)
			return
		}
		out = copyEpoch(ep)
	})
	if err != nil {
		return nil, err
	}
	return out, getErr
}

// MatchesForEpoch returns copies of the matches recorded in one epoch.
func (e *Engine) MatchesForEpoch(ctx context.Context, number int64) ([]*models.Match, error) {
	var out []*models.Match
	err := e.do(ctx, func() {
		for _, m := range e.matches[number] {
			cp := *m
			out = append(out, &cp)
		}
	})
	return out, err
}

// MatchesForTrader returns copies of every match the trader took part in,
// oldest first.
func (e *Engine) MatchesForTrader(ctx context.Context, trader string) ([]*models.Match, error) {
	var out []*models.Match
	err := e.do(ctx, func() {
		for _, epochMatches := range e.matches {
			for _, m := range epochMatches {
				if m.Buyer == trader || m.Seller == trader {
					cp := *m
					out = append(out, &cp)
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

// MarketStats is a rolling view of market activity.
type MarketStats struct {
	LastClearingPriceMicros int64 `json:"last_clearing_price_micros"`
	FeeBps                  int64 `json:"fee_bps"`
	TotalVolumeWh           int64 `json:"total_volume_wh"`
	TotalMatches            int64 `json:"total_matches"`
	OpenBids                int   `json:"open_bids"`
	OpenAsks                int   `json:"open_asks"`
	ActiveEpoch             int64 `json:"active_epoch"`
}

// Stats returns current market statistics.
func (e *Engine) Stats(ctx context.Context) (MarketStats, error) {
	var out MarketStats
	err := e.do(ctx, func() {
		out = MarketStats{
			LastClearingPriceMicros: e.clearer.LastClearingPrice(),
			FeeBps:                  e.clearer.FeeBps(),
			TotalVolumeWh:           e.totalVolumeWh,
			TotalMatches:            e.totalMatches,
			OpenBids:                len(e.book.Bids()),
			OpenAsks:                len(e.book.Asks()),
		}
		if active := e.sched.Active(); active != nil {
			out.ActiveEpoch = active.Number
		}
	})
	return out, err
}

func (e *Engine) reserveEscrow(ctx context.Context, o *models.Order, now time.Time) {
	in := &models.EscrowIntent{
		ID:        uuid.NewString(),
		Kind:      models.EscrowReserve,
		RefID:     o.ID,
		From:      o.Trader,
		Amount:    escrowAmount(o, o.AmountWh),
		Outcome:   models.EscrowPending,
		CreatedAt: now,
	}
	e.ledger.RecordEscrow(ctx, in)
	e.executor.EnqueueEscrow(in)
}

func (e *Engine) refundEscrow(ctx context.Context, o *models.Order, remainderWh int64, now time.Time) {
	in := &models.EscrowIntent{
		ID:        uuid.NewString(),
		Kind:      models.EscrowRefund,
		RefID:     o.ID,
		From:      o.Trader,
		Amount:    escrowAmount(o, remainderWh),
		Outcome:   models.EscrowPending,
		CreatedAt: now,
	}
	e.ledger.RecordEscrow(ctx, in)
	e.executor.EnqueueEscrow(in)
}

// escrowAmount is what an order holds against wh watt-hours: sellers
// reserve the energy credits themselves, buyers reserve payment capacity.
func escrowAmount(o *models.Order, wh int64) int64 {
	if o.Side == models.Sell {
		return wh
	}
	return wh * o.PriceMicros
}

func (e *Engine) persistOrder(ctx context.Context, o *models.Order) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveOrder(ctx, o); err != nil {
		log.Printf("engine: persist order %s: %v", o.ID, err)
	}
}

func (e *Engine) persistEpoch(ctx context.Context, ep *models.Epoch) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveEpoch(ctx, ep); err != nil {
		log.Printf("engine: persist epoch %d: %v", ep.Number, err)
	}
}

func snapshotOf(o *models.Order) *models.Order {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

func copyEpoch(ep *models.Epoch) *models.Epoch {
	if ep == nil {
		return nil
	}
	cp := *ep
	return &cp
}

func sortOrdersByCreation(orders []*models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
