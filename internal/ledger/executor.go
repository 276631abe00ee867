package ledger

import (
	"context"
	"log"
	"time"

	"github.com/openvolt/gridex/internal/collab"
	"github.com/openvolt/gridex/internal/events"
	"github.com/openvolt/gridex/internal/models"
)

// Executor drains settlement and escrow work on its own goroutine so the
// matching hot path never waits on the external token program. Calls are
// retried with exponential backoff up to MaxAttempts; a settlement that
// still fails is marked Failed and emitted for manual reconciliation. It is
// never re-matched and never silently dropped.
type Executor struct {
	ledger  *Ledger
	exec    collab.SettlementExecutor
	emitter events.Emitter
	clock   collab.Clock

	maxAttempts int
	baseBackoff time.Duration

	queue chan task
	done  chan struct{}
}

type task struct {
	settlement *models.Settlement
	intent     *models.EscrowIntent
}

// ExecutorOption tweaks retry behavior.
type ExecutorOption func(*Executor)

// WithMaxAttempts bounds how often a failing call is retried.
func WithMaxAttempts(n int) ExecutorOption {
	return func(x *Executor) { x.maxAttempts = n }
}

// WithBaseBackoff sets the first retry delay; each retry doubles it.
func WithBaseBackoff(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.baseBackoff = d }
}

// NewExecutor creates a stopped executor; call Start before enqueueing.
func NewExecutor(l *Ledger, exec collab.SettlementExecutor, emitter events.Emitter, clock collab.Clock, opts ...ExecutorOption) *Executor {
	x := &Executor{
		ledger:      l,
		exec:        exec,
		emitter:     emitter,
		clock:       clock,
		maxAttempts: 5,
		baseBackoff: 200 * time.Millisecond,
		queue:       make(chan task, 1024),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Start launches the worker goroutine.
func (x *Executor) Start(ctx context.Context) {
	go x.run(ctx)
}

// Stop closes the queue and waits for the worker to drain it.
func (x *Executor) Stop() {
	close(x.queue)
	<-x.done
}

// EnqueueSettlement hands a freshly created settlement to the executor.
func (x *Executor) EnqueueSettlement(s *models.Settlement) {
	x.queue <- task{settlement: s}
}

// EnqueueEscrow hands a reserve or refund intent to the executor.
func (x *Executor) EnqueueEscrow(in *models.EscrowIntent) {
	x.queue <- task{intent: in}
}

func (x *Executor) run(ctx context.Context) {
	defer close(x.done)
	for t := range x.queue {
		if t.settlement != nil {
			x.settle(ctx, t.settlement)
		} else if t.intent != nil {
			x.applyEscrow(ctx, t.intent)
		}
	}
}

// settle releases the buyer's escrowed payment to the seller, net of fee,
// then marks the settlement completed.
func (x *Executor) settle(ctx context.Context, s *models.Settlement) {
	attempts, err := x.retry(ctx, func() error {
		return x.exec.Release(ctx, s.ID, s.Buyer, s.Seller, s.NetMicros)
	})
	now := x.clock.Now()
	if err != nil {
		log.Printf("executor: settlement %s failed after %d attempts: %v", s.ID, attempts, err)
		failed, markErr := x.ledger.MarkFailed(ctx, s.ID, attempts, now)
		if markErr != nil {
			log.Printf("executor: mark settlement %s failed: %v", s.ID, markErr)
			return
		}
		x.emitter.Emit(ctx, events.Event{Type: events.SettlementFailed, At: now, Settlement: failed})
		return
	}
	if _, err := x.ledger.MarkEscrowReleased(ctx, s.ID, attempts, now); err != nil {
		log.Printf("executor: mark settlement %s escrow released: %v", s.ID, err)
		return
	}
	completed, err := x.ledger.MarkCompleted(ctx, s.ID, attempts, now)
	if err != nil {
		log.Printf("executor: mark settlement %s completed: %v", s.ID, err)
		return
	}
	x.emitter.Emit(ctx, events.Event{Type: events.SettlementCompleted, At: now, Settlement: completed})
}

func (x *Executor) applyEscrow(ctx context.Context, in *models.EscrowIntent) {
	_, err := x.retry(ctx, func() error {
		switch in.Kind {
		case models.EscrowReserve:
			return x.exec.Reserve(ctx, in.ID, in.From, in.Amount)
		case models.EscrowRefund:
			return x.exec.Refund(ctx, in.ID, in.From, in.Amount)
		default:
			return x.exec.Release(ctx, in.ID, in.From, in.To, in.Amount)
		}
	})
	if err != nil {
		log.Printf("executor: escrow %s (%s for %s) failed: %v", in.ID, in.Kind, in.RefID, err)
		x.ledger.SetEscrowOutcome(ctx, in.ID, models.EscrowFailed)
		return
	}
	x.ledger.SetEscrowOutcome(ctx, in.ID, models.EscrowOK)
}

// retry runs fn up to maxAttempts times with doubling delays, returning the
// attempt count and the last error.
func (x *Executor) retry(ctx context.Context, fn func() error) (int, error) {
	var err error
	backoff := x.baseBackoff
	for attempt := 1; attempt <= x.maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return attempt, nil
		}
		if attempt == x.maxAttempts {
			return attempt, err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
		backoff *= 2
	}
	return x.maxAttempts, err
}
