// Package reconcile turns tokens observed in the custodial account into user
// credit: burn them, wait for the ledger to confirm, then credit the sender.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/audit"
	"github.com/tfgems/crumbz/internal/credit"
	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/logger"
	"github.com/tfgems/crumbz/internal/metrics"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("burn amount must be positive")
	ErrAccountMismatch     = errors.New("token account is not controlled by the burn authority")
	ErrCreditNotRecorded   = errors.New("burn confirmed but credit was not recorded")
	ErrBurnMismatch        = errors.New("confirmed burn does not match requested amount")
)

// DefaultSettleTimeout bounds the confirmation wait and credit write that
// follow a submitted burn.
const DefaultSettleTimeout = 3 * time.Minute

// BurnEvent asks for RawAmount to be burned from TokenAccount and credited to
// Source.
type BurnEvent struct {
	TokenAccount common.Address
	RawAmount    *big.Int
	Source       common.Address
	TxHash       common.Hash
	ObservedAt   time.Time
}

type Result struct {
	Signature common.Hash
	Slot      uint64
	Credited  *big.Int
	Total     *big.Int
}

type ManualResult struct {
	Signature       common.Hash
	Slot            uint64
	PreviousBalance *big.Int
	NewBalance      *big.Int
}

type Ledger interface {
	ledger.BalanceReader
	ledger.Burner
}

type Credits interface {
	AddCredit(ctx context.Context, address string, delta *big.Int) (credit.UserRecord, error)
}

type Reconciler struct {
	ledger  Ledger
	credits Credits
	audit   *audit.Recorder
	log     *logger.Logger

	settleTimeout time.Duration

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

type Option func(*Reconciler)

// WithSettleTimeout overrides DefaultSettleTimeout. Non-positive values are
// ignored.
func WithSettleTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.settleTimeout = d
		}
	}
}

func New(l Ledger, credits Credits, rec *audit.Recorder, log *logger.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = logger.NewNop()
	}
	r := &Reconciler{
		ledger:        l,
		credits:       credits,
		audit:         rec,
		log:           log.Named("reconcile"),
		settleTimeout: DefaultSettleTimeout,
		locks:         make(map[common.Address]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// settleContext keeps ctx's values but not its cancellation. Everything after
// a submitted burn runs under it, bounded by the settle timeout.
func (r *Reconciler) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.settleTimeout)
}

// lock serializes balance check, burn and credit per token account, so an
// overlapping notification sees the post-burn balance.
func (r *Reconciler) lock(account common.Address) func() {
	r.mu.Lock()
	m := r.locks[account]
	if m == nil {
		m = &sync.Mutex{}
		r.locks[account] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Reconcile burns ev.RawAmount and credits it to ev.Source once the burn is
// confirmed. Nothing is credited unless the ledger confirms the burn, and a
// failure is never retried here.
func (r *Reconciler) Reconcile(ctx context.Context, ev BurnEvent) (Result, error) {
	if ev.RawAmount == nil || ev.RawAmount.Sign() <= 0 {
		return Result{}, ErrInvalidAmount
	}
	if ev.TokenAccount != r.ledger.CustodialAddress() {
		return Result{}, fmt.Errorf("%w: %s", ErrAccountMismatch, ev.TokenAccount.Hex())
	}
	source := ev.Source.Hex()
	amount := new(big.Int).Set(ev.RawAmount)
	log := r.log.With(
		zap.String("account", ev.TokenAccount.Hex()),
		zap.String("source", source),
		zap.String("amount", amount.String()),
		zap.String("trigger_tx", ev.TxHash.Hex()),
	)

	unlock := r.lock(ev.TokenAccount)
	defer unlock()

	base := audit.Event{
		Account: ev.TokenAccount.Hex(),
		Source:  source,
		TxHash:  ev.TxHash.Hex(),
		Amount:  amount.String(),
	}

	burnFailed := func(ctx context.Context, sig common.Hash, err error) (Result, error) {
		if !errors.Is(err, ErrInsufficientBalance) {
			log.Error("burn failed", err, zap.String("signature", hexOrEmpty(sig)))
		}
		fail := base
		fail.Event = audit.EventBurnFailed
		fail.Signature = hexOrEmpty(sig)
		fail.Err = err.Error()
		r.audit.Record(ctx, fail)
		return Result{Signature: sig}, err
	}

	sig, start, err := r.submitBurn(ctx, ev.TokenAccount, amount)
	if err != nil {
		return burnFailed(ctx, sig, err)
	}

	ctx, cancel := r.settleContext(ctx)
	defer cancel()

	conf, err := r.confirmBurn(ctx, sig, amount, start)
	if err != nil {
		return burnFailed(ctx, sig, err)
	}

	rec, err := r.credits.AddCredit(ctx, source, amount)
	if err != nil {
		metrics.BurnsFailedTotal.WithLabelValues("credit").Inc()
		log.Error("burn confirmed but credit write failed; re-apply from audit trail", err,
			zap.String("signature", sig.Hex()), zap.Uint64("slot", conf.Slot))
		lost := base
		lost.Event = audit.EventCreditNotRecorded
		lost.Signature = sig.Hex()
		lost.Slot = conf.Slot
		lost.Err = err.Error()
		r.audit.Record(ctx, lost)
		return Result{Signature: sig, Slot: conf.Slot}, fmt.Errorf("%w (signature %s): %w", ErrCreditNotRecorded, sig.Hex(), err)
	}

	metrics.CreditedUnitsTotal.Add(float64FromBig(amount))
	log.Info("burn credited",
		zap.String("signature", sig.Hex()),
		zap.Uint64("slot", conf.Slot),
		zap.String("total", rec.InGameTokens.String()),
	)
	ok := base
	ok.Event = audit.EventBurnConfirmed
	ok.Signature = sig.Hex()
	ok.Slot = conf.Slot
	ok.Total = rec.InGameTokens.String()
	ok.Ok = true
	r.audit.Record(ctx, ok)

	return Result{
		Signature: sig,
		Slot:      conf.Slot,
		Credited:  amount,
		Total:     new(big.Int).Set(rec.InGameTokens),
	}, nil
}

// ManualBurn burns amount from the custodial account without crediting
// anyone.
func (r *Reconciler) ManualBurn(ctx context.Context, amount *big.Int) (ManualResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return ManualResult{}, ErrInvalidAmount
	}
	account := r.ledger.CustodialAddress()

	unlock := r.lock(account)
	defer unlock()

	prev, err := r.ledger.TokenBalance(ctx, account)
	if err != nil {
		return ManualResult{}, fmt.Errorf("read balance: %w", err)
	}
	burnFailed := func(ctx context.Context, sig common.Hash, err error) (ManualResult, error) {
		r.audit.Record(ctx, audit.Event{
			Event:     audit.EventManualBurn,
			Account:   account.Hex(),
			Amount:    amount.String(),
			Signature: hexOrEmpty(sig),
			Err:       err.Error(),
		})
		return ManualResult{Signature: sig, PreviousBalance: prev}, err
	}

	sig, start, err := r.submitBurn(ctx, account, amount)
	if err != nil {
		return burnFailed(ctx, sig, err)
	}

	ctx, cancel := r.settleContext(ctx)
	defer cancel()

	conf, err := r.confirmBurn(ctx, sig, amount, start)
	if err != nil {
		return burnFailed(ctx, sig, err)
	}

	next, err := r.ledger.TokenBalance(ctx, account)
	if err != nil {
		return ManualResult{}, fmt.Errorf("read balance after burn %s: %w", sig.Hex(), err)
	}
	r.log.Info("manual burn confirmed",
		zap.String("signature", sig.Hex()),
		zap.String("amount", amount.String()),
		zap.String("previous", prev.String()),
		zap.String("new", next.String()),
	)
	r.audit.Record(ctx, audit.Event{
		Event:     audit.EventManualBurn,
		Account:   account.Hex(),
		Amount:    amount.String(),
		Signature: sig.Hex(),
		Slot:      conf.Slot,
		Total:     next.String(),
		Ok:        true,
	})
	return ManualResult{Signature: sig, Slot: conf.Slot, PreviousBalance: prev, NewBalance: next}, nil
}

// submitBurn checks the balance and submits the burn. The caller holds the
// account lock.
func (r *Reconciler) submitBurn(ctx context.Context, account common.Address, amount *big.Int) (common.Hash, time.Time, error) {
	bal, err := r.ledger.TokenBalance(ctx, account)
	if err != nil {
		metrics.BurnsFailedTotal.WithLabelValues("balance").Inc()
		return common.Hash{}, time.Time{}, fmt.Errorf("read balance: %w", err)
	}
	if amount.Cmp(bal) > 0 {
		metrics.BurnsFailedTotal.WithLabelValues("insufficient_balance").Inc()
		return common.Hash{}, time.Time{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal.String(), amount.String())
	}

	start := time.Now()
	sig, err := r.ledger.Burn(ctx, amount)
	if err != nil {
		metrics.BurnsFailedTotal.WithLabelValues("submit").Inc()
		return common.Hash{}, start, fmt.Errorf("submit burn: %w", err)
	}
	return sig, start, nil
}

// confirmBurn waits for sig and checks that the confirmed transaction burned
// exactly amount.
func (r *Reconciler) confirmBurn(ctx context.Context, sig common.Hash, amount *big.Int, start time.Time) (ledger.Confirmation, error) {
	conf, err := r.ledger.WaitConfirmed(ctx, sig)
	if err != nil {
		metrics.BurnsFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return conf, fmt.Errorf("confirm burn %s: %w", sig.Hex(), err)
	}
	if conf.Burned == nil || conf.Burned.Cmp(amount) != 0 {
		metrics.BurnsFailedTotal.WithLabelValues("mismatch").Inc()
		burned := "none"
		if conf.Burned != nil {
			burned = conf.Burned.String()
		}
		return conf, fmt.Errorf("%w: %s burned %s, want %s", ErrBurnMismatch, sig.Hex(), burned, amount.String())
	}
	metrics.BurnLatency.Observe(time.Since(start).Seconds())
	metrics.BurnsConfirmedTotal.Inc()
	return conf, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		return "timeout"
	case errors.Is(err, ledger.ErrTransactionFailed):
		return "reverted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "confirm"
	}
}

func hexOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func float64FromBig(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
