// Package watcher keeps a live subscription on the custodial token account and
// hands every deposit to the reconciler.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/audit"
	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/logger"
	"github.com/tfgems/crumbz/internal/metrics"
	"github.com/tfgems/crumbz/internal/reconcile"
)

var ErrSubscriptionFailed = errors.New("account subscription failed")

type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateSubscribing  State = "subscribing"
	StateSubscribed   State = "subscribed"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

var allStates = []string{
	string(StateUnsubscribed),
	string(StateSubscribing),
	string(StateSubscribed),
	string(StateFailed),
	string(StateStopped),
}

const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 5 * time.Second
)

type Options struct {
	// MaxRetries is the number of consecutive failed attempts before the
	// watcher gives up. A successful subscribe resets the count.
	MaxRetries int
	RetryDelay time.Duration
	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Ledger interface {
	ledger.AccountSubscriber
	ledger.BalanceReader
}

type Reconciler interface {
	Reconcile(ctx context.Context, ev reconcile.BurnEvent) (reconcile.Result, error)
}

type Watcher struct {
	ledger     Ledger
	reconciler Reconciler
	account    common.Address
	opts       Options
	audit      *audit.Recorder
	log        *logger.Logger

	mu    sync.Mutex
	state State
}

func New(l Ledger, r Reconciler, account common.Address, opts Options, rec *audit.Recorder, log *logger.Logger) *Watcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepWithContext
	}
	if log == nil {
		log = logger.NewNop()
	}
	w := &Watcher{
		ledger:     l,
		reconciler: r,
		account:    account,
		opts:       opts,
		audit:      rec,
		log:        log.Named("watcher").With(zap.String("account", account.Hex())),
		state:      StateUnsubscribed,
	}
	metrics.SetWatcherState(string(StateUnsubscribed), allStates)
	return w
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) setState(ctx context.Context, s State, attempt int) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev == s {
		return
	}
	metrics.SetWatcherState(string(s), allStates)
	w.log.Debug("state change", zap.String("from", string(prev)), zap.String("to", string(s)))
	w.audit.Record(ctx, audit.Event{
		Event:   audit.EventWatcherState,
		Account: w.account.Hex(),
		State:   string(s),
		Attempt: attempt,
		Ok:      s != StateFailed,
	})
}

// Run subscribes and processes notifications until ctx is cancelled (returns
// nil) or MaxRetries consecutive attempts fail (returns ErrSubscriptionFailed).
// A dropped subscription counts as a failed attempt.
func (w *Watcher) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			w.setState(context.WithoutCancel(ctx), StateStopped, failures)
			return nil
		}

		w.setState(ctx, StateSubscribing, failures+1)
		changes := make(chan ledger.AccountChange, 64)
		metrics.WatcherSubscribeAttemptsTotal.Inc()
		sub, err := w.ledger.SubscribeAccount(ctx, w.account, changes)
		if err == nil {
			failures = 0
			w.setState(ctx, StateSubscribed, 0)
			w.log.Info("subscription established")
			err = w.session(ctx, sub, changes)
			sub.Unsubscribe()
			if ctx.Err() != nil {
				continue
			}
			w.log.Warn("subscription dropped", zap.Error(err))
		} else if ctx.Err() != nil {
			continue
		}

		failures++
		if failures >= w.opts.MaxRetries {
			w.log.Error("max retries reached, giving up", err, zap.Int("attempts", failures))
			w.setState(ctx, StateFailed, failures)
			return fmt.Errorf("%w after %d attempts: %w", ErrSubscriptionFailed, failures, err)
		}
		w.log.Warn("subscribe failed, retrying",
			zap.Error(err),
			zap.Int("attempt", failures),
			zap.Int("max_retries", w.opts.MaxRetries),
			zap.Duration("retry_in", w.opts.RetryDelay),
		)
		if err := w.opts.Sleep(ctx, w.opts.RetryDelay); err != nil {
			continue
		}
	}
}

func (w *Watcher) session(ctx context.Context, sub ethereum.Subscription, changes <-chan ledger.AccountChange) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case change := <-changes:
			w.handle(ctx, change)
		}
	}
}

// handle reconciles the full balance of the account after a deposit. The
// notification only says that something changed; the balance is re-read.
func (w *Watcher) handle(ctx context.Context, change ledger.AccountChange) {
	metrics.WatcherNotificationsTotal.Inc()
	log := w.log.With(zap.String("trigger_tx", change.TxHash.Hex()), zap.String("from", change.From.Hex()))
	if change.Removed {
		log.Debug("ignoring reorged transfer")
		return
	}

	bal, err := w.ledger.TokenBalance(ctx, w.account)
	if err != nil {
		log.Error("read balance after notification", err)
		return
	}
	if bal.Sign() <= 0 {
		log.Debug("nothing to burn")
		return
	}

	source := change.From
	if source == (common.Address{}) {
		// Minted straight into the account; the account owner keeps the credit.
		source = w.account
	}
	res, err := w.reconciler.Reconcile(ctx, reconcile.BurnEvent{
		TokenAccount: w.account,
		RawAmount:    bal,
		Source:       source,
		TxHash:       change.TxHash,
		ObservedAt:   change.ReceivedAt,
	})
	switch {
	case err == nil:
		log.Info("deposit reconciled",
			zap.String("signature", res.Signature.Hex()),
			zap.String("credited", res.Credited.String()),
			zap.String("total", res.Total.String()),
		)
	case errors.Is(err, reconcile.ErrInsufficientBalance):
		log.Debug("stale notification", zap.Error(err))
	default:
		log.Warn("reconcile failed", zap.Error(err))
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
