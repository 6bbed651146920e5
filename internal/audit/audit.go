// Package audit records reconciliation outcomes so an operator can replay or
// re-apply them.
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/logger"
	"github.com/tfgems/crumbz/internal/metrics"
)

const (
	EventBurnConfirmed     = "burn_confirmed"
	EventBurnFailed        = "burn_failed"
	EventCreditNotRecorded = "credit_not_recorded"
	EventManualBurn        = "manual_burn"
	EventClaimQueued       = "claim_queued"
	EventWatcherState      = "watcher_state"
)

type Event struct {
	TsMs  int64  `json:"ts_ms"`
	Event string `json:"event"`

	Signature string `json:"signature,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`

	Account string `json:"account,omitempty"`
	Source  string `json:"source,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"` // triggering transfer

	Amount string `json:"amount,omitempty"`
	Total  string `json:"total,omitempty"`

	State   string `json:"state,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	Ok  bool   `json:"ok"`
	Err string `json:"err,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Write(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder stamps and writes events. A write failure is logged and counted
// but never returned; the audit trail must not block reconciliation.
type Recorder struct {
	sink Sink
	log  *logger.Logger
	now  func() time.Time
}

func NewRecorder(sink Sink, log *logger.Logger) *Recorder {
	if sink == nil {
		sink = Nop{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Recorder{sink: sink, log: log.Named("audit"), now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	if ev.TsMs == 0 {
		ev.TsMs = r.now().UnixMilli()
	}
	if err := r.sink.Write(ctx, ev); err != nil {
		metrics.AuditPublishErrorsTotal.WithLabelValues(ev.Event).Inc()
		r.log.Warn("audit write failed", zap.String("event", ev.Event), zap.String("signature", ev.Signature), zap.Error(err))
	}
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.sink.Close()
}
