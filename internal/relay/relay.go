// Package relay pushes ledger confirmations for client-chosen transaction
// signatures to connected sessions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/logger"
	"github.com/tfgems/crumbz/internal/metrics"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidMessage   = errors.New("invalid message")
)

const (
	TypeSubscribe         = "subscribe"
	TypeTransactionUpdate = "transaction_update"
	TypeError             = "error"
)

const defaultOutBuffer = 64

// Message is what the relay sends to a session.
type Message struct {
	Type      string `json:"type"`
	Signature string `json:"signature,omitempty"`
	Status    string `json:"status,omitempty"`
	Slot      uint64 `json:"slot,omitempty"`
	Message   string `json:"message,omitempty"`
}

type request struct {
	Type      string `json:"type"`
	Signature string `json:"signature"`
}

func errorMessage(format string, args ...any) Message {
	return Message{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

type Relay struct {
	ledger    ledger.SignatureSubscriber
	log       *logger.Logger
	outBuffer int

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(l ledger.SignatureSubscriber, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.NewNop()
	}
	return &Relay{
		ledger:    l,
		log:       log.Named("relay"),
		outBuffer: defaultOutBuffer,
		sessions:  make(map[string]*Session),
	}
}

// Open starts a session. The caller must Close it.
func (r *Relay) Open() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		relay:   r,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan Message, r.outBuffer),
		done:    make(chan struct{}),
		watches: make(map[common.Hash]ethereum.Subscription),
	}
	s.log = r.log.With(zap.String("session", s.id))

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	metrics.RelaySessions.Inc()
	s.log.Debug("session opened")
	return s
}

// Sessions reports the number of open sessions.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every open session.
func (r *Relay) Close() {
	r.mu.Lock()
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
}

func (r *Relay) forget(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Session is one client connection and the signature watches it owns.
type Session struct {
	id     string
	relay  *Relay
	log    *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
	out    chan Message
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	watches map[common.Hash]ethereum.Subscription
}

func (s *Session) ID() string { return s.id }

// Messages yields outbound messages. Select on Done as well; the channel is
// never closed.
func (s *Session) Messages() <-chan Message { return s.out }

func (s *Session) Done() <-chan struct{} { return s.done }

// Watching reports how many signatures the session currently watches.
func (s *Session) Watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Handle processes one inbound frame.
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.send(errorMessage("invalid message format"))
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch req.Type {
	case TypeSubscribe:
		return s.Subscribe(ctx, req.Signature)
	default:
		s.send(errorMessage("unsupported message type %q", req.Type))
		return fmt.Errorf("%w: type %q", ErrInvalidMessage, req.Type)
	}
}

// Subscribe watches signature until the ledger reports on it or the session
// closes. A signature already watched by this session is ignored.
func (s *Session) Subscribe(_ context.Context, signature string) error {
	sig, err := ledger.ParseSignature(signature)
	if err != nil {
		s.send(errorMessage("invalid signature %q", signature))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionClosed
	}
	if _, ok := s.watches[sig]; ok {
		return nil
	}

	ch := make(chan ledger.Confirmation, 1)
	sub, err := s.relay.ledger.SubscribeSignature(s.ctx, sig, ch)
	if err != nil {
		s.log.Warn("signature subscription failed", zap.String("signature", sig.Hex()), zap.Error(err))
		s.sendLocked(errorMessage("failed to subscribe to %s: %v", sig.Hex(), err))
		return fmt.Errorf("subscribe %s: %w", sig.Hex(), err)
	}
	s.watches[sig] = sub
	metrics.RelaySubscriptions.Inc()
	s.log.Debug("watching signature", zap.String("signature", sig.Hex()))

	s.wg.Add(1)
	go s.watch(sig, sub, ch)
	return nil
}

func (s *Session) watch(sig common.Hash, sub ethereum.Subscription, ch <-chan ledger.Confirmation) {
	defer s.wg.Done()
	defer s.release(sig, sub)

	select {
	case conf := <-ch:
		s.send(updateMessage(conf))
	case err := <-sub.Err():
		if err == nil {
			// The producer finished; its confirmation, if any, is already buffered.
			select {
			case conf := <-ch:
				s.send(updateMessage(conf))
			default:
			}
			return
		}
		s.log.Warn("signature watch failed", zap.String("signature", sig.Hex()), zap.Error(err))
		s.send(errorMessage("watch for %s failed: %v", sig.Hex(), err))
	case <-s.done:
	}
}

func updateMessage(conf ledger.Confirmation) Message {
	return Message{
		Type:      TypeTransactionUpdate,
		Signature: conf.Signature.Hex(),
		Status:    string(conf.Status),
		Slot:      conf.Slot,
	}
}

func (s *Session) release(sig common.Hash, sub ethereum.Subscription) {
	sub.Unsubscribe()
	s.mu.Lock()
	if _, ok := s.watches[sig]; ok {
		delete(s.watches, sig)
		metrics.RelaySubscriptions.Dec()
	}
	s.mu.Unlock()
}

func (s *Session) send(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(m)
}

func (s *Session) sendLocked(m Message) bool {
	if s.closed {
		return false
	}
	select {
	case s.out <- m:
		metrics.RelayMessagesTotal.WithLabelValues(m.Type).Inc()
		return true
	default:
		s.log.Warn("outbound buffer full, dropping message", zap.String("type", m.Type), zap.String("signature", m.Signature))
		return false
	}
}

// Close releases every watch. Nothing is delivered afterwards, including
// messages still buffered.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
	drain:
		for {
			select {
			case <-s.out:
			default:
				break drain
			}
		}
		s.mu.Unlock()

		s.cancel()
		close(s.done)
		s.wg.Wait()

		s.relay.forget(s.id)
		metrics.RelaySessions.Dec()
		s.log.Debug("session closed")
	})
}
