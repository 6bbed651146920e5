// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/tfgems/crumbz/internal/ledger"
)

type txKind string

const (
	kindBurn     txKind = "burn"
	kindMint     txKind = "mint"
	kindTransfer txKind = "transfer"
	kindAirdrop  txKind = "airdrop"
)

type tx struct {
	kind   txKind
	to     common.Address
	amount *big.Int
	revert bool
	conf   ledger.Confirmation
}

type sigWatch struct {
	done chan ledger.Confirmation
	fail chan error
}

type accountWatch struct {
	account common.Address
	events  chan ledger.AccountChange
	fail    chan error
}

// Fake is a single-token ledger held in memory. Transactions stay pending until
// WaitConfirmed or Settle resolves them.
type Fake struct {
	mu sync.Mutex

	custodial common.Address
	token     common.Address
	balances  map[common.Address]*big.Int
	native    map[common.Address]*big.Int
	txs       map[common.Hash]*tx
	seq       uint64
	slot      uint64

	sigWatches     map[common.Hash][]*sigWatch
	accountWatches []*accountWatch

	// BurnErr is returned by Burn without submitting anything.
	BurnErr error
	// ConfirmErr is returned by WaitConfirmed and leaves the transaction pending.
	ConfirmErr error
	// RevertBurns makes every burn settle as failed.
	RevertBurns bool
	// SubscribeAccountErrs are returned by successive SubscribeAccount calls
	// before subscriptions start succeeding.
	SubscribeAccountErrs []error
	// SubscribeAccountErr, when set, fails every SubscribeAccount call.
	SubscribeAccountErr error
	// AirdropErr is returned by Airdrop.
	AirdropErr error

	BurnCalls             int
	SubscribeAccountCalls int
}

var _ ledger.Client = (*Fake)(nil)

func New(custodial, token common.Address) *Fake {
	return &Fake{
		custodial:  custodial,
		token:      token,
		balances:   map[common.Address]*big.Int{},
		native:     map[common.Address]*big.Int{},
		txs:        map[common.Hash]*tx{},
		sigWatches: map[common.Hash][]*sigWatch{},
		slot:       100,
	}
}

func (f *Fake) CustodialAddress() common.Address { return f.custodial }

func (f *Fake) TokenAddress() common.Address { return f.token }

// SetBalance overwrites the token balance of account.
func (f *Fake) SetBalance(account common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = new(big.Int).Set(amount)
}

func (f *Fake) SetNativeBalance(account common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.native[account] = new(big.Int).Set(amount)
}

func (f *Fake) TokenBalance(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceLocked(account), nil
}

func (f *Fake) NativeBalance(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.native[account]; b != nil {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *Fake) balanceLocked(account common.Address) *big.Int {
	if b := f.balances[account]; b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (f *Fake) Burn(_ context.Context, amount *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BurnCalls++
	if f.BurnErr != nil {
		return common.Hash{}, f.BurnErr
	}
	return f.submitLocked(&tx{kind: kindBurn, amount: new(big.Int).Set(amount), revert: f.RevertBurns}), nil
}

func (f *Fake) Mint(_ context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitLocked(&tx{kind: kindMint, to: to, amount: new(big.Int).Set(amount)}), nil
}

func (f *Fake) Transfer(_ context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceLocked(f.custodial).Cmp(amount) < 0 {
		return common.Hash{}, errors.New("transfer amount exceeds balance")
	}
	return f.submitLocked(&tx{kind: kindTransfer, to: to, amount: new(big.Int).Set(amount)}), nil
}

func (f *Fake) Airdrop(_ context.Context, to common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AirdropErr != nil {
		return common.Hash{}, f.AirdropErr
	}
	return f.submitLocked(&tx{kind: kindAirdrop, to: to, amount: big.NewInt(1_000_000_000)}), nil
}

func (f *Fake) submitLocked(t *tx) common.Hash {
	f.seq++
	var b [32]byte
	copy(b[:4], []byte("fake"))
	binary.BigEndian.PutUint64(b[24:], f.seq)
	sig := common.BytesToHash(b[:])
	t.conf = ledger.Confirmation{Signature: sig, Status: ledger.StatusPending}
	f.txs[sig] = t
	return sig
}

// Settle resolves a pending transaction and notifies signature watchers.
func (f *Fake) Settle(sig common.Hash) (ledger.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settleLocked(sig)
}

func (f *Fake) settleLocked(sig common.Hash) (ledger.Confirmation, error) {
	t := f.txs[sig]
	if t == nil {
		return ledger.Confirmation{}, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, sig.Hex())
	}
	if t.conf.Status != ledger.StatusPending {
		return t.conf, nil
	}

	f.slot++
	t.conf.Slot = f.slot
	t.conf.Status = ledger.StatusConfirmed
	t.conf.Burned = new(big.Int)
	if t.revert || !f.applyLocked(t) {
		t.conf.Status = ledger.StatusFailed
	} else if t.kind == kindBurn {
		t.conf.Burned.Set(t.amount)
	}
	for _, w := range f.sigWatches[sig] {
		select {
		case w.done <- t.conf:
		default:
		}
	}
	return t.conf, nil
}

func (f *Fake) applyLocked(t *tx) bool {
	switch t.kind {
	case kindBurn:
		bal := f.balanceLocked(f.custodial)
		if bal.Cmp(t.amount) < 0 {
			return false
		}
		f.balances[f.custodial] = bal.Sub(bal, t.amount)
	case kindMint:
		bal := f.balanceLocked(t.to)
		f.balances[t.to] = bal.Add(bal, t.amount)
	case kindTransfer:
		src := f.balanceLocked(f.custodial)
		if src.Cmp(t.amount) < 0 {
			return false
		}
		f.balances[f.custodial] = src.Sub(src, t.amount)
		dst := f.balanceLocked(t.to)
		f.balances[t.to] = dst.Add(dst, t.amount)
	case kindAirdrop:
		cur := new(big.Int)
		if b := f.native[t.to]; b != nil {
			cur.Set(b)
		}
		f.native[t.to] = cur.Add(cur, t.amount)
	}
	return true
}

func (f *Fake) WaitConfirmed(ctx context.Context, sig common.Hash) (ledger.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Confirmation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfirmErr != nil {
		return ledger.Confirmation{}, f.ConfirmErr
	}
	conf, err := f.settleLocked(sig)
	if err != nil {
		return ledger.Confirmation{}, err
	}
	if conf.Status == ledger.StatusFailed {
		return conf, fmt.Errorf("%w: %s", ledger.ErrTransactionFailed, sig.Hex())
	}
	return conf, nil
}

func (f *Fake) TransactionStatus(_ context.Context, sig common.Hash) (ledger.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.txs[sig]
	if t == nil {
		return ledger.Confirmation{}, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, sig.Hex())
	}
	return t.conf, nil
}

func (f *Fake) SubscribeSignature(ctx context.Context, sig common.Hash, ch chan<- ledger.Confirmation) (ethereum.Subscription, error) {
	w := &sigWatch{done: make(chan ledger.Confirmation, 1), fail: make(chan error, 1)}

	f.mu.Lock()
	f.sigWatches[sig] = append(f.sigWatches[sig], w)
	if t := f.txs[sig]; t != nil && t.conf.Status != ledger.StatusPending {
		w.done <- t.conf
	}
	f.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer f.removeSigWatch(sig, w)
		select {
		case conf := <-w.done:
			select {
			case ch <- conf:
				return nil
			case <-quit:
				return nil
			}
		case err := <-w.fail:
			return err
		case <-quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}), nil
}

func (f *Fake) removeSigWatch(sig common.Hash, w *sigWatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	watches := f.sigWatches[sig]
	for i, cur := range watches {
		if cur == w {
			watches = append(watches[:i], watches[i+1:]...)
			break
		}
	}
	if len(watches) == 0 {
		delete(f.sigWatches, sig)
		return
	}
	f.sigWatches[sig] = watches
}

// FailSignatureWatches ends every watch on sig with err.
func (f *Fake) FailSignatureWatches(sig common.Hash, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.sigWatches[sig] {
		select {
		case w.fail <- err:
		default:
		}
	}
}

// SignatureWatches reports how many live watches exist for sig.
func (f *Fake) SignatureWatches(sig common.Hash) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sigWatches[sig])
}

// WaitSignatureWatches blocks until sig has n live watches or the timeout
// passes.
func (f *Fake) WaitSignatureWatches(sig common.Hash, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.SignatureWatches(sig) == n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return f.SignatureWatches(sig) == n
}

func (f *Fake) SubscribeAccount(ctx context.Context, account common.Address, ch chan<- ledger.AccountChange) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.SubscribeAccountCalls++
	if f.SubscribeAccountErr != nil {
		err := f.SubscribeAccountErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.SubscribeAccountErrs) > 0 {
		err := f.SubscribeAccountErrs[0]
		f.SubscribeAccountErrs = f.SubscribeAccountErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	w := &accountWatch{
		account: account,
		events:  make(chan ledger.AccountChange, 64),
		fail:    make(chan error, 1),
	}
	f.accountWatches = append(f.accountWatches, w)
	f.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer f.removeAccountWatch(w)
		for {
			select {
			case change := <-w.events:
				select {
				case ch <- change:
				case <-quit:
					return nil
				}
			case err := <-w.fail:
				return err
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}), nil
}

func (f *Fake) removeAccountWatch(w *accountWatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.accountWatches {
		if cur == w {
			f.accountWatches = append(f.accountWatches[:i], f.accountWatches[i+1:]...)
			return
		}
	}
}

// Deposit credits amount to `to` and notifies account watchers, as a mined
// token transfer would.
func (f *Fake) Deposit(from, to common.Address, amount *big.Int) common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balanceLocked(to)
	f.balances[to] = bal.Add(bal, amount)
	f.slot++
	sig := f.submitLocked(&tx{kind: kindMint, to: to, amount: new(big.Int).Set(amount)})
	t := f.txs[sig]
	t.conf.Status = ledger.StatusConfirmed
	t.conf.Slot = f.slot

	change := ledger.AccountChange{
		Account:    to,
		From:       from,
		Amount:     new(big.Int).Set(amount),
		TxHash:     sig,
		Block:      f.slot,
		ReceivedAt: time.Now(),
	}
	for _, w := range f.accountWatches {
		if w.account != to {
			continue
		}
		select {
		case w.events <- change:
		default:
		}
	}
	return sig
}

// EmitAccountChange delivers change to watchers of change.Account without
// touching balances.
func (f *Fake) EmitAccountChange(change ledger.AccountChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.accountWatches {
		if w.account != change.Account {
			continue
		}
		select {
		case w.events <- change:
		default:
		}
	}
}

// DropAccountSubscriptions ends every account subscription with err.
func (f *Fake) DropAccountSubscriptions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.accountWatches {
		select {
		case w.fail <- err:
		default:
		}
	}
}

func (f *Fake) AccountSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accountWatches)
}
