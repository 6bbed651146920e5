package reconcile

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfgems/crumbz/internal/audit"
	"github.com/tfgems/crumbz/internal/credit"
	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/ledger/ledgertest"
)

var (
	custodial = common.HexToAddress("0x1111111111111111111111111111111111111111")
	token     = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	userU1    = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type harness struct {
	fake      *ledgertest.Fake
	store     *credit.Store
	rec       *Reconciler
	auditPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	fake := ledgertest.New(custodial, token)
	store := credit.NewStore(credit.NewFileBackend(filepath.Join(dir, "records")), nil)
	auditPath := filepath.Join(dir, "audit.jsonl")
	recorder := audit.NewRecorder(audit.NewJSONLSink(auditPath), nil)
	t.Cleanup(func() { _ = recorder.Close() })
	return &harness{
		fake:      fake,
		store:     store,
		rec:       New(fake, store, recorder, nil),
		auditPath: auditPath,
	}
}

func (h *harness) credit(t *testing.T, addr common.Address) *big.Int {
	t.Helper()
	rec, err := h.store.Load(context.Background(), addr.Hex())
	require.NoError(t, err)
	return rec.InGameTokens
}

func burnEvent(amount int64) BurnEvent {
	return BurnEvent{TokenAccount: custodial, RawAmount: big.NewInt(amount), Source: userU1}
}

func TestReconcileScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fake.SetBalance(custodial, big.NewInt(5_000_000))
	res, err := h.rec.Reconcile(ctx, burnEvent(5_000_000))
	require.NoError(t, err)
	assert.Equal(t, "5000000", res.Total.String())
	assert.NotEqual(t, common.Hash{}, res.Signature)
	assert.NotZero(t, res.Slot)

	h.fake.SetBalance(custodial, big.NewInt(2_500_000))
	res, err = h.rec.Reconcile(ctx, burnEvent(2_500_000))
	require.NoError(t, err)
	assert.Equal(t, "7500000", res.Total.String())
	assert.Equal(t, "7500000", h.credit(t, userU1).String())

	bal, err := h.fake.TokenBalance(ctx, custodial)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Sign())

	raw, err := os.ReadFile(h.auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event":"burn_confirmed"`)
}

func TestReconcileFailedConfirmationCreditsNothing(t *testing.T) {
	cases := map[string]func(f *ledgertest.Fake){
		"timeout":  func(f *ledgertest.Fake) { f.ConfirmErr = ledger.ErrConfirmationTimeout },
		"reverted": func(f *ledgertest.Fake) { f.RevertBurns = true },
		"submit":   func(f *ledgertest.Fake) { f.BurnErr = errors.New("rpc down") },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.fake.SetBalance(custodial, big.NewInt(5_000_000))
			setup(h.fake)

			_, err := h.rec.Reconcile(context.Background(), burnEvent(5_000_000))
			require.Error(t, err)
			assert.Equal(t, 0, h.credit(t, userU1).Sign())
		})
	}
}

func TestReconcileTimeoutIsReported(t *testing.T) {
	h := newHarness(t)
	h.fake.SetBalance(custodial, big.NewInt(10))
	h.fake.ConfirmErr = ledger.ErrConfirmationTimeout

	_, err := h.rec.Reconcile(context.Background(), burnEvent(10))
	assert.ErrorIs(t, err, ledger.ErrConfirmationTimeout)
}

func TestReconcileInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.fake.SetBalance(custodial, big.NewInt(4))

	_, err := h.rec.Reconcile(context.Background(), burnEvent(5))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 0, h.fake.BurnCalls, "must not submit a burn that cannot succeed")
}

func TestReconcileRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.rec.Reconcile(context.Background(), burnEvent(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	ev := burnEvent(1)
	ev.TokenAccount = userU1
	_, err = h.rec.Reconcile(context.Background(), ev)
	assert.ErrorIs(t, err, ErrAccountMismatch)
}

type brokenCredits struct{}

func (brokenCredits) AddCredit(context.Context, string, *big.Int) (credit.UserRecord, error) {
	return credit.UserRecord{}, errors.New("disk full")
}

func TestReconcileCreditWriteFailure(t *testing.T) {
	dir := t.TempDir()
	fake := ledgertest.New(custodial, token)
	fake.SetBalance(custodial, big.NewInt(7))
	auditPath := filepath.Join(dir, "audit.jsonl")
	recorder := audit.NewRecorder(audit.NewJSONLSink(auditPath), nil)
	rec := New(fake, brokenCredits{}, recorder, nil)

	res, err := rec.Reconcile(context.Background(), burnEvent(7))
	require.ErrorIs(t, err, ErrCreditNotRecorded)
	assert.Contains(t, err.Error(), "disk full")
	assert.NotEqual(t, common.Hash{}, res.Signature)
	require.NoError(t, recorder.Close())

	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event":"credit_not_recorded"`)
	assert.Contains(t, string(raw), res.Signature.Hex())
}

func TestReconcileOverlappingNotifications(t *testing.T) {
	h := newHarness(t)
	h.fake.SetBalance(custodial, big.NewInt(100))

	// Two notifications race for the same 100 units; only one can burn them.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.rec.Reconcile(context.Background(), burnEvent(100))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, "100", h.credit(t, userU1).String())
}

func TestManualBurn(t *testing.T) {
	h := newHarness(t)
	h.fake.SetBalance(custodial, big.NewInt(10_000_000))

	res, err := h.rec.ManualBurn(context.Background(), big.NewInt(2_500_000))
	require.NoError(t, err)
	assert.Equal(t, "10000000", res.PreviousBalance.String())
	assert.Equal(t, "7500000", res.NewBalance.String())
	assert.Equal(t, 0, h.credit(t, userU1).Sign())

	_, err = h.rec.ManualBurn(context.Background(), big.NewInt(100_000_000))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = h.rec.ManualBurn(context.Background(), big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// slowLedger holds WaitConfirmed until release is closed or ctx ends.
type slowLedger struct {
	*ledgertest.Fake
	waiting chan struct{}
	release chan struct{}
}

func newSlowLedger(f *ledgertest.Fake) *slowLedger {
	return &slowLedger{Fake: f, waiting: make(chan struct{}), release: make(chan struct{})}
}

func (l *slowLedger) WaitConfirmed(ctx context.Context, sig common.Hash) (ledger.Confirmation, error) {
	close(l.waiting)
	select {
	case <-l.release:
	case <-ctx.Done():
		return ledger.Confirmation{}, ctx.Err()
	}
	return l.Fake.WaitConfirmed(ctx, sig)
}

func TestReconcileSettlesAfterCancel(t *testing.T) {
	h := newHarness(t)
	h.fake.SetBalance(custodial, big.NewInt(9))
	slow := newSlowLedger(h.fake)
	rec := New(slow, h.store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := rec.Reconcile(ctx, burnEvent(9))
		done <- outcome{res, err}
	}()

	<-slow.waiting
	cancel()
	close(slow.release)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, "9", out.res.Total.String())
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile did not return")
	}
	assert.Equal(t, "9", h.credit(t, userU1).String())
}

func TestReconcileSettleTimeout(t *testing.T) {
	h := newHarness(t)
	h.fake.SetBalance(custodial, big.NewInt(9))
	slow := newSlowLedger(h.fake)
	rec := New(slow, h.store, nil, nil, WithSettleTimeout(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := rec.Reconcile(ctx, burnEvent(9))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.credit(t, userU1).Sign())
}

func TestManualBurnSettlesAfterCancel(t *testing.T) {
	h := newHarness(t)
	h.fake.SetBalance(custodial, big.NewInt(30))
	slow := newSlowLedger(h.fake)
	rec := New(slow, h.store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := rec.ManualBurn(ctx, big.NewInt(10))
		done <- err
	}()

	<-slow.waiting
	cancel()
	close(slow.release)
	require.NoError(t, <-done)

	bal, err := h.fake.TokenBalance(context.Background(), custodial)
	require.NoError(t, err)
	assert.Equal(t, "20", bal.String())
}

// shortBurnLedger reports a confirmed burn smaller than the one submitted.
type shortBurnLedger struct {
	*ledgertest.Fake
	burned *big.Int
}

func (l shortBurnLedger) WaitConfirmed(ctx context.Context, sig common.Hash) (ledger.Confirmation, error) {
	conf, err := l.Fake.WaitConfirmed(ctx, sig)
	conf.Burned = l.burned
	return conf, err
}

func TestReconcileRequiresMatchingBurn(t *testing.T) {
	for name, burned := range map[string]*big.Int{"short": big.NewInt(3), "unreported": nil} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.fake.SetBalance(custodial, big.NewInt(5))
			rec := New(shortBurnLedger{Fake: h.fake, burned: burned}, h.store, nil, nil)

			_, err := rec.Reconcile(context.Background(), burnEvent(5))
			assert.ErrorIs(t, err, ErrBurnMismatch)
			assert.Equal(t, 0, h.credit(t, userU1).Sign())
		})
	}
}
