package api

import (
	"bytes"
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfgems/crumbz/internal/credit"
	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/ledger/ledgertest"
	"github.com/tfgems/crumbz/internal/reconcile"
)

var (
	custodial = common.HexToAddress("0x1111111111111111111111111111111111111111")
	token     = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	player    = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type testEnv struct {
	fake   *ledgertest.Fake
	store  *credit.Store
	server *Server
}

func newEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	fake := ledgertest.New(custodial, token)
	store := credit.NewStore(credit.NewFileBackend(filepath.Join(t.TempDir(), "records")), nil)
	cfg := Config{
		Ledger:               fake,
		Burner:               reconcile.New(fake, store, nil, nil),
		Claims:               credit.NewClaimQueue(store, ledger.ValidateAddress, nil),
		Records:              store,
		Decimals:             6,
		Symbol:               "CRUMBZ",
		AirdropRatePerMinute: 1,
		AirdropBurst:         1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testEnv{fake: fake, store: store, server: New(cfg)}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestBurnEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	env.fake.SetBalance(custodial, big.NewInt(10_000_000))

	code, body := env.do(t, http.MethodPost, "/api/burn", `{"amount":"2.5"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "10", body["previousBalance"])
	assert.Equal(t, "7.5", body["newBalance"])
	assert.NotEmpty(t, body["signature"])

	code, body = env.do(t, http.MethodPost, "/api/burn", `{"amount":1}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "6.5", body["newBalance"])
}

func TestBurnEndpointErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*ledgertest.Fake)
		body   string
		status int
	}{
		{name: "insufficient balance", body: `{"amount":"100"}`, status: http.StatusBadRequest},
		{name: "malformed json", body: `{"amount":`, status: http.StatusBadRequest},
		{name: "negative", body: `{"amount":"-1"}`, status: http.StatusBadRequest},
		{name: "zero", body: `{"amount":"0"}`, status: http.StatusBadRequest},
		{name: "too precise", body: `{"amount":"0.0000001"}`, status: http.StatusBadRequest},
		{name: "missing", body: `{}`, status: http.StatusBadRequest},
		{
			name:   "confirmation timeout",
			setup:  func(f *ledgertest.Fake) { f.ConfirmErr = ledger.ErrConfirmationTimeout },
			body:   `{"amount":"1"}`,
			status: http.StatusGatewayTimeout,
		},
		{
			name:   "reverted",
			setup:  func(f *ledgertest.Fake) { f.RevertBurns = true },
			body:   `{"amount":"1"}`,
			status: http.StatusInternalServerError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, nil)
			env.fake.SetBalance(custodial, big.NewInt(5_000_000))
			if tc.setup != nil {
				tc.setup(env.fake)
			}
			code, body := env.do(t, http.MethodPost, "/api/burn", tc.body)
			assert.Equal(t, tc.status, code)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestMintEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	code, body := env.do(t, http.MethodPost, "/api/mint", `{"amount":"12.000001"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "12.000001", body["newBalance"])
	assert.Equal(t, "Tokens minted successfully", body["message"])
}

func TestTransferEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	env.fake.SetBalance(custodial, big.NewInt(10_000_000))

	code, body := env.do(t, http.MethodPost, "/api/transfer", `{"address":"`+player.Hex()+`","amount":"4"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "10", body["previousSourceBalance"])
	assert.Equal(t, "6", body["newSourceBalance"])

	bal, err := env.fake.TokenBalance(context.Background(), player)
	require.NoError(t, err)
	assert.Equal(t, "4000000", bal.String())

	code, body = env.do(t, http.MethodPost, "/api/transfer", `{"address":"`+player.Hex()+`","amount":"7"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "insufficient balance")

	code, _ = env.do(t, http.MethodPost, "/api/transfer", `{"address":"not-an-address","amount":"1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestClaimEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	lower := strings.ToLower(player.Hex())

	code, body := env.do(t, http.MethodPost, "/api/claim", `{"userAddress":"`+lower+`","amount":"10"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	code, _ = env.do(t, http.MethodPost, "/api/claim", `{"userAddress":"`+player.Hex()+`","amount":5}`)
	require.Equal(t, http.StatusOK, code)

	claims, err := credit.NewClaimQueue(env.store, nil, nil).Pending(context.Background(), player.Hex())
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, "10000000", claims[0].Amount.String())
	assert.Equal(t, "5000000", claims[1].Amount.String())

	code, body = env.do(t, http.MethodPost, "/api/claim", `{"userAddress":"0x123","amount":"1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])
	code, _ = env.do(t, http.MethodPost, "/api/claim", `{"userAddress":"`+player.Hex()+`","amount":"0"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUserEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	_, err := env.store.AddCredit(context.Background(), player.Hex(), big.NewInt(7_500_000))
	require.NoError(t, err)

	code, body := env.do(t, http.MethodGet, "/api/users/"+strings.ToLower(player.Hex()), "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, player.Hex(), body["address"])
	assert.Equal(t, "7500000", body["inGameTokens"])
	assert.Equal(t, "7.5", body["inGameBalance"])
	assert.Equal(t, []any{}, body["pendingClaims"])

	code, _ = env.do(t, http.MethodGet, "/api/users/nope", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAirdropEndpointIsRateLimited(t *testing.T) {
	env := newEnv(t, nil)
	body := `{"address":"` + player.Hex() + `"}`

	code, resp := env.do(t, http.MethodPost, "/api/airdrop", body)
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, true, resp["success"])
	assert.NotEmpty(t, resp["signature"])

	code, resp = env.do(t, http.MethodPost, "/api/airdrop", body)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, false, resp["success"])
}

func TestAirdropUnavailable(t *testing.T) {
	env := newEnv(t, nil)
	env.fake.AirdropErr = ledger.ErrAirdropUnavailable
	code, resp := env.do(t, http.MethodPost, "/api/airdrop", `{"address":"`+player.Hex()+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, resp["error"], "faucet")
}

func TestBalanceEndpoints(t *testing.T) {
	env := newEnv(t, nil)
	env.fake.SetBalance(custodial, big.NewInt(1_250_000))
	env.fake.SetNativeBalance(custodial, new(big.Int).Mul(big.NewInt(15), big.NewInt(1e17)))

	code, body := env.do(t, http.MethodGet, "/api/balance", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1.5", body["balance"])
	assert.Equal(t, custodial.Hex(), body["address"])

	code, body = env.do(t, http.MethodGet, "/api/token-balance", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1.25", body["balance"])
	assert.Equal(t, token.Hex(), body["token"])
}

func TestTransactionStatusEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	sig, err := env.fake.Mint(context.Background(), player, big.NewInt(1))
	require.NoError(t, err)

	code, body := env.do(t, http.MethodGet, "/api/transaction-status?signature="+sig.Hex(), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["status"])

	conf, err := env.fake.Settle(sig)
	require.NoError(t, err)
	code, body = env.do(t, http.MethodGet, "/api/transaction-status?signature="+sig.Hex(), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "confirmed", body["status"])
	assert.EqualValues(t, conf.Slot, body["slot"])

	unknown := common.HexToHash("0xdeadbeef")
	code, _ = env.do(t, http.MethodGet, "/api/transaction-status?signature="+unknown.Hex(), "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodGet, "/api/transaction-status?signature=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthAndMetrics(t *testing.T) {
	state := "subscribed"
	env := newEnv(t, func(c *Config) { c.WatcherState = func() string { return state } })

	code, body := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "subscribed", body["watcher"])

	state = "failed"
	code, body = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>crumbz</h1>"), 0o644))
	env := newEnv(t, func(c *Config) { c.StaticDir = dir })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crumbz")
}

func TestWSMounted(t *testing.T) {
	called := false
	env := newEnv(t, func(c *Config) {
		c.WS = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		})
	})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
