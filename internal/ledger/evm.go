package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/config"
	"github.com/tfgems/crumbz/internal/logger"
)

const erc20ABIJSON = `[
  {"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"}],"name":"transfer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"mint","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"value","type":"uint256"}],"name":"burn","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const nativeTransferGas = 21000

var erc20ABI = mustParseABI(erc20ABIJSON)

// Backend is the RPC surface the EVM client needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

type Options struct {
	Token          common.Address
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Confirmations  uint64
	AirdropWei     *big.Int
	MinGasWei      *big.Int
	Subscriptions  bool
}

// signer serializes submissions per key so nonces are assigned in order.
type signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
	mu   sync.Mutex
}

// EVM implements Client against an ERC-20 token on an EVM chain.
type EVM struct {
	backend Backend
	chainID *big.Int
	opts    Options
	log     *logger.Logger

	custodial *signer
	faucet    *signer
	closer    func()
}

var _ Client = (*EVM)(nil)

// Dial connects to cfg.RPCURL and builds an EVM client from the ledger config.
func Dial(ctx context.Context, cfg config.LedgerConfig, log *logger.Logger) (*EVM, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("ledger rpc url required")
	}
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	custodialKey, err := parsePrivateKey(cfg.CustodialKey)
	if err != nil {
		return nil, fmt.Errorf("custodial key: %w", err)
	}
	var faucetKey *ecdsa.PrivateKey
	if strings.TrimSpace(cfg.FaucetKey) != "" {
		if faucetKey, err = parsePrivateKey(cfg.FaucetKey); err != nil {
			return nil, fmt.Errorf("faucet key: %w", err)
		}
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	e, err := New(ctx, client, custodialKey, faucetKey, opts, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	e.closer = client.Close
	return e, nil
}

// New builds an EVM client over an existing backend. faucetKey may be nil.
func New(ctx context.Context, backend Backend, custodialKey, faucetKey *ecdsa.PrivateKey, opts Options, log *logger.Logger) (*EVM, error) {
	if backend == nil {
		return nil, errors.New("ledger backend required")
	}
	if custodialKey == nil {
		return nil, errors.New("custodial key required")
	}
	if opts.Token == (common.Address{}) {
		return nil, fmt.Errorf("%w: token address required", ErrInvalidAddress)
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}

	chainCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	chainID, err := backend.ChainID(chainCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	e := &EVM{
		backend:   backend,
		chainID:   chainID,
		opts:      opts,
		log:       log.Named("ledger"),
		custodial: newSigner(custodialKey),
	}
	if faucetKey != nil {
		e.faucet = newSigner(faucetKey)
	}
	return e, nil
}

func (e *EVM) Close() {
	if e.closer != nil {
		e.closer()
	}
}

func (e *EVM) CustodialAddress() common.Address { return e.custodial.addr }

func (e *EVM) TokenAddress() common.Address { return e.opts.Token }

func (e *EVM) ChainID() *big.Int { return new(big.Int).Set(e.chainID) }

func (e *EVM) TokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	vals, err := e.callABI(ctx, e.opts.Token, "balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("balanceOf(%s): %w", account.Hex(), err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("balanceOf: unexpected result len %d", len(vals))
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected type %T", vals[0])
	}
	return bal, nil
}

func (e *EVM) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := e.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance(%s): %w", account.Hex(), err)
	}
	return bal, nil
}

// Burn destroys amount from the custodial account.
func (e *EVM) Burn(ctx context.Context, amount *big.Int) (common.Hash, error) {
	return e.transact(ctx, e.custodial, "burn", amount)
}

// Mint creates amount for to. The custodial key must hold the minter role.
func (e *EVM) Mint(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	return e.transact(ctx, e.custodial, "mint", to, amount)
}

// Transfer moves amount from the custodial account to to.
func (e *EVM) Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	return e.transact(ctx, e.custodial, "transfer", to, amount)
}

// Airdrop sends the configured native amount from the faucet key to to.
func (e *EVM) Airdrop(ctx context.Context, to common.Address) (common.Hash, error) {
	if e.faucet == nil || e.opts.AirdropWei == nil || e.opts.AirdropWei.Sign() <= 0 {
		return common.Hash{}, ErrAirdropUnavailable
	}

	e.faucet.mu.Lock()
	defer e.faucet.mu.Unlock()

	opts, err := e.transactOpts(ctx, e.faucet)
	if err != nil {
		return common.Hash{}, err
	}
	opts.Value = new(big.Int).Set(e.opts.AirdropWei)
	opts.GasLimit = nativeTransferGas

	contract := bind.NewBoundContract(to, abi.ABI{}, e.backend, e.backend, e.backend)
	tx, err := contract.Transfer(opts)
	if err != nil {
		return common.Hash{}, fmt.Errorf("airdrop to %s: %w", to.Hex(), err)
	}
	e.log.Info("airdrop sent", zap.String("to", to.Hex()), zap.String("tx", tx.Hash().Hex()))
	return tx.Hash(), nil
}

func (e *EVM) transact(ctx context.Context, s *signer, method string, args ...interface{}) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := e.ensureGas(ctx, s.addr); err != nil {
		return common.Hash{}, err
	}
	opts, err := e.transactOpts(ctx, s)
	if err != nil {
		return common.Hash{}, err
	}

	contract := bind.NewBoundContract(e.opts.Token, erc20ABI, e.backend, e.backend, e.backend)
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", method, err)
	}
	e.log.Debug("transaction sent", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))
	return tx.Hash(), nil
}

func (e *EVM) transactOpts(ctx context.Context, s *signer) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, e.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

func (e *EVM) ensureGas(ctx context.Context, addr common.Address) error {
	if e.opts.MinGasWei == nil || e.opts.MinGasWei.Sign() <= 0 {
		return nil
	}
	bal, err := e.NativeBalance(ctx, addr)
	if err != nil {
		return err
	}
	if bal.Cmp(e.opts.MinGasWei) < 0 {
		return fmt.Errorf("%w: %s has %s wei, need %s", ErrInsufficientGas, addr.Hex(), bal.String(), e.opts.MinGasWei.String())
	}
	return nil
}

// WaitConfirmed polls for sig's receipt until it has enough confirmations or
// ConfirmTimeout elapses. A reverted transaction returns ErrTransactionFailed
// alongside its Confirmation.
func (e *EVM) WaitConfirmed(ctx context.Context, sig common.Hash) (Confirmation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		conf, done, err := e.poll(waitCtx, sig)
		if err != nil && waitCtx.Err() == nil {
			// RPC hiccups are retried until the deadline.
			lastErr = err
			e.log.Warn("receipt poll failed", zap.String("tx", sig.Hex()), zap.Error(err))
		}
		if done {
			if conf.Status == StatusFailed {
				return conf, fmt.Errorf("%w: %s", ErrTransactionFailed, sig.Hex())
			}
			return conf, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Confirmation{}, ctx.Err()
			}
			if lastErr != nil {
				return Confirmation{}, fmt.Errorf("%w: %s after %s (last error: %v)", ErrConfirmationTimeout, sig.Hex(), e.opts.ConfirmTimeout, lastErr)
			}
			return Confirmation{}, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, sig.Hex(), e.opts.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

// poll reports whether sig is final. Not-yet-mined is (_, false, nil).
func (e *EVM) poll(ctx context.Context, sig common.Hash) (Confirmation, bool, error) {
	receipt, err := e.backend.TransactionReceipt(ctx, sig)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Confirmation{}, false, nil
		}
		return Confirmation{}, false, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return Confirmation{}, false, nil
	}
	conf := ConfirmationFromReceipt(receipt)
	conf.Burned = BurnedFromReceipt(receipt, e.opts.Token, e.custodial.addr)
	if conf.Signature == (common.Hash{}) {
		conf.Signature = sig
	}
	if e.opts.Confirmations > 1 && conf.Status == StatusConfirmed {
		enough, err := e.hasConfirmations(ctx, receipt)
		if err != nil || !enough {
			return Confirmation{}, false, err
		}
	}
	return conf, true, nil
}

func (e *EVM) hasConfirmations(ctx context.Context, receipt *types.Receipt) (bool, error) {
	header, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, errors.New("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Cmp(new(big.Int).SetUint64(e.opts.Confirmations)) >= 0, nil
}

// TransactionStatus is a one-shot status lookup.
func (e *EVM) TransactionStatus(ctx context.Context, sig common.Hash) (Confirmation, error) {
	conf, done, err := e.poll(ctx, sig)
	if err != nil {
		return Confirmation{}, err
	}
	if done {
		return conf, nil
	}
	_, _, err = e.backend.TransactionByHash(ctx, sig)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Confirmation{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, sig.Hex())
		}
		return Confirmation{}, fmt.Errorf("fetch transaction: %w", err)
	}
	return Confirmation{Signature: sig, Status: StatusPending}, nil
}

// SubscribeSignature watches sig in the background and sends one Confirmation
// on ch. The watch is bounded by ConfirmTimeout.
func (e *EVM) SubscribeSignature(ctx context.Context, sig common.Hash, ch chan<- Confirmation) (ethereum.Subscription, error) {
	if sig == (common.Hash{}) {
		return nil, ErrInvalidSignature
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-quit:
				cancel()
			case <-watchCtx.Done():
			}
		}()

		conf, err := e.WaitConfirmed(watchCtx, sig)
		if err != nil && !errors.Is(err, ErrTransactionFailed) {
			select {
			case <-quit:
				return nil
			default:
				return err
			}
		}
		select {
		case ch <- conf:
			return nil
		case <-quit:
			return nil
		}
	}), nil
}

// SubscribeAccount streams Transfer logs into account. Requires a websocket
// endpoint.
func (e *EVM) SubscribeAccount(ctx context.Context, account common.Address, ch chan<- AccountChange) (ethereum.Subscription, error) {
	if !e.opts.Subscriptions {
		return nil, fmt.Errorf("%w: log subscriptions need a ws:// rpc url", ErrNotSupported)
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{e.opts.Token},
		Topics: [][]common.Hash{
			{TransferTopic},
			nil,
			{AddressTopic(account)},
		},
	}
	logs := make(chan types.Log, 64)
	sub, err := e.backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe transfer logs: %w", err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case vLog := <-logs:
				change, err := DecodeTransferLog(vLog)
				if err != nil {
					e.log.Warn("skip undecodable transfer log", zap.String("tx", vLog.TxHash.Hex()), zap.Error(err))
					continue
				}
				change.ReceivedAt = time.Now()
				select {
				case ch <- *change:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (e *EVM) callABI(ctx context.Context, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	out, err := e.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("empty result")
	}
	return erc20ABI.Unpack(method, out)
}

func newSigner(key *ecdsa.PrivateKey) *signer {
	return &signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func parsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	pkHex := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if pkHex == "" {
		return nil, errors.New("private key empty")
	}
	pk, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return pk, nil
}

// AddressFromKey derives the account address controlled by a hex private key.
func AddressFromKey(raw string) (common.Address, error) {
	pk, err := parsePrivateKey(raw)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(pk.PublicKey), nil
}

func optionsFromConfig(cfg config.LedgerConfig) (Options, error) {
	token, err := ParseAddress(cfg.TokenAddress)
	if err != nil {
		return Options{}, fmt.Errorf("token address: %w", err)
	}
	airdrop, err := parseWei("airdrop_wei", cfg.AirdropWei)
	if err != nil {
		return Options{}, err
	}
	minGas, err := parseWei("min_gas_wei", cfg.MinGasWei)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Token:          token,
		ConfirmTimeout: cfg.ConfirmTimeout,
		PollInterval:   cfg.PollInterval,
		Confirmations:  cfg.Confirmations,
		AirdropWei:     airdrop,
		MinGasWei:      minGas,
		Subscriptions:  cfg.SubscriptionsSupported(),
	}, nil
}

func parseWei(name, raw string) (*big.Int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}
