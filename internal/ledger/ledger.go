// Package ledger is the boundary to the token ledger. Everything above it works
// with the interfaces declared here; EVM is the production implementation and
// ledgertest.Fake the in-memory one.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidSignature    = errors.New("invalid transaction signature")
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	ErrTransactionFailed   = errors.New("transaction failed on ledger")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientGas     = errors.New("insufficient native balance for fees")
	ErrAirdropUnavailable  = errors.New("airdrop faucet not configured")
	ErrNotSupported        = errors.New("operation not supported by this endpoint")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Confirmation is the ledger's verdict on a submitted transaction. Slot is the
// block the transaction was included in. Burned is the token amount the
// custodial account destroyed in that transaction, read from its receipt; it
// is nil until the transaction is final.
type Confirmation struct {
	Signature common.Hash
	Status    Status
	Slot      uint64
	Burned    *big.Int
}

// AccountChange is one token movement into a watched account.
type AccountChange struct {
	Account common.Address
	From    common.Address
	Amount  *big.Int
	TxHash  common.Hash
	Block   uint64
	LogIdx  uint
	Removed bool

	ReceivedAt time.Time
}

type BalanceReader interface {
	TokenBalance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Burner submits burns from the custodial account and waits for them.
type Burner interface {
	CustodialAddress() common.Address
	Burn(ctx context.Context, amount *big.Int) (common.Hash, error)
	WaitConfirmed(ctx context.Context, sig common.Hash) (Confirmation, error)
}

// AccountSubscriber streams token movements into account. The subscription's
// Err channel reports a dropped stream.
type AccountSubscriber interface {
	SubscribeAccount(ctx context.Context, account common.Address, ch chan<- AccountChange) (ethereum.Subscription, error)
}

// SignatureSubscriber delivers exactly one Confirmation for sig, then ends. A
// watch that cannot complete reports through Err.
type SignatureSubscriber interface {
	SubscribeSignature(ctx context.Context, sig common.Hash, ch chan<- Confirmation) (ethereum.Subscription, error)
}

// Client is the full facade used by the HTTP API.
type Client interface {
	BalanceReader
	Burner
	AccountSubscriber
	SignatureSubscriber

	TokenAddress() common.Address
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	Mint(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	Airdrop(ctx context.Context, to common.Address) (common.Hash, error)
	TransactionStatus(ctx context.Context, sig common.Hash) (Confirmation, error)
}
