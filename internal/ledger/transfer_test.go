package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	testToken     = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	testCustodial = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testUser      = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func transferLog(token, from, to common.Address, amount int64) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferTopic,
			AddressTopic(from),
			AddressTopic(to),
		},
		Data: big.NewInt(amount).FillBytes(make([]byte, 32)),
	}
}

func TestDecodeTransferLog(t *testing.T) {
	vLog := *transferLog(testToken, testUser, testCustodial, 2_500_000)
	vLog.TxHash = common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	vLog.BlockNumber = 123
	vLog.Index = 7
	vLog.Removed = true

	change, err := DecodeTransferLog(vLog)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if change.Account != testCustodial || change.From != testUser {
		t.Fatalf("address decode mismatch: account=%s from=%s", change.Account.Hex(), change.From.Hex())
	}
	if change.Amount.String() != "2500000" {
		t.Fatalf("amount decode mismatch: %s", change.Amount)
	}
	if change.Block != 123 || change.LogIdx != 7 || !change.Removed {
		t.Fatalf("cursor mismatch: block=%d idx=%d removed=%v", change.Block, change.LogIdx, change.Removed)
	}
	if change.TxHash != vLog.TxHash {
		t.Fatalf("tx hash mismatch: %s", change.TxHash.Hex())
	}
}

func TestDecodeTransferLogRejectsMalformed(t *testing.T) {
	short := *transferLog(testToken, testUser, testCustodial, 1)
	short.Topics = short.Topics[:2]
	if _, err := DecodeTransferLog(short); err == nil {
		t.Fatalf("expected error for short topics")
	}

	noData := *transferLog(testToken, testUser, testCustodial, 1)
	noData.Data = nil
	if _, err := DecodeTransferLog(noData); err == nil {
		t.Fatalf("expected error for missing data")
	}

	wrongTopic := *transferLog(testToken, testUser, testCustodial, 1)
	wrongTopic.Topics[0] = common.HexToHash("0x01")
	if _, err := DecodeTransferLog(wrongTopic); err == nil {
		t.Fatalf("expected error for non-transfer topic")
	}
}

func TestBurnedFromReceipt(t *testing.T) {
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	receipt := &types.Receipt{
		Logs: []*types.Log{
			transferLog(testToken, testCustodial, common.Address{}, 5_000_000),
			// Transfer to a user, not a burn.
			transferLog(testToken, testCustodial, testUser, 7),
			// Burn on a different token.
			transferLog(other, testCustodial, common.Address{}, 9),
			nil,
		},
	}

	got := BurnedFromReceipt(receipt, testToken, testCustodial)
	if got.String() != "5000000" {
		t.Fatalf("burned: got %s want 5000000", got)
	}
	if BurnedFromReceipt(nil, testToken, testCustodial).Sign() != 0 {
		t.Fatalf("nil receipt should burn nothing")
	}
}

func TestConfirmationFromReceipt(t *testing.T) {
	sig := common.HexToHash("0xbeef")
	ok := ConfirmationFromReceipt(&types.Receipt{TxHash: sig, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)})
	if ok.Status != StatusConfirmed || ok.Slot != 42 || ok.Signature != sig {
		t.Fatalf("unexpected confirmation: %+v", ok)
	}
	failed := ConfirmationFromReceipt(&types.Receipt{TxHash: sig, Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(43)})
	if failed.Status != StatusFailed || failed.Slot != 43 {
		t.Fatalf("unexpected confirmation: %+v", failed)
	}
}
