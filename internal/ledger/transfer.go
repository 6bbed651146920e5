package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// DecodeTransferLog turns an ERC-20 Transfer log into an AccountChange credited
// to the `to` address.
func DecodeTransferLog(vLog types.Log) (*AccountChange, error) {
	// topics:
	// 0: event sig
	// 1: from (address indexed)
	// 2: to (address indexed)
	if len(vLog.Topics) < 3 {
		return nil, fmt.Errorf("unexpected topics len=%d", len(vLog.Topics))
	}
	if vLog.Topics[0] != TransferTopic {
		return nil, fmt.Errorf("not a transfer log: topic0=%s", vLog.Topics[0].Hex())
	}
	if len(vLog.Data) < 32 {
		return nil, fmt.Errorf("unexpected data len=%d", len(vLog.Data))
	}

	return &AccountChange{
		Account: common.BytesToAddress(vLog.Topics[2].Bytes()),
		From:    common.BytesToAddress(vLog.Topics[1].Bytes()),
		Amount:  new(big.Int).SetBytes(vLog.Data[:32]),
		TxHash:  vLog.TxHash,
		Block:   vLog.BlockNumber,
		LogIdx:  vLog.Index,
		Removed: vLog.Removed,
	}, nil
}

// BurnedFromReceipt sums the token amount that left owner to the zero address
// in receipt. Burns emit Transfer(owner, 0x0, amount).
func BurnedFromReceipt(receipt *types.Receipt, token, owner common.Address) *big.Int {
	total := new(big.Int)
	if receipt == nil {
		return total
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != token || len(lg.Topics) < 3 || len(lg.Data) < 32 {
			continue
		}
		if lg.Topics[0] != TransferTopic {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if from != owner || to != (common.Address{}) {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data[:32]))
	}
	return total
}

// ConfirmationFromReceipt maps a mined receipt onto a Confirmation.
func ConfirmationFromReceipt(receipt *types.Receipt) Confirmation {
	c := Confirmation{Signature: receipt.TxHash, Status: StatusConfirmed}
	if receipt.BlockNumber != nil {
		c.Slot = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		c.Status = StatusFailed
	}
	return c
}
