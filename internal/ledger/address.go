package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress validates a hex account address. The zero address is rejected.
func ParseAddress(raw string) (common.Address, error) {
	s := strings.TrimSpace(raw)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return addr, nil
}

// ValidateAddress reports whether raw is usable as an account address.
func ValidateAddress(raw string) error {
	_, err := ParseAddress(raw)
	return err
}

// ParseSignature parses a 0x-prefixed 32 byte transaction hash.
func ParseSignature(raw string) (common.Hash, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Hash{}, fmt.Errorf("%w: missing 0x prefix: %q", ErrInvalidSignature, raw)
	}
	hexStr := s[2:]
	if len(hexStr) != 64 {
		return common.Hash{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(hexStr))
	}
	if _, err := hex.DecodeString(hexStr); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return common.HexToHash(s), nil
}

// AddressTopic left-pads addr into an indexed log topic.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// ParseAddressList parses comma, semicolon or whitespace separated addresses.
// Duplicates are dropped; the first occurrence keeps its position. An empty
// input yields (nil, nil).
func ParseAddressList(raw string) ([]common.Address, error) {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		default:
			return false
		}
	})
	if len(parts) == 0 {
		return nil, nil
	}

	out := make([]common.Address, 0, len(parts))
	seen := make(map[common.Address]struct{}, len(parts))
	for _, part := range parts {
		addr, err := ParseAddress(part)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}
