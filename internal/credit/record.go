package credit

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/goccy/go-json"
)

var (
	ErrStorageCorruption = errors.New("user record is corrupt")
	ErrInvalidKey        = errors.New("invalid storage key")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Claim is a pending request to pay out credit to an address.
type Claim struct {
	Address string
	Amount  *big.Int
}

// UserRecord is the per-user credit ledger.
type UserRecord struct {
	InGameTokens  *big.Int
	PendingClaims []Claim
}

// NewRecord returns the zero record a user starts with.
func NewRecord() UserRecord {
	return UserRecord{InGameTokens: new(big.Int), PendingClaims: []Claim{}}
}

// Clone returns a deep copy of r.
func (r UserRecord) Clone() UserRecord {
	out := UserRecord{InGameTokens: new(big.Int), PendingClaims: make([]Claim, 0, len(r.PendingClaims))}
	if r.InGameTokens != nil {
		out.InGameTokens.Set(r.InGameTokens)
	}
	for _, c := range r.PendingClaims {
		amt := new(big.Int)
		if c.Amount != nil {
			amt.Set(c.Amount)
		}
		out.PendingClaims = append(out.PendingClaims, Claim{Address: c.Address, Amount: amt})
	}
	return out
}

type recordJSON struct {
	InGameTokens  *string     `json:"inGameTokens"`
	PendingClaims []claimJSON `json:"pendingClaims"`
}

type claimJSON struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// EncodeRecord renders r in its persisted form.
func EncodeRecord(r UserRecord) ([]byte, error) {
	if r.InGameTokens == nil {
		r.InGameTokens = new(big.Int)
	}
	if r.InGameTokens.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative balance %s", ErrInvalidAmount, r.InGameTokens)
	}
	total := r.InGameTokens.String()
	out := recordJSON{InGameTokens: &total, PendingClaims: make([]claimJSON, 0, len(r.PendingClaims))}
	for _, c := range r.PendingClaims {
		if c.Amount == nil || c.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: claim amount must be positive", ErrInvalidAmount)
		}
		out.PendingClaims = append(out.PendingClaims, claimJSON{Address: c.Address, Amount: c.Amount.String()})
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeRecord parses a persisted record. Anything that is not a well formed
// record is ErrStorageCorruption.
func DecodeRecord(b []byte) (UserRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var raw recordJSON
	if err := dec.Decode(&raw); err != nil {
		return UserRecord{}, fmt.Errorf("%w: %v", ErrStorageCorruption, err)
	}
	if dec.More() {
		return UserRecord{}, fmt.Errorf("%w: trailing data", ErrStorageCorruption)
	}
	if raw.InGameTokens == nil {
		return UserRecord{}, fmt.Errorf("%w: missing inGameTokens", ErrStorageCorruption)
	}

	total, err := parseAmount(*raw.InGameTokens, true)
	if err != nil {
		return UserRecord{}, fmt.Errorf("%w: inGameTokens: %v", ErrStorageCorruption, err)
	}
	rec := UserRecord{InGameTokens: total, PendingClaims: make([]Claim, 0, len(raw.PendingClaims))}
	for i, c := range raw.PendingClaims {
		amt, err := parseAmount(c.Amount, false)
		if err != nil {
			return UserRecord{}, fmt.Errorf("%w: pendingClaims[%d]: %v", ErrStorageCorruption, i, err)
		}
		if strings.TrimSpace(c.Address) == "" {
			return UserRecord{}, fmt.Errorf("%w: pendingClaims[%d]: empty address", ErrStorageCorruption, i)
		}
		rec.PendingClaims = append(rec.PendingClaims, Claim{Address: c.Address, Amount: amt})
	}
	return rec, nil
}

func parseAmount(s string, allowZero bool) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty amount")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("not a non-negative integer: %q", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not an integer: %q", s)
	}
	if !allowZero && v.Sign() == 0 {
		return nil, errors.New("amount must be positive")
	}
	return v, nil
}
