package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tfgems/crumbz/internal/credit"
	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/reconcile"
	"github.com/tfgems/crumbz/internal/units"
)

var (
	errBadRequest  = errors.New("bad request")
	errRateLimited = errors.New("too many requests, try again later")
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Success: false, Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, units.ErrEmpty),
		errors.Is(err, units.ErrNegative),
		errors.Is(err, units.ErrPrecision),
		errors.Is(err, units.ErrSyntax),
		errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, ledger.ErrInvalidSignature),
		errors.Is(err, credit.ErrInvalidKey),
		errors.Is(err, credit.ErrInvalidAmount),
		errors.Is(err, reconcile.ErrInvalidAmount),
		errors.Is(err, reconcile.ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConfirmationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ledger.ErrAirdropUnavailable),
		errors.Is(err, ledger.ErrNotSupported):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// amountField accepts either a JSON number or a decimal string.
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountField(s)
		return nil
	}
	if string(b) == "null" {
		*a = ""
		return nil
	}
	// Number literals keep their exact text; units.Parse validates it.
	*a = amountField(b)
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}
