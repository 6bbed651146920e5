package api

import (
	"fmt"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/reconcile"
	"github.com/tfgems/crumbz/internal/units"
)

type amountRequest struct {
	Amount amountField `json:"amount"`
}

type burnResponse struct {
	Signature       string `json:"signature"`
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	PreviousBalance string `json:"previousBalance"`
	NewBalance      string `json:"newBalance"`
}

type mintResponse struct {
	Signature  string `json:"signature"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	NewBalance string `json:"newBalance"`
}

type transferRequest struct {
	Address string      `json:"address"`
	Amount  amountField `json:"amount"`
}

type transferResponse struct {
	Signature             string `json:"signature"`
	Success               bool   `json:"success"`
	Message               string `json:"message"`
	PreviousSourceBalance string `json:"previousSourceBalance"`
	NewSourceBalance      string `json:"newSourceBalance"`
}

type claimRequest struct {
	UserAddress string      `json:"userAddress"`
	Amount      amountField `json:"amount"`
}

type airdropRequest struct {
	Address string `json:"address"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	// Signature is set for operations that submitted a transaction.
	Signature string `json:"signature,omitempty"`
}

type balanceResponse struct {
	Balance string `json:"balance"`
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
}

type txStatusResponse struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
	Slot      uint64 `json:"slot,omitempty"`
}

type claimJSON struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type userResponse struct {
	Address       string      `json:"address"`
	InGameTokens  string      `json:"inGameTokens"`
	InGameBalance string      `json:"inGameBalance"`
	PendingClaims []claimJSON `json:"pendingClaims"`
}

func (s *Server) amount(a amountField) (*big.Int, error) {
	v, err := units.Parse(string(a), s.cfg.Decimals)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", errBadRequest)
	}
	return v, nil
}

func (s *Server) format(v *big.Int) string {
	return units.Format(v, s.cfg.Decimals)
}

func (s *Server) burn(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, "burn", err)
		return
	}
	amt, err := s.amount(req.Amount)
	if err != nil {
		s.fail(w, r, "burn", err)
		return
	}

	res, err := s.cfg.Burner.ManualBurn(r.Context(), amt)
	if err != nil {
		s.fail(w, r, "burn", err)
		return
	}
	writeJSON(w, http.StatusOK, burnResponse{
		Signature:       res.Signature.Hex(),
		Success:         true,
		Message:         "Tokens burned successfully",
		PreviousBalance: s.format(res.PreviousBalance),
		NewBalance:      s.format(res.NewBalance),
	})
}

func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, "mint", err)
		return
	}
	amt, err := s.amount(req.Amount)
	if err != nil {
		s.fail(w, r, "mint", err)
		return
	}

	ctx := r.Context()
	custodial := s.cfg.Ledger.CustodialAddress()
	sig, err := s.cfg.Ledger.Mint(ctx, custodial, amt)
	if err != nil {
		s.fail(w, r, "mint", err)
		return
	}
	if _, err := s.cfg.Ledger.WaitConfirmed(ctx, sig); err != nil {
		s.fail(w, r, "mint", err)
		return
	}
	bal, err := s.cfg.Ledger.TokenBalance(ctx, custodial)
	if err != nil {
		s.fail(w, r, "mint", err)
		return
	}
	s.log.Info("tokens minted", zap.String("signature", sig.Hex()), zap.String("amount", amt.String()))
	writeJSON(w, http.StatusOK, mintResponse{
		Signature:  sig.Hex(),
		Success:    true,
		Message:    "Tokens minted successfully",
		NewBalance: s.format(bal),
	})
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	to, err := ledger.ParseAddress(req.Address)
	if err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	amt, err := s.amount(req.Amount)
	if err != nil {
		s.fail(w, r, "transfer", err)
		return
	}

	ctx := r.Context()
	custodial := s.cfg.Ledger.CustodialAddress()
	prev, err := s.cfg.Ledger.TokenBalance(ctx, custodial)
	if err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	if amt.Cmp(prev) > 0 {
		s.fail(w, r, "transfer", fmt.Errorf("%w: available %s %s, requested %s",
			reconcile.ErrInsufficientBalance, s.format(prev), s.cfg.Symbol, s.format(amt)))
		return
	}
	sig, err := s.cfg.Ledger.Transfer(ctx, to, amt)
	if err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	if _, err := s.cfg.Ledger.WaitConfirmed(ctx, sig); err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	next, err := s.cfg.Ledger.TokenBalance(ctx, custodial)
	if err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	s.log.Info("tokens transferred",
		zap.String("signature", sig.Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amt.String()),
	)
	writeJSON(w, http.StatusOK, transferResponse{
		Signature:             sig.Hex(),
		Success:               true,
		Message:               "Tokens transferred successfully",
		PreviousSourceBalance: s.format(prev),
		NewSourceBalance:      s.format(next),
	})
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, "claim", err)
		return
	}
	addr, err := ledger.ParseAddress(req.UserAddress)
	if err != nil {
		s.fail(w, r, "claim", err)
		return
	}
	amt, err := s.amount(req.Amount)
	if err != nil {
		s.fail(w, r, "claim", err)
		return
	}

	pending, err := s.cfg.Claims.Enqueue(r.Context(), addr.Hex(), amt)
	if err != nil {
		s.fail(w, r, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Success: true,
		Message: fmt.Sprintf("Claim for %s %s queued (%d pending)", s.format(amt), s.cfg.Symbol, len(pending)),
	})
}

func (s *Server) airdrop(w http.ResponseWriter, r *http.Request) {
	var req airdropRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, "airdrop", err)
		return
	}
	to, err := ledger.ParseAddress(req.Address)
	if err != nil {
		s.fail(w, r, "airdrop", err)
		return
	}

	sig, err := s.cfg.Ledger.Airdrop(r.Context(), to)
	if err != nil {
		s.fail(w, r, "airdrop", err)
		return
	}
	s.log.Info("airdrop submitted", zap.String("signature", sig.Hex()), zap.String("to", to.Hex()))
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Signature: sig.Hex()})
}

func (s *Server) nativeBalance(w http.ResponseWriter, r *http.Request) {
	addr := s.cfg.Ledger.CustodialAddress()
	bal, err := s.cfg.Ledger.NativeBalance(r.Context(), addr)
	if err != nil {
		s.fail(w, r, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Balance: units.Format(bal, NativeDecimals),
		Address: addr.Hex(),
	})
}

func (s *Server) tokenBalance(w http.ResponseWriter, r *http.Request) {
	addr := s.cfg.Ledger.CustodialAddress()
	bal, err := s.cfg.Ledger.TokenBalance(r.Context(), addr)
	if err != nil {
		s.fail(w, r, "token balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Balance: s.format(bal),
		Address: addr.Hex(),
		Token:   s.cfg.Ledger.TokenAddress().Hex(),
		Symbol:  s.cfg.Symbol,
	})
}

func (s *Server) transactionStatus(w http.ResponseWriter, r *http.Request) {
	sig, err := ledger.ParseSignature(r.URL.Query().Get("signature"))
	if err != nil {
		s.fail(w, r, "transaction status", err)
		return
	}
	conf, err := s.cfg.Ledger.TransactionStatus(r.Context(), sig)
	if err != nil {
		s.fail(w, r, "transaction status", err)
		return
	}
	writeJSON(w, http.StatusOK, txStatusResponse{
		Signature: sig.Hex(),
		Status:    string(conf.Status),
		Slot:      conf.Slot,
	})
}

func (s *Server) user(w http.ResponseWriter, r *http.Request) {
	addr, err := ledger.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, "user", err)
		return
	}
	rec, err := s.cfg.Records.Load(r.Context(), addr.Hex())
	if err != nil {
		s.fail(w, r, "user", err)
		return
	}
	claims := make([]claimJSON, 0, len(rec.PendingClaims))
	for _, c := range rec.PendingClaims {
		claims = append(claims, claimJSON{Address: c.Address, Amount: c.Amount.String()})
	}
	writeJSON(w, http.StatusOK, userResponse{
		Address:       addr.Hex(),
		InGameTokens:  rec.InGameTokens.String(),
		InGameBalance: s.format(rec.InGameTokens),
		PendingClaims: claims,
	})
}
