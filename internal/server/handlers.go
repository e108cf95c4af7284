package server

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"pusdledger/internal/fixedpoint"
	"pusdledger/internal/flash"
	"pusdledger/internal/registry"
)

// Addresses travel as 0x-hex strings, amounts as decimal strings.

func parseAddr(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not an address", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not a decimal amount", field, s)
	}
	return v, nil
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type opAccepted struct {
	Status string `json:"status"`
}

var accepted = opAccepted{Status: "applied"}

// --- position operations ---

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller    string `json:"caller"`
		Recipient string `json:"recipient"`
		Asset     string `json:"asset"`
		Amount    string `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	caller, err := parseAddr(req.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	recipient := caller
	if req.Recipient != "" {
		if recipient, err = parseAddr(req.Recipient, "recipient"); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	asset, err := parseAddr(req.Asset, "asset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := s.cfg.Engine.Deposit(caller, recipient, asset, amount); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	caller, amount, ok := s.decodeCallerAmount(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Engine.Mint(caller, amount); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	caller, amount, ok := s.decodeCallerAmount(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Engine.Burn(caller, amount); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) decodeCallerAmount(w http.ResponseWriter, r *http.Request) (common.Address, *big.Int, bool) {
	var req struct {
		Caller string `json:"caller"`
		Amount string `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return common.Address{}, nil, false
	}
	caller, err := parseAddr(req.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return common.Address{}, nil, false
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return common.Address{}, nil, false
	}
	return caller, amount, true
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	caller, err := parseAddr(req.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	asset, err := parseAddr(req.Asset, "asset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := s.cfg.Engine.Withdraw(caller, asset, amount); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller        string `json:"caller"`
		Asset         string `json:"asset"`
		DepositAmount string `json:"deposit_amount"`
		MintAmount    string `json:"mint_amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	caller, err := parseAddr(req.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	asset, err := parseAddr(req.Asset, "asset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	depositAmount, err := parseAmount(req.DepositAmount, "deposit_amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	mintAmount, err := parseAmount(req.MintAmount, "mint_amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := s.cfg.Engine.DepositAndMint(caller, asset, depositAmount, mintAmount); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleBurnAndWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller         string `json:"caller"`
		Asset          string `json:"asset"`
		BurnAmount     string `json:"burn_amount"`
		WithdrawAmount string `json:"withdraw_amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	caller, err := parseAddr(req.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	asset, err := parseAddr(req.Asset, "asset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	burnAmount, err := parseAmount(req.BurnAmount, "burn_amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	withdrawAmount, err := parseAmount(req.WithdrawAmount, "withdraw_amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := s.cfg.Engine.BurnAndWithdraw(caller, asset, burnAmount, withdrawAmount); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Liquidator  string `json:"liquidator"`
		User        string `json:"user"`
		Asset       string `json:"asset"`
		DebtToCover string `json:"debt_to_cover"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	liquidator, err := parseAddr(req.Liquidator, "liquidator")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	user, err := parseAddr(req.User, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	asset, err := parseAddr(req.Asset, "asset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	debtToCover, err := parseAmount(req.DebtToCover, "debt_to_cover")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := s.cfg.Engine.Liquidate(liquidator, user, asset, debtToCover); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

// --- flash operations ---

func (s *Server) handleFlashExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Initiator string `json:"initiator"`
		Receiver  string `json:"receiver"` // registered receiver name
		Kind      string `json:"kind"`     // "mint" or "loan"
		Asset     string `json:"asset"`
		Amount    string `json:"amount"`
		Data      []byte `json:"data,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var kind flash.Kind
	switch req.Kind {
	case "mint":
		kind = flash.KindMint
	case "loan":
		kind = flash.KindLoan
	default:
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("kind: %q is not mint or loan", req.Kind))
		return
	}

	initiator, err := parseAddr(req.Initiator, "initiator")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	asset, err := parseAddr(req.Asset, "asset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	receiver, err := s.cfg.Receivers.Get(req.Receiver)
	if err != nil {
		writeOpError(w, err)
		return
	}

	if err := s.cfg.Flash.Execute(initiator, receiver, asset, amount, req.Data, kind); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

// --- admin ---

func (s *Server) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller    string `json:"caller"`
		Recipient string `json:"recipient"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	caller, err := parseAddr(req.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	recipient, err := parseAddr(req.Recipient, "recipient")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.cfg.Flash.SetFeeRecipient(caller, recipient); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleSetFeeRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Rate   string `json:"rate"` // parts per 1e18
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	caller, err := parseAddr(req.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	rate, err := parseAmount(req.Rate, "rate")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.cfg.Flash.SetFeeRate(caller, rate); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Paused bool   `json:"paused"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	caller, err := parseAddr(req.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.cfg.Flash.SetPaused(caller, req.Paused); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

// --- reads ---

func (s *Server) handleListCollateral(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Asset    string `json:"asset"`
		Feed     string `json:"feed"`
		Decimals uint8  `json:"decimals"`
	}
	entries := s.cfg.Registry.List()
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{Asset: e.Asset.Hex(), Feed: e.Feed.Hex(), Decimals: e.Decimals})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddr(chi.URLParam(r, "addr"), "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	type balance struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	resp := struct {
		User       string    `json:"user"`
		Debt       string    `json:"debt"`
		Collateral []balance `json:"collateral"`
	}{
		User:       user.Hex(),
		Debt:       s.cfg.Engine.Debt(user).String(),
		Collateral: []balance{},
	}
	for _, e := range s.cfg.Registry.List() {
		bal := s.cfg.Engine.CollateralBalance(user, e.Asset)
		if bal.Sign() == 0 {
			continue
		}
		resp.Collateral = append(resp.Collateral, balance{Asset: e.Asset.Hex(), Balance: bal.String()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddr(chi.URLParam(r, "addr"), "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	debt, collateralUSD, err := s.cfg.Engine.AccountInfo(user)
	if err != nil {
		writeOpError(w, err)
		return
	}
	factor, err := s.cfg.Engine.HealthFactor(user)
	if err != nil {
		writeOpError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		User          string `json:"user"`
		Debt          string `json:"debt"`
		CollateralUSD string `json:"collateral_usd"`
		HealthFactor  string `json:"health_factor"`
	}{user.Hex(), debt.String(), collateralUSD.String(), factor.String()})
}

func (s *Server) handleUsdValue(w http.ResponseWriter, r *http.Request) {
	asset, amount, entry, ok := s.convertQuery(w, r, "amount")
	if !ok {
		return
	}
	price, err := s.cfg.Oracle.Price(entry.Feed)
	if err != nil {
		writeOpError(w, err)
		return
	}
	usd, err := fixedpoint.UsdValue(amount, price, entry.Decimals)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Asset    string `json:"asset"`
		Amount   string `json:"amount"`
		UsdValue string `json:"usd_value"`
	}{asset.Hex(), amount.String(), usd.String()})
}

func (s *Server) handleTokenAmount(w http.ResponseWriter, r *http.Request) {
	asset, usd, entry, ok := s.convertQuery(w, r, "usd_value")
	if !ok {
		return
	}
	price, err := s.cfg.Oracle.Price(entry.Feed)
	if err != nil {
		writeOpError(w, err)
		return
	}
	amount, err := fixedpoint.TokenAmount(usd, price, entry.Decimals)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Asset       string `json:"asset"`
		UsdValue    string `json:"usd_value"`
		TokenAmount string `json:"token_amount"`
	}{asset.Hex(), usd.String(), amount.String()})
}

func (s *Server) handleFlashConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		FeeRecipient string `json:"fee_recipient"`
		FeeRate      string `json:"fee_rate"`
		MaxFeeRate   string `json:"max_fee_rate"`
		Paused       bool   `json:"paused"`
	}{
		FeeRecipient: s.cfg.Flash.FeeRecipient().Hex(),
		FeeRate:      s.cfg.Flash.FeeRate().String(),
		MaxFeeRate:   flash.MaxFeeRate.String(),
		Paused:       s.cfg.Flash.Paused(),
	})
}

// --- read model ---

func (s *Server) handleLiquidationHistory(w http.ResponseWriter, r *http.Request) {
	limit, beforeSeq, ok := pagination(w, r)
	if !ok {
		return
	}
	user := r.URL.Query().Get("user")
	if user != "" {
		addr, err := parseAddr(user, "user")
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		user = addr.Hex()
	}

	results, err := s.cfg.Query.GetLiquidations(r.Context(), user, limit, beforeSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleFlashHistory(w http.ResponseWriter, r *http.Request) {
	limit, beforeSeq, ok := pagination(w, r)
	if !ok {
		return
	}
	results, err := s.cfg.Query.GetFlashOps(r.Context(), limit, beforeSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	feed, err := parseAddr(chi.URLParam(r, "feed"), "feed")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	limit, _, ok := pagination(w, r)
	if !ok {
		return
	}
	results, err := s.cfg.Query.GetPriceHistory(r.Context(), feed.Hex(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleProjectedPosition(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddr(chi.URLParam(r, "addr"), "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	resp, err := s.cfg.Query.GetPosition(r.Context(), user.Hex())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) convertQuery(w http.ResponseWriter, r *http.Request, amountParam string) (common.Address, *big.Int, registry.Entry, bool) {
	asset, err := parseAddr(r.URL.Query().Get("asset"), "asset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return common.Address{}, nil, registry.Entry{}, false
	}
	amount, err := parseAmount(r.URL.Query().Get(amountParam), amountParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return common.Address{}, nil, registry.Entry{}, false
	}
	entry, found := s.cfg.Registry.Get(asset)
	if !found {
		writeError(w, http.StatusNotFound, "unknown_asset", fmt.Sprintf("asset %s not registered", asset.Hex()))
		return common.Address{}, nil, registry.Entry{}, false
	}
	return asset, amount, entry, true
}

func pagination(w http.ResponseWriter, r *http.Request) (int, *int64, bool) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 500 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be 1..500")
			return 0, nil, false
		}
		limit = v
	}
	var beforeSeq *int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "before must be a sequence number")
			return 0, nil, false
		}
		beforeSeq = &v
	}
	return limit, beforeSeq, true
}
