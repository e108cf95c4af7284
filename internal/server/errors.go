package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"pusdledger/internal/engine"
	"pusdledger/internal/flash"
	"pusdledger/internal/oracle"
	"pusdledger/internal/registry"
	"pusdledger/internal/token"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOpError maps typed engine and flash errors onto stable HTTP
// error codes. Unknown errors are 500s.
func writeOpError(w http.ResponseWriter, err error) {
	var belowMin *engine.BelowMinHealthFactorError
	var invalidLiq *engine.InvalidLiquidationError

	switch {
	case errors.As(err, &belowMin):
		writeError(w, http.StatusUnprocessableEntity, "below_min_health_factor", err.Error())
	case errors.As(err, &invalidLiq):
		writeError(w, http.StatusUnprocessableEntity, "invalid_liquidation", err.Error())
	case errors.Is(err, engine.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	case errors.Is(err, engine.ErrNotAllowedCollateral):
		writeError(w, http.StatusBadRequest, "collateral_not_allowed", err.Error())
	case errors.Is(err, engine.ErrBurnExceedsDebt):
		writeError(w, http.StatusUnprocessableEntity, "burn_exceeds_debt", err.Error())
	case errors.Is(err, engine.ErrInsufficientCollateralBalance):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_collateral", err.Error())
	case errors.Is(err, oracle.ErrInvalidPrice):
		writeError(w, http.StatusServiceUnavailable, "invalid_price", err.Error())
	case errors.Is(err, token.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_balance", err.Error())
	case errors.Is(err, token.ErrInsufficientAllowance):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_allowance", err.Error())
	case errors.Is(err, registry.ErrAlreadyAllowed):
		writeError(w, http.StatusConflict, "already_allowed", err.Error())
	case errors.Is(err, flash.ErrFlashOpsPaused):
		writeError(w, http.StatusServiceUnavailable, "flash_paused", err.Error())
	case errors.Is(err, flash.ErrInvalidFlashOp):
		writeError(w, http.StatusBadRequest, "invalid_flash_op", err.Error())
	case errors.Is(err, flash.ErrFlashOpsFailed),
		errors.Is(err, flash.ErrTotalSupplyChanged),
		errors.Is(err, flash.ErrTokenBalanceDecrease):
		writeError(w, http.StatusUnprocessableEntity, "flash_rolled_back", err.Error())
	case errors.Is(err, flash.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, flash.ErrInvalidFeeRecipient):
		writeError(w, http.StatusBadRequest, "invalid_fee_recipient", err.Error())
	case errors.Is(err, flash.ErrInvalidFeeBPS):
		writeError(w, http.StatusBadRequest, "invalid_fee_rate", err.Error())
	case errors.Is(err, flash.ErrUnknownReceiver):
		writeError(w, http.StatusNotFound, "unknown_receiver", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
