package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CollateralDeposited records a deposit credited to a recipient's position.
type CollateralDeposited struct {
	OpID        uuid.UUID      `json:"op_id"`
	Caller      common.Address `json:"caller"`
	Recipient   common.Address `json:"recipient"`
	Asset       common.Address `json:"asset"`
	Amount      *big.Int       `json:"amount"`
	TimestampUs int64          `json:"timestamp_us"`
}

func (e *CollateralDeposited) IdempotencyKey() string { return e.OpID.String() }
func (e *CollateralDeposited) Type() Type             { return TypeCollateralDeposited }

// DebtMinted records synthetic-token debt credited to a user.
type DebtMinted struct {
	OpID         uuid.UUID      `json:"op_id"`
	User         common.Address `json:"user"`
	Amount       *big.Int       `json:"amount"`
	HealthFactor *big.Int       `json:"health_factor"`
	TimestampUs  int64          `json:"timestamp_us"`
}

func (e *DebtMinted) IdempotencyKey() string { return e.OpID.String() }
func (e *DebtMinted) Type() Type             { return TypeDebtMinted }

// CollateralWithdrawn records collateral returned to a user.
type CollateralWithdrawn struct {
	OpID         uuid.UUID      `json:"op_id"`
	User         common.Address `json:"user"`
	Asset        common.Address `json:"asset"`
	Amount       *big.Int       `json:"amount"`
	HealthFactor *big.Int       `json:"health_factor"`
	TimestampUs  int64          `json:"timestamp_us"`
}

func (e *CollateralWithdrawn) IdempotencyKey() string { return e.OpID.String() }
func (e *CollateralWithdrawn) Type() Type             { return TypeCollateralWithdrawn }

// DebtBurned records debt repaid and burned.
type DebtBurned struct {
	OpID        uuid.UUID      `json:"op_id"`
	User        common.Address `json:"user"`
	Amount      *big.Int       `json:"amount"`
	TimestampUs int64          `json:"timestamp_us"`
}

func (e *DebtBurned) IdempotencyKey() string { return e.OpID.String() }
func (e *DebtBurned) Type() Type             { return TypeDebtBurned }

// LiquidationExecuted records a repay-and-seize against an unhealthy position.
type LiquidationExecuted struct {
	OpID             uuid.UUID      `json:"op_id"`
	Liquidator       common.Address `json:"liquidator"`
	User             common.Address `json:"user"`
	Asset            common.Address `json:"asset"`
	DebtRepaid       *big.Int       `json:"debt_repaid"`
	CollateralSeized *big.Int       `json:"collateral_seized"`
	HealthBefore     *big.Int       `json:"health_before"`
	HealthAfter      *big.Int       `json:"health_after"`
	TimestampUs      int64          `json:"timestamp_us"`
}

func (e *LiquidationExecuted) IdempotencyKey() string { return e.OpID.String() }
func (e *LiquidationExecuted) Type() Type             { return TypeLiquidationExecuted }

// FlashMintExecuted records a completed flash mint.
type FlashMintExecuted struct {
	OpID         uuid.UUID      `json:"op_id"`
	Initiator    common.Address `json:"initiator"`
	Receiver     common.Address `json:"receiver"`
	Amount       *big.Int       `json:"amount"`
	Fee          *big.Int       `json:"fee"`
	FeeRecipient common.Address `json:"fee_recipient"`
	TimestampUs  int64          `json:"timestamp_us"`
}

func (e *FlashMintExecuted) IdempotencyKey() string { return e.OpID.String() }
func (e *FlashMintExecuted) Type() Type             { return TypeFlashMintExecuted }

// FlashLoanExecuted records a completed flash loan of pooled collateral.
type FlashLoanExecuted struct {
	OpID         uuid.UUID      `json:"op_id"`
	Initiator    common.Address `json:"initiator"`
	Receiver     common.Address `json:"receiver"`
	Asset        common.Address `json:"asset"`
	Amount       *big.Int       `json:"amount"`
	Fee          *big.Int       `json:"fee"`
	FeeRecipient common.Address `json:"fee_recipient"`
	TimestampUs  int64          `json:"timestamp_us"`
}

func (e *FlashLoanExecuted) IdempotencyKey() string { return e.OpID.String() }
func (e *FlashLoanExecuted) Type() Type             { return TypeFlashLoanExecuted }

// FeeRecipientChanged is the audit record for an admin fee-recipient update.
type FeeRecipientChanged struct {
	OpID        uuid.UUID      `json:"op_id"`
	Old         common.Address `json:"old"`
	New         common.Address `json:"new"`
	TimestampUs int64          `json:"timestamp_us"`
}

func (e *FeeRecipientChanged) IdempotencyKey() string { return e.OpID.String() }
func (e *FeeRecipientChanged) Type() Type             { return TypeFeeRecipientChanged }

// FeeRateChanged is the audit record for an admin fee-rate update.
type FeeRateChanged struct {
	OpID        uuid.UUID `json:"op_id"`
	Old         *big.Int  `json:"old"`
	New         *big.Int  `json:"new"`
	TimestampUs int64     `json:"timestamp_us"`
}

func (e *FeeRateChanged) IdempotencyKey() string { return e.OpID.String() }
func (e *FeeRateChanged) Type() Type             { return TypeFeeRateChanged }

// FlashPauseToggled is the audit record for pausing/unpausing flash ops.
type FlashPauseToggled struct {
	OpID        uuid.UUID `json:"op_id"`
	Old         bool      `json:"old"`
	New         bool      `json:"new"`
	TimestampUs int64     `json:"timestamp_us"`
}

func (e *FlashPauseToggled) IdempotencyKey() string { return e.OpID.String() }
func (e *FlashPauseToggled) Type() Type             { return TypeFlashPauseToggled }

// PriceRoundStored records a price round accepted into the feed cache.
type PriceRoundStored struct {
	Feed            common.Address `json:"feed"`
	RoundID         uint64         `json:"round_id"`
	Answer          *big.Int       `json:"answer"`
	UpdatedAtUs     int64          `json:"updated_at_us"`
	AnsweredInRound uint64         `json:"answered_in_round"`
}

func (e *PriceRoundStored) IdempotencyKey() string {
	return fmt.Sprintf("%s:round:%d", e.Feed.Hex(), e.RoundID)
}
func (e *PriceRoundStored) Type() Type { return TypePriceRoundStored }
