package event

import (
	"time"
)

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeCollateralDeposited
	TypeDebtMinted
	TypeCollateralWithdrawn
	TypeDebtBurned
	TypeLiquidationExecuted
	TypeFlashMintExecuted
	TypeFlashLoanExecuted
	TypeFeeRecipientChanged
	TypeFeeRateChanged
	TypeFlashPauseToggled
	TypePriceRoundStored
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key (operation id)
	IdempotencyKey string

	// Event type discriminator
	Type Type

	// Timestamp of the operation
	Timestamp time.Time

	// JSON-encoded event-specific payload
	Payload []byte

	// SHA-256 of affected state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// Type returns the discriminator
	Type() Type
}

func (t Type) String() string {
	switch t {
	case TypeCollateralDeposited:
		return "CollateralDeposited"
	case TypeDebtMinted:
		return "DebtMinted"
	case TypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case TypeDebtBurned:
		return "DebtBurned"
	case TypeLiquidationExecuted:
		return "LiquidationExecuted"
	case TypeFlashMintExecuted:
		return "FlashMintExecuted"
	case TypeFlashLoanExecuted:
		return "FlashLoanExecuted"
	case TypeFeeRecipientChanged:
		return "FeeRecipientChanged"
	case TypeFeeRateChanged:
		return "FeeRateChanged"
	case TypeFlashPauseToggled:
		return "FlashPauseToggled"
	case TypePriceRoundStored:
		return "PriceRoundStored"
	default:
		return "Unknown"
	}
}

// TypeFromString is the inverse of Type.String. Unrecognized names map
// to TypeUnknown.
func TypeFromString(s string) Type {
	for t := TypeCollateralDeposited; t <= TypePriceRoundStored; t++ {
		if t.String() == s {
			return t
		}
	}
	return TypeUnknown
}

// PayloadTimestamp is the common timestamp representation in payloads:
// epoch microseconds, always a versioned input, never re-read wall clock.
func PayloadTimestamp(t time.Time) int64 {
	return t.UnixMicro()
}
