package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pusdledger/internal/oracle"
)

// PriceRound is a parsed price update ready for the feed cache.
type PriceRound struct {
	Feed  common.Address
	Round oracle.RoundData
}

// priceRoundJSON is the NATS wire format. Field names use snake_case to
// match upstream producers; the answer is a decimal string so arbitrary
// precision survives JSON.
type priceRoundJSON struct {
	Feed            string `json:"feed"`
	RoundID         uint64 `json:"round_id"`
	Answer          string `json:"answer"`
	UpdatedAtUs     int64  `json:"updated_at_us"`
	AnsweredInRound uint64 `json:"answered_in_round"`
}

// ParsePriceRound validates and converts a raw price-round message.
// Structural validation only; price validity (positive, fresh) is the
// oracle adapter's job at read time.
func ParsePriceRound(data []byte) (PriceRound, error) {
	var j priceRoundJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceRound{}, fmt.Errorf("parse price round: %w", err)
	}

	if !common.IsHexAddress(j.Feed) {
		return PriceRound{}, fmt.Errorf("parse feed: %q is not an address", j.Feed)
	}
	if j.RoundID == 0 {
		return PriceRound{}, fmt.Errorf("parse round_id: zero")
	}

	answer, ok := new(big.Int).SetString(j.Answer, 10)
	if !ok {
		return PriceRound{}, fmt.Errorf("parse answer: %q is not a decimal", j.Answer)
	}

	return PriceRound{
		Feed: common.HexToAddress(j.Feed),
		Round: oracle.RoundData{
			RoundID:         j.RoundID,
			Answer:          answer,
			UpdatedAt:       time.UnixMicro(j.UpdatedAtUs),
			AnsweredInRound: j.AnsweredInRound,
		},
	}, nil
}
