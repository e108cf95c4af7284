package query

// Amounts are decimal strings: NUMERIC columns round-trip through
// strings without precision loss, and clients parse them as big ints.

// CollateralBalance is one asset's balance inside a position view.
type CollateralBalance struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// PositionResponse is the projected view of one user's position.
// AsOfSequence tells the client how fresh the read model was.
type PositionResponse struct {
	User         string              `json:"user"`
	Debt         string              `json:"debt"`
	Collateral   []CollateralBalance `json:"collateral"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// LiquidationResponse is one historical liquidation record.
type LiquidationResponse struct {
	Sequence         int64  `json:"sequence"`
	Liquidator       string `json:"liquidator"`
	User             string `json:"user"`
	Asset            string `json:"asset"`
	DebtRepaid       string `json:"debt_repaid"`
	CollateralSeized string `json:"collateral_seized"`
	HealthBefore     string `json:"health_before"`
	HealthAfter      string `json:"health_after"`
	TimestampUs      int64  `json:"timestamp_us"`
}

// FlashOpResponse is one historical flash operation.
type FlashOpResponse struct {
	Sequence    int64   `json:"sequence"`
	Kind        string  `json:"kind"`
	Initiator   string  `json:"initiator"`
	Receiver    string  `json:"receiver"`
	Asset       *string `json:"asset,omitempty"`
	Amount      string  `json:"amount"`
	Fee         string  `json:"fee"`
	TimestampUs int64   `json:"timestamp_us"`
}

// PriceRoundResponse is one stored oracle round.
type PriceRoundResponse struct {
	Feed        string `json:"feed"`
	RoundID     uint64 `json:"round_id"`
	Answer      string `json:"answer"`
	UpdatedAtUs int64  `json:"updated_at_us"`
}
