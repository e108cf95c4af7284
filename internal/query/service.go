package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Service provides read-only access to the projection tables. Live
// risk reads (health factor, collateral value) go to the engine; this
// serves histories and position listings where a slightly stale view
// is acceptable. Responses carry as_of_sequence for freshness.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetPosition returns the projected position for one user. A user the
// read model has never seen comes back with zero debt and no collateral.
func (s *Service) GetPosition(ctx context.Context, user string) (*PositionResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &PositionResponse{
		User:         user,
		Debt:         "0",
		Collateral:   []CollateralBalance{},
		AsOfSequence: asOf,
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT debt::text FROM pusd.positions WHERE user_addr = $1
	`, user).Scan(&resp.Debt)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, balance::text
		FROM pusd.collateral
		WHERE user_addr = $1 AND balance > 0
		ORDER BY asset
	`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var cb CollateralBalance
		if err := rows.Scan(&cb.Asset, &cb.Balance); err != nil {
			return nil, err
		}
		resp.Collateral = append(resp.Collateral, cb)
	}
	return resp, rows.Err()
}

// GetLiquidations returns liquidation history, newest first, with
// cursor pagination on sequence. user filters the liquidated side when
// non-empty.
func (s *Service) GetLiquidations(ctx context.Context, user string, limit int, beforeSeq *int64) ([]LiquidationResponse, error) {
	query := `
		SELECT sequence, liquidator, user_addr, asset,
		       debt_repaid::text, collateral_seized::text,
		       health_before::text, health_after::text, timestamp
		FROM pusd.liquidation_history
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if user != "" {
		query += fmt.Sprintf(" AND user_addr = $%d", argIdx)
		args = append(args, user)
		argIdx++
	}
	if beforeSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		if err := rows.Scan(
			&r.Sequence, &r.Liquidator, &r.User, &r.Asset,
			&r.DebtRepaid, &r.CollateralSeized,
			&r.HealthBefore, &r.HealthAfter, &r.TimestampUs,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetFlashOps returns flash operation history, newest first.
func (s *Service) GetFlashOps(ctx context.Context, limit int, beforeSeq *int64) ([]FlashOpResponse, error) {
	query := `
		SELECT sequence, kind, initiator, receiver, asset,
		       amount::text, fee::text, timestamp
		FROM pusd.flash_history
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if beforeSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FlashOpResponse
	for rows.Next() {
		var r FlashOpResponse
		if err := rows.Scan(
			&r.Sequence, &r.Kind, &r.Initiator, &r.Receiver, &r.Asset,
			&r.Amount, &r.Fee, &r.TimestampUs,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetPriceHistory returns the most recent stored rounds for one feed.
func (s *Service) GetPriceHistory(ctx context.Context, feed string, limit int) ([]PriceRoundResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feed, round_id, answer::text, updated_at_us
		FROM pusd.price_history
		WHERE feed = $1
		ORDER BY round_id DESC
		LIMIT $2
	`, feed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PriceRoundResponse
	for rows.Next() {
		var r PriceRoundResponse
		if err := rows.Scan(&r.Feed, &r.RoundID, &r.Answer, &r.UpdatedAtUs); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Service) watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM pusd.watermark WHERE worker_id = 'projection'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
