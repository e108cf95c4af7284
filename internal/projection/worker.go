package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"pusdledger/internal/engine"
	"pusdledger/internal/event"
	"pusdledger/internal/observability"
)

// Worker updates the read-model tables from the projection channel.
// That channel is non-blocking with drop on the engine side, so the
// tables are eventually consistent. Rebuild replays the event log when
// drops or crashes leave them behind.
type Worker struct {
	db      *sql.DB
	input   <-chan engine.Output
	log     zerolog.Logger
	lastSeq int64
}

func NewWorker(db *sql.DB, input <-chan engine.Output) *Worker {
	return &Worker{
		db:    db,
		input: input,
		log:   observability.NewLogger("projection"),
	}
}

// Run consumes outputs until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				return nil
			}

			if err := w.process(ctx, out); err != nil {
				// Keep going. The read model lags but the event log
				// is authoritative and Rebuild recovers the tables.
				w.log.Warn().Err(err).
					Int64("sequence", out.Envelope.Sequence).
					Str("type", out.Envelope.Type.String()).
					Msg("projection update failed")
			}
			w.lastSeq = out.Envelope.Sequence
		}
	}
}

func (w *Worker) process(ctx context.Context, out engine.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := w.apply(ctx, tx, out); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pusd.watermark (worker_id, last_sequence, updated_at)
		VALUES ('projection', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, out.Envelope.Sequence); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	return tx.Commit()
}

func (w *Worker) apply(ctx context.Context, tx *sql.Tx, out engine.Output) error {
	env := out.Envelope
	seq := env.Sequence

	switch env.Type {
	case event.TypeCollateralDeposited:
		var e event.CollateralDeposited
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return err
		}
		return addCollateral(ctx, tx, e.Recipient.Hex(), e.Asset.Hex(), e.Amount.String(), seq)

	case event.TypeDebtMinted:
		var e event.DebtMinted
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return err
		}
		return addDebt(ctx, tx, e.User.Hex(), e.Amount.String(), seq)

	case event.TypeCollateralWithdrawn:
		var e event.CollateralWithdrawn
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return err
		}
		return addCollateral(ctx, tx, e.User.Hex(), e.Asset.Hex(), "-"+e.Amount.String(), seq)

	case event.TypeDebtBurned:
		var e event.DebtBurned
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return err
		}
		return addDebt(ctx, tx, e.User.Hex(), "-"+e.Amount.String(), seq)

	case event.TypeLiquidationExecuted:
		var e event.LiquidationExecuted
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return err
		}
		if err := addDebt(ctx, tx, e.User.Hex(), "-"+e.DebtRepaid.String(), seq); err != nil {
			return err
		}
		if err := addCollateral(ctx, tx, e.User.Hex(), e.Asset.Hex(), "-"+e.CollateralSeized.String(), seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pusd.liquidation_history
				(sequence, liquidator, user_addr, asset, debt_repaid, collateral_seized,
				 health_before, health_after, timestamp)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9)
			ON CONFLICT (sequence) DO NOTHING
		`, seq, e.Liquidator.Hex(), e.User.Hex(), e.Asset.Hex(),
			e.DebtRepaid.String(), e.CollateralSeized.String(),
			e.HealthBefore.String(), e.HealthAfter.String(), e.TimestampUs)
		return err

	case event.TypeFlashMintExecuted:
		var e event.FlashMintExecuted
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return err
		}
		return insertFlashOp(ctx, tx, seq, "mint", e.Initiator.Hex(), e.Receiver.Hex(),
			nil, e.Amount.String(), e.Fee.String(), e.TimestampUs)

	case event.TypeFlashLoanExecuted:
		var e event.FlashLoanExecuted
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return err
		}
		asset := e.Asset.Hex()
		return insertFlashOp(ctx, tx, seq, "loan", e.Initiator.Hex(), e.Receiver.Hex(),
			&asset, e.Amount.String(), e.Fee.String(), e.TimestampUs)

	case event.TypePriceRoundStored:
		var e event.PriceRoundStored
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pusd.price_history (feed, round_id, answer, updated_at_us, last_sequence)
			VALUES ($1, $2, $3::numeric, $4, $5)
			ON CONFLICT (feed, round_id) DO NOTHING
		`, e.Feed.Hex(), e.RoundID, e.Answer.String(), e.UpdatedAtUs, seq)
		return err

	default:
		// Admin audit events only live in the event log.
		return nil
	}
}

func addDebt(ctx context.Context, tx *sql.Tx, user, delta string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pusd.positions (user_addr, debt, last_sequence)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (user_addr)
		DO UPDATE SET debt = pusd.positions.debt + $2::numeric, last_sequence = $3
	`, user, delta, seq)
	return err
}

func addCollateral(ctx context.Context, tx *sql.Tx, user, asset, delta string, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pusd.positions (user_addr, debt, last_sequence)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_addr) DO UPDATE SET last_sequence = $2
	`, user, seq); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pusd.collateral (user_addr, asset, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (user_addr, asset)
		DO UPDATE SET balance = pusd.collateral.balance + $3::numeric, last_sequence = $4
	`, user, asset, delta, seq)
	return err
}

func insertFlashOp(ctx context.Context, tx *sql.Tx, seq int64, kind, initiator, receiver string, asset *string, amount, fee string, tsUs int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pusd.flash_history
			(sequence, kind, initiator, receiver, asset, amount, fee, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, kind, initiator, receiver, asset, amount, fee, tsUs)
	return err
}

// Rebuild truncates the read model and replays the whole event log into
// it. Used when projection drops or a crash leave the tables behind.
func Rebuild(ctx context.Context, db *sql.DB, loadAfter func(context.Context, int64, int) ([]RawEvent, error)) error {
	statements := []string{
		`TRUNCATE pusd.positions`,
		`TRUNCATE pusd.collateral`,
		`TRUNCATE pusd.liquidation_history`,
		`TRUNCATE pusd.flash_history`,
		`TRUNCATE pusd.price_history`,
		`DELETE FROM pusd.watermark WHERE worker_id = 'projection'`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	w := &Worker{db: db, log: observability.NewLogger("projection")}
	after := int64(-1)
	const page = 1000
	for {
		batch, err := loadAfter(ctx, after, page)
		if err != nil {
			return fmt.Errorf("load events after %d: %w", after, err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, raw := range batch {
			out, err := raw.ToOutput()
			if err != nil {
				return err
			}
			if err := w.process(ctx, out); err != nil {
				return fmt.Errorf("rebuild seq %d: %w", raw.Sequence, err)
			}
			after = raw.Sequence
		}
	}
}
