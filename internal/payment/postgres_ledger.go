package payment

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresLedger stores claims in the payment_claims table. The primary key
// on signature makes the insert the compare-and-set.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (p *PostgresLedger) Claim(ctx context.Context, c *Claim) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_claims (signature, tool, amount, payer, redeemed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (signature) DO NOTHING`,
		c.Signature, c.Tool, int64(c.Amount), c.Payer, c.RedeemedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyRedeemed
	}
	return nil
}

func (p *PostgresLedger) Get(ctx context.Context, signature string) (*Claim, error) {
	c := &Claim{}
	var amount int64
	err := p.db.QueryRowContext(ctx, `
		SELECT signature, tool, amount, payer, redeemed_at
		FROM payment_claims WHERE signature = $1`, signature,
	).Scan(&c.Signature, &c.Tool, &amount, &c.Payer, &c.RedeemedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Amount = uint64(amount)
	return c, nil
}

var _ Ledger = (*PostgresLedger)(nil)
