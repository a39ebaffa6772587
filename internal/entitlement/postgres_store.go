package entitlement

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists keys in the entitlement_keys table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

const keyColumns = `id, key_hash, name, remaining, revoked, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, key *Key) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO entitlement_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Hash, key.Name, key.Remaining, key.Revoked, key.CreatedAt, key.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateKey
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Key, error) {
	k, err := scanKey(p.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM entitlement_keys WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return k, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Key, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM entitlement_keys ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Consume is a single conditional UPDATE; the row lock serializes callers.
func (p *PostgresStore) Consume(ctx context.Context, hash string, amount int64) (int64, error) {
	var remaining int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE entitlement_keys
		SET remaining = remaining - $2, updated_at = NOW()
		WHERE key_hash = $1 AND NOT revoked AND remaining >= $2
		RETURNING remaining`, hash, amount,
	).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	// Nothing updated: classify without mutating.
	var revoked bool
	err = p.db.QueryRowContext(ctx, `
		SELECT remaining, revoked FROM entitlement_keys WHERE key_hash = $1`, hash,
	).Scan(&remaining, &revoked)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && revoked) {
		return 0, ErrUnknownKey
	}
	if err != nil {
		return 0, err
	}
	return remaining, ErrExhausted
}

func (p *PostgresStore) TopUp(ctx context.Context, id string, amount int64) (int64, error) {
	var remaining int64
	var revoked bool
	err := p.db.QueryRowContext(ctx, `
		UPDATE entitlement_keys
		SET remaining = CASE WHEN revoked THEN remaining ELSE remaining + $2 END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING remaining, revoked`, id, amount,
	).Scan(&remaining, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrKeyNotFound
	}
	if err != nil {
		return 0, err
	}
	if revoked {
		return 0, ErrKeyRevoked
	}
	return remaining, nil
}

func (p *PostgresStore) Revoke(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE entitlement_keys SET revoked = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*Key, error) {
	k := &Key{}
	if err := s.Scan(&k.ID, &k.Hash, &k.Name, &k.Remaining, &k.Revoked, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return k, nil
}

var _ Store = (*PostgresStore)(nil)
