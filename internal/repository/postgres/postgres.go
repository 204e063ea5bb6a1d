package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edrdavid1/smokefieldserver/internal/domain"
	"github.com/edrdavid1/smokefieldserver/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.UserRepository = (*Repository)(nil)

// CreateUser inserts a user keyed by its normalized username.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (username, display_name, password_hash, email, confirmed, confirmation_code, current_num, total_num, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		user.Username,
		user.DisplayName,
		user.PasswordHash,
		emptyToNil(user.Email),
		user.Confirmed,
		emptyToNil(user.ConfirmationCode),
		user.CurrentNum,
		user.TotalNum,
		user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// GetUserByUsername fetches a user by its normalized username.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT username, display_name, password_hash, COALESCE(email, ''), confirmed, COALESCE(confirmation_code, ''), current_num, total_num, created_at
		FROM users WHERE username = $1`
	row := r.pool.QueryRow(ctx, query, username)
	var u domain.User
	if err := row.Scan(
		&u.Username,
		&u.DisplayName,
		&u.PasswordHash,
		&u.Email,
		&u.Confirmed,
		&u.ConfirmationCode,
		&u.CurrentNum,
		&u.TotalNum,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// SaveCounters persists the numeric counters of a single record.
func (r *Repository) SaveCounters(ctx context.Context, user *domain.User) error {
	const query = `UPDATE users SET current_num = $2, total_num = $3 WHERE username = $1`
	cmdTag, err := r.pool.Exec(ctx, query, user.Username, user.CurrentNum, user.TotalNum)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetConfirmed marks the account confirmed and clears its confirmation code.
func (r *Repository) SetConfirmed(ctx context.Context, username string) error {
	const query = `UPDATE users SET confirmed = TRUE, confirmation_code = NULL WHERE username = $1`
	cmdTag, err := r.pool.Exec(ctx, query, username)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
