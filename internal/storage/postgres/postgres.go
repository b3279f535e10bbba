package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"account_service/internal/config"
	"account_service/internal/models"
	"account_service/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type PostgresRepo struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg *config.Config) (*PostgresRepo, error) {
	const op = "storage.postgres.New"

	poolConfig, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse config: %w", op, err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create pool: %w", op, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: failed to ping database: %w", op, err)
	}

	return &PostgresRepo{pool: pool}, nil
}

func (r *PostgresRepo) SaveUser(ctx context.Context, email, username string, passHash []byte) (int64, error) {
	const op = "storage.postgres.SaveUser"

	query := `
		INSERT INTO users (email, username, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id;
	`

	var id int64

	err := r.pool.QueryRow(ctx, query, email, username, passHash).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, storage.ErrUserExists
		}

		return 0, fmt.Errorf("%s: failed to save user: %w", op, err)
	}

	return id, nil
}

func (r *PostgresRepo) UserByEmail(ctx context.Context, email string) (models.User, error) {
	const op = "storage.postgres.UserByEmail"

	query := `
		SELECT id, email, username, password_hash, is_verified, COALESCE(avatar_url, '')
		FROM users
		WHERE email = $1;
	`

	return r.scanUser(ctx, op, query, email)
}

func (r *PostgresRepo) UserByID(ctx context.Context, id int64) (models.User, error) {
	const op = "storage.postgres.UserByID"

	query := `
		SELECT id, email, username, password_hash, is_verified, COALESCE(avatar_url, '')
		FROM users
		WHERE id = $1;
	`

	return r.scanUser(ctx, op, query, id)
}

func (r *PostgresRepo) scanUser(ctx context.Context, op, query string, arg any) (models.User, error) {
	var u models.User

	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID,
		&u.Email,
		&u.Username,
		&u.PassHash,
		&u.IsVerified,
		&u.AvatarURL,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, storage.ErrUserNotFound
		}

		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return u, nil
}

func (r *PostgresRepo) UpdatePassword(ctx context.Context, userID int64, passHash []byte) error {
	const op = "storage.postgres.UpdatePassword"

	query := `UPDATE users SET password_hash = $1 WHERE id = $2`

	tag, err := r.pool.Exec(ctx, query, passHash, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrUserNotFound
	}

	return nil
}

func (r *PostgresRepo) SaveRefreshToken(
	ctx context.Context,
	userID int64,
	tokenHash string,
	expiresAt time.Time,
) error {
	const op = "storage.postgres.SaveRefreshToken"

	const query = `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`

	_, err := r.pool.Exec(ctx, query, userID, tokenHash, expiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrHashConflict
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ConsumeRefreshToken revokes the matching live token and returns its owner
// in one conditional statement. Two concurrent calls with the same hash get
// exactly one success; the loser sees ErrTokenNotFound. Unknown, rotated and
// revoked hashes are indistinguishable on purpose.
func (r *PostgresRepo) ConsumeRefreshToken(ctx context.Context, tokenHash string) (int64, error) {
	const op = "storage.postgres.ConsumeRefreshToken"

	const query = `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE token_hash = $1 AND NOT revoked
		RETURNING user_id, expires_at
	`

	var (
		userID    int64
		expiresAt time.Time
	)

	err := r.pool.QueryRow(ctx, query, tokenHash).Scan(&userID, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, storage.ErrTokenNotFound
		}

		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if time.Now().After(expiresAt) {
		return 0, storage.ErrTokenExpired
	}

	return userID, nil
}

// RevokeRefreshToken is idempotent: revoking an unknown hash is not an error.
func (r *PostgresRepo) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	const op = "storage.postgres.RevokeRefreshToken"

	const query = `UPDATE refresh_tokens SET revoked = TRUE WHERE token_hash = $1`

	if _, err := r.pool.Exec(ctx, query, tokenHash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *PostgresRepo) RevokeAllRefreshTokens(ctx context.Context, userID int64) error {
	const op = "storage.postgres.RevokeAllRefreshTokens"

	const query = `UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND NOT revoked`

	if _, err := r.pool.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// IssueSingleUse invalidates any prior unconsumed token of the same purpose
// for the user and inserts the new one in a single transaction, keeping the
// one-active-token-per-purpose invariant.
func (r *PostgresRepo) IssueSingleUse(
	ctx context.Context,
	userID int64,
	purpose models.TokenPurpose,
	tokenHash string,
	expiresAt time.Time,
) error {
	const op = "storage.postgres.IssueSingleUse"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	const invalidate = `
		UPDATE single_use_tokens
		SET consumed = TRUE
		WHERE user_id = $1 AND purpose = $2 AND NOT consumed
	`

	if _, err := tx.Exec(ctx, invalidate, userID, string(purpose)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	const insert = `
		INSERT INTO single_use_tokens (user_id, purpose, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := tx.Exec(ctx, insert, userID, string(purpose), tokenHash, expiresAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrHashConflict
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RedeemVerification consumes a verify-email token and marks the owner
// verified in the same transaction: both happen or neither does.
func (r *PostgresRepo) RedeemVerification(ctx context.Context, tokenHash string) (int64, error) {
	const op = "storage.postgres.RedeemVerification"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	userID, err := redeemSingleUse(ctx, tx, tokenHash, models.PurposeVerifyEmail)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET is_verified = TRUE WHERE id = $1`, userID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return userID, nil
}

// RedeemPasswordReset consumes a reset token, stores the new password hash
// and revokes every refresh token of the owner, all in one transaction. A
// reset must terminate every prior session.
func (r *PostgresRepo) RedeemPasswordReset(ctx context.Context, tokenHash string, newPassHash []byte) (int64, error) {
	const op = "storage.postgres.RedeemPasswordReset"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	userID, err := redeemSingleUse(ctx, tx, tokenHash, models.PurposeResetPassword)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, newPassHash, userID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	const revoke = `UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND NOT revoked`

	if _, err := tx.Exec(ctx, revoke, userID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return userID, nil
}

// redeemSingleUse is the shared conditional consume. The winning path is a
// single UPDATE; only after losing does it read back to tell NotFound,
// Expired and AlreadyConsumed apart.
func redeemSingleUse(ctx context.Context, tx pgx.Tx, tokenHash string, purpose models.TokenPurpose) (int64, error) {
	const op = "storage.postgres.redeemSingleUse"

	const consume = `
		UPDATE single_use_tokens
		SET consumed = TRUE
		WHERE token_hash = $1 AND purpose = $2 AND NOT consumed AND expires_at > now()
		RETURNING user_id
	`

	var userID int64

	err := tx.QueryRow(ctx, consume, tokenHash, string(purpose)).Scan(&userID)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	const classify = `
		SELECT consumed, expires_at
		FROM single_use_tokens
		WHERE token_hash = $1 AND purpose = $2
	`

	var (
		consumed  bool
		expiresAt time.Time
	)

	err = tx.QueryRow(ctx, classify, tokenHash, string(purpose)).Scan(&consumed, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, storage.ErrTokenNotFound
		}

		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if consumed {
		return 0, storage.ErrTokenConsumed
	}

	return 0, storage.ErrTokenExpired
}

// DeleteExpiredTokens is housekeeping only; expiry is always checked inline.
func (r *PostgresRepo) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	const op = "storage.postgres.DeleteExpiredTokens"

	var total int64

	tag, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	total += tag.RowsAffected()

	tag, err = r.pool.Exec(ctx, `DELETE FROM single_use_tokens WHERE expires_at <= now()`)
	if err != nil {
		return total, fmt.Errorf("%s: %w", op, err)
	}
	total += tag.RowsAffected()

	return total, nil
}

func (r *PostgresRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepo) Close() {
	r.pool.Close()
}

func dsn(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s database=%s sslmode=%s",
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.SSLMode,
	)
}
