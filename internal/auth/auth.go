package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"account_service/internal/lib/jwt"
	sl "account_service/internal/lib/logger"
	"account_service/internal/models"
	"account_service/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionInvalid     = errors.New("session invalid")
	ErrUserExists         = errors.New("user already exists")
)

// mintRetries bounds retry-mint on a refresh hash collision.
const mintRetries = 3

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

type UserSaver interface {
	SaveUser(ctx context.Context, email string, username string, passHash []byte) (uid int64, err error)
	UpdatePassword(ctx context.Context, userID int64, passHash []byte) error
}

type UserProvider interface {
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UserByID(ctx context.Context, id int64) (models.User, error)
}

type TokenLedger interface {
	SaveRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (int64, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	RevokeAllRefreshTokens(ctx context.Context, userID int64) error
}

type Auth struct {
	log          *slog.Logger
	usrSaver     UserSaver
	usrProvider  UserProvider
	ledger       TokenLedger
	accessSecret string
	accessTTL    time.Duration
	refreshTTL   time.Duration
}

func New(
	log *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	ledger TokenLedger,
	accessSecret string,
	accessTTL, refreshTTL time.Duration,
) *Auth {
	return &Auth{
		log:          log,
		usrSaver:     userSaver,
		usrProvider:  userProvider,
		ledger:       ledger,
		accessSecret: accessSecret,
		accessTTL:    accessTTL,
		refreshTTL:   refreshTTL,
	}
}

func (a *Auth) RegisterNewUser(
	ctx context.Context,
	email string,
	username string,
	pass string,
) (int64, error) {
	const op = "auth.RegisterNewUser"

	log := a.log.With(slog.String("op", op))

	passHash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	id, err := a.usrSaver.SaveUser(ctx, email, username, passHash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists")
			return 0, ErrUserExists
		}

		log.Error("failed to save user", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.Int64("uid", id))

	return id, nil
}

// Login verifies credentials and returns a fresh token pair. Unknown email
// and wrong password produce the same error so accounts cannot be enumerated.
func (a *Auth) Login(ctx context.Context, email, password string) (TokenPair, error) {
	const op = "auth.Login"

	log := a.log.With(slog.String("op", op))

	user, err := a.usrProvider.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Info("login rejected")
			return TokenPair{}, ErrInvalidCredentials
		}

		log.Error("failed to get user", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		log.Info("login rejected")
		return TokenPair{}, ErrInvalidCredentials
	}

	pair, err := a.mintPair(ctx, user.ID)
	if err != nil {
		log.Error("failed to mint tokens", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.Int64("uid", user.ID))

	return pair, nil
}

// Refresh rotates the presented refresh token: the ledger consumes the old
// value and a brand-new pair replaces it. Any ledger failure collapses into
// ErrSessionInvalid and the caller must log in again.
func (a *Auth) Refresh(ctx context.Context, rawRefresh string) (TokenPair, error) {
	const op = "auth.Refresh"

	log := a.log.With(slog.String("op", op))

	userID, err := a.ledger.ConsumeRefreshToken(ctx, jwt.HashToken(rawRefresh))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			log.Warn("refresh rejected", sl.Err(err))
			return TokenPair{}, ErrSessionInvalid
		}

		log.Error("failed to consume refresh token", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := a.mintPair(ctx, userID)
	if err != nil {
		log.Error("failed to mint tokens", sl.Err(err))
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens rotated", slog.Int64("uid", userID))

	return pair, nil
}

// Logout revokes the matching ledger entry. Best effort and idempotent:
// an unknown or already-revoked token is not an error.
func (a *Auth) Logout(ctx context.Context, rawRefresh string) error {
	const op = "auth.Logout"

	log := a.log.With(slog.String("op", op))

	if rawRefresh == "" {
		return nil
	}

	if err := a.ledger.RevokeRefreshToken(ctx, jwt.HashToken(rawRefresh)); err != nil {
		log.Error("failed to revoke refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged out")

	return nil
}

// LogoutAll terminates every session of the user.
func (a *Auth) LogoutAll(ctx context.Context, userID int64) error {
	const op = "auth.LogoutAll"

	if err := a.ledger.RevokeAllRefreshTokens(ctx, userID); err != nil {
		a.log.Error("failed to revoke refresh tokens", slog.String("op", op), sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// CurrentUser returns the identity projection for an authenticated request.
// The password hash never leaves this layer.
func (a *Auth) CurrentUser(ctx context.Context, userID int64) (models.User, error) {
	const op = "auth.CurrentUser"

	user, err := a.usrProvider.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return models.User{}, ErrSessionInvalid
		}

		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	user.PassHash = nil

	return user, nil
}

// ChangePassword verifies the old password, stores the new hash and revokes
// every outstanding refresh token: a changed password terminates all prior
// sessions.
func (a *Auth) ChangePassword(ctx context.Context, userID int64, oldPass, newPass string) error {
	const op = "auth.ChangePassword"

	log := a.log.With(slog.String("op", op))

	user, err := a.usrProvider.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return ErrSessionInvalid
		}

		log.Error("failed to get user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(oldPass)); err != nil {
		return ErrInvalidCredentials
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(newPass), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := a.usrSaver.UpdatePassword(ctx, userID, newHash); err != nil {
		log.Error("failed to update password", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := a.ledger.RevokeAllRefreshTokens(ctx, userID); err != nil {
		log.Error("failed to revoke refresh tokens", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("password changed", slog.Int64("uid", userID))

	return nil
}

// mintPair creates an access token and records a new refresh token. A hash
// collision on insert is treated as retry-mint.
func (a *Auth) mintPair(ctx context.Context, userID int64) (TokenPair, error) {
	const op = "auth.mintPair"

	accessToken, err := jwt.NewAccessToken(userID, a.accessSecret, a.accessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	for i := 0; i < mintRetries; i++ {
		raw, err := jwt.NewOpaqueToken()
		if err != nil {
			return TokenPair{}, fmt.Errorf("%s: %w", op, err)
		}

		err = a.ledger.SaveRefreshToken(ctx, userID, jwt.HashToken(raw), time.Now().Add(a.refreshTTL))
		if err == nil {
			return TokenPair{AccessToken: accessToken, RefreshToken: raw}, nil
		}
		if !errors.Is(err, storage.ErrHashConflict) {
			return TokenPair{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	return TokenPair{}, fmt.Errorf("%s: %w", op, storage.ErrHashConflict)
}
