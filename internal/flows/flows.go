// Package flows drives the out-of-band token flows: email verification and
// password reset. Both ride on single-use ledger tokens; every ledger
// failure is collapsed into one generic error before it leaves this package.
package flows

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

var ErrInvalidToken = errors.New("invalid or expired token")

const issueRetries = 3

type UserProvider interface {
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UserByID(ctx context.Context, id int64) (models.User, error)
}

type SingleUseLedger interface {
	IssueSingleUse(ctx context.Context, userID int64, purpose models.TokenPurpose, tokenHash string, expiresAt time.Time) error
	RedeemVerification(ctx context.Context, tokenHash string) (int64, error)
	RedeemPasswordReset(ctx context.Context, tokenHash string, newPassHash []byte) (int64, error)
}

type Publisher interface {
	SendMessage(ctx context.Context, msg models.Message) error
}

type Flows struct {
	log             *slog.Logger
	usrProvider     UserProvider
	ledger          SingleUseLedger
	publisher       Publisher
	publicURL       string
	verificationTTL time.Duration
	resetTTL        time.Duration
}

func New(
	log *slog.Logger,
	userProvider UserProvider,
	ledger SingleUseLedger,
	publisher Publisher,
	publicURL string,
	verificationTTL, resetTTL time.Duration,
) *Flows {
	return &Flows{
		log:             log,
		usrProvider:     userProvider,
		ledger:          ledger,
		publisher:       publisher,
		publicURL:       publicURL,
		verificationTTL: verificationTTL,
		resetTTL:        resetTTL,
	}
}

// RequestEmailVerification issues a verify-email token and hands the link to
// the notifier. Already-verified users get a silent no-op success, so the
// endpoint does not leak verification state.
func (f *Flows) RequestEmailVerification(ctx context.Context, userID int64) error {
	const op = "flows.RequestEmailVerification"

	log := f.log.With(slog.String("op", op))

	user, err := f.usrProvider.UserByID(ctx, userID)
	if err != nil {
		log.Error("failed to get user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if user.IsVerified {
		return nil
	}

	raw, err := f.issue(ctx, userID, models.PurposeVerifyEmail, f.verificationTTL)
	if err != nil {
		log.Error("failed to issue verification token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	f.notify(ctx, log, user.Email, raw, models.PurposeVerifyEmail)

	log.Info("verification requested", slog.Int64("uid", userID))

	return nil
}

// VerifyEmail redeems the token and marks the owner verified. The redemption
// and the flag update commit together in the store.
func (f *Flows) VerifyEmail(ctx context.Context, rawToken string) error {
	const op = "flows.VerifyEmail"

	log := f.log.With(slog.String("op", op))

	userID, err := f.ledger.RedeemVerification(ctx, jwt.HashToken(rawToken))
	if err != nil {
		if isLedgerReject(err) {
			log.Warn("verification rejected", sl.Err(err))
			return ErrInvalidToken
		}

		log.Error("failed to redeem verification token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("email verified", slog.Int64("uid", userID))

	return nil
}

// RequestPasswordReset issues a reset token for the account behind the email.
// An unknown email still returns success and simply issues nothing.
func (f *Flows) RequestPasswordReset(ctx context.Context, email string) error {
	const op = "flows.RequestPasswordReset"

	log := f.log.With(slog.String("op", op))

	user, err := f.usrProvider.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Info("reset requested for unknown email")
			return nil
		}

		log.Error("failed to get user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	raw, err := f.issue(ctx, user.ID, models.PurposeResetPassword, f.resetTTL)
	if err != nil {
		log.Error("failed to issue reset token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	f.notify(ctx, log, user.Email, raw, models.PurposeResetPassword)

	log.Info("password reset requested", slog.Int64("uid", user.ID))

	return nil
}

// ResetPassword redeems the token, stores the new password hash and revokes
// every outstanding session of the owner in one store transaction.
func (f *Flows) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	const op = "flows.ResetPassword"

	log := f.log.With(slog.String("op", op))

	newHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	userID, err := f.ledger.RedeemPasswordReset(ctx, jwt.HashToken(rawToken), newHash)
	if err != nil {
		if isLedgerReject(err) {
			log.Warn("reset rejected", sl.Err(err))
			return ErrInvalidToken
		}

		log.Error("failed to redeem reset token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("password reset", slog.Int64("uid", userID))

	return nil
}

func (f *Flows) issue(ctx context.Context, userID int64, purpose models.TokenPurpose, ttl time.Duration) (string, error) {
	const op = "flows.issue"

	for i := 0; i < issueRetries; i++ {
		raw, err := jwt.NewOpaqueToken()
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}

		err = f.ledger.IssueSingleUse(ctx, userID, purpose, jwt.HashToken(raw), time.Now().Add(ttl))
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, storage.ErrHashConflict) {
			return "", fmt.Errorf("%s: %w", op, err)
		}
	}

	return "", fmt.Errorf("%s: %w", op, storage.ErrHashConflict)
}

// notify is fire-and-forget: delivery problems are logged, never surfaced.
func (f *Flows) notify(ctx context.Context, log *slog.Logger, email, rawToken string, purpose models.TokenPurpose) {
	var link string

	switch purpose {
	case models.PurposeVerifyEmail:
		link = fmt.Sprintf("%s/api/v1/auth/verify-email/%s", f.publicURL, rawToken)
	case models.PurposeResetPassword:
		link = fmt.Sprintf("%s/api/v1/auth/reset-password/%s", f.publicURL, rawToken)
	}

	msg := models.Message{
		Email:   email,
		Link:    link,
		Purpose: string(purpose),
	}

	if err := f.publisher.SendMessage(ctx, msg); err != nil {
		log.Error("failed to publish notification", sl.Err(err))
	}
}

func isLedgerReject(err error) bool {
	return errors.Is(err, storage.ErrTokenNotFound) ||
		errors.Is(err, storage.ErrTokenExpired) ||
		errors.Is(err, storage.ErrTokenConsumed)
}
