// Package authgate intercepts inbound requests and resolves the caller's
// identity from the access token. The gate is stateless: verification is
// purely cryptographic, no store round-trip on the hot path.
package authgate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	resp "account_service/internal/lib/api/response"
	"account_service/internal/lib/jwt"

	"github.com/go-chi/render"
)

// RejectReason classifies why a request failed the gate. Each reason maps
// 1:1 to a codec failure, plus Missing for absent tokens.
type RejectReason int

const (
	ReasonNone RejectReason = iota
	ReasonMissing
	ReasonExpired
	ReasonMalformed
	ReasonBadSignature
)

func (r RejectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMissing:
		return "missing token"
	case ReasonExpired:
		return "token expired"
	case ReasonMalformed:
		return "token malformed"
	case ReasonBadSignature:
		return "bad signature"
	}
	return "unknown"
}

// Outcome is the typed result of running a request through the gate.
type Outcome struct {
	UserID int64
	Reason RejectReason
}

func (o Outcome) Authorized() bool {
	return o.Reason == ReasonNone
}

const accessCookieName = "access_token"

type ctxKey struct{}

// Authenticate extracts the access token from the Authorization header or
// the access cookie and verifies it.
func Authenticate(r *http.Request, secret string) Outcome {
	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie(accessCookieName); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return Outcome{Reason: ReasonMissing}
	}

	userID, err := jwt.ParseAccessToken(token, secret)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Outcome{Reason: ReasonExpired}
		case errors.Is(err, jwt.ErrSignatureInvalid):
			return Outcome{Reason: ReasonBadSignature}
		default:
			return Outcome{Reason: ReasonMalformed}
		}
	}

	return Outcome{UserID: userID}
}

// New returns the middleware form of the gate: authorized requests continue
// with the identity attached to the request context, the rest get a 401.
func New(log *slog.Logger, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome := Authenticate(r, secret)
			if !outcome.Authorized() {
				log.Info("request rejected", slog.String("reason", outcome.Reason.String()))

				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, resp.Error("unauthorized"))

				return
			}

			ctx := context.WithValue(r.Context(), ctxKey{}, outcome.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID reads the identity the gate attached for this request.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxKey{}).(int64)
	return id, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}

	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
