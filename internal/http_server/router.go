package httpserver

import (
	"context"
	"log/slog"
	"time"

	"account_service/internal/auth"
	"account_service/internal/flows"
	"account_service/internal/http_server/handlers/change_password"
	"account_service/internal/http_server/handlers/current_user"
	"account_service/internal/http_server/handlers/forgot_password"
	"account_service/internal/http_server/handlers/healthcheck"
	"account_service/internal/http_server/handlers/login"
	"account_service/internal/http_server/handlers/logout"
	"account_service/internal/http_server/handlers/refresh"
	"account_service/internal/http_server/handlers/register"
	"account_service/internal/http_server/handlers/resend_verification"
	"account_service/internal/http_server/handlers/reset_password"
	"account_service/internal/http_server/handlers/verify"
	"account_service/internal/lib/cookie"
	"account_service/internal/middleware/authgate"
	"account_service/internal/middleware/ratelimit"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-playground/validator/v10"
)

type Store interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Log          *slog.Logger
	Auth         *auth.Auth
	Flows        *flows.Flows
	Store        Store
	Cookies      *cookie.Manager
	AccessSecret string
	RefreshTTL   time.Duration
}

func NewRouter(d Deps) *chi.Mux {
	validate := validator.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	gate := authgate.New(d.Log, d.AccessSecret)

	r.Get("/api/v1/healthcheck", healthcheck.New(d.Log, d.Store))

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.With(ratelimit.Register()).
			Post("/register", register.New(d.Log, validate, d.Auth, d.Flows))
		r.With(ratelimit.Login()).
			Post("/login", login.New(d.Log, validate, d.Auth, d.Cookies, d.RefreshTTL))
		r.With(ratelimit.Refresh()).
			Post("/refresh-token", refresh.New(d.Log, d.Auth, d.Cookies, d.RefreshTTL))
		r.With(ratelimit.Verify()).
			Get("/verify-email/{token}", verify.New(d.Log, d.Flows))
		r.With(ratelimit.ForgotPassword()).
			Post("/forgot-password", forgotpassword.New(d.Log, validate, d.Flows))
		r.With(ratelimit.ResetPassword()).
			Post("/reset-password/{token}", resetpassword.New(d.Log, validate, d.Flows))

		r.Group(func(r chi.Router) {
			r.Use(gate)

			r.With(ratelimit.Logout()).
				Post("/logout", logout.New(d.Log, d.Auth, d.Cookies))
			r.Get("/current-user", currentuser.New(d.Log, d.Auth))
			r.With(ratelimit.ChangePassword()).
				Post("/change-password", changepassword.New(d.Log, validate, d.Auth, d.Cookies))
			r.With(ratelimit.ResendVerification()).
				Post("/resend-email-verification", resendverification.New(d.Log, d.Flows))
		})
	})

	return r
}
