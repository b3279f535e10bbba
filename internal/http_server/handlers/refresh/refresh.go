package refresh

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"account_service/internal/auth"
	resp "account_service/internal/lib/api/response"
	"account_service/internal/lib/cookie"
	sl "account_service/internal/lib/logger"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
)

type Request struct {
	RefreshToken string `json:"refresh_token"`
}

type Response struct {
	resp.Response
	AccessToken string `json:"access_token"`
}

func New(
	log *slog.Logger,
	authService *auth.Auth,
	cookies *cookie.Manager,
	refreshTTL time.Duration,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.refresh.New"

		log = log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		// Cookie first; body fallback for clients that cannot carry it.
		rawRefresh := cookie.RefreshToken(r)
		if rawRefresh == "" {
			var req Request
			if err := render.DecodeJSON(r.Body, &req); err == nil {
				rawRefresh = req.RefreshToken
			}
		}

		if rawRefresh == "" {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, resp.Error("session invalid"))

			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		pair, err := authService.Refresh(ctx, rawRefresh)
		if err != nil {
			if errors.Is(err, auth.ErrSessionInvalid) {
				cookies.ClearRefreshToken(w)

				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, resp.Error("session invalid"))

				return
			}

			log.Error("failed to refresh tokens", sl.Err(err))

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("internal error"))

			return
		}

		cookies.SetRefreshToken(w, pair.RefreshToken, refreshTTL)

		render.JSON(w, r, Response{
			Response:    resp.OK(),
			AccessToken: pair.AccessToken,
		})
	}
}
