package healthcheck

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	resp "account_service/internal/lib/api/response"
	sl "account_service/internal/lib/logger"

	"github.com/go-chi/render"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

func New(log *slog.Logger, store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.healthcheck.New"

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			log.Error("store unreachable", slog.String("op", op), sl.Err(err))

			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, resp.Error("store unreachable"))

			return
		}

		render.JSON(w, r, resp.OK())
	}
}
