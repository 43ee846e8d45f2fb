package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/chapoco/internal/refresher"
	"github.com/dgnsrekt/chapoco/internal/relay"
	"github.com/dgnsrekt/chapoco/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	Credentials(ctx context.Context) (types.CredentialStatus, error)
	InvalidateCredentials(ctx context.Context) (bool, error)
	RefreshNow(ctx context.Context) (refresher.Result, error)
	Lives(ctx context.Context) (types.LiveStatus, error)
	SendTestNotification(ctx context.Context, title, message string) error
}

// NewServer builds the status API. broker may be nil, in which case the
// event stream routes are not mounted.
func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("chapoco status API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	if broker != nil {
		router.Get("/api/v1/events", relay.SSEHandler(broker))
		router.Get("/api/v1/events/ws", relay.WebSocketHandler(broker))
	}

	registerHealthHandlers(api)
	registerCredentialHandlers(api, svc)
	registerMonitorHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case types.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case types.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case types.CodeCredentialExpired:
			return huma.Error503ServiceUnavailable(coded.Message)
		case types.CodeUpstream, types.CodeUnreachable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
