package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/chapoco/internal/types"
)

func registerHealthHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func registerMonitorHandlers(api huma.API, svc Service) {
	type livesOutput struct {
		Body types.LiveStatus
	}
	huma.Register(api, huma.Operation{OperationID: "list-lives", Method: http.MethodGet, Path: "/api/v1/lives", Summary: "Followed users live at the last poll", Tags: []string{"Monitor"}},
		func(ctx context.Context, input *struct{}) (*livesOutput, error) {
			status, err := svc.Lives(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &livesOutput{Body: status}, nil
		})

	type testNotificationInput struct {
		Body struct {
			Title   string `json:"title,omitempty" doc:"Defaults to a fixed test title"`
			Message string `json:"message" doc:"Notification body"`
		}
	}
	type statusOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "test-notification", Method: http.MethodPost, Path: "/api/v1/notifications/test", Summary: "Send a test notification", Tags: []string{"Monitor"}},
		func(ctx context.Context, input *testNotificationInput) (*statusOutput, error) {
			if err := svc.SendTestNotification(ctx, input.Body.Title, input.Body.Message); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "sent"
			return out, nil
		})
}
