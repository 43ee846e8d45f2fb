package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/chapoco/internal/refresher"
	"github.com/dgnsrekt/chapoco/internal/types"
)

func registerCredentialHandlers(api huma.API, svc Service) {
	type credentialsOutput struct {
		Body types.CredentialStatus
	}
	huma.Register(api, huma.Operation{OperationID: "get-credentials", Method: http.MethodGet, Path: "/api/v1/credentials", Summary: "Current credential state (token masked)", Tags: []string{"Credentials"}},
		func(ctx context.Context, input *struct{}) (*credentialsOutput, error) {
			status, err := svc.Credentials(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &credentialsOutput{Body: status}, nil
		})

	type invalidateOutput struct {
		Body struct {
			Cleared bool `json:"cleared" doc:"False when the store was already empty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "invalidate-credentials", Method: http.MethodPost, Path: "/api/v1/credentials/invalidate", Summary: "Clear the held credential", Tags: []string{"Credentials"}},
		func(ctx context.Context, input *struct{}) (*invalidateOutput, error) {
			cleared, err := svc.InvalidateCredentials(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &invalidateOutput{}
			out.Body.Cleared = cleared
			return out, nil
		})

	type refreshOutput struct {
		Body refresher.Result
	}
	huma.Register(api, huma.Operation{OperationID: "refresh-credentials", Method: http.MethodPost, Path: "/api/v1/credentials/refresh", Summary: "Sweep the capture directory now", Tags: []string{"Credentials"}},
		func(ctx context.Context, input *struct{}) (*refreshOutput, error) {
			result, err := svc.RefreshNow(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &refreshOutput{Body: result}, nil
		})
}
