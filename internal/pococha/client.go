// Package pococha is a small client for the Pococha API that authenticates
// with harvested credential headers.
package pococha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/chapoco/internal/credential"
	"github.com/dgnsrekt/chapoco/internal/types"
	"github.com/klauspost/compress/gzip"
)

const (
	DefaultBaseURL = "https://api.pococha.com"

	profilePath        = "/v1/my_profile"
	followingLivesPath = "/v5/lives/followings?on_air=true&page=0"

	maxErrorBody = 4 * 1024
)

// ErrCredentialExpired is returned when no valid credential is held or the API
// rejected the one that was sent.
var ErrCredentialExpired = types.NewError(types.CodeCredentialExpired,
	"the provided token was expired, please update the active token", nil)

// Client issues authenticated requests against the API.
type Client struct {
	baseURL string
	http    *http.Client
	store   *credential.Store
}

// NewClient creates a client. A nil httpClient uses a client with a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client, store *credential.Store) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		store:   store,
	}
}

// IsAuthenticated reports whether the held credential is accepted by the API.
// A rejected credential is reported as false rather than an error.
func (c *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	err := c.Do(ctx, http.MethodGet, profilePath, nil, nil)
	if types.HasCode(err, types.CodeCredentialExpired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FollowingCurrentlyLive lists followed accounts that are currently on air.
func (c *Client) FollowingCurrentlyLive(ctx context.Context) (*LivesResource, error) {
	var out LivesResource
	if err := c.Do(ctx, http.MethodGet, followingLivesPath, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Do sends method uri with the held credential headers. uri is relative to the
// base URL and may carry a query string. body, when non-nil, is sent as JSON;
// out, when non-nil, receives the decoded JSON response.
func (c *Client) Do(ctx context.Context, method, uri string, body, out any) error {
	if !c.store.IsValid() {
		return ErrCredentialExpired
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+uri, reader)
	if err != nil {
		return types.NewError(types.CodeValidation, "build request", err)
	}
	sentWith := c.store.ApplyTo(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewError(types.CodeUpstream, method+" "+uri, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	slog.Info("pococha request", "method", method, "uri", uri, "status", resp.StatusCode)

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		if c.store.InvalidateAsOf(sentWith) {
			slog.Warn("pococha credential rejected, invalidated", "uri", uri)
		}
		return ErrCredentialExpired
	}

	payload, err := decodedBody(resp)
	if err != nil {
		return types.NewError(types.CodeUpstream, "read response body", err)
	}
	defer func() {
		_ = payload.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(payload, maxErrorBody))
		slog.Error("pococha request failed", "uri", uri, "status", resp.StatusCode, "body", string(msg))
		return types.NewError(types.CodeUpstream,
			fmt.Sprintf("%s %s: status=%d body=%s", method, uri, resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, payload)
		return nil
	}
	if err := json.NewDecoder(payload).Decode(out); err != nil {
		return types.NewError(types.CodeUpstream, "decode "+uri+" response", err)
	}
	return nil
}

// decodedBody undoes gzip content encoding. The harvested headers usually
// carry accept-encoding, which stops the transport from doing it for us.
func decodedBody(resp *http.Response) (io.ReadCloser, error) {
	if resp.Uncompressed || !strings.Contains(strings.ToLower(resp.Header.Get("Content-Encoding")), "gzip") {
		return io.NopCloser(resp.Body), nil
	}
	return gzip.NewReader(resp.Body)
}
