package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/chapoco/internal/refresher"
	"github.com/dgnsrekt/chapoco/internal/relay"
	"github.com/dgnsrekt/chapoco/internal/types"
)

type stubService struct {
	status      types.CredentialStatus
	cleared     bool
	refreshErr  error
	result      refresher.Result
	lives       []int
	notifyErr   error
	lastMessage string
}

func (s *stubService) Credentials(ctx context.Context) (types.CredentialStatus, error) {
	return s.status, nil
}

func (s *stubService) InvalidateCredentials(ctx context.Context) (bool, error) {
	return s.cleared, nil
}

func (s *stubService) RefreshNow(ctx context.Context) (refresher.Result, error) {
	return s.result, s.refreshErr
}

func (s *stubService) Lives(ctx context.Context) (types.LiveStatus, error) {
	return types.LiveStatus{UserIDs: s.lives, Count: len(s.lives)}, nil
}

func (s *stubService) SendTestNotification(ctx context.Context, title, message string) error {
	if strings.TrimSpace(message) == "" {
		return types.NewError(types.CodeValidation, "message is required", nil)
	}
	s.lastMessage = message
	return s.notifyErr
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := do(t, NewServer(&stubService{}, nil), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestDocsDarkMode(t *testing.T) {
	w := do(t, NewServer(&stubService{}, nil), http.MethodGet, "/docs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}

func TestGetCredentials(t *testing.T) {
	svc := &stubService{status: types.CredentialStatus{
		Valid:       true,
		TokenHeader: "x-pokota-token",
		MaskedToken: "abcd****",
		HeaderNames: []string{"x-pokota-token"},
	}}
	w := do(t, NewServer(svc, nil), http.MethodGet, "/api/v1/credentials", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var got types.CredentialStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if !got.Valid || got.MaskedToken != "abcd****" {
		t.Fatalf("credentials = %+v", got)
	}
}

func TestInvalidateCredentials(t *testing.T) {
	w := do(t, NewServer(&stubService{cleared: true}, nil), http.MethodPost, "/api/v1/credentials/invalidate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"cleared":true`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRefreshCredentials(t *testing.T) {
	svc := &stubService{result: refresher.Result{Candidates: 2, Updated: true}}
	w := do(t, NewServer(svc, nil), http.MethodPost, "/api/v1/credentials/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var got refresher.Result
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if got.Candidates != 2 || !got.Updated {
		t.Fatalf("result = %+v", got)
	}
}

func TestErrorCodesMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{types.NewError(types.CodeNotFound, "refresher is not configured", nil), http.StatusNotFound},
		{types.NewError(types.CodeCredentialExpired, "expired", nil), http.StatusServiceUnavailable},
		{types.NewError(types.CodeUpstream, "bad gateway", nil), http.StatusBadGateway},
		{types.NewError(types.CodeUnknownProcessing, "odd", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := do(t, NewServer(&stubService{refreshErr: tc.err}, nil), http.MethodPost, "/api/v1/credentials/refresh", "")
		if w.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestListLives(t *testing.T) {
	w := do(t, NewServer(&stubService{lives: []int{2, 3}}, nil), http.MethodGet, "/api/v1/lives", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got types.LiveStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if got.Count != 2 {
		t.Fatalf("lives = %+v", got)
	}
}

func TestTestNotification(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)

	w := do(t, h, http.MethodPost, "/api/v1/notifications/test", `{"message":"ping"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if svc.lastMessage != "ping" {
		t.Fatalf("message = %q; want %q", svc.lastMessage, "ping")
	}

	w = do(t, h, http.MethodPost, "/api/v1/notifications/test", `{"message":"  "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank message status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestEventRoutesNeedBroker(t *testing.T) {
	w := do(t, NewServer(&stubService{}, nil), http.MethodGet, "/api/v1/events", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status without broker = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestEventStreamDeliversPublishedEvents(t *testing.T) {
	broker := relay.NewBroker()
	srv := httptest.NewServer(NewServer(&stubService{}, broker))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for broker.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := broker.PublishKind(relay.KindLive, map[string]int{"user_id": 4}); err != nil {
		t.Fatalf("PublishKind() error = %v", err)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "event: ") {
			if got := strings.TrimPrefix(sc.Text(), "event: "); got != relay.KindLive {
				t.Fatalf("event = %q; want %q", got, relay.KindLive)
			}
			return
		}
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}
