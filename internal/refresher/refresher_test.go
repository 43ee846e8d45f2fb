package refresher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/chapoco/internal/capture"
	"github.com/dgnsrekt/chapoco/internal/credential"
	"github.com/dgnsrekt/chapoco/internal/har"
	"github.com/dgnsrekt/chapoco/internal/pococha"
	"github.com/dgnsrekt/chapoco/internal/storage"
	"github.com/dgnsrekt/chapoco/internal/types"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

const noTokenHAR = `{"log":{"entries":[{"request":{"method":"GET","url":"https://api.pococha.com/v1/app_launch","headers":[{"name":"accept","value":"*/*"}]},"response":{"status":200}}]}}`

func tokenHAR(token string) string {
	return `{"log":{"entries":[{"request":{"method":"GET","url":"https://api.pococha.com/v1/my_profile","headers":[{"name":"x-pokota-token","value":"` + token + `"},{"name":"content-length","value":"0"}]},"response":{"status":200}}]}}`
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}
	return path
}

func harLoader() Loader {
	return capture.NewConverter(capture.ConverterConfig{Binary: "/nonexistent/mitmdump"})
}

func TestRefreshTwoFilesThenUnauthorizedInvalidates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.har", noTokenHAR)
	writeFile(t, dir, "b.har", tokenHAR("T1"))

	store := credential.NewStore("", nil)
	r := New(Config{CaptureDir: dir}, harLoader(), store)

	res, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if res.Candidates != 2 || res.Failed != 0 || !res.Updated {
		t.Fatalf("Result = %+v; want 2 candidates, 0 failed, updated", res)
	}
	if !store.IsValid() {
		t.Fatal("IsValid() = false; want true")
	}
	if token, _ := store.CurrentToken(); token != "T1" {
		t.Fatalf("CurrentToken() = %q; want %q", token, "T1")
	}
	if left, _ := os.ReadDir(dir); len(left) != 0 {
		t.Fatalf("capture dir has %d files; want all removed", len(left))
	}

	client := pococha.NewClient("", &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if got := r.Header.Get("Content-Length"); got != "" {
			t.Fatalf("content-length copied from credential: %q", got)
		}
		return &http.Response{StatusCode: http.StatusUnauthorized, Body: io.NopCloser(strings.NewReader("")), Header: make(http.Header)}, nil
	})}, store)
	_, err = client.FollowingCurrentlyLive(context.Background())
	if !types.HasCode(err, types.CodeCredentialExpired) {
		t.Fatalf("FollowingCurrentlyLive() error = %v; want %s", err, types.CodeCredentialExpired)
	}
	if store.IsValid() {
		t.Fatal("IsValid() = true after 401; want false")
	}
}

type fakeLoader struct {
	logs  map[string]*har.Log
	errs  map[string]error
	calls []string
}

func (f *fakeLoader) ConvertFile(_ context.Context, path string) (*har.Log, error) {
	name := filepath.Base(path)
	f.calls = append(f.calls, name)
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	return f.logs[name], nil
}

func logWithToken(token string) *har.Log {
	return &har.Log{Entries: []har.Entry{{Request: har.Request{
		URL:     "https://api.pococha.com/v1/my_profile",
		Headers: []har.Header{{Name: "x-pokota-token", Value: token}},
	}}}}
}

func TestRefreshFailureDoesNotAbortLaterCaptures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1.flow", "x")
	writeFile(t, dir, "2.flow", "x")
	writeFile(t, dir, "3.flow", "x")
	writeFile(t, dir, ".hidden", "x")

	loader := &fakeLoader{
		logs: map[string]*har.Log{"3.flow": logWithToken("T3")},
		errs: map[string]error{
			"1.flow": types.NewError(types.CodeConversionFailed, "mitmdump failed", nil),
			"2.flow": errors.New("unexpected"),
		},
	}
	store := credential.NewStore("", nil)
	res, err := New(Config{CaptureDir: dir}, loader, store).Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if got, want := strings.Join(loader.calls, ","), "1.flow,2.flow,3.flow"; got != want {
		t.Fatalf("processing order = %s; want %s", got, want)
	}
	if res.Failed != 2 || !res.Updated {
		t.Fatalf("Result = %+v; want 2 failed, updated", res)
	}
	if token, _ := store.CurrentToken(); token != "T3" {
		t.Fatalf("CurrentToken() = %q; want T3", token)
	}
	left, _ := os.ReadDir(dir)
	if len(left) != 1 || left[0].Name() != ".hidden" {
		t.Fatalf("remaining files = %v; want only .hidden", left)
	}
}

func TestRefreshDryRunKeepsCaptures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.flow", "x")
	loader := &fakeLoader{logs: map[string]*har.Log{"a.flow": logWithToken("T1")}}

	_, err := New(Config{CaptureDir: dir, DryRun: true}, loader, credential.NewStore("", nil)).Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.flow")); err != nil {
		t.Fatalf("capture removed in dry run: %v", err)
	}
}

func TestRefreshArchivesRotationsAndWarmStarts(t *testing.T) {
	dir := t.TempDir()
	archive, err := storage.NewArchive(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatalf("storage.NewArchive() error = %v", err)
	}
	writeFile(t, dir, "a.har", tokenHAR("T1"))

	var updates []Update
	r := New(Config{CaptureDir: dir, WarmStart: true}, harLoader(), credential.NewStore("", nil),
		WithArchive(archive),
		WithOnUpdate(func(_ context.Context, u Update) { updates = append(updates, u) }),
	)
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(updates) != 1 || filepath.Base(updates[0].Archive) != "a.har.zst" {
		t.Fatalf("updates = %+v; want one archived as a.har.zst", updates)
	}

	// a fresh process warm starts from the archive and leaves it in place
	store := credential.NewStore("", nil)
	restarted := New(Config{CaptureDir: dir, WarmStart: true}, harLoader(), store, WithArchive(archive))
	res, err := restarted.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if res.Candidates != 1 || !res.Updated {
		t.Fatalf("Result = %+v; want warm start candidate", res)
	}
	if token, _ := store.CurrentToken(); token != "T1" {
		t.Fatalf("CurrentToken() = %q; want T1", token)
	}
	if _, err := os.Stat(updates[0].Archive); err != nil {
		t.Fatalf("warm start archive removed: %v", err)
	}

	// only the first cycle warm starts
	res, _ = restarted.Refresh(context.Background())
	if res.Candidates != 0 {
		t.Fatalf("second cycle candidates = %d; want 0", res.Candidates)
	}
}

func TestRefreshSkipsSettlingCaptures(t *testing.T) {
	dir := t.TempDir()
	old := writeFile(t, dir, "old.flow", "x")
	writeFile(t, dir, "fresh.flow", "x")
	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("os.Chtimes() failed: %v", err)
	}

	loader := &fakeLoader{logs: map[string]*har.Log{"old.flow": {}}}
	res, err := New(Config{CaptureDir: dir, Settle: 10 * time.Second}, loader, credential.NewStore("", nil)).Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if res.Candidates != 1 || loader.calls[0] != "old.flow" {
		t.Fatalf("Result = %+v calls = %v; want only old.flow", res, loader.calls)
	}
	if _, err := os.Stat(filepath.Join(dir, "fresh.flow")); err != nil {
		t.Fatalf("settling capture removed: %v", err)
	}
}

func TestRefreshMissingDirectoryIsNotAnError(t *testing.T) {
	r := New(Config{CaptureDir: filepath.Join(t.TempDir(), "missing")}, &fakeLoader{}, credential.NewStore("", nil))
	res, err := r.Refresh(context.Background())
	if err != nil || res.Candidates != 0 {
		t.Fatalf("Refresh() = %+v, %v; want empty result", res, err)
	}
}

func TestRefreshStopsBeforeNextCandidateWhenCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1.flow", "x")
	writeFile(t, dir, "2.flow", "x")

	ctx, cancel := context.WithCancel(context.Background())
	loader := &fakeLoader{logs: map[string]*har.Log{"1.flow": {}, "2.flow": {}}}
	cancelling := loaderFunc(func(c context.Context, path string) (*har.Log, error) {
		cancel()
		if c.Err() != nil {
			t.Fatal("in-flight conversion saw the cancellation")
		}
		return loader.ConvertFile(c, path)
	})

	if _, err := New(Config{CaptureDir: dir}, cancelling, credential.NewStore("", nil)).Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := strings.Join(loader.calls, ","); got != "1.flow" {
		t.Fatalf("processed = %s; want only 1.flow", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "2.flow")); err != nil {
		t.Fatalf("unprocessed capture removed: %v", err)
	}
}

type loaderFunc func(ctx context.Context, path string) (*har.Log, error)

func (f loaderFunc) ConvertFile(ctx context.Context, path string) (*har.Log, error) {
	return f(ctx, path)
}
