package credential

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/chapoco/internal/har"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func entry(url string, headers ...string) har.Entry {
	e := har.Entry{Request: har.Request{Method: http.MethodGet, URL: url}}
	for i := 0; i+1 < len(headers); i += 2 {
		e.Request.Headers = append(e.Request.Headers, har.Header{Name: headers[i], Value: headers[i+1]})
	}
	return e
}

func apiEntry(token string, extra ...string) har.Entry {
	return entry("https://api.pococha.com/v1/my_profile", append([]string{"x-pokota-token", token}, extra...)...)
}

func TestUpdateFromLogUsesLastMatchingEntry(t *testing.T) {
	s := NewStore("", nil)
	log := &har.Log{Entries: []har.Entry{
		apiEntry("first"),
		entry("https://example.com/other", "x-pokota-token", "foreign"),
		apiEntry("last"),
		entry("https://api.pococha.com/v1/no_token", "accept", "*/*"),
	}}

	if !s.UpdateFromLog(log) {
		t.Fatal("UpdateFromLog() = false; want true")
	}
	token, ok := s.CurrentToken()
	if !ok || token != "last" {
		t.Fatalf("CurrentToken() = %q, %v; want %q, true", token, ok, "last")
	}
	if !s.IsValid() {
		t.Fatal("IsValid() = false; want true")
	}
}

func TestUpdateFromLogWithoutMatchesLeavesStoreUnchanged(t *testing.T) {
	clock := newFakeClock()
	s := NewStore("", nil, WithClock(clock.Now))
	s.UpdateFromLog(&har.Log{Entries: []har.Entry{apiEntry("T1", "user-agent", "app")}})
	before := s.Snapshot()

	clock.Advance(time.Minute)
	log := &har.Log{Entries: []har.Entry{
		entry("https://example.com/", "x-pokota-token", "T2"),
		entry("https://api.pococha.com/v1/lives", "accept", "*/*"),
		apiEntry("T1"),
		apiEntry("   "),
	}}
	if s.UpdateFromLog(log) {
		t.Fatal("UpdateFromLog() = true; want false")
	}

	after := s.Snapshot()
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("UpdatedAt = %v; want %v", after.UpdatedAt, before.UpdatedAt)
	}
	if got, want := after.Headers["user-agent"], "app"; got != want {
		t.Fatalf("user-agent = %q; want %q", got, want)
	}
	if s.UpdateFromLog(nil) {
		t.Fatal("UpdateFromLog(nil) = true; want false")
	}
}

func TestUpdateFromLogSkipsSameTokenButTakesEarlierDifferentOne(t *testing.T) {
	s := NewStore("", nil)
	s.UpdateFromLog(&har.Log{Entries: []har.Entry{apiEntry("T1")}})

	log := &har.Log{Entries: []har.Entry{apiEntry("T0"), apiEntry("T1")}}
	if !s.UpdateFromLog(log) {
		t.Fatal("UpdateFromLog() = false; want true")
	}
	if token, _ := s.CurrentToken(); token != "T0" {
		t.Fatalf("CurrentToken() = %q; want %q", token, "T0")
	}
}

func TestTokenHeaderMatchesCaseInsensitively(t *testing.T) {
	s := NewStore("", nil)
	log := &har.Log{Entries: []har.Entry{
		entry("http://api.pococha.com/v5/lives", "X-Pokota-Token", "T9"),
	}}
	if !s.UpdateFromLog(log) {
		t.Fatal("UpdateFromLog() = false; want true")
	}
	if token, _ := s.CurrentToken(); token != "T9" {
		t.Fatalf("CurrentToken() = %q; want %q", token, "T9")
	}
}

func TestInvalidateClearsWhenNoNewerUpdate(t *testing.T) {
	clock := newFakeClock()
	s := NewStore("", nil, WithClock(clock.Now))
	s.UpdateFromLog(&har.Log{Entries: []har.Entry{apiEntry("T1")}})

	clock.Advance(time.Second)
	if !s.Invalidate() {
		t.Fatal("Invalidate() = false; want true")
	}
	if s.IsValid() {
		t.Fatal("IsValid() = true after invalidation; want false")
	}
	if got, want := s.Snapshot().UpdatedAt, clock.Now(); !got.Equal(want) {
		t.Fatalf("UpdatedAt = %v; want %v", got, want)
	}
}

func TestInvalidateAsOfSkipsWhenUpdatedAfterRequest(t *testing.T) {
	clock := newFakeClock()
	s := NewStore("", nil, WithClock(clock.Now))

	requested := clock.Now()
	clock.Advance(time.Second)
	s.UpdateFromLog(&har.Log{Entries: []har.Entry{apiEntry("fresh")}})
	updatedAt := s.Snapshot().UpdatedAt

	clock.Advance(time.Second)
	if s.InvalidateAsOf(requested) {
		t.Fatal("InvalidateAsOf(stale) = true; want false")
	}
	if token, _ := s.CurrentToken(); token != "fresh" {
		t.Fatalf("CurrentToken() = %q; want %q", token, "fresh")
	}
	if got := s.Snapshot().UpdatedAt; !got.Equal(updatedAt) {
		t.Fatalf("UpdatedAt = %v; want unchanged %v", got, updatedAt)
	}
}

func TestInvalidateAfterClearAllowsSameTokenAgain(t *testing.T) {
	clock := newFakeClock()
	s := NewStore("", nil, WithClock(clock.Now))
	log := &har.Log{Entries: []har.Entry{apiEntry("T1")}}
	s.UpdateFromLog(log)
	clock.Advance(time.Second)
	s.Invalidate()

	clock.Advance(time.Second)
	if !s.UpdateFromLog(log) {
		t.Fatal("UpdateFromLog() after invalidate = false; want true")
	}
}

func TestConcurrentUpdateAndStaleInvalidateNeverLosesFreshToken(t *testing.T) {
	s := NewStore("", nil)
	for i := 0; i < 500; i++ {
		stale := time.Now()
		token := fmt.Sprintf("T%d", i)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.UpdateFromLog(&har.Log{Entries: []har.Entry{apiEntry(token)}})
		}()
		go func() {
			defer wg.Done()
			s.InvalidateAsOf(stale)
		}()
		wg.Wait()

		got, ok := s.CurrentToken()
		if !ok || got != token {
			t.Fatalf("iteration %d: CurrentToken() = %q, %v; want %q, true", i, got, ok, token)
		}
	}
}

func TestApplyToCopiesHeadersExceptContentHeaders(t *testing.T) {
	s := NewStore("", nil)
	s.UpdateFromLog(&har.Log{Entries: []har.Entry{apiEntry("T1",
		"Content-Type", "application/x-www-form-urlencoded",
		"content-length", "42",
		":authority", "api.pococha.com",
		"x-pokota-device-session-id", "dev-1",
	)}})

	req, err := http.NewRequest(http.MethodGet, "https://api.pococha.com/v1/my_profile", nil)
	if err != nil {
		t.Fatalf("http.NewRequest() failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.ApplyTo(req)

	if got, want := req.Header.Get("x-pokota-token"), "T1"; got != want {
		t.Fatalf("token header = %q; want %q", got, want)
	}
	if got, want := req.Header.Get("x-pokota-device-session-id"), "dev-1"; got != want {
		t.Fatalf("device header = %q; want %q", got, want)
	}
	if got, want := req.Header.Get("Content-Type"), "application/json"; got != want {
		t.Fatalf("content-type = %q; want %q", got, want)
	}
	if got := req.Header.Get("Content-Length"); got != "" {
		t.Fatalf("content-length = %q; want empty", got)
	}
	if _, ok := req.Header[":authority"]; ok {
		t.Fatal("pseudo header copied onto request")
	}
}

func TestApplyToOnEmptyStoreAddsNothing(t *testing.T) {
	s := NewStore("", nil)
	req, _ := http.NewRequest(http.MethodGet, "https://api.pococha.com/", nil)
	s.ApplyTo(req)
	if len(req.Header) != 0 {
		t.Fatalf("headers = %v; want none", req.Header)
	}
}
