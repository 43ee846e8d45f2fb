// Package credential holds the active set of harvested authentication headers.
//
// The header set is kept as an immutable Snapshot swapped wholesale under a
// single mutex. Every operation takes the lock once, so a reader never sees
// headers paired with a timestamp from a different write.
package credential

import (
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/chapoco/internal/har"
)

const (
	DefaultTokenHeader   = "x-pokota-token"
	DefaultOriginPattern = `^https?://api\.pococha\.com`
)

// Snapshot is one consistent view of the credential state. Headers must not
// be modified by callers.
type Snapshot struct {
	Headers   map[string]string
	UpdatedAt time.Time
}

// Token returns the value of the named header, matched case-insensitively.
func (s Snapshot) Token(name string) (string, bool) {
	for k, v := range s.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Store is the mutex-guarded holder of the active credential snapshot.
type Store struct {
	tokenHeader string
	origin      *regexp.Regexp
	now         func() time.Time

	mu   sync.Mutex
	snap Snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store. tokenHeader names the distinguished session
// header and origin matches request URLs belonging to the API.
func NewStore(tokenHeader string, origin *regexp.Regexp, opts ...Option) *Store {
	if tokenHeader == "" {
		tokenHeader = DefaultTokenHeader
	}
	if origin == nil {
		origin = regexp.MustCompile(DefaultOriginPattern)
	}
	s := &Store{
		tokenHeader: tokenHeader,
		origin:      origin,
		now:         time.Now,
		snap:        Snapshot{Headers: map[string]string{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TokenHeader returns the distinguished header name.
func (s *Store) TokenHeader() string { return s.tokenHeader }

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// CurrentToken returns the held session token, if any.
func (s *Store) CurrentToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTokenLocked()
}

func (s *Store) currentTokenLocked() (string, bool) {
	token, ok := s.snap.Token(s.tokenHeader)
	if !ok || strings.TrimSpace(token) == "" {
		return "", false
	}
	return token, true
}

// IsValid reports whether a non-empty token header is held.
func (s *Store) IsValid() bool {
	_, ok := s.CurrentToken()
	return ok
}

// UpdateFromLog replaces the header set with the headers of the last entry in
// log order that targets the API origin and carries a token different from the
// one held. It reports whether a replacement happened.
func (s *Store) UpdateFromLog(log *har.Log) bool {
	if log == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, _ := s.currentTokenLocked()
	for i := len(log.Entries) - 1; i >= 0; i-- {
		req := log.Entries[i].Request
		if !s.canUseForUpdate(req, current) {
			continue
		}
		headers := make(map[string]string, len(req.Headers))
		for _, h := range req.Headers {
			headers[h.Name] = h.Value
		}
		s.snap = Snapshot{Headers: headers, UpdatedAt: s.now()}
		return true
	}
	return false
}

func (s *Store) canUseForUpdate(req har.Request, current string) bool {
	token, ok := req.Header(s.tokenHeader)
	if !ok || strings.TrimSpace(token) == "" {
		return false
	}
	if token == current {
		return false
	}
	return s.origin.MatchString(req.URL)
}

// Invalidate clears the header set unless it was replaced after this call was
// made.
func (s *Store) Invalidate() bool {
	return s.InvalidateAsOf(s.now())
}

// InvalidateAsOf clears the header set only when at is after the last update,
// so a failure observed with an older credential never destroys a fresher one.
// It reports whether the set was cleared; an already empty set is left alone.
func (s *Store) InvalidateAsOf(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.snap.Headers) == 0 || !at.After(s.snap.UpdatedAt) {
		return false
	}
	s.snap = Snapshot{Headers: map[string]string{}, UpdatedAt: at}
	return true
}

// ApplyTo copies the held headers onto req, except content-type,
// content-length and HTTP/2 pseudo headers. It returns the moment the snapshot
// was read, for use with InvalidateAsOf.
func (s *Store) ApplyTo(req *http.Request) time.Time {
	s.mu.Lock()
	headers := s.snap.Headers
	readAt := s.now()
	s.mu.Unlock()

	for name, value := range headers {
		if skipHeader(name) {
			continue
		}
		req.Header.Set(name, value)
	}
	return readAt
}

func skipHeader(name string) bool {
	if strings.HasPrefix(name, ":") {
		return true
	}
	return strings.EqualFold(name, "content-type") || strings.EqualFold(name, "content-length")
}
