package controller

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgnsrekt/chapoco/internal/credential"
	"github.com/dgnsrekt/chapoco/internal/monitor"
	"github.com/dgnsrekt/chapoco/internal/notify"
	"github.com/dgnsrekt/chapoco/internal/pococha"
	"github.com/dgnsrekt/chapoco/internal/refresher"
	"github.com/dgnsrekt/chapoco/internal/relay"
	"github.com/dgnsrekt/chapoco/internal/storage"
	"github.com/dgnsrekt/chapoco/internal/types"
)

// Journal records state changes.
type Journal interface {
	Append(kind string, data any) error
}

// Publisher pushes events to stream clients.
type Publisher interface {
	PublishKind(kind string, payload any) error
}

// Refresher runs one capture sweep on demand.
type Refresher interface {
	Refresh(ctx context.Context) (refresher.Result, error)
}

// LiveLister reports the live set of the last successful poll.
type LiveLister interface {
	Live() []int
}

// AuthState reports the last known authentication state.
type AuthState interface {
	State() (authenticated, known bool)
}

// Deps are the collaborators a Service routes through. Only Store is
// required.
type Deps struct {
	Store     *credential.Store
	Refresher Refresher
	Lives     LiveLister
	Auth      AuthState
	Checker   monitor.AuthChecker
	Notifier  notify.Notifier
	Journal   Journal
	Publisher Publisher
}

// Service joins the credential store, monitors and side channels behind the
// operations exposed by the status API and the daemon's hooks.
type Service struct {
	d Deps
}

func NewService(d Deps) *Service {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	return &Service{d: d}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return types.NewError(types.CodeValidation, fieldName+" is required", nil)
	}
	return nil
}

// Credentials returns the masked credential state.
func (s *Service) Credentials(ctx context.Context) (types.CredentialStatus, error) {
	snap := s.d.Store.Snapshot()
	header := s.d.Store.TokenHeader()

	names := make([]string, 0, len(snap.Headers))
	for name := range snap.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	status := types.CredentialStatus{
		TokenHeader: header,
		HeaderNames: names,
		UpdatedAt:   snap.UpdatedAt,
	}
	if token, ok := snap.Token(header); ok {
		status.Valid = true
		status.MaskedToken = MaskToken(token)
	}
	if s.d.Auth != nil {
		if authed, known := s.d.Auth.State(); known {
			status.Authenticated = &authed
		}
	}
	return status, nil
}

// InvalidateCredentials clears the store. It reports whether anything was
// cleared.
func (s *Service) InvalidateCredentials(ctx context.Context) (bool, error) {
	cleared := s.d.Store.Invalidate()
	if cleared {
		slog.Info("credentials invalidated on request")
		s.record(storage.KindCredentialInvalidated, relay.KindCredential, map[string]any{
			"reason": "manual",
			"valid":  false,
		})
	}
	return cleared, nil
}

// RefreshNow runs one refresher sweep outside the schedule.
func (s *Service) RefreshNow(ctx context.Context) (refresher.Result, error) {
	if s.d.Refresher == nil {
		return refresher.Result{}, types.NewError(types.CodeNotFound, "refresher is not configured", nil)
	}
	return s.d.Refresher.Refresh(ctx)
}

// Lives returns the live set of the last successful poll.
func (s *Service) Lives(ctx context.Context) (types.LiveStatus, error) {
	ids := []int{}
	if s.d.Lives != nil {
		ids = append(ids, s.d.Lives.Live()...)
	}
	return types.LiveStatus{UserIDs: ids, Count: len(ids)}, nil
}

// SendTestNotification pushes a message through every configured notifier.
func (s *Service) SendTestNotification(ctx context.Context, title, message string) error {
	if err := s.requireNonEmpty(message, "message"); err != nil {
		return err
	}
	if strings.TrimSpace(title) == "" {
		title = "chapoco test notification"
	}
	if err := s.d.Notifier.Notify(ctx, notify.Message{Title: title, Body: message}); err != nil {
		return types.NewError(types.CodeUpstream, "notification delivery failed", err)
	}
	return nil
}

// HandleRotation is called after a capture sweep rotated the credential.
func (s *Service) HandleRotation(ctx context.Context, u refresher.Update) {
	s.record(storage.KindCredentialRotated, relay.KindCredential, map[string]any{
		"source":  u.Source,
		"archive": u.Archive,
		"entries": u.Entries,
		"valid":   true,
	})
	if s.d.Checker == nil {
		return
	}
	if err := monitor.NotifyRotation(ctx, s.d.Checker, s.d.Notifier); err != nil {
		slog.Warn("rotation notification failed", "error", err)
	}
}

// HandleBrowserRotation is called when the browser feed adopted a token.
func (s *Service) HandleBrowserRotation(source string) {
	s.record(storage.KindCredentialRotated, relay.KindCredential, map[string]any{
		"source": source,
		"valid":  true,
	})
}

// HandleAuthChange is called on every authentication state transition.
func (s *Service) HandleAuthChange(authenticated bool) {
	s.record(storage.KindAuthChanged, relay.KindCredential, map[string]any{
		"authenticated": authenticated,
	})
}

// HandleLive is called for every user that started broadcasting.
func (s *Service) HandleLive(lr pococha.LiveResource) {
	user := lr.Broadcaster()
	s.record(storage.KindLiveStarted, relay.KindLive, map[string]any{
		"user_id": user.ID,
		"name":    user.Name,
		"live_id": lr.Live.ID,
		"title":   lr.Live.Title,
	})
}

func (s *Service) record(journalKind, eventKind string, data map[string]any) {
	if s.d.Journal != nil {
		if err := s.d.Journal.Append(journalKind, data); err != nil {
			slog.Warn("journal append failed", "kind", journalKind, "error", err)
		}
	}
	if s.d.Publisher != nil {
		payload := make(map[string]any, len(data)+1)
		for k, v := range data {
			payload[k] = v
		}
		payload["event"] = journalKind
		if err := s.d.Publisher.PublishKind(eventKind, payload); err != nil {
			slog.Warn("event publish failed", "kind", eventKind, "error", err)
		}
	}
}

// MaskToken keeps the first four characters of a token and hides the rest.
func MaskToken(token string) string {
	const visible = 4
	if len(token) <= visible*2 {
		return strings.Repeat("*", len(token))
	}
	return token[:visible] + strings.Repeat("*", len(token)-visible)
}
