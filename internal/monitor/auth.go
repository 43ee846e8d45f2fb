package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/chapoco/internal/notify"
)

// AuthChecker reports whether the held credential is accepted upstream.
type AuthChecker interface {
	IsAuthenticated(ctx context.Context) (bool, error)
}

var (
	authenticatedMessage = notify.Message{
		Title: "Pococha token updated",
		Body:  "Currently authenticated",
	}
	unauthenticatedMessage = notify.Message{
		Title: "Pococha token invalidated",
		Body:  "Currently unauthenticated. Please open up the pococha app for a token refresh",
	}
)

// AuthMonitor alerts on the first check and on every authentication change.
type AuthMonitor struct {
	checker  AuthChecker
	notifier notify.Notifier
	onChange func(authenticated bool)

	mu    sync.Mutex
	known bool
	last  bool
}

// NewAuthMonitor creates an AuthMonitor. onChange may be nil.
func NewAuthMonitor(checker AuthChecker, notifier notify.Notifier, onChange func(bool)) *AuthMonitor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &AuthMonitor{checker: checker, notifier: notifier, onChange: onChange}
}

// Run checks authentication once. A failed check leaves the known state alone.
func (m *AuthMonitor) Run(ctx context.Context) error {
	ok, err := m.checker.IsAuthenticated(ctx)
	if err != nil {
		return fmt.Errorf("check authentication: %w", err)
	}

	m.mu.Lock()
	changed := !m.known || ok != m.last
	m.known, m.last = true, ok
	m.mu.Unlock()

	if !changed {
		return nil
	}

	slog.Info("authentication state changed", "authenticated", ok)
	msg := unauthenticatedMessage
	if ok {
		msg = authenticatedMessage
	}
	if err := m.notifier.Notify(ctx, msg); err != nil {
		slog.Warn("authentication notification failed", "error", err)
	}
	if m.onChange != nil {
		m.onChange(ok)
	}
	return nil
}

// State returns the last observed state and whether any check succeeded yet.
func (m *AuthMonitor) State() (authenticated, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.known
}

// NotifyRotation reports a credential rotation together with whether the
// fresh credential is accepted.
func NotifyRotation(ctx context.Context, checker AuthChecker, notifier notify.Notifier) error {
	label := "Unauthenticated"
	ok, err := checker.IsAuthenticated(ctx)
	if err != nil {
		slog.Warn("authentication check after rotation failed", "error", err)
		label = "Unknown"
	} else if ok {
		label = "Authenticated"
	}
	return notifier.Notify(ctx, notify.Message{
		Title: "Pococha token updated",
		Body:  "Current authentication status: " + label,
	})
}
