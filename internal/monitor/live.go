// Package monitor holds the scheduled tasks that watch upstream state and
// alert on changes.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/chapoco/internal/notify"
	"github.com/dgnsrekt/chapoco/internal/pococha"
	"github.com/dgnsrekt/chapoco/internal/types"
)

const (
	thumbnailTimeout  = 3 * time.Second
	maxThumbnailBytes = 2 << 20
	defaultImageType  = "image/png"
	viewLinkTitle     = "View Stream"
)

// LivesSource lists followed accounts that are currently on air.
type LivesSource interface {
	FollowingCurrentlyLive(ctx context.Context) (*pococha.LivesResource, error)
}

// LiveConfig configures a LiveMonitor.
type LiveConfig struct {
	// ViewURLTemplate builds the alert link; {live_id} and {user_id} are
	// replaced. Empty uses the live's own URL.
	ViewURLTemplate string
	// ThumbnailClient downloads thumbnails. Nil uses a client with a 3s timeout.
	ThumbnailClient *http.Client
	// OnLive is called for every newly live resource after it was notified.
	OnLive func(pococha.LiveResource)
}

// LiveMonitor alerts once per user each time they go live.
type LiveMonitor struct {
	source   LivesSource
	notifier notify.Notifier
	cfg      LiveConfig

	mu       sync.Mutex
	previous map[int]struct{}
}

// NewLiveMonitor creates a monitor with an empty previous set.
func NewLiveMonitor(source LivesSource, notifier notify.Notifier, cfg LiveConfig) *LiveMonitor {
	if cfg.ThumbnailClient == nil {
		cfg.ThumbnailClient = &http.Client{Timeout: thumbnailTimeout}
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &LiveMonitor{
		source:   source,
		notifier: notifier,
		cfg:      cfg,
		previous: map[int]struct{}{},
	}
}

// Diff returns the ids present in current but not in previous, ascending.
func Diff(previous, current map[int]struct{}) []int {
	var added []int
	for id := range current {
		if _, ok := previous[id]; !ok {
			added = append(added, id)
		}
	}
	sort.Ints(added)
	return added
}

// Run polls once, replaces the previous set with the current one and alerts
// for every newly live user. An expired credential skips the cycle without
// touching the previous set.
func (m *LiveMonitor) Run(ctx context.Context) error {
	lives, err := m.source.FollowingCurrentlyLive(ctx)
	if types.HasCode(err, types.CodeCredentialExpired) {
		slog.Debug("live check skipped, credential expired")
		return nil
	}
	if err != nil {
		return fmt.Errorf("retrieve live users: %w", err)
	}

	current := make(map[int]struct{}, len(lives.LiveResources))
	for _, id := range lives.UserIDs() {
		current[id] = struct{}{}
	}

	m.mu.Lock()
	added := Diff(m.previous, current)
	m.previous = current
	m.mu.Unlock()

	slog.Info("live users checked", "new", len(added), "live", len(current))

	for _, id := range added {
		lr, ok := lives.ByUser(id)
		if !ok {
			continue
		}
		if err := m.notifier.Notify(ctx, m.message(ctx, lr)); err != nil {
			slog.Warn("live notification failed", "user_id", id, "error", err)
		}
		if m.cfg.OnLive != nil {
			m.cfg.OnLive(lr)
		}
	}
	return nil
}

// Live returns the user ids seen live on the last successful poll, ascending.
func (m *LiveMonitor) Live() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.previous))
	for id := range m.previous {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (m *LiveMonitor) message(ctx context.Context, lr pococha.LiveResource) notify.Message {
	user := lr.Broadcaster()
	msg := notify.Message{
		Title:    user.Name + " went live!",
		Body:     lr.Live.Title,
		URL:      m.viewURL(lr),
		URLTitle: viewLinkTitle,
	}
	if msg.URL == "" {
		msg.URLTitle = ""
	}

	thumb := lr.Live.ThumbnailImageURL
	if thumb == "" {
		thumb = user.ThumbnailImageURL
	}
	if thumb != "" {
		img, imgType, err := m.downloadThumbnail(ctx, thumb)
		if err != nil {
			slog.Warn("thumbnail download failed", "live_id", lr.Live.ID, "url", thumb, "error", err)
		} else {
			msg.Image, msg.ImageType = img, imgType
		}
	}
	return msg
}

func (m *LiveMonitor) viewURL(lr pococha.LiveResource) string {
	if m.cfg.ViewURLTemplate == "" {
		return lr.Live.URL
	}
	return strings.NewReplacer(
		"{live_id}", strconv.Itoa(lr.Live.ID),
		"{user_id}", strconv.Itoa(lr.Broadcaster().ID),
	).Replace(m.cfg.ViewURLTemplate)
}

func (m *LiveMonitor) downloadThumbnail(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, thumbnailTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := m.cfg.ThumbnailClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxThumbnailBytes))
	if err != nil {
		return nil, "", err
	}
	imgType := resp.Header.Get("Content-Type")
	if imgType == "" {
		imgType = defaultImageType
	}
	return data, imgType, nil
}
