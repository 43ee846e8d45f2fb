// Package cdp attaches to a running browser over the Chrome DevTools Protocol
// and forwards outgoing requests from matching tabs.
package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// RequestSink receives every request a watched tab is about to send.
type RequestSink interface {
	OnRequestWillBeSent(tabID string, ev *network.EventRequestWillBeSent) bool
}

// Client manages CDP connections to browser tabs.
type Client struct {
	url       string
	tabFilter string
	sink      RequestSink

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabs        map[target.ID]*TabContext
	tabsMu      sync.RWMutex
}

type TabContext struct {
	ID     target.ID
	URL    string
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client for the browser debugging endpoint at url. Only
// page targets whose URL contains tabFilter are watched; an empty filter
// watches every page.
func NewClient(url, tabFilter string, sink RequestSink) *Client {
	return &Client{
		url:       url,
		tabFilter: tabFilter,
		sink:      sink,
		tabs:      make(map[target.ID]*TabContext),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	slog.Info("connecting to browser", "url", c.url)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), c.url)

	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()

	if err := chromedp.Run(tempCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}

	slog.Info("found browser targets", "count", len(targets))

	attachedCount := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if !c.matchesTabURL(t.URL) {
			slog.Debug("skipping tab (url filter)", "url", t.URL)
			continue
		}
		if err := c.attachToTab(t.TargetID, t.URL); err != nil {
			slog.Error("failed to attach to tab", "target_id", t.TargetID, "url", t.URL, "error", err)
			continue
		}
		attachedCount++
	}

	if attachedCount == 0 {
		return fmt.Errorf("no tabs found matching CHAPOCO_CDP_TAB_FILTER=%q", c.tabFilter)
	}

	slog.Info("attached to tabs", "count", attachedCount, "tab_filter", c.tabFilter)
	return nil
}

func (c *Client) attachToTab(targetID target.ID, url string) error {
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	tab := &TabContext{ID: targetID, URL: url, ctx: tabCtx, cancel: tabCancel}

	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		tabCancel()
		return fmt.Errorf("failed to enable network domain: %w", err)
	}

	c.tabsMu.Lock()
	c.tabs[targetID] = tab
	c.tabsMu.Unlock()

	slog.Info("attached to tab", "target_id", targetID, "url", truncateURL(url))
	chromedp.ListenTarget(tabCtx, c.createEventHandler(string(targetID)))
	return nil
}

func (c *Client) createEventHandler(tabID string) func(ev interface{}) {
	return func(ev interface{}) {
		if e, ok := ev.(*network.EventRequestWillBeSent); ok {
			c.sink.OnRequestWillBeSent(tabID, e)
		}
	}
}

func (c *Client) Close() error {
	c.tabsMu.Lock()
	for _, tab := range c.tabs {
		tab.cancel()
	}
	c.tabs = make(map[target.ID]*TabContext)
	c.tabsMu.Unlock()

	if c.allocCancel != nil {
		c.allocCancel()
	}

	slog.Info("CDP client closed")
	return nil
}

func (c *Client) TabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

func (c *Client) matchesTabURL(url string) bool {
	if c.tabFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(c.tabFilter))
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
