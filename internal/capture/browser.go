package capture

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/dgnsrekt/chapoco/internal/credential"
	"github.com/dgnsrekt/chapoco/internal/har"
)

// BrowserFeed turns requests observed in a browser into single-entry logs and
// offers them to the credential store, so a logged-in web session keeps the
// credential fresh without any capture files.
type BrowserFeed struct {
	store    *credential.Store
	onUpdate func(source string)

	seen     atomic.Int64
	accepted atomic.Int64
}

// NewBrowserFeed creates a feed. onUpdate, when set, is called after every
// rotation with a description of the source request.
func NewBrowserFeed(store *credential.Store, onUpdate func(source string)) *BrowserFeed {
	return &BrowserFeed{store: store, onUpdate: onUpdate}
}

// OnRequestWillBeSent offers one outgoing request to the store and reports
// whether it rotated the credential.
func (f *BrowserFeed) OnRequestWillBeSent(tabID string, ev *network.EventRequestWillBeSent) bool {
	if ev == nil || ev.Request == nil {
		return false
	}
	f.seen.Add(1)

	log := requestLog(ev)
	if !f.store.UpdateFromLog(log) {
		return false
	}
	f.accepted.Add(1)

	source := fmt.Sprintf("browser:%s/%s", tabID, ev.RequestID)
	slog.Info("credential rotated from browser", "tab_id", tabID, "url", ev.Request.URL)
	if f.onUpdate != nil {
		f.onUpdate(source)
	}
	return true
}

// Stats returns how many requests were seen and how many rotated the credential.
func (f *BrowserFeed) Stats() (seen, accepted int64) {
	return f.seen.Load(), f.accepted.Load()
}

func requestLog(ev *network.EventRequestWillBeSent) *har.Log {
	headers := headerMapToStringMap(ev.Request.Headers)
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	entry := har.Entry{
		Request: har.Request{
			Method:  ev.Request.Method,
			URL:     ev.Request.URL,
			Headers: make([]har.Header, 0, len(names)),
		},
	}
	if ev.WallTime != nil {
		entry.StartedDateTime = ev.WallTime.Time().UTC().Format(time.RFC3339Nano)
	}
	for _, name := range names {
		entry.Request.Headers = append(entry.Request.Headers, har.Header{Name: name, Value: headers[name]})
	}
	return &har.Log{Version: "1.2", Entries: []har.Entry{entry}}
}

func headerMapToStringMap(headers map[string]any) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}
