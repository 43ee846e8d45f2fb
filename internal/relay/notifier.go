package relay

import (
	"context"

	"github.com/dgnsrekt/chapoco/internal/notify"
)

type notificationPayload struct {
	Title    string `json:"title,omitempty"`
	Body     string `json:"message"`
	URL      string `json:"url,omitempty"`
	URLTitle string `json:"url_title,omitempty"`
	HasImage bool   `json:"has_image,omitempty"`
}

// Notifier publishes every message to the broker as a notification event, so
// stream clients see the same alerts as push subscribers.
type Notifier struct {
	Broker *Broker
}

func (n Notifier) Notify(_ context.Context, msg notify.Message) error {
	return n.Broker.PublishKind(KindNotification, notificationPayload{
		Title:    msg.Title,
		Body:     msg.Body,
		URL:      msg.URL,
		URLTitle: msg.URLTitle,
		HasImage: len(msg.Image) > 0,
	})
}
