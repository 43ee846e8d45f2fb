package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// kindFilter parses ?kinds=a,b. A nil filter accepts every kind.
func kindFilter(r *http.Request) map[string]bool {
	q := r.URL.Query().Get("kinds")
	if q == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, k := range strings.Split(q, ",") {
		if k = strings.TrimSpace(k); k != "" {
			filter[k] = true
		}
	}
	return filter
}

// SSEHandler returns an http.HandlerFunc that streams events as SSE.
// Clients may filter kinds via the ?kinds=credential,live query parameter.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		filter := kindFilter(r)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if filter != nil && !filter[evt.Kind] {
					continue
				}
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, data)
				flusher.Flush()
			}
		}
	}
}
