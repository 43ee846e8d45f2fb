// Package har models the subset of the HTTP Archive (HAR 1.2) format that
// mitmdump's hardump addon emits, and loads it from plain or compressed files.
package har

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Document is the top-level HAR object.
type Document struct {
	Log *Log `json:"log"`
}

// Log is an ordered sequence of recorded request/response entries.
type Log struct {
	Version string   `json:"version,omitempty"`
	Creator *Creator `json:"creator,omitempty"`
	Entries []Entry  `json:"entries"`
}

// Creator names the tool that produced the log.
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Entry describes one request-response pair.
type Entry struct {
	StartedDateTime string   `json:"startedDateTime,omitempty"`
	Request         Request  `json:"request"`
	Response        Response `json:"response"`
}

// Request holds the recorded request line and headers.
type Request struct {
	Method      string   `json:"method"`
	URL         string   `json:"url"`
	HTTPVersion string   `json:"httpVersion,omitempty"`
	Headers     []Header `json:"headers"`
}

// Response holds recorded response metadata.
type Response struct {
	Status     int      `json:"status"`
	StatusText string   `json:"statusText,omitempty"`
	Headers    []Header `json:"headers,omitempty"`
}

// Header is a single name/value pair in recorded order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ErrNoLog is returned when a document parses as JSON but has no log object.
var ErrNoLog = errors.New("har: document has no log object")

// Parse decodes a HAR document. Empty input and documents without a log
// object are errors; a log with zero entries is valid.
func Parse(data []byte) (*Log, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("har: empty document")
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("har: decode: %w", err)
	}
	if doc.Log == nil {
		return nil, ErrNoLog
	}
	return doc.Log, nil
}

// Marshal encodes a log as a HAR document.
func Marshal(log *Log) ([]byte, error) {
	return json.Marshal(Document{Log: log})
}

// Header returns the value of the first header whose name matches
// case-insensitively.
func (r Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}
