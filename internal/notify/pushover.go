package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
)

const DefaultPushoverEndpoint = "https://api.pushover.net/1/messages.json"

// Pushover sends messages through the Pushover messages API.
type Pushover struct {
	AppToken  string
	UserToken string
	Endpoint  string
	Client    *http.Client
}

type pushoverPayload struct {
	Token string `json:"token"`
	User  string `json:"user"`
	Message
}

func (p *Pushover) Notify(ctx context.Context, msg Message) error {
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = DefaultPushoverEndpoint
	}
	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}

	var (
		body        io.Reader
		contentType string
		err         error
	)
	if len(msg.Image) > 0 {
		body, contentType, err = p.multipartBody(msg)
	} else {
		body, contentType, err = p.jsonBody(msg)
	}
	if err != nil {
		return fmt.Errorf("pushover: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pushover notification failed: status=%d body=%s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return nil
}

func (p *Pushover) jsonBody(msg Message) (io.Reader, string, error) {
	data, err := json.Marshal(pushoverPayload{Token: p.AppToken, User: p.UserToken, Message: msg})
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}

func (p *Pushover) multipartBody(msg Message) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"token", p.AppToken},
		{"user", p.UserToken},
		{"title", msg.Title},
		{"message", msg.Body},
		{"url", msg.URL},
		{"url_title", msg.URLTitle},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	imageType := msg.ImageType
	if imageType == "" {
		imageType = http.DetectContentType(msg.Image)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="attachment"; filename="image"`)
	h.Set("Content-Type", imageType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(msg.Image); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
