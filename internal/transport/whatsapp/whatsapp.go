// Package whatsapp sends messages through the WhatsApp Business Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	kit "tutorbot/internal/transport"
	logx "tutorbot/pkg/logx"
)

const DefaultAPIBase = "https://graph.facebook.com/v21.0"

type Config struct {
	Token         string
	PhoneNumberID string
	APIBase       string
	HTTPClient    *http.Client
}

type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

var _ kit.Channel = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" || strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, errors.New("whatsapp token and phone number id are required")
	}
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = DefaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// per-attempt deadlines come from the caller's context
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{cfg: cfg, log: log, http: hc}, nil
}

func (c *Client) Name() string { return kit.ChannelWhatsApp }

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type mediaRef struct {
	ID      string `json:"id"`
	Caption string `json:"caption,omitempty"`
}

type outbound struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             *textBody `json:"text,omitempty"`
	Image            *mediaRef `json:"image,omitempty"`
	Video            *mediaRef `json:"video,omitempty"`
}

type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) SendMessage(ctx context.Context, recipientID, text string) (string, error) {
	return c.send(ctx, "sendMessage", outbound{
		To:   normalizePhone(recipientID),
		Type: "text",
		Text: &textBody{Body: text},
	})
}

func (c *Client) SendPhoto(ctx context.Context, recipientID, path, caption string) (string, error) {
	const op = "sendPhoto"
	id, err := c.upload(ctx, op, path)
	if err != nil {
		return "", err
	}
	return c.send(ctx, op, outbound{
		To:    normalizePhone(recipientID),
		Type:  "image",
		Image: &mediaRef{ID: id, Caption: caption},
	})
}

func (c *Client) SendVideo(ctx context.Context, recipientID, path, caption string) (string, error) {
	const op = "sendVideo"
	id, err := c.upload(ctx, op, path)
	if err != nil {
		return "", err
	}
	return c.send(ctx, op, outbound{
		To:    normalizePhone(recipientID),
		Type:  "video",
		Video: &mediaRef{ID: id, Caption: caption},
	})
}

func (c *Client) send(ctx context.Context, op string, msg outbound) (string, error) {
	if msg.To == "" {
		return "", kit.NewError(kit.KindApplication, kit.ChannelWhatsApp, op, "invalid phone number", nil)
	}
	msg.MessagingProduct = "whatsapp"
	msg.RecipientType = "individual"
	b, err := json.Marshal(msg)
	if err != nil {
		return "", kit.NewError(kit.KindApplication, kit.ChannelWhatsApp, op, "", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("messages"), bytes.NewReader(b))
	if err != nil {
		return "", kit.NewError(kit.KindApplication, kit.ChannelWhatsApp, op, "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := c.do(req, op, &out); err != nil {
		return "", err
	}
	if len(out.Messages) == 0 {
		return "", kit.NewError(kit.KindApplication, kit.ChannelWhatsApp, op, "response has no message id", nil)
	}
	return out.Messages[0].ID, nil
}

// upload stores a local file as WhatsApp media and returns its id.
func (c *Client) upload(ctx context.Context, op, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", kit.NewError(kit.KindApplication, kit.ChannelWhatsApp, op, "cannot open media file", err)
	}
	defer f.Close()

	ctype := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if ctype == "" {
		ctype = "application/octet-stream"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("messaging_product", "whatsapp")
	_ = mw.WriteField("type", ctype)
	part, err := mw.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path))},
		"Content-Type":        {ctype},
	})
	if err == nil {
		_, err = io.Copy(part, f)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return "", kit.NewError(kit.KindApplication, kit.ChannelWhatsApp, op, "cannot read media file", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("media"), &body)
	if err != nil {
		return "", kit.NewError(kit.KindApplication, kit.ChannelWhatsApp, op, "", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, op, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", kit.NewError(kit.KindApplication, kit.ChannelWhatsApp, op, "media upload returned no id", nil)
	}
	return out.ID, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			err = ctxErr
		}
		return kit.Wrap(kit.ChannelWhatsApp, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return kit.Wrap(kit.ChannelWhatsApp, op, err)
	}
	if resp.StatusCode/100 != 2 {
		return statusError(op, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return kit.NewError(kit.KindApplication, kit.ChannelWhatsApp, op, "malformed response", err)
	}
	return nil
}

// statusError maps an HTTP failure: 5xx and 408 are transient, the rest
// (rate limits included) are rejections.
func statusError(op string, status int, raw []byte) *kit.DeliveryError {
	detail := http.StatusText(status)
	var ae apiError
	if json.Unmarshal(raw, &ae) == nil && ae.Error != nil && ae.Error.Message != "" {
		detail = ae.Error.Message
	}
	err := fmt.Errorf("whatsapp: http %d", status)
	switch {
	case status >= 500:
		return kit.NewError(kit.KindConnectivity, kit.ChannelWhatsApp, op, detail, err)
	case status == http.StatusRequestTimeout:
		return kit.NewError(kit.KindTimeout, kit.ChannelWhatsApp, op, detail, err)
	default:
		return kit.NewError(kit.KindApplication, kit.ChannelWhatsApp, op, detail, err)
	}
}

func (c *Client) endpoint(resource string) string {
	return c.cfg.APIBase + "/" + c.cfg.PhoneNumberID + "/" + resource
}

// normalizePhone keeps digits only; the Cloud API wants E.164 without "+".
func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
