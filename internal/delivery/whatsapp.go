package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"ezwatch/internal/model"
)

type WhatsAppConfig struct {
	WebhookURL  string
	BearerToken string
}

// WhatsAppSender posts alerts to a WhatsApp gateway webhook.
type WhatsAppSender struct {
	cfg    WhatsAppConfig
	client *http.Client
}

type whatsAppPayload struct {
	Text  string             `json:"text"`
	Event model.AlertMessage `json:"event"`
}

func NewWhatsAppSender(cfg WhatsAppConfig, client *http.Client) *WhatsAppSender {
	if client == nil {
		client = &http.Client{}
	}
	return &WhatsAppSender{cfg: cfg, client: client}
}

func (w *WhatsAppSender) Name() string { return ChannelWhatsApp }

func (w *WhatsAppSender) Destination() string { return "webhook" }

func (w *WhatsAppSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(whatsAppPayload{Text: msg.Text, Event: msg.Alert})
	if err != nil {
		return fmt.Errorf("marshal whatsapp payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.BearerToken)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send whatsapp: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("whatsapp webhook returned status %d", resp.StatusCode)
	}
	return nil
}
