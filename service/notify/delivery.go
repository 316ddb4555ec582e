package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"WorkChat/service/bus"
	"WorkChat/service/storage"
	"WorkChat/tools/errs"
)

// Deliverer is one delivery strategy (push, email, in-app, webhook).
// Deliver is invoked off the dispatcher loop and must be safe to call
// concurrently.
type Deliverer interface {
	Type() string
	Deliver(ctx context.Context, n Notification) error
}

// PushSender hands a payload to the platform push service for one device
// token. Provided by the transport/integration layer.
type PushSender func(ctx context.Context, token string, payload map[string]any) error

// EmailSender hands a rendered notification to the mail relay.
type EmailSender func(ctx context.Context, address string, payload map[string]any) error

// ----- push -----

type PushDeliverer struct {
	Dir  storage.Directory
	Send PushSender
}

func (p *PushDeliverer) Type() string { return TypePush }

func (p *PushDeliverer) Deliver(ctx context.Context, n Notification) error {
	tokens, err := p.Dir.DeviceTokens(ctx, n.RecipientID)
	if err != nil {
		return errs.ErrDeliveryFailed.WrapMsg("device tokens", "user", n.RecipientID, "err", err)
	}
	if len(tokens) == 0 {
		// nothing registered: delivered vacuously
		return nil
	}
	var lastErr error
	for _, tok := range tokens {
		if err := p.Send(ctx, tok, n.Payload); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return errs.ErrDeliveryFailed.WrapMsg("push send", "user", n.RecipientID, "err", lastErr)
	}
	return nil
}

// ----- email -----

type EmailDeliverer struct {
	Dir  storage.Directory
	Send EmailSender
}

func (e *EmailDeliverer) Type() string { return TypeEmail }

func (e *EmailDeliverer) Deliver(ctx context.Context, n Notification) error {
	addr, err := e.Dir.Email(ctx, n.RecipientID)
	if err != nil {
		return errs.ErrDeliveryFailed.WrapMsg("email lookup", "user", n.RecipientID, "err", err)
	}
	if addr == "" {
		return nil
	}
	if err := e.Send(ctx, addr, n.Payload); err != nil {
		return errs.ErrDeliveryFailed.WrapMsg("email send", "user", n.RecipientID, "err", err)
	}
	return nil
}

// ----- in-app -----

// InAppDeliverer publishes onto the per-user notification topic; the
// session layer relays it to any live connection.
type InAppDeliverer struct {
	Bus bus.Bus
}

func (i *InAppDeliverer) Type() string { return TypeInApp }

func (i *InAppDeliverer) Deliver(_ context.Context, n Notification) error {
	i.Bus.Publish(bus.NotifyUserTopic(n.RecipientID), bus.Event{
		Type: "notification",
		Payload: map[string]any{
			"id":      n.ID,
			"payload": n.Payload,
		},
	})
	return nil
}

// ----- webhook -----

type WebhookDeliverer struct {
	Dir    storage.Directory
	Client *http.Client
}

func (w *WebhookDeliverer) Type() string { return TypeWebhook }

func (w *WebhookDeliverer) Deliver(ctx context.Context, n Notification) error {
	url, err := w.Dir.WebhookURL(ctx, n.RecipientID)
	if err != nil {
		return errs.ErrDeliveryFailed.WrapMsg("webhook lookup", "user", n.RecipientID, "err", err)
	}
	if url == "" {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"id":      n.ID,
		"type":    n.Type,
		"payload": n.Payload,
		"ts":      n.CreatedAt,
	})
	if err != nil {
		return errs.WrapMsg(err, "marshal webhook body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errs.WrapMsg(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return errs.ErrDeliveryFailed.WrapMsg("webhook post", "url", url, "err", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errs.ErrDeliveryFailed.WrapMsg("webhook status", "url", url, "status", fmt.Sprint(resp.StatusCode))
	}
	return nil
}
