package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SubscriptionStore lists and prunes registered push endpoints.
type SubscriptionStore interface {
	ListPushSubscriptions() ([]Subscription, error)
	DeletePushSubscription(id string) error
}

// Subscription is one browser push endpoint.
type Subscription struct {
	ID       string
	Endpoint string
}

// PushPayload is the wire shape delivered to push endpoints.
type PushPayload struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tag   string   `json:"tag"`
	Data  PushData `json:"data"`
}

type PushData struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
}

// PushChannel delivers a trigger to every subscribed browser endpoint. An
// endpoint answering 404 or 410 is gone and gets pruned silently; every other
// failure is only logged.
type PushChannel struct {
	store   SubscriptionStore
	httpc   *http.Client
	logger  *slog.Logger
	baseURL string // public gateway URL placed in payload data
}

func NewPushChannel(store SubscriptionStore, baseURL string) *PushChannel {
	return &PushChannel{
		store:   store,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default().With("component", "push"),
		baseURL: baseURL,
	}
}

// SendAll fans a trigger out to all subscriptions.
func (c *PushChannel) SendAll(ctx context.Context, t Trigger) {
	subs, err := c.store.ListPushSubscriptions()
	if err != nil {
		c.logger.Warn("list push subscriptions failed", "err", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(PushPayload{
		Title: t.Title,
		Body:  t.Body,
		Tag:   t.Tag,
		Data: PushData{
			URL:       c.baseURL + "/#/session/" + t.SessionID,
			SessionID: t.SessionID,
			Type:      string(t.Kind),
		},
	})
	if err != nil {
		c.logger.Error("marshal push payload failed", "err", err)
		return
	}

	for _, sub := range subs {
		if err := c.send(ctx, sub, payload); err != nil {
			c.logger.Debug("push delivery failed", "endpoint", sub.Endpoint, "err", err)
		}
	}
}

func (c *PushChannel) send(ctx context.Context, sub Subscription, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("TTL", "60")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		// Subscription no longer valid: prune, never surface.
		if err := c.store.DeletePushSubscription(sub.ID); err != nil {
			c.logger.Warn("prune push subscription failed", "id", sub.ID, "err", err)
		} else {
			c.logger.Debug("pruned gone push subscription", "id", sub.ID)
		}
		return fmt.Errorf("push: HTTP %d (pruned)", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push: HTTP %d", resp.StatusCode)
	}
	return nil
}
