package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Delivery channels reported by Notifier.Notify.
const (
	ChannelWS   = "ws"
	ChannelPush = "push"
)

// Notifier delivers an event to one identity, preferring its live connection
// and falling back to an HTTP push endpoint.
type Notifier struct {
	Registry *Registry
	Endpoint string
	Client   *http.Client
	log      *slog.Logger
}

func NewNotifier(reg *Registry, endpoint string, log *slog.Logger) *Notifier {
	return &Notifier{Registry: reg, Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, log: log}
}

type pushBody struct {
	Identity string `json:"identity"`
	Event    Event  `json:"event"`
}

// Notify returns the channel used. ErrNoSession means the identity is offline
// and no push endpoint is configured.
func (n *Notifier) Notify(ctx context.Context, identity string, e Event) (string, error) {
	if n.Registry != nil && n.Registry.SendTo(identity, e) {
		return ChannelWS, nil
	}
	if n.Endpoint == "" {
		return "", ErrNoSession
	}

	b, err := json.Marshal(pushBody{Identity: identity, Event: e})
	if err != nil {
		return "", fmt.Errorf("marshal push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("push %s: %w", identity, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("push %s: status %d", identity, resp.StatusCode)
	}
	n.log.Debug("push delivered", "identity", identity, "event", e.Type)
	return ChannelPush, nil
}
