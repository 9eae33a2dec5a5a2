package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	vaultwatch "github.com/keeperhq/vaultwatch"
)

// Band is an escalation level derived from how close a vault is to its
// release deadline.
type Band int

const (
	// BandNone means the vault is healthy and needs no notification.
	BandNone Band = iota
	// BandApproaching fires when the deadline is within seven days.
	BandApproaching
	// BandUrgent fires when the deadline is within three days.
	BandUrgent
	// BandFinal fires when the deadline is within one day.
	BandFinal
	// BandExpired fires once the deadline has passed.
	BandExpired
)

// String implements fmt.Stringer.
func (b Band) String() string {
	switch b {
	case BandNone:
		return "none"
	case BandApproaching:
		return "approaching"
	case BandUrgent:
		return "urgent"
	case BandFinal:
		return "final"
	case BandExpired:
		return "expired"
	default:
		return fmt.Sprintf("band(%d)", int(b))
	}
}

// Notification describes a single escalation event for a vault.
type Notification struct {
	Vault     vaultwatch.Address `json:"vault"`
	Owner     vaultwatch.Address `json:"owner"`
	Name      string             `json:"name,omitempty"`
	Band      Band               `json:"-"`
	BandName  string             `json:"band"`
	Deadline  time.Time          `json:"deadline"`
	Remaining time.Duration      `json:"-"`
	Bounty    uint64             `json:"bounty,omitempty"`
	SentAt    time.Time          `json:"sent_at"`
}

// Notifier delivers escalation notifications. Delivery is best-effort;
// a failed delivery must not block the monitoring cycle.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, n *Notification) error {
	attrs := []any{
		"vault", n.Vault.Short(),
		"owner", n.Owner.Short(),
		"band", n.Band.String(),
		"deadline", n.Deadline,
	}
	if n.Name != "" {
		attrs = append(attrs, "name", n.Name)
	}

	switch n.Band {
	case BandExpired:
		attrs = append(attrs, "bounty", n.Bounty)
		l.logger.Error("vault has expired and is eligible for release", attrs...)
	case BandFinal:
		l.logger.Warn("vault deadline within one day", append(attrs, "remaining", n.Remaining)...)
	case BandUrgent:
		l.logger.Warn("vault deadline within three days", append(attrs, "remaining", n.Remaining)...)
	default:
		l.logger.Info("vault deadline approaching", append(attrs, "remaining", n.Remaining)...)
	}
	return nil
}

// WebhookNotifier POSTs notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier that delivers to url.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, n *Notification) error {
	n.BandName = n.Band.String()

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
