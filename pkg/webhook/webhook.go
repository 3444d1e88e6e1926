// Package webhook delivers the final execution outcome to the tenant's
// configured callback URL: HMAC-signed, retried on every sweep until
// MaxAttempts, and escalated to Slack once delivery attempts are exhausted.
// Config.InitialWait and Config.MaxWait are not read, so there is no growing
// delay between attempts beyond SweepInterval. The sweep loop
// mirrors the FOR UPDATE SKIP LOCKED outbox worker pattern used elsewhere
// in the stack, leasing pending-delivery executions from the Store instead
// of a dedicated outbox table.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/metrics"
	"github.com/synthome-dev/mediaforge/pkg/store"
)

// userAgent identifies outbound webhook requests to the receiving endpoint.
const userAgent = "Mediaforge-Webhooks/1.0"

// Config tunes delivery attempts and escalation.
type Config struct {
	MaxAttempts     int
	InitialWait     time.Duration
	MaxWait         time.Duration
	SweepInterval   time.Duration
	BatchSize       int
	SlackWebhookURL string
}

// DefaultConfig holds the webhook delivery defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		InitialWait:   2 * time.Second,
		MaxWait:       2 * time.Minute,
		SweepInterval: 2 * time.Second,
		BatchSize:     20,
	}
}

// payload is the JSON body POSTed to the tenant's webhook URL.
type payload struct {
	ExecutionID string                  `json:"executionId"`
	Status      domain.ExecutionStatus  `json:"status"`
	Result      *domain.ExecutionResult `json:"result,omitempty"`
	Error       *string                 `json:"error,omitempty"`
}

// Deliverer sweeps executions awaiting webhook delivery and attempts
// delivery with HMAC-SHA256 signing.
type Deliverer struct {
	store      store.Store
	httpClient *http.Client
	cfg        Config
	metrics    *metrics.Registry
	log        *zap.Logger
}

// New builds a Deliverer.
func New(st store.Store, httpClient *http.Client, cfg Config, log *zap.Logger) *Deliverer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Deliverer{store: st, httpClient: httpClient, cfg: cfg, log: log}
}

// WithMetrics enables Prometheus counters for delivery outcomes. Left
// unset, the deliverer runs uninstrumented.
func (d *Deliverer) WithMetrics(m *metrics.Registry) *Deliverer {
	d.metrics = m
	return d
}

// Run sweeps for pending deliveries until ctx is cancelled.
func (d *Deliverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sweepOnce(ctx); err != nil {
				d.log.Error("webhook sweep failed", zap.Error(err))
			}
		}
	}
}

func (d *Deliverer) sweepOnce(ctx context.Context) error {
	execs, err := d.store.ClaimPendingWebhookDeliveries(ctx, d.cfg.BatchSize, d.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		d.deliver(ctx, exec)
	}
	return nil
}

func (d *Deliverer) deliver(ctx context.Context, exec domain.Execution) {
	if exec.Webhook == nil {
		return
	}
	body, err := json.Marshal(payload{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Result:      exec.Result,
		Error:       exec.Error,
	})
	if err != nil {
		d.log.Error("marshaling webhook payload", zap.String("executionId", exec.ID), zap.Error(err))
		return
	}

	err = d.send(ctx, exec.Webhook.URL, exec.Webhook.Secret, body)
	if err == nil {
		if d.metrics != nil {
			d.metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		}
		if err := d.store.WithTx(ctx, func(tx store.Tx) error {
			return tx.MarkWebhookDelivered(ctx, exec.ID)
		}); err != nil {
			d.log.Error("marking webhook delivered", zap.String("executionId", exec.ID), zap.Error(err))
		}
		return
	}

	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	}
	errMsg := err.Error()
	if recErr := d.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.RecordWebhookAttempt(ctx, exec.ID, &errMsg)
	}); recErr != nil {
		d.log.Error("recording webhook attempt", zap.String("executionId", exec.ID), zap.Error(recErr))
	}

	if exec.WebhookDeliveryAttempts+1 >= d.cfg.MaxAttempts {
		if d.metrics != nil {
			d.metrics.WebhookDeliveries.WithLabelValues("escalated").Inc()
		}
		d.escalate(ctx, exec, err)
	}
}

func (d *Deliverer) send(ctx context.Context, url, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "building webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(secret, body))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "delivering webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.Newf(apperrors.ErrorTypeNetwork, "webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// escalate posts to Slack once delivery attempts are exhausted, so ops can
// follow up with the tenant manually.
func (d *Deliverer) escalate(ctx context.Context, exec domain.Execution, cause error) {
	if d.cfg.SlackWebhookURL == "" {
		return
	}
	msg := slack.WebhookMessage{
		Text: "webhook delivery exhausted for execution " + exec.ID + " (tenant " + exec.TenantID + "): " + cause.Error(),
	}
	if err := slack.PostWebhookContext(ctx, d.cfg.SlackWebhookURL, &msg); err != nil {
		d.log.Error("slack escalation failed", zap.String("executionId", exec.ID), zap.Error(err))
	}
}
