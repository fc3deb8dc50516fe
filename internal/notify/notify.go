// Package notify delivers clinical alerts to external channels. The
// dispatcher filters by severity, rate limits outbound sends, silences
// repeat alerts for the same patient, and retries transient channel
// failures. Delivery is best effort and never blocks or fails the cycle
// that raised the alert.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ckd-cohort-server/internal/domain"
)

// Notification is the channel-agnostic payload built from an alert.
type Notification struct {
	AlertID   string               `json:"alert_id"`
	PatientID string               `json:"patient_id"`
	Cycle     int                  `json:"cycle"`
	Severity  domain.AlertSeverity `json:"severity"`
	Reasons   []string             `json:"reasons"`
	State     string               `json:"state,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// Summary renders a one-line headline for chat channels.
func (n *Notification) Summary() string {
	return fmt.Sprintf("[%s] patient %s cycle %d: %s",
		strings.ToUpper(string(n.Severity)), n.PatientID, n.Cycle, strings.Join(n.Reasons, "; "))
}

// Channel delivers notifications to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, notification *Notification) error
	Test(ctx context.Context) error
}

// Dispatcher fans alerts out to the configured channels.
type Dispatcher struct {
	config   domain.NotifyConfig
	channels []Channel
	limiter  *rate.Limiter
	logger   *logrus.Logger

	mu       sync.RWMutex
	sent     int64
	drop     int64
	silenced map[string]time.Time
}

// NewDispatcher builds a dispatcher from configuration. Channels are
// derived from the configured URLs; a dispatcher without channels or
// with Enabled false silently drops everything.
func NewDispatcher(cfg domain.NotifyConfig, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}

	d := &Dispatcher{
		config:   cfg,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute),
		logger:   logger,
		silenced: make(map[string]time.Time),
	}

	if cfg.SlackWebhookURL != "" {
		d.channels = append(d.channels, NewSlackChannel("slack", cfg.SlackWebhookURL, cfg.Timeout))
	}
	if cfg.WebhookURL != "" {
		d.channels = append(d.channels, NewWebhookChannel("webhook", cfg.WebhookURL, cfg.Timeout))
	}

	return d
}

// RegisterChannel adds a custom delivery channel.
func (d *Dispatcher) RegisterChannel(channel Channel) {
	d.channels = append(d.channels, channel)
}

// DispatchAlert converts a domain alert and sends it through every
// channel. Errors are logged, counted, and swallowed.
func (d *Dispatcher) DispatchAlert(ctx context.Context, alert *domain.Alert, state string) {
	if !d.config.Enabled || len(d.channels) == 0 {
		return
	}
	if !d.passesSeverity(alert.Severity) {
		return
	}
	if d.isSilenced(alert.PatientID.String()) {
		d.mu.Lock()
		d.drop++
		d.mu.Unlock()
		d.logger.WithFields(logrus.Fields{
			"alert_id":   alert.ID,
			"patient_id": alert.PatientID,
		}).Debug("Patient silenced, dropping alert")
		return
	}
	if !d.limiter.Allow() {
		d.mu.Lock()
		d.drop++
		d.mu.Unlock()
		d.logger.WithFields(logrus.Fields{
			"alert_id": alert.ID,
			"severity": alert.Severity,
		}).Warn("Notification rate limit exceeded, dropping alert")
		return
	}

	notification := &Notification{
		AlertID:   alert.ID.String(),
		PatientID: alert.PatientID.String(),
		Cycle:     alert.Cycle,
		Severity:  alert.Severity,
		Reasons:   alert.Reasons,
		State:     state,
		CreatedAt: alert.CreatedAt,
	}

	for _, channel := range d.channels {
		if err := d.sendWithRetry(ctx, channel, notification); err != nil {
			d.logger.WithFields(logrus.Fields{
				"channel":  channel.Name(),
				"alert_id": alert.ID,
				"error":    err.Error(),
			}).Error("Notification delivery failed")
			continue
		}
		d.mu.Lock()
		d.sent++
		d.mu.Unlock()
	}
	d.silence(alert.PatientID.String())
}

// isSilenced reports whether notifications for the patient are currently
// suppressed. A zero SilenceWindow disables suppression.
func (d *Dispatcher) isSilenced(patientID string) bool {
	if d.config.SilenceWindow <= 0 {
		return false
	}
	d.mu.RLock()
	until, ok := d.silenced[patientID]
	d.mu.RUnlock()
	return ok && time.Now().Before(until)
}

func (d *Dispatcher) silence(patientID string) {
	if d.config.SilenceWindow <= 0 {
		return
	}
	d.mu.Lock()
	d.silenced[patientID] = time.Now().Add(d.config.SilenceWindow)
	d.mu.Unlock()
}

// sendWithRetry retries transient failures with a flat backoff.
func (d *Dispatcher) sendWithRetry(ctx context.Context, channel Channel, n *Notification) error {
	attempts := d.config.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		lastErr = channel.Send(sendCtx, n)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (d *Dispatcher) passesSeverity(severity domain.AlertSeverity) bool {
	min := domain.AlertSeverity(d.config.MinSeverity)
	if min == "" {
		return true
	}
	return severity.Rank() >= min.Rank()
}

// Stats reports delivered and dropped counts.
func (d *Dispatcher) Stats() (sent, dropped int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sent, d.drop
}

// TestChannels probes every channel and returns the per-channel result.
func (d *Dispatcher) TestChannels(ctx context.Context) map[string]error {
	results := make(map[string]error, len(d.channels))
	for _, channel := range d.channels {
		results[channel.Name()] = channel.Test(ctx)
	}
	return results
}
