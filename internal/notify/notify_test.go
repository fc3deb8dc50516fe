package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckd-cohort-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func criticalAlert() *domain.Alert {
	return &domain.Alert{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		Cycle:     5,
		Severity:  domain.SeverityCritical,
		Reasons:   []string{"eGFR fell below 30 mL/min (27.8)"},
		Status:    domain.AlertActive,
		CreatedAt: time.Now().UTC(),
	}
}

func TestDispatchAlertToWebhook(t *testing.T) {
	var received atomic.Int64
	var lastBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody = body
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(domain.NotifyConfig{
		Enabled:       true,
		WebhookURL:    server.URL,
		Timeout:       2 * time.Second,
		RatePerMinute: 60,
	}, testLogger())

	alert := criticalAlert()
	d.DispatchAlert(context.Background(), alert, "G4-A3")

	assert.Equal(t, int64(1), received.Load())

	var n Notification
	require.NoError(t, json.Unmarshal(lastBody, &n))
	assert.Equal(t, alert.ID.String(), n.AlertID)
	assert.Equal(t, domain.SeverityCritical, n.Severity)
	assert.Equal(t, "G4-A3", n.State)

	sent, dropped := d.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Zero(t, dropped)
}

func TestDispatchAlertToSlack(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "danger")
		assert.Contains(t, string(body), "CRITICAL")
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(domain.NotifyConfig{
		Enabled:         true,
		SlackWebhookURL: server.URL,
		Timeout:         2 * time.Second,
		RatePerMinute:   60,
	}, testLogger())

	d.DispatchAlert(context.Background(), criticalAlert(), "G4-A3")

	assert.Equal(t, int64(1), received.Load())
}

func TestDispatchDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("disabled dispatcher must not send")
	}))
	defer server.Close()

	d := NewDispatcher(domain.NotifyConfig{
		Enabled:    false,
		WebhookURL: server.URL,
	}, testLogger())

	d.DispatchAlert(context.Background(), criticalAlert(), "")

	sent, _ := d.Stats()
	assert.Zero(t, sent)
}

func TestMinSeverityFilter(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(domain.NotifyConfig{
		Enabled:       true,
		WebhookURL:    server.URL,
		MinSeverity:   "warning",
		Timeout:       2 * time.Second,
		RatePerMinute: 60,
	}, testLogger())

	info := criticalAlert()
	info.Severity = domain.SeverityInfo
	d.DispatchAlert(context.Background(), info, "")
	assert.Zero(t, received.Load())

	warning := criticalAlert()
	warning.Severity = domain.SeverityWarning
	d.DispatchAlert(context.Background(), warning, "")
	assert.Equal(t, int64(1), received.Load())

	d.DispatchAlert(context.Background(), criticalAlert(), "")
	assert.Equal(t, int64(2), received.Load())
}

func TestRetryOnTransientFailure(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(domain.NotifyConfig{
		Enabled:       true,
		WebhookURL:    server.URL,
		RetryCount:    2,
		Timeout:       2 * time.Second,
		RatePerMinute: 60,
	}, testLogger())

	d.DispatchAlert(context.Background(), criticalAlert(), "")

	assert.Equal(t, int64(2), attempts.Load())
	sent, _ := d.Stats()
	assert.Equal(t, int64(1), sent)
}

func TestRateLimitDropsExcess(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// Burst of 1 per minute: the second dispatch is dropped
	d := NewDispatcher(domain.NotifyConfig{
		Enabled:       true,
		WebhookURL:    server.URL,
		Timeout:       2 * time.Second,
		RatePerMinute: 1,
	}, testLogger())

	d.DispatchAlert(context.Background(), criticalAlert(), "")
	d.DispatchAlert(context.Background(), criticalAlert(), "")

	assert.Equal(t, int64(1), received.Load())
	sent, dropped := d.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Equal(t, int64(1), dropped)
}

func TestSilenceWindowSuppressesRepeats(t *testing.T) {
	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(domain.NotifyConfig{
		Enabled:       true,
		WebhookURL:    server.URL,
		Timeout:       2 * time.Second,
		RatePerMinute: 60,
		SilenceWindow: time.Hour,
	}, testLogger())

	first := criticalAlert()
	d.DispatchAlert(context.Background(), first, "")

	repeat := criticalAlert()
	repeat.PatientID = first.PatientID
	d.DispatchAlert(context.Background(), repeat, "")

	// A different patient is not silenced
	d.DispatchAlert(context.Background(), criticalAlert(), "")

	assert.Equal(t, int64(2), received.Load())
	sent, dropped := d.Stats()
	assert.Equal(t, int64(2), sent)
	assert.Equal(t, int64(1), dropped)
}

func TestTestChannels(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	d := NewDispatcher(domain.NotifyConfig{
		Enabled:       true,
		WebhookURL:    healthy.URL,
		Timeout:       2 * time.Second,
		RatePerMinute: 60,
	}, testLogger())
	d.RegisterChannel(NewWebhookChannel("dead", "http://127.0.0.1:1", time.Second))

	results := d.TestChannels(context.Background())

	require.Len(t, results, 2)
	assert.NoError(t, results["webhook"])
	assert.Error(t, results["dead"])
}
