package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"
)

const (
	webhookQueueSize   = 256
	webhookMaxAttempts = 3
)

// WebhookDispatcher POSTs alerts to a single operator-provided URL from a
// small background worker pool. Delivery is best-effort with bounded retry;
// a full queue drops the alert rather than stalling a cycle.
type WebhookDispatcher struct {
	url        string
	httpClient *http.Client
	queue      chan Alert
	logger     *log.Logger
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewWebhookDispatcher starts the worker pool.
func NewWebhookDispatcher(url string, workers int) *WebhookDispatcher {
	if workers <= 0 {
		workers = 2
	}
	d := &WebhookDispatcher{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan Alert, webhookQueueSize),
		logger:     log.New(log.Writer(), "[ALERTS] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Send enqueues the alert, dropping it when the queue is saturated.
func (d *WebhookDispatcher) Send(_ context.Context, a Alert) {
	select {
	case d.queue <- a:
	default:
		d.logger.Printf("queue full, dropping alert %q (%s)", a.Title, a.Severity)
	}
}

// Close stops intake and waits for in-flight deliveries.
func (d *WebhookDispatcher) Close() {
	d.closeOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *WebhookDispatcher) worker() {
	defer d.wg.Done()
	for a := range d.queue {
		d.deliver(a)
	}
}

func (d *WebhookDispatcher) deliver(a Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		d.logger.Printf("marshal alert: %v", err)
		return
	}
	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		resp, err := d.httpClient.Post(d.url, "application/json", bytes.NewReader(payload))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
			err = &httpStatusError{resp.StatusCode}
		}
		d.logger.Printf("deliver %q attempt %d/%d: %v", a.Title, attempt, webhookMaxAttempts, err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.code)
}
