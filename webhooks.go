/*
Copyright 2025 Weavesync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package weavesync

import (
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/weavehq/weavesync/config"
	"github.com/weavehq/weavesync/internal/request"
)

// Webhook event names emitted by the sync core. These carry the queueing
// contract for push notifications: delivery mechanics live behind the
// configured webhook endpoint.
const (
	EventQueueItemFailed    = "queue.item.failed"
	EventConflictDetected   = "sync.conflict.detected"
	EventPlanPendingConfirm = "plan.pending_confirm"
	EventWeaveRefExpired    = "weave.ref.expired"
)

// NewWebhook represents the structure of a webhook notification.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// WebhookDispatcher delivers webhook events off the mutation path. Events are
// handed to a worker goroutine over a bounded channel: delivery failures are
// observable in the log but structurally cannot block or fail the operation
// that produced them.
type WebhookDispatcher struct {
	events chan NewWebhook
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewWebhookDispatcher() *WebhookDispatcher {
	d := &WebhookDispatcher{
		events: make(chan NewWebhook, 256),
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// Dispatch hands one event to the delivery worker. When the buffer is full
// the event is dropped with a log line rather than blocking the caller.
func (d *WebhookDispatcher) Dispatch(event string, payload interface{}) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	select {
	case d.events <- NewWebhook{Event: event, Payload: payload}:
	default:
		logrus.Warnf("webhook buffer full, dropping event %s", event)
	}
}

// Close stops the worker after draining buffered events.
func (d *WebhookDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.events)
	d.wg.Wait()
}

func (d *WebhookDispatcher) worker() {
	defer d.wg.Done()
	for event := range d.events {
		if err := processHTTP(event); err != nil {
			logrus.Errorf("webhook delivery failed for %s: %v", event.Event, err)
		}
	}
}

// processHTTP sends a webhook notification via HTTP POST request.
func processHTTP(data NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := request.ToJsonReq(&data)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, payload)
	if err != nil {
		return err
	}

	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err != nil {
		// decoding errors on empty 2xx bodies are fine
		if resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logrus.Warnf("webhook endpoint returned status %d for %s", resp.StatusCode, data.Event)
	}
	return nil
}
