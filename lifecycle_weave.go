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
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/weavehq/weavesync/store"
)

// SharedWeaveTTL is how long a shared weave stays answerable. A pending ref
// older than this expires; accepted and declined refs never expire.
const SharedWeaveTTL = 90 * 24 * time.Hour

// WeaveLifecycle runs the time-driven transitions of shared weave refs.
type WeaveLifecycle struct {
	store    store.IDataSource
	webhooks *WebhookDispatcher
	now      func() time.Time
}

func NewWeaveLifecycle(db store.IDataSource, webhooks *WebhookDispatcher) *WeaveLifecycle {
	return &WeaveLifecycle{store: db, webhooks: webhooks, now: time.Now}
}

// ExpireStaleSharedWeaves transitions pending refs past the TTL to expired.
// The sweep is idempotent: expired refs are terminal and never match again.
func (w *WeaveLifecycle) ExpireStaleSharedWeaves(ctx context.Context) (int64, error) {
	ctx, span := otel.Tracer("lifecycle").Start(ctx, "Expiring stale shared weaves")
	defer span.End()

	cutoff := w.now().Add(-SharedWeaveTTL)
	expired, err := w.store.ExpireSharedWeaveRefs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		logrus.Infof("lifecycle: expired %d stale shared weave refs", expired)
		w.webhooks.Dispatch(EventWeaveRefExpired, map[string]interface{}{
			"expired_count": expired,
			"cutoff":        cutoff,
		})
	}
	return expired, nil
}
