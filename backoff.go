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
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffDelay computes the retry delay min(maxDelay, baseDelay * 2^attempt).
// attempt counts completed failures, so the first retry (attempt 0) waits one
// base delay. Negative attempts clamp to zero.
func BackoffDelay(baseDelay, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// newReconnectBackoff builds the timer source for realtime reconnects: the
// same doubling schedule, deterministic (no jitter), never giving up on its
// own. The attempt cap is enforced by the subscriber.
func newReconnectBackoff(baseDelay, maxDelay time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	bo.MaxInterval = maxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
