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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelaySchedule(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, BackoffDelay(base, max, attempt), "attempt %d", attempt)
	}
}

func TestBackoffDelayNeverExceedsCap(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	// large attempt counts must not overflow past the cap
	for _, attempt := range []int{10, 31, 63, 100} {
		assert.Equal(t, max, BackoffDelay(base, max, attempt))
	}
}

func TestBackoffDelayMonotonic(t *testing.T) {
	base := 500 * time.Millisecond
	max := 20 * time.Second

	previous := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		delay := BackoffDelay(base, max, attempt)
		assert.GreaterOrEqual(t, delay, previous)
		previous = delay
	}
}

func TestBackoffDelayClampsNegativeAttempt(t *testing.T) {
	assert.Equal(t, time.Second, BackoffDelay(time.Second, 30*time.Second, -3))
}

func TestReconnectBackoffDeterministic(t *testing.T) {
	bo := newReconnectBackoff(time.Second, 30*time.Second)

	assert.Equal(t, 1*time.Second, bo.NextBackOff())
	assert.Equal(t, 2*time.Second, bo.NextBackOff())
	assert.Equal(t, 4*time.Second, bo.NextBackOff())

	bo.Reset()
	assert.Equal(t, 1*time.Second, bo.NextBackOff())
}
