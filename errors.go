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
	"net"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// ErrNotReady marks the authentication-absent condition: the operation is
// deferred, never surfaced as a failure.
var ErrNotReady = errors.New("remote session not ready")

// ErrLocalDataMissing marks an operation whose referenced local record is
// gone. Retrying cannot succeed, so the item is skipped instead of retried.
var ErrLocalDataMissing = errors.New("referenced local record missing")

// ErrSyncInProgress is returned by explicit sync triggers when a pass is
// already running. Implicit triggers treat this as a silent no-op.
var ErrSyncInProgress = errors.New("sync pass already in progress")

// ErrorClass buckets a remote failure for the retry policy.
type ErrorClass int

const (
	// ClassTransient covers network failures, timeouts and server-side
	// hiccups; retried with backoff.
	ClassTransient ErrorClass = iota
	// ClassPermanent covers validation and constraint failures that no
	// retry will fix.
	ClassPermanent
	// ClassAuthAbsent means no authenticated session; silently deferred.
	ClassAuthAbsent
	// ClassLocalMissing means the local record an operation references is
	// absent; logged and skipped.
	ClassLocalMissing
)

// pq error code classes. Class 08 is connection failures; 57 covers
// cancellations and timeouts; 53 is resource exhaustion.
var transientPgClasses = map[string]bool{
	"08": true,
	"53": true,
	"57": true,
}

const pgUniqueViolation = "23505"

// Classify maps an error onto the retry taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, ErrNotReady) {
		return ClassAuthAbsent
	}
	if errors.Is(err, ErrLocalDataMissing) {
		return ClassLocalMissing
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if len(code) >= 2 && transientPgClasses[code[:2]] {
			return ClassTransient
		}
		return ClassPermanent
	}

	// Unrecognized errors are retried; exhaustion still bounds them.
	return ClassTransient
}

// IsUniqueViolation reports whether err is a primary-key or unique-constraint
// violation. Idempotent executors treat it as success.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}
