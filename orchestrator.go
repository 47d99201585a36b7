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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weavehq/weavesync/config"
	"github.com/weavehq/weavesync/remote"
)

// SyncStatus is the orchestrator's externally visible state.
type SyncStatus struct {
	Running    bool        `json:"running"`
	LastRunAt  *time.Time  `json:"last_run_at,omitempty"`
	LastResult *SyncResult `json:"last_result,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}

// Orchestrator decides when sync work runs. Local mutations request a sync
// and get a debounced pass; a periodic ticker catches anything missed; a
// connectivity-regained signal syncs immediately and redials realtime. Every
// trigger collapses into at most one running pass at a time.
type Orchestrator struct {
	queue        *Queue
	replicator   *Replicator
	remote       remote.IRemote
	connectivity Connectivity
	subscriber   *Subscriber

	mu        sync.Mutex
	debounce  *time.Timer
	running   bool
	lastRunAt *time.Time
	lastRes   *SyncResult
	lastErr   string
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewOrchestrator(queue *Queue, replicator *Replicator, rc remote.IRemote, connectivity Connectivity, subscriber *Subscriber) *Orchestrator {
	return &Orchestrator{
		queue:        queue,
		replicator:   replicator,
		remote:       rc,
		connectivity: connectivity,
		subscriber:   subscriber,
	}
}

// Start launches the periodic pass. Idempotent until Close.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil {
		return nil
	}
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}
	o.stop = make(chan struct{})
	o.wg.Add(1)
	go o.periodic(ctx, time.Duration(cnf.Orchestrator.IntervalMinutes)*time.Minute)
	return nil
}

// Close stops the ticker and cancels any armed debounce. A pass already in
// flight finishes on its own.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.stop == nil {
		o.mu.Unlock()
		return
	}
	close(o.stop)
	o.stop = nil
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// RequestSync schedules a pass after the debounce window. Repeated requests
// within the window collapse into one pass at the window's end.
func (o *Orchestrator) RequestSync(ctx context.Context) {
	cnf, err := config.Fetch()
	if err != nil {
		logrus.Errorf("orchestrator: config unavailable: %v", err)
		return
	}
	window := time.Duration(cnf.Orchestrator.DebounceSec) * time.Second

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop == nil {
		return
	}
	if o.debounce != nil {
		o.debounce.Reset(window)
		return
	}
	o.debounce = time.AfterFunc(window, func() {
		o.mu.Lock()
		o.debounce = nil
		o.mu.Unlock()
		o.runPass(ctx)
	})
}

// NotifyOnline reacts to connectivity returning: redial realtime and run a
// pass immediately, skipping the debounce.
func (o *Orchestrator) NotifyOnline(ctx context.Context) {
	o.subscriber.ForceReconnect()
	go o.runPass(ctx)
}

// SyncNow runs a pass immediately and returns its result. Used by the
// control surface; concurrent callers get ErrSyncInProgress.
func (o *Orchestrator) SyncNow(ctx context.Context) (*SyncResult, error) {
	if !o.begin() {
		return nil, ErrSyncInProgress
	}
	defer o.end()
	return o.pass(ctx)
}

// Status reports the orchestrator's current state.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return SyncStatus{
		Running:    o.running,
		LastRunAt:  o.lastRunAt,
		LastResult: o.lastRes,
		LastError:  o.lastErr,
	}
}

func (o *Orchestrator) periodic(ctx context.Context, interval time.Duration) {
	defer o.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.mu.Lock()
	stop := o.stop
	o.mu.Unlock()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.runPass(ctx)
		}
	}
}

// runPass is the fire-and-forget entry every trigger funnels through.
// Missing session, missing network and an already-running pass are silent
// no-ops: triggers are cheap and the next one will land.
func (o *Orchestrator) runPass(ctx context.Context) {
	if !o.remote.Authenticated() {
		return
	}
	if !o.connectivity.Online(ctx) {
		return
	}
	if !o.begin() {
		return
	}
	defer o.end()
	if _, err := o.pass(ctx); err != nil {
		logrus.Errorf("orchestrator: sync pass: %v", err)
	}
}

// pass drains the action queue first so queued operations land before
// replication pulls their results back, then runs the replication pass.
func (o *Orchestrator) pass(ctx context.Context) (*SyncResult, error) {
	<-o.queue.StartProcessing(ctx)
	result, err := o.replicator.Sync(ctx)

	now := time.Now()
	o.mu.Lock()
	o.lastRunAt = &now
	o.lastRes = result
	if err != nil {
		o.lastErr = err.Error()
	} else {
		o.lastErr = ""
	}
	o.mu.Unlock()
	return result, err
}

func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}
