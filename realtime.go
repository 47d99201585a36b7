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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weavehq/weavesync/config"
	"github.com/weavehq/weavesync/remote"
)

// EventHandler consumes realtime events for one table. Handlers are compared
// by identity: subscribing the same handler value twice registers it once.
type EventHandler interface {
	HandleRealtimeEvent(event *remote.Event)
}

// EventHandlerFunc adapts a function to EventHandler. Each *EventHandlerFunc
// is a distinct identity, so wrap once and reuse the pointer to subscribe.
type EventHandlerFunc func(event *remote.Event)

func (f *EventHandlerFunc) HandleRealtimeEvent(event *remote.Event) {
	(*f)(event)
}

// Subscriber maintains the realtime channel to the backend and fans events
// out to table handlers. It owns the reconnect policy: the channel itself is
// single-use and reports death via Done.
type Subscriber struct {
	dialer remote.ChannelDialer
	remote remote.IRemote
	sleep  func(time.Duration)

	mu        sync.Mutex
	handlers  map[string]map[EventHandler]struct{}
	channel   remote.RealtimeChannel
	connected bool
	manual    bool
	stopped   chan struct{}
	loopDone  chan struct{}
}

func NewSubscriber(dialer remote.ChannelDialer, rc remote.IRemote) *Subscriber {
	return &Subscriber{
		dialer:   dialer,
		remote:   rc,
		sleep:    time.Sleep,
		handlers: map[string]map[EventHandler]struct{}{},
	}
}

// Subscribe registers a handler for one table's events. The wildcard table
// "*" receives every event. Duplicate registrations of the same handler
// collapse to one delivery.
func (s *Subscriber) Subscribe(table string, handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[table] == nil {
		s.handlers[table] = map[EventHandler]struct{}{}
	}
	s.handlers[table][handler] = struct{}{}
}

// Unsubscribe removes a previously registered handler.
func (s *Subscriber) Unsubscribe(table string, handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers[table], handler)
}

// Connected reports whether a live channel is currently established.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect establishes the channel and starts the supervision loop. The
// session identity is re-read on every (re)connect attempt, so an identity
// change between attempts lands on the new user's channel.
func (s *Subscriber) Connect() error {
	s.mu.Lock()
	if s.stopped != nil {
		s.mu.Unlock()
		return nil
	}
	s.manual = false
	s.stopped = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	if err := s.dial(); err != nil {
		s.mu.Lock()
		close(s.loopDone)
		s.stopped = nil
		s.loopDone = nil
		s.mu.Unlock()
		return err
	}
	go s.supervise()
	return nil
}

// Disconnect tears the channel down without triggering reconnection.
func (s *Subscriber) Disconnect() {
	s.mu.Lock()
	if s.stopped == nil {
		s.mu.Unlock()
		return
	}
	s.manual = true
	close(s.stopped)
	channel := s.channel
	loopDone := s.loopDone
	s.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	<-loopDone

	s.mu.Lock()
	s.stopped = nil
	s.loopDone = nil
	s.connected = false
	s.mu.Unlock()
}

// ForceReconnect drops the current channel and dials a fresh one with a
// reset attempt budget. Used when the app regains foreground or network.
// Also the way back up after the reconnect budget ran out.
func (s *Subscriber) ForceReconnect() {
	s.mu.Lock()
	channel := s.channel
	running := s.stopped != nil
	s.mu.Unlock()

	if running {
		if channel != nil {
			// the supervision loop observes Done and redials
			_ = channel.Close()
		}
		return
	}
	if err := s.Connect(); err != nil {
		logrus.Warnf("realtime: reconnect failed: %v", err)
	}
}

func (s *Subscriber) dial() error {
	if !s.remote.Authenticated() {
		return ErrNotReady
	}
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	channel, err := s.dialer()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s", cnf.Realtime.Channel, s.remote.UserID())
	if err := channel.Listen(name); err != nil {
		_ = channel.Close()
		return err
	}

	s.mu.Lock()
	s.channel = channel
	s.connected = true
	s.mu.Unlock()

	go s.pump(channel)
	logrus.Debugf("realtime: listening on %s", name)
	return nil
}

// supervise waits for channel death and redials with exponential backoff.
// After the attempt budget is exhausted the subscriber tears its state down
// and stays down until a ForceReconnect or the next Connect.
func (s *Subscriber) supervise() {
	s.mu.Lock()
	loopDone := s.loopDone
	s.mu.Unlock()
	defer close(loopDone)

	cnf, err := config.Fetch()
	if err != nil {
		logrus.Errorf("realtime: config unavailable: %v", err)
		return
	}
	bo := newReconnectBackoff(cnf.QueueBaseDelay(), cnf.QueueMaxDelay())

	for {
		s.mu.Lock()
		channel := s.channel
		stopped := s.stopped
		s.mu.Unlock()
		if channel == nil || stopped == nil {
			return
		}

		select {
		case <-stopped:
			return
		case err := <-channel.Done():
			_ = channel.Close()
			s.mu.Lock()
			s.connected = false
			manual := s.manual
			s.mu.Unlock()
			if manual {
				return
			}
			logrus.Warnf("realtime: channel lost: %v", err)
		}

		reconnected := false
		bo.Reset()
		for attempt := 0; attempt < cnf.Realtime.MaxAttempts; attempt++ {
			select {
			case <-stopped:
				return
			default:
			}
			s.sleep(bo.NextBackOff())
			if err := s.dial(); err != nil {
				logrus.Warnf("realtime: reconnect attempt %d failed: %v", attempt+1, err)
				continue
			}
			reconnected = true
			break
		}
		if !reconnected {
			logrus.Errorf("realtime: giving up after %d reconnect attempts", cnf.Realtime.MaxAttempts)
			s.teardown()
			return
		}
	}
}

// teardown clears the supervision state after the loop gives up, so a later
// Connect or ForceReconnect starts from scratch instead of short-circuiting
// on a loop that no longer exists.
func (s *Subscriber) teardown() {
	s.mu.Lock()
	s.channel = nil
	s.stopped = nil
	s.loopDone = nil
	s.mu.Unlock()
}

// pump fans one channel's events out to handlers until the channel dies.
func (s *Subscriber) pump(channel remote.RealtimeChannel) {
	for event := range channel.Notifications() {
		s.dispatch(event)
	}
}

func (s *Subscriber) dispatch(event *remote.Event) {
	s.mu.Lock()
	targets := make([]EventHandler, 0, len(s.handlers[event.Table])+len(s.handlers["*"]))
	for handler := range s.handlers[event.Table] {
		targets = append(targets, handler)
	}
	for handler := range s.handlers["*"] {
		targets = append(targets, handler)
	}
	s.mu.Unlock()

	for _, handler := range targets {
		s.deliver(handler, event)
	}
}

// deliver isolates handler panics so one bad handler cannot kill the pump.
func (s *Subscriber) deliver(handler EventHandler, event *remote.Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("realtime: handler panic on %s/%s: %v", event.Table, event.Kind, r)
		}
	}()
	handler.HandleRealtimeEvent(event)
}
