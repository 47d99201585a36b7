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
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavehq/weavesync/remote"
)

// fakeChannel is an in-memory RealtimeChannel the tests can kill at will.
type fakeChannel struct {
	mu         sync.Mutex
	listenName string
	events     chan *remote.Event
	done       chan error
	closeOnce  sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan *remote.Event, 16),
		done:   make(chan error, 1),
	}
}

func (c *fakeChannel) Listen(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listenName = channel
	return nil
}

func (c *fakeChannel) Notifications() <-chan *remote.Event { return c.events }
func (c *fakeChannel) Done() <-chan error                  { return c.done }

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() {
		c.done <- errors.New("channel closed")
		close(c.events)
	})
	return nil
}

func (c *fakeChannel) emit(event *remote.Event) {
	c.events <- event
}

func (c *fakeChannel) name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenName
}

// fakeDialer hands out fake channels and counts dial attempts.
type fakeDialer struct {
	mu       sync.Mutex
	dialErr  error
	channels []*fakeChannel
}

func (d *fakeDialer) dial() (remote.RealtimeChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	channel := newFakeChannel()
	d.channels = append(d.channels, channel)
	return channel, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) channelAt(index int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[index]
}

func (d *fakeDialer) failDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func newTestSubscriber(t *testing.T, userID string) (*Subscriber, *fakeDialer, *fakeRemote) {
	t.Helper()
	mockConfig(t)
	dialer := &fakeDialer{}
	rc := newFakeRemote(userID)
	s := NewSubscriber(dialer.dial, rc)
	s.sleep = func(time.Duration) {}
	return s, dialer, rc
}

// collector records delivered events.
type collector struct {
	mu     sync.Mutex
	events []*remote.Event
}

func (c *collector) HandleRealtimeEvent(event *remote.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestSubscriberDeliversEventsToTableHandlers(t *testing.T) {
	s, dialer, _ := newTestSubscriber(t, "user_1")
	defer s.Disconnect()

	weaves := &collector{}
	links := &collector{}
	everything := &collector{}
	s.Subscribe("weave_participants", weaves)
	// subscribing the same handler twice still delivers once
	s.Subscribe("weave_participants", weaves)
	s.Subscribe("friend_links", links)
	s.Subscribe("*", everything)

	require.NoError(t, s.Connect())
	require.True(t, s.Connected())

	channel := dialer.channelAt(0)
	assert.Equal(t, "weave_events_user_1", channel.name())

	channel.emit(&remote.Event{Table: "weave_participants", Kind: "INSERT"})
	channel.emit(&remote.Event{Table: "friend_links", Kind: "UPDATE"})

	require.Eventually(t, func() bool {
		return weaves.count() == 1 && links.count() == 1 && everything.count() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriberSurvivesHandlerPanic(t *testing.T) {
	s, dialer, _ := newTestSubscriber(t, "user_1")
	defer s.Disconnect()

	panicky := EventHandlerFunc(func(*remote.Event) { panic("boom") })
	calm := &collector{}
	s.Subscribe("interactions", &panicky)
	s.Subscribe("interactions", calm)

	require.NoError(t, s.Connect())
	dialer.channelAt(0).emit(&remote.Event{Table: "interactions", Kind: "UPDATE"})
	dialer.channelAt(0).emit(&remote.Event{Table: "interactions", Kind: "UPDATE"})

	require.Eventually(t, func() bool { return calm.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSubscriberRedialsWhenChannelDies(t *testing.T) {
	s, dialer, _ := newTestSubscriber(t, "user_1")
	defer s.Disconnect()

	require.NoError(t, s.Connect())
	require.Equal(t, 1, dialer.dials())

	// simulate the backend dropping the connection
	_ = dialer.channelAt(0).Close()

	require.Eventually(t, func() bool {
		return dialer.dials() == 2 && s.Connected()
	}, time.Second, 5*time.Millisecond)

	// events flow on the fresh channel
	received := &collector{}
	s.Subscribe("interactions", received)
	dialer.channelAt(1).emit(&remote.Event{Table: "interactions", Kind: "INSERT"})
	require.Eventually(t, func() bool { return received.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscriberGivesUpAfterAttemptBudget(t *testing.T) {
	s, dialer, _ := newTestSubscriber(t, "user_1")
	defer s.Disconnect()

	require.NoError(t, s.Connect())

	dialer.failDials(errors.New("network down"))
	_ = dialer.channelAt(0).Close()

	// five failed attempts, then the subscriber stays down
	require.Eventually(t, func() bool { return !s.Connected() }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials(), "failed dials do not produce channels")
	assert.False(t, s.Connected())
}

func TestForceReconnectRevivesExhaustedSubscriber(t *testing.T) {
	s, dialer, _ := newTestSubscriber(t, "user_1")
	defer s.Disconnect()

	require.NoError(t, s.Connect())
	dialer.failDials(errors.New("network down"))
	_ = dialer.channelAt(0).Close()

	require.Eventually(t, func() bool { return !s.Connected() }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // attempt budget runs out

	// network returns; a manual nudge brings the channel back
	dialer.failDials(nil)
	s.ForceReconnect()

	require.Eventually(t, func() bool {
		return s.Connected() && dialer.dials() == 2
	}, time.Second, 5*time.Millisecond)

	received := &collector{}
	s.Subscribe("interactions", received)
	dialer.channelAt(1).emit(&remote.Event{Table: "interactions", Kind: "INSERT"})
	require.Eventually(t, func() bool { return received.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestConnectAfterGiveUpStartsFresh(t *testing.T) {
	s, dialer, _ := newTestSubscriber(t, "user_1")
	defer s.Disconnect()

	require.NoError(t, s.Connect())
	dialer.failDials(errors.New("network down"))
	_ = dialer.channelAt(0).Close()

	require.Eventually(t, func() bool { return !s.Connected() }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	dialer.failDials(nil)
	require.NoError(t, s.Connect())
	assert.True(t, s.Connected())
	assert.Equal(t, 2, dialer.dials())
}

func TestDisconnectDoesNotRedial(t *testing.T) {
	s, dialer, _ := newTestSubscriber(t, "user_1")

	require.NoError(t, s.Connect())
	s.Disconnect()

	assert.False(t, s.Connected())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials())
}

func TestForceReconnectPicksUpNewSession(t *testing.T) {
	s, dialer, rc := newTestSubscriber(t, "user_1")
	defer s.Disconnect()

	require.NoError(t, s.Connect())
	assert.Equal(t, "weave_events_user_1", dialer.channelAt(0).name())

	// the channel name is re-derived from the live session on every dial
	rc.SetSession("user_2")
	s.ForceReconnect()

	require.Eventually(t, func() bool {
		return dialer.dials() == 2 && s.Connected()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "weave_events_user_2", dialer.channelAt(1).name())
}

func TestConnectWithoutSessionFails(t *testing.T) {
	s, dialer, _ := newTestSubscriber(t, "")

	err := s.Connect()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 0, dialer.dials())
	assert.False(t, s.Connected())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s, dialer, _ := newTestSubscriber(t, "user_1")
	defer s.Disconnect()

	received := &collector{}
	s.Subscribe("interactions", received)
	require.NoError(t, s.Connect())

	channel := dialer.channelAt(0)
	channel.emit(&remote.Event{Table: "interactions", Kind: "INSERT"})
	require.Eventually(t, func() bool { return received.count() == 1 }, time.Second, 5*time.Millisecond)

	s.Unsubscribe("interactions", received)
	channel.emit(&remote.Event{Table: "interactions", Kind: "INSERT"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, received.count())
}
