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
package remote

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Event is one decoded realtime notification from the backend.
type Event struct {
	Table string                 `json:"table"`
	Kind  string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

// RealtimeChannel is one live notification channel. A channel is single-use:
// when Done yields, the channel is dead and the subscriber dials a fresh one.
type RealtimeChannel interface {
	Listen(channel string) error
	Notifications() <-chan *Event
	Done() <-chan error
	Close() error
}

// ChannelDialer opens a new realtime channel to the backend.
type ChannelDialer func() (RealtimeChannel, error)

// PGChannel implements RealtimeChannel over postgres LISTEN/NOTIFY.
type PGChannel struct {
	listener *pq.Listener
	events   chan *Event
	done     chan error
	closed   chan struct{}
}

// NewChannelDialer builds a dialer bound to one connection string.
func NewChannelDialer(connStr string) ChannelDialer {
	return func() (RealtimeChannel, error) {
		return DialPGChannel(connStr)
	}
}

// DialPGChannel opens a LISTEN/NOTIFY channel. pq's internal reconnection is
// disabled in spirit: any disconnect is treated as fatal for this channel so
// the subscriber owns the retry policy.
func DialPGChannel(connStr string) (*PGChannel, error) {
	ch := &PGChannel{
		events: make(chan *Event, 64),
		done:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	ch.listener = pq.NewListener(connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			if err == nil {
				err = errors.New("listener disconnected")
			}
			ch.fail(err)
		}
	})
	if err := ch.listener.Ping(); err != nil {
		_ = ch.listener.Close()
		return nil, errors.Wrap(err, "pinging listener connection")
	}
	go ch.pump()
	return ch, nil
}

func (ch *PGChannel) Listen(channel string) error {
	return ch.listener.Listen(channel)
}

func (ch *PGChannel) Notifications() <-chan *Event {
	return ch.events
}

func (ch *PGChannel) Done() <-chan error {
	return ch.done
}

func (ch *PGChannel) Close() error {
	select {
	case <-ch.closed:
		return nil
	default:
		close(ch.closed)
	}
	return ch.listener.Close()
}

func (ch *PGChannel) fail(err error) {
	select {
	case ch.done <- err:
	default:
	}
}

func (ch *PGChannel) pump() {
	defer close(ch.events)
	for {
		select {
		case notification, ok := <-ch.listener.Notify:
			if !ok {
				ch.fail(errors.New("notification channel closed"))
				return
			}
			if notification == nil {
				// pq sends nil after a connection loss; the event
				// callback has already flagged the channel dead.
				continue
			}
			event, err := decodeEvent(notification.Extra)
			if err != nil {
				logrus.Errorf("Error decoding realtime payload: %v", err)
				continue
			}
			select {
			case ch.events <- event:
			case <-ch.closed:
				return
			}
		case <-ch.closed:
			return
		}
	}
}

func decodeEvent(extra string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(extra), &event); err != nil {
		return nil, err
	}
	return &event, nil
}
