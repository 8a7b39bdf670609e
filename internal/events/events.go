// Package events defines the typed event stream emitted by the hub
// (C3) and caster session (C4) toward the external UI shell (spec.md
// §6). The shell is an external collaborator — adapters subscribe to a
// Bus and translate each Event into whatever native notification
// mechanism the shell uses (desktop window, web page, Stream Deck
// plugin).
package events

import (
	"sync"

	"github.com/bikanpe/bikanpe/internal/monitor"
	"github.com/bikanpe/bikanpe/internal/protocol"
)

// Event is a marker interface for every emitted event in spec.md §6's
// table, following the teacher's Action/eventMarker pattern
// (cmd/streamerbrainz/events.go).
type Event interface{ eventMarker() }

type ServerStarted struct{ Port int }
type ServerStopped struct{ Reason string }

type ClientConnected struct {
	ClientID          string
	Name              string
	DisplayMonitorIDs []string
}

type ClientDisconnected struct {
	ClientID string
	Reason   string
}

type FeedbackReceived struct {
	ClientID string
	Feedback protocol.FeedbackPayload
	Envelope protocol.Envelope
}

type MonitorAdded struct{ Monitor monitor.Monitor }
type MonitorRemoved struct{ MonitorID string }
type MonitorUpdated struct{ Monitor monitor.Monitor }

type ConnectionEstablished struct{ ServerAddress string }

type ConnectionLost struct{ Reason string }

type ServerWelcomeReceived struct {
	ServerName       string
	AssignedClientID string
}

// KanpeMessageReceived carries the Rendered flag so a shell can tell
// "received but filtered out" from "received and rendered" without
// re-running the display filter itself (spec.md §8 scenario 2).
type KanpeMessageReceived struct {
	Kanpe    protocol.KanpePayload
	Envelope protocol.Envelope
	Rendered bool
}

type FlashReceived struct {
	TargetMonitorIDs []string
	Rendered         bool
}

type ClearReceived struct {
	TargetMonitorIDs []string
	Rendered         bool
}

type MonitorListReceived struct{ Monitors []monitor.Monitor }

func (ServerStarted) eventMarker()          {}
func (ServerStopped) eventMarker()          {}
func (ClientConnected) eventMarker()        {}
func (ClientDisconnected) eventMarker()     {}
func (FeedbackReceived) eventMarker()       {}
func (MonitorAdded) eventMarker()           {}
func (MonitorRemoved) eventMarker()         {}
func (MonitorUpdated) eventMarker()         {}
func (ConnectionEstablished) eventMarker()  {}
func (ConnectionLost) eventMarker()         {}
func (ServerWelcomeReceived) eventMarker()  {}
func (KanpeMessageReceived) eventMarker()   {}
func (FlashReceived) eventMarker()          {}
func (ClearReceived) eventMarker()          {}
func (MonitorListReceived) eventMarker()    {}

// Bus is a drop-oldest broadcast point: multiple adapters subscribe,
// Publish never blocks the publisher. Grounded on the teacher's
// RunBroadcaster coalesce-and-fan-out loop (state_ws.go), generalized
// from one volume/mute pair to arbitrary typed events.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	bufSize     int
}

// NewBus returns a Bus whose per-subscriber channel holds bufSize
// pending events before the oldest is dropped.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{subscribers: make(map[chan Event]struct{}), bufSize: bufSize}
}

// Subscribe registers a new listener. Call Unsubscribe when done.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener's channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish fans an event out to every current subscriber. A subscriber
// that isn't keeping up has its oldest pending event dropped rather
// than blocking the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
