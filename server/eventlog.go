package server

import (
	"context"
	"sync"
	"time"
)

// EventType identifies the kind of daemon lifecycle event.
type EventType string

const (
	EventDaemonStarted   EventType = "daemon.started"
	EventDaemonStopping  EventType = "daemon.stopping"
	EventDaemonStopped   EventType = "daemon.stopped"
	EventSignalReceived  EventType = "signal.received"
	EventEndpointsListed EventType = "endpoints.listed"
	EventRequestServed   EventType = "request.served"
	EventRequestFailed   EventType = "request.failed"
)

// DefaultEventRetention is the number of events an EventLog keeps before it
// starts discarding the oldest ones.
const DefaultEventRetention = 4096

// Event is a single entry in the event log.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Instance  string    `json:"instance,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	Status    int       `json:"status,omitempty"`
	Count     int       `json:"count,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventLog is an ordered, bounded event log. Events are appended with
// monotonically increasing sequence numbers. Subscribers can replay from any
// retained point.
type EventLog struct {
	mu        sync.Mutex
	events    []Event
	base      uint64 // seq of the event before events[0]
	seq       uint64
	retention int
	notify    chan struct{} // closed and replaced on each new event
}

// NewEventLog creates an empty event log retaining DefaultEventRetention
// events.
func NewEventLog() *EventLog {
	return NewEventLogWithRetention(DefaultEventRetention)
}

// NewEventLogWithRetention creates an empty event log that keeps at most
// retention events. Values below 1 keep everything.
func NewEventLogWithRetention(retention int) *EventLog {
	return &EventLog{
		retention: retention,
		notify:    make(chan struct{}),
	}
}

// Publish appends an event to the log with the next sequence number and
// the current timestamp, then wakes all waiters.
func (l *EventLog) Publish(event Event) {
	l.mu.Lock()
	l.seq++
	event.Seq = l.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	l.events = append(l.events, event)
	if l.retention > 0 && len(l.events) > l.retention {
		drop := len(l.events) - l.retention
		l.base += uint64(drop)
		l.events = append(l.events[:0:0], l.events[drop:]...)
	}
	ch := l.notify
	l.notify = make(chan struct{})
	l.mu.Unlock()

	close(ch) // wake all waiters
}

// Events returns a snapshot of all retained events.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns all retained events with sequence number > seq.
func (l *EventLog) Since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eventsSince(seq)
}

// eventsSince returns events with Seq > seq. Caller must hold l.mu.
// Seq numbers are contiguous, so events after seq start at slice index
// seq-base.
func (l *EventLog) eventsSince(seq uint64) []Event {
	start := 0
	if seq > l.base {
		start = int(seq - l.base)
	}
	if start >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Subscribe returns a channel that receives events starting from fromSeq.
// It replays retained events with Seq > fromSeq, then streams new events as
// they arrive. The channel is closed when ctx is cancelled.
//
// The channel is buffered (256). If a subscriber falls behind and the buffer
// fills, new events are dropped for that subscriber (publishers never block).
func (l *EventLog) Subscribe(ctx context.Context, fromSeq uint64, filter func(Event) bool) <-chan Event {
	ch := make(chan Event, 256)

	go func() {
		defer close(ch)

		cursor := fromSeq

		for {
			l.mu.Lock()
			batch := l.eventsSince(cursor)
			notify := l.notify
			l.mu.Unlock()

			for _, e := range batch {
				if filter != nil && !filter(e) {
					cursor = e.Seq
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				default:
					// subscriber fell behind, drop event
				}
				cursor = e.Seq
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}
