// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"sync/atomic"
	"time"
)

// EventType is a sync lifecycle event
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventConflict  EventType = "conflict"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// Event is published by the orchestrator. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	CycleID   string
	Phase     string // push or pull, for progress events
	Processed int
	Total     int
	Conflict  *SyncConflict
	Report    *CycleReport
	Err       error
	At        time.Time
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	OnSyncEvent(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) OnSyncEvent(e Event) { f(e) }

// ChannelObserver forwards events to a buffered channel and drops them when the
// reader falls behind.
type ChannelObserver struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChannelObserver creates an observer with the given buffer size
func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelObserver{ch: make(chan Event, buffer)}
}

func (c *ChannelObserver) OnSyncEvent(e Event) {
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the receive side of the channel
func (c *ChannelObserver) Events() <-chan Event { return c.ch }

// Dropped counts events discarded because the buffer was full
func (c *ChannelObserver) Dropped() int64 { return c.dropped.Load() }

type observers []Observer

func (o observers) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, obs := range o {
		obs.OnSyncEvent(e)
	}
}
