// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"fmt"
	"sync/atomic"
)

// Kind discriminates engine events.
type Kind string

const (
	KindOnline         Kind = "online"
	KindOffline        Kind = "offline"
	KindCommissioned   Kind = "commissioned"
	KindDecommissioned Kind = "decommissioned"
	KindFabricsChanged Kind = "fabricsChanged"
	KindSession        Kind = "session"
)

// FabricAction qualifies a KindFabricsChanged event.
type FabricAction string

const (
	FabricAdded   FabricAction = "added"
	FabricRemoved FabricAction = "removed"
	FabricUpdated FabricAction = "updated"
)

// SessionChange qualifies a KindSession event.
type SessionChange string

const (
	SessionOpened      SessionChange = "opened"
	SessionClosed      SessionChange = "closed"
	SessionSubsChanged SessionChange = "subscriptionsChanged"
)

// Event is one engine callback translated into a value the consumer
// side can reason about. Only the fields relevant to the kind are
// set.
type Event struct {
	Node string
	Kind Kind

	FabricIndex  int
	FabricAction FabricAction

	SessionName   string
	SessionChange SessionChange
}

// String renders the event for logging.
func (e Event) String() string {
	switch e.Kind {
	case KindFabricsChanged:
		return fmt.Sprintf("%s/%s(%d,%s)", e.Node, e.Kind, e.FabricIndex, e.FabricAction)
	case KindSession:
		return fmt.Sprintf("%s/%s(%s,%s)", e.Node, e.Kind, e.SessionName, e.SessionChange)
	}
	return fmt.Sprintf("%s/%s", e.Node, e.Kind)
}

// DefaultQueueSize bounds the per-node event queue. The engine never
// blocks on a slow consumer; beyond this many undelivered events the
// oldest is dropped, and the wholesale table rebuild on the consumer
// side recovers any lost detail.
const DefaultQueueSize = 128

// Queue decouples the engine's callback thread from the consumer.
// Push never blocks. Safe for concurrent use.
type Queue struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewQueue returns a queue holding up to size undelivered events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Event, size)}
}

// Push enqueues the event, evicting the oldest undelivered event if
// the queue is full.
func (q *Queue) Push(e Event) {
	for {
		select {
		case q.ch <- e:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// Out returns the consumer side of the queue.
func (q *Queue) Out() <-chan Event {
	return q.ch
}

// Dropped returns how many events were evicted so far.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
