package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// EventManager fans typed events out to subscribers grouped into rooms. All
// subscription-set mutations and sends are processed by a single Run
// goroutine reading from an ops channel, so events published in sequence by
// one caller are observed by each subscriber in that same relative order.
type EventManager struct {
	logger *slog.Logger

	subs map[*Subscription]struct{}

	ops        chan *operation
	closed     chan struct{}
	bufferSize int
}

func NewEventManager(logger *slog.Logger) *EventManager {
	return &EventManager{
		logger:     logger.With("component", "event_manager"),
		subs:       make(map[*Subscription]struct{}),
		ops:        make(chan *operation),
		closed:     make(chan struct{}),
		bufferSize: 512,
	}
}

const (
	opSubscribe = iota
	opUnsubscribe
	opJoin
	opLeave
	opSend
)

type operation struct {
	op   int
	sub  *Subscription
	room Room
	evt  *Event
}

// Run processes subscription and publish operations until Shutdown. It must
// be running for Publish and Subscribe to make progress.
func (em *EventManager) Run() {
	for {
		select {
		case <-em.closed:
			return
		case op := <-em.ops:
			em.handle(op)
		}
	}
}

func (em *EventManager) handle(op *operation) {
	switch op.op {
	case opSubscribe:
		em.subs[op.sub] = struct{}{}
		subscribersGauge.Inc()
	case opUnsubscribe:
		if _, ok := em.subs[op.sub]; ok {
			delete(em.subs, op.sub)
			subscribersGauge.Dec()
			op.sub.forgetRooms()
		}
	case opJoin:
		if op.sub.joinRoom(op.room) {
			roomMembersGauge.WithLabelValues(string(op.room)).Inc()
		}
	case opLeave:
		if op.sub.leaveRoom(op.room) {
			roomMembersGauge.WithLabelValues(string(op.room)).Dec()
		}
	case opSend:
		eventsPublished.WithLabelValues(op.evt.Type).Inc()
		for sub := range em.subs {
			if op.room != RoomAll && !sub.InRoom(op.room) {
				continue
			}
			select {
			case sub.outgoing <- op.evt:
				eventsDelivered.Inc()
			default:
				eventsDropped.Inc()
				em.logger.Warn("event overflow, dropping", "ident", sub.ident, "type", op.evt.Type)
			}
		}
	default:
		em.logger.Error("unrecognized event manager operation", "op", op.op)
	}
}

// Publish delivers evt to every subscriber currently in room (or all
// subscribers for RoomAll). Delivery is fire-and-forget: a slow or broken
// subscriber drops the event, never the publisher.
func (em *EventManager) Publish(room Room, evt *Event) error {
	select {
	case em.ops <- &operation{op: opSend, room: room, evt: evt}:
		return nil
	case <-em.closed:
		return fmt.Errorf("event manager shut down")
	}
}

// PublishAll delivers evt to every subscriber regardless of room membership.
func (em *EventManager) PublishAll(evt *Event) error {
	return em.Publish(RoomAll, evt)
}

// Subscribe registers a new subscriber with no room memberships. The returned
// Subscription must be cleaned up with Cleanup when the connection goes away.
func (em *EventManager) Subscribe(ident string) (*Subscription, error) {
	sub := &Subscription{
		em:       em,
		ident:    ident,
		outgoing: make(chan *Event, em.bufferSize),
		rooms:    make(map[Room]struct{}),
	}

	select {
	case em.ops <- &operation{op: opSubscribe, sub: sub}:
		return sub, nil
	case <-em.closed:
		return nil, fmt.Errorf("event manager shut down")
	}
}

// Shutdown stops the Run loop. In-flight Publish and Subscribe calls return
// errors rather than blocking forever.
func (em *EventManager) Shutdown() {
	close(em.closed)
}

// Subscription is one subscriber's handle on the event manager: an outgoing
// event channel plus its current room memberships.
type Subscription struct {
	em    *EventManager
	ident string

	outgoing chan *Event

	lk        sync.Mutex
	rooms     map[Room]struct{}
	cleanedUp bool
}

// Events is the stream of events delivered to this subscriber.
func (s *Subscription) Events() <-chan *Event {
	return s.outgoing
}

// Join adds the subscriber to room. Joining a room it is already a member of
// is a no-op.
func (s *Subscription) Join(room Room) {
	select {
	case s.em.ops <- &operation{op: opJoin, sub: s, room: room}:
	case <-s.em.closed:
	}
}

// Leave removes the subscriber from room. Leaving a room it is not a member
// of is a no-op.
func (s *Subscription) Leave(room Room) {
	select {
	case s.em.ops <- &operation{op: opLeave, sub: s, room: room}:
	case <-s.em.closed:
	}
}

// InRoom reports current room membership.
func (s *Subscription) InRoom(room Room) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	_, ok := s.rooms[room]
	return ok
}

// Rooms returns a snapshot of current memberships.
func (s *Subscription) Rooms() []Room {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]Room, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Cleanup unsubscribes and releases the subscription. Safe to call more than
// once; only the first call does anything.
func (s *Subscription) Cleanup() {
	s.lk.Lock()
	if s.cleanedUp {
		s.lk.Unlock()
		return
	}
	s.cleanedUp = true
	s.lk.Unlock()

	select {
	case s.em.ops <- &operation{op: opUnsubscribe, sub: s}:
	case <-s.em.closed:
	}
}

func (s *Subscription) joinRoom(room Room) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.rooms[room]; ok {
		return false
	}
	s.rooms[room] = struct{}{}
	return true
}

func (s *Subscription) leaveRoom(room Room) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return false
	}
	delete(s.rooms, room)
	return true
}

func (s *Subscription) forgetRooms() {
	s.lk.Lock()
	defer s.lk.Unlock()
	for r := range s.rooms {
		roomMembersGauge.WithLabelValues(string(r)).Dec()
		delete(s.rooms, r)
	}
}
