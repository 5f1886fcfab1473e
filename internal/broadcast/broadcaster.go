package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/internal/identity"
	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

// DefaultQueueCapacity bounds each connection's outbound queue.
const DefaultQueueCapacity = 256

// Transport delivers serialized events to one client. The websocket transport
// is the production implementation; tests substitute an in-memory one.
type Transport interface {
	WriteEvent(ev datamodel.Event) error
	Close() error
}

// EventSink receives a copy of every published event, e.g. the Kafka mirror
// consumed by the notification-delivery collaborator. Implementations must
// not block.
type EventSink interface {
	Send(ev datamodel.Event)
}

// Connection is one live subscriber. Room memberships are computed from the
// resolved identity at connect time and are immutable for the connection's
// lifetime; a role change requires reconnect.
type Connection struct {
	ID       string
	Identity identity.Identity
	rooms    []datamodel.RoomKey

	queue     *outboundQueue
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc
}

// Rooms returns the connection's immutable room memberships.
func (c *Connection) Rooms() []datamodel.RoomKey {
	return c.rooms
}

// Done is closed when the connection has been disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// roomsFor derives room memberships from an identity, never from the client.
func roomsFor(id identity.Identity) []datamodel.RoomKey {
	rooms := []datamodel.RoomKey{datamodel.RoleRoom(id.Role())}
	for _, site := range id.PermittedSites() {
		rooms = append(rooms, datamodel.SiteRoom(site))
	}
	if id.Role() == datamodel.RoleAgent {
		rooms = append(rooms, datamodel.AgentRoom(id.UserID()))
	}
	return rooms
}

type unregisterRequest struct {
	connID string
	reason string
}

type countRequest struct {
	room  datamodel.RoomKey
	reply chan int
}

// Broadcaster is the room-scoped fan-out layer. A single registry goroutine
// owns the connection and room maps; registration, teardown, and publishes
// are requests sent to it, so there is no shared-map locking discipline to
// get wrong.
type Broadcaster struct {
	registerCh   chan *Connection
	unregisterCh chan unregisterRequest
	publishCh    chan datamodel.Event
	countCh      chan countRequest

	queueCapacity int
	sink          EventSink

	done     chan struct{}
	doneOnce sync.Once
}

type Option func(*Broadcaster)

// WithQueueCapacity overrides the per-connection queue bound.
func WithQueueCapacity(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueCapacity = n
		}
	}
}

// WithSink mirrors every published event into sink.
func WithSink(sink EventSink) Option {
	return func(b *Broadcaster) { b.sink = sink }
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		registerCh:    make(chan *Connection),
		unregisterCh:  make(chan unregisterRequest, 64),
		publishCh:     make(chan datamodel.Event, 1024),
		countCh:       make(chan countRequest),
		queueCapacity: DefaultQueueCapacity,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Connect registers a transport under the given identity and starts its
// write pump. Room memberships are fixed here for the connection's lifetime.
func (b *Broadcaster) Connect(id identity.Identity, transport Transport) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		ID:        ulid.Make().String(),
		Identity:  id,
		rooms:     roomsFor(id),
		queue:     newOutboundQueue(b.queueCapacity),
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}
	select {
	case b.registerCh <- conn:
		connectionsGauge.Inc()
	case <-b.done:
		// Registry loop is gone; hand back an already-closed connection.
		conn.cancel()
		conn.queue.close()
		_ = transport.Close()
	}
	return conn
}

// Disconnect removes a connection. Idempotent; pending queued events are
// discarded and no delivery happens after the cancel.
func (b *Broadcaster) Disconnect(connID string, reason string) {
	select {
	case b.unregisterCh <- unregisterRequest{connID: connID, reason: reason}:
	case <-b.done:
	}
}

// Publish fans an event out to every connection in its target rooms. Each
// connection receives the event at most once per publish; queue writes are
// non-blocking so a slow consumer never stalls the publisher.
func (b *Broadcaster) Publish(ev datamodel.Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	eventsPublished.WithLabelValues(string(ev.Type)).Inc()
	select {
	case b.publishCh <- ev:
	case <-b.done:
	}
}

// SubscriberCount returns the number of live connections in a room.
func (b *Broadcaster) SubscriberCount(room datamodel.RoomKey) int {
	reply := make(chan int, 1)
	select {
	case b.countCh <- countRequest{room: room, reply: reply}:
		return <-reply
	case <-b.done:
		return 0
	}
}

// Shutdown stops the registry loop and disconnects everything. Safe to call
// more than once; later Connect and Publish calls become no-ops.
func (b *Broadcaster) Shutdown() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *Broadcaster) run() {
	conns := make(map[string]*Connection)
	rooms := make(map[datamodel.RoomKey]map[string]*Connection)

	teardown := func(req unregisterRequest) {
		conn, ok := conns[req.connID]
		if !ok {
			return
		}
		delete(conns, req.connID)
		for _, room := range conn.rooms {
			if members, ok := rooms[room]; ok {
				delete(members, conn.ID)
				if len(members) == 0 {
					delete(rooms, room)
				}
			}
		}
		conn.cancel()
		conn.queue.close()
		if err := conn.transport.Close(); err != nil {
			zap.S().Debugf("Closing transport for %s: %s", conn.ID, err)
		}
		connectionsGauge.Dec()
		zap.S().Infow("Connection closed", "connectionId", conn.ID, "user", conn.Identity.UserID(), "reason", req.reason)
	}

	for {
		select {
		case <-b.done:
			for id := range conns {
				teardown(unregisterRequest{connID: id, reason: "shutdown"})
			}
			return

		case conn := <-b.registerCh:
			conns[conn.ID] = conn
			for _, room := range conn.rooms {
				members, ok := rooms[room]
				if !ok {
					members = make(map[string]*Connection)
					rooms[room] = members
				}
				members[conn.ID] = conn
			}
			go b.writePump(conn)
			zap.S().Infow("Connection registered",
				"connectionId", conn.ID, "user", conn.Identity.UserID(), "rooms", conn.rooms)

		case req := <-b.unregisterCh:
			teardown(req)

		case ev := <-b.publishCh:
			if b.sink != nil {
				b.sink.Send(ev)
			}
			// Dedupe: a connection in several target rooms still gets the
			// event exactly once per publish.
			targets := make(map[string]*Connection)
			for _, room := range ev.Rooms {
				for id, conn := range rooms[room] {
					targets[id] = conn
				}
			}
			for id, conn := range targets {
				err := conn.queue.push(ev)
				switch err {
				case nil:
					deliveriesQueued.Inc()
				case errQueueSaturated:
					droppedEvents.WithLabelValues("saturated").Inc()
					zap.S().Warnw("Force-disconnecting saturated slow consumer", "connectionId", id)
					teardown(unregisterRequest{connID: id, reason: "slow consumer"})
				case errQueueClosed:
					droppedEvents.WithLabelValues("closed").Inc()
				}
			}

		case req := <-b.countCh:
			req.reply <- len(rooms[req.room])
		}
	}
}

// writePump drains a connection's queue onto its transport. Cancellation is
// checked at delivery time: once the context is canceled nothing more is
// written, even for events that were already queued.
func (b *Broadcaster) writePump(conn *Connection) {
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-conn.queue.notify:
			for {
				if conn.ctx.Err() != nil {
					return
				}
				ev, ok := conn.queue.pop()
				if !ok {
					break
				}
				if err := conn.transport.WriteEvent(ev); err != nil {
					zap.S().Warnw("Delivery failed, dropping connection",
						"connectionId", conn.ID, "error", err)
					b.Disconnect(conn.ID, "write error")
					return
				}
				deliveriesSent.Inc()
			}
		}
	}
}
