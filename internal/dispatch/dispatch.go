// Package dispatch tracks which realtime connection belongs to which rider or
// driver and delivers lifecycle events to them.
package dispatch

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Conn is one live realtime connection. Send must be safe for concurrent use.
type Conn interface {
	ID() string
	Send(ctx context.Context, env models.Envelope) error
	Close() error
}

// Presence is the slice of the driver directory the registry keeps in step
// with connect and disconnect.
type Presence interface {
	GoOnline(ctx context.Context, driverID, handle string) error
	GoOffline(ctx context.Context, driverID string) error
}

type session struct {
	conn    Conn
	parties map[string]models.Party
}

const presenceStripes = 64

// Registry maps parties to connection handles. One lock guards both maps;
// sends happen outside it. Presence writes for a party are serialized by a
// striped lock held across the map change and the directory call, so the
// directory always ends in the state of the last bind or unbind.
type Registry struct {
	mu       sync.RWMutex
	byParty  map[string]string
	byHandle map[string]*session

	stripes  [presenceStripes]sync.Mutex
	presence Presence
	log      *slog.Logger
}

// partyLock returns the presence lock for a party key.
func (r *Registry) partyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.stripes[h.Sum32()%presenceStripes]
}

func NewRegistry(presence Presence, log *slog.Logger) *Registry {
	return &Registry{
		byParty:  make(map[string]string),
		byHandle: make(map[string]*session),
		presence: presence,
		log:      log,
	}
}

// Bind associates party with conn, replacing any handle the party held before.
// Rebinding the same pair is a no-op apart from refreshing driver presence.
func (r *Registry) Bind(ctx context.Context, party models.Party, conn Conn) error {
	handle := conn.ID()
	key := party.Key()
	pl := r.partyLock(key)
	pl.Lock()
	defer pl.Unlock()

	r.mu.Lock()
	if prev, ok := r.byParty[key]; ok && prev != handle {
		if s, ok := r.byHandle[prev]; ok {
			delete(s.parties, key)
		}
		r.log.Info("party rebound", "party", key, "old_handle", prev, "handle", handle)
	}
	s, ok := r.byHandle[handle]
	if !ok {
		s = &session{conn: conn, parties: make(map[string]models.Party)}
		r.byHandle[handle] = s
		observability.LiveConnections.Inc()
	}
	if _, had := r.byParty[key]; !had && party.Kind == models.PartyDriver {
		observability.DriversOnline.Inc()
	}
	s.parties[key] = party
	r.byParty[key] = handle
	r.mu.Unlock()

	if party.Kind == models.PartyDriver && r.presence != nil {
		if err := r.presence.GoOnline(ctx, party.ID, handle); err != nil {
			return err
		}
	}
	r.log.Debug("party bound", "party", key, "handle", handle)
	return nil
}

// Unbind forgets handle and every party still bound to it, taking those
// drivers offline. It returns the parties that were unbound.
func (r *Registry) Unbind(ctx context.Context, handle string) []models.Party {
	r.mu.Lock()
	s, ok := r.byHandle[handle]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byHandle, handle)
	observability.LiveConnections.Dec()
	parties := make([]models.Party, 0, len(s.parties))
	for key, p := range s.parties {
		if r.byParty[key] == handle {
			delete(r.byParty, key)
			if p.Kind == models.PartyDriver {
				observability.DriversOnline.Dec()
			}
		}
		parties = append(parties, p)
	}
	r.mu.Unlock()

	for _, p := range parties {
		if p.Kind != models.PartyDriver || r.presence == nil {
			continue
		}
		r.takeOffline(ctx, p, handle)
	}
	if len(parties) > 0 {
		r.log.Info("connection unbound", "handle", handle, "parties", len(parties))
	}
	return parties
}

// takeOffline marks the driver offline unless a later bind already holds it.
// The check and the directory write run under the party's presence lock.
func (r *Registry) takeOffline(ctx context.Context, p models.Party, handle string) {
	pl := r.partyLock(p.Key())
	pl.Lock()
	defer pl.Unlock()
	if _, rebound := r.HandleOf(p); rebound {
		return
	}
	if err := r.presence.GoOffline(ctx, p.ID); err != nil {
		r.log.Error("driver offline update failed", "driver_id", p.ID, "handle", handle, "error", err)
	}
}

// HandleOf reports the live handle bound to party.
func (r *Registry) HandleOf(party models.Party) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byParty[party.Key()]
	return h, ok
}

// PartiesOf lists the parties bound to handle.
func (r *Registry) PartiesOf(handle string) []models.Party {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byHandle[handle]
	if !ok {
		return nil
	}
	out := make([]models.Party, 0, len(s.parties))
	for _, p := range s.parties {
		out = append(out, p)
	}
	return out
}

func (r *Registry) IsLive(handle string) bool {
	if handle == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byHandle[handle]
	return ok
}

// Notify sends event to party if it has a live connection. Absent
// connections and send failures are logged and counted, never returned.
func (r *Registry) Notify(ctx context.Context, party models.Party, event string, payload any) {
	r.mu.RLock()
	var conn Conn
	if h, ok := r.byParty[party.Key()]; ok {
		if s, ok := r.byHandle[h]; ok {
			conn = s.conn
		}
	}
	r.mu.RUnlock()
	if conn == nil {
		observability.NotificationsDropped.WithLabelValues(event, "not_connected").Inc()
		r.log.Debug("notify skipped, party not connected", "party", party.Key(), "event", event)
		return
	}
	r.send(ctx, conn, event, payload)
}

// NotifyHandle sends event directly to a connection handle.
func (r *Registry) NotifyHandle(ctx context.Context, handle, event string, payload any) {
	r.mu.RLock()
	s, ok := r.byHandle[handle]
	r.mu.RUnlock()
	if !ok {
		observability.NotificationsDropped.WithLabelValues(event, "not_connected").Inc()
		r.log.Debug("notify skipped, handle not live", "handle", handle, "event", event)
		return
	}
	r.send(ctx, s.conn, event, payload)
}

func (r *Registry) send(ctx context.Context, conn Conn, event string, payload any) {
	if err := conn.Send(ctx, models.Envelope{Event: event, Data: payload}); err != nil {
		observability.NotificationsDropped.WithLabelValues(event, "send_failed").Inc()
		r.log.Warn("notify failed", "handle", conn.ID(), "event", event, "error", err)
		return
	}
	observability.NotificationsSent.WithLabelValues(event).Inc()
}

// Close drops every binding, takes bound drivers offline and closes the
// underlying connections.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		conns = append(conns, s.conn)
	}
	drivers := make([]models.Party, 0)
	for key, h := range r.byParty {
		if p, ok := r.byHandle[h].parties[key]; ok && p.Kind == models.PartyDriver {
			drivers = append(drivers, p)
		}
	}
	r.byHandle = make(map[string]*session)
	r.byParty = make(map[string]string)
	r.mu.Unlock()

	observability.LiveConnections.Sub(float64(len(conns)))
	observability.DriversOnline.Sub(float64(len(drivers)))
	for _, p := range drivers {
		if r.presence == nil {
			break
		}
		r.takeOffline(ctx, p, "")
	}
	for _, c := range conns {
		_ = c.Close()
	}
	r.log.Info("registry closed", "connections", len(conns), "drivers", len(drivers))
}
