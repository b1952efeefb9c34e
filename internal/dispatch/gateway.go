package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// legacyUpdateLocation is the event name older driver apps still send.
const legacyUpdateLocation = "update-location-captain"

const disconnectTimeout = 5 * time.Second

// LocationPublisher forwards accepted driver positions to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, ev models.LocationEvent) error
}

// PositionWriter is the part of the directory the gateway writes to.
type PositionWriter interface {
	UpdatePosition(ctx context.Context, driverID string, c models.Coord) error
}

// Gateway turns inbound realtime frames into registry and directory updates.
type Gateway struct {
	registry  *Registry
	positions PositionWriter
	publisher LocationPublisher
	upgrader  websocket.Upgrader
	log       *slog.Logger
	now       func() time.Time
}

func NewGateway(registry *Registry, positions PositionWriter, publisher LocationPublisher, log *slog.Logger) *Gateway {
	return &Gateway{
		registry:  registry,
		positions: positions,
		publisher: publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
		now: time.Now,
	}
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// HandleMessage processes one raw frame from conn. Invalid input is answered
// with an error event on the same connection.
func (g *Gateway) HandleMessage(ctx context.Context, conn Conn, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.reject(ctx, conn, "malformed message")
		return
	}
	switch msg.Event {
	case models.EventJoin:
		g.join(ctx, conn, msg.Data)
	case models.EventUpdateLocation, legacyUpdateLocation:
		g.updateLocation(ctx, conn, msg.Data)
	default:
		g.reject(ctx, conn, "unknown event "+msg.Event)
	}
}

func (g *Gateway) join(ctx context.Context, conn Conn, data json.RawMessage) {
	var m models.JoinMessage
	if err := json.Unmarshal(data, &m); err != nil || strings.TrimSpace(m.UserID) == "" {
		g.reject(ctx, conn, "Invalid join data")
		return
	}
	kind, ok := models.ParsePartyKind(m.UserType)
	if !ok {
		g.reject(ctx, conn, "Invalid user type")
		return
	}
	party := models.Party{ID: m.UserID, Kind: kind}
	if err := g.registry.Bind(ctx, party, conn); err != nil {
		g.log.Error("join failed", "party", party.Key(), "handle", conn.ID(), "error", err)
		g.reject(ctx, conn, "join failed")
		return
	}
	g.log.Info("party joined", "party", party.Key(), "handle", conn.ID())
}

func (g *Gateway) updateLocation(ctx context.Context, conn Conn, data json.RawMessage) {
	var m models.LocationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		g.rejectLocation(ctx, conn)
		return
	}
	lat := m.Location.Lat
	if lat == nil {
		lat = m.Location.Ltd
	}
	if lat == nil || m.Location.Lng == nil {
		g.rejectLocation(ctx, conn)
		return
	}
	driverID, ok := g.reportingDriver(conn, m.UserID)
	if !ok {
		g.reject(ctx, conn, apperr.ErrNotAuthorized.Message)
		return
	}
	pos := models.Coord{Lat: *lat, Lng: *m.Location.Lng}
	err := g.ReportLocation(ctx, "ws", driverID, pos)
	switch {
	case errors.Is(err, apperr.ErrInvalidCoordinate):
		g.reject(ctx, conn, "Invalid location data")
	case err != nil:
		g.reject(ctx, conn, "location update failed")
	}
}

// ReportLocation records a driver position in the directory and forwards it
// to the location stream. source labels the metrics ("ws" or "http").
func (g *Gateway) ReportLocation(ctx context.Context, source, driverID string, pos models.Coord) error {
	if err := g.positions.UpdatePosition(ctx, driverID, pos); err != nil {
		if errors.Is(err, apperr.ErrInvalidCoordinate) {
			observability.LocationUpdates.WithLabelValues(source, "invalid").Inc()
			return err
		}
		observability.LocationUpdates.WithLabelValues(source, "error").Inc()
		g.log.Error("location update failed", "driver_id", driverID, "source", source, "error", err)
		return err
	}
	observability.LocationUpdates.WithLabelValues(source, "ok").Inc()
	if g.publisher == nil {
		return nil
	}
	ev := models.LocationEvent{DriverID: driverID, Position: pos, RecordedAt: g.now().UTC()}
	if err := g.publisher.PublishLocation(ctx, ev); err != nil {
		g.log.Warn("location publish failed", "driver_id", driverID, "error", err)
	}
	return nil
}

// reportingDriver resolves whose position a frame carries. A connection
// bound to a driver may only report for that driver; an unbound one must
// name the driver explicitly.
func (g *Gateway) reportingDriver(conn Conn, userID string) (string, bool) {
	var bound string
	for _, p := range g.registry.PartiesOf(conn.ID()) {
		if p.Kind == models.PartyDriver {
			bound = p.ID
		}
	}
	switch {
	case bound == "" && userID == "":
		return "", false
	case bound == "":
		return userID, true
	case userID == "" || userID == bound:
		return bound, true
	default:
		return "", false
	}
}

func (g *Gateway) rejectLocation(ctx context.Context, conn Conn) {
	observability.LocationUpdates.WithLabelValues("ws", "invalid").Inc()
	g.reject(ctx, conn, "Invalid location data")
}

func (g *Gateway) reject(ctx context.Context, conn Conn, message string) {
	if err := conn.Send(ctx, models.Envelope{Event: models.EventError, Data: models.ErrorPayload{Message: message}}); err != nil {
		g.log.Debug("error event not delivered", "handle", conn.ID(), "error", err)
	}
}

// Disconnect unbinds every party on conn.
func (g *Gateway) Disconnect(ctx context.Context, conn Conn) {
	parties := g.registry.Unbind(ctx, conn.ID())
	g.log.Info("connection closed", "handle", conn.ID(), "parties", len(parties))
}

// ServeWS upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("ws upgrade failed", "error", err)
		return
	}
	conn := NewWSConn(ws)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go conn.KeepAlive(ctx)

	g.log.Debug("connection opened", "handle", conn.ID(), "remote", r.RemoteAddr)
	if err := conn.ReadLoop(func(raw []byte) { g.HandleMessage(ctx, conn, raw) }); err != nil {
		g.log.Warn("ws read error", "handle", conn.ID(), "error", err)
	}

	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer dcancel()
	g.Disconnect(dctx, conn)
	_ = conn.Close()
}
