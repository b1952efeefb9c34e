package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

const (
	headerRiderID  = "X-Rider-ID"
	headerDriverID = "X-Driver-ID"

	maxBodyBytes = 1 << 20
	retryAfter   = "5"
)

// Rides is the lifecycle surface the API exposes.
type Rides interface {
	Fare(ctx context.Context, pickup, destination string) (ride.FareQuote, error)
	Get(ctx context.Context, id string) (*models.Ride, error)
	RiderView(ctx context.Context, id, riderID string) (*models.RiderRide, error)
	Confirm(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	Start(ctx context.Context, rideID, code, driverID string) (*models.Ride, error)
	End(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	Cancel(ctx context.Context, rideID string, by models.Party) (*models.Ride, error)
}

type Dispatcher interface {
	RequestRide(ctx context.Context, cmd ride.CreateCommand) (matcher.Result, error)
}

// LocationReporter accepts driver positions posted over HTTP.
type LocationReporter interface {
	ReportLocation(ctx context.Context, source, driverID string, pos models.Coord) error
}

// Deps are the collaborators behind the routes. Suggest, Locations and WS
// are optional; their routes are only mounted when set.
type Deps struct {
	Rides     Rides
	Dispatch  Dispatcher
	Suggest   maps.Suggester
	Locations LocationReporter
	WS        http.HandlerFunc
	Ready     func(ctx context.Context) error
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/fare", s.handleFare).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/confirm", s.handleConfirm).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/end", s.handleEnd).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	if s.deps.Suggest != nil {
		api.HandleFunc("/maps/suggestions", s.handleSuggestions).Methods(http.MethodGet)
	}
	if s.deps.Locations != nil {
		api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	}

	if s.deps.WS != nil {
		s.mux.HandleFunc("/ws", s.deps.WS)
	}
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	RiderID      string              `json:"rider_id"`
	Pickup       string              `json:"pickup"`
	Destination  string              `json:"destination"`
	VehicleClass models.VehicleClass `json:"vehicle_type"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	riderID := r.Header.Get(headerRiderID)
	if riderID == "" {
		riderID = req.RiderID
	}
	if req.RiderID != "" && req.RiderID != riderID {
		s.writeError(w, r, apperr.ErrNotAuthorized)
		return
	}
	res, err := s.deps.Dispatch.RequestRide(r.Context(), ride.CreateCommand{
		RiderID:      riderID,
		Pickup:       req.Pickup,
		Destination:  req.Destination,
		VehicleClass: req.VehicleClass,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleFare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quote, err := s.deps.Rides.Fare(r.Context(), q.Get("pickup"), q.Get("destination"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// handleGetRide shows the start code only to the ride's rider. Drivers see
// pending rides they may be offered and rides assigned to them.
func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if riderID := r.Header.Get(headerRiderID); riderID != "" {
		view, err := s.deps.Rides.RiderView(r.Context(), id, riderID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	driverID := r.Header.Get(headerDriverID)
	if driverID == "" {
		s.writeError(w, r, missingIdentity())
		return
	}
	rd, err := s.deps.Rides.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rd.DriverID != driverID && rd.Status != models.StatusPending {
		s.writeError(w, r, apperr.ErrNotAuthorized)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	driverID := r.Header.Get(headerDriverID)
	if driverID == "" {
		s.writeError(w, r, missingIdentity())
		return
	}
	rd, err := s.deps.Rides.Confirm(r.Context(), mux.Vars(r)["id"], driverID)
	s.respondRide(w, r, rd, err)
}

type startRequest struct {
	OTP string `json:"otp"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	driverID := r.Header.Get(headerDriverID)
	if driverID == "" {
		s.writeError(w, r, missingIdentity())
		return
	}
	code := r.URL.Query().Get("otp")
	if code == "" {
		var req startRequest
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			s.writeError(w, r, err)
			return
		}
		code = req.OTP
	}
	rd, err := s.deps.Rides.Start(r.Context(), mux.Vars(r)["id"], code, driverID)
	s.respondRide(w, r, rd, err)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	driverID := r.Header.Get(headerDriverID)
	if driverID == "" {
		s.writeError(w, r, missingIdentity())
		return
	}
	rd, err := s.deps.Rides.End(r.Context(), mux.Vars(r)["id"], driverID)
	s.respondRide(w, r, rd, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var by models.Party
	switch {
	case r.Header.Get(headerRiderID) != "":
		by = models.RiderParty(r.Header.Get(headerRiderID))
	case r.Header.Get(headerDriverID) != "":
		by = models.DriverParty(r.Header.Get(headerDriverID))
	default:
		s.writeError(w, r, missingIdentity())
		return
	}
	rd, err := s.deps.Rides.Cancel(r.Context(), mux.Vars(r)["id"], by)
	s.respondRide(w, r, rd, err)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	input := strings.TrimSpace(r.URL.Query().Get("input"))
	if input == "" {
		s.writeError(w, r, apperr.Withf(apperr.ErrInvalidRequest, "input is required"))
		return
	}
	out, err := s.deps.Suggest.Suggest(r.Context(), input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": out})
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// handleDriverLocation is the HTTP fallback for drivers that cannot hold a
// websocket open.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	if r.Header.Get(headerDriverID) != driverID {
		s.writeError(w, r, apperr.ErrNotAuthorized)
		return
	}
	var req locationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Lat == nil || req.Lng == nil {
		s.writeError(w, r, apperr.ErrInvalidCoordinate)
		return
	}
	if err := s.deps.Locations.ReportLocation(r.Context(), "http", driverID, models.Coord{Lat: *req.Lat, Lng: *req.Lng}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) respondRide(w http.ResponseWriter, r *http.Request, rd *models.Ride, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps err to its status and body. Internal errors are logged and
// answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Error: apperr.CodeOf(err), Message: err.Error()}
	switch kind {
	case apperr.KindInternal:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		body.Message = "internal error"
	case apperr.KindUpstream:
		s.logger.Warn("upstream lookup failed", "route", routeTemplate(r), "error", err)
		w.Header().Set("Retry-After", retryAfter)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && kind != apperr.KindInternal {
		body.Message = ae.Message
	}
	writeJSON(w, kind.HTTPStatus(), body)
}

func missingIdentity() error {
	return apperr.Withf(apperr.ErrNotAuthorized, "missing %s or %s header", headerRiderID, headerDriverID)
}

var errEmptyBody = errors.New("empty body")

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Wrap(apperr.Withf(apperr.ErrInvalidRequest, "request body is required"), errEmptyBody)
		}
		return apperr.Withf(apperr.ErrInvalidRequest, "invalid json body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
