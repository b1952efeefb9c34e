package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	pickupAddr = "12.9716,77.5946"
	destAddr   = "12.9352,77.6245"
)

type fakeSuggester struct{ err error }

func (f fakeSuggester) Suggest(_ context.Context, input string) ([]maps.Suggestion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []maps.Suggestion{{Label: input + " Road", PlaceID: "p1"}}, nil
}

type stack struct {
	server   *Server
	rides    *ride.Service
	registry *dispatch.Registry
	index    *geo.Index
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := logging.Discard()
	idx := geo.NewIndex()
	reg := dispatch.NewRegistry(idx, log)
	rides := ride.NewService(storage.NewMemoryStore(), maps.LocalLocator{}, reg, log, ride.WithDrivers(idx))
	gw := dispatch.NewGateway(reg, idx, ingest.Noop{}, log)
	m := &matcher.Service{Rides: rides, Directory: idx, Dispatch: reg, RadiusKm: 5, Log: log}
	srv := NewServer(Deps{
		Rides:     rides,
		Dispatch:  m,
		Suggest:   fakeSuggester{},
		Locations: gw,
		WS:        gw.ServeWS,
	}, log)
	return &stack{server: srv, rides: rides, registry: reg, index: idx}
}

func (s *stack) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	return rec
}

func rider(id string) map[string]string  { return map[string]string{headerRiderID: id} }
func driver(id string) map[string]string { return map[string]string{headerDriverID: id} }

func (s *stack) createRide(t *testing.T) matcher.Result {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/rides", map[string]string{
		"pickup": pickupAddr, "destination": destAddr, "vehicle_type": "economy",
	}, rider("u1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res matcher.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateRide_NoDrivers(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodPost, "/api/v1/rides", map[string]string{
		"pickup": pickupAddr, "destination": destAddr, "vehicle_type": "economy",
	}, rider("u1"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"otp"`)

	var res matcher.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, matcher.WarnNoDrivers, res.Warning)
	assert.Equal(t, models.StatusPending, res.Ride.Status)
	assert.Equal(t, "u1", res.Ride.RiderID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateRide_Errors(t *testing.T) {
	s := newStack(t)

	rec := s.do(t, http.MethodPost, "/api/v1/rides", map[string]string{"pickup": pickupAddr}, rider("u1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/v1/rides", map[string]string{
		"pickup": "nowhere", "destination": destAddr, "vehicle_type": "economy",
	}, rider("u1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "geocoding_unavailable", decodeError(t, rec).Error)
	assert.Equal(t, retryAfter, rec.Header().Get("Retry-After"))

	rec = s.do(t, http.MethodPost, "/api/v1/rides", map[string]string{
		"pickup": "95,10", "destination": destAddr, "vehicle_type": "economy",
	}, rider("u1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "out of range literal address")
	assert.Equal(t, "geocoding_unavailable", decodeError(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/v1/rides", map[string]string{
		"rider_id": "u2", "pickup": pickupAddr, "destination": destAddr, "vehicle_type": "economy",
	}, rider("u1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rides", strings.NewReader("{not json"))
	out := httptest.NewRecorder()
	s.server.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestFare(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/api/v1/rides/fare?pickup="+pickupAddr+"&destination="+destAddr, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var q ride.FareQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Len(t, q.Fares, 4)
	assert.Greater(t, q.DistanceKm, 0.0)

	rec = s.do(t, http.MethodGet, "/api/v1/rides/fare?pickup="+pickupAddr, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycleOverHTTP(t *testing.T) {
	s := newStack(t)
	id := s.createRide(t).Ride.ID

	rec := s.do(t, http.MethodGet, "/api/v1/rides/"+id, nil, rider("u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		OTP    string        `json:"otp"`
		Status models.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotEmpty(t, view.OTP)

	rec = s.do(t, http.MethodGet, "/api/v1/rides/"+id, nil, rider("u2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/rides/"+id, nil, driver("d1"))
	require.Equal(t, http.StatusOK, rec.Code, "drivers may see pending rides")
	assert.NotContains(t, rec.Body.String(), `"otp"`)

	rec = s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/confirm", nil, driver("d1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/rides/"+id, nil, driver("d2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", map[string]string{"otp": "nope"}, driver("d1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "invalid_otp", decodeError(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start?otp="+view.OTP, nil, driver("d1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/end", nil, driver("d2"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ride_not_ongoing", decodeError(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/end", nil, driver("d1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var done models.Ride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, models.StatusCompleted, done.Status)
}

func TestStart_OTPInBody(t *testing.T) {
	s := newStack(t)
	id := s.createRide(t).Ride.ID
	r, err := s.rides.RiderView(context.Background(), id, "u1")
	require.NoError(t, err)
	_, err = s.rides.Confirm(context.Background(), id, "d1")
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", nil, driver("d1"))
	assert.Equal(t, http.StatusForbidden, rec.Code, "missing code")

	rec = s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", map[string]string{"otp": "  " + r.OTP + "\n"}, driver("d1"))
	assert.Equal(t, http.StatusForbidden, rec.Code, "padded code is not the code")
	assert.Equal(t, "invalid_otp", decodeError(t, rec).Error)
	got, err := s.rides.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)

	rec = s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", map[string]string{"otp": r.OTP}, driver("d1"))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCancel(t *testing.T) {
	s := newStack(t)
	id := s.createRide(t).Ride.ID

	rec := s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/cancel", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/cancel", nil, rider("u2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/cancel", nil, rider("u1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/rides/"+id+"/confirm", nil, driver("d1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeError(t, rec).Error)
}

func TestRideNotFound(t *testing.T) {
	s := newStack(t)
	for _, path := range []string{"/confirm", "/end"} {
		rec := s.do(t, http.MethodPost, "/api/v1/rides/missing"+path, nil, driver("d1"))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "ride_not_found", decodeError(t, rec).Error)
	}
}

func TestMissingDriverHeader(t *testing.T) {
	s := newStack(t)
	for _, path := range []string{"/confirm", "/start", "/end"} {
		rec := s.do(t, http.MethodPost, "/api/v1/rides/r1"+path, nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
}

func TestSuggestions(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/api/v1/maps/suggestions?input=MG", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "MG Road")

	rec = s.do(t, http.MethodGet, "/api/v1/maps/suggestions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.server = NewServer(Deps{Suggest: fakeSuggester{err: errors.New("quota exceeded")}}, logging.Discard())
	rec = s.do(t, http.MethodGet, "/api/v1/maps/suggestions?input=MG", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeError(t, rec).Message)
}

func TestDriverLocation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	require.NoError(t, s.index.GoOnline(ctx, "d1", "h1"))

	rec := s.do(t, http.MethodPost, "/api/v1/drivers/d1/location", map[string]float64{"lat": 12.97, "lng": 77.59}, driver("d1"))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	d, err := s.index.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.Coord{Lat: 12.97, Lng: 77.59}, d.Position)

	rec = s.do(t, http.MethodPost, "/api/v1/drivers/d1/location", map[string]float64{"lat": 12.97, "lng": 77.59}, driver("d2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/drivers/d1/location", map[string]float64{"lat": 120, "lng": 77.59}, driver("d1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_coordinate", decodeError(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/v1/drivers/d1/location", map[string]float64{"lat": 12.97}, driver("d1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newStack(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", nil, nil).Code)

	s.server = NewServer(Deps{Ready: func(context.Context) error { return errors.New("redis down") }}, logging.Discard())
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/ready", nil, nil).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	s := NewServer(Deps{}, logging.Discard())
	rec := httptest.NewRecorder()
	// Rides is nil, so the fare handler panics.
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rides/fare?pickup=a&destination=b", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal")
}

func TestErrorKindsMapToStatus(t *testing.T) {
	s := NewServer(Deps{}, logging.Discard())
	cases := map[error]int{
		apperr.ErrInvalidRequest:       http.StatusBadRequest,
		apperr.ErrRideNotFound:         http.StatusNotFound,
		apperr.ErrNotAuthorized:        http.StatusForbidden,
		apperr.ErrGeocodingUnavailable: http.StatusServiceUnavailable,
		apperr.ErrInvalidTransition:    http.StatusConflict,
		errors.New("disk on fire"):     http.StatusInternalServerError,
	}
	for err, want := range cases {
		rec := httptest.NewRecorder()
		s.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), err)
		assert.Equal(t, want, rec.Code, err.Error())
	}
}

func TestWebsocketOfferThroughRouter(t *testing.T) {
	s := newStack(t)
	ts := httptest.NewServer(s.server)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{
		"event": "join", "data": map[string]string{"userId": "d1", "userType": "captain"},
	}))
	require.NoError(t, ws.WriteJSON(map[string]any{
		"event": "update-location",
		"data":  map[string]any{"userId": "d1", "location": map[string]float64{"lat": 12.972, "lng": 77.595}},
	}))

	require.Eventually(t, func() bool {
		d, _ := s.index.Get(context.Background(), "d1")
		return d != nil && d.Available && d.Position.Lat == 12.972
	}, 2*time.Second, 10*time.Millisecond)

	res := s.createRide(t)
	assert.Equal(t, 1, res.Notified)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env struct {
		Event string `json:"event"`
		Data  struct {
			Ride  models.Ride  `json:"ride"`
			Rider models.Rider `json:"rider"`
		} `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, models.EventNewRide, env.Event)
	assert.Equal(t, res.Ride.ID, env.Data.Ride.ID)
	assert.Equal(t, "u1", env.Data.Rider.ID)
}
