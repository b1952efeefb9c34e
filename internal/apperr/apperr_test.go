package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsSentinelIdentity(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := fmt.Errorf("create ride: %w", Wrap(ErrGeocodingUnavailable, cause))

	assert.True(t, errors.Is(err, ErrGeocodingUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrRideNotFound))
	assert.Equal(t, KindUpstream, KindOf(err))
	assert.Equal(t, "geocoding_unavailable", CodeOf(err))
}

func TestWithfChangesMessageOnly(t *testing.T) {
	err := Withf(ErrInvalidRequest, "unknown vehicle class %q", "boat")
	assert.Equal(t, `unknown vehicle class "boat"`, err.Error())
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.Equal(t, "invalid request", ErrInvalidRequest.Message)
}

func TestKindHTTPStatus(t *testing.T) {
	cases := map[error]int{
		ErrInvalidRequest:       http.StatusBadRequest,
		ErrRideNotFound:         http.StatusNotFound,
		ErrInvalidOTP:           http.StatusForbidden,
		ErrNotAuthorized:        http.StatusForbidden,
		ErrGeocodingUnavailable: http.StatusServiceUnavailable,
		ErrRideNotOngoing:       http.StatusConflict,
		errors.New("boom"):      http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, KindOf(err).HTTPStatus(), err.Error())
	}
}
