package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusForKnownSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: missing pubKey", ErrBadRequest), http.StatusBadRequest},
		{WrongSwarm(nil), http.StatusMisdirectedRequest},
		{fmt.Errorf("%w: ttl out of range", ErrInvalidTTL), http.StatusForbidden},
		{fmt.Errorf("%w: drift too large", ErrInvalidTimestamp), http.StatusNotAcceptable},
		{fmt.Errorf("%w: bad signature", ErrUnauthorized), http.StatusUnauthorized},
		{fmt.Errorf("%w", ErrRateLimited), http.StatusTooManyRequests},
		{InvalidPoW(42), 432},
		{fmt.Errorf("%w", ErrNotReady), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: disk full", ErrStorage), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		require.Equal(t, tc.status, StatusFor(tc.err))
	}
}

func TestStatusForUnknownDefaultsInternal(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, StatusFor(fmt.Errorf("boom")))
}

func TestRespondErrorWrongSwarmBody(t *testing.T) {
	w := httptest.NewRecorder()
	RespondError(w, WrongSwarm([]string{"a", "b"}))

	require.Equal(t, http.StatusMisdirectedRequest, w.Code)

	var body WrongSwarmPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
}

func TestRespondErrorPoWBody(t *testing.T) {
	w := httptest.NewRecorder()
	RespondError(w, InvalidPoW(7))

	require.Equal(t, 432, w.Code)

	var body PoWPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.EqualValues(t, 7, body.Difficulty)
}
