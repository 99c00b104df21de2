package health_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/record-import-transformer/internal/health"
)

type body struct {
	Status  string   `json:"status"`
	Failing []string `json:"failing"`
}

func get(t *testing.T, s *health.Server, path string) (int, body) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var b body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec.Code, b
}

func TestLivenessAlwaysOK(t *testing.T) {
	t.Parallel()

	s := health.NewServer(zerolog.Nop())
	s.Register("kafka-consumer", func() bool { return false })

	code, b := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", b.Status)
}

func TestReadiness_Table(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		probes      map[string]bool
		wantCode    int
		wantFailing []string
	}{
		{"Success_NoProbes", nil, http.StatusOK, nil},
		{"Success_AllReady", map[string]bool{"kafka-consumer": true, "kafka-producer": true}, http.StatusOK, nil},
		{"Failure_OneDown", map[string]bool{"kafka-consumer": true, "kafka-producer": false}, http.StatusServiceUnavailable, []string{"kafka-producer"}},
		{"Failure_AllDown", map[string]bool{"kafka-producer": false, "kafka-consumer": false}, http.StatusServiceUnavailable, []string{"kafka-consumer", "kafka-producer"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := health.NewServer(zerolog.Nop())
			for name, ready := range tc.probes {
				ready := ready
				s.Register(name, func() bool { return ready })
			}

			code, b := get(t, s, "/readyz")
			assert.Equal(t, tc.wantCode, code)
			assert.Equal(t, tc.wantFailing, b.Failing)
		})
	}
}

func TestRegisterIgnoresInvalidProbes(t *testing.T) {
	t.Parallel()

	s := health.NewServer(zerolog.Nop())
	s.Register("", func() bool { return false })
	s.Register("nil-probe", nil)

	code, _ := get(t, s, "/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestShutdownBeforeStart(t *testing.T) {
	t.Parallel()

	require.NoError(t, health.NewServer(zerolog.Nop()).Shutdown(context.Background()))
}
