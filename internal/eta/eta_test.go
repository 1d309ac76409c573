package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type stubClient struct {
	secs  float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	s.calls++
	return s.secs, s.err
}

var (
	from = models.Coord{Lat: 0, Lon: 0}
	to   = models.Coord{Lat: 0.01, Lon: 0}
)

func TestEstimatorPrefersClientAndCaches(t *testing.T) {
	c := &stubClient{secs: 42}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}
	assert.Equal(t, 42.0, e.Seconds(context.Background(), from, to))
	assert.Equal(t, 42.0, e.Seconds(context.Background(), from, to))
	assert.Equal(t, 1, c.calls)
}

func TestEstimatorFallsBackToStraightLine(t *testing.T) {
	e := &Estimator{Client: &stubClient{err: errors.New("down")}, SpeedMps: 10}
	assert.InDelta(t, 111.2, e.Seconds(context.Background(), from, to), 0.5)
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(from, to, 5)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(from, to)
	assert.False(t, ok)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/route/v1/driving/")
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":93.5}]}`)
	}))
	defer srv.Close()

	secs, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 93.5, secs)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":"NoRoute","message":"Impossible route"}`)
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL+"/").EstimateSeconds(context.Background(), from, to)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoRoute")
}
