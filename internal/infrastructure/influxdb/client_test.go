package influxdb

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/marchog-core/internal/infrastructure/config"
)

var at = time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:1",
	})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

// fakeInflux answers the ping and counts write requests.
func fakeInflux(t *testing.T, writes chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/ping"):
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/write"):
			buf := new(bytes.Buffer)
			_, _ = buf.ReadFrom(r.Body) //nolint:errcheck // test server
			writes <- buf.String()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnect_WriteAndFlush(t *testing.T) {
	writes := make(chan string, 4)
	srv := fakeInflux(t, writes)

	c, err := Connect(context.Background(), config.InfluxDBConfig{
		Enabled: true,
		URL:     srv.URL,
		Org:     "marchog",
		Bucket:  "fleet",
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close() //nolint:errcheck // test cleanup

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	c.WriteHeartbeat("d1", at, map[string]float64{"latency_ms": 12})
	c.Flush()

	select {
	case body := <-writes:
		if !strings.Contains(body, "device_heartbeat,device_id=d1") {
			t.Errorf("write body = %q", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no write reached the server")
	}
}

func TestWrites_AfterCloseAreDropped(t *testing.T) {
	c := &Client{}
	// Must not panic on a client that never connected.
	c.WriteHeartbeat("d1", at, nil)
	c.WriteLiveness("d1", "stale", at)
	c.WriteActivation("night-mode", 3, 1, at)
	c.Flush()
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}
}

func TestPoints(t *testing.T) {
	tests := []struct {
		name  string
		point *write.Point
		want  []string
	}{
		{
			name:  "heartbeat with metrics",
			point: heartbeatPoint("d1", at, map[string]float64{"latency_ms": 12.5}),
			want:  []string{"device_heartbeat,device_id=d1", "beat=1i", "latency_ms=12.5"},
		},
		{
			name:  "heartbeat without metrics",
			point: heartbeatPoint("d2", at, nil),
			want:  []string{"device_heartbeat,device_id=d2", "beat=1i"},
		},
		{
			name:  "liveness",
			point: livenessPoint("d3", "stale", at),
			want:  []string{"device_liveness,device_id=d3,state=stale", "transition=1i"},
		},
		{
			name:  "activation",
			point: activationPoint("night-mode", 4, 1, at),
			want:  []string{"scene_activation,scene_id=night-mode", "recipients=4i", "failures=1i"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := write.PointToLineProtocol(tt.point, time.Second)
			for _, fragment := range tt.want {
				if !strings.Contains(line, fragment) {
					t.Errorf("line %q missing %q", line, fragment)
				}
			}
		})
	}
}
