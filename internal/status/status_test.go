package status

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hossein/mpsched/internal/metrics"
	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

type conn struct {
	id    uuid.UUID
	views []scheduler.SubflowView
}

func (c conn) GetConnectionID() [16]byte { return c.id }
func (c conn) SubflowViews() []scheduler.SubflowView { return c.views }

func newServer(t *testing.T, opts Options) (*httptest.Server, *scheduler.Engine, uuid.UUID) {
	t.Helper()
	col := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, col.Register(reg))
	if opts.Gatherer == nil {
		opts.Gatherer = reg
	}

	e := scheduler.NewEngine(
		scheduler.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		scheduler.WithObserver(col),
	)
	id := uuid.MustParse("6f1c1a52-8b1e-4c8e-9d43-2f1b6a0c5e11")
	c, err := e.Open(conn{id: id, views: []scheduler.SubflowView{
		{ID: 0, InterfaceIndex: 2, Active: true, HasSendCapacity: true, Established: true, SmoothedRTTMicros: 1200, SourcePort: 40000, DestPort: 5000},
		{ID: 1, InterfaceIndex: 3, Established: true, SourcePort: 40000, DestPort: 5000},
	}}, "")
	require.NoError(t, err)
	_, err = e.Decide(c, scheduler.IntentSend)
	require.NoError(t, err)

	srv := httptest.NewServer(New(e, opts))
	t.Cleanup(srv.Close)
	return srv, e, id
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newServer(t, Options{})
	resp, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestConnections(t *testing.T) {
	srv, _, id := newServer(t, Options{})
	resp, body := get(t, srv.URL+"/api/connections")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got []ConnectionJSON
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Len(t, got, 1)
	assert.Equal(t, id.String(), got[0].ID)
	assert.Equal(t, scheduler.NamePortSched, got[0].Policy)
	assert.Equal(t, uint16(5000), got[0].DestPort)
	require.Len(t, got[0].Subflows, 2)
	assert.Equal(t, uint32(1200), got[0].Subflows[0].SmoothedRTTMicros)
	assert.False(t, got[0].Subflows[1].Active)

	resp, _ = get(t, srv.URL+"/api/connections/"+id.String())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/api/connections/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv.URL+"/api/connections/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPolicies(t *testing.T) {
	srv, _, _ := newServer(t, Options{})
	_, body := get(t, srv.URL+"/api/policies")

	var got PoliciesJSON
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, scheduler.NamePortSched, got.Default)
	assert.Equal(t, scheduler.BuiltinPolicies(), got.Policies)
}

func TestMetrics(t *testing.T) {
	srv, _, _ := newServer(t, Options{})
	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(body, `rahio_sched_decisions_total{intent="send",outcome="chosen",policy="portsched"} 1`), body)
}

func TestCORS(t *testing.T) {
	srv, _, _ := newServer(t, Options{AllowedOrigins: []string{"https://dash.example"}})
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/connections", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://dash.example", resp.Header.Get("Access-Control-Allow-Origin"))
}
