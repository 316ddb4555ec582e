package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wsactor "WorkChat/service/actor"
	"WorkChat/service/bus"
	"WorkChat/service/metrics"
	"WorkChat/service/supervisor"
)

func newOpsFixture(t *testing.T) (*Server, *supervisor.Supervisor) {
	t.Helper()
	b := bus.NewInprocBus()
	sup := supervisor.New(supervisor.Conf{},
		func(id string) *wsactor.Workspace {
			return wsactor.NewWorkspace(id, wsactor.WorkspaceConf{}, b)
		},
		func(id, workspaceID string) *wsactor.Channel {
			return wsactor.NewChannel(id, workspaceID, wsactor.ChannelConf{}, b, nil, nil)
		})
	t.Cleanup(sup.Stop)
	return NewServer(0, sup), sup
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthzHealthy(t *testing.T) {
	s, sup := newOpsFixture(t)
	sup.StartWorkspaceActor("ws1")

	w := doGet(t, s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var h supervisor.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.True(t, h.Healthy)
	assert.Equal(t, 1, h.WorkspaceActors)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newOpsFixture(t)
	metrics.GetCounter("ops.test").Add(3)
	defer metrics.GetCounter("ops.test").Reset()

	w := doGet(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	var snap map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(3), snap["ops.test"])
}

func TestActorsEndpoint(t *testing.T) {
	s, sup := newOpsFixture(t)
	sup.StartWorkspaceActor("ws1")
	sup.StartChannelActor("ch1", "ws1")

	w := doGet(t, s, "/actors")
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Workspaces []string `json:"workspaces"`
		Channels   []string `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, []string{"ws1"}, out.Workspaces)
	assert.Equal(t, []string{"ch1"}, out.Channels)
}
