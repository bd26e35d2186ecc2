package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/config"
	"vigil/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.UserAgent = "vigil-test/1.0"
	cfg.TestMode = true
	reg := registry.New(nil, nil)
	reg.Add(registry.Inventory{Hostname: "worker-1"})
	return NewServer(cfg, reg, nil), reg
}

func doRequest(t *testing.T, s *Server, method, path string, body any, userAgent string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:12345"
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestServer_RejectsMissingUserAgent(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/v1/hosts/worker-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, reasonInvalidData, body.Reason)
}

func TestServer_AddInstance_RequiresHeartbeatService(t *testing.T) {
	s, _ := newTestServer(t)
	req := instanceAddRequest{Hostname: "worker-1", Name: "vm-1"}
	w := doRequest(t, s, http.MethodPost, "/v1/instances/11111111-1111-1111-1111-111111111111", req, "vigil-test/1.0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_AddInstance_ThenGetReturnsIt(t *testing.T) {
	s, _ := newTestServer(t)
	uuid := "11111111-1111-1111-1111-111111111111"

	req := instanceAddRequest{Hostname: "worker-1", Name: "vm-1"}
	req.Services = []struct {
		Service string `json:"service"`
	}{{Service: "heartbeat"}}

	w := doRequest(t, s, http.MethodPost, "/v1/instances/"+uuid, req, "vigil-test/1.0")
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/instances/"+uuid, nil, "vigil-test/1.0")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestServer_AddInstance_UnknownHostIsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	uuid := "11111111-1111-1111-1111-111111111111"
	req := instanceAddRequest{Hostname: "ghost-host"}
	req.Services = []struct {
		Service string `json:"service"`
	}{{Service: "heartbeat"}}

	w := doRequest(t, s, http.MethodPost, "/v1/instances/"+uuid, req, "vigil-test/1.0")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_GetInstance_UnknownUUIDIsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/v1/instances/does-not-exist", nil, "vigil-test/1.0")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_EnableHost_UnknownHostIsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodPut, "/v1/hosts/does-not-exist/enable", nil, "vigil-test/1.0")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_EnableHost_TurnsOnReporting(t *testing.T) {
	s, reg := newTestServer(t)
	h, _ := reg.Get("worker-1")
	h.SetReportingEnabled(false)

	w := doRequest(t, s, http.MethodPut, "/v1/hosts/worker-1/enable", nil, "vigil-test/1.0")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, h.HBFailure.ReportingEnabled)
}

func addTestInstance(t *testing.T, s *Server, uuid string) {
	t.Helper()
	req := instanceAddRequest{Hostname: "worker-1", Name: "vm-1"}
	req.Services = []struct {
		Service string `json:"service"`
	}{{Service: "heartbeat"}}
	w := doRequest(t, s, http.MethodPost, "/v1/instances/"+uuid, req, "vigil-test/1.0")
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestServer_AddInstance_DuplicateIsIdempotent(t *testing.T) {
	s, reg := newTestServer(t)
	uuid := "8d80875b-fa73-4ccb-bce3-1cd4df10449d"
	addTestInstance(t, s, uuid)

	req := instanceAddRequest{Hostname: "worker-1", Name: "vm-1"}
	req.Services = []struct {
		Service string `json:"service"`
	}{{Service: "heartbeat"}}
	w := doRequest(t, s, http.MethodPost, "/v1/instances/"+uuid, req, "vigil-test/1.0")
	assert.Equal(t, http.StatusOK, w.Code, "second add must succeed without creating a duplicate")

	h, _ := reg.Get("worker-1")
	assert.Len(t, h.Instances, 1)
}

func TestServer_Vote_ResponseCarriesSelectedTimeout(t *testing.T) {
	s, _ := newTestServer(t)
	uuid := "8d80875b-fa73-4ccb-bce3-1cd4df10449d"
	addTestInstance(t, s, uuid)

	w := doRequest(t, s, http.MethodPost, "/v1/instances/"+uuid+"/vote", voteRequest{EventType: "pause"}, "vigil-test/1.0")
	require.Equal(t, http.StatusAccepted, w.Code)

	var body struct {
		TimeoutMS int `json:"timeout_ms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, config.Default().VoteSecs*1000, body.TimeoutMS)
}

func TestServer_Notify_IrrevocableStopUsesShutdownNotice(t *testing.T) {
	s, _ := newTestServer(t)
	uuid := "8d80875b-fa73-4ccb-bce3-1cd4df10449d"
	addTestInstance(t, s, uuid)

	w := doRequest(t, s, http.MethodPost, "/v1/instances/"+uuid+"/notify", voteRequest{EventType: "stop"}, "vigil-test/1.0")
	require.Equal(t, http.StatusAccepted, w.Code)

	var body struct {
		TimeoutMS int `json:"timeout_ms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, config.Default().ShutdownNoticeSecs*1000, body.TimeoutMS)
}

func TestServer_Vote_WhileVoteOutstandingIsBadState(t *testing.T) {
	s, _ := newTestServer(t)
	uuid := "8d80875b-fa73-4ccb-bce3-1cd4df10449d"
	addTestInstance(t, s, uuid)

	w := doRequest(t, s, http.MethodPost, "/v1/instances/"+uuid+"/vote", voteRequest{EventType: "pause"}, "vigil-test/1.0")
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doRequest(t, s, http.MethodPost, "/v1/instances/"+uuid+"/vote", voteRequest{EventType: "pause"}, "vigil-test/1.0")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, reasonBadState, body.Reason)
}

func TestServer_AddHost_ThenRemoveByUUID(t *testing.T) {
	s, reg := newTestServer(t)
	uuid := "22222222-2222-2222-2222-222222222222"

	req := hostInventoryRequest{Hostname: "worker-2", Personality: "worker", ManagementIP: "10.0.0.6"}
	w := doRequest(t, s, http.MethodPost, "/v1/hosts/"+uuid, req, "vigil-test/1.0")
	require.Equal(t, http.StatusCreated, w.Code)

	h, ok := reg.Get(uuid)
	require.True(t, ok)
	assert.Equal(t, "worker-2", h.Hostname)

	w = doRequest(t, s, http.MethodDelete, "/v1/hosts/"+uuid, nil, "vigil-test/1.0")
	require.Equal(t, http.StatusNoContent, w.Code)
	_, ok = reg.Get(uuid)
	assert.False(t, ok)
}

func TestServer_AddHost_DuplicateConvertsToModify(t *testing.T) {
	s, reg := newTestServer(t)
	uuid := "22222222-2222-2222-2222-222222222222"

	req := hostInventoryRequest{Hostname: "worker-2", ManagementIP: "10.0.0.6"}
	w := doRequest(t, s, http.MethodPost, "/v1/hosts/"+uuid, req, "vigil-test/1.0")
	require.Equal(t, http.StatusCreated, w.Code)

	req.ManagementIP = "10.0.0.7"
	w = doRequest(t, s, http.MethodPost, "/v1/hosts/"+uuid, req, "vigil-test/1.0")
	require.Equal(t, http.StatusOK, w.Code)

	h, _ := reg.Get(uuid)
	assert.Equal(t, "10.0.0.7", h.ManagementIP)
}

func TestServer_UnknownMethodIsMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodTrace, "/v1/hosts/worker-1", nil, "vigil-test/1.0")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
