package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/agent"
	"github.com/agentplane/agentplane/pkg/api"
	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/statuschange"
	"github.com/agentplane/agentplane/pkg/workflow"
	testdb "github.com/agentplane/agentplane/test/database"
)

const testMasterSecret = "test-master-secret"

// stubModel satisfies the engine dependency; API tests never take model steps.
type stubModel struct{}

func (stubModel) Structured(context.Context, model.Request) (*model.Response, error) {
	return &model.Response{Structured: json.RawMessage(`{"done":true,"message":"stub"}`)}, nil
}
func (stubModel) ContextWindow() int          { return 200_000 }
func (stubModel) EstimateTokens(s string) int { return len(s) / 4 }

type apiHarness struct {
	ts *httptest.Server
}

func newTestServer(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, db := testdb.NewTestStore(t)

	cfg := &config.Config{
		HTTPPort:       "0",
		PodID:          "test-pod",
		APISecret:      testMasterSecret,
		AllowedOrigins: []string{"https://console.example.com"},
		Queue: &config.QueueConfig{
			LongPollFallbackInterval: 25 * time.Millisecond,
			MaxLongPollWait:          5 * time.Second,
			ReaperInterval:           time.Second,
			MachineUpsertWindow:      time.Minute,
		},
		Agent:     config.DefaultAgentConfig(),
		Dispatch:  config.DefaultDispatchConfig(),
		Retention: config.DefaultRetentionConfig(),
	}

	hub := events.NewHub()
	pub := events.NewPublisher(hub, nil)
	reg := registry.New(st, cfg.Queue.MachineUpsertWindow)
	q := queue.NewService(st, reg, pub, hub, *cfg.Queue, nil)
	d := statuschange.NewDispatcher(st, q, pub, *cfg.Dispatch)
	eng := agent.NewEngine(st, reg, q, stubModel{}, d, pub, *cfg.Agent, nil)
	q.SetWaker(eng)
	wf := workflow.NewService(st, q, pub)

	srv := api.NewServer(cfg, db, st, reg, q, eng, wf, hub)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiHarness{ts: ts}
}

// call performs a request and returns the status code and body.
func (h *apiHarness) call(t *testing.T, method, path, token, body string, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// provisionCluster creates a cluster through the API and returns its id and key.
func (h *apiHarness) provisionCluster(t *testing.T) (id, apiKey string) {
	t.Helper()
	status, body := h.call(t, http.MethodPost, "/clusters",
		"Bearer "+testMasterSecret, `{"name":"test"}`, nil)
	require.Equal(t, http.StatusCreated, status, string(body))

	var created struct {
		ID     string `json:"id"`
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	return created.ID, created.APIKey
}

func TestLivenessEndpoints(t *testing.T) {
	h := newTestServer(t)

	status, _ := h.call(t, http.MethodGet, "/live", "", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := h.call(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, status, string(body))
}

func TestClusterAuth(t *testing.T) {
	h := newTestServer(t)

	// Provisioning requires the management secret.
	status, _ := h.call(t, http.MethodPost, "/clusters", "", `{"name":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = h.call(t, http.MethodPost, "/clusters", "Bearer wrong", `{"name":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	clusterID, apiKey := h.provisionCluster(t)
	assert.True(t, strings.HasPrefix(apiKey, "sk_"))

	// The minted key opens cluster-scoped routes.
	status, body := h.call(t, http.MethodGet, "/clusters/"+clusterID, "Bearer "+apiKey, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"name":"test"`)
	// The key hash must never leave the store.
	assert.NotContains(t, string(body), "apiKeyHash")

	// So does the management secret.
	status, _ = h.call(t, http.MethodGet, "/clusters/"+clusterID, "Bearer "+testMasterSecret, "", nil)
	assert.Equal(t, http.StatusOK, status)

	// A stranger's token does not.
	status, _ = h.call(t, http.MethodGet, "/clusters/"+clusterID, "Bearer sk_nope", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = h.call(t, http.MethodGet, "/clusters/"+clusterID, "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCustomAuthDisabled(t *testing.T) {
	h := newTestServer(t)
	clusterID, _ := h.provisionCluster(t)

	status, body := h.call(t, http.MethodGet, "/clusters/"+clusterID, "Custom end-user-token", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, string(body), "custom auth is not enabled")
}

func TestMachineWorkLoop(t *testing.T) {
	h := newTestServer(t)
	clusterID, apiKey := h.provisionCluster(t)
	auth := "Bearer " + apiKey
	machineHeaders := map[string]string{
		"X-Machine-ID":           "m1",
		"X-Machine-SDK-Version":  "0.4.0",
		"X-Machine-SDK-Language": "go",
	}

	// Register the machine and its tool.
	status, body := h.call(t, http.MethodPost, "/clusters/"+clusterID+"/machines", auth,
		`{"tools":[{"name":"echo","schema":{"type":"object","properties":{"text":{"type":"string"}}}}]}`,
		machineHeaders)
	require.Equal(t, http.StatusOK, status, string(body))

	// Enqueue a call.
	status, body = h.call(t, http.MethodPost, "/clusters/"+clusterID+"/jobs", auth,
		`{"function":"echo","input":{"text":"hi"}}`, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "pending", created.Status)

	// The machine claims it.
	status, body = h.call(t, http.MethodGet, "/clusters/"+clusterID+"/jobs?tools=echo&limit=5", auth, "", machineHeaders)
	require.Equal(t, http.StatusOK, status, string(body))
	var claimed []struct {
		ID       string          `json:"id"`
		Function string          `json:"function"`
		Input    json.RawMessage `json:"input"`
	}
	require.NoError(t, json.Unmarshal(body, &claimed))
	require.Len(t, claimed, 1)
	assert.Equal(t, created.ID, claimed[0].ID)
	assert.Equal(t, "echo", claimed[0].Function)
	assert.JSONEq(t, `{"text":"hi"}`, string(claimed[0].Input))

	// Heartbeat, then finish.
	status, _ = h.call(t, http.MethodPost, "/clusters/"+clusterID+"/jobs/"+created.ID+"/heartbeat", auth, "{}", machineHeaders)
	assert.Equal(t, http.StatusOK, status)

	status, body = h.call(t, http.MethodPost, "/clusters/"+clusterID+"/jobs/"+created.ID+"/result", auth,
		`{"resultType":"resolution","result":{"echoed":"hi"}}`, machineHeaders)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"status":"success"`)

	status, body = h.call(t, http.MethodGet, "/clusters/"+clusterID+"/jobs/"+created.ID, auth, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"echoed":"hi"`)
}

func TestPollUnregisteredToolGone(t *testing.T) {
	h := newTestServer(t)
	clusterID, apiKey := h.provisionCluster(t)

	status, body := h.call(t, http.MethodGet, "/clusters/"+clusterID+"/jobs?tools=ghost",
		"Bearer "+apiKey, "", map[string]string{"X-Machine-ID": "m1"})
	assert.Equal(t, http.StatusGone, status)
	assert.Contains(t, string(body), "ghost is not registered")
}

func TestCreateJobUnknownFunction(t *testing.T) {
	h := newTestServer(t)
	clusterID, apiKey := h.provisionCluster(t)

	status, _ := h.call(t, http.MethodPost, "/clusters/"+clusterID+"/jobs",
		"Bearer "+apiKey, `{"function":"ghost"}`, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestKeyValueOverHTTP(t *testing.T) {
	h := newTestServer(t)
	clusterID, apiKey := h.provisionCluster(t)
	auth := "Bearer " + apiKey
	base := "/clusters/" + clusterID + "/keys/greeting"

	status, _ := h.call(t, http.MethodGet, base, auth, "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := h.call(t, http.MethodPut, base, auth, `{"value":{"text":"hello"}}`, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = h.call(t, http.MethodGet, base, auth, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"value":{"text":"hello"}}`, string(body))

	// doNothing keeps the first write.
	status, body = h.call(t, http.MethodPut, base+"?onConflict=doNothing", auth, `{"value":{"text":"other"}}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"value":{"text":"hello"}}`, string(body))

	// The default policy replaces.
	status, body = h.call(t, http.MethodPut, base, auth, `{"value":{"text":"replaced"}}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"value":{"text":"replaced"}}`, string(body))
}

func TestWorkflowExecutionOverHTTP(t *testing.T) {
	h := newTestServer(t)
	clusterID, apiKey := h.provisionCluster(t)
	auth := "Bearer " + apiKey
	machineHeaders := map[string]string{"X-Machine-ID": "wf-worker"}

	status, body := h.call(t, http.MethodPost, "/clusters/"+clusterID+"/machines", auth,
		`{"tools":[{"name":"workflows_deploy_1","config":{"private":true}}]}`, machineHeaders)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = h.call(t, http.MethodPost, "/clusters/"+clusterID+"/workflows/deploy/executions", auth,
		`{"executionId":"exec-http-1","input":{"service":"api"}}`, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	var created struct {
		Version int    `json:"version"`
		JobID   string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, 1, created.Version)
	require.NotEmpty(t, created.JobID)

	// Replays are idempotent.
	status, body = h.call(t, http.MethodPost, "/clusters/"+clusterID+"/workflows/deploy/executions", auth,
		`{"executionId":"exec-http-1","input":{"service":"api"}}`, nil)
	require.Equal(t, http.StatusCreated, status)
	var replayed struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(body, &replayed))
	assert.Equal(t, created.JobID, replayed.JobID)

	status, body = h.call(t, http.MethodGet,
		"/clusters/"+clusterID+"/workflows/deploy/executions/exec-http-1", auth, "", nil)
	require.Equal(t, http.StatusOK, status)
	var fetched struct {
		Execution struct {
			ExecutionID string `json:"executionId"`
		} `json:"execution"`
		Job struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, "exec-http-1", fetched.Execution.ExecutionID)
	assert.Equal(t, created.JobID, fetched.Job.ID)
	assert.Equal(t, "pending", fetched.Job.Status)

	status, _ = h.call(t, http.MethodPost, "/clusters/"+clusterID+"/workflows/ghost/executions", auth,
		`{"executionId":"exec-http-2"}`, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBlobRoundTrip(t *testing.T) {
	h := newTestServer(t)
	clusterID, apiKey := h.provisionCluster(t)
	auth := "Bearer " + apiKey

	payload := base64.StdEncoding.EncodeToString([]byte(`{"rows":[1,2,3]}`))
	status, body := h.call(t, http.MethodPost, "/clusters/"+clusterID+"/blobs", auth,
		`{"name":"result-set","type":"application/json","data":"`+payload+`"}`, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &created))

	status, body = h.call(t, http.MethodGet, "/clusters/"+clusterID+"/blobs/"+created.ID, auth, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"name":"result-set"`)
	assert.Contains(t, string(body), payload)

	status, _ = h.call(t, http.MethodPost, "/clusters/"+clusterID+"/blobs", auth,
		`{"name":"bad","type":"application/json","data":"not base64!!"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCORSRunPathExemption(t *testing.T) {
	h := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, h.ts.URL+"/clusters/any/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://random-chat-ui.example.net")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://random-chat-ui.example.net", resp.Header.Get("Access-Control-Allow-Origin"))

	// Outside run paths only the allowlist is honored.
	req, err = http.NewRequest(http.MethodOptions, h.ts.URL+"/clusters/any/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://random-chat-ui.example.net")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodOptions, h.ts.URL+"/clusters/any/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://console.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
