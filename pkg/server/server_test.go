package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/events"
	"github.com/devicelab-dev/optics-runner/pkg/locate"
	"github.com/devicelab-dev/optics-runner/pkg/server"
	"github.com/devicelab-dev/optics-runner/pkg/session"
)

type testServerEnv struct {
	Server   *server.Server
	Registry *session.Registry
	Router   *gin.Engine
}

const mockSession = `{"driver_sources":["mock"],"detection_sources":["xpath"],"element_timeout":0.1}`

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func testServer(t *testing.T, cfg *config.ServerConfig) *testServerEnv {
	t.Helper()
	reg := session.NewRegistry(session.Options{
		Bus: events.NewBus(events.Options{BufferSize: 256, ReplaySize: 64}),
		Resolver: locate.NewResolver(locate.WithBackoff(locate.BackoffConfig{
			Initial:    5 * time.Millisecond,
			Max:        10 * time.Millisecond,
			Multiplier: 1.5,
		})),
		Retention:   time.Minute,
		StopTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	if cfg == nil {
		cfg = config.NewDefaultConfig()
		cfg.DefaultTimeout = 5 * time.Second
		cfg.ArtifactsDir = t.TempDir()
	}
	srv := server.New(reg, cfg, nil)
	return &testServerEnv{Server: srv, Registry: reg, Router: srv.SetupRoutes()}
}

func (e *testServerEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

func (e *testServerEnv) createSession(t *testing.T) string {
	t.Helper()
	w := e.do("POST", "/v1/sessions", mockSession)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res server.CreateSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotEmpty(t, res.SessionID)
	return res.SessionID
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *core.ErrorInfo {
	t.Helper()
	var res server.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotNil(t, res.Error)
	assert.Equal(t, w.Code, res.Status)
	return res.Error
}

func TestHealthEndpoint(t *testing.T) {
	env := testServer(t, nil)

	w := env.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var res server.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 0, res.Sessions)
}

func TestListKeywords(t *testing.T) {
	env := testServer(t, nil)

	w := env.do("GET", "/v1/keywords", "")
	require.Equal(t, http.StatusOK, w.Code)

	var res server.KeywordsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	names := map[string]bool{}
	for _, k := range res.Keywords {
		names[k.Name] = true
	}
	assert.True(t, names["press_element"])
	assert.True(t, names["run_loop"])
}

func TestSessionLifecycle(t *testing.T) {
	env := testServer(t, nil)
	id := env.createSession(t)

	w := env.do("GET", "/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list server.SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].ID)

	w = env.do("GET", "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var info session.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, []string{"mock"}, info.DriverSources)

	w = env.do("DELETE", "/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do("DELETE", "/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusGone, w.Code)
	w = env.do("POST", "/v1/sessions/"+id+"/actions", `{"keyword":"log","params":["x"]}`)
	assert.Equal(t, http.StatusGone, w.Code)

	w = env.do("GET", "/v1/sessions/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, core.ErrSessionNotFound.Code, decodeError(t, w).Code)
}

func TestCreateSessionRejectsBadConfig(t *testing.T) {
	env := testServer(t, nil)

	for _, body := range []string{
		`{}`,
		`{"driver_sources":["mock"],"detection_sources":["telepathy"]}`,
		`{"driver_sources":["mock","mock"],"detection_sources":["xpath"]}`,
		`{"driver_sources":`,
	} {
		w := env.do("POST", "/v1/sessions", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, core.ErrConfiguration.Code, decodeError(t, w).Code, body)
	}
	assert.Empty(t, env.Registry.List())
}

func TestCreateSessionFromProject(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/config.yaml", []byte(`
driver_sources: [mock]
detection_sources: [xpath]
elements:
  target: ["//*[@resource-id='mock-element']"]
`), 0o600))

	env := testServer(t, nil)
	w := env.do("POST", "/v1/sessions", `{"project_path":"`+dir+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created server.CreateSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.do("POST", "/v1/sessions/"+created.SessionID+"/actions", `{"keyword":"press_element","params":["target"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res core.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, core.StatusSuccess, res.Status)

	w = env.do("POST", "/v1/sessions", `{"project_path":"`+dir+`/missing"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitAction(t *testing.T) {
	env := testServer(t, nil)
	id := env.createSession(t)
	path := "/v1/sessions/" + id + "/actions"

	w := env.do("POST", path, `{"keyword":"Press Element","params":["Mock Element"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res core.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, core.StatusSuccess, res.Status)
	assert.Equal(t, "press_element", res.Keyword)
	assert.NotEmpty(t, res.ExecutionID)

	w = env.do("POST", path, `{"keyword":"press_element","params":["Nothing","1","0","0","0"]}`)
	require.Equal(t, http.StatusOK, w.Code, "keyword failures are results, not HTTP errors")
	res = core.ExecutionResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, core.StatusFailure, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, core.ErrElementNotFound.Code, res.Error.Code)

	w = env.do("POST", path, `{"keyword":"moonwalk"}`)
	require.Equal(t, http.StatusOK, w.Code)
	res = core.ExecutionResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, core.StatusError, res.Status)

	w = env.do("POST", path, `{"params":["x"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do("POST", path, `{"keyword":"log","params":["x"],"timeout_ms":-5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("GET", "/v1/sessions/"+id+"/executions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var log server.ExecutionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &log))
	assert.Len(t, log.Executions, 3)
}

func TestSubmitActionTimeout(t *testing.T) {
	env := testServer(t, nil)
	id := env.createSession(t)

	w := env.do("POST", "/v1/sessions/"+id+"/actions", `{"keyword":"sleep","params":["10"],"timeout_ms":50}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res core.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, core.StatusError, res.Status)
	assert.Equal(t, core.ErrTimeout.Code, res.Error.Code)

	w = env.do("POST", "/v1/sessions/"+id+"/actions", `{"keyword":"log","params":["still usable"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	res = core.ExecutionResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, core.StatusSuccess, res.Status)
}

func TestScreenInspection(t *testing.T) {
	env := testServer(t, nil)
	id := env.createSession(t)
	base := "/v1/sessions/" + id

	w := env.do("GET", base+"/screenshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())

	w = env.do("GET", base+"/source", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Mock Element")

	w = env.do("GET", base+"/elements", "")
	require.Equal(t, http.StatusOK, w.Code)
	var els server.ElementsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &els))
	require.NotEmpty(t, els.Elements)
	var found bool
	for _, el := range els.Elements {
		if el.Text == "Mock Element" {
			found = true
			assert.True(t, el.Clickable)
		}
	}
	assert.True(t, found)
}

func TestRateLimit(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	env := testServer(t, cfg)

	assert.Equal(t, http.StatusOK, env.do("GET", "/health", "").Code)
	assert.Equal(t, http.StatusOK, env.do("GET", "/health", "").Code)

	w := env.do("GET", "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decodeError(t, w).Code)
}

func TestUnknownRoute(t *testing.T) {
	env := testServer(t, nil)
	w := env.do("GET", "/v2/anything", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
