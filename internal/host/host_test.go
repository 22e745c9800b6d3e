package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hotforge/internal/bus"
	"hotforge/internal/integration"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func echo(in map[string]any) (map[string]any, error) {
	return map[string]any{"echo": in}, nil
}

func newHost(t *testing.T) (*Host, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.DefaultOptions())
	h := New(b)
	h.Attach()
	t.Cleanup(h.Detach)
	return h, b
}

func do(t *testing.T, h http.Handler, method, target, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestEndpointRegisterMountsRoute(t *testing.T) {
	h, b := newHost(t)
	b.Emit(bus.EndpointRegister, integration.EndpointRegistration{
		ModuleID: "interfaces/status.go",
		Path:     "/status",
		Method:   "post",
		Handler:  echo,
	})

	code, out := do(t, h, http.MethodPost, "/status?verbose=1", `{"x":1}`)
	require.Equal(t, http.StatusOK, code)
	in := out["echo"].(map[string]any)
	assert.Equal(t, "POST", in["method"])
	assert.Equal(t, "/status", in["path"])
	assert.Equal(t, map[string]any{"verbose": "1"}, in["query"])
	assert.Equal(t, map[string]any{"x": float64(1)}, in["body"])

	code, _ = do(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	code, _ = do(t, h, http.MethodGet, "/missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	assert.Equal(t, []Route{{Method: "POST", Path: "/status", ModuleID: "interfaces/status.go"}}, h.Routes())
}

func TestEndpointHandlerError(t *testing.T) {
	h, _ := newHost(t)
	require.NoError(t, h.MountEndpoint(integration.EndpointRegistration{
		ModuleID: "interfaces/broken.go",
		Path:     "broken",
		Handler: func(map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		},
	}))

	code, out := do(t, h, http.MethodGet, "/broken", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "boom", out["error"])
}

func TestMountEndpointRejects(t *testing.T) {
	h, _ := newHost(t)
	assert.Error(t, h.MountEndpoint(integration.EndpointRegistration{ModuleID: "m", Path: "/x"}))
	assert.Error(t, h.MountEndpoint(integration.EndpointRegistration{ModuleID: "m", Path: "/_forge/routes", Handler: echo}))
	assert.Empty(t, h.Routes())
}

func TestRemountReplacesRoute(t *testing.T) {
	h, _ := newHost(t)
	for _, v := range []string{"v1", "v2"} {
		v := v
		require.NoError(t, h.MountEndpoint(integration.EndpointRegistration{
			ModuleID: "interfaces/version.go",
			Path:     "/version",
			Method:   "GET",
			Handler: func(map[string]any) (map[string]any, error) {
				return map[string]any{"version": v}, nil
			},
		}))
	}
	code, out := do(t, h, http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v2", out["version"])
	assert.Len(t, h.Routes(), 1)
}

func TestRecoverMiddleware(t *testing.T) {
	h, _ := newHost(t)
	require.NoError(t, h.MountEndpoint(integration.EndpointRegistration{
		ModuleID:   "interfaces/panicky.go",
		Path:       "/panicky",
		Method:     "GET",
		Middleware: []string{"logging", "recover", "no-such-middleware"},
		Handler: func(map[string]any) (map[string]any, error) {
			panic("kaboom")
		},
	}))

	code, out := do(t, h, http.MethodGet, "/panicky", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "kaboom", out["error"])
}

func TestHandlerRegisterSubscribesModule(t *testing.T) {
	h, b := newHost(t)

	var (
		mu  sync.Mutex
		got []map[string]any
	)
	b.Emit(bus.HandlerRegister, integration.HandlerRegistration{
		ModuleID: "handlers/order-created-handler.go",
		Events:   []string{"order-created"},
		Handler: func(in map[string]any) (map[string]any, error) {
			mu.Lock()
			got = append(got, in)
			mu.Unlock()
			return nil, nil
		},
	})

	b.Emit("order-created", map[string]any{"id": 7})
	b.Emit("order-created", struct {
		ID int `json:"id"`
	}{ID: 8})

	mu.Lock()
	require.Len(t, got, 2)
	assert.Equal(t, map[string]any{"id": 7, "event": "order-created"}, got[0])
	assert.Equal(t, map[string]any{"id": float64(8), "event": "order-created"}, got[1])
	mu.Unlock()

	b.Emit(bus.ModuleUnregister, integration.ModuleUnregistration{ID: "handlers/order-created-handler.go"})
	assert.False(t, b.Emit("order-created", map[string]any{"id": 9}))
	assert.Zero(t, h.Unmount("handlers/order-created-handler.go"))
}

func TestHandlerReregisterReplaces(t *testing.T) {
	h, b := newHost(t)
	calls := map[string]int{}
	for _, v := range []string{"a", "b"} {
		v := v
		require.NoError(t, h.SubscribeHandler(integration.HandlerRegistration{
			ModuleID: "handlers/tick.go",
			Events:   []string{"tick"},
			Handler: func(map[string]any) (map[string]any, error) {
				calls[v]++
				return nil, nil
			},
		}))
	}
	b.Emit("tick", nil)
	assert.Equal(t, map[string]int{"b": 1}, calls)
	assert.Len(t, b.Subscribers("tick"), 1)
}

func TestExtensionsAndUnregister(t *testing.T) {
	h, b := newHost(t)
	b.Emit(bus.ExtensionRegister, integration.ExtensionRegistration{
		ModuleID:     "extensions/summary.go",
		Name:         "summary",
		Capabilities: []string{"operation:Summarize"},
	})
	b.Emit(bus.EndpointRegister, integration.EndpointRegistration{
		ModuleID: "extensions/summary.go", Path: "/summary", Method: "GET", Handler: echo,
	})

	ext, ok := h.Extension("extensions/summary.go")
	require.True(t, ok)
	assert.Equal(t, []string{"operation:Summarize"}, ext.Capabilities)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_forge/extensions", nil))
	assert.Contains(t, rec.Body.String(), "operation:Summarize")

	b.Emit(bus.ModuleUnregister, integration.ModuleUnregistration{ID: "extensions/summary.go"})
	assert.Empty(t, h.Extensions())
	assert.Empty(t, h.Routes())
}

func TestRemountDropsModuleRoutes(t *testing.T) {
	h, b := newHost(t)
	b.Emit(bus.EndpointRegister, integration.EndpointRegistration{
		ModuleID: "interfaces/status.go", Path: "/status", Method: "GET", Handler: echo,
	})
	b.Emit(bus.EndpointRegister, integration.EndpointRegistration{
		ModuleID: "interfaces/other.go", Path: "/other", Method: "GET", Handler: echo,
	})
	b.Emit(bus.EndpointRegister, integration.EndpointRegistration{
		ModuleID: "interfaces/status.go", Path: "/health", Method: "POST", Handler: echo,
	})

	assert.Equal(t, []Route{
		{Method: "POST", Path: "/health", ModuleID: "interfaces/status.go"},
		{Method: "GET", Path: "/other", ModuleID: "interfaces/other.go"},
	}, h.Routes())

	code, _ := do(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBusDiagnostics(t *testing.T) {
	h, b := newHost(t)
	b.Emit("order-created", map[string]any{"id": 1})
	b.Emit("order-shipped", nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_forge/subscribers", nil))
	var subs map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &subs))
	assert.Equal(t, []string{"host"}, subs[bus.EndpointRegister])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_forge/events?name=order-created", nil))
	var events []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "order-created", events[0]["name"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/_forge/events", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, b.History(""))

	code, _ := do(t, h, http.MethodDelete, "/_forge/routes", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestServe(t *testing.T) {
	h, _ := newHost(t)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- h.Serve(ctx, "127.0.0.1:0", ready) }()

	var addr string
	select {
	case addr = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never listened")
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/_forge/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	cancel()
	assert.NoError(t, <-errCh)
}
