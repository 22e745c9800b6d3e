// Package host is the in-process surface that integrated modules are
// exposed through: an HTTP mux whose routes come from endpoint-register,
// bus subscriptions from handler-register, and an extension table from
// extension-register. A module-unregister removes everything a module
// contributed.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"hotforge/internal/bus"
	"hotforge/internal/integration"
	"hotforge/internal/logging"
	"hotforge/internal/plugin"
)

// ReservedPrefix is the route prefix hotforge keeps for itself.
const ReservedPrefix = "/_forge/"

const maxBody = 1 << 20

// Route is the introspection view of a mounted endpoint.
type Route struct {
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	ModuleID   string   `json:"moduleId"`
	Middleware []string `json:"middleware,omitempty"`
}

type routeKey struct{ method, path string }

type route struct {
	Route
	handler http.Handler
}

// Extension is one registered extension and its capabilities.
type Extension = integration.ExtensionRegistration

// Host is safe for concurrent use.
type Host struct {
	bus *bus.Bus

	mu         sync.RWMutex
	routes     map[routeKey]route
	handlers   map[string][]bus.Subscription
	extensions map[string]Extension
	subs       []bus.Subscription
	started    time.Time
}

// New creates a host bound to b. Call Attach to start following
// registrations.
func New(b *bus.Bus) *Host {
	return &Host{
		bus:        b,
		routes:     make(map[routeKey]route),
		handlers:   make(map[string][]bus.Subscription),
		extensions: make(map[string]Extension),
		started:    time.Now(),
	}
}

// Attach subscribes to the registration events.
func (h *Host) Attach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs,
		h.bus.Subscribe("host", bus.EndpointRegister, h.onEndpoint),
		h.bus.Subscribe("host", bus.HandlerRegister, h.onHandler),
		h.bus.Subscribe("host", bus.ExtensionRegister, h.onExtension),
		h.bus.Subscribe("host", bus.ModuleUnregister, h.onUnregister),
	)
}

// Detach drops the registration subscriptions and every module handler
// subscription made on behalf of modules.
func (h *Host) Detach() {
	h.mu.Lock()
	subs := h.subs
	for _, ss := range h.handlers {
		subs = append(subs, ss...)
	}
	h.subs = nil
	h.handlers = make(map[string][]bus.Subscription)
	h.mu.Unlock()
	for _, s := range subs {
		h.bus.Unsubscribe(s)
	}
}

// MountEndpoint mounts reg, replacing any route with the same method and
// path and every route the same module mounted before. Paths under
// ReservedPrefix are rejected.
func (h *Host) MountEndpoint(reg integration.EndpointRegistration) error {
	if reg.Handler == nil {
		return fmt.Errorf("endpoint %s %s of %s has no handler", reg.Method, reg.Path, reg.ModuleID)
	}
	p := reg.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if strings.HasPrefix(p, ReservedPrefix) {
		return fmt.Errorf("endpoint path %s is reserved", p)
	}
	method := strings.ToUpper(reg.Method)
	if method == "" {
		method = http.MethodGet
	}

	var handler http.Handler = moduleHandler(reg.Handler)
	for i := len(reg.Middleware) - 1; i >= 0; i-- {
		mw, ok := middleware[reg.Middleware[i]]
		if !ok {
			logging.HostWarn("unknown middleware %q on %s %s, ignoring", reg.Middleware[i], method, p)
			continue
		}
		handler = mw(handler)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for k, r := range h.routes {
		if r.ModuleID == reg.ModuleID {
			delete(h.routes, k)
		}
	}
	key := routeKey{method, p}
	if prev, ok := h.routes[key]; ok && prev.ModuleID != reg.ModuleID {
		logging.HostWarn("%s %s moves from %s to %s", method, p, prev.ModuleID, reg.ModuleID)
	}
	h.routes[key] = route{
		Route:   Route{Method: method, Path: p, ModuleID: reg.ModuleID, Middleware: reg.Middleware},
		handler: handler,
	}
	logging.Host("mounted %s %s from %s", method, p, reg.ModuleID)
	return nil
}

// SubscribeHandler subscribes a module's Handle to events. Handlers already
// held by the same module are replaced.
func (h *Host) SubscribeHandler(reg integration.HandlerRegistration) error {
	if reg.Handler == nil {
		return fmt.Errorf("handler module %s has no Handle", reg.ModuleID)
	}
	fn := reg.Handler
	id := reg.ModuleID
	subs := make([]bus.Subscription, 0, len(reg.Events))
	for _, name := range reg.Events {
		subs = append(subs, h.bus.Subscribe(id, name, func(ev bus.Event) {
			in := payloadMap(ev.Payload)
			in["event"] = ev.Name
			if _, err := fn(in); err != nil {
				logging.HostWarn("handler %s failed on %s: %v", id, ev.Name, err)
			}
		}))
	}

	h.mu.Lock()
	prev := h.handlers[id]
	h.handlers[id] = subs
	h.mu.Unlock()
	for _, s := range prev {
		h.bus.Unsubscribe(s)
	}
	logging.Host("%s handles %s", id, strings.Join(reg.Events, ", "))
	return nil
}

// Unmount removes every route, handler and extension contributed by a
// module and reports how many were removed.
func (h *Host) Unmount(moduleID string) int {
	h.mu.Lock()
	removed := 0
	for k, r := range h.routes {
		if r.ModuleID == moduleID {
			delete(h.routes, k)
			removed++
		}
	}
	subs := h.handlers[moduleID]
	delete(h.handlers, moduleID)
	removed += len(subs)
	if _, ok := h.extensions[moduleID]; ok {
		delete(h.extensions, moduleID)
		removed++
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.bus.Unsubscribe(s)
	}
	return removed
}

// Routes returns the mounted routes ordered by path then method.
func (h *Host) Routes() []Route {
	h.mu.RLock()
	out := make([]Route, 0, len(h.routes))
	for _, r := range h.routes {
		out = append(out, r.Route)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// Extensions returns the registered extensions ordered by module id.
func (h *Host) Extensions() []Extension {
	h.mu.RLock()
	out := make([]Extension, 0, len(h.extensions))
	for _, e := range h.extensions {
		out = append(out, e)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// Extension looks up the extension registered by a module.
func (h *Host) Extension(moduleID string) (Extension, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.extensions[moduleID]
	return e, ok
}

// ServeHTTP dispatches to the reserved routes or a mounted module route.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, ReservedPrefix) {
		h.serveReserved(w, r)
		return
	}

	h.mu.RLock()
	rt, ok := h.routes[routeKey{r.Method, r.URL.Path}]
	allowed := false
	if !ok {
		for k := range h.routes {
			if k.path == r.URL.Path {
				allowed = true
				break
			}
		}
	}
	h.mu.RUnlock()

	switch {
	case ok:
		rt.handler.ServeHTTP(w, r)
	case allowed:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	}
}

func (h *Host) serveReserved(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, ReservedPrefix)
	if r.Method == http.MethodDelete && name == "events" {
		h.bus.ClearHistory()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	switch name {
	case "health":
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"uptime": time.Since(h.started).Round(time.Second).String(),
		})
	case "routes":
		writeJSON(w, http.StatusOK, h.Routes())
	case "extensions":
		writeJSON(w, http.StatusOK, h.Extensions())
	case "subscribers":
		writeJSON(w, http.StatusOK, h.bus.SubscriberMap())
	case "events":
		// Payloads may carry funcs, so only names and times are listed.
		recs := h.bus.History(r.URL.Query().Get("name"))
		out := make([]map[string]any, len(recs))
		for i, rec := range recs {
			out[i] = map[string]any{"name": rec.Name, "timestamp": rec.Timestamp}
		}
		writeJSON(w, http.StatusOK, out)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	}
}

// Serve runs an HTTP server on addr until ctx is done. ready, when not nil,
// receives the bound address once the listener is open.
func (h *Host) Serve(ctx context.Context, addr string, ready chan<- string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	logging.Host("serving on %s", ln.Addr())
	if ready != nil {
		ready <- ln.Addr().String()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

func (h *Host) onEndpoint(ev bus.Event) {
	reg, ok := ev.Payload.(integration.EndpointRegistration)
	if !ok {
		return
	}
	if err := h.MountEndpoint(reg); err != nil {
		logging.HostWarn("%v", err)
	}
}

func (h *Host) onHandler(ev bus.Event) {
	reg, ok := ev.Payload.(integration.HandlerRegistration)
	if !ok {
		return
	}
	if err := h.SubscribeHandler(reg); err != nil {
		logging.HostWarn("%v", err)
	}
}

func (h *Host) onExtension(ev bus.Event) {
	reg, ok := ev.Payload.(integration.ExtensionRegistration)
	if !ok {
		return
	}
	h.mu.Lock()
	h.extensions[reg.ModuleID] = reg
	h.mu.Unlock()
	logging.Host("extension %s offers %s", reg.Name, strings.Join(reg.Capabilities, ", "))
}

func (h *Host) onUnregister(ev bus.Event) {
	p, ok := ev.Payload.(integration.ModuleUnregistration)
	if !ok {
		return
	}
	if n := h.Unmount(p.ID); n > 0 {
		logging.Host("unmounted %d registrations of %s", n, p.ID)
	}
}

// moduleHandler adapts a module Handle to HTTP. The request becomes
// {"method", "path", "query", "body"} and the returned map is the JSON
// response body.
func moduleHandler(fn plugin.HandleFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in := map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
		}
		query := make(map[string]any, len(r.URL.Query()))
		for k, v := range r.URL.Query() {
			query[k] = strings.Join(v, ",")
		}
		in["query"] = query

		if r.Body != nil {
			data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			if len(data) > 0 {
				var body any
				if err := json.Unmarshal(data, &body); err != nil {
					body = string(data)
				}
				in["body"] = body
			}
		}

		out, err := fn(in)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if out == nil {
			out = map[string]any{}
		}
		writeJSON(w, http.StatusOK, out)
	})
}

// payloadMap turns an event payload into the map a module Handle receives.
func payloadMap(payload any) map[string]any {
	switch p := payload.(type) {
	case map[string]any:
		out := make(map[string]any, len(p)+1)
		for k, v := range p {
			out[k] = v
		}
		return out
	case nil:
		return map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err == nil {
		var out map[string]any
		if json.Unmarshal(data, &out) == nil && out != nil {
			return out
		}
	}
	return map[string]any{"payload": payload}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HostWarn("write response: %v", err)
	}
}
