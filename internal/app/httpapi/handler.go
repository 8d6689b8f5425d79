// Package httpapi exposes the local control surface for the OTA layer:
// read-only status for dashboards plus the configuration operations the
// session editor drives. It is a debug/operations API, not a public one;
// deployments bind it to localhost or put it behind their own gateway.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Velora-App/ota_layer/internal/app"
	"github.com/Velora-App/ota_layer/internal/app/metrics"
	"github.com/Velora-App/ota_layer/internal/app/system"
	"github.com/Velora-App/ota_layer/internal/engine/events"
	"github.com/Velora-App/ota_layer/internal/middleware"
	"github.com/Velora-App/ota_layer/internal/plugin"
	"github.com/Velora-App/ota_layer/pkg/logger"
)

var (
	errNoBundle          = errors.New("no bundle loaded")
	errMethodRequired    = errors.New("method is required")
	errEnabledRequired   = errors.New("enabled is required")
	errServerURLRequired = errors.New("server_url is required")
)

func errComponentNotFound(name string) error {
	return fmt.Errorf("component %q not found", name)
}

func errServiceNotFound(name string) error {
	return fmt.Errorf("service %q not found", name)
}

// Options configures the handler's middleware.
type Options struct {
	RatePerSecond  int
	RateBurst      int
	AllowedOrigins []string
}

// handler bundles the HTTP endpoints for the application.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns the control surface router.
func NewHandler(application *app.Application, opts Options, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/settings", h.settings).Methods(http.MethodGet)
	r.HandleFunc("/bundle", h.currentBundle).Methods(http.MethodGet)
	r.HandleFunc("/history", h.history).Methods(http.MethodGet)
	r.HandleFunc("/components", h.components).Methods(http.MethodGet)
	r.HandleFunc("/components/{name}/render", h.renderComponent).Methods(http.MethodPost)
	r.HandleFunc("/services/{name}/invoke", h.invokeService).Methods(http.MethodPost)
	r.HandleFunc("/events", h.events).Methods(http.MethodGet)
	r.HandleFunc("/system", h.systemSnapshot).Methods(http.MethodGet)

	r.HandleFunc("/session", h.setSession).Methods(http.MethodPost)
	r.HandleFunc("/check", h.check).Methods(http.MethodPost)
	r.HandleFunc("/reload", h.reload).Methods(http.MethodPost)
	r.HandleFunc("/enabled", h.setEnabled).Methods(http.MethodPost)
	r.HandleFunc("/auto-reload", h.setAutoReload).Methods(http.MethodPost)
	r.HandleFunc("/execute", h.setExecute).Methods(http.MethodPost)
	r.HandleFunc("/server-url", h.setServerURL).Methods(http.MethodPost)
	r.HandleFunc("/session/clear", h.clearSession).Methods(http.MethodPost)

	var out http.Handler = r
	if len(opts.AllowedOrigins) > 0 {
		out = middleware.NewCORSMiddleware(opts.AllowedOrigins).Handler(out)
	}
	out = middleware.NewRateLimiter(opts.RatePerSecond, opts.RateBurst, log).Handler(out)
	return metrics.InstrumentHandler(out)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	settings := h.app.Loader.Settings()
	writeJSON(w, http.StatusOK, map[string]any{
		"phase":      h.app.Loader.Phase(),
		"settings":   settings,
		"bundle":     h.app.Loader.CurrentBundle(),
		"registry":   h.app.Registry.Stats(),
		"session_id": h.app.Registry.SessionID(),
		"last_exec":  h.app.Registry.LastResult(),
	})
}

func (h *handler) settings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Loader.Settings())
}

func (h *handler) currentBundle(w http.ResponseWriter, r *http.Request) {
	rec := h.app.Loader.CurrentBundle()
	if rec == nil {
		writeError(w, http.StatusNotFound, errNoBundle)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Loader.BundleHistory())
}

func (h *handler) components(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"components": h.app.Registry.ListComponents(),
		"defaults":   plugin.List(),
		"stats":      h.app.Registry.Stats(),
	})
}

func (h *handler) renderComponent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	component := h.app.Registry.GetComponent(name)
	if component == nil {
		writeError(w, http.StatusNotFound, errComponentNotFound(name))
		return
	}

	var props map[string]any
	if err := decodeJSONAllowEmpty(r.Body, &props); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := component.Render(r.Context(), props)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"session": h.app.Registry.IsSessionComponent(name),
		"output":  out,
	})
}

func (h *handler) invokeService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	service := h.app.Registry.GetService(name)
	if service == nil {
		writeError(w, http.StatusNotFound, errServiceNotFound(name))
		return
	}

	var payload struct {
		Method string         `json:"method"`
		Args   map[string]any `json:"args"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Method == "" {
		writeError(w, http.StatusBadRequest, errMethodRequired)
		return
	}
	result, err := service.Invoke(r.Context(), payload.Method, payload.Args)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var out []events.Event
	switch {
	case r.URL.Query().Get("type") != "":
		out = h.app.Events.RecentByType(events.EventType(r.URL.Query().Get("type")), limit)
	case r.URL.Query().Get("session") != "":
		out = h.app.Events.RecentBySession(r.URL.Query().Get("session"), limit)
	default:
		out = h.app.Events.Recent(limit)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) systemSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, system.CollectSnapshot(r.Context()))
}

func (h *handler) setSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.app.Loader.SetSessionID(r.Context(), payload.SessionID)
	writeJSON(w, http.StatusOK, h.app.Loader.Settings())
}

func (h *handler) check(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Loader.CheckForUpdates(r.Context()); err != nil {
		// Check failures are operational information, not API errors; the
		// poll loop treats them the same way.
		h.log.WithError(err).Debug("manual bundle check failed")
		writeJSON(w, http.StatusOK, map[string]any{"checked": true, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checked": true})
}

func (h *handler) reload(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Loader.ForceReloadAndExecute(r.Context()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}

func (h *handler) setEnabled(w http.ResponseWriter, r *http.Request) {
	h.setToggle(w, r, h.app.Loader.SetEnabled)
}

func (h *handler) setAutoReload(w http.ResponseWriter, r *http.Request) {
	h.setToggle(w, r, h.app.Loader.SetAutoReload)
}

func (h *handler) setExecute(w http.ResponseWriter, r *http.Request) {
	h.setToggle(w, r, h.app.Loader.SetExecuteBundle)
}

func (h *handler) setToggle(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, enabled bool)) {
	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Enabled == nil {
		writeError(w, http.StatusBadRequest, errEnabledRequired)
		return
	}
	apply(r.Context(), *payload.Enabled)
	writeJSON(w, http.StatusOK, h.app.Loader.Settings())
}

func (h *handler) setServerURL(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ServerURL string `json:"server_url"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.ServerURL == "" {
		writeError(w, http.StatusBadRequest, errServerURLRequired)
		return
	}
	h.app.Loader.SetServerURL(r.Context(), payload.ServerURL)
	writeJSON(w, http.StatusOK, h.app.Loader.Settings())
}

func (h *handler) clearSession(w http.ResponseWriter, r *http.Request) {
	h.app.Registry.ClearSession()
	writeJSON(w, http.StatusOK, h.app.Registry.Stats())
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// decodeJSONAllowEmpty tolerates an empty body, leaving dst untouched.
func decodeJSONAllowEmpty(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
