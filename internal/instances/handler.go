package instances

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dr-enrollment/internal/scheduling"
	"github.com/wolfman30/dr-enrollment/internal/wizard"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

// Handler is the operator harness for form instances.
type Handler struct {
	store     Store
	providers wizard.ProviderFactory
	resolver  *scheduling.Resolver
	logger    *logging.Logger
}

// NewHandler creates an instance admin handler.
func NewHandler(store Store, providers wizard.ProviderFactory, resolver *scheduling.Resolver, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, providers: providers, resolver: resolver, logger: logger}
}

// Routes returns a chi router with the instance admin routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{instanceID}/config", h.GetConfig)
	r.Put("/{instanceID}/config", h.UpdateConfig)
	r.Post("/{instanceID}/provider/test", h.TestConnection)
	r.Get("/{instanceID}/provider/health", h.HealthCheck)
	r.Get("/{instanceID}/slots", h.ResolveSlots)
	return r
}

// GetConfig handles GET /admin/instances/{instanceID}/config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	cfg, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get instance config", "instance_id", id, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfigRequest is a partial update of an instance config.
type UpdateConfigRequest struct {
	Name         *string `json:"name,omitempty"`
	ProviderMode *string `json:"provider_mode,omitempty"`
}

// UpdateConfig handles PUT /admin/instances/{instanceID}/config.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}

	cfg, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get instance config", "instance_id", id, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	if req.Name != nil {
		cfg.Name = strings.TrimSpace(*req.Name)
	}
	if req.ProviderMode != nil {
		mode := scheduling.Mode(strings.ToLower(strings.TrimSpace(*req.ProviderMode)))
		if mode != scheduling.ModeLive && mode != scheduling.ModeDemo {
			http.Error(w, `{"error": "provider_mode must be live or demo"}`, http.StatusBadRequest)
			return
		}
		// Refuse a live switch the process cannot serve.
		if _, err := h.providers.For(id, mode); err != nil {
			http.Error(w, `{"error": "provider mode unavailable"}`, http.StatusBadRequest)
			return
		}
		cfg.ProviderMode = mode
	}

	if err := h.store.Set(r.Context(), cfg); err != nil {
		h.logger.Error("failed to save instance config", "instance_id", id, "error", err)
		http.Error(w, `{"error": "failed to save config"}`, http.StatusInternalServerError)
		return
	}
	h.logger.Info("instance config updated", "instance_id", id, "provider_mode", cfg.ProviderMode)
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) provider(w http.ResponseWriter, r *http.Request) (scheduling.Provider, bool) {
	id := chi.URLParam(r, "instanceID")
	mode, err := ProviderMode(r.Context(), h.store, id)
	if err != nil {
		h.logger.Error("failed to resolve provider mode", "instance_id", id, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return nil, false
	}
	p, err := h.providers.For(id, mode)
	if err != nil {
		h.logger.Error("failed to build provider", "instance_id", id, "mode", mode, "error", err)
		http.Error(w, `{"error": "provider unavailable"}`, http.StatusServiceUnavailable)
		return nil, false
	}
	return p, true
}

// TestConnection handles POST /admin/instances/{instanceID}/provider/test.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	res, err := p.TestConnection(r.Context())
	if err != nil {
		wizard.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HealthCheck handles GET /admin/instances/{instanceID}/provider/health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	res, err := p.HealthCheck(r.Context())
	if err != nil {
		wizard.WriteError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if !res.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// ResolveSlots handles GET /admin/instances/{instanceID}/slots.
func (h *Handler) ResolveSlots(w http.ResponseWriter, r *http.Request) {
	req, err := wizard.ResolveRequestFromQuery(r)
	if err != nil {
		wizard.WriteError(w, h.logger, err)
		return
	}
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	cal, err := h.resolver.ResolveSlots(r.Context(), p, req)
	if err != nil {
		wizard.WriteError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Default().Error("failed to encode response", "error", err)
	}
}
