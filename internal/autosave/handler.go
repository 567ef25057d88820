package autosave

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dr-enrollment/internal/sessions"
	"github.com/wolfman30/dr-enrollment/internal/wizard"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

const maxSnapshotBytes = 32 << 10

// Handler exposes autosave and recovery endpoints.
type Handler struct {
	coordinator *Coordinator
	store       sessions.Store
	logger      *logging.Logger
}

// NewHandler creates an autosave handler.
func NewHandler(coordinator *Coordinator, store sessions.Store, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{coordinator: coordinator, store: store, logger: logger}
}

// Routes registers the autosave endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions/{sessionID}/autosave", h.Autosave)
	r.Post("/sessions/{sessionID}/autosave/beacon", h.Beacon)
	r.Get("/sessions/{sessionID}/recovery", h.Recovery)
}

type snapshotRequest struct {
	Fields map[string]string `json:"fields"`
}

func readSnapshot(r *http.Request) (map[string]string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxSnapshotBytes {
		return nil, errors.New("snapshot too large")
	}
	if len(body) == 0 {
		return nil, nil
	}
	var req snapshotRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return req.Fields, nil
}

// Autosave handles POST /v1/sessions/{sessionID}/autosave.
func (h *Handler) Autosave(w http.ResponseWriter, r *http.Request) {
	fields, err := readSnapshot(r)
	if err != nil {
		http.Error(w, `{"error": "invalid snapshot"}`, http.StatusBadRequest)
		return
	}
	accepted := h.coordinator.Enqueue(chi.URLParam(r, "sessionID"), fields)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": accepted})
}

// Beacon handles POST /v1/sessions/{sessionID}/autosave/beacon. Browsers
// send these on unload without reading the response, often as text/plain.
func (h *Handler) Beacon(w http.ResponseWriter, r *http.Request) {
	fields, err := readSnapshot(r)
	if err != nil {
		h.logger.Debug("discarding unreadable autosave beacon", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.coordinator.Beacon(chi.URLParam(r, "sessionID"), fields)
	w.WriteHeader(http.StatusNoContent)
}

type recoveryResponse struct {
	SessionID   string            `json:"session_id"`
	CurrentStep int               `json:"current_step"`
	Status      sessions.Status   `json:"status"`
	Fields      map[string]string `json:"fields"`
}

// Recovery handles GET /v1/sessions/{sessionID}/recovery: the non-sensitive
// values a client may keep locally, including unflushed autosave values.
func (h *Handler) Recovery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := h.store.Get(r.Context(), id)
	if errors.Is(err, sessions.ErrNotFound) {
		http.Error(w, `{"error": "session not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load session for recovery", "error", err, "session_id", id)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	values := sess.Values()
	for k, v := range h.coordinator.Pending(id) {
		if wizard.IsOpenField(sess.FormType, k, sess.CurrentStep) {
			values[k] = v
		}
	}
	for k := range values {
		if !wizard.IsFormField(sess.FormType, k) {
			delete(values, k)
		}
	}
	writeJSON(w, http.StatusOK, recoveryResponse{
		SessionID:   sess.ID,
		CurrentStep: sess.CurrentStep,
		Status:      sess.Status,
		Fields:      FilterForLocalCache(values),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
