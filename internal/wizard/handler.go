package wizard

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dr-enrollment/internal/enrollment"
	"github.com/wolfman30/dr-enrollment/internal/scheduling"
	"github.com/wolfman30/dr-enrollment/internal/sessions"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

const maxBodyBytes = 64 << 10

// Handler exposes the wizard API over HTTP.
type Handler struct {
	controller *Controller
	logger     *logging.Logger
}

// NewHandler creates a wizard HTTP handler.
func NewHandler(controller *Controller, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if controller == nil {
		panic("wizard: controller cannot be nil")
	}
	return &Handler{controller: controller, logger: logger}
}

// Routes registers the public wizard endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/instances/{instanceID}/sessions", h.StartSession)
	r.Get("/instances/{instanceID}/slots", h.ResolveSlots)
	r.Get("/instances/{instanceID}/promo-codes", h.PromoCodes)
	r.Get("/sessions/{sessionID}/steps/{step}", h.LoadStep)
	r.Post("/sessions/{sessionID}/steps/{step}", h.SubmitStep)
	r.Post("/sessions/{sessionID}/edit", h.Edit)
	r.Post("/sessions/{sessionID}/resume-token", h.IssueResumeToken)
	r.Post("/resume", h.Resume)
}

// AdminRoutes returns the operator-only session routes.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{sessionID}/abandon", h.Abandon)
	return r
}

type startSessionRequest struct {
	FormType  sessions.FormType `json:"form_type"`
	VisitorID string            `json:"visitor_id,omitempty"`
}

type sessionResponse struct {
	SessionID    string            `json:"session_id"`
	InstanceID   string            `json:"instance_id"`
	FormType     sessions.FormType `json:"form_type"`
	ProviderMode string            `json:"provider_mode"`
	CurrentStep  int               `json:"current_step"`
	TotalSteps   int               `json:"total_steps"`
	Status       sessions.Status   `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
}

func toSessionResponse(s *sessions.Session) sessionResponse {
	return sessionResponse{
		SessionID:    s.ID,
		InstanceID:   s.InstanceID,
		FormType:     s.FormType,
		ProviderMode: s.ProviderMode,
		CurrentStep:  s.CurrentStep,
		TotalSteps:   s.TotalSteps,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
	}
}

// StartSession handles POST /v1/instances/{instanceID}/sessions.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FormType == "" {
		req.FormType = sessions.FormEnrollment
	}
	sess, err := h.controller.StartSession(r.Context(), chi.URLParam(r, "instanceID"), req.FormType, req.VisitorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// LoadStep handles GET /v1/sessions/{sessionID}/steps/{step}.
func (h *Handler) LoadStep(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	view, err := h.controller.LoadStep(r.Context(), chi.URLParam(r, "sessionID"), step)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type submitStepRequest struct {
	Fields map[string]string `json:"fields"`
}

// SubmitStep handles POST /v1/sessions/{sessionID}/steps/{step}.
func (h *Handler) SubmitStep(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	var req submitStepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.controller.SubmitStep(r.Context(), chi.URLParam(r, "sessionID"), step, req.Fields)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type editRequest struct {
	TargetStep int `json:"target_step"`
}

// Edit handles POST /v1/sessions/{sessionID}/edit.
func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := h.controller.Edit(r.Context(), chi.URLParam(r, "sessionID"), req.TargetStep)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// IssueResumeToken handles POST /v1/sessions/{sessionID}/resume-token.
func (h *Handler) IssueResumeToken(w http.ResponseWriter, r *http.Request) {
	tok, err := h.controller.IssueResumeToken(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

type resumeRequest struct {
	Token string `json:"token"`
}

type resumeResponse struct {
	Session sessionResponse `json:"session"`
	Step    *StepView       `json:"step"`
}

// Resume handles POST /v1/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, view, err := h.controller.ResumeFromToken(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resumeResponse{Session: toSessionResponse(sess), Step: view})
}

// Abandon handles POST /admin/sessions/{sessionID}/abandon.
func (h *Handler) Abandon(w http.ResponseWriter, r *http.Request) {
	sess, err := h.controller.Abandon(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// ResolveSlots handles GET /v1/instances/{instanceID}/slots.
func (h *Handler) ResolveSlots(w http.ResponseWriter, r *http.Request) {
	req, err := ResolveRequestFromQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	cal, err := h.controller.ResolveSlots(r.Context(), chi.URLParam(r, "instanceID"), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

// PromoCodes handles GET /v1/instances/{instanceID}/promo-codes.
func (h *Handler) PromoCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.controller.PromoCodes(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if codes == nil {
		codes = []scheduling.PromoCode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"promo_codes": codes})
}

// ResolveRequestFromQuery reads account identifiers and the optional date
// range from query parameters.
func ResolveRequestFromQuery(r *http.Request) (scheduling.ResolveRequest, error) {
	q := r.URL.Query()
	req := scheduling.ResolveRequest{
		AccountNumber: q.Get("account_number"),
		CANo:          q.Get("ca_no"),
		ComvergeNo:    q.Get("comverge_no"),
	}
	if raw := q.Get("start"); raw != "" {
		t, err := time.Parse(scheduling.DateLayout, raw)
		if err != nil {
			return req, fieldError("start", "must be YYYY-MM-DD")
		}
		req.Start = t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := time.Parse(scheduling.DateLayout, raw)
		if err != nil {
			return req, fieldError("end", "must be YYYY-MM-DD")
		}
		req.End = &t
	}
	return req, nil
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// WriteError maps the wizard error taxonomy to a status code and JSON body.
func WriteError(w http.ResponseWriter, logger *logging.Logger, err error) {
	var (
		ve *ValidationError
		se *SequenceError
		ic *IdempotencyConflict
		rl *scheduling.RateLimitedError
		te *scheduling.TransportError
		de *scheduling.DataError
		re *enrollment.RejectedError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Code: ve.Code(), Message: "please correct the highlighted fields", Fields: ve.Fields})
	case errors.As(err, &se):
		writeJSON(w, http.StatusConflict, errorResponse{Code: se.Code(), Message: se.Message})
	case errors.As(err, &ic):
		writeJSON(w, http.StatusConflict, errorResponse{Code: ic.Code(), Message: "this step is already being submitted"})
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Code: rl.Code(), Message: "too many requests, try again shortly"})
	case errors.As(err, &te):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: te.Code(), Message: "the scheduling service is unavailable, please try again"})
	case errors.As(err, &de):
		writeJSON(w, http.StatusBadGateway, errorResponse{Code: de.Code(), Message: de.Reason})
	case errors.As(err, &re):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Code: re.Code(), Message: re.Reason})
	case errors.Is(err, sessions.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "session not found"})
	default:
		if logger != nil {
			logger.Error("wizard request failed", "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "internal server error"})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	WriteError(w, h.logger, err)
}

func stepParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step < 1 {
		http.Error(w, `{"error": "step must be a positive integer"}`, http.StatusBadRequest)
		return 0, false
	}
	return step, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
