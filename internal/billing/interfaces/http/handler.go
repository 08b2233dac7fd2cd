package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"water-billing/internal/audit"
	"water-billing/internal/auth"
	billingapp "water-billing/internal/billing/application"
	billing "water-billing/internal/billing/domain"
)

const timeLayout = time.RFC3339

const (
	configsPrefix    = "/api/v1/billing/configs/"
	executionsPrefix = "/api/v1/billing/executions/"
)

// Service is the billing surface exposed over HTTP.
type Service interface {
	ExecuteBilling(ctx context.Context, configID string) (*billingapp.Result, error)
	GetExecution(ctx context.Context, id string) (*billing.Execution, error)
	ListExecutions(ctx context.Context, configID string, limit int) ([]billing.Execution, error)
	NextRun(ctx context.Context, configID string) (time.Time, error)
}

// Handler serves billing endpoints.
type Handler struct {
	service     Service
	auditLogger audit.Logger
	logger      *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service Service, auditLogger audit.Logger, logger *zap.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("billing handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, auditLogger: auditLogger, logger: logger.Named("billing.http")}, nil
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(configsPrefix, h)
	mux.Handle(executionsPrefix, h)
}

// ServeHTTP routes billing requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, configsPrefix):
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, configsPrefix), "/")
		if len(parts) != 2 || parts[0] == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		configID := parts[0]
		switch {
		case parts[1] == "execute" && r.Method == http.MethodPost:
			h.handleExecute(w, r, configID)
		case parts[1] == "executions" && r.Method == http.MethodGet:
			h.handleListExecutions(w, r, configID)
		case parts[1] == "next-run" && r.Method == http.MethodGet:
			h.handleNextRun(w, r, configID)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	case strings.HasPrefix(r.URL.Path, executionsPrefix):
		id := strings.TrimPrefix(r.URL.Path, executionsPrefix)
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetExecution(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request, configID string) {
	// The run outlives a dropped client connection.
	result, err := h.service.ExecuteBilling(context.WithoutCancel(r.Context()), configID)
	if err != nil {
		h.respondError(w, err)
		h.logAudit(r, configID, map[string]any{"error": err.Error(), "execution_id": fatalExecutionID(err)})
		return
	}
	writeJSON(w, http.StatusOK, result)
	h.logAudit(r, configID, map[string]any{"execution_id": result.ExecutionID, "status": result.Status})
}

func (h *Handler) handleGetExecution(w http.ResponseWriter, r *http.Request, id string) {
	exec, err := h.service.GetExecution(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionView(*exec))
}

func (h *Handler) handleListExecutions(w http.ResponseWriter, r *http.Request, configID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	list, err := h.service.ListExecutions(r.Context(), configID, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]executionView, 0, len(list))
	for _, exec := range list {
		views = append(views, toExecutionView(exec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}

func (h *Handler) handleNextRun(w http.ResponseWriter, r *http.Request, configID string) {
	next, err := h.service.NextRun(r.Context(), configID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"config_id":   configID,
		"next_run_at": next.UTC().Format(timeLayout),
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]string{"error": err.Error()}
	if id := fatalExecutionID(err); id != "" {
		body["execution_id"] = id
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("billing request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrConfigNotFound), errors.Is(err, billing.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrConfigInactive), errors.Is(err, billing.ErrInvalidConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrRunInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func fatalExecutionID(err error) string {
	var fatal *billing.RunFatalError
	if errors.As(err, &fatal) {
		return fatal.ExecutionID
	}
	return ""
}

func (h *Handler) logAudit(r *http.Request, configID string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	if err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       "billing.execute",
		ResourceType: "billing_config",
		ResourceID:   configID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	}); err != nil {
		h.logger.Warn("audit log failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
