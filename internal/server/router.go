package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/l0p7/aidispatch/internal/runtime"
	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
	"github.com/l0p7/aidispatch/internal/runtime/usage"
)

const (
	defaultMaxWait  = 30 * time.Second
	maxRequestBytes = 1 << 20
)

// Orchestrator is the runtime surface the HTTP facade drives.
type Orchestrator interface {
	Submit(context.Context, runtime.SubmitInput) (*runtime.Handle, error)
	Cancel(*runtime.Handle)
	UsageSummary(usage.Period) usage.Summary
	CurrentPeriod() usage.Period
	Health() runtime.Health
}

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	Orchestrator Orchestrator
	Logger       *slog.Logger
	// Metrics is mounted on /metrics when set.
	Metrics           http.Handler
	AllowedOrigins    []string
	CorrelationHeader string
	HandleRetention   time.Duration
	// MaxWait caps the wait query parameter.
	MaxWait time.Duration
	Now     func() time.Time
}

type api struct {
	orchestrator      Orchestrator
	logger            *slog.Logger
	handles           *handleTable
	correlationHeader string
	maxWait           time.Duration
	now               func() time.Time
}

// NewHandler builds the task API router.
//
//	POST   /v1/tasks           submit, optionally waiting with ?wait=
//	GET    /v1/tasks/{id}      poll, optionally waiting with ?wait=
//	DELETE /v1/tasks/{id}      detach the caller
//	GET    /v1/usage           ?period=current|all
//	GET    /healthz
func NewHandler(opts HandlerOptions) (http.Handler, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("server: orchestrator required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &api{
		orchestrator:      opts.Orchestrator,
		logger:            opts.Logger.With(slog.String("agent", "http")),
		handles:           newHandleTable(opts.HandleRetention, opts.Now),
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		maxWait:           opts.MaxWait,
		now:               opts.Now,
	}

	router := mux.NewRouter()
	router.Use(a.correlate)
	router.HandleFunc("/v1/tasks", a.submitTask).Methods(http.MethodPost)
	router.HandleFunc("/v1/tasks/{id}", a.getTask).Methods(http.MethodGet)
	router.HandleFunc("/v1/tasks/{id}", a.cancelTask).Methods(http.MethodDelete)
	router.HandleFunc("/v1/usage", a.usageSummary).Methods(http.MethodGet)
	router.HandleFunc("/healthz", a.health).Methods(http.MethodGet)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		a.writeError(w, http.StatusNotFound, "route not found", "")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})

	if len(opts.AllowedOrigins) == 0 {
		return router, nil
	}
	allowedHeaders := []string{"Content-Type"}
	if a.correlationHeader != "" {
		allowedHeaders = append(allowedHeaders, a.correlationHeader)
	}
	return cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: allowedHeaders,
		ExposedHeaders: []string{"Location"},
	}).Handler(router), nil
}

type submitRequest struct {
	TaskType         string            `json:"taskType"`
	Prompt           string            `json:"prompt"`
	Tags             map[string]string `json:"tags,omitempty"`
	ProviderOverride string            `json:"providerOverride,omitempty"`
	// Timeout is a Go duration after which the request resolves with a timeout.
	Timeout string `json:"timeout,omitempty"`
}

type taskView struct {
	ID          string             `json:"id"`
	TaskType    string             `json:"taskType"`
	Status      string             `json:"status"`
	SubmittedAt time.Time          `json:"submittedAt"`
	Response    *pipeline.Response `json:"response,omitempty"`
	Error       string             `json:"error,omitempty"`
	Kind        string             `json:"kind,omitempty"`
}

const (
	statusPending   = "pending"
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

func (a *api) submitTask(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), string(pipeline.KindValidation))
		return
	}
	wait, err := a.waitParam(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error(), string(pipeline.KindValidation))
		return
	}

	in := runtime.SubmitInput{
		TaskType:         body.TaskType,
		Prompt:           body.Prompt,
		Tags:             tagsFromMap(body.Tags),
		ProviderOverride: body.ProviderOverride,
	}
	if body.Timeout != "" {
		timeout, err := time.ParseDuration(body.Timeout)
		if err != nil || timeout <= 0 {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", body.Timeout), string(pipeline.KindValidation))
			return
		}
		in.Deadline = a.now().Add(timeout)
	}

	h, err := a.orchestrator.Submit(r.Context(), in)
	if err != nil {
		a.logger.Info("task rejected",
			slog.String("correlation_id", correlationID(r.Context())),
			slog.String("task", body.TaskType),
			slog.Any("error", err))
		status, kind := statusForError(err)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		a.writeError(w, status, err.Error(), kind)
		return
	}
	a.handles.put(h)
	a.logger.Debug("task accepted",
		slog.String("correlation_id", correlationID(r.Context())),
		slog.String("request_id", h.ID()),
		slog.String("task", string(h.TaskType())))

	w.Header().Set("Location", "/v1/tasks/"+h.ID())
	a.waitFor(r.Context(), h, wait)
	a.writeTask(w, h)
}

func (a *api) getTask(w http.ResponseWriter, r *http.Request) {
	h, ok := a.handles.get(mux.Vars(r)["id"])
	if !ok {
		a.writeError(w, http.StatusNotFound, "task not found", "")
		return
	}
	wait, err := a.waitParam(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error(), string(pipeline.KindValidation))
		return
	}
	a.waitFor(r.Context(), h, wait)
	a.writeTask(w, h)
}

func (a *api) cancelTask(w http.ResponseWriter, r *http.Request) {
	h, ok := a.handles.get(mux.Vars(r)["id"])
	if !ok {
		a.writeError(w, http.StatusNotFound, "task not found", "")
		return
	}
	a.orchestrator.Cancel(h)
	<-h.Done()
	a.writeTask(w, h)
}

func (a *api) usageSummary(w http.ResponseWriter, r *http.Request) {
	var period usage.Period
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("period"))) {
	case "", "current":
		period = a.orchestrator.CurrentPeriod()
	case "all":
	default:
		a.writeError(w, http.StatusBadRequest, "period must be current or all", string(pipeline.KindValidation))
		return
	}
	a.writeJSON(w, http.StatusOK, a.orchestrator.UsageSummary(period))
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	snapshot := a.orchestrator.Health()
	payload := struct {
		Status     string    `json:"status"`
		ObservedAt time.Time `json:"observedAt"`
		Handles    int       `json:"handles"`
		runtime.Health
	}{
		Status:     "ok",
		ObservedAt: a.now().UTC(),
		Handles:    a.handles.len(),
		Health:     snapshot,
	}
	status := http.StatusOK
	if snapshot.ShuttingDown {
		payload.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, payload)
}

// waitParam reads ?wait= as a Go duration or whole seconds, capped at maxWait.
func (a *api) waitParam(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("wait"))
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("invalid wait %q", raw)
		}
		wait = time.Duration(seconds) * time.Second
	}
	if wait < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return min(wait, a.maxWait), nil
}

// waitFor blocks until h resolves, wait elapses, or the client goes away. The
// caller stays attached either way.
func (a *api) waitFor(ctx context.Context, h *runtime.Handle, wait time.Duration) {
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (a *api) writeTask(w http.ResponseWriter, h *runtime.Handle) {
	view := taskView{
		ID:          h.ID(),
		TaskType:    string(h.TaskType()),
		SubmittedAt: h.SubmittedAt().UTC(),
	}
	resp, err := h.Result()
	switch {
	case errors.Is(err, runtime.ErrPending):
		view.Status = statusPending
		a.writeJSON(w, http.StatusAccepted, view)
	case errors.Is(err, context.Canceled):
		view.Status = statusCancelled
		a.writeJSON(w, http.StatusOK, view)
	case err != nil:
		status, kind := statusForError(err)
		view.Status = statusFailed
		view.Error = err.Error()
		view.Kind = kind
		a.writeJSON(w, status, view)
	default:
		view.Status = statusSucceeded
		view.Response = &resp
		a.writeJSON(w, http.StatusOK, view)
	}
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, message, kind string) {
	payload := map[string]any{"error": message}
	if kind != "" {
		payload["kind"] = kind
	}
	a.writeJSON(w, status, payload)
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) (int, string) {
	if errors.Is(err, runtime.ErrClosed) {
		return http.StatusServiceUnavailable, "shutting_down"
	}
	kind := pipeline.KindOf(err)
	switch kind {
	case pipeline.KindValidation:
		return http.StatusBadRequest, string(kind)
	case pipeline.KindBudgetExceeded:
		return http.StatusPaymentRequired, string(kind)
	case pipeline.KindBackpressure:
		return http.StatusTooManyRequests, string(kind)
	case pipeline.KindProviderUnavailable:
		return http.StatusServiceUnavailable, string(kind)
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	case pipeline.KindProviderError:
		return http.StatusBadGateway, string(kind)
	}
	return http.StatusInternalServerError, "internal"
}

func tagsFromMap(raw map[string]string) []pipeline.ContextTag {
	if len(raw) == 0 {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	tags := make([]pipeline.ContextTag, 0, len(keys))
	for _, key := range keys {
		tags = append(tags, pipeline.ContextTag{Key: pipeline.ContextKey(key), Value: raw[key]})
	}
	return tags
}

type correlationKey struct{}

// correlate propagates the caller's correlation id, minting one when absent.
func (a *api) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.correlationHeader == "" {
			next.ServeHTTP(w, r)
			return
		}
		id := strings.TrimSpace(r.Header.Get(a.correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(a.correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
