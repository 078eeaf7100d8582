// Package httpapi exposes the chat session over HTTP with chi.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"chatd/internal/session"
	"chatd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Initialize(ctx context.Context, path string) (string, error)
	Send(ctx context.Context, text string) (string, error)
	SendStream(ctx context.Context, text string, onToken func(delta string) error) (string, error)
	Reset(ctx context.Context) (string, error)
	UpdateSystemPrompt(ctx context.Context, text string) string
	Status() types.SessionStatus
	Health(ctx context.Context) error
	ListModels() ([]types.Model, error)
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	h := &handlers{svc: svc}
	r.Route("/v1/session", func(r chi.Router) {
		if lim := newLimiter(); lim != nil {
			r.Use(rateLimit(lim))
		}
		r.Get("/", h.status)
		r.Post("/initialize", h.initialize)
		r.Post("/messages", h.send)
		r.Post("/reset", h.reset)
		r.Put("/system-prompt", h.systemPrompt)
	})

	r.Get("/models", h.models)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		err := svc.Health(r.Context())
		switch {
		case err == nil:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		case session.IsNotInitialized(err):
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("uninitialized"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("backend unavailable"))
		}
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func rateLimit(lim *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				IncrementBackpressure("rate_limit")
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handlers struct {
	svc Service
}

// decodeJSON enforces the content type and body limit. An empty body is
// accepted when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	if allowEmpty && r.ContentLength == 0 {
		return true
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// requestContext joins the server base context with the request context so
// shutdown cancels work too.
func requestContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	if timeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	return tctx, func() { tcancel(); cancel() }
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, lvl LogLevel, op string, start time.Time, err error) {
	if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
		return
	}
	status := statusFor(err)
	writeJSONError(w, status, err.Error())
	logEnd(r, lvl, op, status, start, err)
}

// @Summary      Initialize the session
// @Description  Validates the model artifact and brings up the configured backend. Falls back to mock replies when the backend is unreachable.
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        body  body      types.InitializeRequest  false  "Artifact path (defaults to MODEL_PATH)"
// @Success      200   {object}  types.InitializeResponse
// @Failure      404   {object}  types.ErrorResponse
// @Failure      415   {object}  types.ErrorResponse
// @Router       /v1/session/initialize [post]
func (h *handlers) initialize(w http.ResponseWriter, r *http.Request) {
	start, lvl := time.Now(), requestLogLevel(r)
	var req types.InitializeRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	ctx, cancel := requestContext(r, 0)
	defer cancel()
	msg, err := h.svc.Initialize(ctx, strings.TrimSpace(req.ModelPath))
	if err != nil {
		h.fail(w, r, lvl, "initialize", start, err)
		return
	}
	st := h.svc.Status()
	writeJSON(w, types.InitializeResponse{Message: msg, Model: st.Model, Backend: st.Backend, Degraded: st.Degraded})
	logEnd(r, lvl, "initialize", http.StatusOK, start, nil)
}

// @Summary      Send a message
// @Description  Appends the user message and returns the assistant reply. With stream=true the reply is sent as NDJSON lines.
// @Tags         session
// @Accept       json
// @Produce      json
// @Produce      application/x-ndjson
// @Param        body  body      types.SendRequest  true  "Message"
// @Success      200   {object}  types.SendResponse
// @Failure      400   {object}  types.ErrorResponse
// @Failure      409   {object}  types.ErrorResponse
// @Failure      502   {object}  types.ErrorResponse
// @Failure      503   {object}  types.ErrorResponse
// @Router       /v1/session/messages [post]
func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	start, lvl := time.Now(), requestLogLevel(r)
	var req types.SendRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	ctx, cancel := requestContext(r, sendTimeout)
	defer cancel()

	if !req.Stream {
		reply, err := h.svc.Send(ctx, req.Content)
		if err != nil {
			h.fail(w, r, lvl, "send", start, err)
			return
		}
		writeJSON(w, types.SendResponse{Reply: reply})
		logEnd(r, lvl, "send", http.StatusOK, start, nil)
		return
	}

	var out io.Writer = w
	if lvl >= LevelDebug {
		out = io.MultiWriter(w, &lineLogger{})
	}
	st := newNDJSONStream(w, out)
	reply, err := h.svc.SendStream(ctx, req.Content, st.delta)
	if err != nil {
		if !st.started {
			h.fail(w, r, lvl, "send", start, err)
			return
		}
		st.write(types.StreamChunk{Error: err.Error()})
		logEnd(r, lvl, "send", http.StatusOK, start, err)
		return
	}
	st.write(types.StreamChunk{Done: true, Reply: reply})
	logEnd(r, lvl, "send", http.StatusOK, start, nil)
}

// @Summary      Reset the conversation
// @Description  Archives the conversation, applies a pending system prompt and keeps only the system turn.
// @Tags         session
// @Produce      json
// @Success      200  {object}  types.MessageResponse
// @Failure      409  {object}  types.ErrorResponse
// @Router       /v1/session/reset [post]
func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	start, lvl := time.Now(), requestLogLevel(r)
	ctx, cancel := requestContext(r, 0)
	defer cancel()
	msg, err := h.svc.Reset(ctx)
	if err != nil {
		h.fail(w, r, lvl, "reset", start, err)
		return
	}
	writeJSON(w, types.MessageResponse{Message: msg})
	logEnd(r, lvl, "reset", http.StatusOK, start, nil)
}

// @Summary      Update the system prompt
// @Description  Stores a pending system prompt that takes effect on the next reset.
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        body  body      types.SystemPromptRequest  true  "Prompt"
// @Success      200   {object}  types.MessageResponse
// @Failure      400   {object}  types.ErrorResponse
// @Router       /v1/session/system-prompt [put]
func (h *handlers) systemPrompt(w http.ResponseWriter, r *http.Request) {
	var req types.SystemPromptRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	writeJSON(w, types.MessageResponse{Message: h.svc.UpdateSystemPrompt(r.Context(), req.Prompt)})
}

// @Summary      Session status
// @Tags         session
// @Produce      json
// @Success      200  {object}  types.SessionStatus
// @Router       /v1/session [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.svc.Status())
}

// @Summary      List model artifacts
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models [get]
func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	models, err := h.svc.ListModels()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if models == nil {
		models = []types.Model{}
	}
	writeJSON(w, types.ModelsResponse{Models: models})
}
