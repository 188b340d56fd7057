// File: internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/conn"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/dispatch"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/events"
	"github.com/xkilldash9x/scalpel-bridge/internal/observability"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies. Raw command params can carry scripts.
const maxBodyBytes = 8 << 20

// Handlers translates HTTP requests into bridge operations.
type Handlers struct {
	log            *zap.Logger
	core           Core
	metricsEnabled bool
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(logger *zap.Logger, core Core, metricsEnabled bool) *Handlers {
	return &Handlers{
		log:            logger.Named("api_handlers"),
		core:           core,
		metricsEnabled: metricsEnabled,
	}
}

// RegisterRoutes sets up the routing for the facade.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)
	if h.metricsEnabled {
		r.Handle("/metrics", observability.MetricsHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/command", h.HandleCommand)
		r.Post("/script", h.HandleScript)
		r.Post("/navigate", h.HandleNavigate)
		r.Post("/screenshot", h.HandleScreenshot)
		r.Post("/click", h.HandleClick)
		r.Post("/throttle", h.HandleThrottle)

		r.Get("/events/{domain}", h.HandleEvents)
		r.Get("/buffers", h.HandleBuffers)
		r.Get("/telemetry", h.HandleTelemetry)
		r.Get("/state", h.HandleState)
	})
}

// HandleHealthCheck answers 200 while the control socket is up and 503 otherwise.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	st := h.core.ConnectionState()
	if st.State != conn.StateConnected {
		h.respondWithStatus(w, r, http.StatusServiceUnavailable, "error", st)
		return
	}
	h.respondWithSuccess(w, r, http.StatusOK, st)
}

// HandleCommand forwards an arbitrary DevTools command.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Method == "" {
		h.respondWithError(w, r, http.StatusBadRequest, "method is required")
		return
	}
	if req.Domain == "" && !strings.Contains(req.Method, ".") {
		h.respondWithError(w, r, http.StatusBadRequest, "method must be qualified (Domain.method) when domain is empty")
		return
	}

	h.log.Debug("Forwarding command.", zap.String("domain", req.Domain), zap.String("method", req.Method))
	h.submit(w, r, req.Domain, req.Method, req.Params, req.TimeoutMS)
}

// HandleScript evaluates JavaScript through Runtime.evaluate.
func (h *Handlers) HandleScript(w http.ResponseWriter, r *http.Request) {
	var req ScriptRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Expression == "" {
		h.respondWithError(w, r, http.StatusBadRequest, "expression is required")
		return
	}

	byValue := true
	if req.ReturnByValue != nil {
		byValue = *req.ReturnByValue
	}
	params := runtime.Evaluate(req.Expression).
		WithReturnByValue(byValue).
		WithAwaitPromise(req.AwaitPromise)
	h.submit(w, r, "", runtime.CommandEvaluate, params, req.TimeoutMS)
}

// HandleNavigate loads a URL through Page.navigate.
func (h *Handlers) HandleNavigate(w http.ResponseWriter, r *http.Request) {
	var req NavigateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		h.respondWithError(w, r, http.StatusBadRequest, "url is required")
		return
	}

	params := page.Navigate(req.URL)
	if req.Referrer != "" {
		params = params.WithReferrer(req.Referrer)
	}
	h.submit(w, r, "", page.CommandNavigate, params, req.TimeoutMS)
}

// HandleScreenshot captures the page through Page.captureScreenshot.
func (h *Handlers) HandleScreenshot(w http.ResponseWriter, r *http.Request) {
	var req ScreenshotRequest
	if !h.decode(w, r, &req) {
		return
	}

	params := page.CaptureScreenshot().WithCaptureBeyondViewport(req.FullPage)
	switch strings.ToLower(req.Format) {
	case "", "png":
		params = params.WithFormat(page.CaptureScreenshotFormatPng)
	case "jpeg", "jpg":
		params = params.WithFormat(page.CaptureScreenshotFormatJpeg)
	case "webp":
		params = params.WithFormat(page.CaptureScreenshotFormatWebp)
	default:
		h.respondWithError(w, r, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", req.Format))
		return
	}
	if req.Quality < 0 || req.Quality > 100 {
		h.respondWithError(w, r, http.StatusBadRequest, "quality must be between 0 and 100")
		return
	}
	if req.Quality > 0 {
		params = params.WithQuality(req.Quality)
	}
	h.submit(w, r, "", page.CommandCaptureScreenshot, params, req.TimeoutMS)
}

// HandleClick dispatches a press and a release at the given coordinates.
func (h *Handlers) HandleClick(w http.ResponseWriter, r *http.Request) {
	var req ClickRequest
	if !h.decode(w, r, &req) {
		return
	}

	button := input.Left
	if req.Button != "" {
		button = input.MouseButton(strings.ToLower(req.Button))
		switch button {
		case input.Left, input.Middle, input.Right, input.Back, input.Forward:
		default:
			h.respondWithError(w, r, http.StatusBadRequest, fmt.Sprintf("unsupported button %q", req.Button))
			return
		}
	}
	count := req.ClickCount
	if count <= 0 {
		count = 1
	}

	for _, typ := range []input.MouseType{input.MousePressed, input.MouseReleased} {
		params := input.DispatchMouseEvent(typ, req.X, req.Y).
			WithButton(button).
			WithClickCount(count)
		if _, err := h.core.SubmitCommand(r.Context(), "", input.CommandDispatchMouseEvent, params, timeoutFromMS(req.TimeoutMS)); err != nil {
			h.respondWithCommandError(w, r, err)
			return
		}
	}
	h.respondWithSuccess(w, r, http.StatusOK, map[string]any{"x": req.X, "y": req.Y, "button": button})
}

// HandleThrottle applies network condition emulation.
func (h *Handlers) HandleThrottle(w http.ResponseWriter, r *http.Request) {
	var req ThrottleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.LatencyMS < 0 {
		h.respondWithError(w, r, http.StatusBadRequest, "latency_ms must not be negative")
		return
	}

	params := network.EmulateNetworkConditions(req.Offline, req.LatencyMS, req.DownloadThroughput, req.UploadThroughput)
	h.submit(w, r, "", network.CommandEmulateNetworkConditions, params, req.TimeoutMS)
}

// HandleEvents returns buffered events for one domain.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")

	limit, err := queryInt(r, "limit")
	if err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	since, err := queryInt(r, "since")
	if err != nil || since < 0 {
		h.respondWithError(w, r, http.StatusBadRequest, "since must be a non-negative integer")
		return
	}

	records, err := h.core.ReadEvents(domain, int(limit), uint64(since))
	if err != nil {
		h.respondWithCommandError(w, r, err)
		return
	}

	next := uint64(since)
	if n := len(records); n > 0 {
		next = records[n-1].Seq + 1
	}
	h.respondWithSuccess(w, r, http.StatusOK, EventsResponse{Domain: strings.ToLower(domain), Records: records, Next: next})
}

// HandleBuffers reports every event buffer.
func (h *Handlers) HandleBuffers(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, r, http.StatusOK, h.core.BufferStats())
}

// HandleTelemetry returns the crash and failure records.
func (h *Handlers) HandleTelemetry(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, r, http.StatusOK, h.core.TelemetrySnapshot())
}

// HandleState reports the connection and pending commands.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	inflight := h.core.Inflight()
	h.respondWithSuccess(w, r, http.StatusOK, StateResponse{
		Connection: h.core.ConnectionState(),
		Pending:    len(inflight),
		Inflight:   inflight,
	})
}

func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, domain, method string, params any, timeoutMS int64) {
	result, err := h.core.SubmitCommand(r.Context(), domain, method, params, timeoutFromMS(timeoutMS))
	if err != nil {
		h.respondWithCommandError(w, r, err)
		return
	}
	h.respondWithSuccess(w, r, http.StatusOK, result)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, fmt.Sprintf("Failed to read request body: %v", err))
		return false
	}
	if len(body) > maxBodyBytes {
		h.respondWithError(w, r, http.StatusRequestEntityTooLarge, "Request body too large.")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if err := codec.Unmarshal(body, v); err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// statusForError maps bridge errors onto HTTP status codes.
func statusForError(err error) int {
	var perr *dispatch.ProtocolError
	switch {
	case errors.Is(err, dispatch.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrStaleConnection),
		errors.Is(err, dispatch.ErrDispatcherClosed),
		errors.Is(err, conn.ErrNotConnected),
		errors.Is(err, conn.ErrClosed),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.As(err, &perr):
		return http.StatusBadGateway
	case errors.Is(err, events.ErrUnknownDomain):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondWithCommandError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn("Command failed.", zap.Int("status", status), zap.Error(err))
	}
	h.respondWithError(w, r, status, err.Error())
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	h.write(w, statusCode, CommandResponse{
		Status:    "error",
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	h.respondWithStatus(w, r, statusCode, "success", data)
}

// respondWithStatus sends a standardized JSON response with a specific status string.
func (h *Handlers) respondWithStatus(w http.ResponseWriter, r *http.Request, statusCode int, status string, data any) {
	h.write(w, statusCode, CommandResponse{
		Status:    status,
		Data:      data,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (h *Handlers) write(w http.ResponseWriter, statusCode int, resp CommandResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := codec.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
