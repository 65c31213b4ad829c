package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"vn.io.arda/dirsync/internal/application"
	"vn.io.arda/dirsync/internal/domain"
)

// Handler holds all HTTP handler methods.
type Handler struct {
	svc *application.Service
	hub *Hub
	// defaultAppID is used when a request does not name an application.
	defaultAppID string
}

// NewHandler creates a new Handler.
func NewHandler(svc *application.Service, hub *Hub, defaultAppID string) *Handler {
	return &Handler{svc: svc, hub: hub, defaultAppID: defaultAppID}
}

// --- REST Handlers ---

// TriggerSync POST /syncs
func (h *Handler) TriggerSync(c echo.Context) error {
	var req domain.SyncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AppID == "" {
		req.AppID = h.defaultAppID
	}
	req.Confirm = nil
	req.TriggeredBy = "api"

	run, err := h.svc.Sync(c.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrFullRevokeNotConfirmed), domain.IsConfig(err):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case domain.IsAuth(err):
			// The service's own directory credentials are broken, not
			// the caller's token.
			return echo.NewHTTPError(http.StatusBadGateway, "directory authentication failed")
		default:
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
	}

	status := http.StatusOK
	if run.Report.Partial() {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, run)
}

// ListRuns GET /syncs
func (h *Handler) ListRuns(c echo.Context) error {
	filter := domain.RunFilter{
		AppID:  c.QueryParam("app_id"),
		State:  domain.RunState(c.QueryParam("state")),
		Limit:  parseIntQuery(c, "limit", 20),
		Offset: parseIntQuery(c, "offset", 0),
	}

	runs, err := h.svc.Runs(c.Request().Context(), filter)
	if err != nil {
		if domain.IsConfig(err) {
			return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
		}
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, map[string]any{
		"data":   runs,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// GetRun GET /syncs/:id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.svc.Run(c.Request().Context(), c.Param("id"))
	if err != nil {
		if domain.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		if domain.IsConfig(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, run)
}

// ListAssignments GET /assignments
func (h *Handler) ListAssignments(c echo.Context) error {
	appID := c.QueryParam("app_id")
	if appID == "" {
		appID = h.defaultAppID
	}
	if appID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "app_id is required")
	}

	if c.QueryParam("users") == "true" {
		users, err := h.svc.ListAssignedUsers(c.Request().Context(), appID)
		if err != nil {
			return h.directoryError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"app_id": appID, "users": users})
	}

	assignments, err := h.svc.ListAssignments(c.Request().Context(), appID)
	if err != nil {
		return h.directoryError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"app_id": appID, "assignments": assignments})
}

func (h *Handler) directoryError(err error) error {
	if domain.IsAuth(err) {
		return echo.NewHTTPError(http.StatusBadGateway, "directory authentication failed")
	}
	if domain.IsNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadGateway, err.Error())
}

// --- SSE Handler ---

// Stream GET /syncs/stream
// Streams run events over SSE, optionally filtered by app_id.
func (h *Handler) Stream(c echo.Context) error {
	appID := c.QueryParam("app_id")

	// SSE headers
	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable Nginx/APISIX buffering

	sendCh := make(chan []byte, 32)
	client := h.hub.Register(appID, sendCh)
	defer h.hub.Unregister(client)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	w.Flush()

	log.Info().Str("app_id", appID).Msg("SSE stream opened")

	ctx := c.Request().Context()
	for {
		select {
		case msg, ok := <-sendCh:
			if !ok {
				return nil
			}
			if _, err := w.Write(msg); err != nil {
				return nil
			}
			w.Flush()

		case <-ctx.Done():
			log.Info().Str("app_id", appID).Msg("SSE stream closed by client")
			return nil
		}
	}
}

// --- Healthcheck ---

// Health GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"sse_clients": h.hub.ConnectedCount(),
	})
}

// --- Helpers ---

func parseIntQuery(c echo.Context, key string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
