package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
	"github.com/sentinel-agent/alertflow/internal/pipeline"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// --- API Response Helpers ---

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total int    `json:"total,omitempty"`
	ReqID string `json:"request_id,omitempty"`
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

func writeAPISuccess(c echo.Context, data interface{}, meta *apiMeta) error {
	if meta == nil {
		meta = &apiMeta{}
	}
	meta.ReqID = requestID(c)
	return c.JSON(http.StatusOK, apiResponse{Success: true, Data: data, Meta: meta})
}

func writeAPIError(c echo.Context, status int, code apperrors.ErrorCode, message string) error {
	return c.JSON(status, apiResponse{
		Error: &apiError{Code: string(code), Message: message},
		Meta:  &apiMeta{ReqID: requestID(c)},
	})
}

// writeErr maps a pipeline error to its HTTP status.
func writeErr(c echo.Context, err error) error {
	code := apperrors.GetCode(err)
	if code == "" {
		code = apperrors.ErrOrchestrator
	}
	return writeAPIError(c, apperrors.ToHTTPStatus(code), code, apperrors.Message(err))
}

// --- Request bodies ---

type startRequest struct {
	AlertID  string                 `json:"alert_id"`
	Severity string                 `json:"severity"`
	Data     map[string]interface{} `json:"data"`
}

type stageRequest struct {
	SessionID string          `json:"session_id"`
	Stage     string          `json:"stage"`
	Data      types.StageData `json:"data"`
}

func bindStage(c echo.Context) (stageRequest, error) {
	var req stageRequest
	if err := c.Bind(&req); err != nil {
		return req, apperrors.Wrap(apperrors.ErrInvalidInput, "invalid request body", err)
	}
	if req.SessionID == "" {
		return req, apperrors.New(apperrors.ErrMissingParam, "session_id is required")
	}
	return req, nil
}

func parseStage(label string) (types.Stage, error) {
	stage, err := types.ParseStage(label)
	if err != nil {
		return stage, apperrors.Wrap(apperrors.ErrUnknownStage, err.Error(), err)
	}
	return stage, nil
}

// stageOutcome answers a stage report. An upstream error is recorded on the
// timeline, so the report itself was accepted.
func stageOutcome(c echo.Context, sessionID string, stage types.Stage, err error) error {
	status := pipeline.SessionProcessing
	switch {
	case err == nil:
	case apperrors.Is(err, apperrors.ErrUpstream):
		status = pipeline.SessionError
	default:
		return writeErr(c, err)
	}
	return writeAPISuccess(c, map[string]interface{}{
		"session_id": sessionID,
		"stage":      stage.String(),
		"status":     status,
	}, nil)
}

// --- Handlers ---

// POST /control/start
func (s *Server) handleStart(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return writeAPIError(c, http.StatusBadRequest, apperrors.ErrInvalidInput, "invalid request body")
	}
	sid, err := s.orch.Start(c.Request().Context(), types.Alert{
		AlertID:  req.AlertID,
		Severity: req.Severity,
		Data:     req.Data,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return writeAPISuccess(c, map[string]interface{}{
		"session_id": sid,
		"status":     pipeline.SessionProcessing,
	}, nil)
}

// POST /control/type/finished
func (s *Server) handleTypeFinished(c echo.Context) error {
	req, err := bindStage(c)
	if err != nil {
		return writeErr(c, err)
	}
	err = s.orch.StageCompleted(c.Request().Context(), types.StageTypeAgent, req.Data, req.SessionID)
	return stageOutcome(c, req.SessionID, types.StageTypeAgent, err)
}

// POST /control/stage/started
func (s *Server) handleStageStarted(c echo.Context) error {
	req, err := bindStage(c)
	if err != nil {
		return writeErr(c, err)
	}
	stage, err := parseStage(req.Stage)
	if err != nil {
		return writeErr(c, err)
	}
	if err := s.orch.StageStarted(c.Request().Context(), stage, req.SessionID); err != nil {
		return writeErr(c, err)
	}
	return writeAPISuccess(c, map[string]interface{}{
		"session_id": req.SessionID,
		"stage":      stage.String(),
		"status":     string(types.StatusInProgress),
	}, nil)
}

// POST /control/stage/finished
func (s *Server) handleStageFinished(c echo.Context) error {
	req, err := bindStage(c)
	if err != nil {
		return writeErr(c, err)
	}
	stage, err := parseStage(req.Stage)
	if err != nil {
		return writeErr(c, err)
	}
	err = s.orch.StageCompleted(c.Request().Context(), stage, req.Data, req.SessionID)
	return stageOutcome(c, req.SessionID, stage, err)
}

// POST /control/flow/finished
func (s *Server) handleFlowFinished(c echo.Context) error {
	req, err := bindStage(c)
	if err != nil {
		return writeErr(c, err)
	}
	err = s.orch.FlowCompleted(c.Request().Context(), req.Data, req.SessionID)
	switch {
	case err == nil:
		return writeAPISuccess(c, map[string]interface{}{
			"session_id": req.SessionID,
			"status":     pipeline.SessionCompleted,
		}, nil)
	case apperrors.Is(err, apperrors.ErrUpstream):
		return writeAPISuccess(c, map[string]interface{}{
			"session_id": req.SessionID,
			"status":     pipeline.SessionError,
		}, nil)
	}
	return writeErr(c, err)
}

// GET /control/status/:id
func (s *Server) handleStatus(c echo.Context) error {
	rep, err := s.orch.Status(c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return writeAPISuccess(c, rep, nil)
}

// GET /control/sessions
func (s *Server) handleSessions(c echo.Context) error {
	list, err := s.orch.ListSessions()
	if err != nil {
		return writeErr(c, err)
	}
	return writeAPISuccess(c, map[string]interface{}{
		"sessions": list,
		"total":    len(list),
	}, &apiMeta{Total: len(list)})
}

// DELETE /control/session/:id
func (s *Server) handleDeleteSession(c echo.Context) error {
	id := c.Param("id")
	evicted, err := s.orch.DeleteSession(id)
	if err != nil {
		return writeErr(c, err)
	}
	return writeAPISuccess(c, map[string]interface{}{
		"session_id": id,
		"evicted":    evicted,
	}, nil)
}

// GET /control/memory/stats
func (s *Server) handleMemoryStats(c echo.Context) error {
	return writeAPISuccess(c, map[string]interface{}{
		"session_stats":      s.sessions.Stats(),
		"active_connections": s.activeConnections(),
		"websocket_clients":  s.wsClients(),
		"service":            serviceName,
	}, nil)
}

// POST /control/memory/cleanup
func (s *Server) handleMemoryCleanup(c echo.Context) error {
	removed := s.sessions.SweepExpired()
	return writeAPISuccess(c, map[string]interface{}{
		"status":             "ok",
		"message":            fmt.Sprintf("removed %d expired sessions", removed),
		"removed_sessions":   removed,
		"remaining_sessions": s.sessions.Len(),
	}, nil)
}

// GET /health
func (s *Server) handleHealth(c echo.Context) error {
	status, code := "healthy", http.StatusOK
	if !s.orch.Running() {
		status, code = "stopping", http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]interface{}{
		"status":             status,
		"service":            serviceName,
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"active_sessions":    s.sessions.Len(),
		"active_connections": s.activeConnections(),
	})
}

func (s *Server) activeConnections() int {
	if s.conns == nil {
		return 0
	}
	return s.conns.Len()
}

func (s *Server) wsClients() int {
	if s.hub == nil {
		return 0
	}
	return s.hub.Len()
}
