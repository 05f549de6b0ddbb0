// Package control exposes the local HTTP API used to drive the client and
// preview its output.
package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eleven-am/stylestream/internal/codec"
	"github.com/eleven-am/stylestream/internal/dto"
	"github.com/eleven-am/stylestream/internal/framestore"
	"github.com/eleven-am/stylestream/internal/metrics"
	"github.com/eleven-am/stylestream/internal/runner"
	"github.com/eleven-am/stylestream/internal/session"
	"github.com/eleven-am/stylestream/internal/settings"
	"github.com/eleven-am/stylestream/internal/shared"
	"github.com/labstack/echo/v4"
)

const (
	maxImageBytes  = 16 << 20
	commandTimeout = 2 * time.Second
	timeLayout     = "2006-01-02T15:04:05Z07:00"
)

// Loop runs work on the control loop and exposes what it published.
type Loop interface {
	Do(ctx context.Context, fn func(*session.Controller) error) error
	Status() session.Status
	Latest() *runner.LatestFrame
}

type Handler struct {
	loop     Loop
	settings *settings.Store
	frames   *framestore.Store
	recorder *framestore.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewHandler(loop Loop, settingsStore *settings.Store, frames *framestore.Store, recorder *framestore.Recorder, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		loop:     loop,
		settings: settingsStore,
		frames:   frames,
		recorder: recorder,
		metrics:  m,
		logger:   logger.With("component", "control"),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/status", h.Status)
	e.POST("/connect", h.Connect)
	e.POST("/disconnect", h.Disconnect)
	e.POST("/streaming/start", h.StartStreaming)
	e.POST("/streaming/stop", h.StopStreaming)
	e.PUT("/prompt", h.SetPrompt)
	e.POST("/style/image", h.SetStyleImage)
	e.DELETE("/style/image", h.ClearStyleImage)

	e.GET("/settings", h.GetSettings)
	e.PUT("/credentials", h.SetCredentials)
	e.DELETE("/credentials", h.ClearCredentials)
	e.PUT("/consent", h.SetConsent)

	e.GET("/frame.jpg", h.LatestFrame)
	e.GET("/sessions", h.ListSessions)
	e.GET("/sessions/:id", h.GetSession)
	e.GET("/sessions/:id/frames/latest", h.LatestRecordedFrame)

	e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
}

func (h *Handler) do(c echo.Context, fn func(*session.Controller) error) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), commandTimeout)
	defer cancel()
	return h.loop.Do(ctx, fn)
}

func (h *Handler) sessionError(err error) error {
	switch {
	case errors.Is(err, shared.ErrNotReady):
		return shared.Conflict("not_ready", "session is not ready")
	case errors.Is(err, shared.ErrEmptyImage):
		return shared.BadRequest("empty_image", "image is empty")
	case errors.Is(err, shared.ErrClosed):
		return shared.ServiceUnavailable("loop_stopped", "control loop is not running")
	case errors.Is(err, context.DeadlineExceeded):
		return shared.ServiceUnavailable("loop_busy", "control loop did not respond")
	default:
		h.logger.Error("session command failed", "error", err)
		return shared.InternalError("command_failed", err.Error())
	}
}

func (h *Handler) run(c echo.Context, status int, fn func(*session.Controller) error) error {
	if err := h.do(c, fn); err != nil {
		return h.sessionError(err)
	}
	return c.JSON(status, h.loop.Status())
}

func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.loop.Status())
}

func (h *Handler) Connect(c echo.Context) error {
	return h.run(c, http.StatusAccepted, func(ctrl *session.Controller) error {
		ctrl.Connect()
		return nil
	})
}

func (h *Handler) Disconnect(c echo.Context) error {
	return h.run(c, http.StatusOK, func(ctrl *session.Controller) error {
		ctrl.Disconnect()
		return nil
	})
}

func (h *Handler) StartStreaming(c echo.Context) error {
	return h.run(c, http.StatusOK, func(ctrl *session.Controller) error {
		return ctrl.StartStreaming()
	})
}

func (h *Handler) StopStreaming(c echo.Context) error {
	return h.run(c, http.StatusOK, func(ctrl *session.Controller) error {
		ctrl.StopStreaming()
		return nil
	})
}

func (h *Handler) SetPrompt(c echo.Context) error {
	var req dto.PromptRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return shared.BadRequest("missing_prompt", "prompt is required")
	}

	return h.run(c, http.StatusOK, func(ctrl *session.Controller) error {
		if req.Enhance != nil {
			ctrl.SetEnhancePrompt(*req.Enhance)
		}
		return ctrl.SetPrompt(req.Prompt)
	})
}

// SetStyleImage takes a raw JPEG or PNG body. The default mode extracts a
// style prompt, connecting if needed; mode=apply sends the image as the
// style of a Ready session.
func (h *Handler) SetStyleImage(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxImageBytes+1))
	if err != nil {
		return shared.BadRequest("invalid_request", "failed to read image")
	}
	if len(data) == 0 {
		return shared.BadRequest("empty_image", "image is empty")
	}
	if len(data) > maxImageBytes {
		return shared.BadRequest("image_too_large", "image exceeds 16MB")
	}

	img, _, err := codec.Decode(data)
	if err != nil {
		return shared.BadRequest("invalid_image", "image must be JPEG or PNG")
	}
	if img.Width > codec.MaxReferenceDim || img.Height > codec.MaxReferenceDim {
		width, height := img.Width, img.Height
		img = codec.Resize(img, codec.MaxReferenceDim)
		h.logger.Info("downscaled reference image",
			"from", []int{width, height},
			"to", []int{img.Width, img.Height})
	}

	mode := c.QueryParam("mode")
	switch mode {
	case "", "extract":
		return h.run(c, http.StatusAccepted, func(ctrl *session.Controller) error {
			return ctrl.ExtractStyleFromImage(img)
		})
	case "apply":
		return h.run(c, http.StatusAccepted, func(ctrl *session.Controller) error {
			return ctrl.SetStyleFromImage(img)
		})
	default:
		return shared.BadRequest("invalid_mode", "mode must be extract or apply")
	}
}

func (h *Handler) ClearStyleImage(c echo.Context) error {
	return h.run(c, http.StatusOK, func(ctrl *session.Controller) error {
		ctrl.ClearImageStyle()
		return nil
	})
}

func settingsToResponse(s *settings.Settings) dto.SettingsResponse {
	resp := dto.SettingsResponse{
		HasAPIKey:           s.HasAPIKey(),
		APIKeyPrefix:        s.APIKeyPrefix,
		ServerURL:           s.ServerURL,
		SetupComplete:       s.SetupComplete,
		AcceptedTerms:       s.AcceptedTerms,
		ShareUsageAnalytics: s.ShareUsageAnalytics,
		ShareTrainingData:   s.ShareTrainingData,
		StoreCapturesOnline: s.StoreCapturesOnline,
	}
	if s.KeyUpdatedAt != nil {
		updated := s.KeyUpdatedAt.Format(timeLayout)
		resp.KeyUpdatedAt = &updated
	}
	return resp
}

func (h *Handler) GetSettings(c echo.Context) error {
	s, err := h.settings.Load(c.Request().Context())
	if err != nil {
		h.logger.Error("failed to load settings", "error", err)
		return shared.InternalError("load_failed", "failed to load settings")
	}
	return c.JSON(http.StatusOK, settingsToResponse(s))
}

func (h *Handler) SetCredentials(c echo.Context) error {
	var req dto.CredentialsRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	ctx := c.Request().Context()
	saved, err := h.settings.SetAPIKey(ctx, req.APIKey)
	if errors.Is(err, shared.ErrNoCredential) {
		return shared.BadRequest("missing_api_key", "api_key is required")
	}
	if err != nil {
		h.logger.Error("failed to save api key", "error", err)
		return shared.InternalError("save_failed", "failed to save api key")
	}

	if url := strings.TrimSpace(req.ServerURL); url != "" {
		if saved, err = h.settings.SetServerURL(ctx, url); err != nil {
			h.logger.Error("failed to save server url", "error", err)
			return shared.InternalError("save_failed", "failed to save server url")
		}
	}

	key, serverURL := saved.APIKey, saved.ServerURL
	if err := h.do(c, func(ctrl *session.Controller) error {
		ctrl.SetAPIKey(key)
		ctrl.SetServerURL(serverURL)
		return nil
	}); err != nil {
		return h.sessionError(err)
	}

	h.logger.Info("credentials updated", "prefix", saved.APIKeyPrefix)
	return c.JSON(http.StatusOK, settingsToResponse(saved))
}

func (h *Handler) ClearCredentials(c echo.Context) error {
	saved, err := h.settings.ClearAPIKey(c.Request().Context())
	if err != nil {
		h.logger.Error("failed to clear api key", "error", err)
		return shared.InternalError("clear_failed", "failed to clear api key")
	}

	if err := h.do(c, func(ctrl *session.Controller) error {
		ctrl.SetAPIKey("")
		return nil
	}); err != nil {
		return h.sessionError(err)
	}
	return c.JSON(http.StatusOK, settingsToResponse(saved))
}

func (h *Handler) SetConsent(c echo.Context) error {
	var req dto.ConsentRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}

	ctx := c.Request().Context()
	if req.AcceptTerms {
		if _, err := h.settings.AcceptTerms(ctx); err != nil {
			h.logger.Error("failed to accept terms", "error", err)
			return shared.InternalError("save_failed", "failed to save consent")
		}
	}

	saved, err := h.settings.SaveConsent(ctx, settings.Consent{
		ShareUsageAnalytics: req.ShareUsageAnalytics,
		ShareTrainingData:   req.ShareTrainingData,
		StoreCapturesOnline: req.StoreCapturesOnline,
	})
	if err != nil {
		h.logger.Error("failed to save consent", "error", err)
		return shared.InternalError("save_failed", "failed to save consent")
	}

	if h.recorder != nil {
		h.recorder.SetEnabled(saved.StoreCapturesOnline)
	}
	return c.JSON(http.StatusOK, settingsToResponse(saved))
}

func (h *Handler) LatestFrame(c echo.Context) error {
	latest := h.loop.Latest()
	if latest == nil {
		return shared.NotFound("no_frame", "no stylized frame received yet")
	}
	return h.writeFrame(c, latest.Data)
}

// writeFrame serves JPEG data as is and re-encodes anything else.
func (h *Handler) writeFrame(c echo.Context, data []byte) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	if codec.DetectFormat(data) == codec.FormatJPEG {
		return c.Blob(http.StatusOK, "image/jpeg", data)
	}

	img, _, err := codec.Decode(data)
	if err != nil {
		return shared.InternalError("decode_failed", "stored frame could not be decoded")
	}
	jpeg, err := codec.Encode(img, codec.FormatJPEG, codec.DefaultQuality)
	if err != nil {
		return shared.InternalError("encode_failed", "frame could not be encoded")
	}
	return c.Blob(http.StatusOK, "image/jpeg", jpeg)
}

func recordToResponse(r *framestore.SessionRecord) dto.SessionRecordResponse {
	resp := dto.SessionRecordResponse{
		ID:             r.ID,
		ServerURL:      r.ServerURL,
		Prompt:         r.Prompt,
		Status:         string(r.Status),
		StartedAt:      r.StartedAt.Format(timeLayout),
		FramesSent:     r.FramesSent,
		FramesReceived: r.FramesReceived,
	}
	if r.EndedAt != nil {
		ended := r.EndedAt.Format(timeLayout)
		resp.EndedAt = &ended
	}
	return resp
}

func (h *Handler) requireFrames() error {
	if h.frames == nil {
		return shared.ServiceUnavailable("recording_unavailable", "frame recording is not configured")
	}
	return nil
}

func (h *Handler) ListSessions(c echo.Context) error {
	if err := h.requireFrames(); err != nil {
		return err
	}

	records, err := h.frames.RecentSessions(c.Request().Context(), 20)
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		return shared.InternalError("list_failed", "failed to list sessions")
	}

	resp := dto.SessionListResponse{Sessions: make([]dto.SessionRecordResponse, len(records))}
	for i, r := range records {
		resp.Sessions[i] = recordToResponse(r)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetSession(c echo.Context) error {
	if err := h.requireFrames(); err != nil {
		return err
	}

	rec, err := h.frames.GetSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("session_not_found", "session not found")
	}
	if err != nil {
		h.logger.Error("failed to get session", "error", err)
		return shared.InternalError("get_failed", "failed to get session")
	}
	return c.JSON(http.StatusOK, recordToResponse(rec))
}

func (h *Handler) LatestRecordedFrame(c echo.Context) error {
	if err := h.requireFrames(); err != nil {
		return err
	}

	frame, err := h.frames.GetLatestFrame(c.Request().Context(), c.Param("id"))
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("frame_not_found", "no recorded frames for session")
	}
	if err != nil {
		h.logger.Error("failed to get recorded frame", "error", err)
		return shared.InternalError("get_failed", "failed to get recorded frame")
	}
	return h.writeFrame(c, frame.Data)
}
