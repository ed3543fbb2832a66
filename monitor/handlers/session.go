package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/stream"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Session is the part of the stream client the control API drives.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendFrame(payload string) error
	Snapshot() stream.Snapshot
}

type SessionHandler struct {
	session Session
	logger  *zap.Logger
}

type FrameRequest struct {
	Frame string `json:"frame" binding:"required"`
}

func NewSessionHandler(session Session, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		session: session,
		logger:  logger,
	}
}

// GetSession returns the session snapshot. Image payloads are stripped
// unless images=true.
func (h *SessionHandler) GetSession(c *gin.Context) {
	snapshot := h.session.Snapshot()

	withImages, _ := strconv.ParseBool(c.Query("images"))
	if snapshot.LastMessage != nil && !withImages {
		stripped := snapshot.LastMessage.WithoutImages()
		snapshot.LastMessage = &stripped
	}

	c.JSON(http.StatusOK, snapshot)
}

func (h *SessionHandler) GetReport(c *gin.Context) {
	snapshot := h.session.Snapshot()
	if snapshot.LastMessage == nil {
		c.Status(http.StatusNoContent)
		return
	}

	report := snapshot.LastMessage.Report
	c.JSON(http.StatusOK, gin.H{
		"reporte_json": report,
		"alertas":      report.Alerts(),
		"error":        snapshot.LastMessage.Error,
	})
}

func (h *SessionHandler) Connect(c *gin.Context) {
	err := h.session.Connect(c.Request.Context())
	snapshot := h.session.Snapshot()

	switch {
	case errors.Is(err, stream.ErrNoToken):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": snapshot.LastError,
			"state": snapshot.State,
		})
		return
	case errors.Is(err, stream.ErrAlreadyConnected), errors.Is(err, stream.ErrClosed):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
			"state": snapshot.State,
		})
		return
	case err != nil:
		// The stream retries on its own; the failure shows in the snapshot.
		h.logger.Warn("Stream connect attempt failed", zap.Error(err))
	}

	c.JSON(http.StatusAccepted, gin.H{
		"state":              snapshot.State,
		"reconnect_attempts": snapshot.ReconnectAttempts,
		"last_error":         snapshot.LastError,
	})
}

func (h *SessionHandler) Disconnect(c *gin.Context) {
	h.session.Disconnect()
	c.JSON(http.StatusOK, gin.H{"state": h.session.Snapshot().State})
}

func (h *SessionHandler) PushFrame(c *gin.Context) {
	var request FrameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Debug("Invalid frame request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	err := h.session.SendFrame(request.Frame)
	switch {
	case errors.Is(err, stream.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": h.session.Snapshot().LastError,
		})
		return
	case err != nil:
		h.logger.Warn("Failed to push frame", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to send frame"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}
