package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/connection"
	"github.com/MarcoPoloResearchLab/codestream/internal/docsync"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/execution"
	"github.com/MarcoPoloResearchLab/codestream/internal/metrics"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingSession = errors.New("session dependency required")

// Session is the view of a live room session exposed over HTTP.
type Session interface {
	State() connection.Status
	Document() docsync.RoomSnapshot
	Synced() bool
	RoomName() string
	Participants() []protocol.Participant
	Cursors() []protocol.Participant
	Running() bool
	Run(input string) (execution.PendingRun, error)
	Reconnect() error
	Subscribe(ctx context.Context) (<-chan events.Event, func())
}

type Dependencies struct {
	Session           Session
	Metrics           *metrics.Recorder
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the local status API for one session.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Session == nil {
		return nil, errMissingSession
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		session:   deps.Session,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/status", handler.handleStatus)
	router.GET("/document", handler.handleDocument)
	router.GET("/participants", handler.handleParticipants)
	router.GET("/events", handler.handleEvents)
	router.POST("/run", handler.handleRun)
	router.POST("/reconnect", handler.handleReconnect)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	session   Session
	logger    *zap.Logger
	heartbeat time.Duration
}

type statusResponsePayload struct {
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	GaveUp   bool   `json:"gave_up"`
	Synced   bool   `json:"synced"`
	Room     string `json:"room_name,omitempty"`
	Version  int64  `json:"version"`
	Running  bool   `json:"running"`
}

type documentResponsePayload struct {
	Code     string `json:"code"`
	Version  int64  `json:"version"`
	Language string `json:"language"`
	Synced   bool   `json:"synced"`
}

type participantsResponsePayload struct {
	Participants []protocol.Participant `json:"participants"`
	Cursors      []protocol.Participant `json:"cursors"`
}

type runRequestPayload struct {
	Input string `json:"input"`
}

type runResponsePayload struct {
	RunID    string `json:"run_id"`
	Language string `json:"language"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status := h.session.State()
	c.JSON(http.StatusOK, statusResponsePayload{
		State:    status.State.String(),
		Attempts: status.Attempts,
		GaveUp:   status.GaveUp,
		Synced:   h.session.Synced(),
		Room:     h.session.RoomName(),
		Version:  h.session.Document().Version,
		Running:  h.session.Running(),
	})
}

func (h *httpHandler) handleDocument(c *gin.Context) {
	document := h.session.Document()
	c.JSON(http.StatusOK, documentResponsePayload{
		Code:     document.Code,
		Version:  document.Version,
		Language: document.Language,
		Synced:   h.session.Synced(),
	})
}

func (h *httpHandler) handleParticipants(c *gin.Context) {
	response := participantsResponsePayload{
		Participants: h.session.Participants(),
		Cursors:      h.session.Cursors(),
	}
	if response.Participants == nil {
		response.Participants = []protocol.Participant{}
	}
	if response.Cursors == nil {
		response.Cursors = []protocol.Participant{}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRun(c *gin.Context) {
	var request runRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	run, err := h.session.Run(request.Input)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, execution.ErrRunPending) {
			status = http.StatusConflict
		}
		h.logger.Info("run rejected", zap.Error(err))
		c.JSON(status, gin.H{"error": errorCode(err, "run_failed")})
		return
	}
	c.JSON(http.StatusAccepted, runResponsePayload{RunID: run.ID, Language: run.Language})
}

func (h *httpHandler) handleReconnect(c *gin.Context) {
	if err := h.session.Reconnect(); err != nil {
		h.logger.Warn("manual reconnect failed", zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": errorCode(err, "reconnect_failed")})
		return
	}
	c.Status(http.StatusAccepted)
}

type codedError interface {
	Code() string
}

func errorCode(err error, fallback string) string {
	var coded codedError
	if errors.As(err, &coded) && coded.Code() != "" {
		return coded.Code()
	}
	return fallback
}
