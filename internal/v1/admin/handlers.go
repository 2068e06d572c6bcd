package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/RoseWrightdev/vrlink/internal/v1/dispatch"
	"github.com/RoseWrightdev/vrlink/internal/v1/game"
	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/store"
	"github.com/RoseWrightdev/vrlink/internal/v1/transport"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxMatchesLimit caps /api/matches?limit.
const maxMatchesLimit = 500

// StatusReport is the body of GET /api/status.
type StatusReport struct {
	Link           transport.Status   `json:"link"`
	StatusText     string             `json:"statusText"`
	Mode           types.GameMode     `json:"mode"`
	Quality        int                `json:"quality"`
	QueueDepth     int                `json:"queueDepth"`
	QueueCapacity  int                `json:"queueCapacity"`
	FramesCaptured uint64             `json:"framesCaptured"`
	FramesSkipped  uint64             `json:"framesSkipped"`
	FramesEvicted  uint64             `json:"framesEvicted"`
	AvgFrameBytes  float64            `json:"avgFrameBytes"`
	Scores         game.Scores        `json:"scores"`
	TimerRunning   bool               `json:"timerRunning"`
	TimerRemaining string             `json:"timerRemaining"`
	PanTarget      *game.Vec2         `json:"panTarget,omitempty"`
	Shots          uint64             `json:"shots"`
	LastMatch      *types.MatchResult `json:"lastMatch,omitempty"`
}

// Controller is the game-facing side of the host. Status must be safe from
// any goroutine; the other methods are only called on the update loop.
type Controller interface {
	Status() StatusReport
	AddScore(ctx context.Context, side string, points int)
	ResetScores(ctx context.Context)
	StartTimer(ctx context.Context)
	ApplyMode(ctx context.Context, mode types.GameMode)
	DisconnectTablet(ctx context.Context)
}

// MatchLister serves match history.
type MatchLister interface {
	RecentMatches(ctx context.Context, limit int) ([]types.MatchResult, error)
}

type handlers struct {
	ctrl       Controller
	matches    MatchLister
	dispatcher *dispatch.Dispatcher
}

// ScoreRequest is the body of POST /api/score.
type ScoreRequest struct {
	Side   string `json:"side" binding:"required,oneof=chef soldado vr"`
	Points int    `json:"points"`
}

// ModeRequest is the body of POST /api/mode.
type ModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Status())
}

func (h *handlers) listMatches(c *gin.Context) {
	if h.matches == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "match history disabled"})
		return
	}

	limit := store.DefaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxMatchesLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	matches, err := h.matches.RecentMatches(c.Request.Context(), limit)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to list matches", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list matches"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

func (h *handlers) addScore(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueue(c, "score", func(ctx context.Context) { h.ctrl.AddScore(ctx, req.Side, req.Points) })
}

func (h *handlers) resetScores(c *gin.Context) {
	h.enqueue(c, "score_reset", h.ctrl.ResetScores)
}

func (h *handlers) startTimer(c *gin.Context) {
	h.enqueue(c, "timer_start", h.ctrl.StartTimer)
}

func (h *handlers) setMode(c *gin.Context) {
	var req ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := types.ParseGameMode(req.Mode)
	if err != nil || !mode.Playable() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be Chef or Soldado"})
		return
	}
	h.enqueue(c, "mode", func(ctx context.Context) { h.ctrl.ApplyMode(ctx, mode) })
}

func (h *handlers) disconnect(c *gin.Context) {
	h.enqueue(c, "disconnect", h.ctrl.DisconnectTablet)
}

// enqueue hands job to the update loop and answers 202. The request's
// correlation id follows the job into the loop's logs.
func (h *handlers) enqueue(c *gin.Context, action string, job dispatch.Job) {
	cid, _ := c.Request.Context().Value(logging.CorrelationIDKey).(string)
	ok := h.dispatcher.Enqueue(func(ctx context.Context) {
		if cid != "" {
			ctx = context.WithValue(ctx, logging.CorrelationIDKey, cid)
		}
		logging.Info(ctx, "Admin action", zap.String("action", action))
		job(ctx)
	})
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "host is shutting down"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "action": action})
}
