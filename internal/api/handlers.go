package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"edgecopilot/internal/auth"
	"edgecopilot/internal/config"
	"edgecopilot/internal/models"
	"edgecopilot/internal/redis"
	"edgecopilot/internal/service/run"
	"edgecopilot/internal/storage"
)

// Runner executes one chat completion run.
type Runner interface {
	Run(ctx context.Context, req run.Request) *run.Response
}

// RunLookup resolves a run id handed out by a previous completion.
type RunLookup interface {
	Lookup(ctx context.Context, runID string) (models.Run, error)
}

// FeedbackStore persists user verdicts next to the traces.
type FeedbackStore interface {
	SaveFeedback(ctx context.Context, database, table string, entry storage.FeedbackEntry) error
}

// Handler wires HTTP routes to the run service, auth and feedback storage.
type Handler struct {
	runner        Runner
	auth          *auth.Service
	runs          RunLookup
	feedback      FeedbackStore
	feedbackDB    string
	feedbackTable string
	limiter       *ipLimiter
	now           func() time.Time
}

// NewHandler constructs a Handler instance. runs and feedback may be nil, in
// which case /feedback answers 503.
func NewHandler(cfg *config.Config, runner Runner, authService *auth.Service, runs RunLookup, feedback FeedbackStore) *Handler {
	configureBinding()
	return &Handler{
		runner:        runner,
		auth:          authService,
		runs:          runs,
		feedback:      feedback,
		feedbackDB:    cfg.Trace.Database,
		feedbackTable: cfg.Trace.Table + "_feedback",
		limiter:       newIPLimiter(cfg.BasicConfig.RateLimitRPS, cfg.BasicConfig.RateLimitBurst),
		now:           time.Now,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(cors(), methodFilter(), preflight(), h.limiter.middleware())

	router.POST("/auth", h.authenticate)

	protected := router.Group("/")
	protected.Use(h.auth.Middleware())
	{
		protected.POST("/chat/completions", h.chatCompletions)
		protected.POST("/feedback", h.submitFeedback)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// authenticate exchanges the bearer password for a signed session token.
func (h *Handler) authenticate(c *gin.Context) {
	if err := h.auth.ValidatePassword(h.auth.ExtractBearer(c)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid token"})
		return
	}
	token, err := h.auth.SignUser()
	if err != nil {
		log.Printf("[api] sign session token: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
}

func (h *Handler) chatCompletions(c *gin.Context) {
	var req chatRequest
	if !h.bind(c, &req) {
		return
	}

	resp := h.runner.Run(c.Request.Context(), run.Request{
		Messages:  req.Messages,
		SessionID: req.SessionID,
		Stream:    req.Stream,
		Options:   req.callOptions(),
	})
	if !resp.Success {
		c.JSON(http.StatusInternalServerError, gin.H{"error": resp.Error})
		return
	}
	if resp.Stream != nil {
		h.writeStream(c, resp.RunID, resp.Stream)
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(resp.Body))
}

// writeStream copies the completion stream to the client, flushing after
// every read so frames leave as soon as they are produced.
func (h *Handler) writeStream(c *gin.Context, runID string, body io.ReadCloser) {
	defer body.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				debugLog("[api] %s: client went away: %v", runID, werr)
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[api] %s: stream aborted: %v", runID, err)
			}
			return
		}
	}
}

func (h *Handler) submitFeedback(c *gin.Context) {
	var req feedbackRequest
	if !h.bind(c, &req) {
		return
	}
	if h.runs == nil || h.feedback == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feedback is not enabled"})
		return
	}

	ctx := c.Request.Context()
	r, err := h.runs.Lookup(ctx, req.RunID)
	if err != nil {
		if errors.Is(err, redis.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		log.Printf("[api] lookup run %s: %v", req.RunID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up run"})
		return
	}

	userID, _ := auth.UserIDFromContext(c)
	entry := storage.FeedbackEntry{
		RunID:     r.ID,
		SessionID: r.SessionID,
		UserID:    userID,
		Rating:    req.Feedback,
		Comments:  req.Comments,
		CreatedAt: h.now().UTC(),
	}
	if err := h.feedback.SaveFeedback(ctx, h.feedbackDB, h.feedbackTable, entry); err != nil {
		log.Printf("[api] save feedback for %s: %v", req.RunID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save feedback"})
		return
	}
	c.Status(http.StatusNoContent)
}

// bind decodes and validates the JSON body into dst, writing the 400
// response itself on failure.
func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "issues": issuesFrom(err)})
		return false
	}
	return true
}
