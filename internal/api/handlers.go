package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/common/errors"
	"github.com/agentrunner/agentrunner/internal/common/logger"
	"github.com/agentrunner/agentrunner/internal/dispatcher"
	"github.com/agentrunner/agentrunner/internal/memory"
	"github.com/agentrunner/agentrunner/internal/orchestrator"
	"github.com/agentrunner/agentrunner/internal/runner"
)

// Executor is the subset of *orchestrator.Orchestrator the HTTP façade
// depends on.
type Executor interface {
	ExecuteOnce(ctx context.Context, job orchestrator.Job) (orchestrator.Result, error)
	IterateToCompletion(ctx context.Context, job orchestrator.Job) (orchestrator.Result, error)
	ActiveJobCount() int
}

// ConversationMinter is the subset of memory.Store the /conversation/new
// handler depends on.
type ConversationMinter interface {
	ForceNewConversation(ctx context.Context) (memory.ConversationID, error)
}

// QueueReporter is the subset of *runner.Runner the /health handler depends
// on.
type QueueReporter interface {
	QueueStatus() runner.QueueStatus
}

// Handler holds the HTTP handlers for the service's operations, mirroring
// a concrete-collaborators-at-construction Handler shape: injected at
// construction, one method per route.
type Handler struct {
	orchestrator Executor
	dispatcher   *dispatcher.Dispatcher
	memory       ConversationMinter
	queue        QueueReporter
	logger       *logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(o Executor, d *dispatcher.Dispatcher, m ConversationMinter, q QueueReporter, log *logger.Logger) *Handler {
	return &Handler{
		orchestrator: o,
		dispatcher:   d,
		memory:       m,
		queue:        q,
		logger:       log.WithFields(zap.String("component", "api")),
	}
}

func jobFromRequest(req ExecuteRequest) orchestrator.Job {
	return orchestrator.Job{
		Prompt:         req.Prompt,
		Repository:     req.Repository,
		BranchName:     req.BranchName,
		ConversationID: req.ConversationID,
		CallbackURL:    req.CallbackURL,
	}
}

// Execute handles POST /execute.
func (h *Handler) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.orchestrator.ExecuteOnce(c.Request.Context(), jobFromRequest(req))
	h.respondSync(c, result, err)
}

// ExecuteAsync handles POST /execute/async: accepts immediately, delivers
// the Result to callbackURL once it is ready.
func (h *Handler) ExecuteAsync(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.CallbackURL == "" {
		appErr := errors.BadRequest("callbackUrl is required for async execution")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.respondAccepted(c)
	go h.runAndDispatch(req.CallbackURL, func(ctx context.Context) (orchestrator.Result, error) {
		return h.orchestrator.ExecuteOnce(ctx, jobFromRequest(req))
	})
}

// Iterate handles POST /iterate.
func (h *Handler) Iterate(c *gin.Context) {
	var req IterateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	job := jobFromRequest(req.ExecuteRequest)
	job.MaxIterations = req.MaxIterations

	result, err := h.orchestrator.IterateToCompletion(c.Request.Context(), job)
	h.respondSync(c, result, err)
}

// IterateAsync handles POST /iterate/async.
func (h *Handler) IterateAsync(c *gin.Context) {
	var req IterateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.CallbackURL == "" {
		appErr := errors.BadRequest("callbackUrl is required for async iteration")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	job := jobFromRequest(req.ExecuteRequest)
	job.MaxIterations = req.MaxIterations

	h.respondAccepted(c)
	go h.runAndDispatch(req.CallbackURL, func(ctx context.Context) (orchestrator.Result, error) {
		return h.orchestrator.IterateToCompletion(ctx, job)
	})
}

// NewConversation handles POST /conversation/new.
func (h *Handler) NewConversation(c *gin.Context) {
	id, err := h.memory.ForceNewConversation(c.Request.Context())
	if err != nil {
		appErr := errors.InternalError("minting conversation id", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": string(id)})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	status := h.queue.QueueStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"queue":      status,
		"activeJobs": h.orchestrator.ActiveJobCount(),
	})
}

func (h *Handler) respondSync(c *gin.Context, result orchestrator.Result, err error) {
	if err != nil {
		appErr := errors.Wrap(err, "operation failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(dispatcher.StatusFor(result, nil), result)
}

func (h *Handler) respondAccepted(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// runAndDispatch runs op in the background (already detached from the
// originating HTTP request by the caller) and delivers its Result to
// callbackURL regardless of outcome — webhook delivery must never be
// skipped just because the operation itself errored.
func (h *Handler) runAndDispatch(callbackURL string, op func(ctx context.Context) (orchestrator.Result, error)) {
	ctx := context.Background()
	result, err := op(ctx)
	if err != nil {
		h.logger.Error("async operation failed", zap.Error(err))
		result = orchestrator.Result{Success: false, IterationError: err.Error()}
	}
	h.dispatcher.DispatchWebhook(ctx, callbackURL, result)
}
