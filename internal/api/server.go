// Package api exposes the workflow manager over HTTP: the management API
// (register, list, describe, unregister, history) and workflow inference.
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"workflow-manager/internal/common/errors"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/workflow"
)

const requestIDHeader = "X-Request-ID"

// WorkflowService is the operation surface served by the router.
type WorkflowService interface {
	RegisterWorkflow(ctx context.Context, name, url string, timeout int, synchronous bool) *errors.StatusResponse
	UnregisterWorkflow(ctx context.Context, name string) error
	ListWorkflows() []*workflow.Graph
	GetWorkflow(name string) (*workflow.Graph, bool)
	Predict(ctx context.Context, name string, req *workflow.Payload) (*workflow.Payload, error)
}

// HistoryReader lists past lifecycle events of a workflow.
type HistoryReader interface {
	List(ctx context.Context, name string, limit int) ([]workflow.Event, error)
}

// Options carries request defaults and the readiness probe.
type Options struct {
	ResponseTimeout int
	Synchronous     bool
	MaxBodyBytes    int64
	Ready           func(ctx context.Context) error
}

type handler struct {
	svc     WorkflowService
	history HistoryReader
	opts    Options
	logger  logger.Logger
}

// NewRouter builds the gin engine. history may be nil, in which case the
// history endpoint answers 503.
func NewRouter(svc WorkflowService, history HistoryReader, opts Options, log logger.Logger) *gin.Engine {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 32 << 20
	}
	h := &handler{
		svc:     svc,
		history: history,
		opts:    opts,
		logger:  log.WithFields(map[string]interface{}{"component": "api"}),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(h.requestLogger())

	r.GET("/health", h.health)
	r.GET("/ready", h.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wf := r.Group("/workflows")
	{
		wf.POST("", h.registerWorkflow)
		wf.GET("", h.listWorkflows)
		wf.GET("/:name", h.describeWorkflow)
		wf.DELETE("/:name", h.unregisterWorkflow)
		wf.GET("/:name/history", h.workflowHistory)
	}
	r.POST("/wfpredict/:name", h.predict)

	return r
}

func (h *handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Next()

		h.logger.Debug("request served", map[string]interface{}{
			"requestId": id,
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"duration":  time.Since(start).String(),
		})
	}
}

func sendStatus(c *gin.Context, resp *errors.StatusResponse) {
	c.JSON(resp.Code, resp)
}

func sendError(c *gin.Context, err error) {
	sendStatus(c, errors.FromError(err))
}

func badRequest(c *gin.Context, msg string) {
	sendStatus(c, &errors.StatusResponse{Code: http.StatusBadRequest, Message: msg})
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().Format(time.RFC3339)})
}

func (h *handler) ready(c *gin.Context) {
	if h.opts.Ready != nil {
		if err := h.opts.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "time": time.Now().Format(time.RFC3339)})
}

func (h *handler) registerWorkflow(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		badRequest(c, "Parameter url is required.")
		return
	}

	timeout := h.opts.ResponseTimeout
	if raw := c.Query("response_timeout"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "Parameter response_timeout must be a positive integer.")
			return
		}
		timeout = n
	}

	synchronous := h.opts.Synchronous
	if raw := c.Query("synchronous"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "Parameter synchronous must be a boolean.")
			return
		}
		synchronous = b
	}

	sendStatus(c, h.svc.RegisterWorkflow(c.Request.Context(), c.Query("workflow_name"), url, timeout, synchronous))
}

func (h *handler) listWorkflows(c *gin.Context) {
	graphs := h.svc.ListWorkflows()
	out := make([]workflow.Description, 0, len(graphs))
	for _, g := range graphs {
		out = append(out, g.Describe())
	}
	c.JSON(http.StatusOK, gin.H{"workflows": out})
}

func (h *handler) describeWorkflow(c *gin.Context) {
	g, ok := h.svc.GetWorkflow(c.Param("name"))
	if !ok {
		sendError(c, errors.NewWorkflowNotFoundError(c.Param("name")))
		return
	}
	c.JSON(http.StatusOK, g.Describe())
}

func (h *handler) unregisterWorkflow(c *gin.Context) {
	name := c.Param("name")
	if err := h.svc.UnregisterWorkflow(c.Request.Context(), name); err != nil {
		sendError(c, err)
		return
	}
	sendStatus(c, errors.NewStatusResponse("Workflow \""+name+"\" unregistered"))
}

func (h *handler) workflowHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "status": "history store is not configured"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "Parameter limit must be a positive integer.")
			return
		}
		limit = n
	}

	events, err := h.history.List(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		h.logger.Error("history query failed", map[string]interface{}{"workflow": c.Param("name"), "error": err.Error()})
		sendError(c, errors.NewInternalError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": c.Param("name"), "events": events})
}

func (h *handler) predict(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.opts.MaxBodyBytes))
	if err != nil {
		sendError(c, errors.NewInternalError(err))
		return
	}

	out, err := h.svc.Predict(c.Request.Context(), c.Param("name"), &workflow.Payload{
		ContentType: c.ContentType(),
		Body:        body,
	})
	if err != nil {
		sendError(c, err)
		return
	}

	contentType := out.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, out.Body)
}
