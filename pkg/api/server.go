package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/config"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/interfaces"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readinessProbeTimeout = 2 * time.Second
	limiterIdleEviction   = 10 * time.Minute
)

// ComponentChecker probes one dependency for the readiness endpoint.
type ComponentChecker func(ctx context.Context) error

// Dependencies collects the domain surfaces the server exposes. Auth is
// the middleware that authenticates requests and attaches the user; when
// nil every tool call fails with AUTH_REQUIRED.
type Dependencies struct {
	Tasks    taskOps
	Subtasks subtaskOps
	Projects projectOps
	Contexts contextOps
	Agents   agentOps
	Tokens   tokenOps
	Hints    hintOps

	Auth         gin.HandlerFunc
	HealthChecks map[string]ComponentChecker
}

// Server hosts the tool RPC surface plus the operational endpoints.
type Server struct {
	router  *gin.Engine
	server  *http.Server
	logger  observability.Logger
	metrics observability.MetricsClient
	cfg     *config.Config
	deps    Dependencies
	limiter *clientLimiter

	taskSchema    *toolSchema
	subtaskSchema *toolSchema
	projectSchema *toolSchema
	contextSchema *toolSchema
	agentSchema   *toolSchema
	tokenSchema   *toolSchema

	requestTimeout time.Duration
}

// NewServer builds the router with its middleware chain and routes. Call
// Start to begin serving and Shutdown to drain.
func NewServer(cfg *config.Config, deps Dependencies, logger observability.Logger, metrics observability.MetricsClient) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.API.LogRequests {
		router.Use(RequestLogger(logger))
	}
	router.Use(MetricsMiddleware(metrics))
	if cfg.API.EnableCORS {
		router.Use(CORSMiddleware())
	}

	perSecond := float64(cfg.Auth.RateLimitPerMinute) / 60
	if perSecond <= 0 {
		perSecond = 100.0 / 60
	}
	burst := cfg.Auth.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}
	limiter := newClientLimiter(perSecond, burst)
	router.Use(RateLimitMiddleware(limiter, metrics))

	timeout := cfg.API.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	s := &Server{
		router:  router,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		deps:    deps,
		limiter: limiter,

		taskSchema:    newTaskSchema(),
		subtaskSchema: newSubtaskSchema(),
		projectSchema: newProjectSchema(),
		contextSchema: newContextSchema(),
		agentSchema:   newAgentSchema(),
		tokenSchema:   newTokenSchema(),

		requestTimeout: timeout,
		server: &http.Server{
			Addr:         cfg.API.ListenAddress,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
			IdleTimeout:  cfg.API.IdleTimeout,
		},
	}
	s.server.Handler = router
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readyHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	if s.deps.Auth != nil {
		v1.Use(s.deps.Auth)
	}

	v1.GET("/tools", s.listToolsHandler)

	tools := v1.Group("/tools")
	tools.POST("/manage_task", s.handleTool(s.taskSchema, s.taskAction))
	tools.POST("/manage_subtask", s.handleTool(s.subtaskSchema, s.subtaskAction))
	tools.POST("/manage_project", s.handleTool(s.projectSchema, s.projectAction))
	tools.POST("/manage_context", s.handleTool(s.contextSchema, s.contextAction))
	tools.POST("/manage_agent", s.handleTool(s.agentSchema, s.agentAction))
	tools.POST("/manage_token", s.handleTool(s.tokenSchema, s.tokenAction))
}

// actionFunc executes one tool action. body is the raw request for typed
// binding; raw answers field-presence questions.
type actionFunc func(ctx context.Context, action string, body []byte, raw rawRequest) (interface{}, *Guidance, error)

// clientInfoKey carries the caller's network identity to actions that
// audit credential checks.
type clientInfoKey struct{}

func clientInfoFrom(ctx context.Context) auth.ClientInfo {
	info, _ := ctx.Value(clientInfoKey{}).(auth.ClientInfo)
	return info
}

// handleTool runs the shared request pipeline: decode, action check,
// authorization, schema types, required fields, then the action itself
// under the request deadline.
func (s *Server) handleTool(ts *toolSchema, invoke actionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			respondErr(c, ts.tool, errValidation("failed to read request body"))
			return
		}
		var raw rawRequest
		if len(body) == 0 || json.Unmarshal(body, &raw) != nil {
			respondErr(c, ts.tool, errValidation("request body must be a JSON object"))
			return
		}

		action := strings.TrimSpace(raw.str("action"))
		if action == "" {
			respondErr(c, ts.tool, errMissingField("action", "one of: "+strings.Join(ts.actions, ", "), ""))
			return
		}
		operation := ts.tool + "." + action
		if !ts.knows(action) {
			respondErr(c, operation, errUnknownAction(ts, action))
			return
		}

		user, ok := auth.UserFromGin(c)
		if !ok {
			respondErr(c, operation, mapError(interfaces.ErrAuthRequired))
			return
		}
		if err := auth.AuthorizeAction(user, ts.tool, action); err != nil {
			respondErr(c, operation, mapError(err))
			return
		}

		if te := ts.validateTypes(body); te != nil {
			respondErr(c, operation, te)
			return
		}
		if te := ts.checkRequired(action, raw); te != nil {
			respondErr(c, operation, te)
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout)
		defer cancel()
		ctx = context.WithValue(ctx, clientInfoKey{}, auth.ClientInfo{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})

		start := time.Now()
		data, guidance, err := invoke(ctx, action, body, raw)
		s.metrics.RecordHistogram("rpc_request_duration_seconds", time.Since(start).Seconds(),
			map[string]string{"tool": ts.tool, "action": action})

		if err != nil {
			te := mapError(err)
			if te.body.Code == CodeInternal && !errors.Is(err, context.DeadlineExceeded) {
				s.logger.Error("tool action failed", map[string]interface{}{
					"operation":  operation,
					"request_id": c.GetString(requestIDKey),
					"error":      err.Error(),
				})
			}
			s.metrics.IncrementCounterWithLabels("rpc_requests_total", 1,
				map[string]string{"tool": ts.tool, "action": action, "status": "error"})
			respondErr(c, operation, te)
			return
		}

		s.metrics.IncrementCounterWithLabels("rpc_requests_total", 1,
			map[string]string{"tool": ts.tool, "action": action, "status": "ok"})
		respondOK(c, data, guidance, nil)
	}
}

// listToolsHandler publishes the tool catalogue with each tool's argument
// schema, so callers can discover the surface without docs.
func (s *Server) listToolsHandler(c *gin.Context) {
	schemas := []*toolSchema{
		s.taskSchema, s.subtaskSchema, s.projectSchema,
		s.contextSchema, s.agentSchema, s.tokenSchema,
	}
	tools := make([]gin.H, 0, len(schemas))
	for _, ts := range schemas {
		tools = append(tools, gin.H{
			"name":        ts.tool,
			"description": ts.description,
			"actions":     ts.actions,
			"schema":      ts.document,
		})
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{"tools": tools}})
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "taskhub",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// readyHandler pings every registered dependency. Any failure flips the
// endpoint to 503 so the load balancer stops routing here.
func (s *Server) readyHandler(c *gin.Context) {
	components := gin.H{}
	ready := true
	for name, check := range s.deps.HealthChecks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessProbeTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			components[name] = "error: " + err.Error()
			ready = false
		} else {
			components[name] = "healthy"
		}
	}
	if ready {
		c.JSON(http.StatusOK, gin.H{"status": "ready", "components": components})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "components": components})
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("api server listening", map[string]interface{}{
		"address": s.server.Addr,
	})
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// SweepLimiter evicts idle per-client rate buckets. Run it on a ticker.
func (s *Server) SweepLimiter() int {
	return s.limiter.sweep(limiterIdleEviction)
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}
