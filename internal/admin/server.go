// Package admin exposes in-limbo transaction inspection and resolution over
// HTTP for operators.
package admin

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/xaconn/internal/recoverylog"
	"github.com/Aidin1998/xaconn/internal/xa"
	"github.com/Aidin1998/xaconn/internal/xid"
	apperrors "github.com/Aidin1998/xaconn/pkg/errors"
)

var tracer = otel.Tracer("xaconn/admin")

// Coordinator resolves in-limbo transactions; *xa.Factory implements it.
type Coordinator interface {
	ListInLimbo(ctx context.Context) ([]xa.InLimboTransaction, error)
	NotifyCommit(ctx context.Context, x xid.Xid, onePhase bool) error
	NotifyRollback(ctx context.Context, x xid.Xid) error
	Forget(ctx context.Context, x xid.Xid) error
}

// EventLister reads the recovery audit trail; *recoverylog.Store implements it.
type EventLister interface {
	List(ctx context.Context, f recoverylog.Filter) ([]recoverylog.Event, error)
}

type Options struct {
	AllowedOrigins []string
	// Events is optional; without it /api/v1/xa/events answers 404.
	Events EventLister
	// HealthCheck, when set, makes /health report 503 on failure.
	HealthCheck func(ctx context.Context) error
}

// Server is the admin HTTP surface.
type Server struct {
	router    *gin.Engine
	coord     Coordinator
	events    EventLister
	health    func(ctx context.Context) error
	validator *validator.Validate
	logger    *zap.Logger
}

// NewServer builds the router for coord.
func NewServer(coord Coordinator, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coord:     coord,
		events:    opts.Events,
		health:    opts.HealthCheck,
		validator: validator.New(),
		logger:    logger,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(traceRequests())

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1/xa")
	{
		v1.GET("/in-limbo", s.listInLimbo)
		v1.POST("/in-limbo/commit", s.commitInLimbo)
		v1.POST("/in-limbo/rollback", s.rollbackInLimbo)
		v1.POST("/forget", s.forget)
		v1.GET("/events", s.listEvents)
	}
}

func traceRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type xidRequest struct {
	FormatID *int32 `json:"format_id" validate:"required"`
	GlobalID string `json:"global_id" validate:"required,hexadecimal,max=128"`
	BranchID string `json:"branch_id" validate:"omitempty,hexadecimal,max=128"`
}

type inLimboResponse struct {
	Xid      string `json:"xid"`
	FormatID int32  `json:"format_id"`
	GlobalID string `json:"global_id"`
	BranchID string `json:"branch_id"`
	NativeID int64  `json:"native_id"`
}

func (s *Server) listInLimbo(c *gin.Context) {
	txs, err := s.coord.ListInLimbo(c.Request.Context())
	if err != nil {
		s.problem(c, err)
		return
	}
	out := make([]inLimboResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, inLimboResponse{
			Xid:      tx.Xid.String(),
			FormatID: tx.Xid.FormatID(),
			GlobalID: hex.EncodeToString(tx.Xid.GlobalID()),
			BranchID: hex.EncodeToString(tx.Xid.BranchID()),
			NativeID: tx.NativeID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

func (s *Server) commitInLimbo(c *gin.Context) {
	s.complete(c, "committed", func(ctx context.Context, x xid.Xid) error {
		return s.coord.NotifyCommit(ctx, x, false)
	})
}

func (s *Server) rollbackInLimbo(c *gin.Context) {
	s.complete(c, "rolled_back", s.coord.NotifyRollback)
}

func (s *Server) forget(c *gin.Context) {
	s.complete(c, "forgotten", s.coord.Forget)
}

func (s *Server) complete(c *gin.Context, status string, fn func(context.Context, xid.Xid) error) {
	x, ok := s.bindXid(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), x); err != nil {
		s.problem(c, err)
		return
	}
	s.logger.Info("Resolved transaction branch", zap.String("xid", x.String()), zap.String("status", status))
	c.JSON(http.StatusOK, gin.H{"xid": x.String(), "status": status})
}

func (s *Server) listEvents(c *gin.Context) {
	if s.events == nil {
		s.writeProblem(c, apperrors.NewNotFoundError("recovery audit log is disabled", c.Request.URL.Path))
		return
	}
	filter := recoverylog.Filter{
		GlobalID: c.Query("global_id"),
		Action:   c.Query("action"),
		Limit:    100,
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeProblem(c, apperrors.NewValidationError("limit must be a positive integer", c.Request.URL.Path))
			return
		}
		filter.Limit = limit
	}
	events, err := s.events.List(c.Request.Context(), filter)
	if err != nil {
		s.writeProblem(c, apperrors.NewInternalError(err.Error(), c.Request.URL.Path))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) bindXid(c *gin.Context) (xid.Xid, bool) {
	instance := c.Request.URL.Path
	var req xidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeProblem(c, apperrors.NewValidationError("invalid request body", instance))
		return xid.Xid{}, false
	}
	if err := s.validator.Struct(&req); err != nil {
		s.writeProblem(c, apperrors.NewValidationError("invalid transaction id", instance).
			WithValidationErrors(validationErrors(err)))
		return xid.Xid{}, false
	}
	gtrid, err := hex.DecodeString(req.GlobalID)
	if err != nil {
		s.writeProblem(c, apperrors.NewValidationError("global_id is not valid hex", instance))
		return xid.Xid{}, false
	}
	bqual, err := hex.DecodeString(req.BranchID)
	if err != nil {
		s.writeProblem(c, apperrors.NewValidationError("branch_id is not valid hex", instance))
		return xid.Xid{}, false
	}
	x, err := xid.New(*req.FormatID, gtrid, bqual)
	if err != nil {
		s.writeProblem(c, apperrors.NewValidationError(err.Error(), instance))
		return xid.Xid{}, false
	}
	return x, true
}

func validationErrors(err error) []apperrors.ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}
	out := make([]apperrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apperrors.ValidationError{
			Field:   fe.Field(),
			Value:   fe.Value(),
			Message: "failed on " + fe.Tag(),
			Code:    fe.Tag(),
		})
	}
	return out
}

// problem maps an XA error onto problem details.
func (s *Server) problem(c *gin.Context, err error) {
	instance := c.Request.URL.Path
	code, isXA := xa.CodeOf(err)

	var p *apperrors.ProblemDetails
	switch {
	case !isXA:
		p = apperrors.NewBadGatewayError(err.Error(), instance)
	case code == xa.XAErrNotA:
		p = apperrors.NewNotFoundError(err.Error(), instance)
	case code == xa.XAErrProto || code == xa.XAErrDupID:
		p = apperrors.NewConflictError(err.Error(), instance)
	case code == xa.XAErrInval:
		p = apperrors.NewValidationError(err.Error(), instance)
	case code.IsHeuristic():
		p = apperrors.NewHeuristicOutcomeError(err.Error(), instance)
	default:
		p = apperrors.NewBadGatewayError(err.Error(), instance)
	}
	if isXA {
		p.WithExtra("xa_code", int(code)).WithExtra("xa_error", code.String())
	}
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.String("path", instance), zap.Error(err))
	}
	s.writeProblem(c, p)
}

func (s *Server) writeProblem(c *gin.Context, p *apperrors.ProblemDetails) {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		p.WithTraceID(sc.TraceID().String())
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.Status, p)
}
