// Package control exposes the manual override channel over HTTP.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OverrideRequest is the body of POST /v1/overrides.
type OverrideRequest struct {
	StudentID string `json:"student_id" binding:"required,max=64"`
	Status    string `json:"status" binding:"required,oneof=present sleepy absent"`
}

type envelope struct {
	Ok    bool    `json:"ok"`
	Data  any     `json:"data,omitempty"`
	Error *apiErr `json:"error,omitempty"`
}

type apiErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func success(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Ok: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string, details any) {
	c.JSON(status, envelope{Ok: false, Error: &apiErr{Code: code, Message: message, Details: details}})
}

// Server forwards overrides to the session runner and relays its answer. It
// rejects overrides until Open and after Close.
type Server struct {
	log          *zap.Logger
	router       *gin.Engine
	overrides    chan pipeline.OverrideRequest
	open         atomic.Bool
	done         chan struct{}
	closeOnce    sync.Once
	replyTimeout time.Duration
	session      atomic.Value // string
}

func NewServer(log *zap.Logger) *Server {
	s := &Server{
		log:          log,
		overrides:    make(chan pipeline.OverrideRequest),
		done:         make(chan struct{}),
		replyTimeout: 5 * time.Second,
	}
	s.session.Store("")

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.GET("/healthz", s.health)
	r.POST("/v1/overrides", s.postOverride)
	s.router = r
	return s
}

// Overrides is the channel the runner reads from.
func (s *Server) Overrides() <-chan pipeline.OverrideRequest { return s.overrides }

// Open starts accepting overrides for the named session.
func (s *Server) Open(key string) {
	s.session.Store(key)
	s.open.Store(true)
}

// Close stops accepting overrides and releases handlers waiting on the runner.
func (s *Server) Close() {
	s.open.Store(false)
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("override channel listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("control server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control server shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	success(c, http.StatusOK, gin.H{
		"accepting_overrides": s.open.Load(),
		"session":             s.session.Load(),
	})
}

func (s *Server) postOverride(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid override", validationDetails(err))
		return
	}
	if !s.open.Load() {
		fail(c, http.StatusServiceUnavailable, "SESSION_CLOSED", "no session is accepting overrides", nil)
		return
	}

	reply := make(chan error, 1)
	msg := pipeline.OverrideRequest{StudentID: req.StudentID, Status: session.Status(req.Status), Reply: reply}

	timer := time.NewTimer(s.replyTimeout)
	defer timer.Stop()

	select {
	case s.overrides <- msg:
	case <-s.done:
		fail(c, http.StatusServiceUnavailable, "SESSION_CLOSED", "session closed", nil)
		return
	case <-timer.C:
		fail(c, http.StatusServiceUnavailable, "BUSY", "session did not accept the override in time", nil)
		return
	case <-c.Request.Context().Done():
		return
	}

	var err error
	select {
	case err = <-reply:
	case <-timer.C:
		fail(c, http.StatusServiceUnavailable, "BUSY", "session did not answer in time", nil)
		return
	}

	if err != nil {
		status, code := statusFor(err)
		fail(c, status, code, err.Error(), nil)
		return
	}
	success(c, http.StatusAccepted, req)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrUnknownStudent):
		return http.StatusNotFound, "UNKNOWN_STUDENT"
	case errors.Is(err, session.ErrOverrideLocked):
		return http.StatusConflict, "OVERRIDE_LOCKED"
	case errors.Is(err, session.ErrInvalidStatus):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, session.ErrFinalized):
		return http.StatusConflict, "SESSION_FINALIZED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

var jsonFields = map[string]string{"StudentID": "student_id", "Status": "status"}

// validationDetails turns validator errors into field -> rule pairs.
func validationDetails(err error) any {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[jsonFields[fe.Field()]] = rule
	}
	return out
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.New().String()
		}
		c.Header("X-Request-ID", rid)

		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("request_id", rid),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
