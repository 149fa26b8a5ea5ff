package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cdpgateway/internal/cdp"
	"cdpgateway/internal/ctxkeys"
	"cdpgateway/internal/logger"
	"cdpgateway/internal/service"
	"cdpgateway/pkg/api"
	"cdpgateway/pkg/model"
)

const (
	maxBodyBytes    = 4 << 20
	requestIDHeader = "X-Request-Id"
)

// Server HTTP 路由
type Server struct {
	svc api.Service
	log logger.Logger
	mux *http.ServeMux
}

// ErrorResponse 错误响应体
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type targetRequest struct {
	Target    model.TargetID  `json:"target"`
	SessionID model.SessionID `json:"sessionId,omitempty"`
}

type commandRequest struct {
	targetRequest
	Params json.RawMessage `json:"params,omitempty"`
}

type interceptRequest struct {
	targetRequest
	model.InjectionSpec
}

type resolveRequest struct {
	URL string `json:"url"`
}

type resolveResponse struct {
	URL string `json:"url"`
}

// New 创建路由
func New(svc api.Service, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Server{svc: svc, log: l, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /connection", s.handleAddConnection)
	s.mux.HandleFunc("DELETE /connection", s.handleRemoveConnection)
	s.mux.HandleFunc("GET /connections", s.handleListConnections)

	s.mux.HandleFunc("POST /command/{method}", s.handleCommand)

	s.mux.HandleFunc("POST /event/{method}/record", s.handleStartRecording)
	s.mux.HandleFunc("DELETE /event/{method}/record", s.handleStopRecording)
	s.mux.HandleFunc("POST /event/{method}", s.handleReadEvents)

	s.mux.HandleFunc("POST /intercept", s.handleStartIntercept)
	s.mux.HandleFunc("DELETE /intercept", s.handleStopIntercept)
	s.mux.HandleFunc("GET /intercepts", s.handleListIntercepts)

	s.mux.HandleFunc("POST /get-devtools-version-json", s.handleVersion)
	s.mux.HandleFunc("POST /list-targets", s.handleListTargets)
	s.mux.HandleFunc("POST /resolve-debugger-url", s.handleResolveDebuggerURL)
}

// Handler 返回带请求 ID 与访问日志的处理器
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.mux)
}

// withRequestID 为每个请求生成追踪 ID 并记录访问日志
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r.WithContext(ctxkeys.WithTraceID(r.Context(), id)))
		s.log.Debug("HTTP 请求",
			"trace_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"elapsed", time.Since(start).String(),
		)
	})
}

// loggingResponseWriter 记录响应状态码
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleAddConnection(w http.ResponseWriter, r *http.Request) {
	var req model.ConnectOptions
	if !decode(w, r, &req) {
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "target is required")
		return
	}
	if err := s.svc.AddConnection(r.Context(), req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"target": req.Target})
}

func (s *Server) handleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decodeTarget(w, r, &req) {
		return
	}
	if err := s.svc.RemoveConnection(req.Target); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListConnections())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	domain, command, ok := splitMethod(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if !decodeTarget(w, r, &req) {
		return
	}
	res, err := s.svc.ExecuteCommand(r.Context(), req.Target, domain, command, req.Params, req.SessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(res) == 0 {
		res = json.RawMessage("{}")
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	s.eventOp(w, r, s.svc.StartRecording)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	s.eventOp(w, r, s.svc.StopRecording)
}

func (s *Server) eventOp(w http.ResponseWriter, r *http.Request, op func(model.TargetID, string, string, model.SessionID) error) {
	domain, event, ok := splitMethod(w, r)
	if !ok {
		return
	}
	var req targetRequest
	if !decodeTarget(w, r, &req) {
		return
	}
	if err := op(req.Target, domain, event, req.SessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadEvents(w http.ResponseWriter, r *http.Request) {
	domain, event, ok := splitMethod(w, r)
	if !ok {
		return
	}
	var req targetRequest
	if !decodeTarget(w, r, &req) {
		return
	}
	events, err := s.svc.ReadEvents(req.Target, domain, event, req.SessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStartIntercept(w http.ResponseWriter, r *http.Request) {
	var req interceptRequest
	if !decodeTarget(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
		return
	}
	if err := s.svc.StartIntercept(r.Context(), req.Target, req.SessionID, req.InjectionSpec); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopIntercept(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decodeTarget(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
		return
	}
	if err := s.svc.StopIntercept(r.Context(), req.Target, req.SessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIntercepts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := s.svc.ListIntercepts(r.Context(), model.TargetID(q.Get("target")), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	var req model.ConnectOptions
	if !decodeEndpoint(w, r, &req) {
		return
	}
	v, err := s.svc.DevToolsVersion(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	var req model.ConnectOptions
	if !decodeEndpoint(w, r, &req) {
		return
	}
	targets, err := s.svc.ListTargets(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (s *Server) handleResolveDebuggerURL(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	u, err := s.svc.ResolveDebuggerURL(r.Context(), req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{URL: u})
}

// fail 将错误映射为 HTTP 状态码
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("请求处理失败", "trace_id", ctxkeys.TraceID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, cdp.ErrUnknownTarget):
		return http.StatusNotFound, "unknown_target"
	case errors.Is(err, cdp.ErrDuplicateTarget):
		return http.StatusConflict, "duplicate_target"
	case errors.Is(err, cdp.ErrConnectFailed):
		return http.StatusBadGateway, "connect_failed"
	case errors.Is(err, cdp.ErrCommandTimeout):
		return http.StatusGatewayTimeout, "command_timeout"
	case errors.Is(err, cdp.ErrCommandFailed):
		return http.StatusBadGateway, "command_failed"
	case errors.Is(err, cdp.ErrConnectionClosed):
		return http.StatusGone, "connection_closed"
	case errors.Is(err, service.ErrAuditDisabled):
		return http.StatusNotImplemented, "audit_disabled"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

// splitMethod 从路径中拆出 Domain 与 command
func splitMethod(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	method := r.PathValue("method")
	domain, name, ok := strings.Cut(method, ".")
	if !ok || domain == "" || name == "" {
		writeError(w, http.StatusBadRequest, "invalid_method", fmt.Sprintf("method %q must be Domain.name", method))
		return "", "", false
	}
	return domain, name, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is required")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

type targeted interface {
	target() model.TargetID
}

func (t targetRequest) target() model.TargetID { return t.Target }

func decodeTarget(w http.ResponseWriter, r *http.Request, v targeted) bool {
	if !decode(w, r, v) {
		return false
	}
	if v.target() == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "target is required")
		return false
	}
	return true
}

func decodeEndpoint(w http.ResponseWriter, r *http.Request, opts *model.ConnectOptions) bool {
	if !decode(w, r, opts) {
		return false
	}
	if opts.Host == "" || opts.Port <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "host and port are required")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, ErrorResponse{Error: errCode, Message: message})
}
