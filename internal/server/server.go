package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"

	"github.com/hitushen/postureguard/internal/models"
	"github.com/hitushen/postureguard/internal/pipeline"
	"github.com/hitushen/postureguard/internal/realtime"
	"github.com/hitushen/postureguard/internal/store"
	"github.com/hitushen/postureguard/internal/targets"
)

// Version 通过 -ldflags 注入。
var Version = "dev"

const serviceName = "postureguard"

// ReportArchive 读取已归档的报告。
type ReportArchive interface {
	Fetch(ctx context.Context, sessionID string) (string, error)
}

// StatusInfo 是 /status 报告的部署信息。
type StatusInfo struct {
	Database       string
	Scanner        string
	ReasoningModel string // 为空表示未配置推理服务
	Archive        bool
}

// Options 汇总 Server 依赖的组件；Metrics、Archive 与 CSRFKey 可为空。
type Options struct {
	Manager *pipeline.Manager
	Store   store.SessionStore
	Broker  *realtime.Broker
	Metrics http.Handler
	Archive ReportArchive
	CSRFKey []byte
	Status  StatusInfo
	Logger  *slog.Logger

	// ChatModel 与 ChatTimeout 配置 OpenAI 兼容接口，零值使用默认值。
	ChatModel   string
	ChatTimeout time.Duration
}

// Server 负责协调 HTTP 路由与扫描会话。
type Server struct {
	manager *pipeline.Manager
	store   store.SessionStore
	broker  *realtime.Broker
	metrics http.Handler
	archive ReportArchive
	csrfKey []byte
	info    StatusInfo
	logger  *slog.Logger
	now     func() time.Time
	started time.Time

	chatModel   string
	chatTimeout time.Duration
}

// New 创建 Server。
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:     opts.Manager,
		store:       opts.Store,
		broker:      opts.Broker,
		metrics:     opts.Metrics,
		archive:     opts.Archive,
		csrfKey:     opts.CSRFKey,
		info:        opts.Status,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		chatModel:   opts.ChatModel,
		chatTimeout: opts.ChatTimeout,
	}
	if s.chatModel == "" {
		s.chatModel = DefaultChatModel
	}
	if s.chatTimeout <= 0 {
		s.chatTimeout = defaultChatTimeout
	}
	s.started = s.now()
	return s
}

// Handler 返回根 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	// OpenAI 兼容接口供聊天前端调用，不经过 CSRF 校验。
	r.Get("/v1/models", s.listModels)
	r.Post("/v1/chat/completions", s.chatCompletions)

	r.Route("/api/v1", func(api chi.Router) {
		if len(s.csrfKey) > 0 {
			api.Use(csrf.Protect(
				s.csrfKey,
				csrf.Secure(false),
				csrf.Path("/"),
				csrf.RequestHeader("X-CSRF-Token"),
			))
			api.Get("/csrf", s.csrfToken)
		}

		api.Get("/health", s.health)
		api.Get("/status", s.status)
		api.Get("/events", s.streamEvents)
		api.Get("/sessions", s.listSessions)

		api.Post("/scans", s.createScan)
		api.Get("/scans/{sessionID}", s.scanStatus)
		api.Get("/scans/{sessionID}/result", s.scanResult)
		api.Get("/scans/{sessionID}/report", s.scanReport)
		api.Post("/scans/{sessionID}/cancel", s.cancelScan)
		api.Delete("/scans/{sessionID}", s.deleteScan)
	})

	return r
}

// requestLogger 用 slog 记录每个请求，替代 middleware.Logger 的标准库输出。
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start).Truncate(time.Microsecond))
	})
}

func (s *Server) csrfToken(w http.ResponseWriter, r *http.Request) {
	token := csrf.Token(r)
	w.Header().Set("X-CSRF-Token", token)
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	active, queued := s.manager.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":      serviceName,
		"version":   Version,
		"timestamp": s.now().Format(time.RFC3339),
		"active":    active,
		"queued":    queued,
	})
}

// status 报告各依赖的配置情况，数据库不可用时返回 503。
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	database := "operational"
	if _, err := s.store.Get(r.Context(), "status-check"); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("status database check failed", "error", err)
		database = "unavailable"
		code = http.StatusServiceUnavailable
	}
	body := map[string]interface{}{
		"api":              "operational",
		"database":         database,
		"database_backend": s.info.Database,
		"scanner":          s.info.Scanner,
		"openai":           configured(s.info.ReasoningModel != ""),
		"archive":          configured(s.info.Archive),
		"chat_model":       s.chatModel,
		"timestamp":        s.now().Format(time.RFC3339),
	}
	if s.info.ReasoningModel != "" {
		body["openai_model"] = s.info.ReasoningModel
	}
	writeJSON(w, code, body)
}

func configured(ok bool) string {
	if ok {
		return "configured"
	}
	return "not_configured"
}

func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target   string `json:"target"`
		ScanType string `json:"scan_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Target) == "" {
		writeMessage(w, "target required", http.StatusBadRequest)
		return
	}
	target := targets.Normalize(body.Target)
	if target == "" {
		writeMessage(w, "invalid target", http.StatusBadRequest)
		return
	}
	profile, err := models.ParseProfile(body.ScanType)
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}

	sess, err := s.manager.Submit(r.Context(), target, profile)
	if err != nil {
		s.writeSubmitError(w, target, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session_id": sess.ID,
		"status":     sess.Status,
		"target":     sess.Target,
		"scan_type":  sess.Profile,
		"message":    "scan accepted",
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, target string, err error) {
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		writeErr(w, err, http.StatusTooManyRequests)
	case errors.Is(err, pipeline.ErrClosed):
		writeErr(w, err, http.StatusServiceUnavailable)
	default:
		s.logger.Error("submit scan failed", "target", target, "error", err)
		writeErr(w, err, http.StatusInternalServerError)
	}
}

// statusView 是不含结果字段的会话摘要。
type statusView struct {
	ID          string         `json:"session_id"`
	Target      string         `json:"target"`
	Profile     models.Profile `json:"scan_type"`
	Status      models.Status  `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep string         `json:"current_step,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func summarize(sess *models.Session) statusView {
	return statusView{
		ID:          sess.ID,
		Target:      sess.Target,
		Profile:     sess.Profile,
		Status:      sess.Status,
		Progress:    sess.Progress,
		CurrentStep: sess.CurrentStep,
		Error:       sess.Error,
		CreatedAt:   sess.CreatedAt,
		StartedAt:   sess.StartedAt,
		CompletedAt: sess.CompletedAt,
		UpdatedAt:   sess.UpdatedAt,
	}
}

func (s *Server) scanStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summarize(sess))
}

func (s *Server) scanResult(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if sess.Status != models.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      "scan not completed",
			"session_id": sess.ID,
			"status":     sess.Status,
			"progress":   sess.Progress,
			"detail":     sess.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":      sess.ID,
		"target":          sess.Target,
		"scan_type":       sess.Profile,
		"status":          sess.Status,
		"ports":           sess.Ports,
		"vulnerabilities": sess.Vulnerabilities,
		"risk_assessment": sess.Risk,
		"remediation":     sess.Remediation,
		"report":          sess.Report,
		"warnings":        sess.Error,
		"completed_at":    sess.CompletedAt,
	})
}

func (s *Server) scanReport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if sess.Status != models.StatusCompleted {
		writeMessage(w, "scan not completed", http.StatusConflict)
		return
	}
	report := sess.Report
	if r.URL.Query().Get("source") == "archive" {
		if s.archive == nil {
			writeMessage(w, "report archive not configured", http.StatusNotFound)
			return
		}
		archived, err := s.archive.Fetch(r.Context(), sess.ID)
		if err != nil {
			s.logger.Warn("fetch archived report failed", "session", sess.ID, "error", err)
			writeErr(w, err, http.StatusBadGateway)
			return
		}
		report = archived
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(report))
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if err := s.manager.Cancel(sess.ID); err != nil {
		if errors.Is(err, pipeline.ErrNotActive) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":  "scan is not queued or running",
				"status": sess.Status,
			})
			return
		}
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sess.ID, "status": "cancelling"})
}

func (s *Server) deleteScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if s.manager.IsActive(id) {
		_ = s.manager.Cancel(id)
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, err, http.StatusNotFound)
			return
		}
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List(r.Context())
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	filter := models.Status(strings.ToLower(r.URL.Query().Get("status")))
	limit := intParam(r.URL.Query().Get("limit"), 0)

	out := make([]statusView, 0, len(sessions))
	for i := range sessions {
		if filter != "" && sessions[i].Status != filter {
			continue
		}
		out = append(out, summarize(&sessions[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": out,
		"total":    len(out),
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cleanup := s.broker.Subscribe(r.URL.Query().Get("session"))
	defer cleanup()

	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-notify:
			return
		case <-s.broker.Done():
			return
		}
	}
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	sess, err := s.store.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, err, http.StatusNotFound)
			return nil, false
		}
		writeErr(w, err, http.StatusInternalServerError)
		return nil, false
	}
	return sess, true
}

func intParam(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error, status int) {
	writeMessage(w, err.Error(), status)
}

func writeMessage(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
