// Package server implements the HTTP Surface (C8): an OpenAI-compatible
// chat completions endpoint backed by the Router, plus health, model
// listing, and stats endpoints. Grounded on the teacher's
// server/server.go net/http handler shape, generalized to
// github.com/go-chi/chi/v5 (the pack's second HTTP-service teacher,
// wisbric-nightowl, routes this way) and golang.org/x/time/rate (carried
// from O-tero-Distributed-Caching-System's origin rate limiter) for a
// per-IP token-bucket governor in front of the Router.
package server

import (
	"bytes"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rigrun/rigrun/cache"
	"github.com/rigrun/rigrun/monitoring"
	"github.com/rigrun/rigrun/providers/cloud"
	"github.com/rigrun/rigrun/providers/local"
	"github.com/rigrun/rigrun/routing"
	"github.com/rigrun/rigrun/session"
	"github.com/rigrun/rigrun/stats"
	"github.com/rigrun/rigrun/types"
)

// sessionHeader carries a session ID on both directions: clients send it
// on every request after the first, and the server echoes it (minting a
// fresh one on a client's first request) so the caller knows what to
// send next time.
const sessionHeader = "X-Session-ID"

// Config configures the HTTP surface's own policy: body-size limit and
// per-IP rate limiting. Routing policy lives in routing.Config instead.
type Config struct {
	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int
}

// DefaultConfig returns a conservative default: 1 MiB request bodies, 5
// requests/sec/IP with a burst of 10.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 1 << 20, RateLimitRPS: 5, RateLimitBurst: 10}
}

// Server wires the Router and its tier adapters behind chi routes.
type Server struct {
	Router *chi.Mux

	router    *routing.Router
	local     *local.Adapter
	cloud     *cloud.Adapter
	cacheRef  *cache.Cache
	stats     *stats.Tracker
	sessions  *session.Manager
	cfg       Config
	logger    *zap.SugaredLogger
	startedAt time.Time

	limiters *ipLimiterSet
}

// New builds a Server. Any of local/cacheRef/statsTracker/sessions may
// be nil; the corresponding introspection endpoint degrades to
// reporting zero values, and a nil session manager disables the
// session-gating middleware entirely, rather than panicking.
func New(cfg Config, router *routing.Router, localAdapter *local.Adapter, cloudAdapter *cloud.Adapter, c *cache.Cache, statsTracker *stats.Tracker, sessionManager *session.Manager, logger *zap.SugaredLogger) *Server {
	s := &Server{
		router:    router,
		local:     localAdapter,
		cloud:     cloudAdapter,
		cacheRef:  c,
		stats:     statsTracker,
		sessions:  sessionManager,
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
		limiters:  newIPLimiterSet(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	r := chi.NewRouter()
	r.Use(corsMiddleware.Handler)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.limitBody)
	r.Use(s.rateLimit)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", s.handleModels)
	r.With(s.sessionCheck).Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/stats", s.handleStats)
	r.Get("/cache/stats", s.handleCacheStats)
	r.Handle("/metrics", promhttp.Handler())

	s.Router = r
	return s
}

// sessionCheck enforces the session-validate step of the request
// pipeline (HTTP -> session check -> classifier -> cache -> router ...)
// in front of the one route that actually dispatches to a tier. A
// request with no session header mints a new session, matching "a
// Session is created on first authenticated request"; a request
// carrying a header is validated and refreshed atomically, and an
// expired/locked/terminated session is rejected with reauth_required
// rather than being allowed to reach the router.
func (s *Server) sessionCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sessions == nil {
			next.ServeHTTP(w, r)
			return
		}

		id := r.Header.Get(sessionHeader)
		if id == "" {
			sess, err := s.sessions.CreateSession("anonymous")
			if err != nil {
				if userErr, ok := err.(types.UserError); ok {
					writeError(w, userErr)
				} else {
					writeError(w, types.NewInternal(err.Error()))
				}
				return
			}
			w.Header().Set(sessionHeader, sess.ID)
			next.ServeHTTP(w, r)
			return
		}

		valid, _, message, _ := s.sessions.ValidateAndRefresh(id)
		if !valid {
			writeError(w, &types.SessionExpiredError{Msg: message})
			return
		}
		w.Header().Set(sessionHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.Router.ServeHTTP(w, r) }

// limitBody caps request bodies at cfg.MaxBodyBytes so an oversized
// payload can't exhaust memory before JSON decoding even starts.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimiterSet holds one token-bucket limiter per client IP, created
// lazily on first request. Grounded on
// O-tero-Distributed-Caching-System/warming/service.go's
// rate.NewLimiter(rate.Limit(rps), burst) construction, repurposed from
// an origin-fetch limiter to a per-client ingress governor.
type ipLimiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newIPLimiterSet(rps float64, burst int) *ipLimiterSet {
	return &ipLimiterSet{limiters: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (s *ipLimiterSet) allow(ip string) bool {
	if s.rps <= 0 {
		return true
	}
	s.mu.Lock()
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[ip] = l
	}
	s.mu.Unlock()
	return l.Allow()
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiters.allow(ip) {
			writeError(w, types.NewRateLimitedUser("too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var entries []modelEntry

	if s.local != nil {
		models, err := s.local.ListModels(r.Context())
		if err == nil {
			for _, m := range models {
				entries = append(entries, modelEntry{ID: m.Name, Object: "model", OwnedBy: "local"})
			}
		}
	}
	// Cloud models are a constant alias set: C8 never contacts the cloud
	// backend just to answer /v1/models.
	for _, m := range cloud.KnownModels() {
		entries = append(entries, modelEntry{ID: m.ID, Object: "model", OwnedBy: "openrouter"})
	}

	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": entries})
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

func toQuery(req chatCompletionRequest) types.Query {
	messages := make([]types.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = types.Message{Role: types.Role(m.Role), Content: m.Content}
	}
	return types.Query{Messages: messages, RequestedModel: req.Model}
}

func stop() *string {
	s := "stop"
	return &s
}

// completionID generates an OpenAI-shaped "chatcmpl-..." response ID.
func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewBadRequest("malformed request body"))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, types.NewBadRequest("model and messages are required"))
		return
	}

	query := toQuery(req)

	if req.Stream {
		s.streamChatCompletions(w, r, query, req.Model)
		return
	}

	started := time.Now()
	resp, err := s.router.Route(r.Context(), query)
	monitoring.RequestDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		writeError(w, routeErrToUserErr(err))
		return
	}

	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:     completionID(),
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []chatChoice{{
			Message:      &chatMessage{Role: string(types.RoleAssistant), Content: resp.Text},
			FinishReason: stop(),
		}},
		Usage: chatUsage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
		},
	})
}

func (s *Server) streamChatCompletions(w http.ResponseWriter, r *http.Request, query types.Query, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, types.NewInternal("streaming unsupported by this response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	id := completionID()
	enc := json.NewEncoder(sseWriter{w})
	err := s.router.RouteStream(r.Context(), query, func(chunk types.StreamChunk) {
		choice := chatChoice{Delta: &chatMessage{Role: string(types.RoleAssistant), Content: chunk.Text}}
		if chunk.Done {
			choice.FinishReason = stop()
		}
		w.Write([]byte("data: "))
		enc.Encode(chatCompletionResponse{ID: id, Object: "chat.completion.chunk", Model: model, Choices: []chatChoice{choice}})
		w.Write([]byte("\n"))
		flusher.Flush()
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("streaming chat completion failed mid-stream", "error", err)
		}
	}
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// sseWriter adapts an http.ResponseWriter so json.Encoder's output lands
// as one SSE "data: ..." frame: json.Encoder always appends a trailing
// newline, which this strips before writing the blank-line terminator
// SSE frames require.
type sseWriter struct{ w http.ResponseWriter }

func (s sseWriter) Write(p []byte) (int, error) {
	trimmed := bytes.TrimRight(p, "\r\n")
	if _, err := s.w.Write(trimmed); err != nil {
		return 0, err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":       s.stats.SessionStats(),
		"all_time":      s.stats.AllTime(),
		"today":         s.stats.Today(),
		"daily_history": s.stats.DailyHistory(),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cacheRef == nil {
		writeJSON(w, http.StatusOK, cache.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.cacheRef.Stats())
}

func routeErrToUserErr(err error) types.UserError {
	if noTier, ok := err.(*types.NoTierAvailableError); ok {
		return types.UserError(noTier)
	}
	return types.NewInternal(err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err types.UserError) {
	body := map[string]any{"error": map[string]any{"message": strings.TrimSpace(err.Error())}}
	if _, ok := err.(*types.SessionExpiredError); ok {
		body["reauth_required"] = true
	}
	if noTier, ok := err.(*types.NoTierAvailableError); ok {
		body["tier_failures"] = noTier.TierFailures()
	}
	writeJSON(w, err.StatusCode(), body)
}
