package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/stateofplay-edge/internal/access"
	"github.com/JakeFAU/stateofplay-edge/internal/edge"
	iduuid "github.com/JakeFAU/stateofplay-edge/internal/id/uuid"
	"github.com/JakeFAU/stateofplay-edge/internal/metrics"
	"github.com/JakeFAU/stateofplay-edge/internal/ogmeta"
	"github.com/JakeFAU/stateofplay-edge/internal/reconcile"
	"github.com/JakeFAU/stateofplay-edge/internal/session"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// APIKeyHeader carries the operator API key.
const APIKeyHeader = "X-API-Key"

const (
	defaultRequestTimeout = 30 * time.Second
	readinessTimeout      = 2 * time.Second
)

// CrawlerMatcher reports the crawler signature a user agent matches, or "".
type CrawlerMatcher interface {
	MatchCrawler(userAgent string) string
}

// MetaSynthesizer produces the preview document for a crawler. A non-empty
// reason means no document is available.
type MetaSynthesizer interface {
	Synthesize(ctx context.Context, crawler, slug string) (ogmeta.Document, string)
}

// MembershipLookup resolves the current membership of an email.
type MembershipLookup interface {
	Lookup(ctx context.Context, email string) (edge.MembershipRecord, error)
}

// ReaderTokens mints and verifies reader session tokens.
type ReaderTokens interface {
	Issue(record edge.MembershipRecord) (string, error)
	Parse(raw string) (*session.Claims, error)
}

// MemberIdentity resolves the CMS member signed in with a request's cookies.
// It returns edge.ErrNoMemberSession when nobody is signed in.
type MemberIdentity interface {
	CurrentMember(ctx context.Context, cookie string) (edge.MembershipRecord, error)
}

// WelcomeSessions is the welcome flow's session registry.
type WelcomeSessions interface {
	Start(email string) (reconcile.Snapshot, error)
	Get(id string) (reconcile.Snapshot, error)
	Retry(id string) (reconcile.Snapshot, error)
	Cancel(id string) error
}

// PreviewLog lists recently served crawler previews.
type PreviewLog interface {
	RecentPreviews(ctx context.Context, limit int) ([]edge.PreviewRecord, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes. A nil dependency disables
// the routes that need it with 503.
type Deps struct {
	Content   edge.ContentStore
	Crawlers  CrawlerMatcher
	Meta      MetaSynthesizer
	Segmenter access.Segmenter
	Members   MembershipLookup
	Tokens    ReaderTokens
	Identity  MemberIdentity
	Welcome   WelcomeSessions
	Previews  PreviewLog
	Ready     map[string]Pinger
	Clock     edge.Clock
}

// Options tunes the router.
type Options struct {
	RequestTimeout time.Duration
	// OperatorKey guards the operator routes when set.
	OperatorKey string
	// NotFound serves every path the router does not own.
	NotFound http.Handler
}

// Server wires HTTP handlers to the edge components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Get("/og/{slug}", s.ogPreview)
		r.Get("/share", s.share)
		r.Get("/articles/{slug}", s.getArticle)
		r.Post("/session", s.issueSession)
		r.Group(func(r chi.Router) {
			if opts.OperatorKey != "" {
				r.Use(apiKeyMiddleware(opts.OperatorKey))
			}
			r.Get("/previews", s.listPreviews)
		})
		r.Route("/welcome/sessions", func(r chi.Router) {
			r.Post("/", s.startWelcome)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getWelcome)
				r.Post("/retry", s.retryWelcome)
				r.Delete("/", s.cancelWelcome)
			})
		})
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, "not found")
		})
	})

	if opts.NotFound != nil {
		r.NotFound(opts.NotFound.ServeHTTP)
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server or as the dispatcher's
// in-process forwarding target.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	for name, dep := range s.deps.Ready {
		if err := dep.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "dependency": name})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the correlation id stored by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" || len(reqID) > 64 {
			reqID = iduuid.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set(RequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), want) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
