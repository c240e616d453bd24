package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/stateofplay-edge/internal/access"
	"github.com/JakeFAU/stateofplay-edge/internal/edge"
	"github.com/JakeFAU/stateofplay-edge/internal/reconcile"
	"github.com/JakeFAU/stateofplay-edge/internal/session"
)

const (
	defaultPreviewLimit = 50
	maxPreviewLimit     = 500
	maxWelcomeBody      = 4 << 10
	previewQueryTimeout = 3 * time.Second
)

// ogPreview handles GET /api/og/{slug}. Bots get the synthesized document;
// humans and misses are permanently redirected to the article itself.
func (s *Server) ogPreview(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !s.serveMeta(w, r, slug) {
		http.Redirect(w, r, articlePath(slug), http.StatusMovedPermanently)
	}
}

// share handles GET /api/share?slug=. Bots get the synthesized document;
// everyone else is sent to the article with a temporary redirect.
func (s *Server) share(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.URL.Query().Get("slug"))
	if slug == "" {
		writeError(w, http.StatusBadRequest, "slug is required")
		return
	}
	if !s.serveMeta(w, r, slug) {
		http.Redirect(w, r, articlePath(slug), http.StatusFound)
	}
}

// serveMeta writes the preview document when the caller is a known crawler
// and one could be produced. It reports whether a response was written.
func (s *Server) serveMeta(w http.ResponseWriter, r *http.Request, slug string) bool {
	if s.deps.Crawlers == nil || s.deps.Meta == nil {
		return false
	}
	crawler := s.deps.Crawlers.MatchCrawler(r.UserAgent())
	if crawler == "" {
		return false
	}
	doc, reason := s.deps.Meta.Synthesize(r.Context(), crawler, slug)
	if reason != "" {
		s.logger.Debug("no preview for crawler",
			zap.String("slug", slug),
			zap.String("crawler", crawler),
			zap.String("reason", reason),
		)
		return false
	}
	doc.ServeHTTP(w, r)
	return true
}

func articlePath(slug string) string {
	return "/" + url.PathEscape(slug)
}

// getArticle handles GET /api/articles/{slug}. It returns the full body or a
// preview with a paywall, chosen from the caller's current membership.
func (s *Server) getArticle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Content == nil || s.deps.Segmenter == nil {
		writeError(w, http.StatusServiceUnavailable, "content store unavailable")
		return
	}
	slug := chi.URLParam(r, "slug")
	article, err := s.deps.Content.GetArticle(r.Context(), slug)
	if err != nil {
		if errors.Is(err, edge.ErrNotFound) {
			writeError(w, http.StatusNotFound, "article not found")
			return
		}
		s.logger.Error("load article failed", zap.String("slug", slug), zap.Error(err))
		writeError(w, http.StatusBadGateway, "content temporarily unavailable")
		return
	}

	reader := s.reader(r)
	view := access.Render(article, reader, s.deps.Segmenter, s.now())
	w.Header().Set("Cache-Control", "private, no-store")
	writeJSON(w, http.StatusOK, view)
}

// reader resolves the membership behind the request's session token. Any
// token problem degrades to the anonymous reader.
func (s *Server) reader(r *http.Request) edge.MembershipRecord {
	raw := session.FromRequest(r)
	if raw == "" || s.deps.Tokens == nil {
		return edge.Anonymous()
	}
	claims, err := s.deps.Tokens.Parse(raw)
	if err != nil {
		s.logger.Debug("ignoring session token", zap.Error(err))
		return edge.Anonymous()
	}
	fromClaims := edge.MembershipRecord{Email: claims.Email, Name: claims.Name, Status: claims.Status}
	if s.deps.Members == nil {
		return fromClaims
	}
	record, err := s.deps.Members.Lookup(r.Context(), claims.Email)
	if err != nil {
		s.logger.Warn("membership lookup failed, using token claims", zap.Error(err))
		return fromClaims
	}
	return record
}

// issueSession handles POST /api/session. The caller must already be signed
// in to the CMS, which happens by redeeming the emailed sign-in link; the
// reader token is minted for that member and nobody else.
func (s *Server) issueSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil || s.deps.Identity == nil {
		writeError(w, http.StatusServiceUnavailable, "sign-in unavailable")
		return
	}
	w.Header().Set("Cache-Control", "private, no-store")
	record, err := s.deps.Identity.CurrentMember(r.Context(), r.Header.Get("Cookie"))
	switch {
	case errors.Is(err, edge.ErrNoMemberSession):
		writeError(w, http.StatusUnauthorized, "sign in required")
		return
	case err != nil:
		s.logger.Warn("resolve member session failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "sign-in temporarily unavailable")
		return
	}
	token, err := s.deps.Tokens.Issue(record)
	if err != nil {
		s.logger.Error("issue reader token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":  token,
		"status": access.EffectiveStatus(record, s.now()),
	})
}

func (s *Server) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now()
}

type welcomeRequest struct {
	Email string `json:"email"`
}

// startWelcome handles POST /api/welcome/sessions. The session is created
// even for an unusable email so the page can show the failure message.
func (s *Server) startWelcome(w http.ResponseWriter, r *http.Request) {
	if s.deps.Welcome == nil {
		writeError(w, http.StatusServiceUnavailable, "welcome flow unavailable")
		return
	}
	var req welcomeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWelcomeBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	snap, err := s.deps.Welcome.Start(req.Email)
	if err != nil {
		s.logger.Error("start welcome session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

// getWelcome handles GET /api/welcome/sessions/{session_id}.
func (s *Server) getWelcome(w http.ResponseWriter, r *http.Request) {
	s.welcomeCall(w, r, http.StatusOK, WelcomeSessions.Get)
}

// retryWelcome handles POST /api/welcome/sessions/{session_id}/retry.
func (s *Server) retryWelcome(w http.ResponseWriter, r *http.Request) {
	s.welcomeCall(w, r, http.StatusAccepted, WelcomeSessions.Retry)
}

// cancelWelcome handles DELETE /api/welcome/sessions/{session_id}.
func (s *Server) cancelWelcome(w http.ResponseWriter, r *http.Request) {
	s.welcomeCall(w, r, http.StatusNoContent, func(ws WelcomeSessions, id string) (reconcile.Snapshot, error) {
		return reconcile.Snapshot{}, ws.Cancel(id)
	})
}

func (s *Server) welcomeCall(
	w http.ResponseWriter,
	r *http.Request,
	okStatus int,
	call func(ws WelcomeSessions, id string) (reconcile.Snapshot, error),
) {
	if s.deps.Welcome == nil {
		writeError(w, http.StatusServiceUnavailable, "welcome flow unavailable")
		return
	}
	snap, err := call(s.deps.Welcome, chi.URLParam(r, "session_id"))
	switch {
	case errors.Is(err, reconcile.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, reconcile.ErrSessionBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("welcome session call failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session error")
	case okStatus == http.StatusNoContent:
		w.WriteHeader(okStatus)
	default:
		writeJSON(w, okStatus, snap)
	}
}

type previewDTO struct {
	ID         string    `json:"id"`
	Slug       string    `json:"slug"`
	Crawler    string    `json:"crawler"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	ServedAt   time.Time `json:"served_at"`
}

// listPreviews handles GET /api/previews?limit=. It returns
// {"previews": [...]} newest first.
func (s *Server) listPreviews(w http.ResponseWriter, r *http.Request) {
	if s.deps.Previews == nil {
		writeError(w, http.StatusServiceUnavailable, "preview log unavailable")
		return
	}
	limit, err := parseLimit(r, defaultPreviewLimit, maxPreviewLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), previewQueryTimeout)
	defer cancel()

	records, err := s.deps.Previews.RecentPreviews(ctx, limit)
	if err != nil {
		s.logger.Error("list previews failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list previews")
		return
	}
	out := make([]previewDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, previewDTO{
			ID:         rec.ID,
			Slug:       rec.Slug,
			Crawler:    rec.Crawler,
			Outcome:    rec.Outcome,
			Reason:     rec.Reason,
			DurationMS: rec.Duration.Milliseconds(),
			ServedAt:   rec.ServedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"previews": out})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
