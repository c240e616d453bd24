package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stateofplay-edge/internal/access"
	"github.com/JakeFAU/stateofplay-edge/internal/classifier"
	"github.com/JakeFAU/stateofplay-edge/internal/edge"
	"github.com/JakeFAU/stateofplay-edge/internal/ogmeta"
	"github.com/JakeFAU/stateofplay-edge/internal/reconcile"
	"github.com/JakeFAU/stateofplay-edge/internal/segmenter"
	"github.com/JakeFAU/stateofplay-edge/internal/session"
)

const (
	botUA   = "facebookexternalhit/1.1 (+http://www.facebook.com/externalhit_uatext.php)"
	humanUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) Safari/605.1.15"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const operatorKey = "ops-key"

var operatorHeaders = map[string]string{APIKeyHeader: operatorKey}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeContent struct {
	articles map[string]edge.ArticleMetadata
	err      error
	panics   bool
}

func (f *fakeContent) GetArticle(_ context.Context, slug string) (edge.ArticleMetadata, error) {
	if f.panics {
		panic("content store exploded")
	}
	if f.err != nil {
		return edge.ArticleMetadata{}, f.err
	}
	a, ok := f.articles[slug]
	if !ok {
		return edge.ArticleMetadata{}, edge.ErrNotFound
	}
	return a, nil
}

type fakeMeta struct {
	docs  map[string]ogmeta.Document
	calls []string
}

func (f *fakeMeta) Synthesize(_ context.Context, crawler, slug string) (ogmeta.Document, string) {
	f.calls = append(f.calls, crawler+":"+slug)
	doc, ok := f.docs[slug]
	if !ok {
		return ogmeta.Document{}, "not_found"
	}
	return doc, ""
}

type fakeMembers struct {
	records map[string]edge.MembershipRecord
	err     error
}

func (f *fakeMembers) Lookup(_ context.Context, email string) (edge.MembershipRecord, error) {
	if f.err != nil {
		return edge.Anonymous(), f.err
	}
	rec, ok := f.records[email]
	if !ok {
		return edge.Anonymous(), nil
	}
	return rec, nil
}

type fakeIdentity struct {
	sessions map[string]edge.MembershipRecord
	err      error
}

func (f *fakeIdentity) CurrentMember(_ context.Context, cookie string) (edge.MembershipRecord, error) {
	if f.err != nil {
		return edge.Anonymous(), f.err
	}
	rec, ok := f.sessions[cookie]
	if !ok {
		return edge.Anonymous(), edge.ErrNoMemberSession
	}
	return rec, nil
}

type mockWelcome struct {
	mock.Mock
}

func (m *mockWelcome) Start(email string) (reconcile.Snapshot, error) {
	args := m.Called(email)
	return args.Get(0).(reconcile.Snapshot), args.Error(1)
}

func (m *mockWelcome) Get(id string) (reconcile.Snapshot, error) {
	args := m.Called(id)
	return args.Get(0).(reconcile.Snapshot), args.Error(1)
}

func (m *mockWelcome) Retry(id string) (reconcile.Snapshot, error) {
	args := m.Called(id)
	return args.Get(0).(reconcile.Snapshot), args.Error(1)
}

func (m *mockWelcome) Cancel(id string) error {
	return m.Called(id).Error(0)
}

type fakePreviews struct {
	records   []edge.PreviewRecord
	err       error
	lastLimit int
}

func (f *fakePreviews) RecentPreviews(_ context.Context, limit int) ([]edge.PreviewRecord, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

type harness struct {
	server   *Server
	content  *fakeContent
	meta     *fakeMeta
	members  *fakeMembers
	identity *fakeIdentity
	welcome  *mockWelcome
	previews *fakePreviews
	tokens   *session.Issuer
}

func newHarness(t *testing.T, mutate func(*Deps, *Options)) *harness {
	t.Helper()
	clock := fakeClock{now: testNow}
	tokens, err := session.NewIssuer("test-secret", time.Hour, clock)
	require.NoError(t, err)

	h := &harness{
		content: &fakeContent{articles: map[string]edge.ArticleMetadata{
			"big-deal": {
				Slug:       "big-deal",
				Title:      "The Big Deal",
				Excerpt:    "A short excerpt.",
				HTML:       "<p>one</p><p>two</p><p>three</p><p>four</p>",
				Visibility: edge.VisibilityPaid,
			},
			"open-letter": {
				Slug:       "open-letter",
				Title:      "Open Letter",
				HTML:       "<p>everyone can read this</p>",
				Visibility: edge.VisibilityPublic,
			},
		}},
		meta: &fakeMeta{docs: map[string]ogmeta.Document{
			"big-deal": {Slug: "big-deal", Body: []byte("<html>meta</html>")},
		}},
		members:  &fakeMembers{records: map[string]edge.MembershipRecord{}},
		identity: &fakeIdentity{sessions: map[string]edge.MembershipRecord{}},
		welcome:  &mockWelcome{},
		previews: &fakePreviews{},
		tokens:   tokens,
	}
	deps := Deps{
		Content:   h.content,
		Crawlers:  classifier.New(classifier.DefaultSignatures, classifier.Patterns{}),
		Meta:      h.meta,
		Segmenter: segmenter.New(nil, segmenter.Config{}),
		Members:   h.members,
		Tokens:    tokens,
		Identity:  h.identity,
		Welcome:   h.welcome,
		Previews:  h.previews,
		Clock:     clock,
	}
	opts := Options{RequestTimeout: 5 * time.Second, OperatorKey: operatorKey}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	h.server = NewServer(deps, opts, zap.NewNop())
	return h
}

func (h *harness) do(method, target, ua string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("User-Agent", ua)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) bearer(t *testing.T, record edge.MembershipRecord) map[string]string {
	t.Helper()
	token, err := h.tokens.Issue(record)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) access.View {
	t.Helper()
	var view access.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func TestHealthzSetsRequestID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/healthz", humanUA, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = h.do(http.MethodGet, "/healthz", humanUA, nil, map[string]string{RequestIDHeader: "req-123"})
	require.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Ready = map[string]Pinger{"previews": pingFunc(func(context.Context) error { return nil })}
	})
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", humanUA, nil, nil).Code)

	h = newHarness(t, func(d *Deps, _ *Options) {
		d.Ready = map[string]Pinger{"redis": pingFunc(func(context.Context) error { return errors.New("down") })}
	})
	rec := h.do(http.MethodGet, "/readyz", humanUA, nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "redis")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/metrics", humanUA, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestOGPreview(t *testing.T) {
	t.Parallel()

	t.Run("crawler gets document", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		rec := h.do(http.MethodGet, "/api/og/big-deal", botUA, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, ogmeta.ContentType, rec.Header().Get("Content-Type"))
		require.Equal(t, "<html>meta</html>", rec.Body.String())
		require.Equal(t, []string{"facebookexternalhit:big-deal"}, h.meta.calls)
	})

	t.Run("human is redirected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		rec := h.do(http.MethodGet, "/api/og/big-deal", humanUA, nil, nil)
		require.Equal(t, http.StatusMovedPermanently, rec.Code)
		require.Equal(t, "/big-deal", rec.Header().Get("Location"))
		require.Empty(t, h.meta.calls)
	})

	t.Run("crawler miss is redirected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		rec := h.do(http.MethodGet, "/api/og/unknown", botUA, nil, nil)
		require.Equal(t, http.StatusMovedPermanently, rec.Code)
		require.Equal(t, "/unknown", rec.Header().Get("Location"))
	})
}

func TestShare(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/share", humanUA, nil, nil).Code)

	rec := h.do(http.MethodGet, "/api/share?slug=big-deal", humanUA, nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/big-deal", rec.Header().Get("Location"))

	rec = h.do(http.MethodGet, "/api/share?slug=big-deal", botUA, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<html>meta</html>", rec.Body.String())

	rec = h.do(http.MethodGet, "/api/share?slug=%2F%2Fevil.example", humanUA, nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/%2F%2Fevil.example", rec.Header().Get("Location"))
}

func TestGetArticleAnonymousSeesPreviewAndPaywall(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/api/articles/big-deal", humanUA, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "private, no-store", rec.Header().Get("Cache-Control"))
	view := decodeView(t, rec)
	require.False(t, view.Full)
	require.NotNil(t, view.Paywall)
	require.Equal(t, access.PaywallAnonymous, view.Paywall.Variant)
	require.Contains(t, view.HTML, "one")
	require.NotContains(t, view.HTML, "four")
}

func TestGetArticlePaidMemberSeesFullBody(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	member := edge.MembershipRecord{Email: "pro@example.com", Name: "Pat Pro", Status: edge.StatusPaid}
	h.members.records["pro@example.com"] = member

	rec := h.do(http.MethodGet, "/api/articles/big-deal", humanUA, nil, h.bearer(t, member))
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeView(t, rec)
	require.True(t, view.Full)
	require.Nil(t, view.Paywall)
	require.Contains(t, view.HTML, "four")
}

func TestGetArticleUsesCurrentMembershipOverToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.members.records["lapsed@example.com"] = edge.MembershipRecord{Email: "lapsed@example.com", Status: edge.StatusFree}

	headers := h.bearer(t, edge.MembershipRecord{Email: "lapsed@example.com", Status: edge.StatusPaid})
	view := decodeView(t, h.do(http.MethodGet, "/api/articles/big-deal", humanUA, nil, headers))
	require.False(t, view.Full)
	require.Equal(t, access.PaywallFreeMember, view.Paywall.Variant)
}

func TestGetArticleFallsBackToClaimsWhenLookupFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.members.err = errors.New("cms down")

	headers := h.bearer(t, edge.MembershipRecord{Email: "pro@example.com", Status: edge.StatusPaid})
	view := decodeView(t, h.do(http.MethodGet, "/api/articles/big-deal", humanUA, nil, headers))
	require.True(t, view.Full)
}

func TestGetArticleInvalidTokenIsAnonymous(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	headers := map[string]string{"Authorization": "Bearer not-a-token"}
	view := decodeView(t, h.do(http.MethodGet, "/api/articles/big-deal", humanUA, nil, headers))
	require.False(t, view.Full)
	require.Equal(t, access.PaywallAnonymous, view.Paywall.Variant)
}

func TestGetArticlePublicIsFullForEveryone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	view := decodeView(t, h.do(http.MethodGet, "/api/articles/open-letter", humanUA, nil, nil))
	require.True(t, view.Full)
	require.Nil(t, view.Paywall)
}

func TestGetArticleErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/articles/missing", humanUA, nil, nil).Code)

	h.content.err = errors.New("dial tcp: refused")
	require.Equal(t, http.StatusBadGateway, h.do(http.MethodGet, "/api/articles/big-deal", humanUA, nil, nil).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.content.panics = true

	rec := h.do(http.MethodGet, "/api/articles/big-deal", humanUA, nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestWelcomeSessionLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	started := reconcile.Snapshot{ID: "s-1", Attempt: reconcile.Attempt{Status: reconcile.StatusPending}}
	h.welcome.On("Start", "new@example.com").Return(started, nil).Once()
	h.welcome.On("Get", "s-1").Return(started, nil).Once()
	h.welcome.On("Get", "nope").Return(reconcile.Snapshot{}, reconcile.ErrSessionNotFound).Once()
	h.welcome.On("Retry", "s-1").Return(reconcile.Snapshot{}, reconcile.ErrSessionBusy).Once()
	h.welcome.On("Cancel", "s-1").Return(nil).Once()

	rec := h.do(http.MethodPost, "/api/welcome/sessions", humanUA, []byte(`{"email":"new@example.com"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var snap reconcile.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "s-1", snap.ID)

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/welcome/sessions/s-1", humanUA, nil, nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/welcome/sessions/nope", humanUA, nil, nil).Code)
	require.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/welcome/sessions/s-1/retry", humanUA, nil, nil).Code)
	require.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/api/welcome/sessions/s-1", humanUA, nil, nil).Code)

	h.welcome.AssertExpectations(t)
}

func TestWelcomeSessionBadRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/welcome/sessions", humanUA, []byte("{oops"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	h.welcome.On("Start", "").Return(reconcile.Snapshot{}, errors.New("id source failed")).Once()
	rec = h.do(http.MethodPost, "/api/welcome/sessions", humanUA, []byte(`{}`), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	h.welcome.AssertExpectations(t)
}

func TestUnavailableDependencies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Welcome = nil
		d.Previews = nil
		d.Content = nil
	})

	require.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/api/welcome/sessions/x", humanUA, nil, nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodPost, "/api/welcome/sessions", humanUA, []byte(`{}`), nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/api/previews", humanUA, nil, operatorHeaders).Code)
	require.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/api/articles/big-deal", humanUA, nil, nil).Code)
}

func TestListPreviews(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.previews.records = []edge.PreviewRecord{
		{ID: "p2", Slug: "b", Crawler: "twitterbot", Outcome: "serve_meta", Duration: 40 * time.Millisecond, ServedAt: testNow},
		{ID: "p1", Slug: "a", Crawler: "slackbot", Outcome: "pass_through", Reason: "timeout", ServedAt: testNow.Add(-time.Minute)},
	}

	rec := h.do(http.MethodGet, "/api/previews?limit=1", humanUA, nil, operatorHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Previews []previewDTO `json:"previews"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Previews, 1)
	require.Equal(t, "p2", body.Previews[0].ID)
	require.Equal(t, int64(40), body.Previews[0].DurationMS)

	h.do(http.MethodGet, "/api/previews?limit=100000", humanUA, nil, operatorHeaders)
	require.Equal(t, maxPreviewLimit, h.previews.lastLimit)

	h.do(http.MethodGet, "/api/previews", humanUA, nil, operatorHeaders)
	require.Equal(t, defaultPreviewLimit, h.previews.lastLimit)

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/previews?limit=abc", humanUA, nil, operatorHeaders).Code)

	h.previews.err = errors.New("db down")
	require.Equal(t, http.StatusInternalServerError, h.do(http.MethodGet, "/api/previews", humanUA, nil, operatorHeaders).Code)
}

func TestPreviewsRequireOperatorKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	require.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/api/previews", humanUA, nil, nil).Code)
	require.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/api/previews", humanUA, nil,
		map[string]string{APIKeyHeader: "guess"}).Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/previews", humanUA, nil, operatorHeaders).Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/previews?api_key="+operatorKey, humanUA, nil, nil).Code)

	open := newHarness(t, func(_ *Deps, o *Options) { o.OperatorKey = "" })
	require.Equal(t, http.StatusOK, open.do(http.MethodGet, "/api/previews", humanUA, nil, nil).Code)
}

func TestIssueSessionRequiresSignedInMember(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.identity.sessions["ghost-members-ssr=pro"] = edge.MembershipRecord{Email: "pro@example.com", Name: "Pat Pro", Status: edge.StatusPaid}

	rec := h.do(http.MethodPost, "/api/session", humanUA, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(http.MethodPost, "/api/session", humanUA, nil, map[string]string{"Cookie": "ghost-members-ssr=forged"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/api/session", humanUA, nil, map[string]string{"Cookie": "ghost-members-ssr=pro"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "private, no-store", rec.Header().Get("Cache-Control"))
	var body struct {
		Token  string                `json:"token"`
		Status edge.MembershipStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, edge.StatusPaid, body.Status)

	claims, err := h.tokens.Parse(body.Token)
	require.NoError(t, err)
	require.Equal(t, "pro@example.com", claims.Email)
}

func TestIssueSessionUpstreamFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.identity.err = errors.New("ghost unreachable")

	rec := h.do(http.MethodPost, "/api/session", humanUA, nil, map[string]string{"Cookie": "ghost-members-ssr=pro"})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	off := newHarness(t, func(d *Deps, _ *Options) { d.Identity = nil })
	require.Equal(t, http.StatusServiceUnavailable, off.do(http.MethodPost, "/api/session", humanUA, nil, nil).Code)
}

func TestNotFoundRouting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ *Deps, o *Options) {
		o.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-Origin", "spa")
			w.WriteHeader(http.StatusOK)
		})
	})

	rec := h.do(http.MethodGet, "/some-article", humanUA, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "spa", rec.Header().Get("X-Origin"))

	rec = h.do(http.MethodGet, "/api/unknown", humanUA, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "not found")
	require.Empty(t, rec.Header().Get("X-Origin"))
}
