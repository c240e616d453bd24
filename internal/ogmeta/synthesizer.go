// Package ogmeta renders the minimal Open Graph / Twitter card documents that
// link unfurlers and search crawlers receive instead of the application shell.
package ogmeta

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

// Response headers of every synthesized document. Crawlers re-fetch rarely
// and humans never see the document, so a one hour shared cache is accepted.
const (
	ContentType  = "text/html; charset=utf-8"
	CacheControl = "public, max-age=3600"
)

// Config carries the site-level defaults substituted for missing CMS fields.
type Config struct {
	SiteName        string
	SiteDescription string
	BaseURL         string
	DefaultImage    string
}

// Document is a rendered preview page.
type Document struct {
	Slug string
	Body []byte
}

// ServeHTTP writes the document with its cache headers.
func (d Document) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", CacheControl)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.Body) //nolint:errcheck // client went away; nothing left to do
}

// Synthesizer fetches article metadata and renders Documents.
type Synthesizer struct {
	content edge.ContentStore
	clock   edge.Clock
	cfg     Config
}

// New constructs a Synthesizer.
func New(content edge.ContentStore, clock edge.Clock, cfg Config) *Synthesizer {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Synthesizer{content: content, clock: clock, cfg: cfg}
}

// Synthesize performs exactly one CMS fetch and renders the document for slug.
// A CMS miss is returned as edge.ErrNotFound. No retries happen here.
func (s *Synthesizer) Synthesize(ctx context.Context, slug string) (Document, error) {
	article, err := s.content.GetArticle(ctx, slug)
	if err != nil {
		return Document{}, fmt.Errorf("fetch article %q: %w", slug, err)
	}
	body, err := s.Render(article)
	if err != nil {
		return Document{}, err
	}
	return Document{Slug: slug, Body: body}, nil
}

// Render produces the document for an already fetched article.
func (s *Synthesizer) Render(article edge.ArticleMetadata) ([]byte, error) {
	data := pageData{
		SiteName:    s.cfg.SiteName,
		Title:       firstNonEmpty(article.Title, s.cfg.SiteName),
		Description: firstNonEmpty(article.Excerpt, s.cfg.SiteDescription),
		Author:      firstNonEmpty(article.Author, s.cfg.SiteName),
		Image:       firstNonEmpty(article.FeatureImage, s.cfg.DefaultImage),
		URL:         s.cfg.BaseURL + "/" + article.Slug,
	}
	published := article.PublishedAt
	if published.IsZero() {
		published = s.clock.Now()
	}
	data.PublishedAt = published.UTC().Format(time.RFC3339)

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render og document: %w", err)
	}
	return buf.Bytes(), nil
}

type pageData struct {
	SiteName    string
	Title       string
	Description string
	Author      string
	Image       string
	URL         string
	PublishedAt string
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
)

// Escape encodes text for both HTML body and quoted attribute contexts.
func Escape(text string) string {
	return htmlEscaper.Replace(text)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// The image URL is interpolated raw: it comes from the CMS URL-safe and must
// not be altered. Every other CMS field goes through esc.
var pageTemplate = template.Must(template.New("og").Funcs(template.FuncMap{"esc": Escape}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{esc .Title}} | {{esc .SiteName}}</title>
  <meta name="title" content="{{esc .Title}} | {{esc .SiteName}}">
  <meta name="description" content="{{esc .Description}}">
  <meta name="author" content="{{esc .Author}}">
  <link rel="canonical" href="{{.URL}}">
  <meta property="og:type" content="article">
  <meta property="og:url" content="{{.URL}}">
  <meta property="og:title" content="{{esc .Title}}">
  <meta property="og:description" content="{{esc .Description}}">
  <meta property="og:image" content="{{.Image}}">
  <meta property="og:image:width" content="1200">
  <meta property="og:image:height" content="630">
  <meta property="og:site_name" content="{{esc .SiteName}}">
  <meta property="article:published_time" content="{{.PublishedAt}}">
  <meta property="article:author" content="{{esc .Author}}">
  <meta name="twitter:card" content="summary_large_image">
  <meta name="twitter:url" content="{{.URL}}">
  <meta name="twitter:title" content="{{esc .Title}}">
  <meta name="twitter:description" content="{{esc .Description}}">
  <meta name="twitter:image" content="{{.Image}}">
</head>
<body>
  <h1>{{esc .Title}}</h1>
  <p>{{esc .Description}}</p>
  <p><a href="{{.URL}}">Read the full article</a></p>
</body>
</html>
`))
