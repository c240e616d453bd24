package cms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

// Publication names derived from post tags.
const (
	PublicationStateOfPlay = "The State of Play"
	PublicationLeftField   = "The Left Field"
)

// Fallbacks for optional post fields.
const (
	DefaultReadingTime = 5
	DefaultPrimaryTag  = "Sports Business"
)

type postsEnvelope struct {
	Posts []ghostPost `json:"posts"`
}

type ghostPost struct {
	Slug          string      `json:"slug"`
	Title         string      `json:"title"`
	HTML          string      `json:"html"`
	Excerpt       string      `json:"excerpt"`
	CustomExcerpt string      `json:"custom_excerpt"`
	FeatureImage  string      `json:"feature_image"`
	PublishedAt   string      `json:"published_at"`
	Visibility    string      `json:"visibility"`
	ReadingTime   int         `json:"reading_time"`
	Tags          []ghostTag  `json:"tags"`
	PrimaryTag    *ghostTag   `json:"primary_tag"`
	Authors       []ghostName `json:"authors"`
	PrimaryAuthor *ghostName  `json:"primary_author"`
}

type ghostTag struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type ghostName struct {
	Name string `json:"name"`
}

// GetArticle fetches a post by slug. Gated posts answer 404 on the slug
// endpoint, so a 404 there is retried once against the filtered list
// endpoint which still returns their metadata.
func (c *Client) GetArticle(ctx context.Context, slug string) (edge.ArticleMetadata, error) {
	slug = strings.Trim(strings.TrimSpace(slug), "/")
	if slug == "" || strings.ContainsAny(slug, "/,[]'\"") {
		return edge.ArticleMetadata{}, edge.ErrNotFound
	}

	query := url.Values{}
	query.Set("key", c.cfg.ContentKey)
	query.Set("include", "tags,authors")
	query.Set("formats", "html")

	bySlug := c.endpoint("/ghost/api/content/posts/slug/"+url.PathEscape(slug)+"/", query)
	post, found, err := c.fetchPost(ctx, "posts/slug", bySlug)
	if err != nil {
		return edge.ArticleMetadata{}, err
	}
	if !found {
		query.Set("filter", "slug:"+slug)
		query.Set("limit", "1")
		post, found, err = c.fetchPost(ctx, "posts", c.endpoint("/ghost/api/content/posts/", query))
		if err != nil {
			return edge.ArticleMetadata{}, err
		}
	}
	if !found {
		return edge.ArticleMetadata{}, edge.ErrNotFound
	}
	return c.toArticle(post), nil
}

func (c *Client) fetchPost(ctx context.Context, name, rawURL string) (ghostPost, bool, error) {
	resp, err := c.get(ctx, rawURL, nil)
	if err != nil {
		return ghostPost{}, false, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ghostPost{}, false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return ghostPost{}, false, &StatusError{Endpoint: name, StatusCode: resp.StatusCode}
	}

	var env postsEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return ghostPost{}, false, fmt.Errorf("decode %s: %w", name, err)
	}
	if len(env.Posts) == 0 {
		return ghostPost{}, false, nil
	}
	return env.Posts[0], true, nil
}

func (c *Client) toArticle(p ghostPost) edge.ArticleMetadata {
	article := edge.ArticleMetadata{
		Slug:               p.Slug,
		Title:              p.Title,
		Excerpt:            firstNonEmpty(p.CustomExcerpt, p.Excerpt),
		HTML:               p.HTML,
		FeatureImage:       p.FeatureImage,
		Visibility:         edge.ParseVisibility(p.Visibility),
		ReadingTimeMinutes: p.ReadingTime,
		Publication:        PublicationStateOfPlay,
	}
	if article.ReadingTimeMinutes <= 0 {
		article.ReadingTimeMinutes = DefaultReadingTime
	}

	switch {
	case len(p.Authors) > 0 && p.Authors[0].Name != "":
		article.Author = p.Authors[0].Name
	case p.PrimaryAuthor != nil:
		article.Author = p.PrimaryAuthor.Name
	}

	for _, tag := range p.Tags {
		article.Tags = append(article.Tags, tag.Name)
		if isLeftField(tag.Name) || isLeftField(tag.Slug) {
			article.Publication = PublicationLeftField
		}
	}
	switch {
	case p.PrimaryTag != nil && p.PrimaryTag.Name != "":
		article.PrimaryTag = p.PrimaryTag.Name
	case len(p.Tags) > 0:
		article.PrimaryTag = p.Tags[0].Name
	default:
		article.PrimaryTag = DefaultPrimaryTag
	}

	if p.PublishedAt != "" {
		published, err := time.Parse(time.RFC3339, p.PublishedAt)
		if err != nil {
			c.logger.Debug("unparseable published_at", zap.String("slug", p.Slug), zap.String("value", p.PublishedAt))
		} else {
			article.PublishedAt = published.UTC()
		}
	}
	return article
}

func isLeftField(tag string) bool {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "left-field", "leftfield":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
