// Package config loads and validates edge configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/stateofplay-edge/internal/classifier"
	"github.com/JakeFAU/stateofplay-edge/internal/segmenter"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Site       SiteConfig       `mapstructure:"site"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Origin     OriginConfig     `mapstructure:"origin"`
	CMS        CMSConfig        `mapstructure:"cms"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Segmenter  SegmenterConfig  `mapstructure:"segmenter"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Membership MembershipConfig `mapstructure:"membership"`
	Session    SessionConfig    `mapstructure:"session"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// AuthConfig guards the operator endpoints with a shared API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SiteConfig is the publication identity used in synthesized meta documents.
type SiteConfig struct {
	Name         string `mapstructure:"name"`
	Description  string `mapstructure:"description"`
	BaseURL      string `mapstructure:"base_url"`
	DefaultImage string `mapstructure:"default_image"`
}

// RoutingConfig holds the classifier tables.
type RoutingConfig struct {
	BypassPatterns    []string `mapstructure:"bypass_patterns"`
	NonArticleRoutes  []string `mapstructure:"non_article_routes"`
	CrawlerSignatures []string `mapstructure:"crawler_signatures"`
}

// OriginConfig points at the single-page application origin. Empty means the
// edge serves only its own routes.
type OriginConfig struct {
	URL string `mapstructure:"url"`
}

// CMSConfig configures the Ghost client.
type CMSConfig struct {
	URL            string  `mapstructure:"url"`
	ContentKey     string  `mapstructure:"content_key"`
	AdminKey       string  `mapstructure:"admin_key"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	UserAgent      string  `mapstructure:"user_agent"`
	AdminRPS       float64 `mapstructure:"admin_rps"`
	AdminBurst     int     `mapstructure:"admin_burst"`
}

// DispatcherConfig bounds the crawler meta path.
type DispatcherConfig struct {
	SynthTimeoutSeconds int     `mapstructure:"synth_timeout_seconds"`
	CrawlerRPS          float64 `mapstructure:"crawler_rps"`
	CrawlerBurst        int     `mapstructure:"crawler_burst"`
}

// SegmenterConfig controls the preview split.
type SegmenterConfig struct {
	PreviewParagraphs int    `mapstructure:"preview_paragraphs"`
	Marker            string `mapstructure:"marker"`
}

// ReconcileConfig controls the post-payment welcome flow.
type ReconcileConfig struct {
	MaxAttempts       int    `mapstructure:"max_attempts"`
	DelayMS           int    `mapstructure:"delay_ms"`
	SessionTTLSeconds int    `mapstructure:"session_ttl_seconds"`
	RedirectAfterMS   int    `mapstructure:"redirect_after_ms"`
	RedirectTo        string `mapstructure:"redirect_to"`
}

// MembershipConfig controls the membership read-through cache.
type MembershipConfig struct {
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
	RedisAddr       string `mapstructure:"redis_addr"`
}

// SessionConfig controls reader session tokens.
type SessionConfig struct {
	Secret   string `mapstructure:"secret"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// DBConfig controls access to the preview log database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	Table    string `mapstructure:"table"`
}

// PubSubConfig holds metadata for activation notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("site.name", "State of Play")
	v.SetDefault("site.description", "Sports business news and analysis")
	v.SetDefault("site.base_url", "https://stateofplay.club")
	v.SetDefault("site.default_image", "https://stateofplay.club/og-default.png")
	v.SetDefault("routing.bypass_patterns", classifier.DefaultBypass)
	v.SetDefault("routing.non_article_routes", classifier.DefaultNonArticle)
	v.SetDefault("routing.crawler_signatures", classifier.DefaultSignatures)
	v.SetDefault("cms.timeout_seconds", 5)
	v.SetDefault("cms.user_agent", "stateofplay-edge/1.0")
	v.SetDefault("cms.admin_rps", 5)
	v.SetDefault("cms.admin_burst", 5)
	v.SetDefault("dispatcher.synth_timeout_seconds", 4)
	v.SetDefault("dispatcher.crawler_rps", 5)
	v.SetDefault("dispatcher.crawler_burst", 10)
	v.SetDefault("segmenter.preview_paragraphs", segmenter.DefaultPreviewParagraphs)
	v.SetDefault("segmenter.marker", segmenter.DefaultMarker)
	v.SetDefault("reconcile.max_attempts", 10)
	v.SetDefault("reconcile.delay_ms", 3000)
	v.SetDefault("reconcile.session_ttl_seconds", 900)
	v.SetDefault("reconcile.redirect_after_ms", 3000)
	v.SetDefault("reconcile.redirect_to", "/")
	v.SetDefault("membership.cache_ttl_seconds", 60)
	v.SetDefault("session.ttl_hours", 168)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.table", "crawler_previews")

	// Registered so AutomaticEnv can populate them during Unmarshal.
	for _, key := range []string{
		"auth.api_key", "origin.url", "cms.url", "cms.content_key", "cms.admin_key",
		"membership.redis_addr", "session.secret", "db.dsn",
		"pubsub.project_id", "pubsub.topic_name",
	} {
		v.SetDefault(key, "")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.CMS.URL == "" {
		return errors.New("cms.url is required")
	}
	if _, err := url.ParseRequestURI(c.CMS.URL); err != nil {
		return fmt.Errorf("cms.url is invalid: %w", err)
	}
	if c.CMS.ContentKey == "" {
		return errors.New("cms.content_key is required")
	}
	if c.CMS.AdminKey != "" && !strings.Contains(c.CMS.AdminKey, ":") {
		return errors.New("cms.admin_key must be in id:secret form")
	}
	if c.CMS.TimeoutSeconds <= 0 {
		return errors.New("cms.timeout_seconds must be > 0")
	}
	if c.Origin.URL != "" {
		if _, err := url.ParseRequestURI(c.Origin.URL); err != nil {
			return fmt.Errorf("origin.url is invalid: %w", err)
		}
	}
	if c.Dispatcher.SynthTimeoutSeconds <= 0 {
		return errors.New("dispatcher.synth_timeout_seconds must be > 0")
	}
	if c.Reconcile.MaxAttempts <= 0 {
		return errors.New("reconcile.max_attempts must be > 0")
	}
	if c.Reconcile.DelayMS < 0 {
		return errors.New("reconcile.delay_ms must be >= 0")
	}
	if c.Session.Secret == "" {
		return errors.New("session.secret is required")
	}
	if c.Session.TTLHours <= 0 {
		return errors.New("session.ttl_hours must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// RequestTimeout is the per-request budget for API handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// CMSTimeout is the budget of a single CMS call.
func (c Config) CMSTimeout() time.Duration {
	return time.Duration(c.CMS.TimeoutSeconds) * time.Second
}

// SynthTimeout is the dispatcher's outer budget for the meta path.
func (c Config) SynthTimeout() time.Duration {
	return time.Duration(c.Dispatcher.SynthTimeoutSeconds) * time.Second
}

// ReconcileDelay is the wait between verification attempts.
func (c Config) ReconcileDelay() time.Duration {
	return time.Duration(c.Reconcile.DelayMS) * time.Millisecond
}

// SessionTTL is how long a welcome session outlives its last update.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Reconcile.SessionTTLSeconds) * time.Second
}

// RedirectAfter is the delay hint sent with a successful welcome session.
func (c Config) RedirectAfter() time.Duration {
	return time.Duration(c.Reconcile.RedirectAfterMS) * time.Millisecond
}

// MembershipCacheTTL is how long verified memberships stay cached.
func (c Config) MembershipCacheTTL() time.Duration {
	return time.Duration(c.Membership.CacheTTLSeconds) * time.Second
}

// ReaderTokenTTL is the lifetime of a reader session token.
func (c Config) ReaderTokenTTL() time.Duration {
	return time.Duration(c.Session.TTLHours) * time.Hour
}
