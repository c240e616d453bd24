// Package membership caches membership lookups in front of the CMS Admin API
// so article renders do not hit Ghost for every request.
package membership

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
	"github.com/JakeFAU/stateofplay-edge/internal/metrics"
)

// DefaultTTL bounds how stale a cached status may be.
const DefaultTTL = time.Minute

// Backend stores opaque values with a TTL.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type entry struct {
	Exists bool                  `json:"exists"`
	Record edge.MembershipRecord `json:"record"`
}

// Cache is a read-through cache over an edge.MembershipVerifier.
type Cache struct {
	backend  Backend
	verifier edge.MembershipVerifier
	ttl      time.Duration
	logger   *zap.Logger
}

// New constructs a Cache.
func New(backend Backend, verifier edge.MembershipVerifier, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{backend: backend, verifier: verifier, ttl: ttl, logger: logger.Named("membership")}
}

// Key returns the cache key for an email. Emails are hashed so addresses
// never appear in the cache keyspace.
func Key(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return fmt.Sprintf("membership:%x", sum[:12])
}

// VerifyMember answers from the cache when possible and otherwise asks the
// verifier, caching the answer. Cache failures degrade to a direct lookup.
func (c *Cache) VerifyMember(ctx context.Context, email string) (edge.Verification, error) {
	key := Key(email)
	raw, ok, err := c.backend.Get(ctx, key)
	switch {
	case err != nil:
		metrics.ObserveMembershipCache("error")
		c.logger.Warn("membership cache read failed", zap.Error(err))
	case ok:
		var e entry
		if err := json.Unmarshal(raw, &e); err == nil {
			metrics.ObserveMembershipCache("hit")
			return edge.Verification{Exists: e.Exists, Record: e.Record}, nil
		}
		metrics.ObserveMembershipCache("corrupt")
		_ = c.backend.Delete(ctx, key) //nolint:errcheck // best effort; next write replaces it
	default:
		metrics.ObserveMembershipCache("miss")
	}

	v, err := c.verifier.VerifyMember(ctx, email)
	if err != nil {
		return edge.Verification{}, fmt.Errorf("verify member: %w", err)
	}
	c.store(ctx, key, entry{Exists: v.Exists, Record: v.Record})
	return v, nil
}

// Lookup returns the record for email, or the anonymous record when the
// email has no membership.
func (c *Cache) Lookup(ctx context.Context, email string) (edge.MembershipRecord, error) {
	v, err := c.VerifyMember(ctx, email)
	if err != nil {
		return edge.Anonymous(), err
	}
	if !v.Exists {
		return edge.Anonymous(), nil
	}
	return v.Record, nil
}

// Put writes a confirmed record, replacing whatever was cached.
func (c *Cache) Put(ctx context.Context, record edge.MembershipRecord) error {
	raw, err := json.Marshal(entry{Exists: true, Record: record})
	if err != nil {
		return fmt.Errorf("encode membership: %w", err)
	}
	if err := c.backend.Set(ctx, Key(record.Email), raw, c.ttl); err != nil {
		return fmt.Errorf("cache membership: %w", err)
	}
	return nil
}

// Invalidate drops the cached answer for email.
func (c *Cache) Invalidate(ctx context.Context, email string) error {
	if err := c.backend.Delete(ctx, Key(email)); err != nil {
		return fmt.Errorf("invalidate membership: %w", err)
	}
	return nil
}

func (c *Cache) store(ctx context.Context, key string, e entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("encode membership failed", zap.Error(err))
		return
	}
	if err := c.backend.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("membership cache write failed", zap.Error(err))
	}
}
