package edge

import (
	"context"
	"time"
)

// ContentStore fetches article metadata by slug. A miss returns ErrNotFound.
type ContentStore interface {
	GetArticle(ctx context.Context, slug string) (ArticleMetadata, error)
}

// MembershipVerifier looks up the membership for an email. A missing member
// is reported as Verification{Exists: false}, not as an error.
type MembershipVerifier interface {
	VerifyMember(ctx context.Context, email string) (Verification, error)
}

// Publisher pushes domain events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PreviewRecorder logs crawler preview outcomes.
type PreviewRecorder interface {
	RecordPreview(ctx context.Context, record PreviewRecord) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// PreviewRecord captures one crawler request that reached the synthesizer.
type PreviewRecord struct {
	ID       string
	Slug     string
	Crawler  string
	Outcome  string
	Reason   string
	Duration time.Duration
	ServedAt time.Time
}
