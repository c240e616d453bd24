package edge

import (
	"errors"
	"time"
)

// ErrNotFound reports that the CMS has no record for the requested key.
// Callers treat it as a normal outcome, not a failure.
var ErrNotFound = errors.New("not found")

// ErrNoMemberSession reports that a request carries no signed-in CMS member.
var ErrNoMemberSession = errors.New("no member session")

// Visibility is the CMS-assigned access tier of an article.
type Visibility string

// Visibility values.
const (
	VisibilityPublic  Visibility = "public"
	VisibilityMembers Visibility = "members"
	VisibilityPaid    Visibility = "paid"
)

// ParseVisibility maps a CMS value onto a Visibility. Unknown values are
// treated as paid so an unrecognised tier never leaks gated content.
func ParseVisibility(raw string) Visibility {
	switch Visibility(raw) {
	case VisibilityPublic, VisibilityMembers, VisibilityPaid:
		return Visibility(raw)
	case "":
		return VisibilityPublic
	default:
		return VisibilityPaid
	}
}

// Gated reports whether the tier restricts the full body.
func (v Visibility) Gated() bool {
	return v != VisibilityPublic
}

// MembershipStatus is a reader's subscription state.
type MembershipStatus string

// MembershipStatus values.
const (
	StatusNone   MembershipStatus = "none"
	StatusFree   MembershipStatus = "free"
	StatusPaid   MembershipStatus = "paid"
	StatusComped MembershipStatus = "comped"
)

// ParseMembershipStatus maps a CMS value onto a MembershipStatus.
func ParseMembershipStatus(raw string) MembershipStatus {
	switch MembershipStatus(raw) {
	case StatusFree, StatusPaid, StatusComped:
		return MembershipStatus(raw)
	default:
		return StatusNone
	}
}

// Paying reports whether the status grants gated content.
func (s MembershipStatus) Paying() bool {
	return s == StatusPaid || s == StatusComped
}

// ArticleMetadata is the read-only view of a CMS post.
type ArticleMetadata struct {
	Slug               string     `json:"slug"`
	Title              string     `json:"title"`
	Excerpt            string     `json:"excerpt"`
	HTML               string     `json:"-"`
	FeatureImage       string     `json:"feature_image,omitempty"`
	Author             string     `json:"author"`
	PublishedAt        time.Time  `json:"published_at"`
	Visibility         Visibility `json:"visibility"`
	Tags               []string   `json:"tags,omitempty"`
	PrimaryTag         string     `json:"primary_tag,omitempty"`
	ReadingTimeMinutes int        `json:"reading_time_minutes"`
	Publication        string     `json:"publication"`
}

// MembershipRecord mirrors the CMS member. A nil SubscriptionEnd on a
// comped member means a lifetime membership.
type MembershipRecord struct {
	Email             string           `json:"email"`
	Name              string           `json:"name,omitempty"`
	Status            MembershipStatus `json:"status"`
	SubscriptionStart *time.Time       `json:"subscription_start,omitempty"`
	SubscriptionEnd   *time.Time       `json:"subscription_end,omitempty"`
}

// Anonymous is the record used for visitors without a session.
func Anonymous() MembershipRecord {
	return MembershipRecord{Status: StatusNone}
}

// Verification is the answer of the membership collaborator for one email.
type Verification struct {
	Exists bool
	Record MembershipRecord
}
