// Package access decides how much of an article a reader may see.
package access

import (
	"time"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
	"github.com/JakeFAU/stateofplay-edge/internal/segmenter"
)

// CanAccessFull reports whether a reader with status may read the full body
// of an article with the given visibility. It must be evaluated on every
// render and never cached beyond the membership record's own freshness.
func CanAccessFull(visibility edge.Visibility, status edge.MembershipStatus) bool {
	if !visibility.Gated() {
		return true
	}
	return status.Paying()
}

// EffectiveStatus returns the status that should drive access decisions at
// now. A paid or comped record whose subscription already ended counts as free.
func EffectiveStatus(record edge.MembershipRecord, now time.Time) edge.MembershipStatus {
	if !record.Status.Paying() {
		return record.Status
	}
	if record.SubscriptionEnd != nil && !record.SubscriptionEnd.After(now) {
		return edge.StatusFree
	}
	return record.Status
}

// Paywall variants. They only change the copy shown to the reader.
const (
	PaywallAnonymous  = "anonymous"
	PaywallFreeMember = "free_member"
)

// Paywall is the gating affordance shown with a preview.
type Paywall struct {
	Variant  string `json:"variant"`
	Headline string `json:"headline"`
	Message  string `json:"message"`
	CTA      string `json:"cta"`
	CTAPath  string `json:"cta_path"`
}

// View is what the article-rendering path returns: exactly one of the full
// body or the preview plus a paywall.
type View struct {
	Article edge.ArticleMetadata `json:"article"`
	HTML    string               `json:"html"`
	Full    bool                 `json:"full"`
	Paywall *Paywall             `json:"paywall,omitempty"`
}

// Segmenter is the part of segmenter.Segmenter the renderer needs.
type Segmenter interface {
	Segment(rawHTML, excerpt string) segmenter.Content
}

// Render builds the View for article as seen by record at now.
func Render(article edge.ArticleMetadata, record edge.MembershipRecord, seg Segmenter, now time.Time) View {
	status := EffectiveStatus(record, now)
	content := seg.Segment(article.HTML, article.Excerpt)
	view := View{Article: article}
	if CanAccessFull(article.Visibility, status) {
		view.HTML = content.FullHTML
		view.Full = true
		return view
	}
	view.HTML = content.PreviewHTML
	view.Paywall = paywallFor(status)
	return view
}

func paywallFor(status edge.MembershipStatus) *Paywall {
	if status == edge.StatusFree {
		return &Paywall{
			Variant:  PaywallFreeMember,
			Headline: "Upgrade to keep reading",
			Message:  "You're signed in with a free membership. Go Pro for every premium story and analysis.",
			CTA:      "Upgrade Now",
			CTAPath:  "/membership",
		}
	}
	return &Paywall{
		Variant:  PaywallAnonymous,
		Headline: "Subscribe to continue reading",
		Message:  "Get unlimited access to premium stories and exclusive analysis.",
		CTA:      "Subscribe Now",
		CTAPath:  "/signup",
	}
}
